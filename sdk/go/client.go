package caselinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Caseline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

type ChecklistEntry struct {
	StepID      string     `json:"step_id"`
	ItemID      string     `json:"item_id"`
	IsCompleted bool       `json:"is_completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CompletedBy *string    `json:"completed_by,omitempty"`
}

// Case represents the API case model.
type Case struct {
	ID                    string           `json:"id"`
	UserID                string           `json:"user_id"`
	ServiceID             string           `json:"service_id"`
	PaymentRef            string           `json:"payment_ref,omitempty"`
	AssignedEmployeeID    *string          `json:"assigned_employee_id,omitempty"`
	WorkflowTemplateID    *string          `json:"workflow_template_id,omitempty"`
	WorkflowDurationHours float64          `json:"workflow_duration_hours"`
	Status                string           `json:"status"`
	CurrentStep           int              `json:"current_step"`
	Checklist             []ChecklistEntry `json:"checklist"`
	SLADeadline           *time.Time       `json:"sla_deadline,omitempty"`
	SLAStatus             string           `json:"sla_status"`
	SLALive               string           `json:"sla_live"`
	ReopenCount           int              `json:"reopen_count"`
	CreatedAt             time.Time        `json:"created_at"`
	CompletedAt           *time.Time       `json:"completed_at,omitempty"`
}

type Actor struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Role   string `json:"role"`
}

// Event is a timeline entry.
type Event struct {
	ID              int64          `json:"id"`
	CaseID          string         `json:"case_id"`
	Type            string         `json:"event_type"`
	Title           string         `json:"title"`
	Description     string         `json:"description,omitempty"`
	PerformedBy     Actor          `json:"performed_by"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	IsVisibleToUser bool           `json:"is_visible_to_user"`
	CreatedAt       time.Time      `json:"created_at"`
}

type FileRef struct {
	Provider   string `json:"provider"`
	URL        string `json:"url"`
	ProviderID string `json:"provider_id"`
}

// DocumentVersion is one uploaded revision of a case document.
type DocumentVersion struct {
	ID                 string    `json:"id"`
	CaseID             string    `json:"case_id"`
	DocumentType       string    `json:"document_type"`
	Version            int       `json:"version"`
	Status             string    `json:"status"`
	VerificationStatus string    `json:"verification_status"`
	RejectionReason    *string   `json:"rejection_reason,omitempty"`
	File               FileRef   `json:"file"`
	UploadedBy         string    `json:"uploaded_by"`
	RestoredFrom       *int      `json:"restored_from,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

type ChecklistItem struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Optional bool   `json:"optional,omitempty"`
}

type WorkflowStep struct {
	ID                     string          `json:"id"`
	Name                   string          `json:"name"`
	EstimatedDurationHours float64         `json:"estimated_duration_hours"`
	Items                  []ChecklistItem `json:"items"`
}

// Template is a workflow template.
type Template struct {
	ID                          string         `json:"id"`
	Name                        string         `json:"name"`
	Description                 string         `json:"description,omitempty"`
	Steps                       []WorkflowStep `json:"steps"`
	TotalEstimatedDurationHours float64        `json:"total_estimated_duration_hours"`
	Tags                        []string       `json:"tags,omitempty"`
	Lifecycle                   string         `json:"lifecycle"`
}

// TemplateInput is the writable part of a template.
type TemplateInput struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Steps       []WorkflowStep `json:"steps"`
	Tags        []string       `json:"tags,omitempty"`
}

type DocumentTypeStatus struct {
	DocumentType string `json:"document_type"`
	Uploaded     bool   `json:"uploaded"`
	Active       *struct {
		ID                 string `json:"id"`
		Version            int    `json:"version"`
		VerificationStatus string `json:"verification_status"`
	} `json:"active,omitempty"`
}

type DocumentStatus struct {
	CaseID      string               `json:"case_id"`
	Documents   []DocumentTypeStatus `json:"documents"`
	AllUploaded bool                 `json:"all_uploaded"`
	AllVerified bool                 `json:"all_verified"`
}

type SweepResult struct {
	Evaluated  int  `json:"evaluated"`
	Updated    int  `json:"updated"`
	Alerts     int  `json:"alerts"`
	Skipped    int  `json:"skipped"`
	Failed     int  `json:"failed"`
	Incomplete bool `json:"incomplete,omitempty"`
}

type Service struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	DocumentsRequired []string `json:"documents_required"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// PaginatedCases wraps list responses with cursors.
type PaginatedCases struct {
	Items      []Case `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CaseQuery filters ListCases. Empty fields are ignored.
type CaseQuery struct {
	UserID     string
	AssigneeID string
	ServiceID  string
	Status     string
	SLAStatus  string
	Limit      int
	Cursor     string
}

// DevLogin mints a token through the development login endpoint.
func (c *Client) DevLogin(ctx context.Context, userID, name, role string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "v1/auth/dev/login", map[string]any{
		"user_id": userID,
		"name":    name,
		"role":    role,
	}, &resp)
	return resp.Token, err
}

// Me returns the authenticated actor.
func (c *Client) Me(ctx context.Context) (Actor, error) {
	var resp Actor
	err := c.do(ctx, http.MethodGet, "v1/me", nil, &resp)
	return resp, err
}

// CreateCase opens a case for a purchased service.
func (c *Client) CreateCase(ctx context.Context, userID, serviceID, paymentRef string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, "v1/cases", map[string]any{
		"user_id":     userID,
		"service_id":  serviceID,
		"payment_ref": paymentRef,
	}, &resp)
	return resp, err
}

// GetCase fetches a case by id.
func (c *Client) GetCase(ctx context.Context, id string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodGet, casePath(id, ""), nil, &resp)
	return resp, err
}

// ListCases lists cases visible to the caller.
func (c *Client) ListCases(ctx context.Context, q CaseQuery) (PaginatedCases, error) {
	params := url.Values{}
	set := func(k, v string) {
		if v != "" {
			params.Set(k, v)
		}
	}
	set("user_id", q.UserID)
	set("assignee_id", q.AssigneeID)
	set("service_id", q.ServiceID)
	set("status", q.Status)
	set("sla_status", q.SLAStatus)
	set("cursor", q.Cursor)
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	endpoint := "v1/cases"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp PaginatedCases
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AssignEmployee sets the case's assigned employee.
func (c *Client) AssignEmployee(ctx context.Context, caseID, employeeID string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, casePath(caseID, "assignee"), map[string]any{"employee_id": employeeID}, &resp)
	return resp, err
}

// UpdateStatus changes the case status. step may be nil to leave the current
// step untouched.
func (c *Client) UpdateStatus(ctx context.Context, caseID, status string, step *int, reason string) (Case, error) {
	body := map[string]any{"status": status}
	if step != nil {
		body["current_step"] = *step
	}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Case
	err := c.do(ctx, http.MethodPatch, casePath(caseID, "status"), body, &resp)
	return resp, err
}

// Reopen moves a completed case back to in_progress.
func (c *Client) Reopen(ctx context.Context, caseID, reason string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, casePath(caseID, "reopen"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// SetChecklistItem marks a checklist item done or not done.
func (c *Client) SetChecklistItem(ctx context.Context, caseID, stepID, itemID string, done bool) (Case, error) {
	var resp Case
	endpoint := casePath(caseID, fmt.Sprintf("checklist/%s/%s", url.PathEscape(stepID), url.PathEscape(itemID)))
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"is_completed": done}, &resp)
	return resp, err
}

// AssignWorkflow attaches a template and starts the SLA clock.
func (c *Client) AssignWorkflow(ctx context.Context, caseID, templateID string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, casePath(caseID, "workflow"), map[string]any{"template_id": templateID}, &resp)
	return resp, err
}

// AddNote records a staff-only note.
func (c *Client) AddNote(ctx context.Context, caseID, note string) (Event, error) {
	var resp Event
	err := c.do(ctx, http.MethodPost, casePath(caseID, "notes"), map[string]any{"note": note}, &resp)
	return resp, err
}

// Timeline reads the case timeline. internal selects the staff view.
func (c *Client) Timeline(ctx context.Context, caseID string, internal bool, limit int, cursor string) (PaginatedEvents, error) {
	sub := "timeline"
	if internal {
		sub = "timeline/internal"
	}
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	endpoint := casePath(caseID, sub)
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UploadDocument sends file content to be stored and versioned.
func (c *Client) UploadDocument(ctx context.Context, caseID, docType, name, mimeType string, content []byte) (DocumentVersion, error) {
	var resp DocumentVersion
	err := c.do(ctx, http.MethodPost, casePath(caseID, "documents"), map[string]any{
		"document_type": docType,
		"original_name": name,
		"mime_type":     mimeType,
		"content":       content,
	}, &resp)
	return resp, err
}

// RegisterDocument records a version for a file already held by the object store.
func (c *Client) RegisterDocument(ctx context.Context, caseID, docType string, file FileRef, name, mimeType string, size int64) (DocumentVersion, error) {
	var resp DocumentVersion
	err := c.do(ctx, http.MethodPost, casePath(caseID, "documents"), map[string]any{
		"document_type": docType,
		"file":          file,
		"original_name": name,
		"mime_type":     mimeType,
		"size_bytes":    size,
	}, &resp)
	return resp, err
}

// ListVersions lists document versions, optionally for one type.
func (c *Client) ListVersions(ctx context.Context, caseID, docType string) ([]DocumentVersion, error) {
	endpoint := casePath(caseID, "documents")
	if docType != "" {
		endpoint += "?document_type=" + url.QueryEscape(docType)
	}
	var resp struct {
		Items []DocumentVersion `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// DocumentStatus reports required-document progress.
func (c *Client) DocumentStatus(ctx context.Context, caseID string, required []string) (DocumentStatus, error) {
	endpoint := casePath(caseID, "documents/status")
	if len(required) > 0 {
		endpoint += "?required=" + url.QueryEscape(strings.Join(required, ","))
	}
	var resp DocumentStatus
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// VerifyDocument sets the verification outcome of an active version.
func (c *Client) VerifyDocument(ctx context.Context, versionID, status, reason string) (DocumentVersion, error) {
	var resp DocumentVersion
	err := c.do(ctx, http.MethodPost, documentPath(versionID, "verify"), map[string]any{
		"status": status,
		"reason": reason,
	}, &resp)
	return resp, err
}

// RestoreDocument appends a copy of an older version as the new active one.
func (c *Client) RestoreDocument(ctx context.Context, versionID string) (DocumentVersion, error) {
	var resp DocumentVersion
	err := c.do(ctx, http.MethodPost, documentPath(versionID, "restore"), nil, &resp)
	return resp, err
}

// DeleteDocument soft-deletes a version.
func (c *Client) DeleteDocument(ctx context.Context, versionID string) error {
	return c.do(ctx, http.MethodDelete, documentPath(versionID, ""), nil, nil)
}

// CreateTemplate creates a workflow template.
func (c *Client) CreateTemplate(ctx context.Context, in TemplateInput) (Template, error) {
	var resp Template
	err := c.do(ctx, http.MethodPost, "v1/templates", in, &resp)
	return resp, err
}

// UpdateTemplate replaces a template's content.
func (c *Client) UpdateTemplate(ctx context.Context, id string, in TemplateInput) (Template, error) {
	var resp Template
	err := c.do(ctx, http.MethodPut, templatePath(id, ""), in, &resp)
	return resp, err
}

// GetTemplate fetches a template by id.
func (c *Client) GetTemplate(ctx context.Context, id string) (Template, error) {
	var resp Template
	err := c.do(ctx, http.MethodGet, templatePath(id, ""), nil, &resp)
	return resp, err
}

// ListTemplates lists templates; archived ones only when asked.
func (c *Client) ListTemplates(ctx context.Context, includeArchived bool) ([]Template, error) {
	endpoint := "v1/templates"
	if includeArchived {
		endpoint += "?include_archived=true"
	}
	var resp struct {
		Items []Template `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// CloneTemplate deep-copies a template under a new id.
func (c *Client) CloneTemplate(ctx context.Context, id, name string) (Template, error) {
	var resp Template
	err := c.do(ctx, http.MethodPost, templatePath(id, "clone"), map[string]any{"name": name}, &resp)
	return resp, err
}

// ArchiveTemplate hides a template from new assignments.
func (c *Client) ArchiveTemplate(ctx context.Context, id string) (Template, error) {
	var resp Template
	err := c.do(ctx, http.MethodPost, templatePath(id, "archive"), nil, &resp)
	return resp, err
}

// DeleteTemplate soft-deletes a template.
func (c *Client) DeleteTemplate(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, templatePath(id, ""), nil, nil)
}

// Sweep runs one SLA sweep. Admin only.
func (c *Client) Sweep(ctx context.Context) (SweepResult, error) {
	var resp SweepResult
	err := c.do(ctx, http.MethodPost, "v1/sla/sweep", nil, &resp)
	return resp, err
}

func (c *Client) Services(ctx context.Context) ([]Service, error) {
	var resp struct {
		Items []Service `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v1/services", nil, &resp)
	return resp.Items, err
}

func (c *Client) DefineService(ctx context.Context, s Service) (Service, error) {
	var resp Service
	err := c.do(ctx, http.MethodPut, "v1/services/"+url.PathEscape(s.ID), map[string]any{
		"name":               s.Name,
		"documents_required": s.DocumentsRequired,
	}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func casePath(id, sub string) string {
	p := "v1/cases/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func documentPath(id, sub string) string {
	p := "v1/documents/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func templatePath(id, sub string) string {
	p := "v1/templates/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
