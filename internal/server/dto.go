package server

import (
	"encoding/json"
	"sort"
	"time"

	"caseline/internal/domain"
)

// Request payloads

type CreateCaseRequest struct {
	UserID     string `json:"user_id"`
	ServiceID  string `json:"service_id"`
	PaymentRef string `json:"payment_ref,omitempty"`
}

type AssignEmployeeRequest struct {
	EmployeeID string `json:"employee_id"`
}

type UpdateStatusRequest struct {
	Status      string `json:"status" enum:"new,in_progress,completed,cancelled"`
	CurrentStep *int   `json:"current_step,omitempty" minimum:"0"`
	Reason      string `json:"reason,omitempty"`
}

type ReopenRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ChecklistRequest struct {
	IsCompleted bool `json:"is_completed"`
}

type AssignWorkflowRequest struct {
	TemplateID string `json:"template_id"`
}

type NoteRequest struct {
	Note string `json:"note"`
}

// UploadDocumentRequest either references an already stored file or carries
// the bytes in Content, which are then written to object storage.
type UploadDocumentRequest struct {
	DocumentType string          `json:"document_type"`
	File         *domain.FileRef `json:"file,omitempty"`
	Content      []byte          `json:"content,omitempty"`
	OriginalName string          `json:"original_name,omitempty"`
	MimeType     string          `json:"mime_type,omitempty"`
	SizeBytes    int64           `json:"size_bytes,omitempty"`
}

type VerifyDocumentRequest struct {
	Status string `json:"status" enum:"verified,rejected"`
	Reason string `json:"reason,omitempty"`
}

type CloneTemplateRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Role   string `json:"role" enum:"user,employee,admin,system"`
}

// Responses

type ChecklistEntryResponse struct {
	StepID      string     `json:"step_id"`
	ItemID      string     `json:"item_id"`
	IsCompleted bool       `json:"is_completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CompletedBy *string    `json:"completed_by,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type CaseResponse struct {
	ID                    string                   `json:"id"`
	UserID                string                   `json:"user_id"`
	ServiceID             string                   `json:"service_id"`
	PaymentRef            string                   `json:"payment_ref,omitempty"`
	AssignedEmployeeID    *string                  `json:"assigned_employee_id,omitempty"`
	WorkflowTemplateID    *string                  `json:"workflow_template_id,omitempty"`
	WorkflowDurationHours float64                  `json:"workflow_duration_hours"`
	Status                string                   `json:"status"`
	CurrentStep           int                      `json:"current_step"`
	Checklist             []ChecklistEntryResponse `json:"checklist"`
	SLADeadline           *time.Time               `json:"sla_deadline,omitempty"`
	SLAStatus             string                   `json:"sla_status"`
	// SLALive is the classification at read time; SLAStatus is the value
	// last written by the sweep.
	SLALive        string     `json:"sla_live"`
	ReopenCount    int        `json:"reopen_count"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	LastActivityAt time.Time  `json:"last_activity_at"`
}

type PaginatedCases struct {
	Items      []CaseResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type EventResponse struct {
	ID              int64          `json:"id"`
	CaseID          string         `json:"case_id"`
	Type            string         `json:"event_type"`
	Title           string         `json:"title"`
	Description     string         `json:"description,omitempty"`
	PerformedBy     domain.Actor   `json:"performed_by"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	IsVisibleToUser bool           `json:"is_visible_to_user"`
	CreatedAt       time.Time      `json:"created_at"`
}

type PaginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type DocumentVersionsResponse struct {
	Items []domain.DocumentVersion `json:"items"`
}

type TemplatesResponse struct {
	Items []domain.WorkflowTemplate `json:"items"`
}

type ServicesResponse struct {
	Items []domain.Service `json:"items"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Role   string `json:"role"`
}

func caseResponse(c domain.Case, live domain.SLAStatus) CaseResponse {
	resp := CaseResponse{
		ID:                    c.ID,
		UserID:                c.UserID,
		ServiceID:             c.ServiceID,
		PaymentRef:            c.PaymentRef,
		AssignedEmployeeID:    c.AssignedEmployeeID,
		WorkflowTemplateID:    c.WorkflowTemplateID,
		WorkflowDurationHours: c.WorkflowDurationHours,
		Status:                string(c.Status),
		CurrentStep:           c.CurrentStep,
		Checklist:             []ChecklistEntryResponse{},
		SLADeadline:           c.SLADeadline,
		SLAStatus:             string(c.SLAStatus),
		SLALive:               string(live),
		ReopenCount:           c.ReopenCount,
		CreatedAt:             c.CreatedAt,
		CompletedAt:           c.CompletedAt,
		LastActivityAt:        c.LastActivityAt,
	}
	for k, e := range c.Checklist {
		resp.Checklist = append(resp.Checklist, ChecklistEntryResponse{
			StepID:      k.StepID,
			ItemID:      k.ItemID,
			IsCompleted: e.IsCompleted,
			CompletedAt: e.CompletedAt,
			CompletedBy: e.CompletedBy,
			UpdatedAt:   e.UpdatedAt,
		})
	}
	sortChecklist(resp.Checklist)
	return resp
}

func eventResponse(e domain.TimelineEvent) EventResponse {
	return EventResponse{
		ID:              e.ID,
		CaseID:          e.CaseID,
		Type:            string(e.Type),
		Title:           e.Title,
		Description:     e.Description,
		PerformedBy:     e.PerformedBy,
		Metadata:        metadataMap(e.Metadata),
		IsVisibleToUser: e.IsVisibleToUser,
		CreatedAt:       e.CreatedAt,
	}
}

func metadataMap(m domain.EventMetadata) map[string]any {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func sortChecklist(items []ChecklistEntryResponse) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].StepID != items[j].StepID {
			return items[i].StepID < items[j].StepID
		}
		return items[i].ItemID < items[j].ItemID
	})
}
