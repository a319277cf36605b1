package domain

import "time"

type CaseStatus string

const (
	CaseNew        CaseStatus = "new"
	CaseInProgress CaseStatus = "in_progress"
	CaseCompleted  CaseStatus = "completed"
	CaseCancelled  CaseStatus = "cancelled"
)

// Terminal reports whether no further status change is possible without a reopen.
func (s CaseStatus) Terminal() bool {
	return s == CaseCompleted || s == CaseCancelled
}

func (s CaseStatus) Valid() bool {
	switch s {
	case CaseNew, CaseInProgress, CaseCompleted, CaseCancelled:
		return true
	}
	return false
}

type SLAStatus string

const (
	SLANotSet   SLAStatus = "not_set"
	SLAOnTime   SLAStatus = "on_time"
	SLAAtRisk   SLAStatus = "at_risk"
	SLABreached SLAStatus = "breached"
)

type Role string

const (
	RoleUser     Role = "user"
	RoleEmployee Role = "employee"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleEmployee, RoleAdmin, RoleSystem:
		return true
	}
	return false
}

// Actor is the authorization context attached to every operation.
type Actor struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Role   Role   `json:"role" enum:"user,employee,admin,system"`
}

// SystemActor performs automated changes such as SLA sweeps.
var SystemActor = Actor{UserID: "system", Name: "System", Role: RoleSystem}

type ChecklistKey struct {
	StepID string `json:"step_id"`
	ItemID string `json:"item_id"`
}

type ChecklistEntry struct {
	IsCompleted bool       `json:"is_completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CompletedBy *string    `json:"completed_by,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type Case struct {
	ID                    string                          `json:"id"`
	UserID                string                          `json:"user_id"`
	ServiceID             string                          `json:"service_id"`
	PaymentRef            string                          `json:"payment_ref,omitempty"`
	AssignedEmployeeID    *string                         `json:"assigned_employee_id,omitempty"`
	WorkflowTemplateID    *string                         `json:"workflow_template_id,omitempty"`
	WorkflowDurationHours float64                         `json:"workflow_duration_hours"`
	Status                CaseStatus                      `json:"status"`
	CurrentStep           int                             `json:"current_step"`
	Checklist             map[ChecklistKey]ChecklistEntry `json:"-"`
	SLADeadline           *time.Time                      `json:"sla_deadline,omitempty"`
	SLAStatus             SLAStatus                       `json:"sla_status"`
	ReopenCount           int                             `json:"reopen_count"`
	CreatedAt             time.Time                       `json:"created_at"`
	CompletedAt           *time.Time                      `json:"completed_at,omitempty"`
	LastActivityAt        time.Time                       `json:"last_activity_at"`
}

// AssignedTo reports whether userID is the case's assigned employee.
func (c Case) AssignedTo(userID string) bool {
	return c.AssignedEmployeeID != nil && *c.AssignedEmployeeID == userID
}

type TemplateLifecycle string

const (
	TemplateActive   TemplateLifecycle = "active"
	TemplateArchived TemplateLifecycle = "archived"
	TemplateDeleted  TemplateLifecycle = "deleted"
)

type ChecklistItem struct {
	ID       string `json:"id" yaml:"id"`
	Title    string `json:"title" yaml:"title"`
	Optional bool   `json:"optional,omitempty" yaml:"optional"`
}

type WorkflowStep struct {
	ID                     string          `json:"id" yaml:"id"`
	Name                   string          `json:"name" yaml:"name"`
	EstimatedDurationHours float64         `json:"estimated_duration_hours" yaml:"estimated_duration_hours"`
	Items                  []ChecklistItem `json:"items" yaml:"items"`
}

type WorkflowTemplate struct {
	ID                          string            `json:"id"`
	Name                        string            `json:"name"`
	Description                 string            `json:"description,omitempty"`
	Steps                       []WorkflowStep    `json:"steps"`
	TotalEstimatedDurationHours float64           `json:"total_estimated_duration_hours"`
	Tags                        []string          `json:"tags,omitempty"`
	Lifecycle                   TemplateLifecycle `json:"lifecycle"`
	CreatedAt                   time.Time         `json:"created_at"`
	UpdatedAt                   time.Time         `json:"updated_at"`
}

// HasItem reports whether the template defines itemID under stepID.
func (t WorkflowTemplate) HasItem(stepID, itemID string) bool {
	for _, s := range t.Steps {
		if s.ID != stepID {
			continue
		}
		for _, it := range s.Items {
			if it.ID == itemID {
				return true
			}
		}
	}
	return false
}

type VersionStatus string

const (
	VersionActive     VersionStatus = "active"
	VersionSuperseded VersionStatus = "superseded"
	VersionDeleted    VersionStatus = "deleted"
)

type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationRejected VerificationStatus = "rejected"
)

// FileRef points at bytes held by the external object store.
type FileRef struct {
	Provider   string `json:"provider"`
	URL        string `json:"url"`
	ProviderID string `json:"provider_id"`
}

type FileMeta struct {
	OriginalName string `json:"original_name"`
	MimeType     string `json:"mime_type"`
	SizeBytes    int64  `json:"size_bytes"`
}

type DocumentVersion struct {
	ID                 string             `json:"id"`
	CaseID             string             `json:"case_id"`
	DocumentType       string             `json:"document_type"`
	Version            int                `json:"version"`
	Status             VersionStatus      `json:"status"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	RejectionReason    *string            `json:"rejection_reason,omitempty"`
	VerifiedBy         *string            `json:"verified_by,omitempty"`
	VerifiedAt         *time.Time         `json:"verified_at,omitempty"`
	File               FileRef            `json:"file"`
	Meta               FileMeta           `json:"meta"`
	UploadedBy         string             `json:"uploaded_by"`
	RestoredFrom       *int               `json:"restored_from,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	DeletedAt          *time.Time         `json:"deleted_at,omitempty"`
}

type Service struct {
	ID                string   `json:"id" yaml:"id"`
	Name              string   `json:"name" yaml:"name"`
	DocumentsRequired []string `json:"documents_required" yaml:"documents_required"`
}

type EventType string

const (
	EventCaseCreated       EventType = "case_created"
	EventCaseAssigned      EventType = "case_assigned"
	EventWorkflowAssigned  EventType = "workflow_assigned"
	EventStatusChanged     EventType = "status_changed"
	EventDocumentUploaded  EventType = "document_uploaded"
	EventDocumentVerified  EventType = "document_verified"
	EventDocumentRejected  EventType = "document_rejected"
	EventDocumentRestored  EventType = "document_restored"
	EventDocumentDeleted   EventType = "document_deleted"
	EventChecklistUpdated  EventType = "checklist_updated"
	EventSLAWarning        EventType = "sla_warning"
	EventSLABreach         EventType = "sla_breach"
	EventCaseCompleted     EventType = "case_completed"
	EventCaseReopened      EventType = "case_reopened"
	EventInternalNoteAdded EventType = "internal_note_added"
)

type TimelineEvent struct {
	ID              int64         `json:"id"`
	CaseID          string        `json:"case_id"`
	Type            EventType     `json:"event_type"`
	Title           string        `json:"title"`
	Description     string        `json:"description,omitempty"`
	PerformedBy     Actor         `json:"performed_by"`
	Metadata        EventMetadata `json:"metadata,omitempty"`
	IsVisibleToUser bool          `json:"is_visible_to_user"`
	CreatedAt       time.Time     `json:"created_at"`
}
