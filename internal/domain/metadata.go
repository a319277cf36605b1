package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventMetadata is the typed payload of a timeline event. Each event type
// carries exactly one of the concrete structs below.
type EventMetadata interface {
	eventMetadata()
}

type CaseOpened struct {
	ServiceID  string `json:"service_id"`
	UserID     string `json:"user_id"`
	PaymentRef string `json:"payment_ref,omitempty"`
}

type AssignmentChange struct {
	From *string `json:"from,omitempty"`
	To   string  `json:"to"`
}

// WorkflowChange carries the binding being replaced so a reassignment that
// resets the SLA clock stays visible on the timeline.
type WorkflowChange struct {
	TemplateID     string     `json:"template_id"`
	DurationHours  float64    `json:"duration_hours"`
	SLADeadline    *time.Time `json:"sla_deadline,omitempty"`
	SLAStatus      SLAStatus  `json:"sla_status"`
	FromTemplateID *string    `json:"from_template_id,omitempty"`
	FromDeadline   *time.Time `json:"from_sla_deadline,omitempty"`
	FromSLAStatus  SLAStatus  `json:"from_sla_status"`
}

type StatusChange struct {
	From     CaseStatus `json:"from"`
	To       CaseStatus `json:"to"`
	FromStep int        `json:"from_step"`
	ToStep   int        `json:"to_step"`
	Reason   string     `json:"reason,omitempty"`
}

type ChecklistChange struct {
	StepID      string `json:"step_id"`
	ItemID      string `json:"item_id"`
	IsCompleted bool   `json:"is_completed"`
}

type DocumentChange struct {
	VersionID          string             `json:"version_id"`
	DocumentType       string             `json:"document_type"`
	Version            int                `json:"version"`
	VerificationStatus VerificationStatus `json:"verification_status,omitempty"`
	Reason             string             `json:"reason,omitempty"`
	RestoredFrom       *int               `json:"restored_from,omitempty"`
}

type SLAChange struct {
	From     SLAStatus `json:"from"`
	To       SLAStatus `json:"to"`
	Deadline time.Time `json:"deadline"`
}

type NoteAdded struct {
	Note string `json:"note"`
}

func (CaseOpened) eventMetadata()       {}
func (AssignmentChange) eventMetadata() {}
func (WorkflowChange) eventMetadata()   {}
func (StatusChange) eventMetadata()     {}
func (ChecklistChange) eventMetadata()  {}
func (DocumentChange) eventMetadata()   {}
func (SLAChange) eventMetadata()        {}
func (NoteAdded) eventMetadata()        {}

// DecodeMetadata restores the typed payload stored for an event type.
func DecodeMetadata(t EventType, raw []byte) (EventMetadata, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var target EventMetadata
	switch t {
	case EventCaseCreated:
		target = &CaseOpened{}
	case EventCaseAssigned:
		target = &AssignmentChange{}
	case EventWorkflowAssigned:
		target = &WorkflowChange{}
	case EventStatusChanged, EventCaseCompleted, EventCaseReopened:
		target = &StatusChange{}
	case EventChecklistUpdated:
		target = &ChecklistChange{}
	case EventDocumentUploaded, EventDocumentVerified, EventDocumentRejected, EventDocumentRestored, EventDocumentDeleted:
		target = &DocumentChange{}
	case EventSLAWarning, EventSLABreach:
		target = &SLAChange{}
	case EventInternalNoteAdded:
		target = &NoteAdded{}
	default:
		return nil, fmt.Errorf("unknown event type %s", t)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("decode %s metadata: %w", t, err)
	}
	return deref(target), nil
}

func deref(m EventMetadata) EventMetadata {
	switch v := m.(type) {
	case *CaseOpened:
		return *v
	case *AssignmentChange:
		return *v
	case *WorkflowChange:
		return *v
	case *StatusChange:
		return *v
	case *ChecklistChange:
		return *v
	case *DocumentChange:
		return *v
	case *SLAChange:
		return *v
	case *NoteAdded:
		return *v
	}
	return m
}
