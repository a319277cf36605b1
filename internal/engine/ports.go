package engine

import (
	"context"
	"time"

	"caseline/internal/domain"
	"caseline/internal/events"
	"caseline/internal/repo"
)

type CaseRepository interface {
	InsertCase(ctx context.Context, c domain.Case) error
	GetCase(ctx context.Context, id string) (domain.Case, error)
	ListCases(ctx context.Context, f repo.CaseFilter) ([]domain.Case, error)
	UpdateCaseStatus(ctx context.Context, id string, w repo.StatusWrite) error
	SetAssignee(ctx context.Context, id, employeeID string, at time.Time) error
	SetWorkflow(ctx context.Context, id string, w repo.WorkflowWrite) error
	UpsertChecklistEntry(ctx context.Context, caseID string, key domain.ChecklistKey, e domain.ChecklistEntry) error
	TouchCase(ctx context.Context, id string, at time.Time) error
	ListOpenCasesWithDeadline(ctx context.Context, afterID string, limit int) ([]domain.Case, error)
	TransitionSLAStatus(ctx context.Context, id string, from, to domain.SLAStatus, deadline time.Time) (bool, error)
}

type TemplateRepository interface {
	InsertTemplate(ctx context.Context, t domain.WorkflowTemplate) error
	UpdateTemplate(ctx context.Context, t domain.WorkflowTemplate) error
	GetTemplate(ctx context.Context, id string) (domain.WorkflowTemplate, error)
	ListTemplates(ctx context.Context, lifecycles ...domain.TemplateLifecycle) ([]domain.WorkflowTemplate, error)
	SetTemplateLifecycle(ctx context.Context, id string, l domain.TemplateLifecycle, at time.Time) error
}

type DocumentRepository interface {
	CreateActiveVersion(ctx context.Context, v domain.DocumentVersion) (domain.DocumentVersion, error)
	GetDocumentVersion(ctx context.Context, id string) (domain.DocumentVersion, error)
	ListDocumentVersions(ctx context.Context, caseID, documentType string) ([]domain.DocumentVersion, error)
	ActiveVersions(ctx context.Context, caseID string) (map[string]domain.DocumentVersion, error)
	SetVerification(ctx context.Context, id string, status domain.VerificationStatus, reason *string, by string, at time.Time) error
	SoftDeleteVersion(ctx context.Context, id string, at time.Time) error
}

type TimelineRepository interface {
	Append(ctx context.Context, e domain.TimelineEvent) (int64, error)
	List(ctx context.Context, caseID string, f events.Filter) ([]domain.TimelineEvent, error)
}

// ServiceCatalog answers which documents a purchased service needs.
type ServiceCatalog interface {
	RequiredDocuments(ctx context.Context, serviceID string) ([]string, error)
}

var (
	_ CaseRepository     = repo.Repo{}
	_ TemplateRepository = repo.Repo{}
	_ DocumentRepository = repo.Repo{}
	_ ServiceCatalog     = repo.Repo{}
	_ TimelineRepository = events.Store{}
)
