package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"caseline/internal/domain"
	"caseline/internal/engine/auth"
)

const clonedTag = "cloned"

// Resolver owns workflow templates: ordered steps, each with checklist items
// and an estimated duration.
type Resolver struct {
	repo  TemplateRepository
	clock Clock
}

// TemplateInput is the editable part of a template. It doubles as the
// import file format.
type TemplateInput struct {
	Name        string                `json:"name" yaml:"name"`
	Description string                `json:"description,omitempty" yaml:"description"`
	Steps       []domain.WorkflowStep `json:"steps" yaml:"steps"`
	Tags        []string              `json:"tags,omitempty" yaml:"tags"`
}

func validateTemplate(in TemplateInput) error {
	if err := requireText("name", in.Name); err != nil {
		return err
	}
	if len(in.Steps) == 0 {
		return ValidationError{Code: CodeInvalidInput, Field: "steps", Reason: "a template needs at least one step"}
	}
	stepIDs := map[string]bool{}
	itemIDs := map[string]bool{}
	for i, s := range in.Steps {
		if s.ID == "" {
			return ValidationError{Code: CodeInvalidInput, Field: fmt.Sprintf("steps[%d].id", i), Reason: "step id is required"}
		}
		if stepIDs[s.ID] {
			return ValidationError{Code: CodeInvalidInput, Field: "steps", Reason: fmt.Sprintf("duplicate step id %s", s.ID)}
		}
		stepIDs[s.ID] = true
		if s.EstimatedDurationHours < 0 {
			return ValidationError{Code: CodeInvalidInput, Field: fmt.Sprintf("steps[%d].estimated_duration_hours", i), Reason: "duration must not be negative"}
		}
		for j, it := range s.Items {
			if it.ID == "" {
				return ValidationError{Code: CodeInvalidInput, Field: fmt.Sprintf("steps[%d].items[%d].id", i, j), Reason: "item id is required"}
			}
			if itemIDs[it.ID] {
				return ValidationError{Code: CodeInvalidInput, Field: "steps", Reason: fmt.Sprintf("duplicate item id %s", it.ID)}
			}
			itemIDs[it.ID] = true
		}
	}
	return nil
}

func totalDuration(steps []domain.WorkflowStep) float64 {
	return lo.SumBy(steps, func(s domain.WorkflowStep) float64 { return s.EstimatedDurationHours })
}

// Resolve returns an assignable or archived template. Deleted templates are
// reported as not found.
func (r *Resolver) Resolve(ctx context.Context, id string) (domain.WorkflowTemplate, error) {
	t, err := r.repo.GetTemplate(ctx, id)
	if err != nil {
		return t, storageErr("load template", "template", id, err)
	}
	if t.Lifecycle == domain.TemplateDeleted {
		return domain.WorkflowTemplate{}, NotFoundError{Entity: "template", ID: id}
	}
	return t, nil
}

func (r *Resolver) Create(ctx context.Context, actor domain.Actor, in TemplateInput) (domain.WorkflowTemplate, error) {
	if err := auth.RequireAdmin(actor, "create template"); err != nil {
		return domain.WorkflowTemplate{}, err
	}
	if err := validateTemplate(in); err != nil {
		return domain.WorkflowTemplate{}, err
	}
	now := r.clock.Now()
	t := domain.WorkflowTemplate{
		ID:                          uuid.NewString(),
		Name:                        in.Name,
		Description:                 in.Description,
		Steps:                       in.Steps,
		TotalEstimatedDurationHours: totalDuration(in.Steps),
		Tags:                        lo.Uniq(in.Tags),
		Lifecycle:                   domain.TemplateActive,
		CreatedAt:                   now,
		UpdatedAt:                   now,
	}
	if err := r.repo.InsertTemplate(ctx, t); err != nil {
		return domain.WorkflowTemplate{}, storageErr("insert template", "template", t.ID, err)
	}
	return t, nil
}

// Update replaces the template's content and recomputes its total duration.
// Cases already on the template keep the duration snapshotted at assignment.
func (r *Resolver) Update(ctx context.Context, actor domain.Actor, id string, in TemplateInput) (domain.WorkflowTemplate, error) {
	if err := auth.RequireAdmin(actor, "update template"); err != nil {
		return domain.WorkflowTemplate{}, err
	}
	if err := validateTemplate(in); err != nil {
		return domain.WorkflowTemplate{}, err
	}
	t, err := r.Resolve(ctx, id)
	if err != nil {
		return t, err
	}
	t.Name = in.Name
	t.Description = in.Description
	t.Steps = in.Steps
	t.Tags = lo.Uniq(in.Tags)
	t.TotalEstimatedDurationHours = totalDuration(in.Steps)
	t.UpdatedAt = r.clock.Now()
	if err := r.repo.UpdateTemplate(ctx, t); err != nil {
		return domain.WorkflowTemplate{}, storageErr("update template", "template", id, err)
	}
	return t, nil
}

func (r *Resolver) Archive(ctx context.Context, actor domain.Actor, id string) error {
	return r.setLifecycle(ctx, actor, id, domain.TemplateArchived, "archive template")
}

func (r *Resolver) Delete(ctx context.Context, actor domain.Actor, id string) error {
	return r.setLifecycle(ctx, actor, id, domain.TemplateDeleted, "delete template")
}

func (r *Resolver) setLifecycle(ctx context.Context, actor domain.Actor, id string, l domain.TemplateLifecycle, action string) error {
	if err := auth.RequireAdmin(actor, action); err != nil {
		return err
	}
	if err := r.repo.SetTemplateLifecycle(ctx, id, l, r.clock.Now()); err != nil {
		return storageErr(action, "template", id, err)
	}
	return nil
}

// List returns active templates, and archived ones too when asked.
func (r *Resolver) List(ctx context.Context, includeArchived bool) ([]domain.WorkflowTemplate, error) {
	lifecycles := []domain.TemplateLifecycle{domain.TemplateActive}
	if includeArchived {
		lifecycles = append(lifecycles, domain.TemplateArchived)
	}
	res, err := r.repo.ListTemplates(ctx, lifecycles...)
	if err != nil {
		return nil, DependencyError{Op: "list templates", Err: err}
	}
	return res, nil
}

// Clone deep-copies a template under fresh ids. The copy is active and
// tagged "cloned".
func (r *Resolver) Clone(ctx context.Context, actor domain.Actor, id, newName string) (domain.WorkflowTemplate, error) {
	if err := auth.RequireAdmin(actor, "clone template"); err != nil {
		return domain.WorkflowTemplate{}, err
	}
	src, err := r.Resolve(ctx, id)
	if err != nil {
		return src, err
	}
	if newName == "" {
		newName = src.Name + " (copy)"
	}
	steps := lo.Map(src.Steps, func(s domain.WorkflowStep, _ int) domain.WorkflowStep {
		return domain.WorkflowStep{
			ID:                     uuid.NewString(),
			Name:                   s.Name,
			EstimatedDurationHours: s.EstimatedDurationHours,
			Items: lo.Map(s.Items, func(it domain.ChecklistItem, _ int) domain.ChecklistItem {
				return domain.ChecklistItem{ID: uuid.NewString(), Title: it.Title, Optional: it.Optional}
			}),
		}
	})
	tags := lo.Uniq(append(append([]string{}, src.Tags...), clonedTag))
	return r.Create(ctx, actor, TemplateInput{Name: newName, Description: src.Description, Steps: steps, Tags: tags})
}
