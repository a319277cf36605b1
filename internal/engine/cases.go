package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"caseline/internal/domain"
	"caseline/internal/engine/auth"
	"caseline/internal/notify"
	"caseline/internal/repo"
)

// CaseStore owns the case aggregate. Every mutation goes through one of its
// methods, which validate the transition, write conditionally and then
// append to the timeline.
type CaseStore struct {
	repo      CaseRepository
	workflows *Resolver
	services  ServiceCatalog
	tracker   *Tracker
	timeline  *Recorder
	notifier  notify.Dispatcher
	clock     Clock
	log       zerolog.Logger
}

type NewCase struct {
	UserID     string
	ServiceID  string
	PaymentRef string
}

// CreateCase opens a case at payment confirmation.
func (s *CaseStore) CreateCase(ctx context.Context, actor domain.Actor, in NewCase) (domain.Case, error) {
	if err := auth.RequireAdmin(actor, "create case"); err != nil {
		return domain.Case{}, err
	}
	if err := requireText("user_id", in.UserID); err != nil {
		return domain.Case{}, err
	}
	if err := requireText("service_id", in.ServiceID); err != nil {
		return domain.Case{}, err
	}
	if _, err := s.services.RequiredDocuments(ctx, in.ServiceID); err != nil {
		return domain.Case{}, storageErr("load service", "service", in.ServiceID, err)
	}
	now := s.clock.Now()
	c := domain.Case{
		UserID:         in.UserID,
		ServiceID:      in.ServiceID,
		PaymentRef:     in.PaymentRef,
		Status:         domain.CaseNew,
		SLAStatus:      domain.SLANotSet,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		c.ID = newCaseNumber(now)
		if err = s.repo.InsertCase(ctx, c); !errors.Is(err, repo.ErrConflict) {
			break
		}
	}
	if err != nil {
		return domain.Case{}, storageErr("insert case", "case", c.ID, err)
	}
	c.Checklist = map[domain.ChecklistKey]domain.ChecklistEntry{}
	s.timeline.Record(ctx, event(c.ID, domain.EventCaseCreated, actor, "Case opened",
		domain.CaseOpened{ServiceID: c.ServiceID, UserID: c.UserID, PaymentRef: c.PaymentRef}, true))
	return c, nil
}

func (s *CaseStore) load(ctx context.Context, id string) (domain.Case, error) {
	c, err := s.repo.GetCase(ctx, id)
	if err != nil {
		return c, storageErr("load case", "case", id, err)
	}
	return c, nil
}

func (s *CaseStore) GetCase(ctx context.Context, actor domain.Actor, id string) (domain.Case, error) {
	c, err := s.load(ctx, id)
	if err != nil {
		return c, err
	}
	if err := auth.RequireView(actor, c, "view case"); err != nil {
		return domain.Case{}, err
	}
	return c, nil
}

// LiveSLA classifies c at the current time without writing it.
func (s *CaseStore) LiveSLA(c domain.Case) domain.SLAStatus {
	return s.tracker.Live(c)
}

// ListCases scopes the filter to what the actor may see: users their own
// cases, employees the cases assigned to them.
func (s *CaseStore) ListCases(ctx context.Context, actor domain.Actor, f repo.CaseFilter) ([]domain.Case, error) {
	switch actor.Role {
	case domain.RoleUser:
		f.UserID = actor.UserID
	case domain.RoleEmployee:
		f.AssigneeID = actor.UserID
	}
	res, err := s.repo.ListCases(ctx, f)
	if err != nil {
		return nil, DependencyError{Op: "list cases", Err: err}
	}
	return res, nil
}

func (s *CaseStore) AssignEmployee(ctx context.Context, actor domain.Actor, caseID, employeeID string) (domain.Case, error) {
	if err := auth.RequireAdmin(actor, "assign case"); err != nil {
		return domain.Case{}, err
	}
	if err := requireText("employee_id", employeeID); err != nil {
		return domain.Case{}, err
	}
	c, err := s.load(ctx, caseID)
	if err != nil {
		return c, err
	}
	if c.Status == domain.CaseCancelled {
		return domain.Case{}, ValidationError{Code: CodeCaseClosed, Field: "status", Reason: "case is cancelled"}
	}
	if c.AssignedTo(employeeID) {
		return c, nil
	}
	if err := s.repo.SetAssignee(ctx, caseID, employeeID, s.clock.Now()); err != nil {
		return domain.Case{}, storageErr("assign case", "case", caseID, err)
	}
	s.timeline.Record(ctx, event(caseID, domain.EventCaseAssigned, actor, "Case assigned",
		domain.AssignmentChange{From: c.AssignedEmployeeID, To: employeeID}, true))
	notifyBestEffort(ctx, s.notifier, s.log, notify.Notification{
		RecipientID: employeeID,
		Title:       "New case assigned",
		Message:     fmt.Sprintf("Case %s has been assigned to you", caseID),
		CaseID:      caseID,
		CreatedAt:   s.clock.Now(),
	})
	return s.load(ctx, caseID)
}

type StatusUpdate struct {
	Status      domain.CaseStatus
	CurrentStep *int
	Reason      string
}

// ensureCaseTransition allows new -> {in_progress, completed, cancelled} and
// in_progress -> {completed, cancelled}. Staying in place is only a step
// advance on an open case. Leaving completed is a reopen, never an update.
func ensureCaseTransition(from, to domain.CaseStatus, stepAdvanced bool) error {
	if from == to {
		if stepAdvanced && !from.Terminal() {
			return nil
		}
		return invalidTransition(fmt.Sprintf("case is already %s", from))
	}
	switch from {
	case domain.CaseNew:
		if to == domain.CaseInProgress || to == domain.CaseCompleted || to == domain.CaseCancelled {
			return nil
		}
	case domain.CaseInProgress:
		if to == domain.CaseCompleted || to == domain.CaseCancelled {
			return nil
		}
	case domain.CaseCompleted:
		if to == domain.CaseInProgress {
			return invalidTransition("completed cases return to in_progress through reopen")
		}
	}
	return invalidTransition(fmt.Sprintf("%s -> %s is not allowed", from, to))
}

func (s *CaseStore) nextStep(ctx context.Context, c domain.Case, requested *int) (int, error) {
	if requested == nil {
		return c.CurrentStep, nil
	}
	if c.WorkflowTemplateID == nil {
		return 0, ValidationError{Code: CodeNoWorkflow, Field: "current_step", Reason: "case has no workflow"}
	}
	tpl, err := s.workflows.Resolve(ctx, *c.WorkflowTemplateID)
	if err != nil {
		return 0, err
	}
	step := *requested
	if step < c.CurrentStep {
		return 0, ValidationError{Code: CodeStepOutOfRange, Field: "current_step", Reason: fmt.Sprintf("step cannot move back from %d to %d", c.CurrentStep, step)}
	}
	if step >= len(tpl.Steps) {
		return 0, ValidationError{Code: CodeStepOutOfRange, Field: "current_step", Reason: fmt.Sprintf("workflow has %d steps", len(tpl.Steps))}
	}
	return step, nil
}

// UpdateStatus moves the case along the state machine and optionally
// advances its current step.
func (s *CaseStore) UpdateStatus(ctx context.Context, actor domain.Actor, caseID string, u StatusUpdate) (domain.Case, error) {
	c, err := s.load(ctx, caseID)
	if err != nil {
		return c, err
	}
	if err := auth.RequireManage(actor, c, "update status"); err != nil {
		return domain.Case{}, err
	}
	if !u.Status.Valid() {
		return domain.Case{}, ValidationError{Code: CodeInvalidInput, Field: "status", Reason: fmt.Sprintf("unknown status %q", u.Status)}
	}
	step, err := s.nextStep(ctx, c, u.CurrentStep)
	if err != nil {
		return domain.Case{}, err
	}
	if err := ensureCaseTransition(c.Status, u.Status, step > c.CurrentStep); err != nil {
		return domain.Case{}, err
	}
	now := s.clock.Now()
	w := repo.StatusWrite{FromStatus: c.Status, FromStep: c.CurrentStep, To: u.Status, Step: step, CompletedAt: c.CompletedAt, At: now}
	if u.Status == domain.CaseCompleted {
		w.CompletedAt = &now
	}
	if err := s.repo.UpdateCaseStatus(ctx, caseID, w); err != nil {
		return domain.Case{}, storageErr("update status", "case", caseID, err)
	}

	meta := domain.StatusChange{From: c.Status, To: u.Status, FromStep: c.CurrentStep, ToStep: step, Reason: u.Reason}
	s.timeline.Record(ctx, event(caseID, domain.EventStatusChanged, actor, statusTitle(c.Status, u.Status), meta, true))
	if u.Status == domain.CaseCompleted {
		s.timeline.Record(ctx, event(caseID, domain.EventCaseCompleted, actor, "Case completed", meta, true))
	}
	notifyBestEffort(ctx, s.notifier, s.log, notify.Notification{
		RecipientID: c.UserID,
		Title:       statusTitle(c.Status, u.Status),
		Message:     statusMessage(caseID, c.Status, u.Status),
		CaseID:      caseID,
		CreatedAt:   now,
	})
	return s.load(ctx, caseID)
}

func statusTitle(from, to domain.CaseStatus) string {
	switch {
	case to == domain.CaseCompleted:
		return "Case completed"
	case from == domain.CaseNew && to == domain.CaseInProgress:
		return "Case started"
	case to == domain.CaseCancelled:
		return "Case cancelled"
	}
	return "Case updated"
}

func statusMessage(caseID string, from, to domain.CaseStatus) string {
	switch {
	case to == domain.CaseCompleted:
		return fmt.Sprintf("Work on case %s is complete.", caseID)
	case from == domain.CaseNew && to == domain.CaseInProgress:
		return fmt.Sprintf("Work on case %s has started.", caseID)
	case to == domain.CaseCancelled:
		return fmt.Sprintf("Case %s has been cancelled.", caseID)
	}
	return fmt.Sprintf("Case %s has progressed.", caseID)
}

// Reopen returns a completed case to in_progress. Cancelled cases stay closed.
func (s *CaseStore) Reopen(ctx context.Context, actor domain.Actor, caseID, reason string) (domain.Case, error) {
	c, err := s.load(ctx, caseID)
	if err != nil {
		return c, err
	}
	if err := auth.RequireManage(actor, c, "reopen case"); err != nil {
		return domain.Case{}, err
	}
	if c.Status != domain.CaseCompleted {
		return domain.Case{}, invalidTransition(fmt.Sprintf("only completed cases can be reopened, case is %s", c.Status))
	}
	now := s.clock.Now()
	if err := s.repo.UpdateCaseStatus(ctx, caseID, repo.StatusWrite{
		FromStatus: c.Status,
		FromStep:   c.CurrentStep,
		To:         domain.CaseInProgress,
		Step:       c.CurrentStep,
		Reopened:   true,
		At:         now,
	}); err != nil {
		return domain.Case{}, storageErr("reopen case", "case", caseID, err)
	}
	meta := domain.StatusChange{From: c.Status, To: domain.CaseInProgress, FromStep: c.CurrentStep, ToStep: c.CurrentStep, Reason: reason}
	s.timeline.Record(ctx, event(caseID, domain.EventCaseReopened, actor, "Case reopened", meta, true))
	notifyBestEffort(ctx, s.notifier, s.log, notify.Notification{
		RecipientID: c.UserID,
		Title:       "Case reopened",
		Message:     fmt.Sprintf("Case %s has been reopened.", caseID),
		CaseID:      caseID,
		CreatedAt:   now,
	})
	return s.load(ctx, caseID)
}

// UpdateChecklistProgress marks one checklist item of the assigned workflow
// done or not done.
func (s *CaseStore) UpdateChecklistProgress(ctx context.Context, actor domain.Actor, caseID, stepID, itemID string, done bool) (domain.Case, error) {
	c, err := s.load(ctx, caseID)
	if err != nil {
		return c, err
	}
	if err := auth.RequireManage(actor, c, "update checklist"); err != nil {
		return domain.Case{}, err
	}
	if c.Status.Terminal() {
		return domain.Case{}, ValidationError{Code: CodeCaseClosed, Field: "status", Reason: fmt.Sprintf("case is %s", c.Status)}
	}
	if c.WorkflowTemplateID == nil {
		return domain.Case{}, ValidationError{Code: CodeNoWorkflow, Reason: "case has no workflow"}
	}
	tpl, err := s.workflows.Resolve(ctx, *c.WorkflowTemplateID)
	if err != nil {
		return domain.Case{}, err
	}
	if !tpl.HasItem(stepID, itemID) {
		return domain.Case{}, ValidationError{Code: CodeUnknownItem, Field: "item_id", Reason: fmt.Sprintf("workflow has no item %s/%s", stepID, itemID)}
	}
	now := s.clock.Now()
	entry := domain.ChecklistEntry{IsCompleted: done, UpdatedAt: now}
	if done {
		entry.CompletedAt = &now
		entry.CompletedBy = ptr(actor.UserID)
	}
	key := domain.ChecklistKey{StepID: stepID, ItemID: itemID}
	if err := s.repo.UpsertChecklistEntry(ctx, caseID, key, entry); err != nil {
		return domain.Case{}, storageErr("update checklist", "case", caseID, err)
	}
	s.timeline.Record(ctx, event(caseID, domain.EventChecklistUpdated, actor, "Checklist updated",
		domain.ChecklistChange{StepID: stepID, ItemID: itemID, IsCompleted: done}, false))
	return s.load(ctx, caseID)
}

// AssignWorkflow binds an active template to an open case, snapshots its
// duration and starts the SLA clock.
func (s *CaseStore) AssignWorkflow(ctx context.Context, actor domain.Actor, caseID, templateID string) (domain.Case, error) {
	c, err := s.load(ctx, caseID)
	if err != nil {
		return c, err
	}
	if err := auth.RequireManage(actor, c, "assign workflow"); err != nil {
		return domain.Case{}, err
	}
	if c.Status.Terminal() {
		return domain.Case{}, ValidationError{Code: CodeCaseClosed, Field: "status", Reason: fmt.Sprintf("case is %s", c.Status)}
	}
	tpl, err := s.workflows.Resolve(ctx, templateID)
	if err != nil {
		return domain.Case{}, err
	}
	if tpl.Lifecycle != domain.TemplateActive {
		return domain.Case{}, ValidationError{Code: CodeTemplateInactive, Field: "template_id", Reason: fmt.Sprintf("template is %s", tpl.Lifecycle)}
	}
	now := s.clock.Now()
	deadline := CalculateDeadline(&tpl, now)
	// Lands only while slaStatus still equals c.SLAStatus.
	if err := s.repo.SetWorkflow(ctx, caseID, repo.WorkflowWrite{
		TemplateID:    tpl.ID,
		DurationHours: tpl.TotalEstimatedDurationHours,
		Deadline:      deadline,
		FromSLA:       c.SLAStatus,
		At:            now,
	}); err != nil {
		return domain.Case{}, storageErr("assign workflow", "case", caseID, err)
	}
	meta := domain.WorkflowChange{
		TemplateID:     tpl.ID,
		DurationHours:  tpl.TotalEstimatedDurationHours,
		SLADeadline:    deadline,
		SLAStatus:      domain.SLAOnTime,
		FromTemplateID: c.WorkflowTemplateID,
		FromDeadline:   c.SLADeadline,
		FromSLAStatus:  c.SLAStatus,
	}
	s.timeline.Record(ctx, event(caseID, domain.EventWorkflowAssigned, actor, "Workflow assigned", meta, false))
	return s.load(ctx, caseID)
}

// AddInternalNote appends a staff-only note. Unlike other timeline writes
// the note is the operation itself, so a failed append is reported.
func (s *CaseStore) AddInternalNote(ctx context.Context, actor domain.Actor, caseID, note string) (domain.TimelineEvent, error) {
	c, err := s.load(ctx, caseID)
	if err != nil {
		return domain.TimelineEvent{}, err
	}
	if err := auth.RequireManage(actor, c, "add internal note"); err != nil {
		return domain.TimelineEvent{}, err
	}
	note = strings.TrimSpace(note)
	if err := requireText("note", note); err != nil {
		return domain.TimelineEvent{}, err
	}
	e := event(caseID, domain.EventInternalNoteAdded, actor, "Internal note", domain.NoteAdded{Note: note}, false)
	e.Description = note
	e, err = s.timeline.append(ctx, e)
	if err != nil {
		return domain.TimelineEvent{}, DependencyError{Op: "append note", Err: err}
	}
	if err := s.repo.TouchCase(ctx, caseID, s.clock.Now()); err != nil {
		s.log.Warn().Err(err).Str("case_id", caseID).Msg("touch after note failed")
	}
	return e, nil
}

// Touch refreshes lastActivityAt. It is the entry point other components
// use after changing something that belongs to the case.
func (s *CaseStore) Touch(ctx context.Context, caseID string) error {
	if err := s.repo.TouchCase(ctx, caseID, s.clock.Now()); err != nil {
		return storageErr("touch case", "case", caseID, err)
	}
	return nil
}
