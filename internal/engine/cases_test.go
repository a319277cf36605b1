package engine_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseline/internal/domain"
	"caseline/internal/engine"
	"caseline/internal/engine/auth"
	"caseline/internal/events"
	"caseline/internal/repo"
)

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	var ve engine.ValidationError
	require.True(t, errors.As(err, &ve), "expected validation error, got %v", err)
	assert.Equal(t, code, ve.Code)
}

func TestCreateCase(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.Cases.CreateCase(env.Ctx, admin, engine.NewCase{UserID: customer.UserID, ServiceID: "trademark", PaymentRef: "pay-9"})
	require.NoError(t, err)
	assert.Regexp(t, `^CL-20240301-[0-9A-F]{8}$`, c.ID)
	assert.Equal(t, domain.CaseNew, c.Status)
	assert.Equal(t, domain.SLANotSet, c.SLAStatus)
	assert.Nil(t, c.SLADeadline)

	evts, err := env.Engine.Timeline.UserTimeline(env.Ctx, customer, c.ID, events.Filter{})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, domain.EventCaseCreated, evts[0].Type)
	assert.Equal(t, domain.CaseOpened{ServiceID: "trademark", UserID: customer.UserID, PaymentRef: "pay-9"}, evts[0].Metadata)
}

func TestCreateCaseRejects(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Cases.CreateCase(env.Ctx, customer, engine.NewCase{UserID: customer.UserID, ServiceID: "trademark"})
	var fe auth.ForbiddenError
	assert.True(t, errors.As(err, &fe))

	_, err = env.Engine.Cases.CreateCase(env.Ctx, admin, engine.NewCase{UserID: customer.UserID, ServiceID: "unknown"})
	var nf engine.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "service", nf.Entity)
}

// caseIn drives a fresh assigned case into the given status.
func caseIn(t *testing.T, env testEnv, status domain.CaseStatus) domain.Case {
	t.Helper()
	c := env.assignedCase(t)
	var err error
	switch status {
	case domain.CaseInProgress:
		c, err = env.Engine.Cases.UpdateStatus(env.Ctx, employee, c.ID, engine.StatusUpdate{Status: domain.CaseInProgress})
	case domain.CaseCompleted:
		c, err = env.Engine.Cases.UpdateStatus(env.Ctx, employee, c.ID, engine.StatusUpdate{Status: domain.CaseCompleted})
	case domain.CaseCancelled:
		c, err = env.Engine.Cases.UpdateStatus(env.Ctx, employee, c.ID, engine.StatusUpdate{Status: domain.CaseCancelled})
	}
	require.NoError(t, err)
	require.Equal(t, status, c.Status)
	return c
}

func TestUpdateStatusTransitions(t *testing.T) {
	all := []domain.CaseStatus{domain.CaseNew, domain.CaseInProgress, domain.CaseCompleted, domain.CaseCancelled}
	allowed := map[domain.CaseStatus][]domain.CaseStatus{
		domain.CaseNew:        {domain.CaseInProgress, domain.CaseCompleted, domain.CaseCancelled},
		domain.CaseInProgress: {domain.CaseCompleted, domain.CaseCancelled},
	}
	for _, from := range all {
		for _, to := range all {
			ok := false
			for _, a := range allowed[from] {
				ok = ok || a == to
			}
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				env := newTestEnv(t)
				c := caseIn(t, env, from)
				before := env.internalEvents(t, c.ID, domain.EventStatusChanged)

				got, err := env.Engine.Cases.UpdateStatus(env.Ctx, employee, c.ID, engine.StatusUpdate{Status: to})
				after := env.internalEvents(t, c.ID, domain.EventStatusChanged)
				if ok {
					require.NoError(t, err)
					assert.Equal(t, to, got.Status)
					assert.Len(t, after, len(before)+1)
					assert.Equal(t, domain.StatusChange{From: from, To: to}, after[0].Metadata)
					return
				}
				requireCode(t, err, engine.CodeInvalidTransition)
				assert.Len(t, after, len(before))
				reloaded, err := env.Engine.Cases.GetCase(env.Ctx, admin, c.ID)
				require.NoError(t, err)
				assert.Equal(t, from, reloaded.Status)
			})
		}
	}
}

func TestUpdateStatusSideEffects(t *testing.T) {
	env := newTestEnv(t)
	c := env.assignedCase(t)

	env.Clock.Advance(time.Hour)
	c, err := env.Engine.Cases.UpdateStatus(env.Ctx, employee, c.ID, engine.StatusUpdate{Status: domain.CaseInProgress})
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Hour), c.LastActivityAt)
	assert.Nil(t, c.CompletedAt)

	env.Clock.Advance(time.Hour)
	c, err = env.Engine.Cases.UpdateStatus(env.Ctx, employee, c.ID, engine.StatusUpdate{Status: domain.CaseCompleted})
	require.NoError(t, err)
	require.NotNil(t, c.CompletedAt)
	assert.Equal(t, t0.Add(2*time.Hour), *c.CompletedAt)
	assert.Len(t, env.internalEvents(t, c.ID, domain.EventCaseCompleted), 1)

	sent := env.Notifier.For(customer.UserID)
	require.Len(t, sent, 2)
	assert.Equal(t, "Case started", sent[0].Title)
	assert.Equal(t, "Case completed", sent[1].Title)
}

func TestUpdateStatusAuthorization(t *testing.T) {
	env := newTestEnv(t)
	c := env.assignedCase(t)
	for _, actor := range []domain.Actor{
		customer,
		{UserID: "emp-2", Role: domain.RoleEmployee},
	} {
		_, err := env.Engine.Cases.UpdateStatus(env.Ctx, actor, c.ID, engine.StatusUpdate{Status: domain.CaseInProgress})
		var fe auth.ForbiddenError
		assert.True(t, errors.As(err, &fe), "actor %s", actor.UserID)
	}
	_, err := env.Engine.Cases.UpdateStatus(env.Ctx, admin, c.ID, engine.StatusUpdate{Status: domain.CaseInProgress})
	assert.NoError(t, err)

	_, err = env.Engine.Cases.UpdateStatus(env.Ctx, admin, "CL-missing", engine.StatusUpdate{Status: domain.CaseInProgress})
	var nf engine.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestCurrentStepOnlyAdvances(t *testing.T) {
	env := newTestEnv(t)
	tpl := env.twoStepTemplate(t)
	c := env.assignedCase(t)

	_, err := env.Engine.Cases.UpdateStatus(env.Ctx, employee, c.ID, engine.StatusUpdate{Status: domain.CaseInProgress, CurrentStep: ptr(1)})
	requireCode(t, err, engine.CodeNoWorkflow)

	_, err = env.Engine.Cases.AssignWorkflow(env.Ctx, employee, c.ID, tpl.ID)
	require.NoError(t, err)

	c, err = env.Engine.Cases.UpdateStatus(env.Ctx, employee, c.ID, engine.StatusUpdate{Status: domain.CaseInProgress})
	require.NoError(t, err)

	_, err = env.Engine.Cases.UpdateStatus(env.Ctx, employee, c.ID, engine.StatusUpdate{Status: domain.CaseInProgress})
	requireCode(t, err, engine.CodeInvalidTransition)

	c, err = env.Engine.Cases.UpdateStatus(env.Ctx, employee, c.ID, engine.StatusUpdate{Status: domain.CaseInProgress, CurrentStep: ptr(1)})
	require.NoError(t, err)
	assert.Equal(t, 1, c.CurrentStep)

	_, err = env.Engine.Cases.UpdateStatus(env.Ctx, employee, c.ID, engine.StatusUpdate{Status: domain.CaseInProgress, CurrentStep: ptr(0)})
	requireCode(t, err, engine.CodeStepOutOfRange)
	_, err = env.Engine.Cases.UpdateStatus(env.Ctx, employee, c.ID, engine.StatusUpdate{Status: domain.CaseCompleted, CurrentStep: ptr(2)})
	requireCode(t, err, engine.CodeStepOutOfRange)

	steps := env.internalEvents(t, c.ID, domain.EventStatusChanged)
	require.Len(t, steps, 2)
	assert.Equal(t, domain.StatusChange{From: domain.CaseInProgress, To: domain.CaseInProgress, FromStep: 0, ToStep: 1}, steps[0].Metadata)
}

func TestReopen(t *testing.T) {
	env := newTestEnv(t)
	c := caseIn(t, env, domain.CaseCompleted)

	_, err := env.Engine.Cases.UpdateStatus(env.Ctx, employee, c.ID, engine.StatusUpdate{Status: domain.CaseInProgress})
	requireCode(t, err, engine.CodeInvalidTransition)

	c, err = env.Engine.Cases.Reopen(env.Ctx, employee, c.ID, "customer found a typo")
	require.NoError(t, err)
	assert.Equal(t, domain.CaseInProgress, c.Status)
	assert.Equal(t, 1, c.ReopenCount)
	assert.Nil(t, c.CompletedAt)

	evts := env.internalEvents(t, c.ID, domain.EventCaseReopened)
	require.Len(t, evts, 1)
	assert.True(t, evts[0].IsVisibleToUser)
	assert.Equal(t, "customer found a typo", evts[0].Metadata.(domain.StatusChange).Reason)

	_, err = env.Engine.Cases.Reopen(env.Ctx, employee, c.ID, "again")
	requireCode(t, err, engine.CodeInvalidTransition)

	cancelled := caseIn(t, env, domain.CaseCancelled)
	_, err = env.Engine.Cases.Reopen(env.Ctx, employee, cancelled.ID, "please")
	requireCode(t, err, engine.CodeInvalidTransition)
}

func TestChecklistProgress(t *testing.T) {
	env := newTestEnv(t)
	tpl := env.twoStepTemplate(t)
	c := env.assignedCase(t)

	_, err := env.Engine.Cases.UpdateChecklistProgress(env.Ctx, employee, c.ID, "collect", "passport-received", true)
	requireCode(t, err, engine.CodeNoWorkflow)

	_, err = env.Engine.Cases.AssignWorkflow(env.Ctx, employee, c.ID, tpl.ID)
	require.NoError(t, err)

	env.Clock.Advance(time.Minute)
	c, err = env.Engine.Cases.UpdateChecklistProgress(env.Ctx, employee, c.ID, "collect", "passport-received", true)
	require.NoError(t, err)
	entry := c.Checklist[domain.ChecklistKey{StepID: "collect", ItemID: "passport-received"}]
	assert.True(t, entry.IsCompleted)
	require.NotNil(t, entry.CompletedAt)
	assert.Equal(t, t0.Add(time.Minute), *entry.CompletedAt)
	require.NotNil(t, entry.CompletedBy)
	assert.Equal(t, employee.UserID, *entry.CompletedBy)
	assert.Equal(t, t0.Add(time.Minute), c.LastActivityAt)

	c, err = env.Engine.Cases.UpdateChecklistProgress(env.Ctx, employee, c.ID, "collect", "passport-received", false)
	require.NoError(t, err)
	require.Len(t, c.Checklist, 1)
	entry = c.Checklist[domain.ChecklistKey{StepID: "collect", ItemID: "passport-received"}]
	assert.False(t, entry.IsCompleted)
	assert.Nil(t, entry.CompletedAt)
	assert.Nil(t, entry.CompletedBy)

	_, err = env.Engine.Cases.UpdateChecklistProgress(env.Ctx, employee, c.ID, "file", "passport-received", true)
	requireCode(t, err, engine.CodeUnknownItem)

	assert.Len(t, env.internalEvents(t, c.ID, domain.EventChecklistUpdated), 2)
	visible, err := env.Engine.Timeline.UserTimeline(env.Ctx, customer, c.ID, events.Filter{Type: domain.EventChecklistUpdated})
	require.NoError(t, err)
	assert.Empty(t, visible)
}

func TestChecklistRepeatCompletionKeepsFirstStamp(t *testing.T) {
	env := newTestEnv(t)
	tpl := env.twoStepTemplate(t)
	c := env.assignedCase(t)
	_, err := env.Engine.Cases.AssignWorkflow(env.Ctx, employee, c.ID, tpl.ID)
	require.NoError(t, err)
	key := domain.ChecklistKey{StepID: "collect", ItemID: "logo-received"}

	env.Clock.Set(t0.Add(time.Hour))
	_, err = env.Engine.Cases.UpdateChecklistProgress(env.Ctx, employee, c.ID, key.StepID, key.ItemID, true)
	require.NoError(t, err)

	env.Clock.Set(t0.Add(2 * time.Hour))
	c, err = env.Engine.Cases.UpdateChecklistProgress(env.Ctx, admin, c.ID, key.StepID, key.ItemID, true)
	require.NoError(t, err)
	entry := c.Checklist[key]
	assert.True(t, entry.IsCompleted)
	require.NotNil(t, entry.CompletedAt)
	assert.Equal(t, t0.Add(time.Hour), *entry.CompletedAt)
	require.NotNil(t, entry.CompletedBy)
	assert.Equal(t, employee.UserID, *entry.CompletedBy)
	assert.Equal(t, t0.Add(2*time.Hour), c.LastActivityAt)
	assert.Len(t, env.internalEvents(t, c.ID, domain.EventChecklistUpdated), 2)

	// Undo then redo starts a fresh stamp.
	env.Clock.Set(t0.Add(3 * time.Hour))
	_, err = env.Engine.Cases.UpdateChecklistProgress(env.Ctx, employee, c.ID, key.StepID, key.ItemID, false)
	require.NoError(t, err)
	c, err = env.Engine.Cases.UpdateChecklistProgress(env.Ctx, admin, c.ID, key.StepID, key.ItemID, true)
	require.NoError(t, err)
	require.NotNil(t, c.Checklist[key].CompletedAt)
	assert.Equal(t, t0.Add(3*time.Hour), *c.Checklist[key].CompletedAt)
	assert.Equal(t, admin.UserID, *c.Checklist[key].CompletedBy)
}

func TestAssignWorkflow(t *testing.T) {
	env := newTestEnv(t)
	tpl := env.twoStepTemplate(t)
	c := env.assignedCase(t)

	c, err := env.Engine.Cases.AssignWorkflow(env.Ctx, employee, c.ID, tpl.ID)
	require.NoError(t, err)
	require.NotNil(t, c.SLADeadline)
	assert.Equal(t, t0.Add(48*time.Hour), *c.SLADeadline)
	assert.Equal(t, domain.SLAOnTime, c.SLAStatus)
	assert.Equal(t, 48.0, c.WorkflowDurationHours)
	assert.Equal(t, 0, c.CurrentStep)

	evts := env.internalEvents(t, c.ID, domain.EventWorkflowAssigned)
	require.Len(t, evts, 1)
	assert.False(t, evts[0].IsVisibleToUser)
	first := evts[0].Metadata.(domain.WorkflowChange)
	assert.Nil(t, first.FromTemplateID)
	assert.Equal(t, domain.SLANotSet, first.FromSLAStatus)
	assert.Equal(t, domain.SLAOnTime, first.SLAStatus)

	require.NoError(t, env.Engine.Workflows.Archive(env.Ctx, admin, tpl.ID))
	_, err = env.Engine.Cases.AssignWorkflow(env.Ctx, employee, c.ID, tpl.ID)
	requireCode(t, err, engine.CodeTemplateInactive)

	_, err = env.Engine.Cases.AssignWorkflow(env.Ctx, employee, c.ID, "nope")
	var nf engine.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestReassignWorkflowRecordsSLAReset(t *testing.T) {
	env := newTestEnv(t)
	c := env.workflowCase(t)
	env.Clock.Set(t0.Add(49 * time.Hour))
	res := env.Engine.SLA.Sweep(env.Ctx)
	require.Equal(t, 1, res.Updated)

	c, err := env.Engine.Cases.AssignWorkflow(env.Ctx, employee, c.ID, *c.WorkflowTemplateID)
	require.NoError(t, err)
	assert.Equal(t, domain.SLAOnTime, c.SLAStatus)
	require.NotNil(t, c.SLADeadline)
	assert.Equal(t, t0.Add(97*time.Hour), *c.SLADeadline)

	evts := env.internalEvents(t, c.ID, domain.EventWorkflowAssigned)
	require.Len(t, evts, 2)
	meta := evts[0].Metadata.(domain.WorkflowChange)
	assert.Equal(t, domain.SLABreached, meta.FromSLAStatus)
	assert.Equal(t, domain.SLAOnTime, meta.SLAStatus)
	require.NotNil(t, meta.FromDeadline)
	assert.Equal(t, t0.Add(48*time.Hour), *meta.FromDeadline)
	require.NotNil(t, meta.FromTemplateID)
	assert.Equal(t, *c.WorkflowTemplateID, *meta.FromTemplateID)
}

func TestInternalNotesStayInternal(t *testing.T) {
	env := newTestEnv(t)
	c := env.assignedCase(t)

	note, err := env.Engine.Cases.AddInternalNote(env.Ctx, employee, c.ID, "customer prefers email")
	require.NoError(t, err)
	assert.NotZero(t, note.ID)
	assert.False(t, note.IsVisibleToUser)

	_, err = env.Engine.Cases.AddInternalNote(env.Ctx, employee, c.ID, "   ")
	requireCode(t, err, engine.CodeInvalidInput)

	userView, err := env.Engine.Timeline.UserTimeline(env.Ctx, customer, c.ID, events.Filter{})
	require.NoError(t, err)
	for _, e := range userView {
		assert.NotEqual(t, domain.EventInternalNoteAdded, e.Type)
	}
	_, err = env.Engine.Timeline.InternalTimeline(env.Ctx, customer, c.ID, events.Filter{})
	var fe auth.ForbiddenError
	assert.True(t, errors.As(err, &fe))
}

func TestListCasesScopedToActor(t *testing.T) {
	env := newTestEnv(t)
	mine := env.assignedCase(t)
	_, err := env.Engine.Cases.CreateCase(env.Ctx, admin, engine.NewCase{UserID: "user-2", ServiceID: "trademark"})
	require.NoError(t, err)

	all, err := env.Engine.Cases.ListCases(env.Ctx, admin, repo.CaseFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	own, err := env.Engine.Cases.ListCases(env.Ctx, customer, repo.CaseFilter{})
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, mine.ID, own[0].ID)

	assigned, err := env.Engine.Cases.ListCases(env.Ctx, employee, repo.CaseFilter{UserID: "user-2"})
	require.NoError(t, err)
	assert.Empty(t, assigned)
}

func ptr[T any](v T) *T { return &v }
