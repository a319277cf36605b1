package engine_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/engine"
	"caseline/internal/events"
	"caseline/internal/migrate"
	"caseline/internal/notify"
	"caseline/internal/repo"
)

var (
	t0       = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	admin    = domain.Actor{UserID: "admin-1", Name: "Ada", Role: domain.RoleAdmin}
	employee = domain.Actor{UserID: "emp-1", Name: "Eve", Role: domain.RoleEmployee}
	customer = domain.Actor{UserID: "user-1", Name: "Uma", Role: domain.RoleUser}
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) For(recipient string) []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []notify.Notification
	for _, n := range r.sent {
		if n.RecipientID == recipient {
			res = append(res, n)
		}
	}
	return res
}

type testEnv struct {
	Ctx      context.Context
	DB       *sql.DB
	Repo     repo.Repo
	Engine   *engine.Engine
	Clock    *engine.ManualClock
	Notifier *recordingNotifier
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)

	r := repo.Repo{DB: conn}
	require.NoError(t, r.UpsertService(ctx, domain.Service{
		ID:                "trademark",
		Name:              "Trademark registration",
		DocumentsRequired: []string{"passport", "logo"},
	}, t0))

	clock := engine.NewManualClock(t0)
	n := &recordingNotifier{}
	eng := engine.New(conn, engine.Options{Clock: clock, Notifier: n, Logger: zerolog.Nop()})
	return testEnv{Ctx: ctx, DB: conn, Repo: r, Engine: eng, Clock: clock, Notifier: n}
}

// twoStepTemplate totals 48 hours.
func (env testEnv) twoStepTemplate(t *testing.T) domain.WorkflowTemplate {
	t.Helper()
	tpl, err := env.Engine.Workflows.Create(env.Ctx, admin, engine.TemplateInput{
		Name: "Trademark filing",
		Steps: []domain.WorkflowStep{
			{ID: "collect", Name: "Collect documents", EstimatedDurationHours: 16, Items: []domain.ChecklistItem{
				{ID: "passport-received", Title: "Passport received"},
				{ID: "logo-received", Title: "Logo received"},
			}},
			{ID: "file", Name: "File application", EstimatedDurationHours: 32, Items: []domain.ChecklistItem{
				{ID: "submitted", Title: "Application submitted"},
			}},
		},
	})
	require.NoError(t, err)
	return tpl
}

// assignedCase opens a case for customer and assigns it to employee.
func (env testEnv) assignedCase(t *testing.T) domain.Case {
	t.Helper()
	c, err := env.Engine.Cases.CreateCase(env.Ctx, admin, engine.NewCase{UserID: customer.UserID, ServiceID: "trademark", PaymentRef: "pay-1"})
	require.NoError(t, err)
	c, err = env.Engine.Cases.AssignEmployee(env.Ctx, admin, c.ID, employee.UserID)
	require.NoError(t, err)
	return c
}

func (env testEnv) internalEvents(t *testing.T, caseID string, typ domain.EventType) []domain.TimelineEvent {
	t.Helper()
	evts, err := env.Engine.Timeline.InternalTimeline(env.Ctx, admin, caseID, events.Filter{Type: typ})
	require.NoError(t, err)
	return evts
}
