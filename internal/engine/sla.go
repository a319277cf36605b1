package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"caseline/internal/domain"
	"caseline/internal/notify"
)

// Tracker computes SLA deadlines and keeps the cached slaStatus of open
// cases current. Its sweep is the only writer of slaStatus after a workflow
// is assigned.
type Tracker struct {
	cases    CaseRepository
	timeline *Recorder
	notifier notify.Dispatcher
	clock    Clock
	window   time.Duration
	batch    int
	log      zerolog.Logger
}

func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}

// CalculateDeadline is start plus the template's total estimated duration,
// or nil without a template.
func CalculateDeadline(t *domain.WorkflowTemplate, start time.Time) *time.Time {
	if t == nil {
		return nil
	}
	d := start.Add(hours(t.TotalEstimatedDurationHours))
	return &d
}

// Classify applies the default 24h at-risk window.
func Classify(now time.Time, deadline *time.Time) domain.SLAStatus {
	return ClassifyWithin(now, deadline, DefaultAtRiskWindow)
}

// ClassifyWithin: not_set without a deadline, breached once now is past it,
// at_risk when at most window remains, on_time otherwise.
func ClassifyWithin(now time.Time, deadline *time.Time, window time.Duration) domain.SLAStatus {
	switch {
	case deadline == nil:
		return domain.SLANotSet
	case now.After(*deadline):
		return domain.SLABreached
	case deadline.Sub(now) <= window:
		return domain.SLAAtRisk
	default:
		return domain.SLAOnTime
	}
}

// Live classifies c at the tracker's current time without persisting
// anything. Terminal cases report their cached value.
func (t *Tracker) Live(c domain.Case) domain.SLAStatus {
	if c.Status.Terminal() {
		return c.SLAStatus
	}
	return ClassifyWithin(t.clock.Now(), c.SLADeadline, t.window)
}

type SweepResult struct {
	Evaluated int `json:"evaluated"`
	Updated   int `json:"updated"`
	Alerts    int `json:"alerts"`
	// Skipped counts cases whose status, slaStatus or deadline changed
	// between the read and the conditional write.
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
	// Incomplete is set when listing stopped early; the next sweep resumes.
	Incomplete bool `json:"incomplete,omitempty"`
}

// Sweep reclassifies every open case with a deadline. A changed
// classification is written conditionally on the value read; a successful
// move into at_risk or breached appends one internal event and alerts the
// assigned employee. Per-case failures are counted, never returned.
func (t *Tracker) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	now := t.clock.Now()
	after := ""
	for {
		if ctx.Err() != nil {
			res.Incomplete = true
			break
		}
		page, err := t.cases.ListOpenCasesWithDeadline(ctx, after, t.batch)
		if err != nil {
			t.log.Error().Err(err).Msg("sla sweep: list open cases failed")
			res.Incomplete = true
			break
		}
		for _, c := range page {
			t.evaluate(ctx, c, now, &res)
		}
		if len(page) < t.batch {
			break
		}
		after = page[len(page)-1].ID
	}
	t.log.Info().
		Int("evaluated", res.Evaluated).
		Int("updated", res.Updated).
		Int("alerts", res.Alerts).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Msg("sla sweep finished")
	return res
}

func (t *Tracker) evaluate(ctx context.Context, c domain.Case, now time.Time, res *SweepResult) {
	res.Evaluated++
	next := ClassifyWithin(now, c.SLADeadline, t.window)
	if next == c.SLAStatus {
		return
	}
	ok, err := t.cases.TransitionSLAStatus(ctx, c.ID, c.SLAStatus, next, *c.SLADeadline)
	if err != nil {
		res.Failed++
		t.log.Warn().Err(err).Str("case_id", c.ID).Msg("sla sweep: write failed")
		return
	}
	if !ok {
		res.Skipped++
		return
	}
	res.Updated++

	var (
		evtType domain.EventType
		title   string
	)
	switch next {
	case domain.SLAAtRisk:
		evtType, title = domain.EventSLAWarning, "SLA at risk"
	case domain.SLABreached:
		evtType, title = domain.EventSLABreach, "SLA breached"
	default:
		return
	}
	res.Alerts++
	meta := domain.SLAChange{From: c.SLAStatus, To: next, Deadline: *c.SLADeadline}
	t.timeline.Record(ctx, event(c.ID, evtType, domain.SystemActor, title, meta, false))
	if c.AssignedEmployeeID != nil {
		notifyBestEffort(ctx, t.notifier, t.log, notify.Notification{
			RecipientID: *c.AssignedEmployeeID,
			Title:       title,
			Message:     fmt.Sprintf("Case %s deadline %s", c.ID, c.SLADeadline.UTC().Format(time.RFC3339)),
			CaseID:      c.ID,
			CreatedAt:   now,
		})
	}
}

// Scheduler runs Sweep on a fixed interval until its context ends.
type Scheduler struct {
	Tracker  *Tracker
	Interval time.Duration
	Logger   zerolog.Logger
	// OnSweep, when set, receives each result.
	OnSweep func(SweepResult)
}

func (s *Scheduler) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.Logger.Info().Dur("interval", interval).Msg("sla scheduler started")
	for {
		res := s.Tracker.Sweep(ctx)
		if s.OnSweep != nil {
			s.OnSweep(res)
		}
		select {
		case <-ctx.Done():
			s.Logger.Info().Msg("sla scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}
