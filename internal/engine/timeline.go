package engine

import (
	"context"

	"github.com/rs/zerolog"

	"caseline/internal/domain"
	"caseline/internal/engine/auth"
	"caseline/internal/events"
)

const maxTimelinePage = 200

// Recorder is the append-only per-case event log.
type Recorder struct {
	repo  TimelineRepository
	cases CaseRepository
	clock Clock
	log   zerolog.Logger
}

// Record appends e and never fails the caller: storage errors are logged
// and dropped. The append outlives cancellation of ctx.
func (r *Recorder) Record(ctx context.Context, e domain.TimelineEvent) {
	if _, err := r.append(context.WithoutCancel(ctx), e); err != nil {
		r.log.Warn().Err(err).Str("case_id", e.CaseID).Str("event_type", string(e.Type)).Msg("timeline append failed")
	}
}

func (r *Recorder) append(ctx context.Context, e domain.TimelineEvent) (domain.TimelineEvent, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.clock.Now()
	}
	id, err := r.repo.Append(ctx, e)
	if err != nil {
		return e, err
	}
	e.ID = id
	return e, nil
}

// List reads a case's events newest first with no visibility check.
func (r *Recorder) List(ctx context.Context, caseID string, f events.Filter) ([]domain.TimelineEvent, error) {
	if f.Limit <= 0 || f.Limit > maxTimelinePage {
		f.Limit = maxTimelinePage
	}
	res, err := r.repo.List(ctx, caseID, f)
	if err != nil {
		return nil, DependencyError{Op: "list timeline", Err: err}
	}
	return res, nil
}

// UserTimeline is the end-user view: only user-visible events, readable by
// anyone who can view the case.
func (r *Recorder) UserTimeline(ctx context.Context, actor domain.Actor, caseID string, f events.Filter) ([]domain.TimelineEvent, error) {
	c, err := r.cases.GetCase(ctx, caseID)
	if err != nil {
		return nil, storageErr("load case", "case", caseID, err)
	}
	if err := auth.RequireView(actor, c, "read timeline"); err != nil {
		return nil, err
	}
	f.VisibleOnly = true
	return r.List(ctx, caseID, f)
}

// InternalTimeline returns every event, including internal-only ones, to
// actors who can manage the case.
func (r *Recorder) InternalTimeline(ctx context.Context, actor domain.Actor, caseID string, f events.Filter) ([]domain.TimelineEvent, error) {
	c, err := r.cases.GetCase(ctx, caseID)
	if err != nil {
		return nil, storageErr("load case", "case", caseID, err)
	}
	if err := auth.RequireManage(actor, c, "read internal timeline"); err != nil {
		return nil, err
	}
	return r.List(ctx, caseID, f)
}

func event(caseID string, t domain.EventType, actor domain.Actor, title string, meta domain.EventMetadata, visible bool) domain.TimelineEvent {
	return domain.TimelineEvent{
		CaseID:          caseID,
		Type:            t,
		Title:           title,
		PerformedBy:     actor,
		Metadata:        meta,
		IsVisibleToUser: visible,
	}
}
