package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"caseline/internal/events"
	"caseline/internal/notify"
	"caseline/internal/repo"
	"caseline/internal/storage"
)

const (
	DefaultAtRiskWindow  = 24 * time.Hour
	defaultSweepBatch    = 500
	defaultUploadRetries = 5
)

// Engine bundles the case lifecycle components over one set of stores.
type Engine struct {
	Cases     *CaseStore
	Workflows *Resolver
	SLA       *Tracker
	Documents *DocumentStore
	Timeline  *Recorder
}

type Deps struct {
	Cases     CaseRepository
	Templates TemplateRepository
	Documents DocumentRepository
	Events    TimelineRepository
	Services  ServiceCatalog
}

type Options struct {
	Clock         Clock
	Logger        zerolog.Logger
	Notifier      notify.Dispatcher
	Storage       storage.Resolver
	AtRiskWindow  time.Duration
	SweepBatch    int
	UploadRetries int
}

// New wires the engine onto the SQLite repository and timeline store.
func New(conn *sql.DB, opts Options) *Engine {
	r := repo.Repo{DB: conn}
	return NewWithDeps(Deps{
		Cases:     r,
		Templates: r,
		Documents: r,
		Events:    events.Store{DB: conn},
		Services:  r,
	}, opts)
}

func NewWithDeps(d Deps, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard{}
	}
	if opts.AtRiskWindow <= 0 {
		opts.AtRiskWindow = DefaultAtRiskWindow
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = defaultSweepBatch
	}
	if opts.UploadRetries <= 0 {
		opts.UploadRetries = defaultUploadRetries
	}
	log := opts.Logger

	timeline := &Recorder{repo: d.Events, cases: d.Cases, clock: opts.Clock, log: log.With().Str("component", "timeline").Logger()}
	workflows := &Resolver{repo: d.Templates, clock: opts.Clock}
	tracker := &Tracker{
		cases:    d.Cases,
		timeline: timeline,
		notifier: opts.Notifier,
		clock:    opts.Clock,
		window:   opts.AtRiskWindow,
		batch:    opts.SweepBatch,
		log:      log.With().Str("component", "sla").Logger(),
	}
	cases := &CaseStore{
		repo:      d.Cases,
		workflows: workflows,
		services:  d.Services,
		tracker:   tracker,
		timeline:  timeline,
		notifier:  opts.Notifier,
		clock:     opts.Clock,
		log:       log.With().Str("component", "cases").Logger(),
	}
	documents := &DocumentStore{
		repo:     d.Documents,
		cases:    cases,
		services: d.Services,
		storage:  opts.Storage,
		timeline: timeline,
		notifier: opts.Notifier,
		clock:    opts.Clock,
		retries:  opts.UploadRetries,
		log:      log.With().Str("component", "documents").Logger(),
	}
	return &Engine{Cases: cases, Workflows: workflows, SLA: tracker, Documents: documents, Timeline: timeline}
}

// newCaseNumber renders CL-YYYYMMDD-XXXXXXXX from the creation date and a
// random suffix.
func newCaseNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("CL-%s-%s", now.UTC().Format("20060102"), suffix)
}

// notifyBestEffort dispatches n and only logs a failure.
func notifyBestEffort(ctx context.Context, d notify.Dispatcher, log zerolog.Logger, n notify.Notification) {
	if n.RecipientID == "" {
		return
	}
	if err := d.Notify(context.WithoutCancel(ctx), n); err != nil {
		log.Warn().Err(err).Str("case_id", n.CaseID).Str("recipient_id", n.RecipientID).Msg("notification failed")
	}
}

func ptr[T any](v T) *T { return &v }

func requireText(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return ValidationError{Code: CodeInvalidInput, Field: field, Reason: field + " is required"}
	}
	return nil
}
