package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/engine"
	"caseline/internal/engine/auth"
	"caseline/internal/logging"
	"caseline/internal/migrate"
	"caseline/internal/notify"
	"caseline/internal/repo"
	"caseline/internal/storage"
)

// Options selects the workspace and overrides parts of the runtime.
type Options struct {
	Workspace string
	// Config, when nil, is loaded from the workspace.
	Config *config.Config
	// LogWriter defaults to stderr.
	LogWriter io.Writer
	// WebhookSecret is sent with every webhook notification.
	WebhookSecret string
	Clock         engine.Clock
}

// Context is everything a command or the server needs to drive the engine.
type Context struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Repo      repo.Repo
	Engine    *engine.Engine
	Logger    zerolog.Logger

	closers []io.Closer
}

// Open loads config, opens and migrates the workspace database, seeds the
// service catalog and wires the engine's collaborators from config.
func Open(ctx context.Context, opts Options) (*Context, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		cfg, err = config.Load(opts.Workspace)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	log := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Writer: opts.LogWriter})

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	for _, name := range applied {
		log.Info().Str("migration", name).Msg("applied migration")
	}

	a := &Context{Workspace: opts.Workspace, Config: cfg, DB: conn, Repo: repo.Repo{DB: conn}, Logger: log}
	if err := a.seedServices(ctx); err != nil {
		a.Close()
		return nil, err
	}
	notifier, err := a.notifier(ctx, opts.WebhookSecret)
	if err != nil {
		a.Close()
		return nil, err
	}
	store, err := a.storage(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Engine = engine.New(conn, engine.Options{
		Clock:        opts.Clock,
		Logger:       log,
		Notifier:     notifier,
		Storage:      store,
		AtRiskWindow: cfg.SLA.AtRiskWindow,
		SweepBatch:   cfg.SLA.BatchSize,
	})
	return a, nil
}

// seedServices writes config-declared services. Services defined later
// through the CLI stay untouched unless the config names them.
func (a *Context) seedServices(ctx context.Context) error {
	now := time.Now().UTC()
	for _, s := range a.Config.Services {
		if err := a.Repo.UpsertService(ctx, s, now); err != nil {
			return fmt.Errorf("seed service %s: %w", s.ID, err)
		}
	}
	return nil
}

func (a *Context) notifier(ctx context.Context, webhookSecret string) (notify.Dispatcher, error) {
	n := a.Config.Notifications
	var sinks notify.Multi
	for _, name := range n.Sinks {
		switch name {
		case "log":
			sinks = append(sinks, notify.Log{Logger: a.Logger.With().Str("component", "notify").Logger()})
		case "webhook":
			w := notify.NewWebhook(n.Webhook.URL, n.Webhook.Timeout)
			w.Secret = webhookSecret
			sinks = append(sinks, w)
		case "kafka":
			k := notify.NewKafka(n.Kafka.Brokers, n.Kafka.Topic)
			a.closers = append(a.closers, k)
			sinks = append(sinks, k)
		case "sqs":
			q, err := notify.NewSQS(ctx, n.SQS.QueueURL, n.SQS.Region, n.SQS.Endpoint)
			if err != nil {
				return nil, fmt.Errorf("sqs sink: %w", err)
			}
			sinks = append(sinks, q)
		}
	}
	if len(sinks) == 0 {
		return notify.Discard{}, nil
	}
	return sinks, nil
}

func (a *Context) storage(ctx context.Context) (storage.Resolver, error) {
	s := a.Config.Storage
	switch s.Provider {
	case "s3":
		r, err := storage.NewS3(ctx, s.S3.Bucket, s.S3.Region, s.S3.Endpoint, s.S3.PublicURL)
		if err != nil {
			return nil, fmt.Errorf("s3 storage: %w", err)
		}
		return r, nil
	default:
		dir := s.Local.Dir
		if !filepath.IsAbs(dir) {
			workspace := a.Workspace
			if workspace == "" {
				workspace = "."
			}
			dir = filepath.Join(workspace, ".caseline", dir)
		}
		return storage.Local{Dir: dir, BaseURL: s.Local.BaseURL}, nil
	}
}

// DefineService creates or replaces a catalog entry.
func (a *Context) DefineService(ctx context.Context, actor domain.Actor, s domain.Service) error {
	if err := auth.RequireAdmin(actor, "define service"); err != nil {
		return err
	}
	if s.ID == "" {
		return engine.ValidationError{Code: engine.CodeInvalidInput, Field: "id", Reason: "service id is required"}
	}
	if err := a.Repo.UpsertService(ctx, s, time.Now().UTC()); err != nil {
		return engine.DependencyError{Op: "define service", Err: err}
	}
	return nil
}

func (a *Context) Services(ctx context.Context) ([]domain.Service, error) {
	res, err := a.Repo.ListServices(ctx)
	if err != nil {
		return nil, engine.DependencyError{Op: "list services", Err: err}
	}
	return res, nil
}

// Close releases the notification sinks and the database.
func (a *Context) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
