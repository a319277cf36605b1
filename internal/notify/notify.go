package notify

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Notification is the one-line message sent to a case participant.
type Notification struct {
	RecipientID string    `json:"recipient_id"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	CaseID      string    `json:"case_id"`
	CreatedAt   time.Time `json:"created_at"`
}

type Dispatcher interface {
	Notify(ctx context.Context, n Notification) error
}

// Multi fans a notification out to every dispatcher. All sinks are tried;
// their errors are joined.
type Multi []Dispatcher

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, d := range m {
		if err := d.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes notifications to the process log. It is the default sink.
type Log struct {
	Logger zerolog.Logger
}

func (l Log) Notify(_ context.Context, n Notification) error {
	l.Logger.Info().
		Str("recipient_id", n.RecipientID).
		Str("case_id", n.CaseID).
		Str("title", n.Title).
		Msg(n.Message)
	return nil
}

// Discard drops every notification.
type Discard struct{}

func (Discard) Notify(context.Context, Notification) error { return nil }
