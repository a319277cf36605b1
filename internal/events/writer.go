package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"caseline/internal/domain"
)

// Store persists the per-case timeline. Rows are append-only; ids grow with
// insertion order and double as the pagination cursor.
type Store struct {
	DB *sql.DB
}

const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Append inserts e and returns its id.
func (s Store) Append(ctx context.Context, e domain.TimelineEvent) (int64, error) {
	var payload any
	if e.Metadata != nil {
		data, err := json.Marshal(e.Metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal %s metadata: %w", e.Type, err)
		}
		payload = string(data)
	}
	res, err := s.DB.ExecContext(ctx, `INSERT INTO timeline_events(case_id,event_type,title,description,actor_id,actor_name,actor_role,metadata_json,visible_to_user,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.CaseID, string(e.Type), e.Title, nullable(e.Description), e.PerformedBy.UserID, nullable(e.PerformedBy.Name), string(e.PerformedBy.Role),
		payload, e.IsVisibleToUser, e.CreatedAt.UTC().Format(tsLayout))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

type Filter struct {
	Type        domain.EventType
	VisibleOnly bool
	Limit       int
	// Cursor is the id of the last event already seen; 0 starts from the newest.
	Cursor int64
}

// List returns a case's events newest first.
func (s Store) List(ctx context.Context, caseID string, f Filter) ([]domain.TimelineEvent, error) {
	clauses := []string{"case_id=?"}
	args := []any{caseID}
	if f.Type != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, string(f.Type))
	}
	if f.VisibleOnly {
		clauses = append(clauses, "visible_to_user=1")
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	query := fmt.Sprintf(`SELECT id,case_id,event_type,title,COALESCE(description,''),actor_id,COALESCE(actor_name,''),actor_role,metadata_json,visible_to_user,created_at
FROM timeline_events WHERE %s ORDER BY id DESC`, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TimelineEvent
	for rows.Next() {
		var (
			e         domain.TimelineEvent
			payload   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.CaseID, &e.Type, &e.Title, &e.Description, &e.PerformedBy.UserID, &e.PerformedBy.Name,
			&e.PerformedBy.Role, &payload, &e.IsVisibleToUser, &createdAt); err != nil {
			return nil, err
		}
		if payload.Valid {
			if e.Metadata, err = domain.DecodeMetadata(e.Type, []byte(payload.String)); err != nil {
				return nil, err
			}
		}
		if e.CreatedAt, err = time.Parse(tsLayout, createdAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
