package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"caseline/internal/domain"
)

func (r Repo) UpsertService(ctx context.Context, s domain.Service, at time.Time) error {
	docs := s.DocumentsRequired
	if docs == nil {
		docs = []string{}
	}
	data, err := json.Marshal(docs)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO services(id,name,documents_required_json,updated_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, documents_required_json=excluded.documents_required_json, updated_at=excluded.updated_at`,
		s.ID, s.Name, string(data), ts(at))
	return err
}

func (r Repo) GetService(ctx context.Context, id string) (domain.Service, error) {
	var (
		s    domain.Service
		docs string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,documents_required_json FROM services WHERE id=?`, id).Scan(&s.ID, &s.Name, &docs)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	return s, json.Unmarshal([]byte(docs), &s.DocumentsRequired)
}

func (r Repo) ListServices(ctx context.Context) ([]domain.Service, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,documents_required_json FROM services ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Service
	for rows.Next() {
		var (
			s    domain.Service
			docs string
		)
		if err := rows.Scan(&s.ID, &s.Name, &docs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(docs), &s.DocumentsRequired); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// RequiredDocuments implements the service catalog lookup used by uploads.
func (r Repo) RequiredDocuments(ctx context.Context, serviceID string) ([]string, error) {
	s, err := r.GetService(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	return s.DocumentsRequired, nil
}
