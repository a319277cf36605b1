package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"caseline/internal/domain"
)

const templateColumns = `id,name,COALESCE(description,''),steps_json,total_estimated_duration_hours,tags_json,lifecycle,created_at,updated_at`

func scanTemplate(row scanner) (domain.WorkflowTemplate, error) {
	var (
		t                    domain.WorkflowTemplate
		stepsJSON, tagsJSON  string
		createdAt, updatedAt string
	)
	err := row.Scan(&t.ID, &t.Name, &t.Description, &stepsJSON, &t.TotalEstimatedDurationHours, &tagsJSON, &t.Lifecycle, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(stepsJSON), &t.Steps); err != nil {
		return t, fmt.Errorf("decode steps of template %s: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &t.Tags); err != nil {
		return t, fmt.Errorf("decode tags of template %s: %w", t.ID, err)
	}
	if t.CreatedAt, err = parseTS(createdAt); err != nil {
		return t, err
	}
	if t.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return t, err
	}
	return t, nil
}

func encodeTemplate(t domain.WorkflowTemplate) (string, string, error) {
	steps, err := json.Marshal(t.Steps)
	if err != nil {
		return "", "", err
	}
	tags := t.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return "", "", err
	}
	return string(steps), string(tagsJSON), nil
}

func (r Repo) InsertTemplate(ctx context.Context, t domain.WorkflowTemplate) error {
	steps, tags, err := encodeTemplate(t)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO workflow_templates(id,name,description,steps_json,total_estimated_duration_hours,tags_json,lifecycle,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, nullable(t.Description), steps, t.TotalEstimatedDurationHours, tags, string(t.Lifecycle), ts(t.CreatedAt), ts(t.UpdatedAt))
	if isConflict(err) {
		return ErrConflict
	}
	return err
}

// UpdateTemplate replaces the mutable fields of a template that is not deleted.
func (r Repo) UpdateTemplate(ctx context.Context, t domain.WorkflowTemplate) error {
	steps, tags, err := encodeTemplate(t)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE workflow_templates SET name=?, description=?, steps_json=?, total_estimated_duration_hours=?, tags_json=?, updated_at=?
WHERE id=? AND lifecycle != 'deleted'`,
		t.Name, nullable(t.Description), steps, t.TotalEstimatedDurationHours, tags, ts(t.UpdatedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.WorkflowTemplate, error) {
	return scanTemplate(r.DB.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM workflow_templates WHERE id=?`, id))
}

// ListTemplates returns templates in the given lifecycles, all non-deleted
// ones when none are given.
func (r Repo) ListTemplates(ctx context.Context, lifecycles ...domain.TemplateLifecycle) ([]domain.WorkflowTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM workflow_templates WHERE lifecycle != 'deleted' ORDER BY name, id`
	var args []any
	if len(lifecycles) > 0 {
		placeholders := ""
		for i, l := range lifecycles {
			if i > 0 {
				placeholders += ","
			}
			placeholders += "?"
			args = append(args, string(l))
		}
		query = `SELECT ` + templateColumns + ` FROM workflow_templates WHERE lifecycle IN (` + placeholders + `) ORDER BY name, id`
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) SetTemplateLifecycle(ctx context.Context, id string, l domain.TemplateLifecycle, at time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE workflow_templates SET lifecycle=?, updated_at=? WHERE id=? AND lifecycle != 'deleted'`, string(l), ts(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
