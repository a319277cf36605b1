package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"caseline/internal/domain"
)

const caseColumns = `id,user_id,service_id,COALESCE(payment_ref,''),assigned_employee_id,workflow_template_id,workflow_duration_hours,status,current_step,sla_deadline,sla_status,reopen_count,created_at,completed_at,last_activity_at`

func scanCase(row scanner) (domain.Case, error) {
	var (
		c                       domain.Case
		assignee, template      sql.NullString
		deadline, completed     sql.NullString
		createdAt, lastActivity string
	)
	err := row.Scan(&c.ID, &c.UserID, &c.ServiceID, &c.PaymentRef, &assignee, &template, &c.WorkflowDurationHours,
		&c.Status, &c.CurrentStep, &deadline, &c.SLAStatus, &c.ReopenCount, &createdAt, &completed, &lastActivity)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.AssignedEmployeeID = stringPtr(assignee)
	c.WorkflowTemplateID = stringPtr(template)
	if c.SLADeadline, err = parseNullTS(deadline); err != nil {
		return c, err
	}
	if c.CompletedAt, err = parseNullTS(completed); err != nil {
		return c, err
	}
	if c.CreatedAt, err = parseTS(createdAt); err != nil {
		return c, err
	}
	if c.LastActivityAt, err = parseTS(lastActivity); err != nil {
		return c, err
	}
	return c, nil
}

func (r Repo) InsertCase(ctx context.Context, c domain.Case) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO cases(id,user_id,service_id,payment_ref,assigned_employee_id,workflow_template_id,workflow_duration_hours,status,current_step,sla_deadline,sla_status,reopen_count,created_at,completed_at,last_activity_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.UserID, c.ServiceID, nullable(c.PaymentRef), nullableStringPtr(c.AssignedEmployeeID), nullableStringPtr(c.WorkflowTemplateID),
		c.WorkflowDurationHours, string(c.Status), c.CurrentStep, nullableTime(c.SLADeadline), string(c.SLAStatus), c.ReopenCount,
		ts(c.CreatedAt), nullableTime(c.CompletedAt), ts(c.LastActivityAt))
	if isConflict(err) {
		return ErrConflict
	}
	return err
}

// GetCase loads the case row together with its checklist progress.
func (r Repo) GetCase(ctx context.Context, id string) (domain.Case, error) {
	c, err := scanCase(r.DB.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id))
	if err != nil {
		return c, err
	}
	c.Checklist, err = r.checklist(ctx, id)
	return c, err
}

func (r Repo) checklist(ctx context.Context, caseID string) (map[domain.ChecklistKey]domain.ChecklistEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT step_id,item_id,is_completed,completed_at,completed_by,updated_at FROM checklist_progress WHERE case_id=?`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.ChecklistKey]domain.ChecklistEntry{}
	for rows.Next() {
		var (
			key       domain.ChecklistKey
			entry     domain.ChecklistEntry
			at, by    sql.NullString
			updatedAt string
		)
		if err := rows.Scan(&key.StepID, &key.ItemID, &entry.IsCompleted, &at, &by, &updatedAt); err != nil {
			return nil, err
		}
		if entry.CompletedAt, err = parseNullTS(at); err != nil {
			return nil, err
		}
		entry.CompletedBy = stringPtr(by)
		if entry.UpdatedAt, err = parseTS(updatedAt); err != nil {
			return nil, err
		}
		res[key] = entry
	}
	return res, rows.Err()
}

type CaseFilter struct {
	UserID     string
	AssigneeID string
	ServiceID  string
	Status     domain.CaseStatus
	SLAStatus  domain.SLAStatus
	Limit      int
	// Cursor is "created_at|id" of the last row of the previous page.
	Cursor string
}

func (r Repo) ListCases(ctx context.Context, f CaseFilter) ([]domain.Case, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assigned_employee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.ServiceID != "" {
		clauses = append(clauses, "service_id=?")
		args = append(args, f.ServiceID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.SLAStatus != "" {
		clauses = append(clauses, "sla_status=?")
		args = append(args, string(f.SLAStatus))
	}
	if f.Cursor != "" {
		createdAt, id, ok := strings.Cut(f.Cursor, "|")
		if !ok {
			return nil, fmt.Errorf("invalid cursor %q", f.Cursor)
		}
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, createdAt, createdAt, id)
	}
	query := `SELECT ` + caseColumns + ` FROM cases WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// CaseCursor returns the cursor value that continues a listing after c.
func CaseCursor(c domain.Case) string {
	return ts(c.CreatedAt) + "|" + c.ID
}

// StatusWrite describes a status transition applied by UpdateCaseStatus.
type StatusWrite struct {
	FromStatus  domain.CaseStatus
	FromStep    int
	To          domain.CaseStatus
	Step        int
	CompletedAt *time.Time
	Reopened    bool
	At          time.Time
}

// UpdateCaseStatus applies w only if the case still has the status and step
// it was read with; otherwise ErrConflict.
func (r Repo) UpdateCaseStatus(ctx context.Context, id string, w StatusWrite) error {
	reopen := 0
	if w.Reopened {
		reopen = 1
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE cases SET status=?, current_step=?, completed_at=?, reopen_count=reopen_count+?, last_activity_at=?
WHERE id=? AND status=? AND current_step=?`,
		string(w.To), w.Step, nullableTime(w.CompletedAt), reopen, ts(w.At), id, string(w.FromStatus), w.FromStep)
	if err != nil {
		if isConflict(err) {
			return ErrConflict
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (r Repo) SetAssignee(ctx context.Context, id, employeeID string, at time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE cases SET assigned_employee_id=?, last_activity_at=? WHERE id=?`, employeeID, ts(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type WorkflowWrite struct {
	TemplateID    string
	DurationHours float64
	Deadline      *time.Time
	// FromSLA is the sla_status the caller read; the write only lands while
	// it is unchanged.
	FromSLA domain.SLAStatus
	At      time.Time
}

// SetWorkflow binds a template to a non-terminal case, resets the step
// ordinal and restarts the SLA clock.
func (r Repo) SetWorkflow(ctx context.Context, id string, w WorkflowWrite) error {
	slaStatus := domain.SLANotSet
	if w.Deadline != nil {
		slaStatus = domain.SLAOnTime
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE cases SET workflow_template_id=?, workflow_duration_hours=?, sla_deadline=?, sla_status=?, current_step=0, last_activity_at=?
WHERE id=? AND sla_status=? AND status IN ('new','in_progress')`,
		w.TemplateID, w.DurationHours, nullableTime(w.Deadline), string(slaStatus), ts(w.At), id, string(w.FromSLA))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// UpsertChecklistEntry writes one (step, item) entry and refreshes the
// case's activity stamp in the same transaction.
func (r Repo) UpsertChecklistEntry(ctx context.Context, caseID string, key domain.ChecklistKey, e domain.ChecklistEntry) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO checklist_progress(case_id,step_id,item_id,is_completed,completed_at,completed_by,updated_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(case_id,step_id,item_id) DO UPDATE SET is_completed=excluded.is_completed,
	completed_at=CASE WHEN checklist_progress.is_completed AND excluded.is_completed THEN checklist_progress.completed_at ELSE excluded.completed_at END,
	completed_by=CASE WHEN checklist_progress.is_completed AND excluded.is_completed THEN checklist_progress.completed_by ELSE excluded.completed_by END,
	updated_at=excluded.updated_at`,
		caseID, key.StepID, key.ItemID, e.IsCompleted, nullableTime(e.CompletedAt), nullableStringPtr(e.CompletedBy), ts(e.UpdatedAt)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE cases SET last_activity_at=? WHERE id=?`, ts(e.UpdatedAt), caseID); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) TouchCase(ctx context.Context, id string, at time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE cases SET last_activity_at=? WHERE id=? AND last_activity_at < ?`, ts(at), id, ts(at))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM cases WHERE id=?`, id).Scan(&exists); err == sql.ErrNoRows {
			return ErrNotFound
		} else if err != nil {
			return err
		}
	}
	return nil
}

// ListOpenCasesWithDeadline pages through non-terminal cases that carry an
// SLA deadline, ordered by id. Checklist progress is not loaded.
func (r Repo) ListOpenCasesWithDeadline(ctx context.Context, afterID string, limit int) ([]domain.Case, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+caseColumns+` FROM cases
WHERE status IN ('new','in_progress') AND sla_deadline IS NOT NULL AND id > ? ORDER BY id LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// TransitionSLAStatus moves sla_status from -> to while the case is still
// open and still carries the deadline that was classified. It reports false
// when another writer, a status change or a workflow reassignment got there
// first.
func (r Repo) TransitionSLAStatus(ctx context.Context, id string, from, to domain.SLAStatus, deadline time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE cases SET sla_status=? WHERE id=? AND sla_status=? AND sla_deadline=? AND status IN ('new','in_progress')`,
		string(to), id, string(from), ts(deadline))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
