package repo

import (
	"context"
	"database/sql"
	"time"

	"caseline/internal/domain"
)

const versionColumns = `id,case_id,document_type,version,status,verification_status,rejection_reason,verified_by,verified_at,file_provider,file_url,file_provider_id,original_name,mime_type,size_bytes,uploaded_by,restored_from,created_at,deleted_at`

func scanVersion(row scanner) (domain.DocumentVersion, error) {
	var (
		v                     domain.DocumentVersion
		reason, verifiedBy    sql.NullString
		verifiedAt, deletedAt sql.NullString
		restoredFrom          sql.NullInt64
		createdAt             string
	)
	err := row.Scan(&v.ID, &v.CaseID, &v.DocumentType, &v.Version, &v.Status, &v.VerificationStatus, &reason, &verifiedBy, &verifiedAt,
		&v.File.Provider, &v.File.URL, &v.File.ProviderID, &v.Meta.OriginalName, &v.Meta.MimeType, &v.Meta.SizeBytes,
		&v.UploadedBy, &restoredFrom, &createdAt, &deletedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	v.RejectionReason = stringPtr(reason)
	v.VerifiedBy = stringPtr(verifiedBy)
	if restoredFrom.Valid {
		n := int(restoredFrom.Int64)
		v.RestoredFrom = &n
	}
	if v.VerifiedAt, err = parseNullTS(verifiedAt); err != nil {
		return v, err
	}
	if v.DeletedAt, err = parseNullTS(deletedAt); err != nil {
		return v, err
	}
	if v.CreatedAt, err = parseTS(createdAt); err != nil {
		return v, err
	}
	return v, nil
}

// CreateActiveVersion numbers v as the next version of its (case, type)
// pair, demotes the previous active version and inserts v as active, all in
// one write transaction. Any concurrent writer that slips past the
// transaction lock trips the unique indexes and surfaces as ErrConflict.
func (r Repo) CreateActiveVersion(ctx context.Context, v domain.DocumentVersion) (domain.DocumentVersion, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		if isConflict(err) {
			return v, ErrConflict
		}
		return v, err
	}
	defer tx.Rollback()

	var last int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0) FROM document_versions WHERE case_id=? AND document_type=?`,
		v.CaseID, v.DocumentType).Scan(&last); err != nil {
		if isConflict(err) {
			return v, ErrConflict
		}
		return v, err
	}
	v.Version = last + 1
	v.Status = domain.VersionActive
	if _, err := tx.ExecContext(ctx, `UPDATE document_versions SET status='superseded' WHERE case_id=? AND document_type=? AND status='active'`,
		v.CaseID, v.DocumentType); err != nil {
		if isConflict(err) {
			return v, ErrConflict
		}
		return v, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO document_versions(id,case_id,document_type,version,status,verification_status,rejection_reason,verified_by,verified_at,file_provider,file_url,file_provider_id,original_name,mime_type,size_bytes,uploaded_by,restored_from,created_at,deleted_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		v.ID, v.CaseID, v.DocumentType, v.Version, string(v.Status), string(v.VerificationStatus), nullableStringPtr(v.RejectionReason),
		nullableStringPtr(v.VerifiedBy), nullableTime(v.VerifiedAt), v.File.Provider, v.File.URL, v.File.ProviderID,
		v.Meta.OriginalName, v.Meta.MimeType, v.Meta.SizeBytes, v.UploadedBy, nullableIntPtr(v.RestoredFrom), ts(v.CreatedAt), nil); err != nil {
		if isConflict(err) {
			return v, ErrConflict
		}
		return v, err
	}
	if err := tx.Commit(); err != nil {
		if isConflict(err) {
			return v, ErrConflict
		}
		return v, err
	}
	return v, nil
}

func (r Repo) GetDocumentVersion(ctx context.Context, id string) (domain.DocumentVersion, error) {
	return scanVersion(r.DB.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM document_versions WHERE id=?`, id))
}

// ListDocumentVersions returns a case's versions grouped by type, newest
// version first. An empty documentType lists every type.
func (r Repo) ListDocumentVersions(ctx context.Context, caseID, documentType string) ([]domain.DocumentVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM document_versions WHERE case_id=?`
	args := []any{caseID}
	if documentType != "" {
		query += ` AND document_type=?`
		args = append(args, documentType)
	}
	query += ` ORDER BY document_type, version DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DocumentVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// ActiveVersions maps document type to the case's active version of it.
func (r Repo) ActiveVersions(ctx context.Context, caseID string) (map[string]domain.DocumentVersion, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+versionColumns+` FROM document_versions WHERE case_id=? AND status='active'`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]domain.DocumentVersion{}
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		res[v.DocumentType] = v
	}
	return res, rows.Err()
}

// SetVerification records a verification outcome on a version that is
// still active. ErrConflict when it was superseded or deleted meanwhile.
func (r Repo) SetVerification(ctx context.Context, id string, status domain.VerificationStatus, reason *string, by string, at time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE document_versions SET verification_status=?, rejection_reason=?, verified_by=?, verified_at=? WHERE id=? AND status='active'`,
		string(status), nullableStringPtr(reason), by, ts(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (r Repo) SoftDeleteVersion(ctx context.Context, id string, at time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE document_versions SET status='deleted', deleted_at=? WHERE id=? AND status != 'deleted'`, ts(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}
