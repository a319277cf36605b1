package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"caseline/internal/domain"
	"caseline/internal/engine/auth"
	"caseline/internal/notify"
	"caseline/internal/repo"
	"caseline/internal/storage"
)

// DocumentStore keeps the append-only chain of uploaded versions per
// (case, document type). At most one version of a pair is active.
type DocumentStore struct {
	repo     DocumentRepository
	cases    *CaseStore
	services ServiceCatalog
	storage  storage.Resolver
	timeline *Recorder
	notifier notify.Dispatcher
	clock    Clock
	retries  int
	log      zerolog.Logger
}

type UploadInput struct {
	DocumentType string
	File         domain.FileRef
	Meta         domain.FileMeta
}

// UploadFile stores raw bytes through the object-storage resolver and then
// records the resulting reference as a new version.
func (d *DocumentStore) UploadFile(ctx context.Context, actor domain.Actor, caseID, documentType string, u storage.Upload) (domain.DocumentVersion, error) {
	if d.storage == nil {
		return domain.DocumentVersion{}, DependencyError{Op: "store file", Err: errors.New("no object storage configured")}
	}
	c, err := d.checkUpload(ctx, actor, caseID, documentType)
	if err != nil {
		return domain.DocumentVersion{}, err
	}
	u.CaseID, u.DocumentType = c.ID, documentType
	ref, err := d.storage.Resolve(ctx, u)
	if err != nil {
		return domain.DocumentVersion{}, DependencyError{Op: "store file", Err: err}
	}
	return d.create(ctx, actor, c, UploadInput{
		DocumentType: documentType,
		File:         ref,
		Meta:         domain.FileMeta{OriginalName: u.Name, MimeType: u.MimeType, SizeBytes: u.Size},
	}, nil)
}

// Upload records an already stored file as the next active version.
func (d *DocumentStore) Upload(ctx context.Context, actor domain.Actor, caseID string, in UploadInput) (domain.DocumentVersion, error) {
	c, err := d.checkUpload(ctx, actor, caseID, in.DocumentType)
	if err != nil {
		return domain.DocumentVersion{}, err
	}
	if err := requireText("file.url", in.File.URL); err != nil {
		return domain.DocumentVersion{}, err
	}
	return d.create(ctx, actor, c, in, nil)
}

func (d *DocumentStore) checkUpload(ctx context.Context, actor domain.Actor, caseID, documentType string) (domain.Case, error) {
	c, err := d.cases.load(ctx, caseID)
	if err != nil {
		return c, err
	}
	if !auth.CanUpload(actor, c) {
		return domain.Case{}, auth.ForbiddenError{Action: "upload document", Actor: actor.UserID}
	}
	if c.Status.Terminal() {
		return domain.Case{}, ValidationError{Code: CodeCaseClosed, Field: "status", Reason: fmt.Sprintf("case is %s", c.Status)}
	}
	required, err := d.services.RequiredDocuments(ctx, c.ServiceID)
	if err != nil {
		return domain.Case{}, storageErr("load service", "service", c.ServiceID, err)
	}
	if !lo.Contains(required, documentType) {
		return domain.Case{}, ValidationError{Code: CodeDocumentType, Field: "document_type",
			Reason: fmt.Sprintf("service %s does not require %q", c.ServiceID, documentType)}
	}
	return c, nil
}

// create appends a version, retrying when a concurrent writer took the
// version number first.
func (d *DocumentStore) create(ctx context.Context, actor domain.Actor, c domain.Case, in UploadInput, restoredFrom *domain.DocumentVersion) (domain.DocumentVersion, error) {
	v := domain.DocumentVersion{
		ID:                 uuid.NewString(),
		CaseID:             c.ID,
		DocumentType:       in.DocumentType,
		VerificationStatus: domain.VerificationPending,
		File:               in.File,
		Meta:               in.Meta,
		UploadedBy:         actor.UserID,
		CreatedAt:          d.clock.Now(),
	}
	if restoredFrom != nil {
		v.RestoredFrom = ptr(restoredFrom.Version)
	}
	var (
		created domain.DocumentVersion
		err     error
	)
	for attempt := 0; attempt <= d.retries; attempt++ {
		created, err = d.repo.CreateActiveVersion(ctx, v)
		if !errors.Is(err, repo.ErrConflict) {
			break
		}
		select {
		case <-ctx.Done():
			return domain.DocumentVersion{}, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	if errors.Is(err, repo.ErrConflict) {
		return domain.DocumentVersion{}, ConflictError{Reason: fmt.Sprintf("concurrent uploads of %s kept colliding", in.DocumentType)}
	}
	if err != nil {
		return domain.DocumentVersion{}, DependencyError{Op: "create document version", Err: err}
	}

	meta := domain.DocumentChange{VersionID: created.ID, DocumentType: created.DocumentType, Version: created.Version}
	if restoredFrom != nil {
		meta.RestoredFrom = created.RestoredFrom
		d.timeline.Record(ctx, event(c.ID, domain.EventDocumentRestored, actor,
			fmt.Sprintf("%s restored from version %d", created.DocumentType, restoredFrom.Version), meta, true))
	} else {
		d.timeline.Record(ctx, event(c.ID, domain.EventDocumentUploaded, actor,
			fmt.Sprintf("%s uploaded (version %d)", created.DocumentType, created.Version), meta, true))
	}
	d.touch(ctx, c.ID)
	return created, nil
}

func (d *DocumentStore) touch(ctx context.Context, caseID string) {
	if err := d.cases.Touch(ctx, caseID); err != nil {
		d.log.Warn().Err(err).Str("case_id", caseID).Msg("touch case failed")
	}
}

func (d *DocumentStore) loadVersion(ctx context.Context, id string) (domain.DocumentVersion, domain.Case, error) {
	v, err := d.repo.GetDocumentVersion(ctx, id)
	if err != nil {
		return v, domain.Case{}, storageErr("load document version", "document version", id, err)
	}
	c, err := d.cases.load(ctx, v.CaseID)
	return v, c, err
}

// Verify records the outcome of a review of the active version.
func (d *DocumentStore) Verify(ctx context.Context, actor domain.Actor, versionID string, outcome domain.VerificationStatus, reason string) (domain.DocumentVersion, error) {
	v, c, err := d.loadVersion(ctx, versionID)
	if err != nil {
		return domain.DocumentVersion{}, err
	}
	if err := auth.RequireManage(actor, c, "verify document"); err != nil {
		return domain.DocumentVersion{}, err
	}
	if outcome != domain.VerificationVerified && outcome != domain.VerificationRejected {
		return domain.DocumentVersion{}, ValidationError{Code: CodeInvalidInput, Field: "status", Reason: "outcome must be verified or rejected"}
	}
	var reasonPtr *string
	if outcome == domain.VerificationRejected {
		if err := requireText("reason", reason); err != nil {
			return domain.DocumentVersion{}, ValidationError{Code: CodeReasonRequired, Field: "reason", Reason: "a rejection needs a reason"}
		}
		reasonPtr = &reason
	}
	if v.Status != domain.VersionActive {
		return domain.DocumentVersion{}, ValidationError{Code: CodeVersionNotActive, Field: "version_id", Reason: fmt.Sprintf("version %d is %s", v.Version, v.Status)}
	}
	now := d.clock.Now()
	if err := d.repo.SetVerification(ctx, v.ID, outcome, reasonPtr, actor.UserID, now); err != nil {
		return domain.DocumentVersion{}, storageErr("verify document", "document version", v.ID, err)
	}

	meta := domain.DocumentChange{VersionID: v.ID, DocumentType: v.DocumentType, Version: v.Version, VerificationStatus: outcome, Reason: reason}
	evtType, title := domain.EventDocumentVerified, fmt.Sprintf("%s verified", v.DocumentType)
	message := fmt.Sprintf("Your %s for case %s was accepted.", v.DocumentType, c.ID)
	if outcome == domain.VerificationRejected {
		evtType, title = domain.EventDocumentRejected, fmt.Sprintf("%s rejected", v.DocumentType)
		message = fmt.Sprintf("Your %s for case %s was rejected: %s", v.DocumentType, c.ID, reason)
	}
	d.timeline.Record(ctx, event(c.ID, evtType, actor, title, meta, true))
	notifyBestEffort(ctx, d.notifier, d.log, notify.Notification{RecipientID: c.UserID, Title: title, Message: message, CaseID: c.ID, CreatedAt: now})
	d.touch(ctx, c.ID)

	updated, err := d.repo.GetDocumentVersion(ctx, v.ID)
	if err != nil {
		return domain.DocumentVersion{}, storageErr("load document version", "document version", v.ID, err)
	}
	return updated, nil
}

// Restore makes a copy of an older version the new active one. The copy
// keeps the old file reference and metadata and records where it came from.
func (d *DocumentStore) Restore(ctx context.Context, actor domain.Actor, versionID string) (domain.DocumentVersion, error) {
	old, c, err := d.loadVersion(ctx, versionID)
	if err != nil {
		return domain.DocumentVersion{}, err
	}
	if err := auth.RequireManage(actor, c, "restore document"); err != nil {
		return domain.DocumentVersion{}, err
	}
	switch old.Status {
	case domain.VersionDeleted:
		return domain.DocumentVersion{}, ValidationError{Code: CodeVersionDeleted, Field: "version_id", Reason: "deleted versions cannot be restored"}
	case domain.VersionActive:
		return domain.DocumentVersion{}, ValidationError{Code: CodeInvalidInput, Field: "version_id", Reason: fmt.Sprintf("version %d is already active", old.Version)}
	}
	if c.Status.Terminal() {
		return domain.DocumentVersion{}, ValidationError{Code: CodeCaseClosed, Field: "status", Reason: fmt.Sprintf("case is %s", c.Status)}
	}
	return d.create(ctx, actor, c, UploadInput{DocumentType: old.DocumentType, File: old.File, Meta: old.Meta}, &old)
}

// Delete soft-deletes a version. Numbering is untouched and no other version
// is promoted in its place.
func (d *DocumentStore) Delete(ctx context.Context, actor domain.Actor, versionID string) error {
	v, c, err := d.loadVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if err := auth.RequireManage(actor, c, "delete document"); err != nil {
		return err
	}
	if v.Status == domain.VersionDeleted {
		return ValidationError{Code: CodeVersionDeleted, Field: "version_id", Reason: "version is already deleted"}
	}
	if err := d.repo.SoftDeleteVersion(ctx, v.ID, d.clock.Now()); err != nil {
		return storageErr("delete document", "document version", v.ID, err)
	}
	d.timeline.Record(ctx, event(c.ID, domain.EventDocumentDeleted, actor, fmt.Sprintf("%s version %d deleted", v.DocumentType, v.Version),
		domain.DocumentChange{VersionID: v.ID, DocumentType: v.DocumentType, Version: v.Version}, false))
	d.touch(ctx, c.ID)
	return nil
}

type VersionSummary struct {
	ID                 string                    `json:"id"`
	Version            int                       `json:"version"`
	VerificationStatus domain.VerificationStatus `json:"verification_status"`
	RejectionReason    *string                   `json:"rejection_reason,omitempty"`
	UploadedAt         time.Time                 `json:"uploaded_at"`
	File               domain.FileRef            `json:"file"`
}

type DocumentTypeStatus struct {
	DocumentType string          `json:"document_type"`
	Uploaded     bool            `json:"uploaded"`
	Active       *VersionSummary `json:"active,omitempty"`
}

type DocumentStatus struct {
	CaseID      string               `json:"case_id"`
	Documents   []DocumentTypeStatus `json:"documents"`
	AllUploaded bool                 `json:"all_uploaded"`
	AllVerified bool                 `json:"all_verified"`
}

// GetDocumentStatus reports, per required type, whether an active version
// exists and how far its review got. An empty list means the service's own
// requirements.
func (d *DocumentStore) GetDocumentStatus(ctx context.Context, actor domain.Actor, caseID string, requiredTypes []string) (DocumentStatus, error) {
	c, err := d.cases.load(ctx, caseID)
	if err != nil {
		return DocumentStatus{}, err
	}
	if err := auth.RequireView(actor, c, "view documents"); err != nil {
		return DocumentStatus{}, err
	}
	if len(requiredTypes) == 0 {
		requiredTypes, err = d.services.RequiredDocuments(ctx, c.ServiceID)
		if err != nil {
			return DocumentStatus{}, storageErr("load service", "service", c.ServiceID, err)
		}
	}
	active, err := d.repo.ActiveVersions(ctx, caseID)
	if err != nil {
		return DocumentStatus{}, DependencyError{Op: "load active versions", Err: err}
	}
	res := DocumentStatus{CaseID: caseID, AllUploaded: true, AllVerified: true}
	for _, t := range lo.Uniq(requiredTypes) {
		st := DocumentTypeStatus{DocumentType: t}
		if v, ok := active[t]; ok {
			st.Uploaded = true
			st.Active = &VersionSummary{
				ID:                 v.ID,
				Version:            v.Version,
				VerificationStatus: v.VerificationStatus,
				RejectionReason:    v.RejectionReason,
				UploadedAt:         v.CreatedAt,
				File:               v.File,
			}
		}
		if !st.Uploaded {
			res.AllUploaded = false
		}
		if st.Active == nil || st.Active.VerificationStatus != domain.VerificationVerified {
			res.AllVerified = false
		}
		res.Documents = append(res.Documents, st)
	}
	return res, nil
}

// ListVersions returns the case's version chain, newest first within each
// type. End users do not see deleted versions.
func (d *DocumentStore) ListVersions(ctx context.Context, actor domain.Actor, caseID, documentType string) ([]domain.DocumentVersion, error) {
	c, err := d.cases.load(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if err := auth.RequireView(actor, c, "view documents"); err != nil {
		return nil, err
	}
	res, err := d.repo.ListDocumentVersions(ctx, caseID, documentType)
	if err != nil {
		return nil, DependencyError{Op: "list document versions", Err: err}
	}
	if !auth.CanManage(actor, c) {
		res = lo.Filter(res, func(v domain.DocumentVersion, _ int) bool { return v.Status != domain.VersionDeleted })
	}
	return res, nil
}
