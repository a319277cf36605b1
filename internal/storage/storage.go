package storage

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"

	"caseline/internal/domain"
)

// Upload is a raw file handed to the object store.
type Upload struct {
	CaseID       string
	DocumentType string
	Name         string
	MimeType     string
	Size         int64
	Body         io.Reader
}

// Resolver stores upload bytes and returns the reference persisted on the
// document version.
type Resolver interface {
	Resolve(ctx context.Context, u Upload) (domain.FileRef, error)
}

// objectKey lays objects out as <case>/<type>/<uuid><ext>.
func objectKey(u Upload) string {
	ext := strings.ToLower(path.Ext(u.Name))
	return path.Join(u.CaseID, u.DocumentType, uuid.NewString()+ext)
}
