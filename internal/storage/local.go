package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"caseline/internal/domain"
)

// Local writes uploads under Dir. It backs development workspaces and tests.
type Local struct {
	Dir string
	// BaseURL prefixes the object key in the returned URL; file:// paths are
	// used when empty.
	BaseURL string
}

func (l Local) Resolve(ctx context.Context, u Upload) (domain.FileRef, error) {
	if err := ctx.Err(); err != nil {
		return domain.FileRef{}, err
	}
	key := objectKey(u)
	dest := filepath.Join(l.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return domain.FileRef{}, err
	}
	f, err := os.Create(dest)
	if err != nil {
		return domain.FileRef{}, err
	}
	if _, err := io.Copy(f, u.Body); err != nil {
		f.Close()
		return domain.FileRef{}, fmt.Errorf("write %s: %w", dest, err)
	}
	if err := f.Close(); err != nil {
		return domain.FileRef{}, err
	}
	ref := domain.FileRef{Provider: "local", ProviderID: key}
	if l.BaseURL != "" {
		ref.URL, err = url.JoinPath(l.BaseURL, key)
		if err != nil {
			return domain.FileRef{}, err
		}
	} else {
		abs, err := filepath.Abs(dest)
		if err != nil {
			return domain.FileRef{}, err
		}
		ref.URL = (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
	}
	return ref, nil
}
