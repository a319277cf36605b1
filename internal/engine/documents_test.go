package engine_test

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseline/internal/domain"
	"caseline/internal/engine"
	"caseline/internal/engine/auth"
	"caseline/internal/events"
	"caseline/internal/storage"
)

func passport(name string) engine.UploadInput {
	return engine.UploadInput{
		DocumentType: "passport",
		File:         domain.FileRef{Provider: "local", URL: "file:///tmp/" + name, ProviderID: name},
		Meta:         domain.FileMeta{OriginalName: name, MimeType: "application/pdf", SizeBytes: 1024},
	}
}

func activeCount(vs []domain.DocumentVersion) int {
	n := 0
	for _, v := range vs {
		if v.Status == domain.VersionActive {
			n++
		}
	}
	return n
}

func TestUploadChainsVersions(t *testing.T) {
	env := newTestEnv(t)
	c := env.assignedCase(t)

	var last domain.DocumentVersion
	for i, name := range []string{"a.pdf", "b.pdf", "c.pdf"} {
		v, err := env.Engine.Documents.Upload(env.Ctx, customer, c.ID, passport(name))
		require.NoError(t, err)
		assert.Equal(t, i+1, v.Version)
		assert.Equal(t, domain.VersionActive, v.Status)
		assert.Equal(t, domain.VerificationPending, v.VerificationStatus)
		last = v
	}

	vs, err := env.Engine.Documents.ListVersions(env.Ctx, admin, c.ID, "passport")
	require.NoError(t, err)
	require.Len(t, vs, 3)
	assert.Equal(t, 1, activeCount(vs))
	assert.Equal(t, last.ID, vs[0].ID)
	assert.Equal(t, domain.VersionSuperseded, vs[1].Status)

	uploaded, err := env.Engine.Timeline.UserTimeline(env.Ctx, customer, c.ID, events.Filter{Type: domain.EventDocumentUploaded})
	require.NoError(t, err)
	assert.Len(t, uploaded, 3)
}

func TestUploadRejects(t *testing.T) {
	env := newTestEnv(t)
	c := env.assignedCase(t)

	in := passport("a.pdf")
	in.DocumentType = "tax-return"
	_, err := env.Engine.Documents.Upload(env.Ctx, customer, c.ID, in)
	requireCode(t, err, engine.CodeDocumentType)

	_, err = env.Engine.Documents.Upload(env.Ctx, domain.Actor{UserID: "user-2", Role: domain.RoleUser}, c.ID, passport("a.pdf"))
	var fe auth.ForbiddenError
	assert.True(t, errors.As(err, &fe))

	_, err = env.Engine.Cases.UpdateStatus(env.Ctx, employee, c.ID, engine.StatusUpdate{Status: domain.CaseCancelled})
	require.NoError(t, err)
	_, err = env.Engine.Documents.Upload(env.Ctx, customer, c.ID, passport("a.pdf"))
	requireCode(t, err, engine.CodeCaseClosed)
}

func TestConcurrentUploadsGetDistinctVersions(t *testing.T) {
	env := newTestEnv(t)
	c := env.assignedCase(t)
	_, err := env.Engine.Documents.Upload(env.Ctx, customer, c.ID, passport("v1.pdf"))
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		versions []int
	)
	for _, name := range []string{"x.pdf", "y.pdf"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			v, err := env.Engine.Documents.Upload(env.Ctx, customer, c.ID, passport(name))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			versions = append(versions, v.Version)
			mu.Unlock()
		}(name)
	}
	wg.Wait()
	sort.Ints(versions)
	assert.Equal(t, []int{2, 3}, versions)

	vs, err := env.Engine.Documents.ListVersions(env.Ctx, admin, c.ID, "passport")
	require.NoError(t, err)
	require.Len(t, vs, 3)
	assert.Equal(t, 1, activeCount(vs))
	assert.Equal(t, 3, vs[0].Version)
	assert.Equal(t, domain.VersionActive, vs[0].Status)
}

func TestRestoreAppendsCopy(t *testing.T) {
	env := newTestEnv(t)
	c := env.assignedCase(t)
	first, err := env.Engine.Documents.Upload(env.Ctx, customer, c.ID, passport("old.pdf"))
	require.NoError(t, err)
	_, err = env.Engine.Documents.Upload(env.Ctx, customer, c.ID, passport("new.pdf"))
	require.NoError(t, err)

	restored, err := env.Engine.Documents.Restore(env.Ctx, employee, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, restored.Version)
	assert.Equal(t, domain.VersionActive, restored.Status)
	require.NotNil(t, restored.RestoredFrom)
	assert.Equal(t, 1, *restored.RestoredFrom)
	assert.Equal(t, first.File, restored.File)
	assert.Equal(t, domain.VerificationPending, restored.VerificationStatus)

	st, err := env.Engine.Documents.GetDocumentStatus(env.Ctx, customer, c.ID, []string{"passport"})
	require.NoError(t, err)
	require.Len(t, st.Documents, 1)
	require.NotNil(t, st.Documents[0].Active)
	assert.Equal(t, restored.ID, st.Documents[0].Active.ID)
	assert.Equal(t, 3, st.Documents[0].Active.Version)
	assert.Equal(t, first.File, st.Documents[0].Active.File)
	assert.Equal(t, domain.VerificationPending, st.Documents[0].Active.VerificationStatus)

	_, err = env.Engine.Documents.Restore(env.Ctx, employee, restored.ID)
	requireCode(t, err, engine.CodeInvalidInput)

	_, err = env.Engine.Documents.Restore(env.Ctx, customer, first.ID)
	var fe auth.ForbiddenError
	assert.True(t, errors.As(err, &fe))

	evts := env.internalEvents(t, c.ID, domain.EventDocumentRestored)
	require.Len(t, evts, 1)
	meta := evts[0].Metadata.(domain.DocumentChange)
	require.NotNil(t, meta.RestoredFrom)
	assert.Equal(t, 1, *meta.RestoredFrom)
}

func TestVerifyOutcomes(t *testing.T) {
	env := newTestEnv(t)
	c := env.assignedCase(t)
	v1, err := env.Engine.Documents.Upload(env.Ctx, customer, c.ID, passport("a.pdf"))
	require.NoError(t, err)

	_, err = env.Engine.Documents.Verify(env.Ctx, employee, v1.ID, domain.VerificationRejected, " ")
	requireCode(t, err, engine.CodeReasonRequired)

	rejected, err := env.Engine.Documents.Verify(env.Ctx, employee, v1.ID, domain.VerificationRejected, "blurry scan")
	require.NoError(t, err)
	assert.Equal(t, domain.VerificationRejected, rejected.VerificationStatus)
	require.NotNil(t, rejected.RejectionReason)
	assert.Equal(t, "blurry scan", *rejected.RejectionReason)
	require.NotNil(t, rejected.VerifiedBy)
	assert.Equal(t, employee.UserID, *rejected.VerifiedBy)

	v2, err := env.Engine.Documents.Upload(env.Ctx, customer, c.ID, passport("b.pdf"))
	require.NoError(t, err)
	_, err = env.Engine.Documents.Verify(env.Ctx, employee, v1.ID, domain.VerificationVerified, "")
	requireCode(t, err, engine.CodeVersionNotActive)

	verified, err := env.Engine.Documents.Verify(env.Ctx, employee, v2.ID, domain.VerificationVerified, "")
	require.NoError(t, err)
	assert.Equal(t, domain.VerificationVerified, verified.VerificationStatus)
	assert.Nil(t, verified.RejectionReason)

	_, err = env.Engine.Documents.Verify(env.Ctx, customer, v2.ID, domain.VerificationVerified, "")
	var fe auth.ForbiddenError
	assert.True(t, errors.As(err, &fe))

	sent := env.Notifier.For(customer.UserID)
	require.Len(t, sent, 2)
	assert.Contains(t, sent[0].Message, "blurry scan")
	assert.Equal(t, "passport verified", sent[1].Title)
}

func TestDeleteHidesFromUsers(t *testing.T) {
	env := newTestEnv(t)
	c := env.assignedCase(t)
	_, err := env.Engine.Documents.Upload(env.Ctx, customer, c.ID, passport("a.pdf"))
	require.NoError(t, err)
	v2, err := env.Engine.Documents.Upload(env.Ctx, customer, c.ID, passport("b.pdf"))
	require.NoError(t, err)

	require.NoError(t, env.Engine.Documents.Delete(env.Ctx, employee, v2.ID))
	err = env.Engine.Documents.Delete(env.Ctx, employee, v2.ID)
	requireCode(t, err, engine.CodeVersionDeleted)
	_, err = env.Engine.Documents.Restore(env.Ctx, employee, v2.ID)
	requireCode(t, err, engine.CodeVersionDeleted)

	staff, err := env.Engine.Documents.ListVersions(env.Ctx, employee, c.ID, "passport")
	require.NoError(t, err)
	assert.Len(t, staff, 2)
	assert.Zero(t, activeCount(staff))

	own, err := env.Engine.Documents.ListVersions(env.Ctx, customer, c.ID, "passport")
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, 1, own[0].Version)

	v3, err := env.Engine.Documents.Upload(env.Ctx, customer, c.ID, passport("c.pdf"))
	require.NoError(t, err)
	assert.Equal(t, 3, v3.Version)
}

func TestDocumentStatus(t *testing.T) {
	env := newTestEnv(t)
	c := env.assignedCase(t)

	st, err := env.Engine.Documents.GetDocumentStatus(env.Ctx, customer, c.ID, nil)
	require.NoError(t, err)
	require.Len(t, st.Documents, 2)
	assert.False(t, st.AllUploaded)
	assert.False(t, st.AllVerified)

	pp, err := env.Engine.Documents.Upload(env.Ctx, customer, c.ID, passport("p.pdf"))
	require.NoError(t, err)
	logo := passport("logo.png")
	logo.DocumentType = "logo"
	lg, err := env.Engine.Documents.Upload(env.Ctx, customer, c.ID, logo)
	require.NoError(t, err)

	st, err = env.Engine.Documents.GetDocumentStatus(env.Ctx, customer, c.ID, nil)
	require.NoError(t, err)
	assert.True(t, st.AllUploaded)
	assert.False(t, st.AllVerified)

	for _, id := range []string{pp.ID, lg.ID} {
		_, err := env.Engine.Documents.Verify(env.Ctx, employee, id, domain.VerificationVerified, "")
		require.NoError(t, err)
	}
	st, err = env.Engine.Documents.GetDocumentStatus(env.Ctx, customer, c.ID, nil)
	require.NoError(t, err)
	assert.True(t, st.AllVerified)
	require.NotNil(t, st.Documents[0].Active)
	assert.Equal(t, 1, st.Documents[0].Active.Version)

	narrowed, err := env.Engine.Documents.GetDocumentStatus(env.Ctx, customer, c.ID, []string{"passport", "power-of-attorney"})
	require.NoError(t, err)
	assert.False(t, narrowed.AllUploaded)
	assert.True(t, narrowed.Documents[0].Uploaded)
	assert.False(t, narrowed.Documents[1].Uploaded)
}

func TestUploadFileThroughStorage(t *testing.T) {
	env := newTestEnv(t)
	c := env.assignedCase(t)
	dir := t.TempDir()
	eng := engine.New(env.DB, engine.Options{
		Clock:   env.Clock,
		Logger:  zerolog.Nop(),
		Storage: storage.Local{Dir: dir, BaseURL: "https://files.example.test"},
	})

	v, err := eng.Documents.UploadFile(env.Ctx, customer, c.ID, "logo", storage.Upload{
		Name:     "Logo.PNG",
		MimeType: "image/png",
		Size:     4,
		Body:     strings.NewReader("\x89PNG"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, v.Version)
	assert.Equal(t, "local", v.File.Provider)
	assert.True(t, strings.HasPrefix(v.File.URL, "https://files.example.test/"+c.ID+"/logo/"))
	assert.Equal(t, "Logo.PNG", v.Meta.OriginalName)

	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(v.File.ProviderID)))
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG", string(data))

	_, err = env.Engine.Documents.UploadFile(env.Ctx, customer, c.ID, "logo", storage.Upload{Name: "x.png", Body: strings.NewReader("x")})
	var de engine.DependencyError
	assert.True(t, errors.As(err, &de))
}
