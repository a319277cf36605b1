package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseline/internal/app"
	"caseline/internal/config"
	"caseline/internal/domain"
	caselinesdk "caseline/sdk/go"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

// as returns an SDK client authenticated as the given actor.
func (s *testServer) as(t *testing.T, userID string, role domain.Role) *caselinesdk.Client {
	t.Helper()
	token, err := SignToken(testSecret, domain.Actor{UserID: userID, Role: role}, devTokenTTL)
	require.NoError(t, err)
	c := caselinesdk.New(s.URL, token)
	c.HTTPClient = s.client
	return c
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	cfg, err := config.FromYAML([]byte(config.Sample))
	require.NoError(t, err)
	cfg.Auth.AdminIDs = []string{"admin-1"}
	a, err := app.Open(context.Background(), app.Options{Workspace: t.TempDir(), Config: cfg, LogWriter: io.Discard})
	require.NoError(t, err)
	handler, err := New(Config{
		Engine:  a.Engine,
		Catalog: a,
		Auth:    AuthConfig{JWTSecret: testSecret, AdminIDs: cfg.Auth.AdminIDs, Logger: zerolog.Nop()},
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func apiStatus(t *testing.T, err error) (int, string) {
	t.Helper()
	var apiErr *caselinesdk.APIError
	require.True(t, errors.As(err, &apiErr), "expected api error, got %v", err)
	return apiErr.StatusCode, apiErr.Code
}

var sampleTemplate = caselinesdk.TemplateInput{
	Name: "Trademark filing",
	Steps: []caselinesdk.WorkflowStep{
		{ID: "collect", Name: "Collect documents", EstimatedDurationHours: 24, Items: []caselinesdk.ChecklistItem{{ID: "passport", Title: "Passport received"}}},
		{ID: "file", Name: "File application", EstimatedDurationHours: 24, Items: []caselinesdk.ChecklistItem{{ID: "submit", Title: "Submitted"}}},
	},
}

func TestCaseLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	admin := srv.as(t, "admin-1", domain.RoleAdmin)
	emp := srv.as(t, "emp-1", domain.RoleEmployee)
	user := srv.as(t, "user-1", domain.RoleUser)

	tpl, err := admin.CreateTemplate(ctx, sampleTemplate)
	require.NoError(t, err)
	assert.Equal(t, 48.0, tpl.TotalEstimatedDurationHours)

	c, err := admin.CreateCase(ctx, "user-1", "trademark-registration", "pay-1")
	require.NoError(t, err)
	assert.Equal(t, "new", c.Status)
	assert.Equal(t, "not_set", c.SLAStatus)

	_, err = admin.AssignEmployee(ctx, c.ID, "emp-1")
	require.NoError(t, err)
	c, err = emp.AssignWorkflow(ctx, c.ID, tpl.ID)
	require.NoError(t, err)
	require.NotNil(t, c.SLADeadline)
	assert.Equal(t, "on_time", c.SLAStatus)

	step := 1
	c, err = emp.UpdateStatus(ctx, c.ID, "in_progress", &step, "")
	require.NoError(t, err)
	assert.Equal(t, 1, c.CurrentStep)

	c, err = emp.SetChecklistItem(ctx, c.ID, "collect", "passport", true)
	require.NoError(t, err)
	require.Len(t, c.Checklist, 1)
	assert.True(t, c.Checklist[0].IsCompleted)

	_, err = emp.AddNote(ctx, c.ID, "customer called")
	require.NoError(t, err)

	c, err = emp.UpdateStatus(ctx, c.ID, "completed", nil, "")
	require.NoError(t, err)
	assert.NotNil(t, c.CompletedAt)

	public, err := user.Timeline(ctx, c.ID, false, 0, "")
	require.NoError(t, err)
	internal, err := emp.Timeline(ctx, c.ID, true, 0, "")
	require.NoError(t, err)
	assert.Greater(t, len(internal.Items), len(public.Items))
	for _, e := range public.Items {
		assert.True(t, e.IsVisibleToUser, e.Type)
		assert.NotEqual(t, "internal_note_added", e.Type)
	}

	c, err = emp.Reopen(ctx, c.ID, "missing signature")
	require.NoError(t, err)
	assert.Equal(t, "in_progress", c.Status)
	assert.Equal(t, 1, c.ReopenCount)
}

func TestErrorMapping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	admin := srv.as(t, "admin-1", domain.RoleAdmin)
	user := srv.as(t, "user-1", domain.RoleUser)
	stranger := srv.as(t, "user-2", domain.RoleUser)

	c, err := admin.CreateCase(ctx, "user-1", "trademark-registration", "")
	require.NoError(t, err)

	_, err = admin.GetCase(ctx, "CL-00000000-DEADBEEF")
	status, code := apiStatus(t, err)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", code)

	_, err = stranger.GetCase(ctx, c.ID)
	status, code = apiStatus(t, err)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", code)

	_, err = user.CreateCase(ctx, "user-1", "trademark-registration", "")
	status, _ = apiStatus(t, err)
	assert.Equal(t, http.StatusForbidden, status)

	_, err = admin.UpdateStatus(ctx, c.ID, "cancelled", nil, "")
	require.NoError(t, err)
	_, err = admin.UpdateStatus(ctx, c.ID, "in_progress", nil, "")
	status, code = apiStatus(t, err)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "invalid_transition", code)

	_, err = admin.AssignWorkflow(ctx, c.ID, "missing")
	status, _ = apiStatus(t, err)
	assert.Contains(t, []int{http.StatusNotFound, http.StatusUnprocessableEntity}, status)

	_, err = admin.CreateCase(ctx, "user-1", "no-such-service", "")
	status, _ = apiStatus(t, err)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/cases", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(body))
	assert.Contains(t, string(body), `"unauthorized"`)

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/cases", nil, map[string]string{"Authorization": "Bearer nope"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(body))
	assert.Contains(t, string(body), `"invalid_credentials"`)

	forged, err := SignToken("other-secret", domain.Actor{UserID: "admin-1", Role: domain.RoleAdmin}, devTokenTTL)
	require.NoError(t, err)
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/cases", nil, map[string]string{"Authorization": "Bearer " + forged})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), "bearerAuth")
}

func TestDevLogin(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	anon := caselinesdk.New(srv.URL, "")

	token, err := anon.DevLogin(ctx, "emp-9", "Erin", "employee")
	require.NoError(t, err)
	me, err := caselinesdk.New(srv.URL, token).Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, caselinesdk.Actor{UserID: "emp-9", Name: "Erin", Role: "employee"}, me)

	_, err = anon.DevLogin(ctx, "emp-9", "", "admin")
	status, _ := apiStatus(t, err)
	assert.Equal(t, http.StatusForbidden, status)

	_, err = anon.DevLogin(ctx, "admin-1", "", "admin")
	require.NoError(t, err)
}

func TestCaseListPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	admin := srv.as(t, "admin-1", domain.RoleAdmin)
	for i := 0; i < 3; i++ {
		_, err := admin.CreateCase(ctx, "user-1", "trademark-registration", "")
		require.NoError(t, err)
	}
	_, err := admin.CreateCase(ctx, "user-2", "trademark-registration", "")
	require.NoError(t, err)

	first, err := admin.ListCases(ctx, caselinesdk.CaseQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	require.NotEmpty(t, first.NextCursor)
	second, err := admin.ListCases(ctx, caselinesdk.CaseQuery{Limit: 2, Cursor: first.NextCursor})
	require.NoError(t, err)
	require.Len(t, second.Items, 2)
	assert.Empty(t, second.NextCursor)
	seen := map[string]bool{}
	for _, c := range append(first.Items, second.Items...) {
		assert.False(t, seen[c.ID], "duplicate %s", c.ID)
		seen[c.ID] = true
	}

	mine, err := srv.as(t, "user-1", domain.RoleUser).ListCases(ctx, caselinesdk.CaseQuery{})
	require.NoError(t, err)
	assert.Len(t, mine.Items, 3)

	_, err = admin.ListCases(ctx, caselinesdk.CaseQuery{Cursor: "garbage"})
	status, _ := apiStatus(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestDocumentsOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	admin := srv.as(t, "admin-1", domain.RoleAdmin)
	user := srv.as(t, "user-1", domain.RoleUser)

	c, err := admin.CreateCase(ctx, "user-1", "trademark-registration", "")
	require.NoError(t, err)

	v1, err := user.UploadDocument(ctx, c.ID, "passport", "passport.pdf", "application/pdf", []byte("%PDF-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, "pending", v1.VerificationStatus)
	assert.Equal(t, "local", v1.File.Provider)

	v2, err := user.RegisterDocument(ctx, c.ID, "passport", caselinesdk.FileRef{Provider: "s3", URL: "https://files.example.test/p2", ProviderID: "p2"}, "passport2.pdf", "application/pdf", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	_, err = user.UploadDocument(ctx, c.ID, "selfie", "me.png", "image/png", []byte("png"))
	status, code := apiStatus(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "document_type_not_required", code)

	_, err = user.VerifyDocument(ctx, v2.ID, "verified", "")
	status, _ = apiStatus(t, err)
	assert.Equal(t, http.StatusForbidden, status)

	_, err = admin.VerifyDocument(ctx, v2.ID, "rejected", "")
	status, code = apiStatus(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "reason_required", code)

	rejected, err := admin.VerifyDocument(ctx, v2.ID, "rejected", "blurry")
	require.NoError(t, err)
	require.NotNil(t, rejected.RejectionReason)
	assert.Equal(t, "blurry", *rejected.RejectionReason)

	v3, err := admin.RestoreDocument(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, v3.Version)
	require.NotNil(t, v3.RestoredFrom)
	assert.Equal(t, 1, *v3.RestoredFrom)

	versions, err := user.ListVersions(ctx, c.ID, "passport")
	require.NoError(t, err)
	assert.Len(t, versions, 3)

	st, err := user.DocumentStatus(ctx, c.ID, nil)
	require.NoError(t, err)
	assert.Len(t, st.Documents, 3)
	assert.False(t, st.AllUploaded)

	st, err = user.DocumentStatus(ctx, c.ID, []string{"passport"})
	require.NoError(t, err)
	assert.True(t, st.AllUploaded)
	assert.False(t, st.AllVerified)

	require.NoError(t, admin.DeleteDocument(ctx, v3.ID))
	versions, err = user.ListVersions(ctx, c.ID, "passport")
	require.NoError(t, err)
	assert.Len(t, versions, 2)

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/cases/"+c.ID+"/documents", map[string]any{
		"document_type": "passport",
	}, map[string]string{"Authorization": "Bearer " + user.BearerToken})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(body))
}

func TestTemplatesAndServicesOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	admin := srv.as(t, "admin-1", domain.RoleAdmin)
	emp := srv.as(t, "emp-1", domain.RoleEmployee)
	user := srv.as(t, "user-1", domain.RoleUser)

	_, err := emp.CreateTemplate(ctx, sampleTemplate)
	status, _ := apiStatus(t, err)
	assert.Equal(t, http.StatusForbidden, status)

	bad := sampleTemplate
	bad.Steps = nil
	_, err = admin.CreateTemplate(ctx, bad)
	status, _ = apiStatus(t, err)
	assert.Contains(t, []int{http.StatusBadRequest, http.StatusUnprocessableEntity}, status)

	tpl, err := admin.CreateTemplate(ctx, sampleTemplate)
	require.NoError(t, err)
	clone, err := admin.CloneTemplate(ctx, tpl.ID, "")
	require.NoError(t, err)
	assert.NotEqual(t, tpl.ID, clone.ID)
	assert.Equal(t, "Trademark filing (copy)", clone.Name)

	archived, err := admin.ArchiveTemplate(ctx, clone.ID)
	require.NoError(t, err)
	assert.Equal(t, "archived", archived.Lifecycle)

	active, err := emp.ListTemplates(ctx, false)
	require.NoError(t, err)
	assert.Len(t, active, 1)
	all, err := emp.ListTemplates(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = user.ListTemplates(ctx, false)
	status, _ = apiStatus(t, err)
	assert.Equal(t, http.StatusForbidden, status)

	require.NoError(t, admin.DeleteTemplate(ctx, clone.ID))
	_, err = emp.GetTemplate(ctx, clone.ID)
	require.Error(t, err)

	services, err := user.Services(ctx)
	require.NoError(t, err)
	require.Len(t, services, 1)

	_, err = emp.DefineService(ctx, caselinesdk.Service{ID: "visa", Name: "Visa", DocumentsRequired: []string{"passport"}})
	status, _ = apiStatus(t, err)
	assert.Equal(t, http.StatusForbidden, status)
	_, err = admin.DefineService(ctx, caselinesdk.Service{ID: "visa", Name: "Visa", DocumentsRequired: []string{"passport"}})
	require.NoError(t, err)
	services, err = user.Services(ctx)
	require.NoError(t, err)
	assert.Len(t, services, 2)
}

func TestSweepEndpointAdminOnly(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	_, err := srv.as(t, "emp-1", domain.RoleEmployee).Sweep(ctx)
	status, _ := apiStatus(t, err)
	assert.Equal(t, http.StatusForbidden, status)

	admin := srv.as(t, "admin-1", domain.RoleAdmin)
	tpl, err := admin.CreateTemplate(ctx, sampleTemplate)
	require.NoError(t, err)
	c, err := admin.CreateCase(ctx, "user-1", "trademark-registration", "")
	require.NoError(t, err)
	_, err = admin.AssignWorkflow(ctx, c.ID, tpl.ID)
	require.NoError(t, err)

	res, err := admin.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Evaluated)
	assert.Equal(t, 0, res.Failed)
}
