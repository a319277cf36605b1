package app

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/engine"
	"caseline/internal/engine/auth"
	"caseline/internal/notify"
	"caseline/internal/storage"
)

func openTest(t *testing.T, cfg *config.Config) *Context {
	t.Helper()
	a, err := Open(context.Background(), Options{Workspace: t.TempDir(), Config: cfg, LogWriter: io.Discard})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestOpenSeedsServicesAndWiresEngine(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.Sample))
	require.NoError(t, err)
	a := openTest(t, cfg)
	ctx := context.Background()

	services, err := a.Services(ctx)
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Equal(t, []string{"passport", "power_of_attorney", "logo"}, services[0].DocumentsRequired)

	admin := domain.Actor{UserID: "admin", Role: domain.RoleAdmin}
	c, err := a.Engine.Cases.CreateCase(ctx, admin, engine.NewCase{UserID: "u1", ServiceID: "trademark-registration"})
	require.NoError(t, err)

	v, err := a.Engine.Documents.UploadFile(ctx, domain.Actor{UserID: "u1", Role: domain.RoleUser}, c.ID, "logo", storage.Upload{
		Name: "logo.svg",
		Body: strings.NewReader("<svg/>"),
	})
	require.NoError(t, err)
	assert.Contains(t, v.File.URL, filepath.ToSlash(filepath.Join(".caseline", "files", c.ID, "logo")))
}

func TestNotifierFromSinks(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.Sinks = []string{"log", "webhook"}
	cfg.Notifications.Webhook.URL = "http://127.0.0.1:1/hook"
	a := openTest(t, cfg)

	d, err := a.notifier(context.Background(), "secret")
	require.NoError(t, err)
	multi, ok := d.(notify.Multi)
	require.True(t, ok)
	require.Len(t, multi, 2)
	hook, ok := multi[1].(*notify.Webhook)
	require.True(t, ok)
	assert.Equal(t, "secret", hook.Secret)

	cfg.Notifications.Sinks = nil
	d, err = a.notifier(context.Background(), "")
	require.NoError(t, err)
	assert.IsType(t, notify.Discard{}, d)
}

func TestDefineServiceRequiresAdmin(t *testing.T) {
	a := openTest(t, config.Default())
	ctx := context.Background()
	svc := domain.Service{ID: "visa", Name: "Visa", DocumentsRequired: []string{"passport"}}

	err := a.DefineService(ctx, domain.Actor{UserID: "e", Role: domain.RoleEmployee}, svc)
	var fe auth.ForbiddenError
	assert.True(t, errors.As(err, &fe))

	require.NoError(t, a.DefineService(ctx, domain.Actor{UserID: "a", Role: domain.RoleAdmin}, svc))
	services, err := a.Services(ctx)
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Equal(t, "visa", services[0].ID)
}
