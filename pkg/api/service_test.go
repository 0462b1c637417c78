package api

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookrelay/internal/config"
	"hookrelay/internal/extension"
	"hookrelay/internal/hook"
	"hookrelay/internal/host"
	"hookrelay/internal/manager"
	"hookrelay/pkg/domain"
)

type echoFetcher struct{}

func (echoFetcher) Fetch(_ context.Context, _ string, _ *host.FetchOptions) (*host.Response, error) {
	return host.NewResponse(200, nil, []byte(`{}`)), nil
}

func newService(t *testing.T) (Service, *host.Realm) {
	t.Helper()
	realm := host.NewRealm("api", host.WithFetcher(echoFetcher{}), host.WithXHR(&host.HTTPXHRFactory{}))
	cfg := config.NewConfig()
	svc, err := NewService(realm, manager.Deps{Config: cfg, Scheduler: hook.NewManualScheduler()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, realm
}

func TestService_ModesAndExtensions(t *testing.T) {
	svc, realm := newService(t)
	assert.False(t, svc.SafeMode())
	assert.Equal(t, []string{extension.BookmarksName}, svc.Extensions())

	require.NoError(t, svc.SetHookMode(domain.HookModeXHR))
	assert.Equal(t, domain.HookModeXHR, svc.Modes().HookMode)
	_, wrapped := realm.Fetcher().(hook.Wrapper)
	assert.False(t, wrapped)

	require.NoError(t, svc.SetRepairMode(domain.RepairOff))
	assert.Equal(t, domain.RepairOff, svc.Modes().RepairMode)

	require.NoError(t, svc.DisableExtension(extension.BookmarksName))
	require.NoError(t, svc.EnableExtension(extension.BookmarksName))
	assert.Error(t, svc.EnableExtension("missing"))

	name, err := svc.RegisterExtension(func(d extension.Deps) extension.Extension {
		return extension.NewBookmarks(d)
	})
	require.NoError(t, err)
	assert.Equal(t, extension.BookmarksName, name)
	assert.Equal(t, domain.Rev, svc.Stats().Rev)
}

func TestService_CloseRestoresOriginals(t *testing.T) {
	svc, realm := newService(t)
	_, wrapped := realm.Fetcher().(hook.Wrapper)
	require.True(t, wrapped)

	require.NoError(t, svc.Close())
	assert.Equal(t, echoFetcher{}, realm.Fetcher())
	_, ok := manager.Lookup(realm)
	assert.False(t, ok)
}
