package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsdeck/internal/config"
	"opsdeck/internal/domain"
	"opsdeck/internal/gateway"
	"opsdeck/internal/metrics"
	"opsdeck/internal/repo"
)

func configWith(backend string) *config.Config {
	cfg := config.Default()
	cfg.Store.Backend = backend
	return cfg
}

func TestOpenSQLite(t *testing.T) {
	ctx := context.Background()
	workspace := t.TempDir()
	m := metrics.New()
	st, err := Open(ctx, configWith("sqlite"), Options{Workspace: workspace, Logger: zerolog.Nop(), Metrics: m})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	assert.Equal(t, "sqlite", st.Backend)
	require.NotNil(t, st.Repo)
	assert.FileExists(t, filepath.Join(workspace, ".opsdeck", "opsdeck.db"))

	rec, err := st.Gateway.Create(ctx, domain.Record{Kind: "asset", OwnerID: "u1", Name: "Chiller", Code: "CH-1"})
	require.NoError(t, err)
	assert.Equal(t, "operational", rec.Status)

	evts, err := st.Repo.LatestEvents(ctx, 10, repo.EventFilters{OwnerID: "u1"})
	require.NoError(t, err)
	assert.Len(t, evts, 1)

	// failures come back tagged with the backend
	name := "x"
	_, err = st.Gateway.Update(ctx, "nope", domain.Patch{Name: &name})
	var gerr *gateway.Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, "sqlite", gerr.Backend)
	assert.ErrorIs(t, err, gateway.ErrNotFound)

	// reopening does not re-apply migrations
	again, err := Open(ctx, configWith("sqlite"), Options{Workspace: workspace, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer again.Close()
	list, err := again.Gateway.List(ctx, gateway.Scope{OwnerID: "u1"})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestOpenMemory(t *testing.T) {
	st, err := Open(context.Background(), configWith("memory"), Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	assert.Nil(t, st.Repo)
	assert.NoError(t, st.Close())

	rec, err := st.Gateway.Create(context.Background(), domain.Record{Kind: "work_order", Name: "x"})
	require.NoError(t, err)
	assert.Equal(t, "scheduled", rec.Status)
}

func TestOpenRemoteBackendsNeedBaseURL(t *testing.T) {
	_, err := Open(context.Background(), configWith("pocketbase"), Options{Logger: zerolog.Nop()})
	assert.ErrorContains(t, err, "store.pocketbase.base_url")
	_, err = Open(context.Background(), configWith("http"), Options{Logger: zerolog.Nop()})
	assert.ErrorContains(t, err, "store.http.base_url")
	_, err = Open(context.Background(), configWith("redis"), Options{Logger: zerolog.Nop()})
	assert.ErrorContains(t, err, "unknown store backend")
}

func TestOpenRemoteBackends(t *testing.T) {
	env := map[string]string{EnvPocketBasePassword: "from-env", EnvAPIToken: "tok"}
	getenv := func(k string) string { return env[k] }

	cfg := configWith("pocketbase")
	cfg.Store.PocketBase.BaseURL = "http://127.0.0.1:8090"
	st, err := Open(context.Background(), cfg, Options{Logger: zerolog.Nop(), Getenv: getenv})
	require.NoError(t, err)
	assert.Equal(t, "pocketbase", st.Backend)

	cfg = configWith("http")
	cfg.Store.HTTP.BaseURL = "http://127.0.0.1:8080"
	st, err = Open(context.Background(), cfg, Options{Logger: zerolog.Nop(), Getenv: getenv, Owner: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "http", st.Backend)
}

func TestLoadConfig(t *testing.T) {
	workspace := t.TempDir()
	cfg, err := LoadConfig(workspace, "")
	require.NoError(t, err)
	assert.Contains(t, cfg.Dashboards, "maintenance")

	path := filepath.Join(workspace, "custom.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  backend: memory
dashboards:
  fleet:
    title: Fleet
    entities: [truck]
entities:
  truck:
    statuses: [parked, driving]
`), 0o644))
	cfg, err = LoadConfig(workspace, path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, []string{"fleet"}, cfg.DashboardNames())
}
