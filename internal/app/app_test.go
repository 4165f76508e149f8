package app_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bactdb/internal/app"
	"bactdb/internal/config"
	"bactdb/internal/demo"
	"bactdb/internal/logger"
	"bactdb/internal/service"
)

func writeConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	path := filepath.Join(dir, "bactdb.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[database]
path = "store/bact.db"

[ingest]
timezone = "UTC"

[location.mapping]
"庆春" = "庆春院区"
"之江" = "之江院区"
"城站" = "城站院区"
"余杭" = "余杭院区"
"下沙" = "下沙院区"
`), 0o644))
	cfg, err := config.Load(path, nil)
	require.NoError(t, err)
	return cfg
}

func TestApp_IngestAndServeMetrics(t *testing.T) {
	dir := t.TempDir()
	a := app.New(writeConfig(t, dir), logger.Discard())
	ctx := context.Background()
	require.NoError(t, a.Startup(ctx))
	t.Cleanup(func() { a.Shutdown(ctx) })
	assert.Nil(t, a.LIS())

	export := filepath.Join(dir, "demo.csv")
	require.NoError(t, demo.Generate(demo.DefaultOptions()).Write(export))

	res, err := a.Ingest().IngestFile(ctx, export, service.RunOptions{})
	require.NoError(t, err)
	assert.Zero(t, res.Run.UnmappedRows, "every demo campus is mapped")
	assert.Equal(t, filepath.Join(dir, "store", "bact.db"), a.DB().Path())

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `bactdb_ingest_runs_total{status="committed"} 1`)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestApp_ServeMetricsStopsOnCancel(t *testing.T) {
	a := app.New(writeConfig(t, t.TempDir()), logger.Discard())
	require.NoError(t, a.Startup(context.Background()))
	defer a.Shutdown(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- a.ServeMetrics(ctx, "127.0.0.1:0", ready) }()

	addr := <-ready
	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}

func TestApp_StartupRejectsMissingMappingFile(t *testing.T) {
	cfg := writeConfig(t, t.TempDir())
	cfg.Location.MappingFile = filepath.Join(t.TempDir(), "missing.toml")
	err := app.New(cfg, logger.Discard()).Startup(context.Background())
	assert.Error(t, err)
}
