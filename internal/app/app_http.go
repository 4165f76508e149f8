package app

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"bactdb/internal/logger"
)

// ── Metrics endpoint ───────────────────────────────────────
// Watch mode serves /metrics for Prometheus and /healthz for the
// process supervisor.

// Handler returns the HTTP handler of the metrics endpoint.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.Metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if a.db == nil {
			http.Error(w, "store not open", http.StatusServiceUnavailable)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.db.Ping(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok\n"))
	})
	return mux
}

// ServeMetrics listens on addr until ctx is cancelled. The bound address
// is sent on ready once listening, so ":0" can be used in tests.
func (a *App) ServeMetrics(ctx context.Context, addr string, ready chan<- string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	srv := &http.Server{Handler: a.Handler(), ReadHeaderTimeout: 5 * time.Second}
	log := logger.Component(a.Log, "metrics")
	log.WithField("addr", ln.Addr().String()).Info("serving metrics")
	if ready != nil {
		ready <- ln.Addr().String()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "metrics server")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown metrics server")
		}
		return nil
	}
}
