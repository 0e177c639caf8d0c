// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"

	"github.com/invowk/vworker/internal/issue"
	"github.com/invowk/vworker/internal/telemetry"
)

const (
	metricsReadTimeout     = 10 * time.Second
	metricsWriteTimeout    = 10 * time.Second
	metricsShutdownTimeout = 2 * time.Second
)

type metricsServer struct {
	srv    *http.Server
	addr   string
	logger *log.Logger
}

// newMetricsRouter serves the Prometheus registry on /metrics and a
// liveness probe on /health.
func newMetricsRouter(m *telemetry.Metrics) *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)
	return router
}

// startMetricsServer binds addr and serves metrics in the background. Bind
// errors are returned before anything runs.
func startMetricsServer(addr string, m *telemetry.Metrics, logger *log.Logger) (*metricsServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, issue.NewErrorContext().
			WithOperation("start metrics server").
			WithResource(addr).
			WithIssue(issue.MetricsListenFailedId).
			WithSuggestion("Pick a free port, or leave --metrics-addr empty to disable metrics").
			Wrap(err).
			BuildError()
	}

	ms := &metricsServer{
		srv: &http.Server{
			Handler:      newMetricsRouter(m),
			ReadTimeout:  metricsReadTimeout,
			WriteTimeout: metricsWriteTimeout,
		},
		addr:   ln.Addr().String(),
		logger: logger,
	}

	go func() {
		logger.Info("metrics server listening", "addr", ms.addr)
		if err := ms.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return ms, nil
}

func (ms *metricsServer) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
	defer cancel()
	if err := ms.srv.Shutdown(ctx); err != nil {
		ms.logger.Warn("metrics server shutdown", "error", err)
	}
}
