// Package health serves liveness and metrics endpoints.
package health

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"mailbridge/internal/metrics"
	"mailbridge/queue"
)

// StateReporter exposes the consumer lifecycle state.
type StateReporter interface {
	State() queue.State
}

type status struct {
	State string `json:"state"`
}

// Handler answers /healthz with 200 while the consumer is consuming and 503
// otherwise, and /metrics with the Prometheus exposition.
func Handler(reporter StateReporter) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		state := reporter.State()
		code := http.StatusOK
		if state != queue.StateConsuming {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status{State: state.String()})
	})
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// StartHealthServer listens on addr and serves Handler in the background.
func StartHealthServer(addr string, reporter StateReporter, logger *zap.Logger) (*http.Server, net.Listener, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	server := &http.Server{
		Handler:           Handler(reporter),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server stopped", zap.Error(err))
		}
	}()
	logger.Info("health server listening", zap.String("addr", ln.Addr().String()))
	return server, ln, nil
}
