// control/monitor.go
// Author: momentics <momentics@gmail.com>

package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Monitor serves /metrics, /debug/state and /healthz.
type Monitor struct {
	srv    *http.Server
	ln     net.Listener
	logger *zap.Logger
}

// NewMonitor binds addr. The listener is opened here so that a busy port
// fails startup rather than the serving goroutine.
func NewMonitor(addr string, metrics *MetricsRegistry, hooks *DebugHooks, logger *zap.Logger) (*Monitor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("monitor: listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/debug/state", hooks)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return &Monitor{
		srv:    &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		ln:     ln,
		logger: logger,
	}, nil
}

// Addr returns the bound address.
func (m *Monitor) Addr() net.Addr { return m.ln.Addr() }

// Run serves until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- m.srv.Serve(m.ln) }()
	m.logger.Info("monitor listening", zap.Stringer("addr", m.ln.Addr()))

	select {
	case err := <-errc:
		return fmt.Errorf("monitor: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("monitor: shutdown: %w", err)
	}
	return nil
}
