package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/matheus3301/inbox/internal/config"
	"github.com/matheus3301/inbox/internal/metrics"
	"go.uber.org/zap"
)

// MetricsServer serves /metrics on the configured address.
type MetricsServer struct {
	srv      *http.Server
	listener net.Listener
	logger   *zap.Logger
}

// NewMetricsServer binds cfg.MetricsAddr. It returns nil when no address is
// configured.
func NewMetricsServer(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*MetricsServer, error) {
	if cfg.MetricsAddr == "" {
		return nil, nil
	}
	listener, err := net.Listen("tcp", cfg.MetricsAddr)
	if err != nil {
		return nil, fmt.Errorf("listen metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	return &MetricsServer{
		srv:      &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		listener: listener,
		logger:   logger,
	}, nil
}

// Addr returns the bound address.
func (s *MetricsServer) Addr() string { return s.listener.Addr().String() }

// Start serves requests. Blocks until stopped.
func (s *MetricsServer) Start() error {
	s.logger.Info("metrics server starting", zap.String("addr", s.Addr()))
	return s.srv.Serve(s.listener)
}

// Stop shuts the server down gracefully.
func (s *MetricsServer) Stop(ctx context.Context) {
	s.logger.Info("metrics server stopping")
	_ = s.srv.Shutdown(ctx)
}
