package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Hara602/duckguard/internal/sysutil"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HTTPServer *http.Server 的生命周期方法，测试时可替换
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// MetricsService 在 /metrics 暴露 prometheus 指标
type MetricsService struct {
	server          HTTPServer
	addr            string
	shutdownTimeout time.Duration
}

func NewMetricsService(addr string) *MetricsService {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return newMetricsService(srv, addr)
}

func newMetricsService(srv HTTPServer, addr string) *MetricsService {
	return &MetricsService{server: srv, addr: addr, shutdownTimeout: 5 * time.Second}
}

func (m *MetricsService) Serve(ctx context.Context) error {
	sysutil.Log.Info("📈 metrics endpoint listening", zap.String("addr", m.addr))
	errCh := make(chan error, 1)
	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("metrics server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
		defer cancel()
		if err := m.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (m *MetricsService) String() string { return "metrics-server" }
