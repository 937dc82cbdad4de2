// Package supervisor 用 suture 托管监控循环和 metrics 服务，崩溃后自动重启
package supervisor

import (
	"time"

	"github.com/Hara602/duckguard/internal/sysutil"
	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
)

type Options struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

func New(name string, opts Options) *suture.Supervisor {
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.FailureDecay == 0 {
		opts.FailureDecay = 30
	}
	if opts.FailureBackoff == 0 {
		opts.FailureBackoff = 15 * time.Second
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return suture.New(name, suture.Spec{
		EventHook:        logEvent,
		FailureThreshold: opts.FailureThreshold,
		FailureDecay:     opts.FailureDecay,
		FailureBackoff:   opts.FailureBackoff,
		Timeout:          opts.ShutdownTimeout,
	})
}

// logEvent 服务失败、退避、停止超时都写到 zap
func logEvent(e suture.Event) {
	switch e.Type() {
	case suture.EventTypeServicePanic, suture.EventTypeServiceTerminate:
		sysutil.Log.Error("💥 supervised service failed", zap.String("event", e.String()))
	case suture.EventTypeBackoff:
		sysutil.Log.Warn("⏸ supervisor backing off", zap.String("event", e.String()))
	default:
		sysutil.Log.Info("supervisor event", zap.String("event", e.String()))
	}
}
