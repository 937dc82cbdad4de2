package enforcer

import (
	"errors"
	"time"

	"github.com/Hara602/duckguard/internal/metrics"
	"github.com/Hara602/duckguard/internal/sysutil"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

var errCallFailed = errors.New("enforcement call failed")

// breakerGateway 连续失败 N 次后 Allow 直接短路，等半开再试
// Block 是安全路径，每次都要真正调用后端，不经过熔断器
type breakerGateway struct {
	next Gateway
	cb   *gobreaker.CircuitBreaker[bool]
}

// WithBreaker failures 为 0 时熔断器永不打开，只做指标统计
func WithBreaker(next Gateway, failures uint32, timeout time.Duration) Gateway {
	cb := gobreaker.NewCircuitBreaker[bool](gobreaker.Settings{
		Name:        "enforcer-" + next.Name(),
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return failures > 0 && counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			sysutil.Log.Warn("⚡ enforcement breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &breakerGateway{next: next, cb: cb}
}

func (b *breakerGateway) Name() string { return b.next.Name() }

func (b *breakerGateway) Block(vid, pid string) bool {
	if b.cb.State() == gobreaker.StateOpen {
		sysutil.Log.Warn("enforcement breaker open, attempting block anyway",
			zap.String("vid", vid),
			zap.String("pid", pid))
	}
	ok := b.next.Block(vid, pid)
	metrics.RecordEnforcement(b.next.Name(), "block", ok)
	return ok
}

func (b *breakerGateway) Allow(vid, pid string) bool {
	return b.call("allow", vid, pid, b.next.Allow)
}

func (b *breakerGateway) call(action, vid, pid string, fn func(vid, pid string) bool) bool {
	ok, err := b.cb.Execute(func() (bool, error) {
		if fn(vid, pid) {
			return true, nil
		}
		return false, errCallFailed
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		sysutil.Log.Warn("⛔ enforcement short-circuited",
			zap.String("action", action),
			zap.String("vid", vid),
			zap.String("pid", pid),
			zap.Error(err))
	}
	metrics.RecordEnforcement(b.next.Name(), action, ok)
	return ok
}
