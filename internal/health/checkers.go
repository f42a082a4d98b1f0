package health

import (
	"context"
	"time"

	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/circuitbreaker"
)

// Pinger is anything that can be pinged, such as the session store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker reports a dependency unhealthy when its ping fails and
// degraded when the ping is slow.
type PingChecker struct {
	name     string
	target   Pinger
	critical bool
	slow     time.Duration
}

// NewPingChecker returns a check that pings target.
func NewPingChecker(name string, target Pinger, critical bool) *PingChecker {
	return &PingChecker{name: name, target: target, critical: critical, slow: 100 * time.Millisecond}
}

func (p *PingChecker) Name() string     { return p.name }
func (p *PingChecker) IsCritical() bool { return p.critical }

func (p *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	if err := p.target.Ping(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: p.name + " ping failed", Error: err.Error()}
	}
	if time.Since(start) > p.slow {
		return CheckResult{Status: StatusDegraded, Message: p.name + " responding with high latency"}
	}
	return CheckResult{Status: StatusHealthy}
}

// BreakerChecker reports a collaborator degraded while its circuit breaker
// is not closed.
type BreakerChecker struct {
	cb *circuitbreaker.CircuitBreaker
}

func NewBreakerChecker(cb *circuitbreaker.CircuitBreaker) *BreakerChecker {
	return &BreakerChecker{cb: cb}
}

func (b *BreakerChecker) Name() string     { return "breaker:" + b.cb.Name() }
func (b *BreakerChecker) IsCritical() bool { return false }

func (b *BreakerChecker) Check(context.Context) CheckResult {
	switch st := b.cb.State(); st {
	case circuitbreaker.StateClosed:
		return CheckResult{Status: StatusHealthy}
	default:
		return CheckResult{Status: StatusDegraded, Message: "circuit breaker " + st.String()}
	}
}
