// Package retry implements retries of collaborator calls as an explicit
// state machine: each attempt outcome is recorded and the machine decides
// whether to wait and try again, stop with success, or give up.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Policy configures a retry machine.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// Jitter spreads each delay uniformly over [d*(1-Jitter), d*(1+Jitter)].
	Jitter float64
}

// DefaultPolicy returns 3 attempts with exponential backoff and jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
		Jitter:         0.5,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	if p.MaxBackoff > 0 && p.InitialBackoff > p.MaxBackoff {
		p.InitialBackoff = p.MaxBackoff
	}
	return p
}

// State of a retry machine.
type State int

const (
	StateReady State = iota
	StateBackoff
	StateSucceeded
	StateExhausted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateBackoff:
		return "backoff"
	case StateSucceeded:
		return "succeeded"
	case StateExhausted:
		return "exhausted"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Machine tracks the attempts of one logical call. It is not safe for
// concurrent use.
type Machine struct {
	policy   Policy
	state    State
	attempts int
	lastErr  error
	delay    time.Duration
}

// Start returns a machine ready for its first attempt.
func (p Policy) Start() *Machine {
	return &Machine{policy: p.normalized(), state: StateReady}
}

func (m *Machine) State() State         { return m.state }
func (m *Machine) Attempts() int        { return m.attempts }
func (m *Machine) LastError() error     { return m.lastErr }
func (m *Machine) Delay() time.Duration { return m.delay }

// Record feeds the outcome of an attempt and returns the next state. In
// StateBackoff, Delay reports how long to wait before the next attempt.
func (m *Machine) Record(err error) State {
	if m.state != StateReady {
		return m.state
	}
	m.attempts++
	m.lastErr = err
	m.delay = 0

	switch {
	case err == nil:
		m.state = StateSucceeded
	case !IsRetryable(err):
		m.state = StateAborted
	case m.attempts >= m.policy.MaxAttempts:
		m.state = StateExhausted
	default:
		m.state = StateBackoff
		m.delay = m.policy.backoff(m.attempts)
	}
	return m.state
}

// Resume moves a machine out of StateBackoff once the delay has elapsed.
func (m *Machine) Resume() {
	if m.state == StateBackoff {
		m.state = StateReady
	}
}

// Abort stops the machine, typically because the context ended mid-backoff.
func (m *Machine) Abort(err error) {
	m.state = StateAborted
	if err != nil {
		m.lastErr = err
	}
}

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func jitterFactor(j float64) float64 {
	if j == 0 {
		return 1
	}
	rngMu.Lock()
	r := rng.Float64()
	rngMu.Unlock()
	return 1 - j + 2*j*r
}

// backoff returns the delay after the given number of failed attempts.
func (p Policy) backoff(failed int) time.Duration {
	d := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(failed-1))
	d *= jitterFactor(p.Jitter)
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		d = float64(p.MaxBackoff)
	}
	return time.Duration(d)
}

// Do runs op until it succeeds, fails permanently, exhausts the policy or
// ctx ends. It returns the number of attempts made alongside the last error.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) (int, error) {
	m := p.Start()
	for {
		if err := ctx.Err(); err != nil {
			m.Abort(err)
			return m.Attempts(), err
		}
		switch m.Record(op(ctx)) {
		case StateSucceeded:
			return m.Attempts(), nil
		case StateAborted, StateExhausted:
			return m.Attempts(), m.LastError()
		}

		timer := time.NewTimer(m.Delay())
		select {
		case <-ctx.Done():
			timer.Stop()
			m.Abort(ctx.Err())
			return m.Attempts(), m.LastError()
		case <-timer.C:
		}
		m.Resume()
	}
}

// Retryable is implemented by errors that know whether a retry may help.
type Retryable interface {
	Retryable() bool
}

type permanentError struct{ err error }

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Retryable() bool { return false }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable classifies err. Context cancellation and errors declaring
// themselves non-retryable stop the machine; anything else is retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}
