// Package breaker gates dispatch per remote host with a failure-rate
// circuit breaker.
//
// One state machine exists per host, held in a registry keyed by host
// identifier so multiple hosts and test doubles coexist without shared
// globals. State is mutated under a single mutex per breaker; every
// dispatcher observes the same breaker for a host.
//
// State machine:
//
//	[closed] --(failure ratio over window exceeds threshold)--> [open]
//	[open]   --(cooldown elapses)--> [half_open]
//	[half_open] --(probe succeeds)--> [closed]
//	[half_open] --(probe fails)--> [open] (fresh cooldown)
//
// While open, dispatch for the host is refused outright; the scheduler
// defers the mutation without charging its attempt count - the breaker,
// not the mutation, owns that failure. Half-open admits exactly one probe
// at a time.
package breaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Status is the breaker state for a host.
type Status string

const (
	StatusClosed   Status = "closed"
	StatusOpen     Status = "open"
	StatusHalfOpen Status = "half_open"
)

// ErrCircuitOpen is returned by Allow while the breaker refuses dispatch.
var ErrCircuitOpen = errors.New("circuit open")

// ErrProbeInflight is returned by Allow while half-open already has its
// single probe out.
var ErrProbeInflight = errors.New("half-open probe already inflight")

// Config holds breaker tuning for one registry.
type Config struct {
	// WindowSize is the number of recent outcomes considered.
	WindowSize int

	// FailureThreshold opens the breaker when failures/window meets or
	// exceeds it (0..1).
	FailureThreshold float64

	// DegradedThreshold replaces FailureThreshold while the connection
	// quality context is degraded, to avoid false-tripping on expected
	// loss. Must be >= FailureThreshold.
	DegradedThreshold float64

	// MinSamples is the minimum number of recorded outcomes before the
	// ratio is evaluated at all.
	MinSamples int

	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
}

// DefaultConfig returns conservative breaker tuning.
func DefaultConfig() Config {
	return Config{
		WindowSize:        20,
		FailureThreshold:  0.5,
		DegradedThreshold: 0.8,
		MinSamples:        5,
		Cooldown:          30 * time.Second,
	}
}

// hostBreaker is the per-host state machine. Guarded by mu; the registry
// hands out the same instance to every caller for a host.
type hostBreaker struct {
	mu sync.Mutex

	host     string
	status   Status
	cooldown time.Duration

	// window is a ring buffer of recent outcomes (true = failure).
	window  []bool
	next    int
	samples int

	openedAt      time.Time
	probeInflight bool
}

// Registry holds one breaker per host.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	clock    func() time.Time
	logger   *slog.Logger
	degraded bool
	hosts    map[string]*hostBreaker
}

// NewRegistry creates a breaker registry with the given config.
// A nil logger defaults to slog.Default().
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:    cfg,
		clock:  time.Now,
		logger: logger,
		hosts:  make(map[string]*hostBreaker),
	}
}

// WithClock overrides the time source (for testing). Returns the registry
// for chaining.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// SetDegraded switches the degraded-network context. A degraded context
// raises the open threshold so expected loss does not trip breakers.
func (r *Registry) SetDegraded(degraded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.degraded = degraded
}

// Status returns the current status for a host. Hosts never seen report
// closed.
func (r *Registry) Status(host string) Status {
	b := r.breakerFor(host)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked(r.clock())
	return b.status
}

// Allow asks whether a dispatch to host may proceed.
//
// Returns nil when dispatch is permitted. While open it returns
// ErrCircuitOpen; while half-open with the probe slot taken it returns
// ErrProbeInflight. A nil return in half-open state claims the single
// probe slot; the caller must follow up with Record.
func (r *Registry) Allow(host string) error {
	b := r.breakerFor(host)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := r.clock()
	b.maybeHalfOpenLocked(now)

	switch b.status {
	case StatusClosed:
		return nil
	case StatusOpen:
		return fmt.Errorf("host %s: %w", host, ErrCircuitOpen)
	case StatusHalfOpen:
		if b.probeInflight {
			return fmt.Errorf("host %s: %w", host, ErrProbeInflight)
		}
		b.probeInflight = true
		return nil
	default:
		return fmt.Errorf("host %s: unknown breaker status %q", host, b.status)
	}
}

// Release returns a claim made by Allow without recording an outcome.
// For dispatches abandoned before any packet left (a local store error):
// the half-open probe slot frees for the next caller and the outcome
// window stays untouched.
func (r *Registry) Release(host string) {
	b := r.breakerFor(host)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInflight = false
}

// Record reports a dispatch outcome for host. ok=false counts as a
// failure. Outcomes recorded while half-open resolve the probe.
func (r *Registry) Record(host string, ok bool) {
	b := r.breakerFor(host)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := r.clock()

	if b.status == StatusHalfOpen {
		b.probeInflight = false
		if ok {
			b.toClosedLocked(r.logger)
		} else {
			b.toOpenLocked(now, r.logger)
		}
		return
	}

	b.window[b.next] = !ok
	b.next = (b.next + 1) % len(b.window)
	if b.samples < len(b.window) {
		b.samples++
	}

	if b.status == StatusClosed && b.samples >= r.cfg.MinSamples {
		if b.failureRatioLocked() >= r.threshold() {
			b.toOpenLocked(now, r.logger)
		}
	}
}

func (r *Registry) threshold() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.degraded {
		return r.cfg.DegradedThreshold
	}
	return r.cfg.FailureThreshold
}

func (r *Registry) breakerFor(host string) *hostBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.hosts[host]
	if !ok {
		b = &hostBreaker{
			host:     host,
			status:   StatusClosed,
			cooldown: r.cfg.Cooldown,
			window:   make([]bool, r.cfg.WindowSize),
		}
		r.hosts[host] = b
	}
	return b
}

func (b *hostBreaker) failureRatioLocked() float64 {
	if b.samples == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < b.samples; i++ {
		if b.window[i] {
			failures++
		}
	}
	return float64(failures) / float64(b.samples)
}

// maybeHalfOpenLocked promotes open to half-open once the cooldown has
// elapsed.
func (b *hostBreaker) maybeHalfOpenLocked(now time.Time) {
	if b.status == StatusOpen && now.Sub(b.openedAt) >= b.cooldown {
		b.status = StatusHalfOpen
		b.probeInflight = false
	}
}

func (b *hostBreaker) toOpenLocked(now time.Time, logger *slog.Logger) {
	b.status = StatusOpen
	b.openedAt = now
	b.probeInflight = false
	logger.Warn("circuit opened", "host", b.host, "failure_ratio", b.failureRatioLocked())
}

func (b *hostBreaker) toClosedLocked(logger *slog.Logger) {
	b.status = StatusClosed
	b.openedAt = time.Time{}
	b.probeInflight = false
	// A fresh window: outcomes from before the outage should not re-trip.
	for i := range b.window {
		b.window[i] = false
	}
	b.samples = 0
	b.next = 0
	logger.Info("circuit closed", "host", b.host)
}
