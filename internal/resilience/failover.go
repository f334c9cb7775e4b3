package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/livevoice/pkg/provider/s2s"
)

// ErrAllFailed is wrapped by the error [Failover.Connect] returns when no
// provider could connect.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FailoverName is the provider name Failover reports in its errors.
const FailoverName = "failover"

// FailoverConfig tunes a [Failover]. Breaker settings apply to every provider.
type FailoverConfig struct {
	Breaker CircuitBreakerConfig
	Logger  *slog.Logger
}

type candidate struct {
	name     string
	provider s2s.Provider
	breaker  *CircuitBreaker
}

// Failover is an [s2s.Provider] that connects through the first healthy
// provider of an ordered list. Each provider has its own [CircuitBreaker], so
// one that keeps rejecting connections is skipped until its breaker lets a
// trial call through.
//
// Sessions are not migrated: a link that fails after Connect returns ends its
// session like any other, and the next Connect starts again from the primary.
type Failover struct {
	cfg FailoverConfig
	log *slog.Logger

	mu         sync.Mutex
	candidates []candidate
	active     string
}

// NewFailover creates a Failover whose primary is provider.
func NewFailover(name string, provider s2s.Provider, cfg FailoverConfig) *Failover {
	f := &Failover{cfg: cfg, log: cfg.Logger}
	if f.log == nil {
		f.log = slog.Default()
	}
	f.candidates = []candidate{f.candidate(name, provider)}
	return f
}

func (f *Failover) candidate(name string, p s2s.Provider) candidate {
	bc := f.cfg.Breaker
	bc.Name = name
	if bc.Logger == nil {
		bc.Logger = f.log
	}
	return candidate{name: name, provider: p, breaker: NewCircuitBreaker(bc)}
}

// Add appends a fallback provider. Its audio rates must match the primary's
// because the devices are opened before the link is chosen.
func (f *Failover) Add(name string, provider s2s.Provider) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := f.candidates[0].provider.Capabilities()
	got := provider.Capabilities()
	if got.InputSampleRate != want.InputSampleRate || got.OutputSampleRate != want.OutputSampleRate {
		return fmt.Errorf("resilience: fallback %s uses %d/%d Hz, primary %s uses %d/%d Hz",
			name, got.InputSampleRate, got.OutputSampleRate,
			f.candidates[0].name, want.InputSampleRate, want.OutputSampleRate)
	}
	f.candidates = append(f.candidates, f.candidate(name, provider))
	return nil
}

// Connect tries each provider in order and returns the first session that
// opens. When none does, the returned [*s2s.LinkError] wraps [ErrAllFailed]
// and every provider's error. Cancellation of ctx stops the walk at once.
func (f *Failover) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	f.mu.Lock()
	cands := append([]candidate(nil), f.candidates...)
	f.mu.Unlock()

	errs := []error{ErrAllFailed}
	for i, c := range cands {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var h s2s.SessionHandle
		err := c.breaker.Execute(func() error {
			var err error
			h, err = c.provider.Connect(ctx, cfg)
			return err
		})
		if err == nil {
			f.setActive(c.name, i)
			return h, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		f.log.Warn("provider connect failed", "provider", c.name, "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
	}
	return nil, &s2s.LinkError{Provider: FailoverName, Op: "connect", Err: errors.Join(errs...)}
}

func (f *Failover) setActive(name string, index int) {
	f.mu.Lock()
	changed := f.active != name
	f.active = name
	f.mu.Unlock()
	if changed && index > 0 {
		f.log.Warn("connected through fallback provider", "provider", name)
	}
}

// Active returns the name of the provider behind the most recent session,
// or "" before the first.
func (f *Failover) Active() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// Capabilities returns the primary provider's capabilities.
func (f *Failover) Capabilities() s2s.Capabilities {
	f.mu.Lock()
	p := f.candidates[0].provider
	f.mu.Unlock()
	return p.Capabilities()
}

// BreakerState returns the breaker state of the named provider.
func (f *Failover) BreakerState(name string) (State, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.candidates {
		if c.name == name {
			return c.breaker.State(), true
		}
	}
	return StateClosed, false
}
