package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/s2s"
)

// Default reconnection parameters.
const (
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Reconnector runs sessions one after another, starting a fresh one after a
// link failure. Configuration and device errors are never retried. With a
// Rearm hook, a session that ends cleanly is followed by a new one once the
// hook returns.
//
// The retry counter and backoff reset whenever a session reaches the Active
// state, so MaxRetries bounds consecutive failures rather than the lifetime
// total.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	newSession  func() (*Session, error)
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	onReconnect func(attempt int)
	rearm       func(ctx context.Context) error
	armFirst    bool
	log         *slog.Logger

	mu       sync.Mutex
	current  *Session
	done     chan struct{}
	stopOnce sync.Once
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// NewSession builds the session for each attempt. It is called once per
	// attempt and must return a session with freshly constructed devices.
	NewSession func() (*Session, error)

	// MaxRetries is the number of consecutive reconnection attempts after a
	// link failure. Zero disables reconnection.
	MaxRetries int

	// Backoff is the initial wait before a retry. Doubles each attempt up to
	// MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on the wait. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// OnReconnect is called before each retry with its 1-based attempt
	// number. May be nil.
	OnReconnect func(attempt int)

	// Rearm, if set, is called after a session ends cleanly and blocks until
	// the next session should start. Its ctx is cancelled by Stop. A non-nil
	// error other than cancellation ends Run with that error. Without Rearm,
	// Run returns after the first clean end.
	Rearm func(ctx context.Context) error

	// ArmFirst calls Rearm before the first session as well.
	ArmFirst bool

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Reconnector{
		newSession:  cfg.NewSession,
		maxRetries:  max(cfg.MaxRetries, 0),
		backoff:     backoff,
		maxBackoff:  maxBackoff,
		onReconnect: cfg.OnReconnect,
		rearm:       cfg.Rearm,
		armFirst:    cfg.ArmFirst && cfg.Rearm != nil,
		log:         log,
		done:        make(chan struct{}),
	}
}

// Run runs sessions until ctx is cancelled, Stop is called, a
// non-retryable error occurs or the retries are exhausted. A clean end
// returns nil unless a Rearm hook starts the next session. Otherwise Run
// returns the last session error.
func (r *Reconnector) Run(ctx context.Context) error {
	currentBackoff := r.backoff
	attempt := 0
	arm := r.armFirst

	for {
		if r.stopped() || ctx.Err() != nil {
			return nil
		}
		if arm {
			r.mu.Lock()
			r.current = nil
			r.mu.Unlock()
			if err := r.waitRearm(ctx); err != nil {
				return err
			}
			if r.stopped() || ctx.Err() != nil {
				return nil
			}
			attempt = 0
			currentBackoff = r.backoff
		}
		arm = false
		sess, err := r.newSession()
		if err != nil {
			return fmt.Errorf("session: build session: %w", err)
		}
		if !r.setCurrent(sess) {
			_ = sess.Shutdown(ctx)
			return nil
		}

		err = sess.Run(ctx)
		if r.stopped() || ctx.Err() != nil {
			return err
		}
		if err == nil {
			if r.rearm == nil {
				return nil
			}
			arm = true
			continue
		}
		if !Retryable(err) {
			return err
		}
		if sess.reachedActive() {
			attempt = 0
			currentBackoff = r.backoff
		}
		attempt++
		if attempt > r.maxRetries {
			if r.maxRetries == 0 {
				return err
			}
			r.log.Error("reconnection failed after max retries", "max_retries", r.maxRetries, "err", err)
			return fmt.Errorf("session: giving up after %d reconnect attempts: %w", r.maxRetries, err)
		}

		r.log.Warn("attempting reconnection",
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"backoff", currentBackoff,
			"err", err,
		)

		select {
		case <-ctx.Done():
			return nil
		case <-r.done:
			return nil
		case <-time.After(currentBackoff):
		}

		currentBackoff *= 2
		if currentBackoff > r.maxBackoff {
			currentBackoff = r.maxBackoff
		}
		if r.onReconnect != nil {
			r.onReconnect(attempt)
		}
	}
}

// waitRearm runs the Rearm hook with a ctx that Stop cancels. Cancellation
// is not an error.
func (r *Reconnector) waitRearm(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	err := r.rearm(ctx)
	if err == nil || ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("session: rearm: %w", err)
}

// Stop halts reconnection and shuts down the current session, waiting for
// it or for ctx. Safe to call multiple times.
func (r *Reconnector) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.done) })

	r.mu.Lock()
	sess := r.current
	r.mu.Unlock()
	if sess != nil {
		return sess.Shutdown(ctx)
	}
	return nil
}

// Current returns the session of the running attempt, or nil before the
// first one and while Rearm is waiting.
func (r *Reconnector) Current() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// setCurrent installs sess unless Stop has been called.
func (r *Reconnector) setCurrent(sess *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped() {
		return false
	}
	r.current = sess
	return true
}

func (r *Reconnector) stopped() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Retryable reports whether a session error is worth a reconnect: link
// failures are, configuration and device failures are not.
func Retryable(err error) bool {
	var (
		ce *audio.ConfigError
		de *audio.DeviceError
		le *s2s.LinkError
	)
	if errors.As(err, &ce) || errors.As(err, &de) {
		return false
	}
	return errors.As(err, &le)
}
