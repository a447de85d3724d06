package session

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/table-sync/internal/types"
	"github.com/example/table-sync/internal/wire"
)

// DefaultRetryInterval is roughly one engine tick.
const DefaultRetryInterval = time.Second / 30

// warnEvery controls how often a still-pending registration is surfaced at
// warn level.
const warnEvery = 300

// IdentityResolver reports the local observer identity, which may still be
// unassigned, and whether the observer only spectates.
type IdentityResolver interface {
	ObserverID() types.ObserverID
	Spectator() bool
}

// Announcer delivers the registration handshake to the owner.
type Announcer interface {
	Announce(ctx context.Context, msg wire.Message) error
}

// AnnounceFunc adapts an ordinary function to Announcer.
type AnnounceFunc func(ctx context.Context, msg wire.Message) error

// Announce implements Announcer.
func (f AnnounceFunc) Announce(ctx context.Context, msg wire.Message) error { return f(ctx, msg) }

// Identity is a concurrency-safe holder for an identity that is resolved
// after startup.
type Identity struct {
	id        atomic.Int64
	spectator atomic.Bool
}

// NewIdentity returns an unassigned identity.
func NewIdentity() *Identity {
	i := &Identity{}
	i.id.Store(int64(types.UnassignedObserver))
	return i
}

// Set records the resolved identity.
func (i *Identity) Set(id types.ObserverID) { i.id.Store(int64(id)) }

// SetSpectator marks the observer as non-participating.
func (i *Identity) SetSpectator(v bool) { i.spectator.Store(v) }

// ObserverID implements IdentityResolver.
func (i *Identity) ObserverID() types.ObserverID { return types.ObserverID(i.id.Load()) }

// Spectator implements IdentityResolver.
func (i *Identity) Spectator() bool { return i.spectator.Load() }

// Registrar performs the observer registration handshake.
type Registrar struct {
	resolver  IdentityResolver
	announcer Announcer
	interval  time.Duration
	logger    zerolog.Logger
}

// Option configures a Registrar.
type Option func(*Registrar)

// WithRetryInterval overrides DefaultRetryInterval.
func WithRetryInterval(d time.Duration) Option {
	return func(r *Registrar) {
		if d > 0 {
			r.interval = d
		}
	}
}

// NewRegistrar constructs a Registrar.
func NewRegistrar(resolver IdentityResolver, announcer Announcer, logger zerolog.Logger, opts ...Option) *Registrar {
	r := &Registrar{
		resolver:  resolver,
		announcer: announcer,
		interval:  DefaultRetryInterval,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterObserver waits until the identity is resolved, or the observer is
// a spectator, and then sends a single ObserverConnected announcement. There
// is no retry limit; only ctx ends the wait.
func (r *Registrar) RegisterObserver(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	attempts := 0
	for {
		id := r.resolver.ObserverID()
		if id.Assigned() || r.resolver.Spectator() {
			if err := r.announcer.Announce(ctx, wire.ObserverConnected(id)); err != nil {
				return fmt.Errorf("announce observer %s: %w", id, err)
			}
			r.logger.Info().Str("observer", id.String()).Int("attempts", attempts).Msg("observer registered")
			return nil
		}

		attempts++
		if attempts%warnEvery == 0 {
			r.logger.Warn().Int("attempts", attempts).Msg("observer identity still unassigned")
		} else {
			r.logger.Debug().Int("attempts", attempts).Msg("observer identity unassigned; retrying")
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
