// Package fabric routes store operations across ordered adapter
// bindings with primary/fallback semantics, and owns the request-body
// caching hook shared by validation and logging.
package fabric

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/stroyka-ai/material-catalog/internal/dberr"
	"github.com/stroyka-ai/material-catalog/internal/observability"
)

// Kind names a logical operation class with its own routing policy.
type Kind string

const (
	KindVectorSearch       Kind = "vector_search"
	KindLexicalSearch      Kind = "lexical_search"
	KindMaterialRead       Kind = "material_read"
	KindMaterialWrite      Kind = "material_write"
	KindReferenceRead      Kind = "reference_read"
	KindReferenceWrite     Kind = "reference_write"
	KindProcessingProgress Kind = "processing_progress"
)

// ErrNoBinding is returned when a kind has no registered adapters.
var ErrNoBinding = errors.New("fabric: no binding for operation kind")

// Binding is one adapter in a kind's ordered route, guarded by its own
// circuit breaker.
type Binding struct {
	Target  string
	Timeout time.Duration

	breaker *gobreaker.CircuitBreaker
}

// NewBinding creates a binding for the named adapter target. The
// breaker trips after five requests with a ≥50% failure ratio, the
// same policy the adapters' upstream pools use.
func NewBinding(target string, timeout time.Duration) *Binding {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Binding{
		Target:  target,
		Timeout: timeout,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        target,
			MaxRequests: 1,
			Interval:    30 * time.Second,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 5 && ratio >= 0.5
			},
			IsSuccessful: func(err error) bool {
				// Only infrastructure failures count against the
				// breaker; a QueryError is the caller's problem.
				return err == nil || !dberr.IsFallthrough(err)
			},
		}),
	}
}

// Open reports whether the binding's breaker is currently open.
func (b *Binding) Open() bool {
	return b.breaker.State() == gobreaker.StateOpen
}

// Op is one attempt of a routed operation against a named target.
type Op func(ctx context.Context, target string) error

// Router holds the ordered bindings per operation kind.
type Router struct {
	mu           sync.RWMutex
	routes       map[Kind][]*Binding
	totalTimeout time.Duration
	readRetries  uint64
	logger       *observability.Logger
}

// NewRouter creates a router. Reads get one retry on transient errors
// per binding; the total deadline bounds the whole route.
func NewRouter(totalTimeout time.Duration, logger *observability.Logger) *Router {
	if totalTimeout <= 0 {
		totalTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = observability.DefaultLogger()
	}
	return &Router{
		routes:       make(map[Kind][]*Binding),
		totalTimeout: totalTimeout,
		readRetries:  1,
		logger:       logger,
	}
}

// Bind registers the ordered bindings for a kind: primary first.
func (r *Router) Bind(kind Kind, bindings ...*Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[kind] = bindings
}

func (r *Router) bindings(kind Kind) []*Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.routes[kind]
}

// attempt runs op against one binding under its breaker and deadline.
func (r *Router) attempt(ctx context.Context, b *Binding, op Op) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		opCtx, cancel := context.WithTimeout(ctx, b.Timeout)
		defer cancel()
		return nil, op(opCtx, b.Target)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: breaker open for %s", dberr.ErrConnection, b.Target)
	}
	return err
}

// fallthroughOnly reports whether the next binding may be tried.
func fallthroughOnly(err error) bool {
	return dberr.IsFallthrough(err)
}

// Read routes a read-only operation: try bindings in order, retrying
// each once on transient errors, falling through only on connection
// and timeout failures. QueryError surfaces immediately.
func (r *Router) Read(ctx context.Context, kind Kind, op Op) error {
	bindings := r.bindings(kind)
	if len(bindings) == 0 {
		return fmt.Errorf("%w: %s", ErrNoBinding, kind)
	}

	ctx, cancel := context.WithTimeout(ctx, r.totalTimeout)
	defer cancel()

	var lastErr error
	for i, b := range bindings {
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(25*time.Millisecond),
			backoff.WithMaxInterval(250*time.Millisecond),
		), r.readRetries), ctx)

		err := backoff.Retry(func() error {
			err := r.attempt(ctx, b, op)
			if err != nil && !dberr.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}, policy)

		if err == nil {
			if i > 0 {
				r.logger.WithContext(ctx).Warn().
					Str("kind", string(kind)).
					Str("target", b.Target).
					Msg("read served by fallback adapter")
			}
			return nil
		}
		if !fallthroughOnly(err) {
			return err
		}
		lastErr = err
		r.logger.WithContext(ctx).Warn().
			Err(err).
			Str("kind", string(kind)).
			Str("target", b.Target).
			Msg("adapter unavailable, falling through")
	}
	return lastErr
}

// Write routes a write. The primary must succeed, or the write is
// replayed on a fallback keyed by its stable id. When the primary may
// have partially applied, the compensation hook undoes it before the
// replay so the write never lands twice.
func (r *Router) Write(ctx context.Context, kind Kind, id uuid.UUID, op Op, compensate Op) error {
	bindings := r.bindings(kind)
	if len(bindings) == 0 {
		return fmt.Errorf("%w: %s", ErrNoBinding, kind)
	}

	ctx, cancel := context.WithTimeout(ctx, r.totalTimeout)
	defer cancel()

	var lastErr error
	for i, b := range bindings {
		err := r.attempt(ctx, b, op)
		if err == nil {
			if i > 0 {
				r.logger.WithContext(ctx).Warn().
					Str("kind", string(kind)).
					Str("target", b.Target).
					Str("id", id.String()).
					Msg("write replayed on fallback adapter")
			}
			return nil
		}
		if !fallthroughOnly(err) {
			return err
		}
		lastErr = err

		// The primary timed out mid-flight: undo whatever landed so
		// the replay on the fallback cannot double-write.
		if compensate != nil && errors.Is(err, dberr.ErrTimeout) {
			compCtx, compCancel := context.WithTimeout(context.WithoutCancel(ctx), b.Timeout)
			if cerr := compensate(compCtx, b.Target); cerr != nil && !errors.Is(cerr, dberr.ErrNotFound) {
				r.logger.WithContext(ctx).Error().
					Err(cerr).
					Str("target", b.Target).
					Str("id", id.String()).
					Msg("write compensation failed")
			}
			compCancel()
		}
	}
	return lastErr
}

// BindingState describes one binding for health reporting.
type BindingState struct {
	Target string `json:"target"`
	State  string `json:"state"`
}

// Health reports breaker state per kind and whether any route is
// currently degraded (serving from a non-primary binding).
func (r *Router) Health() (map[Kind][]BindingState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	degraded := false
	out := make(map[Kind][]BindingState, len(r.routes))
	for kind, bindings := range r.routes {
		states := make([]BindingState, 0, len(bindings))
		for i, b := range bindings {
			st := b.breaker.State().String()
			states = append(states, BindingState{Target: b.Target, State: st})
			if i == 0 && b.breaker.State() != gobreaker.StateClosed {
				degraded = true
			}
		}
		out[kind] = states
	}
	return out, degraded
}
