package authz

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/vigil-grc/vigil/internal/shared"
)

// ErrNoIdentity is returned when Refresh is called without a bound
// identity.
var ErrNoIdentity = errors.New("authz: no identity bound")

// Phase tracks the evaluator lifecycle for one identity session.
type Phase int

const (
	// PhaseUninitialized means no identity has been bound, or the
	// session ended. Every check denies.
	PhaseUninitialized Phase = iota
	// PhaseLoading means a snapshot is being resolved. Every check
	// denies so that UI gates hide actions instead of flashing them.
	PhaseLoading
	// PhaseReady means the in-memory matrix answers checks.
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseLoading:
		return "loading"
	case PhaseReady:
		return "ready"
	default:
		return "uninitialized"
	}
}

// Evaluator answers permission and role checks for one identity
// session. It is constructed explicitly with its fetcher and store so
// tests can inject fakes, and it holds no ambient globals.
//
// The evaluator itself is role-name-agnostic: the Super Admin override
// is a policy applied by calling code, not here.
type Evaluator struct {
	fetcher Fetcher
	store   Store
	logger  *slog.Logger
	group   singleflight.Group

	mu       sync.RWMutex
	phase    Phase
	identity shared.Identity
	matrix   PermissionMatrix
	roles    []Role
	// epoch invalidates in-flight fetches: a result only commits if the
	// epoch it was issued under is still current. Start and Clear bump
	// it, so a snapshot fetched for a signed-out identity is discarded
	// silently instead of populating state or cache for the wrong user.
	epoch uint64
}

// NewEvaluator constructs an evaluator. logger may be nil.
func NewEvaluator(fetcher Fetcher, store Store, logger *slog.Logger) *Evaluator {
	return &Evaluator{fetcher: fetcher, store: store, logger: logger}
}

// Start binds an identity and loads its snapshot, preferring the
// durable cache and falling back to a fetch. On fetch failure the
// evaluator stays in the loading phase, denying everything.
func (e *Evaluator) Start(ctx context.Context, identity shared.Identity) error {
	e.mu.Lock()
	e.identity = identity
	e.phase = PhaseLoading
	e.matrix = nil
	e.roles = nil
	e.epoch++
	epoch := e.epoch
	e.mu.Unlock()

	if entry, ok := e.store.Load(ctx); ok {
		e.commit(ctx, epoch, Snapshot{Roles: entry.Roles, Matrix: entry.Matrix}, false)
		return nil
	}
	return e.refresh(ctx, identity, epoch)
}

// Refresh re-fetches unconditionally, bypassing the cache, and
// overwrites both cache and in-memory state. Answers are denied while
// the new snapshot is in flight.
func (e *Evaluator) Refresh(ctx context.Context) error {
	e.mu.Lock()
	if !e.identity.Valid() {
		e.mu.Unlock()
		return ErrNoIdentity
	}
	identity := e.identity
	e.phase = PhaseLoading
	epoch := e.epoch
	e.mu.Unlock()

	return e.refresh(ctx, identity, epoch)
}

// Clear purges the cache and resets in-memory state; the phase returns
// to uninitialized. Called on logout and explicit cache-bust.
func (e *Evaluator) Clear(ctx context.Context) {
	e.mu.Lock()
	e.epoch++
	e.phase = PhaseUninitialized
	e.identity = shared.Identity{}
	e.matrix = nil
	e.roles = nil
	// Purge under the lock: a concurrent commit either finished before
	// we got here (its keys are deleted below) or will fail its epoch
	// check after we release.
	e.store.Clear(ctx)
	e.mu.Unlock()
}

// HasPermission answers whether the bound identity may perform action
// on module. Denies unless the evaluator is ready, the module is
// present in the matrix, and the action belongs to the closed set.
func (e *Evaluator) HasPermission(module, action string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.phase != PhaseReady {
		return false
	}
	return e.matrix.Allows(module, action)
}

// HasRole reports whether the bound identity holds a role whose name
// exactly matches name. Denies unless ready.
func (e *Evaluator) HasRole(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.phase != PhaseReady {
		return false
	}
	for _, role := range e.roles {
		if role.Name == name {
			return true
		}
	}
	return false
}

// Loading reports whether a snapshot resolution is in flight, so UI
// gates can hide actions rather than flash-then-revoke them.
func (e *Evaluator) Loading() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.phase == PhaseLoading
}

// Phase returns the current lifecycle phase.
func (e *Evaluator) Phase() Phase {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.phase
}

// Roles returns a copy of the loaded role assignments.
func (e *Evaluator) Roles() []Role {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Role, len(e.roles))
	copy(out, e.roles)
	return out
}

// Matrix returns a deep copy of the loaded permission matrix.
func (e *Evaluator) Matrix() PermissionMatrix {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.matrix.Clone()
}

// refresh fetches a snapshot and commits it if the epoch is still
// current. Concurrent refreshes for the same evaluator share one fetch.
func (e *Evaluator) refresh(ctx context.Context, identity shared.Identity, epoch uint64) error {
	v, err, _ := e.group.Do("refresh", func() (any, error) {
		snap, err := e.fetcher.Fetch(ctx, identity.UserID, identity.TenantID)
		if err != nil {
			return nil, err
		}
		return snap, nil
	})
	if err != nil {
		// State is left as-is: still loading, still denying. A failed
		// fetch never corrupts the last good snapshot in the cache.
		if e.logger != nil {
			e.logger.Error("permission fetch failed",
				slog.String("user_id", identity.UserID),
				slog.Any("error", err))
		}
		return err
	}
	e.commit(ctx, epoch, v.(Snapshot), true)
	return nil
}

// commit installs a snapshot if epoch is still current, optionally
// persisting it. The save happens under the state lock so that a Clear
// racing with a late fetch cannot interleave between the epoch check
// and the cache write.
func (e *Evaluator) commit(ctx context.Context, epoch uint64, snap Snapshot, persist bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.epoch != epoch {
		// Superseded by logout or a new session; discard silently.
		return
	}
	if snap.Roles == nil {
		snap.Roles = []Role{}
	}
	if snap.Matrix == nil {
		snap.Matrix = PermissionMatrix{}
	}
	e.matrix = snap.Matrix
	e.roles = snap.Roles
	e.phase = PhaseReady
	if persist {
		if err := e.store.Save(ctx, snap.Matrix, snap.Roles); err != nil && e.logger != nil {
			e.logger.Warn("permission cache save failed", slog.Any("error", err))
		}
	}
}
