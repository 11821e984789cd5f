package authz

import (
	"context"
	"log/slog"
	"sync"

	"github.com/vigil-grc/vigil/internal/shared"
)

// Registry owns one evaluator per live session: constructed at sign-in,
// disposed at sign-out. Handlers resolve evaluators through the
// registry instead of any ambient global.
type Registry struct {
	newFetcher func(shared.Identity) Fetcher
	newStore   func(shared.Identity) Store
	logger     *slog.Logger

	mu    sync.Mutex
	evals map[string]binding
}

type binding struct {
	identity shared.Identity
	ev       *Evaluator
}

// NewRegistry constructs a registry. newFetcher and newStore build the
// identity-scoped fetcher and durable store backing each evaluator; the
// fetcher must authenticate as that identity, since the permission
// endpoint sits behind the session gate.
func NewRegistry(newFetcher func(shared.Identity) Fetcher, newStore func(shared.Identity) Store, logger *slog.Logger) *Registry {
	return &Registry{
		newFetcher: newFetcher,
		newStore:   newStore,
		logger:     logger,
		evals:      make(map[string]binding),
	}
}

// Bind constructs and starts an evaluator for the identity, keyed by
// its session token. The evaluator is registered even when the initial
// load fails: it then denies everything until a Refresh succeeds, and
// the error is returned for surfacing.
func (r *Registry) Bind(ctx context.Context, identity shared.Identity) (*Evaluator, error) {
	ev := NewEvaluator(r.newFetcher(identity), r.newStore(identity), r.logger)

	r.mu.Lock()
	r.evals[identity.Token] = binding{identity: identity, ev: ev}
	r.mu.Unlock()

	return ev, ev.Start(ctx, identity)
}

// Lookup returns the evaluator bound to a session token.
func (r *Registry) Lookup(token string) (*Evaluator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.evals[token]
	return b.ev, ok
}

// Release clears and drops the evaluator for a session token. Safe to
// call for unknown tokens.
func (r *Registry) Release(ctx context.Context, token string) {
	r.mu.Lock()
	b, ok := r.evals[token]
	delete(r.evals, token)
	r.mu.Unlock()

	if ok {
		b.ev.Clear(ctx)
	}
}

// InvalidateUser drops the durable snapshot for a user+tenant pair and
// refreshes every live session bound to it, so a role change takes
// effect immediately instead of riding out the cache TTL. Refresh
// failures leave those evaluators loading and denying, which is the
// fail-safe side.
func (r *Registry) InvalidateUser(ctx context.Context, userID, tenantID string) {
	r.newStore(shared.Identity{UserID: userID, TenantID: tenantID}).Clear(ctx)

	r.mu.Lock()
	var matched []*Evaluator
	for _, b := range r.evals {
		if b.identity.UserID == userID && b.identity.TenantID == tenantID {
			matched = append(matched, b.ev)
		}
	}
	r.mu.Unlock()

	for _, ev := range matched {
		if err := ev.Refresh(ctx); err != nil && r.logger != nil {
			r.logger.Warn("permission refresh after invalidate failed",
				slog.String("user_id", userID), slog.Any("error", err))
		}
	}
}
