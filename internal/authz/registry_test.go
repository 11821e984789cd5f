package authz

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vigil-grc/vigil/internal/shared"
)

func TestBindAuthenticatesThroughSessionGate(t *testing.T) {
	// The permissions endpoint sits behind the session gate, so the
	// fetcher a cold-cache login uses must present that session's
	// bearer token or the whole sign-in would come up denying.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"user_roles": [{"role_id": "r1", "role_name": "Analyst"}],
			"permissions": [{"module_name": "tasks", "can_retrieve": true}]
		}`))
	}))
	t.Cleanup(srv.Close)

	store := &fakeStore{}
	reg := NewRegistry(HTTPFetcherFactory(srv.URL), func(shared.Identity) Store { return store }, nil)

	ev, err := reg.Bind(context.Background(), testIdentity())
	if err != nil {
		t.Fatalf("cold-cache bind must pass the session gate: %v", err)
	}
	if ev.Phase() != PhaseReady {
		t.Fatalf("expected ready after bind, got %s", ev.Phase())
	}
	if !ev.HasPermission("tasks", "retrieve") {
		t.Fatalf("fetched grant must answer checks")
	}
	if store.saves != 1 {
		t.Fatalf("fetched snapshot must be cached, saves=%d", store.saves)
	}
}

func TestInvalidateUserRefreshesLiveSessions(t *testing.T) {
	fetcher := &fakeFetcher{snap: Snapshot{
		Roles:  []Role{{Name: "Analyst"}},
		Matrix: PermissionMatrix{"tasks": {ActionRetrieve: true}},
	}}
	store := &fakeStore{}
	reg := NewRegistry(fixedFetcher(fetcher), func(shared.Identity) Store { return store }, nil)

	identity := testIdentity()
	ev, err := reg.Bind(context.Background(), identity)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if !ev.HasPermission("tasks", "retrieve") {
		t.Fatalf("initial grant must answer checks")
	}

	// Revoke server-side, then invalidate: the live evaluator must pick
	// up the revocation immediately instead of riding out the TTL.
	fetcher.mu.Lock()
	fetcher.snap = Snapshot{Roles: []Role{{Name: "Analyst"}}, Matrix: PermissionMatrix{}}
	fetcher.mu.Unlock()

	reg.InvalidateUser(context.Background(), identity.UserID, identity.TenantID)

	if ev.HasPermission("tasks", "retrieve") {
		t.Fatalf("revoked grant must deny after invalidation")
	}
	if ev.Phase() != PhaseReady {
		t.Fatalf("successful refresh must end ready, got %s", ev.Phase())
	}
	if store.cleared == 0 {
		t.Fatalf("invalidation must purge the durable snapshot")
	}
	entry, ok := store.Load(context.Background())
	if !ok {
		t.Fatalf("refresh must rewrite the cache after the purge")
	}
	if entry.Matrix.Allows("tasks", "retrieve") {
		t.Fatalf("rewritten cache must carry the revoked matrix")
	}
}

func TestInvalidateUserIgnoresOtherIdentities(t *testing.T) {
	fetcher := &fakeFetcher{snap: Snapshot{Matrix: PermissionMatrix{"tasks": {ActionRetrieve: true}}}}
	store := &fakeStore{}
	reg := NewRegistry(fixedFetcher(fetcher), func(shared.Identity) Store { return store }, nil)

	if _, err := reg.Bind(context.Background(), testIdentity()); err != nil {
		t.Fatalf("bind: %v", err)
	}
	callsBefore := fetcher.calls

	reg.InvalidateUser(context.Background(), "someone-else", "t1")

	if fetcher.calls != callsBefore {
		t.Fatalf("unrelated identity must not trigger a refresh")
	}
}
