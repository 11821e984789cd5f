package authz

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vigil-grc/vigil/internal/platform/apiclient"
)

func newTestFetcher(t *testing.T, handler http.HandlerFunc) *HTTPFetcher {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := apiclient.NewClient(srv.URL, func() string { return "test-token" })
	return NewHTTPFetcher(client)
}

func TestFetchCoercesStringBooleans(t *testing.T) {
	fetcher := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("missing bearer header, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"user_roles": [],
			"permissions": [
				{"module_name": "Users", "can_delete": "true", "can_create": "True", "can_update": "false", "can_retrieve": 1, "can_comment": null}
			]
		}`))
	})

	snap, err := fetcher.Fetch(context.Background(), "u1", "t1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !snap.Matrix.Allows("users", "delete") {
		t.Fatalf(`string "true" must coerce to a grant`)
	}
	if !snap.Matrix.Allows("users", "create") {
		t.Fatalf(`string "True" must coerce to a grant`)
	}
	if snap.Matrix.Allows("users", "update") || snap.Matrix.Allows("users", "retrieve") || snap.Matrix.Allows("users", "comment") {
		t.Fatalf("non-true values must coerce to deny")
	}
}

func TestFetchNormalizesRoleShapes(t *testing.T) {
	fetcher := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"user_roles": [
				{"role_id": "r1", "roles": {"id": "r1", "role_name": "Super Admin", "is_active": true}},
				{"role_id": "r2", "role_name": "Analyst", "tenant_id": "t1"},
				{"role_id": "r3", "roles": [{"id": "r3", "role_name": "Auditor"}]},
				{"role_id": "r4"},
				{"role_id": "r5", "roles": 42}
			],
			"permissions": []
		}`))
	})

	snap, err := fetcher.Fetch(context.Background(), "u1", "t1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	want := []string{"Super Admin", "Analyst", "Auditor"}
	if len(snap.Roles) != len(want) {
		t.Fatalf("expected %d normalized roles, got %d (%v)", len(want), len(snap.Roles), snap.Roles)
	}
	for i, name := range want {
		if snap.Roles[i].Name != name {
			t.Errorf("role %d: got %q, want %q", i, snap.Roles[i].Name, name)
		}
	}
}

func TestFetchNotFoundIsSoftEmpty(t *testing.T) {
	fetcher := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Not Found", http.StatusNotFound)
	})

	snap, err := fetcher.Fetch(context.Background(), "u1", "")
	if err != nil {
		t.Fatalf("404 must not propagate: %v", err)
	}
	if snap.Roles == nil || snap.Matrix == nil {
		t.Fatalf("soft-empty snapshot must carry non-nil empty roles and matrix")
	}
	if len(snap.Roles) != 0 || len(snap.Matrix) != 0 {
		t.Fatalf("soft-empty snapshot must be empty")
	}
	if snap.Matrix.Allows("anything", "create") {
		t.Fatalf("empty snapshot must deny everything")
	}
}

func TestFetchDefaultsTenant(t *testing.T) {
	var gotTenant string
	fetcher := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		gotTenant = r.URL.Query().Get("tenant_id")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"user_roles": [], "permissions": []}`))
	})

	if _, err := fetcher.Fetch(context.Background(), "u1", ""); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotTenant != DefaultTenantID {
		t.Fatalf("empty tenant must fall back to %s, got %q", DefaultTenantID, gotTenant)
	}
}

func TestFetchServerErrorPropagates(t *testing.T) {
	fetcher := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	if _, err := fetcher.Fetch(context.Background(), "u1", "t1"); err == nil {
		t.Fatalf("5xx must propagate to the caller")
	}
}

func TestFetchErrorFieldIsFailure(t *testing.T) {
	fetcher := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error": "tenant suspended"}`))
	})

	if _, err := fetcher.Fetch(context.Background(), "u1", "t1"); err == nil {
		t.Fatalf("2xx with error field must be treated as failure")
	}
}

func TestFetchErrorFieldNotFoundIsSoftEmpty(t *testing.T) {
	fetcher := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error": "Not Found"}`))
	})

	snap, err := fetcher.Fetch(context.Background(), "u1", "t1")
	if err != nil {
		t.Fatalf("error-field Not Found must be soft-empty: %v", err)
	}
	if len(snap.Roles) != 0 || len(snap.Matrix) != 0 {
		t.Fatalf("expected empty snapshot")
	}
}
