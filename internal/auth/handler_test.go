package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/vigil-grc/vigil/internal/authz"
	"github.com/vigil-grc/vigil/internal/shared"
	_ "github.com/vigil-grc/vigil/testing"
)

type stubRepo struct {
	users map[string]*User
}

func (s *stubRepo) FindByEmail(_ context.Context, email string) (*User, error) {
	user, ok := s.users[email]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return user, nil
}

type stubFetcher struct {
	snapshot authz.Snapshot
}

func (s *stubFetcher) Fetch(context.Context, string, string) (authz.Snapshot, error) {
	return s.snapshot, nil
}

type authFixture struct {
	handler  *Handler
	sessions *shared.SessionManager
	registry *authz.Registry
	router   chi.Router
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := shared.NewSessionManager(client, time.Hour)

	fetcher := &stubFetcher{snapshot: authz.Snapshot{
		Roles: []authz.Role{{Name: "Analyst"}},
		Matrix: authz.PermissionMatrix{
			"tasks": {authz.ActionRetrieve: true},
		},
	}}
	registry := authz.NewRegistry(
		func(shared.Identity) authz.Fetcher { return fetcher },
		authz.StoreFactory(client, logger),
		logger,
	)

	hash, err := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.MinCost)
	require.NoError(t, err)
	repo := &stubRepo{users: map[string]*User{
		"analyst@vigil.test": {
			ID:           "u1",
			TenantID:     authz.DefaultTenantID,
			Email:        "analyst@vigil.test",
			FullName:     "Ana Lyst",
			PasswordHash: string(hash),
			IsActive:     true,
		},
		"disabled@vigil.test": {
			ID:           "u2",
			TenantID:     authz.DefaultTenantID,
			Email:        "disabled@vigil.test",
			PasswordHash: string(hash),
			IsActive:     false,
		},
	}}

	handler := NewHandler(logger, NewService(repo), sessions, registry)
	router := chi.NewRouter()
	handler.MountRoutes(router)
	return &authFixture{handler: handler, sessions: sessions, registry: registry, router: router}
}

func postJSON(t *testing.T, router chi.Router, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestLoginIssuesSessionAndEvaluator(t *testing.T) {
	fx := newAuthFixture(t)

	rec := postJSON(t, fx.router, "/login", map[string]string{
		"email":    "analyst@vigil.test",
		"password": "correct-horse",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp loginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	assert.Equal(t, "u1", resp.User.ID)
	assert.Equal(t, authz.DefaultTenantID, resp.User.TenantID)

	identity, err := fx.sessions.Load(context.Background(), resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "u1", identity.UserID)

	ev, ok := fx.registry.Lookup(resp.Token)
	require.True(t, ok)
	assert.True(t, ev.HasPermission("tasks", "retrieve"))
	assert.False(t, ev.HasPermission("tasks", "delete"))
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	fx := newAuthFixture(t)

	cases := []map[string]string{
		{"email": "analyst@vigil.test", "password": "wrong-password"},
		{"email": "nobody@vigil.test", "password": "correct-horse"},
		{"email": "disabled@vigil.test", "password": "correct-horse"},
	}
	for _, body := range cases {
		rec := postJSON(t, fx.router, "/login", body, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "body %v", body)
	}
}

func TestLoginValidatesPayload(t *testing.T) {
	fx := newAuthFixture(t)

	rec := postJSON(t, fx.router, "/login", map[string]string{
		"email":    "not-an-email",
		"password": "correct-horse",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, fx.router, "/login", map[string]string{
		"email":    "analyst@vigil.test",
		"password": "short",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogoutDestroysSessionAndEvaluator(t *testing.T) {
	fx := newAuthFixture(t)

	rec := postJSON(t, fx.router, "/login", map[string]string{
		"email":    "analyst@vigil.test",
		"password": "correct-horse",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp loginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	rec = postJSON(t, fx.router, "/logout", map[string]string{}, map[string]string{
		"Authorization": "Bearer " + resp.Token,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := fx.sessions.Load(context.Background(), resp.Token)
	assert.ErrorIs(t, err, shared.ErrUnauthorized)
	_, ok := fx.registry.Lookup(resp.Token)
	assert.False(t, ok)
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, BearerToken(req))

	req.Header.Set("Authorization", "Bearer abc123")
	assert.Equal(t, "abc123", BearerToken(req))

	req.Header.Set("Authorization", "bearer abc123")
	assert.Equal(t, "abc123", BearerToken(req))

	req.Header.Set("Authorization", "Basic abc123")
	assert.Empty(t, BearerToken(req))
}
