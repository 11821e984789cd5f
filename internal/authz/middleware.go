package authz

import (
	"log/slog"
	"net/http"

	"github.com/vigil-grc/vigil/internal/shared"
)

// SuperAdminRole is the role name granted full access. The bypass is a
// call-site policy: it lives here in the HTTP layer, while the
// evaluator stays role-name-agnostic.
const SuperAdminRole = "Super Admin"

// DecisionRecorder observes allow/deny outcomes, typically backed by
// Prometheus counters.
type DecisionRecorder interface {
	ObserveAuthzDecision(module, action string, allowed bool)
}

// Middleware wires permission gating for HTTP handlers.
type Middleware struct {
	Registry *Registry
	Logger   *slog.Logger
	Metrics  DecisionRecorder
}

// RequirePermission denies the request unless the session's evaluator
// grants action on module, or the identity holds the Super Admin role.
// Requests without a session, or whose evaluator is still loading,
// are denied: gated surfaces stay hidden until the grant is certain.
func (m Middleware) RequirePermission(module Module, action Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := shared.IdentityFromContext(r.Context())
			if !identity.Valid() {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			ev, ok := m.Registry.Lookup(identity.Token)
			if !ok {
				m.deny(w, module, action)
				return
			}
			if ev.HasRole(SuperAdminRole) {
				m.record(module, action, true)
				next.ServeHTTP(w, r)
				return
			}
			if !ev.HasPermission(string(module), string(action)) {
				if m.Logger != nil {
					m.Logger.Info("permission denied",
						slog.String("user_id", identity.UserID),
						slog.String("module", string(module)),
						slog.String("action", string(action)),
						slog.String("phase", ev.Phase().String()))
				}
				m.deny(w, module, action)
				return
			}
			m.record(module, action, true)
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) deny(w http.ResponseWriter, module Module, action Action) {
	m.record(module, action, false)
	http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
}

func (m Middleware) record(module Module, action Action, allowed bool) {
	if m.Metrics != nil {
		m.Metrics.ObserveAuthzDecision(string(module), string(action), allowed)
	}
}
