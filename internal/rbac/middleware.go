// Package rbac resolves the calling actor from gateway headers and guards
// routes by role.
package rbac

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/odyssey-erp/taxclose/internal/platform/httpx"
	"github.com/odyssey-erp/taxclose/internal/shared"
)

// Headers set by the upstream gateway after authentication.
const (
	HeaderActorID    = "X-Actor-ID"
	HeaderActorRoles = "X-Actor-Roles"
)

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Logger *slog.Logger
}

// ResolveActor stores the actor described by the gateway headers in the
// request context. Requests without an actor id pass through anonymous.
func (m Middleware) ResolveActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderActorID))
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}
		actor := shared.Actor{ID: id, Roles: splitRoles(r.Header.Get(HeaderActorRoles))}
		next.ServeHTTP(w, r.WithContext(shared.ContextWithActor(r.Context(), actor)))
	})
}

// RequireAnyRole ensures the current actor holds at least one of roles.
func (m Middleware) RequireAnyRole(roles ...string) func(http.Handler) http.Handler {
	return m.require("rbac require any", normalizeRoles(roles), hasAnyRole)
}

// RequireAllRoles ensures the current actor holds every role.
func (m Middleware) RequireAllRoles(roles ...string) func(http.Handler) http.Handler {
	return m.require("rbac require all", normalizeRoles(roles), hasAllRoles)
}

func (m Middleware) require(name string, required []string, check func(granted, required []string) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(required) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			actor, ok := shared.ActorFromContext(r.Context())
			if !ok {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor identity required")
				return
			}
			if check(actor.Roles, required) {
				next.ServeHTTP(w, r)
				return
			}
			if m.Logger != nil {
				m.Logger.Warn(name+" denied",
					slog.String("actor", actor.ID),
					slog.String("path", r.URL.Path))
			}
			httpx.Problem(w, http.StatusForbidden, "Forbidden", "role not permitted")
		})
	}
}

func splitRoles(raw string) []string {
	var roles []string
	for _, role := range strings.Split(raw, ",") {
		if role = strings.TrimSpace(role); role != "" {
			roles = append(roles, role)
		}
	}
	return roles
}

func normalizeRoles(roles []string) []string {
	unique := make(map[string]struct{}, len(roles))
	normalized := make([]string, 0, len(roles))
	for _, role := range roles {
		role = strings.TrimSpace(strings.ToLower(role))
		if role == "" {
			continue
		}
		if _, dup := unique[role]; dup {
			continue
		}
		unique[role] = struct{}{}
		normalized = append(normalized, role)
	}
	return normalized
}

func roleSet(granted []string) map[string]struct{} {
	set := make(map[string]struct{}, len(granted))
	for _, role := range granted {
		set[strings.TrimSpace(strings.ToLower(role))] = struct{}{}
	}
	return set
}

func hasAnyRole(granted []string, required []string) bool {
	set := roleSet(granted)
	for _, r := range required {
		if _, ok := set[r]; ok {
			return true
		}
	}
	return false
}

func hasAllRoles(granted []string, required []string) bool {
	set := roleSet(granted)
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}
