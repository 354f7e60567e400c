package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/taxclose/internal/shared"
)

func actorEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := shared.ActorFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_, _ = w.Write([]byte(actor.ID))
	})
}

func TestResolveActorFromHeaders(t *testing.T) {
	var seen shared.Actor
	handler := Middleware{}.ResolveActor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = shared.ActorFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderActorID, " u-7 ")
	req.Header.Set(HeaderActorRoles, "Tax Manager, ,Accounts User")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	require.Equal(t, "u-7", seen.ID)
	require.Equal(t, []string{"Tax Manager", "Accounts User"}, seen.Roles)
}

func TestRequireAnyRole(t *testing.T) {
	m := Middleware{}
	handler := m.ResolveActor(m.RequireAnyRole(shared.TaxCloseRoles()...)(actorEcho()))

	cases := []struct {
		name   string
		id     string
		roles  string
		status int
	}{
		{"anonymous", "", "", http.StatusUnauthorized},
		{"viewer", "u-1", "Accounts User", http.StatusForbidden},
		{"tax manager", "u-2", "tax manager", http.StatusOK},
		{"mixed", "u-3", "Accounts User,System Manager", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/tax-closings", nil)
			if tc.id != "" {
				req.Header.Set(HeaderActorID, tc.id)
				req.Header.Set(HeaderActorRoles, tc.roles)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestRequireAllRoles(t *testing.T) {
	m := Middleware{}
	handler := m.ResolveActor(m.RequireAllRoles(shared.RoleTaxManager, shared.RoleAccountsManager)(actorEcho()))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(HeaderActorID, "u-1")
	req.Header.Set(HeaderActorRoles, "Tax Manager")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req.Header.Set(HeaderActorRoles, "Tax Manager,Accounts Manager")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "u-1", rec.Body.String())
}

func TestNoRolesRequiredPassesThrough(t *testing.T) {
	rec := httptest.NewRecorder()
	Middleware{}.RequireAnyRole(" ")(actorEcho()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
}
