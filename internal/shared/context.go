package shared

import (
	"context"
	"strings"
)

// Actor identifies the caller performing an operation.
type Actor struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles,omitempty"`
}

// SystemActor is used by background jobs.
var SystemActor = Actor{ID: "system", Roles: []string{RoleSystemManager}}

// IsZero reports whether no caller identity is present.
func (a Actor) IsZero() bool {
	return strings.TrimSpace(a.ID) == ""
}

// HasAnyRole reports whether the actor holds one of roles, case-insensitively.
func (a Actor) HasAnyRole(roles ...string) bool {
	for _, held := range a.Roles {
		for _, want := range roles {
			if strings.EqualFold(strings.TrimSpace(held), strings.TrimSpace(want)) {
				return true
			}
		}
	}
	return false
}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok && !actor.IsZero()
}
