package auth

import (
	"context"
	"slices"

	"gama-ovr/core/store"
)

type contextKey string

const SessionContextKey contextKey = "session"

// Principal is the acting user handed to services.
type Principal struct {
	UserID int64
	Email  string
	Roles  []string
}

func (p Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

func PrincipalFromSession(sr *store.SessionRecord) Principal {
	if sr == nil {
		return Principal{}
	}
	return Principal{UserID: sr.UserID, Email: sr.Username, Roles: sr.Roles}
}

func SessionFromContext(ctx context.Context) (*store.SessionRecord, bool) {
	sr, ok := ctx.Value(SessionContextKey).(*store.SessionRecord)
	return sr, ok && sr != nil
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	sr, ok := SessionFromContext(ctx)
	if !ok {
		return Principal{}, false
	}
	return PrincipalFromSession(sr), true
}
