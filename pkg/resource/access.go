package resource

import (
	"slices"
	"time"
)

// Grant gives Principal one permission, optionally limited to contexts and
// an expiry. An empty Contexts list means any context.
type Grant struct {
	Principal  string     `json:"principal"`
	Permission Permission `json:"permission"`
	Contexts   []string   `json:"contexts,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

func (g Grant) active(now time.Time) bool {
	return g.ExpiresAt == nil || now.Before(*g.ExpiresAt)
}

func (g Grant) covers(ctx string) bool {
	return len(g.Contexts) == 0 || slices.Contains(g.Contexts, ctx)
}

type AccessControl struct {
	Owner  string  `json:"owner"`
	Grants []Grant `json:"grants,omitempty"`
}

// HasPermission reports whether user may exercise perm in ctx at time now.
// The owner always passes.
func (a AccessControl) HasPermission(user string, perm Permission, ctx string, now time.Time) bool {
	if user != "" && user == a.Owner {
		return true
	}
	for _, g := range a.Grants {
		if g.Principal == user && g.Permission == perm && g.active(now) && g.covers(ctx) {
			return true
		}
	}
	return false
}

func (a AccessControl) clone() AccessControl {
	out := AccessControl{Owner: a.Owner, Grants: make([]Grant, len(a.Grants))}
	for i, g := range a.Grants {
		g.Contexts = slices.Clone(g.Contexts)
		if g.ExpiresAt != nil {
			t := *g.ExpiresAt
			g.ExpiresAt = &t
		}
		out.Grants[i] = g
	}
	return out
}
