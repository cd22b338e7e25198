// Package tier resolves a caller's access tier and evaluates feature gates
// against a hot-reloadable gate document.
package tier

import (
	"strings"
)

// Tier is an ordered access level. Higher values see more.
type Tier int

const (
	Observer Tier = iota
	Activator
	Navigator
	Administrator
	// Override is the operational bypass tier.
	Override
)

var names = [...]string{"observer", "activator", "navigator", "administrator", "override"}

// aliases are matched as case-insensitive substrings, highest tier first.
var aliases = []struct {
	tier  Tier
	names []string
}{
	{Override, []string{"override", "bypass"}},
	{Administrator, []string{"administrator", "admin"}},
	{Navigator, []string{"navigator"}},
	{Activator, []string{"activator"}},
	{Observer, []string{"observer"}},
}

func (t Tier) String() string {
	if t < Observer || t > Override {
		return "unknown"
	}
	return names[t]
}

func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// Parse matches raw against the canonical tier names.
func Parse(raw string) (Tier, bool) {
	lower := strings.ToLower(strings.TrimSpace(raw))
	if lower == "" {
		return Observer, false
	}
	for _, a := range aliases {
		for _, n := range a.names {
			if strings.Contains(lower, n) {
				return a.tier, true
			}
		}
	}
	return Observer, false
}

// Claim is what the identity provider told us about a caller's tier.
// It is either ExplicitTier or InferredFromRoles.
type Claim interface {
	claim()
}

type ExplicitTier struct {
	Tier Tier
}

type InferredFromRoles struct {
	Roles []string
}

func (ExplicitTier) claim()      {}
func (InferredFromRoles) claim() {}

// ClaimFrom builds the variant: a recognizable explicit claim wins, anything
// else falls back to role inference.
func ClaimFrom(explicit string, roles []string) Claim {
	if t, ok := Parse(explicit); ok {
		return ExplicitTier{Tier: t}
	}
	return InferredFromRoles{Roles: roles}
}

// Resolver turns claims into tiers. GenericRole is the role every signed-in
// user carries upstream; on its own it never lifts a caller above Observer.
type Resolver struct {
	GenericRole string
}

func (r Resolver) Resolve(c Claim) Tier {
	switch c := c.(type) {
	case ExplicitTier:
		return c.Tier
	case InferredFromRoles:
		best := Observer
		for _, role := range c.Roles {
			role = strings.TrimSpace(role)
			if role == "" || (r.GenericRole != "" && strings.EqualFold(role, r.GenericRole)) {
				continue
			}
			if t, ok := Parse(role); ok && t > best {
				best = t
			}
		}
		return best
	default:
		return Observer
	}
}

// ResolveTier is the one-call form used by request handlers.
func (r Resolver) ResolveTier(roles []string, explicit string) Tier {
	return r.Resolve(ClaimFrom(explicit, roles))
}
