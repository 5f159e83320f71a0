// Package policy is the single place where admission rules live. No other
// component consults the AuthContext directly to admit or reject.
package policy

import (
	"strconv"

	"github.com/skyfleet/gateway/config"
	"github.com/skyfleet/gateway/internal/auth"
)

// Requirement is the compiled form of a route's policy.
type Requirement struct {
	Kind           string
	Permissions    []string
	Roles          []string
	OwnershipParam string
}

// Compile converts a declarative policy into a Requirement.
func Compile(cfg config.PolicyConfig) Requirement {
	kind := cfg.Require
	if kind == "" {
		kind = config.RequireNone
	}
	return Requirement{
		Kind:           kind,
		Permissions:    cfg.Permissions,
		Roles:          cfg.Roles,
		OwnershipParam: cfg.OwnershipParam,
	}
}

// Decision is the outcome of an evaluation.
type Decision struct {
	Allowed bool
	Reason  string
}

var allowed = Decision{Allowed: true}

func denied(reason string) Decision {
	return Decision{Reason: reason}
}

// Evaluate is a pure function of (AuthContext, Requirement, path params).
// ac is nil for anonymous requests. params carries URL parameters bound on
// the matched route (used by ownership requirements).
func Evaluate(ac *auth.AuthContext, req Requirement, params map[string]string) Decision {
	switch req.Kind {
	case config.RequireNone:
		return allowed

	case config.RequireAuthenticated:
		if ac == nil {
			return denied("authentication required")
		}
		return allowed

	case config.RequirePermissions:
		if ac == nil {
			return denied("authentication required")
		}
		for _, p := range req.Permissions {
			if !ac.HasPermission(p) {
				return denied("missing permission " + p)
			}
		}
		return allowed

	case config.RequireRoles:
		if ac == nil {
			return denied("authentication required")
		}
		if ac.IsAdmin() {
			return allowed
		}
		for _, r := range req.Roles {
			if ac.HasRole(r) {
				return allowed
			}
		}
		return denied("no qualifying role")

	case config.RequireOwnership:
		if ac == nil {
			return denied("authentication required")
		}
		if ac.IsAdmin() {
			return allowed
		}
		raw, ok := params[req.OwnershipParam]
		if !ok {
			return denied("ownership parameter not bound")
		}
		ownerID, err := strconv.Atoi(raw)
		if err != nil {
			return denied("ownership parameter is not an integer")
		}
		subjectID, err := strconv.Atoi(ac.SubjectID)
		if err != nil || subjectID != ownerID {
			return denied("subject does not own the resource")
		}
		return allowed
	}

	// Unknown requirement kinds fail closed.
	return denied("unknown requirement")
}
