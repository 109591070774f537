package security

import (
	"fmt"
	"strings"
)

// Action is an operation on the linetrace HTTP surface.
type Action string

const (
	ActionTraceLine Action = "trace_line"
	ActionInspect   Action = "inspect"
	ActionStopAll   Action = "stop_all"
)

// Role is the caller role presented in the X-Role header.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

func (r Role) String() string {
	return string(r)
}

// Policy maps actions to allowed roles.
type Policy struct {
	allowed map[Action]map[Role]struct{}
}

func DefaultPolicy() Policy {
	return NewPolicy(map[Action][]Role{
		ActionTraceLine: {RoleOperator, RoleAdmin},
		ActionInspect:   {RoleViewer, RoleOperator, RoleAdmin},
		ActionStopAll:   {RoleAdmin},
	})
}

func NewPolicy(allowed map[Action][]Role) Policy {
	out := Policy{allowed: make(map[Action]map[Role]struct{}, len(allowed))}
	for act, roles := range allowed {
		set := make(map[Role]struct{}, len(roles))
		for _, r := range roles {
			set[r] = struct{}{}
		}
		out.allowed[act] = set
	}
	return out
}

func (p Policy) IsAllowed(role Role, action Action) bool {
	set, ok := p.allowed[action]
	if !ok {
		return false
	}
	_, ok = set[role]
	return ok
}

func ParseRole(raw string) (Role, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch Role(s) {
	case RoleViewer, RoleOperator, RoleAdmin:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown role: %q", raw)
	}
}

// RoleHeader carries the caller role on HTTP requests.
const RoleHeader = "X-Role"

// Authorize reports whether the role named in raw may perform action.
// Unknown or missing roles are treated as viewers.
func (p Policy) Authorize(raw string, action Action) bool {
	role, err := ParseRole(raw)
	if err != nil {
		role = RoleViewer
	}
	return p.IsAllowed(role, action)
}
