package security

import "testing"

func TestRBACPolicy(t *testing.T) {
	p := DefaultPolicy()
	if !p.IsAllowed(RoleOperator, ActionTraceLine) {
		t.Fatal("operator should trace")
	}
	if p.IsAllowed(RoleViewer, ActionTraceLine) {
		t.Fatal("viewer should not trace")
	}
	if p.IsAllowed(RoleOperator, ActionStopAll) {
		t.Fatal("only admin should stop all tracers")
	}
}

func TestAuthorizeDefaultsToViewer(t *testing.T) {
	p := DefaultPolicy()
	if !p.Authorize("", ActionInspect) {
		t.Fatal("missing role should still inspect")
	}
	if p.Authorize("root", ActionTraceLine) {
		t.Fatal("unknown role should not trace")
	}
	if !p.Authorize(" Admin ", ActionStopAll) {
		t.Fatal("admin should stop all tracers")
	}
}

func TestParseRole(t *testing.T) {
	if _, err := ParseRole("admin"); err != nil {
		t.Fatalf("parse admin: %v", err)
	}
	if _, err := ParseRole("invalid"); err == nil {
		t.Fatal("expected parse error for invalid role")
	}
}
