package identity

import (
	"errors"
	"testing"
)

func testConfig() Config {
	return Config{
		Mode: ModeAPIKey,
		Credentials: []Credential{
			{Key: "admin-key", ID: "ops-admin", Roles: []Role{RoleAdmin}},
			{Key: "agent-key", ID: "strategy-agent", Roles: []Role{RoleAgent}},
			{Key: "mixed-key", ID: "ops-lead", Roles: []Role{RoleAdmin, RoleSigner}},
		},
	}
}

func TestRegistryValidation(t *testing.T) {
	if _, err := NewRegistry(Config{Mode: ModeAPIKey}); err == nil {
		t.Fatalf("apikey mode without credentials must fail")
	}
	if _, err := NewRegistry(Config{Mode: Mode("oauth")}); err == nil {
		t.Fatalf("unknown mode must fail")
	}
	if _, err := NewRegistry(Config{
		Mode: ModeAPIKey,
		Credentials: []Credential{
			{Key: "dup", ID: "a"},
			{Key: "dup", ID: "b"},
		},
	}); err == nil {
		t.Fatalf("duplicate keys must fail")
	}
}

func TestAuthenticate(t *testing.T) {
	registry, err := NewRegistry(testConfig())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	subject, err := registry.Authenticate("admin-key")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.ID != "ops-admin" {
		t.Fatalf("unexpected subject: %s", subject.ID)
	}

	if _, err := registry.Authenticate(""); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("expected missing key, got %v", err)
	}
	if _, err := registry.Authenticate("wrong"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected invalid key, got %v", err)
	}
}

func TestAuthorizeRequiresAnyRole(t *testing.T) {
	registry, err := NewRegistry(testConfig())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	subject, err := registry.Authenticate("mixed-key")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	if err := subject.Authorize(RoleSigner); err != nil {
		t.Fatalf("signer role should pass: %v", err)
	}
	if err := subject.Authorize(RoleAgent, RoleAdmin); err != nil {
		t.Fatalf("any-of semantics should pass: %v", err)
	}
	if err := subject.Authorize(RoleAgent); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if err := subject.Authorize(); err != nil {
		t.Fatalf("empty role list should pass: %v", err)
	}
}

func TestRevoke(t *testing.T) {
	registry, err := NewRegistry(testConfig())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	if n := registry.Revoke("strategy-agent"); n != 1 {
		t.Fatalf("expected 1 revoked credential, got %d", n)
	}
	if _, err := registry.Authenticate("agent-key"); !errors.Is(err, ErrSubjectRevoked) {
		t.Fatalf("expected revoked subject, got %v", err)
	}
	// 重复吊销不再计数。
	if n := registry.Revoke("strategy-agent"); n != 0 {
		t.Fatalf("expected 0, got %d", n)
	}
}
