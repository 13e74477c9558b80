package authz

import (
	"errors"
	"testing"

	"github.com/arencloud/hermes-upload/internal/vault"
)

func TestGrants(t *testing.T){
	cases := []struct{
		name      string
		g         Grant
		admin     bool
		bucket7   bool
	}{
		{"zero", Grant{}, false, false},
		{"system", System(), true, true},
		{"global admin", FromCapability(vault.Capability{Scope: vault.ScopeAdmin}), true, true},
		{"bucket admin", FromCapability(vault.Capability{Scope: vault.ScopeAdmin, BucketID: 7}), false, true},
		{"other bucket admin", FromCapability(vault.Capability{Scope: vault.ScopeAdmin, BucketID: 8}), false, false},
		{"uploader", FromCapability(vault.Capability{Scope: vault.ScopeUpload, BucketID: 7}), false, false},
	}
	for _, c := range cases {
		if got := c.g.RequireAdmin() == nil; got != c.admin { t.Fatalf("%s: RequireAdmin ok=%v want %v", c.name, got, c.admin) }
		if got := c.g.RequireBucket(7) == nil; got != c.bucket7 { t.Fatalf("%s: RequireBucket(7) ok=%v want %v", c.name, got, c.bucket7) }
	}
	if err := (Grant{}).RequireAdmin(); !errors.Is(err, ErrForbidden) { t.Fatalf("expected ErrForbidden, got %v", err) }
}
