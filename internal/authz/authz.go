// Package authz carries the explicit authorization a caller holds into every
// mutating registry or accounting operation.
package authz

import (
	"errors"

	"github.com/arencloud/hermes-upload/internal/vault"
)

var ErrForbidden = errors.New("authz: forbidden")

// Grant is built by the transport layer from a verified capability, or by
// the process itself for scheduled work. The zero Grant allows nothing.
type Grant struct {
	Subject string
	admin   bool
	buckets map[uint]struct{}
}

// FromCapability converts a verified capability into a grant.
func FromCapability(c vault.Capability) Grant {
	g := Grant{Subject: c.Subject}
	switch {
	case c.Scope == vault.ScopeAdmin && c.BucketID == 0:
		g.admin = true
	case c.Scope == vault.ScopeAdmin:
		g.buckets = map[uint]struct{}{c.BucketID: {}}
	}
	return g
}

// System is the grant used by in-process jobs such as the usage scheduler.
func System() Grant { return Grant{Subject: "system", admin: true} }

// RequireAdmin fails unless the grant administers every bucket.
func (g Grant) RequireAdmin() error {
	if !g.admin {
		return ErrForbidden
	}
	return nil
}

// RequireBucket fails unless the grant administers bucket id.
func (g Grant) RequireBucket(id uint) error {
	if g.admin {
		return nil
	}
	if _, ok := g.buckets[id]; ok {
		return nil
	}
	return ErrForbidden
}
