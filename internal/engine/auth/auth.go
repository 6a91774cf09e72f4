package auth

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// ForbiddenError indicates a missing capability.
type ForbiddenError struct {
	Capability string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("capability %s required", e.Capability)
}

// CapabilityStore reads role capability rows. repo.Repo satisfies it.
type CapabilityStore interface {
	CapabilitiesForRoles(ctx context.Context, tx *sql.Tx, tenantID string, roles []string) ([]string, error)
}

// Service resolves a caller's roles into an effective capability set.
type Service struct {
	Store CapabilityStore
}

// Resolve returns the union of capabilities held by the roles within the tenant. The
// lookup runs inside tx when one is given so gating reads the same snapshot as the write.
func (s Service) Resolve(ctx context.Context, tx *sql.Tx, tenantID string, roles []string) (CapabilitySet, error) {
	if s.Store == nil || len(roles) == 0 {
		return CapabilitySet{}, nil
	}
	caps, err := s.Store.CapabilitiesForRoles(ctx, tx, tenantID, roles)
	if err != nil {
		return nil, err
	}
	return NewCapabilitySet(caps...), nil
}

// Require resolves the roles and fails with ForbiddenError unless capability is held.
func (s Service) Require(ctx context.Context, tx *sql.Tx, tenantID string, roles []string, capability string) error {
	set, err := s.Resolve(ctx, tx, tenantID, roles)
	if err != nil {
		return err
	}
	if !set.Has(capability) {
		return ForbiddenError{Capability: capability}
	}
	return nil
}

// CapabilitySet is a resolved set of capability strings.
type CapabilitySet map[string]struct{}

func NewCapabilitySet(caps ...string) CapabilitySet {
	set := make(CapabilitySet, len(caps))
	for _, c := range caps {
		c = strings.TrimSpace(c)
		if c != "" {
			set[c] = struct{}{}
		}
	}
	return set
}

// Has reports whether the set grants capability, exactly or through a trailing
// namespace wildcard ("job:*" grants "job:create"). A bare "*" grants nothing.
func (s CapabilitySet) Has(capability string) bool {
	if capability == "" {
		return false
	}
	if _, ok := s[capability]; ok {
		return true
	}
	ns, _, found := strings.Cut(capability, ":")
	if !found || ns == "" {
		return false
	}
	_, ok := s[ns+":*"]
	return ok
}

// List returns the capabilities sorted.
func (s CapabilitySet) List() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
