// Package trust implements the content-addressed trust cache: whether a
// given (source, fingerprint) pair has already been approved, and for how
// long that approval remains valid.
package trust

import (
	"fmt"
	"time"

	"github.com/execbroker/broker/internal/store"
)

// Decision is the pure result of a trust lookup, independent of how it
// was reached.
type Decision struct {
	Trusted   bool
	Scope     store.TrustScope
	GrantedAt time.Time
	ExpiresAt time.Time
}

// Cache is a facade over the store's trust table. It holds no state of
// its own; every call is a pass-through that translates row shapes into
// the Decision type callers reason about.
type Cache struct {
	store *store.Store
}

// New builds a trust cache backed by s.
func New(s *store.Store) *Cache {
	return &Cache{store: s}
}

// Lookup reports whether (source, fingerprint) is currently trusted.
// An expired grant is treated identically to no grant at all; the
// underlying store deletes it as a side effect of the read.
func (c *Cache) Lookup(source, fingerprint string, now time.Time) (Decision, error) {
	rec, ok, err := c.store.LookupTrust(source, fingerprint, now)
	if err != nil {
		return Decision{}, fmt.Errorf("lookup trust: %w", err)
	}
	if !ok {
		return Decision{Trusted: false}, nil
	}
	return Decision{
		Trusted:   true,
		Scope:     rec.Scope,
		GrantedAt: rec.GrantedAt,
		ExpiresAt: rec.ExpiresAt,
	}, nil
}

// Grant records a trust decision. Scope once is a per-invocation
// decision the caller must honor without ever reaching this method —
// persisting it would silently upgrade a single approval into a
// standing grant.
func (c *Cache) Grant(source, fingerprint string, scope store.TrustScope, now time.Time) error {
	if scope == store.TrustOnce {
		return fmt.Errorf("trust: scope %q must not be persisted, evaluate it inline instead", store.TrustOnce)
	}
	if err := c.store.AddTrust(source, fingerprint, scope, now); err != nil {
		return fmt.Errorf("grant trust: %w", err)
	}
	return nil
}

// Sweep deletes all trust records that have expired as of now, returning
// the count removed. Invoked by the background janitor on its schedule,
// but exposed here so callers never need to know it is store-backed.
func (c *Cache) Sweep(now time.Time) (int, error) {
	removed, err := c.store.SweepExpiredTrust(now)
	if err != nil {
		return 0, fmt.Errorf("sweep expired trust: %w", err)
	}
	return removed, nil
}
