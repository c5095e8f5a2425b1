// Package vault implements the Secret Vault: an in-memory, write-through
// cache of named secret values backed by the Request Store. Values never
// cross any external surface except as additive environment variables
// handed to a sandboxed child process.
package vault

import (
	"fmt"
	"sync"

	"github.com/execbroker/broker/internal/store"
)

// Vault holds secret values in memory, keyed by name, and mirrors every
// write through to the underlying store so a restart rehydrates the same
// set.
type Vault struct {
	store *store.Store

	mu      sync.RWMutex
	secrets map[string][]byte
}

// New builds an empty vault backed by s. Call Hydrate to load persisted
// secrets before serving reads.
func New(s *store.Store) *Vault {
	return &Vault{
		store:   s,
		secrets: make(map[string][]byte),
	}
}

// Hydrate loads every persisted secret record into memory. Intended to
// run once at process startup.
func (v *Vault) Hydrate() error {
	records, err := v.store.AllSecrets()
	if err != nil {
		return fmt.Errorf("hydrate vault: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	for _, rec := range records {
		v.secrets[rec.Name] = rec.Value
	}
	return nil
}

// Put stores value under name, persisting it before it becomes visible
// to readers so a crash mid-write never leaves the in-memory and durable
// copies disagreeing.
func (v *Vault) Put(name string, value []byte) error {
	if name == "" {
		return fmt.Errorf("vault: secret name must not be empty")
	}
	if err := v.store.PutSecret(name, value); err != nil {
		return fmt.Errorf("persist secret %q: %w", name, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.secrets[name] = value
	return nil
}

// Get returns the value for name and whether it was present. The
// returned slice is the vault's own backing array; callers must not
// mutate it.
func (v *Vault) Get(name string) ([]byte, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	value, ok := v.secrets[name]
	return value, ok
}

// Delete removes name from both the in-memory cache and the store.
func (v *Vault) Delete(name string) error {
	if err := v.store.DeleteSecret(name); err != nil {
		return fmt.Errorf("delete secret %q: %w", name, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.secrets, name)
	return nil
}

// List returns the names of all secrets currently held, never values.
func (v *Vault) List() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	names := make([]string, 0, len(v.secrets))
	for name := range v.secrets {
		names = append(names, name)
	}
	return names
}

// Missing filters wanted down to the names not currently present in the
// vault, in the order given. Used by the approval coordinator to decide
// which secrets still need to be requested from the operator (§4.3).
func (v *Vault) Missing(wanted []string) []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var missing []string
	for _, name := range wanted {
		if _, ok := v.secrets[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}
