package store

import (
	"testing"
	"time"
)

func TestCreateAndGet(t *testing.T) {
	s := New(t.TempDir())

	req := Request{ID: NewRequestID(), SkillID: "echo", Fingerprint: "abc123"}
	if err := s.Create(req); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	got, err := s.Get(req.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("expected status %q, got %q", StatusPending, got.Status)
	}
	if got.SkillID != "echo" {
		t.Fatalf("unexpected skill_id: %q", got.SkillID)
	}
}

func TestCreateRejectsDuplicate(t *testing.T) {
	s := New(t.TempDir())
	req := Request{ID: NewRequestID()}
	if err := s.Create(req); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if err := s.Create(req); err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestTransitionCompareAndSet(t *testing.T) {
	workspace := t.TempDir()
	s := New(workspace)
	req := Request{ID: NewRequestID()}
	if err := s.Create(req); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	approved, err := s.Transition(req.ID, StatusPending, StatusApproved, now)
	if err != nil {
		t.Fatalf("Transition error: %v", err)
	}
	if approved.Status != StatusApproved {
		t.Fatalf("expected status %q, got %q", StatusApproved, approved.Status)
	}
	if approved.ApprovedAt != now {
		t.Fatalf("unexpected approved_at: %s", approved.ApprovedAt)
	}

	// A second approval on the same row must fail: the row is no longer
	// in state pending, so the compare-and-set rejects it. This is the
	// mechanism that guarantees at-most-one-approval under a double
	// button click.
	if _, err := s.Transition(req.ID, StatusPending, StatusApproved, now); err != ErrTransitionRejected {
		t.Fatalf("expected ErrTransitionRejected on second approval, got %v", err)
	}

	reloaded := New(workspace)
	got, err := reloaded.Get(req.ID)
	if err != nil {
		t.Fatalf("Get after reload error: %v", err)
	}
	if got.Status != StatusApproved {
		t.Fatalf("expected persisted status %q, got %q", StatusApproved, got.Status)
	}
}

func TestTransitionMissingRequest(t *testing.T) {
	s := New(t.TempDir())
	if _, err := s.Transition("nope", StatusPending, StatusApproved, time.Now()); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetResultRejectsAlreadyTerminal(t *testing.T) {
	s := New(t.TempDir())
	req := Request{ID: NewRequestID(), Status: StatusFailed}
	if err := s.Create(req); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	_, err := s.SetResult(req.ID, StatusCompleted, Result{Success: true}, time.Now())
	if err != ErrTransitionRejected {
		t.Fatalf("expected ErrTransitionRejected, got %v", err)
	}
}

func TestAddTrustRejectsOnceScope(t *testing.T) {
	s := New(t.TempDir())
	if err := s.AddTrust("skill://echo", "abc123", TrustOnce, time.Now()); err == nil {
		t.Fatal("expected error persisting once-scoped trust")
	}
}

func TestLookupTrustExpiryOnRead(t *testing.T) {
	s := New(t.TempDir())
	granted := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	if err := s.AddTrust("skill://echo", "abc123", Trust24h, granted); err != nil {
		t.Fatalf("AddTrust error: %v", err)
	}

	stillValid := granted.Add(23 * time.Hour)
	rec, ok, err := s.LookupTrust("skill://echo", "abc123", stillValid)
	if err != nil {
		t.Fatalf("LookupTrust error: %v", err)
	}
	if !ok {
		t.Fatal("expected trust to still be valid")
	}
	if rec.Scope != Trust24h {
		t.Fatalf("unexpected scope: %q", rec.Scope)
	}

	afterExpiry := granted.Add(25 * time.Hour)
	_, ok, err = s.LookupTrust("skill://echo", "abc123", afterExpiry)
	if err != nil {
		t.Fatalf("LookupTrust error: %v", err)
	}
	if ok {
		t.Fatal("expected trust to have expired")
	}

	// The expired row must have been deleted as a side effect of the
	// lookup, not merely masked; a sweep afterwards should find nothing
	// left to expire.
	if err := s.AddTrust("skill://other", "def456", TrustForever, afterExpiry); err != nil {
		t.Fatalf("AddTrust error: %v", err)
	}
	removed, err := s.SweepExpiredTrust(afterExpiry)
	if err != nil {
		t.Fatalf("SweepExpiredTrust error: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected 0 remaining expired records after lazy expiry, got %d", removed)
	}
}

func TestAddTrustForeverNeverExpires(t *testing.T) {
	s := New(t.TempDir())
	granted := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := s.AddTrust("skill://echo", "abc123", TrustForever, granted); err != nil {
		t.Fatalf("AddTrust error: %v", err)
	}

	farFuture := granted.AddDate(10, 0, 0)
	_, ok, err := s.LookupTrust("skill://echo", "abc123", farFuture)
	if err != nil {
		t.Fatalf("LookupTrust error: %v", err)
	}
	if !ok {
		t.Fatal("expected forever-scoped trust to remain valid")
	}
}

func TestSweepExpiredTrustRemovesOnlyExpired(t *testing.T) {
	s := New(t.TempDir())
	granted := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := s.AddTrust("skill://a", "fp-a", Trust24h, granted); err != nil {
		t.Fatalf("AddTrust error: %v", err)
	}
	if err := s.AddTrust("skill://b", "fp-b", TrustForever, granted); err != nil {
		t.Fatalf("AddTrust error: %v", err)
	}

	removed, err := s.SweepExpiredTrust(granted.Add(48 * time.Hour))
	if err != nil {
		t.Fatalf("SweepExpiredTrust error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed record, got %d", removed)
	}

	if _, ok, _ := s.LookupTrust("skill://b", "fp-b", granted.Add(48*time.Hour)); !ok {
		t.Fatal("expected forever-scoped trust to survive the sweep")
	}
}

func TestStoreAndLoadCode(t *testing.T) {
	s := New(t.TempDir())
	id := NewRequestID()
	code := []byte("#!/bin/sh\necho hello\n")

	if err := s.StoreCode(id, code); err != nil {
		t.Fatalf("StoreCode error: %v", err)
	}
	got, err := s.LoadCode(id)
	if err != nil {
		t.Fatalf("LoadCode error: %v", err)
	}
	if string(got) != string(code) {
		t.Fatalf("code bytes did not round-trip: got %q, want %q", got, code)
	}
}

func TestLoadCodeMissing(t *testing.T) {
	s := New(t.TempDir())
	if _, err := s.LoadCode("nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSecretLifecycle(t *testing.T) {
	s := New(t.TempDir())

	if err := s.PutSecret("api_key", []byte("shh")); err != nil {
		t.Fatalf("PutSecret error: %v", err)
	}
	got, err := s.GetSecret("api_key")
	if err != nil {
		t.Fatalf("GetSecret error: %v", err)
	}
	if string(got) != "shh" {
		t.Fatalf("unexpected secret value: %q", got)
	}

	names, err := s.ListSecretNames()
	if err != nil {
		t.Fatalf("ListSecretNames error: %v", err)
	}
	if len(names) != 1 || names[0] != "api_key" {
		t.Fatalf("unexpected secret names: %v", names)
	}

	if err := s.PutSecret("api_key", []byte("rotated")); err != nil {
		t.Fatalf("PutSecret (rotate) error: %v", err)
	}
	got, err = s.GetSecret("api_key")
	if err != nil {
		t.Fatalf("GetSecret error: %v", err)
	}
	if string(got) != "rotated" {
		t.Fatalf("expected rotated value, got %q", got)
	}

	if err := s.DeleteSecret("api_key"); err != nil {
		t.Fatalf("DeleteSecret error: %v", err)
	}
	if _, err := s.GetSecret("api_key"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestAllSecretsHydratesVault(t *testing.T) {
	s := New(t.TempDir())
	if err := s.PutSecret("a", []byte("1")); err != nil {
		t.Fatalf("PutSecret error: %v", err)
	}
	if err := s.PutSecret("b", []byte("2")); err != nil {
		t.Fatalf("PutSecret error: %v", err)
	}

	all, err := s.AllSecrets()
	if err != nil {
		t.Fatalf("AllSecrets error: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 secret records, got %d", len(all))
	}
}

func TestReapRequestsOlderThan(t *testing.T) {
	s := New(t.TempDir())
	old := Request{ID: NewRequestID(), Status: StatusCompleted, CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	recent := Request{ID: NewRequestID(), Status: StatusCompleted, CreatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	pending := Request{ID: NewRequestID(), Status: StatusPending, CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}

	for _, r := range []Request{old, recent, pending} {
		if err := s.Create(r); err != nil {
			t.Fatalf("Create error: %v", err)
		}
	}

	cutoff := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	removed, err := s.ReapRequestsOlderThan(cutoff)
	if err != nil {
		t.Fatalf("ReapRequestsOlderThan error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed request, got %d", removed)
	}

	if _, err := s.Get(old.ID); err != ErrNotFound {
		t.Fatalf("expected old completed request to be reaped, got %v", err)
	}
	if _, err := s.Get(recent.ID); err != nil {
		t.Fatalf("expected recent completed request to survive, got %v", err)
	}
	if _, err := s.Get(pending.ID); err != nil {
		t.Fatalf("expected pending request to survive regardless of age, got %v", err)
	}
}
