// Package store implements the Request Store: durable persistence for
// execution requests, content-addressed trust grants and secret entries,
// plus the code blobs an ingress request pinned at submission time.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	fileMode = 0644
	dirMode  = 0755
)

type requestsFile struct {
	Version  int       `json:"version"`
	Requests []Request `json:"requests"`
}

type trustFile struct {
	Version int           `json:"version"`
	Records []TrustRecord `json:"records"`
}

type secretsFile struct {
	Version int            `json:"version"`
	Records []SecretRecord `json:"records"`
}

// Store persists requests, trust grants and secret entries under
// <workspace>/state/ and code blobs under <workspace>/state/codes/.
type Store struct {
	requestsPath string
	trustPath    string
	secretsPath  string
	codesDir     string

	mu sync.Mutex // guards all file read-modify-write cycles; a single
	// mutex is used because §4.2 requires transition to be linearizable
	// and the other tables are small enough that coarse locking never
	// becomes a bottleneck for this component.
}

// New creates a Request Store rooted at <workspace>/state.
func New(workspace string) *Store {
	stateDir := filepath.Join(workspace, "state")
	return &Store{
		requestsPath: filepath.Join(stateDir, "requests.json"),
		trustPath:    filepath.Join(stateDir, "trust.json"),
		secretsPath:  filepath.Join(stateDir, "secrets.json"),
		codesDir:     filepath.Join(stateDir, "codes"),
	}
}

// ErrNotFound is returned when a lookup by id/name misses.
var ErrNotFound = fmt.Errorf("not found")

// ErrDuplicate is returned by Create when the id already exists.
var ErrDuplicate = fmt.Errorf("duplicate id")

// ErrTransitionRejected is returned by Transition on a CAS mismatch.
var ErrTransitionRejected = fmt.Errorf("transition rejected: state mismatch")

// NewRequestID mints an opaque identifier with at least 64 bits of
// entropy, hex-formatted per §4.1.
func NewRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Create inserts a new request in state pending.
func (s *Store) Create(req Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadRequests()
	if err != nil {
		return err
	}
	for _, r := range data.Requests {
		if r.ID == req.ID {
			return ErrDuplicate
		}
	}
	if req.Status == "" {
		req.Status = StatusPending
	}
	data.Requests = append(data.Requests, req)
	return s.saveRequests(data)
}

// Get returns the full row for id.
func (s *Store) Get(id string) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadRequests()
	if err != nil {
		return Request{}, err
	}
	for _, r := range data.Requests {
		if r.ID == id {
			return r, nil
		}
	}
	return Request{}, ErrNotFound
}

// Transition performs a compare-and-set on lifecycle state: it only
// succeeds if the current state equals from. Apart from SetResult's
// terminal transition, this is the only mutator of Request.Status (§4.2).
func (s *Store) Transition(id string, from, to Status, ts time.Time) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadRequests()
	if err != nil {
		return Request{}, err
	}
	for i := range data.Requests {
		r := &data.Requests[i]
		if r.ID != id {
			continue
		}
		if r.Status != from {
			return Request{}, ErrTransitionRejected
		}
		r.Status = to
		switch to {
		case StatusApproved:
			r.ApprovedAt = ts
		case StatusExecuting:
			r.ExecutedAt = ts
		}
		if err := s.saveRequests(data); err != nil {
			return Request{}, err
		}
		return *r, nil
	}
	return Request{}, ErrNotFound
}

// AttachChatHandle idempotently records the chat-message handle used to
// update the operator dialogue in place.
func (s *Store) AttachChatHandle(id, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadRequests()
	if err != nil {
		return err
	}
	for i := range data.Requests {
		if data.Requests[i].ID == id {
			data.Requests[i].ChatHandle = handle
			return s.saveRequests(data)
		}
	}
	return ErrNotFound
}

// SetResult atomically stores the terminal result alongside the state
// transition to completed or failed.
func (s *Store) SetResult(id string, terminal Status, result Result, ts time.Time) (Request, error) {
	if terminal != StatusCompleted && terminal != StatusFailed {
		return Request{}, fmt.Errorf("SetResult: terminal state must be completed or failed, got %s", terminal)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadRequests()
	if err != nil {
		return Request{}, err
	}
	for i := range data.Requests {
		r := &data.Requests[i]
		if r.ID != id {
			continue
		}
		if r.Status.IsTerminal() {
			return Request{}, ErrTransitionRejected
		}
		r.Status = terminal
		result := result
		r.Result = &result
		if err := s.saveRequests(data); err != nil {
			return Request{}, err
		}
		return *r, nil
	}
	return Request{}, ErrNotFound
}

// ListByStatus returns all requests with the given status, or all
// requests if status is empty.
func (s *Store) ListByStatus(status Status) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadRequests()
	if err != nil {
		return nil, err
	}
	if status == "" {
		return append([]Request(nil), data.Requests...), nil
	}
	out := make([]Request, 0, len(data.Requests))
	for _, r := range data.Requests {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}

// AddTrust upserts a trust record. once is never persisted (§9).
func (s *Store) AddTrust(source, fingerprint string, scope TrustScope, now time.Time) error {
	if scope == TrustOnce {
		return fmt.Errorf("trust scope %q is a per-invocation decision and must not be persisted", TrustOnce)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadTrust()
	if err != nil {
		return err
	}

	record := TrustRecord{
		Source:      source,
		Fingerprint: fingerprint,
		Scope:       scope,
		GrantedAt:   now,
	}
	if scope == Trust24h {
		record.ExpiresAt = now.Add(24 * time.Hour)
	}

	for i := range data.Records {
		if data.Records[i].Source == source && data.Records[i].Fingerprint == fingerprint {
			data.Records[i] = record
			return s.saveTrust(data)
		}
	}
	data.Records = append(data.Records, record)
	return s.saveTrust(data)
}

// LookupTrust returns the trust record for (source, fingerprint) if
// present and not expired. An expired record is deleted before
// returning absent, so external observers never see it (§4.4).
func (s *Store) LookupTrust(source, fingerprint string, now time.Time) (TrustRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadTrust()
	if err != nil {
		return TrustRecord{}, false, err
	}

	for i, rec := range data.Records {
		if rec.Source != source || rec.Fingerprint != fingerprint {
			continue
		}
		if rec.Expired(now) {
			data.Records = append(data.Records[:i], data.Records[i+1:]...)
			if err := s.saveTrust(data); err != nil {
				return TrustRecord{}, false, err
			}
			return TrustRecord{}, false, nil
		}
		return rec, true, nil
	}
	return TrustRecord{}, false, nil
}

// SweepExpiredTrust deletes all expired trust records and returns the
// count removed. Used by the Background Janitor (§4.8).
func (s *Store) SweepExpiredTrust(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadTrust()
	if err != nil {
		return 0, err
	}

	kept := data.Records[:0]
	removed := 0
	for _, rec := range data.Records {
		if rec.Expired(now) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	data.Records = kept
	if removed == 0 {
		return 0, nil
	}
	return removed, s.saveTrust(data)
}

// ReapRequestsOlderThan deletes terminal requests created before the
// cutoff, alongside their stored code blobs. Retention is not part of
// the correctness contract (§4.8); callers opt in via config.
func (s *Store) ReapRequestsOlderThan(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadRequests()
	if err != nil {
		return 0, err
	}

	kept := data.Requests[:0]
	removed := 0
	for _, r := range data.Requests {
		if r.Status.IsTerminal() && r.CreatedAt.Before(cutoff) {
			removed++
			_ = os.Remove(s.codePath(r.ID))
			continue
		}
		kept = append(kept, r)
	}
	data.Requests = kept
	if removed == 0 {
		return 0, nil
	}
	return removed, s.saveRequests(data)
}

// StoreCode persists the fetched code bytes for a request, keyed by
// request id so the code-view endpoint and the sandbox launch always
// read back the exact bytes that were fingerprinted (§4.1, §4.3).
func (s *Store) StoreCode(id string, code []byte) error {
	if err := os.MkdirAll(s.codesDir, dirMode); err != nil {
		return fmt.Errorf("create codes dir: %w", err)
	}
	return os.WriteFile(s.codePath(id), code, fileMode)
}

// LoadCode returns the exact bytes stored for id.
func (s *Store) LoadCode(id string) ([]byte, error) {
	data, err := os.ReadFile(s.codePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read code blob: %w", err)
	}
	return data, nil
}

func (s *Store) codePath(id string) string {
	return filepath.Join(s.codesDir, id+".code")
}

// PutSecret upserts a secret value as a single atomic operation (no
// read-modify-write race is externally observable, §4.5).
func (s *Store) PutSecret(name string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadSecrets()
	if err != nil {
		return err
	}
	for i := range data.Records {
		if data.Records[i].Name == name {
			data.Records[i].Value = value
			return s.saveSecrets(data)
		}
	}
	data.Records = append(data.Records, SecretRecord{Name: name, Value: value})
	return s.saveSecrets(data)
}

// GetSecret returns the raw value for name.
func (s *Store) GetSecret(name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadSecrets()
	if err != nil {
		return nil, err
	}
	for _, rec := range data.Records {
		if rec.Name == name {
			return rec.Value, nil
		}
	}
	return nil, ErrNotFound
}

// DeleteSecret removes a secret entry.
func (s *Store) DeleteSecret(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadSecrets()
	if err != nil {
		return err
	}
	for i, rec := range data.Records {
		if rec.Name == name {
			data.Records = append(data.Records[:i], data.Records[i+1:]...)
			return s.saveSecrets(data)
		}
	}
	return ErrNotFound
}

// ListSecretNames enumerates names only, never values (§4.5).
func (s *Store) ListSecretNames() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadSecrets()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(data.Records))
	for _, rec := range data.Records {
		names = append(names, rec.Name)
	}
	return names, nil
}

// AllSecrets returns every persisted secret record, used once at
// startup to hydrate the in-memory Secret Vault (§4.5).
func (s *Store) AllSecrets() ([]SecretRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadSecrets()
	if err != nil {
		return nil, err
	}
	return append([]SecretRecord(nil), data.Records...), nil
}

func (s *Store) loadRequests() (requestsFile, error) {
	var data requestsFile
	if err := loadJSON(s.requestsPath, &data); err != nil {
		return requestsFile{}, err
	}
	if data.Requests == nil {
		data.Requests = []Request{}
	}
	return data, nil
}

func (s *Store) saveRequests(data requestsFile) error {
	if data.Version <= 0 {
		data.Version = 1
	}
	return saveJSON(s.requestsPath, data)
}

func (s *Store) loadTrust() (trustFile, error) {
	var data trustFile
	if err := loadJSON(s.trustPath, &data); err != nil {
		return trustFile{}, err
	}
	if data.Records == nil {
		data.Records = []TrustRecord{}
	}
	return data, nil
}

func (s *Store) saveTrust(data trustFile) error {
	if data.Version <= 0 {
		data.Version = 1
	}
	return saveJSON(s.trustPath, data)
}

func (s *Store) loadSecrets() (secretsFile, error) {
	var data secretsFile
	if err := loadJSON(s.secretsPath, &data); err != nil {
		return secretsFile{}, err
	}
	if data.Records == nil {
		data.Records = []SecretRecord{}
	}
	return data, nil
}

func (s *Store) saveSecrets(data secretsFile) error {
	if data.Version <= 0 {
		data.Version = 1
	}
	return saveJSON(s.secretsPath, data)
}

// loadJSON reads and decodes a JSON file, tolerating a missing file by
// leaving v at its zero value.
func loadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// saveJSON writes v to path via a temp-file-then-rename so that readers
// never observe a partially written file. Writes are acknowledged only
// after committal (durability, §4.2).
func saveJSON(path string, v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}

	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	if _, err := tmpFile.Write(encoded); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmpFile.Chmod(fileMode); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
