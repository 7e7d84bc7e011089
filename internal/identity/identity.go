// Package identity persists admin identity records.
//
// Each admin has one JSON file named by stable admin ID, plus a shared index
// file mapping display names and emails to IDs. All writes go through
// write-to-temp + rename, so readers see either the pre- or post-write state
// but never a torn file. Mutations are serialized per identity.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/lingocast/lingocast/pkg/provider/idp"
)

var (
	// ErrNotFound means no record exists for the given key.
	ErrNotFound = errors.New("identity: not found")

	// ErrQuarantined means the record's file failed to persist twice and the
	// record no longer accepts mutations.
	ErrQuarantined = errors.New("identity: record quarantined")
)

// AdminIdentity is the persistent record for one admin.
type AdminIdentity struct {
	// ID is the identity provider's stable opaque identifier.
	ID string `json:"id"`

	// Username is the display name the admin signs in with.
	Username string `json:"username"`

	// Email is the verified email, when known.
	Email string `json:"email,omitempty"`

	// OwnedSessions lists the session IDs this admin created.
	OwnedSessions []string `json:"owned_sessions"`

	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Owns reports whether the identity owns the given session.
func (a *AdminIdentity) Owns(sessionID string) bool {
	return slices.Contains(a.OwnedSessions, sessionID)
}

// Store is the admin identity persistence abstraction.
type Store interface {
	// Ensure creates the record for a validated identity or, when it already
	// exists, refreshes its display attributes and last-seen timestamp.
	// Repeated calls for the same external identity return the same record.
	Ensure(ident idp.Identity) (*AdminIdentity, error)

	// ByID looks up a record by stable admin ID.
	ByID(id string) (*AdminIdentity, error)

	// ByUsername looks up a record through the display-name index.
	ByUsername(username string) (*AdminIdentity, error)

	// ByEmail looks up a record through the email index.
	ByEmail(email string) (*AdminIdentity, error)

	// AddOwnedSession records session ownership. Adding an already-owned
	// session is a no-op.
	AddOwnedSession(adminID, sessionID string) error

	// RemoveOwnedSession drops session ownership. Removing an unknown session
	// is a no-op.
	RemoveOwnedSession(adminID, sessionID string) error

	// Sweep deletes records not seen since the cutoff that own no sessions and
	// are not reported in use. It returns how many records were removed.
	Sweep(olderThan time.Time, inUse func(adminID string) bool) (int, error)
}

// writeRetryBackoff is the pause before the single persistence retry.
const writeRetryBackoff = 100 * time.Millisecond

const indexFile = "index.json"

// fileIndex maps display names and emails to stable admin IDs. Keys are
// lowercased.
type fileIndex struct {
	Usernames map[string]string `json:"usernames"`
	Emails    map[string]string `json:"emails"`
}

// FileStore is the file-per-admin implementation of [Store].
// Safe for concurrent use.
type FileStore struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time

	mu          sync.RWMutex
	records     map[string]*AdminIdentity
	index       fileIndex
	locks       map[string]*sync.Mutex
	quarantined map[string]bool

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(time.Duration)
}

// Compile-time interface assertion.
var _ Store = (*FileStore)(nil)

// NewFileStore opens (or creates) the store rooted at dir and loads every
// record into memory. A missing or corrupt index is rebuilt from the records.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("identity: create dir %s: %w", dir, err)
	}
	s := &FileStore{
		dir:         dir,
		logger:      logger,
		now:         time.Now,
		records:     make(map[string]*AdminIdentity),
		locks:       make(map[string]*sync.Mutex),
		quarantined: make(map[string]bool),
		sleep:       time.Sleep,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load reads every record file and the index, rebuilding the index when it is
// missing or inconsistent with the records on disk.
func (s *FileStore) load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("identity: read dir %s: %w", s.dir, err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == indexFile || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return fmt.Errorf("identity: read %s: %w", name, err)
		}
		var rec AdminIdentity
		if err := json.Unmarshal(data, &rec); err != nil {
			// A record that cannot be parsed is left on disk for operator
			// inspection but kept out of the live set.
			s.logger.Warn("skipping unparsable identity record", "file", name, "error", err)
			continue
		}
		if rec.ID == "" {
			s.logger.Warn("skipping identity record without id", "file", name)
			continue
		}
		s.records[rec.ID] = &rec
	}

	s.index = fileIndex{
		Usernames: make(map[string]string, len(s.records)),
		Emails:    make(map[string]string, len(s.records)),
	}
	for id, rec := range s.records {
		if rec.Username != "" {
			s.index.Usernames[strings.ToLower(rec.Username)] = id
		}
		if rec.Email != "" {
			s.index.Emails[strings.ToLower(rec.Email)] = id
		}
	}
	return s.persistIndex()
}

// Ensure implements [Store].
func (s *FileStore) Ensure(ident idp.Identity) (*AdminIdentity, error) {
	if ident.AdminID == "" {
		return nil, errors.New("identity: admin ID must not be empty")
	}
	lock := s.lockFor(ident.AdminID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	rec, exists := s.records[ident.AdminID]
	if !exists {
		rec = &AdminIdentity{
			ID:            ident.AdminID,
			OwnedSessions: []string{},
			CreatedAt:     s.now(),
		}
		s.records[ident.AdminID] = rec
	}
	rec.Username = ident.Username
	rec.Email = ident.Email
	rec.LastSeenAt = s.now()
	if rec.Username != "" {
		s.index.Usernames[strings.ToLower(rec.Username)] = rec.ID
	}
	if rec.Email != "" {
		s.index.Emails[strings.ToLower(rec.Email)] = rec.ID
	}
	snapshot := copyRecord(rec)
	s.mu.Unlock()

	if err := s.persistRecord(snapshot); err != nil {
		return nil, err
	}
	if err := s.persistIndexLocked(); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// ByID implements [Store].
func (s *FileStore) ByID(id string) (*AdminIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("identity: admin %q: %w", id, ErrNotFound)
	}
	return copyRecord(rec), nil
}

// ByUsername implements [Store].
func (s *FileStore) ByUsername(username string) (*AdminIdentity, error) {
	s.mu.RLock()
	id, ok := s.index.Usernames[strings.ToLower(username)]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("identity: username %q: %w", username, ErrNotFound)
	}
	return s.ByID(id)
}

// ByEmail implements [Store].
func (s *FileStore) ByEmail(email string) (*AdminIdentity, error) {
	s.mu.RLock()
	id, ok := s.index.Emails[strings.ToLower(email)]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("identity: email %q: %w", email, ErrNotFound)
	}
	return s.ByID(id)
}

// AddOwnedSession implements [Store].
func (s *FileStore) AddOwnedSession(adminID, sessionID string) error {
	return s.mutate(adminID, func(rec *AdminIdentity) bool {
		if slices.Contains(rec.OwnedSessions, sessionID) {
			return false
		}
		rec.OwnedSessions = append(rec.OwnedSessions, sessionID)
		return true
	})
}

// RemoveOwnedSession implements [Store].
func (s *FileStore) RemoveOwnedSession(adminID, sessionID string) error {
	return s.mutate(adminID, func(rec *AdminIdentity) bool {
		i := slices.Index(rec.OwnedSessions, sessionID)
		if i < 0 {
			return false
		}
		rec.OwnedSessions = slices.Delete(rec.OwnedSessions, i, i+1)
		return true
	})
}

// mutate applies fn to the record under its lock and persists when fn reports
// a change.
func (s *FileStore) mutate(adminID string, fn func(*AdminIdentity) bool) error {
	lock := s.lockFor(adminID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	if s.quarantined[adminID] {
		s.mu.Unlock()
		return fmt.Errorf("identity: admin %q: %w", adminID, ErrQuarantined)
	}
	rec, ok := s.records[adminID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("identity: admin %q: %w", adminID, ErrNotFound)
	}
	changed := fn(rec)
	snapshot := copyRecord(rec)
	s.mu.Unlock()

	if !changed {
		return nil
	}
	return s.persistRecord(snapshot)
}

// Sweep implements [Store].
func (s *FileStore) Sweep(olderThan time.Time, inUse func(adminID string) bool) (int, error) {
	s.mu.RLock()
	var candidates []string
	for id, rec := range s.records {
		if len(rec.OwnedSessions) == 0 && rec.LastSeenAt.Before(olderThan) {
			candidates = append(candidates, id)
		}
	}
	s.mu.RUnlock()

	removed := 0
	var errs []error
	for _, id := range candidates {
		if inUse != nil && inUse(id) {
			continue
		}
		lock := s.lockFor(id)
		lock.Lock()
		s.mu.Lock()
		rec, ok := s.records[id]
		// Re-check under the lock; the record may have gained a session or a
		// fresh sign-in since the scan.
		if !ok || len(rec.OwnedSessions) > 0 || !rec.LastSeenAt.Before(olderThan) {
			s.mu.Unlock()
			lock.Unlock()
			continue
		}
		delete(s.records, id)
		if rec.Username != "" {
			delete(s.index.Usernames, strings.ToLower(rec.Username))
		}
		if rec.Email != "" {
			delete(s.index.Emails, strings.ToLower(rec.Email))
		}
		delete(s.quarantined, id)
		s.mu.Unlock()
		lock.Unlock()

		if err := os.Remove(s.recordPath(id)); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("identity: remove %s: %w", id, err))
			continue
		}
		removed++
	}
	if removed > 0 {
		if err := s.persistIndexLocked(); err != nil {
			errs = append(errs, err)
		}
	}
	return removed, errors.Join(errs...)
}

// Quarantined returns the IDs of records whose persistence has failed.
func (s *FileStore) Quarantined() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.quarantined))
	for id := range s.quarantined {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Writable probes that the store directory accepts writes. Used by readiness
// checks.
func (s *FileStore) Writable() error {
	probe := filepath.Join(s.dir, ".probe")
	if err := renameio.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("identity: dir %s not writable: %w", s.dir, err)
	}
	return os.Remove(probe)
}

func (s *FileStore) recordPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// persistRecord writes the record atomically, retrying once with back-off.
// A second failure quarantines the record.
func (s *FileStore) persistRecord(rec *AdminIdentity) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("identity: marshal %s: %w", rec.ID, err)
	}
	path := s.recordPath(rec.ID)
	if err := renameio.WriteFile(path, data, 0o600); err == nil {
		return nil
	} else {
		s.logger.Warn("identity write failed, retrying", "admin_id", rec.ID, "error", err)
	}
	s.sleep(writeRetryBackoff)
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		s.mu.Lock()
		s.quarantined[rec.ID] = true
		s.mu.Unlock()
		s.logger.Error("identity record quarantined after retry", "admin_id", rec.ID, "error", err)
		return fmt.Errorf("identity: persist %s: %v: %w", rec.ID, err, ErrQuarantined)
	}
	return nil
}

// persistIndexLocked writes the index under the store lock in read mode.
func (s *FileStore) persistIndexLocked() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.persistIndex()
}

func (s *FileStore) persistIndex() error {
	data, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return fmt.Errorf("identity: marshal index: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(s.dir, indexFile), data, 0o600); err != nil {
		return fmt.Errorf("identity: persist index: %w", err)
	}
	return nil
}

func (s *FileStore) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func copyRecord(rec *AdminIdentity) *AdminIdentity {
	cp := *rec
	cp.OwnedSessions = slices.Clone(rec.OwnedSessions)
	return &cp
}
