// Package registry holds all live broadcast sessions and their lifecycle
// state machine.
//
// The registry is the exclusive owner of Session records. Every state change
// or configuration update is persisted to a compact JSON file so sessions
// survive a restart; listeners and admin connections are transient and must
// rejoin. The top-level map is guarded by a readers-writer lock held in write
// mode only during create and delete; each session carries its own mutex.
package registry

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

	"github.com/lingocast/lingocast/pkg/types"
)

var (
	// ErrNotFound means no session exists with the given ID.
	ErrNotFound = errors.New("registry: session not found")

	// ErrDuplicateID means a live session already uses the proposed ID.
	ErrDuplicateID = errors.New("registry: session ID already exists")

	// ErrBadTransition means the requested status change is not legal from the
	// session's current status.
	ErrBadTransition = errors.New("registry: illegal status transition")

	// ErrSessionFull means the session reached its listener limit.
	ErrSessionFull = errors.New("registry: session is full")

	// ErrIDsExhausted means the year's counter space for the prefix ran out.
	ErrIDsExhausted = errors.New("registry: session ID counter exhausted")

	// ErrNotOwner means the acting admin does not own the session.
	ErrNotOwner = errors.New("registry: admin does not own this session")

	// ErrInvalidConfig means the session configuration failed validation.
	ErrInvalidConfig = errors.New("registry: invalid session config")

	// ErrBadID means a proposed session ID does not match PREFIX-YYYY-NNN.
	ErrBadID = errors.New("registry: malformed session ID")

	// ErrQuarantined means the session's file failed to persist twice and the
	// record refuses further writes. The in-memory session keeps serving.
	ErrQuarantined = errors.New("registry: session record quarantined")
)

// writeRetryBackoff is the pause before the single persistence retry.
const writeRetryBackoff = 100 * time.Millisecond

// transitions is the session state machine. A status maps to the set of
// statuses reachable from it.
var transitions = map[types.SessionStatus][]types.SessionStatus{
	types.StatusStarted: {types.StatusActive, types.StatusPaused, types.StatusEnding, types.StatusError},
	types.StatusActive:  {types.StatusPaused, types.StatusEnding, types.StatusError},
	types.StatusPaused:  {types.StatusActive, types.StatusEnding, types.StatusError},
	types.StatusEnding:  {types.StatusEnded},
	types.StatusEnded:   {},
	types.StatusError:   {types.StatusEnding},
}

// Session is a point-in-time snapshot of one broadcast session. Snapshots are
// copies; mutating one has no effect on the registry.
type Session struct {
	ID           string
	OwnerAdminID string

	// AdminConnID is the current admin connection, empty while the admin is
	// disconnected. Not persisted.
	AdminConnID string

	Config    types.SessionConfig
	Status    types.SessionStatus
	Listeners []string

	CreatedAt    time.Time
	LastActivity time.Time
	EndedAt      time.Time
}

// entry is the live, mutable form of a session inside the registry.
type entry struct {
	mu sync.Mutex

	id           string
	ownerAdminID string
	adminConnID  string
	config       types.SessionConfig
	status       types.SessionStatus
	listeners    map[string]struct{}

	createdAt    time.Time
	lastActivity time.Time
	endedAt      time.Time
}

func (e *entry) snapshotLocked() *Session {
	listeners := make([]string, 0, len(e.listeners))
	for id := range e.listeners {
		listeners = append(listeners, id)
	}
	slices.Sort(listeners)
	cfg := e.config
	cfg.TargetLanguages = slices.Clone(e.config.TargetLanguages)
	return &Session{
		ID:           e.id,
		OwnerAdminID: e.ownerAdminID,
		AdminConnID:  e.adminConnID,
		Config:       cfg,
		Status:       e.status,
		Listeners:    listeners,
		CreatedAt:    e.createdAt,
		LastActivity: e.lastActivity,
		EndedAt:      e.endedAt,
	}
}

// persistedSession is the on-disk record. Connections are transient and are
// deliberately absent.
type persistedSession struct {
	ID           string              `json:"id"`
	OwnerAdminID string              `json:"owner_admin_id"`
	Config       types.SessionConfig `json:"config"`
	Status       types.SessionStatus `json:"status"`
	CreatedAt    time.Time           `json:"created_at"`
	LastActivity time.Time           `json:"last_activity"`
	EndedAt      time.Time           `json:"ended_at,omitempty"`
}

// Config parameterizes a [Registry].
type Config struct {
	// Dir is the session persistence directory.
	Dir string

	// IDPrefix is used when the server mints session IDs. Uppercase letters.
	IDPrefix string

	// MaxListeners bounds listeners per session. Zero means unbounded.
	MaxListeners int

	// RehydrateWindow bounds recovery: only non-terminal sessions whose last
	// activity falls inside the window are rehydrated.
	RehydrateWindow time.Duration

	// DeleteGrace is how long ended sessions linger before Sweep deletes them.
	DeleteGrace time.Duration
}

// Registry holds all live sessions keyed by session ID. Safe for concurrent
// use.
type Registry struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*entry

	// counters tracks the highest minted counter per "PREFIX-YYYY" key,
	// seeded from disk at startup so restarts never reissue an ID.
	counters map[string]int

	// quarantined marks sessions whose file failed to persist twice.
	quarantined map[string]bool

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(time.Duration)
}

// New opens the registry over dir and rehydrates recoverable sessions.
func New(cfg Config, logger *slog.Logger) (*Registry, error) {
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("registry: create dir %s: %w", cfg.Dir, err)
	}
	r := &Registry{
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
		sessions:    make(map[string]*entry),
		counters:    make(map[string]int),
		quarantined: make(map[string]bool),
		sleep:       time.Sleep,
	}
	if err := r.rehydrate(); err != nil {
		return nil, err
	}
	return r, nil
}

// rehydrate loads persisted sessions. Non-terminal sessions with activity
// inside the window come back live; everything else stays on disk for the
// sweep but seeds the ID counters either way.
func (r *Registry) rehydrate() error {
	entries, err := os.ReadDir(r.cfg.Dir)
	if err != nil {
		return fmt.Errorf("registry: read dir %s: %w", r.cfg.Dir, err)
	}
	cutoff := r.now().Add(-r.cfg.RehydrateWindow)
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.cfg.Dir, name))
		if err != nil {
			return fmt.Errorf("registry: read %s: %w", name, err)
		}
		var rec persistedSession
		if err := json.Unmarshal(data, &rec); err != nil {
			r.logger.Warn("skipping unparsable session record", "file", name, "error", err)
			continue
		}
		r.seedCounter(rec.ID)
		if rec.Status.Terminal() || rec.LastActivity.Before(cutoff) {
			continue
		}
		r.sessions[rec.ID] = &entry{
			id:           rec.ID,
			ownerAdminID: rec.OwnerAdminID,
			config:       rec.Config,
			status:       rec.Status,
			listeners:    make(map[string]struct{}),
			createdAt:    rec.CreatedAt,
			lastActivity: rec.LastActivity,
			endedAt:      rec.EndedAt,
		}
		r.logger.Info("rehydrated session", "session_id", rec.ID, "status", rec.Status)
	}
	return nil
}

// seedCounter advances the per-prefix-and-year counter past id's counter so
// minting never reissues an ID seen on disk.
func (r *Registry) seedCounter(id string) {
	i := strings.LastIndex(id, "-")
	if i < 0 {
		return
	}
	var n int
	if _, err := fmt.Sscanf(id[i+1:], "%d", &n); err != nil {
		return
	}
	key := id[:i]
	if n > r.counters[key] {
		r.counters[key] = n
	}
}

// Create registers a new session owned by adminID. When proposedID is empty a
// server-minted ID is used; proposed IDs must match PREFIX-YYYY-NNN and not
// collide with a live session.
func (r *Registry) Create(adminID, proposedID string, cfg types.SessionConfig) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	r.mu.Lock()
	id := proposedID
	if id == "" {
		minted, err := r.mintLocked()
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		id = minted
	} else {
		if !types.ValidSessionID(id) {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %q does not match PREFIX-YYYY-NNN", ErrBadID, id)
		}
		if _, exists := r.sessions[id]; exists {
			r.mu.Unlock()
			return nil, fmt.Errorf("registry: %q: %w", id, ErrDuplicateID)
		}
		r.seedCounter(id)
	}

	now := r.now()
	e := &entry{
		id:           id,
		ownerAdminID: adminID,
		config:       cfg,
		status:       types.StatusStarted,
		listeners:    make(map[string]struct{}),
		createdAt:    now,
		lastActivity: now,
	}
	r.sessions[id] = e
	r.mu.Unlock()

	e.mu.Lock()
	snap := e.snapshotLocked()
	e.mu.Unlock()
	if err := r.persist(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// mintLocked issues the next PREFIX-YYYY-NNN ID. Caller holds r.mu.
func (r *Registry) mintLocked() (string, error) {
	key := fmt.Sprintf("%s-%d", r.cfg.IDPrefix, r.now().Year())
	next := r.counters[key] + 1
	if next > 999 {
		return "", fmt.Errorf("registry: %s: %w", key, ErrIDsExhausted)
	}
	r.counters[key] = next
	return fmt.Sprintf("%s-%03d", key, next), nil
}

// Get returns a snapshot of the session.
func (r *Registry) Get(id string) (*Session, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(), nil
}

// List returns snapshots of every live session, sorted by ID.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]*Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.snapshotLocked())
		e.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b *Session) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Transition moves the session to a new status, enforcing the state machine.
// Entering ended stamps EndedAt. The change is persisted before returning.
func (r *Registry) Transition(id string, to types.SessionStatus) (*Session, error) {
	return r.update(id, func(e *entry) error {
		if !slices.Contains(transitions[e.status], to) {
			return fmt.Errorf("registry: %s: %s → %s: %w", id, e.status, to, ErrBadTransition)
		}
		e.status = to
		if to == types.StatusEnded {
			e.endedAt = r.now()
		}
		return nil
	})
}

// UpdateConfig atomically replaces the session configuration and returns the
// target languages the update removed, so the router can notify affected
// listeners.
func (r *Registry) UpdateConfig(id string, cfg types.SessionConfig) (*Session, []types.Language, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	var removed []types.Language
	snap, err := r.update(id, func(e *entry) error {
		if e.status.Terminal() || e.status == types.StatusEnding {
			return fmt.Errorf("registry: %s is %s: %w", id, e.status, ErrBadTransition)
		}
		for _, l := range e.config.TargetLanguages {
			if !cfg.HasTarget(l) {
				removed = append(removed, l)
			}
		}
		e.config = cfg
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return snap, removed, nil
}

// SetAdminConn binds the current admin connection slot. The most recent
// connection wins; the caller must already have checked ownership, this
// re-checks it as a safety net.
func (r *Registry) SetAdminConn(id, adminID, connID string) (*Session, error) {
	return r.update(id, func(e *entry) error {
		if e.ownerAdminID != adminID {
			return fmt.Errorf("registry: %s: %w", id, ErrNotOwner)
		}
		e.adminConnID = connID
		return nil
	})
}

// ClearAdminConn empties the admin connection slot if connID still holds it.
// A newer connection having taken the slot is left untouched.
func (r *Registry) ClearAdminConn(id, connID string) {
	e, err := r.entry(id)
	if err != nil {
		return
	}
	e.mu.Lock()
	if e.adminConnID == connID {
		e.adminConnID = ""
	}
	e.mu.Unlock()
}

// AddListener records a listener connection, enforcing the session's listener
// limit.
func (r *Registry) AddListener(id, connID string) (*Session, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.listeners[connID]; !ok {
		if r.cfg.MaxListeners > 0 && len(e.listeners) >= r.cfg.MaxListeners {
			return nil, fmt.Errorf("registry: %s: %w", id, ErrSessionFull)
		}
		e.listeners[connID] = struct{}{}
	}
	e.lastActivity = r.now()
	return e.snapshotLocked(), nil
}

// RemoveListener drops a listener connection. Unknown connections are a no-op.
func (r *Registry) RemoveListener(id, connID string) {
	e, err := r.entry(id)
	if err != nil {
		return
	}
	e.mu.Lock()
	delete(e.listeners, connID)
	e.lastActivity = r.now()
	e.mu.Unlock()
}

// Touch advances the session's last-activity timestamp without persisting.
// Activity is persisted with the next state or config change.
func (r *Registry) Touch(id string) {
	e, err := r.entry(id)
	if err != nil {
		return
	}
	e.mu.Lock()
	e.lastActivity = r.now()
	e.mu.Unlock()
}

// Sweep deletes ended sessions past the delete grace, both in memory and on
// disk. It returns how many sessions were removed.
func (r *Registry) Sweep() (int, error) {
	cutoff := r.now().Add(-r.cfg.DeleteGrace)

	r.mu.Lock()
	var doomed []string
	for id, e := range r.sessions {
		e.mu.Lock()
		if e.status.Terminal() && !e.endedAt.IsZero() && e.endedAt.Before(cutoff) {
			doomed = append(doomed, id)
		}
		e.mu.Unlock()
	}
	for _, id := range doomed {
		delete(r.sessions, id)
		delete(r.quarantined, id)
	}
	r.mu.Unlock()

	var errs []error
	removed := 0
	for _, id := range doomed {
		if err := os.Remove(r.path(id)); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("registry: remove %s: %w", id, err))
			continue
		}
		removed++
	}

	// Terminal records left on disk by a previous process fall under the same
	// grace period.
	files, err := os.ReadDir(r.cfg.Dir)
	if err != nil {
		errs = append(errs, fmt.Errorf("registry: read dir: %w", err))
		return removed, errors.Join(errs...)
	}
	for _, de := range files {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		r.mu.RLock()
		_, live := r.sessions[id]
		r.mu.RUnlock()
		if live {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.cfg.Dir, name))
		if err != nil {
			continue
		}
		var rec persistedSession
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		stale := rec.Status.Terminal() && !rec.EndedAt.IsZero() && rec.EndedAt.Before(cutoff)
		// Non-terminal leftovers outside the rehydrate window were not
		// recovered and will never be; age them out by last activity.
		abandoned := !rec.Status.Terminal() && rec.LastActivity.Before(r.now().Add(-r.cfg.RehydrateWindow-r.cfg.DeleteGrace))
		if stale || abandoned {
			if err := os.Remove(filepath.Join(r.cfg.Dir, name)); err != nil && !os.IsNotExist(err) {
				errs = append(errs, fmt.Errorf("registry: remove %s: %w", name, err))
				continue
			}
			removed++
		}
	}
	return removed, errors.Join(errs...)
}

// Writable probes that the session directory accepts writes. Used by
// readiness checks.
func (r *Registry) Writable() error {
	probe := filepath.Join(r.cfg.Dir, ".probe")
	if err := renameio.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("registry: dir %s not writable: %w", r.cfg.Dir, err)
	}
	return os.Remove(probe)
}

func (r *Registry) entry(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("registry: %q: %w", id, ErrNotFound)
	}
	return e, nil
}

// update applies fn under the session lock, snapshots, and persists.
func (r *Registry) update(id string, fn func(*entry) error) (*Session, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if err := fn(e); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.lastActivity = r.now()
	snap := e.snapshotLocked()
	e.mu.Unlock()

	if err := r.persist(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (r *Registry) path(id string) string {
	return filepath.Join(r.cfg.Dir, id+".json")
}

// persist writes the snapshot atomically, retrying once with back-off. A
// second failure quarantines the record. The session lock is not held here;
// snapshots are taken first so persistence never blocks other frames.
func (r *Registry) persist(s *Session) error {
	r.mu.RLock()
	bad := r.quarantined[s.ID]
	r.mu.RUnlock()
	if bad {
		return fmt.Errorf("registry: %s: %w", s.ID, ErrQuarantined)
	}

	rec := persistedSession{
		ID:           s.ID,
		OwnerAdminID: s.OwnerAdminID,
		Config:       s.Config,
		Status:       s.Status,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
		EndedAt:      s.EndedAt,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal %s: %w", s.ID, err)
	}
	path := r.path(s.ID)
	if err := renameio.WriteFile(path, data, 0o600); err == nil {
		return nil
	} else {
		r.logger.Warn("session write failed, retrying", "session_id", s.ID, "error", err)
	}
	r.sleep(writeRetryBackoff)
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		r.mu.Lock()
		r.quarantined[s.ID] = true
		r.mu.Unlock()
		r.logger.Error("session record quarantined after retry", "session_id", s.ID, "error", err)
		return fmt.Errorf("registry: persist %s: %v: %w", s.ID, err, ErrQuarantined)
	}
	return nil
}

// Quarantined returns the IDs of sessions whose persistence has failed.
func (r *Registry) Quarantined() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.quarantined))
	for id := range r.quarantined {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
