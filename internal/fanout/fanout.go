// Package fanout maintains, per session, the mapping from target language to
// the set of subscribed listener connections.
//
// Each session's buckets are guarded by a single mutex; broadcasts iterate a
// snapshot so subscribe and unsubscribe never block a delivery in progress.
package fanout

import (
	"slices"
	"sync"

	"github.com/lingocast/lingocast/pkg/types"
)

// sessionBuckets holds one session's language buckets.
type sessionBuckets struct {
	mu     sync.Mutex
	byLang map[types.Language]map[string]struct{}
	langOf map[string]types.Language
}

// Index is the fan-out index over all sessions. Safe for concurrent use.
type Index struct {
	mu       sync.RWMutex
	sessions map[string]*sessionBuckets
}

// New creates an empty Index.
func New() *Index {
	return &Index{sessions: make(map[string]*sessionBuckets)}
}

// Subscribe adds a listener connection to a session's language bucket. A
// connection already subscribed in the session is moved to the new language.
func (x *Index) Subscribe(sessionID, connID string, lang types.Language) {
	b := x.bucketsFor(sessionID)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(connID)
	b.addLocked(connID, lang)
}

// ChangeLanguage moves a connection between buckets in one critical section.
// It reports false when the connection is not subscribed in the session.
func (x *Index) ChangeLanguage(sessionID, connID string, to types.Language) bool {
	b, ok := x.lookup(sessionID)
	if !ok {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, subscribed := b.langOf[connID]; !subscribed {
		return false
	}
	b.removeLocked(connID)
	b.addLocked(connID, to)
	return true
}

// Unsubscribe removes a connection from its session bucket.
func (x *Index) Unsubscribe(sessionID, connID string) {
	b, ok := x.lookup(sessionID)
	if !ok {
		return
	}
	b.mu.Lock()
	b.removeLocked(connID)
	b.mu.Unlock()
}

// Language returns the language a connection is subscribed to in the session.
func (x *Index) Language(sessionID, connID string) (types.Language, bool) {
	b, ok := x.lookup(sessionID)
	if !ok {
		return "", false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	lang, ok := b.langOf[connID]
	return lang, ok
}

// Snapshot returns the connection IDs subscribed to lang in the session.
// The returned slice is a copy; deliveries iterate it without holding the
// bucket lock.
func (x *Index) Snapshot(sessionID string, lang types.Language) []string {
	b, ok := x.lookup(sessionID)
	if !ok {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.byLang[lang]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// SnapshotAll returns every subscribed connection in the session across all
// languages.
func (x *Index) SnapshotAll(sessionID string) []string {
	b, ok := x.lookup(sessionID)
	if !ok {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.langOf))
	for id := range b.langOf {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// RemoveLanguages empties the buckets for the given languages and returns the
// affected connection IDs, so callers can prompt those listeners to pick
// another language. The connections stay subscribed to nothing until they do.
func (x *Index) RemoveLanguages(sessionID string, langs []types.Language) []string {
	b, ok := x.lookup(sessionID)
	if !ok {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var affected []string
	for _, lang := range langs {
		for id := range b.byLang[lang] {
			affected = append(affected, id)
			delete(b.langOf, id)
		}
		delete(b.byLang, lang)
	}
	slices.Sort(affected)
	return affected
}

// Counts returns the subscriber count per language for the session.
func (x *Index) Counts(sessionID string) map[types.Language]int {
	b, ok := x.lookup(sessionID)
	if !ok {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[types.Language]int, len(b.byLang))
	for lang, set := range b.byLang {
		if len(set) > 0 {
			out[lang] = len(set)
		}
	}
	return out
}

// DropSession discards all buckets for a session.
func (x *Index) DropSession(sessionID string) {
	x.mu.Lock()
	delete(x.sessions, sessionID)
	x.mu.Unlock()
}

func (x *Index) lookup(sessionID string) (*sessionBuckets, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	b, ok := x.sessions[sessionID]
	return b, ok
}

func (x *Index) bucketsFor(sessionID string) *sessionBuckets {
	x.mu.Lock()
	defer x.mu.Unlock()
	b, ok := x.sessions[sessionID]
	if !ok {
		b = &sessionBuckets{
			byLang: make(map[types.Language]map[string]struct{}),
			langOf: make(map[string]types.Language),
		}
		x.sessions[sessionID] = b
	}
	return b
}

func (b *sessionBuckets) addLocked(connID string, lang types.Language) {
	set, ok := b.byLang[lang]
	if !ok {
		set = make(map[string]struct{})
		b.byLang[lang] = set
	}
	set[connID] = struct{}{}
	b.langOf[connID] = lang
}

func (b *sessionBuckets) removeLocked(connID string) {
	lang, ok := b.langOf[connID]
	if !ok {
		return
	}
	delete(b.byLang[lang], connID)
	if len(b.byLang[lang]) == 0 {
		delete(b.byLang, lang)
	}
	delete(b.langOf, connID)
}
