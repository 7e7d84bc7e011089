// Package audiocache stores synthesized audio blobs on local disk, addressed
// by fingerprint.
//
// The cache enforces a byte cap with least-recently-accessed eviction and a
// periodic age sweep. Blobs are immutable once written and are served over a
// plain HTTP endpoint; URLs carry a short-lived HMAC token so the audio path
// needs no session state.
package audiocache

import (
	"container/list"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

// ErrNotFound means no artifact exists for the fingerprint.
var ErrNotFound = errors.New("audiocache: artifact not found")

// Artifact describes one cached blob.
type Artifact struct {
	Fingerprint string
	Path        string
	MIME        string
	Bytes       int64
	Duration    time.Duration
	CreatedAt   time.Time
	LastAccess  time.Time
}

// Config parameterizes a [Cache].
type Config struct {
	// Dir is the blob directory.
	Dir string

	// MaxBytes caps the on-disk footprint. The cap may be exceeded by at most
	// the one blob currently being admitted; eviction then restores it.
	MaxBytes int64

	// MaxAge is the age sweep cutoff, measured from last access.
	MaxAge time.Duration

	// URLSecret signs audio URL tokens.
	URLSecret []byte

	// URLTokenTTL is the validity window of signed URLs.
	URLTokenTTL time.Duration
}

// Cache is the on-disk audio artifact store. Safe for concurrent use.
type Cache struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	lru   *list.List // front = most recently accessed, values are *Artifact
	index map[string]*list.Element
	bytes int64
}

// New opens the cache over cfg.Dir, rebuilding the index from the blobs
// already on disk. Rebuilt artifacts keep their file timestamps as creation
// and last-access times.
func New(cfg Config, logger *slog.Logger) (*Cache, error) {
	if len(cfg.URLSecret) == 0 {
		return nil, errors.New("audiocache: URL secret must not be empty")
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("audiocache: create dir %s: %w", cfg.Dir, err)
	}
	c := &Cache{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		lru:    list.New(),
		index:  make(map[string]*list.Element),
	}
	if err := c.rebuild(); err != nil {
		return nil, err
	}
	return c, nil
}

// rebuild scans the blob directory and re-admits every recognizable file.
func (c *Cache) rebuild() error {
	entries, err := os.ReadDir(c.cfg.Dir)
	if err != nil {
		return fmt.Errorf("audiocache: read dir %s: %w", c.cfg.Dir, err)
	}
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() {
			continue
		}
		fp, mime, ok := parseBlobName(name)
		if !ok {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		art := &Artifact{
			Fingerprint: fp,
			Path:        filepath.Join(c.cfg.Dir, name),
			MIME:        mime,
			Bytes:       info.Size(),
			CreatedAt:   info.ModTime(),
			LastAccess:  info.ModTime(),
		}
		c.index[fp] = c.lru.PushBack(art)
		c.bytes += art.Bytes
	}
	c.evictLocked(nil)
	if n := len(c.index); n > 0 {
		c.logger.Info("audio cache rebuilt", "artifacts", n, "bytes", c.bytes)
	}
	return nil
}

// Get returns the artifact for a fingerprint and marks it recently accessed.
func (c *Cache) Get(fingerprint string) (*Artifact, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[fingerprint]
	if !ok {
		return nil, false
	}
	art := el.Value.(*Artifact)
	art.LastAccess = c.now()
	c.lru.MoveToFront(el)
	cp := *art
	return &cp, true
}

// Put writes a blob under its fingerprint and admits it to the cache,
// evicting least-recently-accessed artifacts beyond the byte cap. Writing an
// already-cached fingerprint refreshes its access time and returns the
// existing artifact.
func (c *Cache) Put(fingerprint, mime string, duration time.Duration, data []byte) (*Artifact, error) {
	if !validFingerprint(fingerprint) {
		return nil, fmt.Errorf("audiocache: malformed fingerprint %q", fingerprint)
	}
	if existing, ok := c.Get(fingerprint); ok {
		return existing, nil
	}

	path := filepath.Join(c.cfg.Dir, fingerprint+extFor(mime))
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("audiocache: write blob %s: %w", fingerprint, err)
	}

	now := c.now()
	art := &Artifact{
		Fingerprint: fingerprint,
		Path:        path,
		MIME:        mime,
		Bytes:       int64(len(data)),
		Duration:    duration,
		CreatedAt:   now,
		LastAccess:  now,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[fingerprint]; ok {
		// Lost a race with another writer; keep the established entry.
		return el.Value.(*Artifact), nil
	}
	c.index[fingerprint] = c.lru.PushFront(art)
	c.bytes += art.Bytes
	c.evictLocked(art)
	cp := *art
	return &cp, nil
}

// evictLocked drops least-recently-accessed artifacts until the byte cap
// holds. keep, when non-nil, is never evicted.
func (c *Cache) evictLocked(keep *Artifact) {
	for c.cfg.MaxBytes > 0 && c.bytes > c.cfg.MaxBytes {
		el := c.lru.Back()
		if el == nil {
			return
		}
		art := el.Value.(*Artifact)
		if art == keep {
			return
		}
		c.removeLocked(el, art)
		c.logger.Debug("evicted audio artifact", "fingerprint", art.Fingerprint, "bytes", art.Bytes)
	}
}

func (c *Cache) removeLocked(el *list.Element, art *Artifact) {
	c.lru.Remove(el)
	delete(c.index, art.Fingerprint)
	c.bytes -= art.Bytes
	if err := os.Remove(art.Path); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("failed to remove evicted blob", "path", art.Path, "error", err)
	}
}

// SweepAge removes artifacts whose last access predates the configured age.
// It returns how many were removed.
func (c *Cache) SweepAge() int {
	if c.cfg.MaxAge <= 0 {
		return 0
	}
	cutoff := c.now().Add(-c.cfg.MaxAge)

	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for el := c.lru.Back(); el != nil; {
		prev := el.Prev()
		art := el.Value.(*Artifact)
		if art.LastAccess.Before(cutoff) {
			c.removeLocked(el, art)
			removed++
		}
		el = prev
	}
	return removed
}

// Stats reports the artifact count and byte footprint.
func (c *Cache) Stats() (count int, bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index), c.bytes
}

// SignedPath returns the request path for a fingerprint, carrying an expiry
// and an HMAC token.
func (c *Cache) SignedPath(fingerprint string) string {
	exp := c.now().Add(c.cfg.URLTokenTTL).Unix()
	q := url.Values{}
	q.Set("exp", strconv.FormatInt(exp, 10))
	q.Set("sig", c.sign(fingerprint, exp))
	return "/audio/" + fingerprint + "?" + q.Encode()
}

func (c *Cache) sign(fingerprint string, exp int64) string {
	mac := hmac.New(sha256.New, c.cfg.URLSecret)
	fmt.Fprintf(mac, "%s:%d", fingerprint, exp)
	return hex.EncodeToString(mac.Sum(nil))
}

// verifyToken checks the expiry and HMAC of a signed request.
func (c *Cache) verifyToken(fingerprint, expStr, sig string) bool {
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil || c.now().Unix() > exp {
		return false
	}
	want := c.sign(fingerprint, exp)
	return hmac.Equal([]byte(want), []byte(sig))
}

// Handler serves cached blobs at GET /audio/{fingerprint}.
func (c *Cache) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /audio/{fingerprint}", c.serve)
	return mux
}

func (c *Cache) serve(w http.ResponseWriter, r *http.Request) {
	fp := r.PathValue("fingerprint")
	if !validFingerprint(fp) {
		http.Error(w, "malformed fingerprint", http.StatusBadRequest)
		return
	}
	if !c.verifyToken(fp, r.URL.Query().Get("exp"), r.URL.Query().Get("sig")) {
		http.Error(w, "missing or expired token", http.StatusForbidden)
		return
	}
	art, ok := c.Get(fp)
	if !ok {
		http.Error(w, "unknown artifact", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", art.MIME)
	w.Header().Set("Cache-Control", "private, max-age=60")
	http.ServeFile(w, r, art.Path)
}

// validFingerprint accepts lowercase hex SHA-256 digests.
func validFingerprint(fp string) bool {
	if len(fp) != sha256.Size*2 {
		return false
	}
	for _, r := range fp {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

func extFor(mime string) string {
	switch mime {
	case "audio/mpeg":
		return ".mp3"
	case "audio/ogg":
		return ".ogg"
	default:
		return ".bin"
	}
}

func parseBlobName(name string) (fingerprint, mime string, ok bool) {
	ext := filepath.Ext(name)
	fp := strings.TrimSuffix(name, ext)
	if !validFingerprint(fp) {
		return "", "", false
	}
	switch ext {
	case ".mp3":
		return fp, "audio/mpeg", true
	case ".ogg":
		return fp, "audio/ogg", true
	case ".bin":
		return fp, "application/octet-stream", true
	default:
		return "", "", false
	}
}
