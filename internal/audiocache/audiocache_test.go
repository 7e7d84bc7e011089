package audiocache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"
)

func fingerprintOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func testCache(t *testing.T, maxBytes int64) *Cache {
	t.Helper()
	c, err := New(Config{
		Dir:         t.TempDir(),
		MaxBytes:    maxBytes,
		MaxAge:      time.Hour,
		URLSecret:   []byte("test-secret"),
		URLTokenTTL: time.Minute,
	}, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestPutAndGet(t *testing.T) {
	c := testCache(t, 1<<20)
	fp := fingerprintOf("hola")

	art, err := c.Put(fp, "audio/mpeg", 2*time.Second, []byte("mp3-bytes"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if art.Bytes != 9 || art.MIME != "audio/mpeg" {
		t.Errorf("unexpected artifact %+v", art)
	}

	got, ok := c.Get(fp)
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.Path != art.Path {
		t.Errorf("paths differ: %q vs %q", got.Path, art.Path)
	}
	if _, ok := c.Get(fingerprintOf("missing")); ok {
		t.Error("expected cache miss")
	}

	data, err := os.ReadFile(art.Path)
	if err != nil || string(data) != "mp3-bytes" {
		t.Errorf("blob content = %q, %v", data, err)
	}
}

func TestPutRejectsMalformedFingerprint(t *testing.T) {
	c := testCache(t, 1<<20)
	if _, err := c.Put("not-a-digest", "audio/mpeg", 0, []byte("x")); err == nil {
		t.Error("malformed fingerprint should be rejected")
	}
}

func TestPutIsIdempotent(t *testing.T) {
	c := testCache(t, 1<<20)
	fp := fingerprintOf("hola")

	if _, err := c.Put(fp, "audio/mpeg", 0, []byte("first")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	art, err := c.Put(fp, "audio/mpeg", 0, []byte("second"))
	if err != nil {
		t.Fatalf("Put (repeat): %v", err)
	}
	if art.Bytes != 5 {
		t.Errorf("repeat Put should keep the existing blob, got %d bytes", art.Bytes)
	}
	if n, _ := c.Stats(); n != 1 {
		t.Errorf("artifact count = %d, want 1", n)
	}
}

func TestLRUEviction(t *testing.T) {
	c := testCache(t, 30)
	a, b, d := fingerprintOf("a"), fingerprintOf("b"), fingerprintOf("d")

	blob := []byte("0123456789") // 10 bytes each
	for _, fp := range []string{a, b} {
		if _, err := c.Put(fp, "audio/mpeg", 0, blob); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	// Touch a so b becomes the eviction candidate.
	if _, ok := c.Get(a); !ok {
		t.Fatal("expected hit on a")
	}

	if _, err := c.Put(d, "audio/mpeg", 0, []byte("01234567890123456789")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, ok := c.Get(b); ok {
		t.Error("least-recently-accessed artifact should be evicted")
	}
	if _, ok := c.Get(a); !ok {
		t.Error("recently accessed artifact should survive")
	}
	if _, ok := c.Get(d); !ok {
		t.Error("newly admitted artifact should survive")
	}
	if _, bytes := c.Stats(); bytes > 30 {
		t.Errorf("byte footprint %d exceeds cap", bytes)
	}
}

func TestOversizedBlobIsAdmittedAlone(t *testing.T) {
	c := testCache(t, 10)
	fp := fingerprintOf("big")

	// A blob larger than the cap is still admitted; it is the one allowed
	// in-flight overage and everything else is evicted.
	if _, err := c.Put(fp, "audio/mpeg", 0, []byte("this blob is larger than the cap")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, ok := c.Get(fp); !ok {
		t.Error("oversized blob should be admitted")
	}
	if n, _ := c.Stats(); n != 1 {
		t.Errorf("artifact count = %d, want 1", n)
	}
}

func TestSweepAge(t *testing.T) {
	c := testCache(t, 1<<20)
	old, fresh := fingerprintOf("old"), fingerprintOf("fresh")

	if _, err := c.Put(old, "audio/mpeg", 0, []byte("old")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := c.Put(fresh, "audio/mpeg", 0, []byte("fresh")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Age only the first artifact.
	c.mu.Lock()
	el := c.index[old]
	el.Value.(*Artifact).LastAccess = time.Now().Add(-2 * time.Hour)
	c.mu.Unlock()

	if removed := c.SweepAge(); removed != 1 {
		t.Errorf("SweepAge removed %d, want 1", removed)
	}
	if _, ok := c.Get(old); ok {
		t.Error("aged artifact should be swept")
	}
	if _, ok := c.Get(fresh); !ok {
		t.Error("fresh artifact should survive the sweep")
	}
}

func TestRebuildFromDisk(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg := Config{Dir: dir, MaxBytes: 1 << 20, MaxAge: time.Hour, URLSecret: []byte("s"), URLTokenTTL: time.Minute}

	c, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fp := fingerprintOf("persisted")
	if _, err := c.Put(fp, "audio/mpeg", 0, []byte("persisted-bytes")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Stray files that are not content-addressed blobs are ignored.
	if err := os.WriteFile(dir+"/notes.txt", []byte("x"), 0o600); err != nil {
		t.Fatalf("write stray: %v", err)
	}

	reopened, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("New (reopen): %v", err)
	}
	art, ok := reopened.Get(fp)
	if !ok {
		t.Fatal("rebuilt cache should know the persisted blob")
	}
	if art.MIME != "audio/mpeg" || art.Bytes != 15 {
		t.Errorf("rebuilt artifact %+v", art)
	}
	if n, _ := reopened.Stats(); n != 1 {
		t.Errorf("artifact count = %d, want 1", n)
	}
}

func TestSignedURLRoundTrip(t *testing.T) {
	c := testCache(t, 1<<20)
	fp := fingerprintOf("hola")
	if _, err := c.Put(fp, "audio/mpeg", 0, []byte("mp3-bytes")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + c.SignedPath(fp))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/mpeg" {
		t.Errorf("Content-Type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "mp3-bytes" {
		t.Errorf("body = %q", body)
	}
}

func TestSignedURLRejections(t *testing.T) {
	c := testCache(t, 1<<20)
	fp := fingerprintOf("hola")
	if _, err := c.Put(fp, "audio/mpeg", 0, []byte("mp3-bytes")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	get := func(path string) int {
		resp, err := srv.Client().Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := get("/audio/" + fp); code != 403 {
		t.Errorf("missing token: status = %d, want 403", code)
	}
	if code := get("/audio/" + fp + "?exp=9999999999&sig=deadbeef"); code != 403 {
		t.Errorf("forged token: status = %d, want 403", code)
	}

	// A valid signature over an expired timestamp is refused.
	expired := fmt.Sprintf("/audio/%s?exp=%d&sig=%s", fp, 1000, c.sign(fp, 1000))
	if code := get(expired); code != 403 {
		t.Errorf("expired token: status = %d, want 403", code)
	}

	if code := get("/audio/zzzz"); code != 400 {
		t.Errorf("malformed fingerprint: status = %d, want 400", code)
	}

	// A well-formed token for an unknown artifact 404s.
	ghost := fingerprintOf("ghost")
	if code := get(srvPath(c, ghost)); code != 404 {
		t.Errorf("unknown artifact: status = %d, want 404", code)
	}
}

func srvPath(c *Cache, fp string) string {
	return c.SignedPath(fp)
}

func TestSweepAgeDisabled(t *testing.T) {
	c := testCache(t, 1<<20)
	c.cfg.MaxAge = 0
	fp := fingerprintOf("keep")
	if _, err := c.Put(fp, "audio/mpeg", 0, []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if removed := c.SweepAge(); removed != 0 {
		t.Errorf("SweepAge with MaxAge=0 removed %d", removed)
	}
	if !strings.HasPrefix(c.SignedPath(fp), "/audio/"+fp+"?") {
		t.Errorf("SignedPath = %q", c.SignedPath(fp))
	}
}
