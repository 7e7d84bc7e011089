package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/lingocast/lingocast/internal/audiocache"
	"github.com/lingocast/lingocast/internal/cost"
	"github.com/lingocast/lingocast/internal/fanout"
	"github.com/lingocast/lingocast/internal/identity"
	"github.com/lingocast/lingocast/internal/protocol"
	"github.com/lingocast/lingocast/internal/registry"
	"github.com/lingocast/lingocast/internal/router"
	"github.com/lingocast/lingocast/internal/tokencache"
	"github.com/lingocast/lingocast/internal/tts"
	idpmock "github.com/lingocast/lingocast/pkg/provider/idp/mock"
	synthmock "github.com/lingocast/lingocast/pkg/provider/synth/mock"
	"github.com/lingocast/lingocast/pkg/types"
)

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ids, err := identity.NewFileStore(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("identity.NewFileStore: %v", err)
	}
	reg, err := registry.New(registry.Config{
		Dir:             t.TempDir(),
		IDPrefix:        "CAST",
		MaxListeners:    50,
		RehydrateWindow: time.Hour,
		DeleteGrace:     time.Hour,
	}, logger)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	cache, err := audiocache.New(audiocache.Config{
		Dir:         t.TempDir(),
		MaxBytes:    1 << 20,
		MaxAge:      time.Hour,
		URLSecret:   []byte("test-secret"),
		URLTokenTTL: time.Minute,
	}, logger)
	if err != nil {
		t.Fatalf("audiocache.New: %v", err)
	}
	pipeline := tts.New(&synthmock.Provider{}, cache, tts.Config{}, logger)

	rt := router.New(router.Config{
		TokenWarnBefore: 5 * time.Minute,
		Prices:          cost.Prices{NeuralPerMillionChars: 16},
		AlarmHourlyUSD:  3,
		AlarmCooldown:   time.Minute,
	}, &idpmock.Provider{}, ids, tokencache.New(time.Hour, time.Minute), reg, fanout.New(), pipeline, logger)

	if cfg.OutboundQueueSize == 0 {
		cfg.OutboundQueueSize = 16
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 16
	}
	if cfg.AuthGrace == 0 {
		cfg.AuthGrace = 5 * time.Second
	}
	if cfg.AudioRateLimit == 0 {
		cfg.AudioRateLimit = 1000
	}

	srv := New(cfg, rt, reg, ids, cache, nil, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server, role string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?role=" + role
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", role, err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, f protocol.Frame) {
	t.Helper()
	data, err := protocol.Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readFrame reads the next frame and reports its type tag and raw payload.
func readFrame(t *testing.T, conn *websocket.Conn) (protocol.FrameType, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env struct {
		Type protocol.FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode envelope %q: %v", data, err)
	}
	return env.Type, data
}

func readAs[T any](t *testing.T, conn *websocket.Conn, want protocol.FrameType) T {
	t.Helper()
	typ, data := readFrame(t, conn)
	if typ != want {
		t.Fatalf("frame type = %q, want %q (payload %s)", typ, want, data)
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode %q: %v", want, err)
	}
	return out
}

func TestEndToEndBroadcast(t *testing.T) {
	ts := newTestServer(t, Config{})

	admin := dial(t, ts, "admin")
	writeFrame(t, admin, protocol.AdminAuth{
		Type: protocol.TypeAdminAuth, Method: protocol.AuthCredentials,
		Username: "alice", Password: "hunter2",
	})
	auth := readAs[protocol.AdminAuthResponse](t, admin, protocol.TypeAdminAuthResponse)
	if !auth.Success {
		t.Fatalf("auth response = %+v", auth)
	}

	writeFrame(t, admin, protocol.StartSession{
		Type: protocol.TypeStartSession,
		Config: types.SessionConfig{
			SourceLanguage:  types.LanguageEN,
			TargetLanguages: []types.Language{types.LanguageES},
			TTSMode:         types.TTSNeural,
		},
	})
	started := readAs[protocol.SessionStatusUpdate](t, admin, protocol.TypeSessionStatusUpdate)
	if started.Status != types.StatusStarted {
		t.Fatalf("status = %s", started.Status)
	}

	listener := dial(t, ts, "listener")
	writeFrame(t, listener, protocol.JoinSession{
		Type: protocol.TypeJoinSession, SessionID: started.SessionID,
		PreferredLanguage: types.LanguageES,
		AudioCapabilities: types.AudioCapabilities{SupportsPlayback: true},
	})
	meta := readAs[protocol.SessionMetadata](t, listener, protocol.TypeSessionMetadata)
	if meta.SessionID != started.SessionID {
		t.Fatalf("metadata = %+v", meta)
	}

	writeFrame(t, admin, protocol.Translation{
		Type: protocol.TypeTranslation, SessionID: started.SessionID,
		Language: types.LanguageES, Text: "hola mundo", SequenceNumber: 1,
	})
	b := readAs[protocol.TranslationBroadcast](t, listener, protocol.TypeTranslation)
	if b.Text != "hola mundo" || b.AudioURL == "" {
		t.Fatalf("broadcast = %+v", b)
	}

	// The broadcast's audio URL resolves against the same server.
	resp, err := http.Get(ts.URL + b.AudioURL)
	if err != nil {
		t.Fatalf("fetch audio: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audio status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/mpeg" {
		t.Errorf("audio content type = %q", ct)
	}
	if blob, _ := io.ReadAll(resp.Body); len(blob) == 0 {
		t.Error("audio body is empty")
	}
}

func TestHandshakeGraceCutsIdleConnections(t *testing.T) {
	ts := newTestServer(t, Config{AuthGrace: 100 * time.Millisecond})

	conn := dial(t, ts, "listener")

	// Never join. The read should fail once the grace window closes.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("expected the connection to be closed")
	}
}

func TestConnectionLimit(t *testing.T) {
	ts := newTestServer(t, Config{MaxConnections: 1})

	dial(t, ts, "listener")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?role=listener"
	if _, _, err := websocket.Dial(ctx, url, nil); err == nil {
		t.Fatal("second connection must be refused at the limit")
	}
}

func TestUnknownRoleRejected(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp, err := http.Get(ts.URL + "/ws?role=superuser")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestOperationalEndpoints(t *testing.T) {
	ts := newTestServer(t, Config{})

	for path, want := range map[string]int{
		"/healthz": http.StatusOK,
		"/readyz":  http.StatusOK,
		"/metrics": http.StatusOK,
		"/health":  http.StatusOK,
	} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("%s status = %d, want %d", path, resp.StatusCode, want)
		}
	}

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get /health: %v", err)
	}
	defer resp.Body.Close()
	var body healthBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("health body = %+v", body)
	}
}

func TestAudioRouteRejectsUnsignedRequests(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp, err := http.Get(ts.URL + "/audio/" + strings.Repeat("a", 64))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}
