package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func get(t *testing.T, h http.HandlerFunc, path string) (*httptest.ResponseRecorder, response) {
	t.Helper()
	rr := httptest.NewRecorder()
	h(rr, httptest.NewRequest(http.MethodGet, path, nil))
	var body response
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return rr, body
}

func TestHealthzAlwaysOK(t *testing.T) {
	h := New(Probe{Name: "broken", Check: func(context.Context) error { return errors.New("down") }})

	rr, body := get(t, h.Healthz, "/healthz")
	if rr.Code != http.StatusOK || body.Status != "ok" {
		t.Errorf("healthz = %d %+v", rr.Code, body)
	}
	if body.Uptime == "" {
		t.Error("healthz must report uptime")
	}
}

func TestReadyzAggregatesProbes(t *testing.T) {
	h := New(
		Probe{Name: "sessions", Check: func(context.Context) error { return nil }},
		Probe{Name: "identity", Check: func(context.Context) error { return errors.New("disk full") }},
	)

	rr, body := get(t, h.Readyz, "/readyz")
	if rr.Code != http.StatusServiceUnavailable || body.Status != "fail" {
		t.Errorf("readyz = %d %+v", rr.Code, body)
	}
	if body.Checks["sessions"] != "ok" {
		t.Errorf("sessions check = %q", body.Checks["sessions"])
	}
	if body.Checks["identity"] != "fail: disk full" {
		t.Errorf("identity check = %q", body.Checks["identity"])
	}
}

func TestReadyzAllPassing(t *testing.T) {
	h := New(Probe{Name: "sessions", Check: func(context.Context) error { return nil }})

	rr, body := get(t, h.Readyz, "/readyz")
	if rr.Code != http.StatusOK || body.Status != "ok" {
		t.Errorf("readyz = %d %+v", rr.Code, body)
	}
}

func TestRegisterRoutes(t *testing.T) {
	mux := http.NewServeMux()
	New().Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Errorf("%s = %d", path, rr.Code)
		}
	}
}
