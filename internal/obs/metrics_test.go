package obs

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gymdesk.org/internal/config"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                  "/",
		"/metrics":                          "/metrics",
		"/api/login":                        "/api/login",
		"/dashboard":                        "/dashboard",
		"/dashboard/athletes":               "/dashboard/athletes",
		"/dashboard/athletes/01HXYZ":        "/dashboard/athletes/:id",
		"/dashboard/athletes/01HXYZ/edit":   "/dashboard/athletes/:id/edit",
		"/dashboard/plans/new":              "/dashboard/plans/new",
		"/dashboard/events/42?tab=schedule": "/dashboard/events/:id",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInstrumentPassesStatusThrough(t *testing.T) {
	Init()
	Init()

	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/dashboard/plans/7", nil))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected 418, got %d", rr.Code)
	}
}

func TestNewLoggerJSONFields(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, config.LoggingConfig{Level: "debug", Format: "json"}, "1.2.3")
	l.Debug("hello", "k", "v")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("log is not JSON: %v", err)
	}
	if entry["service"] != "gymdesk-api" || entry["version"] != "1.2.3" || entry["k"] != "v" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestNewLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, config.LoggingConfig{Level: "warn", Format: "text"}, "dev")
	l.Info("dropped")
	l.Warn("kept")
	out := buf.String()
	if strings.Contains(out, "dropped") || !strings.Contains(out, "kept") {
		t.Fatalf("unexpected output %q", out)
	}
}
