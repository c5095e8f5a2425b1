package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/execbroker/broker/internal/config"
)

func TestEmitPostsToEndpoint(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		received <- string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := New(config.NotifyConfig{Endpoint: srv.URL, FallbackFile: filepath.Join(t.TempDir(), "notifications.log")})
	e.Emit(context.Background(), "req-1", "completed", "exit 0")

	select {
	case body := <-received:
		if !strings.Contains(body, "req-1") {
			t.Fatalf("expected posted body to reference request id, got %q", body)
		}
	case <-time.After(time.Second):
		t.Fatal("expected endpoint to receive a POST")
	}
}

func TestEmitFallsBackOnEndpointFailure(t *testing.T) {
	fallback := filepath.Join(t.TempDir(), "notifications.log")
	e := New(config.NotifyConfig{Endpoint: "http://127.0.0.1:0", FallbackFile: fallback})
	fixedNow := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return fixedNow }

	e.Emit(context.Background(), "req-2", "failed", "timeout")

	data, err := os.ReadFile(fallback)
	if err != nil {
		t.Fatalf("read fallback file: %v", err)
	}
	line := string(data)
	if !strings.HasPrefix(line, fixedNow.Format(time.RFC3339)+" ") {
		t.Fatalf("expected line to start with ISO timestamp, got %q", line)
	}
	if !strings.Contains(line, "req-2") {
		t.Fatalf("expected fallback line to reference request id, got %q", line)
	}
}
