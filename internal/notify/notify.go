// Package notify implements the Notification Emitter: a best-effort
// broadcast of terminal request outcomes that never blocks a state
// transition and never treats either sink as authoritative.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/execbroker/broker/internal/config"
)

const (
	fileMode = 0644
	dirMode  = 0755
)

// Emitter posts notifications to a loopback HTTP endpoint, falling back
// to an append-only file when the endpoint is unreachable.
type Emitter struct {
	endpoint     string
	fallbackPath string
	client       *http.Client

	mu  sync.Mutex
	now func() time.Time
}

// New builds an emitter from notify configuration.
func New(cfg config.NotifyConfig) *Emitter {
	return &Emitter{
		endpoint:     cfg.Endpoint,
		fallbackPath: cfg.FallbackFile,
		client:       &http.Client{Timeout: 5 * time.Second},
		now:          time.Now,
	}
}

// Emit fires exactly one event describing the outcome. Failure is
// logged, never returned, since a notification-delivery problem must
// never unwind or retry a state transition that already committed.
func (e *Emitter) Emit(ctx context.Context, requestID, terminalState, summary string) {
	message := fmt.Sprintf("request %s %s: %s", requestID, terminalState, summary)

	if err := e.postHTTP(ctx, message); err != nil {
		slog.Warn("notify: endpoint delivery failed, falling back to file", "error", err)
		if fbErr := e.appendFallback(message); fbErr != nil {
			slog.Error("notify: fallback write failed", "error", fbErr)
		}
	}
}

func (e *Emitter) postHTTP(ctx context.Context, message string) error {
	if strings.TrimSpace(e.endpoint) == "" {
		return fmt.Errorf("notify: no endpoint configured")
	}

	body, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func (e *Emitter) appendFallback(message string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(e.fallbackPath), dirMode); err != nil {
		return fmt.Errorf("create notify dir: %w", err)
	}

	file, err := os.OpenFile(e.fallbackPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, fileMode)
	if err != nil {
		return fmt.Errorf("open notify fallback file: %w", err)
	}
	defer file.Close()

	line := fmt.Sprintf("%s %s\n", e.now().UTC().Format(time.RFC3339), message)
	if _, err := file.WriteString(line); err != nil {
		return fmt.Errorf("append notify fallback line: %w", err)
	}
	return file.Sync()
}
