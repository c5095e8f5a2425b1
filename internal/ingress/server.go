// Package ingress implements the HTTP surface that lets an agent
// process submit execution requests, poll their status, view the exact
// code bytes pinned to a request, and lets a local admin provision
// secrets.
package ingress

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/execbroker/broker/internal/approval"
	"github.com/execbroker/broker/internal/bus"
	"github.com/execbroker/broker/internal/config"
	"github.com/execbroker/broker/internal/fetch"
	"github.com/execbroker/broker/internal/metadata"
	"github.com/execbroker/broker/internal/store"
	"github.com/execbroker/broker/internal/vault"
)

// Server is the broker's HTTP ingress surface.
type Server struct {
	cfg         config.GatewayConfig
	fetcher     *fetch.Fetcher
	store       *store.Store
	vault       *vault.Vault
	coordinator *approval.Coordinator
	httpServer  *http.Server
}

// New builds an ingress server wired to its dependencies.
func New(cfg config.GatewayConfig, fetcher *fetch.Fetcher, s *store.Store, v *vault.Vault, coordinator *approval.Coordinator) *Server {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	port := cfg.Port
	if port <= 0 {
		port = 8790
	}
	cfg.Host = host
	cfg.Port = port

	return &Server{
		cfg:         cfg,
		fetcher:     fetcher,
		store:       s,
		vault:       v,
		coordinator: coordinator,
	}
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

// PublicBaseURL derives the externally reachable base URL operators'
// browsers use to reach this gateway, e.g. for the code-view link in an
// approval prompt. cfg.PublicURL wins when set; otherwise it is derived
// from Host/Port, with a bind address like 0.0.0.0 or an empty host
// swapped for 127.0.0.1 since no browser can dial a bind address.
func PublicBaseURL(cfg config.GatewayConfig) string {
	if u := strings.TrimSpace(cfg.PublicURL); u != "" {
		return strings.TrimRight(u, "/")
	}
	host := strings.TrimSpace(cfg.Host)
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port <= 0 {
		port = 8790
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("ingress listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/execute", s.handleExecute)
	mux.HandleFunc("/execute/", s.handleExecuteStatus)
	mux.HandleFunc("/view/", s.handleView)
	mux.HandleFunc("/secrets", s.handleSecrets)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r)
	if r.Method != http.MethodGet {
		writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"request_id": requestID,
	})
}

type executeRequest struct {
	SkillID  string            `json:"skill_id"`
	SkillURL string            `json:"skill_url"`
	Secrets  json.RawMessage   `json:"secrets"`
	Args     map[string]string `json:"args"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r)
	ctx := bus.WithRequestID(r.Context(), requestID)
	if r.Method != http.MethodPost {
		writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "bad_request", "invalid json request")
		return
	}
	req.SkillID = strings.TrimSpace(req.SkillID)
	req.SkillURL = strings.TrimSpace(req.SkillURL)
	if req.SkillID == "" || req.SkillURL == "" {
		writeError(w, requestID, http.StatusBadRequest, "bad_request", "skill_id and skill_url are required")
		return
	}
	declaredSecrets, err := decodeSecretNames(req.Secrets)
	if err != nil {
		writeError(w, requestID, http.StatusBadRequest, "bad_request", "secrets must be a list or an object")
		return
	}

	code, err := s.fetcher.Fetch(ctx, req.SkillURL)
	if err != nil {
		writeError(w, requestID, http.StatusBadGateway, "fetch-failed", err.Error())
		return
	}

	meta, err := metadata.Parse(code)
	if err != nil {
		writeError(w, requestID, http.StatusUnprocessableEntity, "bad-metadata", err.Error())
		return
	}

	fingerprint := fingerprintOf(code)
	id := store.NewRequestID()
	now := time.Now()

	row := store.Request{
		ID:          id,
		SkillID:     req.SkillID,
		SkillURL:    req.SkillURL,
		Fingerprint: fingerprint,
		Secrets:     mergeSecretNames(meta.Secrets, declaredSecrets),
		Args:        req.Args,
		Network:     meta.Network,
		Timeout:     meta.Timeout,
		Status:      store.StatusPending,
		CreatedAt:   now,
	}
	if err := s.store.Create(row); err != nil {
		writeError(w, requestID, http.StatusInternalServerError, "internal_error", "failed to persist request")
		return
	}
	if err := s.store.StoreCode(id, code); err != nil {
		writeError(w, requestID, http.StatusInternalServerError, "internal_error", "failed to persist code")
		return
	}

	if err := s.coordinator.HandleNewRequest(ctx, id); err != nil {
		slog.Error("ingress: failed to hand request to approval coordinator", "trace_id", bus.RequestIDFromContext(ctx), "request_id", id, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": id,
		"status":     string(store.StatusPending),
	})
}

func (s *Server) handleExecuteStatus(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r)
	if r.Method != http.MethodGet {
		writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	id, ok := pathSuffix(r.URL.Path, "/execute/", "/status")
	if !ok {
		writeError(w, requestID, http.StatusNotFound, "not_found", "not found")
		return
	}

	row, err := s.store.Get(id)
	if err != nil {
		writeError(w, requestID, http.StatusNotFound, "not_found", "request not found")
		return
	}

	writeJSON(w, http.StatusOK, statusView(row))
}

func statusView(row store.Request) map[string]any {
	view := map[string]any{
		"request_id": row.ID,
		"skill_id":   row.SkillID,
		"status":     string(row.Status),
		"created_at": row.CreatedAt.UTC().Format(time.RFC3339),
	}
	if row.Result != nil {
		view["result"] = row.Result
	}
	return view
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r)
	if r.Method != http.MethodGet {
		writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/view/")
	if id == "" {
		writeError(w, requestID, http.StatusNotFound, "not_found", "not found")
		return
	}

	row, err := s.store.Get(id)
	if err != nil {
		writeError(w, requestID, http.StatusNotFound, "not_found", "request not found")
		return
	}
	code, err := s.store.LoadCode(id)
	if err != nil {
		writeError(w, requestID, http.StatusNotFound, "not_found", "code not found")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "<h1>%s</h1><p>fingerprint: %s</p><pre>%s</pre>",
		html.EscapeString(row.SkillID), html.EscapeString(row.Fingerprint), html.EscapeString(string(code)))
}

func (s *Server) handleSecrets(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r)
	switch r.Method {
	case http.MethodGet:
		names := s.vault.List()
		writeJSON(w, http.StatusOK, map[string]any{"names": names})
	case http.MethodPost:
		if !isAuthorized(r, s.cfg.AdminToken) {
			writeError(w, requestID, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		var body struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, requestID, http.StatusBadRequest, "bad_request", "invalid json request")
			return
		}
		body.Name = strings.TrimSpace(body.Name)
		if body.Name == "" {
			writeError(w, requestID, http.StatusBadRequest, "bad_request", "name is required")
			return
		}
		if err := s.vault.Put(body.Name, []byte(body.Value)); err != nil {
			writeError(w, requestID, http.StatusInternalServerError, "internal_error", "failed to store secret")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func fingerprintOf(code []byte) string {
	sum := sha256.Sum256(code)
	return hex.EncodeToString(sum[:])
}

// decodeSecretNames accepts either a JSON array of names or an object
// whose keys are names, per §4.1's "may be supplied as a list or as the
// keys of a mapping" allowance.
func decodeSecretNames(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var asList []string
	if err := json.Unmarshal(raw, &asList); err == nil {
		return asList, nil
	}
	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asMap); err == nil {
		names := make([]string, 0, len(asMap))
		for name := range asMap {
			names = append(names, name)
		}
		return names, nil
	}
	return nil, fmt.Errorf("secrets must be a list or an object")
}

// mergeSecretNames unions the skill's declared secrets with any
// additionally requested at submission time, preserving declared order
// and skipping duplicates.
func mergeSecretNames(declared, requested []string) []string {
	seen := make(map[string]struct{}, len(declared)+len(requested))
	merged := make([]string, 0, len(declared)+len(requested))
	for _, name := range append(append([]string{}, declared...), requested...) {
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		merged = append(merged, name)
	}
	return merged
}

func pathSuffix(path, prefix, suffix string) (string, bool) {
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix)
	if id == "" {
		return "", false
	}
	return id, true
}

func isAuthorized(r *http.Request, expected string) bool {
	if strings.TrimSpace(expected) == "" {
		return false
	}
	got := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(got, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(got, prefix))
	return token == expected
}

func getRequestID(r *http.Request) string {
	rid := strings.TrimSpace(r.Header.Get("X-Request-ID"))
	if rid != "" {
		return rid
	}
	return uuid.NewString()
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":       code,
		"message":    message,
		"request_id": requestID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
