package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// netGuard is a loopback-bound HTTP CONNECT proxy that only tunnels to
// hostnames on an allow-list. It is handed to the sandboxed child as
// HTTP_PROXY/HTTPS_PROXY, so clients in the child that honor those
// variables pass their outbound connections through it. Connections the
// child opens without the proxy are not seen or blocked by the guard.
type netGuard struct {
	allow    map[string]struct{}
	listener net.Listener
	server   *http.Server
}

func newNetGuard(allowedHosts []string) (*netGuard, error) {
	allow := make(map[string]struct{}, len(allowedHosts))
	for _, host := range allowedHosts {
		allow[strings.ToLower(strings.TrimSpace(host))] = struct{}{}
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("start network guard listener: %w", err)
	}

	g := &netGuard{allow: allow, listener: listener}
	g.server = &http.Server{
		Handler:           http.HandlerFunc(g.handle),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := g.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("network guard stopped unexpectedly", "error", err)
		}
	}()
	return g, nil
}

// Addr returns the loopback address the guard listens on, suitable for
// use as an HTTP_PROXY value.
func (g *netGuard) Addr() string {
	return "http://" + g.listener.Addr().String()
}

func (g *netGuard) allowed(host string) bool {
	host = strings.ToLower(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	_, ok := g.allow[host]
	return ok
}

func (g *netGuard) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodConnect {
		http.Error(w, "network guard: plain http proxying is not permitted, only CONNECT tunnels", http.StatusMethodNotAllowed)
		return
	}
	if !g.allowed(r.Host) {
		http.Error(w, fmt.Sprintf("network guard: host %q is not on the allow-list", r.Host), http.StatusForbidden)
		return
	}

	dest, err := net.DialTimeout("tcp", r.Host, 10*time.Second)
	if err != nil {
		http.Error(w, "network guard: dial upstream failed", http.StatusBadGateway)
		return
	}
	defer dest.Close()

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "network guard: hijacking not supported", http.StatusInternalServerError)
		return
	}
	client, _, err := hijacker.Hijack()
	if err != nil {
		return
	}
	defer client.Close()

	client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

	done := make(chan struct{}, 2)
	go func() { io.Copy(dest, client); done <- struct{}{} }()
	go func() { io.Copy(client, dest); done <- struct{}{} }()
	<-done
}

// Close shuts the guard down, tolerating a background caller that has
// already given up waiting on it.
func (g *netGuard) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = g.server.Shutdown(ctx)
}
