// Package server exposes the service's small HTTP surface: a liveness root
// and a pool-health snapshot.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/driftline/driftline/internal/buildinfo"
	"github.com/driftline/driftline/internal/llm"
)

// PoolStatus reports endpoint health per pool.
type PoolStatus interface {
	Status() map[string][]llm.EndpointStatus
}

// Server wraps the HTTP server and mux.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates the HTTP server wired with all routes.
func NewServer(listenAddress string, port int, pools PoolStatus) *Server {
	mux := http.NewServeMux()

	mux.Handle("GET /", handleRoot())
	mux.Handle("GET /healthz", handleHealthz())
	mux.Handle("GET /api/v1/pools", handlePools(pools))

	return &Server{
		httpServer: &http.Server{
			Addr:    net.JoinHostPort(listenAddress, strconv.Itoa(port)),
			Handler: mux,
		},
		mux: mux,
	}
}

// ListenAndServe starts serving; blocks until Shutdown or failure.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func handleRoot() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("driftline is running\n"))
	})
}

func handleHealthz() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "ok",
			"version": buildinfo.Version,
		})
	})
}

func handlePools(pools PoolStatus) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if pools == nil {
			w.Write([]byte("{}"))
			return
		}
		json.NewEncoder(w).Encode(pools.Status())
	})
}
