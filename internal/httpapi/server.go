package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/you/streamscout/internal/engine"
	"github.com/you/streamscout/internal/version"
)

// Server exposes the status/introspection read model plus Prometheus
// metrics. Visibility only: nothing here mutates pool membership.
type Server struct {
	eng        *engine.Engine
	httpServer *http.Server
	limiter    *clientLimiter
}

type Options struct {
	Addr           string
	RateLimitRPS   int
	RateLimitBurst int
}

func New(eng *engine.Engine, opts Options) *Server {
	srv := &Server{
		eng:     eng,
		limiter: newClientLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealthz)
	mux.HandleFunc("/status", srv.handleStatus)
	mux.HandleFunc("/version", srv.handleVersion)
	mux.HandleFunc("/admin/discover", srv.handleDiscover)
	mux.Handle("/metrics", eng.Metrics().Handler())

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           srv.limiter.middleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv
}

func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	topK := 10
	if raw := r.URL.Query().Get("top"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			topK = n
			if topK > 100 {
				topK = 100
			}
		}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(s.eng.Status(topK))
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"version": version.Version,
		"commit":  version.Commit,
		"built":   version.BuildTime,
	})
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.eng.TriggerDiscovery()
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]string{"ok": "true"})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
