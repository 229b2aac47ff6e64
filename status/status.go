// Package status serves a small HTTP endpoint reporting health and
// counters of a running splitter process.
package status

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StatsFunc returns the value served at /stats. It is called on every
// request and must be safe for concurrent use.
type StatsFunc func() any

// HealthFunc returns nil while the process is healthy.
type HealthFunc func() error

// NewRouter returns the status routes:
//
//	GET /health  "ok", or 503 with the health error
//	GET /stats   JSON counters
func NewRouter(stats StatsFunc, health HealthFunc) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if health != nil {
			if err := health(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(err.Error()))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet, http.MethodHead)

	r.HandleFunc("/stats", func(w http.ResponseWriter, req *http.Request) {
		b, err := json.Marshal(stats())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(b)
	}).Methods(http.MethodGet)
	return r
}

// Server runs the status routes in the background.
type Server struct {
	srv *http.Server
	ln  net.Listener
	log zerolog.Logger
}

// New returns a server for h listening on addr once started.
func New(addr string, h http.Handler, log zerolog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      h,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		log: log.With().Str("component", "status").Logger(),
	}
}

// Start listens and serves in a new goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.log.Info().Str("addr", ln.Addr().String()).Msg("Status server listening")
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("Status server failed")
		}
	}()
	return nil
}

// Addr returns the address the server listens on, or "" before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops the server, waiting for active requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.ln == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
