// Package server exposes flowchart run management over HTTP: submit a run,
// watch its event stream, inspect its state, cancel it.
package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowmason/flowmason/internal/flow/engine"
	"github.com/flowmason/flowmason/internal/flow/store"
)

// Config holds server configuration.
type Config struct {
	Addr string // listen address, e.g. ":8080"

	// RunConfig applies to runs submitted without a config_path.
	RunConfig engine.RunConfig
}

// Options wires the execution dependencies shared by all runs.
type Options struct {
	Store     store.Store
	Tasks     engine.TaskRunner
	Retriever engine.RAGBackend
	Prompts   map[string]string
}

// Server is the HTTP server for managing flowchart runs.
type Server struct {
	config   Config
	opts     Options
	registry *RunRegistry
	launcher *engine.Launcher
	baseCtx  context.Context
	cancel   context.CancelFunc
	httpSrv  *http.Server
	logger   *log.Logger
}

// New creates a new Server with the given config.
func New(cfg Config, opts Options) *Server {
	cfg.RunConfig.ApplyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   cfg,
		opts:     opts,
		registry: NewRunRegistry(),
		launcher: &engine.Launcher{
			Config:    cfg.RunConfig,
			Store:     opts.Store,
			Tasks:     opts.Tasks,
			Retriever: opts.Retriever,
			Prompts:   opts.Prompts,
		},
		baseCtx: ctx,
		cancel:  cancel,
		logger:  log.New(os.Stderr, "[flowmason-server] ", log.LstdFlags),
	}

	mux := http.NewServeMux()

	// Go 1.22+ method+pattern routing.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /runs", s.handleSubmitRun)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /runs/{id}/events", s.handleRunEvents)
	mux.HandleFunc("POST /runs/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("GET /runs/{id}/plan", s.handleGetPlan)
	mux.HandleFunc("GET /nodes/{id}/artifacts", s.handleNodeArtifacts)

	s.httpSrv = &http.Server{
		Handler:      csrfProtect(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s
}

// Handler exposes the routed handler; used by tests with httptest.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		s.logger.Printf("received %s, shutting down...", sig)
		s.Shutdown()
	}()

	s.logger.Printf("listening on %s", s.config.Addr)
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// csrfProtect rejects cross-origin POST requests. Browsers automatically set
// the Origin header on cross-origin requests, so checking it blocks CSRF from
// malicious web pages while allowing CLI/programmatic callers (which either
// omit Origin or set it to match the server).
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					http.Error(w, `{"error":"invalid Origin header"}`, http.StatusForbidden)
					return
				}
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					http.Error(w, `{"error":"cross-origin request blocked"}`, http.StatusForbidden)
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown gracefully stops the server and all running flowcharts.
func (s *Server) Shutdown() {
	s.registry.CancelAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)

	s.cancel()
}
