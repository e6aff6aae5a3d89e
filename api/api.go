// Package api implements the HTTP transport for the run lifecycle
// endpoints (spec §6): Start/Stop/Rerun/Status/Approve/Callback, hand-wired
// over goa.design/goa/v3/http's Muxer in the teacher's manner
// (example/cmd/assistant/http.go) since there is no design package to
// generate servers from here.
package api

import (
	"context"
	"net/http"
	"time"

	goahttp "goa.design/goa/v3/http"

	"github.com/sopforge/orchestrator/checkpoint"
	"github.com/sopforge/orchestrator/eventbus"
	"github.com/sopforge/orchestrator/runmgr"
	"github.com/sopforge/orchestrator/skill"
	"github.com/sopforge/orchestrator/telemetry"
)

// Server wires runmgr.Manager onto an HTTP mux. It owns no lifecycle state
// itself; all of that lives in runmgr.Manager and the checkpoint/eventbus
// stores it was built with. checkpoints is kept alongside runs so the
// status handler can inspect the latest fast-tier checkpoint directly,
// since runmgr.Manager doesn't expose one.
type Server struct {
	runs        *runmgr.Manager
	skills      *skill.Registry
	bus         *eventbus.Bus
	checkpoints *checkpoint.Store
	logger      telemetry.Logger
}

// New builds a Server.
func New(runs *runmgr.Manager, skills *skill.Registry, bus *eventbus.Bus, checkpoints *checkpoint.Store, logger telemetry.Logger) *Server {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Server{runs: runs, skills: skills, bus: bus, checkpoints: checkpoints, logger: logger}
}

// Mount registers every endpoint this package serves onto mux, following
// the teacher's goahttp.Muxer.Handle(method, pattern, handler) pattern.
func (s *Server) Mount(mux goahttp.Muxer) {
	withVars := func(h func(http.ResponseWriter, *http.Request, map[string]string)) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) { h(w, r, mux.Vars(r)) }
	}
	mux.Handle(http.MethodPost, "/start", s.handleStart)
	mux.Handle(http.MethodPost, "/stop/{thread_id}", withVars(s.handleStop))
	mux.Handle(http.MethodPost, "/rerun/{thread_id}", withVars(s.handleRerun))
	mux.Handle(http.MethodGet, "/status/{thread_id}", withVars(s.handleStatus))
	mux.Handle(http.MethodPost, "/approve/{thread_id}", withVars(s.handleApprove))
	mux.Handle(http.MethodPost, "/callback", s.handleCallback)
	mux.Handle(http.MethodGet, "/healthz", s.handleHealthz)
}

// NewServer builds a Muxer with s's endpoints mounted and wraps it with the
// request logging middleware the teacher applies in handleHTTPServer,
// returning a ready-to-serve http.Handler.
func (s *Server) NewServer(ctx context.Context) http.Handler {
	mux := goahttp.NewMuxer()
	s.Mount(mux)
	return requestLog(ctx, s.logger)(mux)
}

// requestLog logs method, path, status, and latency for every request,
// grounded on the teacher's log.HTTP(ctx) middleware (example/cmd/assistant/http.go)
// but implemented against telemetry.Logger rather than goa.design/clue/log
// directly, since this package has no generated request IDs to thread
// through clue's context key.
func requestLog(ctx context.Context, logger telemetry.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			logger.Info(ctx, "http request",
				"method", r.Method, "path", r.URL.Path,
				"status", sw.status, "duration_ms", time.Since(start).Milliseconds())
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
