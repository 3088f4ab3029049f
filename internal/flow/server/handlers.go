package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/flowmason/flowmason/internal/flow/engine"
	"github.com/flowmason/flowmason/internal/flow/model"
	"github.com/flowmason/flowmason/internal/flow/runstate"
	"github.com/flowmason/flowmason/internal/flow/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"runs":   len(s.registry.List()),
	})
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req SubmitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.FlowchartSource == "" && req.FlowchartPath == "" {
		writeError(w, http.StatusBadRequest, "flowchart_source or flowchart_path is required")
		return
	}
	if req.FlowchartSource != "" && req.FlowchartPath != "" {
		writeError(w, http.StatusBadRequest, "provide flowchart_source or flowchart_path, not both")
		return
	}

	var f *model.Flowchart
	var err error
	if req.FlowchartSource != "" {
		f, err = model.ParseYAML([]byte(req.FlowchartSource))
	} else {
		f, err = model.LoadFile(req.FlowchartPath)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid flowchart: %v", err))
		return
	}

	cfg := s.config.RunConfig
	if req.ConfigPath != "" {
		cfg, err = engine.LoadRunConfig(req.ConfigPath)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid config: %v", err))
			return
		}
	}

	// Submitted flowcharts become subroutine targets for later runs.
	s.launcher.Register(f)

	events := engine.NewPublisher(cfg.EventBufferSize)
	ctx, cancel := context.WithCancel(s.baseCtx)

	c, err := engine.NewCoordinator(ctx, engine.CoordinatorOptions{
		Flowchart: f,
		Config:    cfg,
		Store:     s.opts.Store,
		Events:    events,
		Tasks:     s.opts.Tasks,
		Launcher:  s.launcher,
		Retriever: s.opts.Retriever,
		Prompts:   s.opts.Prompts,
	})
	if err != nil {
		cancel()
		events.Close()
		writeError(w, http.StatusBadRequest, fmt.Sprintf("run rejected: %v", err))
		return
	}

	broadcaster := NewBroadcaster()
	sub, unsub := events.Subscribe()
	rs := &RunState{
		RunID:       c.RunID(),
		FlowchartID: f.ID,
		Broadcaster: broadcaster,
		// Cancelling through the coordinator hands in-flight task dispatches
		// to the task runner before the run context is torn down.
		Cancel:    c.Cancel,
		StartedAt: time.Now().UTC(),
	}
	s.registry.Register(rs)

	go broadcaster.pump(sub)
	go func() {
		defer func() {
			unsub()
			events.Close()
			broadcaster.Close()
			cancel()
		}()
		run, err := c.Execute(ctx)
		rs.SetResult(run, err)
		if err != nil {
			s.logger.Printf("run %s failed: %v", rs.RunID, err)
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"run_id": rs.RunID,
		"status": "accepted",
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	snap, err := runstate.Build(r.Context(), s.opts.Store, runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	rs, ok := s.registry.Get(runID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
		return
	}
	WriteSSE(w, r, rs.Broadcaster)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	rs, ok := s.registry.Get(runID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
		return
	}
	rs.Cancel()
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceling"})
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := s.opts.Store.GetRun(r.Context(), runID); err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	doc, err := s.opts.Store.GetPlanDocument(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleNodeArtifacts(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("id")
	arts, err := s.opts.Store.ListArtifactsByNode(r.Context(), nodeID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, arts)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
