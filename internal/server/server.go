package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"swimalign/internal/pipeline"
	"swimalign/internal/project"
	"swimalign/internal/recipe"
	"swimalign/internal/stack"
	"swimalign/internal/storage"
)

// Options configures a Server.
type Options struct {
	Addr     string
	Store    *storage.Store
	Pipeline *pipeline.Pipeline
	Project  *project.Project
	// Watcher, when set, reloads the project and recomposes the stack on
	// every change to the project file.
	Watcher *project.Watcher
	Log     *slog.Logger
}

// Server exposes alignment results and run progress to downstream viewers.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline *pipeline.Pipeline
	watcher  *project.Watcher
	log      *slog.Logger
	server   *http.Server
	hub      *hub
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	project *project.Project
	baseCtx context.Context
	runs    sync.WaitGroup
}

// NewServer creates a server for one project.
func NewServer(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:     opts.Addr,
		store:    opts.Store,
		pipeline: opts.Pipeline,
		watcher:  opts.Watcher,
		log:      log,
		hub:      newHub(log),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		project: opts.Project,
		baseCtx: context.Background(),
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx
	go s.forwardEvents(ctx)
	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			return err
		}
		go s.pipeline.Follow(ctx, s.watcher, s.currentProject().Path(), s.setProject)
	}

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		if s.watcher != nil {
			s.watcher.Stop()
		}
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
		s.hub.closeAll()
	}()

	s.log.Info("server starting", "addr", s.addr, "project", s.currentProject().Path())
	err := s.server.ListenAndServe()
	s.pipeline.Cancel()
	s.runs.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/api/runs", s.handleStartRun).Methods("POST")
	r.HandleFunc("/api/runs/cancel", s.handleCancel).Methods("POST")
	r.HandleFunc("/api/runs/{id}", s.handleRunResults).Methods("GET")
	r.HandleFunc("/api/sections", s.handleSections).Methods("GET")
	r.HandleFunc("/api/sections/{index:[0-9]+}", s.handleSection).Methods("GET")
	r.HandleFunc("/api/cafm", s.handleCafm).Methods("GET")
	r.HandleFunc("/api/cafm", s.handleRecompose).Methods("POST")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
}

func (s *Server) currentProject() *project.Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.project
}

func (s *Server) setProject(p *project.Project) {
	s.mu.Lock()
	s.project = p
	s.mu.Unlock()
	s.log.Info("project reloaded", "path", p.Path())
}

// level returns the level named by the query, defaulting to the coarsest.
func (s *Server) level(r *http.Request, p *project.Project) (string, bool) {
	return resolveLevel(p, r.URL.Query().Get("level"))
}

func resolveLevel(p *project.Project, level string) (string, bool) {
	if level == "" {
		if len(p.Levels) == 0 {
			return "", false
		}
		return p.Levels[0], true
	}
	for _, l := range p.Levels {
		if l == level {
			return level, true
		}
	}
	return "", false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentRuns(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleRunResults(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RunResults(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(recs) == 0 {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

type runRequest struct {
	Level    string `json:"level"`
	Sections []int  `json:"sections"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	p := s.currentProject()
	level, ok := resolveLevel(p, req.Level)
	if !ok {
		http.Error(w, "unknown level", http.StatusBadRequest)
		return
	}
	for _, i := range req.Sections {
		if i < 0 || i >= len(p.Sections) {
			http.Error(w, "section out of range", http.StatusBadRequest)
			return
		}
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		run, _, err := s.pipeline.AlignProject(s.baseCtx, p, level, req.Sections)
		if err != nil {
			s.log.Error("alignment run failed", "level", level, "error", err)
			return
		}
		s.log.Info("alignment run finished", "run_id", run.ID, "status", run.Status)
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "level": level})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.pipeline.Cancel()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

type sectionSummary struct {
	Index     int     `json:"index"`
	Name      string  `json:"name"`
	Include   bool    `json:"include"`
	Reference int     `json:"reference"`
	Aligned   bool    `json:"aligned"`
	Complete  bool    `json:"complete"`
	SNRMean   float64 `json:"snr_mean"`
	CafmHash  string  `json:"cafm_hash,omitempty"`
	Stale     bool    `json:"stale"`
}

func (s *Server) handleSections(w http.ResponseWriter, r *http.Request) {
	p := s.currentProject()
	level, ok := s.level(r, p)
	if !ok {
		http.Error(w, "unknown level", http.StatusBadRequest)
		return
	}
	stale := make(map[int]bool)
	for _, i := range p.Stale(level) {
		stale[i] = true
	}
	out := make([]sectionSummary, 0, len(p.Sections))
	for i := range p.Sections {
		sec, err := p.Section(i)
		if err != nil {
			continue
		}
		sum := sectionSummary{
			Index:     i,
			Name:      sec.Name,
			Include:   sec.Include,
			Reference: p.ReferenceFor(i),
			Stale:     stale[i],
		}
		if ld, err := p.Level(i, level); err == nil {
			if ld.Result != nil {
				sum.Aligned = true
				sum.Complete = ld.Result.Complete
				sum.SNRMean = ld.Result.SNRMean
			}
			if ld.Cafm != nil {
				sum.CafmHash = ld.Cafm.CafmHash
			}
		}
		out = append(out, sum)
	}
	writeJSON(w, http.StatusOK, out)
}

type sectionDetail struct {
	Index    int                     `json:"index"`
	Name     string                  `json:"name"`
	Level    string                  `json:"level"`
	Settings recipe.SwimSettings     `json:"settings"`
	Result   *recipe.AlignmentResult `json:"alignment"`
	Cafm     *stack.Record           `json:"cafm"`
}

func (s *Server) handleSection(w http.ResponseWriter, r *http.Request) {
	p := s.currentProject()
	level, ok := s.level(r, p)
	if !ok {
		http.Error(w, "unknown level", http.StatusBadRequest)
		return
	}
	index, _ := strconv.Atoi(mux.Vars(r)["index"])
	sec, err := p.Section(index)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	settings, err := p.SettingsFor(index, level)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	ld, _ := p.Level(index, level)
	writeJSON(w, http.StatusOK, sectionDetail{
		Index:    index,
		Name:     sec.Name,
		Level:    level,
		Settings: settings,
		Result:   ld.Result,
		Cafm:     ld.Cafm,
	})
}

type cafmResponse struct {
	Level     string           `json:"level"`
	PolyOrder *int             `json:"poly_order"`
	Bias      *stack.BiasFuncs `json:"bias,omitempty"`
	Records   []*stack.Record  `json:"records"`
}

func (s *Server) handleCafm(w http.ResponseWriter, r *http.Request) {
	p := s.currentProject()
	level, ok := s.level(r, p)
	if !ok {
		http.Error(w, "unknown level", http.StatusBadRequest)
		return
	}
	resp := cafmResponse{Level: level, PolyOrder: p.PolyOrder, Bias: p.Bias[level]}
	for i := range p.Sections {
		ld, err := p.Level(i, level)
		if err != nil {
			continue
		}
		resp.Records = append(resp.Records, ld.Cafm)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRecompose(w http.ResponseWriter, r *http.Request) {
	p := s.currentProject()
	level, ok := s.level(r, p)
	if !ok {
		http.Error(w, "unknown level", http.StatusBadRequest)
		return
	}
	res, err := s.pipeline.Recompose(p, level)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	events, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, _ := json.Marshal(ev)
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.hub.register(conn)

	go func() {
		defer s.hub.unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// forwardEvents relays pipeline events to websocket clients.
func (s *Server) forwardEvents(ctx context.Context) {
	events, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.log.Warn("encode event", "error", err)
				continue
			}
			s.hub.broadcast(data)
		}
	}
}
