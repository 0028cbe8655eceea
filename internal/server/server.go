package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"bandalign/internal/pipeline"
	"bandalign/internal/storage"
	"bandalign/internal/tasks"
)

// ServiceName is the gRPC health service reporting the registration loop.
const ServiceName = "bandalign.Registration"

// Server exposes run history and live progress over HTTP, a health service
// over gRPC, and optionally registers band groups as they appear in a
// watched directory.
type Server struct {
	httpAddr string
	grpcAddr string
	store    *storage.Store
	pipeline *pipeline.Pipeline
	watcher  *tasks.GroupWatcher
	outDir   string
	log      *slog.Logger

	server   *http.Server
	grpc     *grpc.Server
	health   *health.Server
	hub      *hub
	upgrader websocket.Upgrader

	mu   sync.Mutex
	last *Event
}

// Options configure NewServer. Watcher may be nil to serve history only.
type Options struct {
	HTTPAddr string
	GRPCAddr string
	Store    *storage.Store
	Pipeline *pipeline.Pipeline
	Watcher  *tasks.GroupWatcher
	OutDir   string
}

// NewServer creates the status server.
func NewServer(opts Options, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		httpAddr: opts.HTTPAddr,
		grpcAddr: opts.GRPCAddr,
		store:    opts.Store,
		pipeline: opts.Pipeline,
		watcher:  opts.Watcher,
		outDir:   opts.OutDir,
		log:      log,
		health:   health.NewServer(),
		hub:      newHub(log),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs/{id}", s.handleRun).Methods("GET")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.hub.run(ctx)
	go s.forwardResults(ctx)

	if s.grpcAddr != "" {
		lis, err := net.Listen("tcp", s.grpcAddr)
		if err != nil {
			return err
		}
		go func() {
			if err := s.ServeGRPC(lis); err != nil {
				s.log.Error("gRPC server stopped", "error", err)
			}
		}()
		s.log.Info("gRPC health service listening", "addr", s.grpcAddr)
	}

	var watchDone chan struct{}
	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			return err
		}
		watchDone = make(chan struct{})
		go func() {
			defer close(watchDone)
			s.watchLoop(ctx)
		}()
	}

	s.server = &http.Server{Addr: s.httpAddr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		if s.watcher != nil {
			s.pipeline.RequestStop()
			_ = s.watcher.Stop()
			<-watchDone
		}
		s.StopGRPC()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("status server starting", "addr", s.httpAddr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ServeGRPC serves the health service on lis until the server stops.
func (s *Server) ServeGRPC(lis net.Listener) error {
	s.mu.Lock()
	s.grpc = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)
	srv := s.grpc
	s.mu.Unlock()
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return srv.Serve(lis)
}

// StopGRPC stops the health service, if running.
func (s *Server) StopGRPC() {
	s.mu.Lock()
	srv := s.grpc
	s.mu.Unlock()
	s.health.Shutdown()
	if srv != nil {
		srv.GracefulStop()
	}
}

// watchLoop registers each group the watcher reports complete.
func (s *Server) watchLoop(ctx context.Context) {
	for g := range s.watcher.Ready {
		if ctx.Err() != nil {
			continue
		}
		sum := s.pipeline.Run(ctx, []pipeline.Job{{Kind: pipeline.KindMultiband, Group: g, OutDir: s.outDir}})
		if err := sum.Err(); err != nil {
			s.log.Warn("watched group failed", "group", g.Base, "error", err)
		}
	}
}

// forwardResults feeds pipeline results to SSE and websocket clients.
func (s *Server) forwardResults(ctx context.Context) {
	if s.pipeline == nil {
		return
	}
	ch, unsub := s.pipeline.Subscribe()
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-ch:
			if !ok {
				return
			}
			ev := NewEvent(res)
			s.mu.Lock()
			s.last = &ev
			s.mu.Unlock()
			s.hub.publish(ev)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := map[string]any{"watching": s.watcher != nil}
	if s.pipeline != nil {
		st["progress"] = s.pipeline.Progress()
		st["stopping"] = s.pipeline.Stopping()
	}
	s.mu.Lock()
	if s.last != nil {
		st["last"] = *s.last
	}
	s.mu.Unlock()
	writeJSON(w, st)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentRuns(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, recs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	groups, err := s.store.GroupsForRun(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := map[string]any{"id": id, "groups": groups}
	if summary, err := s.store.RunSummary(id); err == nil {
		out["summary"] = summary
	}
	writeJSON(w, out)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	events, unsubscribe := s.hub.subscribe()
	defer unsubscribe()
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case payload, ok := <-events:
			if !ok {
				return
			}
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

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
