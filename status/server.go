package status

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-hclog"

	"github.com/blockberries/raftberry/engine"
	"github.com/blockberries/raftberry/types"
)

// Backend is what the HTTP surface needs from the engine.
// *engine.Engine implements it.
type Backend interface {
	Status() engine.Status
	Cluster() *types.ClusterConfig
	AddMember(ctx context.Context, id types.NodeID, peer types.PeerID) error
	RemoveMember(ctx context.Context, id types.NodeID) error
}

// requestTimeout bounds how long a membership request waits for the
// engine loop.
const requestTimeout = 5 * time.Second

// NewRouter builds the HTTP handler.
func NewRouter(backend Backend, logger hclog.Logger) http.Handler {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	registerRoutes(r, backend)
	return r
}

func registerRoutes(r chi.Router, backend Backend) {
	r.Get("/healthz", handleHealthz(backend))
	r.Get("/status", handleStatus(backend))
	r.Route("/cluster", func(r chi.Router) {
		r.Get("/", handleCluster(backend))
		r.Post("/members", handleAddMember(backend))
		r.Delete("/members/{id}", handleRemoveMember(backend))
	})
}

// requestLogger logs each request at debug level.
func requestLogger(logger hclog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}

// Server serves the router on a TCP address.
type Server struct {
	logger hclog.Logger
	srv    *http.Server
	ln     net.Listener
	done   chan struct{}
}

// NewServer creates a server for backend on addr.
func NewServer(addr string, backend Backend, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Server{
		logger: logger,
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(backend, logger),
			ReadHeaderTimeout: 5 * time.Second,
		},
		done: make(chan struct{}),
	}
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.logger.Info("status server listening", "addr", ln.Addr().String())

	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the listening address, once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.srv.Addr
	}
	return s.ln.Addr().String()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.ln == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	<-s.done
	return err
}
