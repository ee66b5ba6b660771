// Package api exposes the supervisor's inbound operations and queries over HTTP
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"pipelineworker/internal/metrics"
	"pipelineworker/internal/models"
	"pipelineworker/internal/store"
	"pipelineworker/internal/supervisor"
)

// Supervisor is the part of the task supervisor served over HTTP
type Supervisor interface {
	StartTask(ctx context.Context, req supervisor.StartRequest) (*supervisor.StartResult, error)
	Cancel(ctx context.Context, id uuid.UUID, force bool) (*models.TaskExecution, error)
	Worker() models.Worker
	UpdateWorker(ctx context.Context, input models.WorkerInput) (models.Worker, error)
	Load(q models.QueueType) float64
	Executions() store.ExecutionStore
}

// Statistics resets the task aggregates
type Statistics interface {
	ResetTask(ctx context.Context, taskID uuid.UUID) (*models.TaskStatistics, error)
	ResetAll() <-chan struct{}
}

type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type Server struct {
	ctx        context.Context
	sup        Supervisor
	statistics Statistics
	statsStore store.StatisticsStore
	router     *chi.Mux
	httpServer *http.Server
}

// New creates a new API server instance. The metrics handler is mounted at /metrics when m is set.
func New(ctx context.Context, sup Supervisor, statistics Statistics, statsStore store.StatisticsStore, m *metrics.Metrics, config *Config) *Server {
	s := &Server{
		ctx:        ctx,
		sup:        sup,
		statistics: statistics,
		statsStore: statsStore,
		router:     chi.NewRouter(),
	}

	// Set up middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(requestLogger)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/executions", func(r chi.Router) {
			r.Get("/", s.ListExecutions)
			r.Post("/", s.StartTask)
			r.Delete("/", s.RemoveExecutions)
			r.Get("/connection", s.ExecutionConnection)
			r.Get("/running", s.RunningExecutions)
			r.Get("/{id}", s.GetExecution)
			r.Post("/{id}/stop", s.StopTask)
		})
		r.Route("/worker", func(r chi.Router) {
			r.Get("/", s.GetWorker)
			r.Put("/", s.UpdateWorker)
		})
		r.Route("/statistics", func(r chi.Router) {
			r.Get("/", s.ListStatistics)
			r.Post("/reset", s.ResetStatistics)
			r.Get("/{taskId}", s.GetStatistics)
		})
	})

	if m != nil {
		s.router.Handle("/metrics", m.Handler())
	}

	if config != nil {
		s.httpServer = &http.Server{
			Addr:              net.JoinHostPort(config.Host, strconv.Itoa(config.Port)),
			Handler:           s.router,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe blocks until the server is shut down
func (s *Server) ListenAndServe() error {
	if s.httpServer == nil {
		return errors.New("api server has no listen address")
	}
	log.Info().Str("addr", s.httpServer.Addr).Msg("Serving API")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Handled request")
	})
}

func readJson(w http.ResponseWriter, r *http.Request, payload any) error {
	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close request body")
		}
	}()

	err := json.NewDecoder(r.Body).Decode(payload)
	if err != nil {
		http.Error(w, "could not parse request body to payload", http.StatusBadRequest)
	}
	return err
}

func serveJson(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(payload)
	if err != nil {
		http.Error(w, "Failed to encode payload", http.StatusInternalServerError)
		log.Error().Err(err).Msg("JSON encoding issue")
	}
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid %s", name), http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// storeError maps a store failure onto a response
func storeError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	log.Error().Err(err).Msg(msg)
	http.Error(w, msg, http.StatusInternalServerError)
}
