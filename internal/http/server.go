package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/cartridge/expreplay/internal/checkpoint"
	"github.com/cartridge/expreplay/internal/metrics"
	"github.com/cartridge/expreplay/internal/middleware"
	"github.com/cartridge/expreplay/internal/service"
	"github.com/cartridge/expreplay/internal/storage"
)

const maxBody = 32 << 20

// Server wires HTTP handlers to the replay service.
type Server struct {
	replay  *service.ReplayService
	metrics *metrics.Collector
	logger  *zerolog.Logger
}

// NewServer constructs a Server instance.
func NewServer(replay *service.ReplayService, collector *metrics.Collector, logger *zerolog.Logger) *Server {
	return &Server{replay: replay, metrics: collector, logger: logger}
}

type storeRequest struct {
	Transitions []*storage.Transition `json:"transitions"`
}

type sampleRequest struct {
	BatchSize int      `json:"batch_size"`
	Beta      *float64 `json:"beta,omitempty"`
}

type prioritiesRequest struct {
	Indices    []int     `json:"indices"`
	Priorities []float64 `json:"priorities"`
}

// Routes builds the HTTP router for the replay service.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CorrelationID)
	r.Use(middleware.RequestLogger(*s.logger))
	r.Use(middleware.Metrics(s.metrics))
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/transitions", s.handleStore)
		r.Patch("/transitions/last/info", s.handleUpdateLastInfo)
		r.Get("/transitions/{index}", s.handleGet)
		r.Delete("/transitions/{index}", s.handleRemove)
		r.Post("/sample", s.handleSample)
		r.Post("/priorities", s.handleUpdatePriorities)
		r.Post("/clean", s.handleClean)
		r.Get("/stats", s.handleStats)
		r.Get("/checkpoints", s.handleListCheckpoints)
		r.Post("/checkpoints/{name}", s.handleSaveCheckpoint)
		r.Post("/checkpoints/{name}/restore", s.handleRestoreCheckpoint)
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "length": s.replay.Length()})
}

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	var payload storeRequest
	if !s.decode(w, r, &payload) {
		return
	}
	if len(payload.Transitions) == 0 {
		s.writeError(w, http.StatusBadRequest, "transitions are required")
		return
	}
	result, err := s.replay.StoreBatch(r.Context(), payload.Transitions)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	index, ok := s.index(w, r)
	if !ok {
		return
	}
	transition, err := s.replay.Get(r.Context(), index)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, transition)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	index, ok := s.index(w, r)
	if !ok {
		return
	}
	if err := s.replay.Remove(r.Context(), index); err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateLastInfo(w http.ResponseWriter, r *http.Request) {
	var info map[string]any
	if !s.decode(w, r, &info) {
		return
	}
	if err := s.replay.UpdateLastInfo(r.Context(), info); err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"length": s.replay.Length()})
}

func (s *Server) handleSample(w http.ResponseWriter, r *http.Request) {
	var payload sampleRequest
	if !s.decode(w, r, &payload) {
		return
	}
	result, err := s.replay.Sample(r.Context(), payload.BatchSize, payload.Beta)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleUpdatePriorities(w http.ResponseWriter, r *http.Request) {
	var payload prioritiesRequest
	if !s.decode(w, r, &payload) {
		return
	}
	updated, err := s.replay.UpdatePriorities(r.Context(), payload.Indices, payload.Priorities)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"updated_count": updated})
}

func (s *Server) handleClean(w http.ResponseWriter, r *http.Request) {
	if err := s.replay.Clean(r.Context()); err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.replay.Stats(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	records, err := s.replay.ListCheckpoints(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"checkpoints": records})
}

func (s *Server) handleSaveCheckpoint(w http.ResponseWriter, r *http.Request) {
	record, err := s.replay.SaveCheckpoint(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleRestoreCheckpoint(w http.ResponseWriter, r *http.Request) {
	stats, err := s.replay.RestoreCheckpoint(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		s.writeError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return false
	}
	return true
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "index must be an integer")
		return 0, false
	}
	return index, true
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrInvalidArgument), errors.Is(err, storage.ErrConfiguration):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrNotFound), errors.Is(err, checkpoint.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrInsufficientTransitions), errors.Is(err, storage.ErrEmptyMemory):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrUnsupported):
		s.writeError(w, http.StatusNotImplemented, err.Error())
	case errors.Is(err, service.ErrCheckpointsDisabled):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}
