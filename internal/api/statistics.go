package api

import (
	"net/http"

	"github.com/google/uuid"
	"pipelineworker/internal/models"
)

func (s *Server) ListStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.statsStore.List(r.Context())
	if err != nil {
		storeError(w, err, "Could not fetch task statistics")
		return
	}
	if stats == nil {
		stats = []*models.TaskStatistics{}
	}
	serveJson(w, stats)
}

func (s *Server) GetStatistics(w http.ResponseWriter, r *http.Request) {
	taskID, ok := uuidParam(w, r, "taskId")
	if !ok {
		return
	}
	stats, err := s.statsStore.GetOrCreate(r.Context(), taskID)
	if err != nil {
		storeError(w, err, "Could not fetch task statistics")
		return
	}
	serveJson(w, stats)
}

// ResetStatistics clears one task immediately when task_id is given, otherwise every task once
// the updates queued before the request have been applied
func (s *Server) ResetStatistics(w http.ResponseWriter, r *http.Request) {
	if v := r.URL.Query().Get("task_id"); v != "" {
		taskID, err := uuid.Parse(v)
		if err != nil {
			http.Error(w, "invalid task_id", http.StatusBadRequest)
			return
		}
		stats, err := s.statistics.ResetTask(r.Context(), taskID)
		if err != nil {
			storeError(w, err, "Could not reset task statistics")
			return
		}
		serveJson(w, stats)
		return
	}

	s.statistics.ResetAll()
	w.WriteHeader(http.StatusAccepted)
}
