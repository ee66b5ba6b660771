package api

import (
	"net/http"
)

func (s *Server) GetWorker(w http.ResponseWriter, _ *http.Request) {
	serveJson(w, s.sup.Worker())
}

// UpdateWorker applies the fields present in the body
func (s *Server) UpdateWorker(w http.ResponseWriter, r *http.Request) {
	var payload WorkerRequest
	if err := readJson(w, r, &payload); err != nil {
		return
	}
	if err := payload.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	worker, err := s.sup.UpdateWorker(r.Context(), payload.WorkerInput)
	if err != nil {
		storeError(w, err, "Could not update worker")
		return
	}
	serveJson(w, worker)
}
