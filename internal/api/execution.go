package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/rs/zerolog/log"
	"pipelineworker/internal/models"
	"pipelineworker/internal/store"
)

func (s *Server) StartTask(w http.ResponseWriter, r *http.Request) {
	var payload StartTaskRequest
	if err := readJson(w, r, &payload); err != nil {
		return
	}
	if err := payload.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.sup.StartTask(r.Context(), payload.StartRequest)
	if err != nil {
		log.Error().Err(err).Str("task_definition_id", payload.TaskDefinitionID.String()).Msg("Could not start task")
		http.Error(w, "Could not start task", http.StatusInternalServerError)
		return
	}
	serveJson(w, res)
}

// StopTask cancels an execution. A backend that could not be reached yields 502 unless force is set.
func (s *Server) StopTask(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	exec, err := s.sup.Cancel(r.Context(), id, force)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	} else if err != nil {
		log.Error().Err(err).Str("task_execution_id", id.String()).Msg("Could not stop task")
		http.Error(w, "Could not stop task", http.StatusBadGateway)
		return
	}
	serveJson(w, exec)
}

func (s *Server) GetExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	exec, err := s.sup.Executions().Get(r.Context(), id)
	if err != nil {
		storeError(w, err, "Could not fetch task execution")
		return
	}
	serveJson(w, exec)
}

// ListExecutions serves an offset page ordered by completion time, newest first
func (s *Server) ListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		http.Error(w, "invalid offset", http.StatusBadRequest)
		return
	}
	limit, err := intParam(q.Get("limit"), defaultPageSize)
	if err != nil || limit <= 0 {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}
	limit = min(limit, maxPageSize)

	completion, ok := completionParam(w, q.Get("completion"))
	if !ok {
		return
	}

	execs := s.sup.Executions()
	items, err := execs.Page(r.Context(), offset, limit, completion)
	if err != nil {
		storeError(w, err, "Could not fetch task executions")
		return
	}
	total, err := execs.Count(r.Context(), completion)
	if err != nil {
		storeError(w, err, "Could not count task executions")
		return
	}

	serveJson(w, ExecutionPage{Offset: offset, Limit: limit, TotalCount: total, Items: nonNil(items)})
}

// ExecutionConnection serves a cursor page. The cursor of an edge is its absolute position.
func (s *Server) ExecutionConnection(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	first, err := intParam(q.Get("first"), defaultPageSize)
	if err != nil || first <= 0 {
		http.Error(w, "invalid first", http.StatusBadRequest)
		return
	}
	first = min(first, maxPageSize)

	offset := 0
	if after := q.Get("after"); after != "" {
		pos, err := DecodeCursor(after)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		offset = pos + 1
	}

	completion, ok := completionParam(w, q.Get("completion"))
	if !ok {
		return
	}

	execs := s.sup.Executions()
	items, err := execs.Page(r.Context(), offset, first, completion)
	if err != nil {
		storeError(w, err, "Could not fetch task executions")
		return
	}
	total, err := execs.Count(r.Context(), completion)
	if err != nil {
		storeError(w, err, "Could not count task executions")
		return
	}

	conn := ExecutionConnection{TotalCount: total, Edges: []ExecutionEdge{}}
	for i, exec := range items {
		conn.Edges = append(conn.Edges, ExecutionEdge{Cursor: EncodeCursor(offset + i), Node: exec})
	}
	if n := len(conn.Edges); n > 0 {
		conn.PageInfo.EndCursor = conn.Edges[n-1].Cursor
	}
	conn.PageInfo.HasNextPage = offset+len(items) < total

	serveJson(w, conn)
}

func (s *Server) RunningExecutions(w http.ResponseWriter, r *http.Request) {
	items, err := s.sup.Executions().FindRunning(r.Context())
	if err != nil {
		storeError(w, err, "Could not fetch running task executions")
		return
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })

	serveJson(w, RunningExecutions{
		LocalLoad:   s.sup.Load(models.QueueLocal),
		ClusterLoad: s.sup.Load(models.QueueCluster),
		Items:       nonNil(items),
	})
}

// RemoveExecutions deletes the executions with the given completion, success by default
func (s *Server) RemoveExecutions(w http.ResponseWriter, r *http.Request) {
	code := models.CrSuccess
	if v := r.URL.Query().Get("completion"); v != "" {
		parsed, ok := models.ParseCompletionResult(v)
		if !ok {
			http.Error(w, "invalid completion", http.StatusBadRequest)
			return
		}
		code = parsed
	}

	n, err := s.sup.Executions().RemoveWithCompletion(r.Context(), code)
	if err != nil {
		storeError(w, err, "Could not remove task executions")
		return
	}
	log.Info().Str("completion", code.String()).Int64("removed", n).Msg("Removed task executions")
	serveJson(w, RemoveResult{Completion: code.String(), Removed: n})
}

func intParam(v string, fallback int) (int, error) {
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func completionParam(w http.ResponseWriter, v string) (*models.CompletionResult, bool) {
	if v == "" {
		return nil, true
	}
	code, ok := models.ParseCompletionResult(v)
	if !ok {
		http.Error(w, "invalid completion", http.StatusBadRequest)
		return nil, false
	}
	return &code, true
}

func nonNil(items []*models.TaskExecution) []*models.TaskExecution {
	if items == nil {
		return []*models.TaskExecution{}
	}
	return items
}
