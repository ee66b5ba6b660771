package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pipelineworker/internal/api"
	"pipelineworker/internal/metrics"
	"pipelineworker/internal/models"
	"pipelineworker/internal/stats"
	"pipelineworker/internal/store"
	"pipelineworker/internal/supervisor"
)

type stubBackend struct {
	mu      sync.Mutex
	stopErr error
}

func (b *stubBackend) QueueType() models.QueueType { return models.QueueLocal }

func (b *stubBackend) Start(context.Context, *models.TaskExecution) (supervisor.JobHandle, error) {
	return supervisor.JobHandle{ID: null.IntFrom(1)}, nil
}

func (b *stubBackend) Stop(context.Context, *models.TaskExecution) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopErr
}

type fixture struct {
	server  *api.Server
	sup     *supervisor.Supervisor
	execs   *store.MemoryExecutionStore
	stats   *store.MemoryStatisticsStore
	backend *stubBackend
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		execs:   store.NewMemoryExecutionStore(),
		stats:   store.NewMemoryStatisticsStore(),
		backend: &stubBackend{},
	}
	m, err := metrics.New(nil)
	require.NoError(t, err)

	f.sup, err = supervisor.New(ctx, supervisor.Options{
		Executions:       f.execs,
		Workers:          store.NewMemoryWorkerStore(),
		Metrics:          m,
		WorkingDirectory: t.TempDir(),
	}, &models.Worker{DisplayName: "worker-1", LocalWorkCapacity: 2})
	require.NoError(t, err)
	f.sup.Register(f.backend)

	agg := stats.NewAggregator(f.stats, m)
	agg.Start(ctx)
	t.Cleanup(agg.Stop)

	f.server = api.New(ctx, f.sup, agg, f.stats, m, nil)
	return f
}

func (f *fixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	rr := httptest.NewRecorder()
	f.server.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v))
	return v
}

func (f *fixture) completed(t *testing.T, code models.CompletionResult, at time.Time) *models.TaskExecution {
	t.Helper()
	exec := &models.TaskExecution{
		ID:               uuid.New(),
		ExecutionStatus:  models.EsCompleted,
		CompletionStatus: code,
		CompletedAt:      null.TimeFrom(at),
	}
	require.NoError(t, f.execs.Create(context.Background(), exec))
	return exec
}

func startBody(units float64) map[string]any {
	return map[string]any{
		"task_definition_id":   uuid.New(),
		"pipeline_stage_id":    uuid.New(),
		"tile_id":              "42",
		"local_work_units":     units,
		"cluster_work_units":   units,
		"resolved_script":      "run.sh",
		"resolved_script_args": []string{"--cluster", "IS_CLUSTER_JOB"},
	}
}

func TestServer_StartTask(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/api/executions/", startBody(2))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	res := decode[supervisor.StartResult](t, rr)
	require.NotNil(t, res.Execution)
	assert.Equal(t, models.EsRunning, res.Execution.ExecutionStatus)
	assert.Equal(t, models.StringList{"--cluster", "0"}, res.Execution.ResolvedScriptArgs)
	assert.Equal(t, 2.0, res.LocalLoad)

	// at capacity, no cluster capacity either
	rr = f.do(t, http.MethodPost, "/api/executions/", startBody(1))
	require.Equal(t, http.StatusOK, rr.Code)
	res = decode[supervisor.StartResult](t, rr)
	assert.Nil(t, res.Execution)
}

func TestServer_StartTask_Invalid(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/api/executions/", map[string]any{"local_work_units": -1})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "task_definition_id is empty")
	assert.Contains(t, rr.Body.String(), "resolved_script is empty")
	assert.Contains(t, rr.Body.String(), "local_work_units must be >= 0")

	req := httptest.NewRequest(http.MethodPost, "/api/executions/", strings.NewReader("{"))
	rr = httptest.NewRecorder()
	f.server.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServer_StopTask(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodPost, "/api/executions/", startBody(1))
	exec := decode[supervisor.StartResult](t, rr).Execution
	require.NotNil(t, exec)

	f.backend.stopErr = errors.New("unreachable")
	rr = f.do(t, http.MethodPost, "/api/executions/"+exec.ID.String()+"/stop", nil)
	assert.Equal(t, http.StatusBadGateway, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/executions/"+exec.ID.String()+"/stop?force=true", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	stopped := decode[models.TaskExecution](t, rr)
	assert.Equal(t, models.CrCancel, stopped.CompletionStatus)

	rr = f.do(t, http.MethodPost, "/api/executions/"+uuid.NewString()+"/stop", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/executions/not-a-uuid/stop", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServer_GetExecution(t *testing.T) {
	f := newFixture(t)
	exec := f.completed(t, models.CrSuccess, time.Now())

	rr := f.do(t, http.MethodGet, "/api/executions/"+exec.ID.String(), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, exec.ID, decode[models.TaskExecution](t, rr).ID)

	rr = f.do(t, http.MethodGet, "/api/executions/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestServer_ListExecutions(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	oldest := f.completed(t, models.CrSuccess, base)
	middle := f.completed(t, models.CrError, base.Add(time.Hour))
	newest := f.completed(t, models.CrSuccess, base.Add(2*time.Hour))

	rr := f.do(t, http.MethodGet, "/api/executions/?limit=2", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	page := decode[api.ExecutionPage](t, rr)
	assert.Equal(t, 3, page.TotalCount)
	require.Len(t, page.Items, 2)
	assert.Equal(t, newest.ID, page.Items[0].ID)
	assert.Equal(t, middle.ID, page.Items[1].ID)

	rr = f.do(t, http.MethodGet, "/api/executions/?completion=success&offset=1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	page = decode[api.ExecutionPage](t, rr)
	assert.Equal(t, 2, page.TotalCount)
	require.Len(t, page.Items, 1)
	assert.Equal(t, oldest.ID, page.Items[0].ID)

	rr = f.do(t, http.MethodGet, "/api/executions/?completion=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = f.do(t, http.MethodGet, "/api/executions/?offset=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServer_ExecutionConnection(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		// newest first
		ids = append([]uuid.UUID{f.completed(t, models.CrSuccess, base.Add(time.Duration(i)*time.Hour)).ID}, ids...)
	}

	rr := f.do(t, http.MethodGet, "/api/executions/connection?first=2", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	conn := decode[api.ExecutionConnection](t, rr)
	assert.Equal(t, 3, conn.TotalCount)
	require.Len(t, conn.Edges, 2)
	assert.Equal(t, ids[0], conn.Edges[0].Node.ID)
	assert.True(t, conn.PageInfo.HasNextPage)
	assert.Equal(t, api.EncodeCursor(1), conn.PageInfo.EndCursor)

	rr = f.do(t, http.MethodGet, "/api/executions/connection?first=2&after="+conn.PageInfo.EndCursor, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	conn = decode[api.ExecutionConnection](t, rr)
	require.Len(t, conn.Edges, 1)
	assert.Equal(t, ids[2], conn.Edges[0].Node.ID)
	assert.False(t, conn.PageInfo.HasNextPage)

	rr = f.do(t, http.MethodGet, "/api/executions/connection?after=not-base64!", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCursor(t *testing.T) {
	offset, err := api.DecodeCursor(api.EncodeCursor(17))
	require.NoError(t, err)
	assert.Equal(t, 17, offset)

	// {"offset":3}
	offset, err = api.DecodeCursor("eyJvZmZzZXQiOjN9")
	require.NoError(t, err)
	assert.Equal(t, 3, offset)

	_, err = api.DecodeCursor("bm90IGpzb24=")
	assert.Error(t, err)
}

func TestServer_RunningAndRemove(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodPost, "/api/executions/", startBody(1))
	require.Equal(t, http.StatusOK, rr.Code)
	f.completed(t, models.CrSuccess, time.Now())
	f.completed(t, models.CrError, time.Now())

	rr = f.do(t, http.MethodGet, "/api/executions/running", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	running := decode[api.RunningExecutions](t, rr)
	assert.Len(t, running.Items, 1)
	assert.Equal(t, 1.0, running.LocalLoad)

	rr = f.do(t, http.MethodDelete, "/api/executions/", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, api.RemoveResult{Completion: "success", Removed: 1}, decode[api.RemoveResult](t, rr))

	rr = f.do(t, http.MethodDelete, "/api/executions/?completion=4", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, api.RemoveResult{Completion: "error", Removed: 1}, decode[api.RemoveResult](t, rr))
}

func TestServer_Worker(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/api/worker/", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "worker-1", decode[models.Worker](t, rr).DisplayName)

	rr = f.do(t, http.MethodPut, "/api/worker/", map[string]any{"cluster_work_capacity": 8, "is_cluster_proxy": true})
	require.Equal(t, http.StatusOK, rr.Code)
	worker := decode[models.Worker](t, rr)
	assert.Equal(t, "worker-1", worker.DisplayName)
	assert.Equal(t, 2.0, worker.LocalWorkCapacity)
	assert.Equal(t, 8.0, worker.ClusterWorkCapacity)
	assert.True(t, worker.IsClusterProxy)

	rr = f.do(t, http.MethodPut, "/api/worker/", map[string]any{"local_work_capacity": -3})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServer_Statistics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taskID := uuid.New()

	s, err := f.stats.GetOrCreate(ctx, taskID)
	require.NoError(t, err)
	stats.Apply(s, models.CrSuccess, 10, 20, 30)
	require.NoError(t, f.stats.Save(ctx, s))

	rr := f.do(t, http.MethodGet, "/api/statistics/"+taskID.String(), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var got map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
	assert.Equal(t, 1.0, got["num_complete"])
	assert.Equal(t, 10.0, got["cpu_high"])

	rr = f.do(t, http.MethodGet, "/api/statistics/", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list []map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&list))
	assert.Len(t, list, 1)

	rr = f.do(t, http.MethodPost, "/api/statistics/reset?task_id="+taskID.String(), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got = nil
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
	assert.Equal(t, 0.0, got["num_complete"])
	assert.Nil(t, got["cpu_high"])

	rr = f.do(t, http.MethodPost, "/api/statistics/reset", nil)
	assert.Equal(t, http.StatusAccepted, rr.Code)
}

func TestServer_Metrics(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodPost, "/api/executions/", startBody(1))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `admissions_total{outcome="admitted"} 1`)
}
