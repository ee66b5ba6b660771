package cluster_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pipelineworker/internal/backend/cluster"
	"pipelineworker/internal/models"
	"pipelineworker/internal/remote"
	"pipelineworker/internal/store"
	"pipelineworker/internal/supervisor"
)

type fakeShell struct {
	mu       sync.Mutex
	commands []string
	respond  func(command string) (remote.Result, error)
}

func (f *fakeShell) Run(_ context.Context, command string) (remote.Result, error) {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	respond := f.respond
	f.mu.Unlock()
	return respond(command)
}

func (f *fakeShell) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type harness struct {
	sup     *supervisor.Supervisor
	execs   *store.MemoryExecutionStore
	shell   *fakeShell
	backend *cluster.Backend
	now     time.Time
}

func newHarness(t *testing.T, proxy bool, respond func(string) (remote.Result, error)) *harness {
	t.Helper()

	h := &harness{
		execs: store.NewMemoryExecutionStore(),
		shell: &fakeShell{respond: respond},
		now:   time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC),
	}
	sup, err := supervisor.New(context.Background(), supervisor.Options{
		Executions: h.execs,
		Workers:    store.NewMemoryWorkerStore(),
		Clock:      fixedClock{h.now}.Now,
	}, &models.Worker{ClusterWorkCapacity: 10, IsClusterProxy: proxy})
	require.NoError(t, err)
	h.sup = sup

	h.backend = cluster.New(cluster.Options{
		Supervisor:    sup,
		Shell:         h.shell,
		JobNamePrefix: "pw-",
		GroupRoot:     "/pipeline",
	})
	sup.Register(h.backend)
	t.Cleanup(h.backend.Close)
	return h
}

func (h *harness) submit(t *testing.T) *models.TaskExecution {
	t.Helper()
	res, err := h.sup.StartTask(context.Background(), supervisor.StartRequest{
		TaskDefinitionID: uuid.New(),
		PipelineStageID:  uuid.New(),
		TileID:           "17",
		ClusterWorkUnits: 1,
		LocalWorkUnits:   1,
		ResolvedScript:   "/tasks/run.sh",
		ResolvedLogPath:  filepath.Join(t.TempDir(), "tile-17"),
	})
	require.NoError(t, err)
	require.NotNil(t, res.Execution)
	require.Equal(t, models.QueueCluster, res.Execution.QueueType)
	return res.Execution
}

// running inserts a running cluster execution directly into the store
func (h *harness) running(t *testing.T, jobID int64, startedAgo time.Duration, units float64) *models.TaskExecution {
	t.Helper()
	exec := &models.TaskExecution{
		ID:                uuid.New(),
		QueueType:         models.QueueCluster,
		ClusterWorkUnits:  units,
		ExecutionStatus:   models.EsRunning,
		CompletionStatus:  models.CrIncomplete,
		LastProcessStatus: models.JobUndefined,
		StartedAt:         null.TimeFrom(h.now.Add(-startedAgo)),
	}
	if jobID > 0 {
		exec.JobID = null.IntFrom(jobID)
	}
	require.NoError(t, h.execs.Create(context.Background(), exec))
	return exec
}

func (h *harness) get(t *testing.T, id uuid.UUID) *models.TaskExecution {
	t.Helper()
	exec, err := h.execs.Get(context.Background(), id)
	require.NoError(t, err)
	return exec
}

func TestBackend_SubmitAssignsJobID(t *testing.T) {
	h := newHarness(t, false, func(string) (remote.Result, error) {
		return remote.Result{Stdout: "Job <4711> is submitted to default queue <normal>.\n"}, nil
	})

	exec := h.submit(t)
	assert.Equal(t, null.StringFrom("pw-17"), exec.JobName)

	require.Eventually(t, func() bool {
		return h.get(t, exec.ID).JobID == null.IntFrom(4711)
	}, 5*time.Second, 10*time.Millisecond)

	scriptPath := exec.LogFile(models.ClusterCommandSuffix)
	assert.Equal(t, []string{scriptPath}, h.shell.Commands())

	info, err := os.Stat(scriptPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o775), info.Mode().Perm())

	content, err := os.ReadFile(scriptPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(content), "#!/bin/sh\nbsub -J pw-17 -cwd /tasks -g /pipeline/"))
	assert.Equal(t, models.EsRunning, h.get(t, exec.ID).ExecutionStatus)
}

func TestBackend_SubmitFailure(t *testing.T) {
	h := newHarness(t, false, func(command string) (remote.Result, error) {
		if strings.HasPrefix(command, "bjobs") {
			return remote.Result{}, errors.New("unexpected status query")
		}
		return remote.Result{Stderr: "User permission denied. Job not submitted.\n", ExitCode: 255}, nil
	})

	exec := h.submit(t)
	require.Eventually(t, func() bool {
		return h.get(t, exec.ID).CompletedAt.Valid
	}, 5*time.Second, 10*time.Millisecond)

	got := h.get(t, exec.ID)
	assert.Equal(t, models.EsCompleted, got.ExecutionStatus)
	assert.Equal(t, models.CrError, got.CompletionStatus)
	assert.False(t, got.JobID.Valid)
	assert.Equal(t, 0.0, h.sup.Load(models.QueueCluster))

	errLog, err := os.ReadFile(exec.LogFile(models.ClusterErrLogSuffix))
	require.NoError(t, err)
	assert.Contains(t, string(errLog), "Job not submitted")

	// the failed execution is not part of any later status query
	require.NoError(t, h.backend.Poll(context.Background()))
	assert.Len(t, h.shell.Commands(), 1)
}

func TestBackend_Poll(t *testing.T) {
	h := newHarness(t, false, func(command string) (remote.Result, error) {
		return remote.Result{Stdout: `JOBID STAT EXIT_CODE MEM CPU_USED
201 DONE 0 100M 000:10:00
202 EXIT 1 2G 000:00:05
203 RUN - 50M 000:01:00
`}, nil
	})

	done := h.running(t, 201, time.Hour, 1)
	failed := h.running(t, 202, time.Hour, 1)
	active := h.running(t, 203, time.Hour, 2)
	lost := h.running(t, 204, 16*time.Minute, 3)
	recent := h.running(t, 205, time.Minute, 4)

	require.NoError(t, h.backend.Poll(context.Background()))

	commands := h.shell.Commands()
	require.Len(t, commands, 1)
	assert.True(t, strings.HasPrefix(commands[0], "bjobs -a -W "))
	for _, id := range []string{"201", "202", "203", "204", "205"} {
		assert.Contains(t, commands[0], id)
	}

	got := h.get(t, done.ID)
	assert.Equal(t, models.CrSuccess, got.CompletionStatus)
	assert.Equal(t, models.EsCompleted, got.ExecutionStatus)
	assert.Equal(t, null.FloatFrom(100), got.MaxMemoryMB)
	assert.Equal(t, null.FloatFrom(600), got.CPUTimeSeconds)

	got = h.get(t, failed.ID)
	assert.Equal(t, models.CrError, got.CompletionStatus)
	assert.Equal(t, null.IntFrom(1), got.ExitCode)

	assert.Equal(t, models.EsRunning, h.get(t, active.ID).ExecutionStatus)

	got = h.get(t, lost.ID)
	assert.Equal(t, models.EsZombie, got.ExecutionStatus)
	assert.Equal(t, models.CrCancel, got.CompletionStatus)

	assert.Equal(t, models.EsRunning, h.get(t, recent.ID).ExecutionStatus)

	// active and recent remain
	assert.Equal(t, 6.0, h.sup.Load(models.QueueCluster))
}

func TestBackend_PollFailureSkipsPass(t *testing.T) {
	h := newHarness(t, false, func(string) (remote.Result, error) {
		return remote.Result{}, errors.New("connection reset")
	})

	lost := h.running(t, 301, time.Hour, 1)
	h.sup.NotifyTaskLoad(models.QueueCluster, 5)

	assert.Error(t, h.backend.Poll(context.Background()))
	assert.Equal(t, models.EsRunning, h.get(t, lost.ID).ExecutionStatus)
	assert.Equal(t, 5.0, h.sup.Load(models.QueueCluster))
}

func TestBackend_PollProxyCountsJobs(t *testing.T) {
	h := newHarness(t, true, func(string) (remote.Result, error) {
		return remote.Result{Stdout: "JOBID STAT\n401 RUN\n402 PEND\n"}, nil
	})

	h.running(t, 401, time.Hour, 2.5)
	h.running(t, 402, time.Hour, 2.5)

	require.NoError(t, h.backend.Poll(context.Background()))
	assert.Equal(t, 2.0, h.sup.Load(models.QueueCluster))
}

func TestBackend_Stop(t *testing.T) {
	h := newHarness(t, false, func(command string) (remote.Result, error) {
		if command == "bkill 501" {
			return remote.Result{Stdout: "Job <501> is being terminated\n"}, nil
		}
		return remote.Result{Stderr: "No matching job found\n", ExitCode: 255}, nil
	})

	exec := h.running(t, 501, time.Minute, 1)
	stopped, err := h.sup.StopTask(context.Background(), exec.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.CrCancel, stopped.CompletionStatus)
	assert.Equal(t, []string{"bkill 501"}, h.shell.Commands())

	missing := h.running(t, 502, time.Minute, 1)
	stopped, err = h.sup.StopTask(context.Background(), missing.ID, false)
	assert.Error(t, err)
	assert.Nil(t, stopped)

	// nothing to kill before the job id is known
	pending := h.running(t, 0, time.Minute, 1)
	_, err = h.sup.StopTask(context.Background(), pending.ID, false)
	assert.NoError(t, err)
	assert.Len(t, h.shell.Commands(), 2)
}

func TestBackend_PollFollowsStoppedJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, func(command string) (remote.Result, error) {
		switch {
		case strings.HasPrefix(command, "bkill"):
			return remote.Result{Stdout: "Job is being terminated\n"}, nil
		case strings.HasPrefix(command, "bjobs"):
			return remote.Result{Stdout: `JOBID STAT EXIT_CODE MEM CPU_USED
42 EXIT 130 10M 000:00:30
44 RUN - 20M 000:00:10
`}, nil
		}
		return remote.Result{ExitCode: 255}, nil
	})

	killed := h.running(t, 42, time.Minute, 1)
	vanished := h.running(t, 43, time.Minute, 1)
	slow := h.running(t, 44, time.Minute, 3)
	for _, exec := range []*models.TaskExecution{killed, vanished, slow} {
		stopped, err := h.sup.StopTask(ctx, exec.ID, false)
		require.NoError(t, err)
		require.Equal(t, models.EsZombie, stopped.ExecutionStatus)
	}

	require.NoError(t, h.backend.Poll(ctx))

	commands := h.shell.Commands()
	require.Len(t, commands, 4)
	assert.True(t, strings.HasPrefix(commands[3], "bjobs -a -W "))
	for _, id := range []string{"42", "43", "44"} {
		assert.Contains(t, commands[3], id)
	}

	got := h.get(t, killed.ID)
	assert.Equal(t, models.EsCompleted, got.ExecutionStatus)
	assert.Equal(t, models.CrCancel, got.CompletionStatus)
	assert.True(t, got.CompletedAt.Valid)
	assert.Equal(t, null.IntFrom(130), got.ExitCode)
	assert.Equal(t, null.FloatFrom(10), got.MaxMemoryMB)

	got = h.get(t, vanished.ID)
	assert.Equal(t, models.EsCompleted, got.ExecutionStatus)
	assert.Equal(t, models.CrCancel, got.CompletionStatus)
	assert.True(t, got.CompletedAt.Valid)
	assert.False(t, got.ExitCode.Valid)

	got = h.get(t, slow.ID)
	assert.Equal(t, models.EsZombie, got.ExecutionStatus)
	assert.False(t, got.CompletedAt.Valid)
	assert.Equal(t, 3.0, h.sup.Load(models.QueueCluster))

	// only the job still shutting down is queried again
	require.NoError(t, h.backend.Poll(ctx))
	commands = h.shell.Commands()
	require.Len(t, commands, 5)
	assert.Equal(t, "bjobs -a -W 44", commands[4])
}

func TestBackend_StopBeforeJobIDKillsOnAssignment(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	h := newHarness(t, false, func(command string) (remote.Result, error) {
		switch {
		case strings.HasPrefix(command, "bkill"):
			return remote.Result{Stdout: "Job <77> is being terminated\n"}, nil
		case strings.HasPrefix(command, "bjobs"):
			return remote.Result{}, errors.New("unexpected status query")
		}
		<-release
		return remote.Result{Stdout: "Job <77> is submitted to default queue <normal>.\n"}, nil
	})
	t.Cleanup(func() { once.Do(func() { close(release) }) })

	exec := h.submit(t)
	stopped, err := h.sup.StopTask(context.Background(), exec.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.CrCancel, stopped.CompletionStatus)

	once.Do(func() { close(release) })

	require.Eventually(t, func() bool {
		for _, c := range h.shell.Commands() {
			if c == "bkill 77" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	got := h.get(t, exec.ID)
	assert.Equal(t, null.IntFrom(77), got.JobID)
	assert.Equal(t, models.CrCancel, got.CompletionStatus)
	assert.Equal(t, models.EsZombie, got.ExecutionStatus)
}
