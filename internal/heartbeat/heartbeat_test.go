package heartbeat_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"pipelineworker/internal/heartbeat"
	"pipelineworker/internal/models"
	"pipelineworker/internal/queue"
)

type source struct {
	worker  models.Worker
	local   float64
	cluster float64
}

func (s source) Worker() models.Worker { return s.worker }

func (s source) Load(q models.QueueType) float64 {
	if q == models.QueueCluster {
		return s.cluster
	}
	return s.local
}

func TestBuild(t *testing.T) {
	now := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	src := source{
		worker:  models.Worker{ID: uuid.New(), DisplayName: "node-7", IsAcceptingJobs: true},
		local:   2.5,
		cluster: 4,
	}

	hb := heartbeat.Build(src, now)
	assert.Equal(t, src.worker.ID, hb.WorkerID)
	assert.Equal(t, "node-7", hb.DisplayName)
	assert.True(t, hb.IsAcceptingJobs)
	assert.Equal(t, 2.5, hb.LocalLoad)
	assert.Equal(t, 4.0, hb.ClusterLoad)
	assert.Equal(t, 6.5, hb.TaskLoad)
	assert.Equal(t, now, hb.SentAt)

	src.worker.IsClusterProxy = true
	hb = heartbeat.Build(src, now)
	assert.Equal(t, 4.0, hb.TaskLoad)
}

func TestPublisher(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := queue.NewMemoryClient()
	p := heartbeat.New(source{worker: models.Worker{ID: uuid.New()}}, q, 20*time.Millisecond)
	p.Start(context.Background())

	require.Eventually(t, func() bool { return len(q.Heartbeats()) >= 3 }, 5*time.Second, 10*time.Millisecond)
	p.Stop()

	sent := len(q.Heartbeats())
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, sent, len(q.Heartbeats()))
}
