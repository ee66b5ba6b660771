// Package heartbeat periodically announces the worker and its current load
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"pipelineworker/internal/models"
	"pipelineworker/internal/queue"
)

const DefaultInterval = 10 * time.Second

// Source is the read-only view of the supervisor a heartbeat is built from
type Source interface {
	Worker() models.Worker
	Load(q models.QueueType) float64
}

type Publisher struct {
	source    Source
	publisher queue.Publisher
	interval  time.Duration
	now       func() time.Time

	isRunning  bool
	ticker     *time.Ticker
	context    context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

func New(source Source, publisher queue.Publisher, interval time.Duration) *Publisher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Publisher{source: source, publisher: publisher, interval: interval, now: time.Now}
}

// Build returns the heartbeat for the current state. Cluster proxies report the number of
// running jobs as their task load, everyone else the sum of admitted work units.
func Build(source Source, now time.Time) queue.WorkerHeartbeat {
	worker := source.Worker()
	local := source.Load(models.QueueLocal)
	cluster := source.Load(models.QueueCluster)

	taskLoad := local + cluster
	if worker.IsClusterProxy {
		taskLoad = cluster
	}

	return queue.WorkerHeartbeat{
		WorkerID:        worker.ID,
		DisplayName:     worker.DisplayName,
		IsClusterProxy:  worker.IsClusterProxy,
		IsAcceptingJobs: worker.IsAcceptingJobs,
		LocalLoad:       local,
		ClusterLoad:     cluster,
		TaskLoad:        taskLoad,
		SentAt:          now.UTC(),
	}
}

// Start sends one heartbeat immediately and then one per interval
func (p *Publisher) Start(ctx context.Context) {
	if p.isRunning {
		return
	}
	p.isRunning = true
	p.context, p.cancelFunc = context.WithCancel(ctx)
	p.ticker = time.NewTicker(p.interval)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.send(p.context)
		for {
			select {
			case <-p.context.Done():
				return
			case <-p.ticker.C:
				p.send(p.context)
			}
		}
	}()
}

func (p *Publisher) Stop() {
	if !p.isRunning {
		return
	}
	p.cancelFunc()
	p.ticker.Stop()
	p.wg.Wait()
	p.isRunning = false
}

func (p *Publisher) send(ctx context.Context) {
	if err := p.publisher.PublishHeartbeat(ctx, Build(p.source, p.now())); err != nil {
		log.Warn().Err(err).Msg("Could not send heartbeat")
	}
}
