package queue

import (
	"context"
	"sync"
)

// MemoryClient keeps every published message in memory. It backs agents running without Redis
// and is the test double for the supervisor.
type MemoryClient struct {
	mu         sync.Mutex
	updates    []TaskExecutionUpdate
	heartbeats []WorkerHeartbeat
	cancels    chan CancelRequest
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{cancels: make(chan CancelRequest, 64)}
}

func (m *MemoryClient) PublishUpdate(_ context.Context, update TaskExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, update)
	return nil
}

func (m *MemoryClient) PublishHeartbeat(_ context.Context, heartbeat WorkerHeartbeat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeats = append(m.heartbeats, heartbeat)
	return nil
}

// Subscribe delivers requests queued with Cancel until the context is done
func (m *MemoryClient) Subscribe(ctx context.Context, handler func(CancelRequest)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-m.cancels:
			_ = processMessage(handler, req)
		}
	}
}

// Cancel queues a cancel request for the subscriber
func (m *MemoryClient) Cancel(req CancelRequest) {
	m.cancels <- req
}

func (m *MemoryClient) Close() error {
	return nil
}

// Updates returns a copy of the published updates
func (m *MemoryClient) Updates() []TaskExecutionUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TaskExecutionUpdate(nil), m.updates...)
}

// Heartbeats returns a copy of the published heartbeats
func (m *MemoryClient) Heartbeats() []WorkerHeartbeat {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]WorkerHeartbeat(nil), m.heartbeats...)
}
