package procman

import "sync"

// subscriber buffers events without bound and feeds them to out in order
type subscriber struct {
	mu      sync.Mutex
	queue   []Event
	closed  bool
	signal  chan struct{}
	stopped chan struct{}
	out     chan Event
}

func newSubscriber() *subscriber {
	s := &subscriber{
		signal:  make(chan struct{}, 1),
		stopped: make(chan struct{}),
		out:     make(chan Event),
	}
	go s.pump()
	return s
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.stopped)
	}
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
				continue
			case <-s.stopped:
				return
			}
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.stopped:
			return
		}
	}
}
