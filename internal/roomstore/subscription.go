package roomstore

import "sync"

// Subscription is a live feed of snapshots. Deliveries never block the
// writer: they are queued per subscriber and drained in order.
type Subscription struct {
	events chan Snapshot

	mu     sync.Mutex
	queue  []Snapshot
	wake   chan struct{}
	done   chan struct{}
	closed bool

	onCancel  func()
	closeOnce sync.Once
}

// NewSubscription starts the delivery loop. onCancel runs once when the
// subscription is cancelled.
func NewSubscription(onCancel func()) *Subscription {
	s := &Subscription{
		events:   make(chan Snapshot),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		onCancel: onCancel,
	}
	go s.run()
	return s
}

// Events is closed after Cancel.
func (s *Subscription) Events() <-chan Snapshot {
	return s.events
}

// Deliver queues a snapshot. It is a no-op after Cancel.
func (s *Subscription) Deliver(snap Snapshot) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, snap)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) Cancel() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
		if s.onCancel != nil {
			s.onCancel()
		}
	})
}

func (s *Subscription) run() {
	defer close(s.events)
	for {
		s.mu.Lock()
		var next *Snapshot
		if len(s.queue) > 0 {
			snap := s.queue[0]
			s.queue = s.queue[1:]
			next = &snap
		}
		s.mu.Unlock()

		if next == nil {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.events <- *next:
		case <-s.done:
			return
		}
	}
}
