package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"docflow-backend/internal/shared/telemetry"
)

// ErrHubStopped is returned by Subscribe after Stop.
var ErrHubStopped = errors.New("notification hub stopped")

const (
	defaultSubscriberBuffer = 32
	sinkQueueSize           = 256
	sinkSendTimeout         = 5 * time.Second
)

// Sink receives a copy of every published event outside the per-user fanout.
type Sink interface {
	Send(ctx context.Context, ev StatusEvent) error
}

// Subscription is one live listener for a user's events. C is closed when the
// hub prunes the subscription or stops.
type Subscription struct {
	ID     uint64
	UserID string
	C      <-chan StatusEvent

	ch        chan StatusEvent
	done      chan struct{}
	closeOnce sync.Once
}

// Close marks the subscription dead. The hub drops it on its next send.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Subscription) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Hub fans status events out to the subscribers registered for each user.
// Sends never block the publisher: a subscriber that has gone away or whose
// buffer is full is pruned.
type Hub struct {
	mu      sync.Mutex
	subs    map[string]map[uint64]*Subscription
	nextID  uint64
	buffer  int
	stopped bool

	sink      Sink
	sinkQueue chan StatusEvent
	sinkDone  chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewHub constructs a hub. sink may be nil.
func NewHub(buffer int, sink Sink) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{
		subs:     make(map[string]map[uint64]*Subscription),
		buffer:   buffer,
		sink:     sink,
		sinkDone: make(chan struct{}),
	}
}

// Start launches the sink forwarder. It is a no-op without a sink.
func (h *Hub) Start() {
	h.startOnce.Do(func() {
		if h.sink == nil {
			close(h.sinkDone)
			return
		}
		h.mu.Lock()
		h.sinkQueue = make(chan StatusEvent, sinkQueueSize)
		queue := h.sinkQueue
		h.mu.Unlock()
		go h.forward(queue)
	})
}

// Stop closes every subscription and drains the sink forwarder.
func (h *Hub) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.stopped = true
		for userID, set := range h.subs {
			for id, sub := range set {
				close(sub.ch)
				delete(set, id)
			}
			delete(h.subs, userID)
		}
		if h.sinkQueue != nil {
			close(h.sinkQueue)
		}
		h.mu.Unlock()
	})
	if h.sink == nil {
		return nil
	}
	h.startOnce.Do(func() { close(h.sinkDone) })
	select {
	case <-h.sinkDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a listener for userID.
func (h *Hub) Subscribe(userID string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil, ErrHubStopped
	}
	h.nextID++
	ch := make(chan StatusEvent, h.buffer)
	sub := &Subscription{
		ID:     h.nextID,
		UserID: userID,
		C:      ch,
		ch:     ch,
		done:   make(chan struct{}),
	}
	set, ok := h.subs[userID]
	if !ok {
		set = make(map[uint64]*Subscription)
		h.subs[userID] = set
	}
	set[sub.ID] = sub
	return sub, nil
}

// Subscribers returns the number of live subscriptions for userID.
func (h *Hub) Subscribers(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[userID])
}

// Publish delivers ev to every subscriber of ev.UserID. Events for one user
// are delivered in publish order.
func (h *Hub) Publish(ctx context.Context, ev StatusEvent) {
	if ev.Version == 0 {
		ev.Version = EventVersion
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	set := h.subs[ev.UserID]
	for id, sub := range set {
		if sub.closed() {
			h.prune(set, id, sub)
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			telemetry.Warn("notify.subscriber_dropped", map[string]any{
				"user_id":         ev.UserID,
				"subscription_id": id,
				"reason":          "buffer full",
			})
			h.prune(set, id, sub)
		}
	}
	if len(set) == 0 {
		delete(h.subs, ev.UserID)
	}
	if h.sinkQueue != nil {
		select {
		case h.sinkQueue <- ev:
		default:
			telemetry.Warn("notify.sink_dropped", map[string]any{
				"document_id": ev.DocumentID,
				"state":       ev.State,
			})
		}
	}
}

func (h *Hub) prune(set map[uint64]*Subscription, id uint64, sub *Subscription) {
	delete(set, id)
	sub.Close()
	close(sub.ch)
}

func (h *Hub) forward(queue <-chan StatusEvent) {
	defer close(h.sinkDone)
	for ev := range queue {
		ctx, cancel := context.WithTimeout(context.Background(), sinkSendTimeout)
		if err := h.sink.Send(ctx, ev); err != nil {
			telemetry.Error("notify.sink_failed", map[string]any{
				"document_id": ev.DocumentID,
				"state":       ev.State,
				"error":       err,
			})
		}
		cancel()
	}
}
