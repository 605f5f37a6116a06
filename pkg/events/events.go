package events

import (
	"sync"
	"time"

	"github.com/forgeworks/foundry/pkg/log"
	"github.com/forgeworks/foundry/pkg/types"
)

const (
	// ringSize bounds the in-memory tail kept for cheap dashboard reads.
	ringSize = 2000

	// persistBatch and persistInterval shape the write-behind worker.
	persistBatch    = 64
	persistInterval = 500 * time.Millisecond
)

// Sink persists event batches; satisfied by *store.Store.
type Sink interface {
	InsertEvents([]*types.Event) error
}

// Subscriber is a channel that receives events
type Subscriber chan *types.Event

// Bus distributes events to subscribers, keeps a bounded ring of the recent
// tail, and persists to the store through a background write-behind worker.
// Publish never blocks the caller: on back-pressure the ring overwrites its
// oldest entry and the persist queue drops the oldest pending batch.
type Bus struct {
	sink Sink

	mu          sync.RWMutex
	subscribers map[Subscriber]map[types.EventKind]bool
	ring        []*types.Event
	ringStart   int
	ringLen     int
	nextID      int64

	persistCh chan *types.Event
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewBus creates a new event bus backed by the given sink.
func NewBus(sink Sink) *Bus {
	return &Bus{
		sink:        sink,
		subscribers: make(map[Subscriber]map[types.EventKind]bool),
		ring:        make([]*types.Event, ringSize),
		nextID:      1,
		persistCh:   make(chan *types.Event, 4*persistBatch),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start begins the write-behind persistence loop.
func (b *Bus) Start() {
	go b.run()
}

// Stop stops the bus after draining pending events to the sink.
func (b *Bus) Stop() {
	close(b.stopCh)
	<-b.doneCh
}

// Subscribe creates a subscription. An empty kind list receives everything.
func (b *Bus) Subscribe(kinds ...types.EventKind) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	var filter map[types.EventKind]bool
	if len(kinds) > 0 {
		filter = make(map[types.EventKind]bool, len(kinds))
		for _, k := range kinds {
			filter[k] = true
		}
	}
	b.subscribers[sub] = filter
	return sub
}

// Unsubscribe removes a subscription
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish records an event. Assigns id and timestamp, appends to the ring,
// fans out to subscribers, and queues for persistence.
func (b *Bus) Publish(event *types.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	event.ID = b.nextID
	b.nextID++
	b.ringPush(event)
	for sub, filter := range b.subscribers {
		if filter != nil && !filter[event.Kind] {
			continue
		}
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
	b.mu.Unlock()

	select {
	case b.persistCh <- event:
	default:
		// Persist queue full: drop oldest, keep newest.
		select {
		case <-b.persistCh:
		default:
		}
		select {
		case b.persistCh <- event:
		default:
		}
	}
}

// Emit is a convenience wrapper for constructing and publishing an event.
func (b *Bus) Emit(kind types.EventKind, message, droneID, pkg string) {
	b.Publish(&types.Event{Kind: kind, Message: message, DroneID: droneID, Package: pkg})
}

// Recent returns up to limit events from the ring newer than sinceID, newest
// last, along with the latest id seen.
func (b *Bus) Recent(sinceID int64, limit int, kind types.EventKind) ([]*types.Event, int64) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if limit <= 0 || limit > ringSize {
		limit = 100
	}
	var out []*types.Event
	for i := 0; i < b.ringLen; i++ {
		ev := b.ring[(b.ringStart+i)%ringSize]
		if ev.ID <= sinceID {
			continue
		}
		if kind != "" && ev.Kind != kind {
			continue
		}
		out = append(out, ev)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, b.nextID - 1
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// ringPush appends to the bounded ring, overwriting the oldest entry when
// full. Caller holds the write lock.
func (b *Bus) ringPush(ev *types.Event) {
	if b.ringLen < ringSize {
		b.ring[(b.ringStart+b.ringLen)%ringSize] = ev
		b.ringLen++
		return
	}
	b.ring[b.ringStart] = ev
	b.ringStart = (b.ringStart + 1) % ringSize
}

func (b *Bus) run() {
	defer close(b.doneCh)

	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()

	batch := make([]*types.Event, 0, persistBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := b.sink.InsertEvents(batch); err != nil {
			log.WithComponent("events").Error().Err(err).Int("batch", len(batch)).Msg("persist failed")
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-b.persistCh:
			batch = append(batch, ev)
			if len(batch) >= persistBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-b.stopCh:
			for {
				select {
				case ev := <-b.persistCh:
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		}
	}
}
