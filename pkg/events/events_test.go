package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/foundry/pkg/log"
	"github.com/forgeworks/foundry/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

type memSink struct {
	mu     sync.Mutex
	events []*types.Event
}

func (m *memSink) InsertEvents(evs []*types.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evs...)
	return nil
}

func (m *memSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func TestPublishAssignsMonotonicIDs(t *testing.T) {
	bus := NewBus(&memSink{})

	bus.Emit(types.EventControl, "one", "", "")
	bus.Emit(types.EventControl, "two", "", "")

	recent, latest := bus.Recent(0, 10, "")
	require.Len(t, recent, 2)
	assert.Equal(t, int64(1), recent[0].ID)
	assert.Equal(t, int64(2), recent[1].ID)
	assert.Equal(t, int64(2), latest)
}

func TestRecentSinceAndKindFilter(t *testing.T) {
	bus := NewBus(&memSink{})

	bus.Emit(types.EventWorkAssigned, "a", "d1", "cat/a")
	bus.Emit(types.EventWorkBlocked, "b", "d1", "cat/b")
	bus.Emit(types.EventWorkAssigned, "c", "d2", "cat/c")

	recent, _ := bus.Recent(1, 10, "")
	assert.Len(t, recent, 2, "since filter")

	recent, _ = bus.Recent(0, 10, types.EventWorkAssigned)
	require.Len(t, recent, 2, "kind filter")
	assert.Equal(t, "a", recent[0].Message)
	assert.Equal(t, "c", recent[1].Message)
}

func TestRingOverwritesOldest(t *testing.T) {
	bus := NewBus(&memSink{})

	for i := 0; i < ringSize+10; i++ {
		bus.Emit(types.EventControl, "m", "", "")
	}

	recent, latest := bus.Recent(0, ringSize, "")
	assert.Len(t, recent, 100, "default cap applies when limit exceeds ring")
	assert.Equal(t, int64(ringSize+10), latest)

	// Oldest surviving entry is id 11.
	all, _ := bus.Recent(10, ringSize, "")
	assert.Equal(t, int64(11), all[0].ID)
}

func TestSubscribeFilterAndNonBlocking(t *testing.T) {
	bus := NewBus(&memSink{})

	sub := bus.Subscribe(types.EventWorkBlocked)
	defer bus.Unsubscribe(sub)

	bus.Emit(types.EventWorkAssigned, "skip", "", "")
	bus.Emit(types.EventWorkBlocked, "take", "", "")

	select {
	case ev := <-sub:
		assert.Equal(t, types.EventWorkBlocked, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected filtered event")
	}
	select {
	case ev := <-sub:
		t.Fatalf("unexpected event %v", ev.Kind)
	default:
	}
}

func TestWriteBehindPersistsAndDrainsOnStop(t *testing.T) {
	sink := &memSink{}
	bus := NewBus(sink)
	bus.Start()

	for i := 0; i < 10; i++ {
		bus.Emit(types.EventControl, "m", "", "")
	}
	bus.Stop()

	assert.Equal(t, 10, sink.count(), "Stop drains the persist queue")
}
