package activity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) Clock {
	return ClockFunc(func() time.Time { return t })
}

func TestRouterForwardsInOrder(t *testing.T) {
	mem := NewMemorySink()
	router := NewRouter(nil, nil, DefaultConfig(), []NamedSink{{Name: "memory", Sink: mem}})

	router.Publish(context.Background(), Event{Type: TypeUserOnline, UserID: "alice"})
	router.Publish(context.Background(), Event{Type: TypePlayerJoined, UserID: "alice"})
	router.Publish(context.Background(), Event{Type: TypePlayerMoved, UserID: "alice"})

	require.NoError(t, router.Close(context.Background()))

	events := mem.Events()
	require.Len(t, events, 3)
	require.Equal(t, TypeUserOnline, events[0].Type)
	require.Equal(t, TypePlayerJoined, events[1].Type)
	require.Equal(t, TypePlayerMoved, events[2].Type)

	stats := router.Stats()
	require.Equal(t, uint64(3), stats.EventsTotal)
	require.Zero(t, stats.DroppedTotal)
}

func TestRouterStampsTimestamp(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mem := NewMemorySink()
	router := NewRouter(fixedClock(now), nil, DefaultConfig(), []NamedSink{{Name: "memory", Sink: mem}})

	router.Publish(context.Background(), Event{Type: TypeUserOnline})
	require.NoError(t, router.Close(context.Background()))

	events := mem.Events()
	require.Len(t, events, 1)
	require.Equal(t, now, events[0].Timestamp)
}

func TestRouterKeepsCallerTimestamp(t *testing.T) {
	stamped := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	mem := NewMemorySink()
	router := NewRouter(fixedClock(time.Now()), nil, DefaultConfig(), []NamedSink{{Name: "memory", Sink: mem}})

	router.Publish(context.Background(), Event{Type: TypeUserOnline, Timestamp: stamped})
	require.NoError(t, router.Close(context.Background()))

	require.Equal(t, stamped, mem.Events()[0].Timestamp)
}

func TestRouterDropsWhenQueueFull(t *testing.T) {
	// A blocking sink wedges the dispatch goroutine so the queue fills.
	release := make(chan struct{})
	var once sync.Once
	blocking := sinkFunc(func(Event) error {
		<-release
		return nil
	})
	defer once.Do(func() { close(release) })

	router := NewRouter(nil, nil, Config{BufferSize: 1}, []NamedSink{{Name: "block", Sink: blocking}})

	// First event occupies the dispatcher, second fills the buffer; the
	// rest must drop without blocking this goroutine.
	for i := 0; i < 10; i++ {
		router.Publish(context.Background(), Event{Type: TypeUserOnline})
	}
	require.NotZero(t, router.Stats().DroppedTotal)

	once.Do(func() { close(release) })
	require.NoError(t, router.Close(context.Background()))
}

func TestRouterIgnoresAfterClose(t *testing.T) {
	mem := NewMemorySink()
	router := NewRouter(nil, nil, DefaultConfig(), []NamedSink{{Name: "memory", Sink: mem}})
	require.NoError(t, router.Close(context.Background()))

	router.Publish(context.Background(), Event{Type: TypeUserOnline})
	require.Empty(t, mem.Events())
	require.NoError(t, router.Close(context.Background()), "close is idempotent")
}

func TestRouterSurvivesSinkErrors(t *testing.T) {
	failing := sinkFunc(func(Event) error { return eris.New("sink down") })
	mem := NewMemorySink()
	router := NewRouter(nil, nil, DefaultConfig(), []NamedSink{
		{Name: "failing", Sink: failing},
		{Name: "memory", Sink: mem},
	})

	router.Publish(context.Background(), Event{Type: TypeUserOnline})
	require.NoError(t, router.Close(context.Background()))

	require.Len(t, mem.Events(), 1, "one bad sink must not starve the others")
}

func TestRouterSinkLookup(t *testing.T) {
	mem := NewMemorySink()
	router := NewRouter(nil, nil, DefaultConfig(), []NamedSink{{Name: "memory", Sink: mem}})
	defer router.Close(context.Background())

	require.Equal(t, Sink(mem), router.Sink("memory"))
	require.Nil(t, router.Sink("absent"))
}

func TestSinksReceiveIsolatedCopies(t *testing.T) {
	var first, second map[string]any
	a := sinkFunc(func(e Event) error {
		first = e.Fields
		return nil
	})
	b := sinkFunc(func(e Event) error {
		second = e.Fields
		return nil
	})
	router := NewRouter(nil, nil, DefaultConfig(), []NamedSink{{Name: "a", Sink: a}, {Name: "b", Sink: b}})

	router.Publish(context.Background(), Event{Type: TypeUserOnline, Fields: map[string]any{"k": "v"}})
	require.NoError(t, router.Close(context.Background()))

	require.Equal(t, map[string]any{"k": "v"}, first)
	first["k"] = "mutated"
	require.Equal(t, "v", second["k"], "sinks must not share one Fields map")
}

// sinkFunc adapts a function to the Sink interface for tests.
type sinkFunc func(Event) error

func (f sinkFunc) Write(event Event) error { return f(event) }
func (f sinkFunc) Close(context.Context) error {
	return nil
}
