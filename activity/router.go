package activity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Clock supplies timestamps so tests can pin them.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

// Sink receives events in publish order. Write errors are logged, never
// retried; delivery is at-most-once.
type Sink interface {
	Write(Event) error
	Close(context.Context) error
}

// NamedSink pairs a sink with a stable name for logging and lookup.
type NamedSink struct {
	Name string
	Sink Sink
}

// Config tunes the router queue.
type Config struct {
	BufferSize       int
	DropWarnInterval time.Duration
}

// DefaultConfig returns the queue sizing used in production.
func DefaultConfig() Config {
	return Config{
		BufferSize:       512,
		DropWarnInterval: 5 * time.Second,
	}
}

// RouterStats is a point-in-time counter snapshot.
type RouterStats struct {
	EventsTotal  uint64
	DroppedTotal uint64
}

// Router fans events out to its sinks from a single dispatch goroutine, so
// every sink observes events in publish order. Publishing never blocks the
// caller: a full queue drops the event.
type Router struct {
	cfg    Config
	queue  chan Event
	sinks  []NamedSink
	clock  Clock
	log    *zap.SugaredLogger
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup

	eventsTotal  atomic.Uint64
	droppedTotal atomic.Uint64
	lastDropLog  atomic.Int64
}

// NewRouter builds a router and starts its dispatch goroutine.
func NewRouter(clock Clock, log *zap.SugaredLogger, cfg Config, sinks []NamedSink) *Router {
	if clock == nil {
		clock = ClockFunc(time.Now)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 512
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		cfg:    cfg,
		queue:  make(chan Event, bufferSize),
		clock:  clock,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, named := range sinks {
		if named.Sink == nil {
			continue
		}
		r.sinks = append(r.sinks, named)
	}
	r.wg.Add(1)
	go r.dispatch()
	return r
}

func (r *Router) dispatch() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			r.drain()
			return
		case event := <-r.queue:
			r.forward(event)
		}
	}
}

func (r *Router) drain() {
	for {
		select {
		case event := <-r.queue:
			r.forward(event)
		default:
			return
		}
	}
}

func (r *Router) forward(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = r.clock.Now()
	}
	r.eventsTotal.Add(1)
	for _, named := range r.sinks {
		if err := named.Sink.Write(clone(event)); err != nil {
			r.log.Warnw("activity sink write failed", "sink", named.Name, "type", event.Type, "error", err)
		}
	}
}

// Publish enqueues an event without blocking. Events with an empty type and
// events published after Close are discarded.
func (r *Router) Publish(ctx context.Context, event Event) {
	if event.Type == "" || r.closed.Load() {
		return
	}
	select {
	case r.queue <- event:
	default:
		r.handleDrop(event)
	}
}

func (r *Router) handleDrop(event Event) {
	r.droppedTotal.Add(1)
	interval := r.cfg.DropWarnInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	now := time.Now().UnixNano()
	next := r.lastDropLog.Load()
	if next == 0 || now >= next {
		if r.lastDropLog.CompareAndSwap(next, now+interval.Nanoseconds()) {
			r.log.Warnw("activity feed backlog full, dropping event", "type", event.Type)
		}
	}
}

// Close drains queued events, stops dispatch, and closes every sink.
func (r *Router) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	var firstErr error
	for _, named := range r.sinks {
		if err := named.Sink.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats reports totals for the diagnostics endpoint.
func (r *Router) Stats() RouterStats {
	return RouterStats{
		EventsTotal:  r.eventsTotal.Load(),
		DroppedTotal: r.droppedTotal.Load(),
	}
}

// Sink returns the named sink, or nil when absent.
func (r *Router) Sink(name string) Sink {
	for _, named := range r.sinks {
		if named.Name == name {
			return named.Sink
		}
	}
	return nil
}
