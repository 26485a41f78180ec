/*
Package processor implements the EventProcessor: per-profile
watermark-ordered buffering, dedup, lateness policing, and
ticker-driven draining into a registered handler.

Grounded on the teacher's analytics.Pipeline (buffered-channel-plus-
ticker-plus-graceful-drain shape, retry/backoff is not needed here since
there is no external sink to retry against) and provider.HealthPoller
(the context.CancelFunc + done-channel Start/Stop idiom around a ticker
loop; the first tick runs one TickerInterval after Start). The per-profile min-heap and bounded worker pool are new
machinery the teacher doesn't need; they are built in the same
mutex-per-key-plus-outer-registry style as caching.Engine and
routing.SLABalancer.
*/
package processor

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/nimbusdata/cdp-core/clock"
	"github.com/nimbusdata/cdp-core/dedup"
	"github.com/nimbusdata/cdp-core/event"
	"github.com/nimbusdata/cdp-core/metrics"
)

// Handler processes one drained event for one canonical profile id.
type Handler func(ctx context.Context, evt event.Event, profileID string) error

// Config controls buffering, watermark, and backpressure behavior.
type Config struct {
	WindowSize     time.Duration
	GracePeriod    time.Duration
	TickerInterval time.Duration
	// MaxBufferedProfiles bounds the number of distinct profile ids with
	// a live buffer (LRU-evicted; an evicted buffer is drained first).
	MaxBufferedProfiles int
	// MaxProfileBufferLen forces an early, out-of-cycle drain of a
	// single profile's buffer once it holds this many events.
	MaxProfileBufferLen int
	// Workers bounds how many profile buffers may drain concurrently
	// during one tick.
	Workers int
}

// DefaultConfig returns the spec defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:          5 * time.Second,
		GracePeriod:         2 * time.Minute,
		TickerInterval:      time.Second,
		MaxBufferedProfiles: 100000,
		MaxProfileBufferLen: 10000,
		Workers:             4,
	}
}

// bufferedItem is one event parked in a profileBuffer's min-heap.
type bufferedItem struct {
	evt event.Event
}

type eventHeap []bufferedItem

func (h eventHeap) Len() int            { return len(h) }
func (h eventHeap) Less(i, j int) bool  { return h[i].evt.Ts.Before(h[j].evt.Ts) }
func (h eventHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x interface{}) { *h = append(*h, x.(bufferedItem)) }
func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// profileBuffer is the per-profile priority buffer plus the high-water
// mark of what has already been drained for that profile.
type profileBuffer struct {
	mu            sync.Mutex
	heap          eventHeap
	lastDrainedTs time.Time
	// drainMu is held for a whole drainBuffer call, so one profile is
	// never drained on two goroutines at once.
	drainMu sync.Mutex
}

func (pb *profileBuffer) push(evt event.Event) int {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	heap.Push(&pb.heap, bufferedItem{evt: evt})
	return len(pb.heap)
}

// popReady pops and returns the next event whose ts is at or before
// watermark (or any event, if final is true), skipping — and counting —
// any event whose ts is not strictly after lastDrainedTs, since such an
// event is out of order against an already-drained suffix.
func (pb *profileBuffer) popReady(watermark time.Time, final bool) (evt event.Event, ok bool, droppedOutOfOrder int) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	for len(pb.heap) > 0 {
		head := pb.heap[0]
		if !final && head.evt.Ts.After(watermark) {
			return event.Event{}, false, droppedOutOfOrder
		}
		heap.Pop(&pb.heap)
		if !head.evt.Ts.After(pb.lastDrainedTs) {
			droppedOutOfOrder++
			continue
		}
		pb.lastDrainedTs = head.evt.Ts
		return head.evt, true, droppedOutOfOrder
	}
	return event.Event{}, false, droppedOutOfOrder
}

func (pb *profileBuffer) len() int {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return len(pb.heap)
}

// Processor is the EventProcessor: buffers events per canonical profile
// id, advances a watermark on a ticker, and drains in ts order into a
// registered Handler.
type Processor struct {
	clock   clock.Clock
	config  Config
	dedup   dedup.Set
	metrics *metrics.Registry
	logger  zerolog.Logger

	handlerMu sync.RWMutex
	handler   Handler

	buffersMu sync.Mutex
	buffers   *lru.Cache[string, *profileBuffer]

	sem    chan struct{}
	stopped int32

	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a processor. dedupSet and metricsRegistry are required
// collaborators; logger may be the zero value.
func New(clk clock.Clock, cfg Config, dedupSet dedup.Set, metricsRegistry *metrics.Registry, logger zerolog.Logger) *Processor {
	if cfg.TickerInterval <= 0 {
		cfg.TickerInterval = time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxBufferedProfiles <= 0 {
		cfg.MaxBufferedProfiles = 100000
	}

	p := &Processor{
		clock:   clk,
		config:  cfg,
		dedup:   dedupSet,
		metrics: metricsRegistry,
		logger:  logger.With().Str("component", "processor").Logger(),
		sem:     make(chan struct{}, cfg.Workers),
	}

	cache, err := lru.NewWithEvict[string, *profileBuffer](cfg.MaxBufferedProfiles, p.onEvict)
	if err != nil {
		// Only returned by golang-lru for a non-positive size, which
		// DefaultConfig and the guard above both rule out.
		panic(err)
	}
	p.buffers = cache
	return p
}

// OnEvent registers the handler invoked for every drained event. Safe to
// call before or after Start; a later call replaces the handler.
func (p *Processor) OnEvent(h Handler) {
	p.handlerMu.Lock()
	defer p.handlerMu.Unlock()
	p.handler = h
}

// Submit applies the lateness/dedup policy and, if accepted, buffers evt
// under profileID. It has no return value: a refused event (after Stop,
// too late, or a duplicate) is only counted in the metrics registry.
// Submit takes the buffer-registry lock and the per-profile lock; when
// adding a new buffer evicts another, or when the profile's buffer reaches
// MaxProfileBufferLen, it also drains on the caller's goroutine, running
// the handler there before it returns.
func (p *Processor) Submit(ctx context.Context, evt event.Event, profileID string) {
	if atomic.LoadInt32(&p.stopped) == 1 {
		p.metrics.CounterInc("events.dropped", map[string]string{"reason": "stopped"})
		return
	}

	now := p.clock.Now()
	lateCutoff := now.Add(-p.config.GracePeriod)
	if evt.Ts.Before(lateCutoff) {
		p.metrics.CounterInc("events.dropped", map[string]string{"reason": "too_late"})
		return
	}

	if p.dedup != nil {
		seen, err := p.dedup.SeenOrMark(ctx, evt.EventID)
		if err != nil {
			p.logger.Warn().Err(err).Str("event_id", evt.EventID).Msg("dedup check failed, processing anyway")
		} else if seen {
			p.metrics.CounterInc("events.dedup_hits", nil)
			return
		}
	}

	if evt.Ts.Before(now.Add(-p.config.WindowSize)) {
		p.metrics.CounterInc("events.late", nil)
	}

	buf := p.getOrCreateBuffer(profileID)
	n := buf.push(evt)
	p.metrics.CounterInc("events.buffered", nil)

	if p.config.MaxProfileBufferLen > 0 && n >= p.config.MaxProfileBufferLen {
		watermark := p.clock.Now().Add(-p.config.WindowSize)
		p.drainBuffer(profileID, buf, watermark, false)
	}
}

func (p *Processor) getOrCreateBuffer(profileID string) *profileBuffer {
	p.buffersMu.Lock()
	defer p.buffersMu.Unlock()
	if buf, ok := p.buffers.Get(profileID); ok {
		return buf
	}
	buf := &profileBuffer{}
	p.buffers.Add(profileID, buf)
	return buf
}

// onEvict runs synchronously from inside (*lru.Cache).Add while
// buffersMu is already held by getOrCreateBuffer — it must never touch
// buffersMu itself. Per the backpressure policy, an evicted buffer is
// drained completely before being discarded so no buffered event is
// silently lost.
func (p *Processor) onEvict(profileID string, buf *profileBuffer) {
	p.drainBuffer(profileID, buf, time.Time{}, true)
}

func (p *Processor) snapshotBuffers() map[string]*profileBuffer {
	p.buffersMu.Lock()
	defer p.buffersMu.Unlock()
	out := make(map[string]*profileBuffer, p.buffers.Len())
	for _, id := range p.buffers.Keys() {
		if buf, ok := p.buffers.Peek(id); ok {
			out[id] = buf
		}
	}
	return out
}

// Start launches the watermark ticker loop.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.tickLoop(ctx)
}

func (p *Processor) tickLoop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.config.TickerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Processor) tick() {
	now := p.clock.Now()
	watermark := now.Add(-p.config.WindowSize)
	p.metrics.GaugeSet("watermark.lag_ms", nil, float64(now.Sub(watermark).Milliseconds()))
	for id, buf := range p.snapshotBuffers() {
		id, buf := id, buf
		p.sem <- struct{}{}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.drainBuffer(id, buf, watermark, false)
		}()
	}
}

// TickForTest runs one watermark tick and waits for every spawned drain to
// finish before returning, so tests can assert on drain results
// deterministically without a real ticker.
func (p *Processor) TickForTest() {
	p.tick()
	p.wg.Wait()
}

// drainBuffer pops and dispatches every ready event in buf. With
// final=true it drains unconditionally (the shutdown and eviction
// policy) regardless of watermark. Drains of one buffer are serialized by
// its drainMu.
func (p *Processor) drainBuffer(profileID string, buf *profileBuffer, watermark time.Time, final bool) {
	buf.drainMu.Lock()
	defer buf.drainMu.Unlock()
	for {
		evt, ok, droppedOOO := buf.popReady(watermark, final)
		if droppedOOO > 0 {
			p.metrics.CounterAdd("events.dropped", map[string]string{"reason": "out_of_order"}, int64(droppedOOO))
			p.logger.Warn().Str("profile_id", profileID).Int("count", droppedOOO).Msg("dropped out-of-order events")
		}
		if !ok {
			return
		}
		p.dispatch(context.Background(), profileID, evt)
		p.metrics.CounterInc("events.processed", nil)
	}
}

func (p *Processor) dispatch(ctx context.Context, profileID string, evt event.Event) {
	p.handlerMu.RLock()
	h := p.handler
	p.handlerMu.RUnlock()
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Str("profile_id", profileID).Msg("handler panicked")
		}
	}()
	if err := h(ctx, evt, profileID); err != nil {
		p.logger.Warn().Err(err).Str("profile_id", profileID).Str("event_id", evt.EventID).Msg("handler returned error")
	}
}

// Stop cancels the ticker, waits for any in-flight tick's drains to
// finish, then performs one final unconditional drain of every
// remaining buffer so no accepted event is lost. Submit calls after
// Stop returns are refused (counted as dropped).
func (p *Processor) Stop() {
	atomic.StoreInt32(&p.stopped, 1)
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		<-p.done
	}
	p.wg.Wait()

	for id, buf := range p.snapshotBuffers() {
		p.drainBuffer(id, buf, time.Time{}, true)
	}
}
