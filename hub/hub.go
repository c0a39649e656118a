// Package hub maintains the set of live viewer connections and pushes
// registry events to all of them. Delivery is best-effort: a subscriber that
// cannot keep up is dropped and self-heals by reconnecting, at which point it
// receives a full snapshot instead of a delta.
package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/testforge/dispatch/metrics"
	"github.com/testforge/dispatch/types"
)

// SnapshotFunc returns the registry's current full snapshot. The hub never
// mutates run state; it only reads snapshots through this seam.
type SnapshotFunc func() types.Snapshot

// Config contains hub configuration.
type Config struct {
	Log      zerolog.Logger
	Snapshot SnapshotFunc

	// WriteTimeout bounds a single websocket write. PongTimeout is how long a
	// silent subscriber survives before being dropped; PingInterval must be
	// shorter than PongTimeout.
	WriteTimeout time.Duration
	PongTimeout  time.Duration
	PingInterval time.Duration

	// SendBuffer is the per-subscriber event queue length. A subscriber whose
	// queue overflows is disconnected rather than slowing everyone else down.
	SendBuffer int
}

func (c *Config) applyDefaults() {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = c.PongTimeout * 9 / 10
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
}

// Hub fans registry events out to subscribers. Registration, removal, and
// broadcasting all funnel through one run loop, so events reach every
// subscriber in the order the underlying registry mutations were applied.
type Hub struct {
	cfg Config
	log zerolog.Logger

	register   chan *Subscriber
	unregister chan *Subscriber
	broadcast  chan types.Event
	snapshotTo chan *Subscriber

	mu          sync.Mutex
	subscribers map[*Subscriber]bool
	started     bool
	subCount    atomic.Int64

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a hub. Start must be called before Subscribe or Publish.
func New(cfg Config) *Hub {
	cfg.applyDefaults()
	return &Hub{
		cfg:         cfg,
		log:         cfg.Log.With().Str("component", "hub").Logger(),
		register:    make(chan *Subscriber),
		unregister:  make(chan *Subscriber),
		broadcast:   make(chan types.Event, 256),
		snapshotTo:  make(chan *Subscriber),
		subscribers: make(map[*Subscriber]bool),
		done:        make(chan struct{}),
	}
}

// SetSnapshotFunc installs the snapshot source. The hub and the registry
// reference each other, so whichever is constructed first gets its peer wired
// in afterwards. Must be called before Start.
func (h *Hub) SetSnapshotFunc(fn SnapshotFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		panic("hub: SetSnapshotFunc called after Start")
	}
	h.cfg.Snapshot = fn
}

// Start launches the fan-out loop.
func (h *Hub) Start(ctx context.Context) {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.run(ctx)
	}()
}

// Stop disconnects all subscribers and stops the fan-out loop.
func (h *Hub) Stop() {
	close(h.done)
	h.wg.Wait()
}

func (h *Hub) run(ctx context.Context) {
	for {
		select {
		case sub := <-h.register:
			h.subscribers[sub] = true
			h.subCount.Store(int64(len(h.subscribers)))
			metrics.RecordSubscribe()
			h.log.Debug().Str("connection_id", sub.id).Int("subscribers", len(h.subscribers)).Msg("subscriber connected")
			// A new or resumed connection gets the full current snapshot
			// immediately, never a delta, so it is never left stale.
			h.sendSnapshot(sub)

		case sub := <-h.unregister:
			h.dropSubscriber(sub)

		case sub := <-h.snapshotTo:
			if h.subscribers[sub] {
				h.sendSnapshot(sub)
			}

		case ev := <-h.broadcast:
			metrics.RecordBroadcast(ev.Type)
			for sub := range h.subscribers {
				select {
				case sub.send <- ev:
				default:
					// Best-effort delivery: drop subscribers that cannot keep
					// up instead of blocking the fan-out. They reconcile with
					// a fresh snapshot on reconnect.
					h.log.Warn().Str("connection_id", sub.id).Msg("subscriber send buffer full, disconnecting")
					h.dropSubscriber(sub)
				}
			}

		case <-h.done:
			for sub := range h.subscribers {
				h.dropSubscriber(sub)
			}
			return

		case <-ctx.Done():
			for sub := range h.subscribers {
				h.dropSubscriber(sub)
			}
			return
		}
	}
}

func (h *Hub) sendSnapshot(sub *Subscriber) {
	snap := h.cfg.Snapshot()
	ev := types.Event{
		Type:     types.EventSnapshot,
		Time:     snap.TakenAt,
		Snapshot: &snap,
	}
	metrics.RecordBroadcast(ev.Type)
	select {
	case sub.send <- ev:
	default:
		h.log.Warn().Str("connection_id", sub.id).Msg("subscriber send buffer full on snapshot, disconnecting")
		h.dropSubscriber(sub)
	}
}

func (h *Hub) dropSubscriber(sub *Subscriber) {
	if _, ok := h.subscribers[sub]; !ok {
		return
	}
	delete(h.subscribers, sub)
	h.subCount.Store(int64(len(h.subscribers)))
	close(sub.send)
	metrics.RecordUnsubscribe()
	h.log.Debug().
		Str("connection_id", sub.id).
		Time("last_seen", sub.LastSeen()).
		Int("subscribers", len(h.subscribers)).
		Msg("subscriber disconnected")
}

// Publish queues an event for delivery to all current subscribers. It
// implements the registry's Publisher interface and never blocks: the
// registry calls it while holding its write lock, and the run loop may at
// that moment be waiting on that same lock inside a Snapshot read. When the
// queue is full the event is dropped; delivery is best-effort and viewers
// recover missed events through snapshot reconciliation.
func (h *Hub) Publish(ev types.Event) {
	select {
	case h.broadcast <- ev:
	case <-h.done:
	default:
		metrics.RecordBroadcastDropped(ev.Type)
		h.log.Warn().Str("type", string(ev.Type)).Msg("broadcast queue full, dropping event")
	}
}

// Subscribe wraps an upgraded websocket connection in a subscriber, registers
// it, and starts its read and write pumps. The hub owns the connection from
// this point on.
func (h *Hub) Subscribe(conn *websocket.Conn) *Subscriber {
	sub := newSubscriber(h, conn)
	select {
	case h.register <- sub:
	case <-h.done:
		close(sub.send)
		_ = conn.Close()
		return sub
	}
	go sub.writePump()
	go sub.readPump()
	return sub
}

// Unsubscribe removes a subscriber. Safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	select {
	case h.unregister <- sub:
	case <-h.done:
	}
}

// RequestSnapshot queues a fresh full snapshot for one subscriber. Viewers use
// this to reconcile when they suspect they missed events.
func (h *Hub) RequestSnapshot(sub *Subscriber) {
	select {
	case h.snapshotTo <- sub:
	case <-h.done:
	}
}

// SubscriberCount returns the number of live viewer connections.
func (h *Hub) SubscriberCount() int {
	return int(h.subCount.Load())
}
