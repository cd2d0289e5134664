// Package realtime tracks live activity and pushes it to dashboard
// subscribers.
package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"mabletask/telemetry/config"
	"mabletask/telemetry/logging"
	"mabletask/telemetry/metrics"
	"mabletask/telemetry/models"
	"mabletask/telemetry/utils"
)

type MessageType string

const (
	MessageTypeInitial MessageType = "initial"
	MessageTypeEvent   MessageType = "event"
	MessageTypeMetrics MessageType = "metrics"
	MessageTypePing    MessageType = "ping"
	MessageTypePong    MessageType = "pong"
)

// sessions without an end event are forgotten after this long
const sessionMaxAge = 12 * time.Hour

// Message is the envelope sent to subscribers.
type Message struct {
	Type      MessageType `json:"type"`
	Data      any         `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Subscriber receives hub messages. Send must not block or call back into
// the hub; the initial snapshot is sent with the hub lock held. An error
// removes the subscriber.
type Subscriber interface {
	ID() string
	Send(msg Message) error
}

// Snapshot is the payload of initial and metrics messages.
type Snapshot struct {
	ActiveUsers    int                    `json:"activeUsers"`
	ActiveSessions int                    `json:"activeSessions"`
	Subscribers    int                    `json:"subscribers"`
	RecentEvents   []models.BehaviorEvent `json:"recentEvents"`
	Timestamp      time.Time              `json:"timestamp"`
}

type Hub struct {
	rdb redis.UniversalClient
	cfg config.HubConfig
	now func() time.Time

	mu          sync.Mutex
	active      map[string]time.Time
	sessions    map[string]time.Time
	events      *utils.Ring[models.BehaviorEvent]
	subscribers map[string]Subscriber
}

// NewHub creates a hub. rdb may be nil; it only mirrors active identities
// for other processes.
func NewHub(rdb redis.UniversalClient, cfg config.HubConfig) *Hub {
	if cfg.RecencyWindow <= 0 {
		cfg.RecencyWindow = 5 * time.Minute
	}
	if cfg.RingSize <= 0 {
		cfg.RingSize = 100
	}
	if cfg.InitialEvents <= 0 {
		cfg.InitialEvents = 10
	}
	if cfg.SnapshotEvents <= 0 {
		cfg.SnapshotEvents = 20
	}
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = 5 * time.Second
	}
	if cfg.IdentityTTL <= 0 {
		cfg.IdentityTTL = cfg.RecencyWindow
	}
	return &Hub{
		rdb:         rdb,
		cfg:         cfg,
		now:         time.Now,
		active:      make(map[string]time.Time),
		sessions:    make(map[string]time.Time),
		events:      utils.NewRing[models.BehaviorEvent](cfg.RingSize),
		subscribers: make(map[string]Subscriber),
	}
}

func activeKey(identity string) string {
	return "active:user:" + identity
}

// TrackActiveIdentity marks userID, or deviceID when no user is known, as
// seen now.
func (h *Hub) TrackActiveIdentity(ctx context.Context, deviceID, userID string) {
	key := userID
	if key == "" {
		key = deviceID
	}
	if key == "" {
		return
	}
	now := h.now()

	h.mu.Lock()
	h.active[key] = now
	h.sweepLocked(now)
	count := len(h.active)
	h.mu.Unlock()

	metrics.ActiveIdentities.Set(float64(count))

	if h.rdb != nil {
		if err := h.rdb.Set(ctx, activeKey(key), now.Unix(), h.cfg.IdentityTTL).Err(); err != nil {
			logging.Debug().Err(err).Str("identity", key).Msg("active identity mirror failed")
		}
	}
}

// sweepLocked drops identities outside the recency window and sessions
// that never ended.
func (h *Hub) sweepLocked(now time.Time) {
	for k, seen := range h.active {
		if now.Sub(seen) > h.cfg.RecencyWindow {
			delete(h.active, k)
		}
	}
	for id, started := range h.sessions {
		if now.Sub(started) > sessionMaxAge {
			delete(h.sessions, id)
		}
	}
}

// ActiveCount is the number of identities seen within the recency window.
func (h *Hub) ActiveCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sweepLocked(h.now())
	return len(h.active)
}

func (h *Hub) CurrentSessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *Hub) SessionStarted(sessionID string) {
	if sessionID == "" {
		return
	}
	h.mu.Lock()
	h.sessions[sessionID] = h.now()
	h.mu.Unlock()
}

func (h *Hub) SessionEnded(sessionID string) {
	h.mu.Lock()
	delete(h.sessions, sessionID)
	h.mu.Unlock()
}

// AddEvent records the event in the ring and pushes it to subscribers.
func (h *Hub) AddEvent(e *models.BehaviorEvent) {
	ev := *e
	h.mu.Lock()
	h.events.Push(ev)
	subs := h.subscribersLocked()
	h.mu.Unlock()

	h.send(subs, Message{Type: MessageTypeEvent, Data: ev, Timestamp: h.now()})
}

// AddSubscriber sends sub the initial snapshot and registers it under one
// lock, so every event reaches it exactly once: either in the snapshot or
// as a later event message. A subscriber that cannot take the snapshot is
// not registered.
func (h *Hub) AddSubscriber(sub Subscriber) error {
	now := h.now()
	h.mu.Lock()
	initial := h.snapshotLocked(now, h.cfg.InitialEvents)
	if err := sub.Send(Message{Type: MessageTypeInitial, Data: initial, Timestamp: initial.Timestamp}); err != nil {
		h.mu.Unlock()
		closeSubscriber(sub)
		return fmt.Errorf("send initial snapshot to %s: %w", sub.ID(), err)
	}
	h.subscribers[sub.ID()] = sub
	n := len(h.subscribers)
	h.mu.Unlock()

	metrics.HubSubscribers.Set(float64(n))
	logging.Debug().Str("subscriber", sub.ID()).Int("total", n).Msg("live subscriber added")
	return nil
}

func (h *Hub) RemoveSubscriber(id string) {
	h.mu.Lock()
	sub, ok := h.subscribers[id]
	delete(h.subscribers, id)
	n := len(h.subscribers)
	h.mu.Unlock()

	if ok {
		closeSubscriber(sub)
		metrics.HubSubscribers.Set(float64(n))
		logging.Debug().Str("subscriber", id).Int("total", n).Msg("live subscriber removed")
	}
}

func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Metrics returns the periodic snapshot.
func (h *Hub) Metrics() Snapshot {
	return h.snapshot(h.cfg.SnapshotEvents)
}

func (h *Hub) snapshot(events int) Snapshot {
	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked(now, events)
}

func (h *Hub) snapshotLocked(now time.Time, events int) Snapshot {
	h.sweepLocked(now)
	return Snapshot{
		ActiveUsers:    len(h.active),
		ActiveSessions: len(h.sessions),
		Subscribers:    len(h.subscribers),
		RecentEvents:   h.events.Last(events),
		Timestamp:      now,
	}
}

// Run broadcasts a metrics snapshot every BroadcastInterval until ctx is
// done.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case <-ticker.C:
			snap := h.Metrics()
			metrics.ActiveIdentities.Set(float64(snap.ActiveUsers))
			h.broadcast(Message{Type: MessageTypeMetrics, Data: snap, Timestamp: snap.Timestamp})
		}
	}
}

// broadcast sends msg to every subscriber outside the lock and removes the
// ones that fail.
func (h *Hub) broadcast(msg Message) {
	h.mu.Lock()
	subs := h.subscribersLocked()
	h.mu.Unlock()
	h.send(subs, msg)
}

func (h *Hub) subscribersLocked() []Subscriber {
	subs := make([]Subscriber, 0, len(h.subscribers))
	for _, s := range h.subscribers {
		subs = append(subs, s)
	}
	return subs
}

func (h *Hub) send(subs []Subscriber, msg Message) {
	for _, s := range subs {
		if err := s.Send(msg); err != nil {
			logging.Debug().Err(err).Str("subscriber", s.ID()).Msg("dropping live subscriber")
			h.RemoveSubscriber(s.ID())
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	subs := h.subscribers
	h.subscribers = make(map[string]Subscriber)
	h.mu.Unlock()

	for _, s := range subs {
		closeSubscriber(s)
	}
	metrics.HubSubscribers.Set(0)
}

func closeSubscriber(s Subscriber) {
	if c, ok := s.(interface{ Close() }); ok {
		c.Close()
	}
}
