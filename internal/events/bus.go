package events

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"vpnconsole-go/internal/config"
)

// EventType names what changed
type EventType string

const (
	ServersRefreshed    EventType = "servers_refreshed"
	ServerStatusChanged EventType = "server_status_changed"
	SessionChanged      EventType = "session_changed"
	InventoryChanged    EventType = "inventory_changed"
	UserRoleChanged     EventType = "user_role_changed"
	ConfigReloaded      EventType = "config_reloaded"
)

// RefreshData is the payload of ServersRefreshed
type RefreshData struct {
	Total  int `json:"total"`
	Online int `json:"online"`
}

// InventoryChangeData is the payload of InventoryChanged; Action is created, updated or deleted
type InventoryChangeData struct {
	Action string `json:"action"`
}

// Event is one notification. EntityID is a server, connection or user id.
type Event struct {
	Type      EventType   `json:"type"`
	EntityID  string      `json:"entity_id,omitempty"`
	OldState  string      `json:"old_state,omitempty"`
	NewState  string      `json:"new_state,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Publisher is what components hold to emit events
type Publisher interface {
	Publish(event Event)
}

// Nop discards events; components default to it until a bus is attached
type Nop struct{}

func (Nop) Publish(Event) {}

type subscription struct {
	ch    chan Event
	types []EventType // empty matches everything
}

func (s *subscription) wants(t EventType) bool {
	return len(s.types) == 0 || slices.Contains(s.types, t)
}

// Bus fans events out to subscriber channels. Publishing never blocks: a
// subscriber whose buffer is full misses the event and the drop is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    []*subscription
	closed  bool
	dropped atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a channel receiving events of the given types, or of every
// type when none are given. The channel is closed by Unsubscribe or Close.
func (b *Bus) Subscribe(types ...EventType) <-chan Event {
	size := config.EventChannelBufferSize
	if len(types) == 0 {
		size = config.EventChannelBufferSizeAll
	}
	sub := &subscription{ch: make(chan Event, size), types: slices.Clone(types)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub.ch
	}
	b.subs = append(b.subs, sub)
	return sub.ch
}

// SubscribeAll is Subscribe with no filter
func (b *Bus) SubscribeAll() <-chan Event {
	return b.Subscribe()
}

// Unsubscribe detaches and closes ch. Unknown channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := slices.IndexFunc(b.subs, func(s *subscription) bool { return s.ch == ch })
	if i < 0 {
		return
	}
	close(b.subs[i].ch)
	b.subs = slices.Delete(b.subs, i, i+1)
}

// Publish delivers event to every matching subscriber, stamping it if needed.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if !s.wants(event.Type) {
			continue
		}
		select {
		case s.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Close closes every subscriber channel. Later subscriptions get a closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
}

// SubscriberCount counts subscribers that would receive an event of type t,
// unfiltered ones included.
func (b *Bus) SubscriberCount(t EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, s := range b.subs {
		if s.wants(t) {
			n++
		}
	}
	return n
}

// Len returns the number of live subscriptions
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was full
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
