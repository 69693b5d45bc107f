package eventbus

import (
	"sync"

	"PPresence/logger"
	"PPresence/tools/safe"
)

// Typed domain events. Presence publishes, notify/fanout consume; the bus is
// what keeps those two from importing each other.

type Kind int

const (
	KindUserOnline Kind = iota + 1
	KindUserOffline
	KindStatusChanged
	KindAttentionUpdated
)

func (k Kind) String() string {
	switch k {
	case KindUserOnline:
		return "userOnline"
	case KindUserOffline:
		return "userOffline"
	case KindStatusChanged:
		return "statusChanged"
	case KindAttentionUpdated:
		return "attentionUpdated"
	default:
		return "unknown"
	}
}

type Event interface {
	Kind() Kind
}

type UserOnline struct {
	UserID    string
	GatewayID string
	TS        int64
}

func (UserOnline) Kind() Kind { return KindUserOnline }

type UserOffline struct {
	UserID    string
	GatewayID string
	TS        int64
}

func (UserOffline) Kind() Kind { return KindUserOffline }

type StatusChanged struct {
	UserID string
	Status string
	TS     int64
}

func (StatusChanged) Kind() Kind { return KindStatusChanged }

type AttentionUpdated struct {
	UserID   string // who changed their attention list
	TargetID string // who is being watched / unwatched
	Added    bool
	TS       int64
}

func (AttentionUpdated) Kind() Kind { return KindAttentionUpdated }

// ===== bus =====

const defaultBuffer = 256

type subscriber struct {
	name  string
	ch    chan Event
	kinds map[Kind]struct{} // empty = all
}

type Bus struct {
	mu       sync.RWMutex
	subs     []*subscriber
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewBus() *Bus {
	return &Bus{stopCh: make(chan struct{})}
}

// Subscribe registers h for the given kinds (all kinds when none given).
// h runs on its own goroutine; a slow handler drops events rather than
// blocking publishers.
func (b *Bus) Subscribe(name string, h func(Event), kinds ...Kind) {
	sub := &subscriber{
		name:  name,
		ch:    make(chan Event, defaultBuffer),
		kinds: make(map[Kind]struct{}, len(kinds)),
	}
	for _, k := range kinds {
		sub.kinds[k] = struct{}{}
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	safe.SafeGoNamed("eventbus/"+name, func() {
		for {
			select {
			case <-b.stopCh:
				return
			case ev := <-sub.ch:
				h(ev)
			}
		}
	})
}

// Publish never blocks the caller. A full subscriber buffer drops the event
// with a log entry; presence hot paths must not stall on a slow consumer.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, sub := range subs {
		if len(sub.kinds) > 0 {
			if _, ok := sub.kinds[ev.Kind()]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
			logger.Warnf("[eventbus] sub=%s buffer full, drop %s", sub.name, ev.Kind())
		}
	}
}

func (b *Bus) Close() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}
