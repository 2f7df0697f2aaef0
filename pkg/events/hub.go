package events

import (
	"sync"

	"github.com/simworld/simworld/pkg/model"
)

// defaultBuffer is the per-subscriber channel depth.
const defaultBuffer = 64

type subKey struct {
	worldID string
	kind    model.EventKind
}

type subscriber struct {
	ch chan *model.Event
}

// Hub fans events out to local subscribers keyed by (world, kind). An
// empty world or kind subscribes to all. Delivery is at-least-once with
// drop-oldest backpressure, so consumers must be idempotent on event id
// and tolerate gaps under sustained overload.
type Hub struct {
	mu   sync.RWMutex
	subs map[subKey]map[*subscriber]bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[subKey]map[*subscriber]bool)}
}

// Subscribe registers interest in (worldID, kind); either may be empty as
// a wildcard. The returned disposer unregisters and closes the channel.
func (h *Hub) Subscribe(worldID string, kind model.EventKind) (<-chan *model.Event, func()) {
	key := subKey{worldID: worldID, kind: kind}
	sub := &subscriber{ch: make(chan *model.Event, defaultBuffer)}

	h.mu.Lock()
	if h.subs[key] == nil {
		h.subs[key] = make(map[*subscriber]bool)
	}
	h.subs[key][sub] = true
	h.mu.Unlock()

	var once sync.Once
	dispose := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[key], sub)
			if len(h.subs[key]) == 0 {
				delete(h.subs, key)
			}
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, dispose
}

// Publish delivers e to exact and wildcard subscriptions.
func (h *Hub) Publish(e *model.Event) {
	keys := []subKey{
		{worldID: e.WorldID, kind: e.Kind},
		{worldID: e.WorldID, kind: ""},
		{worldID: "", kind: e.Kind},
		{worldID: "", kind: ""},
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, key := range keys {
		for sub := range h.subs[key] {
			sub.deliver(e)
		}
	}
}

// deliver never blocks: on a full channel the oldest event is dropped to
// make room for the newest.
func (s *subscriber) deliver(e *model.Event) {
	for {
		select {
		case s.ch <- e:
			return
		default:
			select {
			case <-s.ch:
			default:
			}
		}
	}
}
