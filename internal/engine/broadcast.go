package engine

import "sync"

// Event is pushed to subscribers around every drain pass: once with
// Syncing=true before the pass starts, once with Syncing=false and the
// aggregate counts after it completes.
type Event struct {
	Syncing   bool   `json:"syncing"`
	Synced    int    `json:"synced"`
	Failed    int    `json:"failed"`
	Conflicts int    `json:"conflicts"`
	Requeued  int    `json:"requeued"`
	Err       string `json:"error,omitempty"`
}

// broadcaster fans events out to independent subscriber channels. Sends
// never block: a subscriber that falls behind misses events rather than
// stalling the drain loop.
type broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan Event)}
}

// subscribe registers a new subscriber. The returned cancel func
// unregisters it and closes the channel; it is safe to call twice.
func (b *broadcaster) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, 16)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}

	return ch, cancel
}

// publish delivers an event to every subscriber without blocking.
func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// closeAll unregisters and closes every subscriber channel.
func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
