package authclient

import "sync"

// Event reports a change of the stored access token. An empty AccessToken
// means the session was cleared.
type Event struct {
	AccessToken string
}

// Broadcaster fans token events out to subscribers. Publish never blocks:
// a subscriber whose buffer is full misses the event.
type Broadcaster struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Event)}
}

// Subscribe returns the event channel and a function that unsubscribes and
// closes it.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
