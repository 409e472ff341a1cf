package station

import (
	"sync"
	"time"
)

// Event types published to subscribers.
const (
	EventSite         = "site"
	EventScanComplete = "scan_complete"
	EventSMEState     = "sme_state"
	EventLink         = "link"
	EventFWReset      = "fw_reset"
)

// Event is one notification for API subscribers.
type Event struct {
	Type   string    `json:"type"`
	Time   time.Time `json:"time"`
	Client string    `json:"client,omitempty"`
	Status string    `json:"status,omitempty"`
	State  string    `json:"state,omitempty"`
	BSSID  string    `json:"bssid,omitempty"`
	SSID   string    `json:"ssid,omitempty"`
	RSSI   int       `json:"rssi,omitempty"`
	OSScan bool      `json:"os_scan,omitempty"`
}

// Broadcaster fans events out to subscribers. Slow subscribers lose events
// rather than stall the station.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[uint64]chan Event
	next   uint64
	buffer int
}

// NewBroadcaster creates a broadcaster whose subscriber channels hold
// buffer events.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{subs: make(map[uint64]chan Event), buffer: buffer}
}

// Subscribe returns a channel of events and a function that ends the
// subscription and closes the channel.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers e to every subscriber with room for it.
func (b *Broadcaster) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
