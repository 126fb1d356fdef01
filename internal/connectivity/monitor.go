// Package connectivity tracks whether the remote authority is reachable and
// publishes online/offline transitions to explicit subscribers.
package connectivity

import (
	"sync"
	"time"

	"github.com/okcolf/colfexpress/internal/logging"
)

// subscriberBuffer bounds the events queued for a slow subscriber.
const subscriberBuffer = 16

// Event is published on every change of the effective state.
type Event struct {
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
	Source string    `json:"source"`
}

// Monitor holds the observed connectivity state. The effective state is
// observed && !forced.
type Monitor struct {
	mu       sync.Mutex
	observed bool
	forced   bool
	subs     map[*Subscription]struct{}
	now      func() time.Time
}

// NewMonitor creates a Monitor that starts with online as the observed
// state and no override. No event is published for the initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{
		observed: online,
		subs:     make(map[*Subscription]struct{}),
		now:      time.Now,
	}
}

// Online returns the effective state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.effective()
}

func (m *Monitor) effective() bool {
	return m.observed && !m.forced
}

// Set records an observation. Subscribers are notified only when the
// effective state changes.
func (m *Monitor) Set(online bool, source string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := m.effective()
	m.observed = online
	m.publishIfChanged(before, source)
}

// SetForcedOffline toggles the operator override.
func (m *Monitor) SetForcedOffline(forced bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := m.effective()
	m.forced = forced
	m.publishIfChanged(before, "override")
}

// ForcedOffline reports whether the operator override is active.
func (m *Monitor) ForcedOffline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forced
}

// publishIfChanged must be called with mu held.
func (m *Monitor) publishIfChanged(before bool, source string) {
	after := m.effective()
	if after == before {
		return
	}

	ev := Event{Online: after, At: m.now().UTC(), Source: source}
	logging.Info("connectivity changed", map[string]interface{}{
		"online": after,
		"source": source,
	})
	for sub := range m.subs {
		sub.deliver(ev)
	}
}

// Subscribe registers a new subscriber. The caller must Unsubscribe when done.
func (m *Monitor) Subscribe(name string) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := &Subscription{
		name: name,
		ch:   make(chan Event, subscriberBuffer),
		m:    m,
	}
	m.subs[sub] = struct{}{}
	return sub
}

// Subscribers returns the number of registered subscribers.
func (m *Monitor) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Subscription is one registered listener.
type Subscription struct {
	name string
	ch   chan Event
	m    *Monitor
	once sync.Once
}

// deliver queues ev. A full buffer gives up its oldest event so the newest
// state always arrives. Publishers hold the monitor lock, so ev is the only
// send in flight.
func (s *Subscription) deliver(ev Event) {
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case stale := <-s.ch:
			logging.Warn("connectivity subscriber is not draining, stale event replaced", map[string]interface{}{
				"subscriber": s.name,
				"stale":      stale.Online,
			})
		default:
		}
	}
}

// Events returns the delivery channel. It is closed by Unsubscribe.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Unsubscribe removes the subscription and closes its channel. It is safe
// to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.m.mu.Lock()
		delete(s.m.subs, s)
		close(s.ch)
		s.m.mu.Unlock()
	})
}
