// Package eventbus fans job events out to subscribed clients.
//
// The in-memory Bus serves a single process. Publishers never block: a
// subscriber whose buffer is full is dropped and its channel closed, and the
// client is expected to reconnect and reconcile through the jobs endpoint.
package eventbus

import (
	"log/slog"
	"sync"

	"github.com/driftwave/mediagen/internal/domain"
)

// subscriberBuffer caps how many undelivered events a subscriber may lag.
const subscriberBuffer = 100

type subscriber struct {
	ch chan domain.Event
}

// Bus is an in-process publish/subscribe fan-out keyed by channel name.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]*subscriber
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]*subscriber)}
}

// Subscribe attaches to a channel. The returned subscription's C closes when
// the subscriber is dropped for lagging; Close detaches it.
func (b *Bus) Subscribe(channel string) *domain.Subscription {
	s := &subscriber{ch: make(chan domain.Event, subscriberBuffer)}
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], s)
	n := len(b.subs[channel])
	b.mu.Unlock()
	slog.Debug("bus subscribe", slog.String("channel", channel), slog.Int("subscribers", n))
	return domain.NewSubscription(s.ch, func() { b.remove(channel, s) })
}

// Publish delivers ev to every subscriber of channel without blocking. Sends
// happen under the read lock and closes under the write lock, so a drop can
// never race a send on the same channel.
func (b *Bus) Publish(channel string, ev domain.Event) {
	var dropped []*subscriber
	b.mu.RLock()
	for _, s := range b.subs[channel] {
		select {
		case s.ch <- ev:
		default:
			dropped = append(dropped, s)
		}
	}
	b.mu.RUnlock()
	for _, s := range dropped {
		slog.Warn("dropping slow subscriber", slog.String("channel", channel))
		b.remove(channel, s)
	}
}

// remove detaches s from channel and closes its channel exactly once (a
// subscriber can only be found in the slice once).
func (b *Bus) remove(channel string, s *subscriber) {
	b.mu.Lock()
	subs := b.subs[channel]
	found := false
	for i, cur := range subs {
		if cur == s {
			b.subs[channel] = append(subs[:i], subs[i+1:]...)
			found = true
			break
		}
	}
	if found && len(b.subs[channel]) == 0 {
		delete(b.subs, channel)
	}
	if found {
		close(s.ch)
	}
	b.mu.Unlock()
}

// SubscriberCount reports how many subscribers a channel currently has.
func (b *Bus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}
