// Package reactive fans store changes out to live subscribers. Writers notify
// topics after a mutation is acknowledged; readers re-run their query on each
// signal and push the fresh snapshot downstream.
package reactive

import (
	"context"
	"sync"
)

const TagsTopic = "tags"

func ItemsTopic(kind, partition string) string {
	return "items/" + kind + "/" + partition
}

func DocsTopic(partition string) string {
	return "docs/" + partition
}

// Notifier is implemented by anything that can announce changed topics.
type Notifier interface {
	Notify(ctx context.Context, topics ...string)
}

// Subscription receives a coalesced signal whenever one of its topics changes.
// Several notifications between two reads collapse into one signal.
type Subscription struct {
	C <-chan struct{}

	ch     chan struct{}
	hub    *Hub
	topics map[string]struct{}
	once   sync.Once
}

func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.unsubscribe(s) })
}

type Hub struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers interest in topics. With no topics the subscription
// hears every change.
func (h *Hub) Subscribe(topics ...string) *Subscription {
	ch := make(chan struct{}, 1)
	sub := &Subscription{C: ch, ch: ch, hub: h, topics: make(map[string]struct{}, len(topics))}
	for _, topic := range topics {
		sub.topics[topic] = struct{}{}
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

// Publish signals every subscriber of topic without blocking.
func (h *Hub) Publish(topic string) {
	h.mu.Lock()
	for sub := range h.subs {
		if len(sub.topics) > 0 {
			if _, ok := sub.topics[topic]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- struct{}{}:
		default:
		}
	}
	h.mu.Unlock()
}

// Notify publishes each topic locally.
func (h *Hub) Notify(_ context.Context, topics ...string) {
	for _, topic := range topics {
		h.Publish(topic)
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
