// Package eventbus is an in-process named-channel pub/sub bus used to fan
// task/event/builder state changes out to however many subscribers (web
// bridge relay, metrics, tests) care about them, without the publisher
// knowing who's listening.
package eventbus

import "sync"

// Callback receives whatever was published on a channel.
type Callback func(e interface{})

// EventBus is a concurrency-safe set of named channels, each with zero or
// more subscribed callbacks.
type EventBus struct {
	mu   sync.RWMutex
	subs map[string][]Callback
}

// New returns an empty EventBus.
func New() *EventBus {
	return &EventBus{subs: map[string][]Callback{}}
}

// SubscribeAsync registers cb to be invoked, each in its own goroutine,
// whenever channel is published to.
func (b *EventBus) SubscribeAsync(channel string, cb Callback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[channel] = append(b.subs[channel], cb)
}

// Publish delivers data to every subscriber of channel. If async is true
// each callback runs in its own goroutine (fire-and-forget); otherwise
// Publish blocks until every callback has returned.
func (b *EventBus) Publish(channel string, data interface{}, async bool) {
	b.mu.RLock()
	cbs := append([]Callback{}, b.subs[channel]...)
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, cb := range cbs {
		cb := cb
		if async {
			go cb(data)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			cb(data)
		}()
	}
	if !async {
		wg.Wait()
	}
}
