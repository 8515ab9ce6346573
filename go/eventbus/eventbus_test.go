package eventbus

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEventBus_FanOut(t *testing.T) {
	bus := New()
	ch := make(chan int, 5)
	bus.SubscribeAsync("channel1", func(e interface{}) { ch <- 1 })
	bus.SubscribeAsync("channel2", func(e interface{}) { ch <- e.(int) + 1 })
	bus.SubscribeAsync("channel2", func(e interface{}) { ch <- e.(int) })

	bus.Publish("channel1", nil, true)
	bus.Publish("channel2", 2, true)

	deadline := time.After(3 * time.Second)
	vals := []int{}
	for len(vals) < 3 {
		select {
		case v := <-ch:
			vals = append(vals, v)
		case <-deadline:
			t.Fatal("timed out waiting for subscribers")
		}
	}
	sort.Ints(vals)
	require.Equal(t, []int{1, 2, 3}, vals)
}

func TestEventBus_SyncPublishBlocksUntilDelivered(t *testing.T) {
	bus := New()
	var mu sync.Mutex
	delivered := false
	bus.SubscribeAsync("done", func(e interface{}) {
		mu.Lock()
		defer mu.Unlock()
		delivered = true
	})
	bus.Publish("done", nil, false)
	mu.Lock()
	defer mu.Unlock()
	require.True(t, delivered)
}

func TestEventBus_NoSubscribers(t *testing.T) {
	bus := New()
	require.NotPanics(t, func() {
		bus.Publish("nobody-home", "x", true)
	})
}
