package events

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestEventSource_RaiseDeliversInSubscriptionOrder(t *testing.T) {
	source := CreateEventSource[int]("test", zaptest.NewLogger(t))

	var got []string
	source.Subscribe(func(v int) { got = append(got, "first") })
	source.Subscribe(func(v int) { got = append(got, "second") })

	source.Raise(1)

	assert.Equal(t, []string{"first", "second"}, got)
}

func TestEventSource_UnsubscribeStopsDelivery(t *testing.T) {
	source := CreateEventSource[string]("test", zaptest.NewLogger(t))

	calls := 0
	unsubscribe := source.Subscribe(func(string) { calls++ })
	source.Raise("a")

	unsubscribe()
	unsubscribe()
	source.Raise("b")

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, source.SubscriberCount())
}

func TestEventSource_PanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	source := CreateEventSource[int]("test", zaptest.NewLogger(t))

	delivered := false
	source.Subscribe(func(int) { panic("boom") })
	source.Subscribe(func(int) { delivered = true })

	assert.NotPanics(t, func() { source.Raise(7) })
	assert.True(t, delivered)
}

func TestEventSource_SubscribeDuringRaise(t *testing.T) {
	source := CreateEventSource[int]("test", nil)

	var lateCalls atomic.Int32
	source.Subscribe(func(int) {
		// Subscribers added while raising only see later events.
		source.Subscribe(func(int) { lateCalls.Add(1) })
	})

	source.Raise(1)
	assert.Equal(t, int32(0), lateCalls.Load())

	source.Raise(2)
	assert.Equal(t, int32(1), lateCalls.Load())
}

func TestEventSource_ConcurrentSubscribeAndRaise(t *testing.T) {
	source := CreateEventSource[int]("test", nil)

	var total atomic.Int64
	wg := sync.WaitGroup{}
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			source.Subscribe(func(v int) { total.Add(int64(v)) })
		}()
		go func() {
			defer wg.Done()
			source.Raise(1)
		}()
	}
	wg.Wait()

	assert.Equal(t, 16, source.SubscriberCount())
	total.Store(0)
	source.Raise(1)
	assert.Equal(t, int64(16), total.Load())
}
