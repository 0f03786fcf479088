package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEmitter_DeliveryOrder(t *testing.T) {
	e := NewEmitter()

	var order []string
	e.SubscribeReachability(func(ReachabilityEvent) { order = append(order, "syncer") })
	e.SubscribeReachability(func(ReachabilityEvent) { order = append(order, "banner") })

	e.EmitReachability(ReachabilityEvent{Online: true, At: time.Now()})

	assert.Equal(t, []string{"syncer", "banner"}, order)
}

func TestEmitter_Cancel(t *testing.T) {
	e := NewEmitter()

	var calls int
	cancel := e.SubscribeFlush(func(FlushEvent) { calls++ })

	e.EmitFlush(FlushEvent{Applied: 1})
	cancel()
	e.EmitFlush(FlushEvent{Applied: 2})

	assert.Equal(t, 1, calls)
}

func TestEmitter_EmitWithNoSubscribers(t *testing.T) {
	e := NewEmitter()
	e.EmitReachability(ReachabilityEvent{Online: false})
	e.EmitFlush(FlushEvent{})
}

func TestEmitter_SubscriberPayload(t *testing.T) {
	e := NewEmitter()

	var got FlushEvent
	e.SubscribeFlush(func(ev FlushEvent) { got = ev })

	e.EmitFlush(FlushEvent{Applied: 3, Remaining: 1, Poisoned: 1})

	assert.Equal(t, 3, got.Applied)
	assert.Equal(t, 1, got.Remaining)
	assert.Equal(t, 1, got.Poisoned)
}
