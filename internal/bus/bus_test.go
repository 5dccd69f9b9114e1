package bus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/locsync/internal/bus"
	"github.com/TheMichaelB/locsync/internal/events"
	"github.com/TheMichaelB/locsync/internal/models"
)

func newBus(t *testing.T) *bus.Bus {
	t.Helper()
	b := bus.New(events.NewDiscardLogger())
	t.Cleanup(b.Close)
	return b
}

func syncBus(t *testing.T, b *bus.Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Sync(ctx))
}

// recorder collects handler invocations in delivery order.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) handler(name string) bus.Handler {
	return func(bus.Event) {
		r.mu.Lock()
		r.calls = append(r.calls, name)
		r.mu.Unlock()
	}
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestSubscriptionOrder(t *testing.T) {
	b := newBus(t)
	rec := &recorder{}

	b.Subscribe(bus.KindSample, rec.handler("a"))
	b.Subscribe(bus.KindSample, rec.handler("b"))
	b.Subscribe(bus.KindSample, rec.handler("c"))
	b.Subscribe(bus.KindLifecycle, rec.handler("other"))

	b.Publish(bus.Event{Kind: bus.KindSample})
	syncBus(t, b)

	assert.Equal(t, []string{"a", "b", "c"}, rec.get())
}

func TestEventsDeliveredInPublishOrder(t *testing.T) {
	b := newBus(t)

	var mu sync.Mutex
	var ids []string
	b.Subscribe(bus.KindSample, func(e bus.Event) {
		mu.Lock()
		ids = append(ids, e.Sample.ID)
		mu.Unlock()
	})

	for _, id := range []string{"1", "2", "3", "4"} {
		b.Publish(bus.Event{Kind: bus.KindSample, Sample: &models.Sample{ID: id}})
	}
	syncBus(t, b)

	assert.Equal(t, []string{"1", "2", "3", "4"}, ids)
}

func TestCancelIdempotent(t *testing.T) {
	b := newBus(t)
	rec := &recorder{}

	sub := b.Subscribe(bus.KindSample, rec.handler("a"))
	sub.Cancel()
	sub.Cancel()

	b.Publish(bus.Event{Kind: bus.KindSample})
	syncBus(t, b)

	assert.Empty(t, rec.get())
	assert.Equal(t, 0, b.SubscriberCount(bus.KindSample))
}

func TestCancelFromWithinHandler(t *testing.T) {
	b := newBus(t)
	rec := &recorder{}

	var self, victim *bus.Subscription
	self = b.Subscribe(bus.KindSample, func(e bus.Event) {
		rec.handler("self")(e)
		self.Cancel()
		victim.Cancel()
	})
	b.Subscribe(bus.KindSample, rec.handler("before-victim"))
	victim = b.Subscribe(bus.KindSample, rec.handler("victim"))
	b.Subscribe(bus.KindSample, rec.handler("after"))

	b.Publish(bus.Event{Kind: bus.KindSample})
	b.Publish(bus.Event{Kind: bus.KindSample})
	syncBus(t, b)

	assert.Equal(t, []string{
		"self", "before-victim", "after",
		"before-victim", "after",
	}, rec.get())
}

func TestSubscribeFromWithinHandler(t *testing.T) {
	b := newBus(t)
	rec := &recorder{}

	b.Subscribe(bus.KindSample, func(e bus.Event) {
		rec.handler("outer")(e)
		b.Subscribe(bus.KindSample, rec.handler("late"))
	})

	b.Publish(bus.Event{Kind: bus.KindSample})
	syncBus(t, b)
	assert.Equal(t, []string{"outer"}, rec.get())

	b.Publish(bus.Event{Kind: bus.KindSample})
	syncBus(t, b)
	assert.Equal(t, []string{"outer", "outer", "late"}, rec.get())
}

func TestPublishDoesNotBlockOnSlowHandler(t *testing.T) {
	b := newBus(t)
	release := make(chan struct{})
	var count int
	var mu sync.Mutex

	b.Subscribe(bus.KindSample, func(bus.Event) {
		<-release
		mu.Lock()
		count++
		mu.Unlock()
	})

	start := time.Now()
	for i := 0; i < 1000; i++ {
		b.Publish(bus.Event{Kind: bus.KindSample})
	}
	assert.Less(t, time.Since(start), time.Second)

	close(release)
	syncBus(t, b)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1000, count, "no event may be dropped")
}

func TestPublishFromHandler(t *testing.T) {
	b := newBus(t)
	rec := &recorder{}

	b.Subscribe(bus.KindSample, func(bus.Event) {
		b.Publish(bus.Event{Kind: bus.KindSyncSucceeded})
	})
	b.Subscribe(bus.KindSyncSucceeded, rec.handler("chained"))

	b.Publish(bus.Event{Kind: bus.KindSample})
	syncBus(t, b)
	syncBus(t, b)

	assert.Equal(t, []string{"chained"}, rec.get())
}

func TestHandlerPanicIsContained(t *testing.T) {
	b := newBus(t)
	rec := &recorder{}

	b.Subscribe(bus.KindSample, func(bus.Event) { panic("boom") })
	b.Subscribe(bus.KindSample, rec.handler("survivor"))

	b.Publish(bus.Event{Kind: bus.KindSample})
	syncBus(t, b)

	assert.Equal(t, []string{"survivor"}, rec.get())
}

func TestSubscribeAll(t *testing.T) {
	b := newBus(t)

	var mu sync.Mutex
	var kinds []bus.Kind
	subs := b.SubscribeAll([]bus.Kind{bus.KindLifecycle, bus.KindProviderError}, func(e bus.Event) {
		mu.Lock()
		kinds = append(kinds, e.Kind)
		mu.Unlock()
	})

	b.Publish(bus.Event{Kind: bus.KindLifecycle, Lifecycle: models.LifecycleStarted})
	b.Publish(bus.Event{Kind: bus.KindProviderError})
	syncBus(t, b)

	subs.Cancel()
	b.Publish(bus.Event{Kind: bus.KindLifecycle})
	syncBus(t, b)

	assert.Equal(t, []bus.Kind{bus.KindLifecycle, bus.KindProviderError}, kinds)
}

func TestCloseDrainsQueue(t *testing.T) {
	b := bus.New(events.NewDiscardLogger())
	rec := &recorder{}
	b.Subscribe(bus.KindSample, rec.handler("x"))

	for i := 0; i < 10; i++ {
		b.Publish(bus.Event{Kind: bus.KindSample})
	}
	b.Close()
	b.Close()

	assert.Len(t, rec.get(), 10)
	assert.ErrorIs(t, b.Sync(context.Background()), bus.ErrClosed)

	// Late publish is discarded without panic
	b.Publish(bus.Event{Kind: bus.KindSample})
}

func TestPublishStampsTime(t *testing.T) {
	b := newBus(t)

	got := make(chan bus.Event, 1)
	b.Subscribe(bus.KindSample, func(e bus.Event) { got <- e })
	b.Publish(bus.Event{Kind: bus.KindSample})

	select {
	case e := <-got:
		assert.False(t, e.Time.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}
