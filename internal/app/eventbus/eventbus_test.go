package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToMatchingSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe(4, KindIs("task_completed"))
	defer b.Unsubscribe(sub)

	b.Publish("task_completed", map[string]string{"task_id": "t-1"})
	b.Publish("task_failed", nil) // should not match

	select {
	case ev := <-sub.Events():
		assert.Equal(t, "task_completed", ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected event not received")
	}

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected second event: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPublishDropsWhenQueueFull(t *testing.T) {
	b := New()
	sub := b.Subscribe(1, nil)
	defer b.Unsubscribe(sub)

	b.Publish("a", nil)
	b.Publish("b", nil) // queue depth 1, this one should drop

	require.Equal(t, int64(1), sub.Dropped())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe(1, nil)
	b.Unsubscribe(sub)

	_, ok := <-sub.Events()
	assert.False(t, ok)
}
