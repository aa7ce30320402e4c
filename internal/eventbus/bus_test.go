package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFanout(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(2)
	c, unsubC := b.Subscribe(2)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: "execution.finished", Data: 7})

	for _, ch := range []<-chan Event{a, c} {
		ev := <-ch
		assert.Equal(t, "execution.finished", ev.Type)
		assert.Equal(t, 7, ev.Data)
		assert.False(t, ev.Time.IsZero())
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "one"})
	b.Publish(Event{Type: "two"})

	ev := <-ch
	assert.Equal(t, "one", ev.Type)
	assert.Len(t, ch, 0)
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	require.False(t, ok)
	b.Publish(Event{Type: "after"})
}
