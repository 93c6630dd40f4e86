package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFeed_PublishSequencesMessages(t *testing.T) {
	feed := NewLocalFeed()
	ch, unsubscribe := feed.Subscribe()
	defer unsubscribe()

	first := MustEvent(KindNewMessage, nil)
	second := MustEvent(KindTunnelStateChanged, nil)
	feed.Publish(first)
	feed.Publish(second)

	msg := <-ch
	assert.EqualValues(t, 1, msg.Seq)
	assert.Equal(t, first.ID, msg.Event.ID)
	msg = <-ch
	assert.EqualValues(t, 2, msg.Seq)
	assert.Equal(t, second.ID, msg.Event.ID)
}

func TestLocalFeed_SlowSubscriberMissesMessages(t *testing.T) {
	feed := NewLocalFeed()
	slow, unsubscribeSlow := feed.Subscribe()
	defer unsubscribeSlow()

	for range feedSubscriberBufferSize + 10 {
		feed.Publish(MustEvent(KindTypingIndicator, nil))
	}
	assert.Len(t, slow, feedSubscriberBufferSize)

	fresh, unsubscribeFresh := feed.Subscribe()
	defer unsubscribeFresh()
	feed.Publish(MustEvent(KindNewMessage, nil))
	select {
	case msg := <-fresh:
		assert.EqualValues(t, feedSubscriberBufferSize+11, msg.Seq)
	case <-time.After(time.Second):
		t.Fatal("publish blocked behind a full subscriber")
	}
}

func TestLocalFeed_Unsubscribe(t *testing.T) {
	feed := NewLocalFeed()
	ch, unsubscribe := feed.Subscribe()
	require.Equal(t, 1, feed.Subscribers())

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, feed.Subscribers())

	_, open := <-ch
	assert.False(t, open, "unsubscribe closes the channel")
}

func TestLocalFeed_Close(t *testing.T) {
	feed := NewLocalFeed()
	ch, unsubscribe := feed.Subscribe()

	feed.Close()
	feed.Close()
	_, open := <-ch
	assert.False(t, open)
	unsubscribe()

	late, _ := feed.Subscribe()
	_, open = <-late
	assert.False(t, open, "subscribing after close yields a closed channel")
	assert.Equal(t, 0, feed.Subscribers())
	feed.Publish(MustEvent(KindNewMessage, nil))
}
