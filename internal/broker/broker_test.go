package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New[int](4)
	s1 := b.Subscribe()
	s2 := b.Subscribe()

	require.NoError(t, b.Publish(context.Background(), 7))

	assert.Equal(t, 7, <-s1.C())
	assert.Equal(t, 7, <-s2.C())
	assert.Equal(t, 2, b.Len())
}

func TestUnsubscribeStopsDeliveryAndUnblocksPublisher(t *testing.T) {
	b := New[int](0)
	s := b.Subscribe()

	errc := make(chan error, 1)
	go func() { errc <- b.Publish(context.Background(), 1) }()

	time.Sleep(10 * time.Millisecond)
	s.Unsubscribe()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("publisher stayed blocked")
	}
	assert.Equal(t, 0, b.Len())
	s.Unsubscribe()
}

func TestTryPublishDropsForFullSubscriber(t *testing.T) {
	b := New[string](1)
	s := b.Subscribe()

	assert.Equal(t, 0, b.TryPublish("a"))
	assert.Equal(t, 1, b.TryPublish("b"))
	assert.Equal(t, uint64(1), b.Dropped())
	assert.Equal(t, "a", <-s.C())
}

func TestPublishHonorsContext(t *testing.T) {
	b := New[int](0)
	b.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Publish(ctx, 1), context.DeadlineExceeded)
}

func TestCloseEndsSubscriptions(t *testing.T) {
	b := New[int](1)
	s := b.Subscribe()
	b.Close()

	select {
	case <-s.Done():
	default:
		t.Fatal("subscription not finished")
	}

	late := b.Subscribe()
	<-late.Done()
	assert.NoError(t, b.Publish(context.Background(), 1))
}
