package membroker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kzs0/tracehook/messaging"
)

func TestSendReceiveFIFO(t *testing.T) {
	b := New()
	ctx := context.Background()
	p := b.Producer()

	for _, v := range []string{"a", "b", "c"} {
		_, err := p.Send(ctx, &messaging.Message{Topic: "orders", Value: []byte(v)})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, b.Len("orders"))

	c := b.Consumer("orders")
	for i, want := range []string{"a", "b", "c"} {
		msg, err := c.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, string(msg.Value))
		assert.Equal(t, int64(i), msg.Offset)
	}
}

func TestSendAssignsOffsetAndCopiesHeaders(t *testing.T) {
	b := New()
	msg := &messaging.Message{Topic: "t", Value: []byte("v"), Offset: -1}
	msg.Headers.Set("k", "1")

	ack, err := b.Producer().Send(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, int64(0), ack.Offset)
	assert.Equal(t, int64(-1), msg.Offset)

	msg.Headers.Set("k", "2")
	got, err := b.Consumer("t").Receive(context.Background())
	require.NoError(t, err)
	v, _ := got.Headers.Get("k")
	assert.Equal(t, "1", v)
}

func TestReceiveBlocksUntilSend(t *testing.T) {
	b := New()
	done := make(chan *messaging.Message)
	go func() {
		msg, _ := b.Consumer("t").Receive(context.Background())
		done <- msg
	}()

	time.Sleep(10 * time.Millisecond)
	_, err := b.Producer().Send(context.Background(), &messaging.Message{Topic: "t", Value: []byte("x")})
	require.NoError(t, err)

	select {
	case msg := <-done:
		assert.Equal(t, "x", string(msg.Value))
	case <-time.After(time.Second):
		t.Fatal("receive did not wake up")
	}
}

func TestCloseDrainsThenEndsStream(t *testing.T) {
	b := New()
	ctx := context.Background()
	_, err := b.Producer().Send(ctx, &messaging.Message{Topic: "t", Value: []byte("last")})
	require.NoError(t, err)
	b.Close("t")

	c := b.Consumer("t")
	msg, err := c.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "last", string(msg.Value))

	_, err = c.Receive(ctx)
	assert.ErrorIs(t, err, messaging.ErrEndOfStream)

	_, err = b.Producer().Send(ctx, &messaging.Message{Topic: "t"})
	assert.ErrorIs(t, err, ErrTopicClosed)
}

func TestReceiveHonorsContext(t *testing.T) {
	b := New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := b.Consumer("empty").Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTombstone(t *testing.T) {
	b := New()
	_, err := b.SendTombstone(context.Background(), "t", []byte("key"))
	require.NoError(t, err)

	msg, err := b.Consumer("t").Receive(context.Background())
	require.NoError(t, err)
	assert.True(t, msg.Tombstone())
	assert.Equal(t, "key", string(msg.Key))
}
