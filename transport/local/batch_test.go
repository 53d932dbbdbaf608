package local

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nirosys/weir/data"
	"github.com/nirosys/weir/transport"
)

func nextBatch(t *testing.T, ch <-chan transport.Batch) transport.Batch {
	t.Helper()
	select {
	case b, ok := <-ch:
		require.True(t, ok, "batched stream closed")
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch")
	}
	return transport.Batch{}
}

func TestBatchedStreamMaxSize(t *testing.T) {
	e := newTestEngine(t, nil)
	id, err := e.CreateConnection(epA, epB, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := e.CreateBatchedStream(ctx, id, &transport.BatchConfig{BatchWindow: time.Second, MaxBatchSize: 3})
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		require.NoError(t, e.Write(context.Background(), id, data.NewMessage("A", "B", "in", i, nil)))
	}

	for n := 0; n < 2; n++ {
		b := nextBatch(t, stream)
		require.Len(t, b.Messages, 3)
		for i, m := range b.Messages {
			assert.Equal(t, n*3+i, m.Data)
		}
		assert.Greater(t, b.TotalSize, 0)
	}
}

func TestBatchedStreamWindow(t *testing.T) {
	e := newTestEngine(t, nil)
	id, err := e.CreateConnection(epA, epB, &transport.Config{BatchWindow: 20 * time.Millisecond, MaxBatchSize: 100})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := e.CreateBatchedStream(ctx, id, nil)
	require.NoError(t, err)

	require.NoError(t, e.Write(context.Background(), id, data.NewMessage("A", "B", "in", "x", nil)))
	require.NoError(t, e.Write(context.Background(), id, data.NewMessage("A", "B", "in", "y", nil)))

	got := 0
	for got < 2 {
		b := nextBatch(t, stream)
		got += len(b.Messages)
	}
	assert.Equal(t, 2, got)
}

func TestBatchedStreamRestart(t *testing.T) {
	e := newTestEngine(t, nil)
	id, err := e.CreateConnection(epA, epB, &transport.Config{BatchWindow: 10 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	first, err := e.CreateBatchedStream(ctx, id, nil)
	require.NoError(t, err)
	cancel()
	for range first {
	}

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	second, err := e.CreateBatchedStream(ctx2, id, nil)
	require.NoError(t, err)
	require.NoError(t, e.Write(context.Background(), id, data.NewMessage("A", "B", "in", 7, nil)))

	b := nextBatch(t, second)
	require.Len(t, b.Messages, 1)
	assert.Equal(t, 7, b.Messages[0].Data)
}

func TestBatchedStreamUnserializable(t *testing.T) {
	e := newTestEngine(t, nil)
	events := e.SubscribeEvents()
	defer events.Cancel()

	id, err := e.CreateConnection(epA, epB, &transport.Config{BatchWindow: 10 * time.Millisecond})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := e.CreateBatchedStream(ctx, id, nil)
	require.NoError(t, err)

	require.NoError(t, e.Write(context.Background(), id, data.NewMessage("A", "B", "in", make(chan int), nil)))

	b := nextBatch(t, stream)
	assert.Empty(t, b.Messages)
	assert.Equal(t, 0, b.TotalSize)

	ev := waitForEvent(t, events, data.EventError)
	assert.Equal(t, string(transport.KindClone), ev.Data["kind"])
	assert.Greater(t, e.Snapshot()[id].ErrorRate, 0.0)
}

func TestBatchedStreamEndsOnClose(t *testing.T) {
	e := newTestEngine(t, nil)
	id, err := e.CreateConnection(epA, epB, nil)
	require.NoError(t, err)
	stream, err := e.CreateBatchedStream(context.Background(), id, nil)
	require.NoError(t, err)

	require.NoError(t, e.CloseConnection(id))
	select {
	case _, ok := <-stream:
		for ok {
			_, ok = <-stream
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after close")
	}

	_, err = e.CreateBatchedStream(context.Background(), id, nil)
	assert.ErrorIs(t, err, transport.ErrUnknownConnection)
}
