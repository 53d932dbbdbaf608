package local

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nirosys/weir/data"
	"github.com/nirosys/weir/graph"
	"github.com/nirosys/weir/internal/feed"
	"github.com/nirosys/weir/transport"
)

// CreateBatchedStream windows the connection's message feed into batches.
// Every call takes its own subscription, so each stream sees every message
// written after the call. A window closes when BatchWindow elapses or
// MaxBatchSize messages have arrived; empty windows are skipped. The stream
// ends when ctx is done or the connection closes.
//
// Unless overridden, window and size are re-read from the connection for each
// window, so retuning by a recovery policy takes effect on live streams.
func (e *Engine) CreateBatchedStream(ctx context.Context, id graph.ConnectionID, override *transport.BatchConfig) (<-chan transport.Batch, error) {
	c, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	sub := c.feed.Subscribe()
	out := make(chan transport.Batch)
	go e.batchLoop(ctx, c, sub, override, out)
	return out, nil
}

func (e *Engine) batchParams(c *connection, override *transport.BatchConfig) (time.Duration, int) {
	cfg := c.Config()
	window, size := cfg.BatchWindow, cfg.MaxBatchSize
	if override != nil {
		if override.BatchWindow > 0 {
			window = override.BatchWindow
		}
		if override.MaxBatchSize > 0 {
			size = override.MaxBatchSize
		}
	}
	if window <= 0 {
		window = transport.DefaultBatchWindow
	}
	if size <= 0 {
		size = 1
	}
	return window, size
}

func (e *Engine) batchLoop(ctx context.Context, c *connection, sub *feed.Subscription[*data.Message], override *transport.BatchConfig, out chan<- transport.Batch) {
	defer close(out)
	defer sub.Cancel()

	window, size := e.batchParams(c, override)
	timer := time.NewTimer(window)
	defer timer.Stop()

	var pending []*data.Message
	emit := func() bool {
		if len(pending) == 0 {
			return true
		}
		b := e.buildBatch(c, pending)
		pending = nil
		select {
		case out <- b:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-sub.C:
			if !ok {
				emit()
				return
			}
			pending = append(pending, m)
			if len(pending) >= size {
				if !emit() {
					return
				}
				window, size = e.batchParams(c, override)
				timer.Reset(window)
			}
		case <-timer.C:
			if !emit() {
				return
			}
			window, size = e.batchParams(c, override)
			timer.Reset(window)
		}
	}
}

// buildBatch sizes the messages and assembles the batch. Any fault goes down
// the connection's error path and yields an empty batch so the stream keeps
// going.
func (e *Engine) buildBatch(c *connection, msgs []*data.Message) (b transport.Batch) {
	now := e.clock()
	defer func() {
		if r := recover(); r != nil {
			e.handleError(c, transport.NewWriteError(c.id, fmt.Errorf("batch processing panic: %v", r)))
			b = transport.Batch{Messages: []*data.Message{}, Timestamp: now}
		}
	}()

	total := 0
	for _, m := range msgs {
		n, err := messageSize(m)
		if err != nil {
			e.handleError(c, transport.NewWriteError(c.id, err))
			return transport.Batch{Messages: []*data.Message{}, Timestamp: now}
		}
		total += n
	}

	e.publish(data.EventBatch, c.id, map[string]interface{}{
		"size":      len(msgs),
		"totalSize": total,
	})
	return transport.Batch{Messages: msgs, TotalSize: total, Timestamp: now}
}

// messageSize is the length of the message's JSON encoding.
func messageSize(m *data.Message) (int, error) {
	buf, err := json.Marshal(m)
	if err != nil {
		return 0, err
	}
	return len(buf), nil
}
