// Package eventbus republishes the stream engine's debug events and metrics
// snapshots as JSON on a watermill publisher, so that tooling outside the
// process can follow a run.
package eventbus

import (
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	log "github.com/sirupsen/logrus"

	"github.com/nirosys/weir/data"
	"github.com/nirosys/weir/internal/feed"
	"github.com/nirosys/weir/transport"
)

const (
	EventsTopic  = "weir.events"
	MetricsTopic = "weir.metrics"

	EventTypeMetadataKey  = "event_type"
	ConnectionMetadataKey = "connection_id"
)

// Source is the part of the stream engine the forwarder reads from.
type Source interface {
	SubscribeEvents() *feed.Subscription[data.Event]
	SubscribeMetrics() *feed.Subscription[transport.Snapshot]
}

type Forwarder struct {
	publisher message.Publisher
	events    *feed.Subscription[data.Event]
	metrics   *feed.Subscription[transport.Snapshot]

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewForwarder subscribes to src immediately and forwards until Close or
// until src completes its feeds.
func NewForwarder(src Source, pub message.Publisher) *Forwarder {
	f := &Forwarder{
		publisher: pub,
		events:    src.SubscribeEvents(),
		metrics:   src.SubscribeMetrics(),
	}
	f.wg.Add(2)
	go f.forwardEvents()
	go f.forwardMetrics()
	return f
}

func (f *Forwarder) forwardEvents() {
	defer f.wg.Done()
	for ev := range f.events.C {
		msg, err := newMessage(ev)
		if err != nil {
			log.WithFields(log.Fields{
				"op":   "weir:eventbus.forward_events",
				"type": ev.Type,
				"err":  err.Error(),
			}).Warn("dropping event that cannot be encoded")
			continue
		}
		msg.Metadata.Set(EventTypeMetadataKey, string(ev.Type))
		msg.Metadata.Set(ConnectionMetadataKey, ev.ConnectionID)
		f.publish(EventsTopic, msg)
	}
}

func (f *Forwarder) forwardMetrics() {
	defer f.wg.Done()
	for snap := range f.metrics.C {
		msg, err := newMessage(snap)
		if err != nil {
			log.WithField("op", "weir:eventbus.forward_metrics").WithField("err", err.Error()).Warn("dropping metrics that cannot be encoded")
			continue
		}
		f.publish(MetricsTopic, msg)
	}
}

func newMessage(v interface{}) (*message.Message, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return message.NewMessage(watermill.NewUUID(), payload), nil
}

func (f *Forwarder) publish(topic string, msg *message.Message) {
	if err := f.publisher.Publish(topic, msg); err != nil {
		log.WithFields(log.Fields{
			"op":    "weir:eventbus.publish",
			"topic": topic,
			"err":   err.Error(),
		}).Error("error publishing message")
	}
}

// Close stops forwarding and closes the publisher.
func (f *Forwarder) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.events.Cancel()
		f.metrics.Cancel()
		f.wg.Wait()
		err = f.publisher.Close()
	})
	return err
}
