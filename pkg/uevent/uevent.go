// Package uevent forwards bus lifecycle events to MQTT as JSON messages on
// topics of the form <prefix>/<adapter>/<action>.
package uevent

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/pdm/pkg/bus"
)

const (
	// DefaultTopicPrefix is the topic root for events.
	DefaultTopicPrefix = "pdm"

	// BusTopic replaces the adapter segment for events without an adapter.
	BusTopic = "_bus"

	defaultQueueSize = 256
)

// Publisher sends one message. *Client implements it.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// EventTopic returns the topic an event is published on.
func EventTopic(prefix string, ev bus.Event) string {
	adapter := ev.Adapter
	if adapter == "" {
		adapter = BusTopic
	}
	// MQTT wildcards and separators are not allowed inside a level.
	adapter = strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(adapter)
	return prefix + "/" + adapter + "/" + string(ev.Action)
}

// StatusTopic returns the retained daemon status topic.
func StatusTopic(prefix string) string {
	return prefix + "/status"
}

// Notifier queues bus events and publishes them from Run. Notify never
// blocks; events are dropped with a warning when the queue is full.
type Notifier struct {
	pub     Publisher
	prefix  string
	queue   chan bus.Event
	dropped atomic.Uint64
}

// NewNotifier returns a notifier publishing through pub under prefix.
func NewNotifier(pub Publisher, prefix string) *Notifier {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &Notifier{
		pub:    pub,
		prefix: prefix,
		queue:  make(chan bus.Event, defaultQueueSize),
	}
}

// Notify implements bus.Notifier.
func (n *Notifier) Notify(ev bus.Event) {
	select {
	case n.queue <- ev:
	default:
		n.dropped.Add(1)
		log.Warnf("event queue full, dropping %s event for %s", ev.Action, ev.Adapter)
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (n *Notifier) Dropped() uint64 {
	return n.dropped.Load()
}

// Run publishes queued events until ctx is cancelled, then drains what is
// left in the queue.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-n.queue:
			n.publish(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-n.queue:
					n.publish(ev)
				default:
					return nil
				}
			}
		}
	}
}

func (n *Notifier) publish(ev bus.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Errorf("cannot encode %s event: %v", ev.Action, err)
		return
	}
	topic := EventTopic(n.prefix, ev)
	if err := n.pub.Publish(topic, payload); err != nil {
		log.Warnf("cannot publish event to %s: %v", topic, err)
		return
	}
	log.Debugf("published %s", topic)
}
