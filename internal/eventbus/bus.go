// Package eventbus provides the backplane's broadcast fan-out layer: a
// narrow publish/subscribe abstraction that decouples component output
// (taskmaster-style notifications, active-session aggregates) from the
// WebSocket gateway.
package eventbus

import (
	"encoding/json"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kandev/backplane/internal/common/config"
	"github.com/kandev/backplane/internal/common/logger"
)

// subscriberBufferSize bounds each subscriber channel; a full channel drops
// the event for that subscriber rather than blocking the publisher, matching
// the per-client isolated-failure policy used for broadcast elsewhere.
const subscriberBufferSize = 64

// TopicBroadcast is the topic carrying messages destined for every connected
// WebSocket client (taskmaster-* notifications and similar). The gateway
// bridges this topic onto its hub's fan-out.
const TopicBroadcast = "broadcast"

// Bus is the in-process publish/subscribe layer. When natsConn is non-nil,
// every Publish is additionally mirrored onto a NATS subject so a second
// process instance could observe the same broadcast stream; Subscribe always
// flows through the local channel map regardless of the NATS mirror.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string][]chan any

	natsConn      *nats.Conn
	natsNamespace string
	logger        *logger.Logger
}

// New constructs an in-process event bus. If cfg.URL is set, publishes are
// mirrored onto NATS; a connection failure there is logged and degrades to
// in-process-only delivery rather than failing construction, since the event
// bus is fan-out infrastructure, not a correctness-critical path.
func New(cfg config.NATSConfig, namespace string, log *logger.Logger) *Bus {
	b := &Bus{
		subscribers:   make(map[string][]chan any),
		natsNamespace: namespace,
		logger:        log.WithFields(zap.String("component", "event-bus")),
	}

	if cfg.URL == "" {
		return b
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		b.logger.Warn("nats connect failed, continuing in-process only", zap.Error(err))
		return b
	}
	b.natsConn = conn
	b.logger.Info("event bus mirroring to nats", zap.String("url", cfg.URL))
	return b
}

// natsSubject namespaces a topic under the configured backplane events root,
// e.g. "backplane.events.<namespace>.<topic>".
func (b *Bus) natsSubject(topic string) string {
	if b.natsNamespace == "" {
		return "backplane.events." + topic
	}
	return "backplane.events." + b.natsNamespace + "." + topic
}

// Publish fans payload out to every current subscriber of topic. Delivery is
// fire-and-forget and non-blocking: a subscriber whose channel is full
// drops the event, with a logged warning, rather than stalling the publisher.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.Lock()
	subs := append([]chan any(nil), b.subscribers[topic]...)
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- payload:
		default:
			b.logger.Warn("dropping event for slow subscriber", zap.String("topic", topic))
		}
	}

	if b.natsConn != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			b.logger.Warn("failed to marshal event for nats mirror", zap.String("topic", topic), zap.Error(err))
			return
		}
		if err := b.natsConn.Publish(b.natsSubject(topic), data); err != nil {
			b.logger.Warn("nats publish failed", zap.String("topic", topic), zap.Error(err))
		}
	}
}

// Subscribe returns a channel that receives every payload published to topic
// from this point on, plus a cancel func that unregisters and drains it.
// Subscribers only ever observe the in-process fan-out; the NATS mirror
// exists to let a second process instance observe the stream, not to feed
// this process's own subscribers (which would otherwise double-deliver).
func (b *Bus) Subscribe(topic string) (<-chan any, func()) {
	ch := make(chan any, subscriberBufferSize)

	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[topic]
		for i, c := range subs {
			if c == ch {
				b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}
	return ch, cancel
}

// Close releases the NATS connection, if any. In-process subscriber channels
// are left to their owners' cancel funcs.
func (b *Bus) Close() {
	if b.natsConn != nil {
		b.natsConn.Close()
	}
}
