package relay

import (
	"bytes"
	"log/slog"
	"sync"
)

// Sink is the capability handle for one subscriber's open stream. The
// registry and fan-out engine only ever need these four operations; the
// transport behind them (SSE response writer, websocket write pump) is
// owned by the endpoint that created the sink.
type Sink interface {
	ID() string
	// TrySend enqueues an encoded frame without blocking. A false return
	// means the subscriber is gone or too far behind to ever catch up,
	// and the caller must treat the sink as dead.
	TrySend(frame []byte) bool
	// Close is idempotent. It marks the sink closed and cancels the
	// connection scope (which stops the heartbeat ticker).
	Close()
	Closed() bool
}

// Registry maps topic names to the set of sinks currently subscribed to
// them. It is constructed once at startup and shared by the subscription
// and ingestion endpoints. The registry is local to this process; running
// multiple relay instances behind a load balancer requires an external
// broker, which is out of scope here.
type Registry struct {
	mu     sync.RWMutex
	topics map[string]map[Sink]struct{}
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		topics: make(map[string]map[Sink]struct{}),
		logger: logger.With("component", "registry"),
	}
}

func (r *Registry) Register(topic string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.topics[topic]; !ok {
		r.topics[topic] = make(map[Sink]struct{})
	}
	r.topics[topic][sink] = struct{}{}
	r.logger.Debug("subscriber registered", "topic", topic, "sink", sink.ID())
}

// Unregister removes a sink from a topic. Removing a sink that was never
// registered, or was already removed, is a no-op. The topic entry itself
// is deleted once its last sink leaves so churn does not grow the map.
func (r *Registry) Unregister(topic string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sinks, ok := r.topics[topic]
	if !ok {
		return
	}
	if _, ok := sinks[sink]; !ok {
		return
	}
	delete(sinks, sink)
	r.logger.Debug("subscriber unregistered", "topic", topic, "sink", sink.ID())

	if len(sinks) == 0 {
		delete(r.topics, topic)
	}
}

// Snapshot returns the sinks subscribed to a topic at this instant. The
// fan-out engine iterates the returned slice without holding the registry
// lock so a slow write to one subscriber never blocks registrations or
// disconnects. Returns nil, without allocating a topic entry, when nobody
// is subscribed.
func (r *Registry) Snapshot(topic string) []Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sinks, ok := r.topics[topic]
	if !ok || len(sinks) == 0 {
		return nil
	}
	out := make([]Sink, 0, len(sinks))
	for s := range sinks {
		out = append(out, s)
	}
	return out
}

func (r *Registry) TopicCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}

func (r *Registry) SubscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, sinks := range r.topics {
		n += len(sinks)
	}
	return n
}

// Publish serializes the event once and pushes the frame to every sink
// subscribed to the topic. Fire-and-forget: enqueue failures close and
// prune the failing sink but are never surfaced to the publisher. Events
// published to a topic with no subscribers are dropped for free.
func (r *Registry) Publish(topic, event string, data []byte) {
	sinks := r.Snapshot(topic)
	if len(sinks) == 0 {
		return
	}

	frame := EncodeFrame(event, data)
	for _, sink := range sinks {
		if sink.Closed() {
			continue
		}
		if !sink.TrySend(frame) {
			sink.Close()
			r.Unregister(topic, sink)
			r.logger.Warn("subscriber enqueue failed, pruned", "topic", topic, "sink", sink.ID())
		}
	}
}

// EncodeFrame renders one event in the text stream wire format:
//
//	event: <name>\n
//	data: <json>\n
//	\n
//
// Both transports carry these frames verbatim, so an event is serialized
// exactly once per publish regardless of subscriber count.
func EncodeFrame(event string, data []byte) []byte {
	if len(data) == 0 {
		data = []byte("{}")
	}
	var b bytes.Buffer
	b.Grow(len(event) + len(data) + 16)
	b.WriteString("event: ")
	b.WriteString(event)
	b.WriteString("\ndata: ")
	b.Write(data)
	b.WriteString("\n\n")
	return b.Bytes()
}
