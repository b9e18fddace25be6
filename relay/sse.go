package relay

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Reserved event names on the subscriber stream.
const (
	readyEvent = "ready"
	pingEvent  = "ping"
)

func (c *Core) subscribeAuctionHandler(w http.ResponseWriter, r *http.Request) {
	auctionID := r.PathValue("id")
	if auctionID == "" {
		http.Error(w, "Missing auction id", http.StatusBadRequest)
		return
	}
	c.serveStream(w, r, AuctionTopic(auctionID))
}

func (c *Core) subscribeWalletHandler(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	if address == "" {
		http.Error(w, "Missing wallet address", http.StatusBadRequest)
		return
	}
	c.serveStream(w, r, WalletTopic(address))
}

// subscribeTopicHandler accepts any topic spelling via ?topic=. The
// namespace is extensible, so unknown prefixes pass through untouched.
func (c *Core) subscribeTopicHandler(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		c.logger.Warn("Subscription attempt without topic", "remote_addr", r.RemoteAddr)
		http.Error(w, "Missing topic", http.StatusBadRequest)
		return
	}
	c.serveStream(w, r, NormalizeTopic(topic))
}

// serveStream runs one SSE subscription to completion. The handler
// goroutine is the connection's writer: it drains the sink's frame
// channel and owns the heartbeat ticker, so every exit path stops the
// ticker and unregisters the sink exactly once.
func (c *Core) serveStream(w http.ResponseWriter, r *http.Request, topic string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		c.logger.Error("Response writer does not support flushing, cannot stream", "remote_addr", r.RemoteAddr)
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	if !c.tryAcquireStream() {
		c.logger.Warn("Max stream connections reached, rejecting subscriber", "topic", topic, "remote_addr", r.RemoteAddr)
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}
	defer c.releaseStream()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sink := newStreamSink(c.cfg.Sessions.SendBufferSize, cancel)
	c.registry.Register(topic, sink)
	defer func() {
		sink.Close()
		c.registry.Unregister(topic, sink)
		c.logger.Info("Stream subscriber disconnected", "topic", topic, "sink", sink.ID())
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// The ready event goes through the sink rather than straight to the
	// wire so it cannot reorder with a publish that lands between
	// Register and our first write.
	sink.TrySend(EncodeFrame(readyEvent, []byte(`{"ok":true}`)))

	c.logger.Info("Stream subscriber connected", "topic", topic, "sink", sink.ID(), "remote_addr", r.RemoteAddr)

	ticker := time.NewTicker(c.cfg.Sessions.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-sink.frames():
			if _, err := w.Write(frame); err != nil {
				c.logger.Info("Stream write failed, closing", "topic", topic, "sink", sink.ID(), "error", err)
				return
			}
			flusher.Flush()
		case now := <-ticker.C:
			// Heartbeats keep intermediaries from idling the connection
			// out. A failed heartbeat write means the subscriber is gone,
			// same as a failed publish write.
			frame := EncodeFrame(pingEvent, fmt.Appendf(nil, `{"ts":%q}`, now.UTC().Format(time.RFC3339)))
			if _, err := w.Write(frame); err != nil {
				c.logger.Info("Heartbeat write failed, closing", "topic", topic, "sink", sink.ID(), "error", err)
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			// Client disconnect, or the sink was closed after a failed
			// enqueue during fan-out.
			return
		case <-c.appCtx.Done():
			return
		}
	}
}
