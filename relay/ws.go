package relay

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second // Time allowed to write a message to the peer.
	maxMessageSize = 512              // Maximum message size allowed from peer.
)

// wsSession is the WebSocket flavor of a subscription. It carries the
// exact same wire frames as the SSE stream, one frame per text message,
// for clients behind proxies that mishandle long-lived SSE responses.
type wsSession struct {
	conn  *websocket.Conn
	topic string
	sink  *streamSink
	core  *Core

	// Cancelled when the sink closes (failed enqueue) or by either pump
	// on a connection error.
	ctx context.Context
}

func (c *Core) subscribeWSHandler(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		c.logger.Warn("WebSocket connection attempt without topic", "remote_addr", r.RemoteAddr)
		http.Error(w, "Missing topic", http.StatusBadRequest)
		return
	}
	topic = NormalizeTopic(topic)

	if !c.tryAcquireStream() {
		c.logger.Warn("Max stream connections reached, rejecting WebSocket subscriber", "topic", topic, "remote_addr", r.RemoteAddr)
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := c.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Error("Failed to upgrade WebSocket connection", "error", err, "topic", topic)
		c.releaseStream()
		return
	}
	c.logger.Info("WebSocket subscriber connected", "remote_addr", conn.RemoteAddr().String(), "topic", topic)

	// The request context dies when this handler returns, so the session
	// scope hangs off the app context instead.
	ctx, cancel := context.WithCancel(c.appCtx)
	sink := newStreamSink(c.cfg.Sessions.SendBufferSize, cancel)
	c.registry.Register(topic, sink)

	session := &wsSession{
		conn:  conn,
		topic: topic,
		sink:  sink,
		core:  c,
		ctx:   ctx,
	}

	sink.TrySend(EncodeFrame(readyEvent, []byte(`{"ok":true}`)))

	go session.writePump()
	go session.readPump()
}

// readPump discards inbound messages and watches for the peer closing
// the connection. It owns session teardown: at most one reader runs per
// connection, so the unregister/release pair executes exactly once.
func (s *wsSession) readPump() {
	defer func() {
		s.sink.Close()
		s.core.registry.Unregister(s.topic, s.sink)
		s.conn.Close()
		s.core.releaseStream()
		s.core.logger.Info(
			"WebSocket readPump finished, connection closed and unregistered",
			"remote_addr", s.conn.RemoteAddr(),
			"topic", s.topic,
		)
	}()
	s.conn.SetReadLimit(maxMessageSize)

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.core.logger.Error(
					"WebSocket read error",
					"remote_addr", s.conn.RemoteAddr(),
					"topic", s.topic,
					"error", err,
				)
			} else {
				s.core.logger.Info(
					"WebSocket connection closed",
					"remote_addr", s.conn.RemoteAddr(),
					"topic", s.topic,
					"error", err,
				)
			}
			return
		}
		// Subscribers have nothing to say to us; inbound payloads are
		// read only to service close frames.
	}
}

// writePump drains the sink and emits heartbeats. Closing the
// connection on exit unblocks readPump, which performs the teardown.
func (s *wsSession) writePump() {
	ticker := time.NewTicker(s.core.cfg.Sessions.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		s.core.logger.Info("WebSocket writePump finished", "remote_addr", s.conn.RemoteAddr(), "topic", s.topic)
	}()
	for {
		select {
		case frame := <-s.sink.frames():
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.core.logger.Error("WebSocket message write error", "remote_addr", s.conn.RemoteAddr(), "topic", s.topic, "error", err)
				return
			}
		case now := <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			frame := EncodeFrame(pingEvent, fmt.Appendf(nil, `{"ts":%q}`, now.UTC().Format(time.RFC3339)))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.core.logger.Error("WebSocket ping write error", "remote_addr", s.conn.RemoteAddr(), "topic", s.topic, "error", err)
				return
			}
		case <-s.ctx.Done():
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
