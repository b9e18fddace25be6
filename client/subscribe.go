package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// Message is one event received on a subscription stream. Data is the
// JSON payload the publisher supplied.
type Message struct {
	Event string
	Data  json.RawMessage
}

// Subscription is a live topic stream. Messages closes when the stream
// ends for any reason; Err reports why, nil on a clean Close.
type Subscription struct {
	Messages <-chan Message

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Close tears the stream down. Safe to call more than once.
func (s *Subscription) Close() {
	s.cancel()
}

// Err blocks until the stream has fully shut down, then reports the
// terminal error. Client-initiated closes report nil.
func (s *Subscription) Err() error {
	<-s.done
	return s.err
}

// Subscribe opens an SSE stream for a topic. Events arrive on the
// returned Subscription's Messages channel, heartbeats included (event
// name "ping").
func (c *Client) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	if topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}

	streamCtx, cancel := context.WithCancel(ctx)

	u := *c.baseURL
	u.Path = "/v1/subscribe"
	u.RawQuery = url.Values{"topic": {topic}}.Encode()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream outlives any sane request timeout, so it gets its own
	// client without one.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("subscribe failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	ch := make(chan Message, 16)
	sub := &Subscription{
		Messages: ch,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go func() {
		defer close(sub.done)
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		var block []string
		for scanner.Scan() {
			line := scanner.Text()
			if line != "" {
				block = append(block, line)
				continue
			}
			if msg, ok := parseFrame(block); ok {
				select {
				case ch <- msg:
				case <-streamCtx.Done():
					return
				}
			}
			block = block[:0]
		}
		if err := scanner.Err(); err != nil && streamCtx.Err() == nil {
			sub.err = err
		}
	}()

	return sub, nil
}

// SubscribeWS opens the same topic stream over WebSocket. Frames carry
// the identical wire format, one frame per text message.
func (c *Client) SubscribeWS(ctx context.Context, topic string) (*Subscription, error) {
	if topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}

	streamCtx, cancel := context.WithCancel(ctx)

	u := *c.baseURL
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/v1/subscribe/ws"
	u.RawQuery = url.Values{"topic": {topic}}.Encode()

	dialer := websocket.Dialer{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: c.skipVerify},
	}
	conn, resp, err := dialer.DialContext(streamCtx, u.String(), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		cancel()
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	ch := make(chan Message, 16)
	sub := &Subscription{
		Messages: ch,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	// The watcher unblocks the reader when the caller cancels.
	go func() {
		<-streamCtx.Done()
		conn.Close()
	}()

	go func() {
		defer close(sub.done)
		defer close(ch)
		defer cancel()

		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				if streamCtx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					sub.err = err
				}
				return
			}
			lines := strings.Split(strings.TrimRight(string(frame), "\n"), "\n")
			if msg, ok := parseFrame(lines); ok {
				select {
				case ch <- msg:
				case <-streamCtx.Done():
					return
				}
			}
		}
	}()

	return sub, nil
}

// parseFrame decodes one wire frame from its lines:
//
//	event: <name>
//	data: <json>
func parseFrame(lines []string) (Message, bool) {
	var msg Message
	for _, line := range lines {
		if v, ok := strings.CutPrefix(line, "event:"); ok {
			msg.Event = strings.TrimSpace(v)
		} else if v, ok := strings.CutPrefix(line, "data:"); ok {
			msg.Data = json.RawMessage(strings.TrimSpace(v))
		}
	}
	return msg, msg.Event != ""
}
