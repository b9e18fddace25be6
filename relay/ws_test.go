package relay

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func wsURL(ts string, path string) string {
	return "ws" + strings.TrimPrefix(ts, "http") + path
}

func TestWebSocketSubscribe_ReadyThenEvent(t *testing.T) {
	core, ts := newTestServer(t, "s3cret", time.Minute)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts.URL, "/v1/subscribe/ws?topic=auction:77"), nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer resp.Body.Close()
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading ready frame: %v", err)
	}
	if !strings.Contains(string(frame), "event: ready") {
		t.Fatalf("first frame = %q, want ready frame", frame)
	}

	if r := publish(t, ts, "s3cret", `{"topic":"auction:77","event":"bid","data":{"amount":42}}`); r.StatusCode != http.StatusOK {
		t.Fatalf("publish status = %d, want 200", r.StatusCode)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, frame, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading bid frame: %v", err)
	}
	got := string(frame)
	if !strings.Contains(got, "event: bid") || !strings.Contains(got, `{"amount":42}`) {
		t.Errorf("frame = %q, want a bid frame with the payload", got)
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	waitFor(t, "websocket cleanup", func() bool {
		return core.Registry().SubscriberCount() == 0
	})
}

func TestWebSocketSubscribe_NormalizesWalletTopic(t *testing.T) {
	_, ts := newTestServer(t, "s3cret", time.Minute)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts.URL, "/v1/subscribe/ws?topic=wallet:0xBBB"), nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer resp.Body.Close()
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("reading ready frame: %v", err)
	}

	if r := publish(t, ts, "s3cret", `{"topic":"wallet:0xbbb","event":"transfer","data":{}}`); r.StatusCode != http.StatusOK {
		t.Fatalf("publish status = %d, want 200", r.StatusCode)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading transfer frame: %v", err)
	}
	if !strings.Contains(string(frame), "event: transfer") {
		t.Errorf("frame = %q, want transfer event", frame)
	}
}

func TestWebSocketSubscribe_MissingTopic(t *testing.T) {
	_, ts := newTestServer(t, "s3cret", time.Minute)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts.URL, "/v1/subscribe/ws"), nil)
	if err == nil {
		t.Fatal("dial without topic succeeded, want handshake rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("handshake response = %v, want 400", resp)
	}
	if resp != nil {
		resp.Body.Close()
	}
}
