package relay

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
)

// spySink records every frame pushed to it and can be told to start
// rejecting enqueues, standing in for a subscriber whose connection died.
type spySink struct {
	mu     sync.Mutex
	id     string
	frames [][]byte
	reject bool
	closed bool
}

func newSpySink(id string) *spySink {
	return &spySink{id: id}
}

func (s *spySink) ID() string { return s.id }

func (s *spySink) TrySend(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject || s.closed {
		return false
	}
	s.frames = append(s.frames, frame)
	return true
}

func (s *spySink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *spySink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *spySink) setReject(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = reject
}

func (s *spySink) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *spySink) lastFrame() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistry_RegisterPublishUnregister(t *testing.T) {
	r := NewRegistry(testLogger())
	sink := newSpySink("sink-1")

	r.Register("auction:42", sink)
	r.Publish("auction:42", "bid", []byte(`{"amount":10}`))

	if got := sink.frameCount(); got != 1 {
		t.Fatalf("expected sink to receive exactly 1 frame, got %d", got)
	}
	want := "event: bid\ndata: {\"amount\":10}\n\n"
	if got := string(sink.lastFrame()); got != want {
		t.Errorf("frame mismatch\ngot:  %q\nwant: %q", got, want)
	}

	r.Unregister("auction:42", sink)
	r.Publish("auction:42", "bid", []byte(`{"amount":11}`))

	if got := sink.frameCount(); got != 1 {
		t.Errorf("unregistered sink received a frame, total frames %d", got)
	}
}

func TestRegistry_UnregisterIsIdempotent(t *testing.T) {
	r := NewRegistry(testLogger())
	sink := newSpySink("sink-1")

	// Never registered: must be a no-op, not a panic or error.
	r.Unregister("auction:1", sink)

	r.Register("auction:1", sink)
	r.Unregister("auction:1", sink)
	r.Unregister("auction:1", sink)

	if got := r.SubscriberCount(); got != 0 {
		t.Errorf("expected 0 subscribers after double unregister, got %d", got)
	}
}

func TestRegistry_PublishToEmptyTopicIsNoOp(t *testing.T) {
	r := NewRegistry(testLogger())

	r.Publish("auction:999", "bid", []byte(`{}`))

	// A failed lookup must not allocate a persistent topic entry.
	if got := r.TopicCount(); got != 0 {
		t.Errorf("publish to empty topic allocated a topic entry, topic count %d", got)
	}
}

func TestRegistry_EmptyTopicsArePrunedUnderChurn(t *testing.T) {
	r := NewRegistry(testLogger())

	for i := 0; i < 1000; i++ {
		topic := fmt.Sprintf("auction:%d", i)
		sink := newSpySink(fmt.Sprintf("sink-%d", i))
		r.Register(topic, sink)
		r.Unregister(topic, sink)
	}

	if got := r.TopicCount(); got != 0 {
		t.Errorf("expected bounded topic map under churn, got %d residual topics", got)
	}
}

func TestRegistry_FailingSinkIsPrunedAndNeverRetargeted(t *testing.T) {
	r := NewRegistry(testLogger())
	healthy := newSpySink("healthy")
	dying := newSpySink("dying")

	r.Register("wallet:0xabc", healthy)
	r.Register("wallet:0xabc", dying)

	dying.setReject(true)
	r.Publish("wallet:0xabc", "transfer", []byte(`{"token":1}`))

	if !dying.Closed() {
		t.Error("sink that failed an enqueue was not closed")
	}
	if got := healthy.frameCount(); got != 1 {
		t.Errorf("healthy sink expected 1 frame, got %d", got)
	}

	// The dead sink must not be targeted by subsequent publishes.
	dying.setReject(false)
	r.Publish("wallet:0xabc", "transfer", []byte(`{"token":2}`))

	if got := dying.frameCount(); got != 0 {
		t.Errorf("pruned sink received %d frames after removal", got)
	}
	if got := healthy.frameCount(); got != 2 {
		t.Errorf("healthy sink expected 2 frames, got %d", got)
	}
}

func TestRegistry_PerTopicDeliveryOrder(t *testing.T) {
	r := NewRegistry(testLogger())
	sink := newSpySink("ordered")
	r.Register("auction:7", sink)

	for i := 0; i < 50; i++ {
		r.Publish("auction:7", "bid", fmt.Appendf(nil, `{"seq":%d}`, i))
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.frames) != 50 {
		t.Fatalf("expected 50 frames, got %d", len(sink.frames))
	}
	for i, frame := range sink.frames {
		want := fmt.Sprintf("event: bid\ndata: {\"seq\":%d}\n\n", i)
		if string(frame) != want {
			t.Fatalf("frame %d out of order: got %q", i, frame)
		}
	}
}

func TestRegistry_ConcurrentChurnWithPublishes(t *testing.T) {
	r := NewRegistry(testLogger())
	topic := "auction:busy"

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			sink := newSpySink(fmt.Sprintf("churn-%d", id))
			r.Register(topic, sink)
			r.Publish(topic, "bid", []byte(`{"amount":1}`))
			r.Unregister(topic, sink)
		}(i)
	}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Publish(topic, "bid", []byte(`{"amount":2}`))
		}()
	}
	wg.Wait()

	if got := r.SubscriberCount(); got != 0 {
		t.Errorf("expected empty registry after concurrent churn, got %d subscribers", got)
	}
	if got := r.TopicCount(); got != 0 {
		t.Errorf("expected no residual topics after concurrent churn, got %d", got)
	}
}

func TestEncodeFrame_EmptyDataDefaultsToObject(t *testing.T) {
	got := string(EncodeFrame("ready", nil))
	want := "event: ready\ndata: {}\n\n"
	if got != want {
		t.Errorf("EncodeFrame got %q, want %q", got, want)
	}
}
