package braum

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/braumchat/braumchat/sdk/golang/clock"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeConn struct {
	inbox     chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	written  [][]byte
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbox: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-f.inbox:
		return data, nil
	case <-f.closed:
		return nil, errors.New("connection closed by peer")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) Write(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) Close(string) error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeConn) frames() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.written))
	for _, data := range f.written {
		var m map[string]any
		json.Unmarshal(data, &m)
		out = append(out, m)
	}
	return out
}

type fakeDialer struct {
	mu       sync.Mutex
	urls     []string
	conns    []*fakeConn
	connURLs []string
	err      error
}

func (d *fakeDialer) dial(_ context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	d.connURLs = append(d.connURLs, url)
	return c, nil
}

// find returns the newest connection whose URL contains part.
func (d *fakeDialer) find(part string) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.conns) - 1; i >= 0; i-- {
		if strings.Contains(d.connURLs[i], part) {
			return d.conns[i]
		}
	}
	return nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) url(i int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.urls[i]
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

type recorder struct {
	states chan ConnectionState
	frames chan Envelope
	auth   chan error
}

func newRecorder() *recorder {
	return &recorder{
		states: make(chan ConnectionState, 64),
		frames: make(chan Envelope, 64),
		auth:   make(chan error, 8),
	}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnFrame:       func(e Envelope) { r.frames <- e },
		OnStateChange: func(s ConnectionState) { r.states <- s },
		OnAuthError:   func(err error) { r.auth <- err },
	}
}

func (r *recorder) waitPhase(t *testing.T, p Phase) ConnectionState {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s := <-r.states:
			if s.Phase == p {
				return s
			}
		case <-timeout:
			t.Fatalf("timed out waiting for phase %s", p)
		}
	}
}

func (r *recorder) waitFrame(t *testing.T) Envelope {
	t.Helper()
	select {
	case e := <-r.frames:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return Envelope{}
}

func newTestManager(d *fakeDialer, clk clock.Clock) *ConnectionManager {
	return NewConnectionManager("http://chat.test", RealtimeConfig{Dial: d.dial, Clock: clk})
}

// ============================================================================
// Tests
// ============================================================================

func TestConnectionOpenDeliversFrames(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, clock.Fake(t0))
	rec := newRecorder()

	conn := m.Open(ChannelEndpoint("1", "2"), "tok en", rec.handlers())
	defer conn.Close()
	rec.waitPhase(t, PhaseOpen)

	if got, want := d.url(0), "ws://chat.test/ws/chat/1/2?token=tok+en"; got != want {
		t.Fatalf("url = %q, want %q", got, want)
	}

	fc := d.last()
	fc.inbox <- []byte(`not json`)
	fc.inbox <- []byte(`{"payload":{}}`)
	fc.inbox <- []byte(`{"type":"typing","payload":{"user_id":3,"is_typing":true}}`)

	env := rec.waitFrame(t)
	if env.Type != FrameTyping {
		t.Fatalf("frame type = %q", env.Type)
	}
	var p TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.UserID != "3" || !p.IsTyping {
		t.Fatalf("payload = %+v, err %v", p, err)
	}
	if conn.State().Phase != PhaseOpen {
		t.Fatalf("state after malformed frames = %s", conn.State())
	}
}

func TestConnectionSend(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, clock.Fake(t0))
	rec := newRecorder()

	conn := m.Open(ThreadEndpoint("5"), "tok", rec.handlers())
	defer conn.Close()
	rec.waitPhase(t, PhaseOpen)

	if !conn.Send(OutgoingMessage{Type: FrameMessage, Content: "hi", ClientID: "c1"}) {
		t.Fatal("Send() = false on open connection")
	}
	frames := d.last().frames()
	if len(frames) != 1 || frames[0]["type"] != "message" || frames[0]["client_id"] != "c1" {
		t.Fatalf("written = %v", frames)
	}
}

func TestConnectionSendWhenNotOpen(t *testing.T) {
	d := &fakeDialer{err: errors.New("connection refused")}
	m := newTestManager(d, clock.Fake(t0))
	rec := newRecorder()

	conn := m.Open(ThreadEndpoint("5"), "tok", rec.handlers())
	defer conn.Close()
	rec.waitPhase(t, PhaseBackoff)

	if conn.Send(OutgoingTyping{Type: FrameTyping, IsTyping: true}) {
		t.Fatal("Send() = true while in backoff")
	}
}

func TestConnectionSendWriteFailure(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, clock.Fake(t0))
	rec := newRecorder()

	conn := m.Open(ThreadEndpoint("5"), "tok", rec.handlers())
	defer conn.Close()
	rec.waitPhase(t, PhaseOpen)

	fc := d.last()
	fc.mu.Lock()
	fc.writeErr = errors.New("broken pipe")
	fc.mu.Unlock()

	if conn.Send(OutgoingMessage{Type: FrameMessage, Content: "hi"}) {
		t.Fatal("Send() = true after write failure")
	}
	rec.waitPhase(t, PhaseBackoff)
}

func TestConnectionHeartbeat(t *testing.T) {
	d := &fakeDialer{}
	clk := clock.Fake(t0)
	m := newTestManager(d, clk)
	rec := newRecorder()

	conn := m.Open(NotificationsEndpoint(), "tok", rec.handlers())
	rec.waitPhase(t, PhaseOpen)
	fc := d.last()

	clk.Advance(9 * time.Second)
	if n := len(fc.frames()); n != 0 {
		t.Fatalf("%d frames before the first interval", n)
	}
	clk.Advance(time.Second)
	clk.Advance(10 * time.Second)
	frames := fc.frames()
	if len(frames) != 2 || frames[0]["type"] != "ping" || frames[1]["type"] != "ping" {
		t.Fatalf("heartbeat frames = %v", frames)
	}

	conn.Close()
	clk.Advance(time.Minute)
	if n := len(fc.frames()); n != 2 {
		t.Fatalf("heartbeat continued after Close: %d frames", n)
	}
}

func TestConnectionReconnectsAfterClose(t *testing.T) {
	d := &fakeDialer{}
	clk := clock.Fake(t0)
	m := newTestManager(d, clk)
	rec := newRecorder()

	conn := m.Open(ChannelEndpoint("1", "2"), "tok", rec.handlers())
	defer conn.Close()
	rec.waitPhase(t, PhaseOpen)

	d.last().Close("server restart")
	s := rec.waitPhase(t, PhaseBackoff)
	if s.Attempt != 1 || !s.NextRetryAt.Equal(t0.Add(DefaultReconnectDelay)) {
		t.Fatalf("backoff state = %+v", s)
	}

	clk.Advance(DefaultReconnectDelay - time.Millisecond)
	if d.dials() != 1 {
		t.Fatalf("reconnected early: %d dials", d.dials())
	}
	clk.Advance(time.Millisecond)
	rec.waitPhase(t, PhaseOpen)
	if d.dials() != 2 {
		t.Fatalf("dials = %d, want 2", d.dials())
	}
	if conn.State().Attempt != 0 {
		t.Fatalf("attempt not reset after open: %+v", conn.State())
	}
}

func TestConnectionBackoffIsConstant(t *testing.T) {
	d := &fakeDialer{err: errors.New("refused")}
	clk := clock.Fake(t0)
	m := newTestManager(d, clk)
	rec := newRecorder()

	conn := m.Open(ThreadEndpoint("5"), "tok", rec.handlers())
	defer conn.Close()

	for attempt := 1; attempt <= 3; attempt++ {
		s := rec.waitPhase(t, PhaseBackoff)
		if s.Attempt != attempt || !s.NextRetryAt.Equal(clk.Now().Add(DefaultReconnectDelay)) {
			t.Fatalf("attempt %d: state = %+v", attempt, s)
		}
		clk.Advance(DefaultReconnectDelay)
	}
}

func TestConnectionCloseCancelsReconnect(t *testing.T) {
	d := &fakeDialer{err: errors.New("refused")}
	clk := clock.Fake(t0)
	m := newTestManager(d, clk)
	rec := newRecorder()

	conn := m.Open(ThreadEndpoint("5"), "tok", rec.handlers())
	rec.waitPhase(t, PhaseBackoff)

	conn.Close()
	rec.waitPhase(t, PhaseClosed)
	clk.Advance(time.Minute)

	if d.dials() != 1 {
		t.Fatalf("dials after Close = %d, want 1", d.dials())
	}
	if clk.Pending() != 0 {
		t.Fatalf("%d timers left after Close", clk.Pending())
	}
	conn.Close()
	if _, ok := m.Connection(ThreadEndpoint("5")); ok {
		t.Fatal("closed connection still registered")
	}
}

func TestConnectionOpenReplacesExisting(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, clock.Fake(t0))
	e := ChannelEndpoint("1", "2")

	rec1 := newRecorder()
	first := m.Open(e, "tok", rec1.handlers())
	rec1.waitPhase(t, PhaseOpen)
	firstConn := d.last()

	rec2 := newRecorder()
	second := m.Open(e, "tok2", rec2.handlers())
	defer second.Close()
	rec2.waitPhase(t, PhaseOpen)

	if first.State().Phase != PhaseClosed {
		t.Fatalf("first connection state = %s", first.State())
	}
	deadline := time.Now().Add(2 * time.Second)
	for !firstConn.isClosed() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !firstConn.isClosed() {
		t.Fatal("first socket not closed")
	}
	if got, _ := m.Connection(e); got != second {
		t.Fatal("manager does not hold the second connection")
	}
}

func TestConnectionAuthRejection(t *testing.T) {
	d := &fakeDialer{err: &APIError{Status: http.StatusUnauthorized}}
	m := newTestManager(d, clock.Fake(t0))
	rec := newRecorder()

	conn := m.Open(NotificationsEndpoint(), "expired", rec.handlers())
	defer conn.Close()

	select {
	case err := <-rec.auth:
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("auth error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnAuthError not called")
	}
	rec.waitPhase(t, PhaseBackoff)
}

func TestConnectionSetHandlers(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, clock.Fake(t0))
	rec1 := newRecorder()

	conn := m.Open(ThreadEndpoint("5"), "tok", rec1.handlers())
	defer conn.Close()
	rec1.waitPhase(t, PhaseOpen)

	rec2 := newRecorder()
	conn.SetHandlers(rec2.handlers())
	d.last().inbox <- []byte(`{"type":"presence","payload":{"user_id":"4","online":true}}`)
	if env := rec2.waitFrame(t); env.Type != FramePresence {
		t.Fatalf("frame = %+v", env)
	}
	select {
	case env := <-rec1.frames:
		t.Fatalf("old handlers received %+v", env)
	default:
	}
}

// ============================================================================
// websocket round trip
// ============================================================================

func TestConnectionWebsocket(t *testing.T) {
	received := make(chan map[string]any, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/dm/9" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("token") != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		c.Write(ctx, websocket.MessageText, []byte(`{"type":"message","payload":{"id":1,"content":"welcome","created_at":"2026-03-01T12:00:00","user_id":2,"author":{"id":2,"display_name":"srv"}}}`))
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var m map[string]any
			json.Unmarshal(data, &m)
			received <- m
		}
	}))
	defer srv.Close()

	m := NewConnectionManager(srv.URL, RealtimeConfig{})

	t.Run("frames both ways", func(t *testing.T) {
		rec := newRecorder()
		conn := m.Open(ThreadEndpoint("9"), "good", rec.handlers())
		defer conn.Close()
		rec.waitPhase(t, PhaseOpen)

		env := rec.waitFrame(t)
		var msg Message
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			t.Fatal(err)
		}
		if msg.ID != "1" || msg.Content != "welcome" || msg.CreatedAt.IsZero() {
			t.Fatalf("message = %+v", msg)
		}

		if !conn.Send(OutgoingMessage{Type: FrameMessage, Content: "hello", ClientID: "c9"}) {
			t.Fatal("Send() = false")
		}
		select {
		case got := <-received:
			if got["content"] != "hello" || got["client_id"] != "c9" {
				t.Fatalf("server received %v", got)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("server did not receive the frame")
		}
	})

	t.Run("bad token", func(t *testing.T) {
		rec := newRecorder()
		conn := m.Open(ThreadEndpoint("9"), "bad", rec.handlers())
		defer conn.Close()

		select {
		case err := <-rec.auth:
			if !errors.Is(err, ErrUnauthorized) || !strings.Contains(err.Error(), "401") {
				t.Fatalf("auth error = %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("OnAuthError not called")
		}
	})
}
