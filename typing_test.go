package braum

import (
	"encoding/json"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/braumchat/braumchat/sdk/golang/clock"
)

func TestTypingExpiry(t *testing.T) {
	clk := clock.Fake(t0)
	tr := NewTypingTracker(clk, nil)

	tr.HandleTyping("5", true)
	if !tr.IsTyping("5") {
		t.Fatal("user 5 not typing after event")
	}
	clk.Advance(2400 * time.Millisecond)
	if !tr.IsTyping("5") {
		t.Fatal("expired before 2.4s")
	}
	clk.Advance(100 * time.Millisecond)
	if tr.IsTyping("5") {
		t.Fatal("still typing at 2.5s")
	}
}

func TestTypingRepeatExtends(t *testing.T) {
	clk := clock.Fake(t0)
	tr := NewTypingTracker(clk, nil)

	tr.HandleTyping("5", true)
	clk.Advance(2 * time.Second)
	tr.HandleTyping("5", true)
	clk.Advance(2 * time.Second)
	if !tr.IsTyping("5") {
		t.Fatal("repeat event did not restart expiry")
	}
	clk.Advance(500 * time.Millisecond)
	if tr.IsTyping("5") {
		t.Fatal("still typing 2.5s after last event")
	}
	if n := clk.Pending(); n != 0 {
		t.Fatalf("Pending() = %d, stale timers left", n)
	}
}

func TestTypingOrderAndStop(t *testing.T) {
	tr := NewTypingTracker(clock.Fake(t0), nil)
	tr.SetLocalUser("1")

	tr.HandleTyping("3", true)
	tr.HandleTyping("1", true)
	tr.HandleTyping("2", true)
	tr.HandleTyping("3", true)
	if got, want := tr.Typing(), []ID{"3", "2"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Typing() = %v, want %v", got, want)
	}

	tr.HandleTyping("3", false)
	if got, want := tr.Typing(), []ID{"2"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Typing() = %v, want %v", got, want)
	}
}

func TestTypingHandleFrame(t *testing.T) {
	tr := NewTypingTracker(clock.Fake(t0), nil)
	changes := 0
	tr.OnChange(func() { changes++ })

	frame := func(typ, payload string) Envelope {
		return Envelope{Type: typ, Payload: json.RawMessage(payload)}
	}

	if !tr.HandleFrame(frame(FrameTyping, `{"user_id":4,"is_typing":true}`)) {
		t.Fatal("typing frame not handled")
	}
	if !tr.HandleFrame(frame(FramePresence, `{"user_id":"4","online":true}`)) {
		t.Fatal("presence frame not handled")
	}
	if tr.HandleFrame(frame(FrameMessage, `{}`)) {
		t.Fatal("message frame claimed by tracker")
	}
	if !tr.HandleFrame(frame(FrameTyping, `[]`)) {
		t.Fatal("malformed typing frame should be consumed")
	}

	if !tr.IsTyping("4") {
		t.Fatal("numeric user id not decoded")
	}
	if online, known := tr.Online("4"); !online || !known {
		t.Fatalf("Online(4) = %v, %v", online, known)
	}
	if _, known := tr.Online("9"); known {
		t.Fatal("unknown user reported as known")
	}
	if changes != 2 {
		t.Fatalf("changes = %d, want 2", changes)
	}
}

func TestTypingReset(t *testing.T) {
	clk := clock.Fake(t0)
	tr := NewTypingTracker(clk, nil)
	tr.HandleTyping("5", true)
	tr.HandlePresence("5", true)

	tr.Reset()
	if len(tr.Typing()) != 0 {
		t.Fatal("typing survived Reset")
	}
	if _, known := tr.Online("5"); known {
		t.Fatal("presence survived Reset")
	}
	if n := clk.Pending(); n != 0 {
		t.Fatalf("Pending() = %d after Reset", n)
	}
}

// recordingSender captures typing frames.
type recordingSender struct {
	mu     sync.Mutex
	frames []bool
	closed bool
}

func (r *recordingSender) Send(v any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if f, ok := v.(OutgoingTyping); ok {
		r.frames = append(r.frames, f.IsTyping)
	}
	return true
}

func (r *recordingSender) sent() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.frames...)
}

func TestTypingSignalerThrottle(t *testing.T) {
	clk := clock.Fake(t0)
	s := NewTypingSignaler(clk)
	out := &recordingSender{}
	s.SetTarget(out)

	// Keystrokes every 250ms for 3s.
	for i := 0; i < 12; i++ {
		s.Keystroke()
		clk.Advance(250 * time.Millisecond)
	}
	starts := 0
	for _, f := range out.sent() {
		if !f {
			t.Fatalf("stop sent while typing: %v", out.sent())
		}
		starts++
	}
	// Starts at 0, 1.25s and 2.5s.
	if starts != 3 {
		t.Fatalf("starts = %d, want 3 (%v)", starts, out.sent())
	}

	clk.Advance(TypingIdle)
	got := out.sent()
	if got[len(got)-1] {
		t.Fatalf("no stop after idle: %v", got)
	}
	if s.Typing() {
		t.Fatal("Typing() = true after idle")
	}
}

func TestTypingSignalerStop(t *testing.T) {
	clk := clock.Fake(t0)
	s := NewTypingSignaler(clk)
	out := &recordingSender{}
	s.SetTarget(out)

	s.Keystroke()
	s.Stop()
	s.Stop()
	if got, want := out.sent(), []bool{true, false}; !reflect.DeepEqual(got, want) {
		t.Fatalf("frames = %v, want %v", got, want)
	}

	// Typing again right after a stop announces immediately.
	s.Keystroke()
	if got, want := out.sent(), []bool{true, false, true}; !reflect.DeepEqual(got, want) {
		t.Fatalf("frames = %v, want %v", got, want)
	}
	clk.Advance(time.Minute)
	if got := out.sent(); len(got) != 4 || got[3] {
		t.Fatalf("frames = %v, want trailing stop", got)
	}
}

func TestTypingSignalerClosedTarget(t *testing.T) {
	clk := clock.Fake(t0)
	s := NewTypingSignaler(clk)
	out := &recordingSender{closed: true}
	s.SetTarget(out)

	s.Keystroke()
	if s.Typing() {
		t.Fatal("Typing() = true although nothing was sent")
	}
	clk.Advance(time.Minute)
	if len(out.sent()) != 0 {
		t.Fatalf("frames = %v", out.sent())
	}

	s.SetTarget(nil)
	s.Keystroke()
	if clk.Pending() != 0 {
		t.Fatal("timer armed without target")
	}
}
