package braum

import (
	"encoding/json"
	"reflect"
	"testing"
)

func notification(typ, payload string) Envelope {
	return Envelope{Type: typ, Payload: json.RawMessage(payload)}
}

func TestNotificationUnread(t *testing.T) {
	tests := []struct {
		name   string
		frames []Envelope
		want   map[ID]int
	}{
		{
			name: "default delta",
			frames: []Envelope{
				notification(NotifyUnread, `{"thread_id":4}`),
				notification(NotifyUnread, `{"thread_id":"4"}`),
			},
			want: map[ID]int{"4": 2},
		},
		{
			name: "explicit deltas",
			frames: []Envelope{
				notification(NotifyUnread, `{"thread_id":4,"delta":3}`),
				notification(NotifyUnread, `{"thread_id":5,"delta":1}`),
				notification(NotifyUnread, `{"thread_id":4,"delta":-1}`),
			},
			want: map[ID]int{"4": 2, "5": 1},
		},
		{
			name: "never negative",
			frames: []Envelope{
				notification(NotifyUnread, `{"thread_id":4,"delta":1}`),
				notification(NotifyUnread, `{"thread_id":4,"delta":-5}`),
				notification(NotifyUnread, `{"thread_id":4,"delta":1}`),
			},
			want: map[ID]int{"4": 1},
		},
		{
			name: "malformed and missing thread",
			frames: []Envelope{
				notification(NotifyUnread, `"x"`),
				notification(NotifyUnread, `{"delta":2}`),
				notification(NotifyUnread, `{"thread_id":6,"delta":0}`),
			},
			want: map[ID]int{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewNotificationCenter(nil)
			for _, f := range tt.frames {
				n.HandleFrame(f)
			}
			got := make(map[ID]int)
			for _, id := range n.UnreadThreads() {
				got[id] = n.Unread(id)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("unread = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNotificationClear(t *testing.T) {
	n := NewNotificationCenter(nil)
	n.HandleFrame(notification(NotifyUnread, `{"thread_id":4,"delta":3}`))
	n.HandleFrame(notification(NotifyUnread, `{"thread_id":5}`))

	n.Clear("4")
	if got := n.Unread("4"); got != 0 {
		t.Fatalf("Unread(4) = %d after Clear", got)
	}
	if got := n.Unread("5"); got != 1 {
		t.Fatalf("Unread(5) = %d", got)
	}
	n.Reset()
	if len(n.UnreadThreads()) != 0 {
		t.Fatal("counters survived Reset")
	}
}

func TestNotificationDispatchByPrefix(t *testing.T) {
	n := NewNotificationCenter(nil)
	var friends, invites, all []string
	n.On(NotifyFriendPrefix, func(note Notification) { friends = append(friends, note.Type) })
	n.On(NotifyInvitePrefix, func(note Notification) { invites = append(invites, note.Type) })
	n.On("", func(note Notification) { all = append(all, note.Type) })
	n.On(NotifyFriendPrefix, func(Notification) { panic("handler bug") })

	n.HandleFrame(notification(NotifyFriendAccepted, `{"by":{"id":2,"display_name":"bob#0002"}}`))
	n.HandleFrame(notification(NotifyInviteDeclined, `{"invitee":{"id":3,"display_name":"eve"},"workspace_name":"ops"}`))
	n.HandleFrame(notification(NotifyUnread, `{"thread_id":1}`))

	if want := []string{NotifyFriendAccepted}; !reflect.DeepEqual(friends, want) {
		t.Fatalf("friends = %v", friends)
	}
	if want := []string{NotifyInviteDeclined}; !reflect.DeepEqual(invites, want) {
		t.Fatalf("invites = %v", invites)
	}
	if len(all) != 3 {
		t.Fatalf("all = %v", all)
	}
}

func TestNotificationDecode(t *testing.T) {
	note := Notification{Type: NotifyFriendAccepted, Payload: json.RawMessage(`{"by":{"id":2,"display_name":"bob#0002"}}`)}
	var p FriendPayload
	if err := note.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.By == nil || p.By.Name() != "bob" {
		t.Fatalf("by = %+v", p.By)
	}

	if err := (Notification{Type: NotifyInviteAccepted}).Decode(&InvitePayload{}); err == nil {
		t.Fatal("Decode accepted an empty payload")
	}
}
