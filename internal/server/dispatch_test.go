package server

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/bizlink/beacon/internal/store"
)

// fakePusher records pushed frames per connection id, standing in for live
// sockets in dispatcher and reconciler tests.
type fakePusher struct {
	mu     sync.Mutex
	frames map[string][][]byte
}

func newFakePusher() *fakePusher {
	return &fakePusher{frames: make(map[string][][]byte)}
}

func (f *fakePusher) pushToConn(connID string, data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames[connID] = append(f.frames[connID], data)
	return true
}

// events decodes every frame pushed to connID into envelopes.
func (f *fakePusher) events(t *testing.T, connID string) []Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	var envs []Envelope
	for _, data := range f.frames[connID] {
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("undecodable frame for %s: %v", connID, err)
		}
		envs = append(envs, env)
	}
	return envs
}

// countEvents returns how many frames with the given event name reached connID.
func (f *fakePusher) countEvents(t *testing.T, connID, event string) int {
	t.Helper()
	count := 0
	for _, env := range f.events(t, connID) {
		if env.Event == event {
			count++
		}
	}
	return count
}

func newTestDispatcher(t *testing.T, typingExpiry time.Duration) (*Dispatcher, *Registry, *fakePusher, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	reg := NewRegistry(0, nil)
	fp := newFakePusher()
	return NewDispatcher(st, reg, fp, typingExpiry), reg, fp, st
}

var (
	alice = Identity{UserID: "alice", Role: "member", Email: "alice@example.com"}
	bob   = Identity{UserID: "bob", Role: "member", Email: "bob@example.com"}
)

// TestSendMessageFanOut verifies that an online recipient receives exactly
// one copy per open connection and the sender's other connections receive
// exactly one delivery confirmation each, with no echo to the originating
// connection.
func TestSendMessageFanOut(t *testing.T) {
	d, reg, fp, _ := newTestDispatcher(t, time.Minute)
	reg.Register(alice.UserID, alice.Role, alice.Email, "a1")
	reg.Register(alice.UserID, alice.Role, alice.Email, "a2")
	reg.Register(bob.UserID, bob.Role, bob.Email, "b1")
	reg.Register(bob.UserID, bob.Role, bob.Email, "b2")

	msg, err := d.SendMessage(context.Background(), alice, "a1", SendMessagePayload{
		RecipientID: "bob",
		Content:     "hello",
	})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if msg.ID == "" {
		t.Error("persisted message should carry an id")
	}

	for _, connID := range []string{"b1", "b2"} {
		if got := fp.countEvents(t, connID, EventNewMessage); got != 1 {
			t.Errorf("connection %s received %d new-message events, want 1", connID, got)
		}
	}
	if got := fp.countEvents(t, "a2", EventMessageSentAck); got != 1 {
		t.Errorf("sender's other connection received %d acks, want 1", got)
	}
	if got := len(fp.events(t, "a1")); got != 0 {
		t.Errorf("originating connection received %d frames, want 0", got)
	}
}

// TestSendMessageOfflineRecipient verifies that a message to an offline user
// still succeeds with a persisted id and that no live delivery is attempted.
func TestSendMessageOfflineRecipient(t *testing.T) {
	d, reg, fp, st := newTestDispatcher(t, time.Minute)
	reg.Register(alice.UserID, alice.Role, alice.Email, "a1")

	msg, err := d.SendMessage(context.Background(), alice, "a1", SendMessagePayload{
		RecipientID: "bob",
		Content:     "are you there?",
	})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if msg.ID == "" {
		t.Error("persisted message should carry an id")
	}

	unread, err := st.ListUnreadMessages(context.Background(), "bob")
	if err != nil {
		t.Fatalf("ListUnreadMessages failed: %v", err)
	}
	if len(unread) != 1 || unread[0].ID != msg.ID {
		t.Errorf("unread backlog = %v, want the persisted message", unread)
	}

	for connID := range fp.frames {
		for _, env := range fp.events(t, connID) {
			if env.Event == EventNewMessage {
				t.Errorf("new-message pushed to %s although recipient is offline", connID)
			}
		}
	}
}

// TestSendMessageRejectsBadKind verifies boundary validation of message kinds.
func TestSendMessageRejectsBadKind(t *testing.T) {
	p := SendMessagePayload{RecipientID: "bob", Content: "x", MessageType: "carrier-pigeon"}
	if err := p.Validate(); err == nil {
		t.Error("expected validation error for unknown message type")
	}
}

// TestMarkReadIdempotent verifies that the second mark-read on the same
// message is a no-op and never double-notifies the original sender.
func TestMarkReadIdempotent(t *testing.T) {
	d, reg, fp, st := newTestDispatcher(t, time.Minute)
	reg.Register(alice.UserID, alice.Role, alice.Email, "a1")

	msg := &store.Message{SenderID: "alice", RecipientID: "bob", Body: "hi", Kind: store.KindText}
	if _, err := st.SaveMessage(context.Background(), msg); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	if err := d.MarkRead(context.Background(), "bob", msg.ID); err != nil {
		t.Fatalf("first MarkRead failed: %v", err)
	}
	if err := d.MarkRead(context.Background(), "bob", msg.ID); err != nil {
		t.Fatalf("second MarkRead failed: %v", err)
	}

	if got := fp.countEvents(t, "a1", EventMessageRead); got != 1 {
		t.Errorf("sender received %d read receipts, want 1", got)
	}
}

// TestMarkReadUnknownMessage verifies the not-found path surfaces an error.
func TestMarkReadUnknownMessage(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t, time.Minute)
	if err := d.MarkRead(context.Background(), "bob", "no-such-id"); err == nil {
		t.Error("expected error for unknown message id")
	}
}

// TestTypingForwardAndStop verifies the paired typing indicator flow.
func TestTypingForwardAndStop(t *testing.T) {
	d, reg, fp, _ := newTestDispatcher(t, time.Minute)
	reg.Register(bob.UserID, bob.Role, bob.Email, "b1")

	d.SetTyping("alice", "a1", "bob", true)
	if got := fp.countEvents(t, "b1", EventTypingStart); got != 1 {
		t.Fatalf("recipient received %d typing-start events, want 1", got)
	}

	d.SetTyping("alice", "a1", "bob", false)
	if got := fp.countEvents(t, "b1", EventTypingStop); got != 1 {
		t.Errorf("recipient received %d typing-stop events, want 1", got)
	}

	// A stop without a live start is not forwarded.
	d.SetTyping("alice", "a1", "bob", false)
	if got := fp.countEvents(t, "b1", EventTypingStop); got != 1 {
		t.Errorf("redundant stop was forwarded, count = %d", got)
	}
}

// TestTypingOfflineRecipientDropped verifies typing signals are ephemeral and
// never queued for offline recipients.
func TestTypingOfflineRecipientDropped(t *testing.T) {
	d, _, fp, _ := newTestDispatcher(t, time.Minute)

	d.SetTyping("alice", "a1", "bob", true)
	if got := len(fp.frames); got != 0 {
		t.Errorf("typing signal to offline recipient produced %d pushes, want 0", got)
	}
}

// TestTypingExpiry verifies a crashed client cannot wedge the peer's typing
// indicator: the dispatcher synthesizes a stop after the expiry window.
func TestTypingExpiry(t *testing.T) {
	d, reg, fp, _ := newTestDispatcher(t, 30*time.Millisecond)
	reg.Register(bob.UserID, bob.Role, bob.Email, "b1")

	d.SetTyping("alice", "a1", "bob", true)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if fp.countEvents(t, "b1", EventTypingStop) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("typing-stop was not synthesized after the expiry window")
}

// TestTypingDisconnectCleanup verifies a disconnect synthesizes typing-stop
// for every pair the connection was signaling in.
func TestTypingDisconnectCleanup(t *testing.T) {
	d, reg, fp, _ := newTestDispatcher(t, time.Minute)
	reg.Register(bob.UserID, bob.Role, bob.Email, "b1")
	reg.Register("carol", "member", "carol@example.com", "c1")

	d.SetTyping("alice", "a1", "bob", true)
	d.SetTyping("alice", "a1", "carol", true)

	d.DisconnectCleanup("a1")

	if got := fp.countEvents(t, "b1", EventTypingStop); got != 1 {
		t.Errorf("bob received %d synthesized typing-stops, want 1", got)
	}
	if got := fp.countEvents(t, "c1", EventTypingStop); got != 1 {
		t.Errorf("carol received %d synthesized typing-stops, want 1", got)
	}
}

// TestTypingSurvivesOtherDeviceDisconnect verifies that a typing indicator
// started from two of the sender's connections only stops when the last
// signaling connection goes away.
func TestTypingSurvivesOtherDeviceDisconnect(t *testing.T) {
	d, reg, fp, _ := newTestDispatcher(t, time.Minute)
	reg.Register(bob.UserID, bob.Role, bob.Email, "b1")

	d.SetTyping("alice", "a1", "bob", true)
	d.SetTyping("alice", "a2", "bob", true)

	d.DisconnectCleanup("a1")
	if got := fp.countEvents(t, "b1", EventTypingStop); got != 0 {
		t.Errorf("typing-stop sent while another device still signals, count = %d", got)
	}

	d.DisconnectCleanup("a2")
	if got := fp.countEvents(t, "b1", EventTypingStop); got != 1 {
		t.Errorf("bob received %d typing-stops after last device left, want 1", got)
	}
}
