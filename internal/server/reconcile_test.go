package server

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/bizlink/beacon/internal/store"
)

func newTestReconciler(t *testing.T) (*Reconciler, *Registry, *fakePusher, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	reg := NewRegistry(0, nil)
	fp := newFakePusher()
	return NewReconciler(st, reg, fp), reg, fp, st
}

// TestNotifyOnlineUser verifies a notification reaches every connection of an
// online user and is persisted regardless.
func TestNotifyOnlineUser(t *testing.T) {
	r, reg, fp, st := newTestReconciler(t)
	reg.Register("alice", "member", "alice@example.com", "a1")
	reg.Register("alice", "member", "alice@example.com", "a2")

	delivered, err := r.Notify(context.Background(), &store.Notification{
		UserID:   "alice",
		Category: store.CategoryCompanyUpdate,
		Title:    "New follower",
	})
	if err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if !delivered {
		t.Error("Notify should report live delivery for an online user")
	}

	for _, connID := range []string{"a1", "a2"} {
		if got := fp.countEvents(t, connID, EventNewNotification); got != 1 {
			t.Errorf("connection %s received %d notifications, want 1", connID, got)
		}
	}

	unread, err := st.ListUnreadNotifications(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ListUnreadNotifications failed: %v", err)
	}
	if len(unread) != 1 {
		t.Errorf("persisted unread notifications = %d, want 1", len(unread))
	}
}

// TestNotifyOfflineUserPersists verifies the persist-always contract: an
// offline target receives nothing live but the notification is durable.
func TestNotifyOfflineUserPersists(t *testing.T) {
	r, _, fp, st := newTestReconciler(t)

	delivered, err := r.Notify(context.Background(), &store.Notification{
		UserID:   "bob",
		Category: store.CategoryEvent,
		Title:    "Upcoming pitch day",
	})
	if err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if delivered {
		t.Error("Notify should report no live delivery for an offline user")
	}
	if got := len(fp.frames); got != 0 {
		t.Errorf("offline notify produced %d pushes, want 0", got)
	}

	unread, err := st.ListUnreadNotifications(context.Background(), "bob")
	if err != nil {
		t.Fatalf("ListUnreadNotifications failed: %v", err)
	}
	if len(unread) != 1 {
		t.Errorf("persisted unread notifications = %d, want 1", len(unread))
	}
}

// TestOnConnectCatchUp verifies the reconnect flow: unread notifications
// arrive as one chronological batch and each unread message is replayed,
// all to the connecting socket only.
func TestOnConnectCatchUp(t *testing.T) {
	r, reg, fp, st := newTestReconciler(t)
	ctx := context.Background()

	for _, title := range []string{"first", "second", "third"} {
		if _, err := st.SaveNotification(ctx, &store.Notification{
			UserID:   "alice",
			Category: store.CategorySystem,
			Title:    title,
		}); err != nil {
			t.Fatalf("SaveNotification failed: %v", err)
		}
	}
	for _, body := range []string{"missed one", "missed two"} {
		if _, err := st.SaveMessage(ctx, &store.Message{
			SenderID:    "bob",
			RecipientID: "alice",
			Body:        body,
			Kind:        store.KindText,
		}); err != nil {
			t.Fatalf("SaveMessage failed: %v", err)
		}
	}

	reg.Register("alice", "member", "alice@example.com", "a1")
	r.OnConnect(ctx, "alice", "a1")

	envs := fp.events(t, "a1")
	if len(envs) != 3 {
		t.Fatalf("connecting socket received %d frames, want 3 (1 batch + 2 messages)", len(envs))
	}

	if envs[0].Event != EventNotificationsBatch {
		t.Fatalf("first frame is %q, want the notification batch", envs[0].Event)
	}
	var batch NotificationsBatchPayload
	if err := json.Unmarshal(envs[0].Payload, &batch); err != nil {
		t.Fatalf("failed to decode batch payload: %v", err)
	}
	if len(batch.Notifications) != 3 {
		t.Fatalf("batch carries %d notifications, want 3", len(batch.Notifications))
	}
	if batch.Notifications[0].Title != "first" || batch.Notifications[2].Title != "third" {
		t.Errorf("batch is not chronological: %q .. %q", batch.Notifications[0].Title, batch.Notifications[2].Title)
	}

	for i, env := range envs[1:] {
		if env.Event != EventNewMessage {
			t.Errorf("frame %d is %q, want new-message", i+1, env.Event)
		}
	}
	var replayed store.Message
	if err := json.Unmarshal(envs[1].Payload, &replayed); err != nil {
		t.Fatalf("failed to decode replayed message: %v", err)
	}
	if replayed.Body != "missed one" {
		t.Errorf("replay order wrong, first message body = %q", replayed.Body)
	}
}

// TestOnConnectNothingPending verifies a clean connect pushes nothing.
func TestOnConnectNothingPending(t *testing.T) {
	r, reg, fp, _ := newTestReconciler(t)
	reg.Register("alice", "member", "alice@example.com", "a1")

	r.OnConnect(context.Background(), "alice", "a1")
	if got := len(fp.events(t, "a1")); got != 0 {
		t.Errorf("clean connect pushed %d frames, want 0", got)
	}
}

// TestOnConnectSkipsReadItems verifies read items never reappear in catch-up.
func TestOnConnectSkipsReadItems(t *testing.T) {
	r, reg, fp, st := newTestReconciler(t)
	ctx := context.Background()

	msg := &store.Message{SenderID: "bob", RecipientID: "alice", Body: "old", Kind: store.KindText}
	if _, err := st.SaveMessage(ctx, msg); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}
	if _, _, err := st.MarkMessageRead(ctx, "alice", msg.ID); err != nil {
		t.Fatalf("MarkMessageRead failed: %v", err)
	}

	n := &store.Notification{UserID: "alice", Category: store.CategoryMessage, Title: "seen"}
	if _, err := st.SaveNotification(ctx, n); err != nil {
		t.Fatalf("SaveNotification failed: %v", err)
	}
	if _, err := st.MarkNotificationRead(ctx, "alice", n.ID); err != nil {
		t.Fatalf("MarkNotificationRead failed: %v", err)
	}

	reg.Register("alice", "member", "alice@example.com", "a1")
	r.OnConnect(ctx, "alice", "a1")
	if got := len(fp.events(t, "a1")); got != 0 {
		t.Errorf("catch-up replayed %d read items, want 0", got)
	}
}

// TestBroadcastActivity verifies activity fan-out reaches the user's other
// devices and admins exactly once each, excluding the originating connection.
func TestBroadcastActivity(t *testing.T) {
	r, reg, fp, _ := newTestReconciler(t)
	reg.Register("alice", "member", "alice@example.com", "a1")
	reg.Register("alice", "member", "alice@example.com", "a2")
	reg.Register("root", "admin", "root@example.com", "adm1")

	r.BroadcastActivity(context.Background(), &store.Activity{
		UserID: "alice",
		Type:   "profile-updated",
	}, "a1", []string{"adm1", "a2"})

	if got := fp.countEvents(t, "a1", EventActivityBroadcast); got != 0 {
		t.Errorf("originating connection received %d activity frames, want 0", got)
	}
	if got := fp.countEvents(t, "a2", EventActivityBroadcast); got != 1 {
		t.Errorf("other device received %d activity frames, want 1", got)
	}
	if got := fp.countEvents(t, "adm1", EventActivityBroadcast); got != 1 {
		t.Errorf("admin connection received %d activity frames, want 1", got)
	}
}
