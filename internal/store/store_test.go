package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// adapters returns every Store implementation under its suite name.
func adapters(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "store_test.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	memory := NewMemory()
	t.Cleanup(func() { memory.Close() })

	return map[string]Store{"memory": memory, "sqlite": sqlite}
}

// TestStoreMessageLifecycle runs the message contract against every adapter:
// save assigns identity, unread listing is chronological, and mark-read is
// scoped to the recipient and idempotent.
func TestStoreMessageLifecycle(t *testing.T) {
	for name, st := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first := &Message{SenderID: "alice", RecipientID: "bob", Body: "one", Kind: KindText}
			id, err := st.SaveMessage(ctx, first)
			if err != nil {
				t.Fatalf("SaveMessage failed: %v", err)
			}
			if id == "" || first.ID != id {
				t.Errorf("SaveMessage id = %q, message id = %q, want matching non-empty ids", id, first.ID)
			}
			if first.CreatedAt.IsZero() {
				t.Error("SaveMessage should stamp CreatedAt")
			}

			// Distinct timestamps keep the chronological ordering observable.
			time.Sleep(2 * time.Millisecond)
			second := &Message{
				SenderID: "alice", RecipientID: "bob", Body: "two", Kind: KindFile,
				Attachments: []string{"deck.pdf"}, ReplyToID: first.ID,
			}
			if _, err := st.SaveMessage(ctx, second); err != nil {
				t.Fatalf("SaveMessage failed: %v", err)
			}

			unread, err := st.ListUnreadMessages(ctx, "bob")
			if err != nil {
				t.Fatalf("ListUnreadMessages failed: %v", err)
			}
			if len(unread) != 2 || unread[0].Body != "one" || unread[1].Body != "two" {
				t.Fatalf("unread = %+v, want [one two] oldest first", unread)
			}
			if len(unread[1].Attachments) != 1 || unread[1].ReplyToID != first.ID {
				t.Errorf("second message lost attachments or reply reference: %+v", unread[1])
			}

			// Only the recipient may mark a message read.
			if _, _, err := st.MarkMessageRead(ctx, "mallory", first.ID); !errors.Is(err, ErrNotFound) {
				t.Errorf("foreign mark-read error = %v, want ErrNotFound", err)
			}

			m, changed, err := st.MarkMessageRead(ctx, "bob", first.ID)
			if err != nil || !changed {
				t.Fatalf("MarkMessageRead = (%v, %v), want changed with no error", changed, err)
			}
			if !m.Read || m.SenderID != "alice" {
				t.Errorf("marked message = %+v, want read copy of alice's message", m)
			}

			m, changed, err = st.MarkMessageRead(ctx, "bob", first.ID)
			if err != nil || changed {
				t.Errorf("repeat MarkMessageRead = (%v, %v), want unchanged no-op", changed, err)
			}
			if m == nil || !m.Read {
				t.Error("repeat MarkMessageRead should still return the stored message")
			}

			unread, err = st.ListUnreadMessages(ctx, "bob")
			if err != nil {
				t.Fatalf("ListUnreadMessages failed: %v", err)
			}
			if len(unread) != 1 || unread[0].Body != "two" {
				t.Errorf("unread after read = %+v, want only the second message", unread)
			}

			if _, _, err := st.MarkMessageRead(ctx, "bob", "absent-id"); !errors.Is(err, ErrNotFound) {
				t.Errorf("unknown message error = %v, want ErrNotFound", err)
			}
		})
	}
}

// TestStoreNotificationLifecycle runs the notification contract against every
// adapter, including payload round-tripping and the read/absent distinction.
func TestStoreNotificationLifecycle(t *testing.T) {
	for name, st := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			n := &Notification{
				UserID:   "alice",
				Category: CategoryFundingOpportunity,
				Title:    "Round open",
				Body:     "Series A applications close Friday",
				Payload:  map[string]any{"roundId": "r-17"},
			}
			if _, err := st.SaveNotification(ctx, n); err != nil {
				t.Fatalf("SaveNotification failed: %v", err)
			}
			time.Sleep(2 * time.Millisecond)
			later := &Notification{UserID: "alice", Category: CategorySystem, Title: "Maintenance"}
			if _, err := st.SaveNotification(ctx, later); err != nil {
				t.Fatalf("SaveNotification failed: %v", err)
			}

			unread, err := st.ListUnreadNotifications(ctx, "alice")
			if err != nil {
				t.Fatalf("ListUnreadNotifications failed: %v", err)
			}
			if len(unread) != 2 || unread[0].Title != "Round open" {
				t.Fatalf("unread = %+v, want 2 entries oldest first", unread)
			}
			if unread[0].Payload["roundId"] != "r-17" {
				t.Errorf("payload did not round-trip: %+v", unread[0].Payload)
			}

			changed, err := st.MarkNotificationRead(ctx, "alice", n.ID)
			if err != nil || !changed {
				t.Fatalf("MarkNotificationRead = (%v, %v), want changed", changed, err)
			}
			changed, err = st.MarkNotificationRead(ctx, "alice", n.ID)
			if err != nil || changed {
				t.Errorf("repeat MarkNotificationRead = (%v, %v), want unchanged no-op", changed, err)
			}
			if _, err := st.MarkNotificationRead(ctx, "alice", "absent-id"); !errors.Is(err, ErrNotFound) {
				t.Errorf("unknown notification error = %v, want ErrNotFound", err)
			}
			if _, err := st.MarkNotificationRead(ctx, "mallory", later.ID); !errors.Is(err, ErrNotFound) {
				t.Errorf("foreign mark-read error = %v, want ErrNotFound", err)
			}

			unread, err = st.ListUnreadNotifications(ctx, "alice")
			if err != nil {
				t.Fatalf("ListUnreadNotifications failed: %v", err)
			}
			if len(unread) != 1 || unread[0].Title != "Maintenance" {
				t.Errorf("unread after read = %+v, want only the later entry", unread)
			}
		})
	}
}

// TestStoreActivities verifies activity persistence assigns identity.
func TestStoreActivities(t *testing.T) {
	for name, st := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			a := &Activity{UserID: "alice", Type: "profile-updated", Payload: map[string]any{"field": "bio"}}
			id, err := st.SaveActivity(context.Background(), a)
			if err != nil {
				t.Fatalf("SaveActivity failed: %v", err)
			}
			if id == "" || a.CreatedAt.IsZero() {
				t.Errorf("SaveActivity should assign id and timestamp, got id=%q createdAt=%v", id, a.CreatedAt)
			}
		})
	}
}

// TestStoreIsolationBetweenUsers verifies listings never leak across users.
func TestStoreIsolationBetweenUsers(t *testing.T) {
	for name, st := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := st.SaveMessage(ctx, &Message{SenderID: "alice", RecipientID: "bob", Body: "b", Kind: KindText}); err != nil {
				t.Fatalf("SaveMessage failed: %v", err)
			}
			if _, err := st.SaveNotification(ctx, &Notification{UserID: "bob", Category: CategoryMessage, Title: "t"}); err != nil {
				t.Fatalf("SaveNotification failed: %v", err)
			}

			msgs, err := st.ListUnreadMessages(ctx, "carol")
			if err != nil || len(msgs) != 0 {
				t.Errorf("carol's unread messages = (%v, %v), want empty", msgs, err)
			}
			notifs, err := st.ListUnreadNotifications(ctx, "carol")
			if err != nil || len(notifs) != 0 {
				t.Errorf("carol's unread notifications = (%v, %v), want empty", notifs, err)
			}
		})
	}
}

// TestValidKind pins the closed message kind set.
func TestValidKind(t *testing.T) {
	for _, k := range []MessageKind{KindText, KindFile, KindImage, KindVoice, KindSystem} {
		if !ValidKind(k) {
			t.Errorf("ValidKind(%q) = false, want true", k)
		}
	}
	if ValidKind("carrier-pigeon") {
		t.Error("ValidKind should reject unknown kinds")
	}
}
