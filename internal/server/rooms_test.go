package server

import (
	"sort"
	"testing"
)

// TestRouterJoinAndMembers verifies basic membership bookkeeping.
func TestRouterJoinAndMembers(t *testing.T) {
	rt := NewRouter()

	rt.Join("c1", "room-a")
	rt.Join("c2", "room-a")
	rt.Join("c1", "room-b")

	members := rt.MembersOf("room-a")
	sort.Strings(members)
	if len(members) != 2 || members[0] != "c1" || members[1] != "c2" {
		t.Errorf("MembersOf(room-a) = %v, want [c1 c2]", members)
	}

	rooms := rt.Rooms("c1")
	sort.Strings(rooms)
	if len(rooms) != 2 || rooms[0] != "room-a" || rooms[1] != "room-b" {
		t.Errorf("Rooms(c1) = %v, want [room-a room-b]", rooms)
	}

	// Joining twice must not duplicate membership.
	rt.Join("c1", "room-a")
	if got := len(rt.MembersOf("room-a")); got != 2 {
		t.Errorf("duplicate join changed membership size to %d", got)
	}
}

// TestRouterLeave verifies single-room removal and that unknown pairs are
// ignored.
func TestRouterLeave(t *testing.T) {
	rt := NewRouter()
	rt.Join("c1", "room-a")
	rt.Join("c2", "room-a")

	rt.Leave("c1", "room-a")
	if got := rt.MembersOf("room-a"); len(got) != 1 || got[0] != "c2" {
		t.Errorf("MembersOf(room-a) = %v, want [c2]", got)
	}

	rt.Leave("c1", "room-a")
	rt.Leave("ghost", "room-a")
	if got := len(rt.MembersOf("room-a")); got != 1 {
		t.Errorf("unknown leaves changed membership size to %d", got)
	}
}

// TestRouterLeaveAllIsComplete verifies the principal invariant: after a
// connection leaves all rooms, no room retains it, and the call is
// idempotent.
func TestRouterLeaveAllIsComplete(t *testing.T) {
	rt := NewRouter()
	roomIDs := []string{"room-a", "room-b", "room-c", RoomAdmins, PersonalRoom("alice")}
	for _, roomID := range roomIDs {
		rt.Join("c1", roomID)
	}
	rt.Join("c2", "room-a")

	affected := rt.LeaveAll("c1")
	if len(affected) != len(roomIDs) {
		t.Errorf("LeaveAll affected %d rooms, want %d", len(affected), len(roomIDs))
	}
	for _, roomID := range roomIDs {
		for _, member := range rt.MembersOf(roomID) {
			if member == "c1" {
				t.Errorf("room %q still contains c1 after LeaveAll", roomID)
			}
		}
	}
	if got := rt.Rooms("c1"); got != nil {
		t.Errorf("Rooms(c1) = %v after LeaveAll, want nil", got)
	}

	// Second call is a no-op.
	if affected := rt.LeaveAll("c1"); affected != nil {
		t.Errorf("second LeaveAll returned %v, want nil", affected)
	}

	// Unrelated membership is untouched.
	if got := rt.MembersOf("room-a"); len(got) != 1 || got[0] != "c2" {
		t.Errorf("MembersOf(room-a) = %v, want [c2]", got)
	}
}
