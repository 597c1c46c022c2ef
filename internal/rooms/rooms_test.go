package rooms

import (
	"sort"
	"sync"
	"testing"
)

type conn string

func (c conn) ID() string { return string(c) }

func ids(ms []conn) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, string(m))
	}
	sort.Strings(out)
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestJoin_Idempotent(t *testing.T) {
	m := NewManager[conn]()
	m.Join("x", "abc")
	m.Join("x", "abc")

	if got := ids(m.Members("abc")); !equal(got, []string{"x"}) {
		t.Fatalf("members=%v, want [x]", got)
	}
	if got := m.RoomsOf("x"); !equal(got, []string{"abc"}) {
		t.Fatalf("RoomsOf=%v, want [abc]", got)
	}
}

func TestLeave_NonMemberIsNoop(t *testing.T) {
	m := NewManager[conn]()
	m.Join("x", "abc")

	m.Leave("y", "abc")
	m.Leave("x", "other")
	m.Leave("nobody", "nowhere")

	if got := ids(m.Members("abc")); !equal(got, []string{"x"}) {
		t.Fatalf("members=%v, want [x]", got)
	}
	if m.RoomCount() != 1 {
		t.Fatalf("RoomCount=%d, want 1", m.RoomCount())
	}
}

func TestLeave_DropsEmptyRoom(t *testing.T) {
	m := NewManager[conn]()
	m.Join("x", "abc")
	m.Join("y", "abc")

	m.Leave("x", "abc")
	if m.RoomCount() != 1 {
		t.Fatalf("RoomCount=%d, want 1", m.RoomCount())
	}
	m.Leave("y", "abc")
	if m.RoomCount() != 0 {
		t.Fatalf("RoomCount=%d, want 0 after last member left", m.RoomCount())
	}
	// Still addressable until Disconnect.
	if _, ok := m.Lookup("y"); !ok {
		t.Fatalf("Lookup(y) ok=false, want true")
	}
}

func TestDisconnect_RemovesEveryTrace(t *testing.T) {
	m := NewManager[conn]()
	m.Join("x", "a")
	m.Join("x", "b")
	m.Join("y", "b")

	left := m.Disconnect("x")
	if !equal(left, []string{"a", "b"}) {
		t.Fatalf("left=%v, want [a b]", left)
	}
	for _, room := range []string{"a", "b"} {
		for _, member := range m.Members(room) {
			if member == "x" {
				t.Fatalf("room %q still contains x", room)
			}
		}
	}
	if _, ok := m.Lookup("x"); ok {
		t.Fatalf("Lookup(x) ok=true after Disconnect")
	}
	if got := m.RoomsOf("x"); len(got) != 0 {
		t.Fatalf("RoomsOf(x)=%v, want empty", got)
	}
	if m.RoomCount() != 1 {
		t.Fatalf("RoomCount=%d, want 1", m.RoomCount())
	}

	if left := m.Disconnect("x"); len(left) != 0 {
		t.Fatalf("second Disconnect left=%v, want empty", left)
	}
}

func TestAttach_AddressableWithoutRooms(t *testing.T) {
	m := NewManager[conn]()
	m.Attach("x")
	if got, ok := m.Lookup("x"); !ok || got != "x" {
		t.Fatalf("Lookup(x)=%q ok=%v", got, ok)
	}
	if m.ConnCount() != 1 || m.RoomCount() != 0 {
		t.Fatalf("ConnCount=%d RoomCount=%d", m.ConnCount(), m.RoomCount())
	}
}

func TestConcurrentJoinLeaveDisconnect(t *testing.T) {
	m := NewManager[conn]()
	var wg sync.WaitGroup
	for _, c := range []conn{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(c conn) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				m.Join(c, "room")
				_ = m.Members("room")
				m.Leave(c.ID(), "room")
			}
			m.Disconnect(c.ID())
		}(c)
	}
	wg.Wait()
	if m.RoomCount() != 0 || m.ConnCount() != 0 {
		t.Fatalf("RoomCount=%d ConnCount=%d, want 0 0", m.RoomCount(), m.ConnCount())
	}
}
