package authority

import (
	"testing"
)

func newHubSession(id string, buffer int) *session {
	return &session{id: id, send: make(chan []byte, buffer)}
}

func TestTrySendDropsWhenBufferFull(t *testing.T) {
	sess := newHubSession("s1", 1)

	if !sess.trySend([]byte("one")) {
		t.Fatalf("first send should fit the buffer")
	}
	if sess.trySend([]byte("two")) {
		t.Fatalf("second send should be dropped, not block")
	}
}

func TestTrySendAfterCloseIsSafe(t *testing.T) {
	sess := newHubSession("s1", 1)
	sess.closeSend()
	sess.closeSend() // idempotent

	if sess.trySend([]byte("late")) {
		t.Fatalf("send after close must report failure")
	}
}

func TestHubDeliversToSession(t *testing.T) {
	hub := NewHub()
	sess := newHubSession("s1", 4)
	hub.add(sess)

	if !hub.SendTo("s1", []byte("hello")) {
		t.Fatalf("delivery to a registered session should succeed")
	}
	select {
	case got := <-sess.send:
		if string(got) != "hello" {
			t.Fatalf("unexpected payload %q", got)
		}
	default:
		t.Fatalf("payload should be queued")
	}

	if hub.SendTo("missing", []byte("x")) {
		t.Fatalf("unknown session must report failure")
	}
}

func TestBroadcastReachesEverySession(t *testing.T) {
	hub := NewHub()
	a := newHubSession("a", 4)
	b := newHubSession("b", 4)
	hub.add(a)
	hub.add(b)

	hub.Broadcast([]byte("dir"))

	for _, sess := range []*session{a, b} {
		select {
		case got := <-sess.send:
			if string(got) != "dir" {
				t.Fatalf("unexpected payload %q for %s", got, sess.id)
			}
		default:
			t.Fatalf("session %s missed the broadcast", sess.id)
		}
	}

	hub.remove("a")
	if hub.count() != 1 {
		t.Fatalf("expected 1 session after remove, got %d", hub.count())
	}
	if hub.SendTo("a", []byte("x")) {
		t.Fatalf("removed session must not receive")
	}
}
