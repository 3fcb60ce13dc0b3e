package authority

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/tariel-x/meshcall/internal/protocol"
)

func newTestAuthority() *Authority {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(NewRoomStore(), NewHub(), nil, nil, nil, 0, websocket.Upgrader{}, log)
}

// connectAndJoin registers a hub session and joins it into a room through
// the normal dispatch path.
func connectAndJoin(t *testing.T, a *Authority, sessionID, roomID, userID string) *session {
	t.Helper()
	sess := newHubSession(sessionID, 32)
	a.hub.add(sess)
	a.dispatch(sess, protocol.MustMake(protocol.EventJoinRoom, protocol.JoinRoom{
		RoomID: roomID,
		UserID: userID,
	}))
	return sess
}

// drainEvents empties the session's outbound buffer and returns the queued
// event names.
func drainEvents(t *testing.T, sess *session) []string {
	t.Helper()
	var events []string
	for {
		select {
		case raw := <-sess.send:
			var env protocol.Envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				t.Fatalf("undecodable outbound frame: %v", err)
			}
			events = append(events, env.Event)
		default:
			return events
		}
	}
}

func TestChatMessageReachesRoomMembers(t *testing.T) {
	a := newTestAuthority()
	alice := connectAndJoin(t, a, "sess-a", "room-1", "alice")
	bob := connectAndJoin(t, a, "sess-b", "room-1", "bob")
	drainEvents(t, alice)
	drainEvents(t, bob)

	a.dispatch(bob, protocol.Envelope{
		Event: protocol.EventChatMessage,
		Data:  json.RawMessage(`{"roomId":"room-1","message":"hi"}`),
	})

	got := drainEvents(t, alice)
	if len(got) != 1 || got[0] != protocol.EventChatMessage {
		t.Fatalf("alice should receive exactly the chat message, got %v", got)
	}
	if echoed := drainEvents(t, bob); len(echoed) != 0 {
		t.Fatalf("sender must not receive its own message, got %v", echoed)
	}
}

func TestRoomScopedEventsStayInSenderRoom(t *testing.T) {
	a := newTestAuthority()
	alice := connectAndJoin(t, a, "sess-a", "room-1", "alice")
	mallory := connectAndJoin(t, a, "sess-m", "room-2", "mallory")
	drainEvents(t, alice)
	drainEvents(t, mallory)

	// A member of room-2 claiming room-1 in the payload must be dropped.
	a.dispatch(mallory, protocol.Envelope{
		Event: protocol.EventChatMessage,
		Data:  json.RawMessage(`{"roomId":"room-1","message":"injected"}`),
	})
	a.dispatch(mallory, protocol.Envelope{
		Event: protocol.EventWhiteboardClear,
		Data:  json.RawMessage(`{"roomId":"room-1"}`),
	})

	if got := drainEvents(t, alice); len(got) != 0 {
		t.Fatalf("cross-room fan-out must be dropped, alice got %v", got)
	}
}
