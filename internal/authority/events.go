package authority

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/tariel-x/meshcall/internal/journal"
	"github.com/tariel-x/meshcall/internal/protocol"
	"github.com/tariel-x/meshcall/internal/push"
	"github.com/tariel-x/meshcall/internal/turn"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 70 * time.Second
	wsPingPeriod = 30 * time.Second
	// Enough for any SDP blob with room to spare.
	wsMaxMessageSize = 128 * 1024
)

// Authority coordinates room membership, host privilege, the waiting-room
// gate, and blind relay of negotiation traffic. It owns no media; every
// decision ends as a notification pushed through the hub.
type Authority struct {
	store      *RoomStore
	hub        *Hub
	journal    *journal.Journal // optional
	notifier   *push.Notifier   // optional
	turnServer *turn.Server     // optional
	turnPort   int
	upgrader   websocket.Upgrader
	log        *slog.Logger
	nowFn      func() time.Time
}

func New(store *RoomStore, hub *Hub, jrnl *journal.Journal, notifier *push.Notifier, turnServer *turn.Server, turnPort int, upgrader websocket.Upgrader, log *slog.Logger) *Authority {
	return &Authority{
		store:      store,
		hub:        hub,
		journal:    jrnl,
		notifier:   notifier,
		turnServer: turnServer,
		turnPort:   turnPort,
		upgrader:   upgrader,
		log:        log,
		nowFn:      time.Now,
	}
}

func (a *Authority) readPump(sess *session) {
	defer func() {
		a.log.Debug("session disconnected", "session_id", sess.id)
		_ = sess.conn.Close()
		a.hub.remove(sess.id)
		left := a.store.DropSession(sess.id)
		a.deliverDeparture(left)
		if left.Removed && !left.WasWaiting {
			a.publishDirectory()
		}
	}()

	sess.conn.SetReadLimit(wsMaxMessageSize)
	_ = sess.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	sess.conn.SetPongHandler(func(string) error {
		_ = sess.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, payload, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			a.log.Debug("bad envelope", "session_id", sess.id, "error", err)
			continue
		}

		a.dispatch(sess, env)
	}
}

func (a *Authority) writePump(sess *session) {
	defer func() {
		_ = sess.conn.Close()
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-sess.send:
			if !ok {
				return
			}
			_ = sess.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := sess.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch routes one client event. All room mutations funnel through the
// store, which serializes them; this method only decodes, calls, and
// delivers the resulting notifications.
func (a *Authority) dispatch(sess *session, env protocol.Envelope) {
	switch env.Event {
	case protocol.EventPing:
		a.sendTo(sess.id, protocol.EventPong, nil)

	case protocol.EventGetRooms:
		a.sendTo(sess.id, protocol.EventRoomsUpdate, protocol.RoomsUpdate{Rooms: a.store.Directory()})

	case protocol.EventJoinRoom:
		req, err := protocol.Decode[protocol.JoinRoom](env.Data)
		if err != nil || req.RoomID == "" || req.UserID == "" {
			a.log.Debug("malformed join-room", "session_id", sess.id, "error", err)
			return
		}
		a.handleJoin(sess, req)

	case protocol.EventLeaveRoom:
		req, err := protocol.Decode[protocol.LeaveRoom](env.Data)
		if err != nil {
			return
		}
		left := a.store.Leave(req.RoomID, req.UserID)
		a.deliverDeparture(left)
		if left.Removed && !left.WasWaiting {
			a.publishDirectory()
		}

	case protocol.EventAdmitUser:
		req, err := protocol.Decode[protocol.HostDecision](env.Data)
		if err != nil {
			return
		}
		res := a.store.Admit(req.RoomID, sess.id, req.OdID)
		if !res.OK {
			// Not the host, or no such waiting entry.
			return
		}
		a.sendTo(res.Admitted.SessionID, protocol.EventAdmitted, protocol.Admitted{
			RoomID:      req.RoomID,
			HostID:      res.Settings.HostID,
			Locked:      res.Settings.Locked,
			WaitingRoom: res.Settings.WaitingRoom,
		})
		for _, other := range res.Others {
			a.sendTo(other.SessionID, protocol.EventUserConnected, protocol.UserConnected{
				UserID:   res.Admitted.UserID,
				UserName: res.Admitted.UserName,
			})
		}
		a.sendTo(res.HostSession, protocol.EventWaitingRoomUpdate, protocol.WaitingRoomUpdate{
			RoomID:  req.RoomID,
			Waiting: res.Waiting,
		})
		a.publishDirectory()

	case protocol.EventDenyUser:
		req, err := protocol.Decode[protocol.HostDecision](env.Data)
		if err != nil {
			return
		}
		res := a.store.Deny(req.RoomID, sess.id, req.OdID)
		if !res.OK {
			return
		}
		a.sendTo(res.Denied.SessionID, protocol.EventDenied, protocol.Denied{RoomID: req.RoomID})
		a.sendTo(res.HostSession, protocol.EventWaitingRoomUpdate, protocol.WaitingRoomUpdate{
			RoomID:  req.RoomID,
			Waiting: res.Waiting,
		})

	case protocol.EventToggleLock:
		a.handleToggle(sess, env.Data, a.store.ToggleLock)

	case protocol.EventToggleWaitingRoom:
		a.handleToggle(sess, env.Data, a.store.ToggleWaitingRoom)

	case protocol.EventOffer, protocol.EventAnswer:
		sig, err := protocol.Decode[protocol.SessionSignal](env.Data)
		if err != nil {
			return
		}
		roomID, userID, ok := a.store.SenderRoom(sess.id)
		if !ok {
			return
		}
		sig.CallerID = userID
		a.relayToRoom(roomID, userID, env.Event, sig)

	case protocol.EventICECandidate:
		sig, err := protocol.Decode[protocol.CandidateSignal](env.Data)
		if err != nil {
			return
		}
		roomID, userID, ok := a.store.SenderRoom(sess.id)
		if !ok {
			return
		}
		sig.CallerID = userID
		a.relayToRoom(roomID, userID, env.Event, sig)

	case protocol.EventChatMessage, protocol.EventReaction, protocol.EventCaption,
		protocol.EventWhiteboardDraw, protocol.EventWhiteboardClear:
		scope, err := protocol.Decode[protocol.RoomScoped](env.Data)
		if err != nil || scope.RoomID == "" {
			return
		}
		roomID, userID, ok := a.store.SenderRoom(sess.id)
		if !ok || roomID != scope.RoomID {
			// Senders may only fan out into their own room.
			return
		}
		// Forward the payload untouched: no interpretation, no persistence.
		raw, err := json.Marshal(env)
		if err != nil {
			return
		}
		for _, r := range a.store.RoomSessions(roomID, userID) {
			a.hub.SendTo(r.SessionID, raw)
		}

	default:
		a.log.Debug("unknown event", "session_id", sess.id, "event", env.Event)
	}
}

func (a *Authority) handleJoin(sess *session, req protocol.JoinRoom) {
	res := a.store.Join(req.RoomID, req.UserID, sess.id, req.UserName, req.Config)

	switch res.Outcome {
	case JoinDenied:
		// Only the requester learns the room is locked.
		a.sendTo(sess.id, protocol.EventRoomLocked, protocol.RoomLocked{RoomID: req.RoomID})

	case JoinQueued:
		a.sendTo(sess.id, protocol.EventWaitingRoom, protocol.WaitingRoom{
			RoomID:   req.RoomID,
			Position: res.Position,
		})
		if res.HostSession != "" {
			a.sendTo(res.HostSession, protocol.EventWaitingRoomUpdate, protocol.WaitingRoomUpdate{
				RoomID:  req.RoomID,
				Waiting: res.Waiting,
			})
		}
		if a.notifier != nil {
			a.notifier.NotifyWaitingGuest(res.HostID, req.RoomID, res.RoomName, req.UserName)
		}

	case JoinAdmitted:
		if res.Left != nil {
			a.deliverDeparture(*res.Left)
		}
		a.sendTo(sess.id, protocol.EventRoomJoined, protocol.RoomJoined{
			RoomID:      req.RoomID,
			IsHost:      res.IsHost,
			HostID:      res.Settings.HostID,
			Locked:      res.Settings.Locked,
			WaitingRoom: res.Settings.WaitingRoom,
		})
		for _, other := range res.Others {
			a.sendTo(other.SessionID, protocol.EventUserConnected, protocol.UserConnected{
				UserID:   req.UserID,
				UserName: req.UserName,
			})
		}
		if res.Created && a.journal != nil {
			if err := a.journal.RoomOpened(req.RoomID, roomName(req), a.nowFn()); err != nil {
				a.log.Warn("journal write failed", "room_id", req.RoomID, "error", err)
			}
		}
		a.publishDirectory()
	}
}

func roomName(req protocol.JoinRoom) string {
	if req.Config != nil && req.Config.Name != "" {
		return req.Config.Name
	}
	return req.RoomID
}

func (a *Authority) handleToggle(sess *session, data json.RawMessage, toggle func(roomID, hostSessionID string) ToggleResult) {
	req, err := protocol.Decode[protocol.RoomRef](data)
	if err != nil {
		return
	}
	res := toggle(req.RoomID, sess.id)
	if !res.OK {
		return
	}
	for _, m := range res.Members {
		a.sendTo(m.SessionID, protocol.EventRoomSettingsUpdate, protocol.RoomSettingsUpdate{
			RoomID:      req.RoomID,
			HostID:      res.Settings.HostID,
			Locked:      res.Settings.Locked,
			WaitingRoom: res.Settings.WaitingRoom,
		})
	}
	a.publishDirectory()
}

// deliverDeparture fans out everything a membership removal implies:
// departure notices, host succession, pending waiting list handoff, and
// room-closed to anyone still queued at the door.
func (a *Authority) deliverDeparture(res LeaveResult) {
	if !res.Removed {
		return
	}

	if res.WasWaiting {
		if res.HostSession != "" {
			a.sendTo(res.HostSession, protocol.EventWaitingRoomUpdate, protocol.WaitingRoomUpdate{
				RoomID:  res.RoomID,
				Waiting: res.Waiting,
			})
		}
		return
	}

	for _, m := range res.Remaining {
		a.sendTo(m.SessionID, protocol.EventUserDisconnected, protocol.UserDisconnected{UserID: res.UserID})
	}

	if res.NewHost != nil {
		a.sendTo(res.NewHost.SessionID, protocol.EventHostChanged, protocol.HostChanged{
			RoomID:      res.RoomID,
			IsHost:      true,
			Locked:      res.Settings.Locked,
			WaitingRoom: res.Settings.WaitingRoom,
		})
		if len(res.Waiting) > 0 {
			a.sendTo(res.NewHost.SessionID, protocol.EventWaitingRoomUpdate, protocol.WaitingRoomUpdate{
				RoomID:  res.RoomID,
				Waiting: res.Waiting,
			})
		}
	}

	if res.RoomClosed {
		for _, w := range res.Orphaned {
			a.sendTo(w.SessionID, protocol.EventRoomClosed, protocol.RoomClosed{RoomID: res.RoomID})
		}
		if a.journal != nil {
			if err := a.journal.RoomClosed(res.RoomID, res.PeakMembers, a.nowFn()); err != nil {
				a.log.Warn("journal close failed", "room_id", res.RoomID, "error", err)
			}
		}
	}
}

// relayToRoom delivers a re-addressed negotiation signal to every member
// of the sender's room except the sender. The recipient filters by
// targetUserId; the authority stays blind to the payload semantics.
func (a *Authority) relayToRoom(roomID, senderUserID, event string, payload any) {
	env, err := protocol.Make(event, payload)
	if err != nil {
		a.log.Warn("relay marshal failed", "event", event, "error", err)
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	for _, r := range a.store.RoomSessions(roomID, senderUserID) {
		a.hub.SendTo(r.SessionID, raw)
	}
}

// publishDirectory pushes a fresh rooms-update snapshot to every connected
// client. Fire-and-forget: the hub drops slow consumers rather than block.
func (a *Authority) publishDirectory() {
	env, err := protocol.Make(protocol.EventRoomsUpdate, protocol.RoomsUpdate{Rooms: a.store.Directory()})
	if err != nil {
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	a.hub.Broadcast(raw)
}

func (a *Authority) sendTo(sessionID, event string, payload any) {
	if sessionID == "" {
		return
	}
	env, err := protocol.Make(event, payload)
	if err != nil {
		a.log.Warn("notification marshal failed", "event", event, "error", err)
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	if !a.hub.SendTo(sessionID, raw) {
		a.log.Debug("notification not delivered", "session_id", sessionID, "event", event)
	}
}

func newSessionID() string {
	id, err := gonanoid.New(16)
	if err != nil {
		// nanoid only fails when the platform RNG is broken.
		panic(err)
	}
	return id
}
