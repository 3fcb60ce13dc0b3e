// Package protocol defines the signaling wire contract shared by the room
// authority (server) and the peer session negotiator (client). Field names
// are part of the compatibility surface; keep them stable.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Client -> authority events.
const (
	EventGetRooms          = "get-rooms"
	EventJoinRoom          = "join-room"
	EventLeaveRoom         = "leave-room"
	EventAdmitUser         = "admit-user"
	EventDenyUser          = "deny-user"
	EventToggleLock        = "toggle-lock"
	EventToggleWaitingRoom = "toggle-waiting-room"
	EventPing              = "ping"
)

// Relayed negotiation events. The authority re-addresses these with the
// sender's user id and fans them out to the sender's room; it never
// inspects the session descriptions or candidates.
const (
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice-candidate"
)

// Room-scoped fan-out events. Forwarded verbatim to all other members of
// the named room, no server-side interpretation, no persistence.
const (
	EventChatMessage     = "chat-message"
	EventReaction        = "reaction"
	EventCaption         = "caption"
	EventWhiteboardDraw  = "whiteboard-draw"
	EventWhiteboardClear = "whiteboard-clear"
)

// Authority -> client events.
const (
	EventRoomsUpdate        = "rooms-update"
	EventRoomJoined         = "room-joined"
	EventRoomLocked         = "room-locked"
	EventWaitingRoom        = "waiting-room"
	EventWaitingRoomUpdate  = "waiting-room-update"
	EventAdmitted           = "admitted"
	EventDenied             = "denied"
	EventRoomSettingsUpdate = "room-settings-update"
	EventHostChanged        = "host-changed"
	EventRoomClosed         = "room-closed"
	EventUserConnected      = "user-connected"
	EventUserDisconnected   = "user-disconnected"
	EventPong               = "pong"
)

// Envelope is the frame every signaling message travels in.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Make builds an envelope with the payload marshaled into Data.
func Make(event string, v any) (Envelope, error) {
	if v == nil {
		return Envelope{Event: event}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// MustMake is Make for payloads that cannot fail to marshal.
func MustMake(event string, v any) Envelope {
	env, err := Make(event, v)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals an envelope payload into T.
func Decode[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}

// CreationConfig carries the optional room settings supplied on first join.
type CreationConfig struct {
	IsPublic    bool   `json:"isPublic"`
	Name        string `json:"name"`
	WaitingRoom bool   `json:"waitingRoom"`
}

type JoinRoom struct {
	RoomID   string          `json:"roomId"`
	UserID   string          `json:"userId"`
	UserName string          `json:"userName,omitempty"`
	Config   *CreationConfig `json:"config,omitempty"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// HostDecision is the admit-user / deny-user payload. The target field has
// been odId on the wire since the first deployment; do not rename it.
type HostDecision struct {
	RoomID string `json:"roomId"`
	OdID   string `json:"odId"`
}

type RoomRef struct {
	RoomID string `json:"roomId"`
}

// SessionSignal is the offer / answer payload. TargetUserID addresses the
// recipient on the way in; CallerID identifies the sender on the way out.
type SessionSignal struct {
	TargetUserID  string                     `json:"targetUserId,omitempty"`
	CallerID      string                     `json:"callerId,omitempty"`
	UserName      string                     `json:"userName"`
	IsScreenShare bool                       `json:"isScreenShare"`
	Offer         *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer        *webrtc.SessionDescription `json:"answer,omitempty"`
}

type CandidateSignal struct {
	TargetUserID string                  `json:"targetUserId,omitempty"`
	CallerID     string                  `json:"callerId,omitempty"`
	Candidate    webrtc.ICECandidateInit `json:"candidate"`
}

// RoomScoped is the minimal view the authority decodes from room fan-out
// payloads. Everything else in the payload passes through untouched.
type RoomScoped struct {
	RoomID string `json:"roomId"`
}

type RoomInfo struct {
	RoomID           string `json:"roomId"`
	Name             string `json:"name"`
	ParticipantCount int    `json:"participantCount"`
	Locked           bool   `json:"locked"`
	WaitingRoom      bool   `json:"waitingRoom"`
}

type RoomsUpdate struct {
	Rooms []RoomInfo `json:"rooms"`
}

type RoomJoined struct {
	RoomID      string `json:"roomId"`
	IsHost      bool   `json:"isHost"`
	HostID      string `json:"hostId"`
	Locked      bool   `json:"locked"`
	WaitingRoom bool   `json:"waitingRoom"`
}

type RoomLocked struct {
	RoomID string `json:"roomId"`
}

type WaitingRoom struct {
	RoomID   string `json:"roomId"`
	Position int    `json:"position"`
}

type WaitingUser struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

type WaitingRoomUpdate struct {
	RoomID  string        `json:"roomId"`
	Waiting []WaitingUser `json:"waiting"`
}

type Admitted struct {
	RoomID      string `json:"roomId"`
	HostID      string `json:"hostId"`
	Locked      bool   `json:"locked"`
	WaitingRoom bool   `json:"waitingRoom"`
}

type Denied struct {
	RoomID string `json:"roomId"`
}

type RoomSettingsUpdate struct {
	RoomID      string `json:"roomId"`
	HostID      string `json:"hostId"`
	Locked      bool   `json:"locked"`
	WaitingRoom bool   `json:"waitingRoom"`
}

type HostChanged struct {
	RoomID      string `json:"roomId"`
	IsHost      bool   `json:"isHost"`
	Locked      bool   `json:"locked"`
	WaitingRoom bool   `json:"waitingRoom"`
}

type RoomClosed struct {
	RoomID string `json:"roomId"`
}

type UserConnected struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

type UserDisconnected struct {
	UserID string `json:"userId"`
}
