package authority

import (
	"errors"
	"sync"
	"time"

	"github.com/tariel-x/meshcall/internal/protocol"
)

var ErrRoomNotFound = errors.New("room not found")

// member is a user currently inside a room. Members keep join order so
// host succession is deterministic: the earliest joined remaining member
// becomes the new host.
type member struct {
	UserID    string
	UserName  string
	SessionID string
	JoinedAt  time.Time
}

// waitingEntry is a user gated by the waiting room: requested entry, not
// yet admitted or denied. Removed on admit, deny, or disconnect.
type waitingEntry struct {
	UserID    string
	UserName  string
	SessionID string
}

// roomState is the single-writer state object for one room. A room exists
// only while it has members; creation and deletion are edge-triggered by
// membership transitions.
type roomState struct {
	ID          string
	Name        string
	Public      bool
	Locked      bool
	WaitingRoom bool
	HostID      string
	Members     []member
	Waiting     []waitingEntry
	OpenedAt    time.Time
	PeakMembers int
}

func (r *roomState) settings() Settings {
	return Settings{HostID: r.HostID, Locked: r.Locked, WaitingRoom: r.WaitingRoom}
}

func (r *roomState) memberIndex(userID string) int {
	for i := range r.Members {
		if r.Members[i].UserID == userID {
			return i
		}
	}
	return -1
}

func (r *roomState) waitingSnapshot() []protocol.WaitingUser {
	out := make([]protocol.WaitingUser, 0, len(r.Waiting))
	for _, w := range r.Waiting {
		out = append(out, protocol.WaitingUser{UserID: w.UserID, UserName: w.UserName})
	}
	return out
}

// Settings is the host-visible room configuration echoed in notifications.
type Settings struct {
	HostID      string
	Locked      bool
	WaitingRoom bool
}

// Recipient addresses one outbound notification target.
type Recipient struct {
	UserID    string
	UserName  string
	SessionID string
}

// RoomStore owns all room membership, waiting lists and session bindings.
// Every mutation for a given room is serialized by the store mutex; the
// store never touches sockets, it returns what the caller must deliver.
type RoomStore struct {
	mu    sync.Mutex
	rooms map[string]*roomState
	// session bindings: each transport session maps to at most one user,
	// each user to at most one room.
	userBySession map[string]string
	sessionByUser map[string]string
	roomByUser    map[string]string

	nowFn func() time.Time
}

func NewRoomStore() *RoomStore {
	return &RoomStore{
		rooms:         make(map[string]*roomState),
		userBySession: make(map[string]string),
		sessionByUser: make(map[string]string),
		roomByUser:    make(map[string]string),
		nowFn:         time.Now,
	}
}

// Directory returns the visible (public, non-empty) rooms. Rooms with zero
// members do not exist in store state, so non-empty is implied.
func (s *RoomStore) Directory() []protocol.RoomInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]protocol.RoomInfo, 0, len(s.rooms))
	for _, r := range s.rooms {
		if !r.Public {
			continue
		}
		out = append(out, protocol.RoomInfo{
			RoomID:           r.ID,
			Name:             r.Name,
			ParticipantCount: len(r.Members),
			Locked:           r.Locked,
			WaitingRoom:      r.WaitingRoom,
		})
	}
	return out
}

// JoinOutcome classifies the result of a join request.
type JoinOutcome int

const (
	// JoinDenied: the room is locked; only the requester is notified.
	JoinDenied JoinOutcome = iota
	// JoinQueued: the waiting room gate held the user back.
	JoinQueued
	// JoinAdmitted: the user is a member now.
	JoinAdmitted
)

type JoinResult struct {
	Outcome JoinOutcome

	// JoinQueued fields.
	Position    int
	HostID      string
	HostSession string
	RoomName    string
	Waiting     []protocol.WaitingUser

	// JoinAdmitted fields.
	Created  bool
	IsHost   bool
	Settings Settings
	Others   []Recipient

	// Departure from a previous room implied by this join, nil if none.
	Left *LeaveResult
}

// Join handles a join-room request. If the room does not exist it is
// created from cfg and the joining user becomes host. A user already bound
// to another room implicitly leaves it first.
func (s *RoomStore) Join(roomID, userID, sessionID, userName string, cfg *protocol.CreationConfig) JoinResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res JoinResult

	room, exists := s.rooms[roomID]

	if exists && room.Locked {
		res.Outcome = JoinDenied
		return res
	}

	if exists && room.WaitingRoom && userID != room.HostID {
		s.bindLocked(userID, sessionID)
		res.Outcome = JoinQueued
		res.Position = s.queueLocked(room, userID, sessionID, userName)
		res.HostID = room.HostID
		res.HostSession = s.sessionByUser[room.HostID]
		res.RoomName = room.Name
		res.Waiting = room.waitingSnapshot()
		return res
	}

	// Moving rooms: drop the old membership first so the one-room-per-user
	// invariant holds.
	if prev, ok := s.roomByUser[userID]; ok && prev != roomID {
		left := s.leaveLocked(prev, userID)
		res.Left = &left
	}

	now := s.nowFn()
	if !exists {
		room = &roomState{
			ID:       roomID,
			Name:     roomID,
			Public:   true,
			HostID:   userID,
			OpenedAt: now,
		}
		if cfg != nil {
			room.Public = cfg.IsPublic
			room.WaitingRoom = cfg.WaitingRoom
			if cfg.Name != "" {
				room.Name = cfg.Name
			}
		}
		s.rooms[roomID] = room
		res.Created = true
	}

	if idx := room.memberIndex(userID); idx >= 0 {
		// Rejoin over a new transport session: rebind the member in place so
		// fan-outs stop targeting the dead session.
		room.Members[idx].SessionID = sessionID
		if userName != "" {
			room.Members[idx].UserName = userName
		}
	} else {
		res.Others = recipients(room.Members)
		room.Members = append(room.Members, member{
			UserID:    userID,
			UserName:  userName,
			SessionID: sessionID,
			JoinedAt:  now,
		})
	}
	if len(room.Members) > room.PeakMembers {
		room.PeakMembers = len(room.Members)
	}

	s.bindLocked(userID, sessionID)
	s.roomByUser[userID] = roomID

	res.Outcome = JoinAdmitted
	res.IsHost = room.HostID == userID
	res.Settings = room.settings()
	return res
}

// bindLocked makes sessionID the user's current transport session. A
// previous session of the same user is unbound so its later disconnect
// cannot evict the live binding.
func (s *RoomStore) bindLocked(userID, sessionID string) {
	if old, ok := s.sessionByUser[userID]; ok && old != sessionID {
		delete(s.userBySession, old)
	}
	s.userBySession[sessionID] = userID
	s.sessionByUser[userID] = sessionID
}

// queueLocked creates or refreshes the waiting entry and returns its
// 1-based queue position.
func (s *RoomStore) queueLocked(room *roomState, userID, sessionID, userName string) int {
	for i := range room.Waiting {
		if room.Waiting[i].UserID == userID {
			room.Waiting[i].SessionID = sessionID
			room.Waiting[i].UserName = userName
			return i + 1
		}
	}
	room.Waiting = append(room.Waiting, waitingEntry{
		UserID:    userID,
		UserName:  userName,
		SessionID: sessionID,
	})
	return len(room.Waiting)
}

type AdmitResult struct {
	OK       bool
	Admitted Recipient
	Settings Settings
	Others   []Recipient
	// Host waiting-list refresh after removal.
	HostSession string
	Waiting     []protocol.WaitingUser
}

// Admit promotes a waiting user to member. The request is silently ignored
// unless hostSessionID belongs to the current host of the room.
func (s *RoomStore) Admit(roomID, hostSessionID, userID string) AdmitResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.authorizedLocked(roomID, hostSessionID)
	if !ok {
		return AdmitResult{}
	}

	entry, ok := removeWaitingLocked(room, userID)
	if !ok {
		return AdmitResult{}
	}

	others := recipients(room.Members)
	room.Members = append(room.Members, member{
		UserID:    entry.UserID,
		UserName:  entry.UserName,
		SessionID: entry.SessionID,
		JoinedAt:  s.nowFn(),
	})
	if len(room.Members) > room.PeakMembers {
		room.PeakMembers = len(room.Members)
	}
	s.roomByUser[entry.UserID] = roomID

	return AdmitResult{
		OK:          true,
		Admitted:    Recipient{UserID: entry.UserID, UserName: entry.UserName, SessionID: entry.SessionID},
		Settings:    room.settings(),
		Others:      others,
		HostSession: hostSessionID,
		Waiting:     room.waitingSnapshot(),
	}
}

type DenyResult struct {
	OK     bool
	Denied Recipient
	// Host waiting-list refresh after removal.
	HostSession string
	Waiting     []protocol.WaitingUser
}

// Deny removes a waiting entry without touching membership. Host-only,
// silently ignored otherwise.
func (s *RoomStore) Deny(roomID, hostSessionID, userID string) DenyResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.authorizedLocked(roomID, hostSessionID)
	if !ok {
		return DenyResult{}
	}

	entry, ok := removeWaitingLocked(room, userID)
	if !ok {
		return DenyResult{}
	}

	return DenyResult{
		OK:          true,
		Denied:      Recipient{UserID: entry.UserID, UserName: entry.UserName, SessionID: entry.SessionID},
		HostSession: hostSessionID,
		Waiting:     room.waitingSnapshot(),
	}
}

type ToggleResult struct {
	OK       bool
	Settings Settings
	Members  []Recipient
}

// ToggleLock flips the room lock. Host-only, silently ignored otherwise.
func (s *RoomStore) ToggleLock(roomID, hostSessionID string) ToggleResult {
	return s.toggle(roomID, hostSessionID, func(r *roomState) { r.Locked = !r.Locked })
}

// ToggleWaitingRoom flips the waiting-room gate. Host-only.
func (s *RoomStore) ToggleWaitingRoom(roomID, hostSessionID string) ToggleResult {
	return s.toggle(roomID, hostSessionID, func(r *roomState) { r.WaitingRoom = !r.WaitingRoom })
}

func (s *RoomStore) toggle(roomID, hostSessionID string, flip func(*roomState)) ToggleResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.authorizedLocked(roomID, hostSessionID)
	if !ok {
		return ToggleResult{}
	}

	flip(room)
	return ToggleResult{
		OK:       true,
		Settings: room.settings(),
		Members:  recipients(room.Members),
	}
}

type LeaveResult struct {
	RoomID  string
	UserID  string
	Removed bool

	// Set when the departing user was only in the waiting list.
	WasWaiting  bool
	HostSession string
	Waiting     []protocol.WaitingUser

	// Set when membership actually changed.
	Remaining  []Recipient
	NewHost    *Recipient
	Settings   Settings
	RoomClosed bool
	// Still-waiting users to notify room-closed when the room dies.
	Orphaned    []Recipient
	PeakMembers int
}

// Leave handles an explicit leave-room request.
func (s *RoomStore) Leave(roomID, userID string) LeaveResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaveLocked(roomID, userID)
}

// DropSession handles a transport-detected disconnect: resolves the bound
// user, removes it from membership or waiting list, and unbinds the
// session.
func (s *RoomStore) DropSession(sessionID string) LeaveResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID, ok := s.userBySession[sessionID]
	if !ok {
		return LeaveResult{}
	}
	delete(s.userBySession, sessionID)
	if s.sessionByUser[userID] != sessionID {
		// A stale session the user already replaced by rejoining. The live
		// binding and membership stay untouched.
		return LeaveResult{}
	}
	delete(s.sessionByUser, userID)

	if roomID, ok := s.roomByUser[userID]; ok {
		return s.leaveLocked(roomID, userID)
	}

	// The user may still be parked in a waiting list.
	for _, room := range s.rooms {
		if _, ok := removeWaitingLocked(room, userID); ok {
			return LeaveResult{
				RoomID:      room.ID,
				UserID:      userID,
				Removed:     true,
				WasWaiting:  true,
				HostSession: s.sessionByUser[room.HostID],
				Waiting:     room.waitingSnapshot(),
			}
		}
	}
	return LeaveResult{}
}

func (s *RoomStore) leaveLocked(roomID, userID string) LeaveResult {
	room, ok := s.rooms[roomID]
	if !ok {
		return LeaveResult{}
	}

	res := LeaveResult{RoomID: roomID, UserID: userID}

	if _, wasWaiting := removeWaitingLocked(room, userID); wasWaiting {
		res.Removed = true
		res.WasWaiting = true
		res.HostSession = s.sessionByUser[room.HostID]
		res.Waiting = room.waitingSnapshot()
		return res
	}

	idx := -1
	for i, m := range room.Members {
		if m.UserID == userID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return res
	}

	room.Members = append(room.Members[:idx], room.Members[idx+1:]...)
	delete(s.roomByUser, userID)
	res.Removed = true

	if len(room.Members) == 0 {
		// Last member out: the room ceases to exist, and anyone still
		// waiting learns the door closed.
		res.RoomClosed = true
		res.Orphaned = make([]Recipient, 0, len(room.Waiting))
		for _, w := range room.Waiting {
			res.Orphaned = append(res.Orphaned, Recipient{UserID: w.UserID, UserName: w.UserName, SessionID: w.SessionID})
		}
		res.PeakMembers = room.PeakMembers
		delete(s.rooms, roomID)
		return res
	}

	if room.HostID == userID {
		// Earliest joined remaining member inherits the room. Members keep
		// join order, so index 0 is the contract.
		next := room.Members[0]
		room.HostID = next.UserID
		res.NewHost = &Recipient{UserID: next.UserID, UserName: next.UserName, SessionID: next.SessionID}
	}

	res.Remaining = recipients(room.Members)
	res.Settings = room.settings()
	res.HostSession = s.sessionByUser[room.HostID]
	res.Waiting = room.waitingSnapshot()
	return res
}

// SenderRoom resolves the room and user bound to a transport session, used
// to address relays.
func (s *RoomStore) SenderRoom(sessionID string) (roomID, userID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID, ok = s.userBySession[sessionID]
	if !ok {
		return "", "", false
	}
	roomID, ok = s.roomByUser[userID]
	return roomID, userID, ok
}

// RoomSessions returns the member sessions of a room, excluding one user.
func (s *RoomStore) RoomSessions(roomID, excludeUserID string) []Recipient {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]Recipient, 0, len(room.Members))
	for _, m := range room.Members {
		if m.UserID == excludeUserID {
			continue
		}
		out = append(out, Recipient{UserID: m.UserID, UserName: m.UserName, SessionID: m.SessionID})
	}
	return out
}

// HostSession is the direct room -> host-session index. No linear search
// over session bindings.
func (s *RoomStore) HostSession(roomID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return "", false
	}
	sess, ok := s.sessionByUser[room.HostID]
	return sess, ok
}

// Host returns the current host of a room.
func (s *RoomStore) Host(roomID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return "", ErrRoomNotFound
	}
	return room.HostID, nil
}

// authorizedLocked loads the room only when the requesting session is
// bound to its current host. Unauthorized host-only actions fail silently,
// with no error leaking room existence to strangers.
func (s *RoomStore) authorizedLocked(roomID, sessionID string) (*roomState, bool) {
	room, ok := s.rooms[roomID]
	if !ok {
		return nil, false
	}
	userID, ok := s.userBySession[sessionID]
	if !ok || userID != room.HostID {
		return nil, false
	}
	return room, true
}

func removeWaitingLocked(room *roomState, userID string) (waitingEntry, bool) {
	for i, w := range room.Waiting {
		if w.UserID == userID {
			room.Waiting = append(room.Waiting[:i], room.Waiting[i+1:]...)
			return w, true
		}
	}
	return waitingEntry{}, false
}

func recipients(members []member) []Recipient {
	out := make([]Recipient, 0, len(members))
	for _, m := range members {
		out = append(out, Recipient{UserID: m.UserID, UserName: m.UserName, SessionID: m.SessionID})
	}
	return out
}
