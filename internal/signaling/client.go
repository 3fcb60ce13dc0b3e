// Package signaling is the client-side transport to the room authority.
// It owns the websocket and exposes typed send helpers plus a channel of
// decoded envelopes; interpreting events is the caller's job.
package signaling

import (
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/tariel-x/meshcall/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 128 * 1024
)

// Client manages the WebSocket connection to the room authority.
type Client struct {
	conn      *websocket.Conn
	serverURL string
	incoming  chan protocol.Envelope
	outgoing  chan protocol.Envelope
	done      chan struct{}
	closeOnce sync.Once

	log *slog.Logger
}

func NewClient(serverURL string, log *slog.Logger) *Client {
	return &Client{
		serverURL: serverURL,
		incoming:  make(chan protocol.Envelope, 16),
		outgoing:  make(chan protocol.Envelope, 16),
		done:      make(chan struct{}),
		log:       log,
	}
}

// Connect dials the authority and starts the read and write pumps.
func (c *Client) Connect() error {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.conn = conn
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readPump()
	go c.writePump()

	return nil
}

func (c *Client) readPump() {
	defer func() {
		c.conn.Close()
		close(c.incoming)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		var env protocol.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("signaling connection lost", "error", err)
			}
			return
		}
		c.incoming <- env
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Send queues an envelope for delivery. Blocks only if the write pump has
// fallen far behind.
func (c *Client) Send(env protocol.Envelope) {
	select {
	case c.outgoing <- env:
	case <-c.done:
	}
}

// Incoming returns the channel of decoded envelopes. It is closed when the
// connection drops.
func (c *Client) Incoming() <-chan protocol.Envelope {
	return c.incoming
}

// Close sends a close frame and tears down the connection. Safe to call
// more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// --- typed helpers ---

func (c *Client) ListRooms() {
	c.Send(protocol.Envelope{Event: protocol.EventGetRooms})
}

func (c *Client) JoinRoom(roomID, userID, userName string, cfg *protocol.CreationConfig) {
	c.Send(protocol.MustMake(protocol.EventJoinRoom, protocol.JoinRoom{
		RoomID:   roomID,
		UserID:   userID,
		UserName: userName,
		Config:   cfg,
	}))
}

func (c *Client) LeaveRoom(roomID, userID string) {
	c.Send(protocol.MustMake(protocol.EventLeaveRoom, protocol.LeaveRoom{
		RoomID: roomID,
		UserID: userID,
	}))
}

func (c *Client) AdmitUser(roomID, userID string) {
	c.Send(protocol.MustMake(protocol.EventAdmitUser, protocol.HostDecision{RoomID: roomID, OdID: userID}))
}

func (c *Client) DenyUser(roomID, userID string) {
	c.Send(protocol.MustMake(protocol.EventDenyUser, protocol.HostDecision{RoomID: roomID, OdID: userID}))
}

func (c *Client) ToggleLock(roomID string) {
	c.Send(protocol.MustMake(protocol.EventToggleLock, protocol.RoomRef{RoomID: roomID}))
}

func (c *Client) ToggleWaitingRoom(roomID string) {
	c.Send(protocol.MustMake(protocol.EventToggleWaitingRoom, protocol.RoomRef{RoomID: roomID}))
}

// SendOffer addresses a session offer to one peer. The authority stamps the
// sender id before relaying.
func (c *Client) SendOffer(targetUserID, userName string, screenShare bool, offer webrtc.SessionDescription) {
	c.Send(protocol.MustMake(protocol.EventOffer, protocol.SessionSignal{
		TargetUserID:  targetUserID,
		UserName:      userName,
		IsScreenShare: screenShare,
		Offer:         &offer,
	}))
}

func (c *Client) SendAnswer(targetUserID, userName string, answer webrtc.SessionDescription) {
	c.Send(protocol.MustMake(protocol.EventAnswer, protocol.SessionSignal{
		TargetUserID: targetUserID,
		UserName:     userName,
		Answer:       &answer,
	}))
}

func (c *Client) SendCandidate(targetUserID string, candidate webrtc.ICECandidateInit) {
	c.Send(protocol.MustMake(protocol.EventICECandidate, protocol.CandidateSignal{
		TargetUserID: targetUserID,
		Candidate:    candidate,
	}))
}
