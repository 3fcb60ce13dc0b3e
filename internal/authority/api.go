package authority

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HandleWebSocket upgrades the connection and runs the session pumps. The
// transport-session id is minted here; the client learns its binding only
// through the events it triggers.
func (a *Authority) HandleWebSocket(c *gin.Context) {
	conn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.log.Warn("ws upgrade failed", "ip", c.ClientIP(), "error", err)
		return
	}

	sess := &session{
		id:   newSessionID(),
		conn: conn,
		send: make(chan []byte, 64),
	}

	a.hub.add(sess)
	a.log.Debug("session connected", "session_id", sess.id, "ip", c.ClientIP())

	go a.writePump(sess)
	a.readPump(sess)
}

// GetRooms is the REST view of the public directory, for lobby pages that
// have not opened a socket yet.
func (a *Authority) GetRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": a.store.Directory()})
}

// GetHistory returns recent room lifecycle journal entries.
func (a *Authority) GetHistory(c *gin.Context) {
	if a.journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "journal disabled"})
		return
	}
	entries, err := a.journal.Recent(50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": entries})
}

// GetTURNConfig hands out ICE server entries for the embedded TURN server.
// TURN servers speak STUN too, so one host covers both.
func (a *Authority) GetTURNConfig(c *gin.Context) {
	if a.turnServer == nil {
		c.JSON(http.StatusOK, gin.H{"iceServers": []any{}})
		return
	}

	host := c.Request.Host
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}

	creds := a.turnServer.Credentials()
	stunURL := fmt.Sprintf("stun:%s:%d", host, a.turnPort)
	turnURL := fmt.Sprintf("turn:%s:%d", host, a.turnPort)

	c.JSON(http.StatusOK, gin.H{
		"iceServers": []gin.H{
			{"urls": stunURL},
			{"urls": turnURL, "username": creds.Username, "credential": creds.Password},
		},
	})
}

type pushSubscribeKeys struct {
	P256DH string `json:"p256dh" binding:"required"`
	Auth   string `json:"auth" binding:"required"`
}

type pushSubscribeRequest struct {
	UserID   string            `json:"userId" binding:"required"`
	Endpoint string            `json:"endpoint" binding:"required"`
	Keys     pushSubscribeKeys `json:"keys" binding:"required"`
}

// SubscribePush registers a browser push subscription for a self-asserted
// user id. Identity is not verified anywhere in this system, so neither is
// it here.
func (a *Authority) SubscribePush(c *gin.Context) {
	if a.notifier == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "push disabled"})
		return
	}

	var req pushSubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := a.notifier.Subscribe(req.UserID, req.Endpoint, req.Keys.P256DH, req.Keys.Auth); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save subscription"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"publicKey": a.notifier.PublicKey()})
}
