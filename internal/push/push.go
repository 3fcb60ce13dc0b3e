// Package push delivers browser push notifications to room hosts whose
// tab may be in the background while guests pile up in the waiting room.
package push

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Subscription struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID    string    `gorm:"index;not null" json:"userId"`
	Endpoint  string    `gorm:"type:text;not null" json:"endpoint"`
	P256DH    string    `gorm:"type:text;not null" json:"p256dh"`
	Auth      string    `gorm:"type:text;not null" json:"auth"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Subscription) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

type Notifier struct {
	db      *gorm.DB
	public  string
	private string
	subject string

	log *slog.Logger
}

func NewNotifier(db *gorm.DB, publicKey, privateKey, subject string, log *slog.Logger) (*Notifier, error) {
	if err := db.AutoMigrate(&Subscription{}); err != nil {
		return nil, fmt.Errorf("migrate push subscriptions: %w", err)
	}
	return &Notifier{
		db:      db,
		public:  publicKey,
		private: privateKey,
		subject: subject,
		log:     log,
	}, nil
}

// GenerateVAPIDKeys creates a fresh key pair for deployments without one
// configured.
func GenerateVAPIDKeys() (privateKey, publicKey string, err error) {
	return webpush.GenerateVAPIDKeys()
}

func (n *Notifier) PublicKey() string {
	return n.public
}

// Subscribe replaces the user's subscriptions with the latest one.
func (n *Notifier) Subscribe(userID, endpoint, p256dh, auth string) error {
	if err := n.db.Where("user_id = ?", userID).Delete(&Subscription{}).Error; err != nil {
		n.log.Warn("failed to drop old push subscriptions", "user_id", userID, "error", err)
	}
	sub := Subscription{
		UserID:   userID,
		Endpoint: endpoint,
		P256DH:   p256dh,
		Auth:     auth,
	}
	if err := n.db.Create(&sub).Error; err != nil {
		return fmt.Errorf("save push subscription: %w", err)
	}
	return nil
}

type waitingPayload struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId"`
	RoomName  string `json:"roomName"`
	GuestName string `json:"guestName"`
}

// NotifyWaitingGuest pings the host that someone is queued in the waiting
// room. Fire-and-forget: delivery failures are logged, stale subscriptions
// are pruned, nothing propagates back to the signaling path.
func (n *Notifier) NotifyWaitingGuest(hostUserID, roomID, roomName, guestName string) {
	go n.notify(hostUserID, waitingPayload{
		Type:      "waiting-guest",
		RoomID:    roomID,
		RoomName:  roomName,
		GuestName: guestName,
	})
}

func (n *Notifier) notify(userID string, payload waitingPayload) {
	var subs []Subscription
	if err := n.db.Where("user_id = ?", userID).Find(&subs).Error; err != nil {
		n.log.Warn("push subscription lookup failed", "user_id", userID, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return
	}

	for _, sub := range subs {
		resp, err := webpush.SendNotification(body, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				P256dh: sub.P256DH,
				Auth:   sub.Auth,
			},
		}, &webpush.Options{
			Subscriber:      n.subject,
			VAPIDPublicKey:  n.public,
			VAPIDPrivateKey: n.private,
			TTL:             60,
		})
		if err != nil {
			n.log.Warn("push delivery failed", "user_id", userID, "error", err)
			continue
		}
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			// Endpoint is dead, drop the subscription.
			n.db.Delete(&Subscription{}, "id = ?", sub.ID)
		}
		resp.Body.Close()
	}
}
