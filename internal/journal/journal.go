// Package journal keeps an append-only record of room lifecycles. It is an
// audit artifact, not live state: a restart loses every active room and the
// journal only tells you what rooms existed and how big they got.
package journal

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type Entry struct {
	ID          uint       `gorm:"primaryKey" json:"-"`
	RoomID      string     `gorm:"index;not null" json:"roomId"`
	Name        string     `json:"name"`
	OpenedAt    time.Time  `json:"openedAt"`
	ClosedAt    *time.Time `json:"closedAt,omitempty"`
	PeakMembers int        `json:"peakMembers"`
}

type Journal struct {
	db *gorm.DB
}

func Open(path string) (*Journal, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// DB exposes the underlying handle so other stores (push subscriptions)
// can share the same database file.
func (j *Journal) DB() *gorm.DB {
	return j.db
}

func (j *Journal) RoomOpened(roomID, name string, at time.Time) error {
	return j.db.Create(&Entry{RoomID: roomID, Name: name, OpenedAt: at}).Error
}

// RoomClosed finalizes the most recent open entry for the room.
func (j *Journal) RoomClosed(roomID string, peakMembers int, at time.Time) error {
	var entry Entry
	err := j.db.Where("room_id = ? AND closed_at IS NULL", roomID).
		Order("opened_at DESC").
		First(&entry).Error
	if err != nil {
		return err
	}
	entry.ClosedAt = &at
	entry.PeakMembers = peakMembers
	return j.db.Save(&entry).Error
}

// Recent returns the latest entries, newest first.
func (j *Journal) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []Entry
	err := j.db.Order("opened_at DESC").Limit(limit).Find(&entries).Error
	return entries, err
}
