package identity

import (
	"strings"
	"time"
)

// localProfileKey is the single row holding this machine's identity.
const localProfileKey = "local"

// Identity is the durable user id and display name presented to room servers.
type Identity struct {
	ProfileKey string    `gorm:"column:profile_key;primaryKey;size:32;not null"`
	UserID     string    `gorm:"column:user_id;size:64;not null;uniqueIndex"`
	Username   string    `gorm:"column:username;size:190;not null"`
	LastSeenAt time.Time `gorm:"column:last_seen_at"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing local identities.
func (Identity) TableName() string {
	return "local_identities"
}

// RoomVisit records a room this identity has joined.
type RoomVisit struct {
	RoomID       string    `gorm:"column:room_id;primaryKey;size:190;not null"`
	ServerURL    string    `gorm:"column:server_url;size:512;not null"`
	JoinCount    int64     `gorm:"column:join_count;not null;default:0"`
	LastJoinedAt time.Time `gorm:"column:last_joined_at;index"`
}

// TableName exposes the table backing room visits.
func (RoomVisit) TableName() string {
	return "room_visits"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
