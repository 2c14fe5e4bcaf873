package store

import (
	"errors"
	"time"
)

// Store represents a backend store for saved pairings.
type Store interface {
	PutConnection(c Connection) error
	GetConnection(userID string) (Connection, error)
	TouchConnection(userID string, t time.Time) error
	DeleteConnection(userID string) error
}

// Connection is the durable record of the last successful pairing,
// keyed by the owning user. At most one exists per user.
type Connection struct {
	UserID          string    `json:"user_id"`
	SignalingServer string    `json:"signaling_server"`
	RoomID          string    `json:"room_id"`
	DeviceName      string    `json:"device_name"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	LastConnectedAt time.Time `json:"last_connected_at"`
}

// ErrNotFound indicates that no saved connection exists for the user.
var ErrNotFound = errors.New("connection not found")
