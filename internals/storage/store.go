// Package storage is the durable home of room metadata. The registry
// trusts nothing in memory until it has loaded a room's record from
// here, so validity survives process restarts and actor eviction.
package storage

import (
	"context"
	"time"
)

// RoomRecord is the persisted shape of a room. Membership is not
// persisted: sockets cannot outlive the process, only validity can.
type RoomRecord struct {
	Token         string    `json:"token"`
	ExpiryMinutes int       `json:"expiry_minutes"`
	CreatedAt     time.Time `json:"created_at"`
	Used          bool      `json:"used"`
}

// Valid reports whether the room still admits joins at the given time.
func (r *RoomRecord) Valid(now time.Time) bool {
	if r == nil || r.CreatedAt.IsZero() || r.ExpiryMinutes <= 0 {
		return false
	}
	return now.Sub(r.CreatedAt) < time.Duration(r.ExpiryMinutes)*time.Minute
}

// Store persists room records keyed by room id.
//
// Load returns (nil, nil) when no record exists for the id.
type Store interface {
	Load(ctx context.Context, roomID string) (*RoomRecord, error)
	Save(ctx context.Context, roomID string, rec *RoomRecord) error
	Close() error
}
