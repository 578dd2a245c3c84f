// Package session manages refresh-token sessions: creation on successful
// authentication, rotation on refresh, and invalidation on logout.
//
// Session records live in the persistence layer behind the Store
// interface; this package only serializes rotation through the shared
// kvstore lock so two refreshes of the same token cannot both succeed.
package session

import "time"

// DeviceInfo describes the client a session was minted for.
type DeviceInfo struct {
	Platform   string
	OS         string
	AppVersion string
}

// Session is one authenticated device session. Invalidation flips IsValid
// and never deletes the record, so expired and revoked sessions stay
// visible to audit and the expiry sweep.
type Session struct {
	ID           string
	UserID       string
	RefreshToken string
	DeviceID     string
	Device       DeviceInfo
	LastActive   time.Time
	ExpiresAt    time.Time
	IsValid      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
