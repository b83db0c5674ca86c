package models

import "time"

// MaxUsernameLength bounds usernames in characters.
const MaxUsernameLength = 50

// User is the canonical directory record. PasswordHash never leaves the
// service boundary. Version starts at 1 and grows with every update.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Version      int64     `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
