package models

import "time"

// User is a human account that can sign in on an agent. Password hashes are
// bcrypt; they never leave the repository layer.
type User struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"admin"`
	RegisteredAt time.Time `json:"registeredAt"`
	RegisteredBy string    `json:"registeredBy"`
}
