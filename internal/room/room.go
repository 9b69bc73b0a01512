// Package room holds the process-wide room configuration and its
// shared-secret authenticator.
//
// The server hosts exactly one room per process. The room is constructed
// once at startup and never mutated afterwards.
package room

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"time"
)

var ErrEmptyPassword = errors.New("room password must not be empty")

// Room is the singleton room configuration.
//
// Only a digest of the password is retained; candidate secrets are hashed
// and compared in constant time so authentication does not leak the
// password length or a matching prefix through timing.
type Room struct {
	passwordHash [sha256.Size]byte
	createdAt    time.Time
}

func New(password string) (*Room, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}
	return &Room{
		passwordHash: sha256.Sum256([]byte(password)),
		createdAt:    time.Now(),
	}, nil
}

func (r *Room) CreatedAt() time.Time { return r.createdAt }

// Authenticate reports whether candidate matches the configured room
// password. It performs no rate limiting or lockout; callers may layer
// that on top.
func (r *Room) Authenticate(candidate string) bool {
	if candidate == "" {
		return false
	}
	h := sha256.Sum256([]byte(candidate))
	return subtle.ConstantTimeCompare(h[:], r.passwordHash[:]) == 1
}
