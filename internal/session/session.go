// Package session keeps the local user session in the key/value namespace
// so it survives restarts and works offline.
package session

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/okcolf/colfexpress/internal/errors"
	"github.com/okcolf/colfexpress/internal/models"
	"github.com/okcolf/colfexpress/internal/store"
)

// Key is the kv key holding the session.
const Key = "session"

// Session modes.
const (
	ModeAnonymous = "anon"
	ModeEmail     = "email"
)

// Session is the persisted user session.
type Session struct {
	Mode     string           `json:"mode"`
	Email    string           `json:"email"`
	Verified bool             `json:"verified"`
	SavedAt  models.Timestamp `json:"saved_at"`
}

// Validate checks the mode and, for email sessions, the address.
func (s *Session) Validate() error {
	switch s.Mode {
	case ModeAnonymous:
		if s.Email != "" || s.Verified {
			return errors.New(errors.ErrValidation, "anonymous session carries no email")
		}
	case ModeEmail:
		addr, err := mail.ParseAddress(s.Email)
		if err != nil || addr.Address != s.Email {
			return errors.New(errors.ErrValidation, fmt.Sprintf("invalid email %q", s.Email))
		}
	default:
		return errors.New(errors.ErrValidation, fmt.Sprintf("unknown session mode %q", s.Mode))
	}
	return nil
}

// Manager reads and writes the session.
type Manager struct {
	store *store.Store
}

// NewManager creates a Manager.
func NewManager(s *store.Store) *Manager {
	return &Manager{store: s}
}

// Save validates and stores a session, replacing any previous one.
func (m *Manager) Save(ctx context.Context, mode, email string, verified bool) (*Session, error) {
	s := &Session{
		Mode:     strings.TrimSpace(mode),
		Email:    strings.ToLower(strings.TrimSpace(email)),
		Verified: verified,
		SavedAt:  models.Now(),
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if err := m.store.KVSet(ctx, Key, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Current returns the stored session, or nil for a new user.
func (m *Manager) Current(ctx context.Context) (*Session, error) {
	var s Session
	ok, err := m.store.KVGet(ctx, Key, &s)
	if err != nil || !ok {
		return nil, err
	}
	return &s, nil
}

// Clear removes the session.
func (m *Manager) Clear(ctx context.Context) error {
	return m.store.KVDelete(ctx, Key)
}
