// Package credstore persists the session credential artifacts in three named
// slots (user, token, refreshToken) on top of a storage.Backend.
package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"session_service/internal/models"
	"session_service/internal/storage"
)

const (
	SlotUser         = "user"
	SlotToken        = "token"
	SlotRefreshToken = "refreshToken"
)

var slots = []string{SlotUser, SlotToken, SlotRefreshToken}

type Store struct {
	backend storage.Backend
	log     *slog.Logger
}

func New(backend storage.Backend, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{backend: backend, log: log}
}

// SetUser writes the identity fields of record into the user slot. Tokens are
// never written there.
func (s *Store) SetUser(ctx context.Context, record *models.SessionRecord) error {
	const op = "credstore.SetUser"

	data, err := json.Marshal(record.Identity())
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := s.backend.Set(ctx, SlotUser, string(data)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// GetUser returns the persisted identity, or nil when the slot is absent,
// unreadable or malformed.
func (s *Store) GetUser(ctx context.Context) *models.SessionRecord {
	user, _ := s.readUser(ctx)
	return user
}

// readUser reports, besides the decoded user, whether anything occupied the
// slot at all.
func (s *Store) readUser(ctx context.Context) (*models.SessionRecord, bool) {
	const op = "credstore.GetUser"

	log := s.log.With(slog.String("op", op))

	raw, err := s.backend.Get(ctx, SlotUser)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		return nil, false
	case errors.Is(err, storage.ErrCorrupt):
		log.Warn("user slot unreadable")
		return nil, true
	default:
		log.Error("failed to read user slot", slog.Any("error", err))
		return nil, false
	}

	var user models.SessionRecord
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		log.Warn("malformed user slot", slog.Any("error", err))
		return nil, true
	}
	if !user.HasIdentity() {
		log.Warn("user slot carries no identity")
		return nil, true
	}
	return &user, true
}

func (s *Store) SetToken(ctx context.Context, token string) error {
	return s.setOpaque(ctx, SlotToken, token)
}

func (s *Store) GetToken(ctx context.Context) string {
	return s.getOpaque(ctx, SlotToken)
}

func (s *Store) SetRefreshToken(ctx context.Context, token string) error {
	return s.setOpaque(ctx, SlotRefreshToken, token)
}

func (s *Store) GetRefreshToken(ctx context.Context) string {
	return s.getOpaque(ctx, SlotRefreshToken)
}

func (s *Store) setOpaque(ctx context.Context, slot, value string) error {
	if err := s.backend.Set(ctx, slot, value); err != nil {
		return fmt.Errorf("credstore.Set(%s): %w", slot, err)
	}
	return nil
}

func (s *Store) getOpaque(ctx context.Context, slot string) string {
	value, err := s.backend.Get(ctx, slot)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("failed to read slot",
				slog.String("op", "credstore.Get"), slog.String("slot", slot), slog.Any("error", err))
		}
		return ""
	}
	return value
}

// DeleteRefreshToken drops the refresh token slot alone. Only used when a
// fresh login carries no refresh token, so a stale one from an earlier
// session does not linger.
func (s *Store) DeleteRefreshToken(ctx context.Context) error {
	if err := s.backend.Delete(ctx, SlotRefreshToken); err != nil {
		return fmt.Errorf("credstore.DeleteRefreshToken: %w", err)
	}
	return nil
}

// ClearAll removes user, token and refreshToken in one backend call.
func (s *Store) ClearAll(ctx context.Context) error {
	if err := s.backend.Delete(ctx, slots...); err != nil {
		return fmt.Errorf("credstore.ClearAll: %w", err)
	}
	return nil
}

// IsAuthenticated holds iff a user record and a non-empty access token are
// both persisted.
func (s *Store) IsAuthenticated(ctx context.Context) bool {
	return s.GetUser(ctx) != nil && s.GetToken(ctx) != ""
}

// Reconcile loads the persisted session. When the slots do not form a
// consistent pair (orphaned user, orphaned token, corrupt user) every slot is
// cleared and nil is returned.
func (s *Store) Reconcile(ctx context.Context) (*models.SessionRecord, error) {
	const op = "credstore.Reconcile"

	user, userPresent := s.readUser(ctx)
	token := s.GetToken(ctx)

	if user != nil && token != "" {
		user.AccessToken = token
		user.RefreshToken = s.GetRefreshToken(ctx)
		return user, nil
	}

	if userPresent || token != "" || s.GetRefreshToken(ctx) != "" {
		s.log.Info("clearing inconsistent credential slots",
			slog.String("op", op),
			slog.Bool("user", userPresent),
			slog.Bool("token", token != ""),
		)
		if err := s.ClearAll(ctx); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	return nil, nil
}
