package credstore

import (
	"context"
	"errors"
	"fmt"

	"session_service/internal/storage"
)

// SlotPendingVerificationEmail remembers the address awaiting a verification
// code between the register/login page and the verification page.
const SlotPendingVerificationEmail = "pendingVerificationEmail"

// Scratch is a set of ephemeral, session-scoped slots that must not outlive
// the session they were written in.
type Scratch struct {
	backend storage.Backend
	keys    []string
}

func NewScratch(backend storage.Backend, keys ...string) *Scratch {
	return &Scratch{backend: backend, keys: keys}
}

func (s *Scratch) Set(ctx context.Context, key, value string) error {
	if !s.owns(key) {
		return fmt.Errorf("credstore.Scratch.Set: unknown slot %q", key)
	}
	return s.backend.Set(ctx, key, value)
}

// Get returns "" for absent or unreadable slots.
func (s *Scratch) Get(ctx context.Context, key string) string {
	if !s.owns(key) {
		return ""
	}
	value, err := s.backend.Get(ctx, key)
	if err != nil {
		return ""
	}
	return value
}

func (s *Scratch) Delete(ctx context.Context, key string) error {
	if !s.owns(key) {
		return nil
	}
	if err := s.backend.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

// Clear removes every slot of the scratch set.
func (s *Scratch) Clear(ctx context.Context) error {
	if len(s.keys) == 0 {
		return nil
	}
	return s.backend.Delete(ctx, s.keys...)
}

func (s *Scratch) owns(key string) bool {
	for _, k := range s.keys {
		if k == key {
			return true
		}
	}
	return false
}
