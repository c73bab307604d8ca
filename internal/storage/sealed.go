package storage

import (
	"context"
)

// Sealer encrypts slot values at rest. The slot name is bound to the sealed
// value so a value copied into another slot fails to open.
type Sealer interface {
	Seal(name, plaintext string) (string, error)
	Open(name, sealed string) (string, error)
}

// Sealed wraps a Backend so every value is sealed on write and opened on read.
// Values that fail to open read as ErrCorrupt.
type Sealed struct {
	Backend
	sealer Sealer
}

func NewSealed(b Backend, s Sealer) *Sealed {
	return &Sealed{Backend: b, sealer: s}
}

func (s *Sealed) Set(ctx context.Context, key, value string) error {
	sealed, err := s.sealer.Seal(key, value)
	if err != nil {
		return err
	}
	return s.Backend.Set(ctx, key, sealed)
}

func (s *Sealed) Get(ctx context.Context, key string) (string, error) {
	sealed, err := s.Backend.Get(ctx, key)
	if err != nil {
		return "", err
	}
	value, err := s.sealer.Open(key, sealed)
	if err != nil {
		return "", ErrCorrupt
	}
	return value, nil
}
