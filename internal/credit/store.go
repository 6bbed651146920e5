// Package credit persists per-user in-game credit earned from confirmed burns
// and the queue of pending claims against it.
package credit

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"go.uber.org/zap"

	"github.com/tfgems/crumbz/internal/logger"
	"github.com/tfgems/crumbz/internal/metrics"
)

// Backend stores one opaque document per key.
type Backend interface {
	// Get returns (nil, false, nil) when key has never been written.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, data []byte) error
	Name() string
}

// Store is the User Credit Store. Every read-modify-write for an address is
// serialized, so concurrent credits are never lost.
type Store struct {
	backend Backend
	locks   *keyedMutex
	log     *logger.Logger
}

func NewStore(backend Backend, log *logger.Logger) *Store {
	if log == nil {
		log = logger.NewNop()
	}
	return &Store{backend: backend, locks: newKeyedMutex(), log: log.Named("credit")}
}

// ValidateKey rejects addresses that cannot safely name a stored document.
func ValidateKey(address string) error {
	if strings.TrimSpace(address) == "" || address != strings.TrimSpace(address) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, address)
	}
	if strings.ContainsAny(address, `/\:*?"<>|`) || strings.Contains(address, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, address)
	}
	for _, r := range address {
		if r < 0x21 || r == 0x7f {
			return fmt.Errorf("%w: %q", ErrInvalidKey, address)
		}
	}
	return nil
}

// Load returns the record for address, or a zero record if none exists.
func (s *Store) Load(ctx context.Context, address string) (UserRecord, error) {
	if err := ValidateKey(address); err != nil {
		return UserRecord{}, err
	}
	return s.load(ctx, address)
}

func (s *Store) load(ctx context.Context, address string) (UserRecord, error) {
	b, ok, err := s.backend.Get(ctx, address)
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues(s.backend.Name(), "get").Inc()
		return UserRecord{}, fmt.Errorf("load %s: %w", address, err)
	}
	if !ok {
		return NewRecord(), nil
	}
	rec, err := DecodeRecord(b)
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues(s.backend.Name(), "decode").Inc()
		s.log.Error("corrupt user record", err, zap.String("address", address))
		return UserRecord{}, fmt.Errorf("load %s: %w", address, err)
	}
	return rec, nil
}

// Save replaces the record for address.
func (s *Store) Save(ctx context.Context, address string, rec UserRecord) error {
	if err := ValidateKey(address); err != nil {
		return err
	}
	unlock := s.locks.Lock(address)
	defer unlock()
	return s.save(ctx, address, rec)
}

func (s *Store) save(ctx context.Context, address string, rec UserRecord) error {
	b, err := EncodeRecord(rec)
	if err != nil {
		return fmt.Errorf("save %s: %w", address, err)
	}
	if err := s.backend.Put(ctx, address, b); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues(s.backend.Name(), "put").Inc()
		return fmt.Errorf("save %s: %w", address, err)
	}
	metrics.StoreWritesTotal.WithLabelValues(s.backend.Name()).Inc()
	return nil
}

// Update runs fn on the current record under the address lock and persists
// the result. The record is left untouched if fn fails.
func (s *Store) Update(ctx context.Context, address string, fn func(*UserRecord) error) (UserRecord, error) {
	if err := ValidateKey(address); err != nil {
		return UserRecord{}, err
	}
	unlock := s.locks.Lock(address)
	defer unlock()

	rec, err := s.load(ctx, address)
	if err != nil {
		return UserRecord{}, err
	}
	next := rec.Clone()
	if err := fn(&next); err != nil {
		return UserRecord{}, err
	}
	if err := s.save(ctx, address, next); err != nil {
		return UserRecord{}, err
	}
	return next, nil
}

// AddCredit adds delta to the user's inGameTokens and returns the new record.
func (s *Store) AddCredit(ctx context.Context, address string, delta *big.Int) (UserRecord, error) {
	if delta == nil || delta.Sign() < 0 {
		return UserRecord{}, fmt.Errorf("%w: credit delta must be non-negative", ErrInvalidAmount)
	}
	rec, err := s.Update(ctx, address, func(r *UserRecord) error {
		r.InGameTokens.Add(r.InGameTokens, delta)
		return nil
	})
	if err != nil {
		return UserRecord{}, err
	}
	s.log.Info("credit recorded",
		zap.String("address", address),
		zap.String("delta", delta.String()),
		zap.String("total", rec.InGameTokens.String()),
	)
	return rec, nil
}
