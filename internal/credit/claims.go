package credit

import (
	"context"
	"fmt"
	"math/big"

	"go.uber.org/zap"

	"github.com/tfgems/crumbz/internal/audit"
)

// AddressValidator checks that a claim destination is a real ledger account.
type AddressValidator func(address string) error

// ClaimQueue appends payout requests to a user's record.
type ClaimQueue struct {
	store    *Store
	validate AddressValidator
	audit    *audit.Recorder
}

// NewClaimQueue builds a queue over store. rec may be nil.
func NewClaimQueue(store *Store, validate AddressValidator, rec *audit.Recorder) *ClaimQueue {
	return &ClaimQueue{store: store, validate: validate, audit: rec}
}

// Enqueue appends {address, amount} to the user's pending claims and returns
// the updated queue.
func (q *ClaimQueue) Enqueue(ctx context.Context, address string, amount *big.Int) ([]Claim, error) {
	if q.validate != nil {
		if err := q.validate(address); err != nil {
			return nil, err
		}
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: claim amount must be positive", ErrInvalidAmount)
	}

	rec, err := q.store.Update(ctx, address, func(r *UserRecord) error {
		r.PendingClaims = append(r.PendingClaims, Claim{Address: address, Amount: new(big.Int).Set(amount)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	q.store.log.Info("claim queued",
		zap.String("address", address),
		zap.String("amount", amount.String()),
		zap.Int("pending", len(rec.PendingClaims)),
	)
	q.audit.Record(ctx, audit.Event{
		Event:   audit.EventClaimQueued,
		Account: address,
		Amount:  amount.String(),
		Ok:      true,
	})
	return rec.PendingClaims, nil
}

// Pending returns the user's claims in insertion order.
func (q *ClaimQueue) Pending(ctx context.Context, address string) ([]Claim, error) {
	rec, err := q.store.Load(ctx, address)
	if err != nil {
		return nil, err
	}
	return rec.PendingClaims, nil
}
