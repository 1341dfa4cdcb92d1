// Package credit implements the idempotent credit ledger. Awards are keyed
// so that re-processing the same completion never grants a second credit.
package credit

import (
	"context"
	"errors"
	"time"

	"github.com/loopmark/introq"
	"github.com/loopmark/introq/id"
)

// Award is one credit grant for a user.
type Award struct {
	ID     id.AwardID `json:"id"`
	UserID id.UserID  `json:"user_id"`

	// Amount is the number of credits granted.
	Amount int `json:"amount"`

	// Reason describes why the credit was granted, e.g.
	// "opportunity.completed".
	Reason string `json:"reason"`

	// IdempotencyKey uniquely identifies the granting occasion. The
	// ledger stores at most one award per key.
	IdempotencyKey string `json:"idempotency_key"`

	CreatedAt time.Time `json:"created_at"`
}

// Store persists credit awards.
type Store interface {
	// InsertAward persists a new award, or ErrDuplicateAward when an
	// award with the same idempotency key already exists.
	InsertAward(ctx context.Context, a *Award) error

	// ListAwards lists a user's awards, newest first.
	ListAwards(ctx context.Context, userID id.UserID, limit, offset int) ([]*Award, error)

	// SumAwards returns the total credits granted to a user.
	SumAwards(ctx context.Context, userID id.UserID) (int, error)
}

// Ledger wraps a Store with idempotent award semantics.
type Ledger struct {
	store Store
}

// NewLedger creates a credit ledger.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// Award grants amount credits to userID under key. If an award with the
// same key already exists the call is a no-op and reports granted=false;
// the duplicate is not an error.
func (l *Ledger) Award(ctx context.Context, userID id.UserID, amount int, reason, key string) (granted bool, err error) {
	a := &Award{
		ID:             id.NewAwardID(),
		UserID:         userID,
		Amount:         amount,
		Reason:         reason,
		IdempotencyKey: key,
		CreatedAt:      time.Now().UTC(),
	}
	if err := l.store.InsertAward(ctx, a); err != nil {
		if errors.Is(err, introq.ErrDuplicateAward) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// BalanceFor returns the user's total credits.
func (l *Ledger) BalanceFor(ctx context.Context, userID id.UserID) (int, error) {
	return l.store.SumAwards(ctx, userID)
}

// History lists the user's awards, newest first.
func (l *Ledger) History(ctx context.Context, userID id.UserID, limit, offset int) ([]*Award, error) {
	return l.store.ListAwards(ctx, userID, limit, offset)
}
