// Package ledger fronts the usage period store with tier resolution and
// account-level access control.
package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sparlo/report-engine/internal/model"
	"github.com/sparlo/report-engine/internal/store"
)

// AccessChecker decides whether an actor may operate on an account's
// usage. Implementations deny unless a rule explicitly allows.
type AccessChecker interface {
	Allow(ctx context.Context, actor, accountID string) error
}

// SelfOrAdmin allows an actor to access its own account, plus any actor
// listed as an admin.
type SelfOrAdmin struct {
	Admins map[string]bool
}

func (a SelfOrAdmin) Allow(_ context.Context, actor, accountID string) error {
	if actor != "" && actor == accountID {
		return nil
	}
	if a.Admins[actor] {
		return nil
	}
	return model.ErrUnauthorized
}

// TierResolver maps an account to its token limit for the current period.
type TierResolver interface {
	TierLimit(ctx context.Context, accountID string) (int, error)
}

// StaticTiers resolves limits from a fixed account map with a default.
type StaticTiers struct {
	Accounts     map[string]int
	DefaultLimit int
}

func (t StaticTiers) TierLimit(_ context.Context, accountID string) (int, error) {
	if limit, ok := t.Accounts[accountID]; ok {
		return limit, nil
	}
	return t.DefaultLimit, nil
}

// Ledger is the usage accounting service. All counter mutations delegate
// to the store's atomic operations.
type Ledger struct {
	store  store.Store
	tiers  TierResolver
	access AccessChecker
}

// New creates a Ledger.
func New(s store.Store, tiers TierResolver, access AccessChecker) *Ledger {
	return &Ledger{store: s, tiers: tiers, access: access}
}

// Summary returns the account's current usage period, creating it on
// first access in the billing window. Authorization is checked first.
func (l *Ledger) Summary(ctx context.Context, actor, accountID string) (*model.UsagePeriod, error) {
	if err := l.access.Allow(ctx, actor, accountID); err != nil {
		return nil, err
	}
	limit, err := l.tiers.TierLimit(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return l.store.GetOrCreatePeriod(ctx, accountID, time.Now().UTC(), limit)
}

// Reserve atomically claims tokens for a run under an idempotency key.
// The actor must be authorized for the account before anything mutates.
// Callers retrying after a crash pass the same key and get the original
// reservation back.
func (l *Ledger) Reserve(ctx context.Context, actor, accountID string, tokens int, key string) (*model.Reservation, error) {
	if err := l.access.Allow(ctx, actor, accountID); err != nil {
		return nil, err
	}
	limit, err := l.tiers.TierLimit(ctx, accountID)
	if err != nil {
		return nil, err
	}
	res, err := l.store.Reserve(ctx, accountID, tokens, key, time.Now().UTC(), limit)
	if err != nil {
		return nil, err
	}
	zap.L().Info("tokens reserved",
		zap.String("account_id", accountID),
		zap.String("reservation_key", key),
		zap.Int("tokens", tokens),
	)
	return res, nil
}

// Finalize settles a reservation against actual usage, returning the
// unspent remainder to the account. Safe to call more than once.
func (l *Ledger) Finalize(ctx context.Context, key string, actual model.TokenUsage) error {
	if err := l.store.FinalizeReservation(ctx, key, actual.Total()); err != nil {
		return err
	}
	zap.L().Info("reservation finalized",
		zap.String("reservation_key", key),
		zap.Int("actual_tokens", actual.Total()),
	)
	return nil
}

// Release returns a reservation without recording usage, used when a run
// fails before spending anything. Safe to call more than once.
func (l *Ledger) Release(ctx context.Context, key string) error {
	if err := l.store.ReleaseReservation(ctx, key); err != nil {
		return err
	}
	zap.L().Info("reservation released", zap.String("reservation_key", key))
	return nil
}
