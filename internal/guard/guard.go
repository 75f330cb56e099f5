// Package guard enforces per-account rate and concurrency limits on
// report creation.
package guard

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sparlo/report-engine/internal/model"
	"github.com/sparlo/report-engine/internal/store"
)

// Guard admits report runs against hourly and daily windows and a
// concurrent-run ceiling. Counters live in the store so every engine
// instance sees the same state.
type Guard struct {
	store  store.Store
	limits store.GuardLimits
}

// New creates a Guard with the given limits.
func New(s store.Store, limits store.GuardLimits) *Guard {
	if limits.AdmissionTTL <= 0 {
		limits.AdmissionTTL = 4 * time.Hour
	}
	return &Guard{store: s, limits: limits}
}

// Admit claims a slot for a new run. The check and the claim are a single
// atomic operation; a denial returns *model.RateLimitedError.
func (g *Guard) Admit(ctx context.Context, accountID string) (*model.Admission, error) {
	adm, err := g.store.Admit(ctx, accountID, g.limits, time.Now().UTC())
	if err != nil {
		var rl *model.RateLimitedError
		if errors.As(err, &rl) {
			zap.L().Warn("admission denied",
				zap.String("account_id", accountID),
				zap.String("reason", rl.Reason),
				zap.Duration("retry_after", rl.RetryAfter),
			)
		}
		return nil, err
	}
	zap.L().Debug("admission granted",
		zap.String("account_id", accountID),
		zap.String("admission_id", adm.ID),
	)
	return adm, nil
}

// Release frees a concurrency slot. Called on every run exit path;
// releasing twice or releasing an expired slot is harmless.
func (g *Guard) Release(ctx context.Context, admissionID string) error {
	return g.store.ReleaseAdmission(ctx, admissionID)
}
