package model

import "time"

// UsagePeriod is one billing window for one account. All mutations go
// through the store's atomic reserve/finalize/release operations; callers
// never read-modify-write these counters directly.
type UsagePeriod struct {
	AccountID      string    `json:"account_id"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
	TokensUsed     int       `json:"tokens_used"`
	TokensReserved int       `json:"tokens_reserved"`
	ReportsCount   int       `json:"reports_count"`
	TierLimit      int       `json:"tier_limit"`
}

// Available returns the tokens still reservable in the period.
func (p UsagePeriod) Available() int {
	avail := p.TierLimit - p.TokensUsed - p.TokensReserved
	if avail < 0 {
		return 0
	}
	return avail
}

// ReservationState tracks the settlement state of a reservation.
type ReservationState string

const (
	ReservationReserved  ReservationState = "reserved"
	ReservationFinalized ReservationState = "finalized"
	ReservationReleased  ReservationState = "released"
)

// Reservation is a provisional token claim for one in-flight run,
// identified by the run's execution id. It is settled exactly once:
// finalized (reserved tokens become used) or released.
type Reservation struct {
	Key         string           `json:"key"`
	AccountID   string           `json:"account_id"`
	PeriodStart time.Time        `json:"period_start"`
	Tokens      int              `json:"tokens"`
	State       ReservationState `json:"state"`
	CreatedAt   time.Time        `json:"created_at"`
	SettledAt   *time.Time       `json:"settled_at,omitempty"`
}

// Admission is a granted rate-guard slot. Release is idempotent and must
// happen on every run exit path; stale admissions expire server-side so a
// crashed worker cannot pin a concurrency slot forever.
type Admission struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	CreatedAt time.Time `json:"created_at"`
}
