package chat

import (
	"context"
	"fmt"
	"time"
)

// Tier is the entitlement class the daily message budget depends on.
type Tier string

const (
	TierGuest   Tier = "guest"
	TierRegular Tier = "regular"
	TierPro     Tier = "pro"
)

// dailyLimits is the static entitlement table: messages per identity per day.
var dailyLimits = map[Tier]int{
	TierGuest:   20,
	TierRegular: 100,
	TierPro:     500,
}

// DailyLimit returns the budget for a tier; unknown tiers get the guest
// budget.
func DailyLimit(tier Tier) int {
	if n, ok := dailyLimits[tier]; ok {
		return n
	}
	return dailyLimits[TierGuest]
}

// Identity is the quota subject: an authenticated user id, or the client IP
// for guests.
type Identity struct {
	Key  string // "user:42" or "ip:1.2.3.4"
	Tier Tier
}

func UserIdentity(userID uint64, tier Tier) Identity {
	return Identity{Key: fmt.Sprintf("user:%d", userID), Tier: tier}
}

func GuestIdentity(ip string) Identity {
	return Identity{Key: "ip:" + ip, Tier: TierGuest}
}

// UsageStore is the persisted daily counter. Increment must be atomic per
// key; the gate itself is deliberately not atomic with it (a soft courtesy
// limit, not a billing ledger).
type UsageStore interface {
	UsageCount(ctx context.Context, identity, date string) (int, error)
	IncrementUsage(ctx context.Context, identity, date string) error
}

// QuotaError is a non-retryable rejection carrying what the client needs to
// render the limit.
type QuotaError struct {
	Limit int
	Used  int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("daily message limit reached (%d/%d)", e.Used, e.Limit)
}

// QuotaGate checks a request against the identity's daily budget before any
// adapter is touched.
type QuotaGate struct {
	usage UsageStore
	now   func() time.Time
}

func NewQuotaGate(usage UsageStore) *QuotaGate {
	return &QuotaGate{usage: usage, now: time.Now}
}

func Today(now time.Time) string { return now.UTC().Format("2006-01-02") }

// Check returns a QuotaError when the identity is at or over its budget.
// Repeated checks without an intervening increment return the same pair.
func (g *QuotaGate) Check(ctx context.Context, id Identity) (used, limit int, err error) {
	limit = DailyLimit(id.Tier)
	used, err = g.usage.UsageCount(ctx, id.Key, Today(g.now()))
	if err != nil {
		return 0, limit, err
	}
	if used >= limit {
		return used, limit, &QuotaError{Limit: limit, Used: used}
	}
	return used, limit, nil
}
