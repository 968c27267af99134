package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// memUsage is an in-memory UsageStore for tests.
type memUsage struct {
	mu      sync.Mutex
	counts  map[string]int
	incs    int
	err     error
	lastCtx context.Context // context of the most recent IncrementUsage
}

func newMemUsage() *memUsage {
	return &memUsage{counts: map[string]int{}}
}

func (m *memUsage) key(identity, date string) string { return identity + "|" + date }

func (m *memUsage) UsageCount(ctx context.Context, identity, date string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	return m.counts[m.key(identity, date)], nil
}

func (m *memUsage) IncrementUsage(ctx context.Context, identity, date string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCtx = ctx
	if m.err != nil {
		return m.err
	}
	m.counts[m.key(identity, date)]++
	m.incs++
	return nil
}

func TestQuotaGate_GuestHitsLimit(t *testing.T) {
	usage := newMemUsage()
	gate := NewQuotaGate(usage)
	id := GuestIdentity("203.0.113.9")
	ctx := context.Background()
	day := Today(time.Now())

	for i := 0; i < DailyLimit(TierGuest); i++ {
		if _, _, err := gate.Check(ctx, id); err != nil {
			t.Fatalf("message %d unexpectedly rejected: %v", i, err)
		}
		if err := usage.IncrementUsage(ctx, id.Key, day); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}

	used, limit, err := gate.Check(ctx, id)
	var qe *QuotaError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QuotaError at the limit, got %v", err)
	}
	if used != 20 || limit != 20 || qe.Used != 20 || qe.Limit != 20 {
		t.Fatalf("wrong pair: used=%d limit=%d err=%+v", used, limit, qe)
	}
}

func TestQuotaGate_RejectionIsIdempotent(t *testing.T) {
	usage := newMemUsage()
	id := GuestIdentity("203.0.113.9")
	usage.counts[usage.key(id.Key, Today(time.Now()))] = 20
	gate := NewQuotaGate(usage)

	for i := 0; i < 3; i++ {
		used, limit, err := gate.Check(context.Background(), id)
		var qe *QuotaError
		if !errors.As(err, &qe) {
			t.Fatalf("check %d: expected QuotaError, got %v", i, err)
		}
		if used != 20 || limit != 20 {
			t.Fatalf("check %d: pair drifted to %d/%d", i, used, limit)
		}
	}
	if usage.incs != 0 {
		t.Fatalf("a rejected request must not consume budget, incs=%d", usage.incs)
	}
}

func TestQuotaGate_TierBudgets(t *testing.T) {
	cases := []struct {
		tier  Tier
		limit int
	}{
		{TierGuest, 20},
		{TierRegular, 100},
		{TierPro, 500},
		{Tier("unknown"), 20},
	}
	for _, tc := range cases {
		if got := DailyLimit(tc.tier); got != tc.limit {
			t.Fatalf("tier %s: limit %d, want %d", tc.tier, got, tc.limit)
		}
	}
}

func TestQuotaGate_BudgetResetsWithTheDate(t *testing.T) {
	usage := newMemUsage()
	id := UserIdentity(42, TierRegular)

	day := time.Date(2026, 3, 1, 23, 50, 0, 0, time.UTC)
	usage.counts[usage.key(id.Key, Today(day))] = 100

	gate := &QuotaGate{usage: usage, now: func() time.Time { return day }}
	if _, _, err := gate.Check(context.Background(), id); err == nil {
		t.Fatalf("expected rejection on the exhausted day")
	}

	gate.now = func() time.Time { return day.Add(time.Hour) } // past midnight UTC
	used, _, err := gate.Check(context.Background(), id)
	if err != nil {
		t.Fatalf("fresh day should clear the budget: %v", err)
	}
	if used != 0 {
		t.Fatalf("fresh day starts at zero, got %d", used)
	}
}

func TestIdentityKeys(t *testing.T) {
	if got := UserIdentity(7, TierPro).Key; got != "user:7" {
		t.Fatalf("user key %q", got)
	}
	if got := GuestIdentity("10.0.0.1").Key; got != "ip:10.0.0.1" {
		t.Fatalf("guest key %q", got)
	}
	if GuestIdentity("10.0.0.1").Tier != TierGuest {
		t.Fatalf("guests always meter at the guest tier")
	}
}

func TestQuotaGate_StoreErrorSurfaces(t *testing.T) {
	usage := newMemUsage()
	usage.err = errors.New("redis down")
	gate := NewQuotaGate(usage)

	_, _, err := gate.Check(context.Background(), GuestIdentity("1.2.3.4"))
	if err == nil {
		t.Fatalf("store failures must surface, not silently admit")
	}
	var qe *QuotaError
	if errors.As(err, &qe) {
		t.Fatalf("store failure is not a quota rejection")
	}
}
