// Package usage enforces the monthly analysis quota for free-plan users.
package usage

import (
	"context"
	"fmt"
	"time"

	"triplens.org/internal/bus"
	"triplens.org/internal/store"
)

const (
	// Limit is the number of analyses a free user gets per calendar month.
	Limit = 30
	// WarnThreshold marks where surfaces start warning the user. It never
	// affects eligibility.
	WarnThreshold = Limit * 8 / 10
)

// Eligibility is the result of a quota check.
type Eligibility struct {
	Allowed   bool `json:"allowed"`
	Unlimited bool `json:"unlimited"`
	Count     int  `json:"count"`
	Remaining int  `json:"remaining"`
	Warning   bool `json:"warning"`
}

// Accountant decides whether an analysis may proceed and tracks successful
// ones. Premium users bypass the quota entirely.
type Accountant struct {
	store store.Store
	bus   *bus.Bus
	now   func() time.Time
}

// Option configures Accountant behavior.
type Option func(*Accountant)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(a *Accountant) {
		if fn != nil {
			a.now = fn
		}
	}
}

// NewAccountant constructs an Accountant over the shared store.
func NewAccountant(s store.Store, b *bus.Bus, opts ...Option) *Accountant {
	a := &Accountant{store: s, bus: b, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// CurrentMonth returns the calendar month key in "YYYY-M" form.
func (a *Accountant) CurrentMonth() string {
	t := a.now().UTC()
	return fmt.Sprintf("%d-%d", t.Year(), int(t.Month()))
}

// Check reports whether the user may run another analysis. A counter stored
// for a different month counts as zero; the reset is not persisted here, it
// happens on the next increment.
func (a *Accountant) Check(ctx context.Context, user *store.UserRecord) (Eligibility, error) {
	if user.IsPremium() {
		return Eligibility{Allowed: true, Unlimited: true}, nil
	}
	count, err := a.currentCount(ctx)
	if err != nil {
		return Eligibility{}, err
	}
	return Eligibility{
		Allowed:   count < Limit,
		Count:     count,
		Remaining: Limit - count,
		Warning:   count >= WarnThreshold,
	}, nil
}

// Increment records one successful analysis and broadcasts the new counter.
// It is a no-op for premium users.
func (a *Accountant) Increment(ctx context.Context, user *store.UserRecord) error {
	if user.IsPremium() {
		return nil
	}
	count, err := a.currentCount(ctx)
	if err != nil {
		return err
	}
	counter := store.UsageCounter{Count: count + 1, Month: a.CurrentMonth()}
	if err := store.SaveUsage(ctx, a.store, counter); err != nil {
		return err
	}
	if a.bus != nil {
		a.bus.Publish(bus.TypeUsageUpdated, counter)
	}
	return nil
}

// currentCount applies the reset-on-read rule for month rollover.
func (a *Accountant) currentCount(ctx context.Context) (int, error) {
	counter, err := store.LoadUsage(ctx, a.store)
	if err != nil {
		return 0, err
	}
	if counter.Month != a.CurrentMonth() {
		return 0, nil
	}
	return counter.Count, nil
}
