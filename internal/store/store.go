package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Canonical storage keys. Earlier builds of the extension this service
// replaced used several overlapping schemas (usageCount, subscriptionCache);
// only these two are read or written here.
const (
	KeyUser  = "user"
	KeyUsage = "usageData"
)

var (
	ErrNotFound = errors.New("store: not found")
)

// Store is the shared durable key-value state. Get/Set/Delete are atomic per
// key; there are no transactions, last write wins.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// SubscriptionStatus is the cached result of a subscription lookup.
type SubscriptionStatus struct {
	Premium        bool   `json:"premium"`
	Status         string `json:"status,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
}

// UserRecord is the signed-in user. It is replaced wholesale on every
// sign-in and deleted on sign-out.
type UserRecord struct {
	UID          string              `json:"uid"`
	Email        string              `json:"email"`
	DisplayName  string              `json:"display_name,omitempty"`
	Subscription *SubscriptionStatus `json:"subscription,omitempty"`
}

// IsPremium reports whether the record carries an active premium flag.
func (u *UserRecord) IsPremium() bool {
	return u != nil && u.Subscription != nil && u.Subscription.Premium
}

// UsageCounter tracks analyses within one calendar month. Month uses the
// "YYYY-M" form; a stored month that differs from the current one means the
// count is implicitly zero.
type UsageCounter struct {
	Count int    `json:"count"`
	Month string `json:"month"`
}

// LoadUser reads the signed-in user record, returning nil when absent.
func LoadUser(ctx context.Context, s Store) (*UserRecord, error) {
	raw, err := s.Get(ctx, KeyUser)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var u UserRecord
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("store: decode user: %w", err)
	}
	return &u, nil
}

// SaveUser replaces the signed-in user record wholesale.
func SaveUser(ctx context.Context, s Store, u *UserRecord) error {
	if u == nil {
		return errors.New("store: user record is required")
	}
	raw, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("store: encode user: %w", err)
	}
	return s.Set(ctx, KeyUser, raw)
}

// DeleteUser clears the signed-in user record. Deleting an absent record is
// not an error.
func DeleteUser(ctx context.Context, s Store) error {
	err := s.Delete(ctx, KeyUser)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// LoadUsage reads the usage counter, returning a zero counter when absent.
func LoadUsage(ctx context.Context, s Store) (UsageCounter, error) {
	raw, err := s.Get(ctx, KeyUsage)
	if errors.Is(err, ErrNotFound) {
		return UsageCounter{}, nil
	}
	if err != nil {
		return UsageCounter{}, err
	}
	var c UsageCounter
	if err := json.Unmarshal(raw, &c); err != nil {
		return UsageCounter{}, fmt.Errorf("store: decode usage: %w", err)
	}
	return c, nil
}

// SaveUsage persists the usage counter.
func SaveUsage(ctx context.Context, s Store, c UsageCounter) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("store: encode usage: %w", err)
	}
	return s.Set(ctx, KeyUsage, raw)
}
