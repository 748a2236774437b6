package authrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"triplens.org/internal/store"
)

// Provider is the external identity and subscription service the host talks
// to. The real implementation drives the hosted sign-in page; tests fake it.
type Provider interface {
	SignIn(ctx context.Context) (*store.UserRecord, error)
	SignOut(ctx context.Context) error
	Subscription(ctx context.Context, userID string) (store.SubscriptionStatus, error)
}

// HTTPProvider talks to the identity provider's REST surface.
type HTTPProvider struct {
	baseURL string
	http    *http.Client
}

// NewHTTPProvider constructs a provider client for the given base URL.
func NewHTTPProvider(baseURL string, hc *http.Client) *HTTPProvider {
	if hc == nil {
		hc = &http.Client{}
	}
	return &HTTPProvider{baseURL: baseURL, http: hc}
}

var _ Provider = (*HTTPProvider)(nil)

type sessionResponse struct {
	UID         string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

// SignIn completes the provider's interactive sign-in and returns the user.
func (p *HTTPProvider) SignIn(ctx context.Context) (*store.UserRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/sessions", strings.NewReader("{}"))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("provider: sign-in failed with status %d", resp.StatusCode)
	}
	var session sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("provider: decode session: %w", err)
	}
	if session.UID == "" {
		return nil, nil // no user in the reply; caller decides what that means
	}
	return &store.UserRecord{
		UID:         session.UID,
		Email:       session.Email,
		DisplayName: session.DisplayName,
	}, nil
}

// SignOut revokes the provider session.
func (p *HTTPProvider) SignOut(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.baseURL+"/v1/sessions", nil)
	if err != nil {
		return err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("provider: sign-out failed with status %d", resp.StatusCode)
	}
	return nil
}

type subscriptionDoc struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type subscriptionsResponse struct {
	Items []subscriptionDoc `json:"items"`
}

// Subscription looks up active or trialing subscription documents for the
// user. No matching document means the free plan.
func (p *HTTPProvider) Subscription(ctx context.Context, userID string) (store.SubscriptionStatus, error) {
	url := fmt.Sprintf("%s/v1/customers/%s/subscriptions?status=active,trialing", p.baseURL, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return store.SubscriptionStatus{}, err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return store.SubscriptionStatus{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return store.SubscriptionStatus{}, fmt.Errorf("provider: subscription lookup failed with status %d", resp.StatusCode)
	}
	var docs subscriptionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&docs); err != nil {
		return store.SubscriptionStatus{}, fmt.Errorf("provider: decode subscriptions: %w", err)
	}
	if len(docs.Items) == 0 {
		return store.SubscriptionStatus{Premium: false}, nil
	}
	first := docs.Items[0]
	return store.SubscriptionStatus{
		Premium:        true,
		Status:         first.Status,
		SubscriptionID: first.ID,
	}, nil
}
