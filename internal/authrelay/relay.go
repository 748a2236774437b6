// Package authrelay brokers sign-in, sign-out and subscription lookups to
// the external identity provider. The provider's interactive sign-in can only
// run inside an auxiliary host context, so the relay forwards correlated
// request envelopes into an owned, lazily created host and matches replies
// back to waiters purely by correlation id.
package authrelay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"triplens.org/internal/obs"
	"triplens.org/internal/store"
)

var (
	// ErrSignInFailed indicates the provider reply carried no user.
	ErrSignInFailed = errors.New("authrelay: sign-in failed")
	// ErrClosed indicates the relay was shut down.
	ErrClosed = errors.New("authrelay: relay is closed")
)

// Relay owns the correlation protocol and the auxiliary host lifecycle.
type Relay struct {
	provider Provider
	replies  chan reply
	nextID   atomic.Uint64

	mu      sync.Mutex
	host    *host
	pending map[uint64]chan reply
	closed  bool

	routeDone chan struct{}
}

// NewRelay constructs a relay. The host itself is created on first use.
func NewRelay(provider Provider) *Relay {
	r := &Relay{
		provider:  provider,
		replies:   make(chan reply, 8),
		pending:   make(map[uint64]chan reply),
		routeDone: make(chan struct{}),
	}
	go r.route()
	return r
}

// SignIn runs the interactive sign-in through the host and returns the
// normalized user record.
func (r *Relay) SignIn(ctx context.Context) (*store.UserRecord, error) {
	rep, err := r.send(ctx, request{Kind: kindInitAuth})
	if err != nil {
		return nil, err
	}
	if rep.Err != "" {
		return nil, errors.New("authrelay: " + rep.Err)
	}
	if rep.User == nil || rep.User.UID == "" {
		return nil, ErrSignInFailed
	}
	return rep.User, nil
}

// SignOut revokes the provider session. Failures are reported but callers
// must clear local state regardless.
func (r *Relay) SignOut(ctx context.Context) error {
	rep, err := r.send(ctx, request{Kind: kindSignOut})
	if err != nil {
		return err
	}
	if rep.Err != "" {
		return errors.New("authrelay: " + rep.Err)
	}
	return nil
}

// CheckSubscription looks up the user's subscription. On any failure it
// returns the free-plan status together with the error; callers treat the
// result as "unknown, assume free" and must not retry automatically.
func (r *Relay) CheckSubscription(ctx context.Context, userID string) (store.SubscriptionStatus, error) {
	rep, err := r.send(ctx, request{Kind: kindCheckSubscription, UserID: userID})
	if err != nil {
		return store.SubscriptionStatus{Premium: false}, err
	}
	if rep.Err != "" {
		return store.SubscriptionStatus{Premium: false}, errors.New("authrelay: " + rep.Err)
	}
	if rep.Subscription == nil {
		return store.SubscriptionStatus{Premium: false}, nil
	}
	return *rep.Subscription, nil
}

// Close releases the host and stops reply routing. Safe to call twice.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	h := r.host
	r.host = nil
	r.mu.Unlock()

	if h != nil {
		h.release()
	}
	close(r.replies)
	<-r.routeDone
}

// send registers a pending entry, forwards the envelope into the host and
// waits for the single matching reply.
func (r *Relay) send(ctx context.Context, req request) (reply, error) {
	req.ID = r.nextID.Add(1)

	ch := make(chan reply, 1)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return reply{}, ErrClosed
	}
	r.pending[req.ID] = ch
	h, err := r.ensureHostLocked()
	r.mu.Unlock()
	if err != nil {
		r.forget(req.ID)
		return reply{}, err
	}

	if !h.submit(req) {
		r.forget(req.ID)
		return reply{}, ErrClosed
	}

	select {
	case <-ctx.Done():
		r.forget(req.ID)
		return reply{}, ctx.Err()
	case rep := <-ch:
		return rep, nil
	}
}

// ensureHostLocked creates the host on demand. Acquire is idempotent: a live
// host is reused, and a duplicate create attempt just returns the winner.
func (r *Relay) ensureHostLocked() (*host, error) {
	if r.closed {
		return nil, ErrClosed
	}
	if r.host != nil {
		return r.host, nil
	}
	r.host = newHost(r.provider, r.replies)
	return r.host, nil
}

func (r *Relay) forget(id uint64) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// route delivers replies to their waiters. A reply with an unknown or zero
// id resolves nothing and is dropped with a log line; it must never crash
// the relay.
func (r *Relay) route() {
	defer close(r.routeDone)
	for rep := range r.replies {
		r.mu.Lock()
		ch, ok := r.pending[rep.ID]
		if ok {
			delete(r.pending, rep.ID)
		}
		r.mu.Unlock()

		if !ok || rep.ID == 0 {
			obs.LogEvent(map[string]any{
				"level": "warn",
				"msg":   "auth relay dropped reply with unknown correlation id",
				"id":    rep.ID,
			})
			continue
		}
		ch <- rep
	}
}
