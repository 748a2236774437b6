package authrelay

import (
	"context"
	"sync"

	"triplens.org/internal/obs"
)

// host is the auxiliary context that is allowed to drive the provider's
// interactive sign-in. The relay cannot call the provider directly; it owns
// at most one live host at a time and talks to it only through correlated
// request/reply envelopes.
type host struct {
	provider Provider
	requests chan request
	replies  chan<- reply

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newHost(provider Provider, replies chan<- reply) *host {
	ctx, cancel := context.WithCancel(context.Background())
	h := &host{
		provider: provider,
		requests: make(chan request, 8),
		replies:  replies,
		ctx:      ctx,
		cancel:   cancel,
	}
	h.wg.Add(1)
	go h.run()
	return h
}

// submit hands a request to the host. It reports false when the host has
// already been released.
func (h *host) submit(req request) bool {
	select {
	case <-h.ctx.Done():
		return false
	case h.requests <- req:
		return true
	}
}

// release shuts the host down and waits for in-flight work to finish.
func (h *host) release() {
	h.cancel()
	h.wg.Wait()
}

func (h *host) run() {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case req := <-h.requests:
			// A subscription check must not queue behind an interactive
			// sign-in, so each request gets its own goroutine.
			h.wg.Add(1)
			go func(req request) {
				defer h.wg.Done()
				h.handle(req)
			}(req)
		}
	}
}

func (h *host) handle(req request) {
	switch req.Kind {
	case kindInitAuth:
		user, err := h.provider.SignIn(h.ctx)
		h.send(reply{ID: req.ID, User: user, Err: errString(err)})
	case kindSignOut:
		err := h.provider.SignOut(h.ctx)
		h.send(reply{ID: req.ID, Err: errString(err)})
	case kindCheckSubscription:
		sub, err := h.provider.Subscription(h.ctx, req.UserID)
		h.send(reply{ID: req.ID, Subscription: &sub, Err: errString(err)})
	default:
		// Unknown kinds are dropped, never answered.
		obs.LogEvent(map[string]any{
			"level": "warn",
			"msg":   "auth host dropped message with unknown kind",
			"kind":  req.Kind,
		})
	}
}

func (h *host) send(r reply) {
	select {
	case <-h.ctx.Done():
	case h.replies <- r:
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
