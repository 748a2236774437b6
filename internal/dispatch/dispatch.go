// Package dispatch is the coordinating hub: it owns the two-step remote
// analysis call, usage eligibility, auth state transitions and every
// broadcast to the presentation surfaces.
package dispatch

import (
	"context"
	"errors"
	"sync"

	"triplens.org/internal/analysis"
	"triplens.org/internal/audit"
	"triplens.org/internal/bus"
	"triplens.org/internal/ids"
	"triplens.org/internal/obs"
	"triplens.org/internal/store"
	"triplens.org/internal/usage"
)

// Analysis outcome labels for metrics.
const (
	outcomeSuccess  = "success"
	outcomeQuota    = "quota"
	outcomeBusy     = "busy"
	outcomeUpstream = "upstream"
	outcomeError    = "error"
)

// Analyzer is the slice of the analysis client the router needs; tests
// substitute fakes.
type Analyzer interface {
	AnalyzeImage(ctx context.Context, imageURL string) (*analysis.ImageAnalysis, error)
	AnalyzeLandmark(ctx context.Context, data analysis.AnalysisData) (*analysis.LandmarkAnalysis, error)
}

// AuthBroker is the slice of the auth relay the router needs.
type AuthBroker interface {
	SignIn(ctx context.Context) (*store.UserRecord, error)
	SignOut(ctx context.Context) error
	CheckSubscription(ctx context.Context, userID string) (store.SubscriptionStatus, error)
}

// Router mediates all cross-surface requests.
type Router struct {
	store    store.Store
	usage    *usage.Accountant
	relay    AuthBroker
	analyzer Analyzer
	bus      *bus.Bus

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewRouter wires the hub together.
func NewRouter(s store.Store, acct *usage.Accountant, relay AuthBroker, analyzer Analyzer, b *bus.Bus) *Router {
	return &Router{
		store:    s,
		usage:    acct,
		relay:    relay,
		analyzer: analyzer,
		bus:      b,
		inflight: make(map[string]struct{}),
	}
}

// AnalysisEvent is the payload broadcast after a completed analysis.
type AnalysisEvent struct {
	RequestID string `json:"request_id"`
	SurfaceID string `json:"surface_id"`
	Landmark  string `json:"landmark"`
}

// Analyze runs one analysis request end to end for the given surface.
//
// The request moves Idle → CheckingQuota → {Blocked|Calling} →
// {Success|Failed} → Idle. A surface gets at most one request in Calling at a
// time; requests from different surfaces interleave freely. Exactly one
// usage increment happens per successful non-premium call, never on failure.
func (r *Router) Analyze(ctx context.Context, surfaceID, imageURL string) (*analysis.Result, error) {
	if surfaceID == "" {
		surfaceID = "default"
	}

	if !r.acquire(surfaceID) {
		obs.ObserveAnalysis(outcomeBusy)
		return nil, ErrBusy
	}
	defer r.release(surfaceID)

	user, err := store.LoadUser(ctx, r.store)
	if err != nil {
		obs.ObserveAnalysis(outcomeError)
		return nil, err
	}

	elig, err := r.usage.Check(ctx, user)
	if err != nil {
		obs.ObserveAnalysis(outcomeError)
		return nil, err
	}
	if !elig.Allowed {
		obs.ObserveQuotaBlocked()
		obs.ObserveAnalysis(outcomeQuota)
		return nil, &QuotaExceededError{Count: elig.Count, Limit: usage.Limit, Month: r.usage.CurrentMonth()}
	}

	requestID := ids.New()

	img, err := r.analyzer.AnalyzeImage(ctx, imageURL)
	if err != nil {
		return nil, r.upstreamFailure(ctx, requestID, err)
	}

	landmark, err := r.analyzer.AnalyzeLandmark(ctx, img.AnalysisData)
	if err != nil {
		return nil, r.upstreamFailure(ctx, requestID, err)
	}

	if err := r.usage.Increment(ctx, user); err != nil {
		// The quota is soft; a failed write must not fail a delivered result.
		obs.LogEvent(map[string]any{"level": "error", "msg": "usage increment failed", "error": err.Error()})
	}

	result := &analysis.Result{Image: *img, Landmark: *landmark}
	r.bus.Publish(bus.TypeAnalysisCompleted, AnalysisEvent{
		RequestID: requestID,
		SurfaceID: surfaceID,
		Landmark:  img.AnalysisData.Landmark.Name,
	})
	obs.ObserveAnalysis(outcomeSuccess)
	_ = audit.LogEvent(ctx, "analysis.completed", map[string]any{
		"request_id": requestID,
		"surface_id": surfaceID,
		"landmark":   img.AnalysisData.Landmark.Name,
	})
	return result, nil
}

// acquire takes the surface's single-flight slot, reporting false when a
// request is already in Calling for it.
func (r *Router) acquire(surfaceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inflight[surfaceID]; ok {
		return false
	}
	r.inflight[surfaceID] = struct{}{}
	return true
}

func (r *Router) release(surfaceID string) {
	r.mu.Lock()
	delete(r.inflight, surfaceID)
	r.mu.Unlock()
}

func (r *Router) upstreamFailure(ctx context.Context, requestID string, err error) error {
	var upstream *analysis.UpstreamError
	if errors.As(err, &upstream) {
		obs.ObserveUpstreamError(upstream.Stage)
		obs.ObserveAnalysis(outcomeUpstream)
		_ = audit.LogEvent(ctx, "analysis.failed", map[string]any{
			"request_id": requestID,
			"stage":      upstream.Stage,
		})
		return upstream
	}
	obs.ObserveAnalysis(outcomeError)
	return err
}

// SignIn brokers the interactive sign-in, replaces the stored user record
// wholesale and broadcasts the new auth state.
func (r *Router) SignIn(ctx context.Context) (*store.UserRecord, error) {
	user, err := r.relay.SignIn(ctx)
	if err != nil {
		_ = audit.LogEvent(ctx, "auth.signin_failed", map[string]any{"error": err.Error()})
		return nil, err
	}
	if err := store.SaveUser(ctx, r.store, user); err != nil {
		return nil, err
	}
	r.bus.Publish(bus.TypeAuthStateChanged, user)
	_ = audit.LogEvent(ctx, "auth.signin", map[string]any{"uid": user.UID})
	return user, nil
}

// SignOut clears local auth state. The remote revocation is best-effort: a
// failing provider call never leaves the user stuck signed in locally.
func (r *Router) SignOut(ctx context.Context) error {
	if err := r.relay.SignOut(ctx); err != nil {
		obs.LogEvent(map[string]any{"level": "warn", "msg": "remote sign-out failed", "error": err.Error()})
	}
	if err := store.DeleteUser(ctx, r.store); err != nil {
		return err
	}
	r.bus.Publish(bus.TypeAuthStateChanged, nil)
	_ = audit.LogEvent(ctx, "auth.signout", nil)
	return nil
}

// AuthState returns the currently stored user, or nil when signed out.
func (r *Router) AuthState(ctx context.Context) (*store.UserRecord, error) {
	return store.LoadUser(ctx, r.store)
}

// RefreshSubscription re-checks the user's subscription, caches the result
// on the stored record and broadcasts the change. A lookup failure degrades
// to the free plan without touching the cached record.
func (r *Router) RefreshSubscription(ctx context.Context, userID string) (store.SubscriptionStatus, error) {
	sub, err := r.relay.CheckSubscription(ctx, userID)
	if err != nil {
		obs.LogEvent(map[string]any{"level": "warn", "msg": "subscription lookup failed", "error": err.Error()})
		return store.SubscriptionStatus{Premium: false}, err
	}

	// Re-read the record: the user may have signed out (or changed) while
	// the lookup was in flight.
	user, loadErr := store.LoadUser(ctx, r.store)
	if loadErr == nil && user != nil && user.UID == userID {
		user.Subscription = &sub
		if saveErr := store.SaveUser(ctx, r.store, user); saveErr != nil {
			obs.LogEvent(map[string]any{"level": "error", "msg": "subscription cache write failed", "error": saveErr.Error()})
		}
	}

	r.bus.Publish(bus.TypeSubscriptionStatus, sub)
	return sub, nil
}
