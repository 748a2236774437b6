package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triplens.org/internal/analysis"
	"triplens.org/internal/authrelay"
	"triplens.org/internal/bus"
	"triplens.org/internal/store"
	"triplens.org/internal/usage"
)

type fakeAnalyzer struct {
	mu            sync.Mutex
	imageCalls    int
	landmarkCalls int

	imageFn    func(ctx context.Context, imageURL string) (*analysis.ImageAnalysis, error)
	landmarkFn func(ctx context.Context, data analysis.AnalysisData) (*analysis.LandmarkAnalysis, error)
}

func (f *fakeAnalyzer) AnalyzeImage(ctx context.Context, imageURL string) (*analysis.ImageAnalysis, error) {
	f.mu.Lock()
	f.imageCalls++
	f.mu.Unlock()
	if f.imageFn != nil {
		return f.imageFn(ctx, imageURL)
	}
	return &analysis.ImageAnalysis{
		LandmarkDetected: true,
		AnalysisData: analysis.AnalysisData{
			Landmark: analysis.Landmark{Name: "Colosseum", Confidence: 0.9},
			ImageURL: imageURL,
		},
	}, nil
}

func (f *fakeAnalyzer) AnalyzeLandmark(ctx context.Context, data analysis.AnalysisData) (*analysis.LandmarkAnalysis, error) {
	f.mu.Lock()
	f.landmarkCalls++
	f.mu.Unlock()
	if f.landmarkFn != nil {
		return f.landmarkFn(ctx, data)
	}
	return &analysis.LandmarkAnalysis{LandmarkName: data.Landmark.Name, Analysis: "ancient amphitheatre"}, nil
}

func (f *fakeAnalyzer) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.imageCalls, f.landmarkCalls
}

type fakeBroker struct {
	user   *store.UserRecord
	inErr  error
	outErr error
	sub    store.SubscriptionStatus
	subErr error
}

func (f *fakeBroker) SignIn(ctx context.Context) (*store.UserRecord, error) {
	if f.inErr != nil {
		return nil, f.inErr
	}
	return f.user, nil
}

func (f *fakeBroker) SignOut(ctx context.Context) error { return f.outErr }

func (f *fakeBroker) CheckSubscription(ctx context.Context, userID string) (store.SubscriptionStatus, error) {
	return f.sub, f.subErr
}

func newTestRouter(t *testing.T, kv store.Store, an Analyzer, broker AuthBroker) (*Router, *bus.Bus) {
	t.Helper()
	b := bus.New()
	acct := usage.NewAccountant(kv, b)
	return NewRouter(kv, acct, broker, an, b), b
}

func TestAnalyzeSuccessIncrementsOnce(t *testing.T) {
	ctx := context.Background()
	kv := store.NewInMemory()
	an := &fakeAnalyzer{}
	r, b := newTestRouter(t, kv, an, &fakeBroker{})

	events := b.Subscribe(ctx)

	result, err := r.Analyze(ctx, "popup", "https://example.com/a.jpg")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "Colosseum", result.Image.AnalysisData.Landmark.Name)
	assert.Equal(t, "Colosseum", result.Landmark.LandmarkName)

	counter, err := store.LoadUsage(ctx, kv)
	require.NoError(t, err)
	assert.Equal(t, 1, counter.Count)

	img, lm := an.calls()
	assert.Equal(t, 1, img)
	assert.Equal(t, 1, lm)

	sawCompleted := false
	timeout := time.After(time.Second)
	for !sawCompleted {
		select {
		case evt := <-events:
			if evt.Type == bus.TypeAnalysisCompleted {
				payload, ok := evt.Payload.(AnalysisEvent)
				require.True(t, ok)
				assert.Equal(t, "popup", payload.SurfaceID)
				assert.Equal(t, "Colosseum", payload.Landmark)
				assert.NotEmpty(t, payload.RequestID)
				sawCompleted = true
			}
		case <-timeout:
			t.Fatal("analysis-completed was not broadcast")
		}
	}
}

func TestAnalyzeImageStageFailure(t *testing.T) {
	ctx := context.Background()
	kv := store.NewInMemory()
	an := &fakeAnalyzer{imageFn: func(context.Context, string) (*analysis.ImageAnalysis, error) {
		return nil, &analysis.UpstreamError{Stage: analysis.StageImage, Status: 503}
	}}
	r, _ := newTestRouter(t, kv, an, &fakeBroker{})

	_, err := r.Analyze(ctx, "popup", "https://example.com/a.jpg")
	var upstream *analysis.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, analysis.StageImage, upstream.Stage)

	// The second stage never runs, and no usage is recorded.
	_, lm := an.calls()
	assert.Zero(t, lm)
	counter, _ := store.LoadUsage(ctx, kv)
	assert.Zero(t, counter.Count)
}

func TestAnalyzeLandmarkStageFailure(t *testing.T) {
	ctx := context.Background()
	kv := store.NewInMemory()
	an := &fakeAnalyzer{landmarkFn: func(context.Context, analysis.AnalysisData) (*analysis.LandmarkAnalysis, error) {
		return nil, &analysis.UpstreamError{Stage: analysis.StageLandmark, Err: errors.New("timeout")}
	}}
	r, _ := newTestRouter(t, kv, an, &fakeBroker{})

	_, err := r.Analyze(ctx, "popup", "https://example.com/a.jpg")
	var upstream *analysis.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, analysis.StageLandmark, upstream.Stage)

	counter, _ := store.LoadUsage(ctx, kv)
	assert.Zero(t, counter.Count, "failed analysis must not consume quota")
}

func TestAnalyzeQuotaExhausted(t *testing.T) {
	ctx := context.Background()
	kv := store.NewInMemory()
	an := &fakeAnalyzer{}
	r, _ := newTestRouter(t, kv, an, &fakeBroker{})

	acct := usage.NewAccountant(kv, nil)
	require.NoError(t, store.SaveUsage(ctx, kv, store.UsageCounter{Count: usage.Limit, Month: acct.CurrentMonth()}))

	_, err := r.Analyze(ctx, "popup", "https://example.com/a.jpg")
	var quota *QuotaExceededError
	require.ErrorAs(t, err, &quota)
	assert.Equal(t, usage.Limit, quota.Count)
	assert.Equal(t, usage.Limit, quota.Limit)

	// No remote call is made once the quota is spent.
	img, lm := an.calls()
	assert.Zero(t, img)
	assert.Zero(t, lm)
}

func TestAnalyzePremiumSkipsQuota(t *testing.T) {
	ctx := context.Background()
	kv := store.NewInMemory()
	an := &fakeAnalyzer{}
	r, _ := newTestRouter(t, kv, an, &fakeBroker{})

	premium := &store.UserRecord{
		UID:          "p1",
		Subscription: &store.SubscriptionStatus{Premium: true, Status: "active"},
	}
	require.NoError(t, store.SaveUser(ctx, kv, premium))

	acct := usage.NewAccountant(kv, nil)
	require.NoError(t, store.SaveUsage(ctx, kv, store.UsageCounter{Count: usage.Limit, Month: acct.CurrentMonth()}))

	_, err := r.Analyze(ctx, "popup", "https://example.com/a.jpg")
	require.NoError(t, err)

	// Premium analyses never advance the counter.
	counter, _ := store.LoadUsage(ctx, kv)
	assert.Equal(t, usage.Limit, counter.Count)
}

func TestAnalyzeSingleFlightPerSurface(t *testing.T) {
	ctx := context.Background()
	kv := store.NewInMemory()

	entered := make(chan struct{})
	release := make(chan struct{})
	an := &fakeAnalyzer{imageFn: func(ctx context.Context, imageURL string) (*analysis.ImageAnalysis, error) {
		if imageURL == "https://example.com/slow.jpg" {
			close(entered)
			<-release
		}
		return &analysis.ImageAnalysis{AnalysisData: analysis.AnalysisData{
			Landmark: analysis.Landmark{Name: "Colosseum"},
		}}, nil
	}}
	r, _ := newTestRouter(t, kv, an, &fakeBroker{})

	firstDone := make(chan error, 1)
	go func() {
		_, err := r.Analyze(ctx, "popup", "https://example.com/slow.jpg")
		firstDone <- err
	}()
	<-entered

	// Same surface: rejected while the first is in flight.
	_, err := r.Analyze(ctx, "popup", "https://example.com/b.jpg")
	assert.ErrorIs(t, err, ErrBusy)

	// Different surface: proceeds independently of the busy one.
	_, err = r.Analyze(ctx, "content", "https://example.com/c.jpg")
	require.NoError(t, err)

	close(release)
	require.NoError(t, <-firstDone)

	// The slot is free again once the request finishes.
	_, err = r.Analyze(ctx, "popup", "https://example.com/d.jpg")
	require.NoError(t, err)
}

func TestAnalyzeDefaultsSurface(t *testing.T) {
	ctx := context.Background()
	kv := store.NewInMemory()
	r, b := newTestRouter(t, kv, &fakeAnalyzer{}, &fakeBroker{})

	events := b.Subscribe(ctx)
	_, err := r.Analyze(ctx, "", "https://example.com/a.jpg")
	require.NoError(t, err)

	timeout := time.After(time.Second)
	for {
		select {
		case evt := <-events:
			if evt.Type == bus.TypeAnalysisCompleted {
				assert.Equal(t, "default", evt.Payload.(AnalysisEvent).SurfaceID)
				return
			}
		case <-timeout:
			t.Fatal("no broadcast")
		}
	}
}

func TestSignInStoresUserAndBroadcasts(t *testing.T) {
	ctx := context.Background()
	kv := store.NewInMemory()
	broker := &fakeBroker{user: &store.UserRecord{UID: "u1", Email: "u1@example.com"}}
	r, b := newTestRouter(t, kv, &fakeAnalyzer{}, broker)

	events := b.Subscribe(ctx)

	user, err := r.SignIn(ctx)
	require.NoError(t, err)
	assert.Equal(t, "u1", user.UID)

	stored, err := store.LoadUser(ctx, kv)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "u1", stored.UID)

	select {
	case evt := <-events:
		assert.Equal(t, bus.TypeAuthStateChanged, evt.Type)
		payload, ok := evt.Payload.(*store.UserRecord)
		require.True(t, ok)
		assert.Equal(t, "u1", payload.UID)
	case <-time.After(time.Second):
		t.Fatal("auth-state-changed was not broadcast")
	}
}

func TestSignInFailureLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	kv := store.NewInMemory()
	broker := &fakeBroker{inErr: authrelay.ErrSignInFailed}
	r, _ := newTestRouter(t, kv, &fakeAnalyzer{}, broker)

	_, err := r.SignIn(ctx)
	require.ErrorIs(t, err, authrelay.ErrSignInFailed)

	stored, err := store.LoadUser(ctx, kv)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestSignOutClearsStateEvenWhenRemoteFails(t *testing.T) {
	ctx := context.Background()
	kv := store.NewInMemory()
	broker := &fakeBroker{outErr: errors.New("provider unreachable")}
	r, b := newTestRouter(t, kv, &fakeAnalyzer{}, broker)

	require.NoError(t, store.SaveUser(ctx, kv, &store.UserRecord{UID: "u1"}))
	events := b.Subscribe(ctx)

	require.NoError(t, r.SignOut(ctx))

	stored, err := store.LoadUser(ctx, kv)
	require.NoError(t, err)
	assert.Nil(t, stored, "local auth state must be cleared regardless of the remote outcome")

	select {
	case evt := <-events:
		assert.Equal(t, bus.TypeAuthStateChanged, evt.Type)
		assert.Nil(t, evt.Payload)
	case <-time.After(time.Second):
		t.Fatal("auth-state-changed(nil) was not broadcast")
	}
}

func TestRefreshSubscriptionCachesResult(t *testing.T) {
	ctx := context.Background()
	kv := store.NewInMemory()
	broker := &fakeBroker{sub: store.SubscriptionStatus{Premium: true, Status: "active", SubscriptionID: "sub_1"}}
	r, b := newTestRouter(t, kv, &fakeAnalyzer{}, broker)

	require.NoError(t, store.SaveUser(ctx, kv, &store.UserRecord{UID: "u1"}))
	events := b.Subscribe(ctx)

	sub, err := r.RefreshSubscription(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, sub.Premium)

	stored, err := store.LoadUser(ctx, kv)
	require.NoError(t, err)
	require.NotNil(t, stored.Subscription)
	assert.True(t, stored.Subscription.Premium)
	assert.Equal(t, "sub_1", stored.Subscription.SubscriptionID)

	select {
	case evt := <-events:
		assert.Equal(t, bus.TypeSubscriptionStatus, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("subscription-status-changed was not broadcast")
	}
}

func TestRefreshSubscriptionFailureDegradesToFree(t *testing.T) {
	ctx := context.Background()
	kv := store.NewInMemory()
	broker := &fakeBroker{subErr: errors.New("lookup failed")}
	r, _ := newTestRouter(t, kv, &fakeAnalyzer{}, broker)

	cached := &store.UserRecord{UID: "u1", Subscription: &store.SubscriptionStatus{Premium: true}}
	require.NoError(t, store.SaveUser(ctx, kv, cached))

	sub, err := r.RefreshSubscription(ctx, "u1")
	require.Error(t, err)
	assert.False(t, sub.Premium)

	// The cached record is left alone on failure.
	stored, err := store.LoadUser(ctx, kv)
	require.NoError(t, err)
	require.NotNil(t, stored.Subscription)
	assert.True(t, stored.Subscription.Premium)
}

func TestRefreshSubscriptionSkipsCacheAfterSignOut(t *testing.T) {
	ctx := context.Background()
	kv := store.NewInMemory()
	broker := &fakeBroker{sub: store.SubscriptionStatus{Premium: true}}
	r, _ := newTestRouter(t, kv, &fakeAnalyzer{}, broker)

	// No stored user: the result is returned but nothing is cached.
	sub, err := r.RefreshSubscription(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, sub.Premium)

	stored, err := store.LoadUser(ctx, kv)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestAuthState(t *testing.T) {
	ctx := context.Background()
	kv := store.NewInMemory()
	r, _ := newTestRouter(t, kv, &fakeAnalyzer{}, &fakeBroker{})

	user, err := r.AuthState(ctx)
	require.NoError(t, err)
	assert.Nil(t, user)

	require.NoError(t, store.SaveUser(ctx, kv, &store.UserRecord{UID: "u1"}))
	user, err = r.AuthState(ctx)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "u1", user.UID)
}
