package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"triplens.org/internal/analysis"
	"triplens.org/internal/dispatch"
	"triplens.org/internal/session"
	"triplens.org/internal/store"
	"triplens.org/internal/usage"
)

type analyzeRequest struct {
	ImageURL string `json:"image_url"`
}

func (a *API) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req analyzeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.ImageURL) == "" {
		writeError(w, r, http.StatusBadRequest, "image_url is required")
		return
	}

	result, err := a.router.Analyze(r.Context(), surfaceID(r), req.ImageURL)
	if err != nil {
		handleAnalyzeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func handleAnalyzeError(w http.ResponseWriter, r *http.Request, err error) {
	var quota *dispatch.QuotaExceededError
	var upstream *analysis.UpstreamError
	switch {
	case errors.As(err, &quota):
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error": "quota_exceeded",
			"count": quota.Count,
			"limit": quota.Limit,
			"month": quota.Month,
		})
	case errors.Is(err, dispatch.ErrBusy):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": "busy",
		})
	case errors.As(err, &upstream):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error": "upstream_error",
			"stage": upstream.Stage,
		})
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func (a *API) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	user, err := store.LoadUser(r.Context(), a.store)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	elig, err := a.acct.Check(r.Context(), user)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":     elig.Count,
		"limit":     usage.Limit,
		"remaining": elig.Remaining,
		"warning":   elig.Warning,
		"unlimited": elig.Unlimited,
		"month":     a.acct.CurrentMonth(),
	})
}

// handleSubscription serves the cached subscription immediately and kicks a
// background refresh; surfaces pick up the fresh value from the event bus.
func (a *API) handleSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	user, err := store.LoadUser(r.Context(), a.store)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if user == nil {
		writeError(w, r, http.StatusUnauthorized, "not signed in")
		return
	}

	cached := store.SubscriptionStatus{Premium: false}
	if user.Subscription != nil {
		cached = *user.Subscription
	}

	go func(uid string) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_, _ = a.router.RefreshSubscription(ctx, uid)
	}(user.UID)

	writeJSON(w, http.StatusOK, map[string]any{
		"premium":         cached.Premium,
		"status":          cached.Status,
		"subscription_id": cached.SubscriptionID,
		"refreshing":      true,
	})
}

// surfaceID identifies the requesting presentation surface for the
// single-flight guard: explicit header first, then the session, then the
// client address.
func surfaceID(r *http.Request) string {
	if sid := strings.TrimSpace(r.Header.Get("X-Surface-ID")); sid != "" {
		return sid
	}
	if uid, ok := session.UserIDFromContext(r.Context()); ok {
		return uid
	}
	return clientIP(r)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
