package httpapi

import (
	"context"
	"net/http"
	"time"

	"triplens.org/internal/session"
)

const sessionTTL = 12 * time.Hour

func (a *API) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	user, err := a.router.SignIn(r.Context())
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "sign-in failed")
		return
	}

	// Subscription state is refreshed off the request path; surfaces get the
	// result via the event bus.
	go func(uid string) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_, _ = a.router.RefreshSubscription(ctx, uid)
	}(user.UID)

	resp := map[string]any{"user": user}
	if session.Enabled() {
		token, err := session.Issue(user, sessionTTL)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "session issue failed")
			return
		}
		resp["token"] = token
		resp["expires_at"] = time.Now().UTC().Add(sessionTTL)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := a.router.SignOut(r.Context()); err != nil {
		writeError(w, r, http.StatusInternalServerError, "sign-out failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "signed_out"})
}

func (a *API) handleAuthState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	user, err := a.router.AuthState(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"signed_in": user != nil,
		"user":      user,
	})
}
