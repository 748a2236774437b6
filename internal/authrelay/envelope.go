package authrelay

import "triplens.org/internal/store"

// Request kinds understood by the auxiliary host. These mirror the wire
// messages of the sign-in frame the host wraps.
const (
	kindInitAuth          = "initAuth"
	kindSignOut           = "signOut"
	kindCheckSubscription = "checkSubscription"
)

// request is a correlated message sent from the relay into the host. IDs are
// strictly increasing and never reused while a request is pending.
type request struct {
	ID     uint64
	Kind   string
	UserID string
}

// reply echoes the request id it answers. Replies with an unknown or zero id
// are dropped by the relay without resolving anything.
type reply struct {
	ID           uint64
	User         *store.UserRecord
	Subscription *store.SubscriptionStatus
	Err          string
}
