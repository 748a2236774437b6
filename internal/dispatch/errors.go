package dispatch

import (
	"errors"
	"fmt"
)

// ErrBusy rejects a second analysis request from a surface that already has
// one in flight.
var ErrBusy = errors.New("dispatch: analysis already in progress")

// ErrNotSignedIn rejects operations that need a signed-in user.
var ErrNotSignedIn = errors.New("dispatch: no signed-in user")

// QuotaExceededError is the soft rejection returned instead of calling the
// remote service once the monthly quota is spent.
type QuotaExceededError struct {
	Count int
	Limit int
	Month string
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("dispatch: monthly quota exhausted (%d/%d for %s)", e.Count, e.Limit, e.Month)
}
