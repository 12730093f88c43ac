package errors

import (
	"errors"
	"fmt"
)

// Transport errors.
var (
	ErrNotConnected = errors.New("not connected")
	ErrSubscription = errors.New("subscription failed")
	ErrAuthRejected = errors.New("auth rejected by server")
)

// Conversation errors.
var (
	ErrUnknownRoom          = errors.New("unknown room")
	ErrNoOpenConversation   = errors.New("no open conversation")
	ErrEmptyMessage         = errors.New("message text is empty")
	ErrMessageNotFound      = errors.New("message not found")
	ErrMessageNotResendable = errors.New("only failed messages can be re-sent")
	ErrStopped              = errors.New("sync core stopped")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)

// HistoryFetchError reports a failed backfill for one room. The
// conversation still opens with whatever is buffered; callers surface
// it as a retry affordance.
type HistoryFetchError struct {
	RoomID string
	Page   int
	Err    error
	// Transient is set when the cause looks temporary (network failure,
	// 5xx, 429) and a retry is likely to succeed.
	Transient bool
}

func (e *HistoryFetchError) Error() string {
	return fmt.Sprintf("fetching history for room %s page %d: %v", e.RoomID, e.Page, e.Err)
}

func (e *HistoryFetchError) Unwrap() error { return e.Err }

// IsHistoryFetch reports whether err (or any error in its chain) is a
// HistoryFetchError.
func IsHistoryFetch(err error) bool {
	var he *HistoryFetchError
	return errors.As(err, &he)
}

// IsRetryableHistory reports whether err carries a HistoryFetchError
// whose cause is transient.
func IsRetryableHistory(err error) bool {
	var he *HistoryFetchError
	return errors.As(err, &he) && he.Transient
}
