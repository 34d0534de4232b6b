package gmail

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/api/googleapi"
)

// ErrCursorExpired is returned by ListChanged when the remote rejects the
// stored history ID as too old. The caller falls back to a full listing.
var ErrCursorExpired = errors.New("history cursor expired")

// FetchError wraps a per-message failure with its retry classification.
type FetchError struct {
	ID        string
	Transient bool
	Err       error
}

func (e *FetchError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("fetch %s (%s): %v", e.ID, kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying with backoff.
// Rate limits (429, and Gmail's 403 rate-limit reasons), server errors and
// transport timeouts are transient; not-found and malformed requests are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Transient
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == 429:
			return true
		case gerr.Code >= 500:
			return true
		case gerr.Code == 403:
			for _, e := range gerr.Errors {
				if e.Reason == "rateLimitExceeded" || e.Reason == "userRateLimitExceeded" {
					return true
				}
			}
			return false
		default:
			return false
		}
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	return false
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 404
}
