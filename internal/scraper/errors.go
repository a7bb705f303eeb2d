package scraper

import (
	"errors"
	"fmt"
)

var (
	ErrSessionExpired  = errors.New("session expired")
	ErrLoginFailed     = errors.New("login failed")
	ErrUnknownPlatform = errors.New("unknown platform")
	ErrOutOfOrder      = errors.New("submission stream is not newest-first")
)

// SessionExpiredError carries the platform whose credential needs renewal.
// It matches ErrSessionExpired with errors.Is.
type SessionExpiredError struct {
	Platform string
	Detail   string
}

func (e *SessionExpiredError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: session expired", e.Platform)
	}
	return fmt.Sprintf("%s: session expired: %s", e.Platform, e.Detail)
}

func (e *SessionExpiredError) Is(target error) bool {
	return target == ErrSessionExpired
}

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// Temporary reports whether the status is worth retrying.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// AuthRejected reports whether err carries a 401 or 403 response.
func AuthRejected(err error) bool {
	code := StatusCode(err)
	return code == 401 || code == 403
}
