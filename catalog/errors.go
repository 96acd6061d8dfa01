package catalog

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/sony/gobreaker/v2"
)

var (
	// ErrNotFound is matched by ErrStatus values carrying a 404.
	ErrNotFound = errors.New("not found")
	// ErrInvalidURL indicates the request URL could not be built.
	ErrInvalidURL = errors.New("invalid request url")
	// ErrCircuitOpen is returned while the breaker rejects calls.
	ErrCircuitOpen = gobreaker.ErrOpenState
)

// ErrTransport wraps network failures talking to the catalogue.
type ErrTransport struct {
	Err error
}

func (e ErrTransport) Error() string {
	return fmt.Errorf("transport: %w", e.Err).Error()
}

func (e ErrTransport) Unwrap() error {
	return e.Err
}

// ErrDecode indicates the catalogue answered with a payload we could not use.
type ErrDecode struct {
	Err error
}

func (e ErrDecode) Error() string {
	return fmt.Errorf("decode: %w", e.Err).Error()
}

func (e ErrDecode) Unwrap() error {
	return e.Err
}

// ErrStatus indicates a non-2xx answer.
type ErrStatus struct {
	StatusCode int
	Body       string
}

func (e ErrStatus) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("catalogue returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("catalogue returned status %d: %s", e.StatusCode, e.Body)
}

func (e ErrStatus) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Label maps err to a short metrics label.
func Label(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "circuit_open"
	}
	if errors.Is(err, ErrInvalidURL) {
		return "invalid_url"
	}
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	var status ErrStatus
	if errors.As(err, &status) {
		if status.StatusCode >= http.StatusInternalServerError {
			return "server_error"
		}
		return "client_error"
	}
	var decode ErrDecode
	if errors.As(err, &decode) {
		return "decode"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	var transport ErrTransport
	if errors.As(err, &transport) {
		return "transport"
	}
	return "other"
}

func isRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
