package imageloader

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrTimeout indicates a timeout while fetching an image.
type ErrTimeout struct {
	Err error
}

func (e ErrTimeout) Error() string {
	return fmt.Errorf("timeout: %w", e.Err).Error()
}

func (e ErrTimeout) Unwrap() error {
	return e.Err
}

// ErrConnection indicates a network connectivity failure.
type ErrConnection struct {
	Err error
}

func (e ErrConnection) Error() string {
	return fmt.Errorf("connection: %w", e.Err).Error()
}

func (e ErrConnection) Unwrap() error {
	return e.Err
}

// ErrStatus indicates the server answered with a non-success status.
type ErrStatus struct {
	StatusCode int
	Err        error
}

func (e ErrStatus) Error() string {
	return fmt.Errorf("status %d: %w", e.StatusCode, e.Err).Error()
}

func (e ErrStatus) Unwrap() error {
	return e.Err
}

// ErrDecode indicates the payload was not a decodable image.
type ErrDecode struct {
	Err error
}

func (e ErrDecode) Error() string {
	return fmt.Errorf("decode: %w", e.Err).Error()
}

func (e ErrDecode) Unwrap() error {
	return e.Err
}

// ErrInvalidURL indicates the normalized URL could not be parsed.
var ErrInvalidURL = errors.New("invalid image url")

// ErrClosed is returned by Get once the loader has been closed.
var ErrClosed = errors.New("image loader closed")

func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, ErrInvalidURL) {
		return "invalid_url"
	}
	var timeout ErrTimeout
	if errors.As(err, &timeout) {
		return "timeout"
	}
	var conn ErrConnection
	if errors.As(err, &conn) {
		return "connection"
	}
	var status ErrStatus
	if errors.As(err, &status) {
		return "status"
	}
	var decode ErrDecode
	if errors.As(err, &decode) {
		return "decode"
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return "other"
}

func classifyError(err error, statusCode int) error {
	if err == nil && statusCode == 0 {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrConnection{Err: err}
	}

	if statusCode != 0 {
		wrapped := err
		if wrapped == nil {
			wrapped = fmt.Errorf("http status %d", statusCode)
		}
		return ErrStatus{StatusCode: statusCode, Err: wrapped}
	}

	return err
}

// isTransportFailure reports whether err came from the network rather than
// from a server answer, which is the only kind of failure worth retrying.
func isTransportFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var status ErrStatus
	if errors.As(err, &status) {
		return false
	}
	var decode ErrDecode
	return !errors.As(err, &decode)
}

var errEmptyBody = errors.New("empty body")
