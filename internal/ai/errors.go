package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	ErrProviderUnavailable = errors.New("ai provider unavailable")
	ErrInferenceTimeout    = errors.New("ai inference timeout")
	ErrInvalidResponse     = errors.New("ai provider returned invalid response")
	ErrRequestRejected     = errors.New("ai provider rejected the request")
)

// ClassifyTransportError maps an HTTP transport failure to one of the
// sentinel errors above.
func ClassifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrInferenceTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrInferenceTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}

// ClassifyStatus maps a non-200 provider response. 408, 429 and 5xx are
// transient; any other 4xx means the request itself is wrong and will not
// succeed on retry.
func ClassifyStatus(code int) error {
	switch {
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		return ErrProviderUnavailable
	case code >= 400 && code < 500:
		return ErrRequestRejected
	default:
		return ErrProviderUnavailable
	}
}

// Retryable reports whether a provider error is transient (outage or timeout).
func Retryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) || errors.Is(err, ErrInferenceTimeout)
}
