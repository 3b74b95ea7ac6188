package backend

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("backend: circuit open")

// ErrNoStrategy is returned when every fetch strategy failed.
var ErrNoStrategy = errors.New("backend: all strategies failed")

// StatusError is a non-2xx response from the backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend: status %d: %s", e.Code, e.Body)
}

// Retryable reports whether repeating the request may succeed. Auth
// failures and other client errors are permanent, except timeouts and
// throttling.
func (e *StatusError) Retryable() bool {
	switch {
	case e.Code == http.StatusUnauthorized, e.Code == http.StatusForbidden:
		return false
	case e.Code == http.StatusRequestTimeout, e.Code == http.StatusTooManyRequests:
		return true
	case e.Code >= 400 && e.Code < 500:
		return false
	default:
		return true
	}
}

// Retryable classifies any error returned by Client. Network errors and an
// open circuit are transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}

func breakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	return err
}
