package generation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Category classifies a generation failure for the user-facing hint.
type Category string

const (
	CategoryTimeout       Category = "timeout"
	CategoryRateLimit     Category = "rate_limit"
	CategoryNetwork       Category = "network"
	CategoryOverload      Category = "overload"
	CategoryConfiguration Category = "configuration"
	CategoryUnknown       Category = "unknown"
)

// ErrRateLimited is wrapped by errors from the local rate limiter.
var ErrRateLimited = errors.New("generation: rate limit exceeded")

// Error is a categorized backend failure.
type Error struct {
	Category Category
	// Status is the HTTP status, when there was one.
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("generation: %s (HTTP %d): %v", e.Category, e.Status, e.Err)
	}
	return fmt.Sprintf("generation: %s: %v", e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify maps any error to a Category.
func Classify(err error) Category {
	if err == nil {
		return ""
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Category
	}
	if errors.Is(err, ErrRateLimited) {
		return CategoryRateLimit
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return CategoryTimeout
		}
		return CategoryNetwork
	}
	return CategoryUnknown
}

// categoryForStatus maps an HTTP status from the backend to a Category.
func categoryForStatus(status int) Category {
	switch {
	case status == http.StatusTooManyRequests:
		return CategoryRateLimit
	case status == http.StatusUnauthorized, status == http.StatusForbidden,
		status == http.StatusNotFound, status == http.StatusBadRequest:
		return CategoryConfiguration
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return CategoryTimeout
	case status >= 500:
		return CategoryOverload
	}
	return CategoryUnknown
}

// UserMessage is the in-conversation turn shown when generation fails. It
// stays in the companion's voice and ends with a hint for the category.
func UserMessage(c Category) string {
	switch c {
	case CategoryTimeout:
		return "Sorry, I drifted off mid-thought. Could you say that again? (The reply took too long.)"
	case CategoryRateLimit:
		return "You're talking faster than I can keep up! Give me a moment. (Too many messages in a short time.)"
	case CategoryNetwork:
		return "I can't quite hear you right now. (Connection problem, check your network.)"
	case CategoryOverload:
		return "My head is spinning a little. Try again in a bit? (The service is overloaded.)"
	case CategoryConfiguration:
		return "Something about me isn't set up right. (Configuration problem, check the API settings.)"
	default:
		return "Sorry, I lost my words for a second. Could you try again? (Unexpected error.)"
	}
}
