package exchange

import "fmt"

// VenueError wraps an error from a specific venue, preserving the
// original for errors.Is/errors.As.
type VenueError struct {
	Exchange string
	Message  string
	Original error
}

func (e *VenueError) Error() string {
	if e.Exchange == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Exchange, e.Message)
}

func (e *VenueError) Unwrap() error { return e.Original }

// AuthError is returned by Connect when credentials are rejected. The
// caller must drop the adapter from the active set and never retry
// silently.
type AuthError struct{ *VenueError }

func NewAuthError(exchange string, original error) *AuthError {
	return &AuthError{&VenueError{Exchange: exchange, Message: "authentication failed", Original: original}}
}

// TransientError is a retryable network/venue hiccup. Retried inside the
// component with backoff; only surfaced if it exceeds a deadline.
type TransientError struct{ *VenueError }

func NewTransientError(exchange string, original error) *TransientError {
	return &TransientError{&VenueError{Exchange: exchange, Message: "transient failure", Original: original}}
}

func (e *TransientError) Temporary() bool { return true }

// IncompatibleVenueError is returned by Connect when the venue has no
// matching USDT-settled linear perpetual instruments.
type IncompatibleVenueError struct{ *VenueError }

func NewIncompatibleVenueError(exchange string) *IncompatibleVenueError {
	return &IncompatibleVenueError{&VenueError{Exchange: exchange, Message: "no compatible instruments"}}
}

// InsufficientBalanceError is returned by PlaceOrder when the venue
// rejects the order for lack of margin. Aborts the current opportunity;
// no cooldown is set.
type InsufficientBalanceError struct{ *VenueError }

func NewInsufficientBalanceError(exchange string, original error) *InsufficientBalanceError {
	return &InsufficientBalanceError{&VenueError{Exchange: exchange, Message: "insufficient balance", Original: original}}
}

// RejectedBySideError is returned when a reduce-only order is rejected
// because it would cross the venue's position (rare, logged at ERROR).
type RejectedBySideError struct{ *VenueError }

func NewRejectedBySideError(exchange string, original error) *RejectedBySideError {
	return &RejectedBySideError{&VenueError{Exchange: exchange, Message: "rejected: would increase position", Original: original}}
}

// OrderTimeoutError is returned when PlaceOrder exceeds its bounded
// timeout (default 5s).
type OrderTimeoutError struct{ *VenueError }

func NewOrderTimeoutError(exchange string, original error) *OrderTimeoutError {
	return &OrderTimeoutError{&VenueError{Exchange: exchange, Message: "order timed out", Original: original}}
}

// NetworkError is a generic network failure from PlaceOrder that isn't a
// timeout.
type NetworkError struct{ *VenueError }

func NewNetworkError(exchange string, original error) *NetworkError {
	return &NetworkError{&VenueError{Exchange: exchange, Message: "network error", Original: original}}
}

func (e *NetworkError) Temporary() bool { return true }
