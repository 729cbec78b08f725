package core

import "errors"

var (
	// ErrTransport indicates the websocket could not be opened.
	ErrTransport = errors.New("transport failure")
	// ErrAuthenticationFailed indicates rejected credentials or signature.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrNotReady indicates a call was attempted outside the Ready state.
	ErrNotReady = errors.New("session not ready")
	// ErrResponseTimeout indicates no matching response arrived in time.
	ErrResponseTimeout = errors.New("response timeout")
	// ErrConnectionLost indicates the transport closed while a request was in flight.
	ErrConnectionLost = errors.New("connection lost")
	// ErrInsufficientBalanceData indicates the quote currency is missing from the snapshot.
	ErrInsufficientBalanceData = errors.New("insufficient balance data")
	// ErrInvalidPrice indicates a non-positive reference price.
	ErrInvalidPrice = errors.New("invalid reference price")
	// ErrOrderRejected indicates the exchange returned a non-zero code for an order.
	ErrOrderRejected = errors.New("order rejected")
	// ErrDuplicateOrder indicates the client_oid has already been accepted before.
	ErrDuplicateOrder = errors.New("duplicate order")
	// ErrInvalidSignal indicates an alert payload that failed boundary validation.
	ErrInvalidSignal = errors.New("invalid signal payload")
)

// IsTransient reports whether an error is a transport-level failure that a
// caller may retry; exchange rejections and validation failures are terminal
// for the signal that triggered them.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrResponseTimeout) ||
		errors.Is(err, ErrNotReady)
}
