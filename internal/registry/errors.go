package registry

import "errors"

// Error taxonomy for store operations. No error here is fatal to the
// process; the store stays serviceable after any single bad input.
var (
	// ErrInvalidRegistration is returned when a registration carries a
	// malformed or empty identity. No state is changed.
	ErrInvalidRegistration = errors.New("invalid registration")

	// ErrUnknownPeer is returned for a heartbeat or report naming an id
	// that was never registered. Callers should re-register.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrMalformedEvent is returned for a report with inconsistent
	// fields. The report is dropped and counted, never stored.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrIncompatibleVersion is returned when a registrant's protocol
	// version is below the minimum the registry accepts.
	ErrIncompatibleVersion = errors.New("incompatible protocol version")
)
