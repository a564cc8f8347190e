package intent

import "errors"

// ErrNotNamespaced is returned by Registry.Get when the requested user-ID
// is neither the appservice bot nor inside the configured user namespace.
var ErrNotNamespaced = errors.New("user id is not in the appservice namespace")

// RegistrationError reports that an Intent's AS /register call failed for a
// reason other than "already exists" (which EnsureRegistered recovers from
// silently). UserID identifies the ghost whose registration failed.
type RegistrationError struct {
	UserID string
	Err    error
}

func (e *RegistrationError) Error() string {
	return "intent: register " + e.UserID + ": " + e.Err.Error()
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// CryptoUninitializedError reports that a crypto-gated operation (sending
// into a room Room Tracker reports as encrypted) was invoked before a
// CryptoEngine was configured.
type CryptoUninitializedError struct {
	RoomID string
}

func (e *CryptoUninitializedError) Error() string {
	return "intent: send to encrypted room " + e.RoomID + ": no crypto engine configured"
}
