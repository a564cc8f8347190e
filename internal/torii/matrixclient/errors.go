package matrixclient

import (
	"errors"
	"fmt"

	"maunium.net/go/mautrix"
)

// ErrForbidden wraps a homeserver M_FORBIDDEN response (e.g. joining a room
// the ghost has not been invited to), so callers can use errors.Is instead of
// string matching.
var ErrForbidden = errors.New("matrixclient: forbidden")

// ErrNotFound wraps a homeserver M_NOT_FOUND response.
var ErrNotFound = errors.New("matrixclient: not found")

// RemoteError reports that a homeserver call returned a non-2xx response,
// carrying the status code and the homeserver's error message so a caller can decide
// whether the failure is worth retrying without depending on the mautrix
// package's own error types.
type RemoteError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("matrixclient: homeserver returned %d: %s", e.StatusCode, e.Body)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// asRemoteError wraps err in a *RemoteError when it is (or wraps) a
// mautrix.HTTPError, preserving the original error as the wrapped cause so
// errors.Is against mautrix's own sentinels (MForbidden, MNotFound, ...)
// still works through it.
func asRemoteError(err error) error {
	var httpErr mautrix.HTTPError
	if !errors.As(err, &httpErr) {
		return err
	}
	body := httpErr.Message
	if httpErr.RespError != nil {
		body = httpErr.RespError.Err
	}
	return &RemoteError{StatusCode: httpErr.Code, Body: body, Err: err}
}
