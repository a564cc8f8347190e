package appservice

import "net/http"

// AuthenticationError reports a missing or invalid hs_token on an inbound
// homeserver request, per §4.6's authentication rule.
type AuthenticationError struct {
	Msg string
}

func (e *AuthenticationError) Error() string   { return e.Msg }
func (e *AuthenticationError) ErrCode() string { return "AUTH_FAILED" }
func (e *AuthenticationError) StatusCode() int { return http.StatusUnauthorized }

// ValidationError reports a malformed request: a transaction body missing
// its events array, or a query missing a required parameter.
type ValidationError struct {
	Code string
	Msg  string
}

func (e *ValidationError) Error() string { return e.Msg }
func (e *ValidationError) ErrCode() string {
	if e.Code != "" {
		return e.Code
	}
	return "BAD_REQUEST"
}
func (e *ValidationError) StatusCode() int { return http.StatusBadRequest }

// NotFoundError reports an unknown path, protocol, user, room, or mapping.
// Code carries the specific errcode the §4.6 table mandates for the
// situation (M_UNRECOGNIZED, USER_DOES_NOT_EXIST, ROOM_DOES_NOT_EXIST,
// PROTOCOL_NOT_HANDLED, NO_MAPPING_FOUND).
type NotFoundError struct {
	Code string
	Msg  string
}

func (e *NotFoundError) Error() string   { return e.Msg }
func (e *NotFoundError) ErrCode() string { return e.Code }
func (e *NotFoundError) StatusCode() int { return http.StatusNotFound }

// matrixError is implemented by every typed error above, letting one writer
// turn any of them into the homeserver-facing {errcode, error} envelope.
type matrixError interface {
	error
	ErrCode() string
	StatusCode() int
}

func writeTypedError(w http.ResponseWriter, err matrixError) {
	writeMatrixError(w, err.StatusCode(), err.ErrCode(), err.Error())
}
