package appservice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/torii/internal/torii/events"
)

// errorResponse mirrors the Matrix client-server errcode/error envelope the
// homeserver expects on a failed query, the same shape the teacher's AS
// handlers return for every non-2xx response.
type errorResponse struct {
	ErrCode string `json:"errcode"`
	Error   string `json:"error"`
}

func writeMatrixError(w http.ResponseWriter, status int, errcode, message string) {
	writeJSON(w, status, errorResponse{ErrCode: errcode, Error: message})
}

// UserQueryRequest is the C8 request the dispatcher hands to a registered
// user-query handler when the homeserver asks whether a namespaced user
// should be lazily created.
type UserQueryRequest struct {
	UserID id.UserID
}

// UserQueryResponse is the handler's answer. Exists reports whether the
// appservice should proceed with provisioning the user; DisplayName and
// AvatarURL, when set, seed the user's profile at registration time.
type UserQueryResponse struct {
	Exists      bool
	DisplayName string
	AvatarURL   id.ContentURI
}

// RoomQueryRequest is the C8 request for an unknown namespaced room alias.
type RoomQueryRequest struct {
	Alias id.RoomAlias
}

// RoomQueryResponse is the handler's answer: whether the alias should
// resolve to a room the appservice creates or already manages.
type RoomQueryResponse struct {
	Exists bool
}

// ThirdPartyQueryRequest carries an MSC254x-style third-party protocol
// lookup: either a location query (Fields holds protocol-specific filter
// fields) or a user query (UserID is set).
type ThirdPartyQueryRequest struct {
	Protocol string
	Kind     ThirdPartyQueryKind
	Fields   map[string][]string
	UserID   id.UserID
}

// ThirdPartyQueryKind distinguishes a location lookup from a user lookup.
type ThirdPartyQueryKind int

const (
	ThirdPartyQueryLocation ThirdPartyQueryKind = iota
	ThirdPartyQueryUser
)

// ThirdPartyQueryResponse carries the raw third-party location/user
// descriptors the spec defines as opaque JSON objects.
type ThirdPartyQueryResponse struct {
	Results []json.RawMessage
}

// handleUserQuery implements GET /_matrix/app/v1/users/{userId} (and its
// pre-v1 alias): the homeserver's check before routing a message to an
// unrecognized namespaced user.
func (s *Server) handleUserQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeTypedError(w, &ValidationError{Msg: "method not allowed"})
		return
	}

	rawUserID := lastPathSegment(r.URL.Path)
	if rawUserID == "" {
		writeTypedError(w, &ValidationError{Msg: "missing user id"})
		return
	}

	if s.namespace != nil && !s.namespace.IsNamespacedUser(rawUserID) {
		writeTypedError(w, &NotFoundError{Code: "USER_DOES_NOT_EXIST", Msg: "user not in namespace"})
		return
	}

	if s.userQuery == nil {
		writeTypedError(w, &NotFoundError{Code: "USER_DOES_NOT_EXIST", Msg: "user not found"})
		return
	}

	userID := id.UserID(rawUserID)
	q := events.NewQueryRequest[UserQueryRequest, UserQueryResponse](UserQueryRequest{UserID: userID})
	s.userQuery(r.Context(), q)

	resp, err := q.Await(r.Context())
	if err != nil {
		writeMatrixError(w, http.StatusInternalServerError, "M_UNKNOWN", err.Error())
		return
	}
	if !resp.Exists {
		writeTypedError(w, &NotFoundError{Code: "USER_DOES_NOT_EXIST", Msg: "user not found"})
		return
	}

	s.seedGhostProfile(r.Context(), userID, resp)

	writeJSON(w, http.StatusOK, struct{}{})
}

// seedGhostProfile applies the profile the handler supplied (if any) to the
// ghost's Intent via SetDisplayName/SetAvatarURL, the way the reference
// appservice seeds a lazily-created ghost's profile right after a
// successful user query. Failures are logged, not surfaced: the user query
// itself already succeeded and the homeserver will proceed with routing.
func (s *Server) seedGhostProfile(ctx context.Context, userID id.UserID, resp UserQueryResponse) {
	hasAvatar := resp.AvatarURL != (id.ContentURI{})
	if s.registry == nil || (resp.DisplayName == "" && !hasAvatar) {
		return
	}
	in, err := s.registry.Get(ctx, userID)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userID.String()).Msg("appservice: failed to resolve intent for profile seed")
		return
	}
	if resp.DisplayName != "" {
		if err := in.SetDisplayName(ctx, resp.DisplayName); err != nil {
			s.log.Warn().Err(err).Str("user_id", userID.String()).Msg("appservice: failed to set display name")
		}
	}
	if hasAvatar {
		if err := in.SetAvatarURL(ctx, resp.AvatarURL); err != nil {
			s.log.Warn().Err(err).Str("user_id", userID.String()).Msg("appservice: failed to set avatar url")
		}
	}
}

// handleRoomQuery implements GET /_matrix/app/v1/rooms/{roomAlias}.
func (s *Server) handleRoomQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeTypedError(w, &ValidationError{Msg: "method not allowed"})
		return
	}

	alias := lastPathSegment(r.URL.Path)
	if alias == "" {
		writeTypedError(w, &ValidationError{Msg: "missing room alias"})
		return
	}

	if s.namespace != nil {
		inNamespace, err := s.namespace.IsNamespacedAlias(alias)
		if err != nil || !inNamespace {
			writeTypedError(w, &NotFoundError{Code: "ROOM_DOES_NOT_EXIST", Msg: "alias not in namespace"})
			return
		}
	}

	if s.roomQuery == nil {
		writeTypedError(w, &NotFoundError{Code: "ROOM_DOES_NOT_EXIST", Msg: "room not found"})
		return
	}

	q := events.NewQueryRequest[RoomQueryRequest, RoomQueryResponse](RoomQueryRequest{Alias: id.RoomAlias(alias)})
	s.roomQuery(r.Context(), q)

	resp, err := q.Await(r.Context())
	if err != nil {
		writeMatrixError(w, http.StatusInternalServerError, "M_UNKNOWN", err.Error())
		return
	}
	if !resp.Exists {
		writeTypedError(w, &NotFoundError{Code: "ROOM_DOES_NOT_EXIST", Msg: "room not found"})
		return
	}

	roomID, err := s.provisionQueriedRoom(r.Context(), id.RoomAlias(alias))
	if err != nil {
		s.log.Warn().Err(err).Str("alias", alias).Msg("appservice: failed to provision room for alias query")
		writeMatrixError(w, http.StatusInternalServerError, "M_UNKNOWN", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"room_alias_name": aliasLocalpart(alias), "__roomId": roomID.String()})
}

// provisionQueriedRoom creates (or, if the bot ghost already belongs to it,
// reuses) the room behind alias, via the bot Intent, so the homeserver's
// room-alias query completes with a concrete room ID rather than just an
// acknowledgement. room_alias_name seeds the room's local alias the same
// way the handler-resolved alias was queried.
func (s *Server) provisionQueriedRoom(ctx context.Context, alias id.RoomAlias) (id.RoomID, error) {
	if s.client != nil {
		if roomID, _, err := s.client.ResolveRoomAlias(ctx, alias); err == nil {
			return roomID, nil
		}
	}
	if s.registry == nil {
		return "", fmt.Errorf("appservice: no registry configured to provision %s", alias)
	}
	bot, err := s.registry.Bot(ctx)
	if err != nil {
		return "", fmt.Errorf("appservice: resolve bot intent: %w", err)
	}
	return bot.CreateRoom(ctx, &mautrix.ReqCreateRoom{RoomAliasName: aliasLocalpart(alias)})
}

// aliasLocalpart strips the leading "#" and trailing ":server" from a room
// alias, returning the bare localpart CreateRoom's room_alias_name expects.
func aliasLocalpart(alias id.RoomAlias) string {
	s := strings.TrimPrefix(alias.String(), "#")
	if idx := strings.LastIndex(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	return s
}

// handleThirdPartyQuery implements the MSC254x third-party protocol lookup
// endpoints: .../thirdparty/location{,/{protocol}} and
// .../thirdparty/user{,/{protocol}}.
func (s *Server) handleThirdPartyQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeTypedError(w, &ValidationError{Msg: "method not allowed"})
		return
	}

	if s.thirdPartyQuery == nil {
		writeJSON(w, http.StatusOK, []json.RawMessage{})
		return
	}

	kind, protocol := parseThirdPartyPath(r.URL.Path)
	fields := map[string][]string(r.URL.Query())

	req := ThirdPartyQueryRequest{Protocol: protocol, Kind: kind, Fields: fields}
	if kind == ThirdPartyQueryUser {
		if uid := r.URL.Query().Get("userid"); uid != "" {
			req.UserID = id.UserID(uid)
		}
	}

	q := events.NewQueryRequest[ThirdPartyQueryRequest, ThirdPartyQueryResponse](req)
	s.thirdPartyQuery(r.Context(), q)

	resp, err := q.Await(r.Context())
	if err != nil {
		writeMatrixError(w, http.StatusInternalServerError, "M_UNKNOWN", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp.Results)
}

// parseThirdPartyPath extracts the query kind ("location"/"user") and the
// optional trailing protocol segment from a thirdparty query path.
func parseThirdPartyPath(path string) (ThirdPartyQueryKind, string) {
	segment := lastPathSegment(path)
	if idx := indexOf(path, "/thirdparty/user"); idx >= 0 {
		if segment == "user" {
			return ThirdPartyQueryUser, ""
		}
		return ThirdPartyQueryUser, segment
	}
	if segment == "location" {
		return ThirdPartyQueryLocation, ""
	}
	return ThirdPartyQueryLocation, segment
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
