// Package matrixclient wraps the narrow Client-Server verb set an
// appservice Intent needs, built on maunium.net/go/mautrix the way
// Ruriko's matrix package wraps mautrix for its chatops bot — but
// generalized to act as any ghost user via the appservice's as_token and
// the ?user_id= query parameter, instead of a single fixed bot account.
package matrixclient

import (
	"context"
	"errors"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/torii/common/retry"
)

// Client is the verb set torii's intent package needs against the
// homeserver's Client-Server API. It intentionally omits everything outside
// that set (pagination, media, presence, receipts, E2EE) — those remain out
// of scope per the project's purpose statement.
type Client interface {
	CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (roomID id.RoomID, err error)
	JoinRoom(ctx context.Context, roomIDOrAlias string) error
	LeaveRoom(ctx context.Context, roomID id.RoomID) error
	InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	GetJoinedRooms(ctx context.Context) ([]id.RoomID, error)
	ResolveRoomAlias(ctx context.Context, alias id.RoomAlias) (roomID id.RoomID, servers []string, err error)
	GetRoomStateEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, stateKey string, out any) error
	SendStateEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, stateKey string, content any) (id.EventID, error)
	SendEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, content any) (id.EventID, error)
	SetDisplayName(ctx context.Context, name string) error
	SetAvatarURL(ctx context.Context, url id.ContentURI) error
	Register(ctx context.Context, localpart string) error

	UserID() id.UserID
}

// MautrixClient is the default Client implementation, backed by a
// *mautrix.Client configured to act as a given appservice ghost user.
type MautrixClient struct {
	client *mautrix.Client
}

var _ Client = (*MautrixClient)(nil)

// NewForUser builds a Client acting as userID against homeserverURL,
// authenticated with the appservice's as_token. Mirrors the mautrix
// reference appservice's makeClient: SetAppServiceUserID true adds the
// ?user_id= query parameter every request needs when acting as a ghost
// rather than the namespace-registered bot.
func NewForUser(homeserverURL string, userID id.UserID, asToken string) (*MautrixClient, error) {
	client, err := mautrix.NewClient(homeserverURL, userID, asToken)
	if err != nil {
		return nil, fmt.Errorf("matrixclient: create client for %s: %w", userID, err)
	}
	client.SetAppServiceUserID = true
	// torii's intent layer does not run a /sync loop per ghost; each Intent
	// is a pure request/response façade driven by the dispatcher.
	client.Syncer = nil
	client.Store = nil
	return &MautrixClient{client: client}, nil
}

func (c *MautrixClient) UserID() id.UserID { return c.client.UserID }

func (c *MautrixClient) CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error) {
	resp, err := c.client.CreateRoom(ctx, req)
	if err != nil {
		return "", fmt.Errorf("matrixclient: create room: %w", asRemoteError(err))
	}
	return resp.RoomID, nil
}

func (c *MautrixClient) JoinRoom(ctx context.Context, roomIDOrAlias string) error {
	_, err := c.client.JoinRoom(ctx, roomIDOrAlias, nil)
	if err != nil {
		if errors.Is(err, mautrix.MForbidden) {
			return fmt.Errorf("matrixclient: join %s: %w", roomIDOrAlias, ErrForbidden)
		}
		return fmt.Errorf("matrixclient: join %s: %w", roomIDOrAlias, asRemoteError(err))
	}
	return nil
}

func (c *MautrixClient) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := c.client.LeaveRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("matrixclient: leave %s: %w", roomID, asRemoteError(err))
	}
	return nil
}

func (c *MautrixClient) InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	_, err := c.client.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: userID})
	if err != nil {
		return fmt.Errorf("matrixclient: invite %s to %s: %w", userID, roomID, asRemoteError(err))
	}
	return nil
}

func (c *MautrixClient) GetJoinedRooms(ctx context.Context) ([]id.RoomID, error) {
	resp, err := c.client.JoinedRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("matrixclient: joined rooms: %w", asRemoteError(err))
	}
	return resp.JoinedRooms, nil
}

func (c *MautrixClient) ResolveRoomAlias(ctx context.Context, alias id.RoomAlias) (id.RoomID, []string, error) {
	resp, err := c.client.ResolveAlias(ctx, alias)
	if err != nil {
		return "", nil, fmt.Errorf("matrixclient: resolve alias %s: %w", alias, asRemoteError(err))
	}
	return resp.RoomID, resp.Servers, nil
}

func (c *MautrixClient) GetRoomStateEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, stateKey string, out any) error {
	err := c.client.StateEvent(ctx, roomID, eventType, stateKey, out)
	if err != nil {
		if errors.Is(err, mautrix.MNotFound) {
			return fmt.Errorf("matrixclient: state event %s in %s: %w", eventType, roomID, ErrNotFound)
		}
		return fmt.Errorf("matrixclient: state event %s in %s: %w", eventType, roomID, asRemoteError(err))
	}
	return nil
}

func (c *MautrixClient) SendStateEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, stateKey string, content any) (id.EventID, error) {
	resp, err := c.client.SendStateEvent(ctx, roomID, eventType, stateKey, content)
	if err != nil {
		return "", fmt.Errorf("matrixclient: send state event %s in %s: %w", eventType, roomID, asRemoteError(err))
	}
	return resp.EventID, nil
}

func (c *MautrixClient) SendEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, content any) (id.EventID, error) {
	resp, err := c.client.SendMessageEvent(ctx, roomID, eventType, content)
	if err != nil {
		return "", fmt.Errorf("matrixclient: send event %s in %s: %w", eventType, roomID, asRemoteError(err))
	}
	return resp.EventID, nil
}

func (c *MautrixClient) SetDisplayName(ctx context.Context, name string) error {
	if err := c.client.SetDisplayName(ctx, name); err != nil {
		return fmt.Errorf("matrixclient: set display name: %w", asRemoteError(err))
	}
	return nil
}

func (c *MautrixClient) SetAvatarURL(ctx context.Context, url id.ContentURI) error {
	if err := c.client.SetAvatarURL(ctx, url); err != nil {
		return fmt.Errorf("matrixclient: set avatar url: %w", asRemoteError(err))
	}
	return nil
}

// Register performs the appservice user-registration dance (POST
// /register with type m.login.application_service) for localpart.
// M_USER_IN_USE is treated as success: the ghost is already registered.
// Transient homeserver errors are retried with retry.DefaultConfig's
// backoff; M_USER_IN_USE and other Matrix errors are not retried.
func (c *MautrixClient) Register(ctx context.Context, localpart string) error {
	cfg := retry.DefaultConfig
	cfg.ShouldRetry = func(err error) bool {
		var httpErr mautrix.HTTPError
		return !errors.As(err, &httpErr) || httpErr.RespError == nil
	}

	err := retry.Do(ctx, cfg, func() error {
		_, _, err := c.client.Register(ctx, &mautrix.ReqRegister{
			Username: localpart,
			Type:     mautrix.AuthTypeAppservice,
		})
		return err
	})
	if err != nil {
		if errors.Is(err, mautrix.MUserInUse) {
			return nil
		}
		return fmt.Errorf("matrixclient: register %s: %w", localpart, asRemoteError(err))
	}
	return nil
}
