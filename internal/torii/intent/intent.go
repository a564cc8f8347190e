// Package intent implements the Intent Registry and the per-user Intent
// façade (C3/C4): a lazily-constructed wrapper around a ghost user's
// matrixclient.Client that folds registration, join-on-demand, and send
// into idempotent operations, the way every appservice/bridge framework in
// the retrieval pack (mautrix's own IntentAPI) builds its ghost-user
// abstraction. To avoid a cyclic reference between the registry and the
// dispatcher, an Intent never holds a pointer back to its Registry: the
// registry injects a client factory closure and an optional bot-inviter
// closure instead, per the design notes' "break the cycle with closures,
// not back-references" guidance.
package intent

import (
	"context"
	"fmt"
	"sync"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/torii/internal/torii/join"
	"github.com/bdobrica/torii/internal/torii/matrixclient"
)

// RegisteredUserStore tracks which ghost user IDs have already completed
// the appservice /register dance, so a restart does not re-register every
// ghost on its first message.
type RegisteredUserStore interface {
	IsUserRegistered(ctx context.Context, userID string) (bool, error)
	AddRegisteredUser(ctx context.Context, userID string) error
}

// NamespaceChecker is the subset of registration.NamespaceMatcher the
// registry needs to reject a Get for a user-ID outside the appservice's
// namespace (and outside the bot's own ID).
type NamespaceChecker interface {
	IsNamespacedUser(userID string) bool
	GetSuffixForUserID(userID string) string
}

// ClientFactory builds the Client-Server client a new Intent uses to act as
// userID.
type ClientFactory func(userID id.UserID) (matrixclient.Client, error)

// CryptoEngine is the pluggable seam MSC3202 material routes through when an
// Intent sends into a room the Room Tracker (C9) reports as encrypted. The
// core never implements Olm/Megolm session handling itself (out of scope
// per the project's purpose statement); CryptoEngine is what a real
// implementation of that machinery plugs into.
type CryptoEngine interface {
	// EncryptEvent turns a plaintext event into the m.room.encrypted
	// envelope (event type and content) to send in its place.
	EncryptEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, content any) (encType event.Type, encContent any, err error)
}

// RoomEncryptionChecker reports whether a room is currently configured for
// encryption, per the Room Tracker's cached m.room.encryption state.
type RoomEncryptionChecker func(roomID id.RoomID) bool

// Registry owns the single Intent instance per user-ID invariant: Get
// always returns the same *Intent for the same userID for the registry's
// lifetime.
type Registry struct {
	mu      sync.Mutex
	intents map[id.UserID]*Intent

	namespace     NamespaceChecker
	newClient     ClientFactory
	registered    RegisteredUserStore
	joinStrategy  join.Strategy
	botUserID     id.UserID
	onNewIntent   func(ctx context.Context, userID id.UserID)
	crypto        CryptoEngine
	roomEncrypted RoomEncryptionChecker
}

// Options configures a new Registry.
type Options struct {
	Namespace    NamespaceChecker
	NewClient    ClientFactory
	Registered   RegisteredUserStore
	JoinStrategy join.Strategy
	BotUserID    id.UserID
	// OnNewIntent, if set, is invoked exactly once the first time Get
	// constructs an Intent for a given userID — the "intent.new" event the
	// dispatcher publishes to user code.
	OnNewIntent func(ctx context.Context, userID id.UserID)
	// Crypto, if set, is consulted by every Intent's Send before
	// a message-type event reaches an encrypted room. Nil means no crypto
	// engine is configured; sends into encrypted rooms then fail with
	// CryptoUninitializedError instead of leaking plaintext.
	Crypto CryptoEngine
	// RoomEncrypted reports whether a room is currently encrypted, per the
	// Room Tracker's cache. Nil means "never encrypted" (crypto disabled).
	RoomEncrypted RoomEncryptionChecker
}

// NewRegistry constructs a Registry from opts. JoinStrategy defaults to a
// SimpleRetryStrategy with the standard fixed delay schedule when nil.
func NewRegistry(opts Options) *Registry {
	strategy := opts.JoinStrategy
	if strategy == nil {
		strategy = &join.SimpleRetryStrategy{}
	}
	return &Registry{
		intents:       make(map[id.UserID]*Intent),
		namespace:     opts.Namespace,
		newClient:     opts.NewClient,
		registered:    opts.Registered,
		joinStrategy:  strategy,
		botUserID:     opts.BotUserID,
		onNewIntent:   opts.OnNewIntent,
		crypto:        opts.Crypto,
		roomEncrypted: opts.RoomEncrypted,
	}
}

// Get returns the Intent for userID, constructing it on first use. Returns
// an error wrapping ErrNotNamespaced when userID is neither the bot nor
// inside the appservice's namespace.
func (r *Registry) Get(ctx context.Context, userID id.UserID) (*Intent, error) {
	r.mu.Lock()
	if existing, ok := r.intents[userID]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.mu.Unlock()

	isBot := userID == r.botUserID
	if !isBot && r.namespace != nil && !r.namespace.IsNamespacedUser(userID.String()) {
		return nil, fmt.Errorf("intent: %w: %s", ErrNotNamespaced, userID)
	}

	client, err := r.newClient(userID)
	if err != nil {
		return nil, fmt.Errorf("intent: build client for %s: %w", userID, err)
	}

	in := &Intent{
		userID:        userID,
		client:        client,
		joinStrategy:  r.joinStrategy,
		registered:    r.registered,
		joinedRooms:   make(map[id.RoomID]struct{}),
		crypto:        r.crypto,
		roomEncrypted: r.roomEncrypted,
	}
	if !isBot {
		in.botInviter = r.inviteAsBot
	}

	r.mu.Lock()
	if existing, ok := r.intents[userID]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.intents[userID] = in
	r.mu.Unlock()

	if r.onNewIntent != nil {
		r.onNewIntent(ctx, userID)
	}

	return in, nil
}

// Bot returns the Intent for the appservice's own sender_localpart user.
func (r *Registry) Bot(ctx context.Context) (*Intent, error) {
	return r.Get(ctx, r.botUserID)
}

func (r *Registry) inviteAsBot(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	bot, err := r.Bot(ctx)
	if err != nil {
		return fmt.Errorf("intent: get bot intent for invite: %w", err)
	}
	return bot.InviteUser(ctx, roomID, userID)
}

// Count returns the number of Intents constructed so far, for status/health
// reporting.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.intents)
}

// Intent is the per-ghost-user façade: registration, membership, and
// sending collapse into idempotent calls driven by a join.Strategy instead
// of requiring the caller to hand-roll retry logic per call site.
type Intent struct {
	userID id.UserID
	client matrixclient.Client

	joinStrategy join.Strategy
	registered   RegisteredUserStore
	botInviter   func(ctx context.Context, roomID id.RoomID, userID id.UserID) error

	crypto        CryptoEngine
	roomEncrypted RoomEncryptionChecker

	mu           sync.Mutex
	isRegistered bool
	joinedRooms  map[id.RoomID]struct{}
}

// UserID returns the Matrix user-ID this Intent acts as.
func (i *Intent) UserID() id.UserID { return i.client.UserID() }

// EnsureRegistered performs the homeserver /register call the first time
// it is invoked for this Intent (checking the RegisteredUserStore first so
// a restart does not re-register an already-known ghost); subsequent calls
// are no-ops.
func (i *Intent) EnsureRegistered(ctx context.Context) error {
	i.mu.Lock()
	if i.isRegistered {
		i.mu.Unlock()
		return nil
	}
	i.mu.Unlock()

	userID := i.userID.String()
	if i.registered != nil {
		already, err := i.registered.IsUserRegistered(ctx, userID)
		if err != nil {
			return fmt.Errorf("intent: check registered for %s: %w", userID, err)
		}
		if already {
			i.mu.Lock()
			i.isRegistered = true
			i.mu.Unlock()
			return nil
		}
	}

	localpart, _, err := id.UserID(userID).Parse()
	if err != nil {
		return fmt.Errorf("intent: parse localpart for %s: %w", userID, err)
	}
	if err := i.client.Register(ctx, localpart); err != nil {
		return &RegistrationError{UserID: userID, Err: err}
	}
	if i.registered != nil {
		if err := i.registered.AddRegisteredUser(ctx, userID); err != nil {
			return fmt.Errorf("intent: persist registration for %s: %w", userID, err)
		}
	}

	i.mu.Lock()
	i.isRegistered = true
	i.mu.Unlock()
	return nil
}

// Join performs a single raw join attempt against roomID, with no retry.
// On success roomID is recorded as joined. Most callers want EnsureJoined
// instead; Join is exposed for the join.Strategy's Attempt callback and for
// callers who want to handle retry themselves.
func (i *Intent) Join(ctx context.Context, roomID id.RoomID) error {
	if err := i.client.JoinRoom(ctx, roomID.String()); err != nil {
		return err
	}
	i.mu.Lock()
	i.joinedRooms[roomID] = struct{}{}
	i.mu.Unlock()
	return nil
}

// EnsureJoined joins roomID if not already a known member, registering the
// ghost first if needed, retrying per the configured join.Strategy
// (composed with a bot self-invite for non-bot intents) until the schedule
// is exhausted.
func (i *Intent) EnsureJoined(ctx context.Context, roomID id.RoomID) error {
	if i.IsJoined(roomID) {
		return nil
	}
	if err := i.EnsureRegistered(ctx); err != nil {
		return err
	}

	strategy := i.joinStrategy
	if i.botInviter != nil {
		strategy = &join.AppserviceJoinStrategy{
			Inner: i.joinStrategy,
			Invite: func(ctx context.Context) error {
				return i.botInviter(ctx, roomID, i.userID)
			},
		}
	}

	if err := strategy.Join(ctx, func(ctx context.Context) error {
		return i.Join(ctx, roomID)
	}); err != nil {
		return &join.JoinError{RoomIDOrAlias: roomID.String(), Err: err}
	}
	return nil
}

// Leave leaves roomID and forgets it from the joined-rooms set.
func (i *Intent) Leave(ctx context.Context, roomID id.RoomID) error {
	if err := i.client.LeaveRoom(ctx, roomID); err != nil {
		return err
	}
	i.mu.Lock()
	delete(i.joinedRooms, roomID)
	i.mu.Unlock()
	return nil
}

// InviteUser invites userID into roomID, acting as this Intent (used by the
// bot Intent to self-invite a ghost before the ghost retries its join).
func (i *Intent) InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	return i.client.InviteUser(ctx, roomID, userID)
}

// Send ensures registration and room membership, then sends a message-type
// event — the common path every preprocessed event ultimately takes. Per
// §4.3, a room the Room Tracker reports as encrypted routes through the
// configured CryptoEngine instead of sending plaintext; with encryption
// enabled for the room but no engine configured, the send fails with
// CryptoUninitializedError rather than leaking plaintext.
func (i *Intent) Send(ctx context.Context, roomID id.RoomID, eventType event.Type, content any) (id.EventID, error) {
	if err := i.EnsureJoined(ctx, roomID); err != nil {
		return "", fmt.Errorf("intent: ensure joined before send: %w", err)
	}

	if i.roomEncrypted != nil && i.roomEncrypted(roomID) {
		if i.crypto == nil {
			return "", &CryptoUninitializedError{RoomID: roomID.String()}
		}
		encType, encContent, err := i.crypto.EncryptEvent(ctx, roomID, eventType, content)
		if err != nil {
			return "", fmt.Errorf("intent: encrypt event for %s: %w", roomID, err)
		}
		return i.client.SendEvent(ctx, roomID, encType, encContent)
	}

	return i.client.SendEvent(ctx, roomID, eventType, content)
}

// SendState is the state-event equivalent of Send. State events are never
// routed through the CryptoEngine: Matrix room state is never encrypted,
// even in encrypted rooms.
func (i *Intent) SendState(ctx context.Context, roomID id.RoomID, eventType event.Type, stateKey string, content any) (id.EventID, error) {
	if err := i.EnsureJoined(ctx, roomID); err != nil {
		return "", fmt.Errorf("intent: ensure joined before send state: %w", err)
	}
	return i.client.SendStateEvent(ctx, roomID, eventType, stateKey, content)
}

// MarkJoined records roomID as joined without an underlying network call.
// The dispatcher calls this when an m.room.member event reports this
// Intent's own membership changed to join — the homeserver is the source
// of truth there, not a join this Intent initiated itself.
func (i *Intent) MarkJoined(roomID id.RoomID) {
	i.mu.Lock()
	i.joinedRooms[roomID] = struct{}{}
	i.mu.Unlock()
}

// MarkLeft removes roomID from the known joined-rooms set, mirroring
// MarkJoined for leave/ban membership events observed for this Intent.
func (i *Intent) MarkLeft(roomID id.RoomID) {
	i.mu.Lock()
	delete(i.joinedRooms, roomID)
	i.mu.Unlock()
}

// CreateRoom creates a new room, acting as this Intent (used by the bot
// Intent to provision a room a room-alias query resolved to "should
// exist").
func (i *Intent) CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error) {
	if err := i.EnsureRegistered(ctx); err != nil {
		return "", err
	}
	roomID, err := i.client.CreateRoom(ctx, req)
	if err != nil {
		return "", err
	}
	i.mu.Lock()
	i.joinedRooms[roomID] = struct{}{}
	i.mu.Unlock()
	return roomID, nil
}

// SetDisplayName sets this ghost's profile display name, registering it
// first if needed.
func (i *Intent) SetDisplayName(ctx context.Context, name string) error {
	if err := i.EnsureRegistered(ctx); err != nil {
		return err
	}
	return i.client.SetDisplayName(ctx, name)
}

// SetAvatarURL sets this ghost's profile avatar, registering it first if
// needed.
func (i *Intent) SetAvatarURL(ctx context.Context, url id.ContentURI) error {
	if err := i.EnsureRegistered(ctx); err != nil {
		return err
	}
	return i.client.SetAvatarURL(ctx, url)
}

// IsJoined reports whether roomID is in this Intent's known joined-rooms
// set, without a round trip to the homeserver.
func (i *Intent) IsJoined(roomID id.RoomID) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.joinedRooms[roomID]
	return ok
}

// RefreshJoinedRooms re-synchronizes the joined-rooms set from the
// homeserver's authoritative /joined_rooms, replacing whatever was known
// locally — used after a restart, or when membership may have drifted
// (e.g. another client removed the ghost from a room).
func (i *Intent) RefreshJoinedRooms(ctx context.Context) error {
	rooms, err := i.client.GetJoinedRooms(ctx)
	if err != nil {
		return fmt.Errorf("intent: refresh joined rooms for %s: %w", i.userID, err)
	}
	fresh := make(map[id.RoomID]struct{}, len(rooms))
	for _, r := range rooms {
		fresh[r] = struct{}{}
	}
	i.mu.Lock()
	i.joinedRooms = fresh
	i.mu.Unlock()
	return nil
}
