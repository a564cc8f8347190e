// Package roomtracker implements the Room Tracker (C9): a per-room
// encryption-config cache fed by a refresh queue that guarantees at most
// one fetch in flight per room at a time, coalescing repeated refresh
// triggers (e.g. from several events in the same room arriving in one
// transaction) into a single homeserver round trip. The defensive refresh
// throttle uses golang.org/x/time/rate in place of the hand-rolled
// fixed-window limiter the teacher's webhook package uses for its own
// rate-limiting concern (internal/ruriko/webhook/ratelimit.go).
package roomtracker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
	"maunium.net/go/mautrix/id"
)

// Config is the cached per-room encryption configuration, populated from
// the room's m.room.encryption state event.
type Config struct {
	Encrypted bool
	Algorithm string
}

// Fetcher retrieves a room's current encryption configuration from the
// homeserver. The default implementation wraps matrixclient.Client's
// GetRoomStateEvent against m.room.encryption.
type Fetcher interface {
	FetchRoomConfig(ctx context.Context, roomID id.RoomID) (Config, error)
}

// FetcherFunc adapts a function to a Fetcher.
type FetcherFunc func(ctx context.Context, roomID id.RoomID) (Config, error)

func (f FetcherFunc) FetchRoomConfig(ctx context.Context, roomID id.RoomID) (Config, error) {
	return f(ctx, roomID)
}

// CryptoStore is the subset of cryptostore.Store's surface the Tracker needs
// to survive a restart without re-fetching every known room's encryption
// state from the homeserver. Matches cryptostore.Store's GetRoom/StoreRoom
// signatures exactly so a *cryptostore.Store can be passed to WithPersistence
// directly.
type CryptoStore interface {
	GetRoom(ctx context.Context, roomID string) ([]byte, bool, error)
	StoreRoom(ctx context.Context, roomID string, blob []byte) error
}

// Tracker caches room Configs and coalesces concurrent refresh requests for
// the same room into a single Fetcher call.
type Tracker struct {
	fetcher Fetcher
	limiter *rate.Limiter
	persist CryptoStore

	mu       sync.Mutex
	cache    map[id.RoomID]Config
	inFlight map[id.RoomID]struct{}

	// onRefreshed, when set, is invoked after each completed background
	// refresh (including failures) — used by tests and by cmd/toriid's
	// logging to observe completion without polling the cache.
	onRefreshed func(roomID id.RoomID, cfg Config, err error)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithRateLimit bounds how often the Tracker will start a homeserver fetch,
// defending against a burst of refresh triggers from a single noisy room.
func WithRateLimit(limiter *rate.Limiter) Option {
	return func(t *Tracker) { t.limiter = limiter }
}

// WithRefreshObserver registers a callback invoked after every completed
// background refresh.
func WithRefreshObserver(fn func(roomID id.RoomID, cfg Config, err error)) Option {
	return func(t *Tracker) { t.onRefreshed = fn }
}

// WithPersistence backs the Tracker with store, read through on a cache miss
// in EnsureFresh (before falling back to a homeserver fetch) and written
// through after every successful fetch, the way the crypto-store already
// persists other at-rest state per §4.8. Get is never affected: it stays a
// pure in-memory lookup with no I/O.
func WithPersistence(store CryptoStore) Option {
	return func(t *Tracker) { t.persist = store }
}

// New constructs a Tracker backed by fetcher. With no WithRateLimit option,
// refreshes are unthrottled beyond the at-most-one-in-flight-per-room
// guarantee.
func New(fetcher Fetcher, opts ...Option) *Tracker {
	t := &Tracker{
		fetcher:  fetcher,
		cache:    make(map[id.RoomID]Config),
		inFlight: make(map[id.RoomID]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Get returns the cached Config for roomID without triggering a fetch.
func (t *Tracker) Get(roomID id.RoomID) (Config, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cfg, ok := t.cache[roomID]
	return cfg, ok
}

// TriggerRefresh starts a background fetch for roomID unless one is
// already in flight, in which case the call is a coalesced no-op. Returns
// true when a new fetch was started.
func (t *Tracker) TriggerRefresh(ctx context.Context, roomID id.RoomID) bool {
	t.mu.Lock()
	if _, inFlight := t.inFlight[roomID]; inFlight {
		t.mu.Unlock()
		return false
	}
	t.inFlight[roomID] = struct{}{}
	t.mu.Unlock()

	go t.runRefresh(ctx, roomID)
	return true
}

func (t *Tracker) runRefresh(ctx context.Context, roomID id.RoomID) {
	defer func() {
		t.mu.Lock()
		delete(t.inFlight, roomID)
		t.mu.Unlock()
	}()

	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			if t.onRefreshed != nil {
				t.onRefreshed(roomID, Config{}, fmt.Errorf("roomtracker: rate limit wait for %s: %w", roomID, err))
			}
			return
		}
	}

	cfg, err := t.fetcher.FetchRoomConfig(ctx, roomID)
	if err == nil {
		t.mu.Lock()
		t.cache[roomID] = cfg
		t.mu.Unlock()
		t.persistConfig(ctx, roomID, cfg)
	}
	if t.onRefreshed != nil {
		t.onRefreshed(roomID, cfg, err)
	}
}

// EnsureFresh returns the cached Config if present; otherwise it performs a
// synchronous fetch (bypassing the background queue, since the caller is
// explicitly blocked on the answer), caching the result for subsequent
// TriggerRefresh/Get calls.
func (t *Tracker) EnsureFresh(ctx context.Context, roomID id.RoomID) (Config, error) {
	if cfg, ok := t.Get(roomID); ok {
		return cfg, nil
	}
	if cfg, ok := t.loadPersisted(ctx, roomID); ok {
		t.mu.Lock()
		t.cache[roomID] = cfg
		t.mu.Unlock()
		return cfg, nil
	}
	cfg, err := t.fetcher.FetchRoomConfig(ctx, roomID)
	if err != nil {
		return Config{}, fmt.Errorf("roomtracker: fetch config for %s: %w", roomID, err)
	}
	t.mu.Lock()
	t.cache[roomID] = cfg
	t.mu.Unlock()
	t.persistConfig(ctx, roomID, cfg)
	return cfg, nil
}

// Forget removes roomID from the cache, e.g. after the Intent leaves it.
func (t *Tracker) Forget(roomID id.RoomID) {
	t.mu.Lock()
	delete(t.cache, roomID)
	t.mu.Unlock()
}

// loadPersisted reads roomID's Config back from the CryptoStore, when one is
// configured. A decode or store failure is treated as a miss: the caller
// falls back to a live fetch rather than failing the whole operation over a
// corrupt persisted blob.
func (t *Tracker) loadPersisted(ctx context.Context, roomID id.RoomID) (Config, bool) {
	if t.persist == nil {
		return Config{}, false
	}
	blob, ok, err := t.persist.GetRoom(ctx, roomID.String())
	if err != nil || !ok {
		return Config{}, false
	}
	var cfg Config
	if err := json.Unmarshal(blob, &cfg); err != nil {
		return Config{}, false
	}
	return cfg, true
}

// persistConfig writes cfg to the CryptoStore, when one is configured. A
// write failure is swallowed here: the in-memory cache is already
// authoritative for this process's lifetime, and the next successful
// refresh will retry the write.
func (t *Tracker) persistConfig(ctx context.Context, roomID id.RoomID, cfg Config) {
	if t.persist == nil {
		return
	}
	blob, err := json.Marshal(cfg)
	if err != nil {
		return
	}
	_ = t.persist.StoreRoom(ctx, roomID.String(), blob)
}
