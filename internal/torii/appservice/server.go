// Package appservice implements the Transaction Ingestor/Dispatcher (C7)
// and the Query Handlers (C8): the HTTP surface a homeserver pushes
// transactions and queries to, and the dispatch logic that turns a
// transaction's events into preprocessed events, intent lifecycle calls,
// and room-tracker refreshes. The HTTP server lifecycle — net.Listen, a
// background Serve goroutine, ctx-triggered Shutdown — is grounded on the
// teacher's app.HealthServer; the request auth/body-size discipline is
// grounded on the teacher's webhook.Proxy.
package appservice

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/bdobrica/torii/internal/torii/dedup"
	"github.com/bdobrica/torii/internal/torii/events"
	"github.com/bdobrica/torii/internal/torii/intent"
	"github.com/bdobrica/torii/internal/torii/matrixclient"
	"github.com/bdobrica/torii/internal/torii/preprocess"
	"github.com/bdobrica/torii/internal/torii/registration"
	"github.com/bdobrica/torii/internal/torii/roomtracker"
)

// maxTransactionBytes caps an inbound transaction body, mirroring the
// teacher webhook proxy's 1 MiB cap on inbound deliveries but sized up for
// a homeserver transaction batch, which can carry many events.
const maxTransactionBytes = 8 * 1024 * 1024

// Config configures a Server.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string
	// HSToken authenticates inbound homeserver requests.
	HSToken string

	Registration *registration.Registration
	Namespace    *registration.NamespaceMatcher
	Registry     *intent.Registry
	Dedup        *dedup.Store
	Pipeline     *preprocess.Pipeline
	RoomTracker  *roomtracker.Tracker
	// Client is the homeserver-facing client passed to every preprocessor
	// run, per §4.5's process(event, client, kind) contract.
	Client matrixclient.Client

	Logger zerolog.Logger
}

// Server is the appservice's HTTP surface: transaction ingestion, user and
// room queries, and liveness/readiness probes.
type Server struct {
	addr    string
	hsToken string

	namespace *registration.NamespaceMatcher
	registry  *intent.Registry
	dedupe    *dedup.Store
	pipeline  *preprocess.Pipeline
	tracker   *roomtracker.Tracker
	client    matrixclient.Client
	log       zerolog.Logger

	mux        *http.ServeMux
	httpServer *http.Server
	startedAt  time.Time

	onRoomEvent      func(ctx context.Context, ev *events.RoomEvent)
	onEphemeralEvent func(ctx context.Context, ev *events.RoomEvent)
	onDeviceLists    func(ctx context.Context, dl events.DeviceLists)
	onOTKCounts      func(ctx context.Context, otk events.OTKCounts)

	// Specialized §4.6 step-3d routing, run in addition to onRoomEvent.
	onRoomMessage    func(ctx context.Context, ev *events.RoomEvent)
	onEncryptedEvent func(ctx context.Context, ev *events.RoomEvent)
	onRoomJoin       func(ctx context.Context, ev *events.RoomEvent)
	onRoomLeave      func(ctx context.Context, ev *events.RoomEvent)
	onRoomInvite     func(ctx context.Context, ev *events.RoomEvent)
	onRoomArchived   func(ctx context.Context, ev *events.RoomEvent)
	onRoomUpgraded   func(ctx context.Context, ev *events.RoomEvent)

	userQuery       func(ctx context.Context, q *events.QueryRequest[UserQueryRequest, UserQueryResponse])
	roomQuery       func(ctx context.Context, q *events.QueryRequest[RoomQueryRequest, RoomQueryResponse])
	thirdPartyQuery func(ctx context.Context, q *events.QueryRequest[ThirdPartyQueryRequest, ThirdPartyQueryResponse])
	keyClaim        func(ctx context.Context, q *events.QueryRequest[KeyForwardRequest, KeyForwardResponse])
	keyQuery        func(ctx context.Context, q *events.QueryRequest[KeyForwardRequest, KeyForwardResponse])
}

// New constructs a Server from cfg. Register event and query handlers with
// the On*/Handle* setters before calling Start.
func New(cfg Config) *Server {
	s := &Server{
		addr:      cfg.Addr,
		hsToken:   cfg.HSToken,
		namespace: cfg.Namespace,
		registry:  cfg.Registry,
		dedupe:    cfg.Dedup,
		pipeline:  cfg.Pipeline,
		tracker:   cfg.RoomTracker,
		client:    cfg.Client,
		log:       cfg.Logger,
		mux:       http.NewServeMux(),
		startedAt: time.Now(),
	}
	s.registerRoutes()
	return s
}

// OnRoomEvent registers the callback invoked for each non-ephemeral event
// in a transaction, after the preprocessor pipeline runs.
func (s *Server) OnRoomEvent(fn func(ctx context.Context, ev *events.RoomEvent)) { s.onRoomEvent = fn }

// OnEphemeralEvent registers the callback invoked for each MSC2409
// ephemeral event in a transaction.
func (s *Server) OnEphemeralEvent(fn func(ctx context.Context, ev *events.RoomEvent)) {
	s.onEphemeralEvent = fn
}

// OnDeviceLists registers the callback invoked once per transaction when
// org.matrix.msc3202.device_lists is present and non-empty.
func (s *Server) OnDeviceLists(fn func(ctx context.Context, dl events.DeviceLists)) {
	s.onDeviceLists = fn
}

// OnOTKCounts registers the callback invoked once per transaction when
// org.matrix.msc3202.device_one_time_keys_count is present.
func (s *Server) OnOTKCounts(fn func(ctx context.Context, otk events.OTKCounts)) { s.onOTKCounts = fn }

// OnRoomMessage registers the callback invoked, in addition to OnRoomEvent,
// for every m.room.message event.
func (s *Server) OnRoomMessage(fn func(ctx context.Context, ev *events.RoomEvent)) { s.onRoomMessage = fn }

// OnEncryptedEvent registers the callback invoked, in addition to
// OnRoomEvent, for every m.room.encrypted event.
func (s *Server) OnEncryptedEvent(fn func(ctx context.Context, ev *events.RoomEvent)) {
	s.onEncryptedEvent = fn
}

// OnRoomJoin registers the callback invoked when an m.room.member event
// reports a join, per §4.6 step 3d's membership routing.
func (s *Server) OnRoomJoin(fn func(ctx context.Context, ev *events.RoomEvent)) { s.onRoomJoin = fn }

// OnRoomLeave registers the callback invoked when an m.room.member event
// reports a leave or a ban (a ban is routed as a leave, per §4.6).
func (s *Server) OnRoomLeave(fn func(ctx context.Context, ev *events.RoomEvent)) { s.onRoomLeave = fn }

// OnRoomInvite registers the callback invoked when an m.room.member event
// reports an invite.
func (s *Server) OnRoomInvite(fn func(ctx context.Context, ev *events.RoomEvent)) { s.onRoomInvite = fn }

// OnRoomArchived registers the callback invoked when an m.room.tombstone
// event is seen.
func (s *Server) OnRoomArchived(fn func(ctx context.Context, ev *events.RoomEvent)) {
	s.onRoomArchived = fn
}

// OnRoomUpgraded registers the callback invoked when an m.room.create event
// carrying a predecessor is seen (the successor side of a room upgrade).
func (s *Server) OnRoomUpgraded(fn func(ctx context.Context, ev *events.RoomEvent)) {
	s.onRoomUpgraded = fn
}

// HandleUserQuery registers the C8 user-query handler.
func (s *Server) HandleUserQuery(fn func(ctx context.Context, q *events.QueryRequest[UserQueryRequest, UserQueryResponse])) {
	s.userQuery = fn
}

// HandleRoomQuery registers the C8 room-query handler.
func (s *Server) HandleRoomQuery(fn func(ctx context.Context, q *events.QueryRequest[RoomQueryRequest, RoomQueryResponse])) {
	s.roomQuery = fn
}

// HandleThirdPartyQuery registers the C8 third-party-protocol query
// handler.
func (s *Server) HandleThirdPartyQuery(fn func(ctx context.Context, q *events.QueryRequest[ThirdPartyQueryRequest, ThirdPartyQueryResponse])) {
	s.thirdPartyQuery = fn
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/_matrix/app/v1/transactions/", s.requireAuth(s.handleTransaction))
	s.mux.HandleFunc("/transactions/", s.requireAuth(s.handleTransaction))

	s.mux.HandleFunc("/_matrix/app/v1/users/", s.requireAuth(s.handleUserQuery))
	s.mux.HandleFunc("/users/", s.requireAuth(s.handleUserQuery))

	s.mux.HandleFunc("/_matrix/app/v1/rooms/", s.requireAuth(s.handleRoomQuery))
	s.mux.HandleFunc("/rooms/", s.requireAuth(s.handleRoomQuery))

	s.mux.HandleFunc("/_matrix/app/v1/thirdparty/", s.requireAuth(s.handleThirdPartyQuery))
	s.mux.HandleFunc("/_matrix/app/unstable/fi.mau.as_token/thirdparty/", s.requireAuth(s.handleThirdPartyQuery))

	s.mux.HandleFunc("/_matrix/app/v1/ping", s.requireAuth(s.handlePing))
	s.mux.HandleFunc("/_matrix/app/unstable/fi.mau.msc2659/ping", s.requireAuth(s.handlePing))

	s.mux.HandleFunc("/_matrix/app/unstable/org.matrix.msc3983/keys/claim", s.requireAuth(s.handleKeyClaim))
	s.mux.HandleFunc("/_matrix/app/unstable/org.matrix.msc3984/keys/query", s.requireAuth(s.handleKeyQuery))

	s.mux.HandleFunc("/_matrix/mau/live", s.handleLive)
	s.mux.HandleFunc("/_matrix/mau/ready", s.handleReady)

	s.mux.HandleFunc("/", s.handleUnrecognized)
}

// requireAuth wraps h with hs_token validation, the gate every homeserver
// facing endpoint (other than the local liveness probes) sits behind.
func (s *Server) requireAuth(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticateHomeserver(r) {
			s.log.Info().Str("path", r.URL.Path).Msg("appservice: rejected request with invalid hs_token")
			writeTypedError(w, &AuthenticationError{Msg: "Authentication failed"})
			return
		}
		h(w, r)
	}
}

// handleUnrecognized is the catch-all for any path registerRoutes does not
// explicitly serve. ServeMux dispatches here whenever a more specific
// pattern does not match, per §4.6's "unknown paths return 404" rule.
func (s *Server) handleUnrecognized(w http.ResponseWriter, r *http.Request) {
	writeTypedError(w, &NotFoundError{Code: "M_UNRECOGNIZED", Msg: "Endpoint not implemented"})
}

// ServeHTTP implements http.Handler so the Server can be driven directly by
// httptest in unit tests without a live listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start begins listening in the background, returning once the listener is
// established. ctx cancellation triggers a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return &listenError{addr: s.addr, err: err}
	}

	s.httpServer = &http.Server{
		Handler:      s,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("appservice: listening")
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("appservice: server stopped")
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() {
	if s.httpServer == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("appservice: shutdown error")
	}
}

type listenError struct {
	addr string
	err  error
}

func (e *listenError) Error() string { return "appservice: listen " + e.addr + ": " + e.err.Error() }
func (e *listenError) Unwrap() error { return e.err }
