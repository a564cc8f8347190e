package appservice

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/torii/internal/torii/events"
)

// wireTransaction mirrors the PUT /_matrix/app/v1/transactions/{txnID}
// body: the stable "events"/"ephemeral" fields plus the MSC2409 and
// MSC3202 extensions a homeserver may include.
type wireTransaction struct {
	Events    []json.RawMessage `json:"events"`
	Ephemeral []json.RawMessage `json:"ephemeral,omitempty"`

	// MSC2409 used "de.sorunome.msc2409.ephemeral" before ephemeral events
	// were stabilized; accept either key.
	LegacyEphemeral []json.RawMessage `json:"de.sorunome.msc2409.ephemeral,omitempty"`

	DeviceLists  *events.DeviceLists       `json:"org.matrix.msc3202.device_lists,omitempty"`
	OTKCounts    events.OTKCounts          `json:"org.matrix.msc3202.device_one_time_keys_count,omitempty"`
	FallbackKeys events.UnusedFallbackKeys `json:"org.matrix.msc3202.device_unused_fallback_key_types,omitempty"`
}

// txOKResponse is the empty JSON object a homeserver expects for a
// successfully processed transaction.
type txOKResponse struct{}

// handleTransaction implements PUT /_matrix/app/v1/transactions/{txnID}
// (and its pre-v1 alias). Idempotent: a transaction ID already recorded in
// the dedup store short-circuits straight to a success response without
// re-running any side effects, since the homeserver may retry a
// transaction it never received an acknowledgement for.
func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeTypedError(w, &ValidationError{Msg: "method not allowed"})
		return
	}

	txnID := lastPathSegment(r.URL.Path)
	if txnID == "" {
		writeTypedError(w, &ValidationError{Msg: "missing transaction id"})
		return
	}

	ctx := r.Context()

	if s.dedupe != nil {
		seen, err := s.dedupe.Seen(ctx, txnID)
		if err != nil {
			s.log.Warn().Err(err).Str("txn_id", txnID).Msg("appservice: dedup lookup failed")
		} else if seen {
			s.log.Debug().Str("txn_id", txnID).Msg("appservice: duplicate transaction, skipping")
			writeJSON(w, http.StatusOK, txOKResponse{})
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxTransactionBytes))
	if err != nil {
		writeTypedError(w, &ValidationError{Msg: "failed to read request body"})
		return
	}

	var tx wireTransaction
	if err := json.Unmarshal(body, &tx); err != nil {
		writeTypedError(w, &ValidationError{Msg: "invalid transaction body"})
		return
	}
	if tx.Events == nil {
		writeTypedError(w, &ValidationError{Msg: "transaction body has no events array"})
		return
	}

	for _, raw := range tx.Events {
		s.dispatchEvent(ctx, raw, events.KindRoomEvent)
	}

	ephemeral := tx.Ephemeral
	if len(ephemeral) == 0 {
		ephemeral = tx.LegacyEphemeral
	}
	for _, raw := range ephemeral {
		s.dispatchEvent(ctx, raw, events.KindEphemeralEvent)
	}

	if tx.DeviceLists != nil && !tx.DeviceLists.Empty() && s.onDeviceLists != nil {
		s.onDeviceLists(ctx, *tx.DeviceLists)
	}
	if len(tx.OTKCounts) > 0 && s.onOTKCounts != nil {
		s.onOTKCounts(ctx, tx.OTKCounts)
	}

	if s.dedupe != nil {
		if err := s.dedupe.Record(ctx, txnID); err != nil {
			s.log.Warn().Err(err).Str("txn_id", txnID).Msg("appservice: failed to record transaction completion")
		}
	}

	writeJSON(w, http.StatusOK, txOKResponse{})
}

// dispatchEvent decodes a single transaction element, runs it through the
// preprocessor pipeline, and routes it to the registered event callback.
// A preprocessor error aborts only this event; the rest of the transaction
// is still processed and the transaction as a whole still succeeds.
func (s *Server) dispatchEvent(ctx context.Context, raw json.RawMessage, kind events.Kind) {
	ev, err := events.DecodeRoomEvent(raw)
	if err != nil {
		s.log.Warn().Err(err).Str("kind", kind.String()).Msg("appservice: failed to decode event")
		return
	}

	if s.pipeline != nil {
		if err := s.pipeline.Run(ctx, ev, s.client, kind); err != nil {
			s.log.Warn().Err(err).Str("event_type", ev.Type).Str("event_id", ev.EventID).Msg("appservice: preprocessor aborted event")
			return
		}
	}

	switch kind {
	case events.KindEphemeralEvent:
		if s.onEphemeralEvent != nil {
			s.onEphemeralEvent(ctx, ev)
		}
	default:
		if s.tracker != nil {
			s.maybeRefreshRoomTracker(ctx, ev)
		}
		if s.onRoomEvent != nil {
			s.onRoomEvent(ctx, ev)
		}
		s.routeSpecialized(ctx, ev)
	}
}

// routeSpecialized implements §4.6 step 3d's per-type routing, run after
// the generic onRoomEvent callback: m.room.message and m.room.encrypted get
// their own callbacks, m.room.member drives membership routing (including
// the Intent joined-rooms cache), m.room.tombstone reports a room archived,
// and m.room.create carrying a predecessor reports a room upgraded.
func (s *Server) routeSpecialized(ctx context.Context, ev *events.RoomEvent) {
	switch ev.Type {
	case "m.room.message":
		if s.onRoomMessage != nil {
			s.onRoomMessage(ctx, ev)
		}
	case "m.room.encrypted":
		if s.onEncryptedEvent != nil {
			s.onEncryptedEvent(ctx, ev)
		}
	case "m.room.member":
		s.routeMembership(ctx, ev)
	case "m.room.tombstone":
		if s.onRoomArchived != nil {
			s.onRoomArchived(ctx, ev)
		}
	case "m.room.create":
		if _, hasPredecessor := ev.ContentMap()["predecessor"]; hasPredecessor && s.onRoomUpgraded != nil {
			s.onRoomUpgraded(ctx, ev)
		}
	}
}

// routeMembership dispatches an m.room.member event to the join/leave/
// invite callback matching its membership content, and, when the state_key
// names one of this appservice's own namespaced ghosts (or its bot), keeps
// that ghost's Intent joined-rooms cache in sync with what the homeserver
// just reported — a ban is treated as a leave, per §4.6.
func (s *Server) routeMembership(ctx context.Context, ev *events.RoomEvent) {
	if ev.StateKey == nil {
		return
	}
	subject := *ev.StateKey
	membership := ev.ContentString("membership")

	if s.registry != nil && s.namespace != nil && s.namespace.IsNamespacedUser(subject) {
		if in, err := s.registry.Get(ctx, id.UserID(subject)); err == nil {
			roomID := id.RoomID(ev.RoomID)
			switch membership {
			case "join":
				in.MarkJoined(roomID)
			case "leave", "ban":
				in.MarkLeft(roomID)
			}
		}
	}

	switch membership {
	case "join":
		if s.onRoomJoin != nil {
			s.onRoomJoin(ctx, ev)
		}
	case "leave", "ban":
		if s.onRoomLeave != nil {
			s.onRoomLeave(ctx, ev)
		}
	case "invite":
		if s.onRoomInvite != nil {
			s.onRoomInvite(ctx, ev)
		}
	}
}

// maybeRefreshRoomTracker triggers a Room Tracker refresh when an event
// could change a room's encryption configuration: the room's creation, its
// m.room.encryption state event, or its tombstone (replacement room may
// have different settings).
func (s *Server) maybeRefreshRoomTracker(ctx context.Context, ev *events.RoomEvent) {
	switch ev.Type {
	case "m.room.create", "m.room.encryption", "m.room.tombstone":
		if ev.RoomID != "" {
			s.tracker.TriggerRefresh(ctx, id.RoomID(ev.RoomID))
		}
	}
}

func lastPathSegment(path string) string {
	path = strings.TrimSuffix(path, "/")
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}
