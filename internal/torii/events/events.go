// Package events models the dispatcher-to-user-code event surface described
// in the appservice core's design notes: a sum-typed Event plus a one-shot
// QueryRequest value carrying a completion channel, replacing the dynamic
// string-event-name / callback-stashing pattern the design is distilled
// from. Decode at the HTTP boundary into RoomEvent and keep Content as an
// untyped map until a preprocessor or consumer narrows it.
package events

import (
	"context"
	"encoding/json"
	"sync/atomic"
)

// Kind distinguishes a preprocessor's scope: whether it was invoked for a
// timeline (room) event or an ephemeral event.
type Kind int

const (
	KindRoomEvent Kind = iota
	KindEphemeralEvent
)

func (k Kind) String() string {
	switch k {
	case KindRoomEvent:
		return "room"
	case KindEphemeralEvent:
		return "ephemeral"
	default:
		return "unknown"
	}
}

// RoomEvent is the canonical in-memory shape for a room or ephemeral event
// flowing through the dispatcher. It is decoded at the HTTP boundary; Content
// remains an untyped map until something downstream narrows it.
type RoomEvent struct {
	Type           string          `json:"type"`
	Content        json.RawMessage `json:"content,omitempty"`
	RoomID         string          `json:"room_id,omitempty"`
	StateKey       *string         `json:"state_key,omitempty"`
	Sender         string          `json:"sender,omitempty"`
	EventID        string          `json:"event_id,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts,omitempty"`
	Unsigned       json.RawMessage `json:"unsigned,omitempty"`
}

// ContentMap decodes Content into a generic map, returning an empty map
// (never nil) when Content is absent or not a JSON object.
func (e *RoomEvent) ContentMap() map[string]any {
	out := map[string]any{}
	if len(e.Content) == 0 {
		return out
	}
	_ = json.Unmarshal(e.Content, &out)
	return out
}

// ContentString reads a top-level string field out of Content, returning ""
// when absent or not a string.
func (e *RoomEvent) ContentString(field string) string {
	v, ok := e.ContentMap()[field]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// IsStateEvent reports whether the event carries a state_key (including the
// empty string, which is a valid state key for singleton state events).
func (e *RoomEvent) IsStateEvent() bool {
	return e.StateKey != nil
}

// DecodeRoomEvent parses a single element of a transaction's events array.
// Some homeservers (and the ephemeral/MSC2409 section) send the legacy
// camelCase "roomId" instead of "room_id"; when room_id is absent it is
// normalized from roomId, per §4.6 step 3a.
func DecodeRoomEvent(raw json.RawMessage) (*RoomEvent, error) {
	var ev RoomEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, err
	}
	if ev.RoomID == "" {
		var legacy struct {
			RoomID string `json:"roomId"`
		}
		if err := json.Unmarshal(raw, &legacy); err == nil && legacy.RoomID != "" {
			ev.RoomID = legacy.RoomID
		}
	}
	return &ev, nil
}

// DeviceLists mirrors org.matrix.msc3202.device_lists.
type DeviceLists struct {
	Changed []string `json:"changed,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// Empty reports whether both Changed and Removed are empty, in which case
// the dispatcher must not emit a device_lists event per §4.6 step 5.
func (d DeviceLists) Empty() bool {
	return len(d.Changed) == 0 && len(d.Removed) == 0
}

// OTKCounts mirrors org.matrix.msc3202.device_one_time_keys_count:
// user_id -> device_id -> algorithm -> count.
type OTKCounts map[string]map[string]map[string]int

// UnusedFallbackKeys mirrors org.matrix.msc3202.device_unused_fallback_key_types:
// user_id -> device_id -> [algorithm].
type UnusedFallbackKeys map[string]map[string][]string

// QueryRequest carries a request value plus a one-shot completion channel.
// Exactly one of Resolve or Reject must be called; calling either a second
// time panics, matching the "complete once" contract the design notes ask
// for in place of the source's ad hoc completion-callback convention.
type QueryRequest[TReq any, TResp any] struct {
	Request TReq

	done      chan queryResult[TResp]
	completed atomic.Bool
}

type queryResult[TResp any] struct {
	resp TResp
	err  error
}

// NewQueryRequest constructs a QueryRequest wrapping req, ready to be emitted
// to user code and awaited by the dispatcher.
func NewQueryRequest[TReq any, TResp any](req TReq) *QueryRequest[TReq, TResp] {
	return &QueryRequest[TReq, TResp]{
		Request: req,
		done:    make(chan queryResult[TResp], 1),
	}
}

// Resolve completes the request with a successful answer. Safe to call from
// user code synchronously or from a goroutine; the dispatcher is always on
// the receiving end of Await.
func (q *QueryRequest[TReq, TResp]) Resolve(resp TResp) {
	q.complete(queryResult[TResp]{resp: resp})
}

// Reject completes the request with an error, which the dispatcher turns
// into the appropriate HTTP error response.
func (q *QueryRequest[TReq, TResp]) Reject(err error) {
	q.complete(queryResult[TResp]{err: err})
}

func (q *QueryRequest[TReq, TResp]) complete(r queryResult[TResp]) {
	if !q.completed.CompareAndSwap(false, true) {
		panic("torii: query request completed more than once")
	}
	q.done <- r
}

// Await blocks until the request is completed (by either Resolve or Reject)
// or ctx is cancelled.
func (q *QueryRequest[TReq, TResp]) Await(ctx context.Context) (TResp, error) {
	select {
	case r := <-q.done:
		return r.resp, r.err
	case <-ctx.Done():
		var zero TResp
		return zero, ctx.Err()
	}
}
