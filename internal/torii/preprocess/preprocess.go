// Package preprocess implements the Preprocessor Pipeline (C6): an ordered
// chain of type-scoped transformers the dispatcher runs each room/ephemeral
// event through before routing it to query handlers or the intent layer.
// Modeled on the teacher's chained-validator style in
// common/spec/gosuto/validate.go (Validate calling validateTrust,
// validateLimits, ... in sequence, stopping at the first error) but scoped
// per event type and operating on an event.RoomEvent instead of a static
// config document.
package preprocess

import (
	"context"
	"fmt"

	"github.com/bdobrica/torii/internal/torii/events"
	"github.com/bdobrica/torii/internal/torii/matrixclient"
)

// Preprocessor transforms or inspects a single event, in place, before the
// dispatcher routes it onward. client is the homeserver-facing client the
// dispatcher is running as (e.g. for a preprocessor that needs to fetch
// session material to decrypt an event); kind tells it whether ev came from
// the transaction's room events or its ephemeral events, per §4.5's
// "process(event, client, kind)" contract. Returning a non-nil error aborts
// processing of this event only — per §4.6's "abort the event, not the
// transaction" invariant, the dispatcher continues with the transaction's
// remaining events regardless.
type Preprocessor func(ctx context.Context, ev *events.RoomEvent, client matrixclient.Client, kind events.Kind) error

// entry pairs a Preprocessor with the event types it applies to. A nil
// types map means "all types".
type entry struct {
	name  string
	types map[string]struct{}
	fn    Preprocessor
}

// Pipeline runs an ordered list of type-scoped Preprocessors against each
// event, stopping at the first error for that event.
type Pipeline struct {
	entries []entry
}

// New constructs an empty Pipeline. Use Register to add preprocessors in
// the order they should run.
func New() *Pipeline {
	return &Pipeline{}
}

// Register appends a Preprocessor named name, scoped to eventTypes (empty
// means every event type), to the end of the pipeline.
func (p *Pipeline) Register(name string, eventTypes []string, fn Preprocessor) {
	var types map[string]struct{}
	if len(eventTypes) > 0 {
		types = make(map[string]struct{}, len(eventTypes))
		for _, t := range eventTypes {
			types[t] = struct{}{}
		}
	}
	p.entries = append(p.entries, entry{name: name, types: types, fn: fn})
}

// Run passes ev through every registered Preprocessor scoped to ev.Type, in
// registration order, stopping at the first error. client and kind are
// forwarded to each Preprocessor unchanged, letting it discriminate the
// room-event/ephemeral-event distinction P6 requires without the pipeline
// itself needing a second scoping dimension. The returned error wraps the
// failing preprocessor's name so the dispatcher can log which stage aborted
// the event.
func (p *Pipeline) Run(ctx context.Context, ev *events.RoomEvent, client matrixclient.Client, kind events.Kind) error {
	for _, e := range p.entries {
		if e.types != nil {
			if _, ok := e.types[ev.Type]; !ok {
				continue
			}
		}
		if err := e.fn(ctx, ev, client, kind); err != nil {
			return fmt.Errorf("preprocess: %s: %w", e.name, err)
		}
	}
	return nil
}

// Len returns the number of registered preprocessors, for diagnostics.
func (p *Pipeline) Len() int { return len(p.entries) }
