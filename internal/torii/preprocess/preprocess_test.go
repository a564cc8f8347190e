package preprocess_test

import (
	"context"
	"errors"
	"testing"

	"github.com/bdobrica/torii/internal/torii/events"
	"github.com/bdobrica/torii/internal/torii/matrixclient"
	"github.com/bdobrica/torii/internal/torii/preprocess"
)

func TestPipeline_RunsInRegistrationOrder(t *testing.T) {
	p := preprocess.New()
	var order []string

	p.Register("first", nil, func(ctx context.Context, ev *events.RoomEvent, client matrixclient.Client, kind events.Kind) error {
		order = append(order, "first")
		return nil
	})
	p.Register("second", nil, func(ctx context.Context, ev *events.RoomEvent, client matrixclient.Client, kind events.Kind) error {
		order = append(order, "second")
		return nil
	})

	ev := &events.RoomEvent{Type: "m.room.message"}
	if err := p.Run(context.Background(), ev, nil, events.KindRoomEvent); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("expected [first second], got %v", order)
	}
}

func TestPipeline_TypeScoping(t *testing.T) {
	p := preprocess.New()
	var ran []string

	p.Register("messages-only", []string{"m.room.message"}, func(ctx context.Context, ev *events.RoomEvent, client matrixclient.Client, kind events.Kind) error {
		ran = append(ran, "messages-only")
		return nil
	})
	p.Register("all-types", nil, func(ctx context.Context, ev *events.RoomEvent, client matrixclient.Client, kind events.Kind) error {
		ran = append(ran, "all-types")
		return nil
	})

	if err := p.Run(context.Background(), &events.RoomEvent{Type: "m.room.member"}, nil, events.KindRoomEvent); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(ran) != 1 || ran[0] != "all-types" {
		t.Errorf("expected only the untyped preprocessor to run for m.room.member, got %v", ran)
	}

	ran = nil
	if err := p.Run(context.Background(), &events.RoomEvent{Type: "m.room.message"}, nil, events.KindRoomEvent); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(ran) != 2 {
		t.Errorf("expected both preprocessors to run for m.room.message, got %v", ran)
	}
}

func TestPipeline_AbortsOnFirstError(t *testing.T) {
	p := preprocess.New()
	var ran []string
	sentinel := errors.New("boom")

	p.Register("ok", nil, func(ctx context.Context, ev *events.RoomEvent, client matrixclient.Client, kind events.Kind) error {
		ran = append(ran, "ok")
		return nil
	})
	p.Register("fails", nil, func(ctx context.Context, ev *events.RoomEvent, client matrixclient.Client, kind events.Kind) error {
		ran = append(ran, "fails")
		return sentinel
	})
	p.Register("never", nil, func(ctx context.Context, ev *events.RoomEvent, client matrixclient.Client, kind events.Kind) error {
		ran = append(ran, "never")
		return nil
	})

	err := p.Run(context.Background(), &events.RoomEvent{Type: "m.room.message"}, nil, events.KindRoomEvent)
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if len(ran) != 2 || ran[1] != "fails" {
		t.Errorf("expected pipeline to stop after 'fails', got %v", ran)
	}
}

func TestPipeline_KindIsForwarded(t *testing.T) {
	p := preprocess.New()
	var kinds []events.Kind

	p.Register("observe-kind", nil, func(ctx context.Context, ev *events.RoomEvent, client matrixclient.Client, kind events.Kind) error {
		kinds = append(kinds, kind)
		return nil
	})

	ev := &events.RoomEvent{Type: "m.typing"}
	if err := p.Run(context.Background(), ev, nil, events.KindEphemeralEvent); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(kinds) != 1 || kinds[0] != events.KindEphemeralEvent {
		t.Errorf("expected preprocessor to observe KindEphemeralEvent, got %v", kinds)
	}
}

func TestPipeline_Len(t *testing.T) {
	p := preprocess.New()
	if p.Len() != 0 {
		t.Fatalf("expected empty pipeline, got %d", p.Len())
	}
	p.Register("a", nil, func(context.Context, *events.RoomEvent, matrixclient.Client, events.Kind) error { return nil })
	p.Register("b", nil, func(context.Context, *events.RoomEvent, matrixclient.Client, events.Kind) error { return nil })
	if p.Len() != 2 {
		t.Errorf("expected 2 registered preprocessors, got %d", p.Len())
	}
}
