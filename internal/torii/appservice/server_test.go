package appservice_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/bdobrica/torii/internal/torii/appservice"
	"github.com/bdobrica/torii/internal/torii/dedup"
	"github.com/bdobrica/torii/internal/torii/events"
	"github.com/bdobrica/torii/internal/torii/matrixclient"
	"github.com/bdobrica/torii/internal/torii/preprocess"
	"github.com/bdobrica/torii/internal/torii/registration"
)

const testHSToken = "hs-secret-token"

func newTestServer(t *testing.T) *appservice.Server {
	t.Helper()
	reg := &registration.Registration{
		SenderLocalpart: "bot",
		Namespaces: registration.Namespaces{
			Users: []registration.Namespace{{Exclusive: true, Regex: `@torii_.*:example\.com`}},
		},
	}
	matcher, err := registration.NewMatcher(reg, "example.com")
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}

	return appservice.New(appservice.Config{
		Addr:     ":0",
		HSToken:  testHSToken,
		Namespace: matcher,
		Dedup:    dedup.New(0),
		Pipeline: preprocess.New(),
		Logger:   zerolog.Nop(),
	})
}

func doRequest(s *appservice.Server, method, path string, body []byte, withAuth bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if withAuth {
		req.Header.Set("Authorization", "Bearer "+testHSToken)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestTransaction_RejectsMissingAuth(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(s, http.MethodPut, "/_matrix/app/v1/transactions/txn1", []byte(`{}`), false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestTransaction_AcceptsQueryParamToken(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPut, "/_matrix/app/v1/transactions/txn1?access_token="+testHSToken, bytes.NewReader([]byte(`{"events":[]}`)))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestTransaction_DispatchesRoomEvents(t *testing.T) {
	s := newTestServer(t)

	var got []*events.RoomEvent
	s.OnRoomEvent(func(ctx context.Context, ev *events.RoomEvent) {
		got = append(got, ev)
	})

	body := []byte(`{"events":[{"type":"m.room.message","room_id":"!abc:example.com","event_id":"$1","sender":"@alice:example.com","content":{"body":"hi"}}]}`)
	rec := doRequest(s, http.MethodPut, "/_matrix/app/v1/transactions/txn2", body, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 dispatched event, got %d", len(got))
	}
	if got[0].Type != "m.room.message" {
		t.Errorf("unexpected event type %q", got[0].Type)
	}
}

func TestTransaction_IsIdempotentOnDuplicateID(t *testing.T) {
	s := newTestServer(t)

	calls := 0
	s.OnRoomEvent(func(ctx context.Context, ev *events.RoomEvent) { calls++ })

	body := []byte(`{"events":[{"type":"m.room.message","room_id":"!abc:example.com","event_id":"$1"}]}`)
	doRequest(s, http.MethodPut, "/_matrix/app/v1/transactions/txn3", body, true)
	doRequest(s, http.MethodPut, "/_matrix/app/v1/transactions/txn3", body, true)

	if calls != 1 {
		t.Fatalf("expected exactly 1 dispatch across duplicate deliveries, got %d", calls)
	}
}

func TestTransaction_DispatchesEphemeralEvents(t *testing.T) {
	s := newTestServer(t)

	var gotType string
	s.OnEphemeralEvent(func(ctx context.Context, ev *events.RoomEvent) { gotType = ev.Type })

	body := []byte(`{"events":[],"ephemeral":[{"type":"m.typing","room_id":"!abc:example.com"}]}`)
	doRequest(s, http.MethodPut, "/_matrix/app/v1/transactions/txn4", body, true)

	if gotType != "m.typing" {
		t.Fatalf("expected ephemeral dispatch, got %q", gotType)
	}
}

func TestTransaction_DispatchesDeviceLists(t *testing.T) {
	s := newTestServer(t)

	var got *events.DeviceLists
	s.OnDeviceLists(func(ctx context.Context, dl events.DeviceLists) { got = &dl })

	body := []byte(`{"events":[],"org.matrix.msc3202.device_lists":{"changed":["@bob:example.com"]}}`)
	doRequest(s, http.MethodPut, "/_matrix/app/v1/transactions/txn5", body, true)

	if got == nil || len(got.Changed) != 1 || got.Changed[0] != "@bob:example.com" {
		t.Fatalf("expected device_lists dispatch, got %+v", got)
	}
}

func TestTransaction_SkipsEmptyDeviceLists(t *testing.T) {
	s := newTestServer(t)

	called := false
	s.OnDeviceLists(func(ctx context.Context, dl events.DeviceLists) { called = true })

	body := []byte(`{"events":[],"org.matrix.msc3202.device_lists":{}}`)
	doRequest(s, http.MethodPut, "/_matrix/app/v1/transactions/txn6", body, true)

	if called {
		t.Error("expected no dispatch for empty device_lists")
	}
}

func TestTransaction_PreprocessorAbortIsolatesEvent(t *testing.T) {
	// newTestServer's pipeline is empty; build a server with a failing
	// preprocessor here to verify per-event isolation.
	reg := &registration.Registration{
		SenderLocalpart: "bot",
		Namespaces: registration.Namespaces{
			Users: []registration.Namespace{{Exclusive: true, Regex: `@torii_.*:example\.com`}},
		},
	}
	matcher, _ := registration.NewMatcher(reg, "example.com")
	pipeline := preprocess.New()
	pipeline.Register("reject-bad", []string{"m.room.message"}, func(ctx context.Context, ev *events.RoomEvent, client matrixclient.Client, kind events.Kind) error {
		if ev.EventID == "$bad" {
			return errBad
		}
		return nil
	})

	srv := appservice.New(appservice.Config{
		Addr:      ":0",
		HSToken:   testHSToken,
		Namespace: matcher,
		Dedup:     dedup.New(0),
		Pipeline:  pipeline,
		Logger:    zerolog.Nop(),
	})

	var got []string
	srv.OnRoomEvent(func(ctx context.Context, ev *events.RoomEvent) { got = append(got, ev.EventID) })

	body := []byte(`{"events":[
		{"type":"m.room.message","room_id":"!a:example.com","event_id":"$bad"},
		{"type":"m.room.message","room_id":"!a:example.com","event_id":"$good"}
	]}`)
	rec := doRequest(srv, http.MethodPut, "/_matrix/app/v1/transactions/txn7", body, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("transaction as a whole must still succeed, got %d", rec.Code)
	}
	if len(got) != 1 || got[0] != "$good" {
		t.Fatalf("expected only $good to be dispatched, got %v", got)
	}
}

var errBad = &testError{"rejected"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func TestUserQuery_RejectsOutOfNamespace(t *testing.T) {
	s := newTestServer(t)
	s.HandleUserQuery(func(ctx context.Context, q *events.QueryRequest[appservice.UserQueryRequest, appservice.UserQueryResponse]) {
		q.Resolve(appservice.UserQueryResponse{Exists: true})
	})

	rec := doRequest(s, http.MethodGet, "/_matrix/app/v1/users/@someone:other.com", nil, true)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for out-of-namespace user, got %d", rec.Code)
	}
}

func TestUserQuery_ResolvesExisting(t *testing.T) {
	s := newTestServer(t)
	s.HandleUserQuery(func(ctx context.Context, q *events.QueryRequest[appservice.UserQueryRequest, appservice.UserQueryResponse]) {
		q.Resolve(appservice.UserQueryResponse{Exists: true})
	})

	rec := doRequest(s, http.MethodGet, "/_matrix/app/v1/users/@torii_ghost1:example.com", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestUserQuery_404WhenHandlerReportsAbsent(t *testing.T) {
	s := newTestServer(t)
	s.HandleUserQuery(func(ctx context.Context, q *events.QueryRequest[appservice.UserQueryRequest, appservice.UserQueryResponse]) {
		q.Resolve(appservice.UserQueryResponse{Exists: false})
	})

	rec := doRequest(s, http.MethodGet, "/_matrix/app/v1/users/@torii_ghost2:example.com", nil, true)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestUserQuery_404WhenNoHandlerRegistered(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/_matrix/app/v1/users/@torii_ghost3:example.com", nil, true)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestKeyClaim_404WhenUnregistered(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(s, http.MethodPost, "/_matrix/app/unstable/org.matrix.msc3983/keys/claim", []byte(`{}`), true)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["errcode"] != "M_UNRECOGNIZED" {
		t.Errorf("expected M_UNRECOGNIZED, got %q", body["errcode"])
	}
}

func TestKeyClaim_ForwardsVerbatimWhenRegistered(t *testing.T) {
	s := newTestServer(t)
	s.HandleKeyClaim(func(ctx context.Context, q *events.QueryRequest[appservice.KeyForwardRequest, appservice.KeyForwardResponse]) {
		q.Resolve(appservice.KeyForwardResponse{Body: json.RawMessage(`{"one_time_keys":{}}`)})
	})

	rec := doRequest(s, http.MethodPost, "/_matrix/app/unstable/org.matrix.msc3983/keys/claim", []byte(`{"one_time_keys":{"@bob:example.com":{}}}`), true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != `{"one_time_keys":{}}` {
		t.Fatalf("expected verbatim forwarded body, got %s", rec.Body.String())
	}
}

func TestPing_RequiresAuthAndPost(t *testing.T) {
	s := newTestServer(t)
	if rec := doRequest(s, http.MethodPost, "/_matrix/app/v1/ping", []byte(`{}`), false); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without auth, got %d", rec.Code)
	}
	if rec := doRequest(s, http.MethodPost, "/_matrix/app/v1/ping", []byte(`{}`), true); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestLiveAndReady_AreUnauthenticated(t *testing.T) {
	s := newTestServer(t)
	if rec := doRequest(s, http.MethodGet, "/_matrix/mau/live", nil, false); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from live probe, got %d", rec.Code)
	}
	// registry is nil in newTestServer, so readiness should report not_ready.
	rec := doRequest(s, http.MethodGet, "/_matrix/mau/ready", nil, false)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when registry unset, got %d", rec.Code)
	}
}
