package appservice

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/bdobrica/torii/internal/torii/events"
)

// KeyForwardRequest carries an MSC3983/3984 key-claim or key-query request
// body untouched: the dispatcher forwards the bytes without interpreting
// them, per §4.8.
type KeyForwardRequest struct {
	Body json.RawMessage
}

// KeyForwardResponse is returned to the homeserver verbatim.
type KeyForwardResponse struct {
	Body json.RawMessage
}

// HandleKeyClaim registers the MSC3983 key-claim forwarding handler.
func (s *Server) HandleKeyClaim(fn func(ctx context.Context, q *events.QueryRequest[KeyForwardRequest, KeyForwardResponse])) {
	s.keyClaim = fn
}

// HandleKeyQuery registers the MSC3984 key-query forwarding handler.
func (s *Server) HandleKeyQuery(fn func(ctx context.Context, q *events.QueryRequest[KeyForwardRequest, KeyForwardResponse])) {
	s.keyQuery = fn
}

// handleKeyClaim implements POST /unstable/org.matrix.msc3983/keys/claim.
// With no listener registered the endpoint is unsupported, per §4.8's
// "no listener registered" rule.
func (s *Server) handleKeyClaim(w http.ResponseWriter, r *http.Request) {
	s.forwardKeyRequest(w, r, s.keyClaim)
}

// handleKeyQuery implements POST /unstable/org.matrix.msc3984/keys/query.
func (s *Server) handleKeyQuery(w http.ResponseWriter, r *http.Request) {
	s.forwardKeyRequest(w, r, s.keyQuery)
}

func (s *Server) forwardKeyRequest(w http.ResponseWriter, r *http.Request, handler func(ctx context.Context, q *events.QueryRequest[KeyForwardRequest, KeyForwardResponse])) {
	if r.Method != http.MethodPost {
		writeTypedError(w, &ValidationError{Msg: "method not allowed"})
		return
	}
	if handler == nil {
		writeTypedError(w, &NotFoundError{Code: "M_UNRECOGNIZED", Msg: "endpoint not supported"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxTransactionBytes))
	if err != nil {
		writeTypedError(w, &ValidationError{Msg: "failed to read request body"})
		return
	}

	q := events.NewQueryRequest[KeyForwardRequest, KeyForwardResponse](KeyForwardRequest{Body: body})
	handler(r.Context(), q)

	resp, err := q.Await(r.Context())
	if err != nil {
		writeMatrixError(w, http.StatusInternalServerError, "M_UNKNOWN", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Body)
}
