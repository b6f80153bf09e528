package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tally/pkg/audit"
	"github.com/platinummonkey/tally/pkg/auth"
	"github.com/platinummonkey/tally/pkg/contextkeys"
)

// newTestRouter builds a /v1 router with one handler group registered,
// skipping the server middleware chain.
func newTestRouter(register func(*mux.Router)) *mux.Router {
	router := mux.NewRouter()
	register(router.PathPrefix("/v1").Subrouter())
	return router
}

// doRequest serves one request with the given scopes injected, the way the
// auth middleware would.
func doRequest(router *mux.Router, method, path string, body interface{},
	scopes ...auth.Scope) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if len(scopes) > 0 {
		ctx := contextkeys.WithAuth(req.Context(), &auth.AuthContext{
			Key:    &auth.APIKey{ID: 1, Name: "test-key"},
			Scopes: scopes,
		})
		req = req.WithContext(audit.WithActor(ctx, "test-key"))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dest); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

// recordingAudit captures audit events written by handlers.
type recordingAudit struct {
	mu     sync.Mutex
	events []audit.EventType
}

func (r *recordingAudit) Record(ctx context.Context, eventType audit.EventType,
	objectType audit.ObjectType, objectID string, data interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
	return nil
}

func (r *recordingAudit) recorded() []audit.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.EventType(nil), r.events...)
}

var _ audit.Recorder = (*recordingAudit)(nil)
