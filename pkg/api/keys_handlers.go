package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tally/pkg/audit"
	"github.com/platinummonkey/tally/pkg/auth"
	"github.com/platinummonkey/tally/pkg/httputil"
)

// KeyService is the slice of the API key store the server needs. It also
// backs the auth middleware.
type KeyService interface {
	CreateKey(ctx context.Context, name string, scopes []auth.Scope) (*auth.APIKey, string, error)
	ValidateKey(ctx context.Context, key string) (*auth.APIKey, error)
	RevokeKey(ctx context.Context, id int64) error
	ListKeys(ctx context.Context) ([]*auth.APIKey, error)
}

var _ KeyService = (*auth.PostgresKeyStore)(nil)

// KeyHandlers serves API key management. All routes require the wildcard
// scope; key management is for operators, not integrations.
type KeyHandlers struct {
	keys     KeyService
	recorder audit.Recorder
}

// NewKeyHandlers creates key handlers.
func NewKeyHandlers(keys KeyService, rec audit.Recorder) *KeyHandlers {
	return &KeyHandlers{keys: keys, recorder: rec}
}

// RegisterRoutes registers key routes on the router.
func (h *KeyHandlers) RegisterRoutes(router *mux.Router) {
	router.Handle("/keys", scoped(auth.ScopeAll, h.CreateKey)).Methods("POST")
	router.Handle("/keys", scoped(auth.ScopeAll, h.ListKeys)).Methods("GET")
	router.Handle("/keys/{keyID}", scoped(auth.ScopeAll, h.RevokeKey)).Methods("DELETE")
}

// CreateKeyRequest is the payload for minting an API key.
type CreateKeyRequest struct {
	Name   string       `json:"name" validate:"required,min=1,max=255"`
	Scopes []auth.Scope `json:"scopes" validate:"required,min=1"`
}

// CreateKeyResponse carries the plaintext key. It is shown exactly once;
// only the hash is stored.
type CreateKeyResponse struct {
	Key    *auth.APIKey `json:"api_key"`
	Secret string       `json:"secret"`
}

// CreateKey handles POST /v1/keys
func (h *KeyHandlers) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req CreateKeyRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}
	for _, scope := range req.Scopes {
		if !scope.Valid() {
			httputil.WriteValidationError(w, "scopes", "unknown scope "+string(scope))
			return
		}
	}

	key, secret, err := h.keys.CreateKey(r.Context(), req.Name, req.Scopes)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	recordAudit(r.Context(), h.recorder, audit.EventAPIKeyCreated,
		audit.ObjectAPIKey, key.KeyPrefix, map[string]string{"name": key.Name})
	httputil.WriteCreated(w, &CreateKeyResponse{Key: key, Secret: secret})
}

// ListKeys handles GET /v1/keys
func (h *KeyHandlers) ListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.keys.ListKeys(r.Context())
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteList(w, keys, false, int64(len(keys)))
}

// RevokeKey handles DELETE /v1/keys/{keyID}
func (h *KeyHandlers) RevokeKey(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "keyID")
	if !ok {
		return
	}

	if err := h.keys.RevokeKey(r.Context(), id); err != nil {
		if errors.Is(err, auth.ErrKeyNotFound) {
			httputil.WriteNotFound(w, "api key not found")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	recordAudit(r.Context(), h.recorder, audit.EventAPIKeyRevoked, audit.ObjectAPIKey, "", nil)
	httputil.WriteNoContent(w)
}
