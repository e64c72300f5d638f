package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/platinummonkey/bastion/pkg/audit"
	"github.com/platinummonkey/bastion/pkg/auth"
	"github.com/platinummonkey/bastion/pkg/httputil"
	"github.com/platinummonkey/bastion/pkg/middleware"
	"github.com/platinummonkey/bastion/pkg/observability"
)

// KeyHandlers lets an authenticated caller manage their own API keys
type KeyHandlers struct {
	keys   *auth.KeyManager
	logger *observability.Logger
}

// NewKeyHandlers creates a new key handlers instance
func NewKeyHandlers(keys *auth.KeyManager, logger *observability.Logger) *KeyHandlers {
	return &KeyHandlers{keys: keys, logger: logger}
}

// RegisterRoutes registers the self-service key routes
func (h *KeyHandlers) RegisterRoutes(router *mux.Router) {
	router.Handle("/auth/keys", middleware.RequireAuth(http.HandlerFunc(h.createKey))).Methods("POST")
	router.Handle("/auth/keys", middleware.RequireAuth(http.HandlerFunc(h.listKeys))).Methods("GET")
	router.Handle("/auth/keys/{id}", middleware.RequireAuth(http.HandlerFunc(h.revokeKey))).Methods("DELETE")
}

type createKeyRequest struct {
	Name      string     `json:"name" validate:"required,max=100"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type createKeyResponse struct {
	Key    string       `json:"key"`
	APIKey *auth.APIKey `json:"api_key"`
}

// createKey handles POST /auth/keys. The new key acts in the caller's organization.
func (h *KeyHandlers) createKey(w http.ResponseWriter, r *http.Request) {
	caller := middleware.GetAuthContext(r)

	var req createKeyRequest
	if !httputil.DecodeAndValidate(w, r, &req) {
		return
	}

	key, raw, err := h.keys.CreateKey(r.Context(), caller.UserID, caller.OrganizationID, req.Name, req.ExpiresAt)
	if errors.Is(err, auth.ErrKeyExpired) {
		httputil.WriteValidationError(w, err.Error())
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("failed to create api key")
		httputil.WriteInternalError(w, err)
		return
	}

	_ = audit.LogSuccess(r.Context(), audit.FromContext(r.Context()), audit.EventTypeAuthKeyCreate, "api key issued", map[string]interface{}{
		"key_id":     key.ID.String(),
		"key_prefix": key.KeyPrefix,
	})
	_ = httputil.WriteCreated(w, createKeyResponse{Key: raw, APIKey: key})
}

// listKeys handles GET /auth/keys
func (h *KeyHandlers) listKeys(w http.ResponseWriter, r *http.Request) {
	caller := middleware.GetAuthContext(r)
	keys, err := h.keys.ListUserKeys(r.Context(), caller.UserID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if keys == nil {
		keys = []*auth.APIKey{}
	}
	_ = httputil.WriteSuccess(w, keys)
}

// revokeKey handles DELETE /auth/keys/{id}. Only the caller's own keys are visible.
func (h *KeyHandlers) revokeKey(w http.ResponseWriter, r *http.Request) {
	caller := middleware.GetAuthContext(r)
	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}

	owned, err := h.ownsKey(r, caller.UserID, id)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if !owned {
		httputil.WriteNotFoundError(w, "api key not found")
		return
	}

	err = h.keys.RevokeKey(r.Context(), id)
	if errors.Is(err, auth.ErrKeyNotFound) {
		httputil.WriteNotFoundError(w, "api key not found")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	_ = audit.LogSuccess(r.Context(), audit.FromContext(r.Context()), audit.EventTypeAuthKeyRevoke, "api key revoked", map[string]interface{}{
		"key_id": id.String(),
	})
	httputil.WriteNoContent(w)
}

func (h *KeyHandlers) ownsKey(r *http.Request, userID, keyID uuid.UUID) (bool, error) {
	keys, err := h.keys.ListUserKeys(r.Context(), userID)
	if err != nil {
		return false, err
	}
	for _, k := range keys {
		if k.ID == keyID {
			return true, nil
		}
	}
	return false, nil
}
