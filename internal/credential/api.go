package credential

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/clinicore/platform/internal/shared/auth"
	"github.com/clinicore/platform/internal/shared/clock"
	"github.com/clinicore/platform/internal/shared/errors"
	"github.com/clinicore/platform/internal/shared/types"
)

// Handler provides HTTP handlers for the credential module
type Handler struct {
	store *Store
	clock clock.Clock
}

// NewHandler creates a new credential handler
func NewHandler(store *Store, clk clock.Clock) *Handler {
	return &Handler{store: store, clock: clk}
}

// Routes registers the credential routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(auth.RequireUser)

	r.Get("/", h.ListCredentials)
	r.Post("/", h.RegisterCredential)
	r.Get("/active", h.GetActiveCredential)

	r.Route("/{credentialID}", func(r chi.Router) {
		r.Get("/", h.GetCredential)
		r.Post("/revoke", h.RevokeCredential)
		r.With(auth.RequireRoles(auth.RoleAdmin)).Delete("/key-material", h.PurgeKeyMaterial)
	})

	return r
}

// RegisterCredential uploads a keystore bundle for the caller, or for owner_id when
// the caller is an admin.
func (h *Handler) RegisterCredential(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}
	if len(req.Bundle) == 0 || req.Passphrase == "" {
		writeError(w, errors.Validation("bundle and passphrase are required", map[string]string{
			"bundle":     "required",
			"passphrase": "required",
		}))
		return
	}

	user := auth.GetUser(r.Context())
	ownerID := user.ID
	if !req.OwnerID.IsZero() && req.OwnerID != user.ID {
		if !user.IsAdmin() {
			writeError(w, errors.Forbidden("cannot register a credential for another user"))
			return
		}
		ownerID = req.OwnerID
	}

	c, err := h.store.Register(r.Context(), req.Bundle, req.Passphrase, ownerID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, c.ViewAt(h.clock.Now()))
}

// ListCredentials lists the caller's credentials; admins may pass owner_id.
func (h *Handler) ListCredentials(w http.ResponseWriter, r *http.Request) {
	ownerID, err := h.ownerFor(r)
	if err != nil {
		writeError(w, err)
		return
	}

	creds, err := h.store.ListByOwner(r.Context(), ownerID)
	if err != nil {
		writeError(w, err)
		return
	}

	now := h.clock.Now()
	views := make([]View, 0, len(creds))
	for _, c := range creds {
		views = append(views, c.ViewAt(now))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  views,
		"total": len(views),
	})
}

// GetActiveCredential returns the current usable credential.
func (h *Handler) GetActiveCredential(w http.ResponseWriter, r *http.Request) {
	ownerID, err := h.ownerFor(r)
	if err != nil {
		writeError(w, err)
		return
	}

	c, err := h.store.FindActive(r.Context(), ownerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c.ViewAt(h.clock.Now()))
}

// GetCredential gets a credential by ID
func (h *Handler) GetCredential(w http.ResponseWriter, r *http.Request) {
	c, err := h.owned(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c.ViewAt(h.clock.Now()))
}

// RevokeCredential revokes a credential
func (h *Handler) RevokeCredential(w http.ResponseWriter, r *http.Request) {
	c, err := h.owned(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req RevokeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errors.BadRequest("invalid request body"))
			return
		}
	}

	revoked, err := h.store.Revoke(r.Context(), c.ID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, revoked.ViewAt(h.clock.Now()))
}

// PurgeKeyMaterial deletes the sealed key of a credential
func (h *Handler) PurgeKeyMaterial(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseID(chi.URLParam(r, "credentialID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid credential ID"))
		return
	}

	c, err := h.store.PurgeKeyMaterial(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c.ViewAt(h.clock.Now()))
}

func (h *Handler) ownerFor(r *http.Request) (types.ID, error) {
	user := auth.GetUser(r.Context())
	if owner := r.URL.Query().Get("owner_id"); owner != "" && types.ID(owner) != user.ID {
		if !user.IsAdmin() {
			return "", errors.Forbidden("cannot read credentials of another user")
		}
		return types.ID(owner), nil
	}
	return user.ID, nil
}

// owned loads the credential in the URL and checks the caller may act on it.
func (h *Handler) owned(r *http.Request) (*Credential, error) {
	id, err := types.ParseID(chi.URLParam(r, "credentialID"))
	if err != nil {
		return nil, errors.BadRequest("invalid credential ID")
	}

	c, err := h.store.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}

	user := auth.GetUser(r.Context())
	if c.OwnerID != user.ID && !user.IsAdmin() {
		// Do not reveal credentials of other users
		return nil, errors.NotFound("credential", id.String())
	}
	return c, nil
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		w.WriteHeader(appErr.HTTPStatus)
		json.NewEncoder(w).Encode(map[string]any{
			"error":   appErr.Message,
			"code":    appErr.Code,
			"details": appErr.Details,
		})
		return
	}

	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
}
