package audit

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/clinicore/platform/internal/shared/auth"
	"github.com/clinicore/platform/internal/shared/errors"
	"github.com/clinicore/platform/internal/shared/types"
)

// Handler provides read-only HTTP handlers over the ledger
type Handler struct {
	ledger     *Ledger
	subscriber *Subscriber
}

// NewHandler creates a new audit handler. subscriber may be nil.
func NewHandler(ledger *Ledger, subscriber *Subscriber) *Handler {
	return &Handler{ledger: ledger, subscriber: subscriber}
}

// Routes registers the audit routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(auth.RequireUser)

	r.Get("/signatures", h.ListSignatures)
	r.With(auth.RequireRoles(auth.RoleAdmin)).Get("/activity", h.ListActivity)

	return r
}

// ListSignatures lists the caller's signatures; admins may pass signer_id.
func (h *Handler) ListSignatures(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r.Context())
	signerID := user.ID
	if s := r.URL.Query().Get("signer_id"); s != "" && types.ID(s) != user.ID {
		if !user.IsAdmin() {
			writeError(w, errors.Forbidden("cannot list signatures of another signer"))
			return
		}
		signerID = types.ID(s)
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	rows, err := h.ledger.ListBySigner(r.Context(), signerID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if rows == nil {
		rows = []*SignedDocument{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  rows,
		"total": len(rows),
	})
}

// ListActivity returns the recent signing activity trail
func (h *Handler) ListActivity(w http.ResponseWriter, r *http.Request) {
	if h.subscriber == nil {
		writeJSON(w, http.StatusOK, map[string]any{"data": []Activity{}, "total": 0})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries := h.subscriber.Recent(limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  entries,
		"total": len(entries),
	})
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
