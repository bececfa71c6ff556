package signing

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/clinicore/platform/internal/document"
	"github.com/clinicore/platform/internal/integrity"
	"github.com/clinicore/platform/internal/shared/auth"
	"github.com/clinicore/platform/internal/shared/errors"
)

// maxPDFBytes caps PDFs accepted for timestamping and stamping.
const maxPDFBytes = 32 << 20

// Handler provides HTTP handlers for signing
type Handler struct {
	service   *Service
	verifier  *Verifier
	signLimit func(http.Handler) http.Handler
}

// NewHandler creates a new signing handler. signLimit throttles sign requests and may be nil.
func NewHandler(service *Service, verifier *Verifier, signLimit func(http.Handler) http.Handler) *Handler {
	if signLimit == nil {
		signLimit = func(next http.Handler) http.Handler { return next }
	}
	return &Handler{service: service, verifier: verifier, signLimit: signLimit}
}

// Routes registers the authenticated signing routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(auth.RequireUser)

	r.Route("/documents/{documentType}/{documentID}", func(r chi.Router) {
		r.With(h.signLimit).Post("/sign", h.Sign)
		r.Get("/signature", h.GetSignature)
		r.Get("/verification", h.Verify)
		r.Post("/timestamp", h.Timestamp)
	})

	r.Post("/stamps", h.Stamp)
	r.Post("/stamps/verify", h.VerifyStamp)

	return r
}

// PublicRoutes registers the unauthenticated verification page backend
func (h *Handler) PublicRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.VerifyByHash)
	return r
}

// SignRequest is the body of a sign request
type SignRequest struct {
	Passphrase string `json:"passphrase"`
}

// TimestampRequest carries the PDF rendition to anchor, base64 in JSON
type TimestampRequest struct {
	PDF []byte `json:"pdf"`
}

// VerifyStampRequest carries a stamped PDF and the metadata issued with it
type VerifyStampRequest struct {
	StampedPDF []byte             `json:"stamped_pdf"`
	Metadata   integrity.Metadata `json:"metadata"`
}

// Sign signs a document
func (h *Handler) Sign(w http.ResponseWriter, r *http.Request) {
	docType, documentID, err := documentKey(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req SignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}
	if req.Passphrase == "" {
		writeError(w, errors.Validation("passphrase is required", map[string]string{"passphrase": "required"}))
		return
	}

	sig, err := h.service.Sign(r.Context(), docType, documentID, auth.GetUser(r.Context()), req.Passphrase)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sig)
}

// GetSignature returns the signature of a document
func (h *Handler) GetSignature(w http.ResponseWriter, r *http.Request) {
	docType, documentID, err := documentKey(r)
	if err != nil {
		writeError(w, err)
		return
	}

	sig, err := h.service.GetSignature(r.Context(), docType, documentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

// Verify checks the current document state against its signature
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	docType, documentID, err := documentKey(r)
	if err != nil {
		writeError(w, err)
		return
	}

	verdict, err := h.verifier.Verify(r.Context(), docType, documentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}

// VerifyByHash backs GET /verify?hash=...
func (h *Handler) VerifyByHash(w http.ResponseWriter, r *http.Request) {
	verdict, err := h.verifier.VerifyByHash(r.Context(), r.URL.Query().Get("hash"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}

// Timestamp appends a trusted timestamp revision to the PDF of a signed document
func (h *Handler) Timestamp(w http.ResponseWriter, r *http.Request) {
	docType, documentID, err := documentKey(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req TimestampRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPDFBytes*2)).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	res, err := h.service.TimestampPDF(r.Context(), docType, documentID, auth.GetUser(r.Context()), req.PDF)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Stamp applies an integrity-only stamp to a PDF
func (h *Handler) Stamp(w http.ResponseWriter, r *http.Request) {
	var req integrity.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPDFBytes*2)).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	res, err := h.service.IntegrityStamp(r.Context(), auth.GetUser(r.Context()), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// VerifyStamp checks an integrity stamp
func (h *Handler) VerifyStamp(w http.ResponseWriter, r *http.Request) {
	var req VerifyStampRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPDFBytes*2)).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"valid": integrity.VerifyStamp(req.StampedPDF, req.Metadata),
		"mode":  integrity.Mode,
	})
}

func documentKey(r *http.Request) (document.Type, string, error) {
	docType, err := document.ParseType(chi.URLParam(r, "documentType"))
	if err != nil {
		return "", "", errors.BadRequest(err.Error())
	}
	documentID := chi.URLParam(r, "documentID")
	if documentID == "" {
		return "", "", errors.BadRequest("document ID is required")
	}
	return docType, documentID, nil
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
		if errors.IsRetryable(err) {
			w.Header().Set("Retry-After", "1")
		}
		w.WriteHeader(appErr.HTTPStatus)
		json.NewEncoder(w).Encode(map[string]any{
			"error":     appErr.Message,
			"code":      appErr.Code,
			"details":   appErr.Details,
			"retryable": errors.IsRetryable(err),
		})
		return
	}

	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
}
