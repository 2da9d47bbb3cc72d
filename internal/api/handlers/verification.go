// Package handlers provides HTTP handlers for the verification API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxverify/internal/api/middleware"
	"github.com/drfirst/go-rxverify/internal/domain/medication"
	"github.com/drfirst/go-rxverify/internal/normalize"
)

const (
	// maxBodyBytes bounds request bodies; images arrive base64-encoded
	maxBodyBytes = 16 << 20
	// MaxBatchSize bounds the lines accepted in one batch request
	MaxBatchSize = 100
	// maxInteractionIDs bounds one interaction lookup
	maxInteractionIDs = 50
)

// Verifier runs single and batch verifications
type Verifier interface {
	Verify(ctx context.Context, med medication.Medicine, imageBase64 string) medication.VerificationResult
	VerifyBatch(ctx context.Context, meds []medication.Medicine, imageBase64 string) []medication.Medicine
}

// InteractionChecker looks up pairwise interactions
type InteractionChecker interface {
	GetInteractions(ctx context.Context, rxcuis []string) []medication.Interaction
}

// VerificationHandler handles verification endpoints
type VerificationHandler struct {
	verifier     Verifier
	interactions InteractionChecker
	logger       *zap.Logger
}

// NewVerificationHandler creates a new handler
func NewVerificationHandler(v Verifier, ic InteractionChecker, logger *zap.Logger) *VerificationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VerificationHandler{verifier: v, interactions: ic, logger: logger}
}

// Routes returns the handler routes
func (h *VerificationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/verifications", h.Verify)
	r.Post("/verifications/batch", h.VerifyBatch)
	r.Post("/interactions", h.Interactions)
	r.Get("/normalize", h.Normalize)
	return r
}

// VerifyRequest is the body of POST /verifications
type VerifyRequest struct {
	Medicine    *medication.Medicine `json:"medicine"`
	ImageBase64 string               `json:"image,omitempty"`
}

// VerifyResponse returns the medicine with its verdict attached
type VerifyResponse struct {
	Medicine medication.Medicine `json:"medicine"`
}

// Verify handles POST /verifications
func (h *VerificationHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("verification-handler").Start(r.Context(), "verify_medicine")
	defer span.End()

	var req VerifyRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Medicine == nil {
		middleware.WriteError(w, "medicine is required", http.StatusBadRequest)
		return
	}

	result := h.verifier.Verify(ctx, *req.Medicine, req.ImageBase64)
	span.SetAttributes(attribute.String("status", string(result.Status)))

	writeJSON(w, http.StatusOK, VerifyResponse{Medicine: req.Medicine.WithVerification(result)})
}

// BatchRequest is the body of POST /verifications/batch
type BatchRequest struct {
	Medicines   []medication.Medicine `json:"medicines"`
	ImageBase64 string                `json:"image,omitempty"`
}

// BatchResponse carries the verified lines in request order
type BatchResponse struct {
	Medicines   []medication.Medicine `json:"medicines"`
	NeedsReview int                   `json:"needsReview"`
}

// VerifyBatch handles POST /verifications/batch
func (h *VerificationHandler) VerifyBatch(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("verification-handler").Start(r.Context(), "verify_batch")
	defer span.End()

	var req BatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Medicines) == 0 {
		middleware.WriteError(w, "medicines must not be empty", http.StatusBadRequest)
		return
	}
	if len(req.Medicines) > MaxBatchSize {
		middleware.WriteError(w, "too many medicines in one batch", http.StatusRequestEntityTooLarge)
		return
	}
	span.SetAttributes(attribute.Int("batch.size", len(req.Medicines)))

	out := h.verifier.VerifyBatch(ctx, req.Medicines, req.ImageBase64)
	review := 0
	for _, m := range out {
		if m.NeedsReview() {
			review++
		}
	}

	h.logger.Info("batch verified",
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.Int("size", len(out)),
		zap.Int("needs_review", review))

	writeJSON(w, http.StatusOK, BatchResponse{Medicines: out, NeedsReview: review})
}

// InteractionsRequest is the body of POST /interactions
type InteractionsRequest struct {
	RxCUIs []string `json:"rxcuis"`
}

// InteractionsResponse lists interactions between the given concepts
type InteractionsResponse struct {
	Interactions []medication.Interaction `json:"interactions"`
}

// Interactions handles POST /interactions
func (h *VerificationHandler) Interactions(w http.ResponseWriter, r *http.Request) {
	var req InteractionsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.RxCUIs) > maxInteractionIDs {
		middleware.WriteError(w, "too many rxcuis", http.StatusRequestEntityTooLarge)
		return
	}

	found := h.interactions.GetInteractions(r.Context(), req.RxCUIs)
	if found == nil {
		found = []medication.Interaction{}
	}
	writeJSON(w, http.StatusOK, InteractionsResponse{Interactions: found})
}

// NormalizeResponse is the body of GET /normalize
type NormalizeResponse struct {
	Normalized string          `json:"normalized"`
	Level      normalize.Level `json:"level"`
	CanVerify  bool            `json:"canVerify"`
}

// Normalize handles GET /normalize?name=&level=
func (h *VerificationHandler) Normalize(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if strings.TrimSpace(name) == "" {
		middleware.WriteError(w, "name is required", http.StatusBadRequest)
		return
	}
	level := normalize.ParseLevel(r.URL.Query().Get("level"))
	out := normalize.Normalize(name, level)

	writeJSON(w, http.StatusOK, NormalizeResponse{
		Normalized: out,
		Level:      level,
		CanVerify:  normalize.CanVerify(out),
	})
}

func (h *VerificationHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			middleware.WriteError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return false
		}
		middleware.WriteError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
