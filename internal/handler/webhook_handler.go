package handler

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aidchain/orchestrator/internal/config"
	"github.com/aidchain/orchestrator/internal/models"
	"github.com/aidchain/orchestrator/internal/pipeline"
	apierrors "github.com/aidchain/orchestrator/internal/pkg/errors"
	"github.com/aidchain/orchestrator/internal/pkg/response"
)

// WebhookHandler receives delivery callbacks from fulfilment services.
type WebhookHandler struct {
	orchestrator *pipeline.Orchestrator
	secrets      map[string]string // fulfiller name -> shared secret
	logger       *slog.Logger
}

// NewWebhookHandler creates the webhook handler.
func NewWebhookHandler(o *pipeline.Orchestrator, cfg config.FulfillerConfig, logger *slog.Logger) *WebhookHandler {
	secrets := make(map[string]string, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		secrets[ep.Class] = ep.SharedSecret
	}
	return &WebhookHandler{orchestrator: o, secrets: secrets, logger: logger}
}

// webhookPayload is the fulfiller callback body. The reference must match
// the dispatch pattern.
type webhookPayload struct {
	Reference   string  `json:"reference"` // aidchain-{id}
	Status      string  `json:"status"`
	DropLat     float64 `json:"drop_lat,omitempty"`
	DropLng     float64 `json:"drop_lng,omitempty"`
	ImageDigest string  `json:"image_digest,omitempty"`
	DroneID     string  `json:"drone_id,omitempty"`
	OfficerID   string  `json:"officer_id,omitempty"`
	Signature   string  `json:"signature,omitempty"`
}

// Receive handles POST /api/webhooks/{fulfiller}.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "fulfiller")
	secret, ok := h.secrets[name]
	if !ok || secret == "" ||
		subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Fulfiller-Secret")), []byte(secret)) != 1 {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}

	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		response.Error(w, apierrors.ErrInternal.WithDetails("undecodable webhook body"))
		return
	}

	var requestID uint64
	if _, err := fmt.Sscanf(payload.Reference, "aidchain-%d", &requestID); err != nil {
		response.Error(w, apierrors.ErrInternal.WithDetails("reference does not match aidchain-{id}"))
		return
	}

	proof, err := payload.toProof(name)
	if err != nil {
		response.Error(w, apierrors.ErrInternal.WithDetails(err.Error()))
		return
	}

	if err := h.orchestrator.SubmitDeliveryProof(requestID, proof); err != nil {
		// The callback is acknowledged either way; a proof for a request
		// that is not awaiting one is the fulfiller's bookkeeping problem.
		h.logger.Warn("webhook proof not accepted",
			slog.Uint64("request_id", requestID),
			slog.String("fulfiller", name),
			slog.String("error", err.Error()),
		)
	}

	response.OK(w, map[string]any{"received": true})
}

func (p *webhookPayload) toProof(fulfillerClass string) (models.DeliveryProof, error) {
	proof := models.DeliveryProof{Timestamp: time.Now().UTC()}

	switch fulfillerClass {
	case "aerial":
		proof.Class = models.DeliveryAerial
		proof.DropLat = models.DegreesToFixed(p.DropLat)
		proof.DropLng = models.DegreesToFixed(p.DropLng)
		proof.DroneID = p.DroneID
		if p.ImageDigest != "" {
			raw, err := hex.DecodeString(p.ImageDigest)
			if err != nil || len(raw) != 32 {
				return proof, fmt.Errorf("image_digest must be 32 hex-encoded bytes")
			}
			copy(proof.ImageDigest[:], raw)
		}
	case "human":
		proof.Class = models.DeliveryHuman
		proof.OfficerID = p.OfficerID
		if p.Signature != "" {
			sig, err := base64.StdEncoding.DecodeString(p.Signature)
			if err != nil {
				return proof, fmt.Errorf("signature must be base64")
			}
			proof.Signature = sig
		}
	default:
		return proof, fmt.Errorf("unknown fulfiller class %q", fulfillerClass)
	}

	return proof, nil
}
