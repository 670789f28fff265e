package handler

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/aidchain/orchestrator/internal/bus"
	"github.com/aidchain/orchestrator/internal/models"
	"github.com/aidchain/orchestrator/internal/pipeline"
	apierrors "github.com/aidchain/orchestrator/internal/pkg/errors"
	"github.com/aidchain/orchestrator/internal/pkg/response"
)

// settlementWait bounds how long the confirm endpoint waits for the
// pipeline to settle before answering pending.
const settlementWait = 2 * time.Minute

// DeliveryHandler accepts delivery proofs from authenticated fulfillers.
type DeliveryHandler struct {
	orchestrator *pipeline.Orchestrator
	bus          *bus.Bus
}

// NewDeliveryHandler creates the delivery handler.
func NewDeliveryHandler(o *pipeline.Orchestrator, b *bus.Bus) *DeliveryHandler {
	return &DeliveryHandler{orchestrator: o, bus: b}
}

// ConfirmHTTPRequest is the HTTP request body for a delivery proof.
type ConfirmHTTPRequest struct {
	RequestID     uint64  `json:"request_id"`
	DeliveryClass string  `json:"delivery_class"` // aerial | human
	DropLat       float64 `json:"drop_lat,omitempty"`
	DropLng       float64 `json:"drop_lng,omitempty"`
	ImageDigest   string  `json:"image_digest,omitempty"` // hex, 32 bytes
	DroneID       string  `json:"drone_id,omitempty"`
	OfficerID     string  `json:"officer_id,omitempty"`
	Signature     string  `json:"signature,omitempty"` // base64
}

// Confirm handles POST /api/delivery/confirm. It hands the proof to the
// waiting pipeline and follows the bus until settlement or rejection.
func (h *DeliveryHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req ConfirmHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithDetails("invalid request body"))
		return
	}

	proof, err := req.toProof()
	if err != nil {
		response.JSON(w, http.StatusBadRequest, map[string]any{
			"status": "failed",
			"reason": err.Error(),
		})
		return
	}

	// Subscribe before submitting so the settlement event cannot race past.
	filter := req.RequestID
	sub := h.bus.Subscribe(&filter)
	defer h.bus.Unsubscribe(sub.ID)

	if err := h.orchestrator.SubmitDeliveryProof(req.RequestID, proof); err != nil {
		response.JSON(w, http.StatusBadRequest, map[string]any{
			"status": "failed",
			"reason": err.Error(),
		})
		return
	}

	deadline := time.NewTimer(settlementWait)
	defer deadline.Stop()
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				response.OK(w, map[string]any{"status": "pending"})
				return
			}
			if ev.Stage == "settlement" && ev.Status == bus.StatusCompleted {
				response.OK(w, map[string]any{"status": "settled"})
				return
			}
			if ev.Status == bus.StatusFailed {
				response.JSON(w, http.StatusBadRequest, map[string]any{
					"status": "failed",
					"reason": ev.Message,
				})
				return
			}
		case <-deadline.C:
			response.OK(w, map[string]any{"status": "pending"})
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (req *ConfirmHTTPRequest) toProof() (models.DeliveryProof, error) {
	proof := models.DeliveryProof{Timestamp: time.Now().UTC()}

	switch req.DeliveryClass {
	case "aerial":
		proof.Class = models.DeliveryAerial
		proof.DropLat = models.DegreesToFixed(req.DropLat)
		proof.DropLng = models.DegreesToFixed(req.DropLng)
		proof.DroneID = req.DroneID
		if req.ImageDigest != "" {
			raw, err := hex.DecodeString(req.ImageDigest)
			if err != nil || len(raw) != 32 {
				return proof, apierrors.NewValidationError("image_digest", "must be 32 hex-encoded bytes")
			}
			copy(proof.ImageDigest[:], raw)
		}
	case "human":
		proof.Class = models.DeliveryHuman
		proof.OfficerID = req.OfficerID
		if req.Signature != "" {
			sig, err := base64.StdEncoding.DecodeString(req.Signature)
			if err != nil {
				return proof, apierrors.NewValidationError("signature", "must be base64")
			}
			proof.Signature = sig
		}
	default:
		return proof, apierrors.NewValidationError("delivery_class", "must be aerial or human")
	}

	return proof, nil
}
