// Package handler provides HTTP handlers for the orchestrator API.
package handler

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/aidchain/orchestrator/internal/gnss"
	"github.com/aidchain/orchestrator/internal/ledger"
	"github.com/aidchain/orchestrator/internal/middleware"
	"github.com/aidchain/orchestrator/internal/models"
	"github.com/aidchain/orchestrator/internal/pipeline"
	apierrors "github.com/aidchain/orchestrator/internal/pkg/errors"
	"github.com/aidchain/orchestrator/internal/pkg/response"
)

// ActiveEventSource lists the currently attested disaster events.
type ActiveEventSource interface {
	ActiveEvents() []models.EventAttestation
}

// RequestHandler handles aid-request HTTP requests.
type RequestHandler struct {
	orchestrator *pipeline.Orchestrator
	ledger       ledger.Adapter
	events       ActiveEventSource
	validate     *validator.Validate
}

// NewRequestHandler creates the request handler.
func NewRequestHandler(o *pipeline.Orchestrator, adapter ledger.Adapter, events ActiveEventSource) *RequestHandler {
	return &RequestHandler{
		orchestrator: o,
		ledger:       adapter,
		events:       events,
		validate:     validator.New(),
	}
}

// SubmitRequestHTTPRequest is the HTTP request body for starting a pipeline.
type SubmitRequestHTTPRequest struct {
	AidType  string  `json:"aid_type" validate:"required"`
	Urgency  string  `json:"urgency" validate:"required"`
	Lat      float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng      float64 `json:"lng" validate:"gte=-180,lte=180"`
	Details  string  `json:"details,omitempty"`
	GnssData string  `json:"gnss_data" validate:"required"`
	DeviceID string  `json:"device_id,omitempty"`
}

// Submit handles POST /api/requests.
func (h *RequestHandler) Submit(w http.ResponseWriter, r *http.Request) {
	addr := middleware.GetAddress(r.Context())
	if addr == "" {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}

	// The token's verified claim is advisory; writes are gated on the
	// on-ledger identity registry.
	verified, err := h.ledger.IsIdentityVerified(r.Context(), common.HexToAddress(addr))
	if err != nil {
		response.Error(w, err)
		return
	}
	if !verified {
		response.Error(w, apierrors.NewValidationError("requester", "identity is not verified on the ledger"))
		return
	}

	var req SubmitRequestHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithDetails("invalid request body"))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithDetails(err.Error()))
		return
	}
	if _, err := models.ParseAidClass(req.AidType); err != nil {
		response.Error(w, apierrors.NewValidationError("aid_type", err.Error()))
		return
	}
	if _, err := models.ParseUrgency(req.Urgency); err != nil {
		response.Error(w, apierrors.NewValidationError("urgency", err.Error()))
		return
	}
	rawSignal, err := base64.StdEncoding.DecodeString(req.GnssData)
	if err != nil {
		response.Error(w, apierrors.NewValidationError("gnss_data", "must be base64"))
		return
	}

	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = middleware.GetDeviceID(r.Context())
	}

	requestID, err := h.orchestrator.StartLatestForRequester(r.Context(), common.HexToAddress(addr), gnss.VerifyInput{
		ClaimedLat: models.DegreesToFixed(req.Lat),
		ClaimedLng: models.DegreesToFixed(req.Lng),
		DeviceID:   deviceID,
		RawSignal:  rawSignal,
	})
	if err != nil {
		response.Error(w, err)
		return
	}

	response.Accepted(w, map[string]any{
		"request_id":   requestID,
		"status":       "pipeline_started",
		"pipeline_url": fmt.Sprintf("/api/requests/%d/pipeline", requestID),
	})
}

// Get handles GET /api/requests/{id}.
func (h *RequestHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		response.Error(w, apierrors.NewValidationError("id", "must be an unsigned integer"))
		return
	}

	req, err := h.ledger.GetRequest(r.Context(), id)
	if err != nil {
		response.Error(w, apierrors.ErrNotFound.WithDetails(err.Error()))
		return
	}

	response.OK(w, requestView(req))
}

// Pipeline handles GET /api/requests/{id}/pipeline.
func (h *RequestHandler) Pipeline(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		response.Error(w, apierrors.NewValidationError("id", "must be an unsigned integer"))
		return
	}

	view, ok := h.orchestrator.PipelineStatus(id)
	if !ok {
		response.OK(w, map[string]any{"status": "not_active"})
		return
	}
	response.OK(w, view)
}

// UserRequests handles GET /api/requests/user/{addr}.
func (h *RequestHandler) UserRequests(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "addr")
	if !common.IsHexAddress(addr) {
		response.Error(w, apierrors.NewValidationError("addr", "must be a hex address"))
		return
	}

	ids, err := h.ledger.GetUserRequests(r.Context(), common.HexToAddress(addr))
	if err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, map[string]any{
		"address":     common.HexToAddress(addr).Hex(),
		"request_ids": ids,
	})
}

// ActivePipelines handles GET /api/pipeline/active.
func (h *RequestHandler) ActivePipelines(w http.ResponseWriter, r *http.Request) {
	response.OK(w, h.orchestrator.ActivePipelines())
}

// FundStats handles GET /api/fund/stats.
func (h *RequestHandler) FundStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.ledger.GetPoolStats(r.Context())
	if err != nil {
		response.Error(w, err)
		return
	}

	response.OK(w, map[string]string{
		"total_deposited":   formatMinorUnits(stats.Deposited),
		"total_escrowed":    formatMinorUnits(stats.Escrowed),
		"total_paid_out":    formatMinorUnits(stats.PaidOut),
		"available_balance": formatMinorUnits(stats.Available),
	})
}

// ActiveEvents handles GET /api/events/active.
func (h *RequestHandler) ActiveEvents(w http.ResponseWriter, r *http.Request) {
	response.OK(w, h.events.ActiveEvents())
}

// requestView converts an on-ledger request to its wire form: degrees at
// the surface, fixed-point on the ledger.
func requestView(req *models.AidRequest) map[string]any {
	return map[string]any{
		"id":         req.ID,
		"requester":  req.Requester,
		"aid_class":  req.AidClass.String(),
		"urgency":    req.Urgency.String(),
		"lat":        models.FixedToDegrees(req.Lat),
		"lng":        models.FixedToDegrees(req.Lng),
		"status":     req.Status.String(),
		"created_at": req.CreatedAt,
	}
}

var minorUnitScale = big.NewInt(1_000_000)

// formatMinorUnits renders stablecoin minor units (6 dp) as a decimal
// string.
func formatMinorUnits(v *big.Int) string {
	if v == nil {
		return "0.000000"
	}
	abs := new(big.Int).Abs(v)
	quo, rem := abs.QuoRem(abs, minorUnitScale, new(big.Int))
	s := fmt.Sprintf("%s.%06d", quo.String(), rem.Int64())
	if v.Sign() < 0 {
		return "-" + s
	}
	return s
}
