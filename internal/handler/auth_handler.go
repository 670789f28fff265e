package handler

import (
	"encoding/json"
	"net/http"

	apierrors "github.com/aidchain/orchestrator/internal/pkg/errors"
	"github.com/aidchain/orchestrator/internal/pkg/response"
	"github.com/aidchain/orchestrator/internal/service"
)

// AuthHandler handles signature-based login.
type AuthHandler struct {
	auth service.AuthService
}

// NewAuthHandler creates the auth handler.
func NewAuthHandler(auth service.AuthService) *AuthHandler {
	return &AuthHandler{auth: auth}
}

// LoginHTTPRequest is the HTTP request body for login.
type LoginHTTPRequest struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
	Message   string `json:"message"`
}

// Login handles POST /api/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithDetails("invalid request body"))
		return
	}
	if req.Address == "" || req.Signature == "" || req.Message == "" {
		response.Error(w, apierrors.NewValidationError("address", "address, signature and message are required"))
		return
	}

	result, err := h.auth.Login(r.Context(), req.Address, req.Signature, req.Message)
	if err != nil {
		response.Error(w, apierrors.ErrUnauthorized.WithDetails(err.Error()))
		return
	}

	response.OK(w, result)
}
