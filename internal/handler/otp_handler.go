package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/MetaDevZone/secure-2fa/internal/engine"
	"github.com/MetaDevZone/secure-2fa/internal/model"
	"github.com/MetaDevZone/secure-2fa/internal/notify"
	"github.com/MetaDevZone/secure-2fa/internal/otperr"
	"github.com/MetaDevZone/secure-2fa/internal/util"
)

// OTPHandler exposes the engine's caller-facing operations over HTTP.
type OTPHandler struct {
	engine *engine.Engine
	logger *zap.Logger
}

func NewOTPHandler(eng *engine.Engine, logger *zap.Logger) *OTPHandler {
	return &OTPHandler{
		engine: eng,
		logger: logger,
	}
}

// Response is the standard API envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Code    string      `json:"code,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// RegisterRoutes mounts the OTP routes on the given router.
func (h *OTPHandler) RegisterRoutes(r chi.Router) {
	r.Post("/otp/issue", h.Issue)
	r.Post("/otp/verify", h.Verify)
	r.Post("/otp/cleanup", h.Cleanup)
}

type issueRequest struct {
	Destination string                `json:"destination"`
	Context     string                `json:"context"`
	Meta        model.RequestMetadata `json:"meta"`
	Template    *notify.Template      `json:"template,omitempty"`
}

func (h *OTPHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, otperr.ErrInvalid)
		return
	}

	// The client-observed origin wins over whatever the caller put in
	// the body, so bindings reflect the actual request.
	req.Meta.IPAddress = r.RemoteAddr
	req.Meta.UserAgent = r.UserAgent()

	result, err := h.engine.Issue(r.Context(), engine.IssueInput{
		Destination: req.Destination,
		Context:     req.Context,
		Meta:        req.Meta,
		Template:    req.Template,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, Response{Success: true, Data: result})
}

type verifyRequest struct {
	Destination string                `json:"destination"`
	Context     string                `json:"context"`
	SessionID   string                `json:"session_id"`
	Code        string                `json:"code"`
	Meta        model.RequestMetadata `json:"meta"`
}

func (h *OTPHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, otperr.ErrInvalid)
		return
	}

	req.Meta.IPAddress = r.RemoteAddr
	req.Meta.UserAgent = r.UserAgent()

	if err := h.engine.Verify(r.Context(), engine.VerifyInput{
		Destination: req.Destination,
		Context:     req.Context,
		SessionID:   req.SessionID,
		Code:        req.Code,
		Meta:        req.Meta,
	}); err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    map[string]bool{"verified": true},
	})
}

func (h *OTPHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.engine.Cleanup(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    map[string]int{"deleted": deleted},
	})
}

func (h *OTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	health := h.engine.HealthCheck(r.Context())

	status := http.StatusOK
	if health.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, Response{Success: health.Status != "unhealthy", Data: health})
}

func (h *OTPHandler) writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode response", util.ErrorField(err))
	}
}

func (h *OTPHandler) writeError(w http.ResponseWriter, err error) {
	kind := otperr.KindOf(err)
	h.writeJSON(w, statusFor(kind), Response{
		Success: false,
		Code:    kind.Code(),
		Error:   publicMessage(kind),
	})
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(kind otperr.Kind) int {
	switch kind {
	case otperr.KindInvalid:
		return http.StatusBadRequest
	case otperr.KindExpired, otperr.KindAlreadyUsed, otperr.KindLocked,
		otperr.KindAttemptsExceeded, otperr.KindContextMismatch:
		return http.StatusUnprocessableEntity
	case otperr.KindRateLimited:
		return http.StatusTooManyRequests
	case otperr.KindNotificationFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage keeps wire errors stable and free of internal detail.
func publicMessage(kind otperr.Kind) string {
	switch kind {
	case otperr.KindInvalid:
		return "invalid request or code"
	case otperr.KindExpired:
		return "code has expired"
	case otperr.KindAlreadyUsed:
		return "code has already been used"
	case otperr.KindLocked:
		return "code is locked"
	case otperr.KindAttemptsExceeded:
		return "maximum verification attempts exceeded"
	case otperr.KindContextMismatch:
		return "request context does not match"
	case otperr.KindRateLimited:
		return "too many code requests, try again later"
	case otperr.KindNotificationFailed:
		return "failed to deliver code"
	default:
		return "internal error"
	}
}
