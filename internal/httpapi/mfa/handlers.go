// Package mfa provides the HTTP handlers for the MFA API.
//
// Purpose:
//   This package translates HTTP requests into calls on the MFA core and
//   maps its semantic errors onto status codes with sanitized JSON bodies.
//   Nothing here contains business rules; handlers validate shape, resolve
//   the caller, call the service, and encode the result.
//
// Dependencies:
//   - github.com/go-chi/chi/v5: HTTP router
//   - github.com/google/uuid: UUID parsing
//   - internal/audit: client IP extraction for request metadata
//   - internal/identity: caller resolution from gateway headers
//   - internal/mfa: the MFA core
//
// Key Responsibilities:
//   - Setup: POST /v1/mfa/setup - provision a TOTP secret (self-service)
//   - Status: GET /v1/mfa/status - MFA-required check for a user
//   - Verify: POST /v1/mfa/verify - TOTP code verification
//   - VerifyBackup: POST /v1/mfa/backup/verify - backup code consumption
//   - CheckDevice: POST /v1/mfa/devices/check - trusted-device check
//
// Debugging Notes:
//   - Error bodies carry a stable numeric code; messages never distinguish
//     wrong-code from consumed-code or reveal whether a user has MFA
//   - 401 on verify covers both invalid codes and lost update races; the
//     security_events table has the precise reason
package mfa

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tracklinehq/mfa-service/internal/audit"
	"github.com/tracklinehq/mfa-service/internal/identity"
	"github.com/tracklinehq/mfa-service/internal/mfa"
)

// Handler serves the MFA endpoints.
type Handler struct {
	svc    *mfa.Service
	logger zerolog.Logger
}

// NewHandler wires the MFA endpoints around a service instance.
func NewHandler(svc *mfa.Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger.With().Str("component", "httpapi").Logger()}
}

// RegisterRoutes mounts the MFA routes beneath /v1/mfa. Every route requires
// a resolved caller identity.
func RegisterRoutes(router chi.Router, h *Handler, resolver identity.Resolver, logger zerolog.Logger) {
	router.Route("/v1/mfa", func(r chi.Router) {
		r.Use(identity.RequireIdentity(resolver, logger))
		r.Post("/setup", h.Setup)
		r.Get("/status", h.Status)
		r.Post("/verify", h.Verify)
		r.Post("/backup/verify", h.VerifyBackup)
		r.Post("/devices/check", h.CheckDevice)
	})
}

type deviceRequest struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName,omitempty"`
	DeviceType string `json:"deviceType,omitempty"`
	UserAgent  string `json:"userAgent,omitempty"`
}

// toInfo fills the user agent from the request header when the body omits it.
func (d deviceRequest) toInfo(r *http.Request) mfa.DeviceInfo {
	ua := d.UserAgent
	if ua == "" {
		ua = r.Header.Get("User-Agent")
	}
	return mfa.DeviceInfo{
		DeviceID:   d.DeviceID,
		DeviceName: d.DeviceName,
		DeviceType: d.DeviceType,
		UserAgent:  ua,
	}
}

type setupRequest struct {
	UserID string `json:"userId,omitempty"`
}

type setupResponse struct {
	QRPayload string `json:"qrPayload"`
	Secret    string `json:"secret"`
}

type statusResponse struct {
	MFARequired    bool   `json:"mfaRequired"`
	MFAType        string `json:"mfaType,omitempty"`
	HasBackupCodes bool   `json:"hasBackupCodes"`
}

type verifyRequest struct {
	UserID      string         `json:"userId,omitempty"`
	Code        string         `json:"code"`
	TrustDevice bool           `json:"trustDevice,omitempty"`
	Device      *deviceRequest `json:"deviceInfo,omitempty"`
}

type trustGrantResponse struct {
	DeviceID  string `json:"deviceId"`
	ExpiresAt string `json:"expiresAt"`
}

type verifyResponse struct {
	Verified      bool                `json:"verified"`
	BackupCodes   []string            `json:"backupCodes,omitempty"`
	TrustedDevice *trustGrantResponse `json:"trustedDevice,omitempty"`
}

type backupVerifyRequest struct {
	UserID string `json:"userId,omitempty"`
	Code   string `json:"code"`
}

type backupVerifyResponse struct {
	Verified       bool `json:"verified"`
	RemainingCodes int  `json:"remainingCodes"`
}

type deviceCheckRequest struct {
	UserID     string `json:"userId,omitempty"`
	DeviceID   string `json:"deviceId"`
	DeviceType string `json:"deviceType,omitempty"`
}

type deviceCheckResponse struct {
	IsTrusted bool   `json:"isTrusted"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

// Setup provisions a fresh TOTP secret for the caller. The response is the
// only time the secret and otpauth URL are visible.
func (h *Handler) Setup(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "authentication required")
		return
	}

	var req setupRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidInput, "invalid request payload")
			return
		}
	}
	userID, err := resolveUserID(req.UserID, caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidInput, "invalid userId")
		return
	}

	result, err := h.svc.BeginSetup(r.Context(), caller.OrgID, caller.UserID, userID, caller.Email, requestMeta(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, setupResponse{QRPayload: result.ProvisionURL, Secret: result.Secret})
}

// Status reports whether the user must present a second factor at login.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "authentication required")
		return
	}
	userID, err := resolveUserID(r.URL.Query().Get("userId"), caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidInput, "invalid userId")
		return
	}

	status, err := h.svc.Status(r.Context(), caller.OrgID, userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		MFARequired:    status.MFARequired,
		MFAType:        status.MFAType,
		HasBackupCodes: status.HasBackupCodes,
	})
}

// Verify validates a TOTP code. On the verification that completes
// enablement the response carries the backup codes, once.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "authentication required")
		return
	}
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidInput, "invalid request payload")
		return
	}
	userID, err := resolveUserID(req.UserID, caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidInput, "invalid userId")
		return
	}

	in := mfa.VerifyInput{
		UserID:      userID,
		Code:        req.Code,
		TrustDevice: req.TrustDevice,
	}
	if req.Device != nil {
		in.Device = req.Device.toInfo(r)
	}

	result, err := h.svc.VerifyCode(r.Context(), caller.OrgID, in, requestMeta(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := verifyResponse{Verified: true, BackupCodes: result.BackupCodes}
	if result.Trust != nil {
		resp.TrustedDevice = &trustGrantResponse{
			DeviceID:  result.Trust.DeviceID,
			ExpiresAt: result.Trust.ExpiresAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// VerifyBackup consumes a single-use backup code.
func (h *Handler) VerifyBackup(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "authentication required")
		return
	}
	var req backupVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidInput, "invalid request payload")
		return
	}
	userID, err := resolveUserID(req.UserID, caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidInput, "invalid userId")
		return
	}

	result, err := h.svc.ConsumeBackupCode(r.Context(), caller.OrgID, userID, req.Code, requestMeta(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, backupVerifyResponse{Verified: true, RemainingCodes: result.Remaining})
}

// CheckDevice answers whether the presented device may skip the MFA
// challenge.
func (h *Handler) CheckDevice(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "authentication required")
		return
	}
	var req deviceCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidInput, "invalid request payload")
		return
	}
	userID, err := resolveUserID(req.UserID, caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidInput, "invalid userId")
		return
	}

	device := mfa.DeviceInfo{
		DeviceID:   req.DeviceID,
		DeviceType: req.DeviceType,
		UserAgent:  r.Header.Get("User-Agent"),
	}
	status, err := h.svc.CheckTrust(r.Context(), caller.OrgID, userID, device)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	// expiresAt is reported whenever a grant exists, expired or not, so the
	// caller can tell a lapsed grant from a device it has never seen.
	resp := deviceCheckResponse{IsTrusted: status.Trusted}
	if status.ExpiresAt != nil {
		resp.ExpiresAt = status.ExpiresAt.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

// resolveUserID parses an explicit userId, falling back to the caller. The
// service decides whether acting on another user is allowed per operation.
func resolveUserID(raw string, caller identity.Identity) (uuid.UUID, error) {
	if raw == "" {
		return caller.UserID, nil
	}
	return uuid.Parse(raw)
}

func requestMeta(r *http.Request) mfa.RequestMeta {
	return mfa.RequestMeta{IPAddress: audit.ClientIP(r), UserAgent: r.Header.Get("User-Agent")}
}

// writeServiceError maps a semantic service error onto an HTTP status and a
// sanitized body. Conflicts on the backup path read exactly like an invalid
// code; the real cause lives in the server log and the security ledger.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, mfa.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, codeInvalidInput, "invalid request")
	case errors.Is(err, mfa.ErrNotConfigured):
		writeError(w, http.StatusBadRequest, codeNotConfigured, "mfa is not configured for this user")
	case errors.Is(err, mfa.ErrNoBackupCodes):
		writeError(w, http.StatusBadRequest, codeNoBackupCodes, "no backup codes remaining")
	case errors.Is(err, mfa.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "authentication required")
	case errors.Is(err, mfa.ErrInvalidCode), errors.Is(err, mfa.ErrConflict):
		writeError(w, http.StatusUnauthorized, codeInvalidCode, "verification failed")
	case errors.Is(err, mfa.ErrForbidden):
		writeError(w, http.StatusForbidden, codeForbidden, "operation not permitted")
	case errors.Is(err, mfa.ErrUnavailable):
		h.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("datastore unavailable")
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "service temporarily unavailable")
	default:
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
	}
}
