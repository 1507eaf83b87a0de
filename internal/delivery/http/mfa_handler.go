package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/FilipeAphrody/aegis/internal/domain"
)

// MFAHandler handles TOTP enrollment for authenticated accounts.
type MFAHandler struct {
	service Service
}

// NewMFAHandler registers the MFA management routes behind bearer auth.
func NewMFAHandler(e *echo.Group, svc Service) {
	handler := &MFAHandler{service: svc}

	protected := e.Group("/mfa", BearerAuth(svc))
	protected.POST("/setup", handler.Setup)
	protected.POST("/enable", handler.Enable)
}

// mfaSetupResponse returns the pending secret and QR URI to the frontend.
type mfaSetupResponse struct {
	Secret string `json:"secret"`
	QRCode string `json:"qr_code_uri"`
}

type mfaEnableRequest struct {
	Code string `json:"code" validate:"required,len=6"`
}

// mfaEnableResponse carries the one-time view of the backup codes.
type mfaEnableResponse struct {
	Status      string   `json:"status"`
	BackupCodes []string `json:"backup_codes"`
}

// Setup provisions a pending TOTP secret for the authenticated account.
// MFA stays off until the first code is verified via Enable.
func (h *MFAHandler) Setup(c echo.Context) error {
	accountID, _ := c.Get(ContextAccountID).(string)
	if accountID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	secret, uri, err := h.service.SetupMFA(c.Request().Context(), accountID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
	return c.JSON(http.StatusOK, mfaSetupResponse{Secret: secret, QRCode: uri})
}

// Enable verifies the first code and turns MFA on, returning the single-use
// backup codes exactly once.
func (h *MFAHandler) Enable(c echo.Context) error {
	accountID, _ := c.Get(ContextAccountID).(string)
	if accountID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}

	var req mfaEnableRequest
	if err := c.Bind(&req); err != nil || req.Code == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "code is required"})
	}

	codes, err := h.service.EnableMFA(c.Request().Context(), accountID, req.Code)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidMFACode) {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
	return c.JSON(http.StatusOK, mfaEnableResponse{Status: "mfa_enabled", BackupCodes: codes})
}
