package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/FilipeAphrody/aegis/internal/domain"
	"github.com/FilipeAphrody/aegis/internal/token"
)

// Service is the authentication engine surface the delivery layer depends
// on. Implemented by usecase.AuthUsecase.
type Service interface {
	Login(ctx context.Context, req domain.LoginRequest) (*domain.LoginResult, error)
	Refresh(ctx context.Context, refreshToken string) (*domain.LoginResult, error)
	Authenticate(ctx context.Context, accessToken string) (*token.Claims, error)
	Introspect(ctx context.Context, raw string) *domain.TokenIntrospection
	RevokeToken(ctx context.Context, tokenID string) error
	Logout(ctx context.Context, sessionID string) error
	SetupMFA(ctx context.Context, accountID string) (secret, uri string, err error)
	EnableMFA(ctx context.Context, accountID, code string) ([]string, error)
}

// AuthHandler represents the HTTP delivery layer for authentication.
type AuthHandler struct {
	service Service
}

// NewAuthHandler registers the authentication routes on the provided group.
func NewAuthHandler(e *echo.Group, svc Service, loginLimit echo.MiddlewareFunc) {
	handler := &AuthHandler{service: svc}

	if loginLimit != nil {
		e.POST("/login", handler.Login, loginLimit)
	} else {
		e.POST("/login", handler.Login)
	}
	e.POST("/token/refresh", handler.Refresh)
	e.POST("/token/introspect", handler.Introspect)

	protected := e.Group("", BearerAuth(svc))
	protected.POST("/token/revoke", handler.Revoke)
	protected.POST("/logout", handler.Logout)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type introspectRequest struct {
	Token string `json:"token" validate:"required"`
}

type revokeRequest struct {
	TokenID string `json:"token_id" validate:"required"`
}

type logoutRequest struct {
	SessionID string `json:"session_id" validate:"required"`
}

// Login handles a primary authentication attempt, including the optional
// mfa_code for step two.
func (h *AuthHandler) Login(c echo.Context) error {
	var req domain.LoginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if req.Identifier == "" || req.Password == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "identifier and password are required"})
	}
	if req.NetworkOrigin == "" {
		req.NetworkOrigin = c.RealIP()
	}

	resp, err := h.service.Login(c.Request().Context(), req)
	if err != nil {
		return loginError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// Refresh exchanges a refresh token for a rotated pair.
func (h *AuthHandler) Refresh(c echo.Context) error {
	var req refreshRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	resp, err := h.service.Refresh(c.Request().Context(), req.RefreshToken)
	if err != nil {
		return tokenError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// Introspect reports validity and the frozen permission snapshot of a
// token. Always 200; invalid tokens answer valid=false without a reason.
func (h *AuthHandler) Introspect(c echo.Context) error {
	var req introspectRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	return c.JSON(http.StatusOK, h.service.Introspect(c.Request().Context(), req.Token))
}

// Revoke blacklists a token id.
func (h *AuthHandler) Revoke(c echo.Context) error {
	var req revokeRequest
	if err := c.Bind(&req); err != nil || req.TokenID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "token_id is required"})
	}
	if err := h.service.RevokeToken(c.Request().Context(), req.TokenID); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "revoked"})
}

// Logout invalidates a session.
func (h *AuthHandler) Logout(c echo.Context) error {
	var req logoutRequest
	if err := c.Bind(&req); err != nil || req.SessionID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "session_id is required"})
	}
	if err := h.service.Logout(c.Request().Context(), req.SessionID); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "logged_out"})
}

// loginError maps the engine's taxonomy onto the wire contract. Unknown
// identifier and wrong secret answer identically.
func loginError(c echo.Context, err error) error {
	var locked *domain.LockedError
	switch {
	case errors.As(err, &locked):
		return c.JSON(http.StatusLocked, echo.Map{
			"status":      domain.StatusLocked,
			"retry_after": int64(locked.RetryAfter.Seconds()),
		})
	case errors.Is(err, domain.ErrMFARequired):
		return c.JSON(http.StatusAccepted, echo.Map{"status": domain.StatusMFARequired})
	case errors.Is(err, domain.ErrInvalidCredentials), errors.Is(err, domain.ErrInvalidMFACode):
		return c.JSON(http.StatusUnauthorized, echo.Map{
			"status": domain.StatusDenied,
			"error":  err.Error(),
		})
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}

func tokenError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrTokenExpired),
		errors.Is(err, domain.ErrTokenRevoked),
		errors.Is(err, domain.ErrTokenMalformed),
		errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrSessionExpired):
		return c.JSON(http.StatusUnauthorized, echo.Map{
			"status": domain.StatusDenied,
			"error":  "invalid or expired token",
		})
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}
