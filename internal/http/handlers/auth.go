package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/hongminglow/usersync/internal/apperr"
	"github.com/hongminglow/usersync/internal/events"
	"github.com/hongminglow/usersync/internal/http/respond"
	"github.com/hongminglow/usersync/internal/logging"
	"github.com/hongminglow/usersync/internal/models/dto"
)

// Gateway is the session API behind the auth endpoints. *gateway.Service
// satisfies it.
type Gateway interface {
	Login(ctx context.Context, username, password string) (string, error)
	Logout(ctx context.Context, token string) error
	Authenticate(ctx context.Context, token string) (string, error)
	SendAuthenticated(ctx context.Context, username, payload string) (events.Message, error)
}

// AuthHandler owns login, logout and the session-gated send endpoint.
type AuthHandler struct {
	gateway Gateway
	logger  logging.Logger
}

// NewAuthHandler constructs the handler.
func NewAuthHandler(gateway Gateway, logger logging.Logger) *AuthHandler {
	return &AuthHandler{gateway: gateway, logger: logger}
}

// Register attaches auth routes to the mux.
func (h *AuthHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /login", h.handleLogin)
	mux.HandleFunc("POST /logout", h.handleLogout)
	mux.HandleFunc("POST /send", h.handleSend)
}

func (h *AuthHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req dto.LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respond.Err(w, err)
		return
	}
	token, err := h.gateway.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, "login successful", dto.LoginResponse{Token: token})
}

func (h *AuthHandler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.gateway.Logout(r.Context(), bearerToken(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, "logout successful", nil)
}

func (h *AuthHandler) handleSend(w http.ResponseWriter, r *http.Request) {
	var req dto.SendRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			respond.Err(w, err)
			return
		}
	}

	username, err := h.gateway.Authenticate(r.Context(), bearerToken(r))
	if err != nil {
		h.failUnauthenticated(w, r, err)
		return
	}
	msg, err := h.gateway.SendAuthenticated(r.Context(), username, req.Message)
	if err != nil {
		h.failUnauthenticated(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, "message sent", msg)
}

// failUnauthenticated reports a dead session as 401: on gated endpoints it
// means the caller is not authenticated.
func (h *AuthHandler) failUnauthenticated(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, apperr.ErrNotLoggedIn) {
		respond.ErrStatus(w, http.StatusUnauthorized, err)
		return
	}
	h.fail(w, r, err)
}

func (h *AuthHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if apperr.HTTPStatus(err) >= http.StatusInternalServerError {
		h.logger.Error(r.Context(), "auth request failed", "path", r.URL.Path, "error", err)
	}
	respond.Err(w, err)
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
