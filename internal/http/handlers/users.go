package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/hongminglow/usersync/internal/apperr"
	"github.com/hongminglow/usersync/internal/directory"
	"github.com/hongminglow/usersync/internal/http/respond"
	"github.com/hongminglow/usersync/internal/logging"
	"github.com/hongminglow/usersync/internal/models"
	"github.com/hongminglow/usersync/internal/models/dto"
)

// Directory is the user CRUD API. *directory.Service satisfies it.
type Directory interface {
	Create(ctx context.Context, username, password string) (models.User, error)
	Get(ctx context.Context, id int64) (models.User, error)
	List(ctx context.Context, offset, limit int) ([]models.User, error)
	Update(ctx context.Context, id int64, username, password *string) (models.User, error)
	Delete(ctx context.Context, id int64) (models.User, error)
}

// UsersHandler exposes the user directory.
type UsersHandler struct {
	directory Directory
	logger    logging.Logger
}

func NewUsersHandler(directory Directory, logger logging.Logger) *UsersHandler {
	return &UsersHandler{directory: directory, logger: logger}
}

func (h *UsersHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /users", h.handleCreate)
	mux.HandleFunc("GET /users", h.handleList)
	mux.HandleFunc("GET /users/{id}", h.handleGet)
	mux.HandleFunc("PUT /users/{id}", h.handleUpdate)
	mux.HandleFunc("DELETE /users/{id}", h.handleDelete)
}

func (h *UsersHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req dto.CreateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respond.Err(w, err)
		return
	}
	user, err := h.directory.Create(r.Context(), req.Username, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respond.JSON(w, http.StatusCreated, "user created", user)
}

func (h *UsersHandler) handleList(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset")
	if err != nil {
		respond.Err(w, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		respond.Err(w, err)
		return
	}
	users, err := h.directory.List(r.Context(), offset, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	offset, limit = directory.NormalizePage(offset, limit)
	respond.JSON(w, http.StatusOK, "users", dto.UserList{Users: users, Offset: offset, Limit: limit})
}

func (h *UsersHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respond.Err(w, err)
		return
	}
	user, err := h.directory.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, "user", user)
}

func (h *UsersHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respond.Err(w, err)
		return
	}
	var req dto.UpdateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respond.Err(w, err)
		return
	}
	user, err := h.directory.Update(r.Context(), id, req.Username, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, "user updated", user)
}

func (h *UsersHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respond.Err(w, err)
		return
	}
	user, err := h.directory.Delete(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, "user deleted", user)
}

func (h *UsersHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if apperr.HTTPStatus(err) >= http.StatusInternalServerError {
		h.logger.Error(r.Context(), "users request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	respond.Err(w, err)
}

func pathID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: user id must be an integer", apperr.ErrValidation)
	}
	return id, nil
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", apperr.ErrValidation, key)
	}
	return v, nil
}
