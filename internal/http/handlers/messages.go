package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hongminglow/usersync/internal/apperr"
	"github.com/hongminglow/usersync/internal/http/respond"
	"github.com/hongminglow/usersync/internal/models/dto"
)

// LastMessageReader reads the most recent delivered message.
// *cache.LastMessageStore satisfies it.
type LastMessageReader interface {
	Get(ctx context.Context) (string, bool, error)
}

// MessagesHandler exposes what the user service last received.
type MessagesHandler struct {
	store LastMessageReader
}

func NewMessagesHandler(store LastMessageReader) *MessagesHandler {
	return &MessagesHandler{store: store}
}

func (h *MessagesHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /last", h.handleLast)
}

func (h *MessagesHandler) handleLast(w http.ResponseWriter, r *http.Request) {
	body, ok, err := h.store.Get(r.Context())
	if err != nil {
		respond.Err(w, fmt.Errorf("%w: %v", apperr.ErrStoreUnavailable, err))
		return
	}
	out := dto.LastMessage{}
	if ok {
		out.LastMessage = &body
	}
	respond.JSON(w, http.StatusOK, "last message", out)
}
