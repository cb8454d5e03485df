package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"gama-ovr/core/apperr"
	"gama-ovr/core/store"
	"gama-ovr/core/utils"
)

// UsersHandler exposes the user directory. Accounts are provisioned by the
// identity provider on sign-in, so the only local change is deactivation.
type UsersHandler struct {
	users  store.UsersStore
	audits store.AuditStore
	logger *utils.Logger
}

func NewUsersHandler(users store.UsersStore, audits store.AuditStore, logger *utils.Logger) *UsersHandler {
	return &UsersHandler{users: users, audits: audits, logger: logger}
}

func (h *UsersHandler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.users.List(r.Context(), !parseBool(r.URL.Query().Get("include_inactive")))
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if items == nil {
		items = []store.User{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *UsersHandler) SetActive(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	var payload struct {
		Active *bool `json:"active"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if payload.Active == nil {
		WriteError(w, r, h.logger, apperr.Validation("user.invalid", "active is required").WithDetail("active", "required"))
		return
	}
	actor := principal(r)
	if id == actor.UserID && !*payload.Active {
		WriteError(w, r, h.logger, apperr.Conflict("user.self_deactivation", "you cannot deactivate your own account"))
		return
	}
	if err := h.users.SetActive(r.Context(), id, *payload.Active); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteError(w, r, h.logger, apperr.NotFound("user.not_found", fmt.Sprintf("user %d not found", id)))
			return
		}
		WriteError(w, r, h.logger, err)
		return
	}
	user, err := h.users.Get(r.Context(), id)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if h.audits != nil {
		if err := h.audits.Log(r.Context(), actor.Email, "users.set_active", fmt.Sprintf("id=%d email=%s active=%t", id, user.Email, user.Active)); err != nil && h.logger != nil {
			h.logger.Errorf("audit users.set_active: %v", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}
