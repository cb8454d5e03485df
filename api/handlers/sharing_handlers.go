package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"gama-ovr/core/apperr"
	"gama-ovr/core/sharing"
	"gama-ovr/core/store"
	"gama-ovr/core/utils"
)

type SharingHandler struct {
	svc    *sharing.Service
	logger *utils.Logger
}

func NewSharingHandler(svc *sharing.Service, logger *utils.Logger) *SharingHandler {
	return &SharingHandler{svc: svc, logger: logger}
}

func (h *SharingHandler) Invite(w http.ResponseWriter, r *http.Request) {
	var in sharing.InviteInput
	if err := decodeJSON(r, &in); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	invite, err := h.svc.Invite(r.Context(), principal(r), in)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, invite)
}

func (h *SharingHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var resourceID int64
	if raw := strings.TrimSpace(q.Get("resource_id")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			WriteError(w, r, h.logger, apperr.Validation("request.bad_filter", "resource_id must be a positive integer").WithDetail("resource_id", raw))
			return
		}
		resourceID = id
	}
	items, err := h.svc.List(r.Context(), principal(r), q.Get("resource_type"), resourceID)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if items == nil {
		items = []store.SharedGrant{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *SharingHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "grantId")
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	grant, err := h.svc.Revoke(r.Context(), principal(r), id)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"grant": grant})
}

// Resolve and UpdateInvestigation are reached without a session; the token
// in the path is the credential.
func (h *SharingHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Resolve(r.Context(), urlParam(r, "token"))
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *SharingHandler) UpdateInvestigation(w http.ResponseWriter, r *http.Request) {
	var in sharing.FindingsInput
	if err := decodeJSON(r, &in); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	inv, err := h.svc.UpdateInvestigation(r.Context(), urlParam(r, "token"), in)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"investigation": inv})
}
