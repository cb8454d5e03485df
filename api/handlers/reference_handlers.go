package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"gama-ovr/core/apperr"
	"gama-ovr/core/store"
	"gama-ovr/core/utils"
)

// ReferenceHandler manages the department and location lookup lists used by
// incident forms.
type ReferenceHandler struct {
	store  store.ReferenceStore
	audits store.AuditStore
	logger *utils.Logger
}

func NewReferenceHandler(rs store.ReferenceStore, audits store.AuditStore, logger *utils.Logger) *ReferenceHandler {
	return &ReferenceHandler{store: rs, audits: audits, logger: logger}
}

type departmentPayload struct {
	Name   string `json:"name"`
	Code   string `json:"code"`
	Active *bool  `json:"active"`
}

func (p departmentPayload) validate() error {
	verr := apperr.Validation("department.invalid", "department is invalid")
	if utils.TextLen(strings.TrimSpace(p.Name)) < 2 {
		verr.WithDetail("name", "at least 2 characters")
	}
	code := strings.TrimSpace(p.Code)
	if code == "" || utils.TextLen(code) > 16 {
		verr.WithDetail("code", "required, at most 16 characters")
	}
	if len(verr.Details) > 0 {
		return verr
	}
	return nil
}

func (h *ReferenceHandler) ListDepartments(w http.ResponseWriter, r *http.Request) {
	items, err := h.store.ListDepartments(r.Context(), !parseBool(r.URL.Query().Get("include_inactive")))
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if items == nil {
		items = []store.Department{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *ReferenceHandler) CreateDepartment(w http.ResponseWriter, r *http.Request) {
	var payload departmentPayload
	if err := decodeJSON(r, &payload); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if err := payload.validate(); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	d := &store.Department{Name: strings.TrimSpace(payload.Name), Code: strings.ToUpper(strings.TrimSpace(payload.Code)), Active: true}
	if _, err := h.store.CreateDepartment(r.Context(), d); err != nil {
		if errors.Is(err, store.ErrConflict) {
			WriteError(w, r, h.logger, apperr.Conflict("department.duplicate", "department name or code already exists"))
			return
		}
		WriteError(w, r, h.logger, err)
		return
	}
	h.audit(r, "departments.create", fmt.Sprintf("id=%d code=%s", d.ID, d.Code))
	writeJSON(w, http.StatusCreated, map[string]any{"department": d})
}

func (h *ReferenceHandler) UpdateDepartment(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	var payload departmentPayload
	if err := decodeJSON(r, &payload); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if err := payload.validate(); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	d, err := h.store.GetDepartment(r.Context(), id)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if d == nil {
		WriteError(w, r, h.logger, apperr.NotFound("department.not_found", fmt.Sprintf("department %d not found", id)))
		return
	}
	d.Name = strings.TrimSpace(payload.Name)
	d.Code = strings.ToUpper(strings.TrimSpace(payload.Code))
	if payload.Active != nil {
		d.Active = *payload.Active
	}
	if err := h.store.UpdateDepartment(r.Context(), d); err != nil {
		switch {
		case errors.Is(err, store.ErrConflict):
			WriteError(w, r, h.logger, apperr.Conflict("department.duplicate", "department name or code already exists"))
		case errors.Is(err, store.ErrNotFound):
			WriteError(w, r, h.logger, apperr.NotFound("department.not_found", fmt.Sprintf("department %d not found", id)))
		default:
			WriteError(w, r, h.logger, err)
		}
		return
	}
	h.audit(r, "departments.update", fmt.Sprintf("id=%d code=%s active=%t", d.ID, d.Code, d.Active))
	writeJSON(w, http.StatusOK, map[string]any{"department": d})
}

func (h *ReferenceHandler) ListLocations(w http.ResponseWriter, r *http.Request) {
	var departmentID int64
	if raw := strings.TrimSpace(r.URL.Query().Get("department_id")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			WriteError(w, r, h.logger, apperr.Validation("request.bad_filter", "department_id must be a positive integer").WithDetail("department_id", raw))
			return
		}
		departmentID = id
	}
	items, err := h.store.ListLocations(r.Context(), departmentID)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if items == nil {
		items = []store.Location{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *ReferenceHandler) CreateLocation(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name         string `json:"name"`
		DepartmentID *int64 `json:"department_id"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	name := strings.TrimSpace(payload.Name)
	if utils.TextLen(name) < 2 {
		WriteError(w, r, h.logger, apperr.Validation("location.invalid", "location is invalid").WithDetail("name", "at least 2 characters"))
		return
	}
	if payload.DepartmentID != nil {
		d, err := h.store.GetDepartment(r.Context(), *payload.DepartmentID)
		if err != nil {
			WriteError(w, r, h.logger, err)
			return
		}
		if d == nil || !d.Active {
			WriteError(w, r, h.logger, apperr.Validation("location.invalid", "location is invalid").WithDetail("department_id", "unknown or inactive department"))
			return
		}
	}
	l := &store.Location{Name: name, DepartmentID: payload.DepartmentID}
	if _, err := h.store.CreateLocation(r.Context(), l); err != nil {
		if errors.Is(err, store.ErrConflict) {
			WriteError(w, r, h.logger, apperr.Conflict("location.duplicate", "location already exists"))
			return
		}
		WriteError(w, r, h.logger, err)
		return
	}
	h.audit(r, "locations.create", fmt.Sprintf("id=%d name=%s", l.ID, l.Name))
	writeJSON(w, http.StatusCreated, map[string]any{"location": l})
}

func (h *ReferenceHandler) audit(r *http.Request, action, details string) {
	if h.audits == nil {
		return
	}
	if err := h.audits.Log(r.Context(), principal(r).Email, action, details); err != nil && h.logger != nil {
		h.logger.Errorf("audit %s: %v", action, err)
	}
}
