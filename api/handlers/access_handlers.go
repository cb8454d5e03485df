package handlers

import (
	"net/http"

	"gama-ovr/core/rbac"
	"gama-ovr/core/workflow"
)

// AccessHandler serves the access table and status taxonomy so clients render
// from the same data the guards enforce.
type AccessHandler struct {
	policy *rbac.Policy
}

func NewAccessHandler(policy *rbac.Policy) *AccessHandler {
	return &AccessHandler{policy: policy}
}

func (h *AccessHandler) Table(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"roles": h.policy.Roles(),
		"table": h.policy.Table(),
	})
}

func (h *AccessHandler) Statuses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": workflow.Statuses()})
}
