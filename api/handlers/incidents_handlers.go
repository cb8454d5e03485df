package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"gama-ovr/core/apperr"
	"gama-ovr/core/auth"
	"gama-ovr/core/incidents"
	"gama-ovr/core/store"
	"gama-ovr/core/utils"
	"gama-ovr/core/workflow"
)

type IncidentsHandler struct {
	svc    *incidents.Service
	logger *utils.Logger
}

func NewIncidentsHandler(svc *incidents.Service, logger *utils.Logger) *IncidentsHandler {
	return &IncidentsHandler{svc: svc, logger: logger}
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p
}

func (h *IncidentsHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	WriteError(w, r, h.logger, err)
}

func (h *IncidentsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.IncidentFilter{
		Search: strings.TrimSpace(q.Get("q")),
		Limit:  parseIntDefault(q.Get("limit"), 0),
		Offset: parseIntDefault(q.Get("offset"), 0),
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, err := workflow.ParseStatus(part)
			if err != nil {
				h.fail(w, r, apperr.Validation("incident.status_unknown", "unknown status filter").WithDetail("status", part))
				return
			}
			filter.StatusIn = append(filter.StatusIn, st)
		}
	}
	if raw := strings.TrimSpace(q.Get("department_id")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			h.fail(w, r, apperr.Validation("request.bad_filter", "department_id must be a positive integer").WithDetail("department_id", raw))
			return
		}
		filter.DepartmentID = id
	}
	items, err := h.svc.List(r.Context(), principal(r), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if items == nil {
		items = []store.Incident{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *IncidentsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in incidents.IncidentInput
	if err := decodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	view, err := h.svc.Create(r.Context(), principal(r), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (h *IncidentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	view, err := h.svc.Get(r.Context(), principal(r), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *IncidentsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var in incidents.IncidentInput
	if err := decodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	view, err := h.svc.UpdateDraft(r.Context(), principal(r), id, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *IncidentsHandler) History(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	items, err := h.svc.History(r.Context(), principal(r), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if items == nil {
		items = []store.IncidentHistory{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type transitionPayload struct {
	Decision         string `json:"decision"`
	Status           string `json:"status"`
	Reason           string `json:"reason"`
	CaseReview       string `json:"case_review"`
	ReporterFeedback string `json:"reporter_feedback"`
	ExpectedVersion  *int   `json:"expected_version"`
}

func (h *IncidentsHandler) transition(w http.ResponseWriter, r *http.Request, build func(transitionPayload) (incidents.TransitionRequest, error)) {
	id, err := idParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var payload transitionPayload
	if err := decodeJSON(r, &payload); err != nil {
		h.fail(w, r, err)
		return
	}
	req, err := build(payload)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	req.ExpectedVersion = payload.ExpectedVersion
	view, err := h.svc.Transition(r.Context(), principal(r), id, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func fixedAction(a workflow.Action) func(transitionPayload) (incidents.TransitionRequest, error) {
	return func(transitionPayload) (incidents.TransitionRequest, error) {
		return incidents.TransitionRequest{Action: a}, nil
	}
}

func (h *IncidentsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, fixedAction(workflow.ActionSubmit))
}

func (h *IncidentsHandler) QIReview(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(p transitionPayload) (incidents.TransitionRequest, error) {
		switch strings.ToLower(strings.TrimSpace(p.Decision)) {
		case "approve":
			return incidents.TransitionRequest{Action: workflow.ActionQIApprove}, nil
		case "reject":
			return incidents.TransitionRequest{Action: workflow.ActionQIReject, Reason: p.Reason}, nil
		}
		return incidents.TransitionRequest{}, apperr.Validation("incident.decision_unknown", "decision must be approve or reject").
			WithDetail("decision", p.Decision)
	})
}

func (h *IncidentsHandler) CompleteInvestigation(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, fixedAction(workflow.ActionCompleteInvestigation))
}

func (h *IncidentsHandler) FinalReview(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, fixedAction(workflow.ActionFinalReview))
}

func (h *IncidentsHandler) Close(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(p transitionPayload) (incidents.TransitionRequest, error) {
		return incidents.TransitionRequest{
			Action:           workflow.ActionClose,
			CaseReview:       p.CaseReview,
			ReporterFeedback: p.ReporterFeedback,
		}, nil
	})
}

func (h *IncidentsHandler) ForceTransition(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(p transitionPayload) (incidents.TransitionRequest, error) {
		return incidents.TransitionRequest{
			Action:           workflow.ActionForce,
			ForceTarget:      p.Status,
			Reason:           p.Reason,
			CaseReview:       p.CaseReview,
			ReporterFeedback: p.ReporterFeedback,
		}, nil
	})
}

func (h *IncidentsHandler) GetInvestigation(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	inv, err := h.svc.GetInvestigation(r.Context(), principal(r), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"investigation": inv})
}

func (h *IncidentsHandler) AssignInvestigators(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var payload struct {
		InvestigatorIDs []int64 `json:"investigator_ids"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		h.fail(w, r, err)
		return
	}
	inv, err := h.svc.AssignInvestigators(r.Context(), principal(r), id, payload.InvestigatorIDs)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"investigation": inv})
}

func (h *IncidentsHandler) UpdateInvestigation(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var in incidents.FindingsInput
	if err := decodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	inv, err := h.svc.UpdateFindings(r.Context(), principal(r), id, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"investigation": inv})
}

func (h *IncidentsHandler) SubmitInvestigation(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	inv, err := h.svc.SubmitInvestigation(r.Context(), principal(r), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"investigation": inv})
}

func (h *IncidentsHandler) ListActions(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	items, err := h.svc.ListActions(r.Context(), principal(r), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if items == nil {
		items = []store.CorrectiveAction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *IncidentsHandler) CreateAction(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var in incidents.ActionInput
	if err := decodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	action, err := h.svc.CreateAction(r.Context(), principal(r), id, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"corrective_action": action})
}

func (h *IncidentsHandler) UpdateAction(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "actionId")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var in incidents.ActionInput
	if err := decodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	action, err := h.svc.UpdateAction(r.Context(), principal(r), id, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"corrective_action": action})
}

func (h *IncidentsHandler) SetChecklistItem(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "actionId")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	index, err := strconv.Atoi(strings.TrimSpace(urlParam(r, "index")))
	if err != nil {
		h.fail(w, r, apperr.Validation("action.checklist_item", "checklist index must be a number").WithDetail("index", urlParam(r, "index")))
		return
	}
	var payload struct {
		Completed bool `json:"completed"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		h.fail(w, r, err)
		return
	}
	action, err := h.svc.SetChecklistItem(r.Context(), principal(r), id, index, payload.Completed)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"corrective_action": action})
}

func (h *IncidentsHandler) CloseAction(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "actionId")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	action, err := h.svc.CloseAction(r.Context(), principal(r), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"corrective_action": action})
}

func (h *IncidentsHandler) ReviewQueue(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.ReviewQueue(r.Context(), principal(r), parseBool(r.URL.Query().Get("include_submitted")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if items == nil {
		items = []store.ReviewQueueItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
