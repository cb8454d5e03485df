package incidents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gama-ovr/config"
	"gama-ovr/core/apperr"
	"gama-ovr/core/auth"
	"gama-ovr/core/metrics"
	"gama-ovr/core/rbac"
	"gama-ovr/core/store"
	"gama-ovr/core/utils"
	"gama-ovr/core/workflow"
)

const (
	AuditIncidentCreate      = "incidents.create"
	AuditIncidentUpdate      = "incidents.update"
	AuditIncidentTransition  = "incidents.transition"
	AuditInvestigationAssign = "investigations.assign"
	AuditInvestigationEdit   = "investigations.edit"
	AuditInvestigationSubmit = "investigations.submit"
	AuditActionCreate        = "actions.create"
	AuditActionUpdate        = "actions.update"
	AuditActionChecklist     = "actions.checklist"
	AuditActionClose         = "actions.close"
	AuditActionOverdue       = "actions.overdue"
)

type Stores struct {
	Incidents      store.IncidentsStore
	Investigations store.InvestigationsStore
	Actions        store.ActionsStore
	Users          store.UsersStore
	Reference      store.ReferenceStore
	Audits         store.AuditStore
}

// Service runs every incident operation on behalf of an explicit principal.
type Service struct {
	cfg       *config.AppConfig
	stores    Stores
	policy    *rbac.Policy
	validator *workflow.Validator
	metrics   *metrics.Metrics
	logger    *utils.Logger
}

func NewService(cfg *config.AppConfig, stores Stores, policy *rbac.Policy, m *metrics.Metrics, logger *utils.Logger) *Service {
	return &Service{
		cfg:       cfg,
		stores:    stores,
		policy:    policy,
		validator: workflow.NewValidator(policy, cfg.MinRejectReasonLen()),
		metrics:   m,
		logger:    logger.WithComponent("incidents"),
	}
}

func (s *Service) Validator() *workflow.Validator {
	return s.validator
}

type IncidentInput struct {
	OccurrenceCategory string     `json:"occurrence_category"`
	OccurrenceDate     *time.Time `json:"occurrence_date"`
	DepartmentID       *int64     `json:"department_id"`
	LocationID         *int64     `json:"location_id"`
	Description        string     `json:"description"`
	ImmediateAction    string     `json:"immediate_action"`
	ExpectedVersion    *int       `json:"expected_version"`
}

type TransitionRequest struct {
	Action           workflow.Action
	ForceTarget      string
	Reason           string
	CaseReview       string
	ReporterFeedback string
	ExpectedVersion  *int
}

// View is an incident together with everything a client needs to render it.
type View struct {
	Incident         *store.Incident          `json:"incident"`
	StatusInfo       workflow.StatusInfo      `json:"status_info"`
	Investigation    *store.Investigation     `json:"investigation,omitempty"`
	Actions          []store.CorrectiveAction `json:"corrective_actions"`
	AllActionsClosed bool                     `json:"all_actions_closed"`
	Panels           []workflow.Panel         `json:"panels"`
	AvailableActions []workflow.Action        `json:"available_actions"`
	CanEdit          bool                     `json:"can_edit"`
}

func (s *Service) Create(ctx context.Context, p auth.Principal, in IncidentInput) (*View, error) {
	if !s.policy.Allowed(p.Roles, rbac.PermIncidentsCreate) {
		return nil, forbidden(rbac.PermIncidentsCreate)
	}
	inc := &store.Incident{ReporterID: p.UserID, Status: workflow.StatusDraft}
	applyInput(inc, in)
	if err := s.validateContent(ctx, inc); err != nil {
		return nil, err
	}
	if _, err := s.stores.Incidents.CreateIncident(ctx, inc, s.regNoFormat()); err != nil {
		return nil, fmt.Errorf("create incident: %w", err)
	}
	s.audit(ctx, p, AuditIncidentCreate, fmt.Sprintf("reg_no=%s id=%d", inc.RegNo, inc.ID))
	s.logger.Printf("incident created reg_no=%s reporter=%s", inc.RegNo, p.Email)
	return s.buildView(ctx, p, inc)
}

func (s *Service) Get(ctx context.Context, p auth.Principal, id int64) (*View, error) {
	inc, err := s.loadVisible(ctx, p, id)
	if err != nil {
		return nil, err
	}
	return s.buildView(ctx, p, inc)
}

// List applies the own-reports restriction to principals without view_all.
func (s *Service) List(ctx context.Context, p auth.Principal, filter store.IncidentFilter) ([]store.Incident, error) {
	if !s.policy.Allowed(p.Roles, rbac.PermIncidentsView) {
		return nil, forbidden(rbac.PermIncidentsView)
	}
	if !s.policy.Allowed(p.Roles, rbac.PermIncidentsViewAll) {
		filter.ReporterID = p.UserID
	}
	if filter.Limit <= 0 {
		filter.Limit = s.cfg.Incidents.DefaultListLimit
		if filter.Limit <= 0 {
			filter.Limit = 50
		}
	}
	if filter.Limit > 500 {
		filter.Limit = 500
	}
	items, err := s.stores.Incidents.ListIncidents(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	return items, nil
}

func (s *Service) UpdateDraft(ctx context.Context, p auth.Principal, id int64, in IncidentInput) (*View, error) {
	if !s.policy.Allowed(p.Roles, rbac.PermIncidentsEdit) {
		return nil, forbidden(rbac.PermIncidentsEdit)
	}
	inc, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if inc.ReporterID != p.UserID {
		return nil, apperr.Authorization("incident.not_reporter", "only the reporter may edit this incident")
	}
	if inc.Status != workflow.StatusDraft {
		return nil, apperr.Conflict("incident.not_editable", fmt.Sprintf("incident is %s and can no longer be edited", inc.Status))
	}
	if in.ExpectedVersion != nil && *in.ExpectedVersion != inc.Version {
		return nil, versionConflict(inc)
	}
	expected := inc.Version
	applyInput(inc, in)
	if err := s.validateContent(ctx, inc); err != nil {
		return nil, err
	}
	if err := s.stores.Incidents.UpdateDraft(ctx, inc, expected); err != nil {
		if errors.Is(err, store.ErrConflict) {
			current, loadErr := s.load(ctx, id)
			if loadErr != nil {
				return nil, loadErr
			}
			if current.Status != workflow.StatusDraft {
				return nil, apperr.Conflict("incident.not_editable", fmt.Sprintf("incident is %s and can no longer be edited", current.Status))
			}
			return nil, versionConflict(current)
		}
		return nil, fmt.Errorf("update incident: %w", err)
	}
	s.audit(ctx, p, AuditIncidentUpdate, fmt.Sprintf("reg_no=%s version=%d", inc.RegNo, inc.Version))
	return s.buildView(ctx, p, inc)
}

// Transition decides and applies one workflow action. A lost race that left
// the incident in the requested target status is reported as success.
func (s *Service) Transition(ctx context.Context, p auth.Principal, id int64, req TransitionRequest) (*View, error) {
	inc, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	open, err := s.stores.Actions.CountOpenActions(ctx, inc.ID)
	if err != nil {
		return nil, fmt.Errorf("count open actions: %w", err)
	}
	decision, err := s.validator.Decide(workflow.DecisionInput{
		Status:      inc.Status,
		ReporterID:  inc.ReporterID,
		ActorID:     p.UserID,
		Roles:       p.Roles,
		Action:      req.Action,
		ForceTarget: req.ForceTarget,
		Reason:      req.Reason,
		OpenActions: open,
	})
	if err != nil {
		s.countTransition(req.Action, err)
		return nil, err
	}
	if decision.NoOp {
		s.metrics.Transition(string(req.Action), "noop")
		return s.buildView(ctx, p, inc)
	}
	if req.ExpectedVersion != nil && *req.ExpectedVersion != inc.Version {
		err := versionConflict(inc)
		s.countTransition(req.Action, err)
		return nil, err
	}
	w := store.TransitionWrite{
		IncidentID:           inc.ID,
		Action:               string(decision.Action),
		From:                 decision.From,
		To:                   decision.To,
		ExpectedVersion:      inc.Version,
		Reason:               decision.Reason,
		ActorID:              p.UserID,
		CreateInvestigation:  decision.CreateInvestigation,
		Close:                decision.Close,
		RequireClosedActions: decision.Action.NeedsClosedActions(),
		At:                   utils.NowUTC(),
	}
	if decision.Close {
		w.CaseReview = strings.TrimSpace(req.CaseReview)
		w.ReporterFeedback = strings.TrimSpace(req.ReporterFeedback)
		if w.CaseReview == "" && decision.Action == workflow.ActionForce {
			w.CaseReview = decision.Reason
		}
		if w.CaseReview == "" {
			err := apperr.Validation("incident.case_review_required", "a case review is required to close the incident").
				WithDetail("case_review", "required")
			s.countTransition(req.Action, err)
			return nil, err
		}
	}
	if err := s.stores.Incidents.ApplyTransition(ctx, w); err != nil {
		return s.transitionFailed(ctx, p, inc, decision, err)
	}
	s.metrics.Transition(string(decision.Action), "applied")
	s.audit(ctx, p, AuditIncidentTransition, fmt.Sprintf("reg_no=%s action=%s from=%s to=%s", inc.RegNo, decision.Action, decision.From, decision.To))
	s.logger.WithFields(map[string]any{
		"reg_no": inc.RegNo,
		"action": string(decision.Action),
		"from":   string(decision.From),
		"to":     string(decision.To),
		"user":   p.Email,
	}).Printf("incident transition applied")
	updated, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.buildView(ctx, p, updated)
}

func (s *Service) transitionFailed(ctx context.Context, p auth.Principal, inc *store.Incident, d workflow.Decision, err error) (*View, error) {
	switch {
	case errors.Is(err, store.ErrOpenActions):
		appErr := apperr.Conflict("incident.open_actions", "corrective actions are still open")
		s.countTransition(d.Action, appErr)
		return nil, appErr
	case errors.Is(err, store.ErrConflict):
		current, loadErr := s.load(ctx, inc.ID)
		if loadErr != nil {
			return nil, loadErr
		}
		if current.Status == d.To {
			s.metrics.Transition(string(d.Action), "noop")
			return s.buildView(ctx, p, current)
		}
		appErr := versionConflict(current)
		s.countTransition(d.Action, appErr)
		return nil, appErr
	default:
		s.metrics.Transition(string(d.Action), "error")
		return nil, fmt.Errorf("apply transition %s on %s: %w", d.Action, inc.RegNo, err)
	}
}

func (s *Service) History(ctx context.Context, p auth.Principal, id int64) ([]store.IncidentHistory, error) {
	inc, err := s.loadVisible(ctx, p, id)
	if err != nil {
		return nil, err
	}
	items, err := s.stores.Incidents.ListHistory(ctx, inc.ID, s.cfg.Incidents.HistoryListLimit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return items, nil
}

func (s *Service) buildView(ctx context.Context, p auth.Principal, inc *store.Incident) (*View, error) {
	inv, err := s.stores.Investigations.GetByIncident(ctx, inc.ID)
	if err != nil {
		return nil, fmt.Errorf("load investigation: %w", err)
	}
	actions, err := s.stores.Actions.ListActions(ctx, inc.ID)
	if err != nil {
		return nil, fmt.Errorf("load actions: %w", err)
	}
	open := 0
	for i := range actions {
		if actions[i].Status != store.ActionStatusClosed {
			open++
		}
	}
	available := []workflow.Action{}
	for _, a := range s.validator.Available(inc.Status, p.Roles, open) {
		if a == workflow.ActionSubmit && inc.ReporterID != p.UserID && !p.HasRole(rbac.RoleAdmin) {
			continue
		}
		available = append(available, a)
	}
	canEdit := inc.Status == workflow.StatusDraft && inc.ReporterID == p.UserID &&
		s.policy.Allowed(p.Roles, rbac.PermIncidentsEdit)
	return &View{
		Incident:         inc,
		StatusInfo:       inc.Status.Info(),
		Investigation:    inv,
		Actions:          actions,
		AllActionsClosed: open == 0,
		Panels:           workflow.ViewFor(inc.Status, open == 0, p.Roles, s.policy),
		AvailableActions: available,
		CanEdit:          canEdit,
	}, nil
}

func (s *Service) load(ctx context.Context, id int64) (*store.Incident, error) {
	inc, err := s.stores.Incidents.GetIncident(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load incident %d: %w", id, err)
	}
	if inc == nil {
		return nil, apperr.NotFound("incident.not_found", fmt.Sprintf("incident %d not found", id))
	}
	return inc, nil
}

// loadVisible returns the incident when the principal may read it: view_all,
// the reporter, an assigned investigator or a corrective action assignee.
func (s *Service) loadVisible(ctx context.Context, p auth.Principal, id int64) (*store.Incident, error) {
	if !s.policy.Allowed(p.Roles, rbac.PermIncidentsView) {
		return nil, forbidden(rbac.PermIncidentsView)
	}
	inc, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := s.canView(ctx, p, inc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Authorization("incident.forbidden", "incident is not visible to this user")
	}
	return inc, nil
}

func (s *Service) canView(ctx context.Context, p auth.Principal, inc *store.Incident) (bool, error) {
	if s.policy.Allowed(p.Roles, rbac.PermIncidentsViewAll) || inc.ReporterID == p.UserID {
		return true, nil
	}
	inv, err := s.stores.Investigations.GetByIncident(ctx, inc.ID)
	if err != nil {
		return false, err
	}
	if inv != nil {
		ok, err := s.stores.Investigations.IsInvestigator(ctx, inv.ID, p.UserID)
		if err != nil || ok {
			return ok, err
		}
	}
	actions, err := s.stores.Actions.ListActions(ctx, inc.ID)
	if err != nil {
		return false, err
	}
	for i := range actions {
		for _, uid := range actions[i].AssigneeIDs {
			if uid == p.UserID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *Service) validateContent(ctx context.Context, inc *store.Incident) error {
	verr := apperr.Validation("incident.invalid", "incident content is invalid")
	if strings.TrimSpace(inc.OccurrenceCategory) == "" {
		verr.WithDetail("occurrence_category", "required")
	}
	if utils.TextLen(inc.Description) == 0 {
		verr.WithDetail("description", "required")
	}
	if inc.OccurrenceDate != nil && inc.OccurrenceDate.After(utils.NowUTC().Add(24*time.Hour)) {
		verr.WithDetail("occurrence_date", "must not be in the future")
	}
	if inc.DepartmentID != nil {
		dept, err := s.stores.Reference.GetDepartment(ctx, *inc.DepartmentID)
		if err != nil {
			return fmt.Errorf("load department: %w", err)
		}
		if dept == nil || !dept.Active {
			verr.WithDetail("department_id", "unknown department")
		}
	}
	if inc.LocationID != nil {
		loc, err := s.stores.Reference.GetLocation(ctx, *inc.LocationID)
		if err != nil {
			return fmt.Errorf("load location: %w", err)
		}
		switch {
		case loc == nil:
			verr.WithDetail("location_id", "unknown location")
		case loc.DepartmentID != nil && inc.DepartmentID != nil && *loc.DepartmentID != *inc.DepartmentID:
			verr.WithDetail("location_id", "location belongs to another department")
		}
	}
	if len(verr.Details) > 0 {
		return verr
	}
	return nil
}

func (s *Service) regNoFormat() string {
	if s.cfg == nil {
		return ""
	}
	return s.cfg.Incidents.RegNoFormat
}

func (s *Service) audit(ctx context.Context, p auth.Principal, action, details string) {
	if s.stores.Audits == nil {
		return
	}
	if err := s.stores.Audits.Log(ctx, p.Email, action, details); err != nil {
		s.logger.Errorf("audit %s failed: %v", action, err)
	}
}

func (s *Service) countTransition(action workflow.Action, err error) {
	if appErr, ok := apperr.As(err); ok {
		s.metrics.Transition(string(action), appErr.Code)
		return
	}
	s.metrics.Transition(string(action), "error")
}

func applyInput(inc *store.Incident, in IncidentInput) {
	inc.OccurrenceCategory = strings.TrimSpace(in.OccurrenceCategory)
	inc.OccurrenceDate = in.OccurrenceDate
	if inc.OccurrenceDate != nil {
		t := inc.OccurrenceDate.UTC()
		inc.OccurrenceDate = &t
	}
	inc.DepartmentID = positiveID(in.DepartmentID)
	inc.LocationID = positiveID(in.LocationID)
	inc.Description = strings.TrimSpace(in.Description)
	inc.ImmediateAction = strings.TrimSpace(in.ImmediateAction)
}

func positiveID(v *int64) *int64 {
	if v == nil || *v <= 0 {
		return nil
	}
	id := *v
	return &id
}

func forbidden(perm rbac.Permission) error {
	return apperr.Authorization("incident.forbidden", fmt.Sprintf("missing permission %s", perm)).
		WithDetail("permission", string(perm))
}

func versionConflict(current *store.Incident) error {
	return apperr.Conflict("incident.version_conflict", "incident was changed by someone else").
		WithDetail("status", string(current.Status)).
		WithDetail("version", fmt.Sprintf("%d", current.Version))
}
