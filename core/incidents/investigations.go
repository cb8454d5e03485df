package incidents

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gama-ovr/core/apperr"
	"gama-ovr/core/auth"
	"gama-ovr/core/rbac"
	"gama-ovr/core/store"
	"gama-ovr/core/utils"
	"gama-ovr/core/workflow"
)

type FindingsInput struct {
	Findings            string `json:"findings"`
	ProblemsIdentified  string `json:"problems_identified"`
	CauseClassification string `json:"cause_classification"`
}

func (s *Service) GetInvestigation(ctx context.Context, p auth.Principal, incidentID int64) (*store.Investigation, error) {
	inc, err := s.load(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	inv, err := s.investigationOf(ctx, inc)
	if err != nil {
		return nil, err
	}
	if s.policy.Allowed(p.Roles, rbac.PermInvestigationsView) && s.policy.Allowed(p.Roles, rbac.PermIncidentsViewAll) {
		return inv, nil
	}
	ok, err := s.stores.Investigations.IsInvestigator(ctx, inv.ID, p.UserID)
	if err != nil {
		return nil, fmt.Errorf("check investigator: %w", err)
	}
	if !ok && inc.ReporterID != p.UserID {
		return nil, apperr.Authorization("investigation.forbidden", "investigation is not visible to this user")
	}
	return inv, nil
}

// AssignInvestigators replaces the investigator set (the HOD assignment) of
// an active investigation.
func (s *Service) AssignInvestigators(ctx context.Context, p auth.Principal, incidentID int64, userIDs []int64) (*store.Investigation, error) {
	if !s.policy.Allowed(p.Roles, rbac.PermInvestigationsAssign) {
		return nil, forbidden(rbac.PermInvestigationsAssign)
	}
	inc, err := s.load(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if inc.Status != workflow.StatusInvestigating {
		return nil, apperr.Conflict("investigation.not_active", fmt.Sprintf("incident is %s, investigators can only be assigned while investigating", inc.Status))
	}
	inv, err := s.investigationOf(ctx, inc)
	if err != nil {
		return nil, err
	}
	if inv.Submitted() {
		return nil, apperr.Conflict("investigation.submitted", "investigation was already submitted")
	}
	ids := uniqueIDs(userIDs)
	if len(ids) == 0 {
		return nil, apperr.Validation("investigation.investigators_required", "at least one investigator is required").
			WithDetail("investigator_ids", "required")
	}
	if err := s.requireActiveUsers(ctx, ids, "investigator_ids"); err != nil {
		return nil, err
	}
	if err := s.stores.Investigations.SetInvestigators(ctx, inv.ID, ids, p.UserID); err != nil {
		return nil, fmt.Errorf("assign investigators: %w", err)
	}
	s.audit(ctx, p, AuditInvestigationAssign, fmt.Sprintf("reg_no=%s investigators=%v", inc.RegNo, ids))
	return s.stores.Investigations.Get(ctx, inv.ID)
}

func (s *Service) UpdateFindings(ctx context.Context, p auth.Principal, incidentID int64, in FindingsInput) (*store.Investigation, error) {
	inc, inv, err := s.editableInvestigation(ctx, p, incidentID)
	if err != nil {
		return nil, err
	}
	inv.Findings = strings.TrimSpace(in.Findings)
	inv.ProblemsIdentified = strings.TrimSpace(in.ProblemsIdentified)
	inv.CauseClassification = strings.TrimSpace(in.CauseClassification)
	if err := s.stores.Investigations.UpdateFindings(ctx, inv); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apperr.Conflict("investigation.submitted", "investigation was already submitted")
		}
		return nil, fmt.Errorf("update findings: %w", err)
	}
	s.audit(ctx, p, AuditInvestigationEdit, "reg_no="+inc.RegNo)
	return s.stores.Investigations.Get(ctx, inv.ID)
}

// SubmitInvestigation freezes the findings. The incident status is moved on
// separately by QI.
func (s *Service) SubmitInvestigation(ctx context.Context, p auth.Principal, incidentID int64) (*store.Investigation, error) {
	inc, inv, err := s.editableInvestigation(ctx, p, incidentID)
	if err != nil {
		return nil, err
	}
	if utils.TextLen(inv.Findings) == 0 {
		return nil, apperr.Validation("investigation.findings_required", "findings are required before submitting").
			WithDetail("findings", "required")
	}
	if err := s.stores.Investigations.Submit(ctx, inv.ID, p.UserID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apperr.Conflict("investigation.submitted", "investigation was already submitted")
		}
		return nil, fmt.Errorf("submit investigation: %w", err)
	}
	s.audit(ctx, p, AuditInvestigationSubmit, "reg_no="+inc.RegNo)
	s.logger.Printf("investigation submitted reg_no=%s by=%s", inc.RegNo, p.Email)
	return s.stores.Investigations.Get(ctx, inv.ID)
}

// ReviewQueue lists the caller's open assignments. Principals who may assign
// investigators see every assignment.
func (s *Service) ReviewQueue(ctx context.Context, p auth.Principal, includeSubmitted bool) ([]store.ReviewQueueItem, error) {
	if !s.policy.Allowed(p.Roles, rbac.PermHODQueueView) {
		return nil, forbidden(rbac.PermHODQueueView)
	}
	userID := p.UserID
	if s.policy.Allowed(p.Roles, rbac.PermInvestigationsAssign) {
		userID = 0
	}
	items, err := s.stores.Investigations.ReviewQueue(ctx, userID, includeSubmitted)
	if err != nil {
		return nil, fmt.Errorf("review queue: %w", err)
	}
	return items, nil
}

// editableInvestigation allows assigned investigators and principals who may
// assign investigators, as long as the incident is still investigating.
func (s *Service) editableInvestigation(ctx context.Context, p auth.Principal, incidentID int64) (*store.Incident, *store.Investigation, error) {
	if !s.policy.Allowed(p.Roles, rbac.PermInvestigationsEdit) {
		return nil, nil, forbidden(rbac.PermInvestigationsEdit)
	}
	inc, err := s.load(ctx, incidentID)
	if err != nil {
		return nil, nil, err
	}
	inv, err := s.investigationOf(ctx, inc)
	if err != nil {
		return nil, nil, err
	}
	if !s.policy.Allowed(p.Roles, rbac.PermInvestigationsAssign) {
		ok, err := s.stores.Investigations.IsInvestigator(ctx, inv.ID, p.UserID)
		if err != nil {
			return nil, nil, fmt.Errorf("check investigator: %w", err)
		}
		if !ok {
			return nil, nil, apperr.Authorization("investigation.not_assigned", "you are not assigned to this investigation")
		}
	}
	if inc.Status != workflow.StatusInvestigating {
		return nil, nil, apperr.Conflict("investigation.not_active", fmt.Sprintf("incident is %s and the investigation is read-only", inc.Status))
	}
	if inv.Submitted() {
		return nil, nil, apperr.Conflict("investigation.submitted", "investigation was already submitted")
	}
	return inc, inv, nil
}

func (s *Service) investigationOf(ctx context.Context, inc *store.Incident) (*store.Investigation, error) {
	inv, err := s.stores.Investigations.GetByIncident(ctx, inc.ID)
	if err != nil {
		return nil, fmt.Errorf("load investigation: %w", err)
	}
	if inv == nil {
		return nil, apperr.NotFound("investigation.not_found", fmt.Sprintf("incident %s has no investigation", inc.RegNo))
	}
	return inv, nil
}

func (s *Service) requireActiveUsers(ctx context.Context, ids []int64, field string) error {
	if len(ids) == 0 {
		return nil
	}
	users, err := s.stores.Users.GetMany(ctx, ids)
	if err != nil {
		return fmt.Errorf("load users: %w", err)
	}
	for _, id := range ids {
		u, ok := users[id]
		if !ok || !u.Active {
			return apperr.Validation("user.unknown", fmt.Sprintf("user %d does not exist or is inactive", id)).
				WithDetail(field, fmt.Sprintf("unknown user %d", id))
		}
	}
	return nil
}

func uniqueIDs(in []int64) []int64 {
	seen := map[int64]struct{}{}
	out := make([]int64, 0, len(in))
	for _, id := range in {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
