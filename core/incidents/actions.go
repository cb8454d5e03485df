package incidents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gama-ovr/core/apperr"
	"gama-ovr/core/auth"
	"gama-ovr/core/rbac"
	"gama-ovr/core/store"
	"gama-ovr/core/utils"
	"gama-ovr/core/workflow"
)

const (
	minActionTitle       = 5
	minActionDescription = 20
)

type ActionInput struct {
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	DueDate         *time.Time `json:"due_date"`
	Checklist       []string   `json:"checklist"`
	AssigneeIDs     []int64    `json:"assignee_ids"`
	ExpectedVersion *int       `json:"expected_version"`
}

func (s *Service) ListActions(ctx context.Context, p auth.Principal, incidentID int64) ([]store.CorrectiveAction, error) {
	if !s.policy.Allowed(p.Roles, rbac.PermActionsView) {
		return nil, forbidden(rbac.PermActionsView)
	}
	inc, err := s.loadVisible(ctx, p, incidentID)
	if err != nil {
		return nil, err
	}
	items, err := s.stores.Actions.ListActions(ctx, inc.ID)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	return items, nil
}

// CreateAction adds a corrective action. On an incident that is still
// investigating the investigation.complete transition is applied in the same
// write.
func (s *Service) CreateAction(ctx context.Context, p auth.Principal, incidentID int64, in ActionInput) (*store.CorrectiveAction, error) {
	if !s.policy.Allowed(p.Roles, rbac.PermActionsManage) {
		return nil, forbidden(rbac.PermActionsManage)
	}
	inc, err := s.load(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if inc.Status != workflow.StatusInvestigating && inc.Status != workflow.StatusQIFinalActions {
		return nil, apperr.Conflict("action.incident_state", fmt.Sprintf("corrective actions cannot be added while incident is %s", inc.Status))
	}
	action, err := s.actionFromInput(ctx, in)
	if err != nil {
		return nil, err
	}
	if in.ExpectedVersion != nil && *in.ExpectedVersion != inc.Version {
		return nil, versionConflict(inc)
	}
	var advance *store.TransitionWrite
	if inc.Status == workflow.StatusInvestigating {
		d, err := s.validator.Decide(workflow.DecisionInput{
			Status:     inc.Status,
			ReporterID: inc.ReporterID,
			ActorID:    p.UserID,
			Roles:      p.Roles,
			Action:     workflow.ActionCompleteInvestigation,
		})
		if err != nil {
			s.countTransition(workflow.ActionCompleteInvestigation, err)
			return nil, err
		}
		advance = &store.TransitionWrite{
			IncidentID:      inc.ID,
			Action:          string(d.Action),
			From:            d.From,
			To:              d.To,
			ExpectedVersion: inc.Version,
			ActorID:         p.UserID,
			At:              utils.NowUTC(),
		}
	}
	action.CreatedBy = p.UserID
	guard := store.IncidentGuard{IncidentID: inc.ID, Status: inc.Status, ExpectedVersion: inc.Version}
	if _, err := s.stores.Actions.CreateAction(ctx, action, guard, advance); err != nil {
		if errors.Is(err, store.ErrConflict) {
			current, loadErr := s.load(ctx, inc.ID)
			if loadErr != nil {
				return nil, loadErr
			}
			return nil, versionConflict(current)
		}
		return nil, fmt.Errorf("create action: %w", err)
	}
	if advance != nil {
		s.metrics.Transition(advance.Action, "applied")
		s.audit(ctx, p, AuditIncidentTransition, fmt.Sprintf("reg_no=%s action=%s from=%s to=%s", inc.RegNo, advance.Action, advance.From, advance.To))
	}
	s.audit(ctx, p, AuditActionCreate, fmt.Sprintf("reg_no=%s action_id=%d", inc.RegNo, action.ID))
	return s.stores.Actions.GetAction(ctx, action.ID)
}

func (s *Service) UpdateAction(ctx context.Context, p auth.Principal, actionID int64, in ActionInput) (*store.CorrectiveAction, error) {
	if !s.policy.Allowed(p.Roles, rbac.PermActionsManage) {
		return nil, forbidden(rbac.PermActionsManage)
	}
	existing, err := s.loadAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if existing.Status != store.ActionStatusOpen {
		return nil, apperr.Conflict("action.closed", "corrective action is closed")
	}
	updated, err := s.actionFromInput(ctx, in)
	if err != nil {
		return nil, err
	}
	// keep completion flags of items whose text did not change
	done := map[string]bool{}
	for _, item := range existing.Checklist {
		if item.Completed {
			done[item.Text] = true
		}
	}
	for i := range updated.Checklist {
		updated.Checklist[i].Completed = done[updated.Checklist[i].Text]
	}
	updated.ID = existing.ID
	updated.IncidentID = existing.IncidentID
	if err := s.stores.Actions.UpdateAction(ctx, updated); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apperr.Conflict("action.closed", "corrective action is closed")
		}
		return nil, fmt.Errorf("update action: %w", err)
	}
	s.audit(ctx, p, AuditActionUpdate, fmt.Sprintf("action_id=%d", actionID))
	return s.stores.Actions.GetAction(ctx, actionID)
}

func (s *Service) SetChecklistItem(ctx context.Context, p auth.Principal, actionID int64, index int, completed bool) (*store.CorrectiveAction, error) {
	existing, err := s.loadAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if err := s.requireActionWorker(ctx, p, existing); err != nil {
		return nil, err
	}
	updated, err := s.stores.Actions.SetChecklistItem(ctx, actionID, index, completed)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, apperr.NotFound("action.checklist_item", fmt.Sprintf("checklist item %d not found", index))
		case errors.Is(err, store.ErrConflict):
			return nil, apperr.Conflict("action.closed", "corrective action is closed")
		}
		return nil, fmt.Errorf("update checklist: %w", err)
	}
	s.audit(ctx, p, AuditActionChecklist, fmt.Sprintf("action_id=%d index=%d completed=%t", actionID, index, completed))
	return updated, nil
}

// CloseAction is idempotent: closing a closed action returns it unchanged.
func (s *Service) CloseAction(ctx context.Context, p auth.Principal, actionID int64) (*store.CorrectiveAction, error) {
	existing, err := s.loadAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if err := s.requireActionWorker(ctx, p, existing); err != nil {
		return nil, err
	}
	if existing.Status == store.ActionStatusClosed {
		return existing, nil
	}
	if err := s.stores.Actions.CloseAction(ctx, actionID, p.UserID); err != nil && !errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("close action: %w", err)
	}
	s.audit(ctx, p, AuditActionClose, fmt.Sprintf("action_id=%d", actionID))
	return s.stores.Actions.GetAction(ctx, actionID)
}

// requireActionWorker admits managers and assignees holding actions.complete.
func (s *Service) requireActionWorker(ctx context.Context, p auth.Principal, a *store.CorrectiveAction) error {
	if s.policy.Allowed(p.Roles, rbac.PermActionsManage) {
		return nil
	}
	if !s.policy.Allowed(p.Roles, rbac.PermActionsComplete) {
		return forbidden(rbac.PermActionsComplete)
	}
	ok, err := s.stores.Actions.IsAssignee(ctx, a.ID, p.UserID)
	if err != nil {
		return fmt.Errorf("check assignee: %w", err)
	}
	if !ok {
		return apperr.Authorization("action.not_assignee", "you are not assigned to this corrective action")
	}
	return nil
}

func (s *Service) loadAction(ctx context.Context, id int64) (*store.CorrectiveAction, error) {
	a, err := s.stores.Actions.GetAction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load action %d: %w", id, err)
	}
	if a == nil {
		return nil, apperr.NotFound("action.not_found", fmt.Sprintf("corrective action %d not found", id))
	}
	return a, nil
}

func (s *Service) actionFromInput(ctx context.Context, in ActionInput) (*store.CorrectiveAction, error) {
	verr := apperr.Validation("action.invalid", "corrective action is invalid")
	title := strings.TrimSpace(in.Title)
	description := strings.TrimSpace(in.Description)
	if utils.TextLen(title) < minActionTitle {
		verr.WithDetail("title", fmt.Sprintf("at least %d characters required", minActionTitle))
	}
	if utils.TextLen(description) < minActionDescription {
		verr.WithDetail("description", fmt.Sprintf("at least %d characters required", minActionDescription))
	}
	if in.DueDate == nil || in.DueDate.IsZero() {
		verr.WithDetail("due_date", "required")
	}
	checklist := make([]store.ChecklistItem, 0, len(in.Checklist))
	for _, text := range in.Checklist {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		checklist = append(checklist, store.ChecklistItem{Text: text})
	}
	if len(verr.Details) > 0 {
		return nil, verr
	}
	assignees := uniqueIDs(in.AssigneeIDs)
	if err := s.requireActiveUsers(ctx, assignees, "assignee_ids"); err != nil {
		return nil, err
	}
	return &store.CorrectiveAction{
		Title:       title,
		Description: description,
		DueDate:     in.DueDate.UTC(),
		Checklist:   checklist,
		AssigneeIDs: assignees,
	}, nil
}
