package sharing

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
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

	"golang.org/x/crypto/bcrypt"
)

const (
	AuditInvite       = "shared_access.invite"
	AuditRevoke       = "shared_access.revoke"
	AuditAccess       = "shared_access.access"
	AuditExternalEdit = "shared_access.investigation.edit"

	defaultTokenTTL = 14 * 24 * time.Hour
)

type Stores struct {
	Grants         store.SharedAccessStore
	Incidents      store.IncidentsStore
	Investigations store.InvestigationsStore
	Actions        store.ActionsStore
	Audits         store.AuditStore
}

// Service issues and checks access tokens for people outside the
// organisation. Only a bcrypt hash of the secret part is stored.
type Service struct {
	cfg      *config.AppConfig
	stores   Stores
	policy   *rbac.Policy
	metrics  *metrics.Metrics
	logger   *utils.Logger
	hashCost int
}

func NewService(cfg *config.AppConfig, stores Stores, policy *rbac.Policy, m *metrics.Metrics, logger *utils.Logger) *Service {
	return &Service{
		cfg:      cfg,
		stores:   stores,
		policy:   policy,
		metrics:  m,
		logger:   logger.WithComponent("sharing"),
		hashCost: bcrypt.DefaultCost,
	}
}

type InviteInput struct {
	ResourceType string `json:"resource_type"`
	ResourceID   int64  `json:"resource_id"`
	Email        string `json:"email"`
	Role         string `json:"role"`
}

type Invitation struct {
	Grant     *store.SharedGrant `json:"grant"`
	AccessURL string             `json:"access_url"`
	Token     string             `json:"-"`
}

type IncidentSummary struct {
	RegNo  string          `json:"reg_no"`
	Status workflow.Status `json:"status"`
}

// SharedView is what a token holder gets to see.
type SharedView struct {
	Grant         *store.SharedGrant      `json:"grant"`
	Incident      IncidentSummary         `json:"incident"`
	Investigation *store.Investigation    `json:"investigation,omitempty"`
	Action        *store.CorrectiveAction `json:"corrective_action,omitempty"`
	CanEdit       bool                    `json:"can_edit"`
}

type FindingsInput struct {
	Findings            string `json:"findings"`
	ProblemsIdentified  string `json:"problems_identified"`
	CauseClassification string `json:"cause_classification"`
}

func (s *Service) Invite(ctx context.Context, p auth.Principal, in InviteInput) (*Invitation, error) {
	if !s.policy.Allowed(p.Roles, rbac.PermSharedAccessManage) {
		return nil, forbidden()
	}
	email := utils.NormalizeEmail(in.Email)
	verr := apperr.Validation("shared.invalid", "invitation is invalid")
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		verr.WithDetail("email", "a valid email is required")
	}
	resourceType := strings.TrimSpace(in.ResourceType)
	if resourceType != store.SharedResourceInvestigation && resourceType != store.SharedResourceCorrectiveAction {
		verr.WithDetail("resource_type", "must be investigation or corrective_action")
	}
	role := strings.TrimSpace(in.Role)
	if role == "" {
		role = store.SharedRoleViewer
	}
	if role != store.SharedRoleViewer && role != store.SharedRoleEditor {
		verr.WithDetail("role", "must be viewer or editor")
	}
	if len(verr.Details) > 0 {
		return nil, verr
	}
	if _, err := s.incidentFor(ctx, resourceType, in.ResourceID); err != nil {
		return nil, err
	}
	secret, err := utils.RandString(32)
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.hashCost)
	if err != nil {
		return nil, fmt.Errorf("hash token: %w", err)
	}
	grant := &store.SharedGrant{
		Email:        email,
		ResourceType: resourceType,
		ResourceID:   in.ResourceID,
		Role:         role,
		TokenHash:    string(hash),
		Status:       store.SharedStatusPending,
		ExpiresAt:    utils.NowUTC().Add(s.tokenTTL()),
		InvitedBy:    p.UserID,
	}
	if _, err := s.stores.Grants.Create(ctx, grant); err != nil {
		return nil, fmt.Errorf("create grant: %w", err)
	}
	token := strconv.FormatInt(grant.ID, 10) + "." + secret
	s.metrics.SharedAccess("invite", "ok")
	s.audit(ctx, p.Email, AuditInvite, fmt.Sprintf("grant_id=%d email=%s %s=%d role=%s", grant.ID, email, resourceType, in.ResourceID, role))
	return &Invitation{Grant: grant, AccessURL: s.accessURL(token), Token: token}, nil
}

func (s *Service) List(ctx context.Context, p auth.Principal, resourceType string, resourceID int64) ([]store.SharedGrant, error) {
	if !s.policy.Allowed(p.Roles, rbac.PermSharedAccessManage) {
		return nil, forbidden()
	}
	items, err := s.stores.Grants.List(ctx, strings.TrimSpace(resourceType), resourceID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	return items, nil
}

func (s *Service) Revoke(ctx context.Context, p auth.Principal, grantID int64) (*store.SharedGrant, error) {
	if !s.policy.Allowed(p.Roles, rbac.PermSharedAccessManage) {
		return nil, forbidden()
	}
	if err := s.stores.Grants.Revoke(ctx, grantID, p.UserID, utils.NowUTC()); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, apperr.NotFound("shared.not_found", fmt.Sprintf("grant %d not found", grantID))
		case errors.Is(err, store.ErrConflict):
			return nil, apperr.Conflict("shared.revoked", "grant is already revoked")
		}
		return nil, fmt.Errorf("revoke grant: %w", err)
	}
	s.metrics.SharedAccess("revoke", "ok")
	s.audit(ctx, p.Email, AuditRevoke, fmt.Sprintf("grant_id=%d", grantID))
	return s.stores.Grants.Get(ctx, grantID)
}

// Resolve checks the token and returns the shared resource. The first
// successful use marks a pending grant as accepted.
func (s *Service) Resolve(ctx context.Context, token string) (*SharedView, error) {
	grant, err := s.verify(ctx, token)
	if err != nil {
		return nil, err
	}
	if grant.Status == store.SharedStatusPending {
		now := utils.NowUTC()
		if err := s.stores.Grants.MarkAccepted(ctx, grant.ID, now); err != nil {
			return nil, fmt.Errorf("accept grant: %w", err)
		}
		grant.Status = store.SharedStatusAccepted
		grant.AcceptedAt = &now
		s.audit(ctx, "shared:"+grant.Email, AuditAccess, fmt.Sprintf("grant_id=%d first_use", grant.ID))
	}
	inc, err := s.incidentFor(ctx, grant.ResourceType, grant.ResourceID)
	if err != nil {
		return nil, err
	}
	view := &SharedView{
		Grant:    grant,
		Incident: IncidentSummary{RegNo: inc.RegNo, Status: inc.Status},
	}
	switch grant.ResourceType {
	case store.SharedResourceInvestigation:
		view.Investigation, err = s.stores.Investigations.Get(ctx, grant.ResourceID)
		view.CanEdit = grant.Role == store.SharedRoleEditor && inc.Status == workflow.StatusInvestigating &&
			view.Investigation != nil && !view.Investigation.Submitted()
	case store.SharedResourceCorrectiveAction:
		view.Action, err = s.stores.Actions.GetAction(ctx, grant.ResourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("load shared resource: %w", err)
	}
	s.metrics.SharedAccess("resolve", "ok")
	return view, nil
}

// UpdateInvestigation lets an editor grant holder write findings while the
// investigation is open.
func (s *Service) UpdateInvestigation(ctx context.Context, token string, in FindingsInput) (*store.Investigation, error) {
	grant, err := s.verify(ctx, token)
	if err != nil {
		return nil, err
	}
	if grant.ResourceType != store.SharedResourceInvestigation {
		return nil, apperr.Authorization("shared.wrong_resource", "token does not grant access to an investigation")
	}
	if grant.Role != store.SharedRoleEditor {
		s.metrics.SharedAccess("edit", "read_only")
		return nil, apperr.Authorization("shared.read_only", "token grants read-only access")
	}
	inv, err := s.stores.Investigations.Get(ctx, grant.ResourceID)
	if err != nil {
		return nil, fmt.Errorf("load investigation: %w", err)
	}
	if inv == nil {
		return nil, apperr.NotFound("investigation.not_found", "investigation not found")
	}
	inc, err := s.stores.Incidents.GetIncident(ctx, inv.IncidentID)
	if err != nil {
		return nil, fmt.Errorf("load incident: %w", err)
	}
	if inc == nil || inc.Status != workflow.StatusInvestigating {
		return nil, apperr.Conflict("investigation.not_active", "the investigation is read-only")
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
	if grant.Status == store.SharedStatusPending {
		_ = s.stores.Grants.MarkAccepted(ctx, grant.ID, utils.NowUTC())
	}
	s.metrics.SharedAccess("edit", "ok")
	s.audit(ctx, "shared:"+grant.Email, AuditExternalEdit, fmt.Sprintf("grant_id=%d investigation_id=%d reg_no=%s", grant.ID, inv.ID, inc.RegNo))
	return s.stores.Investigations.Get(ctx, inv.ID)
}

func (s *Service) verify(ctx context.Context, token string) (*store.SharedGrant, error) {
	invalid := apperr.Authorization("shared.invalid_token", "access token is invalid")
	rawID, secret, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || secret == "" {
		s.metrics.SharedAccess("verify", "invalid")
		return nil, invalid
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		s.metrics.SharedAccess("verify", "invalid")
		return nil, invalid
	}
	grant, err := s.stores.Grants.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load grant: %w", err)
	}
	if grant == nil || bcrypt.CompareHashAndPassword([]byte(grant.TokenHash), []byte(secret)) != nil {
		s.metrics.SharedAccess("verify", "invalid")
		return nil, invalid
	}
	if grant.Status == store.SharedStatusRevoked {
		s.metrics.SharedAccess("verify", "revoked")
		return nil, apperr.Authorization("shared.revoked", "access was revoked")
	}
	if !utils.NowUTC().Before(grant.ExpiresAt) {
		s.metrics.SharedAccess("verify", "expired")
		return nil, apperr.Authorization("shared.expired", "access token has expired")
	}
	return grant, nil
}

func (s *Service) incidentFor(ctx context.Context, resourceType string, resourceID int64) (*store.Incident, error) {
	var incidentID int64
	switch resourceType {
	case store.SharedResourceInvestigation:
		inv, err := s.stores.Investigations.Get(ctx, resourceID)
		if err != nil {
			return nil, fmt.Errorf("load investigation: %w", err)
		}
		if inv == nil {
			return nil, apperr.NotFound("investigation.not_found", fmt.Sprintf("investigation %d not found", resourceID))
		}
		incidentID = inv.IncidentID
	case store.SharedResourceCorrectiveAction:
		a, err := s.stores.Actions.GetAction(ctx, resourceID)
		if err != nil {
			return nil, fmt.Errorf("load action: %w", err)
		}
		if a == nil {
			return nil, apperr.NotFound("action.not_found", fmt.Sprintf("corrective action %d not found", resourceID))
		}
		incidentID = a.IncidentID
	default:
		return nil, apperr.Validation("shared.invalid", "unknown resource type").WithDetail("resource_type", "unknown")
	}
	inc, err := s.stores.Incidents.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, fmt.Errorf("load incident: %w", err)
	}
	if inc == nil {
		return nil, apperr.NotFound("incident.not_found", fmt.Sprintf("incident %d not found", incidentID))
	}
	return inc, nil
}

func (s *Service) tokenTTL() time.Duration {
	if s.cfg != nil && s.cfg.SharedAccess.TokenTTL > 0 {
		return s.cfg.SharedAccess.TokenTTL
	}
	return defaultTokenTTL
}

func (s *Service) accessURL(token string) string {
	base := ""
	if s.cfg != nil {
		base = strings.TrimRight(strings.TrimSpace(s.cfg.PublicURL), "/")
	}
	return base + "/shared/" + token
}

func (s *Service) audit(ctx context.Context, username, action, details string) {
	if s.stores.Audits == nil {
		return
	}
	if err := s.stores.Audits.Log(ctx, username, action, details); err != nil {
		s.logger.Errorf("audit %s failed: %v", action, err)
	}
}

func forbidden() error {
	return apperr.Authorization("shared.forbidden", "missing permission "+string(rbac.PermSharedAccessManage)).
		WithDetail("permission", string(rbac.PermSharedAccessManage))
}
