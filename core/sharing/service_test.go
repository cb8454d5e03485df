package sharing

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gama-ovr/config"
	"gama-ovr/core/apperr"
	"gama-ovr/core/auth"
	"gama-ovr/core/rbac"
	"gama-ovr/core/store"
	"gama-ovr/core/utils"
	"gama-ovr/core/workflow"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type sharingEnv struct {
	svc    *Service
	stores Stores
	qi     auth.Principal
	inc    *store.Incident
	inv    *store.Investigation
}

func newSharingEnv(t *testing.T, ttl time.Duration) *sharingEnv {
	t.Helper()
	ctx := context.Background()
	cfg := &config.AppConfig{
		DBDriver:     "sqlite",
		DBURL:        "file:" + filepath.Join(t.TempDir(), "sharing.db") + "?_pragma=foreign_keys(1)",
		PublicURL:    "https://ovr.hospital.org/",
		SharedAccess: config.SharedConfig{TokenTTL: ttl},
	}
	logger := utils.NewLoggerTo("error", io.Discard)
	db, err := store.NewDB(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.ApplyMigrations(ctx, db, logger))

	stores := Stores{
		Grants:         store.NewSharedAccessStore(db),
		Incidents:      store.NewIncidentsStore(db),
		Investigations: store.NewInvestigationsStore(db),
		Actions:        store.NewActionsStore(db),
		Audits:         store.NewAuditStore(db),
	}
	u, err := store.NewUsersStore(db).UpsertFromIdentity(ctx, "qi@hospital.org", "QI", nil, []string{rbac.RoleQI})
	require.NoError(t, err)

	inc := &store.Incident{ReporterID: u.ID, OccurrenceCategory: "medication", Description: "wrong dose given"}
	_, err = stores.Incidents.CreateIncident(ctx, inc, "")
	require.NoError(t, err)
	for _, step := range []struct {
		action string
		to     workflow.Status
		inv    bool
	}{{"submit", workflow.StatusSubmitted, false}, {"qi_review.approve", workflow.StatusInvestigating, true}} {
		require.NoError(t, stores.Incidents.ApplyTransition(ctx, store.TransitionWrite{
			IncidentID: inc.ID, Action: step.action, From: inc.Status, To: step.to,
			ExpectedVersion: inc.Version, ActorID: u.ID, CreateInvestigation: step.inv,
		}))
		inc.Status = step.to
		inc.Version++
	}
	inv, err := stores.Investigations.GetByIncident(ctx, inc.ID)
	require.NoError(t, err)

	svc := NewService(cfg, stores, rbac.NewPolicy(rbac.DefaultRoles()), nil, logger)
	svc.hashCost = bcrypt.MinCost
	return &sharingEnv{
		svc:    svc,
		stores: stores,
		qi:     auth.Principal{UserID: u.ID, Email: u.Email, Roles: u.Roles},
		inc:    inc,
		inv:    inv,
	}
}

func requireAppCode(t *testing.T, err error, code string) {
	t.Helper()
	appErr, ok := apperr.As(err)
	require.True(t, ok, "expected typed error, got %v", err)
	require.Equal(t, code, appErr.Code)
}

func TestInviteResolveAndEdit(t *testing.T) {
	env := newSharingEnv(t, time.Hour)
	ctx := context.Background()
	invite, err := env.svc.Invite(ctx, env.qi, InviteInput{
		ResourceType: store.SharedResourceInvestigation,
		ResourceID:   env.inv.ID,
		Email:        "Consultant@Partner.org",
		Role:         store.SharedRoleEditor,
	})
	require.NoError(t, err)
	require.Equal(t, "consultant@partner.org", invite.Grant.Email)
	require.True(t, strings.HasPrefix(invite.AccessURL, "https://ovr.hospital.org/shared/"))
	require.NotContains(t, invite.Grant.TokenHash, strings.SplitN(invite.Token, ".", 2)[1])

	view, err := env.svc.Resolve(ctx, invite.Token)
	require.NoError(t, err)
	require.Equal(t, env.inc.RegNo, view.Incident.RegNo)
	require.True(t, view.CanEdit)
	require.Equal(t, store.SharedStatusAccepted, view.Grant.Status)

	inv, err := env.svc.UpdateInvestigation(ctx, invite.Token, FindingsInput{Findings: "Look-alike vials stored together"})
	require.NoError(t, err)
	require.Equal(t, "Look-alike vials stored together", inv.Findings)

	_, err = env.svc.Revoke(ctx, env.qi, invite.Grant.ID)
	require.NoError(t, err)
	_, err = env.svc.Resolve(ctx, invite.Token)
	requireAppCode(t, err, "shared.revoked")
	_, err = env.svc.Revoke(ctx, env.qi, invite.Grant.ID)
	requireAppCode(t, err, "shared.revoked")
}

func TestViewerCannotEdit(t *testing.T) {
	env := newSharingEnv(t, time.Hour)
	ctx := context.Background()
	invite, err := env.svc.Invite(ctx, env.qi, InviteInput{
		ResourceType: store.SharedResourceInvestigation,
		ResourceID:   env.inv.ID,
		Email:        "viewer@partner.org",
	})
	require.NoError(t, err)
	require.Equal(t, store.SharedRoleViewer, invite.Grant.Role)

	view, err := env.svc.Resolve(ctx, invite.Token)
	require.NoError(t, err)
	require.False(t, view.CanEdit)

	_, err = env.svc.UpdateInvestigation(ctx, invite.Token, FindingsInput{Findings: "x"})
	requireAppCode(t, err, "shared.read_only")
}

func TestExpiredAndForgedTokens(t *testing.T) {
	env := newSharingEnv(t, time.Nanosecond)
	ctx := context.Background()
	invite, err := env.svc.Invite(ctx, env.qi, InviteInput{
		ResourceType: store.SharedResourceInvestigation,
		ResourceID:   env.inv.ID,
		Email:        "late@partner.org",
	})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = env.svc.Resolve(ctx, invite.Token)
	requireAppCode(t, err, "shared.expired")

	id := strings.SplitN(invite.Token, ".", 2)[0]
	_, err = env.svc.Resolve(ctx, id+".forged")
	requireAppCode(t, err, "shared.invalid_token")
	_, err = env.svc.Resolve(ctx, "nonsense")
	requireAppCode(t, err, "shared.invalid_token")
}

func TestInviteValidationAndPermission(t *testing.T) {
	env := newSharingEnv(t, time.Hour)
	ctx := context.Background()
	_, err := env.svc.Invite(ctx, auth.Principal{UserID: 99, Roles: []string{rbac.RoleEmployee}}, InviteInput{})
	requireAppCode(t, err, "shared.forbidden")

	_, err = env.svc.Invite(ctx, env.qi, InviteInput{ResourceType: "incident", Email: "bad", Role: "owner"})
	requireAppCode(t, err, "shared.invalid")
	appErr, _ := apperr.As(err)
	require.Len(t, appErr.Details, 3)

	_, err = env.svc.Invite(ctx, env.qi, InviteInput{ResourceType: store.SharedResourceCorrectiveAction, ResourceID: 42, Email: "a@b.org"})
	requireAppCode(t, err, "action.not_found")
}
