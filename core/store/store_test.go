package store

import (
	"context"
	"database/sql"
	"io"
	"path/filepath"
	"testing"
	"time"

	"gama-ovr/config"
	"gama-ovr/core/utils"
	"gama-ovr/core/workflow"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.AppConfig{
		DBDriver: "sqlite",
		DBURL:    "file:" + filepath.Join(dir, "ovr.db") + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)",
	}
	logger := utils.NewLoggerTo("error", io.Discard)
	db, err := NewDB(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, ApplyMigrations(context.Background(), db, logger))
	return db
}

func seedUser(t *testing.T, db *sql.DB, email string, roles ...string) *User {
	t.Helper()
	u, err := NewUsersStore(db).UpsertFromIdentity(context.Background(), email, email, nil, roles)
	require.NoError(t, err)
	return u
}

func seedIncident(t *testing.T, db *sql.DB, reporter int64) *Incident {
	t.Helper()
	inc := &Incident{ReporterID: reporter, OccurrenceCategory: "fall", Description: "patient slipped near bed 4"}
	_, err := NewIncidentsStore(db).CreateIncident(context.Background(), inc, "")
	require.NoError(t, err)
	return inc
}

func moveTo(t *testing.T, db *sql.DB, inc *Incident, to workflow.Status, action string, createInvestigation bool) {
	t.Helper()
	err := NewIncidentsStore(db).ApplyTransition(context.Background(), TransitionWrite{
		IncidentID:          inc.ID,
		Action:              action,
		From:                inc.Status,
		To:                  to,
		ExpectedVersion:     inc.Version,
		ActorID:             inc.ReporterID,
		CreateInvestigation: createInvestigation,
	})
	require.NoError(t, err)
	inc.Status = to
	inc.Version++
}

func TestSchemaVersionAfterMigrations(t *testing.T) {
	db := openTestDB(t)
	v, err := SchemaVersion(context.Background(), db)
	require.NoError(t, err)
	require.Equal(t, int64(1), v)
}

func TestCreateIncidentAssignsSequentialRegNo(t *testing.T) {
	db := openTestDB(t)
	u := seedUser(t, db, "nurse@example.org", "employee")
	first := seedIncident(t, db, u.ID)
	second := seedIncident(t, db, u.ID)
	year := time.Now().UTC().Year()
	require.Equal(t, buildIncidentRegNo("", year, 1), first.RegNo)
	require.Equal(t, buildIncidentRegNo("", year, 2), second.RegNo)
	require.Equal(t, workflow.StatusDraft, first.Status)
	require.Equal(t, 1, first.Version)
}

func TestBuildIncidentRegNoFormats(t *testing.T) {
	require.Equal(t, "OVR-2026-00007", buildIncidentRegNo("", 2026, 7))
	require.Equal(t, "INC/2026/42", buildIncidentRegNo("INC/{year}/{seq}", 2026, 42))
	require.Equal(t, "X-007", buildIncidentRegNo("X-{seq:03}", 2026, 7))
}

func TestApplyTransitionGuardsVersion(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	u := seedUser(t, db, "nurse@example.org", "employee")
	inc := seedIncident(t, db, u.ID)
	incidents := NewIncidentsStore(db)

	moveTo(t, db, inc, workflow.StatusSubmitted, "submit", false)

	err := incidents.ApplyTransition(ctx, TransitionWrite{
		IncidentID: inc.ID, Action: "submit", From: workflow.StatusDraft, To: workflow.StatusSubmitted,
		ExpectedVersion: 1, ActorID: u.ID,
	})
	require.ErrorIs(t, err, ErrConflict)

	got, err := incidents.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusSubmitted, got.Status)
	require.Equal(t, 2, got.Version)

	history, err := incidents.ListHistory(ctx, inc.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, workflow.StatusDraft, history[0].FromStatus)
	require.Equal(t, workflow.StatusSubmitted, history[0].ToStatus)
}

func TestApprovalCreatesSingleInvestigation(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	u := seedUser(t, db, "nurse@example.org", "employee")
	inc := seedIncident(t, db, u.ID)
	moveTo(t, db, inc, workflow.StatusSubmitted, "submit", false)
	moveTo(t, db, inc, workflow.StatusInvestigating, "qi_review.approve", true)
	moveTo(t, db, inc, workflow.StatusSubmitted, "force", false)
	moveTo(t, db, inc, workflow.StatusInvestigating, "qi_review.approve", true)

	inv, err := NewInvestigationsStore(db).GetByIncident(ctx, inc.ID)
	require.NoError(t, err)
	require.NotNil(t, inv)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM investigations WHERE incident_id=?`, inc.ID).Scan(&n))
	require.Equal(t, 1, n)
}

func TestCloseRequiresClosedActions(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	u := seedUser(t, db, "qi@example.org", "qi")
	inc := seedIncident(t, db, u.ID)
	moveTo(t, db, inc, workflow.StatusSubmitted, "submit", false)
	moveTo(t, db, inc, workflow.StatusInvestigating, "qi_review.approve", true)

	actions := NewActionsStore(db)
	action := &CorrectiveAction{
		Title:       "Install rails",
		Description: "Install bed rails on every bed in ward four",
		DueDate:     time.Now().UTC().Add(48 * time.Hour),
		Checklist:   []ChecklistItem{{Text: "order"}, {Text: "fit"}},
		AssigneeIDs: []int64{u.ID, u.ID},
		CreatedBy:   u.ID,
	}
	advance := &TransitionWrite{
		IncidentID: inc.ID, Action: "investigation.complete", From: inc.Status, To: workflow.StatusQIFinalActions,
		ExpectedVersion: inc.Version, ActorID: u.ID,
	}
	_, err := actions.CreateAction(ctx, action, IncidentGuard{IncidentID: inc.ID, Status: inc.Status, ExpectedVersion: inc.Version}, advance)
	require.NoError(t, err)
	inc.Status = workflow.StatusQIFinalActions
	inc.Version++

	stored, err := actions.GetAction(ctx, action.ID)
	require.NoError(t, err)
	require.Equal(t, []int64{u.ID}, stored.AssigneeIDs)
	require.Len(t, stored.Checklist, 2)

	moveTo(t, db, inc, workflow.StatusQIFinalReview, "final_review", false)

	incidents := NewIncidentsStore(db)
	closeWrite := TransitionWrite{
		IncidentID: inc.ID, Action: "close", From: inc.Status, To: workflow.StatusClosed,
		ExpectedVersion: inc.Version, ActorID: u.ID, Close: true, CaseReview: "reviewed",
	}
	require.ErrorIs(t, incidents.ApplyTransition(ctx, closeWrite), ErrOpenActions)

	require.NoError(t, actions.CloseAction(ctx, action.ID, u.ID))
	require.ErrorIs(t, actions.CloseAction(ctx, action.ID, u.ID), ErrConflict)
	require.NoError(t, incidents.ApplyTransition(ctx, closeWrite))

	got, err := incidents.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusClosed, got.Status)
	require.NotNil(t, got.ClosedAt)
	require.NotNil(t, got.ClosedBy)
	require.Equal(t, "reviewed", got.CaseReview)
}

func TestCreateActionRejectsStaleIncident(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	u := seedUser(t, db, "qi@example.org", "qi")
	inc := seedIncident(t, db, u.ID)
	moveTo(t, db, inc, workflow.StatusSubmitted, "submit", false)
	moveTo(t, db, inc, workflow.StatusInvestigating, "qi_review.approve", true)
	moveTo(t, db, inc, workflow.StatusQIFinalActions, "investigation.complete", false)

	action := &CorrectiveAction{Title: "Audit", Description: "Audit the handover checklist usage", DueDate: time.Now().UTC(), CreatedBy: u.ID}
	_, err := NewActionsStore(db).CreateAction(ctx, action, IncidentGuard{IncidentID: inc.ID, Status: inc.Status, ExpectedVersion: inc.Version - 1}, nil)
	require.ErrorIs(t, err, ErrConflict)

	open, err := NewActionsStore(db).CountOpenActions(ctx, inc.ID)
	require.NoError(t, err)
	require.Zero(t, open)
}

func TestChecklistToggleAndOverdueSweep(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	u := seedUser(t, db, "qi@example.org", "qi")
	inc := seedIncident(t, db, u.ID)
	moveTo(t, db, inc, workflow.StatusSubmitted, "submit", false)
	moveTo(t, db, inc, workflow.StatusInvestigating, "qi_review.approve", true)
	moveTo(t, db, inc, workflow.StatusQIFinalActions, "investigation.complete", false)

	actions := NewActionsStore(db)
	action := &CorrectiveAction{
		Title:       "Retrain",
		Description: "Retrain night staff on the fall protocol",
		DueDate:     time.Now().UTC().Add(-time.Hour),
		Checklist:   []ChecklistItem{{Text: "schedule"}},
		CreatedBy:   u.ID,
	}
	_, err := actions.CreateAction(ctx, action, IncidentGuard{IncidentID: inc.ID, Status: inc.Status, ExpectedVersion: inc.Version}, nil)
	require.NoError(t, err)

	updated, err := actions.SetChecklistItem(ctx, action.ID, 0, true)
	require.NoError(t, err)
	require.True(t, updated.Checklist[0].Completed)
	_, err = actions.SetChecklistItem(ctx, action.ID, 3, true)
	require.ErrorIs(t, err, ErrNotFound)

	overdue, err := actions.ListOverdue(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, overdue, 1)

	marked, err := actions.MarkOverdueNotified(ctx, action.ID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, marked)
	marked, err = actions.MarkOverdueNotified(ctx, action.ID, time.Now().UTC())
	require.NoError(t, err)
	require.False(t, marked)

	overdue, err = actions.ListOverdue(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Empty(t, overdue)
}

func TestInvestigationAssignmentAndSubmit(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	reporter := seedUser(t, db, "nurse@example.org", "employee")
	hod := seedUser(t, db, "hod@example.org", "hod")
	inc := seedIncident(t, db, reporter.ID)
	moveTo(t, db, inc, workflow.StatusSubmitted, "submit", false)
	moveTo(t, db, inc, workflow.StatusInvestigating, "qi_review.approve", true)

	investigations := NewInvestigationsStore(db)
	inv, err := investigations.GetByIncident(ctx, inc.ID)
	require.NoError(t, err)
	require.NoError(t, investigations.SetInvestigators(ctx, inv.ID, []int64{hod.ID}, reporter.ID))
	require.NoError(t, investigations.SetInvestigators(ctx, inv.ID, []int64{hod.ID}, reporter.ID))

	ok, err := investigations.IsInvestigator(ctx, inv.ID, hod.ID)
	require.NoError(t, err)
	require.True(t, ok)

	queue, err := investigations.ReviewQueue(ctx, hod.ID, false)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	require.Equal(t, inc.RegNo, queue[0].RegNo)

	inv.Findings = "wet floor, no signage"
	require.NoError(t, investigations.UpdateFindings(ctx, inv))
	require.NoError(t, investigations.Submit(ctx, inv.ID, hod.ID))
	require.ErrorIs(t, investigations.Submit(ctx, inv.ID, hod.ID), ErrConflict)
	require.ErrorIs(t, investigations.UpdateFindings(ctx, inv), ErrConflict)

	queue, err = investigations.ReviewQueue(ctx, hod.ID, false)
	require.NoError(t, err)
	require.Empty(t, queue)
	queue, err = investigations.ReviewQueue(ctx, hod.ID, true)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	require.True(t, queue[0].Submitted)
}

func TestUpdateDraftOnlyWhileDraft(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	u := seedUser(t, db, "nurse@example.org", "employee")
	inc := seedIncident(t, db, u.ID)
	incidents := NewIncidentsStore(db)

	inc.Description = "patient slipped near bed 5"
	require.NoError(t, incidents.UpdateDraft(ctx, inc, 1))
	require.Equal(t, 2, inc.Version)
	require.ErrorIs(t, incidents.UpdateDraft(ctx, inc, 1), ErrConflict)

	moveTo(t, db, inc, workflow.StatusSubmitted, "submit", false)
	require.ErrorIs(t, incidents.UpdateDraft(ctx, inc, inc.Version), ErrConflict)
}

func TestSessionsExpireAndDelete(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	u := seedUser(t, db, "nurse@example.org", "employee")
	sessions := NewSessionsStore(db)
	now := time.Now().UTC()
	live := &SessionRecord{ID: "live", UserID: u.ID, Username: u.Email, Roles: []string{"employee"}, CSRFToken: "c1",
		CreatedAt: now, LastSeenAt: now, ExpiresAt: now.Add(time.Hour)}
	stale := &SessionRecord{ID: "stale", UserID: u.ID, Username: u.Email, Roles: []string{"employee"}, CSRFToken: "c2",
		CreatedAt: now.Add(-2 * time.Hour), LastSeenAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}
	require.NoError(t, sessions.SaveSession(ctx, live))
	require.NoError(t, sessions.SaveSession(ctx, stale))

	got, err := sessions.GetSession(ctx, "live")
	require.NoError(t, err)
	require.Equal(t, []string{"employee"}, got.Roles)
	got, err = sessions.GetSession(ctx, "stale")
	require.NoError(t, err)
	require.Nil(t, got)

	removed, err := sessions.DeleteExpired(ctx, now)
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	require.NoError(t, sessions.DeleteSession(ctx, "live", u.Email))
	got, err = sessions.GetSession(ctx, "live")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestUpsertKeepsDeactivation(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	users := NewUsersStore(db)
	u := seedUser(t, db, "Nurse@Example.org", "employee")
	require.Equal(t, "nurse@example.org", u.Email)
	require.NoError(t, users.SetActive(ctx, u.ID, false))

	again, err := users.UpsertFromIdentity(ctx, "nurse@example.org", "Nurse", []string{"ovr-qi"}, []string{"qi"})
	require.NoError(t, err)
	require.Equal(t, u.ID, again.ID)
	require.False(t, again.Active)
	require.Equal(t, []string{"qi"}, again.Roles)
	require.Equal(t, []string{"ovr-qi"}, again.Groups)
}

func TestReferenceUniqueness(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	ref := NewReferenceStore(db)
	dept := &Department{Name: "Emergency", Code: "ER"}
	_, err := ref.CreateDepartment(ctx, dept)
	require.NoError(t, err)
	_, err = ref.CreateDepartment(ctx, &Department{Name: "Emergency"})
	require.ErrorIs(t, err, ErrConflict)

	_, err = ref.CreateLocation(ctx, &Location{Name: "Bay 1", DepartmentID: &dept.ID})
	require.NoError(t, err)
	_, err = ref.CreateLocation(ctx, &Location{Name: "Bay 1", DepartmentID: &dept.ID})
	require.ErrorIs(t, err, ErrConflict)

	locs, err := ref.ListLocations(ctx, dept.ID)
	require.NoError(t, err)
	require.Len(t, locs, 1)
}

func TestSharedGrantRevokeOnce(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	qi := seedUser(t, db, "qi@example.org", "qi")
	shared := NewSharedAccessStore(db)
	g := &SharedGrant{
		Email: "ext@example.org", ResourceType: SharedResourceInvestigation, ResourceID: 1, Role: SharedRoleEditor,
		TokenHash: "hash", ExpiresAt: time.Now().UTC().Add(time.Hour), InvitedBy: qi.ID,
	}
	_, err := shared.Create(ctx, g)
	require.NoError(t, err)
	require.NoError(t, shared.MarkAccepted(ctx, g.ID, time.Now().UTC()))
	require.NoError(t, shared.Revoke(ctx, g.ID, qi.ID, time.Now().UTC()))
	require.ErrorIs(t, shared.Revoke(ctx, g.ID, qi.ID, time.Now().UTC()), ErrConflict)
	require.ErrorIs(t, shared.Revoke(ctx, 999, qi.ID, time.Now().UTC()), ErrNotFound)

	got, err := shared.Get(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, SharedStatusRevoked, got.Status)
	require.NotNil(t, got.AcceptedAt)
	require.NotNil(t, got.RevokedBy)
}

func TestAuditListFilters(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	audits := NewAuditStore(db)
	require.NoError(t, audits.Log(ctx, "qi@example.org", "incidents.transition", "OVR-1 submit"))
	require.NoError(t, audits.Log(ctx, "nurse@example.org", "auth.login", ""))

	items, err := audits.List(ctx, AuditFilter{ActionPrefix: "incidents."})
	require.NoError(t, err)
	require.Len(t, items, 1)
	items, err = audits.List(ctx, AuditFilter{Username: "NURSE@example.org"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "auth.login", items[0].Action)
}
