package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gama-ovr/config"
	"gama-ovr/core/auth"
	"gama-ovr/core/incidents"
	"gama-ovr/core/metrics"
	"gama-ovr/core/rbac"
	"gama-ovr/core/sharing"
	"gama-ovr/core/store"
	"gama-ovr/core/utils"

	"github.com/golang-jwt/jwt/v5"
)

const testIdPSecret = "idp-test-secret"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()
	cfg := &config.AppConfig{
		DBDriver:   "sqlite",
		DBURL:      "file:" + filepath.Join(t.TempDir(), "api.db") + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)",
		PublicURL:  "https://ovr.test",
		SessionTTL: time.Hour,
		Identity: config.IdentityConfig{
			Secret: testIdPSecret,
			GroupMap: map[string][]string{
				"ovr-employees": {rbac.RoleEmployee},
				"ovr-qi":        {rbac.RoleQI},
			},
			Leeway: time.Minute,
		},
		Incidents: config.IncidentsConfig{MinRejectReason: 20, HistoryListLimit: 100, DefaultListLimit: 50},
	}
	logger := utils.NewLoggerTo("error", io.Discard)
	db, err := store.NewDB(cfg, logger)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.ApplyMigrations(ctx, db, logger); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	policy := rbac.NewPolicy(rbac.DefaultRoles())
	m := metrics.New()
	users := store.NewUsersStore(db)
	sessions := store.NewSessionsStore(db)
	audits := store.NewAuditStore(db)
	reference := store.NewReferenceStore(db)
	incidentsStore := store.NewIncidentsStore(db)
	investigations := store.NewInvestigationsStore(db)
	actions := store.NewActionsStore(db)
	incidentsSvc := incidents.NewService(cfg, incidents.Stores{
		Incidents:      incidentsStore,
		Investigations: investigations,
		Actions:        actions,
		Users:          users,
		Reference:      reference,
		Audits:         audits,
	}, policy, m, logger)
	sharingSvc := sharing.NewService(cfg, sharing.Stores{
		Grants:         store.NewSharedAccessStore(db),
		Incidents:      incidentsStore,
		Investigations: investigations,
		Actions:        actions,
		Audits:         audits,
	}, policy, m, logger)
	return NewServer(cfg, ServerDeps{
		DB:             db,
		Users:          users,
		Sessions:       sessions,
		Audits:         audits,
		Reference:      reference,
		SessionManager: auth.NewSessionManager(sessions, cfg, logger),
		Identity:       auth.NewIdentityVerifier(cfg.Identity, policy.RoleNames()),
		Policy:         policy,
		IncidentsSvc:   incidentsSvc,
		SharingSvc:     sharingSvc,
		Metrics:        m,
	}, logger)
}

type testClient struct {
	t       *testing.T
	handler http.Handler
	cookies []*http.Cookie
	csrf    string
}

func signAssertion(t *testing.T, email string, groups ...string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.IdentityClaims{
		Email:  email,
		Name:   email,
		Groups: groups,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(5 * time.Minute)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	})
	raw, err := token.SignedString([]byte(testIdPSecret))
	if err != nil {
		t.Fatalf("sign assertion: %v", err)
	}
	return raw
}

func login(t *testing.T, s *Server, email string, groups ...string) *testClient {
	t.Helper()
	c := &testClient{t: t, handler: s.Handler()}
	rr := c.do(http.MethodPost, "/api/auth/login", map[string]string{"id_token": signAssertion(t, email, groups...)})
	if rr.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body %s", email, rr.Code, rr.Body.String())
	}
	c.cookies = rr.Result().Cookies()
	var body struct {
		CSRFToken string `json:"csrf_token"`
	}
	decodeBody(t, rr, &body)
	c.csrf = body.CSRFToken
	return c
}

func (c *testClient) do(method, path string, payload any) *httptest.ResponseRecorder {
	c.t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			c.t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "192.0.2.10:40000"
	for _, ck := range c.cookies {
		req.AddCookie(ck)
	}
	if c.csrf != "" {
		req.Header.Set("X-CSRF-Token", c.csrf)
	}
	rr := httptest.NewRecorder()
	c.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode %s: %v", rr.Body.String(), err)
	}
}

type viewBody struct {
	Incident struct {
		ID      int64  `json:"id"`
		RegNo   string `json:"reg_no"`
		Status  string `json:"status"`
		Version int    `json:"version"`
	} `json:"incident"`
	Panels []struct {
		ID string `json:"id"`
	} `json:"panels"`
}

type errBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rr.Code, rr.Body.String())
	}
}

func expectCode(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	expectStatus(t, rr, status)
	var body errBody
	decodeBody(t, rr, &body)
	if body.Code != code {
		t.Fatalf("expected code %s, got %s", code, body.Code)
	}
}

func TestIncidentWorkflowOverHTTP(t *testing.T) {
	s := newTestServer(t)
	reporter := login(t, s, "nurse@hospital.org", "ovr-employees")
	qi := login(t, s, "qi@hospital.org", "ovr-qi")

	rr := reporter.do(http.MethodPost, "/api/incidents", map[string]any{
		"occurrence_category": "medication",
		"description":         "Patient received a double dose of heparin",
	})
	expectStatus(t, rr, http.StatusCreated)
	var created viewBody
	decodeBody(t, rr, &created)
	if created.Incident.Status != "draft" || created.Incident.RegNo == "" {
		t.Fatalf("unexpected created incident %+v", created.Incident)
	}
	base := fmt.Sprintf("/api/incidents/%d", created.Incident.ID)

	expectCode(t, reporter.do(http.MethodPost, base+"/qi-review", map[string]string{"decision": "approve"}), http.StatusForbidden, "auth.forbidden")

	rr = reporter.do(http.MethodPost, base+"/submit", map[string]any{"expected_version": created.Incident.Version})
	expectStatus(t, rr, http.StatusOK)

	expectCode(t, qi.do(http.MethodPost, base+"/qi-review", map[string]string{"decision": "reject", "reason": "too short"}), http.StatusBadRequest, "incident.reason_too_short")
	expectCode(t, qi.do(http.MethodPost, base+"/qi-review", map[string]string{"decision": "maybe"}), http.StatusBadRequest, "incident.decision_unknown")

	rr = qi.do(http.MethodPost, base+"/qi-review", map[string]string{"decision": "approve"})
	expectStatus(t, rr, http.StatusOK)
	var approved viewBody
	decodeBody(t, rr, &approved)
	if approved.Incident.Status != "investigating" {
		t.Fatalf("expected investigating, got %s", approved.Incident.Status)
	}
	if len(approved.Panels) != 1 || approved.Panels[0].ID != "investigation" {
		t.Fatalf("expected investigation panel, got %+v", approved.Panels)
	}

	rr = qi.do(http.MethodPost, base+"/qi-review", map[string]string{"decision": "approve"})
	expectStatus(t, rr, http.StatusOK)
	var again viewBody
	decodeBody(t, rr, &again)
	if again.Incident.Version != approved.Incident.Version {
		t.Fatalf("idempotent approve must not bump version: %d vs %d", again.Incident.Version, approved.Incident.Version)
	}

	expectCode(t, qi.do(http.MethodPost, base+"/qi-review", map[string]string{"decision": "reject", "reason": "This report lacks the medication chart"}), http.StatusConflict, "incident.invalid_transition")

	rr = qi.do(http.MethodPost, base+"/actions", map[string]any{
		"title":       "Relabel heparin",
		"description": "Separate heparin strengths on ward shelves",
		"due_date":    time.Now().Add(72 * time.Hour).UTC().Format(time.RFC3339),
		"checklist":   []string{"order labels"},
	})
	expectStatus(t, rr, http.StatusCreated)
	var createdAction struct {
		Action struct {
			ID int64 `json:"id"`
		} `json:"corrective_action"`
	}
	decodeBody(t, rr, &createdAction)

	expectCode(t, qi.do(http.MethodPost, base+"/close", map[string]string{"case_review": "Reviewed in committee"}), http.StatusConflict, "incident.open_actions")

	expectStatus(t, qi.do(http.MethodPost, fmt.Sprintf("/api/actions/%d/close", createdAction.Action.ID), nil), http.StatusOK)

	rr = qi.do(http.MethodPost, base+"/close", map[string]string{"case_review": "Reviewed in committee"})
	expectStatus(t, rr, http.StatusOK)
	var closed viewBody
	decodeBody(t, rr, &closed)
	if closed.Incident.Status != "closed" {
		t.Fatalf("expected closed, got %s", closed.Incident.Status)
	}

	rr = reporter.do(http.MethodGet, base+"/history", nil)
	expectStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), `"qi_review.approve"`) {
		t.Fatalf("history missing approve entry: %s", rr.Body.String())
	}
}

func TestSessionAndCSRFGuards(t *testing.T) {
	s := newTestServer(t)
	anon := &testClient{t: t, handler: s.Handler()}
	expectCode(t, anon.do(http.MethodGet, "/api/incidents", nil), http.StatusUnauthorized, "auth.required")

	reporter := login(t, s, "nurse@hospital.org", "ovr-employees")
	csrf := reporter.csrf
	reporter.csrf = ""
	expectCode(t, reporter.do(http.MethodPost, "/api/incidents", map[string]any{"occurrence_category": "fall", "description": "slip"}), http.StatusForbidden, "auth.csrf")
	reporter.csrf = csrf

	rr := reporter.do(http.MethodGet, "/api/auth/me", nil)
	expectStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), `"incidents.submit"`) || strings.Contains(rr.Body.String(), `"incidents.close"`) {
		t.Fatalf("unexpected permissions: %s", rr.Body.String())
	}

	expectStatus(t, reporter.do(http.MethodPost, "/api/auth/logout", nil), http.StatusOK)
	expectCode(t, reporter.do(http.MethodGet, "/api/incidents", nil), http.StatusUnauthorized, "auth.required")
}

func TestLoginRejectsBadAssertions(t *testing.T) {
	s := newTestServer(t)
	c := &testClient{t: t, handler: s.Handler()}
	expectCode(t, c.do(http.MethodPost, "/api/auth/login", map[string]string{"id_token": "garbage"}), http.StatusUnauthorized, "auth.invalid_assertion")
	expectCode(t, c.do(http.MethodPost, "/api/auth/login", map[string]string{"id_token": signAssertion(t, "guest@hospital.org", "visitors")}), http.StatusForbidden, "auth.no_roles")
}

func TestDeactivatedUserLosesSession(t *testing.T) {
	s := newTestServer(t)
	reporter := login(t, s, "nurse@hospital.org", "ovr-employees")
	u, err := s.users.FindByEmail(context.Background(), "nurse@hospital.org")
	if err != nil || u == nil {
		t.Fatalf("find user: %v", err)
	}
	if err := s.users.SetActive(context.Background(), u.ID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	expectCode(t, reporter.do(http.MethodGet, "/api/incidents", nil), http.StatusUnauthorized, "auth.required")
	c := &testClient{t: t, handler: s.Handler()}
	expectCode(t, c.do(http.MethodPost, "/api/auth/login", map[string]string{"id_token": signAssertion(t, "nurse@hospital.org", "ovr-employees")}), http.StatusForbidden, "auth.inactive")
}

func TestAccessTableMatchesGuards(t *testing.T) {
	s := newTestServer(t)
	reporter := login(t, s, "nurse@hospital.org", "ovr-employees")
	rr := reporter.do(http.MethodGet, "/api/access/table", nil)
	expectStatus(t, rr, http.StatusOK)
	var body struct {
		Table rbac.AccessTable `json:"table"`
	}
	decodeBody(t, rr, &body)
	for _, perm := range rbac.AllPermissions {
		res, act := perm.Split()
		roles := body.Table[res][act]
		allowed := false
		for _, r := range roles {
			if r == rbac.RoleEmployee {
				allowed = true
			}
		}
		if allowed != s.policy.Allowed([]string{rbac.RoleEmployee}, perm) {
			t.Fatalf("table and policy disagree on %s", perm)
		}
	}
}

func TestSharedTokenRoutesAreReachableWithoutSession(t *testing.T) {
	s := newTestServer(t)
	anon := &testClient{t: t, handler: s.Handler()}
	expectCode(t, anon.do(http.MethodGet, "/api/shared/1.not-a-secret", nil), http.StatusForbidden, "shared.invalid_token")
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	s := newTestServer(t)
	c := &testClient{t: t, handler: s.Handler()}
	rr := c.do(http.MethodGet, "/healthz", nil)
	expectStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), `"schema_version":1`) {
		t.Fatalf("unexpected health body %s", rr.Body.String())
	}
	rr = c.do(http.MethodGet, "/metrics", nil)
	expectStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), "ovr_http_requests_total") {
		t.Fatalf("metrics output missing request counter")
	}
}
