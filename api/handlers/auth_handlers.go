package handlers

import (
	"net"
	"net/http"
	"strings"

	"gama-ovr/config"
	"gama-ovr/core/auth"
	"gama-ovr/core/metrics"
	"gama-ovr/core/rbac"
	"gama-ovr/core/store"
	"gama-ovr/core/utils"
)

const (
	SessionCookieName = "ovr_session"
	CSRFCookieName    = "ovr_csrf"
)

type AuthHandler struct {
	cfg            *config.AppConfig
	users          store.UsersStore
	sessionManager *auth.SessionManager
	identity       *auth.IdentityVerifier
	policy         *rbac.Policy
	audits         store.AuditStore
	metrics        *metrics.Metrics
	logger         *utils.Logger
}

func NewAuthHandler(cfg *config.AppConfig, users store.UsersStore, sm *auth.SessionManager, identity *auth.IdentityVerifier, policy *rbac.Policy, audits store.AuditStore, m *metrics.Metrics, logger *utils.Logger) *AuthHandler {
	return &AuthHandler{cfg: cfg, users: users, sessionManager: sm, identity: identity, policy: policy, audits: audits, metrics: m, logger: logger}
}

type meDTO struct {
	User        *store.User       `json:"user"`
	Roles       []string          `json:"roles"`
	Permissions []rbac.Permission `json:"permissions"`
}

// Login exchanges an identity provider assertion for a session. The user row
// is created or refreshed from the assertion on every sign-in.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		IDToken string `json:"id_token"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	identity, err := h.identity.Verify(payload.IDToken)
	if err != nil {
		h.metrics.AuthAttempt("invalid")
		h.logAudit(r, "", "auth.login_failed", "invalid assertion")
		if h.logger != nil {
			h.logger.Printf("AUTH login rejected ip=%s: %v", clientIP(r, h.cfg), err)
		}
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated", Code: "auth.invalid_assertion", Message: "identity assertion rejected"})
		return
	}
	if len(identity.Roles) == 0 {
		h.metrics.AuthAttempt("no_roles")
		h.logAudit(r, identity.Email, "auth.login_failed", "no mapped roles groups="+strings.Join(identity.Groups, ","))
		writeJSON(w, http.StatusForbidden, errorBody{Error: "authorization", Code: "auth.no_roles", Message: "no application role is mapped to your groups"})
		return
	}
	user, err := h.users.UpsertFromIdentity(r.Context(), identity.Email, identity.Name, identity.Groups, identity.Roles)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if !user.Active {
		h.metrics.AuthAttempt("inactive")
		h.logAudit(r, user.Email, "auth.login_failed", "user inactive")
		writeJSON(w, http.StatusForbidden, errorBody{Error: "authorization", Code: "auth.inactive", Message: "account is deactivated"})
		return
	}
	sess, err := h.sessionManager.Create(r.Context(), user, user.Roles, clientIP(r, h.cfg), r.UserAgent())
	if err != nil {
		if h.logger != nil {
			h.logger.Errorf("auth login session create failed for %s: %v", user.Email, err)
		}
		WriteError(w, r, h.logger, err)
		return
	}
	h.metrics.AuthAttempt("ok")
	h.logAudit(r, user.Email, "auth.login_success", "roles="+strings.Join(user.Roles, ","))
	cookieSecure := isSecureRequest(r, h.cfg)
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   cookieSecure,
		SameSite: http.SameSiteLaxMode,
		Expires:  sess.ExpiresAt,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    sess.CSRFToken,
		Path:     "/",
		HttpOnly: false,
		Secure:   cookieSecure,
		SameSite: http.SameSiteLaxMode,
		Expires:  sess.ExpiresAt,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":       meDTO{User: user, Roles: user.Roles, Permissions: h.policy.Permissions(user.Roles)},
		"csrf_token": sess.CSRFToken,
		"session":    sess,
	})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	actor := ""
	if sr, ok := auth.SessionFromContext(r.Context()); ok {
		actor = sr.Username
		_ = h.sessionManager.Delete(r.Context(), sr.ID)
	}
	cookieSecure := isSecureRequest(r, h.cfg)
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Secure:   cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	h.logAudit(r, actor, "auth.logout", "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Me returns the caller and the permissions the access table grants them.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	sr, ok := auth.SessionFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated", Code: "auth.required", Message: "sign in required"})
		return
	}
	user, err := h.users.Get(r.Context(), sr.UserID)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	if user == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Code: "user.not_found", Message: "user not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":       meDTO{User: user, Roles: sr.Roles, Permissions: h.policy.Permissions(sr.Roles)},
		"csrf_token": sr.CSRFToken,
	})
}

func (h *AuthHandler) logAudit(r *http.Request, username, action, details string) {
	if h.audits == nil {
		return
	}
	if err := h.audits.Log(r.Context(), username, action, details); err != nil && h.logger != nil {
		h.logger.Errorf("audit %s: %v", action, err)
	}
}

func clientIP(r *http.Request, cfg *config.AppConfig) string {
	ip, _, _ := net.SplitHostPort(r.RemoteAddr)
	if ip == "" {
		ip = r.RemoteAddr
	}
	ip = strings.TrimSpace(ip)
	if cfg == nil || !isTrustedProxy(ip, cfg.Security.TrustedProxies) {
		return ip
	}
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		parts := strings.Split(xff, ",")
		for i := len(parts) - 1; i >= 0; i-- {
			parsed := net.ParseIP(strings.TrimSpace(parts[i]))
			if parsed != nil && !isTrustedProxy(parsed.String(), cfg.Security.TrustedProxies) {
				return parsed.String()
			}
		}
	}
	if realIP := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); realIP != nil {
		return realIP.String()
	}
	return ip
}

func isSecureRequest(r *http.Request, cfg *config.AppConfig) bool {
	if r.TLS != nil {
		return true
	}
	if cfg == nil {
		return false
	}
	if cfg.TLSEnabled {
		return true
	}
	remoteIP, _, _ := net.SplitHostPort(r.RemoteAddr)
	if !isTrustedProxy(remoteIP, cfg.Security.TrustedProxies) {
		return false
	}
	proto := strings.ToLower(strings.TrimSpace(strings.SplitN(r.Header.Get("X-Forwarded-Proto"), ",", 2)[0]))
	return proto == "https"
}

func isTrustedProxy(ip string, trusted []string) bool {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return false
	}
	for _, raw := range trusted {
		val := strings.TrimSpace(raw)
		if val == "" {
			continue
		}
		if strings.Contains(val, "/") {
			if _, block, err := net.ParseCIDR(val); err == nil && block.Contains(parsed) {
				return true
			}
			continue
		}
		if parsed.Equal(net.ParseIP(val)) {
			return true
		}
	}
	return false
}
