package api

import (
	"net/http"

	"gama-ovr/api/routegroups"
	"gama-ovr/core/rbac"

	"github.com/go-chi/chi/v5"
)

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.recoverMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.securityHeadersMiddleware)
	h := s.newRouteHandlers()

	r.MethodFunc("GET", "/healthz", h.health.Healthz)
	r.Method("GET", "/metrics", s.metrics.Handler())

	r.Route("/api", func(apiRouter chi.Router) {
		apiRouter.Use(s.jsonMiddleware)
		s.registerCoreRoutes(apiRouter, h)
		g := s.guards()
		routegroups.RegisterIncidents(apiRouter, g, h.incidents)
		routegroups.RegisterSharedAccess(apiRouter, g, h.sharing)
		routegroups.RegisterReference(apiRouter, g, h.reference, h.users)
		routegroups.RegisterLogs(apiRouter, g, h.logs)
	})
	return r
}

func (s *Server) registerCoreRoutes(apiRouter chi.Router, h routeHandlers) {
	apiRouter.MethodFunc("POST", "/auth/login", s.rateLimitMiddleware(h.auth.Login))
	apiRouter.MethodFunc("POST", "/auth/logout", s.withSession(h.auth.Logout))
	apiRouter.MethodFunc("GET", "/auth/me", s.withSession(h.auth.Me))
	apiRouter.MethodFunc("GET", "/access/table", s.withSession(h.access.Table))
	apiRouter.MethodFunc("GET", "/statuses", s.withSession(h.access.Statuses))

	// Token holders have no session; the token in the path is checked by the
	// sharing service.
	apiRouter.MethodFunc("GET", "/shared/{token}", s.sharedLimit(h.sharing.Resolve))
	apiRouter.MethodFunc("PUT", "/shared/{token}/investigation", s.sharedLimit(h.sharing.UpdateInvestigation))
}

func (s *Server) guards() routegroups.Guards {
	requireAny := func(ps ...string) func(http.HandlerFunc) http.HandlerFunc {
		perms := make([]rbac.Permission, 0, len(ps))
		for _, p := range ps {
			perms = append(perms, rbac.Permission(p))
		}
		return s.requireAnyPermission(perms...)
	}
	return routegroups.Guards{
		WithSession:          s.withSession,
		RequirePermission:    func(p string) func(http.HandlerFunc) http.HandlerFunc { return s.requirePermission(rbac.Permission(p)) },
		RequireAnyPermission: requireAny,
	}
}
