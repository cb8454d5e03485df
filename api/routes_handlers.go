package api

import "gama-ovr/api/handlers"

type routeHandlers struct {
	auth      *handlers.AuthHandler
	access    *handlers.AccessHandler
	incidents *handlers.IncidentsHandler
	sharing   *handlers.SharingHandler
	reference *handlers.ReferenceHandler
	users     *handlers.UsersHandler
	logs      *handlers.LogsHandler
	health    *handlers.HealthHandler
}

func (s *Server) newRouteHandlers() routeHandlers {
	return routeHandlers{
		auth:      handlers.NewAuthHandler(s.cfg, s.users, s.sessionManager, s.identity, s.policy, s.audits, s.metrics, s.logger),
		access:    handlers.NewAccessHandler(s.policy),
		incidents: handlers.NewIncidentsHandler(s.incidentsSvc, s.logger),
		sharing:   handlers.NewSharingHandler(s.sharingSvc, s.logger),
		reference: handlers.NewReferenceHandler(s.reference, s.audits, s.logger),
		users:     handlers.NewUsersHandler(s.users, s.audits, s.logger),
		logs:      handlers.NewLogsHandler(s.audits, s.logger),
		health:    handlers.NewHealthHandler(s.db),
	}
}
