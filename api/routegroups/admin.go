package routegroups

import (
	"gama-ovr/api/handlers"

	"github.com/go-chi/chi/v5"
)

func RegisterSharedAccess(apiRouter chi.Router, g Guards, sharing *handlers.SharingHandler) {
	apiRouter.Route("/shared-access", func(sharedRouter chi.Router) {
		sharedRouter.MethodFunc("GET", "/", g.SessionPerm("shared_access.manage", sharing.List))
		sharedRouter.MethodFunc("POST", "/", g.SessionPerm("shared_access.manage", sharing.Invite))
		sharedRouter.MethodFunc("POST", "/{grantId:[0-9]+}/revoke", g.SessionPerm("shared_access.manage", sharing.Revoke))
	})
}

func RegisterReference(apiRouter chi.Router, g Guards, reference *handlers.ReferenceHandler, users *handlers.UsersHandler) {
	apiRouter.Route("/departments", func(departmentsRouter chi.Router) {
		departmentsRouter.MethodFunc("GET", "/", g.SessionPerm("departments.view", reference.ListDepartments))
		departmentsRouter.MethodFunc("POST", "/", g.SessionPerm("departments.create", reference.CreateDepartment))
		departmentsRouter.MethodFunc("PUT", "/{id:[0-9]+}", g.SessionPerm("departments.edit", reference.UpdateDepartment))
	})
	apiRouter.Route("/locations", func(locationsRouter chi.Router) {
		locationsRouter.MethodFunc("GET", "/", g.SessionPerm("locations.view", reference.ListLocations))
		locationsRouter.MethodFunc("POST", "/", g.SessionPerm("locations.create", reference.CreateLocation))
	})
	apiRouter.Route("/users", func(usersRouter chi.Router) {
		usersRouter.MethodFunc("GET", "/", g.SessionPerm("users.view", users.List))
		usersRouter.MethodFunc("PUT", "/{id:[0-9]+}/active", g.SessionPerm("users.manage", users.SetActive))
	})
}

func RegisterLogs(apiRouter chi.Router, g Guards, logs *handlers.LogsHandler) {
	apiRouter.Route("/logs", func(logsRouter chi.Router) {
		logsRouter.MethodFunc("GET", "/", g.SessionPerm("audit.view", logs.List))
		logsRouter.MethodFunc("GET", "/export", g.SessionPerm("audit.view", logs.Export))
	})
}
