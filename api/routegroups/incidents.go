package routegroups

import (
	"gama-ovr/api/handlers"

	"github.com/go-chi/chi/v5"
)

var actionWorkers = []string{"actions.manage", "actions.complete"}

func RegisterIncidents(apiRouter chi.Router, g Guards, incidents *handlers.IncidentsHandler) {
	apiRouter.Route("/incidents", func(incidentsRouter chi.Router) {
		incidentsRouter.MethodFunc("GET", "/", g.SessionPerm("incidents.view", incidents.List))
		incidentsRouter.MethodFunc("POST", "/", g.SessionPerm("incidents.create", incidents.Create))
		incidentsRouter.MethodFunc("GET", "/{id:[0-9]+}", g.SessionPerm("incidents.view", incidents.Get))
		incidentsRouter.MethodFunc("PUT", "/{id:[0-9]+}", g.SessionPerm("incidents.edit", incidents.Update))
		incidentsRouter.MethodFunc("GET", "/{id:[0-9]+}/history", g.SessionPerm("incidents.view", incidents.History))

		incidentsRouter.MethodFunc("POST", "/{id:[0-9]+}/submit", g.SessionPerm("incidents.submit", incidents.Submit))
		incidentsRouter.MethodFunc("POST", "/{id:[0-9]+}/qi-review", g.SessionPerm("incidents.qi_review", incidents.QIReview))
		incidentsRouter.MethodFunc("POST", "/{id:[0-9]+}/complete-investigation", g.SessionPerm("incidents.investigation.complete", incidents.CompleteInvestigation))
		incidentsRouter.MethodFunc("POST", "/{id:[0-9]+}/final-review", g.SessionPerm("incidents.final_review", incidents.FinalReview))
		incidentsRouter.MethodFunc("POST", "/{id:[0-9]+}/close", g.SessionPerm("incidents.close", incidents.Close))
		incidentsRouter.MethodFunc("POST", "/{id:[0-9]+}/force-transition", g.SessionPerm("incidents.force_transition", incidents.ForceTransition))

		incidentsRouter.MethodFunc("GET", "/{id:[0-9]+}/investigation", g.SessionPerm("investigations.view", incidents.GetInvestigation))
		incidentsRouter.MethodFunc("POST", "/{id:[0-9]+}/qi-assign-hod", g.SessionPerm("investigations.assign", incidents.AssignInvestigators))
		incidentsRouter.MethodFunc("PUT", "/{id:[0-9]+}/investigation", g.SessionPerm("investigations.edit", incidents.UpdateInvestigation))
		incidentsRouter.MethodFunc("POST", "/{id:[0-9]+}/investigation/submit", g.SessionPerm("investigations.edit", incidents.SubmitInvestigation))

		incidentsRouter.MethodFunc("GET", "/{id:[0-9]+}/actions", g.SessionPerm("actions.view", incidents.ListActions))
		incidentsRouter.MethodFunc("POST", "/{id:[0-9]+}/actions", g.SessionPerm("actions.manage", incidents.CreateAction))
	})

	apiRouter.Route("/actions", func(actionsRouter chi.Router) {
		actionsRouter.MethodFunc("PUT", "/{actionId:[0-9]+}", g.SessionPerm("actions.manage", incidents.UpdateAction))
		actionsRouter.MethodFunc("PUT", "/{actionId:[0-9]+}/checklist/{index:[0-9]+}", g.SessionAnyPerm(actionWorkers, incidents.SetChecklistItem))
		actionsRouter.MethodFunc("POST", "/{actionId:[0-9]+}/close", g.SessionAnyPerm(actionWorkers, incidents.CloseAction))
	})

	apiRouter.MethodFunc("GET", "/hod/review-queue", g.SessionPerm("hod.review_queue.view", incidents.ReviewQueue))
}
