package appbootstrap

import (
	"database/sql"

	"gama-ovr/api"
	"gama-ovr/config"
	"gama-ovr/core/auth"
	"gama-ovr/core/incidents"
	"gama-ovr/core/metrics"
	"gama-ovr/core/rbac"
	"gama-ovr/core/sharing"
	"gama-ovr/core/store"
	"gama-ovr/core/utils"
)

type runtimeComposition struct {
	serverDeps api.ServerDeps
	workers    []api.BackgroundWorker
}

func composeRuntime(cfg *config.AppConfig, db *sql.DB, logger *utils.Logger) (*runtimeComposition, error) {
	users := store.NewUsersStore(db)
	sessions := store.NewSessionsStore(db)
	audits := store.NewAuditStore(db)
	reference := store.NewReferenceStore(db)
	incidentsStore := store.NewIncidentsStore(db)
	investigations := store.NewInvestigationsStore(db)
	actions := store.NewActionsStore(db)
	grants := store.NewSharedAccessStore(db)

	policy, err := rbac.BuildPolicy(rbac.DefaultRoles())
	if err != nil {
		return nil, err
	}
	m := metrics.New()
	sessionManager := auth.NewSessionManager(sessions, cfg, logger)
	identity := auth.NewIdentityVerifier(cfg.Identity, policy.RoleNames())

	incidentsSvc := incidents.NewService(cfg, incidents.Stores{
		Incidents:      incidentsStore,
		Investigations: investigations,
		Actions:        actions,
		Users:          users,
		Reference:      reference,
		Audits:         audits,
	}, policy, m, logger)
	sharingSvc := sharing.NewService(cfg, sharing.Stores{
		Grants:         grants,
		Incidents:      incidentsStore,
		Investigations: investigations,
		Actions:        actions,
		Audits:         audits,
	}, policy, m, logger)

	overdue := incidents.NewOverdueScheduler(cfg.Scheduler, actions, audits, m, logger)
	purger := auth.NewSessionPurger(sessionManager, logger)

	return &runtimeComposition{
		serverDeps: api.ServerDeps{
			DB:             db,
			Users:          users,
			Sessions:       sessions,
			Audits:         audits,
			Reference:      reference,
			SessionManager: sessionManager,
			Identity:       identity,
			Policy:         policy,
			IncidentsSvc:   incidentsSvc,
			SharingSvc:     sharingSvc,
			Metrics:        m,
		},
		workers: []api.BackgroundWorker{overdue, purger},
	}, nil
}
