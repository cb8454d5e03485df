package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"gama-ovr/config"
	"gama-ovr/core/auth"
	"gama-ovr/core/incidents"
	"gama-ovr/core/metrics"
	"gama-ovr/core/rbac"
	"gama-ovr/core/sharing"
	"gama-ovr/core/store"
	"gama-ovr/core/utils"

	"github.com/go-chi/chi/v5"
)

// BackgroundWorker is anything that runs alongside the HTTP server and
// follows its lifetime.
type BackgroundWorker interface {
	StartWithContext(ctx context.Context)
	StopWithContext(ctx context.Context) error
}

type ServerDeps struct {
	DB             *sql.DB
	Users          store.UsersStore
	Sessions       store.SessionStore
	Audits         store.AuditStore
	Reference      store.ReferenceStore
	SessionManager *auth.SessionManager
	Identity       *auth.IdentityVerifier
	Policy         *rbac.Policy
	IncidentsSvc   *incidents.Service
	SharingSvc     *sharing.Service
	Metrics        *metrics.Metrics
	Workers        []BackgroundWorker
}

type Server struct {
	cfg             *config.AppConfig
	logger          *utils.Logger
	router          chi.Router
	httpServer      *http.Server
	db              *sql.DB
	users           store.UsersStore
	sessions        store.SessionStore
	audits          store.AuditStore
	reference       store.ReferenceStore
	sessionManager  *auth.SessionManager
	identity        *auth.IdentityVerifier
	policy          *rbac.Policy
	incidentsSvc    *incidents.Service
	sharingSvc      *sharing.Service
	metrics         *metrics.Metrics
	workers         []BackgroundWorker
	activityTracker *sessionActivity
	loginLimiter    *requestLimiter
	sharedLimiter   *requestLimiter
}

func NewServer(cfg *config.AppConfig, deps ServerDeps, logger *utils.Logger) *Server {
	s := &Server{
		cfg:             cfg,
		logger:          logger,
		db:              deps.DB,
		users:           deps.Users,
		sessions:        deps.Sessions,
		audits:          deps.Audits,
		reference:       deps.Reference,
		sessionManager:  deps.SessionManager,
		identity:        deps.Identity,
		policy:          deps.Policy,
		incidentsSvc:    deps.IncidentsSvc,
		sharingSvc:      deps.SharingSvc,
		metrics:         deps.Metrics,
		workers:         deps.Workers,
		activityTracker: newSessionActivity(),
		loginLimiter:    newLimiter(5, time.Minute),
		sharedLimiter:   newLimiter(60, time.Minute),
	}
	s.router = s.routes()
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then drains connections and stops the
// background workers.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	for _, w := range s.workers {
		w.StartWithContext(workerCtx)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("listening on %s tls=%t", s.cfg.ListenAddr, s.cfg.TLSEnabled)
		var err error
		if s.cfg.TLSEnabled {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Errorf("http shutdown: %v", err)
	}
	cancelWorkers()
	for _, w := range s.workers {
		if err := w.StopWithContext(shutdownCtx); err != nil {
			s.logger.Errorf("stop worker: %v", err)
		}
	}
	return serveErr
}
