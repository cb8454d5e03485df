package incidents

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gama-ovr/config"
	"gama-ovr/core/metrics"
	"gama-ovr/core/store"
	"gama-ovr/core/utils"

	"github.com/robfig/cron/v3"
)

const defaultOverdueSpec = "@every 1h"

// OverdueScheduler flags open corrective actions whose due date has passed.
// Every action is flagged at most once.
type OverdueScheduler struct {
	cfg     config.SchedulerConfig
	actions store.ActionsStore
	audits  store.AuditStore
	metrics *metrics.Metrics
	logger  *utils.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

func NewOverdueScheduler(cfg config.SchedulerConfig, actions store.ActionsStore, audits store.AuditStore, m *metrics.Metrics, logger *utils.Logger) *OverdueScheduler {
	return &OverdueScheduler{cfg: cfg, actions: actions, audits: audits, metrics: m, logger: logger.WithComponent("overdue")}
}

func (s *OverdueScheduler) StartWithContext(ctx context.Context) {
	if s == nil || s.actions == nil || !s.cfg.Enabled {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	spec := s.cfg.OverdueSpec
	if spec == "" {
		spec = defaultOverdueSpec
	}
	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(spec, func() {
		if _, err := s.RunOnce(runCtx, utils.NowUTC()); err != nil {
			s.logger.Errorf("overdue sweep failed: %v", err)
		}
	}); err != nil {
		cancel()
		s.logger.Errorf("overdue sweeper disabled, bad schedule %q: %v", spec, err)
		return
	}
	c.Start()
	s.cron = c
	s.cancel = cancel
	s.running = true
	s.logger.Printf("overdue sweeper started schedule=%s", spec)
}

func (s *OverdueScheduler) StopWithContext(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	c := s.cron
	cancel := s.cancel
	wasRunning := s.running
	s.cron = nil
	s.cancel = nil
	s.running = false
	s.mu.Unlock()
	if !wasRunning || c == nil {
		return nil
	}
	cancel()
	stopped := c.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs a single sweep and returns how many actions it flagged.
func (s *OverdueScheduler) RunOnce(ctx context.Context, now time.Time) (int, error) {
	if s == nil || s.actions == nil {
		return 0, nil
	}
	limit := s.cfg.MaxPerRun
	if limit <= 0 {
		limit = 100
	}
	items, err := s.actions.ListOverdue(ctx, now.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("list overdue actions: %w", err)
	}
	flagged := 0
	for i := range items {
		a := items[i]
		ok, err := s.actions.MarkOverdueNotified(ctx, a.ID, now.UTC())
		if err != nil {
			return flagged, fmt.Errorf("flag action %d: %w", a.ID, err)
		}
		if !ok {
			continue
		}
		flagged++
		details := fmt.Sprintf("action_id=%d incident_id=%d due=%s", a.ID, a.IncidentID, a.DueDate.UTC().Format(time.RFC3339))
		if s.audits != nil {
			_ = s.audits.Log(ctx, "system", AuditActionOverdue, details)
		}
		s.logger.Warnf("corrective action overdue %s", details)
	}
	s.metrics.OverdueFlagged(flagged)
	return flagged, nil
}
