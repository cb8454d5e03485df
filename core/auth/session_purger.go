package auth

import (
	"context"
	"sync"
	"time"

	"gama-ovr/core/utils"

	"github.com/robfig/cron/v3"
)

const sessionPurgeSpec = "@every 15m"

// SessionPurger removes expired sessions on a fixed schedule.
type SessionPurger struct {
	manager *SessionManager
	logger  *utils.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

func NewSessionPurger(manager *SessionManager, logger *utils.Logger) *SessionPurger {
	return &SessionPurger{manager: manager, logger: logger.WithComponent("sessions")}
}

func (p *SessionPurger) StartWithContext(ctx context.Context) {
	if p == nil || p.manager == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron != nil {
		return
	}
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(sessionPurgeSpec, func() { p.RunOnce(ctx) }); err != nil {
		p.logger.Errorf("session purge disabled: %v", err)
		return
	}
	c.Start()
	p.cron = c
}

func (p *SessionPurger) StopWithContext(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce deletes expired sessions and returns how many were removed.
func (p *SessionPurger) RunOnce(ctx context.Context) int64 {
	n, err := p.manager.Purge(ctx)
	if err != nil {
		p.logger.Errorf("purge sessions: %v", err)
		return 0
	}
	if n > 0 {
		p.logger.Printf("purged %d expired sessions", n)
	}
	return n
}
