package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"alamor/internal/service"
)

// ServerMaintainer is the server side of scheduled maintenance.
type ServerMaintainer interface {
	CheckServers(ctx context.Context) ([]service.StatusChange, error)
	DeleteDepletedClients(ctx context.Context) (int, error)
}

// PurchaseExpirer deactivates purchases past their expiry.
type PurchaseExpirer interface {
	ExpirePurchases(ctx context.Context) (int64, error)
}

// Specs holds six-field cron expressions (with seconds). An empty spec
// disables its job.
type Specs struct {
	Health   string
	Expire   string
	Depleted string
}

const defaultJobTimeout = 2 * time.Minute

// Scheduler manages all cron jobs.
type Scheduler struct {
	cron       *cron.Cron
	specs      Specs
	servers    ServerMaintainer
	purchases  PurchaseExpirer
	logger     *zap.Logger
	jobTimeout time.Duration
}

// New creates a new cron scheduler.
func New(specs Specs, servers ServerMaintainer, purchases PurchaseExpirer, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cron:       cron.New(cron.WithSeconds()),
		specs:      specs,
		servers:    servers,
		purchases:  purchases,
		logger:     logger,
		jobTimeout: defaultJobTimeout,
	}
}

// Start registers and starts all cron jobs.
func (s *Scheduler) Start() error {
	s.logger.Info("Starting cron scheduler...")

	jobs := []struct {
		name string
		spec string
		run  func()
	}{
		{"server health check", s.specs.Health, s.checkHealth},
		{"expire purchases", s.specs.Expire, s.expirePurchases},
		{"delete depleted clients", s.specs.Depleted, s.deleteDepleted},
	}
	for _, job := range jobs {
		if job.spec == "" {
			s.logger.Info("Cron job disabled", zap.String("job", job.name))
			continue
		}
		name, run := job.name, job.run
		if _, err := s.cron.AddFunc(job.spec, func() {
			s.logger.Debug("Running: " + name)
			run()
		}); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", name, job.spec, err)
		}
	}

	s.cron.Start()
	s.logger.Info("Cron scheduler started", zap.Int("jobs", len(s.cron.Entries())))
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) jobContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.jobTimeout)
}

// ── Server health (fresh login per server) ───────────────────────────

func (s *Scheduler) checkHealth() {
	defer s.recoverFromPanic("checkHealth")
	ctx, cancel := s.jobContext()
	defer cancel()

	changes, err := s.servers.CheckServers(ctx)
	if err != nil {
		s.logger.Error("Server health check failed", zap.Error(err))
		return
	}
	for _, ch := range changes {
		s.logger.Info("Server status changed",
			zap.Uint("server_id", ch.ServerID),
			zap.String("server", ch.Name),
			zap.Bool("online", ch.Online))
	}
}

// ── Purchase expiry ──────────────────────────────────────────────────

func (s *Scheduler) expirePurchases() {
	defer s.recoverFromPanic("expirePurchases")
	ctx, cancel := s.jobContext()
	defer cancel()

	if _, err := s.purchases.ExpirePurchases(ctx); err != nil {
		s.logger.Error("Expiring purchases failed", zap.Error(err))
	}
}

// ── Depleted clients cleanup ─────────────────────────────────────────

func (s *Scheduler) deleteDepleted() {
	defer s.recoverFromPanic("deleteDepleted")
	ctx, cancel := s.jobContext()
	defer cancel()

	done, err := s.servers.DeleteDepletedClients(ctx)
	if err != nil {
		s.logger.Error("Depleted client cleanup failed", zap.Error(err))
		return
	}
	s.logger.Debug("Depleted clients removed", zap.Int("servers", done))
}

func (s *Scheduler) recoverFromPanic(jobName string) {
	if r := recover(); r != nil {
		s.logger.Error("Cron job panicked", zap.String("job", jobName), zap.Any("error", r))
	}
}
