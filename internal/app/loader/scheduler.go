package loader

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/Velora-App/ota_layer/internal/app/system"
	"github.com/Velora-App/ota_layer/pkg/logger"
)

// RefreshScheduler fires bundle checks on cron schedules, outside the fixed
// poll interval. Deployments use it for coarse refresh windows on hosts
// where continuous polling is disabled, or to force a check at known
// publish times.
type RefreshScheduler struct {
	loader    *Loader
	log       *logger.Logger
	schedules []string
	cron      *cron.Cron
}

// NewRefreshScheduler creates a scheduler running one bundle check per
// firing of each schedule. Standard five-field cron expressions plus the
// @every descriptors are accepted.
func NewRefreshScheduler(l *Loader, schedules []string, log *logger.Logger) *RefreshScheduler {
	if log == nil {
		log = logger.NewDefault("refresh-scheduler")
	}
	return &RefreshScheduler{
		loader:    l,
		log:       log,
		schedules: schedules,
	}
}

// Name implements system.Service.
func (s *RefreshScheduler) Name() string { return "refresh-scheduler" }

// Start implements system.Service. Invalid expressions fail startup so a
// config typo does not silently disable a refresh window.
func (s *RefreshScheduler) Start(ctx context.Context) error {
	if s.cron != nil {
		return nil
	}
	c := cron.New()
	for _, expr := range s.schedules {
		expr := expr
		if _, err := c.AddFunc(expr, func() {
			if err := s.loader.CheckForUpdates(context.Background()); err != nil {
				s.log.WithError(err).WithField("schedule", expr).Debug("scheduled bundle check failed")
			}
		}); err != nil {
			return fmt.Errorf("invalid refresh schedule %q: %w", expr, err)
		}
	}
	s.cron = c
	c.Start()

	s.log.WithField("schedules", fmt.Sprintf("%v", s.schedules)).Info("refresh scheduler started")
	return nil
}

// Stop implements system.Service: stops firing and waits for a running
// check to finish.
func (s *RefreshScheduler) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	stopCtx := s.cron.Stop()
	s.cron = nil

	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ system.Service = (*RefreshScheduler)(nil)
