package websocket

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Evicter unloads conversations that have been quiet for too long.
type Evicter interface {
	EvictIdle(maxIdle time.Duration) int
}

// SessionCleanupService periodically evicts idle conversation machines
type SessionCleanupService struct {
	evicter  Evicter
	maxIdle  time.Duration
	schedule string
	cron     *cron.Cron
	logger   *zap.Logger
}

// NewSessionCleanupService creates a cleanup service that runs on schedule,
// a cron spec such as "@every 5m".
func NewSessionCleanupService(evicter Evicter, schedule string, maxIdle time.Duration, logger *zap.Logger) *SessionCleanupService {
	return &SessionCleanupService{
		evicter:  evicter,
		maxIdle:  maxIdle,
		schedule: schedule,
		cron:     cron.New(cron.WithLocation(time.UTC)),
		logger:   logger,
	}
}

// Start begins the background cleanup process
func (s *SessionCleanupService) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.runCleanup); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.logger.Info("Session cleanup service started",
		zap.String("schedule", s.schedule),
		zap.Duration("maxIdle", s.maxIdle))
	return nil
}

// Stop waits for a running cleanup to finish.
func (s *SessionCleanupService) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Session cleanup service stopped")
}

func (s *SessionCleanupService) runCleanup() {
	n := s.evicter.EvictIdle(s.maxIdle)
	s.logger.Info("Session cleanup completed", zap.Int("evicted", n))
}
