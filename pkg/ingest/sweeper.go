package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lectern-ai/lectern/pkg/log"
)

// StaleSweeperStore marks documents stuck in processing as failed.
type StaleSweeperStore interface {
	SweepStaleProcessing(ctx context.Context, maxAge time.Duration) (int64, error)
}

// Sweeper periodically fails documents whose processing never finished,
// usually because their chunk jobs dead-lettered. Operators redrive the DLQ
// or re-upload after investigating.
type Sweeper struct {
	store    StaleSweeperStore
	cron     *cron.Cron
	schedule string
	maxAge   time.Duration
	logger   *slog.Logger
}

func NewSweeper(store StaleSweeperStore, schedule string, maxAge time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		cron:     cron.New(),
		schedule: schedule,
		maxAge:   maxAge,
		logger:   log.WithComponent("sweeper"),
	}
}

func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.sweep); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("stale document sweeper started", "schedule", s.schedule, "max_age", s.maxAge)
	return nil
}

func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := s.store.SweepStaleProcessing(ctx, s.maxAge)
	if err != nil {
		s.logger.Error("stale sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Warn("marked stale documents failed", "count", n)
	}
}
