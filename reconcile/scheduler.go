package reconcile

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler runs the sweeper on a cron schedule.
type Scheduler struct {
	cron    *cron.Cron
	sweeper *Sweeper
	log     zerolog.Logger
}

func NewScheduler(sweeper *Sweeper, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		sweeper: sweeper,
		log:     log,
	}
}

// Start registers the sweep under the given cron spec and starts the
// scheduler. An empty spec disables scheduling.
func (s *Scheduler) Start(spec string) error {
	if spec == "" {
		s.log.Info().Msg("reconciliation schedule disabled")
		return nil
	}

	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := s.sweeper.Sweep(ctx); err != nil {
			s.log.Error().Err(err).Msg("scheduled reconciliation sweep failed")
		}
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	s.log.Info().Str("spec", spec).Msg("reconciliation schedule started")
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
