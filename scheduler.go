package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// RunScheduler triggers periodic full runs.
type RunScheduler interface {
	Start(ctx context.Context) error
	Stop() error
	RegisterCallback(func() error)
	Stopped() bool
}

// IntervalScheduler implements the RunScheduler interface. It fires the
// registered callback once on start and then on every interval tick.
type IntervalScheduler struct {
	interval time.Duration
	log      zerolog.Logger
	callback func() error

	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewIntervalScheduler creates a new IntervalScheduler.
func NewIntervalScheduler(interval time.Duration, log zerolog.Logger) *IntervalScheduler {
	return &IntervalScheduler{
		interval: interval,
		log:      log.With().Str("component", "scheduler").Logger(),
		done:     make(chan struct{}),
	}
}

// RegisterCallback registers the callback to be called when a run is due.
func (s *IntervalScheduler) RegisterCallback(callback func() error) {
	s.callback = callback
}

// Start starts the scheduler.
func (s *IntervalScheduler) Start(ctx context.Context) error {
	if s.callback == nil {
		return errors.New("callback must be registered before starting scheduler")
	}

	s.done = make(chan struct{})
	s.running.Store(true)

	s.log.Info().Dur("interval", s.interval).Msg("starting scheduler")

	// Fire immediately on startup. A launch that cannot be admitted is not
	// fatal to the schedule; it is logged and retried on the next tick.
	if err := s.callback(); err != nil {
		s.log.Error().Err(err).Msg("initial scheduled run failed")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		for {
			select {
			case <-time.After(s.interval):
				if !s.running.Load() {
					return
				}
				s.log.Info().Msg("launching scheduled run")
				if err := s.callback(); err != nil {
					s.log.Error().Err(err).Msg("scheduled run failed")
				}

			case <-s.done:
				s.log.Debug().Msg("done signal received, stopping scheduler")
				return

			case <-ctx.Done():
				s.log.Debug().Msg("context canceled, stopping scheduler")
				s.running.Store(false)
				return
			}
		}
	}()

	return nil
}

// Stop stops the scheduler.
func (s *IntervalScheduler) Stop() error {
	if !s.running.Load() {
		s.log.Debug().Msg("scheduler already stopped, nothing to do")
		return nil
	}

	s.running.Store(false)
	close(s.done)
	s.wg.Wait()

	s.log.Info().Msg("scheduler stopped")
	return nil
}

// Stopped returns true if the scheduler is not running.
func (s *IntervalScheduler) Stopped() bool {
	return !s.running.Load()
}
