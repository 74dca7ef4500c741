package mining

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper is the work a Scheduler runs.
type Sweeper interface {
	Sweep(ctx context.Context) (SweepResult, error)
}

// Scheduler runs a payout sweep on a fixed interval and on demand.
type Scheduler struct {
	sweeper  Sweeper
	interval time.Duration
	log      zerolog.Logger

	trigger chan chan SweepResult
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewScheduler creates a stopped scheduler. interval <= 0 means one minute.
func NewScheduler(s Sweeper, interval time.Duration, log zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		sweeper:  s,
		interval: interval,
		log:      log,
		trigger:  make(chan chan SweepResult),
	}
}

// Start launches the sweep loop. It is a no-op if already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)

	s.log.Info().Dur("interval", s.interval).Msg("payout scheduler started")
}

// Stop cancels the loop and waits for an in-flight sweep to finish its
// current contract.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Info().Msg("payout scheduler stopped")
}

// Trigger runs a sweep now and returns its result. It fails if the
// scheduler is not running or ctx ends first.
func (s *Scheduler) Trigger(ctx context.Context) (SweepResult, error) {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return SweepResult{}, errors.New("payout scheduler is not running")
	}

	reply := make(chan SweepResult, 1)
	select {
	case s.trigger <- reply:
	case <-done:
		return SweepResult{}, errors.New("payout scheduler stopped")
	case <-ctx.Done():
		return SweepResult{}, ctx.Err()
	}

	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return SweepResult{}, ctx.Err()
	}
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(ctx)
		case reply := <-s.trigger:
			reply <- s.run(ctx)
		}
	}
}

func (s *Scheduler) run(ctx context.Context) SweepResult {
	res, err := s.sweeper.Sweep(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error().Err(err).Msg("payout sweep failed")
	}
	return res
}
