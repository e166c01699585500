// Package broadcaster periodically tells every PC how much play-time its
// occupant has left, warning at 5 and 1 minutes and locking at zero.
package broadcaster

import (
	"context"
	"sync"
	"time"

	"github.com/goodtune/kcafe/internal/clock"
	"github.com/goodtune/kcafe/internal/ledger"
	"github.com/goodtune/kcafe/internal/metrics"
	"github.com/goodtune/kcafe/internal/realtime"
	"github.com/goodtune/kcafe/internal/storage"
	"github.com/rs/zerolog"
)

// Warning thresholds in minutes
const (
	FirstWarning = 5
	LastWarning  = 1
)

// threshold is the last warning sent to a PC
type threshold int

const (
	thresholdNone threshold = iota
	thresholdFive
	thresholdOne
	thresholdExpired
)

func (t threshold) String() string {
	switch t {
	case thresholdFive:
		return "5"
	case thresholdOne:
		return "1"
	case thresholdExpired:
		return "0"
	default:
		return "none"
	}
}

// PCLister enumerates the PC fleet.
type PCLister interface {
	List(ctx context.Context) ([]storage.PC, error)
}

// Estimator computes the occupant's remaining play-time on a PC.
type Estimator interface {
	ForOccupant(ctx context.Context, pc storage.PC, at time.Time) (ledger.Remaining, error)
}

// PCNotifier pushes a message to a PC's channels.
type PCNotifier interface {
	NotifyPC(ctx context.Context, pcID string, msg any) realtime.Delivery
}

// Broadcaster runs the time-left loop. Its warning state lives only in
// memory and is only touched by Tick, which must not run concurrently with
// itself.
type Broadcaster struct {
	pcs       PCLister
	estimator Estimator
	notifier  PCNotifier
	clock     clock.Clock
	interval  time.Duration
	logger    zerolog.Logger

	state map[string]threshold

	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

// New creates a broadcaster ticking every interval.
func New(pcs PCLister, estimator Estimator, notifier PCNotifier, clk clock.Clock, interval time.Duration, logger zerolog.Logger) *Broadcaster {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Broadcaster{
		pcs:       pcs,
		estimator: estimator,
		notifier:  notifier,
		clock:     clk,
		interval:  interval,
		logger:    logger.With().Str("component", "broadcaster").Logger(),
		state:     make(map[string]threshold),
		stopChan:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start begins the loop in the background
func (b *Broadcaster) Start() {
	go b.run()
	b.logger.Info().Dur("interval", b.interval).Msg("Time-left broadcaster started")
}

// Stop ends the loop and waits for a running tick to finish
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopChan)
		<-b.done
		b.logger.Info().Msg("Time-left broadcaster stopped")
	})
}

func (b *Broadcaster) run() {
	defer close(b.done)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-b.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		b.Tick(ctx)

		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one pass over every PC. It never panics.
func (b *Broadcaster) Tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.BroadcastTickDuration.Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Msg("Recovered from panic in broadcast tick")
		}
	}()

	pcs, err := b.pcs.List(ctx)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to list PCs")
		return
	}

	now := b.clock.Now()
	seen := make(map[string]struct{}, len(pcs))
	occupied := 0

	for _, pc := range pcs {
		seen[pc.ID] = struct{}{}
		if pc.Occupied() {
			occupied++
		}
		b.checkPC(ctx, pc, now)
	}

	// Forget PCs that left the fleet
	for id := range b.state {
		if _, ok := seen[id]; !ok {
			delete(b.state, id)
		}
	}

	metrics.ActiveSessions.Set(float64(occupied))
}

func (b *Broadcaster) checkPC(ctx context.Context, pc storage.PC, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("pc_id", pc.ID).Msg("Recovered from panic checking PC")
		}
	}()

	remaining, err := b.estimator.ForOccupant(ctx, pc, now)
	if err != nil {
		metrics.BroadcastErrors.Inc()
		b.logger.Warn().Err(err).Str("pc_id", pc.ID).Msg("Failed to compute remaining time, skipping PC")
		return
	}

	last := b.state[pc.ID]

	if remaining.Unlimited || remaining.Minutes > FirstWarning {
		if last != thresholdNone {
			b.state[pc.ID] = thresholdNone
			b.logger.Debug().Str("pc_id", pc.ID).Str("previous", last.String()).Msg("Warning state reset")
		}
		return
	}

	switch {
	case remaining.Minutes == FirstWarning && last != thresholdFive:
		b.state[pc.ID] = thresholdFive
		b.send(ctx, pc, realtime.NewTimeLeft(FirstWarning))
	case remaining.Minutes == LastWarning && last != thresholdOne:
		b.state[pc.ID] = thresholdOne
		b.send(ctx, pc, realtime.NewTimeLeft(LastWarning))
	case remaining.Minutes <= 0 && last != thresholdExpired:
		b.state[pc.ID] = thresholdExpired
		b.send(ctx, pc, realtime.NewTimeLeft(0))
		b.send(ctx, pc, realtime.Lock())
		b.logger.Info().Str("pc_id", pc.ID).Str("user_id", pc.CurrentUserID).Msg("Time is up, PC locked")
	}
}

func (b *Broadcaster) send(ctx context.Context, pc storage.PC, msg any) {
	d := b.notifier.NotifyPC(ctx, pc.ID, msg)
	if d.Err != nil {
		b.logger.Warn().Err(d.Err).Str("pc_id", pc.ID).Int("failed", d.Failed()).Msg("PC notification failed")
		return
	}
	b.logger.Debug().Str("pc_id", pc.ID).Int("delivered", d.Delivered).Interface("message", msg).Msg("PC notified")
}
