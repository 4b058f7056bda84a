// Package scheduler implements C9: a persistent queue of future sends
// with adaptive-wake timing and at-most-once execution. All mutable
// scheduling state (the pending timer) is owned by a single background
// goroutine that events are sent to over channels — grounded on
// steveyegge-beads' FlushManager (cmd/bd/flush_manager.go): one
// goroutine owns the timer, callers never touch it directly, so there
// are no races over when the next wake fires.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/edgebridge/relay/internal/model"
	"github.com/edgebridge/relay/internal/sendadapter"
	"github.com/edgebridge/relay/internal/store"
	"github.com/edgebridge/relay/internal/telemetry"
)

const (
	maxWakeInterval = 60 * time.Second
	minWakeFloor    = 10 * time.Millisecond
	fireLeadTime    = 100 * time.Millisecond
)

// Scheduler is the public handle. Row reads/writes go straight to the
// store (sqlite already serializes them); only the wake timer itself is
// single-owner state, touched exclusively inside run().
type Scheduler struct {
	logger    *slog.Logger
	rows      *rowStore
	sender    *sendadapter.Adapter
	telemetry *telemetry.Recorder

	recomputeCh chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

func New(s *store.Store, sender *sendadapter.Adapter, rec *telemetry.Recorder, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		logger:      logger,
		rows:        newRowStore(s),
		sender:      sender,
		telemetry:   rec,
		recomputeCh: make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start launches the single owner goroutine (§4.9 start/stop).
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.run(ctx)
	})
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
	})
}

// Schedule persists a new pending entry and wakes the owner goroutine to
// recompute its timer if this entry is now the earliest.
func (s *Scheduler) Schedule(ctx context.Context, threadID, text string, sendAt time.Time, isGroup bool, commandID string) (string, error) {
	entry := model.ScheduledEntry{
		ThreadID:    threadID,
		MessageText: text,
		SendAt:      sendAt,
		IsGroup:     isGroup,
		CommandID:   commandID,
	}
	if err := s.rows.insert(ctx, entry); err != nil {
		return "", err
	}
	s.nudgeRecompute()
	if s.telemetry != nil {
		s.telemetry.Emit(ctx, telemetry.EventMessageScheduled)
	}
	return entry.ID, nil
}

// Cancel cancels a pending entry, returning false if it was not pending.
func (s *Scheduler) Cancel(ctx context.Context, id string) (bool, error) {
	ok, err := s.rows.cancel(ctx, id)
	if err == nil && ok {
		s.nudgeRecompute()
	}
	return ok, err
}

func (s *Scheduler) Get(ctx context.Context, id string) (model.ScheduledEntry, bool, error) {
	return s.rows.get(ctx, id)
}

func (s *Scheduler) ListPending(ctx context.Context) ([]model.ScheduledEntry, error) {
	return s.rows.listPending(ctx)
}

func (s *Scheduler) Stats(ctx context.Context) (model.SchedulerStats, error) {
	return s.rows.stats(ctx)
}

func (s *Scheduler) nudgeRecompute() {
	select {
	case s.recomputeCh <- struct{}{}:
	default:
	}
}

// run is the single goroutine owning the wake timer (§4.9 adaptive wake
// algorithm). No mutex: every piece of timer state below is touched only
// from this loop.
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	timer := time.NewTimer(s.nextWake(ctx))
	defer timer.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return

		case <-timer.C:
			s.sweep(ctx)
			timer.Reset(s.nextWake(ctx))

		case <-s.recomputeCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.nextWake(ctx))
		}
	}
}

// nextWake computes the adaptive delay until the next sweep, per §4.9.
func (s *Scheduler) nextWake(ctx context.Context) time.Duration {
	earliest, found, err := s.rows.earliestPendingSendAt(ctx)
	if err != nil {
		s.logger.Error("scheduler: failed to query earliest pending entry", "error", err)
		return maxWakeInterval
	}
	if !found {
		return maxWakeInterval
	}

	delta := time.Until(earliest) - fireLeadTime
	if delta <= 0 {
		return minWakeFloor
	}
	if delta > maxWakeInterval {
		return maxWakeInterval
	}
	return delta
}

// sweep executes the atomic-claim pass of §4.9.
func (s *Scheduler) sweep(ctx context.Context) {
	now := time.Now()
	due, err := s.rows.dueNow(ctx, now)
	if err != nil {
		s.logger.Error("scheduler: sweep query failed", "error", err)
		return
	}

	for _, entry := range due {
		claimed, err := s.rows.claim(ctx, entry.ID)
		if err != nil {
			s.logger.Error("scheduler: claim failed", "id", entry.ID, "error", err)
			continue
		}
		if !claimed {
			continue // lost the race to a concurrent sweep; model.ErrRaceSkipped, not an error
		}

		actual := time.Now()
		ok, err := s.sender.SendSingle(ctx, entry.ThreadID, entry.MessageText, entry.IsGroup)
		success := err == nil && ok
		if !success {
			errMsg := "send returned false"
			if err != nil {
				errMsg = err.Error()
			}
			if markErr := s.rows.markFailed(ctx, entry.ID, errMsg); markErr != nil {
				s.logger.Error("scheduler: failed to record send failure", "id", entry.ID, "error", markErr)
			}
		}

		if s.telemetry != nil {
			s.telemetry.Emit(ctx, telemetry.EventScheduleExecuted)
		}
		s.logger.Info("scheduler: sweep executed entry",
			"id", entry.ID, "scheduled", entry.SendAt, "actual", actual,
			"latency_ms", actual.Sub(entry.SendAt).Milliseconds(), "success", success)
	}
}
