// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package annolite

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mobiletoly/go-annosync/annosync"
	"github.com/sethvargo/go-retry"
)

// State is the Sync Scheduler state.
type State int32

const (
	StateIdle State = iota
	StateScheduled
	StateSyncing
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateSyncing:
		return "syncing"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

type trigger int

const (
	triggerOnline trigger = iota
	triggerOffline
	triggerSyncNow
)

type batchDone struct {
	epoch    uint64
	batch    []Operation
	outcomes []annosync.OperationOutcome
	err      error
	release  func()
}

// Scheduler is the background control loop deciding when a batch is submitted. All state
// below the channels is owned by the loop goroutine.
type Scheduler struct {
	rec      *Reconciler
	log      *OpLog
	status   *Publisher
	interval time.Duration
	backoff  backoffPolicy
	logger   *slog.Logger
	onState  func(State)

	triggers chan trigger
	done     chan batchDone
	stopped  chan struct{}
	state    atomic.Int32
	online   atomic.Bool

	epoch   uint64
	cancel  context.CancelFunc
	retries retry.Backoff
	timer   *time.Timer
	timerC  <-chan time.Time
}

func newScheduler(rec *Reconciler, log *OpLog, status *Publisher, cfg *Config) *Scheduler {
	return &Scheduler{
		rec:      rec,
		log:      log,
		status:   status,
		interval: cfg.SyncInterval,
		backoff:  backoffPolicy{min: cfg.BackoffMin, max: cfg.BackoffMax, jitter: cfg.JitterPercent},
		logger:   cfg.Logger,
		triggers: make(chan trigger, 16),
		done:     make(chan batchDone),
		stopped:  make(chan struct{}),
	}
}

// State returns the current scheduler state.
func (s *Scheduler) State() State { return State(s.state.Load()) }

// SetOnline delivers a connectivity transition.
func (s *Scheduler) SetOnline(online bool) {
	if online {
		s.send(triggerOnline)
	} else {
		s.send(triggerOffline)
	}
}

// SyncNow cancels any backoff and submits a batch immediately when online.
func (s *Scheduler) SyncNow() { s.send(triggerSyncNow) }

func (s *Scheduler) send(t trigger) {
	select {
	case s.triggers <- t:
	case <-s.stopped:
	}
}

func (s *Scheduler) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev == st {
		return
	}
	s.logger.Debug("Sync scheduler state", "state", st.String())
	switch {
	case st == StateSyncing:
		s.status.beginSync()
	case prev == StateSyncing:
		s.status.endSync()
	}
	if s.onState != nil {
		s.onState(st)
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.stopped)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.abandon()
			s.stopTimer()
			s.setState(StateIdle)
			return
		case t := <-s.triggers:
			s.handle(ctx, t)
		case <-ticker.C:
			if s.online.Load() && s.State() == StateIdle {
				s.schedule(ctx)
			}
		case <-s.timerC:
			s.timerC = nil
			if s.online.Load() && s.State() == StateBackoff {
				s.schedule(ctx)
			}
		case res := <-s.done:
			s.finish(ctx, res)
		}
	}
}

func (s *Scheduler) handle(ctx context.Context, t trigger) {
	switch t {
	case triggerOffline:
		s.online.Store(false)
		s.abandon()
		s.stopTimer()
		s.setState(StateIdle)
	case triggerOnline:
		if !s.online.Swap(true) {
			if n, err := s.log.ReviveFailed(ctx); err != nil {
				s.logger.Error("Failed to revive failed operations", "error", err)
			} else if n > 0 {
				s.logger.Info("Revived failed operations on reconnect", "count", n)
			}
		}
		if st := s.State(); st == StateIdle || st == StateBackoff {
			s.stopTimer()
			s.schedule(ctx)
		}
	case triggerSyncNow:
		if !s.online.Load() {
			s.logger.Debug("Sync requested while offline; ignoring")
			return
		}
		if st := s.State(); st == StateIdle || st == StateBackoff {
			s.stopTimer()
			s.schedule(ctx)
		}
	}
}

// schedule moves to Scheduled and starts one batch. The network call runs on its own
// goroutine; its result comes back through s.done.
func (s *Scheduler) schedule(ctx context.Context) {
	s.setState(StateScheduled)

	release, ok := s.rec.tryAcquire()
	if !ok {
		// A manual SyncOnce holds the slot; come back shortly.
		s.arm(s.backoff.min)
		return
	}
	batch, err := s.log.NextBatch(ctx, s.rec.BatchSize())
	if err != nil {
		release()
		s.logger.Error("Failed to read next batch", "error", err)
		s.enterBackoff()
		return
	}
	if len(batch) == 0 {
		release()
		s.resetBackoff()
		s.idleOrWait(ctx)
		return
	}

	s.epoch++
	epoch := s.epoch
	callCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.setState(StateSyncing)

	go func() {
		outcomes, err := s.rec.Send(callCtx, batch)
		cancel()
		select {
		case s.done <- batchDone{epoch: epoch, batch: batch, outcomes: outcomes, err: err, release: release}:
		case <-ctx.Done():
			release()
		}
	}()
}

func (s *Scheduler) finish(ctx context.Context, res batchDone) {
	if res.epoch != s.epoch || s.State() != StateSyncing {
		// Abandoned call: its operations stay sent and are resubmitted with the same keys.
		res.release()
		s.logger.Debug("Discarding response of abandoned batch", "operations", len(res.batch))
		return
	}
	s.cancel = nil

	result, err := s.rec.apply(ctx, res.batch, res.outcomes, res.err)
	res.release()
	if err != nil {
		s.logger.Error("Failed to apply batch outcomes", "error", err)
		s.enterBackoff()
		return
	}
	if result.Transient > 0 {
		s.enterBackoff()
		return
	}
	s.resetBackoff()

	eligible, err := s.log.Eligible(ctx)
	if err != nil {
		s.logger.Error("Failed to count eligible operations", "error", err)
		s.setState(StateIdle)
		return
	}
	if eligible > 0 {
		s.schedule(ctx)
		return
	}
	s.idleOrWait(ctx)
}

// idleOrWait goes Idle, or waits in Backoff until the earliest rescheduled operation is due.
func (s *Scheduler) idleOrWait(ctx context.Context) {
	next, err := s.log.NextAttempt(ctx)
	if err != nil {
		s.logger.Error("Failed to query next attempt", "error", err)
	}
	if next == nil {
		s.stopTimer()
		s.setState(StateIdle)
		return
	}
	d := next.Sub(s.log.clock())
	if d < s.backoff.min {
		d = s.backoff.min
	}
	s.arm(d)
}

func (s *Scheduler) abandon() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.epoch++
}

func (s *Scheduler) enterBackoff() {
	if s.retries == nil {
		s.retries = s.backoff.newBackoff()
	}
	d, _ := s.retries.Next()
	s.logger.Debug("Sync backing off", "delay", d)
	s.arm(d)
}

func (s *Scheduler) resetBackoff() { s.retries = nil }

func (s *Scheduler) arm(d time.Duration) {
	s.stopTimer()
	s.timer = time.NewTimer(d)
	s.timerC = s.timer.C
	s.setState(StateBackoff)
}

func (s *Scheduler) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerC = nil
}
