// Package scheduler drives the single polling tick loop: at most one task
// executes at a time, chosen by earliest next_poll_at, under a global
// inter-request pacing budget.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"pixivbot/internal/model"
	"pixivbot/internal/storage"
)

// Engine executes one due Task of a particular kind.
type Engine interface {
	Execute(ctx context.Context, task *model.Task) error
}

// Config controls tick pacing and per-task interval randomization. Pacing of
// outgoing source requests lives in source.Client, not here: a tick may fan
// out into many requests (one list call plus N image downloads), and only
// the Client sees every one of them regardless of which engine issued it.
type Config struct {
	TickInterval       time.Duration
	MinTaskInterval    time.Duration
	MaxTaskInterval    time.Duration
	NameUpdateInterval time.Duration
}

// Scheduler owns the single execution slot and dispatches due tasks to the
// engine registered for their kind.
type Scheduler struct {
	repo    storage.Repo
	engines map[model.TaskKind]Engine
	cfg     Config

	lastNameSweep time.Time
}

// New returns a Scheduler backed by repo, dispatching Author and Ranking
// tasks to their engines.
func New(repo storage.Repo, authorEngine, rankingEngine Engine, cfg Config) *Scheduler {
	return &Scheduler{
		repo: repo,
		engines: map[model.TaskKind]Engine{
			model.TaskAuthor:  authorEngine,
			model.TaskRanking: rankingEngine,
		},
		cfg: cfg,
	}
}

// Run blocks, driving the tick loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, nameUpdate Engine) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		s.maybeRunNameUpdate(ctx, nameUpdate)

		ran, err := s.tick(ctx)
		if err != nil {
			slog.Error("scheduler tick failed", "error", err)
		}
		if ran {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick fetches the single earliest due task, reschedules it before
// execution, and dispatches it to its engine. It reports whether a task
// ran so Run can skip the idle sleep.
func (s *Scheduler) tick(ctx context.Context) (bool, error) {
	task, err := s.repo.NextDueTask(ctx, time.Now())
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	next := time.Now().Add(jitter(s.cfg.MinTaskInterval, s.cfg.MaxTaskInterval))
	if err := s.repo.SetNextPollAt(ctx, task.ID, next); err != nil {
		return true, err
	}

	engine, ok := s.engines[task.Kind]
	if !ok {
		slog.Warn("no engine registered for task kind", "kind", task.Kind, "task_id", task.ID)
		return true, nil
	}

	if err := engine.Execute(ctx, task); err != nil {
		slog.Error("task execution failed", "task_id", task.ID, "kind", task.Kind, "error", err)
	}
	return true, nil
}

func (s *Scheduler) maybeRunNameUpdate(ctx context.Context, nameUpdate Engine) {
	if nameUpdate == nil || s.cfg.NameUpdateInterval <= 0 {
		return
	}
	if time.Since(s.lastNameSweep) < s.cfg.NameUpdateInterval {
		return
	}
	s.lastNameSweep = time.Now()
	if err := nameUpdate.Execute(ctx, nil); err != nil {
		slog.Error("name update sweep failed", "error", err)
	}
}

func jitter(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}
