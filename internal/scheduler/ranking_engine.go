package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"pixivbot/internal/errkind"
	"pixivbot/internal/fsm"
	"pixivbot/internal/model"
	"pixivbot/internal/source"
	"pixivbot/internal/storage"
)

// RankingEngine polls one ranking mode and, when its date advances, pushes
// the top-N works to every subscriber.
type RankingEngine struct {
	repo   storage.Repo
	client sourceClient
	fsm    *fsm.FSM
	topN   int
}

// NewRankingEngine returns a RankingEngine delivering the top topN works
// per ranking advance.
func NewRankingEngine(repo storage.Repo, client sourceClient, f *fsm.FSM, topN int) *RankingEngine {
	return &RankingEngine{repo: repo, client: client, fsm: f, topN: topN}
}

func rankingModeFor(value string) (source.RankingMode, error) {
	switch model.RankingMode(value) {
	case model.RankingDaily:
		return source.RankingDay, nil
	case model.RankingWeekly:
		return source.RankingWeek, nil
	case model.RankingMonthly:
		return source.RankingMonth, nil
	default:
		return "", fmt.Errorf("%w: unknown ranking mode %q", errkind.ErrParseInput, value)
	}
}

// Execute implements Engine.
func (e *RankingEngine) Execute(ctx context.Context, task *model.Task) error {
	mode, err := rankingModeFor(task.Value)
	if err != nil {
		return err
	}

	page, err := e.client.Ranking(ctx, mode, "")
	if err != nil {
		return fmt.Errorf("fetch ranking: %w", err)
	}

	if page.Date == "" || page.Date <= task.LatestData.Date {
		return nil
	}

	top := page.Works
	if len(top) > e.topN {
		top = top[:e.topN]
	}

	subs, err := e.repo.ActiveSubscriptionsFor(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("active subscriptions: %w", err)
	}

	allTerminal := true
	for _, sub := range subs {
		settings, err := e.repo.GetChatSettings(ctx, sub.ChatID)
		if err != nil {
			slog.Error("get chat settings", "chat_id", sub.ChatID, "error", err)
			allTerminal = false
			continue
		}

		for _, w := range top {
			if !sub.Filter.Passes(w.Tags) {
				continue
			}
			result := e.fsm.Process(ctx, sub, w, *settings)
			if err := e.applyResult(ctx, sub, w.ID, result); err != nil {
				slog.Error("apply fsm result", "subscription_id", sub.ID, "error", err)
			}
			if !result.AdvanceWatermark {
				allTerminal = false
				// A held result (Partial/Failure) carries this work's
				// PendingDelivery; feeding sub further works here would
				// overwrite it with their own pending state before this one
				// is ever resumed, so stop this subscriber's loop for the
				// remainder of the task run.
				break
			}
		}
	}

	if allTerminal {
		if err := e.repo.SetLatestData(ctx, task.ID, model.TaskLatestData{Date: page.Date}); err != nil {
			return fmt.Errorf("advance ranking watermark: %w", err)
		}
	}
	return nil
}

func (e *RankingEngine) applyResult(ctx context.Context, sub model.Subscription, workID int64, result fsm.Result) error {
	if result.Pending != nil {
		return e.repo.SetPending(ctx, sub.ID, result.Pending)
	}
	if err := e.repo.ClearPending(ctx, sub.ID); err != nil {
		return err
	}
	if result.Outcome == fsm.Success && result.FirstMessageID != 0 {
		illustID := workID
		if err := e.repo.SaveMessage(ctx, sub.ChatID, result.FirstMessageID, sub.ID, &illustID); err != nil {
			return err
		}
	}
	return nil
}
