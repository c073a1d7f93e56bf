package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"pixivbot/internal/fsm"
	"pixivbot/internal/model"
	"pixivbot/internal/source"
	"pixivbot/internal/storage"
)

// sourceClient is the subset of source.Client the engines call.
type sourceClient interface {
	ListAuthorWorks(ctx context.Context, authorID int64, offset int) ([]source.Work, error)
	Ranking(ctx context.Context, mode source.RankingMode, date string) (source.RankingPage, error)
	UserDetail(ctx context.Context, userID int64) (source.UserProfile, error)
}

// AuthorEngine polls one author's latest works and delivers every work
// newer than the task's watermark to each subscriber.
type AuthorEngine struct {
	repo   storage.Repo
	client sourceClient
	fsm    *fsm.FSM
}

// NewAuthorEngine returns an AuthorEngine.
func NewAuthorEngine(repo storage.Repo, client sourceClient, f *fsm.FSM) *AuthorEngine {
	return &AuthorEngine{repo: repo, client: client, fsm: f}
}

// Execute implements Engine.
func (e *AuthorEngine) Execute(ctx context.Context, task *model.Task) error {
	authorID, err := strconv.ParseInt(task.Value, 10, 64)
	if err != nil {
		return fmt.Errorf("parse author id %q: %w", task.Value, err)
	}

	works, err := e.client.ListAuthorWorks(ctx, authorID, 0)
	if err != nil {
		return fmt.Errorf("list author works: %w", err)
	}

	watermark := task.LatestData.LatestIllustID
	firstObservation := watermark == 0

	var newWorks []source.Work
	maxID := watermark
	for _, w := range works {
		if w.ID > maxID {
			maxID = w.ID
		}
		if w.ID > watermark {
			newWorks = append(newWorks, w)
		}
	}
	sort.Slice(newWorks, func(i, j int) bool { return newWorks[i].ID < newWorks[j].ID })

	if firstObservation {
		// First poll after subscription: seed the watermark from the
		// current top work, no historical backfill.
		return e.repo.SetLatestData(ctx, task.ID, model.TaskLatestData{
			LatestIllustID: maxID,
			AuthorName:     task.LatestData.AuthorName,
		})
	}

	subs, err := e.repo.ActiveSubscriptionsFor(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("active subscriptions: %w", err)
	}

	advanced := watermark
	for _, w := range newWorks {
		if !e.processWorkForAllSubscribers(ctx, subs, w) {
			break
		}
		advanced = w.ID
	}

	if advanced != watermark {
		if err := e.repo.SetLatestData(ctx, task.ID, model.TaskLatestData{
			LatestIllustID: advanced,
			AuthorName:     task.LatestData.AuthorName,
		}); err != nil {
			return fmt.Errorf("advance watermark: %w", err)
		}
	}
	return nil
}

// processWorkForAllSubscribers delivers w to every subscriber and reports
// whether every subscriber reached a terminal state that lets the
// watermark advance past w. A held watermark (Partial/Failure with budget
// remaining) stops processing of later works in this tick.
func (e *AuthorEngine) processWorkForAllSubscribers(ctx context.Context, subs []model.Subscription, w source.Work) bool {
	allAdvanced := true
	for _, sub := range subs {
		settings, err := e.repo.GetChatSettings(ctx, sub.ChatID)
		if err != nil {
			slog.Error("get chat settings", "chat_id", sub.ChatID, "error", err)
			allAdvanced = false
			continue
		}

		result := e.fsm.Process(ctx, sub, w, *settings)
		if err := e.applyResult(ctx, sub, w.ID, result); err != nil {
			slog.Error("apply fsm result", "subscription_id", sub.ID, "error", err)
		}
		if !result.AdvanceWatermark {
			allAdvanced = false
		}
	}
	return allAdvanced
}

func (e *AuthorEngine) applyResult(ctx context.Context, sub model.Subscription, workID int64, result fsm.Result) error {
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
