package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"pixivbot/internal/model"
	"pixivbot/internal/storage"
)

// NameUpdateEngine periodically refreshes the author display name cached
// in each Author Task's latest_data. It never touches latest_illust_id and
// never produces deliveries.
type NameUpdateEngine struct {
	repo   storage.Repo
	client sourceClient
}

// NewNameUpdateEngine returns a NameUpdateEngine.
func NewNameUpdateEngine(repo storage.Repo, client sourceClient) *NameUpdateEngine {
	return &NameUpdateEngine{repo: repo, client: client}
}

// Execute refreshes every Author Task's cached display name. task is
// ignored; NameUpdateEngine sweeps all Author Tasks on its own schedule
// rather than being dispatched for a single due task.
func (e *NameUpdateEngine) Execute(ctx context.Context, _ *model.Task) error {
	tasks, err := e.repo.ListAuthorTasks(ctx)
	if err != nil {
		return fmt.Errorf("list author tasks: %w", err)
	}

	for _, task := range tasks {
		authorID, err := strconv.ParseInt(task.Value, 10, 64)
		if err != nil {
			slog.Warn("name update: bad author id", "task_id", task.ID, "value", task.Value)
			continue
		}

		profile, err := e.client.UserDetail(ctx, authorID)
		if err != nil {
			slog.Warn("name update: fetch user detail failed", "task_id", task.ID, "error", err)
			continue
		}
		if profile.Name == task.LatestData.AuthorName {
			continue
		}

		updated := task.LatestData
		updated.AuthorName = profile.Name
		if err := e.repo.SetLatestData(ctx, task.ID, updated); err != nil {
			slog.Warn("name update: persist failed", "task_id", task.ID, "error", err)
		}
	}
	return nil
}
