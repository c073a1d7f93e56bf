package scheduler

import (
	"context"
	"sync"
	"time"

	"pixivbot/internal/errkind"
	"pixivbot/internal/model"
)

// fakeRepo is an in-memory storage.Repo double used only for scheduler tests.
type fakeRepo struct {
	mu            sync.Mutex
	tasks         map[int64]*model.Task
	subsByTask    map[int64][]model.Subscription
	settings      map[int64]*model.ChatSettings
	setPendingLog []int64
	savedMessages []savedMessage
}

type savedMessage struct {
	chatID         int64
	messageID      int64
	subscriptionID int64
	illustID       *int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		tasks:      make(map[int64]*model.Task),
		subsByTask: make(map[int64][]model.Subscription),
		settings:   make(map[int64]*model.ChatSettings),
	}
}

func (r *fakeRepo) addTask(task *model.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.ID] = task
}

func (r *fakeRepo) addSubscription(taskID int64, sub model.Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subsByTask[taskID] = append(r.subsByTask[taskID], sub)
}

func (r *fakeRepo) UpsertChat(context.Context, int64, model.ChatKind, string, bool) (*model.Chat, error) {
	return nil, nil
}
func (r *fakeRepo) SetChatEnabled(context.Context, int64, bool) error { return nil }
func (r *fakeRepo) GetChat(context.Context, int64) (*model.Chat, error) { return nil, nil }

func (r *fakeRepo) UpsertUser(context.Context, int64, string, model.Role) (*model.User, error) {
	return nil, nil
}
func (r *fakeRepo) GetUser(context.Context, int64) (*model.User, error) { return nil, nil }
func (r *fakeRepo) SetUserRole(context.Context, int64, model.Role) error { return nil }

func (r *fakeRepo) GetChatSettings(_ context.Context, chatID int64) (*model.ChatSettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.settings[chatID]; ok {
		return s, nil
	}
	return &model.ChatSettings{ChatID: chatID, BlurSensitive: true}, nil
}
func (r *fakeRepo) SetChatSettings(_ context.Context, s *model.ChatSettings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings[s.ChatID] = s
	return nil
}

func (r *fakeRepo) UpsertTaskByKindValue(context.Context, model.TaskKind, string, int64, int64) (*model.Task, error) {
	return nil, nil
}
func (r *fakeRepo) SetNextPollAt(_ context.Context, taskID int64, next time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[taskID]; ok {
		t.NextPollAt = next
	}
	return nil
}
func (r *fakeRepo) SetLatestData(_ context.Context, taskID int64, data model.TaskLatestData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[taskID]; ok {
		t.LatestData = data
	}
	return nil
}
func (r *fakeRepo) NextDueTask(_ context.Context, now time.Time) (*model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var earliest *model.Task
	for _, t := range r.tasks {
		if t.NextPollAt.After(now) {
			continue
		}
		if earliest == nil || t.NextPollAt.Before(earliest.NextPollAt) {
			earliest = t
		}
	}
	if earliest == nil {
		return nil, nil
	}
	clone := *earliest
	return &clone, nil
}
func (r *fakeRepo) GetTask(_ context.Context, taskID int64) (*model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, errkind.ErrNotFound
	}
	clone := *t
	return &clone, nil
}
func (r *fakeRepo) ActiveSubscriptionsFor(_ context.Context, taskID int64) ([]model.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subsByTask[taskID], nil
}
func (r *fakeRepo) ListAuthorTasks(_ context.Context) ([]model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Task
	for _, t := range r.tasks {
		if t.Kind == model.TaskAuthor {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (r *fakeRepo) UpsertSubscription(context.Context, int64, int64, model.TagFilter) (*model.Subscription, error) {
	return nil, nil
}
func (r *fakeRepo) DeleteSubscription(context.Context, int64) error                  { return nil }
func (r *fakeRepo) DeleteSubscriptionByChatAndTask(context.Context, int64, int64) error { return nil }
func (r *fakeRepo) ListForChat(context.Context, int64) ([]model.Subscription, error) { return nil, nil }
func (r *fakeRepo) GetSubscription(context.Context, int64) (*model.Subscription, error) {
	return nil, nil
}
func (r *fakeRepo) SetPending(_ context.Context, subscriptionID int64, pending *model.PendingDelivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setPendingLog = append(r.setPendingLog, subscriptionID)
	for taskID, subs := range r.subsByTask {
		for i := range subs {
			if subs[i].ID == subscriptionID {
				r.subsByTask[taskID][i].Pending = pending
			}
		}
	}
	return nil
}
func (r *fakeRepo) ClearPending(_ context.Context, subscriptionID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for taskID, subs := range r.subsByTask {
		for i := range subs {
			if subs[i].ID == subscriptionID {
				r.subsByTask[taskID][i].Pending = nil
			}
		}
	}
	return nil
}

func (r *fakeRepo) SaveMessage(_ context.Context, chatID, messageID, subscriptionID int64, illustID *int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.savedMessages = append(r.savedMessages, savedMessage{chatID, messageID, subscriptionID, illustID})
	return nil
}
func (r *fakeRepo) FindSubscriptionByMessage(context.Context, int64, int64) (int64, bool, error) {
	return 0, false, nil
}
func (r *fakeRepo) Close() error { return nil }
