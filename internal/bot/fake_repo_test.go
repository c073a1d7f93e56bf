package bot

import (
	"context"
	"sync"
	"time"

	"pixivbot/internal/errkind"
	"pixivbot/internal/model"
)

// fakeRepo is a minimal in-memory storage.Repo double for bot package tests.
type fakeRepo struct {
	mu sync.Mutex

	chats    map[int64]*model.Chat
	users    map[int64]*model.User
	settings map[int64]*model.ChatSettings
	tasks    map[int64]*model.Task
	nextTask int64
	subs     map[int64]*model.Subscription
	nextSub  int64
	messages map[[2]int64]int64 // (chatID, messageID) -> subscriptionID
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		chats:    make(map[int64]*model.Chat),
		users:    make(map[int64]*model.User),
		settings: make(map[int64]*model.ChatSettings),
		tasks:    make(map[int64]*model.Task),
		subs:     make(map[int64]*model.Subscription),
		messages: make(map[[2]int64]int64),
	}
}

func (r *fakeRepo) UpsertChat(_ context.Context, id int64, kind model.ChatKind, title string, defaultEnabled bool) (*model.Chat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.chats[id]; ok {
		return c, nil
	}
	c := &model.Chat{ID: id, Kind: kind, Title: title, Enabled: defaultEnabled}
	r.chats[id] = c
	return c, nil
}

func (r *fakeRepo) SetChatEnabled(_ context.Context, chatID int64, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chats[chatID]
	if !ok {
		c = &model.Chat{ID: chatID}
		r.chats[chatID] = c
	}
	c.Enabled = enabled
	return nil
}

func (r *fakeRepo) GetChat(_ context.Context, chatID int64) (*model.Chat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chats[chatID], nil
}

func (r *fakeRepo) UpsertUser(_ context.Context, id int64, username string, defaultRole model.Role) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		return u, nil
	}
	u := &model.User{ID: id, Username: username, Role: defaultRole}
	r.users[id] = u
	return u, nil
}

func (r *fakeRepo) GetUser(_ context.Context, id int64) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users[id], nil
}

func (r *fakeRepo) SetUserRole(_ context.Context, id int64, role model.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		u = &model.User{ID: id}
		r.users[id] = u
	}
	u.Role = role
	return nil
}

func (r *fakeRepo) GetChatSettings(_ context.Context, chatID int64) (*model.ChatSettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.settings[chatID]; ok {
		clone := *s
		return &clone, nil
	}
	return &model.ChatSettings{ChatID: chatID, BlurSensitive: true}, nil
}

func (r *fakeRepo) SetChatSettings(_ context.Context, s *model.ChatSettings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *s
	r.settings[s.ChatID] = &clone
	return nil
}

func (r *fakeRepo) UpsertTaskByKindValue(_ context.Context, kind model.TaskKind, value string, intervalSec, createdBy int64) (*model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tasks {
		if t.Kind == kind && t.Value == value {
			return t, nil
		}
	}
	r.nextTask++
	t := &model.Task{ID: r.nextTask, Kind: kind, Value: value, IntervalSec: intervalSec, CreatedBy: createdBy}
	r.tasks[t.ID] = t
	return t, nil
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

func (r *fakeRepo) NextDueTask(context.Context, time.Time) (*model.Task, error) { return nil, nil }

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
	var out []model.Subscription
	for _, s := range r.subs {
		if s.TaskID == taskID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *fakeRepo) ListAuthorTasks(context.Context) ([]model.Task, error) { return nil, nil }

func (r *fakeRepo) UpsertSubscription(_ context.Context, chatID, taskID int64, filter model.TagFilter) (*model.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.ChatID == chatID && s.TaskID == taskID {
			s.Filter = s.Filter.Merge(filter)
			return s, nil
		}
	}
	r.nextSub++
	s := &model.Subscription{ID: r.nextSub, ChatID: chatID, TaskID: taskID, Filter: filter}
	r.subs[s.ID] = s
	return s, nil
}

func (r *fakeRepo) DeleteSubscription(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, id)
	return nil
}

func (r *fakeRepo) DeleteSubscriptionByChatAndTask(_ context.Context, chatID, taskID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.subs {
		if s.ChatID == chatID && s.TaskID == taskID {
			delete(r.subs, id)
		}
	}
	return nil
}

func (r *fakeRepo) ListForChat(_ context.Context, chatID int64) ([]model.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Subscription
	for _, s := range r.subs {
		if s.ChatID == chatID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *fakeRepo) GetSubscription(_ context.Context, id int64) (*model.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[id]
	if !ok {
		return nil, errkind.ErrNotFound
	}
	clone := *s
	return &clone, nil
}

func (r *fakeRepo) SetPending(_ context.Context, subscriptionID int64, pending *model.PendingDelivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.subs[subscriptionID]; ok {
		s.Pending = pending
	}
	return nil
}

func (r *fakeRepo) ClearPending(_ context.Context, subscriptionID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.subs[subscriptionID]; ok {
		s.Pending = nil
	}
	return nil
}

func (r *fakeRepo) SaveMessage(_ context.Context, chatID, messageID, subscriptionID int64, illustID *int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[[2]int64{chatID, messageID}] = subscriptionID
	return nil
}

func (r *fakeRepo) FindSubscriptionByMessage(_ context.Context, chatID, messageID int64) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.messages[[2]int64{chatID, messageID}]
	return id, ok, nil
}

func (r *fakeRepo) Close() error { return nil }
