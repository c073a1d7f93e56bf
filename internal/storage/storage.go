// Package storage defines the persistence interface and its SQLite
// implementation.
package storage

import (
	"context"
	"time"

	"pixivbot/internal/model"
)

// Repo is the interface for all persistence operations. Every operation is
// safe for concurrent use; mutability lives entirely inside the database.
type Repo interface {
	// Chat
	UpsertChat(ctx context.Context, id int64, kind model.ChatKind, title string, defaultEnabled bool) (*model.Chat, error)
	SetChatEnabled(ctx context.Context, chatID int64, enabled bool) error
	GetChat(ctx context.Context, chatID int64) (*model.Chat, error)

	// User
	UpsertUser(ctx context.Context, id int64, username string, defaultRole model.Role) (*model.User, error)
	GetUser(ctx context.Context, id int64) (*model.User, error)
	SetUserRole(ctx context.Context, id int64, role model.Role) error

	// ChatSettings
	GetChatSettings(ctx context.Context, chatID int64) (*model.ChatSettings, error)
	SetChatSettings(ctx context.Context, settings *model.ChatSettings) error

	// Task
	UpsertTaskByKindValue(ctx context.Context, kind model.TaskKind, value string, intervalSec int64, createdBy int64) (*model.Task, error)
	SetNextPollAt(ctx context.Context, taskID int64, next time.Time) error
	SetLatestData(ctx context.Context, taskID int64, data model.TaskLatestData) error
	NextDueTask(ctx context.Context, now time.Time) (*model.Task, error)
	GetTask(ctx context.Context, taskID int64) (*model.Task, error)
	ActiveSubscriptionsFor(ctx context.Context, taskID int64) ([]model.Subscription, error)
	ListAuthorTasks(ctx context.Context) ([]model.Task, error)

	// Subscription
	UpsertSubscription(ctx context.Context, chatID, taskID int64, filter model.TagFilter) (*model.Subscription, error)
	DeleteSubscription(ctx context.Context, id int64) error
	DeleteSubscriptionByChatAndTask(ctx context.Context, chatID, taskID int64) error
	ListForChat(ctx context.Context, chatID int64) ([]model.Subscription, error)
	GetSubscription(ctx context.Context, id int64) (*model.Subscription, error)
	SetPending(ctx context.Context, subscriptionID int64, pending *model.PendingDelivery) error
	ClearPending(ctx context.Context, subscriptionID int64) error

	// Message (reply-based unsubscribe)
	SaveMessage(ctx context.Context, chatID, messageID, subscriptionID int64, illustID *int64) error
	FindSubscriptionByMessage(ctx context.Context, chatID, messageID int64) (int64, bool, error)

	Close() error
}
