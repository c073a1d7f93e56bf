// Package model defines the domain types shared across the bot.
package model

import "time"

// Role is a user's authorization level.
type Role string

// Supported roles, ordered by privilege.
const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
	RoleOwner Role = "owner"
)

// IsAdmin reports whether the role has at least Admin privileges.
func (r Role) IsAdmin() bool {
	return r == RoleAdmin || r == RoleOwner
}

// User is a chat-platform account known to the bot.
type User struct {
	ID        int64
	Username  string
	Role      Role
	CreatedAt time.Time
}

// ChatKind is the kind of chat-platform conversation.
type ChatKind string

// Supported chat kinds.
const (
	ChatPrivate    ChatKind = "private"
	ChatGroup      ChatKind = "group"
	ChatSupergroup ChatKind = "supergroup"
	ChatChannel    ChatKind = "channel"
)

// Chat is a chat-platform conversation the bot has observed.
type Chat struct {
	ID        int64
	Kind      ChatKind
	Title     string
	Enabled   bool
	CreatedAt time.Time
}

// ChatSettings holds per-chat content preferences.
type ChatSettings struct {
	ChatID         int64
	BlurSensitive  bool
	SensitiveTags  []string
	ExcludedTags   []string
}

// TaskKind distinguishes what a Task polls.
type TaskKind string

// Supported task kinds.
const (
	TaskAuthor  TaskKind = "author"
	TaskRanking TaskKind = "ranking"
)

// RankingMode is the period a ranking Task tracks.
type RankingMode string

// Supported ranking modes.
const (
	RankingDaily   RankingMode = "daily"
	RankingWeekly  RankingMode = "weekly"
	RankingMonthly RankingMode = "monthly"
)

// TaskLatestData is the opaque per-kind watermark stored on a Task.
//
// For TaskAuthor, LatestIllustID is the highest work id fully delivered to
// every subscriber. For TaskRanking, Date is the last ranking date that has
// been pushed to every subscriber. AuthorName caches the source display name
// refreshed by NameUpdateEngine.
type TaskLatestData struct {
	LatestIllustID int64  `json:"latest_illust_id,omitempty"`
	Date           string `json:"date,omitempty"`
	AuthorName     string `json:"author_name,omitempty"`
}

// Task is one distinct polling target, shared across all Subscriptions that
// point at the same (Kind, Value) pair.
type Task struct {
	ID           int64
	Kind         TaskKind
	Value        string
	IntervalSec  int64
	NextPollAt   time.Time
	LastPolledAt *time.Time
	LatestData   TaskLatestData
	CreatedBy    int64
	UpdatedBy    int64
}

// TagFilter is a flat include/exclude predicate over a work's tag set.
type TagFilter struct {
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

// PendingDelivery is durable bookkeeping for a partially-delivered work.
type PendingDelivery struct {
	IllustID   int64 `json:"illust_id"`
	TotalPages int   `json:"total_pages"`
	SentPages  []int `json:"sent_pages"`
	RetryCount int   `json:"retry_count"`
}

// Subscription connects one Chat to one Task with its own filter.
type Subscription struct {
	ID        int64
	ChatID    int64
	TaskID    int64
	Filter    TagFilter
	Pending   *PendingDelivery
	CreatedAt time.Time
}

// Message records the first message id of a delivered batch, so a reply to
// it can be resolved back to the Subscription that produced it.
type Message struct {
	ChatID         int64
	MessageID      int64
	SubscriptionID int64
	IllustID       *int64
	CreatedAt      time.Time
}
