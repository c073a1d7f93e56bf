package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/ncruces/go-strftime"
	_ "modernc.org/sqlite" // SQLite driver registration.

	"pixivbot/internal/errkind"
	"pixivbot/internal/migrations"
	"pixivbot/internal/model"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

const timeFmt = "%Y-%m-%dT%H:%M:%SZ"

func formatTime(t time.Time) string {
	return strftime.Format(timeFmt, t.UTC())
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

// SQLite implements Repo backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", errkind.ErrDB, err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: set WAL mode: %v", errkind.ErrDB, err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: enable foreign keys: %v", errkind.ErrDB, err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: run migrations: %v", errkind.ErrDB, err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ---------------------------------------------------------------- Chat

func (s *SQLite) UpsertChat(ctx context.Context, id int64, kind model.ChatKind, title string, defaultEnabled bool) (*model.Chat, error) {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (id, kind, title, enabled, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET kind = excluded.kind, title = excluded.title`,
		id, string(kind), title, boolToInt(defaultEnabled), now,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: upsert chat: %v", errkind.ErrDB, err)
	}
	return s.GetChat(ctx, id)
}

func (s *SQLite) SetChatEnabled(ctx context.Context, chatID int64, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE chats SET enabled = ? WHERE id = ?`, boolToInt(enabled), chatID)
	if err != nil {
		return fmt.Errorf("%w: set chat enabled: %v", errkind.ErrDB, err)
	}
	return nil
}

func (s *SQLite) GetChat(ctx context.Context, chatID int64) (*model.Chat, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, kind, title, enabled, created_at FROM chats WHERE id = ?`, chatID)
	var c model.Chat
	var kind string
	var enabled int
	var created string
	if err := row.Scan(&c.ID, &kind, &c.Title, &enabled, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errkind.ErrNotFound
		}
		return nil, fmt.Errorf("%w: scan chat: %v", errkind.ErrDB, err)
	}
	c.Kind = model.ChatKind(kind)
	c.Enabled = enabled == 1
	c.CreatedAt = parseTime(created)
	return &c, nil
}

// ---------------------------------------------------------------- User

func (s *SQLite) UpsertUser(ctx context.Context, id int64, username string, defaultRole model.Role) (*model.User, error) {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, role, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET username = excluded.username`,
		id, username, string(defaultRole), now,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: upsert user: %v", errkind.ErrDB, err)
	}
	return s.GetUser(ctx, id)
}

func (s *SQLite) GetUser(ctx context.Context, id int64) (*model.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, username, role, created_at FROM users WHERE id = ?`, id)
	var u model.User
	var role, created string
	if err := row.Scan(&u.ID, &u.Username, &role, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errkind.ErrNotFound
		}
		return nil, fmt.Errorf("%w: scan user: %v", errkind.ErrDB, err)
	}
	u.Role = model.Role(role)
	u.CreatedAt = parseTime(created)
	return &u, nil
}

func (s *SQLite) SetUserRole(ctx context.Context, id int64, role model.Role) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET role = ? WHERE id = ?`, string(role), id)
	if err != nil {
		return fmt.Errorf("%w: set user role: %v", errkind.ErrDB, err)
	}
	return nil
}

// ---------------------------------------------------------------- ChatSettings

func (s *SQLite) GetChatSettings(ctx context.Context, chatID int64) (*model.ChatSettings, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT chat_id, blur_sensitive, sensitive_tags, excluded_tags FROM chat_settings WHERE chat_id = ?`, chatID)
	var cs model.ChatSettings
	var blur int
	var sensitiveJSON, excludedJSON string
	err := row.Scan(&cs.ChatID, &blur, &sensitiveJSON, &excludedJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return &model.ChatSettings{ChatID: chatID, BlurSensitive: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan chat settings: %v", errkind.ErrDB, err)
	}
	cs.BlurSensitive = blur == 1
	_ = jsonAPI.UnmarshalFromString(sensitiveJSON, &cs.SensitiveTags)
	_ = jsonAPI.UnmarshalFromString(excludedJSON, &cs.ExcludedTags)
	return &cs, nil
}

func (s *SQLite) SetChatSettings(ctx context.Context, settings *model.ChatSettings) error {
	sensitiveJSON, _ := jsonAPI.MarshalToString(settings.SensitiveTags)
	excludedJSON, _ := jsonAPI.MarshalToString(settings.ExcludedTags)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_settings (chat_id, blur_sensitive, sensitive_tags, excluded_tags)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (chat_id) DO UPDATE SET
			blur_sensitive = excluded.blur_sensitive,
			sensitive_tags = excluded.sensitive_tags,
			excluded_tags = excluded.excluded_tags`,
		settings.ChatID, boolToInt(settings.BlurSensitive), sensitiveJSON, excludedJSON,
	)
	if err != nil {
		return fmt.Errorf("%w: set chat settings: %v", errkind.ErrDB, err)
	}
	return nil
}

// ---------------------------------------------------------------- Task

func (s *SQLite) UpsertTaskByKindValue(ctx context.Context, kind model.TaskKind, value string, intervalSec int64, createdBy int64) (*model.Task, error) {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (kind, value, interval_sec, next_poll_at, latest_data, created_by, updated_by)
		VALUES (?, ?, ?, ?, '{}', ?, ?)
		ON CONFLICT (kind, value) DO NOTHING`,
		string(kind), value, intervalSec, now, createdBy, createdBy,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: upsert task: %v", errkind.ErrDB, err)
	}
	row := s.db.QueryRowContext(ctx, `SELECT id FROM tasks WHERE kind = ? AND value = ?`, string(kind), value)
	var id int64
	if err := row.Scan(&id); err != nil {
		return nil, fmt.Errorf("%w: find task after upsert: %v", errkind.ErrDB, err)
	}
	return s.GetTask(ctx, id)
}

func (s *SQLite) SetNextPollAt(ctx context.Context, taskID int64, next time.Time) error {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET next_poll_at = ?, last_polled_at = ? WHERE id = ?`,
		formatTime(next), now, taskID,
	)
	if err != nil {
		return fmt.Errorf("%w: set next poll at: %v", errkind.ErrDB, err)
	}
	return nil
}

func (s *SQLite) SetLatestData(ctx context.Context, taskID int64, data model.TaskLatestData) error {
	payload, err := jsonAPI.MarshalToString(data)
	if err != nil {
		return fmt.Errorf("%w: marshal latest_data: %v", errkind.ErrDB, err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE tasks SET latest_data = ? WHERE id = ?`, payload, taskID)
	if err != nil {
		return fmt.Errorf("%w: set latest_data: %v", errkind.ErrDB, err)
	}
	return nil
}

// NextDueTask returns the earliest due task, ordered by next_poll_at, or nil
// if none is due.
func (s *SQLite) NextDueTask(ctx context.Context, now time.Time) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id FROM tasks WHERE next_poll_at <= ? ORDER BY next_poll_at ASC LIMIT 1`,
		formatTime(now),
	)
	var id int64
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: find next due task: %v", errkind.ErrDB, err)
	}
	return s.GetTask(ctx, id)
}

func (s *SQLite) GetTask(ctx context.Context, taskID int64) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, value, interval_sec, next_poll_at, last_polled_at, latest_data, created_by, updated_by
		FROM tasks WHERE id = ?`, taskID)
	return scanTask(row)
}

func (s *SQLite) ListAuthorTasks(ctx context.Context) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, value, interval_sec, next_poll_at, last_polled_at, latest_data, created_by, updated_by
		FROM tasks WHERE kind = ?`, string(model.TaskAuthor))
	if err != nil {
		return nil, fmt.Errorf("%w: list author tasks: %v", errkind.ErrDB, err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (s *SQLite) ActiveSubscriptionsFor(ctx context.Context, taskID int64) ([]model.Subscription, error) {
	return s.listSubscriptions(ctx, `WHERE task_id = ?`, taskID)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTask(row scannable) (*model.Task, error) {
	var t model.Task
	var kind, value, nextPoll, latestData string
	var lastPolled sql.NullString
	err := row.Scan(&t.ID, &kind, &value, &t.IntervalSec, &nextPoll, &lastPolled, &latestData, &t.CreatedBy, &t.UpdatedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errkind.ErrNotFound
		}
		return nil, fmt.Errorf("%w: scan task: %v", errkind.ErrDB, err)
	}
	t.Kind = model.TaskKind(kind)
	t.Value = value
	t.NextPollAt = parseTime(nextPoll)
	if lastPolled.Valid {
		tm := parseTime(lastPolled.String)
		t.LastPolledAt = &tm
	}
	_ = jsonAPI.UnmarshalFromString(latestData, &t.LatestData)
	return &t, nil
}

// ---------------------------------------------------------------- Subscription

func (s *SQLite) UpsertSubscription(ctx context.Context, chatID, taskID int64, filter model.TagFilter) (*model.Subscription, error) {
	existing, err := s.findSubscription(ctx, chatID, taskID)
	if err != nil && !errors.Is(err, errkind.ErrNotFound) {
		return nil, err
	}

	merged := filter
	if existing != nil {
		merged = existing.Filter.Merge(filter)
	}
	payload, _ := jsonAPI.MarshalToString(merged)

	if existing != nil {
		_, err := s.db.ExecContext(ctx, `UPDATE subscriptions SET filter = ? WHERE id = ?`, payload, existing.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: update subscription filter: %v", errkind.ErrDB, err)
		}
		return s.GetSubscription(ctx, existing.ID)
	}

	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (chat_id, task_id, filter, created_at) VALUES (?, ?, ?, ?)`,
		chatID, taskID, payload, now,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: insert subscription: %v", errkind.ErrDB, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("%w: last insert id: %v", errkind.ErrDB, err)
	}
	return s.GetSubscription(ctx, id)
}

func (s *SQLite) findSubscription(ctx context.Context, chatID, taskID int64) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id FROM subscriptions WHERE chat_id = ? AND task_id = ?`, chatID, taskID)
	var id int64
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errkind.ErrNotFound
		}
		return nil, fmt.Errorf("%w: find subscription: %v", errkind.ErrDB, err)
	}
	return s.GetSubscription(ctx, id)
}

func (s *SQLite) DeleteSubscription(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: delete subscription: %v", errkind.ErrDB, err)
	}
	return nil
}

func (s *SQLite) DeleteSubscriptionByChatAndTask(ctx context.Context, chatID, taskID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE chat_id = ? AND task_id = ?`, chatID, taskID)
	if err != nil {
		return fmt.Errorf("%w: delete subscription: %v", errkind.ErrDB, err)
	}
	return nil
}

func (s *SQLite) ListForChat(ctx context.Context, chatID int64) ([]model.Subscription, error) {
	return s.listSubscriptions(ctx, `WHERE chat_id = ?`, chatID)
}

func (s *SQLite) GetSubscription(ctx context.Context, id int64) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, chat_id, task_id, filter, pending, created_at FROM subscriptions WHERE id = ?`, id)
	return scanSubscription(row)
}

func (s *SQLite) listSubscriptions(ctx context.Context, where string, arg int64) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, task_id, filter, pending, created_at FROM subscriptions `+where, arg)
	if err != nil {
		return nil, fmt.Errorf("%w: list subscriptions: %v", errkind.ErrDB, err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

func scanSubscription(row scannable) (*model.Subscription, error) {
	var sub model.Subscription
	var filterJSON, created string
	var pendingJSON sql.NullString
	err := row.Scan(&sub.ID, &sub.ChatID, &sub.TaskID, &filterJSON, &pendingJSON, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errkind.ErrNotFound
		}
		return nil, fmt.Errorf("%w: scan subscription: %v", errkind.ErrDB, err)
	}
	_ = jsonAPI.UnmarshalFromString(filterJSON, &sub.Filter)
	if pendingJSON.Valid {
		var p model.PendingDelivery
		if err := jsonAPI.UnmarshalFromString(pendingJSON.String, &p); err == nil {
			sub.Pending = &p
		}
	}
	sub.CreatedAt = parseTime(created)
	return &sub, nil
}

func (s *SQLite) SetPending(ctx context.Context, subscriptionID int64, pending *model.PendingDelivery) error {
	payload, err := jsonAPI.MarshalToString(pending)
	if err != nil {
		return fmt.Errorf("%w: marshal pending: %v", errkind.ErrDB, err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE subscriptions SET pending = ? WHERE id = ?`, payload, subscriptionID)
	if err != nil {
		return fmt.Errorf("%w: set pending: %v", errkind.ErrDB, err)
	}
	return nil
}

func (s *SQLite) ClearPending(ctx context.Context, subscriptionID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE subscriptions SET pending = NULL WHERE id = ?`, subscriptionID)
	if err != nil {
		return fmt.Errorf("%w: clear pending: %v", errkind.ErrDB, err)
	}
	return nil
}

// ---------------------------------------------------------------- Message

func (s *SQLite) SaveMessage(ctx context.Context, chatID, messageID, subscriptionID int64, illustID *int64) error {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (chat_id, message_id, subscription_id, illust_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (chat_id, message_id) DO UPDATE SET subscription_id = excluded.subscription_id`,
		chatID, messageID, subscriptionID, illustID, now,
	)
	if err != nil {
		return fmt.Errorf("%w: save message: %v", errkind.ErrDB, err)
	}
	return nil
}

func (s *SQLite) FindSubscriptionByMessage(ctx context.Context, chatID, messageID int64) (int64, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT subscription_id FROM messages WHERE chat_id = ? AND message_id = ?`, chatID, messageID)
	var id int64
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("%w: find message: %v", errkind.ErrDB, err)
	}
	return id, true, nil
}
