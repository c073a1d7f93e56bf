package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"pixivbot/internal/config"
	"pixivbot/internal/downloader"
	"pixivbot/internal/errkind"
	"pixivbot/internal/model"
	"pixivbot/internal/notifier"
	"pixivbot/internal/source"
	"pixivbot/internal/storage"
)

// sourceClient is the subset of source.Client the command handlers call.
type sourceClient interface {
	WorkDetail(ctx context.Context, workID int64) (source.Work, error)
}

// CommandHandlers implements the full command surface over a Repo, a
// source client, and a Notifier, enforcing the role checks spec'd per
// command: plain commands need no role, /enablechat and /disablechat need
// Admin, /setadmin, /unsetadmin, and /info need Owner.
type CommandHandlers struct {
	repo       storage.Repo
	client     sourceClient
	downloader *downloader.Downloader
	notifier   *notifier.Notifier
	cfg        *config.Config
}

// NewCommandHandlers returns a CommandHandlers wired against repo, client,
// d, n, and cfg.
func NewCommandHandlers(repo storage.Repo, client sourceClient, d *downloader.Downloader, n *notifier.Notifier, cfg *config.Config) *CommandHandlers {
	return &CommandHandlers{repo: repo, client: client, downloader: d, notifier: n, cfg: cfg}
}

func (h *CommandHandlers) reply(ctx context.Context, chatID int64, markdown string) {
	if err := h.notifier.SendText(ctx, chatID, markdown); err != nil {
		slog.Error("reply failed", "chat_id", chatID, "error", err)
	}
}

func (h *CommandHandlers) replyErr(ctx context.Context, chatID int64, err error) {
	h.reply(ctx, chatID, notifier.Escape(errkind.UserMessage(err)))
}

func (h *CommandHandlers) roleFor(ctx context.Context, userID int64) model.Role {
	user, err := h.repo.GetUser(ctx, userID)
	if err != nil || user == nil {
		return model.RoleUser
	}
	return user.Role
}

func (h *CommandHandlers) requireAdmin(ctx context.Context, chatID, userID int64) bool {
	if h.roleFor(ctx, userID).IsAdmin() {
		return true
	}
	h.replyErr(ctx, chatID, errkind.ErrPermission)
	return false
}

func (h *CommandHandlers) requireOwner(ctx context.Context, chatID, userID int64) bool {
	if h.roleFor(ctx, userID) == model.RoleOwner {
		return true
	}
	h.replyErr(ctx, chatID, errkind.ErrPermission)
	return false
}

// HandleStart greets the chat and registers it at the configured default
// enablement for the bot's mode.
func (h *CommandHandlers) HandleStart(ctx context.Context, chatID int64, kind model.ChatKind, title string) {
	if _, err := h.repo.UpsertChat(ctx, chatID, kind, title, h.cfg.Telegram.BotMode.IsPublic()); err != nil {
		h.replyErr(ctx, chatID, err)
		return
	}
	h.reply(ctx, chatID, notifier.Escape("hi, I deliver new works to this chat. Send /help for commands."))
}

// HandleHelp replies with the command reference.
func (h *CommandHandlers) HandleHelp(ctx context.Context, chatID int64) {
	h.reply(ctx, chatID, FormatHelp())
}

func (h *CommandHandlers) defaultIntervalSec() int64 {
	if h.cfg.Scheduler.MinTaskIntervalSec > 0 {
		return h.cfg.Scheduler.MinTaskIntervalSec
	}
	return 7200
}

// HandleSub implements /sub <id[,id...]> [+tag -tag ...].
func (h *CommandHandlers) HandleSub(ctx context.Context, chatID, userID int64, args string) {
	ids, filter, err := ParseSubArgs(args)
	if err != nil {
		h.reply(ctx, chatID, notifier.Escape(err.Error()))
		return
	}

	var added []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		task, err := h.repo.UpsertTaskByKindValue(ctx, model.TaskAuthor, id, h.defaultIntervalSec(), userID)
		if err != nil {
			h.replyErr(ctx, chatID, err)
			continue
		}
		if _, err := h.repo.UpsertSubscription(ctx, chatID, task.ID, filter); err != nil {
			h.replyErr(ctx, chatID, err)
			continue
		}
		added = append(added, id)
	}

	if len(added) == 0 {
		return
	}
	h.reply(ctx, chatID, notifier.Escape(fmt.Sprintf("subscribed to author(s): %s", strings.Join(added, ", "))))
}

// HandleSubRank implements /subrank <daily|weekly|monthly>.
func (h *CommandHandlers) HandleSubRank(ctx context.Context, chatID, userID int64, args string) {
	mode, err := ParseRankMode(args)
	if err != nil {
		h.reply(ctx, chatID, notifier.Escape(err.Error()))
		return
	}
	task, err := h.repo.UpsertTaskByKindValue(ctx, model.TaskRanking, string(mode), h.defaultIntervalSec(), userID)
	if err != nil {
		h.replyErr(ctx, chatID, err)
		return
	}
	if _, err := h.repo.UpsertSubscription(ctx, chatID, task.ID, model.TagFilter{}); err != nil {
		h.replyErr(ctx, chatID, err)
		return
	}
	h.reply(ctx, chatID, notifier.Escape(fmt.Sprintf("subscribed to %s ranking", mode)))
}

func (h *CommandHandlers) unsubscribeTask(ctx context.Context, chatID int64, kind model.TaskKind, value string) error {
	task, err := h.repo.UpsertTaskByKindValue(ctx, kind, value, h.defaultIntervalSec(), 0)
	if err != nil {
		return err
	}
	return h.repo.DeleteSubscriptionByChatAndTask(ctx, chatID, task.ID)
}

// HandleUnsub implements /unsub <id[,id...]>.
func (h *CommandHandlers) HandleUnsub(ctx context.Context, chatID int64, args string) {
	ids, err := ParseIDList(args)
	if err != nil {
		h.reply(ctx, chatID, notifier.Escape(err.Error()))
		return
	}
	for _, id := range ids {
		if err := h.unsubscribeTask(ctx, chatID, model.TaskAuthor, strings.TrimSpace(id)); err != nil {
			h.replyErr(ctx, chatID, err)
			continue
		}
	}
	h.reply(ctx, chatID, notifier.Escape("unsubscribed"))
}

// HandleUnsubRank implements /unsubrank <daily|weekly|monthly>.
func (h *CommandHandlers) HandleUnsubRank(ctx context.Context, chatID int64, args string) {
	mode, err := ParseRankMode(args)
	if err != nil {
		h.reply(ctx, chatID, notifier.Escape(err.Error()))
		return
	}
	if err := h.unsubscribeTask(ctx, chatID, model.TaskRanking, string(mode)); err != nil {
		h.replyErr(ctx, chatID, err)
		return
	}
	h.reply(ctx, chatID, notifier.Escape(fmt.Sprintf("unsubscribed from %s ranking", mode)))
}

// HandleList implements /list.
func (h *CommandHandlers) HandleList(ctx context.Context, chatID int64) {
	subs, err := h.repo.ListForChat(ctx, chatID)
	if err != nil {
		h.replyErr(ctx, chatID, err)
		return
	}
	tasks := make(map[int64]*model.Task, len(subs))
	for _, s := range subs {
		task, err := h.repo.GetTask(ctx, s.TaskID)
		if err != nil {
			continue
		}
		tasks[s.TaskID] = task
	}
	h.reply(ctx, chatID, FormatSubscriptionList(subs, tasks))
}

// HandleSettings implements /settings.
func (h *CommandHandlers) HandleSettings(ctx context.Context, chatID int64) {
	settings, err := h.repo.GetChatSettings(ctx, chatID)
	if err != nil {
		h.replyErr(ctx, chatID, err)
		return
	}
	h.reply(ctx, chatID, FormatSettings(*settings))
}

// HandleBlurSensitive implements /blursensitive <on|off>.
func (h *CommandHandlers) HandleBlurSensitive(ctx context.Context, chatID int64, args string) {
	on, err := ParseOnOff(args)
	if err != nil {
		h.reply(ctx, chatID, notifier.Escape(err.Error()))
		return
	}
	settings, err := h.repo.GetChatSettings(ctx, chatID)
	if err != nil {
		h.replyErr(ctx, chatID, err)
		return
	}
	settings.BlurSensitive = on
	if err := h.repo.SetChatSettings(ctx, settings); err != nil {
		h.replyErr(ctx, chatID, err)
		return
	}
	h.reply(ctx, chatID, FormatSettings(*settings))
}

// HandleSensitiveTags implements /sensitivetags <tags>.
func (h *CommandHandlers) HandleSensitiveTags(ctx context.Context, chatID int64, args string) {
	h.setTagList(ctx, chatID, args, func(s *model.ChatSettings, tags []string) { s.SensitiveTags = tags })
}

// HandleClearSensitiveTags implements /clearsensitivetags.
func (h *CommandHandlers) HandleClearSensitiveTags(ctx context.Context, chatID int64) {
	h.setTagList(ctx, chatID, "", func(s *model.ChatSettings, tags []string) { s.SensitiveTags = nil })
}

// HandleExcludeTags implements /excludetags <tags>.
func (h *CommandHandlers) HandleExcludeTags(ctx context.Context, chatID int64, args string) {
	h.setTagList(ctx, chatID, args, func(s *model.ChatSettings, tags []string) { s.ExcludedTags = tags })
}

// HandleClearExcludedTags implements /clearexcludedtags.
func (h *CommandHandlers) HandleClearExcludedTags(ctx context.Context, chatID int64) {
	h.setTagList(ctx, chatID, "", func(s *model.ChatSettings, tags []string) { s.ExcludedTags = nil })
}

func (h *CommandHandlers) setTagList(ctx context.Context, chatID int64, args string, apply func(*model.ChatSettings, []string)) {
	tags := ParseTagList(args)
	settings, err := h.repo.GetChatSettings(ctx, chatID)
	if err != nil {
		h.replyErr(ctx, chatID, err)
		return
	}
	apply(settings, tags)
	if err := h.repo.SetChatSettings(ctx, settings); err != nil {
		h.replyErr(ctx, chatID, err)
		return
	}
	h.reply(ctx, chatID, FormatSettings(*settings))
}

// HandleCancel implements /cancel: it clears any held PendingDelivery
// bookkeeping the chat's subscriptions carry, releasing a stuck retry
// loop without waiting for max_retry_count to abandon it on its own.
func (h *CommandHandlers) HandleCancel(ctx context.Context, chatID int64) {
	subs, err := h.repo.ListForChat(ctx, chatID)
	if err != nil {
		h.replyErr(ctx, chatID, err)
		return
	}
	cleared := 0
	for _, s := range subs {
		if s.Pending == nil {
			continue
		}
		if err := h.repo.ClearPending(ctx, s.ID); err != nil {
			h.replyErr(ctx, chatID, err)
			continue
		}
		cleared++
	}
	h.reply(ctx, chatID, notifier.Escape(fmt.Sprintf("cleared %d pending delivery(ies)", cleared)))
}

// HandleDownload implements /download <url|id>, fetching and delivering one
// work immediately without touching any Subscription's watermark or
// PendingDelivery state.
func (h *CommandHandlers) HandleDownload(ctx context.Context, chatID int64, args string) {
	workID, err := ParseDownloadArg(args)
	if err != nil {
		h.reply(ctx, chatID, notifier.Escape(err.Error()))
		return
	}

	work, err := h.client.WorkDetail(ctx, workID)
	if err != nil {
		h.replyErr(ctx, chatID, err)
		return
	}

	settings, err := h.repo.GetChatSettings(ctx, chatID)
	if err != nil {
		h.replyErr(ctx, chatID, err)
		return
	}

	downloads := h.downloader.DownloadAll(ctx, work.ImageURLs)
	pages := make([]notifier.Page, 0, len(downloads))
	blur := settings.BlurSensitive && model.TagFilter{Include: settings.SensitiveTags}.Passes(work.Tags) && len(settings.SensitiveTags) > 0
	for i, dr := range downloads {
		if dr.Err != nil {
			h.replyErr(ctx, chatID, dr.Err)
			return
		}
		pages = append(pages, notifier.Page{Index: i, Path: dr.Path, Spoiler: blur})
	}

	total := len(pages)
	if total == 0 {
		total = 1
	}
	result := h.notifier.SendMediaGroup(ctx, chatID, pages, notifier.Escape(work.Title), 0, (total+notifier.MaxPerGroup-1)/notifier.MaxPerGroup)
	if result.TerminalError != nil {
		h.replyErr(ctx, chatID, result.TerminalError)
	}
}

// HandleEnableChat implements the admin /enablechat command.
func (h *CommandHandlers) HandleEnableChat(ctx context.Context, chatID, userID int64, args string) {
	if !h.requireAdmin(ctx, chatID, userID) {
		return
	}
	h.setChatEnabled(ctx, chatID, args, true)
}

// HandleDisableChat implements the admin /disablechat command.
func (h *CommandHandlers) HandleDisableChat(ctx context.Context, chatID, userID int64, args string) {
	if !h.requireAdmin(ctx, chatID, userID) {
		return
	}
	h.setChatEnabled(ctx, chatID, args, false)
}

func (h *CommandHandlers) setChatEnabled(ctx context.Context, chatID int64, args string, enabled bool) {
	targetID, err := ParseOptionalChatID(args, chatID)
	if err != nil {
		h.reply(ctx, chatID, notifier.Escape(err.Error()))
		return
	}
	if err := h.repo.SetChatEnabled(ctx, targetID, enabled); err != nil {
		h.replyErr(ctx, chatID, err)
		return
	}
	h.reply(ctx, chatID, notifier.Escape(fmt.Sprintf("chat %d enabled=%v", targetID, enabled)))
}

// HandleSetAdmin implements the owner /setadmin command.
func (h *CommandHandlers) HandleSetAdmin(ctx context.Context, chatID, userID int64, args string) {
	if !h.requireOwner(ctx, chatID, userID) {
		return
	}
	h.setUserRole(ctx, chatID, args, model.RoleAdmin)
}

// HandleUnsetAdmin implements the owner /unsetadmin command.
func (h *CommandHandlers) HandleUnsetAdmin(ctx context.Context, chatID, userID int64, args string) {
	if !h.requireOwner(ctx, chatID, userID) {
		return
	}
	h.setUserRole(ctx, chatID, args, model.RoleUser)
}

func (h *CommandHandlers) setUserRole(ctx context.Context, chatID int64, args string, role model.Role) {
	targetID, err := strconv.ParseInt(strings.TrimSpace(args), 10, 64)
	if err != nil {
		h.reply(ctx, chatID, notifier.Escape("usage: <user_id>"))
		return
	}
	if err := h.repo.SetUserRole(ctx, targetID, role); err != nil {
		h.replyErr(ctx, chatID, err)
		return
	}
	h.reply(ctx, chatID, notifier.Escape(fmt.Sprintf("user %d role set to %s", targetID, role)))
}

// HandleInfo implements the owner /info command.
func (h *CommandHandlers) HandleInfo(ctx context.Context, chatID, userID int64) {
	if !h.requireOwner(ctx, chatID, userID) {
		return
	}
	h.reply(ctx, chatID, notifier.Escape(h.cfg.String()))
}

// HandleReplyUnsub resolves a reply to a delivered album back to its
// Subscription and removes it, implementing the reply-based unsubscribe.
func (h *CommandHandlers) HandleReplyUnsub(ctx context.Context, chatID, repliedToMessageID int64) {
	subID, ok, err := h.repo.FindSubscriptionByMessage(ctx, chatID, repliedToMessageID)
	if err != nil {
		h.replyErr(ctx, chatID, err)
		return
	}
	if !ok {
		h.reply(ctx, chatID, notifier.Escape("could not resolve that message to a subscription"))
		return
	}
	if err := h.repo.DeleteSubscription(ctx, subID); err != nil {
		h.replyErr(ctx, chatID, err)
		return
	}
	h.reply(ctx, chatID, notifier.Escape("unsubscribed"))
}
