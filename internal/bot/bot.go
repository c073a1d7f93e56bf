// Package bot dispatches Telegram updates to CommandHandlers, enforcing
// per-chat enablement before any command runs.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"pixivbot/internal/config"
	"pixivbot/internal/downloader"
	"pixivbot/internal/model"
	"pixivbot/internal/notifier"
	"pixivbot/internal/storage"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Bot owns the long-polling loop and dispatches each update to
// CommandHandlers, registering chats and users as they're first seen.
type Bot struct {
	api      telegramAPI
	repo     storage.Repo
	cfg      *config.Config
	handlers *CommandHandlers
}

// NewBotAPI authenticates a tgbotapi client for token, shared by both the
// Bot's long-poll loop and the Notifier it sends through.
func NewBotAPI(token string) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return api, nil
}

// New wires handlers against repo, client, d, n, and cfg, dispatching
// updates received over api.
func New(api *tgbotapi.BotAPI, repo storage.Repo, client sourceClient, d *downloader.Downloader, n *notifier.Notifier, cfg *config.Config) (*Bot, error) {
	return &Bot{
		api:      api,
		repo:     repo,
		cfg:      cfg,
		handlers: NewCommandHandlers(repo, client, d, n, cfg),
	}, nil
}

// Run starts the long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.Message == nil {
				continue
			}
			b.handleMessage(ctx, update.Message)
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	if err := b.registerChatAndUser(ctx, msg); err != nil {
		slog.Error("register chat/user", "chat_id", chatID, "error", err)
		return
	}

	if !msg.IsCommand() {
		if msg.ReplyToMessage != nil && strings.EqualFold(strings.TrimSpace(msg.Text), "unsub") {
			b.handlers.HandleReplyUnsub(ctx, chatID, int64(msg.ReplyToMessage.MessageID))
		}
		return
	}

	if msg.Command() != "start" && !b.cfg.Telegram.BotMode.IsPublic() {
		chat, err := b.repo.GetChat(ctx, chatID)
		if err != nil {
			slog.Error("get chat", "chat_id", chatID, "error", err)
			return
		}
		userID := int64(0)
		if msg.From != nil {
			userID = msg.From.ID
		}
		if chat != nil && !chat.Enabled && !b.handlers.roleFor(ctx, userID).IsAdmin() {
			return
		}
	}

	b.dispatch(ctx, msg)
}

func (b *Bot) registerChatAndUser(ctx context.Context, msg *tgbotapi.Message) error {
	kind := model.ChatPrivate
	switch msg.Chat.Type {
	case "group":
		kind = model.ChatGroup
	case "supergroup":
		kind = model.ChatSupergroup
	case "channel":
		kind = model.ChatChannel
	}
	if _, err := b.repo.UpsertChat(ctx, msg.Chat.ID, kind, msg.Chat.Title, b.cfg.Telegram.BotMode.IsPublic()); err != nil {
		return err
	}
	if msg.From == nil {
		return nil
	}
	role := model.RoleUser
	if msg.From.ID == b.cfg.Telegram.OwnerID {
		role = model.RoleOwner
	}
	_, err := b.repo.UpsertUser(ctx, msg.From.ID, msg.From.UserName, role)
	return err
}

func (b *Bot) dispatch(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID
	var userID int64
	if msg.From != nil {
		userID = msg.From.ID
	}

	slog.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start":
		kind := model.ChatPrivate
		if msg.Chat.IsGroup() {
			kind = model.ChatGroup
		} else if msg.Chat.IsSuperGroup() {
			kind = model.ChatSupergroup
		}
		b.handlers.HandleStart(ctx, chatID, kind, msg.Chat.Title)
	case "help":
		b.handlers.HandleHelp(ctx, chatID)
	case "sub":
		b.handlers.HandleSub(ctx, chatID, userID, args)
	case "subrank":
		b.handlers.HandleSubRank(ctx, chatID, userID, args)
	case "unsub":
		b.handlers.HandleUnsub(ctx, chatID, args)
	case "unsubrank":
		b.handlers.HandleUnsubRank(ctx, chatID, args)
	case "list":
		b.handlers.HandleList(ctx, chatID)
	case "settings":
		b.handlers.HandleSettings(ctx, chatID)
	case "blursensitive":
		b.handlers.HandleBlurSensitive(ctx, chatID, args)
	case "sensitivetags":
		b.handlers.HandleSensitiveTags(ctx, chatID, args)
	case "clearsensitivetags":
		b.handlers.HandleClearSensitiveTags(ctx, chatID)
	case "excludetags":
		b.handlers.HandleExcludeTags(ctx, chatID, args)
	case "clearexcludedtags":
		b.handlers.HandleClearExcludedTags(ctx, chatID)
	case "cancel":
		b.handlers.HandleCancel(ctx, chatID)
	case "download":
		b.handlers.HandleDownload(ctx, chatID, args)
	case "enablechat":
		b.handlers.HandleEnableChat(ctx, chatID, userID, args)
	case "disablechat":
		b.handlers.HandleDisableChat(ctx, chatID, userID, args)
	case "setadmin":
		b.handlers.HandleSetAdmin(ctx, chatID, userID, args)
	case "unsetadmin":
		b.handlers.HandleUnsetAdmin(ctx, chatID, userID, args)
	case "info":
		b.handlers.HandleInfo(ctx, chatID, userID)
	default:
		b.handlers.reply(ctx, chatID, notifier.Escape("unknown command. Use /help for a list of commands."))
	}
}
