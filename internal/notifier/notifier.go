// Package notifier wraps the chat-platform client with a throttled adaptor
// that enforces the platform's per-chat and global send rates, and batches
// work pages into media groups.
package notifier

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"pixivbot/internal/errkind"
)

// MaxPerGroup is the platform's limit on media items per album.
const MaxPerGroup = 10

const (
	globalRatePerSec   = 30
	perChatRatePerSec  = 1
	perChatBurst       = 3
)

// telegramAPI is the subset of the bot-api client the Notifier drives.
type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier sends text and media-group messages through a throttled adaptor
// over telegramAPI, transparently delaying sends to satisfy the platform's
// rate limits without caller-visible sleeps.
type Notifier struct {
	api telegramAPI

	global *rate.Limiter

	mu       sync.Mutex
	perChat  map[int64]*rate.Limiter
}

// New returns a Notifier sending through api.
func New(api telegramAPI) *Notifier {
	return &Notifier{
		api:     api,
		global:  rate.NewLimiter(rate.Limit(globalRatePerSec), globalRatePerSec),
		perChat: make(map[int64]*rate.Limiter),
	}
}

func (n *Notifier) limiterFor(chatID int64) *rate.Limiter {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.perChat[chatID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(perChatRatePerSec), perChatBurst)
		n.perChat[chatID] = l
	}
	return l
}

func (n *Notifier) throttle(ctx context.Context, chatID int64) error {
	if err := n.global.Wait(ctx); err != nil {
		return fmt.Errorf("%w: global rate wait: %v", errkind.ErrTransport, err)
	}
	if err := n.limiterFor(chatID).Wait(ctx); err != nil {
		return fmt.Errorf("%w: per-chat rate wait: %v", errkind.ErrTransport, err)
	}
	return nil
}

// SendText sends a MarkdownV2-formatted message. The caller is responsible
// for escaping dynamic content via Escape.
func (n *Notifier) SendText(ctx context.Context, chatID int64, markdown string) error {
	if err := n.throttle(ctx, chatID); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, markdown)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	msg.DisableWebPagePreview = true
	if _, err := n.api.Send(msg); err != nil {
		return fmt.Errorf("%w: send text: %v", errkind.ErrTransport, err)
	}
	return nil
}

// Escape escapes text for Telegram's MarkdownV2 dialect.
func Escape(s string) string {
	const special = "_*[]()~`>#+-=|{}.!"
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(special, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// BatchSendResult reports what a SendMediaGroup call actually delivered.
type BatchSendResult struct {
	DeliveredPageIndices map[int]struct{}
	FirstFailedBatch     *int
	TerminalError        error
	// FirstMessageID is the platform message id of the first page sent by
	// this call, used to record a Message row for reply-based unsubscribe.
	// Zero if no page was sent.
	FirstMessageID int64
}

// Page is one image to include in a media group.
type Page struct {
	Index  int
	Path   string
	Spoiler bool
}

// SendMediaGroup sends pages (already filtered to the caller's batch
// geometry of interest) as one or more media groups of at most
// MaxPerGroup, captioning batch 0 with firstCaption and subsequent batches
// with "(continued b+1/total)". total is the geometry's overall batch count
// (which may exceed len(pages) when resuming a partial delivery).
func (n *Notifier) SendMediaGroup(ctx context.Context, chatID int64, pages []Page, firstCaption string, startBatch, total int) BatchSendResult {
	result := BatchSendResult{DeliveredPageIndices: make(map[int]struct{})}

	for i := 0; i < len(pages); i += MaxPerGroup {
		end := i + MaxPerGroup
		if end > len(pages) {
			end = len(pages)
		}
		batch := pages[i:end]
		batchNum := startBatch + i/MaxPerGroup

		caption := firstCaption
		if batchNum > 0 {
			caption = Escape(fmt.Sprintf("(continued %d/%d)", batchNum+1, total))
		}

		firstID, err := n.sendOneGroup(ctx, chatID, batch, caption)
		if err != nil {
			failed := batchNum
			result.FirstFailedBatch = &failed
			result.TerminalError = err
			return result
		}
		if result.FirstMessageID == 0 {
			result.FirstMessageID = firstID
		}
		for _, p := range batch {
			result.DeliveredPageIndices[p.Index] = struct{}{}
		}
	}
	return result
}

// sendOneGroup sends one batch and returns the platform message id of its
// first message.
func (n *Notifier) sendOneGroup(ctx context.Context, chatID int64, batch []Page, caption string) (int64, error) {
	if err := n.throttle(ctx, chatID); err != nil {
		return 0, err
	}

	if len(batch) == 1 {
		return n.sendSinglePhoto(chatID, batch[0], caption)
	}

	media := make([]any, 0, len(batch))
	files := make([]*os.File, 0, len(batch))
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()

	for i, p := range batch {
		f, err := os.Open(p.Path)
		if err != nil {
			return 0, fmt.Errorf("%w: open page file: %v", errkind.ErrTransport, err)
		}
		files = append(files, f)

		photo := tgbotapi.NewInputMediaPhoto(tgbotapi.FileReader{Name: p.Path, Reader: f})
		photo.HasSpoiler = p.Spoiler
		if i == 0 {
			photo.Caption = caption
			photo.ParseMode = tgbotapi.ModeMarkdownV2
		}
		media = append(media, photo)
	}

	group := tgbotapi.NewMediaGroup(chatID, media)
	sent, err := n.api.Send(group)
	if err != nil {
		return 0, fmt.Errorf("%w: send media group: %v", errkind.ErrTransport, err)
	}
	return messageID(sent), nil
}

// sendSinglePhoto is the P==1 special case: a plain photo message rather
// than a single-item media group, matching the platform's own preference.
func (n *Notifier) sendSinglePhoto(chatID int64, p Page, caption string) (int64, error) {
	f, err := os.Open(p.Path)
	if err != nil {
		return 0, fmt.Errorf("%w: open page file: %v", errkind.ErrTransport, err)
	}
	defer func() { _ = f.Close() }()

	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileReader{Name: p.Path, Reader: f})
	photo.Caption = caption
	photo.ParseMode = tgbotapi.ModeMarkdownV2
	photo.HasSpoiler = p.Spoiler

	sent, err := n.api.Send(photo)
	if err != nil {
		return 0, fmt.Errorf("%w: send photo: %v", errkind.ErrTransport, err)
	}
	return messageID(sent), nil
}

// messageID extracts the platform message id for Message-returning sends.
// api.Send returns the zero tgbotapi.Message for Chattables whose response
// isn't a single Message (none of Notifier's calls do that), so this is
// always the id of the message actually sent.
func messageID(msg tgbotapi.Message) int64 {
	return int64(msg.MessageID)
}
