// Package fsm implements the delivery state machine: for each
// (subscription, candidate work) pair it produces a terminal outcome and
// the PendingDelivery bookkeeping needed to resume across restarts.
package fsm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"pixivbot/internal/downloader"
	"pixivbot/internal/model"
	"pixivbot/internal/notifier"
	"pixivbot/internal/source"
)

// Outcome is the terminal result of processing one work for one subscription.
type Outcome int

// Possible outcomes of Process.
const (
	Success Outcome = iota
	Partial
	Failure
	Abandoned
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Partial:
		return "partial"
	case Failure:
		return "failure"
	case Abandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Result is the outcome of Process: the new pending state (nil if cleared
// or never created) and whether the watermark may advance past the work.
type Result struct {
	Outcome        Outcome
	Pending        *model.PendingDelivery
	AdvanceWatermark bool
	FirstMessageID int64
	Err            error
}

// FSM drives delivery of works to subscriptions via Downloader and Notifier.
type FSM struct {
	downloader  *downloader.Downloader
	notifier    *notifier.Notifier
	maxRetries  int
}

// New returns an FSM bounding retries at maxRetries per PendingDelivery.
func New(d *downloader.Downloader, n *notifier.Notifier, maxRetries int) *FSM {
	return &FSM{downloader: d, notifier: n, maxRetries: maxRetries}
}

// effectiveSensitive reports whether w's tags intersect the sensitive set.
func effectiveSensitive(w source.Work, sensitiveTags []string) bool {
	sensitive := model.TagFilter{Include: sensitiveTags}
	return sensitive.Passes(w.Tags) && len(sensitiveTags) > 0
}

// Process runs one (Subscription, Work) pair through the state diagram.
// settings supplies the chat's sensitivity-blur preference and additional
// excluded tags, applied on top of sub.Filter.
func (f *FSM) Process(ctx context.Context, sub model.Subscription, w source.Work, settings model.ChatSettings) Result {
	if sub.Pending != nil && sub.Pending.IllustID == w.ID {
		return f.resumePending(ctx, sub, w, settings)
	}

	filter := sub.Filter.WithExcluded(settings.ExcludedTags)
	if !filter.Passes(w.Tags) {
		return Result{Outcome: Success, Pending: nil, AdvanceWatermark: true}
	}

	return f.deliver(ctx, sub, w, settings, nil, 0, 0)
}

func (f *FSM) resumePending(ctx context.Context, sub model.Subscription, w source.Work, settings model.ChatSettings) Result {
	pending := sub.Pending
	sentSet := make(map[int]struct{}, len(pending.SentPages))
	for _, i := range pending.SentPages {
		sentSet[i] = struct{}{}
	}

	totalBatches := ceilDiv(pending.TotalPages, notifier.MaxPerGroup)
	startBatch := len(pending.SentPages) / notifier.MaxPerGroup

	return f.deliver(ctx, sub, w, settings, sentSet, startBatch, totalBatches)
}

func (f *FSM) deliver(ctx context.Context, sub model.Subscription, w source.Work, settings model.ChatSettings, alreadySent map[int]struct{}, startBatch, totalBatchesOverride int) Result {
	totalPages := w.PageCount
	totalBatches := ceilDiv(totalPages, notifier.MaxPerGroup)
	if totalBatchesOverride > 0 {
		totalBatches = totalBatchesOverride
	}

	var remainingIdx []int
	for i := 0; i < totalPages; i++ {
		if _, sent := alreadySent[i]; !sent {
			remainingIdx = append(remainingIdx, i)
		}
	}

	remainingURLs := make([]string, len(remainingIdx))
	for i, idx := range remainingIdx {
		remainingURLs[i] = w.ImageURLs[idx]
	}

	downloadResults := f.downloader.DownloadAll(ctx, remainingURLs)

	blurSensitive := settings.BlurSensitive && effectiveSensitive(w, settings.SensitiveTags)

	pages := make([]notifier.Page, 0, len(downloadResults))
	for i, dr := range downloadResults {
		if dr.Err != nil {
			return f.onFailure(sub, w, alreadySent, totalPages, totalBatches, fmt.Errorf("download page: %w", dr.Err))
		}
		pages = append(pages, notifier.Page{
			Index:   remainingIdx[i],
			Path:    dr.Path,
			Spoiler: blurSensitive,
		})
	}

	caption := notifier.Escape(w.Title)
	sendResult := f.notifier.SendMediaGroup(ctx, sub.ChatID, pages, caption, startBatch, totalBatches)

	delivered := make(map[int]struct{}, len(alreadySent)+len(sendResult.DeliveredPageIndices))
	for i := range alreadySent {
		delivered[i] = struct{}{}
	}
	for i := range sendResult.DeliveredPageIndices {
		delivered[i] = struct{}{}
	}

	if sendResult.TerminalError == nil && len(delivered) == totalPages {
		return Result{Outcome: Success, Pending: nil, AdvanceWatermark: true, FirstMessageID: sendResult.FirstMessageID}
	}

	return f.onFailure(sub, w, delivered, totalPages, totalBatches, sendResult.TerminalError)
}

func (f *FSM) onFailure(sub model.Subscription, w source.Work, delivered map[int]struct{}, totalPages, totalBatches int, cause error) Result {
	priorRetries := 0
	if sub.Pending != nil {
		priorRetries = sub.Pending.RetryCount
	}
	retryCount := priorRetries + 1

	sentPages := sortedKeys(delivered)

	outcome := Partial
	if len(sentPages) == 0 {
		outcome = Failure
	}

	if retryCount >= f.maxRetries {
		slog.Warn("abandoning work after exhausting retries",
			"work_id", w.ID, "subscription_id", sub.ID, "retry_count", retryCount, "cause", cause)
		return Result{Outcome: Abandoned, Pending: nil, AdvanceWatermark: true}
	}

	pending := &model.PendingDelivery{
		IllustID:   w.ID,
		TotalPages: totalPages,
		SentPages:  sentPages,
		RetryCount: retryCount,
	}
	return Result{Outcome: outcome, Pending: pending, AdvanceWatermark: false, Err: cause}
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

func sortedKeys(m map[int]struct{}) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
