package bot

import (
	"fmt"
	"strings"

	"pixivbot/internal/model"
	"pixivbot/internal/notifier"
)

func formatTagFilter(f model.TagFilter) string {
	if len(f.Include) == 0 && len(f.Exclude) == 0 {
		return "(no tag filter)"
	}
	var b strings.Builder
	if len(f.Include) > 0 {
		fmt.Fprintf(&b, "include: %s", strings.Join(f.Include, ", "))
	}
	if len(f.Exclude) > 0 {
		if b.Len() > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "exclude: %s", strings.Join(f.Exclude, ", "))
	}
	return b.String()
}

// FormatSubscriptionList renders a chat's subscriptions, one per line.
func FormatSubscriptionList(subs []model.Subscription, tasks map[int64]*model.Task) string {
	if len(subs) == 0 {
		return notifier.Escape("no active subscriptions")
	}
	var b strings.Builder
	b.WriteString("Subscriptions:\n")
	for _, s := range subs {
		task := tasks[s.TaskID]
		label := "unknown task"
		if task != nil {
			switch task.Kind {
			case model.TaskAuthor:
				name := task.LatestData.AuthorName
				if name == "" {
					name = task.Value
				}
				label = fmt.Sprintf("author %s (id %s)", name, task.Value)
			case model.TaskRanking:
				label = fmt.Sprintf("ranking %s", task.Value)
			}
		}
		fmt.Fprintf(&b, "- [%d] %s — %s\n", s.ID, notifier.Escape(label), notifier.Escape(formatTagFilter(s.Filter)))
	}
	return b.String()
}

// FormatSettings renders a chat's current content-filtering settings.
func FormatSettings(s model.ChatSettings) string {
	var b strings.Builder
	b.WriteString("Settings:\n")
	fmt.Fprintf(&b, "- blur sensitive: %v\n", s.BlurSensitive)
	sensitive := "(none)"
	if len(s.SensitiveTags) > 0 {
		sensitive = strings.Join(s.SensitiveTags, ", ")
	}
	fmt.Fprintf(&b, "- sensitive tags: %s\n", notifier.Escape(sensitive))
	excluded := "(none)"
	if len(s.ExcludedTags) > 0 {
		excluded = strings.Join(s.ExcludedTags, ", ")
	}
	fmt.Fprintf(&b, "- excluded tags: %s\n", notifier.Escape(excluded))
	return b.String()
}

const helpText = `Commands:
/sub <id[,id...]> [+tag -tag ...] — subscribe this chat to one or more authors
/subrank <daily|weekly|monthly> — subscribe this chat to a ranking
/unsub <id[,id...]> — remove author subscriptions
/unsubrank <daily|weekly|monthly> — remove a ranking subscription
/list — list this chat's subscriptions
/settings — show content filter settings
/blursensitive <on|off> — toggle spoiler blur on sensitive works
/sensitivetags <tags> — set the tags treated as sensitive
/clearsensitivetags — clear the sensitive tag list
/excludetags <tags> — set tags excluded from all deliveries
/clearexcludedtags — clear the excluded tag list
/cancel — cancel the pending multi-step command, if any
/download <url|id> — fetch one work on demand
Reply "unsub" to a delivered album to remove the subscription that sent it.`

// FormatHelp renders the command reference.
func FormatHelp() string {
	return notifier.Escape(helpText)
}
