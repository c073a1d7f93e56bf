package bot

import (
	"fmt"
	"strconv"
	"strings"

	"pixivbot/internal/model"
)

// ParseSubArgs parses `/sub <id[,id...]> [+tag -tag ...]` into the list of
// task values to subscribe to and the parsed tag filter to merge in.
func ParseSubArgs(args string) ([]string, model.TagFilter, error) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return nil, model.TagFilter{}, fmt.Errorf("usage: /sub <id[,id...]> [+tag -tag ...]")
	}

	ids := strings.Split(fields[0], ",")
	for _, id := range ids {
		if _, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64); err != nil {
			return nil, model.TagFilter{}, fmt.Errorf("invalid id %q", id)
		}
	}

	filter := model.TagFilter{}
	for _, tok := range fields[1:] {
		switch {
		case strings.HasPrefix(tok, "+"):
			if tag := strings.TrimPrefix(tok, "+"); tag != "" {
				filter.Include = append(filter.Include, tag)
			}
		case strings.HasPrefix(tok, "-"):
			if tag := strings.TrimPrefix(tok, "-"); tag != "" {
				filter.Exclude = append(filter.Exclude, tag)
			}
		default:
			return nil, model.TagFilter{}, fmt.Errorf("tag %q must start with + or -", tok)
		}
	}

	return ids, filter, nil
}

// ParseIDList parses a comma-separated list of ids, e.g. for /unsub.
func ParseIDList(args string) ([]string, error) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return nil, fmt.Errorf("usage: /unsub <id[,id...]>")
	}
	ids := strings.Split(fields[0], ",")
	for _, id := range ids {
		if _, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64); err != nil {
			return nil, fmt.Errorf("invalid id %q", id)
		}
	}
	return ids, nil
}

// ParseRankMode validates a ranking mode argument.
func ParseRankMode(args string) (model.RankingMode, error) {
	mode := model.RankingMode(strings.ToLower(strings.TrimSpace(args)))
	switch mode {
	case model.RankingDaily, model.RankingWeekly, model.RankingMonthly:
		return mode, nil
	default:
		return "", fmt.Errorf("usage: <daily|weekly|monthly>")
	}
}

// ParseTagList splits a comma- or space-separated tag list into a slice.
func ParseTagList(args string) []string {
	replaced := strings.ReplaceAll(args, ",", " ")
	return strings.Fields(replaced)
}

// ParseOnOff parses an "on"/"off" toggle argument.
func ParseOnOff(args string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(args)) {
	case "on":
		return true, nil
	case "off":
		return false, nil
	default:
		return false, fmt.Errorf("usage: <on|off>")
	}
}

// ParseOptionalChatID parses an optional numeric chat id argument, falling
// back to the given default when args is blank (e.g. "/enablechat" inside
// the target chat itself).
func ParseOptionalChatID(args string, fallback int64) (int64, error) {
	args = strings.TrimSpace(args)
	if args == "" {
		return fallback, nil
	}
	id, err := strconv.ParseInt(args, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id %q", args)
	}
	return id, nil
}

// ParseDownloadArg resolves a /download argument to a work id, accepting
// either a bare numeric id or a source URL ending in /<id> or containing
// illust_id=<id>.
func ParseDownloadArg(args string) (int64, error) {
	args = strings.TrimSpace(args)
	if args == "" {
		return 0, fmt.Errorf("usage: /download <url|id>")
	}
	if id, err := strconv.ParseInt(args, 10, 64); err == nil {
		return id, nil
	}

	if idx := strings.Index(args, "illust_id="); idx >= 0 {
		rest := args[idx+len("illust_id="):]
		if amp := strings.IndexAny(rest, "&?"); amp >= 0 {
			rest = rest[:amp]
		}
		if id, err := strconv.ParseInt(rest, 10, 64); err == nil {
			return id, nil
		}
	}

	trimmed := strings.TrimRight(args, "/")
	last := trimmed
	if slash := strings.LastIndex(trimmed, "/"); slash >= 0 {
		last = trimmed[slash+1:]
	}
	if cut := strings.IndexAny(last, "?#"); cut >= 0 {
		last = last[:cut]
	}
	if id, err := strconv.ParseInt(last, 10, 64); err == nil {
		return id, nil
	}

	return 0, fmt.Errorf("could not resolve a work id from %q", args)
}
