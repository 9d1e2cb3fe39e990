// Package cli holds the operational helpers behind the authzctl subcommands.
package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/authz"
	"github.com/odyssey-erp/authz/jobs"
)

// FormatDecision renders a check verdict for the terminal.
func FormatDecision(d authz.Decision) string {
	out := fmt.Sprintf("%s (%s)", d.Outcome, d.Reason)
	if d.Err != nil {
		out += ": " + d.Err.Error()
	}
	return out
}

// FormatPredicate renders a generated filter as SQL followed by its
// positional arguments.
func FormatPredicate(pred sq.Sqlizer) (string, error) {
	if pred == nil {
		return "", errors.New("cli: nil predicate")
	}
	sql, args, err := pred.ToSql()
	if err != nil {
		return "", fmt.Errorf("cli: render predicate: %w", err)
	}
	var b strings.Builder
	b.WriteString(sql)
	for i, arg := range args {
		fmt.Fprintf(&b, "\n  $%d = %v", i+1, arg)
	}
	return b.String(), nil
}

// ParsePrincipals splits a comma-separated id list.
func ParsePrincipals(raw string) ([]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("cli: invalid principal id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// QueueStats summarises the current state of the warmup queue.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
}

func (s QueueStats) String() string {
	return fmt.Sprintf("queue=%s pending=%d active=%d scheduled=%d retry=%d",
		s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry)
}

// InspectQueue reports queue metrics for the default queue.
func InspectQueue(inspector *asynq.Inspector) (QueueStats, error) {
	if inspector == nil {
		return QueueStats{}, errors.New("cli: inspector not configured")
	}
	info, err := inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return QueueStats{}, fmt.Errorf("cli: inspect queue: %w", err)
	}
	stats := QueueStats{Queue: jobs.QueueDefault}
	if info != nil {
		stats.Pending = int(info.Pending)
		stats.Active = int(info.Active)
		stats.Scheduled = int(info.Scheduled)
		stats.Retry = int(info.Retry)
	}
	return stats, nil
}
