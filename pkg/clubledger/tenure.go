package clubledger

import (
	"context"
	"sort"
	"time"
)

// TenureDays computes cumulative paid-and-active days from a
// subscription history. Every window is clamped to now, empty and
// future-only windows are discarded, and overlapping or touching
// windows are merged before summing, so gaps are never counted and an
// early renewal is never double-counted. Pure function of its inputs.
func TenureDays(subs []Subscription, now time.Time) int {
	type interval struct {
		start, end time.Time
	}

	intervals := make([]interval, 0, len(subs))
	for _, s := range subs {
		end := s.End
		if end.After(now) {
			end = now
		}
		if !s.Start.Before(end) {
			continue
		}
		intervals = append(intervals, interval{start: s.Start, end: end})
	}
	if len(intervals) == 0 {
		return 0
	}

	sort.Slice(intervals, func(i, j int) bool {
		return intervals[i].start.Before(intervals[j].start)
	})

	var total time.Duration
	cur := intervals[0]
	for _, iv := range intervals[1:] {
		if !iv.start.After(cur.end) {
			// Overlapping or touching: extend the current run.
			if iv.end.After(cur.end) {
				cur.end = iv.end
			}
			continue
		}
		total += cur.end.Sub(cur.start)
		cur = iv
	}
	total += cur.end.Sub(cur.start)

	return int(total / (24 * time.Hour))
}

// TenureDays returns the user's current tenure from stored history.
func (e *Engine) TenureDays(ctx context.Context, userID string) (int, error) {
	subs, err := e.storage.SubscriptionsByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return TenureDays(subs, e.now()), nil
}
