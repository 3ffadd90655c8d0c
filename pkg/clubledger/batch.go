package clubledger

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// Runner is the scheduled loyalty sweep. It re-walks tenure, level and
// pending benefits for every user with the same pure evaluation used by
// the real-time payment path. Scheduling is the caller's concern: hook
// Sweep to a timer or an external cron trigger.
type Runner struct {
	engine *Engine
}

// NewRunner creates a sweep runner on top of an engine.
func NewRunner(engine *Engine) *Runner {
	return &Runner{engine: engine}
}

type pendingPrompt struct {
	userID string
	tier   Tier
}

// Sweep re-evaluates every user, partitioned into fixed-size groups.
// Each group runs in a savepoint: a failing group rolls back alone,
// prior and subsequent groups are unaffected. Per-item errors inside a
// group are counted without aborting the group. Benefit prompts, both
// for fresh upgrades and for rewards still pending from earlier ones,
// fan out after commit, bounded by Config.PromptConcurrency.
func (r *Runner) Sweep(ctx context.Context) (*BatchStats, error) {
	e := r.engine
	stats := &BatchStats{Started: time.Now().UTC()}

	ids, err := e.storage.ListUserIDs(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to list users: %w", err)
	}
	stats.Users = len(ids)

	groups := partition(ids, e.config.BatchSize)
	stats.Groups = len(groups)

	var prompts []pendingPrompt
	err = e.storage.WithinTx(ctx, func(ctx context.Context, tx Storage) error {
		for gi, group := range groups {
			groupPrompts := make([]pendingPrompt, 0, len(group))
			gErr := tx.WithinTx(ctx, func(ctx context.Context, sp Storage) error {
				for _, id := range group {
					if err := r.sweepUser(ctx, sp, id, stats, &groupPrompts); err != nil {
						stats.ItemErrors++
						e.log.Warn("sweep item failed",
							Field{Key: "user", Value: MaskUserID(id)},
							Field{Key: "error", Value: err.Error()})
					}
				}
				return nil
			})
			if gErr != nil {
				stats.FailedGroups++
				e.log.Error("sweep group rolled back",
					Field{Key: "group", Value: gi},
					Field{Key: "error", Value: gErr.Error()})
				continue
			}
			prompts = append(prompts, groupPrompts...)
		}
		return nil
	})
	stats.Finished = time.Now().UTC()
	if err != nil {
		e.metrics.RecordBatchRun(stats.Users, stats.FailedGroups, stats.ItemErrors, stats.Finished.Sub(stats.Started))
		return stats, err
	}

	stats.PromptsQueued = len(prompts)
	g, pctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.PromptConcurrency)
	for _, p := range prompts {
		p := p
		g.Go(func() error {
			e.promptBenefit(pctx, p.userID, p.tier)
			return nil
		})
	}
	_ = g.Wait()

	e.metrics.RecordBatchRun(stats.Users, stats.FailedGroups, stats.ItemErrors, stats.Finished.Sub(stats.Started))
	r.notifyOperator(ctx, stats)
	return stats, nil
}

func (r *Runner) sweepUser(ctx context.Context, tx Storage, userID string, stats *BatchStats, prompts *[]pendingPrompt) error {
	e := r.engine
	now := e.now()

	user, err := tx.GetUser(ctx, userID)
	if err != nil {
		return err
	}

	delta, promptDue, err := e.evaluateLoyalty(ctx, tx, user, now, e.config.AllowTierDowngrade)
	if err != nil {
		return err
	}
	switch {
	case delta > 0:
		stats.LevelUps++
	case delta < 0:
		stats.Downgrades++
	}
	if promptDue {
		*prompts = append(*prompts, pendingPrompt{userID: user.ID, tier: user.Tier})
	}

	// A reward left pending from an upgrade without an active
	// subscription gets its prompt once the user is active again.
	if delta == 0 && user.PendingReward {
		active, err := tx.ActiveSubscription(ctx, user.ID, now)
		if err != nil {
			return err
		}
		if active != nil {
			*prompts = append(*prompts, pendingPrompt{userID: user.ID, tier: user.Tier})
		}
	}

	user.UpdatedAt = now
	return tx.SaveUser(ctx, user)
}

// notifyOperator sends the aggregate sweep summary. Failures are logged
// only; the sweep already committed.
func (r *Runner) notifyOperator(ctx context.Context, stats *BatchStats) {
	e := r.engine
	if e.config.OperatorUserID == "" {
		return
	}
	text := fmt.Sprintf(
		"Loyalty sweep: %d users in %d groups, %d level ups, %d downgrades, %d prompts, %d item errors, %d failed groups (%s)",
		stats.Users, stats.Groups, stats.LevelUps, stats.Downgrades,
		stats.PromptsQueued, stats.ItemErrors, stats.FailedGroups,
		stats.Finished.Sub(stats.Started).Round(time.Millisecond),
	)
	if err := e.notifier.SendMessage(ctx, e.config.OperatorUserID, text); err != nil {
		e.log.Warn("operator summary failed", Field{Key: "error", Value: err.Error()})
	}
}

func partition(ids []string, size int) [][]string {
	if size <= 0 {
		size = 50
	}
	groups := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		groups = append(groups, ids[start:end])
	}
	return groups
}
