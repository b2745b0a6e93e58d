package scheduler

import (
	"context"

	"log/slog"

	"go.fluxdispatch.dev/internal/platform/dispatchjob"
)

// BlockChecker gates BLOCK_ON_ERROR dispatch: a message group with any job
// currently in ERROR status has every other BLOCK_ON_ERROR job in that
// group held back until the error is resolved, so jobs in the same group
// never deliver out of the order they were created in.
type BlockChecker struct {
	jobRepo dispatchjob.Repository
}

func NewBlockChecker(jobRepo dispatchjob.Repository) *BlockChecker {
	return &BlockChecker{jobRepo: jobRepo}
}

// IsGroupBlocked reports whether messageGroup currently has an ERROR job. A
// repository failure fails open (returns false) rather than halting every
// dispatch in the group over a transient lookup error.
func (c *BlockChecker) IsGroupBlocked(ctx context.Context, messageGroup string) bool {
	if messageGroup == "" {
		return false
	}

	blocked, err := c.jobRepo.HasErrorJobsInGroup(ctx, messageGroup)
	if err != nil {
		slog.Error("block check failed, failing open", "messageGroup", messageGroup, "error", err)
		return false
	}
	if blocked {
		slog.Debug("message group blocked by existing error job", "messageGroup", messageGroup)
	}
	return blocked
}

// GetBlockedGroups batches IsGroupBlocked across many groups in one
// repository round trip, deduplicating the input first.
func (c *BlockChecker) GetBlockedGroups(ctx context.Context, groups []string) map[string]bool {
	unique := dedupeNonEmpty(groups)
	if len(unique) == 0 {
		return map[string]bool{}
	}

	blocked, err := c.jobRepo.GetBlockedMessageGroups(ctx, unique)
	if err != nil {
		slog.Error("batch block check failed, failing open", "groupCount", len(unique), "error", err)
		return map[string]bool{}
	}
	if len(blocked) > 0 {
		slog.Debug("block check found blocked groups", "blockedCount", len(blocked), "checkedCount", len(unique))
	}
	return blocked
}

func dedupeNonEmpty(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	return result
}

// ShouldBlockJob reports whether job should be held back: only jobs running
// in BLOCK_ON_ERROR mode are subject to blocking at all.
func (c *BlockChecker) ShouldBlockJob(ctx context.Context, job *dispatchjob.DispatchJob) bool {
	if job.Mode != dispatchjob.DispatchModeBlockOnError {
		return false
	}
	return c.IsGroupBlocked(ctx, job.MessageGroup)
}

// FilterBlockedJobs splits jobs into the subset clear to dispatch, dropping
// any BLOCK_ON_ERROR job whose group currently has an error. It also returns
// the blocked-group map so callers can log or report on what was held back.
func (c *BlockChecker) FilterBlockedJobs(ctx context.Context, jobs []*dispatchjob.DispatchJob) ([]*dispatchjob.DispatchJob, map[string]bool) {
	if len(jobs) == 0 {
		return jobs, map[string]bool{}
	}

	candidateGroups := make([]string, 0)
	for _, job := range jobs {
		if job.Mode == dispatchjob.DispatchModeBlockOnError && job.MessageGroup != "" {
			candidateGroups = append(candidateGroups, job.MessageGroup)
		}
	}

	blockedGroups := c.GetBlockedGroups(ctx, candidateGroups)
	if len(blockedGroups) == 0 {
		return jobs, blockedGroups
	}

	allowed := make([]*dispatchjob.DispatchJob, 0, len(jobs))
	for _, job := range jobs {
		if job.Mode == dispatchjob.DispatchModeBlockOnError && blockedGroups[job.MessageGroup] {
			slog.Debug("job held back by block-on-error", "jobId", job.ID, "messageGroup", job.MessageGroup)
			continue
		}
		allowed = append(allowed, job)
	}

	if held := len(jobs) - len(allowed); held > 0 {
		slog.Info("block-on-error filtering held back jobs", "held", held, "allowed", len(allowed), "blockedGroups", len(blockedGroups))
	}

	return allowed, blockedGroups
}
