// Package admin holds the CLI-facing read and maintenance operations over
// the dispatch core: statistics, the worker leaderboard, peeking at a
// single job, and force-cancelling one. Each function is a thin wrapper
// over orchestrator.Root, mirroring the teacher's own admin package
// (functions taking a config/client pair and returning a JSON-shaped
// result struct for the CLI to marshal).
package admin

import (
	"context"
	"fmt"

	"github.com/taskmesh/dispatch/internal/domain"
	"github.com/taskmesh/dispatch/internal/orchestrator"
)

// StatsResult is the admin-cmd "stats" output: job counts by state.
type StatsResult struct {
	ByState map[domain.State]int64 `json:"by_state"`
}

func Stats(root *orchestrator.Root) StatsResult {
	return StatsResult{ByState: root.GetStatistics()}
}

// LeaderboardResult is the admin-cmd "leaderboard" output.
type LeaderboardResult struct {
	Workers []orchestrator.WorkerRow `json:"workers"`
}

func Leaderboard(ctx context.Context, root *orchestrator.Root) (LeaderboardResult, error) {
	rows, err := root.GetLeaderboard(ctx)
	if err != nil {
		return LeaderboardResult{}, err
	}
	return LeaderboardResult{Workers: rows}, nil
}

// PeekJobResult is the admin-cmd "peek-job" output: a job's best response
// plus summary statistics, never the raw competing response bytes (the
// same egress shape offered to validators).
type PeekJobResult = orchestrator.JobResponsesView

func PeekJob(ctx context.Context, root *orchestrator.Root, jobID string) (PeekJobResult, error) {
	if jobID == "" {
		return PeekJobResult{}, fmt.Errorf("peek-job requires a job id")
	}
	return root.GetJobResponses(ctx, jobID)
}

// CancelJobResult is the admin-cmd "cancel-job" output.
type CancelJobResult struct {
	JobID     string `json:"job_id"`
	Cancelled bool   `json:"cancelled"`
}

func CancelJob(ctx context.Context, root *orchestrator.Root, jobID, reason string) (CancelJobResult, error) {
	if jobID == "" {
		return CancelJobResult{}, fmt.Errorf("cancel-job requires a job id")
	}
	if err := root.CancelJob(ctx, jobID, reason); err != nil {
		return CancelJobResult{}, err
	}
	return CancelJobResult{JobID: jobID, Cancelled: true}, nil
}
