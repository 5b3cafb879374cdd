// Package orchestrator wires the dispatch core's components into the
// ingress/egress surface of spec §6. Root owns no independent state of
// its own beyond the component handles; every method is a thin,
// validating wrapper over store/roster/scheduler/aggregator/blob/notify.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/dispatch/internal/aggregator"
	"github.com/taskmesh/dispatch/internal/blob"
	"github.com/taskmesh/dispatch/internal/config"
	"github.com/taskmesh/dispatch/internal/domain"
	"github.com/taskmesh/dispatch/internal/notify"
	"github.com/taskmesh/dispatch/internal/obs"
	"github.com/taskmesh/dispatch/internal/reaper"
	"github.com/taskmesh/dispatch/internal/roster"
	"github.com/taskmesh/dispatch/internal/schemaval"
	"github.com/taskmesh/dispatch/internal/scheduler"
	"github.com/taskmesh/dispatch/internal/stats"
	"github.com/taskmesh/dispatch/internal/store"
)

// Root is the single composition point for the dispatch core (spec §6:
// "an external transport would be a thin adapter over these" methods).
type Root struct {
	store      store.Store
	roster     *roster.Roster
	scheduler  *scheduler.Scheduler
	aggregator *aggregator.Aggregator
	reaper     *reaper.Reaper
	stats      *stats.Reporter
	blob       *blob.Adapter
	notifier   *notify.Publisher
	schemas    *schemaval.Validator
	cfg        *config.Config
	log        *zap.Logger
}

// Dependencies bundles the pre-built components New assembles into a Root.
// Archive sink and notifier are optional and may be nil.
type Dependencies struct {
	Store      store.Store
	Roster     *roster.Roster
	Scheduler  *scheduler.Scheduler
	Aggregator *aggregator.Aggregator
	Reaper     *reaper.Reaper
	Stats      *stats.Reporter
	Blob       *blob.Adapter
	Notifier   *notify.Publisher
	Schemas    *schemaval.Validator
}

func New(deps Dependencies, cfg *config.Config, log *zap.Logger) *Root {
	return &Root{
		store:      deps.Store,
		roster:     deps.Roster,
		scheduler:  deps.Scheduler,
		aggregator: deps.Aggregator,
		reaper:     deps.Reaper,
		stats:      deps.Stats,
		blob:       deps.Blob,
		notifier:   deps.Notifier,
		schemas:    deps.Schemas,
		cfg:        cfg,
		log:        log,
	}
}

// Run starts every background loop on ctx and blocks until it is
// cancelled, mirroring the teacher's goroutine-per-role main loop.
func (r *Root) Run(ctx context.Context) {
	go r.scheduler.Run(ctx)
	go r.aggregator.Run(ctx)
	go r.reaper.RunStaleResponseLoop(ctx)
	go r.reaper.RunInactiveWorkerLoop(ctx)
	go r.reaper.RunOldJobLoop(ctx)
	go r.stats.Run(ctx)
	<-ctx.Done()
	r.aggregator.ForceFlush(context.Background())
	if r.notifier != nil {
		r.notifier.Close()
	}
}

// Ping reports whether the underlying store is reachable, backing the
// ambient /readyz liveness surface (internal/obs/http.go) through the
// same Store interface seam every other method uses, rather than a raw
// Redis client reference.
func (r *Root) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}

// SubmitJob validates and persists a new job (spec §6 ingress-from-ingress-layer).
func (r *Root) SubmitJob(ctx context.Context, kind domain.Kind, priority domain.Priority, minWorkers, maxWorkers int, input *domain.InputRef, metadata map[string]string) (string, error) {
	ctx, span := obs.StartSpan(ctx, "dispatch-core", "job.submit", obs.KeyValue("kind", string(kind)))
	defer span.End()

	if !domain.KnownKinds[kind] {
		err := domain.NewError(domain.KindInvariantViolation, "SubmitJob", fmt.Sprintf("unknown kind %q", kind), nil)
		obs.RecordError(ctx, err)
		return "", err
	}
	if minWorkers < 1 {
		err := domain.NewError(domain.KindInvariantViolation, "SubmitJob", "min_workers must be >= 1", nil)
		obs.RecordError(ctx, err)
		return "", err
	}
	if maxWorkers < minWorkers {
		err := domain.NewError(domain.KindInvariantViolation, "SubmitJob", "max_workers must be >= min_workers", nil)
		obs.RecordError(ctx, err)
		return "", err
	}
	if priority == "" {
		priority = domain.PriorityNormal
	}
	if r.blob != nil && input != nil && input.BlobID != "" {
		if _, err := r.blob.Resolve(ctx, input.BlobID); err != nil {
			obs.RecordError(ctx, err)
			return "", err
		}
	}

	job := domain.NewJob(kind, priority, input, minWorkers, maxWorkers, metadata)
	if err := r.store.CreateJob(ctx, job); err != nil {
		obs.RecordError(ctx, err)
		return "", err
	}
	obs.JobsSubmitted.Inc()
	obs.SetSpanSuccess(ctx)
	r.log.Info("job submitted", obs.String("job_id", job.ID), obs.String("kind", string(kind)))
	return job.ID, nil
}

// CancelJob transitions a non-terminal job to cancelled (spec §6).
// An optional reason is stamped onto metadata (supplemented feature,
// grounded on the original task_manager.py's reason-string convention).
func (r *Root) CancelJob(ctx context.Context, jobID, reason string) error {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if domain.IsTerminal(job.State) {
		return domain.NewError(domain.KindInvariantViolation, "CancelJob", fmt.Sprintf("job %s already terminal (%s)", jobID, job.State), nil)
	}

	patch := store.StatePatch{}
	if reason != "" {
		patch.Metadata = map[string]string{"cancellation_reason": reason}
	}
	if err := r.store.UpdateState(ctx, jobID, domain.StateCancelled, patch); err != nil {
		return err
	}
	obs.JobsCancelled.Inc()
	r.log.Info("job cancelled", obs.String("job_id", jobID), obs.String("reason", reason))
	return nil
}

// ReportWorkers merges one validator's batch of worker observations into
// the roster (spec §4.2, §6).
func (r *Root) ReportWorkers(ctx context.Context, validatorID string, snapshots []roster.WorkerSnapshot) error {
	now := time.Now().UTC()
	for _, snap := range snapshots {
		if err := r.roster.UpsertWorkerReport(ctx, validatorID, snap, now); err != nil {
			return fmt.Errorf("report worker %s: %w", snap.WorkerID, err)
		}
	}
	return nil
}

// MarkJobDone transitions a completed job to done or approved, storing the
// validator's evaluation verbatim (spec §6: "does not interpret it").
func (r *Root) MarkJobDone(ctx context.Context, jobID, validatorID string, target domain.State, evaluation string) error {
	if target != domain.StateDone && target != domain.StateApproved {
		return domain.NewError(domain.KindInvariantViolation, "MarkJobDone", "target must be done or approved", nil)
	}
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !domain.CanTransition(job.State, target) {
		return domain.NewError(domain.KindInvariantViolation, "MarkJobDone", fmt.Sprintf("cannot transition %s -> %s", job.State, target), nil)
	}

	evaluated := appendEvaluator(job.Metadata["evaluated_by"], validatorID)
	return r.store.UpdateState(ctx, jobID, target, store.StatePatch{
		Metadata: map[string]string{
			"evaluation":   evaluation,
			"evaluated_by": evaluated,
		},
	})
}

func appendEvaluator(existing, validatorID string) string {
	if existing == "" {
		return validatorID
	}
	for _, id := range strings.Split(existing, ",") {
		if id == validatorID {
			return existing
		}
	}
	return existing + "," + validatorID
}

func hasEvaluated(metadata map[string]string, validatorID string) bool {
	existing := metadata["evaluated_by"]
	if existing == "" {
		return false
	}
	for _, id := range strings.Split(existing, ",") {
		if id == validatorID {
			return true
		}
	}
	return false
}

// SubmitResponse validates a worker's output against any registered schema
// for the job's kind and feeds it into the aggregator (spec §6, §4.4).
func (r *Root) SubmitResponse(ctx context.Context, jobID, workerID string, resp domain.Response) error {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := r.schemas.ValidateOutput(job.Kind, resp.Output); err != nil {
		return err
	}
	resp.WorkerID = workerID
	resp.SubmittedAt = time.Now().UTC()
	return r.aggregator.Buffer(ctx, jobID, resp)
}

// ListMyJobs returns jobs assigned to workerID, filtered to the requested
// (non-terminal) states (spec §6: "terminal states must be filtered out
// even if the query asked for them").
func (r *Root) ListMyJobs(ctx context.Context, workerID string, states []domain.State) ([]domain.Job, error) {
	filtered := make([]domain.State, 0, len(states))
	for _, s := range states {
		if !domain.IsTerminal(s) {
			filtered = append(filtered, s)
		}
	}
	return r.store.ListJobsAssignedTo(ctx, workerID, filtered)
}

// ListJobsReadyForEvaluation returns completed jobs validatorID has not yet
// evaluated (spec §6).
func (r *Root) ListJobsReadyForEvaluation(ctx context.Context, validatorID string) ([]domain.Job, error) {
	completed, err := r.store.ListJobsByState(ctx, domain.StateCompleted, 0, store.OrderAsc)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Job, 0, len(completed))
	for _, j := range completed {
		if !hasEvaluated(j.Metadata, validatorID) {
			out = append(out, j)
		}
	}
	return out, nil
}

// JobResponsesView is the egress shape of spec §6's GetJobResponses: the
// best response plus summary statistics, never the raw competing bytes.
type JobResponsesView struct {
	JobID          string          `json:"job_id"`
	ResponseCount  int             `json:"response_count"`
	BestResponse   *domain.Response `json:"best_response,omitempty"`
	WorstProcessS  float64         `json:"worst_processing_time_s"`
	BestProcessS   float64         `json:"best_processing_time_s"`
}

// GetJobResponses returns the best-response view for jobID.
func (r *Root) GetJobResponses(ctx context.Context, jobID string) (JobResponsesView, error) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return JobResponsesView{}, err
	}
	view := JobResponsesView{JobID: jobID, ResponseCount: len(job.Responses), BestResponse: job.BestResponse}
	for i, resp := range job.Responses {
		if i == 0 || resp.ProcessingTimeS < view.BestProcessS {
			view.BestProcessS = resp.ProcessingTimeS
		}
		if i == 0 || resp.ProcessingTimeS > view.WorstProcessS {
			view.WorstProcessS = resp.ProcessingTimeS
		}
	}
	return view, nil
}

// GetStatistics returns the most recently reported counts-by-state (spec §6, §4.6).
func (r *Root) GetStatistics() map[domain.State]int64 {
	return r.stats.Snapshot()
}

// WorkerRow is one entry of the egress leaderboard view.
type WorkerRow struct {
	WorkerID         string  `json:"worker_id"`
	PerformanceScore float64 `json:"performance_score"`
	Stake            float64 `json:"stake"`
	Load             int     `json:"load"`
	MaxCapacity      int     `json:"max_capacity"`
}

// GetLeaderboard returns every known worker ranked by performance_score
// descending, tie-broken by stake descending (spec §6).
func (r *Root) GetLeaderboard(ctx context.Context) ([]WorkerRow, error) {
	workers, err := r.store.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]WorkerRow, 0, len(workers))
	for _, w := range workers {
		rows = append(rows, WorkerRow{
			WorkerID:         w.WorkerID,
			PerformanceScore: w.PerformanceScore,
			Stake:            w.Stake,
			Load:             w.Load,
			MaxCapacity:      w.MaxCapacity,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].PerformanceScore != rows[j].PerformanceScore {
			return rows[i].PerformanceScore > rows[j].PerformanceScore
		}
		return rows[i].Stake > rows[j].Stake
	})
	return rows, nil
}
