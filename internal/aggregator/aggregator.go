// Package aggregator is C6: coalesces bursts of per-worker responses into
// batched store commits. The buffer is a mutex-protected map, not an
// actor (spec §5, §9 design notes), with a per-job flush lock grounded on
// the teacher's per-resource locking pattern in internal/breaker's
// CircuitBreaker.
package aggregator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/dispatch/internal/config"
	"github.com/taskmesh/dispatch/internal/domain"
	"github.com/taskmesh/dispatch/internal/obs"
	"github.com/taskmesh/dispatch/internal/store"
)

type bufferedResponse struct {
	resp      domain.Response
	arrivedAt time.Time
}

// Aggregator buffers responses per job and flushes them to the store in
// batches (spec §4.4).
type Aggregator struct {
	store store.JobStore
	cfg   config.Aggregator
	log   *zap.Logger

	mu      sync.Mutex
	buffers map[string][]bufferedResponse

	flushLocksMu sync.Mutex
	flushLocks   map[string]*sync.Mutex
}

func New(s store.JobStore, cfg config.Aggregator, log *zap.Logger) *Aggregator {
	return &Aggregator{
		store:      s,
		cfg:        cfg,
		log:        log,
		buffers:    make(map[string][]bufferedResponse),
		flushLocks: make(map[string]*sync.Mutex),
	}
}

// Buffer accepts a worker's response for a job, applying the second-line
// duplicate protection of spec §4.4: reject if worker_id already present
// either on the job's current snapshot or in the in-memory buffer.
func (a *Aggregator) Buffer(ctx context.Context, jobID string, resp domain.Response) error {
	job, err := a.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.HasResponseFrom(resp.WorkerID) {
		return nil // already recorded on the store's snapshot; silently drop
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, b := range a.buffers[jobID] {
		if b.resp.WorkerID == resp.WorkerID {
			return nil // already buffered, silently drop
		}
	}
	a.buffers[jobID] = append(a.buffers[jobID], bufferedResponse{resp: resp, arrivedAt: time.Now().UTC()})
	obs.AggregatorBufferDepth.Inc()

	replicationReached := job.MinWorkers > 0 && len(job.Responses)+len(a.buffers[jobID]) >= job.MinWorkers
	shouldFlush := len(a.buffers[jobID]) >= a.cfg.FlushSize || replicationReached
	if shouldFlush {
		go a.Flush(ctx, jobID)
	}
	return nil
}

// Run wakes every flush_scan_interval to flush jobs whose oldest buffered
// response has aged past flush_timeout (spec §4.4).
func (a *Aggregator) Run(ctx context.Context) {
	interval := time.Duration(a.cfg.ScanIntervalS) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.scanOnce(ctx)
		}
	}
}

func (a *Aggregator) scanOnce(ctx context.Context) {
	timeout := time.Duration(a.cfg.FlushTimeoutS) * time.Second
	now := time.Now().UTC()

	a.mu.Lock()
	due := make([]string, 0)
	for jobID, buf := range a.buffers {
		if len(buf) == 0 {
			continue
		}
		oldest := buf[0].arrivedAt
		if now.Sub(oldest) > timeout {
			due = append(due, jobID)
		}
	}
	a.mu.Unlock()

	for _, jobID := range due {
		a.Flush(ctx, jobID)
	}
}

// ForceFlush flushes every buffered job immediately. Root.Run calls it on
// shutdown; cancelling a job does not flush that job's buffer.
func (a *Aggregator) ForceFlush(ctx context.Context) {
	a.mu.Lock()
	ids := make([]string, 0, len(a.buffers))
	for jobID := range a.buffers {
		ids = append(ids, jobID)
	}
	a.mu.Unlock()
	for _, jobID := range ids {
		a.Flush(ctx, jobID)
	}
}

func (a *Aggregator) lockFor(jobID string) *sync.Mutex {
	a.flushLocksMu.Lock()
	defer a.flushLocksMu.Unlock()
	l, ok := a.flushLocks[jobID]
	if !ok {
		l = &sync.Mutex{}
		a.flushLocks[jobID] = l
	}
	return l
}

// Flush applies every buffered response for jobID in arrival order via
// RecordResponse, advances the job to completed once replication is met,
// and clears the buffer (spec §4.4 flush semantics).
func (a *Aggregator) Flush(ctx context.Context, jobID string) {
	lock := a.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	a.mu.Lock()
	batch := a.buffers[jobID]
	delete(a.buffers, jobID)
	a.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	obs.AggregatorBufferDepth.Sub(float64(len(batch)))

	job, err := a.store.GetJob(ctx, jobID)
	if err != nil {
		a.log.Warn("aggregator: flush could not load job", obs.String("job_id", jobID), obs.Err(err))
		return
	}

	for _, b := range batch {
		outcome, err := a.store.RecordResponse(ctx, jobID, b.resp.WorkerID, b.resp)
		if err != nil {
			a.log.Warn("aggregator: record response failed", obs.String("job_id", jobID), obs.Err(err))
			continue
		}
		switch outcome {
		case store.RecordAccepted:
			obs.ResponsesRecorded.Inc()
			job.Responses = append(job.Responses, b.resp)
		case store.RecordDuplicate:
			obs.ResponsesDuplicate.Inc()
		}
	}

	if domain.IsTerminal(job.State) {
		return
	}
	if job.MinWorkers > 0 && len(job.Responses) >= job.MinWorkers {
		weights := domain.ScoreWeights{Accuracy: a.cfg.ScoreWeightAccuracy, Speed: a.cfg.ScoreWeightSpeed}
		best, _ := domain.BestResponse(job.Responses, weights)
		now := time.Now().UTC()
		if err := a.store.UpdateState(ctx, jobID, domain.StateCompleted, store.StatePatch{
			AllResponsesAt: &now,
			BestResponse:   best,
		}); err != nil {
			a.log.Warn("aggregator: terminalize job failed", obs.String("job_id", jobID), obs.Err(err))
			return
		}
		obs.JobsCompleted.Inc()
	}
}
