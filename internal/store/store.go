// Package store defines the storage-agnostic capability set the dispatch
// core depends on (spec §9 design notes: "define a Store capability set...
// the core is polymorphic over any implementation providing them"). The
// concrete implementation in store/redisstore backs it with Redis, mirroring
// the teacher's own choice of Redis as the system of record, but nothing
// above this interface knows that.
package store

import (
	"context"
	"time"

	"github.com/taskmesh/dispatch/internal/domain"
)

// Order controls the sort direction of ListJobsByState. In the Redis store
// only the pending index is scored by created_at, so pending jobs come back
// in created_at order; the other state indexes are written with score 0,
// so their jobs come back sorted by job id in the chosen direction.
type Order int

const (
	OrderDesc Order = iota
	OrderAsc
)

// AssignOutcome is the result of one AssignWorkers call (spec §4.3).
type AssignOutcome struct {
	Committed    []string
	TransitionedToAssigned bool
}

// RecordOutcome is the result of one RecordResponse call (spec §4.1).
type RecordOutcome string

const (
	RecordAccepted        RecordOutcome = "accepted"
	RecordDuplicate       RecordOutcome = "duplicate"
	RecordUnknownJob      RecordOutcome = "unknown_job"
	RecordWorkerNotAssigned RecordOutcome = "worker_not_assigned"
)

// StatePatch carries the fields UpdateState may set alongside a state
// change (spec §4.1's "patch" argument). Only non-nil fields are applied.
type StatePatch struct {
	Metadata       map[string]string
	AllResponsesAt *time.Time
	CompletedAt    *time.Time
	BestResponse   *domain.Response
}

// JobStore is C4: the job half of the persistent store.
type JobStore interface {
	CreateJob(ctx context.Context, job domain.Job) error
	GetJob(ctx context.Context, jobID string) (domain.Job, error)
	ListJobsByState(ctx context.Context, state domain.State, limit int, order Order) ([]domain.Job, error)
	ListJobsAssignedTo(ctx context.Context, workerID string, states []domain.State) ([]domain.Job, error)

	// AssignWorkers implements the atomic contract of spec §4.3: rejects
	// duplicates and over-capacity candidates at commit time, writes the
	// survivors in one commit, and transitions pending->assigned when the
	// post-commit size crosses min_workers.
	AssignWorkers(ctx context.Context, jobID string, candidates []string, minWorkers, maxWorkers int) (AssignOutcome, error)

	// RecordResponse implements spec §4.1's idempotent response recording.
	RecordResponse(ctx context.Context, jobID, workerID string, resp domain.Response) (RecordOutcome, error)

	// UpdateState enforces the state machine of spec §4.1. When the new
	// state is terminal it also decrements load for every currently
	// assigned worker exactly once, guarded by the job's LoadDecremented
	// flag (spec §4.4 step 3).
	UpdateState(ctx context.Context, jobID string, newState domain.State, patch StatePatch) error

	// DeleteJob removes a job row entirely; used by the old-job reaper
	// after a successful archive write (spec §4.5).
	DeleteJob(ctx context.Context, jobID string) error

	// CountsByState returns the number of jobs in each of the states
	// listed, tolerating states with zero jobs (spec §4.6).
	CountsByState(ctx context.Context, states []domain.State) (map[domain.State]int64, error)
}

// WorkerStore is C3's storage half: raw CRUD and counters. Ranking,
// eligibility filtering, and multi-validator conflict resolution live one
// layer up in package roster (spec §9: "the roster a pure in-memory/thin-
// cache layer over the store's worker rows").
type WorkerStore interface {
	GetWorker(ctx context.Context, workerID string) (domain.Worker, bool, error)
	PutWorker(ctx context.Context, w domain.Worker) error
	ListWorkers(ctx context.Context) ([]domain.Worker, error)

	// IncLoad/DecLoad atomically adjust the load counter, clamped to
	// [0, max_capacity] (spec §4.2 Worker invariant (a)). IncLoad creates a
	// minimal row (max_capacity=5, load=1) if none exists yet.
	IncLoad(ctx context.Context, workerID string) (int, error)
	DecLoad(ctx context.Context, workerID string) (int, error)
	LoadOf(ctx context.Context, workerID string) (int, error)

	// LiveCount is |{j : j in activeStates and workerID in assigned_workers(j)}|,
	// used to compute effective_load = max(counter, live_count).
	LiveCount(ctx context.Context, workerID string, activeStates []domain.State) (int, error)

	// ReapInactive deletes worker rows whose last_seen predates cutoff,
	// returning the number removed (spec §4.2 Worker invariant (c), §4.5).
	ReapInactive(ctx context.Context, cutoff time.Time) (int, error)

	DeleteWorker(ctx context.Context, workerID string) error
}

// BlobStore is C2's cache of descriptors the ingress layer has already
// resolved; internal/blob.Adapter consults it before going to S3.
type BlobStore interface {
	GetBlobMetadata(ctx context.Context, blobID string) (domain.BlobDescriptor, bool, error)
	PutBlobMetadata(ctx context.Context, desc domain.BlobDescriptor) error
}

// Store is the full capability set consumed by scheduler, aggregator, and
// roster (spec §9: breaking the scheduler<->roster<->store dependency
// cycle by making the store an interface).
type Store interface {
	JobStore
	WorkerStore
	BlobStore

	// Ping reports whether the store is reachable, backing the ambient
	// /readyz liveness surface without leaking the concrete backend
	// (redis, or otherwise) past this interface.
	Ping(ctx context.Context) error
}
