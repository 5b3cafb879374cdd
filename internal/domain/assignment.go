package domain

import "time"

// AssignmentState mirrors an assignment's own lifecycle, denormalised
// alongside the job per spec §3.
type AssignmentState string

const (
	AssignmentPending   AssignmentState = "pending"
	AssignmentCompleted AssignmentState = "completed"
	AssignmentFailed    AssignmentState = "failed"
	AssignmentTimeout   AssignmentState = "timeout"
)

// Assignment records one worker's claim on a job. The core stores these
// inline on the job's AssignedWorkers/Responses lists (spec §6: "implementers
// may denormalise or keep inline arrays on the job row"); this type exists
// for query surfaces (admin peek, leaderboard) that want a flat view.
type Assignment struct {
	AssignmentID string          `json:"assignment_id"`
	JobID        string          `json:"job_id"`
	WorkerID     string          `json:"worker_id"`
	State        AssignmentState `json:"state"`
	AssignedAt   time.Time       `json:"assigned_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}
