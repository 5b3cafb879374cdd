package domain

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies the category of inference work a job requests.
type Kind string

const (
	KindTranscription        Kind = "transcription"
	KindTTS                  Kind = "tts"
	KindSummarization        Kind = "summarization"
	KindTextTranslation      Kind = "text_translation"
	KindDocumentTranslation  Kind = "document_translation"
	KindVideoTranscription   Kind = "video_transcription"
)

// KnownKinds lists every kind the core accepts at CreateJob time.
var KnownKinds = map[Kind]bool{
	KindTranscription:       true,
	KindTTS:                 true,
	KindSummarization:       true,
	KindTextTranslation:     true,
	KindDocumentTranslation: true,
	KindVideoTranscription:  true,
}

// Priority orders jobs for operator visibility; the core does not itself
// reorder scheduling passes by priority (§4.3 processes pending/assigned
// batches without a priority queue) but persists it for observability and
// for future scheduler refinement.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// State is a job's position in the state machine of spec §4.1.
type State string

const (
	StatePending     State = "pending"
	StateAssigned    State = "assigned"
	StateInProgress  State = "in_progress"
	StateCompleted   State = "completed"
	StateDone        State = "done"
	StateApproved    State = "approved"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// ActiveStates are the states in which a job still counts against a
// worker's load (spec §3, Worker invariant (b)).
var ActiveStates = map[State]bool{
	StatePending:    true,
	StateAssigned:   true,
	StateInProgress: true,
}

// TerminalStates are states the core itself never transitions out of,
// except the `completed -> done -> approved` arrow which belongs to the
// external validator flow (spec §4.1).
var TerminalStates = map[State]bool{
	StateCompleted: true,
	StateDone:      true,
	StateApproved:  true,
	StateFailed:    true,
	StateCancelled: true,
}

// transitions enumerates every legal (from, to) arrow in spec §4.1. A
// transition not present here is illegal and UpdateState must reject it.
var transitions = map[State]map[State]bool{
	StatePending:    {StateAssigned: true, StateFailed: true, StateCancelled: true},
	StateAssigned:   {StateInProgress: true, StateCompleted: true, StateCancelled: true},
	StateInProgress: {StateCompleted: true, StateCancelled: true},
	StateCompleted:  {StateDone: true, StateApproved: true},
	StateDone:       {StateApproved: true},
}

// CanTransition reports whether moving a job from `from` to `to` is a legal
// arrow in the state machine. Identity transitions are never legal; callers
// that want idempotent no-ops must check for that themselves.
func CanTransition(from, to State) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// IsTerminal reports whether no further transitions originate from state s
// under the core's own authority (validator-driven completed->done->approved
// is the one exception, still listed here as terminal per spec §4.1).
func IsTerminal(s State) bool {
	return TerminalStates[s]
}

// InputRef names exactly one of a blob-backed or text-embedded payload
// reference for a job, per spec §3 ("exactly one of input_blob_id or
// input_text_id, or none").
type InputRef struct {
	BlobID string `json:"blob_id,omitempty"`
	TextID string `json:"text_id,omitempty"`
}

// Job is the central entity of the dispatch core (spec §3).
type Job struct {
	ID       string   `json:"job_id"`
	Kind     Kind     `json:"kind"`
	Priority Priority `json:"priority"`
	State    State    `json:"state"`

	MinWorkers      int `json:"min_workers"`
	MaxWorkers      int `json:"max_workers"`
	DesiredWorkers  int `json:"desired_workers"`

	AssignedWorkers []string   `json:"assigned_workers"`
	Responses       []Response `json:"responses"`

	Input       *InputRef `json:"input,omitempty"`
	BestResponse *Response `json:"best_response,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DistributedAt  *time.Time `json:"distributed_at,omitempty"`
	AllResponsesAt *time.Time `json:"all_responses_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`

	// LoadDecremented guards the worker load decrement on job
	// terminalisation so a restart cannot double-decrement (spec §4.4
	// step 3: "keyed by a load-decremented flag on the job to survive
	// restarts").
	LoadDecremented bool `json:"load_decremented"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewJob constructs a pending job from the caller's values and applies no
// defaults. Root.SubmitJob fills in priority=normal when the priority is
// empty; min/max workers are used as given and are not filled in from
// config defaults.
func NewJob(kind Kind, priority Priority, input *InputRef, minWorkers, maxWorkers int, metadata map[string]string) Job {
	now := time.Now().UTC()
	return Job{
		ID:              uuid.NewString(),
		Kind:            kind,
		Priority:        priority,
		State:           StatePending,
		MinWorkers:      minWorkers,
		MaxWorkers:      maxWorkers,
		DesiredWorkers:  maxWorkers,
		AssignedWorkers: []string{},
		Responses:       []Response{},
		Input:           input,
		CreatedAt:       now,
		UpdatedAt:       now,
		Metadata:        metadata,
	}
}

// HasWorker reports whether workerID is already in AssignedWorkers.
func (j *Job) HasWorker(workerID string) bool {
	for _, w := range j.AssignedWorkers {
		if w == workerID {
			return true
		}
	}
	return false
}

// HasResponseFrom reports whether a response from workerID is already
// recorded, enforcing invariant §3(c): at most one response per worker.
func (j *Job) HasResponseFrom(workerID string) bool {
	for _, r := range j.Responses {
		if r.WorkerID == workerID {
			return true
		}
	}
	return false
}
