package domain

import (
	"time"

	"github.com/google/uuid"
)

// Response is one worker's submitted result for a job (spec §3).
type Response struct {
	ResponseID      string    `json:"response_id"`
	WorkerID        string    `json:"worker_id"`
	SubmittedAt     time.Time `json:"submitted_at"`
	ProcessingTimeS float64   `json:"processing_time_s"`
	AccuracyScore   *float64  `json:"accuracy_score,omitempty"`
	SpeedScore      *float64  `json:"speed_score,omitempty"`
	Output          any       `json:"output,omitempty"`
	OutputBlobID    string    `json:"output_blob_id,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// NewResponse stamps a fresh response id and leaves SubmittedAt zero;
// Root.SubmitResponse sets SubmittedAt when it accepts the response, so
// replay/test code can control it.
func NewResponse(workerID string, processingTimeS float64, accuracy, speed *float64, output any, outputBlobID, errMsg string) Response {
	return Response{
		ResponseID:      uuid.NewString(),
		WorkerID:        workerID,
		ProcessingTimeS: processingTimeS,
		AccuracyScore:   accuracy,
		SpeedScore:      speed,
		Output:          output,
		OutputBlobID:    outputBlobID,
		Error:           errMsg,
	}
}

// ScoreWeights are the best-response selection weights of spec §4.4.1,
// exposed as configuration per the Open Questions in §9.
type ScoreWeights struct {
	Accuracy float64
	Speed    float64
}

// DefaultScoreWeights is the 0.7/0.3 split asserted by spec §4.4.1.
var DefaultScoreWeights = ScoreWeights{Accuracy: 0.7, Speed: 0.3}

// Score computes score(r) = w.Accuracy*accuracy + w.Speed*speed. Callers
// must only use this when AccuracyScore is set; BestResponse falls back to
// lowest processing time otherwise (spec §4.4.1).
func (w ScoreWeights) Score(r Response) float64 {
	var acc, spd float64
	if r.AccuracyScore != nil {
		acc = *r.AccuracyScore
	}
	if r.SpeedScore != nil {
		spd = *r.SpeedScore
	}
	return w.Accuracy*acc + w.Speed*spd
}

// BestResponse implements spec §4.4.1: rank by score descending, tie-break
// by lower processing time; if no response has AccuracyScore set, fall back
// to lowest processing time outright; empty input yields (nil, false).
func BestResponse(responses []Response, weights ScoreWeights) (*Response, bool) {
	if len(responses) == 0 {
		return nil, false
	}
	anyScored := false
	for _, r := range responses {
		if r.AccuracyScore != nil {
			anyScored = true
			break
		}
	}
	best := responses[0]
	if !anyScored {
		for _, r := range responses[1:] {
			if r.ProcessingTimeS < best.ProcessingTimeS {
				best = r
			}
		}
		out := best
		return &out, true
	}
	bestScore := weights.Score(best)
	for _, r := range responses[1:] {
		s := weights.Score(r)
		if s > bestScore || (s == bestScore && r.ProcessingTimeS < best.ProcessingTimeS) {
			best = r
			bestScore = s
		}
	}
	out := best
	return &out, true
}
