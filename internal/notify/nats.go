// Package notify is the optional push-notification fan-out that fires each
// time the scheduler commits workers to a job: workers that prefer a push over polling
// ListMyJobs get a best-effort NATS nudge. Grounded on the teacher's
// internal/event-hooks NATSPublisher (JetStream publish with a
// subject/header layout) and its webhook rate limiter.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/taskmesh/dispatch/internal/config"
)

// AssignmentEvent is published whenever a job commits a worker assignment.
type AssignmentEvent struct {
	JobID     string   `json:"job_id"`
	Kind      string   `json:"kind"`
	WorkerIDs []string `json:"worker_ids"`
	Timestamp string   `json:"timestamp"`
}

// Publisher is the optional C-notify component. A nil *Publisher is valid
// and every method on it is a no-op, so callers can wire it unconditionally
// and let config decide whether it does anything.
type Publisher struct {
	conn    *nats.Conn
	subject string
	limiter *rate.Limiter
	log     *zap.Logger
}

// New connects to NATS when cfg.Enabled is true. When disabled it returns
// (nil, nil) so callers can treat the zero value as "notifications off".
func New(cfg config.Notify, log *zap.Logger) (*Publisher, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	conn, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	qps := cfg.RateQPS
	if qps <= 0 {
		qps = 50
	}
	return &Publisher{
		conn:    conn,
		subject: cfg.Subject,
		limiter: rate.NewLimiter(rate.Limit(qps), qps),
		log:     log,
	}, nil
}

// PublishAssignment pushes a best-effort notification for a newly assigned
// job. Failures are logged, never returned, since a dropped notification
// must not block or fail the assignment it describes.
func (p *Publisher) PublishAssignment(ctx context.Context, jobID, kind string, workerIDs []string) {
	if p == nil || len(workerIDs) == 0 {
		return
	}
	if !p.limiter.Allow() {
		p.log.Warn("notify: rate limit exceeded, dropping assignment event", zap.String("job_id", jobID))
		return
	}

	event := AssignmentEvent{
		JobID:     jobID,
		Kind:      kind,
		WorkerIDs: workerIDs,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		p.log.Warn("notify: marshal assignment event failed", zap.Error(err))
		return
	}

	subject := p.subject
	if subject == "" {
		subject = "dispatch.assignment." + kind
	}
	if err := p.conn.Publish(subject, payload); err != nil {
		p.log.Warn("notify: nats publish failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// Close releases the NATS connection. Safe to call on a nil Publisher.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.conn.Close()
}
