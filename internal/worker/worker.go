package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/streamgrid/backend/internal/sessions"
	"github.com/streamgrid/backend/pkg/queue"
)

// SessionStatsProcessor finalizes ended room sessions: closes any session
// row left open and folds per-stream aggregates into the log for operators.
type SessionStatsProcessor struct {
	repo     *sessions.Repository
	queue    *queue.Queue
	notifier *StatsNotifier
	logger   *zap.Logger
}

// NewSessionStatsProcessor creates a session stats processor. notifier may
// be nil when no analytics webhook is configured.
func NewSessionStatsProcessor(repo *sessions.Repository, q *queue.Queue, notifier *StatsNotifier, logger *zap.Logger) *SessionStatsProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionStatsProcessor{repo: repo, queue: q, notifier: notifier, logger: logger}
}

// Process executes one session stats job.
func (p *SessionStatsProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeSessionStats {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.SessionStatsPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	// make sure the row is closed even when the server crashed mid-session
	active, err := p.repo.GetActiveByRoom(ctx, payload.RoomID)
	if err != nil {
		return fmt.Errorf("load active session: %w", err)
	}
	if active != nil && active.ID == payload.SessionID {
		if err := p.repo.End(ctx, active.ID); err != nil {
			return fmt.Errorf("end session: %w", err)
		}
	}

	agg, err := p.repo.GetAggregatesByStream(ctx, payload.StreamID)
	if err != nil {
		return fmt.Errorf("aggregate: %w", err)
	}
	if err := p.notifier.NotifySessionEnded(ctx, payload, *agg); err != nil {
		return fmt.Errorf("notify webhook: %w", err)
	}
	p.logger.Info("session finalized",
		zap.String("session_id", payload.SessionID.String()),
		zap.String("stream_id", payload.StreamID),
		zap.Int("peak_viewers", agg.PeakViewers),
		zap.Int64("total_reactions", agg.TotalReactions),
		zap.Int("sessions", agg.Sessions))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *SessionStatsProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("session stats worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
			continue
		}
	}
}
