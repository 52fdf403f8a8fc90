package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/streamgrid/backend/internal/sessions"
	"github.com/streamgrid/backend/pkg/netclient"
	"github.com/streamgrid/backend/pkg/queue"
)

// StatsNotifier pushes finalized session aggregates to an external
// analytics webhook. An empty URL disables it.
type StatsNotifier struct {
	client *netclient.Client
	url    string
	logger *zap.Logger
}

// NewStatsNotifier creates a webhook notifier on top of the resilient
// HTTP client.
func NewStatsNotifier(client *netclient.Client, url string, logger *zap.Logger) *StatsNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatsNotifier{client: client, url: url, logger: logger}
}

// sessionEndedHook is the webhook body for a finalized session.
type sessionEndedHook struct {
	SessionID string              `json:"session_id"`
	RoomID    string              `json:"room_id"`
	StreamID  string              `json:"stream_id"`
	EndedAt   time.Time           `json:"ended_at"`
	Stats     sessions.Aggregates `json:"stats"`
}

// NotifySessionEnded posts the session's per-stream aggregates. Delivery
// failures are returned after the client's retry budget is exhausted.
func (n *StatsNotifier) NotifySessionEnded(ctx context.Context, p queue.SessionStatsPayload, agg sessions.Aggregates) error {
	if n == nil || n.url == "" {
		return nil
	}
	_, err := n.client.Post(ctx, n.url, sessionEndedHook{
		SessionID: p.SessionID.String(),
		RoomID:    p.RoomID,
		StreamID:  p.StreamID,
		EndedAt:   time.Now().UTC(),
		Stats:     agg,
	})
	if err != nil {
		n.logger.Warn("stats webhook delivery failed", zap.String("session_id", p.SessionID.String()), zap.Error(err))
		return err
	}
	return nil
}
