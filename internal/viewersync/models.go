package viewersync

import (
	"encoding/json"
	"time"
)

// PlaybackState is the playback lifecycle state of one participant.
type PlaybackState string

const (
	StatePlaying   PlaybackState = "playing"
	StatePaused    PlaybackState = "paused"
	StateBuffering PlaybackState = "buffering"
	StateSeeking   PlaybackState = "seeking"
	StateError     PlaybackState = "error"
	StateEnded     PlaybackState = "ended"
)

// SyncMode gates which remote events a receiver applies automatically.
type SyncMode string

const (
	ModeHostControlled SyncMode = "host_controlled"
	ModeDemocratic     SyncMode = "democratic"
	ModeAutoSync       SyncMode = "auto_sync"
	ModeManual         SyncMode = "manual"
)

// ConnectionQuality is the coarse tier derived from latency metrics.
type ConnectionQuality string

const (
	QualityExcellent ConnectionQuality = "excellent"
	QualityGood      ConnectionQuality = "good"
	QualityFair      ConnectionQuality = "fair"
	QualityPoor      ConnectionQuality = "poor"
)

// LatencyMetrics are the measured transport characteristics of a viewer.
type LatencyMetrics struct {
	LatencyMS     float64 `json:"latency_ms"`
	JitterMS      float64 `json:"jitter_ms"`
	PacketLossPct float64 `json:"packet_loss_pct"`
}

// ClassifyConnection maps latency metrics to a quality tier.
func ClassifyConnection(m LatencyMetrics) ConnectionQuality {
	switch {
	case m.LatencyMS < 50 && m.JitterMS < 10 && m.PacketLossPct < 1:
		return QualityExcellent
	case m.LatencyMS < 100 && m.JitterMS < 20 && m.PacketLossPct < 5:
		return QualityGood
	case m.LatencyMS < 200 && m.JitterMS < 50 && m.PacketLossPct < 10:
		return QualityFair
	default:
		return QualityPoor
	}
}

// ViewerState is one participant's latest reported playback state.
type ViewerState struct {
	StreamID      string            `json:"stream_id"`
	UserID        string            `json:"user_id"`
	Username      string            `json:"username"`
	CurrentTime   float64           `json:"current_time"`
	PlaybackState PlaybackState     `json:"playback_state"`
	Quality       string            `json:"quality,omitempty"`
	Volume        float64           `json:"volume"`
	LastUpdate    time.Time         `json:"last_update"`
	IsHost        bool              `json:"is_host"`
	InSync        bool              `json:"in_sync"`
	LatencyMS     float64           `json:"latency_ms"`
	BufferHealth  int               `json:"buffer_health"`
	Connection    ConnectionQuality `json:"connection_quality,omitempty"`
}

// Room is a snapshot of a sync room: every participant's latest state plus
// the host-authoritative master playback position. Exactly one viewer has
// IsHost set at any time.
type Room struct {
	ID             string        `json:"id"`
	StreamID       string        `json:"stream_id"`
	HostID         string        `json:"host_id"`
	HostUsername   string        `json:"host_username"`
	Viewers        []ViewerState `json:"viewers"`
	Mode           SyncMode      `json:"mode"`
	MasterTime     float64       `json:"master_time"`
	MasterState    PlaybackState `json:"master_state"`
	DriftThreshold float64       `json:"drift_threshold"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// EventType discriminates sync events on the wire.
type EventType string

const (
	EventSyncRequest    EventType = "sync_request"
	EventSyncResponse   EventType = "sync_response"
	EventPlaybackChange EventType = "playback_change"
	EventSeekChange     EventType = "seek_change"
	EventQualityChange  EventType = "quality_change"
	EventVolumeChange   EventType = "volume_change"
	EventBuffer         EventType = "buffer_event"
	EventSyncDrift      EventType = "sync_drift"
	EventViewerJoin     EventType = "viewer_join"
	EventViewerLeave    EventType = "viewer_leave"
	EventHostChange     EventType = "host_change"
	EventSyncModeChange EventType = "sync_mode_change"
)

// Event is the wire message exchanged between participants, relayed by the
// server. Data carries the typed payload for the event kind.
type Event struct {
	Type      EventType       `json:"type"`
	UserID    string          `json:"user_id"`
	Username  string          `json:"username"`
	RoomID    string          `json:"room_id"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// Typed event payloads. One struct per event kind so malformed messages
// fail at the decode boundary instead of deep in handler logic.

type PlaybackChangePayload struct {
	State       PlaybackState `json:"state"`
	CurrentTime float64       `json:"current_time"`
}

type SeekPayload struct {
	CurrentTime float64 `json:"current_time"`
}

type SyncRequestPayload struct {
	CurrentTime float64       `json:"current_time"`
	State       PlaybackState `json:"state"`
	LatencyMS   float64       `json:"latency_ms"`
}

type SyncResponsePayload struct {
	TargetUserID    string        `json:"target_user_id"`
	MasterTime      float64       `json:"master_time"`
	MasterState     PlaybackState `json:"master_state"`
	ServerTimestamp int64         `json:"server_timestamp"` // unix milliseconds
	Compensation    float64       `json:"compensation"`     // seconds
}

type QualityChangePayload struct {
	Quality string `json:"quality"`
}

type VolumeChangePayload struct {
	Volume float64 `json:"volume"`
}

type BufferPayload struct {
	BufferHealth int  `json:"buffer_health"`
	Buffering    bool `json:"buffering"`
}

type HostChangePayload struct {
	NewHostID       string `json:"new_host_id"`
	NewHostUsername string `json:"new_host_username"`
}

type SyncModePayload struct {
	Mode SyncMode `json:"mode"`
}

// JoinPayload is sent with a room join request.
type JoinPayload struct {
	RoomID   string      `json:"room_id"`
	StreamID string      `json:"stream_id"`
	Viewer   ViewerState `json:"viewer"`
}

// LeavePayload is sent when a participant leaves a room.
type LeavePayload struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

// HostRequestPayload asks the relay for host control.
type HostRequestPayload struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// Correction tells the player to seek/resume to converge with the host.
type Correction struct {
	TargetTime float64       `json:"target_time"`
	State      PlaybackState `json:"state"`
	Drift      float64       `json:"drift"`
}

// Command is a deferred, prioritized sync instruction. Commands with a
// future ExecutionTime are retried at the next processing pass.
type Command struct {
	ID            string          `json:"id"`
	Action        string          `json:"action"`
	Priority      int             `json:"priority"`
	ExecutionTime time.Time       `json:"execution_time,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}
