package reactions

import (
	"encoding/json"
	"time"
)

// Type is the reaction kind. Custom reactions carry TypeCustom plus the
// emoji/image of a user-created asset.
type Type string

const (
	TypeLike   Type = "like"
	TypeLove   Type = "love"
	TypeLaugh  Type = "laugh"
	TypeWow    Type = "wow"
	TypeSad    Type = "sad"
	TypeAngry  Type = "angry"
	TypeFire   Type = "fire"
	TypeClap   Type = "clap"
	TypeCustom Type = "custom"
)

// Position is a 2-D (optionally 3-D) overlay coordinate in percent, 0-100.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z,omitempty"`
}

// Reaction is one ephemeral emoji event. Lifetime-bounded; expired
// reactions are purged by the periodic sweep.
type Reaction struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Type      Type      `json:"type"`
	Emoji     string    `json:"emoji"`
	Position  Position  `json:"position"`
	Timestamp time.Time `json:"timestamp"`
	RoomID    string    `json:"room_id"`
	StreamID  string    `json:"stream_id"`
	TargetID  string    `json:"target_id,omitempty"`
	BurstID   string    `json:"burst_id,omitempty"`
	Animation string    `json:"animation,omitempty"`
	Intensity float64   `json:"intensity"`
	Color     string    `json:"color,omitempty"`
}

// ReactionOptions are the optional fields of SendReaction.
type ReactionOptions struct {
	TargetID  string
	Animation string
	Intensity float64
	Color     string
}

// Burst is a cluster of near-simultaneous reactions treated as one unit.
// Derived state: recomputed whenever the threshold is crossed.
type Burst struct {
	ID         string     `json:"id"`
	Center     Position   `json:"center"`
	Reactions  []Reaction `json:"reactions"`
	Intensity  int        `json:"intensity"`
	DurationMS int64      `json:"duration_ms"`
	Timestamp  time.Time  `json:"timestamp"`
}

// ElementType discriminates interactive widgets.
type ElementType string

const (
	ElementPoll         ElementType = "poll"
	ElementQuiz         ElementType = "quiz"
	ElementCountdown    ElementType = "countdown"
	ElementDonationGoal ElementType = "donation_goal"
	ElementAnnouncement ElementType = "announcement"
)

// Interaction is one user action on an interactive element. Append-only.
type Interaction struct {
	ID        string          `json:"id"`
	ElementID string          `json:"element_id"`
	UserID    string          `json:"user_id"`
	Username  string          `json:"username"`
	Kind      string          `json:"kind"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ElementSettings gate who may interact and how often.
type ElementSettings struct {
	Anonymous       bool  `json:"anonymous"`
	SubscribersOnly bool  `json:"subscribers_only"`
	MaxInteractions int   `json:"max_interactions"` // per user, 0 = unlimited
	CooldownMS      int64 `json:"cooldown_ms"`
	AutoExpire      bool  `json:"auto_expire"`
	ShowResults     bool  `json:"show_results"`
}

// Element is an interactive overlay widget (poll, quiz, countdown, ...).
// Expired elements are deactivated, never deleted, so results stay readable.
type Element struct {
	ID           string          `json:"id"`
	Type         ElementType     `json:"type"`
	Title        string          `json:"title"`
	Description  string          `json:"description,omitempty"`
	Position     Position        `json:"position"`
	Width        float64         `json:"width"`
	Height       float64         `json:"height"`
	CreatorID    string          `json:"creator_id"`
	Active       bool            `json:"active"`
	ExpiresAt    time.Time       `json:"expires_at,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Interactions []Interaction   `json:"interactions"`
	Settings     ElementSettings `json:"settings"`
	CreatedAt    time.Time       `json:"created_at"`
}

// TopReaction is one entry of the frequency leaderboard.
type TopReaction struct {
	Type    Type    `json:"type"`
	Emoji   string  `json:"emoji"`
	Count   int     `json:"count"`
	Percent float64 `json:"percent"`
}

// HeatmapCell is the summed intensity of reactions snapped to one grid cell.
type HeatmapCell struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Weight float64 `json:"weight"`
}

// Stats are the rolling aggregates, recomputed on every accepted reaction.
type Stats struct {
	Total         int            `json:"total"`
	PerMinute     float64        `json:"per_minute"`
	Top           []TopReaction  `json:"top"`
	ByUser        map[string]int `json:"by_user"`
	Heatmap       []HeatmapCell  `json:"heatmap"`
	PeakTime      time.Time      `json:"peak_time,omitempty"`
	MeanIntensity float64        `json:"mean_intensity"`
	UniqueUsers   int            `json:"unique_users"`
}

// CustomReaction is a user-created reaction asset, persisted locally.
type CustomReaction struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Emoji     string    `json:"emoji"`
	ImageURL  string    `json:"image_url,omitempty"`
	CreatorID string    `json:"creator_id"`
	CreatedAt time.Time `json:"created_at"`
}
