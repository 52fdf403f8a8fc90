// Package viewersync keeps a set of co-watching participants' playback
// state converged within a drift tolerance, designating one participant
// as the time authority ("host"). It exchanges events through a narrow
// pub/sub transport and reports corrections for the player to apply.
package viewersync

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/streamgrid/backend/internal/transport"
)

var (
	ErrNotInitialized     = errors.New("viewersync: service not initialized")
	ErrAlreadyInitialized = errors.New("viewersync: service already initialized")
	ErrNotInRoom          = errors.New("viewersync: not in a sync room")
)

// Transport is the narrow pub/sub contract the service depends on.
type Transport interface {
	Send(msgType string, payload any) error
	On(msgType string, h func(data json.RawMessage))
	OnConnectionChange(fn func(connected bool))
}

// Options tune the convergence behavior. Zero values use defaults.
type Options struct {
	DriftThreshold float64       // seconds, default 0.5
	CheckInterval  time.Duration // default 1s
	ResyncAfter    time.Duration // default 10s
}

// Service is the viewer synchronization session layer. Construct one per
// user session and inject it; it is safe for concurrent use.
type Service struct {
	mu     sync.Mutex
	logger *zap.Logger
	tr     Transport
	now    func() time.Time

	driftThreshold float64
	checkInterval  time.Duration
	resyncAfter    time.Duration

	userID      string
	username    string
	initialized bool

	room            *Room
	pendingRoomID   string
	pendingStreamID string
	local           ViewerState
	mode            SyncMode
	autoSync        bool
	isSyncing       bool
	syncRequestedAt time.Time
	lastSyncAt      time.Time
	metrics         LatencyMetrics
	commands        []Command

	stop chan struct{}

	onEvent      []func(Event)
	onCorrection []func(Correction)
	onRoomState  []func(Room)
	onCommand    []func(Command)
}

// NewService creates the sync service and subscribes to its transport
// message namespace.
func NewService(tr Transport, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DriftThreshold <= 0 {
		opts.DriftThreshold = 0.5
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = time.Second
	}
	if opts.ResyncAfter <= 0 {
		opts.ResyncAfter = 10 * time.Second
	}
	s := &Service{
		logger:         logger,
		tr:             tr,
		now:            time.Now,
		driftThreshold: opts.DriftThreshold,
		checkInterval:  opts.CheckInterval,
		resyncAfter:    opts.ResyncAfter,
		mode:           ModeHostControlled,
		autoSync:       true,
	}
	tr.On(transport.MsgSyncEvent, s.handleEvent)
	tr.On(transport.MsgSyncRoomState, s.handleRoomState)
	tr.On(transport.MsgSyncHostChange, s.handleHostChange)
	tr.OnConnectionChange(s.handleConnectionChange)
	return s
}

// OnEvent registers a listener for every delivered sync event, regardless
// of sync mode. In democratic mode this is the advisory surface.
func (s *Service) OnEvent(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvent = append(s.onEvent, fn)
}

// OnCorrection registers a listener for playback corrections the player
// must apply (seek/resume).
func (s *Service) OnCorrection(fn func(Correction)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCorrection = append(s.onCorrection, fn)
}

// OnRoomState registers a listener for authoritative room snapshots.
func (s *Service) OnRoomState(fn func(Room)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRoomState = append(s.onRoomState, fn)
}

// OnCommand registers a listener for due sync commands.
func (s *Service) OnCommand(fn func(Command)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCommand = append(s.onCommand, fn)
}

// Initialize establishes the local identity. It must precede any room
// operation and fails if called again without Dispose.
func (s *Service) Initialize(userID, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return ErrAlreadyInitialized
	}
	s.userID = userID
	s.username = username
	s.local = ViewerState{
		UserID:        userID,
		Username:      username,
		PlaybackState: StatePaused,
		Volume:        1,
		BufferHealth:  100,
		LastUpdate:    s.now(),
	}
	s.initialized = true
	s.logger.Info("viewer sync initialized", zap.String("user_id", userID))
	return nil
}

// JoinRoom sends a join request. Membership and host identity become known
// only once the relay responds with a room-state message.
func (s *Service) JoinRoom(roomID, streamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	s.pendingRoomID = roomID
	s.pendingStreamID = streamID
	s.local.StreamID = streamID
	s.startTimersLocked()
	return s.tr.Send(transport.MsgSyncJoin, JoinPayload{
		RoomID:   roomID,
		StreamID: streamID,
		Viewer:   s.local,
	})
}

// LeaveRoom notifies peers, stops timers and clears the local room
// reference. No-op when not in a room.
func (s *Service) LeaveRoom() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil && s.pendingRoomID == "" {
		return nil
	}
	roomID := s.pendingRoomID
	if s.room != nil {
		roomID = s.room.ID
	}
	err := s.tr.Send(transport.MsgSyncLeave, LeavePayload{RoomID: roomID, UserID: s.userID})
	s.stopTimersLocked()
	s.room = nil
	s.pendingRoomID = ""
	s.pendingStreamID = ""
	s.isSyncing = false
	return err
}

// UpdatePlaybackState records a local player event and broadcasts it.
// A negative currentTime leaves the position unchanged.
func (s *Service) UpdatePlaybackState(state PlaybackState, currentTime float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	s.local.PlaybackState = state
	if currentTime >= 0 {
		s.local.CurrentTime = currentTime
	}
	s.local.LastUpdate = s.now()
	if s.room == nil {
		return nil
	}
	if err := s.tr.Send(transport.MsgSyncUpdate, s.local); err != nil {
		return err
	}
	return s.sendEventLocked(EventPlaybackChange, PlaybackChangePayload{
		State:       state,
		CurrentTime: s.local.CurrentTime,
	})
}

// SeekTo updates the local position optimistically and broadcasts the seek.
func (s *Service) SeekTo(t float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	if s.room == nil {
		return ErrNotInRoom
	}
	s.local.CurrentTime = t
	s.local.LastUpdate = s.now()
	if err := s.tr.Send(transport.MsgSyncUpdate, s.local); err != nil {
		return err
	}
	return s.sendEventLocked(EventSeekChange, SeekPayload{CurrentTime: t})
}

// RequestSync asks the host for its authoritative position. Meaningful
// only for non-host participants; the host silently ignores the call.
func (s *Service) RequestSync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	if s.room == nil {
		return ErrNotInRoom
	}
	if s.local.IsHost {
		return nil
	}
	s.isSyncing = true
	s.syncRequestedAt = s.now()
	return s.sendEventLocked(EventSyncRequest, SyncRequestPayload{
		CurrentTime: s.local.CurrentTime,
		State:       s.local.PlaybackState,
		LatencyMS:   s.metrics.LatencyMS,
	})
}

// TakeHostControl requests host control. The change is applied only when
// the relay confirms with a host-change message; local state never
// unilaterally declares itself host.
func (s *Service) TakeHostControl() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	if s.room == nil {
		return ErrNotInRoom
	}
	return s.tr.Send(transport.MsgSyncHostRequest, HostRequestPayload{
		RoomID:   s.room.ID,
		UserID:   s.userID,
		Username: s.username,
	})
}

// SetSyncMode updates the local mode and broadcasts the change.
func (s *Service) SetSyncMode(mode SyncMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
	if s.room == nil {
		return nil
	}
	s.room.Mode = mode
	return s.sendEventLocked(EventSyncModeChange, SyncModePayload{Mode: mode})
}

// SetAutoSync enables or disables the periodic drift check re-sync.
func (s *Service) SetAutoSync(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoSync = enabled
}

// UpdateLatencyMetrics records measured transport characteristics and
// reclassifies connection quality.
func (s *Service) UpdateLatencyMetrics(m LatencyMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
	s.local.LatencyMS = m.LatencyMS
	s.local.Connection = ClassifyConnection(m)
}

// EnqueueCommand queues a sync command for prioritized execution.
func (s *Service) EnqueueCommand(cmd Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)
}

// Room returns the latest room snapshot, or nil when not in a room.
func (s *Service) Room() *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil {
		return nil
	}
	cp := *s.room
	cp.Viewers = append([]ViewerState(nil), s.room.Viewers...)
	return &cp
}

// LocalState returns the local participant's current state.
func (s *Service) LocalState() ViewerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// Dispose stops all timers and resets identity. The service can be
// initialized again afterwards.
func (s *Service) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimersLocked()
	s.room = nil
	s.pendingRoomID = ""
	s.pendingStreamID = ""
	s.isSyncing = false
	s.initialized = false
	s.commands = nil
}

func (s *Service) startTimersLocked() {
	if s.stop != nil {
		return
	}
	stop := make(chan struct{})
	s.stop = stop
	go s.run(stop)
}

func (s *Service) stopTimersLocked() {
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
}

func (s *Service) run(stop chan struct{}) {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick executes due commands in priority order and issues an automatic
// sync request when too long has passed since the last one.
func (s *Service) tick() {
	s.mu.Lock()
	if s.room == nil {
		s.mu.Unlock()
		return
	}
	now := s.now()

	sort.SliceStable(s.commands, func(i, j int) bool {
		return s.commands[i].Priority > s.commands[j].Priority
	})
	var due, deferred []Command
	for _, cmd := range s.commands {
		if cmd.ExecutionTime.IsZero() || !cmd.ExecutionTime.After(now) {
			due = append(due, cmd)
		} else {
			deferred = append(deferred, cmd)
		}
	}
	s.commands = deferred

	// A response that never arrives must not pin isSyncing forever, or
	// the auto-resync below would stop and drift would grow unbounded.
	if s.isSyncing && now.Sub(s.syncRequestedAt) > s.resyncAfter {
		s.isSyncing = false
	}

	needResync := s.autoSync && s.mode != ModeManual && !s.local.IsHost &&
		!s.isSyncing && now.Sub(s.lastSyncAt) > s.resyncAfter
	onCommand := append([]func(Command){}, s.onCommand...)
	s.mu.Unlock()

	for _, cmd := range due {
		for _, fn := range onCommand {
			fn(cmd)
		}
	}
	if needResync {
		_ = s.RequestSync()
	}
}

func (s *Service) handleEvent(raw json.RawMessage) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		s.logger.Warn("malformed sync event dropped", zap.Error(err))
		return
	}

	s.mu.Lock()
	if s.room == nil || e.RoomID != s.room.ID || e.UserID == s.userID {
		s.mu.Unlock()
		return
	}

	var correction *Correction
	switch e.Type {
	case EventSyncRequest:
		s.handleSyncRequestLocked(e)
	case EventSyncResponse:
		correction = s.handleSyncResponseLocked(e)
	case EventPlaybackChange:
		correction = s.handlePlaybackChangeLocked(e)
	case EventSeekChange:
		correction = s.handleSeekChangeLocked(e)
	case EventSyncModeChange:
		var p SyncModePayload
		if json.Unmarshal(e.Data, &p) == nil && p.Mode != "" {
			s.mode = p.Mode
			s.room.Mode = p.Mode
		}
	case EventQualityChange, EventVolumeChange, EventBuffer,
		EventSyncDrift, EventViewerJoin, EventViewerLeave, EventHostChange:
		// advisory; room membership is refreshed by room-state snapshots
	default:
		s.logger.Debug("unknown sync event dropped", zap.String("type", string(e.Type)))
		s.mu.Unlock()
		return
	}
	onEvent := append([]func(Event){}, s.onEvent...)
	onCorrection := append([]func(Correction){}, s.onCorrection...)
	s.mu.Unlock()

	for _, fn := range onEvent {
		fn(e)
	}
	if correction != nil {
		for _, fn := range onCorrection {
			fn(*correction)
		}
	}
}

// handleSyncRequestLocked answers a viewer's sync request when local is
// host, with a latency-compensation hint derived from the requester's
// reported latency versus the host's own.
func (s *Service) handleSyncRequestLocked(e Event) {
	if !s.local.IsHost {
		return
	}
	var p SyncRequestPayload
	if err := json.Unmarshal(e.Data, &p); err != nil {
		s.logger.Warn("malformed sync request dropped", zap.Error(err))
		return
	}
	compensation := (p.LatencyMS - s.metrics.LatencyMS) / 1000
	if compensation < 0 {
		compensation = 0
	}
	s.room.MasterTime = s.local.CurrentTime
	s.room.MasterState = s.local.PlaybackState
	_ = s.sendEventLocked(EventSyncResponse, SyncResponsePayload{
		TargetUserID:    e.UserID,
		MasterTime:      s.local.CurrentTime,
		MasterState:     s.local.PlaybackState,
		ServerTimestamp: s.now().UnixMilli(),
		Compensation:    compensation,
	})
}

// handleSyncResponseLocked applies the core convergence algorithm:
// compensated = masterTime + networkDelay/1000 + compensation. A
// correction fires only when the drift exceeds the threshold, so small
// drift never causes needless seeking.
func (s *Service) handleSyncResponseLocked(e Event) *Correction {
	var p SyncResponsePayload
	if err := json.Unmarshal(e.Data, &p); err != nil {
		s.logger.Warn("malformed sync response dropped", zap.Error(err))
		return nil
	}
	if p.TargetUserID != s.userID {
		return nil
	}
	networkDelay := float64(s.now().UnixMilli() - p.ServerTimestamp)
	if networkDelay < 0 {
		networkDelay = 0
	}
	compensated := p.MasterTime + networkDelay/1000 + p.Compensation
	drift := compensated - s.local.CurrentTime
	if drift < 0 {
		drift = -drift
	}

	s.isSyncing = false
	s.lastSyncAt = s.now()
	s.room.MasterTime = p.MasterTime
	s.room.MasterState = p.MasterState

	if drift <= s.driftThreshold {
		s.local.InSync = true
		return nil
	}
	s.local.CurrentTime = compensated
	s.local.PlaybackState = p.MasterState
	s.local.InSync = true
	return &Correction{TargetTime: compensated, State: p.MasterState, Drift: drift}
}

func (s *Service) handlePlaybackChangeLocked(e Event) *Correction {
	var p PlaybackChangePayload
	if err := json.Unmarshal(e.Data, &p); err != nil {
		s.logger.Warn("malformed playback change dropped", zap.Error(err))
		return nil
	}
	s.updateViewerSnapshotLocked(e.UserID, func(v *ViewerState) {
		v.PlaybackState = p.State
		if p.CurrentTime > 0 {
			v.CurrentTime = p.CurrentTime
		}
	})
	if s.mode != ModeHostControlled || e.UserID != s.room.HostID {
		return nil
	}
	s.local.PlaybackState = p.State
	if p.CurrentTime > 0 {
		s.local.CurrentTime = p.CurrentTime
	}
	return &Correction{TargetTime: s.local.CurrentTime, State: p.State}
}

func (s *Service) handleSeekChangeLocked(e Event) *Correction {
	var p SeekPayload
	if err := json.Unmarshal(e.Data, &p); err != nil {
		s.logger.Warn("malformed seek change dropped", zap.Error(err))
		return nil
	}
	s.updateViewerSnapshotLocked(e.UserID, func(v *ViewerState) {
		v.CurrentTime = p.CurrentTime
	})
	if s.mode != ModeHostControlled || e.UserID != s.room.HostID {
		return nil
	}
	s.local.CurrentTime = p.CurrentTime
	return &Correction{TargetTime: p.CurrentTime, State: s.local.PlaybackState}
}

func (s *Service) updateViewerSnapshotLocked(userID string, apply func(*ViewerState)) {
	for i := range s.room.Viewers {
		if s.room.Viewers[i].UserID == userID {
			apply(&s.room.Viewers[i])
			s.room.Viewers[i].LastUpdate = s.now()
			return
		}
	}
}

func (s *Service) handleRoomState(raw json.RawMessage) {
	var room Room
	if err := json.Unmarshal(raw, &room); err != nil {
		s.logger.Warn("malformed room state dropped", zap.Error(err))
		return
	}

	s.mu.Lock()
	if room.ID != s.pendingRoomID && (s.room == nil || room.ID != s.room.ID) {
		s.mu.Unlock()
		return
	}
	s.room = &room
	s.pendingRoomID = ""
	s.local.IsHost = room.HostID == s.userID
	if room.DriftThreshold > 0 {
		s.driftThreshold = room.DriftThreshold
	}
	if room.Mode != "" {
		s.mode = room.Mode
	}
	snapshot := room
	onRoomState := append([]func(Room){}, s.onRoomState...)
	s.mu.Unlock()

	for _, fn := range onRoomState {
		fn(snapshot)
	}
}

// handleHostChange applies a server-authoritative host handoff: the old
// host is revoked and the new one granted in one step.
func (s *Service) handleHostChange(raw json.RawMessage) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		s.logger.Warn("malformed host change dropped", zap.Error(err))
		return
	}
	var p HostChangePayload
	if err := json.Unmarshal(e.Data, &p); err != nil {
		s.logger.Warn("malformed host change payload dropped", zap.Error(err))
		return
	}

	s.mu.Lock()
	if s.room == nil || e.RoomID != s.room.ID {
		s.mu.Unlock()
		return
	}
	s.room.HostID = p.NewHostID
	s.room.HostUsername = p.NewHostUsername
	for i := range s.room.Viewers {
		s.room.Viewers[i].IsHost = s.room.Viewers[i].UserID == p.NewHostID
	}
	s.local.IsHost = p.NewHostID == s.userID
	onEvent := append([]func(Event){}, s.onEvent...)
	s.mu.Unlock()

	for _, fn := range onEvent {
		fn(e)
	}
}

// handleConnectionChange tears down timers and room state on transport
// loss. Identity survives so the caller can re-join; no automatic
// reconnection is attempted at this layer.
func (s *Service) handleConnectionChange(connected bool) {
	if connected {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimersLocked()
	s.room = nil
	s.pendingRoomID = ""
	s.pendingStreamID = ""
	s.isSyncing = false
	s.logger.Info("transport disconnected, sync session cleared")
}

func (s *Service) sendEventLocked(t EventType, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.tr.Send(transport.MsgSyncEvent, Event{
		Type:      t,
		UserID:    s.userID,
		Username:  s.username,
		RoomID:    s.room.ID,
		Timestamp: s.now().UnixMilli(),
		Data:      data,
	})
}
