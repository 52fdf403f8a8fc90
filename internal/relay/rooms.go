package relay

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/streamgrid/backend/internal/viewersync"
)

// Rooms is the server-authoritative sync room registry: who is in each
// room, who holds host control and the master playback position. The first
// joiner becomes host; when the host leaves, the longest-connected viewer
// is promoted.
type Rooms struct {
	mu     sync.Mutex
	logger *zap.Logger
	now    func() time.Time
	opts   RoomOptions
	rooms  map[string]*roomState
}

// RoomOptions seed newly created rooms.
type RoomOptions struct {
	DriftThreshold float64           // seconds, default 0.5
	Mode           viewersync.SyncMode // default host_controlled
}

type roomState struct {
	room     viewersync.Room
	joinedAt map[string]time.Time
}

// NewRooms creates the room registry.
func NewRooms(logger *zap.Logger, opts RoomOptions) *Rooms {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DriftThreshold <= 0 {
		opts.DriftThreshold = 0.5
	}
	if opts.Mode == "" {
		opts.Mode = viewersync.ModeHostControlled
	}
	return &Rooms{
		logger: logger,
		now:    time.Now,
		opts:   opts,
		rooms:  make(map[string]*roomState),
	}
}

// Join adds a viewer, creating the room if needed. The first joiner is
// granted host control. Returns the updated room snapshot.
func (r *Rooms) Join(roomID, streamID string, viewer viewersync.ViewerState) viewersync.Room {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.rooms[roomID]
	if !ok {
		st = &roomState{
			room: viewersync.Room{
				ID:             roomID,
				StreamID:       streamID,
				Mode:           r.opts.Mode,
				DriftThreshold: r.opts.DriftThreshold,
			},
			joinedAt: make(map[string]time.Time),
		}
		r.rooms[roomID] = st
	}

	viewer.IsHost = false
	replaced := false
	for i := range st.room.Viewers {
		if st.room.Viewers[i].UserID == viewer.UserID {
			viewer.IsHost = st.room.Viewers[i].IsHost
			st.room.Viewers[i] = viewer
			replaced = true
			break
		}
	}
	if !replaced {
		st.joinedAt[viewer.UserID] = r.now()
		st.room.Viewers = append(st.room.Viewers, viewer)
	}
	if st.room.HostID == "" {
		r.grantHostLocked(st, viewer.UserID, viewer.Username)
	}
	st.room.UpdatedAt = r.now()
	r.logger.Info("viewer joined room",
		zap.String("room_id", roomID), zap.String("user_id", viewer.UserID))
	return snapshotLocked(st)
}

// Leave removes a viewer. When the departing viewer held host control, the
// longest-connected remaining viewer is promoted and returned as a host
// change. An empty room is deleted.
func (r *Rooms) Leave(roomID, userID string) (room viewersync.Room, hostChange *viewersync.HostChangePayload, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, found := r.rooms[roomID]
	if !found {
		return viewersync.Room{}, nil, false
	}
	wasHost := st.room.HostID == userID
	kept := st.room.Viewers[:0]
	for _, v := range st.room.Viewers {
		if v.UserID != userID {
			kept = append(kept, v)
		}
	}
	st.room.Viewers = kept
	delete(st.joinedAt, userID)

	if len(st.room.Viewers) == 0 {
		delete(r.rooms, roomID)
		r.logger.Info("room closed", zap.String("room_id", roomID))
		return viewersync.Room{}, nil, false
	}

	if wasHost {
		next := r.longestConnectedLocked(st)
		r.grantHostLocked(st, next.UserID, next.Username)
		hostChange = &viewersync.HostChangePayload{
			NewHostID:       next.UserID,
			NewHostUsername: next.Username,
		}
		r.logger.Info("host left, promoted successor",
			zap.String("room_id", roomID), zap.String("new_host", next.UserID))
	}
	st.room.UpdatedAt = r.now()
	return snapshotLocked(st), hostChange, true
}

// UpdateViewer replaces a viewer's reported state, preserving host status.
func (r *Rooms) UpdateViewer(roomID string, viewer viewersync.ViewerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.rooms[roomID]
	if !ok {
		return
	}
	for i := range st.room.Viewers {
		if st.room.Viewers[i].UserID == viewer.UserID {
			viewer.IsHost = st.room.Viewers[i].IsHost
			st.room.Viewers[i] = viewer
			break
		}
	}
	if viewer.UserID == st.room.HostID {
		st.room.MasterTime = viewer.CurrentTime
		st.room.MasterState = viewer.PlaybackState
	}
	st.room.UpdatedAt = r.now()
}

// ApplyEvent folds a relayed sync event into the authoritative room state.
// Only host playback and seek events move the master position; mode change
// events update the room mode.
func (r *Rooms) ApplyEvent(roomID string, e viewersync.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.rooms[roomID]
	if !ok {
		return
	}
	switch e.Type {
	case viewersync.EventPlaybackChange:
		if e.UserID != st.room.HostID {
			return
		}
		var p viewersync.PlaybackChangePayload
		if json.Unmarshal(e.Data, &p) != nil {
			return
		}
		st.room.MasterState = p.State
		if p.CurrentTime > 0 {
			st.room.MasterTime = p.CurrentTime
		}
	case viewersync.EventSeekChange:
		if e.UserID != st.room.HostID {
			return
		}
		var p viewersync.SeekPayload
		if json.Unmarshal(e.Data, &p) != nil {
			return
		}
		st.room.MasterTime = p.CurrentTime
	case viewersync.EventSyncModeChange:
		var p viewersync.SyncModePayload
		if json.Unmarshal(e.Data, &p) != nil || p.Mode == "" {
			return
		}
		st.room.Mode = p.Mode
	default:
		return
	}
	st.room.UpdatedAt = r.now()
}

// RequestHost transfers host control to the requesting viewer. Returns the
// resulting host change, or ok=false when the room or viewer is unknown.
func (r *Rooms) RequestHost(roomID, userID, username string) (viewersync.HostChangePayload, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, found := r.rooms[roomID]
	if !found {
		return viewersync.HostChangePayload{}, false
	}
	member := false
	for _, v := range st.room.Viewers {
		if v.UserID == userID {
			member = true
			break
		}
	}
	if !member {
		return viewersync.HostChangePayload{}, false
	}
	r.grantHostLocked(st, userID, username)
	st.room.UpdatedAt = r.now()
	r.logger.Info("host control transferred",
		zap.String("room_id", roomID), zap.String("new_host", userID))
	return viewersync.HostChangePayload{NewHostID: userID, NewHostUsername: username}, true
}

// Snapshot returns the room state, with ok=false when the room is unknown.
func (r *Rooms) Snapshot(roomID string) (viewersync.Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.rooms[roomID]
	if !ok {
		return viewersync.Room{}, false
	}
	return snapshotLocked(st), true
}

func (r *Rooms) grantHostLocked(st *roomState, userID, username string) {
	st.room.HostID = userID
	st.room.HostUsername = username
	for i := range st.room.Viewers {
		st.room.Viewers[i].IsHost = st.room.Viewers[i].UserID == userID
	}
}

func (r *Rooms) longestConnectedLocked(st *roomState) viewersync.ViewerState {
	best := st.room.Viewers[0]
	bestAt := st.joinedAt[best.UserID]
	for _, v := range st.room.Viewers[1:] {
		at := st.joinedAt[v.UserID]
		if !at.IsZero() && (bestAt.IsZero() || at.Before(bestAt)) {
			best, bestAt = v, at
		}
	}
	return best
}

func snapshotLocked(st *roomState) viewersync.Room {
	cp := st.room
	cp.Viewers = append([]viewersync.ViewerState(nil), st.room.Viewers...)
	return cp
}
