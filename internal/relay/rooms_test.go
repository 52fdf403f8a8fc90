package relay

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamgrid/backend/internal/viewersync"
)

func viewer(userID, username string) viewersync.ViewerState {
	return viewersync.ViewerState{UserID: userID, Username: username, PlaybackState: viewersync.StatePaused}
}

func TestFirstJoinerBecomesHost(t *testing.T) {
	rooms := NewRooms(nil, RoomOptions{})

	room := rooms.Join("room1", "stream1", viewer("u1", "alice"))
	assert.Equal(t, "u1", room.HostID)
	assert.Equal(t, 0.5, room.DriftThreshold)
	assert.Equal(t, viewersync.ModeHostControlled, room.Mode)
	require.Len(t, room.Viewers, 1)
	assert.True(t, room.Viewers[0].IsHost)

	room = rooms.Join("room1", "stream1", viewer("u2", "bob"))
	assert.Equal(t, "u1", room.HostID, "later joiners must not take host control")
	require.Len(t, room.Viewers, 2)
}

func TestRejoinKeepsHostStatus(t *testing.T) {
	rooms := NewRooms(nil, RoomOptions{})
	rooms.Join("room1", "stream1", viewer("u1", "alice"))
	rooms.Join("room1", "stream1", viewer("u2", "bob"))

	room := rooms.Join("room1", "stream1", viewer("u1", "alice"))
	assert.Equal(t, "u1", room.HostID)
	require.Len(t, room.Viewers, 2)
}

func TestHostLeaveLongestConnectedPromoted(t *testing.T) {
	rooms := NewRooms(nil, RoomOptions{})
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rooms.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	rooms.Join("room1", "stream1", viewer("host", "alice"))
	rooms.Join("room1", "stream1", viewer("old", "bob"))
	rooms.Join("room1", "stream1", viewer("new", "carol"))

	room, change, ok := rooms.Leave("room1", "host")
	require.True(t, ok)
	require.NotNil(t, change)
	assert.Equal(t, "old", change.NewHostID, "longest-connected viewer is promoted")
	assert.Equal(t, "old", room.HostID)
	for _, v := range room.Viewers {
		assert.Equal(t, v.UserID == "old", v.IsHost)
	}
}

func TestNonHostLeaveNoPromotion(t *testing.T) {
	rooms := NewRooms(nil, RoomOptions{})
	rooms.Join("room1", "stream1", viewer("u1", "alice"))
	rooms.Join("room1", "stream1", viewer("u2", "bob"))

	room, change, ok := rooms.Leave("room1", "u2")
	require.True(t, ok)
	assert.Nil(t, change)
	assert.Equal(t, "u1", room.HostID)
}

func TestLastLeaveClosesRoom(t *testing.T) {
	rooms := NewRooms(nil, RoomOptions{})
	rooms.Join("room1", "stream1", viewer("u1", "alice"))

	_, _, ok := rooms.Leave("room1", "u1")
	assert.False(t, ok)
	_, exists := rooms.Snapshot("room1")
	assert.False(t, exists)
}

func TestRequestHostTransfersControl(t *testing.T) {
	rooms := NewRooms(nil, RoomOptions{})
	rooms.Join("room1", "stream1", viewer("u1", "alice"))
	rooms.Join("room1", "stream1", viewer("u2", "bob"))

	change, ok := rooms.RequestHost("room1", "u2", "bob")
	require.True(t, ok)
	assert.Equal(t, "u2", change.NewHostID)

	room, _ := rooms.Snapshot("room1")
	assert.Equal(t, "u2", room.HostID)
	for _, v := range room.Viewers {
		assert.Equal(t, v.UserID == "u2", v.IsHost)
	}

	_, ok = rooms.RequestHost("room1", "stranger", "mallory")
	assert.False(t, ok, "non-members cannot take host control")
}

func TestApplyEventMovesMasterOnlyForHost(t *testing.T) {
	rooms := NewRooms(nil, RoomOptions{})
	rooms.Join("room1", "stream1", viewer("u1", "alice"))
	rooms.Join("room1", "stream1", viewer("u2", "bob"))

	seek := func(userID string, to float64) {
		data, _ := json.Marshal(viewersync.SeekPayload{CurrentTime: to})
		rooms.ApplyEvent("room1", viewersync.Event{
			Type: viewersync.EventSeekChange, UserID: userID, RoomID: "room1", Data: data,
		})
	}

	seek("u2", 500)
	room, _ := rooms.Snapshot("room1")
	assert.Zero(t, room.MasterTime)

	seek("u1", 120)
	room, _ = rooms.Snapshot("room1")
	assert.Equal(t, 120.0, room.MasterTime)

	data, _ := json.Marshal(viewersync.PlaybackChangePayload{State: viewersync.StatePlaying, CurrentTime: 130})
	rooms.ApplyEvent("room1", viewersync.Event{
		Type: viewersync.EventPlaybackChange, UserID: "u1", RoomID: "room1", Data: data,
	})
	room, _ = rooms.Snapshot("room1")
	assert.Equal(t, viewersync.StatePlaying, room.MasterState)
	assert.Equal(t, 130.0, room.MasterTime)
}

func TestUpdateViewerTracksHostMaster(t *testing.T) {
	rooms := NewRooms(nil, RoomOptions{})
	rooms.Join("room1", "stream1", viewer("u1", "alice"))

	v := viewer("u1", "alice")
	v.CurrentTime = 42.5
	v.PlaybackState = viewersync.StatePlaying
	rooms.UpdateViewer("room1", v)

	room, _ := rooms.Snapshot("room1")
	assert.Equal(t, 42.5, room.MasterTime)
	assert.Equal(t, viewersync.StatePlaying, room.MasterState)
	assert.True(t, room.Viewers[0].IsHost, "host flag survives state updates")
}

func TestSyncModeChangeAppliesFromAnyViewer(t *testing.T) {
	rooms := NewRooms(nil, RoomOptions{})
	rooms.Join("room1", "stream1", viewer("u1", "alice"))
	rooms.Join("room1", "stream1", viewer("u2", "bob"))

	data, _ := json.Marshal(viewersync.SyncModePayload{Mode: viewersync.ModeDemocratic})
	rooms.ApplyEvent("room1", viewersync.Event{
		Type: viewersync.EventSyncModeChange, UserID: "u2", RoomID: "room1", Data: data,
	})
	room, _ := rooms.Snapshot("room1")
	assert.Equal(t, viewersync.ModeDemocratic, room.Mode)
}
