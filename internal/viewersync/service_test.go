package viewersync

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamgrid/backend/internal/transport"
)

type sentMessage struct {
	Type string
	Data json.RawMessage
}

type fakeTransport struct {
	mu       sync.Mutex
	sent     []sentMessage
	handlers map[string][]func(json.RawMessage)
	connFns  []func(bool)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string][]func(json.RawMessage))}
}

func (f *fakeTransport) Send(msgType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{Type: msgType, Data: data})
	return nil
}

func (f *fakeTransport) On(msgType string, h func(data json.RawMessage)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[msgType] = append(f.handlers[msgType], h)
}

func (f *fakeTransport) OnConnectionChange(fn func(connected bool)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connFns = append(f.connFns, fn)
}

func (f *fakeTransport) deliver(t *testing.T, msgType string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.mu.Lock()
	handlers := append([]func(json.RawMessage){}, f.handlers[msgType]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(data)
	}
}

func (f *fakeTransport) disconnect() {
	f.mu.Lock()
	fns := append([]func(bool){}, f.connFns...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(false)
	}
}

func (f *fakeTransport) sentEvents(t *testing.T, typ EventType) []Event {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Event
	for _, m := range f.sent {
		if m.Type != transport.MsgSyncEvent {
			continue
		}
		var e Event
		require.NoError(t, json.Unmarshal(m.Data, &e))
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func newTestService(t *testing.T) (*Service, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	s := NewService(ft, nil, Options{CheckInterval: 10 * time.Millisecond, ResyncAfter: 30 * time.Millisecond})
	require.NoError(t, s.Initialize("u1", "alice"))
	return s, ft
}

func joinRoom(t *testing.T, s *Service, ft *fakeTransport, hostID string) {
	t.Helper()
	require.NoError(t, s.JoinRoom("room1", "stream1"))
	ft.deliver(t, transport.MsgSyncRoomState, Room{
		ID:       "room1",
		StreamID: "stream1",
		HostID:   hostID,
		Viewers: []ViewerState{
			{UserID: "u1", Username: "alice", IsHost: hostID == "u1"},
			{UserID: hostID, IsHost: true},
		},
	})
}

func syncResponse(target string, masterTime float64, delay time.Duration, compensation float64) Event {
	payload, _ := json.Marshal(SyncResponsePayload{
		TargetUserID:    target,
		MasterTime:      masterTime,
		MasterState:     StatePlaying,
		ServerTimestamp: time.Now().Add(-delay).UnixMilli(),
		Compensation:    compensation,
	})
	return Event{
		Type: EventSyncResponse, UserID: "h1", Username: "host",
		RoomID: "room1", Timestamp: time.Now().UnixMilli(), Data: payload,
	}
}

func TestInitializeTwiceFails(t *testing.T) {
	s, _ := newTestService(t)
	assert.ErrorIs(t, s.Initialize("u1", "alice"), ErrAlreadyInitialized)
	s.Dispose()
	assert.NoError(t, s.Initialize("u1", "alice"))
}

func TestJoinRequiresInitialize(t *testing.T) {
	ft := newFakeTransport()
	s := NewService(ft, nil, Options{})
	assert.ErrorIs(t, s.JoinRoom("room1", "stream1"), ErrNotInitialized)
}

func TestRoomStateSetsHostFlag(t *testing.T) {
	s, ft := newTestService(t)
	joinRoom(t, s, ft, "u1")
	assert.True(t, s.LocalState().IsHost)

	room := s.Room()
	require.NotNil(t, room)
	assert.Equal(t, "room1", room.ID)
}

func TestSmallDriftCausesNoCorrection(t *testing.T) {
	s, ft := newTestService(t)
	joinRoom(t, s, ft, "h1")

	var corrections []Correction
	s.OnCorrection(func(c Correction) { corrections = append(corrections, c) })

	require.NoError(t, s.UpdatePlaybackState(StatePlaying, 100.05))
	require.NoError(t, s.RequestSync())

	// host reports masterTime=100.0, measured 200ms ago: compensated ~100.2,
	// drift ~0.15s, below the 0.5s threshold
	ft.deliver(t, transport.MsgSyncEvent, syncResponse("u1", 100.0, 200*time.Millisecond, 0))

	assert.Empty(t, corrections)
	assert.True(t, s.LocalState().InSync)
}

func TestLargeDriftCausesCorrection(t *testing.T) {
	s, ft := newTestService(t)
	joinRoom(t, s, ft, "h1")

	var corrections []Correction
	s.OnCorrection(func(c Correction) { corrections = append(corrections, c) })

	require.NoError(t, s.UpdatePlaybackState(StatePlaying, 95.0))
	require.NoError(t, s.RequestSync())
	ft.deliver(t, transport.MsgSyncEvent, syncResponse("u1", 100.0, 200*time.Millisecond, 0))

	require.Len(t, corrections, 1)
	assert.InDelta(t, 100.2, corrections[0].TargetTime, 0.05)
	assert.InDelta(t, 5.2, corrections[0].Drift, 0.05)
	assert.InDelta(t, 100.2, s.LocalState().CurrentTime, 0.05)
}

func TestSyncResponseForAnotherViewerIgnored(t *testing.T) {
	s, ft := newTestService(t)
	joinRoom(t, s, ft, "h1")

	var corrections []Correction
	s.OnCorrection(func(c Correction) { corrections = append(corrections, c) })

	require.NoError(t, s.UpdatePlaybackState(StatePlaying, 10.0))
	ft.deliver(t, transport.MsgSyncEvent, syncResponse("someone-else", 500.0, 0, 0))

	assert.Empty(t, corrections)
}

func TestHostAnswersSyncRequestWithClampedCompensation(t *testing.T) {
	s, ft := newTestService(t)
	joinRoom(t, s, ft, "u1") // local is host
	s.UpdateLatencyMetrics(LatencyMetrics{LatencyMS: 80})
	require.NoError(t, s.UpdatePlaybackState(StatePlaying, 50.0))

	request := func(latencyMS float64) {
		payload, _ := json.Marshal(SyncRequestPayload{CurrentTime: 48, State: StatePlaying, LatencyMS: latencyMS})
		ft.deliver(t, transport.MsgSyncEvent, Event{
			Type: EventSyncRequest, UserID: "v2", Username: "bob",
			RoomID: "room1", Timestamp: time.Now().UnixMilli(), Data: payload,
		})
	}

	// viewer latency below host latency: compensation clamps to zero
	request(30)
	responses := ft.sentEvents(t, EventSyncResponse)
	require.Len(t, responses, 1)
	var p SyncResponsePayload
	require.NoError(t, json.Unmarshal(responses[0].Data, &p))
	assert.Equal(t, "v2", p.TargetUserID)
	assert.Equal(t, 50.0, p.MasterTime)
	assert.Zero(t, p.Compensation)

	// viewer latency above host latency: one-directional compensation
	request(180)
	responses = ft.sentEvents(t, EventSyncResponse)
	require.Len(t, responses, 2)
	require.NoError(t, json.Unmarshal(responses[1].Data, &p))
	assert.InDelta(t, 0.1, p.Compensation, 1e-9)
}

func TestTakeHostControlWaitsForServerConfirmation(t *testing.T) {
	s, ft := newTestService(t)
	joinRoom(t, s, ft, "h1")

	require.NoError(t, s.TakeHostControl())
	assert.False(t, s.LocalState().IsHost, "host flag must not flip before the relay confirms")

	payload, _ := json.Marshal(HostChangePayload{NewHostID: "u1", NewHostUsername: "alice"})
	ft.deliver(t, transport.MsgSyncHostChange, Event{
		Type: EventHostChange, RoomID: "room1", Timestamp: time.Now().UnixMilli(), Data: payload,
	})
	assert.True(t, s.LocalState().IsHost)
	assert.Equal(t, "u1", s.Room().HostID)
}

func TestHostControlledAppliesOnlyHostEvents(t *testing.T) {
	s, ft := newTestService(t)
	joinRoom(t, s, ft, "h1")

	var corrections []Correction
	s.OnCorrection(func(c Correction) { corrections = append(corrections, c) })

	seek := func(userID string, to float64) {
		payload, _ := json.Marshal(SeekPayload{CurrentTime: to})
		ft.deliver(t, transport.MsgSyncEvent, Event{
			Type: EventSeekChange, UserID: userID, RoomID: "room1",
			Timestamp: time.Now().UnixMilli(), Data: payload,
		})
	}

	seek("v2", 200) // not the host
	assert.Empty(t, corrections)

	seek("h1", 300)
	require.Len(t, corrections, 1)
	assert.Equal(t, 300.0, corrections[0].TargetTime)
	assert.Equal(t, 300.0, s.LocalState().CurrentTime)
}

func TestDemocraticModeDeliversAdvisoryEventsOnly(t *testing.T) {
	s, ft := newTestService(t)
	joinRoom(t, s, ft, "h1")
	require.NoError(t, s.SetSyncMode(ModeDemocratic))

	var events []Event
	var corrections []Correction
	s.OnEvent(func(e Event) { events = append(events, e) })
	s.OnCorrection(func(c Correction) { corrections = append(corrections, c) })

	payload, _ := json.Marshal(PlaybackChangePayload{State: StatePaused, CurrentTime: 77})
	ft.deliver(t, transport.MsgSyncEvent, Event{
		Type: EventPlaybackChange, UserID: "h1", RoomID: "room1",
		Timestamp: time.Now().UnixMilli(), Data: payload,
	})

	assert.Empty(t, corrections, "democratic mode must not auto-apply")
	require.Len(t, events, 1)
	assert.Equal(t, EventPlaybackChange, events[0].Type)
}

func TestAutoSyncIssuesRequestWhenStale(t *testing.T) {
	s, ft := newTestService(t)
	joinRoom(t, s, ft, "h1")

	assert.Eventually(t, func() bool {
		return len(ft.sentEvents(t, EventSyncRequest)) >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestLostSyncResponseRetriesAfterTimeout(t *testing.T) {
	s, ft := newTestService(t)
	joinRoom(t, s, ft, "h1")

	// no host ever answers; the in-flight flag must time out so the
	// auto-resync keeps retrying instead of stalling after one request
	assert.Eventually(t, func() bool {
		return len(ft.sentEvents(t, EventSyncRequest)) >= 2
	}, time.Second, 10*time.Millisecond)
}

func TestConnectionQualityClassification(t *testing.T) {
	cases := []struct {
		m    LatencyMetrics
		want ConnectionQuality
	}{
		{LatencyMetrics{LatencyMS: 20, JitterMS: 5, PacketLossPct: 0.5}, QualityExcellent},
		{LatencyMetrics{LatencyMS: 80, JitterMS: 15, PacketLossPct: 2}, QualityGood},
		{LatencyMetrics{LatencyMS: 150, JitterMS: 40, PacketLossPct: 8}, QualityFair},
		{LatencyMetrics{LatencyMS: 400, JitterMS: 90, PacketLossPct: 20}, QualityPoor},
		{LatencyMetrics{LatencyMS: 20, JitterMS: 5, PacketLossPct: 15}, QualityFair},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifyConnection(tc.m), "metrics %+v", tc.m)
	}
}

func TestDisconnectClearsRoomButAllowsRejoin(t *testing.T) {
	s, ft := newTestService(t)
	joinRoom(t, s, ft, "h1")
	require.NotNil(t, s.Room())

	ft.disconnect()
	assert.Nil(t, s.Room())

	joinRoom(t, s, ft, "h1")
	assert.NotNil(t, s.Room())
}

func TestCommandsRunByPriorityAndDeferFutureOnes(t *testing.T) {
	s, ft := newTestService(t)
	joinRoom(t, s, ft, "h1")

	var mu sync.Mutex
	var ran []string
	s.OnCommand(func(c Command) {
		mu.Lock()
		ran = append(ran, c.ID)
		mu.Unlock()
	})

	s.EnqueueCommand(Command{ID: "low", Action: "pause", Priority: 1})
	s.EnqueueCommand(Command{ID: "future", Action: "seek", Priority: 9, ExecutionTime: time.Now().Add(time.Hour)})
	s.EnqueueCommand(Command{ID: "high", Action: "play", Priority: 5})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ran) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "low"}, ran)
	assert.NotContains(t, ran, "future")
}
