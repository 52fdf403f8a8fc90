package reactions

import (
	"encoding/json"
	"path/filepath"
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

func (f *fakeTransport) sentOfType(msgType string) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMessage
	for _, m := range f.sent {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

// fakeClock is a thread-safe manual clock shared with the service's
// background loops.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func setClock(s *Service, c *fakeClock) {
	s.mu.Lock()
	s.now = c.Now
	s.mu.Unlock()
}

// quiet keeps background loops out of the way for clock-driven tests.
var quiet = Options{
	BatchInterval: time.Hour,
	SweepInterval: time.Hour,
	ImmediateSend: true,
}

func newTestService(t *testing.T, opts Options) (*Service, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	s := NewService(ft, nil, nil, opts)
	require.NoError(t, s.Initialize("u1", "alice", "room1", "stream1"))
	t.Cleanup(s.Dispose)
	return s, ft
}

func TestSendRequiresInitialize(t *testing.T) {
	s := NewService(newFakeTransport(), nil, nil, quiet)
	_, err := s.SendReaction(TypeLike, "👍", Position{}, ReactionOptions{})
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestInitializeTwiceFails(t *testing.T) {
	s, _ := newTestService(t, quiet)
	assert.ErrorIs(t, s.Initialize("u1", "alice", "room1", "stream1"), ErrAlreadyInitialized)
	s.Dispose()
	assert.NoError(t, s.Initialize("u1", "alice", "room1", "stream1"))
}

func TestRateLimitSlidingWindow(t *testing.T) {
	opts := quiet
	opts.MaxPerSecond = 3
	s, _ := newTestService(t, opts)
	clock := newFakeClock()
	setClock(s, clock)

	for i := 0; i < 3; i++ {
		_, err := s.SendReaction(TypeLike, "👍", Position{X: 50, Y: 50}, ReactionOptions{})
		require.NoError(t, err)
	}
	_, err := s.SendReaction(TypeLike, "👍", Position{X: 50, Y: 50}, ReactionOptions{})
	assert.ErrorIs(t, err, ErrRateLimited)

	// window slides forward, budget frees up
	clock.Advance(1100 * time.Millisecond)
	_, err = s.SendReaction(TypeLike, "👍", Position{X: 50, Y: 50}, ReactionOptions{})
	assert.NoError(t, err)
}

func TestBurstDetectionFiresOncePerCrossing(t *testing.T) {
	opts := quiet
	opts.MaxPerSecond = 100
	opts.BurstThreshold = 5
	s, _ := newTestService(t, opts)
	clock := newFakeClock()
	setClock(s, clock)

	var mu sync.Mutex
	var bursts []Burst
	s.OnBurst(func(b Burst) {
		mu.Lock()
		bursts = append(bursts, b)
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		_, err := s.SendReaction(TypeFire, "🔥", Position{X: float64(i * 10), Y: float64(i * 10)}, ReactionOptions{})
		require.NoError(t, err)
	}

	mu.Lock()
	require.Len(t, bursts, 1)
	assert.Equal(t, 5, bursts[0].Intensity)
	assert.Equal(t, 20.0, bursts[0].Center.X)
	assert.Equal(t, 20.0, bursts[0].Center.Y)
	mu.Unlock()

	// still above threshold: no second burst until the window drains
	_, err := s.SendReaction(TypeFire, "🔥", Position{X: 50, Y: 50}, ReactionOptions{})
	require.NoError(t, err)
	mu.Lock()
	assert.Len(t, bursts, 1)
	mu.Unlock()
}

func TestExpirySweepReportsOneBatch(t *testing.T) {
	opts := Options{
		MaxPerSecond:  100,
		Lifetime:      50 * time.Millisecond,
		SweepInterval: 20 * time.Millisecond,
		ImmediateSend: true,
	}
	s, _ := newTestService(t, opts)

	var mu sync.Mutex
	var batches [][]Reaction
	s.OnExpired(func(rs []Reaction) {
		mu.Lock()
		batches = append(batches, rs)
		mu.Unlock()
	})

	for i := 0; i < 3; i++ {
		_, err := s.SendReaction(TypeLove, "❤️", Position{X: 50, Y: 50}, ReactionOptions{})
		require.NoError(t, err)
	}
	require.Len(t, s.GetActiveReactionsInArea(Position{X: 50, Y: 50}, 10), 3)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batches) == 1 && len(batches[0]) == 3
	}, time.Second, 10*time.Millisecond, "expired reactions must arrive as one batch")

	assert.Empty(t, s.GetActiveReactionsInArea(Position{X: 50, Y: 50}, 10))
}

func TestBatchingFlushesInChunks(t *testing.T) {
	opts := Options{
		MaxPerSecond:  100,
		BatchSize:     4,
		BatchInterval: 20 * time.Millisecond,
		SweepInterval: time.Hour,
	}
	s, ft := newTestService(t, opts)

	for i := 0; i < 10; i++ {
		_, err := s.SendReaction(TypeClap, "👏", Position{X: 10, Y: 10}, ReactionOptions{})
		require.NoError(t, err)
	}
	assert.Empty(t, ft.sentOfType(transport.MsgReaction), "batching must not send singles")

	assert.Eventually(t, func() bool {
		total := 0
		for _, m := range ft.sentOfType(transport.MsgReactionBatch) {
			var batch []Reaction
			if json.Unmarshal(m.Data, &batch) != nil {
				return false
			}
			total += len(batch)
		}
		return total == 10
	}, time.Second, 10*time.Millisecond)

	for _, m := range ft.sentOfType(transport.MsgReactionBatch) {
		var batch []Reaction
		require.NoError(t, json.Unmarshal(m.Data, &batch))
		assert.LessOrEqual(t, len(batch), 4)
	}
}

func TestBurstSendBypassesRateLimit(t *testing.T) {
	opts := quiet
	opts.MaxPerSecond = 1
	s, ft := newTestService(t, opts)

	_, err := s.SendReaction(TypeLike, "👍", Position{X: 1, Y: 1}, ReactionOptions{})
	require.NoError(t, err)
	_, err = s.SendReaction(TypeLike, "👍", Position{X: 1, Y: 1}, ReactionOptions{})
	require.ErrorIs(t, err, ErrRateLimited)

	burst, err := s.SendReactionBurst(TypeFire, "🔥", []Position{
		{X: 0, Y: 0}, {X: 20, Y: 0}, {X: 10, Y: 30},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, burst.Intensity)
	assert.InDelta(t, 10.0, burst.Center.X, 1e-9)
	assert.InDelta(t, 10.0, burst.Center.Y, 1e-9)

	msgs := ft.sentOfType(transport.MsgReactionBurst)
	require.Len(t, msgs, 1, "a burst is one wire message")
	var sent Burst
	require.NoError(t, json.Unmarshal(msgs[0].Data, &sent))
	assert.Len(t, sent.Reactions, 3)
	assert.Equal(t, burst.ID, sent.Reactions[0].BurstID)
}

func TestActiveReactionsInAreaFiltersByRadius(t *testing.T) {
	opts := quiet
	opts.MaxPerSecond = 100
	s, _ := newTestService(t, opts)

	_, err := s.SendReaction(TypeLike, "👍", Position{X: 10, Y: 10}, ReactionOptions{})
	require.NoError(t, err)
	_, err = s.SendReaction(TypeLike, "👍", Position{X: 90, Y: 90}, ReactionOptions{})
	require.NoError(t, err)

	near := s.GetActiveReactionsInArea(Position{X: 12, Y: 10}, 5)
	require.Len(t, near, 1)
	assert.Equal(t, 10.0, near[0].Position.X)
}

func TestInteractionCooldown(t *testing.T) {
	s, _ := newTestService(t, quiet)
	clock := newFakeClock()
	setClock(s, clock)

	el, err := s.CreateInteractiveElement(Element{
		Type:     ElementPoll,
		Title:    "Which ending?",
		Settings: ElementSettings{CooldownMS: 1000},
	})
	require.NoError(t, err)

	_, err = s.InteractWithElement(el.ID, "vote", json.RawMessage(`{"option":1}`))
	require.NoError(t, err)

	_, err = s.InteractWithElement(el.ID, "vote", json.RawMessage(`{"option":2}`))
	assert.ErrorIs(t, err, ErrCooldownActive)

	clock.Advance(1100 * time.Millisecond)
	_, err = s.InteractWithElement(el.ID, "vote", json.RawMessage(`{"option":2}`))
	assert.NoError(t, err)

	got, ok := s.Element(el.ID)
	require.True(t, ok)
	assert.Len(t, got.Interactions, 2)
}

func TestInteractionCapPerUser(t *testing.T) {
	s, _ := newTestService(t, quiet)

	el, err := s.CreateInteractiveElement(Element{
		Type:     ElementQuiz,
		Title:    "one shot",
		Settings: ElementSettings{MaxInteractions: 1},
	})
	require.NoError(t, err)

	_, err = s.InteractWithElement(el.ID, "answer", nil)
	require.NoError(t, err)
	_, err = s.InteractWithElement(el.ID, "answer", nil)
	assert.ErrorIs(t, err, ErrMaxInteractions)
}

func TestExpiredElementDeactivatedBySweep(t *testing.T) {
	opts := Options{
		BatchInterval: time.Hour,
		SweepInterval: 20 * time.Millisecond,
		ImmediateSend: true,
	}
	s, ft := newTestService(t, opts)

	el, err := s.CreateInteractiveElement(Element{
		Type:      ElementCountdown,
		Title:     "ends now",
		ExpiresAt: time.Now().Add(30 * time.Millisecond),
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, ok := s.Element(el.ID)
		return ok && !got.Active
	}, time.Second, 10*time.Millisecond, "element must be deactivated, not deleted")

	require.NotEmpty(t, ft.sentOfType(transport.MsgElementUpdate))
	_, err = s.InteractWithElement(el.ID, "vote", nil)
	assert.ErrorIs(t, err, ErrElementInactive)
}

func TestCustomReactionsPersistAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom_reactions.json")
	store := NewStore(path)

	s := NewService(newFakeTransport(), store, nil, quiet)
	require.NoError(t, s.Initialize("u1", "alice", "room1", "stream1"))
	defer s.Dispose()

	cr, err := s.CreateCustomReaction("hype", "🚀", "")
	require.NoError(t, err)

	s2 := NewService(newFakeTransport(), NewStore(path), nil, quiet)
	loaded := s2.CustomReactions()
	require.Len(t, loaded, 1)
	assert.Equal(t, cr.ID, loaded[0].ID)
	assert.Equal(t, "hype", loaded[0].Name)
}

func TestHeatmapSnapsToGridAndSumsIntensity(t *testing.T) {
	opts := quiet
	opts.MaxPerSecond = 100
	opts.HeatmapCells = 10 // 10x10 grid over 0-100: cell size 10
	s, _ := newTestService(t, opts)

	_, err := s.SendReaction(TypeLike, "👍", Position{X: 12, Y: 17}, ReactionOptions{})
	require.NoError(t, err)
	_, err = s.SendReaction(TypeLike, "👍", Position{X: 15, Y: 11}, ReactionOptions{})
	require.NoError(t, err)
	_, err = s.SendReaction(TypeFire, "🔥", Position{X: 55, Y: 55}, ReactionOptions{Intensity: 2})
	require.NoError(t, err)

	hm := s.GetHeatmap()
	require.Len(t, hm, 2)
	assert.Equal(t, HeatmapCell{X: 10, Y: 10, Weight: 2}, hm[0])
	assert.Equal(t, HeatmapCell{X: 50, Y: 50, Weight: 2}, hm[1])
}

func TestStatsAggregates(t *testing.T) {
	opts := quiet
	opts.MaxPerSecond = 100
	s, ft := newTestService(t, opts)

	_, err := s.SendReaction(TypeLike, "👍", Position{X: 1, Y: 1}, ReactionOptions{})
	require.NoError(t, err)
	_, err = s.SendReaction(TypeLike, "👍", Position{X: 1, Y: 1}, ReactionOptions{})
	require.NoError(t, err)
	ft.deliver(t, transport.MsgReaction, Reaction{
		ID: "r-remote", UserID: "u2", Username: "bob",
		Type: TypeFire, Emoji: "🔥", Position: Position{X: 2, Y: 2},
		Timestamp: time.Now(), RoomID: "room1", Intensity: 1,
	})

	st := s.GetStats()
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.UniqueUsers)
	assert.Equal(t, 2, st.ByUser["u1"])
	assert.Equal(t, 1, st.ByUser["u2"])
	require.NotEmpty(t, st.Top)
	assert.Equal(t, TypeLike, st.Top[0].Type)
	assert.Equal(t, 2, st.Top[0].Count)
	assert.InDelta(t, 66.6, st.Top[0].Percent, 0.1)
}

func TestRemoteReactionsDedupedAndOwnEchoDropped(t *testing.T) {
	s, ft := newTestService(t, quiet)

	var mu sync.Mutex
	var received []Reaction
	s.OnReaction(func(r Reaction) {
		mu.Lock()
		received = append(received, r)
		mu.Unlock()
	})

	remote := Reaction{
		ID: "dup-1", UserID: "u2", Username: "bob",
		Type: TypeWow, Emoji: "😮", Timestamp: time.Now(), RoomID: "room1",
	}
	ft.deliver(t, transport.MsgReaction, remote)
	ft.deliver(t, transport.MsgReaction, remote) // relay duplicate

	echo := remote
	echo.ID = "echo-1"
	echo.UserID = "u1" // our own reaction reflected back
	ft.deliver(t, transport.MsgReaction, echo)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "dup-1", received[0].ID)
}

func TestMalformedInboundDropped(t *testing.T) {
	s, ft := newTestService(t, quiet)

	var mu sync.Mutex
	count := 0
	s.OnReaction(func(Reaction) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	ft.mu.Lock()
	handlers := append([]func(json.RawMessage){}, ft.handlers[transport.MsgReaction]...)
	ft.mu.Unlock()
	for _, h := range handlers {
		h(json.RawMessage(`{"id":`)) // truncated JSON
	}

	mu.Lock()
	assert.Zero(t, count)
	mu.Unlock()
	assert.Empty(t, s.GetActiveReactionsInArea(Position{X: 50, Y: 50}, 100))
}
