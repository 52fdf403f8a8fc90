// Package reactions is the high-throughput ephemeral event layer: emoji
// reactions and interactive widgets fanned out over the relay transport,
// with local rate limiting, outbound batching, lifetime expiry and rolling
// statistics. Nothing here is retried automatically; a rejected call is
// final and the caller decides what to show.
package reactions

import (
	"encoding/json"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamgrid/backend/internal/transport"
)

var (
	ErrNotInitialized     = errors.New("reactions: service not initialized")
	ErrAlreadyInitialized = errors.New("reactions: service already initialized")
	ErrRateLimited        = errors.New("reactions: rate limit exceeded")
	ErrCooldownActive     = errors.New("reactions: interaction cooldown active")
	ErrElementNotFound    = errors.New("reactions: interactive element not found")
	ErrElementInactive    = errors.New("reactions: interactive element inactive")
	ErrMaxInteractions    = errors.New("reactions: interaction limit reached")
)

// Transport is the narrow pub/sub contract the service depends on.
type Transport interface {
	Send(msgType string, payload any) error
	On(msgType string, h func(data json.RawMessage))
}

// Options tune throughput and retention. Zero values use defaults.
type Options struct {
	MaxPerSecond   int           // per-user send budget, default 10
	Lifetime       time.Duration // reaction lifetime, default 5s
	BurstThreshold int           // organic burst trigger, default 10
	BurstWindow    time.Duration // default 2s
	BatchSize      int           // max reactions per batch message, default 10
	BatchInterval  time.Duration // flush cadence, default 100ms
	SweepInterval  time.Duration // expiry sweep cadence, default 1s
	HeatmapCells   int           // grid resolution per axis, default 20
	ImmediateSend  bool          // bypass batching, send each reaction alone
}

// Service is the realtime reactions session layer. Construct one per user
// session and inject it; it is safe for concurrent use.
type Service struct {
	mu     sync.Mutex
	logger *zap.Logger
	tr     Transport
	store  *Store
	now    func() time.Time
	opts   Options

	userID   string
	username string
	roomID   string
	streamID string

	initialized bool
	stop        chan struct{}

	active      []Reaction
	seen        map[string]struct{}
	sendTimes   []time.Time // local user's trailing send timestamps
	recent      []time.Time // trailing minute, for the per-minute rate
	outbox      []Reaction
	burstActive bool

	elements        map[string]*Element
	lastInteraction map[string]time.Time // elementID|userID

	custom []CustomReaction

	total        int
	byType       map[Type]int
	emojiOf      map[Type]string
	byUser       map[string]int
	intensitySum float64
	peakRate     float64
	peakTime     time.Time
	stats        Stats

	onReaction    []func(Reaction)
	onBurst       []func(Burst)
	onExpired     []func([]Reaction)
	onElement     []func(Element)
	onInteraction []func(Interaction)
	onStats       []func(Stats)
}

// NewService creates the reactions service, loads persisted custom
// reactions and subscribes to its transport message namespace.
func NewService(tr Transport, store *Store, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxPerSecond <= 0 {
		opts.MaxPerSecond = 10
	}
	if opts.Lifetime <= 0 {
		opts.Lifetime = 5 * time.Second
	}
	if opts.BurstThreshold <= 0 {
		opts.BurstThreshold = 10
	}
	if opts.BurstWindow <= 0 {
		opts.BurstWindow = 2 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.BatchInterval <= 0 {
		opts.BatchInterval = 100 * time.Millisecond
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Second
	}
	if opts.HeatmapCells <= 0 {
		opts.HeatmapCells = 20
	}

	s := &Service{
		logger:          logger,
		tr:              tr,
		store:           store,
		now:             time.Now,
		opts:            opts,
		seen:            make(map[string]struct{}),
		elements:        make(map[string]*Element),
		lastInteraction: make(map[string]time.Time),
		byType:          make(map[Type]int),
		emojiOf:         make(map[Type]string),
		byUser:          make(map[string]int),
	}
	if store != nil {
		custom, err := store.Load()
		if err != nil {
			logger.Warn("custom reactions load failed", zap.Error(err))
		}
		s.custom = custom
	}

	tr.On(transport.MsgReaction, s.handleReaction)
	tr.On(transport.MsgReactionBatch, s.handleReactionBatch)
	tr.On(transport.MsgReactionBurst, s.handleBurst)
	tr.On(transport.MsgElementCreate, s.handleElementCreate)
	tr.On(transport.MsgElementInteract, s.handleElementInteract)
	tr.On(transport.MsgElementUpdate, s.handleElementUpdate)
	tr.On(transport.MsgReactionStats, s.handleRemoteStats)
	return s
}

// OnReaction registers a listener for every accepted reaction, local or
// remote.
func (s *Service) OnReaction(fn func(Reaction)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReaction = append(s.onReaction, fn)
}

// OnBurst registers a listener for detected and explicit bursts.
func (s *Service) OnBurst(fn func(Burst)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onBurst = append(s.onBurst, fn)
}

// OnExpired registers a listener for each sweep's purged batch. It fires
// once per sweep, never once per reaction.
func (s *Service) OnExpired(fn func([]Reaction)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExpired = append(s.onExpired, fn)
}

// OnElement registers a listener for element creation and updates.
func (s *Service) OnElement(fn func(Element)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onElement = append(s.onElement, fn)
}

// OnInteraction registers a listener for element interactions.
func (s *Service) OnInteraction(fn func(Interaction)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onInteraction = append(s.onInteraction, fn)
}

// OnStats registers a listener for recomputed statistics.
func (s *Service) OnStats(fn func(Stats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStats = append(s.onStats, fn)
}

// Initialize establishes identity and room scope and starts the flush and
// sweep loops. It fails if called again without Dispose.
func (s *Service) Initialize(userID, username, roomID, streamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return ErrAlreadyInitialized
	}
	s.userID = userID
	s.username = username
	s.roomID = roomID
	s.streamID = streamID
	s.initialized = true
	s.stop = make(chan struct{})
	go s.run(s.stop)
	s.logger.Info("reactions initialized",
		zap.String("user_id", userID), zap.String("room_id", roomID))
	return nil
}

// SendReaction validates the per-user rate limit, stores the reaction,
// queues it for delivery and updates statistics before returning. A
// rate-limited call rejects without sending anything.
func (s *Service) SendReaction(typ Type, emoji string, pos Position, opt ReactionOptions) (Reaction, error) {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return Reaction{}, ErrNotInitialized
	}

	now := s.now()
	cutoff := now.Add(-time.Second)
	kept := s.sendTimes[:0]
	for _, t := range s.sendTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.sendTimes = kept
	if len(s.sendTimes) >= s.opts.MaxPerSecond {
		s.mu.Unlock()
		return Reaction{}, ErrRateLimited
	}
	s.sendTimes = append(s.sendTimes, now)

	intensity := opt.Intensity
	if intensity <= 0 {
		intensity = 1
	}
	r := Reaction{
		ID:        uuid.NewString(),
		UserID:    s.userID,
		Username:  s.username,
		Type:      typ,
		Emoji:     emoji,
		Position:  pos,
		Timestamp: now,
		RoomID:    s.roomID,
		StreamID:  s.streamID,
		TargetID:  opt.TargetID,
		Animation: opt.Animation,
		Intensity: intensity,
		Color:     opt.Color,
	}
	s.acceptLocked(r)

	var sendErr error
	if s.opts.ImmediateSend {
		sendErr = s.tr.Send(transport.MsgReaction, r)
	} else {
		s.outbox = append(s.outbox, r)
	}

	burst := s.detectBurstLocked(now)
	emit := s.emitterLocked(r, burst)
	s.mu.Unlock()

	emit()
	return r, sendErr
}

// SendReactionBurst emits several reactions sharing one burst id as a
// single message. A burst is one deliberate user action, so it bypasses
// the per-reaction rate limiter.
func (s *Service) SendReactionBurst(typ Type, emoji string, positions []Position) (Burst, error) {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return Burst{}, ErrNotInitialized
	}
	if len(positions) == 0 {
		s.mu.Unlock()
		return Burst{}, errors.New("reactions: burst needs at least one position")
	}

	now := s.now()
	burstID := uuid.NewString()
	burst := Burst{
		ID:        burstID,
		Intensity: len(positions),
		Timestamp: now,
	}
	for _, pos := range positions {
		r := Reaction{
			ID:        uuid.NewString(),
			UserID:    s.userID,
			Username:  s.username,
			Type:      typ,
			Emoji:     emoji,
			Position:  pos,
			Timestamp: now,
			RoomID:    s.roomID,
			StreamID:  s.streamID,
			BurstID:   burstID,
			Intensity: 1,
		}
		s.acceptLocked(r)
		burst.Reactions = append(burst.Reactions, r)
	}
	burst.Center = centroid(burst.Reactions)

	sendErr := s.tr.Send(transport.MsgReactionBurst, burst)
	onBurst := append([]func(Burst){}, s.onBurst...)
	onStats := append([]func(Stats){}, s.onStats...)
	stats := s.stats
	s.mu.Unlock()

	for _, fn := range onBurst {
		fn(burst)
	}
	for _, fn := range onStats {
		fn(stats)
	}
	return burst, sendErr
}

// GetActiveReactionsInArea returns live reactions within radius of center,
// measured in the 2-D overlay plane.
func (s *Service) GetActiveReactionsInArea(center Position, radius float64) []Reaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := s.now().Add(-s.opts.Lifetime)
	var out []Reaction
	for _, r := range s.active {
		if !r.Timestamp.After(deadline) {
			continue
		}
		dx, dy := r.Position.X-center.X, r.Position.Y-center.Y
		if math.Sqrt(dx*dx+dy*dy) <= radius {
			out = append(out, r)
		}
	}
	return out
}

// CreateInteractiveElement registers a widget and announces it. The caller
// provides type, title, geometry, settings and payload; identity and
// lifecycle fields are filled here.
func (s *Service) CreateInteractiveElement(el Element) (Element, error) {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return Element{}, ErrNotInitialized
	}
	el.ID = uuid.NewString()
	el.CreatorID = s.userID
	el.Active = true
	el.CreatedAt = s.now()
	el.Interactions = nil
	s.elements[el.ID] = &el

	sendErr := s.tr.Send(transport.MsgElementCreate, el)
	snapshot := el
	onElement := append([]func(Element){}, s.onElement...)
	s.mu.Unlock()

	for _, fn := range onElement {
		fn(snapshot)
	}
	return snapshot, sendErr
}

// InteractWithElement appends one user action to an element, enforcing the
// per-user cooldown and interaction cap. A rejected call sends nothing.
func (s *Service) InteractWithElement(elementID, kind string, data json.RawMessage) (Interaction, error) {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return Interaction{}, ErrNotInitialized
	}
	el, ok := s.elements[elementID]
	if !ok {
		s.mu.Unlock()
		return Interaction{}, ErrElementNotFound
	}
	now := s.now()
	if !el.Active || (!el.ExpiresAt.IsZero() && now.After(el.ExpiresAt)) {
		s.mu.Unlock()
		return Interaction{}, ErrElementInactive
	}
	key := elementID + "|" + s.userID
	if cd := time.Duration(el.Settings.CooldownMS) * time.Millisecond; cd > 0 {
		if last, ok := s.lastInteraction[key]; ok && now.Sub(last) < cd {
			s.mu.Unlock()
			return Interaction{}, ErrCooldownActive
		}
	}
	if max := el.Settings.MaxInteractions; max > 0 {
		count := 0
		for _, it := range el.Interactions {
			if it.UserID == s.userID {
				count++
			}
		}
		if count >= max {
			s.mu.Unlock()
			return Interaction{}, ErrMaxInteractions
		}
	}

	it := Interaction{
		ID:        uuid.NewString(),
		ElementID: elementID,
		UserID:    s.userID,
		Username:  s.username,
		Kind:      kind,
		Data:      data,
		Timestamp: now,
	}
	if el.Settings.Anonymous {
		it.Username = ""
	}
	el.Interactions = append(el.Interactions, it)
	s.lastInteraction[key] = now

	sendErr := s.tr.Send(transport.MsgElementInteract, it)
	onInteraction := append([]func(Interaction){}, s.onInteraction...)
	s.mu.Unlock()

	for _, fn := range onInteraction {
		fn(it)
	}
	return it, sendErr
}

// Element returns a snapshot of one element, with ok=false when unknown.
func (s *Service) Element(id string) (Element, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.elements[id]
	if !ok {
		return Element{}, false
	}
	cp := *el
	cp.Interactions = append([]Interaction(nil), el.Interactions...)
	return cp, true
}

// CreateCustomReaction persists a user-created reaction asset. The full
// list is rewritten on every creation.
func (s *Service) CreateCustomReaction(name, emoji, imageURL string) (CustomReaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return CustomReaction{}, ErrNotInitialized
	}
	cr := CustomReaction{
		ID:        uuid.NewString(),
		Name:      name,
		Emoji:     emoji,
		ImageURL:  imageURL,
		CreatorID: s.userID,
		CreatedAt: s.now(),
	}
	s.custom = append(s.custom, cr)
	if s.store != nil {
		if err := s.store.Save(s.custom); err != nil {
			s.custom = s.custom[:len(s.custom)-1]
			return CustomReaction{}, err
		}
	}
	return cr, nil
}

// CustomReactions returns the persisted custom reaction assets.
func (s *Service) CustomReactions() []CustomReaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CustomReaction(nil), s.custom...)
}

// GetStats returns the latest aggregate snapshot.
func (s *Service) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotStatsLocked()
}

// GetHeatmap returns intensity summed per grid cell over active reactions.
func (s *Service) GetHeatmap() []HeatmapCell {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]HeatmapCell(nil), s.stats.Heatmap...)
}

// Dispose stops the loops and clears all session state. The service can be
// initialized again afterwards; custom reactions survive.
func (s *Service) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.initialized = false
	s.active = nil
	s.seen = make(map[string]struct{})
	s.sendTimes = nil
	s.recent = nil
	s.outbox = nil
	s.burstActive = false
	s.elements = make(map[string]*Element)
	s.lastInteraction = make(map[string]time.Time)
	s.total = 0
	s.byType = make(map[Type]int)
	s.emojiOf = make(map[Type]string)
	s.byUser = make(map[string]int)
	s.intensitySum = 0
	s.peakRate = 0
	s.peakTime = time.Time{}
	s.stats = Stats{}
}

func (s *Service) run(stop chan struct{}) {
	flush := time.NewTicker(s.opts.BatchInterval)
	sweep := time.NewTicker(s.opts.SweepInterval)
	defer flush.Stop()
	defer sweep.Stop()
	for {
		select {
		case <-stop:
			return
		case <-flush.C:
			s.flush()
		case <-sweep.C:
			s.sweep()
		}
	}
}

// flush drains the outbox in chunks so a reaction storm becomes a handful
// of batch messages instead of hundreds of singles.
func (s *Service) flush() {
	s.mu.Lock()
	if len(s.outbox) == 0 {
		s.mu.Unlock()
		return
	}
	pending := s.outbox
	s.outbox = nil
	s.mu.Unlock()

	for len(pending) > 0 {
		n := s.opts.BatchSize
		if n > len(pending) {
			n = len(pending)
		}
		if err := s.tr.Send(transport.MsgReactionBatch, pending[:n]); err != nil {
			s.logger.Warn("reaction batch send failed", zap.Error(err), zap.Int("size", n))
		}
		pending = pending[n:]
	}
}

// sweep purges expired reactions (reported as one batch) and deactivates
// elements past their expiry.
func (s *Service) sweep() {
	s.mu.Lock()
	now := s.now()
	deadline := now.Add(-s.opts.Lifetime)

	var expired []Reaction
	live := s.active[:0]
	for _, r := range s.active {
		if r.Timestamp.After(deadline) {
			live = append(live, r)
		} else {
			expired = append(expired, r)
			delete(s.seen, r.ID)
		}
	}
	s.active = live

	var deactivated []Element
	for _, el := range s.elements {
		if el.Active && !el.ExpiresAt.IsZero() && now.After(el.ExpiresAt) {
			el.Active = false
			deactivated = append(deactivated, *el)
		}
	}

	if len(expired) > 0 {
		s.recomputeStatsLocked(now)
	}
	onExpired := append([]func([]Reaction){}, s.onExpired...)
	onElement := append([]func(Element){}, s.onElement...)
	s.mu.Unlock()

	if len(expired) > 0 {
		for _, fn := range onExpired {
			fn(expired)
		}
	}
	for _, el := range deactivated {
		if err := s.tr.Send(transport.MsgElementUpdate, el); err != nil {
			s.logger.Warn("element update send failed", zap.Error(err), zap.String("element_id", el.ID))
		}
		for _, fn := range onElement {
			fn(el)
		}
	}
}

// acceptLocked stores a reaction and updates the rolling aggregates.
func (s *Service) acceptLocked(r Reaction) {
	s.seen[r.ID] = struct{}{}
	s.active = append(s.active, r)
	s.recent = append(s.recent, r.Timestamp)

	s.total++
	s.byType[r.Type]++
	s.emojiOf[r.Type] = r.Emoji
	s.byUser[r.UserID]++
	s.intensitySum += r.Intensity
	s.recomputeStatsLocked(r.Timestamp)
}

// detectBurstLocked fires once per threshold crossing: when the count of
// reactions inside the trailing window reaches the threshold, one burst
// with the centroid of the contributors is reported; no further bursts
// fire until the count drops below the threshold again.
func (s *Service) detectBurstLocked(now time.Time) *Burst {
	cutoff := now.Add(-s.opts.BurstWindow)
	var window []Reaction
	for _, r := range s.active {
		if r.Timestamp.After(cutoff) {
			window = append(window, r)
		}
	}
	if len(window) < s.opts.BurstThreshold {
		s.burstActive = false
		return nil
	}
	if s.burstActive {
		return nil
	}
	s.burstActive = true
	first := window[0].Timestamp
	return &Burst{
		ID:         uuid.NewString(),
		Center:     centroid(window),
		Reactions:  window,
		Intensity:  len(window),
		DurationMS: now.Sub(first).Milliseconds(),
		Timestamp:  now,
	}
}

func (s *Service) recomputeStatsLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	kept := s.recent[:0]
	for _, t := range s.recent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.recent = kept
	rate := float64(len(s.recent))
	if rate > s.peakRate {
		s.peakRate = rate
		s.peakTime = now
	}

	top := make([]TopReaction, 0, len(s.byType))
	for typ, count := range s.byType {
		pct := 0.0
		if s.total > 0 {
			pct = float64(count) / float64(s.total) * 100
		}
		top = append(top, TopReaction{Type: typ, Emoji: s.emojiOf[typ], Count: count, Percent: pct})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].Type < top[j].Type
	})
	if len(top) > 5 {
		top = top[:5]
	}

	mean := 0.0
	if s.total > 0 {
		mean = s.intensitySum / float64(s.total)
	}

	s.stats = Stats{
		Total:         s.total,
		PerMinute:     rate,
		Top:           top,
		ByUser:        s.byUser,
		Heatmap:       s.heatmapLocked(),
		PeakTime:      s.peakTime,
		MeanIntensity: mean,
		UniqueUsers:   len(s.byUser),
	}
}

// heatmapLocked snaps every active reaction to the grid and sums intensity
// per cell. Full recompute, O(active reactions).
func (s *Service) heatmapLocked() []HeatmapCell {
	cell := 100.0 / float64(s.opts.HeatmapCells)
	weights := make(map[[2]int]float64)
	for _, r := range s.active {
		gx := int(math.Floor(r.Position.X / cell))
		gy := int(math.Floor(r.Position.Y / cell))
		weights[[2]int{gx, gy}] += r.Intensity
	}
	out := make([]HeatmapCell, 0, len(weights))
	for k, w := range weights {
		out = append(out, HeatmapCell{X: float64(k[0]) * cell, Y: float64(k[1]) * cell, Weight: w})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Y != out[j].Y {
			return out[i].Y < out[j].Y
		}
		return out[i].X < out[j].X
	})
	return out
}

func (s *Service) snapshotStatsLocked() Stats {
	cp := s.stats
	cp.Top = append([]TopReaction(nil), s.stats.Top...)
	cp.Heatmap = append([]HeatmapCell(nil), s.stats.Heatmap...)
	byUser := make(map[string]int, len(s.byUser))
	for k, v := range s.byUser {
		byUser[k] = v
	}
	cp.ByUser = byUser
	return cp
}

// emitterLocked snapshots listeners and state so events fire after the
// lock is released.
func (s *Service) emitterLocked(r Reaction, burst *Burst) func() {
	onReaction := append([]func(Reaction){}, s.onReaction...)
	onBurst := append([]func(Burst){}, s.onBurst...)
	onStats := append([]func(Stats){}, s.onStats...)
	stats := s.snapshotStatsLocked()
	return func() {
		for _, fn := range onReaction {
			fn(r)
		}
		if burst != nil {
			for _, fn := range onBurst {
				fn(*burst)
			}
		}
		for _, fn := range onStats {
			fn(stats)
		}
	}
}

func (s *Service) handleReaction(raw json.RawMessage) {
	var r Reaction
	if err := json.Unmarshal(raw, &r); err != nil {
		s.logger.Warn("malformed reaction dropped", zap.Error(err))
		return
	}
	s.ingest(r)
}

func (s *Service) handleReactionBatch(raw json.RawMessage) {
	var batch []Reaction
	if err := json.Unmarshal(raw, &batch); err != nil {
		s.logger.Warn("malformed reaction batch dropped", zap.Error(err))
		return
	}
	for _, r := range batch {
		s.ingest(r)
	}
}

// ingest applies one remote reaction: own echoes and duplicate ids are
// dropped, everything else goes through the same accept path as local
// sends (no rate limit; the sender's service already enforced its own).
func (s *Service) ingest(r Reaction) {
	s.mu.Lock()
	if !s.initialized || r.UserID == s.userID {
		s.mu.Unlock()
		return
	}
	if _, dup := s.seen[r.ID]; dup {
		s.mu.Unlock()
		return
	}
	if r.Intensity <= 0 {
		r.Intensity = 1
	}
	s.acceptLocked(r)
	burst := s.detectBurstLocked(s.now())
	emit := s.emitterLocked(r, burst)
	s.mu.Unlock()
	emit()
}

func (s *Service) handleBurst(raw json.RawMessage) {
	var b Burst
	if err := json.Unmarshal(raw, &b); err != nil {
		s.logger.Warn("malformed burst dropped", zap.Error(err))
		return
	}

	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return
	}
	accepted := b.Reactions[:0]
	for _, r := range b.Reactions {
		if r.UserID == s.userID {
			continue
		}
		if _, dup := s.seen[r.ID]; dup {
			continue
		}
		if r.Intensity <= 0 {
			r.Intensity = 1
		}
		s.acceptLocked(r)
		accepted = append(accepted, r)
	}
	if len(accepted) == 0 {
		s.mu.Unlock()
		return
	}
	b.Reactions = accepted
	onBurst := append([]func(Burst){}, s.onBurst...)
	onStats := append([]func(Stats){}, s.onStats...)
	stats := s.snapshotStatsLocked()
	s.mu.Unlock()

	for _, fn := range onBurst {
		fn(b)
	}
	for _, fn := range onStats {
		fn(stats)
	}
}

func (s *Service) handleElementCreate(raw json.RawMessage) {
	var el Element
	if err := json.Unmarshal(raw, &el); err != nil {
		s.logger.Warn("malformed element dropped", zap.Error(err))
		return
	}

	s.mu.Lock()
	if !s.initialized || el.CreatorID == s.userID {
		s.mu.Unlock()
		return
	}
	if _, exists := s.elements[el.ID]; exists {
		s.mu.Unlock()
		return
	}
	cp := el
	s.elements[el.ID] = &cp
	onElement := append([]func(Element){}, s.onElement...)
	s.mu.Unlock()

	for _, fn := range onElement {
		fn(el)
	}
}

func (s *Service) handleElementInteract(raw json.RawMessage) {
	var it Interaction
	if err := json.Unmarshal(raw, &it); err != nil {
		s.logger.Warn("malformed interaction dropped", zap.Error(err))
		return
	}

	s.mu.Lock()
	if !s.initialized || it.UserID == s.userID {
		s.mu.Unlock()
		return
	}
	el, ok := s.elements[it.ElementID]
	if !ok {
		s.mu.Unlock()
		return
	}
	el.Interactions = append(el.Interactions, it)
	onInteraction := append([]func(Interaction){}, s.onInteraction...)
	s.mu.Unlock()

	for _, fn := range onInteraction {
		fn(it)
	}
}

func (s *Service) handleElementUpdate(raw json.RawMessage) {
	var el Element
	if err := json.Unmarshal(raw, &el); err != nil {
		s.logger.Warn("malformed element update dropped", zap.Error(err))
		return
	}

	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return
	}
	if existing, ok := s.elements[el.ID]; ok {
		existing.Active = el.Active
		existing.Title = el.Title
		existing.Description = el.Description
		existing.ExpiresAt = el.ExpiresAt
		existing.Payload = el.Payload
		existing.Settings = el.Settings
	} else {
		cp := el
		s.elements[el.ID] = &cp
	}
	onElement := append([]func(Element){}, s.onElement...)
	s.mu.Unlock()

	for _, fn := range onElement {
		fn(el)
	}
}

// handleRemoteStats forwards a server-authoritative aggregate snapshot to
// stats listeners without touching local counters.
func (s *Service) handleRemoteStats(raw json.RawMessage) {
	var st Stats
	if err := json.Unmarshal(raw, &st); err != nil {
		s.logger.Warn("malformed stats dropped", zap.Error(err))
		return
	}
	s.mu.Lock()
	onStats := append([]func(Stats){}, s.onStats...)
	s.mu.Unlock()
	for _, fn := range onStats {
		fn(st)
	}
}

func centroid(rs []Reaction) Position {
	if len(rs) == 0 {
		return Position{}
	}
	var c Position
	for _, r := range rs {
		c.X += r.Position.X
		c.Y += r.Position.Y
		c.Z += r.Position.Z
	}
	n := float64(len(rs))
	return Position{X: c.X / n, Y: c.Y / n, Z: c.Z / n}
}
