package lattice

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// PeerPhase is a peer worker's position in its state machine.
type PeerPhase string

const (
	PhaseIdle        PeerPhase = "idle"
	PhaseProbing     PeerPhase = "probing"
	PhaseReconciling PeerPhase = "reconciling"
)

// PeerHealth is a snapshot of one peer's scheduling state for health
// reporting.
type PeerHealth struct {
	PeerID string `json:"peer_id"`
	Phase  PeerPhase `json:"phase"`
	// LastSuccess is the completion time of the last successful round.
	LastSuccess time.Time `json:"last_success"`
	// NextAttempt is when the next round becomes eligible.
	NextAttempt time.Time `json:"next_attempt"`
	// Interval is the current retry interval (doubles on failure up to the
	// configured cap, resets to base on success).
	Interval time.Duration `json:"interval"`
	// ConsecutiveFailures counts failed rounds since the last success.
	ConsecutiveFailures int `json:"consecutive_failures"`
	// Stale is set once ConsecutiveFailures passes the configured
	// threshold. It never blocks local operation.
	Stale     bool   `json:"stale"`
	LastError string `json:"last_error,omitempty"`
}

// SchedulerConfig tunes round cadence and backoff.
type SchedulerConfig struct {
	// BaseInterval is the interval between rounds while a peer is healthy.
	BaseInterval time.Duration
	// MaxBackoff caps the doubled interval after failures.
	MaxBackoff time.Duration
	// ProbeTimeout bounds the reachability probe.
	ProbeTimeout time.Duration
	// StaleThreshold is the consecutive-failure count after which a peer is
	// reported stale.
	StaleThreshold int
}

// Scheduler drives one independent worker per configured peer through the
// Idle -> Probing -> Reconciling -> Idle state machine. Backoff is kept as
// explicit next-eligible-time data per peer, never as a blocking sleep, so
// the whole scheduler runs against a substitutable WallClock.
type Scheduler struct {
	cfg    SchedulerConfig
	recon  *Reconciler
	wall   WallClock
	logger *slog.Logger

	// beforeRound runs after a successful probe and before reconciliation;
	// the offline queue flush hooks in here.
	beforeRound func(ctx context.Context, peer *Peer) error

	// halted reports whether the node has latched a durability failure.
	halted func() bool

	mu      sync.Mutex
	runtime map[string]*peerRuntime

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// peerRuntime is the per-peer scheduling state, owned by the Scheduler and
// handed to exactly one worker.
type peerRuntime struct {
	peer        *Peer
	phase       PeerPhase
	interval    time.Duration
	nextAt      time.Time
	failures    int
	lastSuccess time.Time
	lastErr     string
	kick        chan struct{}
}

// NewScheduler creates a scheduler over the given peers.
func NewScheduler(cfg SchedulerConfig, recon *Reconciler, peers []*Peer, wall WallClock, logger *slog.Logger) *Scheduler {
	if wall == nil {
		wall = SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = time.Minute
	}
	if cfg.MaxBackoff < cfg.BaseInterval {
		cfg.MaxBackoff = 30 * cfg.BaseInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 5
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:     cfg,
		recon:   recon,
		wall:    wall,
		logger:  logger,
		runtime: make(map[string]*peerRuntime, len(peers)),
		ctx:     ctx,
		cancel:  cancel,
	}
	now := wall.Now()
	for _, p := range peers {
		s.runtime[p.ID] = &peerRuntime{
			peer:     p,
			phase:    PhaseIdle,
			interval: cfg.BaseInterval,
			nextAt:   now,
			kick:     make(chan struct{}, 1),
		}
	}
	return s
}

// SetBeforeRound installs a hook run between probe and reconciliation.
func (s *Scheduler) SetBeforeRound(fn func(ctx context.Context, peer *Peer) error) {
	s.beforeRound = fn
}

// SetHaltedCheck installs the durability latch check.
func (s *Scheduler) SetHaltedCheck(fn func() bool) { s.halted = fn }

// Start launches one worker per peer.
func (s *Scheduler) Start() {
	if s.running.Swap(true) {
		return
	}
	for _, rt := range s.runtime {
		s.wg.Add(1)
		go s.worker(rt)
	}
}

// Stop cancels the workers and waits for any in-flight round to finish.
// Merges a round has already committed stay committed; no partial-record
// writes are possible.
func (s *Scheduler) Stop() {
	if !s.running.Swap(false) {
		return
	}
	s.cancel()
	s.wg.Wait()
}

// SyncNow schedules an immediate round for the named peer, outside the
// normal cadence.
func (s *Scheduler) SyncNow(peerID string) error {
	s.mu.Lock()
	rt, ok := s.runtime[peerID]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownPeer
	}
	select {
	case rt.kick <- struct{}{}:
	default:
	}
	return nil
}

// Health returns a snapshot of every peer's scheduling state, sorted by ID.
func (s *Scheduler) Health() []PeerHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PeerHealth, 0, len(s.runtime))
	for _, rt := range s.runtime {
		out = append(out, PeerHealth{
			PeerID:              rt.peer.ID,
			Phase:               rt.phase,
			LastSuccess:         rt.lastSuccess,
			NextAttempt:         rt.nextAt,
			Interval:            rt.interval,
			ConsecutiveFailures: rt.failures,
			Stale:               rt.failures >= s.cfg.StaleThreshold,
			LastError:           rt.lastErr,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

func (s *Scheduler) worker(rt *peerRuntime) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		wait := rt.nextAt.Sub(s.wall.Now())
		s.mu.Unlock()
		if wait < 0 {
			wait = 0
		}

		select {
		case <-s.ctx.Done():
			return
		case <-s.wall.After(wait):
		case <-rt.kick:
		}
		if s.ctx.Err() != nil {
			return
		}
		s.runRound(rt)
	}
}

// runRound executes one probe-then-reconcile attempt and reschedules the
// peer based on the outcome.
func (s *Scheduler) runRound(rt *peerRuntime) {
	if s.halted != nil && s.halted() {
		s.reschedule(rt, errors.New("node halted"))
		return
	}

	s.setPhase(rt, PhaseProbing)
	probeCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ProbeTimeout)
	err := rt.peer.Transport.Ping(probeCtx)
	cancel()
	if err != nil {
		// Routine while a site is offline.
		s.logger.Debug("peer unreachable", "peer", rt.peer.ID, "err", err)
		s.setPhase(rt, PhaseIdle)
		s.reschedule(rt, err)
		return
	}

	if s.beforeRound != nil {
		if err := s.beforeRound(s.ctx, rt.peer); err != nil {
			s.logger.Warn("pre-round hook failed", "peer", rt.peer.ID, "err", err)
			s.setPhase(rt, PhaseIdle)
			s.reschedule(rt, err)
			return
		}
	}

	s.setPhase(rt, PhaseReconciling)
	stats, err := s.recon.Sync(s.ctx, rt.peer)
	s.setPhase(rt, PhaseIdle)

	switch {
	case err == nil:
		s.mu.Lock()
		rt.failures = 0
		rt.interval = s.cfg.BaseInterval
		rt.lastSuccess = s.wall.Now()
		rt.lastErr = ""
		rt.nextAt = rt.lastSuccess.Add(rt.interval)
		s.mu.Unlock()
		s.logger.Info("sync round succeeded", "peer", rt.peer.ID,
			"pulled", stats.RecordsPulled, "pushed", stats.RecordsPushed,
			"events", stats.EventsPulled)
	case errors.Is(err, ErrRoundInProgress):
		// Another trigger beat us to it; keep the current schedule.
		s.mu.Lock()
		rt.nextAt = s.wall.Now().Add(rt.interval)
		s.mu.Unlock()
	case errors.Is(err, ErrDurability):
		s.logger.Error("durability failure during round", "peer", rt.peer.ID, "err", err)
		s.reschedule(rt, err)
	default:
		s.logger.Debug("sync round failed", "peer", rt.peer.ID, "err", err)
		s.reschedule(rt, err)
	}
}

// reschedule applies the failure backoff: the retry interval doubles from
// the base up to the cap and the next-eligible time moves out accordingly.
func (s *Scheduler) reschedule(rt *peerRuntime, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt.failures++
	rt.lastErr = cause.Error()
	if rt.failures == 1 {
		rt.interval = s.cfg.BaseInterval
	} else {
		rt.interval *= 2
		if rt.interval > s.cfg.MaxBackoff {
			rt.interval = s.cfg.MaxBackoff
		}
	}
	rt.nextAt = s.wall.Now().Add(rt.interval)
	if rt.failures == s.cfg.StaleThreshold {
		s.logger.Warn("peer is stale", "peer", rt.peer.ID, "failures", rt.failures)
	}
}

func (s *Scheduler) setPhase(rt *peerRuntime, phase PeerPhase) {
	s.mu.Lock()
	rt.phase = phase
	s.mu.Unlock()
}
