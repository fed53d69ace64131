// Package orchestrator is the central scheduler and supervisor. It owns the
// session state machine, admission, pod allocation, health supervision,
// idle and quota sweeps, and the lifecycle event stream.
package orchestrator

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/cosimhq/cosim/internal/agent"
	"github.com/cosimhq/cosim/internal/config"
	"github.com/cosimhq/cosim/internal/database"
	"github.com/cosimhq/cosim/internal/eventbus"
	"github.com/cosimhq/cosim/pkg/models"
)

const (
	allocAttempts    = 5
	allocBackoffBase = 500 * time.Millisecond
	allocBackoffCap  = 15 * time.Second
	allocJitter      = 0.2

	bootProbeAttempts = 10
	bootProbeDelay    = 500 * time.Millisecond

	// Consecutive probe failures before a session is marked Failed
	probeFailureLimit = 2

	// Intervals with a frozen frame counter while playing before failure
	frozenIntervalLimit = 3
)

// Clock abstracts time for the sweep logic so tests can drive it directly
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// sessionRuntime is the in-memory supervision state for one session
type sessionRuntime struct {
	tier           string
	probeFailures  int
	lastFrame      int64
	frozenCount    int
	restarts       []time.Time
	lastAccrual    time.Time
	idleSince      time.Time
	paused         bool // Set by the cost guard's pause_session action
}

// Orchestrator coordinates sessions across pods
type Orchestrator struct {
	repo     *database.Repository
	bus      *eventbus.Bus
	alloc    Allocator
	agents   AgentClient
	policies map[string]models.Policy
	cfg      config.Config
	clock    Clock
	sleep    func(time.Duration)
	log      *logrus.Logger

	mu         sync.Mutex
	runtime    map[string]*sessionRuntime
	orgTier    map[string]string
	denyGPUOrg map[string]bool

	admissions prometheus.Counter
	denials    prometheus.Counter
	restarts   prometheus.Counter
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithClock injects a clock for deterministic sweeps
func WithClock(c Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithSleep injects the backoff sleeper
func WithSleep(sleep func(time.Duration)) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// New creates an orchestrator
func New(repo *database.Repository, bus *eventbus.Bus, alloc Allocator, agents AgentClient,
	cfg config.Config, reg prometheus.Registerer, log *logrus.Logger, opts ...Option) *Orchestrator {

	o := &Orchestrator{
		repo:       repo,
		bus:        bus,
		alloc:      alloc,
		agents:     agents,
		policies:   models.DefaultPolicies(),
		cfg:        cfg,
		clock:      realClock{},
		sleep:      time.Sleep,
		log:        log,
		runtime:    make(map[string]*sessionRuntime),
		orgTier:    make(map[string]string),
		denyGPUOrg: make(map[string]bool),
		admissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_admissions_total",
			Help: "Sessions admitted past policy and quota checks",
		}),
		denials: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_denials_total",
			Help: "Sessions denied at admission",
		}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_restarts_total",
			Help: "Bounded restarts of failed sessions",
		}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if reg != nil {
		reg.MustRegister(o.admissions, o.denials, o.restarts)
	}
	return o
}

// policyFor resolves the tier policy, falling back to free
func (o *Orchestrator) policyFor(tier string) models.Policy {
	if p, ok := o.policies[tier]; ok {
		return p
	}
	return o.policies["free"]
}

func (o *Orchestrator) rt(sessionID string) *sessionRuntime {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runtime[sessionID]
	if !ok {
		r = &sessionRuntime{lastAccrual: o.clock.Now()}
		o.runtime[sessionID] = r
	}
	return r
}

// CreateSession admits a request and starts the scheduling pipeline. The
// returned session is in Pending; scheduling proceeds asynchronously.
func (o *Orchestrator) CreateSession(orgID, tier string, req models.CreateSessionRequest) (*models.Session, error) {
	if errs := req.Validate(); errs.HasErrors() {
		return nil, errs
	}

	policy := o.policyFor(tier)
	if err := o.admitPolicy(orgID, policy, req); err != nil {
		o.denials.Inc()
		return nil, err
	}
	if err := o.admitQuota(orgID, policy, req); err != nil {
		o.denials.Inc()
		return nil, err
	}

	now := o.clock.Now()
	session := &models.Session{
		ID:                 uuid.New().String(),
		WorkspaceID:        req.WorkspaceID,
		OrgID:              orgID,
		Resources:          req.Resources,
		Engine:             req.Engine,
		ModelRef:           req.ModelRef,
		State:              models.PENDING,
		Generation:         0,
		CreatedAt:          now,
		LastActivity:       now,
		IdleTimeoutSeconds: req.IdleSeconds,
	}
	if err := o.repo.CreateSession(session); err != nil {
		o.releaseQuotaSlot(orgID, req.Resources.RequiresGPU())
		return nil, models.WrapError(models.ERR_INTERNAL, err, "persisting session failed")
	}

	o.mu.Lock()
	o.orgTier[orgID] = tier
	o.runtime[session.ID] = &sessionRuntime{tier: tier, lastAccrual: now}
	o.mu.Unlock()

	o.admissions.Inc()
	o.emit(session, models.TOPIC_SESSION_CREATED, "")

	go o.schedule(session.ID)
	return session, nil
}

// admitPolicy applies the tier policy to the request
func (o *Orchestrator) admitPolicy(orgID string, policy models.Policy, req models.CreateSessionRequest) error {
	if req.Resources.RequiresGPU() {
		if !policy.AllowsGPUClass(req.Resources.GPUClass) {
			return models.NewError(models.ERR_POLICY_DENIED,
				"gpu class %q not allowed for tier %s", req.Resources.GPUClass, policy.Tier)
		}
		o.mu.Lock()
		denied := o.denyGPUOrg[orgID]
		o.mu.Unlock()
		if denied {
			return models.NewError(models.ERR_POLICY_DENIED, "new gpu jobs denied by cost guard")
		}
	}
	if policy.MaxSessionWallSeconds <= 0 {
		return models.NewError(models.ERR_POLICY_DENIED, "tier %s has no session wall allowance", policy.Tier)
	}
	return nil
}

// admitQuota reserves the session's concurrency slots under a ledger
// transaction, rejecting with a stable sub-reason.
func (o *Orchestrator) admitQuota(orgID string, policy models.Policy, req models.CreateSessionRequest) error {
	gpu := req.Resources.RequiresGPU()
	return o.repo.UpdateLedger(orgID, func(ledger *models.QuotaLedger) error {
		if ledger.ActiveSessions+1 > policy.MaxConcurrentSessions {
			return models.QuotaError(models.QUOTA_CONCURRENT,
				"org %s at %d concurrent sessions", orgID, ledger.ActiveSessions)
		}
		if gpu && ledger.ActiveGPUSessions+1 > policy.MaxConcurrentGPU {
			return models.QuotaError(models.QUOTA_GPU_CONCURRENT,
				"org %s at %d concurrent gpu sessions", orgID, ledger.ActiveGPUSessions)
		}
		if ledger.CPUMinutesUsed >= policy.HardCPUMinuteCap {
			return models.QuotaError(models.QUOTA_CPU_MINUTE_CAP, "cpu minute cap reached")
		}
		if gpu && ledger.GPUMinutesUsed >= policy.HardGPUMinuteCap {
			return models.QuotaError(models.QUOTA_GPU_MINUTE_CAP, "gpu minute cap reached")
		}
		ledger.ActiveSessions++
		if gpu {
			ledger.ActiveGPUSessions++
		}
		return nil
	})
}

func (o *Orchestrator) releaseQuotaSlot(orgID string, gpu bool) {
	err := o.repo.UpdateLedger(orgID, func(ledger *models.QuotaLedger) error {
		if ledger.ActiveSessions > 0 {
			ledger.ActiveSessions--
		}
		if gpu && ledger.ActiveGPUSessions > 0 {
			ledger.ActiveGPUSessions--
		}
		return nil
	})
	if err != nil {
		o.log.WithError(err).WithField("org_id", orgID).Error("releasing quota slot failed")
	}
}

// GetSession returns the current session record
func (o *Orchestrator) GetSession(id string) (*models.Session, error) {
	s, err := o.repo.GetSession(id)
	if err != nil {
		return nil, models.NewError(models.ERR_SESSION_NOT_FOUND, "session %s not found", id)
	}
	return s, nil
}

// ListSessions returns all sessions of an organization
func (o *Orchestrator) ListSessions(orgID string) ([]*models.Session, error) {
	return o.repo.ListSessionsByOrg(orgID)
}

// PauseSession explicitly hibernates a Ready session
func (o *Orchestrator) PauseSession(id string) (*models.Session, error) {
	s, err := o.GetSession(id)
	if err != nil {
		return nil, err
	}
	if s.State != models.READY {
		return nil, models.NewError(models.ERR_NOT_SUPPORTED, "cannot pause a session in state %s", s.State)
	}
	if err := o.hibernate(s, "user_pause"); err != nil {
		return nil, err
	}
	return s, nil
}

// ResumeSession wakes a hibernated session
func (o *Orchestrator) ResumeSession(id string) (*models.Session, error) {
	s, err := o.GetSession(id)
	if err != nil {
		return nil, err
	}
	if s.State != models.IDLE {
		return nil, models.NewError(models.ERR_NOT_SUPPORTED, "cannot resume a session in state %s", s.State)
	}
	if err := o.resume(s); err != nil {
		return nil, err
	}
	return s, nil
}

// TerminateSession explicitly deletes a session
func (o *Orchestrator) TerminateSession(id string) error {
	s, err := o.GetSession(id)
	if err != nil {
		return err
	}
	if s.State == models.TERMINATED {
		return nil
	}
	return o.terminate(s, "user_delete")
}

// ReportActivity handles an agent heartbeat: touch the idle timer and wake
// hibernated sessions.
func (o *Orchestrator) ReportActivity(id string) error {
	s, err := o.GetSession(id)
	if err != nil {
		return err
	}
	if s.State == models.TERMINATED {
		return models.NewError(models.ERR_SESSION_TERMINATED, "session %s is terminated", id)
	}

	now := o.clock.Now()
	if err := o.repo.TouchActivity(id, now); err != nil {
		return err
	}
	s.LastActivity = now

	if s.State == models.IDLE {
		return o.resume(s)
	}
	return nil
}

// transition moves a session to the next state, persists it, and publishes
// the lifecycle event for publishing transitions.
func (o *Orchestrator) transition(s *models.Session, next models.SessionState, reason string) error {
	if !s.State.CanTransitionTo(next) {
		return models.NewError(models.ERR_INTERNAL,
			"illegal transition %s -> %s for session %s", s.State, next, s.ID)
	}
	prev := s.State
	s.State = next
	s.Reason = reason

	if err := o.repo.UpdateSessionState(s.ID, next, s.Generation, reason); err != nil {
		return models.WrapError(models.ERR_INTERNAL, err, "persisting transition failed")
	}

	o.log.WithFields(logrus.Fields{
		"session_id": s.ID,
		"generation": s.Generation,
		"org_id":     s.OrgID,
		"from":       prev,
		"to":         next,
		"reason":     reason,
	}).Info("session transition")

	if topic := models.TopicForState(prev, next); topic != "" {
		o.emit(s, topic, reason)
	}
	return nil
}

// emit publishes a lifecycle event to the bus and the event log.
// Publishing is at-least-once: a persisted event is re-published even if the
// bus delivery raced a subscriber cancel.
func (o *Orchestrator) emit(s *models.Session, topic models.EventTopic, reason string) {
	event := models.LifecycleEvent{
		Topic:      topic,
		SessionID:  s.ID,
		Generation: s.Generation,
		OrgID:      s.OrgID,
		NewState:   s.State,
		Reason:     reason,
		Timestamp:  o.clock.Now(),
	}
	if err := o.repo.SaveEvent(event); err != nil {
		o.log.WithError(err).WithField("session_id", s.ID).Error("persisting event failed")
	}
	o.bus.Publish(event)
}

// schedule drives one session generation from Scheduling to Ready
func (o *Orchestrator) schedule(id string) {
	s, err := o.GetSession(id)
	if err != nil {
		o.log.WithError(err).WithField("session_id", id).Error("scheduling lost its session")
		return
	}

	if err := o.transition(s, models.SCHEDULING, ""); err != nil {
		o.log.WithError(err).WithField("session_id", id).Error("scheduling transition failed")
		return
	}
	o.provision(s)
}

// provision runs pool selection, allocation, and boot for a session already
// in Scheduling. Failures route through the restart budget.
func (o *Orchestrator) provision(s *models.Session) {
	policy := o.policyFor(o.tierOf(s.OrgID))
	pool, err := selectPool(o.alloc.Pools(), s, policy)
	if err != nil {
		o.handleFailure(s, models.ERR_ALLOCATOR_UNAVAILABLE)
		return
	}

	handle, err := o.allocateWithBackoff(pool.Name, s)
	if err != nil {
		o.handleFailure(s, models.ERR_ALLOCATOR_UNAVAILABLE)
		return
	}
	if err := o.repo.SavePodHandle(handle); err != nil {
		o.log.WithError(err).WithField("session_id", s.ID).Error("persisting pod handle failed")
		o.alloc.Release(handle)
		o.handleFailure(s, models.ERR_INTERNAL)
		return
	}

	if err := o.transition(s, models.PULLING, ""); err != nil {
		return
	}
	if err := o.transition(s, models.BOOTING, ""); err != nil {
		return
	}

	if err := o.boot(s, handle); err != nil {
		o.handleFailure(s, models.KindOf(err))
		return
	}

	if err := o.transition(s, models.READY, ""); err != nil {
		return
	}

	rt := o.rt(s.ID)
	o.mu.Lock()
	rt.lastAccrual = o.clock.Now()
	o.mu.Unlock()
}

func (o *Orchestrator) tierOf(orgID string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.orgTier[orgID]
}

// allocateWithBackoff retries transient allocator failures with capped
// exponential backoff and jitter.
func (o *Orchestrator) allocateWithBackoff(pool string, s *models.Session) (*models.PodHandle, error) {
	delay := allocBackoffBase
	var lastErr error

	for attempt := 0; attempt < allocAttempts; attempt++ {
		if attempt > 0 {
			jitter := 1 + allocJitter*(2*rand.Float64()-1)
			o.sleep(time.Duration(float64(delay) * jitter))
			if delay *= 2; delay > allocBackoffCap {
				delay = allocBackoffCap
			}
		}

		handle, err := o.alloc.Allocate(pool, s)
		if err == nil {
			return handle, nil
		}
		lastErr = err
		o.log.WithError(err).WithFields(logrus.Fields{
			"session_id": s.ID,
			"attempt":    attempt + 1,
		}).Warn("pod allocation failed")
	}
	return nil, lastErr
}

// boot asks the agent to create the engine instance and waits for the first
// successful readiness probe.
func (o *Orchestrator) boot(s *models.Session, handle *models.PodHandle) error {
	ctx := context.Background()

	spec := agent.CreateSpec{
		SessionID:  s.ID,
		Engine:     s.Engine,
		ModelPath:  s.ModelRef,
		Width:      640,
		Height:     480,
		FPS:        30,
		Headless:   true,
		Generation: s.Generation,
	}
	if err := o.agents.CreateSimulation(ctx, handle.Address, spec); err != nil {
		return models.WrapError(models.ERR_IMAGE_PULL_FAILED, err, "agent create failed")
	}

	for attempt := 0; attempt < bootProbeAttempts; attempt++ {
		if _, err := o.agents.Probe(ctx, handle.Address, s.ID); err == nil {
			o.repo.UpdatePodHealth(handle.ID, models.HEALTH_HEALTHY)
			return nil
		}
		o.sleep(bootProbeDelay)
	}
	return models.NewError(models.ERR_BOOT_TIMEOUT, "agent for %s never became ready", s.ID)
}

// handleFailure transitions to Failed and attempts one bounded restart
// within the sliding window budget.
func (o *Orchestrator) handleFailure(s *models.Session, reason models.ErrorKind) {
	if err := o.transition(s, models.FAILED, string(reason)); err != nil {
		return
	}
	o.releasePod(s)

	now := o.clock.Now()
	rt := o.rt(s.ID)

	o.mu.Lock()
	kept := rt.restarts[:0]
	for _, at := range rt.restarts {
		if now.Sub(at) < o.cfg.RestartWindow {
			kept = append(kept, at)
		}
	}
	rt.restarts = kept
	withinBudget := len(rt.restarts) < o.cfg.RestartBudget
	if withinBudget {
		rt.restarts = append(rt.restarts, now)
		rt.probeFailures = 0
		rt.frozenCount = 0
	}
	o.mu.Unlock()

	if !withinBudget {
		o.terminate(s, "restart_budget_exhausted")
		return
	}

	s.Generation++
	o.restarts.Inc()
	o.log.WithFields(logrus.Fields{
		"session_id": s.ID,
		"generation": s.Generation,
		"reason":     reason,
	}).Warn("restarting session")

	if err := o.transition(s, models.SCHEDULING, "restart"); err != nil {
		return
	}
	o.provision(s)
}

// hibernate stops the producer and parks the session in Idle
func (o *Orchestrator) hibernate(s *models.Session, reason string) error {
	if handle, err := o.repo.GetActivePodHandle(s.ID); err == nil {
		err := o.agents.Control(context.Background(), handle.Address, s.ID,
			models.ControlCommand{Kind: models.CMD_PAUSE})
		if err != nil {
			o.log.WithError(err).WithField("session_id", s.ID).Warn("pausing producer failed")
		}
	}

	ref := "snap-" + uuid.New().String()
	if err := o.repo.SetSnapshotRef(s.ID, ref); err != nil {
		o.log.WithError(err).WithField("session_id", s.ID).Error("persisting snapshot ref failed")
	}
	s.SnapshotRef = ref

	if err := o.transition(s, models.IDLE, reason); err != nil {
		return err
	}

	rt := o.rt(s.ID)
	o.mu.Lock()
	rt.idleSince = o.clock.Now()
	o.mu.Unlock()
	return nil
}

// resume wakes an idle session on activity
func (o *Orchestrator) resume(s *models.Session) error {
	if err := o.transition(s, models.READY, ""); err != nil {
		return err
	}
	rt := o.rt(s.ID)
	o.mu.Lock()
	rt.idleSince = time.Time{}
	rt.paused = false
	rt.lastAccrual = o.clock.Now()
	o.mu.Unlock()
	return nil
}

// terminate finishes a session: flush quota, free the pod, stop the agent
func (o *Orchestrator) terminate(s *models.Session, reason string) error {
	if s.State == models.TERMINATED {
		return nil
	}

	o.accrueSession(s, o.clock.Now())

	if handle, err := o.repo.GetActivePodHandle(s.ID); err == nil {
		if err := o.agents.Delete(context.Background(), handle.Address, s.ID); err != nil {
			o.log.WithError(err).WithField("session_id", s.ID).Warn("agent delete failed")
		}
	}
	o.releasePod(s)

	if err := o.transition(s, models.TERMINATED, reason); err != nil {
		return err
	}

	o.releaseQuotaSlot(s.OrgID, s.Resources.RequiresGPU())

	o.mu.Lock()
	delete(o.runtime, s.ID)
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) releasePod(s *models.Session) {
	handle, err := o.repo.GetActivePodHandle(s.ID)
	if err != nil {
		return
	}
	if err := o.alloc.Release(handle); err != nil {
		o.log.WithError(err).WithField("session_id", s.ID).Warn("pool release failed")
	}
	if err := o.repo.ReleasePodHandle(s.ID); err != nil {
		o.log.WithError(err).WithField("session_id", s.ID).Warn("releasing pod handle failed")
	}
}
