package orchestrator

import (
	"context"
	"time"

	"github.com/samber/lo"

	"github.com/cosimhq/cosim/pkg/models"
)

// Run drives the periodic sweeps until ctx is canceled
func (o *Orchestrator) Run(ctx context.Context) {
	scheduleTicker := time.NewTicker(o.cfg.ScheduleInterval)
	healthTicker := time.NewTicker(o.cfg.HealthInterval)
	defer scheduleTicker.Stop()
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-scheduleTicker.C:
			o.Tick(o.clock.Now())
		case <-healthTicker.C:
			o.ProbeTick(o.clock.Now())
		}
	}
}

// Tick runs the idle, wall-time, quota, cost, and retention sweeps
func (o *Orchestrator) Tick(now time.Time) {
	sessions, err := o.repo.ListSessionsInStates(models.READY, models.IDLE)
	if err != nil {
		o.log.WithError(err).Error("sweep listing failed")
		return
	}

	for _, s := range sessions {
		policy := o.policyFor(o.tierOf(s.OrgID))

		if o.sweepWallCap(s, policy, now) {
			continue
		}
		if o.sweepQuota(s, policy, now) {
			continue
		}
		o.sweepIdle(s, policy, now)
	}

	o.costGuard(sessions, now)
	o.sweepRetention(now)
}

// sweepWallCap terminates sessions past the tier's wall-time allowance
func (o *Orchestrator) sweepWallCap(s *models.Session, policy models.Policy, now time.Time) bool {
	wall := time.Duration(policy.MaxSessionWallSeconds) * time.Second
	if now.Sub(s.CreatedAt) < wall {
		return false
	}
	o.log.WithField("session_id", s.ID).Info("wall-time cap reached")
	if err := o.terminate(s, "wall_cap"); err != nil {
		o.log.WithError(err).WithField("session_id", s.ID).Error("wall cap termination failed")
	}
	return true
}

// sweepQuota accrues compute minutes and terminates on a crossed hard cap
func (o *Orchestrator) sweepQuota(s *models.Session, policy models.Policy, now time.Time) bool {
	err := o.accrue(s, policy, now)
	if models.IsKind(err, models.ERR_QUOTA_EXCEEDED) {
		o.log.WithField("session_id", s.ID).Info("hard quota cap hit")
		if terr := o.terminate(s, "cap_hit"); terr != nil {
			o.log.WithError(terr).WithField("session_id", s.ID).Error("cap termination failed")
		}
		return true
	}
	if err != nil {
		o.log.WithError(err).WithField("session_id", s.ID).Error("quota accrual failed")
	}
	return false
}

// sweepIdle hibernates inactive Ready sessions and evicts long-hibernated
// ones.
func (o *Orchestrator) sweepIdle(s *models.Session, policy models.Policy, now time.Time) {
	switch s.State {
	case models.READY:
		idleAfter := time.Duration(policy.IdleHibernateSeconds) * time.Second
		if s.IdleTimeoutSeconds > 0 {
			idleAfter = time.Duration(s.IdleTimeoutSeconds) * time.Second
		}
		if now.Sub(s.LastActivity) >= idleAfter {
			if err := o.hibernate(s, "idle"); err != nil {
				o.log.WithError(err).WithField("session_id", s.ID).Error("hibernate failed")
			}
		}

	case models.IDLE:
		rt := o.rt(s.ID)
		o.mu.Lock()
		idleSince := rt.idleSince
		if idleSince.IsZero() {
			rt.idleSince = now
			idleSince = now
		}
		o.mu.Unlock()

		evictAfter := time.Duration(o.cfg.HibernateToTerminateSeconds) * time.Second
		if now.Sub(idleSince) >= evictAfter {
			if err := o.terminate(s, "hibernate_expired"); err != nil {
				o.log.WithError(err).WithField("session_id", s.ID).Error("eviction failed")
			}
		}
	}
}

// accrue charges the elapsed compute minutes since the last accrual under
// the ledger transaction. Ready accrues at wall-clock rate, Idle at the
// policy's reduced factor. A crossed hard cap aborts with QuotaExceeded.
func (o *Orchestrator) accrue(s *models.Session, policy models.Policy, now time.Time) error {
	rt := o.rt(s.ID)
	o.mu.Lock()
	last := rt.lastAccrual
	if last.IsZero() {
		last = now
	}
	rt.lastAccrual = now
	o.mu.Unlock()

	minutes := now.Sub(last).Minutes()
	if s.State == models.IDLE {
		minutes *= policy.IdleRateFactor
	}
	if minutes <= 0 {
		return nil
	}

	gpu := s.Resources.RequiresGPU()
	return o.repo.UpdateLedger(s.OrgID, func(ledger *models.QuotaLedger) error {
		ledger.CPUMinutesUsed += minutes
		if gpu {
			ledger.GPUMinutesUsed += minutes
		}
		if ledger.CPUMinutesUsed > policy.HardCPUMinuteCap {
			return models.QuotaError(models.QUOTA_CPU_MINUTE_CAP, "cpu minute cap crossed")
		}
		if gpu && ledger.GPUMinutesUsed > policy.HardGPUMinuteCap {
			return models.QuotaError(models.QUOTA_GPU_MINUTE_CAP, "gpu minute cap crossed")
		}
		return nil
	})
}

// accrueSession flushes the outstanding accrual on a terminal transition.
// Cap errors are ignored here; the session is going away regardless.
func (o *Orchestrator) accrueSession(s *models.Session, now time.Time) {
	policy := o.policyFor(o.tierOf(s.OrgID))
	if err := o.accrue(s, policy, now); err != nil && !models.IsKind(err, models.ERR_QUOTA_EXCEEDED) {
		o.log.WithError(err).WithField("session_id", s.ID).Error("terminal accrual failed")
	}
}

// Cost guard thresholds on the usage fraction of the hard minute caps
const (
	costDenyGPUFraction = 0.8
	costPauseFraction   = 0.9
)

// costGuard evaluates per-org spend on each tick and issues scale_down,
// pause_session, and deny_new_gpu_job actions.
func (o *Orchestrator) costGuard(sessions []*models.Session, now time.Time) {
	byOrg := lo.GroupBy(sessions, func(s *models.Session) string { return s.OrgID })

	for orgID, orgSessions := range byOrg {
		policy := o.policyFor(o.tierOf(orgID))
		ledger, err := o.repo.GetLedger(orgID)
		if err != nil {
			o.log.WithError(err).WithField("org_id", orgID).Error("cost guard ledger read failed")
			continue
		}

		usage := usageFraction(ledger, policy)

		o.mu.Lock()
		o.denyGPUOrg[orgID] = usage >= costDenyGPUFraction
		o.mu.Unlock()

		if usage >= costPauseFraction {
			o.pauseCostliest(orgID, orgSessions)
		}

		// scale_down: shed sessions beyond the concurrency allowance, oldest
		// activity first
		excess := ledger.ActiveSessions - policy.MaxConcurrentSessions
		for i := 0; i < excess; i++ {
			o.scaleDownOne(orgID, orgSessions)
		}
	}
}

func usageFraction(ledger models.QuotaLedger, policy models.Policy) float64 {
	frac := 0.0
	if policy.HardCPUMinuteCap > 0 {
		frac = ledger.CPUMinutesUsed / policy.HardCPUMinuteCap
	}
	if policy.HardGPUMinuteCap > 0 {
		if g := ledger.GPUMinutesUsed / policy.HardGPUMinuteCap; g > frac {
			frac = g
		}
	}
	return frac
}

// pauseCostliest hibernates the GPU session with the oldest activity, or
// the least recently active session when no GPU session is running.
func (o *Orchestrator) pauseCostliest(orgID string, sessions []*models.Session) {
	ready := lo.Filter(sessions, func(s *models.Session, _ int) bool {
		return s.State == models.READY
	})
	if len(ready) == 0 {
		return
	}

	gpu := lo.Filter(ready, func(s *models.Session, _ int) bool {
		return s.Resources.RequiresGPU()
	})
	pool := ready
	if len(gpu) > 0 {
		pool = gpu
	}

	victim := lo.MinBy(pool, func(a, b *models.Session) bool {
		return a.LastActivity.Before(b.LastActivity)
	})

	o.log.WithFields(map[string]interface{}{
		"session_id": victim.ID,
		"org_id":     orgID,
	}).Info("cost guard pausing session")
	if err := o.hibernate(victim, "cost_guard"); err != nil {
		o.log.WithError(err).WithField("session_id", victim.ID).Error("cost guard pause failed")
		return
	}

	rt := o.rt(victim.ID)
	o.mu.Lock()
	rt.paused = true
	o.mu.Unlock()
}

func (o *Orchestrator) scaleDownOne(orgID string, sessions []*models.Session) {
	active := lo.Filter(sessions, func(s *models.Session, _ int) bool {
		return s.State == models.READY || s.State == models.IDLE
	})
	if len(active) == 0 {
		return
	}
	victim := lo.MinBy(active, func(a, b *models.Session) bool {
		return a.LastActivity.Before(b.LastActivity)
	})

	o.log.WithFields(map[string]interface{}{
		"session_id": victim.ID,
		"org_id":     orgID,
	}).Info("cost guard scaling down")
	if err := o.terminate(victim, "scale_down"); err != nil {
		o.log.WithError(err).WithField("session_id", victim.ID).Error("scale down failed")
	}
}

// sweepRetention drops terminated records past the retention horizon
func (o *Orchestrator) sweepRetention(now time.Time) {
	cutoff := now.Add(-time.Duration(o.cfg.RetentionSeconds) * time.Second)
	removed, err := o.repo.DeleteTerminatedBefore(cutoff)
	if err != nil {
		o.log.WithError(err).Error("retention sweep failed")
		return
	}
	if removed > 0 {
		o.log.WithField("removed", removed).Info("retention sweep")
	}
}

// ProbeTick polls every Ready and Idle pod. Two consecutive probe failures,
// an agent-reported fault, or a frame counter frozen while playing for
// longer than the interval limit all fail the session.
func (o *Orchestrator) ProbeTick(now time.Time) {
	sessions, err := o.repo.ListSessionsInStates(models.READY, models.IDLE)
	if err != nil {
		o.log.WithError(err).Error("probe listing failed")
		return
	}

	for _, s := range sessions {
		o.probeOne(s)
	}
}

func (o *Orchestrator) probeOne(s *models.Session) {
	handle, err := o.repo.GetActivePodHandle(s.ID)
	if err != nil {
		o.log.WithField("session_id", s.ID).Warn("active session without a pod handle")
		o.handleFailure(s, models.ERR_INTERNAL)
		return
	}

	health, err := o.agents.Probe(context.Background(), handle.Address, s.ID)
	rt := o.rt(s.ID)

	if err != nil {
		o.repo.UpdatePodHealth(handle.ID, models.HEALTH_UNHEALTHY)

		o.mu.Lock()
		rt.probeFailures++
		failures := rt.probeFailures
		o.mu.Unlock()

		if failures >= probeFailureLimit {
			o.repo.UpdatePodHealth(handle.ID, models.HEALTH_GONE)
			o.handleFailure(s, models.ERR_INTERNAL)
		}
		return
	}

	o.repo.UpdatePodHealth(handle.ID, models.HEALTH_HEALTHY)

	if health.Faulted {
		o.handleFailure(s, models.ERR_RUNTIME_FAULT)
		return
	}

	o.mu.Lock()
	rt.probeFailures = 0
	frozen := false
	if health.Playing && health.FrameCounter == rt.lastFrame {
		rt.frozenCount++
		frozen = rt.frozenCount > frozenIntervalLimit
	} else {
		rt.frozenCount = 0
	}
	rt.lastFrame = health.FrameCounter
	o.mu.Unlock()

	if frozen {
		o.log.WithField("session_id", s.ID).Warn("frame counter frozen while playing")
		o.handleFailure(s, models.ERR_RUNTIME_FAULT)
	}
}
