package agent

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/cosimhq/cosim/pkg/engine"
	"github.com/cosimhq/cosim/pkg/models"
	"github.com/cosimhq/cosim/pkg/sandbox"
)

// ActivityReporter forwards user-activity heartbeats to the orchestrator
type ActivityReporter interface {
	ReportActivity(sessionID string)
}

// Registry owns all simulation instances on this pod, keyed by session id
type Registry struct {
	storeDir string
	sb       *sandbox.Sandbox
	log      *logrus.Logger

	maxSubscribers int
	reporter       ActivityReporter

	mu         sync.Mutex
	instances  map[string]*Instance
	lastReport map[string]time.Time

	framesProduced prometheus.Counter
}

// NewRegistry creates an empty registry. reporter may be nil when the
// orchestrator endpoint is not configured.
func NewRegistry(storeDir string, sb *sandbox.Sandbox, maxSubscribers int,
	reporter ActivityReporter, reg prometheus.Registerer, log *logrus.Logger) *Registry {

	r := &Registry{
		storeDir:       storeDir,
		sb:             sb,
		log:            log,
		maxSubscribers: maxSubscribers,
		reporter:       reporter,
		instances:      make(map[string]*Instance),
		lastReport:     make(map[string]time.Time),
		framesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_frames_produced_total",
			Help: "Frames rendered and fanned out by producer loops",
		}),
	}
	if reg != nil {
		reg.MustRegister(r.framesProduced)
	}
	return r
}

// CreateSimulation loads the model and starts a producer. The call is
// idempotent per session id: an equal spec returns the existing instance,
// a differing one fails with AlreadyExistsDifferent.
func (r *Registry) CreateSimulation(spec CreateSpec) (*Instance, error) {
	if errs := spec.Validate(); errs.HasErrors() {
		return nil, errs
	}

	r.mu.Lock()
	existing, ok := r.instances[spec.SessionID]
	r.mu.Unlock()
	if ok {
		if existing.spec != spec {
			return nil, models.NewError(models.ERR_ALREADY_EXISTS_DIFFERENT,
				"session %s exists with different parameters", spec.SessionID)
		}
		return existing, nil
	}

	eng, err := engine.Load(spec.Engine, r.storeDir, engine.LoadSpec{
		ModelRef: spec.ModelPath,
		Width:    spec.Width,
		Height:   spec.Height,
		FPS:      spec.FPS,
		Headless: spec.Headless,
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Lost the race against a concurrent create for the same session
	if raced, ok := r.instances[spec.SessionID]; ok {
		eng.Close()
		if raced.spec != spec {
			return nil, models.NewError(models.ERR_ALREADY_EXISTS_DIFFERENT,
				"session %s exists with different parameters", spec.SessionID)
		}
		return raced, nil
	}

	in := newInstance(spec, eng, r.sb, r.maxSubscribers, r.framesProduced, r.log)
	r.instances[spec.SessionID] = in

	r.log.WithFields(logrus.Fields{
		"session_id": spec.SessionID,
		"engine":     spec.Engine,
		"generation": spec.Generation,
	}).Info("simulation created")
	return in, nil
}

// Get resolves an instance by session id
func (r *Registry) Get(sessionID string) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.instances[sessionID]
	if !ok {
		return nil, models.NewError(models.ERR_SESSION_NOT_FOUND, "no simulation for session %s", sessionID)
	}
	return in, nil
}

// Control dispatches one command to a session's producer and reports the
// user activity upstream.
func (r *Registry) Control(ctx context.Context, sessionID string, cmd models.ControlCommand) (CommandResult, error) {
	if errs := cmd.Validate(); errs.HasErrors() {
		return CommandResult{}, errs
	}

	in, err := r.Get(sessionID)
	if err != nil {
		return CommandResult{}, err
	}
	if in.Status().Faulted {
		return CommandResult{}, models.NewError(models.ERR_RUNTIME_FAULT, "session %s is faulted", sessionID)
	}

	r.noteActivity(sessionID)

	res := in.Control(ctx, cmd)
	return res, res.Err
}

// GetState returns the cached engine state for a session
func (r *Registry) GetState(sessionID string) (Status, error) {
	in, err := r.Get(sessionID)
	if err != nil {
		return Status{}, err
	}
	return in.Status(), nil
}

// List returns the status of every local instance
func (r *Registry) List() []Status {
	r.mu.Lock()
	instances := make([]*Instance, 0, len(r.instances))
	for _, in := range r.instances {
		instances = append(instances, in)
	}
	r.mu.Unlock()

	statuses := make([]Status, 0, len(instances))
	for _, in := range instances {
		statuses = append(statuses, in.Status())
	}
	return statuses
}

// Delete stops a session's producer and releases its engine
func (r *Registry) Delete(sessionID string) error {
	r.mu.Lock()
	in, ok := r.instances[sessionID]
	if ok {
		delete(r.instances, sessionID)
		delete(r.lastReport, sessionID)
	}
	r.mu.Unlock()

	if !ok {
		return models.NewError(models.ERR_SESSION_NOT_FOUND, "no simulation for session %s", sessionID)
	}

	in.Stop()
	r.log.WithField("session_id", sessionID).Info("simulation deleted")
	return nil
}

// Shutdown stops every producer
func (r *Registry) Shutdown() {
	r.mu.Lock()
	instances := make([]*Instance, 0, len(r.instances))
	for id, in := range r.instances {
		instances = append(instances, in)
		delete(r.instances, id)
	}
	r.mu.Unlock()

	for _, in := range instances {
		in.Stop()
	}
}

// noteActivity forwards a heartbeat at most once per second per session
func (r *Registry) noteActivity(sessionID string) {
	if r.reporter == nil {
		return
	}

	r.mu.Lock()
	last, ok := r.lastReport[sessionID]
	now := time.Now()
	if ok && now.Sub(last) < time.Second {
		r.mu.Unlock()
		return
	}
	r.lastReport[sessionID] = now
	r.mu.Unlock()

	r.reporter.ReportActivity(sessionID)
}
