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

const (
	// Buffered frames per subscriber before drops kick in
	subscriberFrameBuffer = 8

	// Reply deadline for non-execute commands
	commandTimeout = 5 * time.Second
)

// CreateSpec carries the fixed parameters of one simulation instance.
// A repeated create with an equal spec is a no-op; a differing spec is
// rejected with AlreadyExistsDifferent.
type CreateSpec struct {
	SessionID  string            `json:"session_id" binding:"required"`
	Engine     models.EngineKind `json:"engine" binding:"required"`
	ModelPath  string            `json:"model_path" binding:"required"`
	Width      int               `json:"width"`
	Height     int               `json:"height"`
	FPS        int               `json:"fps"`
	Headless   bool              `json:"headless"`
	Generation int               `json:"generation"`
}

// Validate checks the create spec shape
func (s CreateSpec) Validate() models.ValidationErrors {
	var errs models.ValidationErrors
	errs.AddIf(s.SessionID == "", "session_id", s.SessionID, "session_id is required")
	errs.AddIf(!s.Engine.IsValid(), "engine", s.Engine, "unrecognized engine kind")
	errs.AddIf(s.ModelPath == "", "model_path", s.ModelPath, "model_path is required")
	errs.AddIf(s.Width <= 0 || s.Height <= 0, "dims", nil, "width and height must be positive")
	errs.AddIf(s.FPS <= 0, "fps", s.FPS, "fps must be positive")
	return errs
}

// CommandResult is the producer's reply to one control command
type CommandResult struct {
	State   *engine.State   `json:"state,omitempty"`
	Sandbox *sandbox.Result `json:"sandbox,omitempty"`
	Err     error           `json:"-"`
}

// Status is the cached instance view served to health probes and GetState
// without touching the engine.
type Status struct {
	SessionID  string            `json:"session_id"`
	Engine     models.EngineKind `json:"engine"`
	Generation int               `json:"generation"`
	State      engine.State      `json:"state"`
	Playing    bool              `json:"playing"`
	StepMode   models.StepMode   `json:"step_mode"`
	ScenarioID string            `json:"scenario_id,omitempty"`
	Faulted    bool              `json:"faulted"`
}

// ControlDocUpdate is one collaboration-document change. Nil fields were
// absent from the update; unknown keys are dropped at decode time.
type ControlDocUpdate struct {
	Seed       *int64           `json:"seed"`
	ScenarioID *string          `json:"scenario_id"`
	StepMode   *models.StepMode `json:"step_mode"`
	Play       *bool            `json:"play"`
}

type pendingCommand struct {
	cmd   models.ControlCommand
	reply chan CommandResult
}

// Instance owns exactly one engine adapter. The producer goroutine is the
// only code that touches the engine; commands, document updates, and ticks
// are serialized through its select loop.
type Instance struct {
	spec CreateSpec
	eng  engine.Adapter
	sb   *sandbox.Sandbox
	log  *logrus.Entry

	cmds     chan pendingCommand
	docs     chan ControlDocUpdate
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu             sync.Mutex
	status         Status
	subscribers    map[int]chan models.Frame
	nextSubID      int
	maxSubscribers int
	seen           map[string]CommandResult

	framesProduced prometheus.Counter
}

func newInstance(spec CreateSpec, eng engine.Adapter, sb *sandbox.Sandbox, maxSubscribers int,
	framesProduced prometheus.Counter, log *logrus.Logger) *Instance {

	in := &Instance{
		spec: spec,
		eng:  eng,
		sb:   sb,
		log:  log.WithFields(logrus.Fields{"session_id": spec.SessionID, "generation": spec.Generation}),

		cmds: make(chan pendingCommand),
		docs: make(chan ControlDocUpdate, 16),
		quit: make(chan struct{}),
		done: make(chan struct{}),

		subscribers:    make(map[int]chan models.Frame),
		maxSubscribers: maxSubscribers,
		seen:           make(map[string]CommandResult),

		framesProduced: framesProduced,
	}
	in.status = Status{
		SessionID:  spec.SessionID,
		Engine:     spec.Engine,
		Generation: spec.Generation,
		State:      eng.State(),
		StepMode:   models.STEP_CONTINUOUS,
	}

	go in.run()
	return in
}

// Status returns the cached view updated after every engine operation
func (in *Instance) Status() Status {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.status
}

// Header returns the stream header for a new subscription
func (in *Instance) Header() models.StreamHeader {
	w, h := in.eng.Dims()
	return models.StreamHeader{
		Generation: in.spec.Generation,
		Width:      w,
		Height:     h,
		Encoding:   "jpeg",
	}
}

// Control submits one command to the producer and awaits its effect.
// Commands carrying an idempotency key are applied at most once; a repeat
// returns the original result.
func (in *Instance) Control(ctx context.Context, cmd models.ControlCommand) CommandResult {
	if key := cmd.IdempotencyKey; key != "" {
		in.mu.Lock()
		cached, ok := in.seen[key]
		in.mu.Unlock()
		if ok {
			return cached
		}
	}

	deadline := commandTimeout
	if cmd.Kind == models.CMD_EXECUTE && cmd.Execute != nil && cmd.Execute.TimeoutMS > 0 {
		deadline = time.Duration(cmd.Execute.TimeoutMS)*time.Millisecond + commandTimeout
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	pc := pendingCommand{cmd: cmd, reply: make(chan CommandResult, 1)}

	select {
	case in.cmds <- pc:
	case <-in.done:
		return CommandResult{Err: models.NewError(models.ERR_SESSION_TERMINATED, "producer for %s has stopped", in.spec.SessionID)}
	case <-ctx.Done():
		return CommandResult{Err: models.WrapError(models.ERR_CANCELED, ctx.Err(), "command canceled")}
	case <-timer.C:
		return CommandResult{Err: models.NewError(models.ERR_DEADLINE_EXCEEDED, "command enqueue timed out")}
	}

	select {
	case res := <-pc.reply:
		if key := cmd.IdempotencyKey; key != "" && res.Err == nil {
			in.mu.Lock()
			in.seen[key] = res
			in.mu.Unlock()
		}
		return res
	case <-timer.C:
		// The engine call completes on the producer; only the reply is dropped
		return CommandResult{Err: models.NewError(models.ERR_DEADLINE_EXCEEDED, "command reply timed out")}
	}
}

// ApplyDocUpdate hands a control-document change to the producer. Updates
// are applied between ticks and never interrupt a step in flight.
func (in *Instance) ApplyDocUpdate(update ControlDocUpdate) {
	select {
	case in.docs <- update:
	case <-in.done:
	}
}

// Subscribe registers a frame receiver. The channel is closed on
// unsubscribe, producer fault, or delete.
func (in *Instance) Subscribe() (int, <-chan models.Frame, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.status.Faulted {
		return 0, nil, models.NewError(models.ERR_RUNTIME_FAULT, "instance %s is faulted", in.spec.SessionID)
	}
	if len(in.subscribers) >= in.maxSubscribers {
		return 0, nil, models.NewError(models.ERR_INTERNAL, "subscriber limit %d reached", in.maxSubscribers)
	}

	id := in.nextSubID
	in.nextSubID++
	ch := make(chan models.Frame, subscriberFrameBuffer)
	in.subscribers[id] = ch
	return id, ch, nil
}

// Unsubscribe drops one receiver; the producer continues for the rest
func (in *Instance) Unsubscribe(id int) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if ch, ok := in.subscribers[id]; ok {
		delete(in.subscribers, id)
		close(ch)
	}
}

// Stop terminates the producer and blocks until engine resources are
// released. Safe to call more than once.
func (in *Instance) Stop() {
	in.stopOnce.Do(func() { close(in.quit) })
	<-in.done
}

// run is the producer loop. It owns the engine exclusively: ticks while
// playing, commands, and document updates all execute here in arrival order.
func (in *Instance) run() {
	defer close(in.done)
	defer in.eng.Close()

	interval := time.Second / time.Duration(in.spec.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		playing    bool
		stepMode   = models.STEP_CONTINUOUS
		lastAction []float64
	)

	for {
		select {
		case <-in.quit:
			in.closeSubscribers()
			return

		case pc := <-in.cmds:
			res, fault := in.apply(pc.cmd, &playing, &stepMode, &lastAction)
			in.updateStatus(playing, stepMode, false)
			pc.reply <- res
			if fault {
				in.fault()
				return
			}

		case update := <-in.docs:
			in.applyDoc(update, &playing, &stepMode)
			in.updateStatus(playing, stepMode, false)

		case <-ticker.C:
			if !playing || stepMode != models.STEP_CONTINUOUS {
				continue
			}
			if ok := in.tick(lastAction); !ok {
				in.fault()
				return
			}
			in.updateStatus(playing, stepMode, false)
		}
	}
}

// apply executes one command against the engine. The returned fault flag
// stops the producer; shape and camera errors surface to the caller with the
// engine left defined.
func (in *Instance) apply(cmd models.ControlCommand, playing *bool, stepMode *models.StepMode,
	lastAction *[]float64) (CommandResult, bool) {

	switch cmd.Kind {
	case models.CMD_RESET:
		state := in.eng.Reset()
		*lastAction = nil
		// The reset frame itself carries the marker at frame_counter 0 so
		// subscribers see the discontinuity before any post-reset step
		if !in.emit(models.MARKER_RESET) {
			return CommandResult{Err: models.NewError(models.ERR_RUNTIME_FAULT, "render failed")}, true
		}
		return CommandResult{State: &state}, false

	case models.CMD_STEP:
		actions := cmd.Actions
		if actions == nil {
			actions = make([]float64, in.eng.State().Nu)
		}
		state, err := in.eng.Step(actions)
		if err != nil {
			return CommandResult{Err: err}, false
		}
		*lastAction = actions
		if !in.emit(models.MARKER_NONE) {
			return CommandResult{Err: models.NewError(models.ERR_RUNTIME_FAULT, "render failed")}, true
		}
		return CommandResult{State: &state}, false

	case models.CMD_PLAY:
		*playing = true
		state := in.eng.State()
		return CommandResult{State: &state}, false

	case models.CMD_PAUSE:
		*playing = false
		state := in.eng.State()
		return CommandResult{State: &state}, false

	case models.CMD_SET_CAMERA:
		if err := in.eng.SetCamera(*cmd.Camera); err != nil {
			return CommandResult{Err: err}, false
		}
		state := in.eng.State()
		return CommandResult{State: &state}, false

	case models.CMD_EXECUTE:
		req := sandbox.Request{
			Source:        cmd.Execute.Code,
			Language:      cmd.Execute.Language,
			Timeout:       time.Duration(cmd.Execute.TimeoutMS) * time.Millisecond,
			MemLimitBytes: cmd.Execute.MemLimitBytes,
		}
		res := in.sb.Execute(context.Background(), in.eng, req)
		// Exceeding the kill grace leaves the engine undefined
		fault := res.ErrorKind == models.ERR_RUNTIME_FAULT && res.FinalState == nil
		return CommandResult{Sandbox: &res}, fault

	default:
		return CommandResult{Err: models.NewError(models.ERR_NOT_SUPPORTED, "unrecognized command %q", cmd.Kind)}, false
	}
}

func (in *Instance) applyDoc(update ControlDocUpdate, playing *bool, stepMode *models.StepMode) {
	if update.Seed != nil {
		in.eng.Reseed(*update.Seed)
	}
	if update.StepMode != nil && update.StepMode.IsValid() {
		*stepMode = *update.StepMode
		if *stepMode == models.STEP_MANUAL {
			*playing = false
		}
	}
	if update.Play != nil {
		*playing = *update.Play
	}
	if update.ScenarioID != nil {
		in.mu.Lock()
		in.status.ScenarioID = *update.ScenarioID
		in.mu.Unlock()
	}
}

// tick advances one play-mode frame
func (in *Instance) tick(lastAction []float64) bool {
	actions := lastAction
	if actions == nil {
		actions = make([]float64, in.eng.State().Nu)
	}
	if _, err := in.eng.Step(actions); err != nil {
		in.log.WithError(err).Error("play step failed")
		return false
	}
	return in.emit(models.MARKER_NONE)
}

// emit renders the current scene and fans it out to all subscribers
func (in *Instance) emit(marker models.FrameMarker) bool {
	data, err := in.eng.Render()
	if err != nil {
		in.log.WithError(err).Error("render failed")
		return false
	}
	state := in.eng.State()
	in.publish(models.Frame{
		SessionID:    in.spec.SessionID,
		Generation:   in.spec.Generation,
		FrameCounter: state.FrameCounter,
		PhysicsTime:  state.PhysicsTime,
		Data:         data,
		Encoding:     "jpeg",
		Marker:       marker,
	})
	return true
}

// publish delivers a frame to every subscriber. A slow subscriber drops
// payload frames; marker frames evict the oldest buffered frame instead so
// discontinuities are never silently lost.
func (in *Instance) publish(f models.Frame) {
	in.mu.Lock()
	defer in.mu.Unlock()

	for _, ch := range in.subscribers {
		select {
		case ch <- f:
		default:
			if f.Marker == models.MARKER_NONE {
				continue
			}
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- f:
			default:
			}
		}
	}
	if in.framesProduced != nil {
		in.framesProduced.Inc()
	}
}

// fault marks the instance faulted, drains subscribers with a faulted
// terminator, and leaves the producer stopped.
func (in *Instance) fault() {
	state := in.eng.State()
	in.publish(models.Frame{
		SessionID:    in.spec.SessionID,
		Generation:   in.spec.Generation,
		FrameCounter: state.FrameCounter,
		Marker:       models.MARKER_FAULTED,
	})

	in.mu.Lock()
	in.status.Faulted = true
	in.status.Playing = false
	in.mu.Unlock()

	in.closeSubscribers()
	in.log.Error("producer faulted")
}

func (in *Instance) closeSubscribers() {
	in.mu.Lock()
	defer in.mu.Unlock()
	for id, ch := range in.subscribers {
		delete(in.subscribers, id)
		close(ch)
	}
}

func (in *Instance) updateStatus(playing bool, stepMode models.StepMode, faulted bool) {
	state := in.eng.State()
	in.mu.Lock()
	in.status.State = state
	in.status.Playing = playing
	in.status.StepMode = stepMode
	if faulted {
		in.status.Faulted = true
	}
	in.mu.Unlock()
}
