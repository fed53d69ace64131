package models

// CommandKind tags a control command
type CommandKind string

const (
	CMD_RESET      CommandKind = "reset"
	CMD_STEP       CommandKind = "step"
	CMD_EXECUTE    CommandKind = "execute"
	CMD_PLAY       CommandKind = "play"
	CMD_PAUSE      CommandKind = "pause"
	CMD_SET_CAMERA CommandKind = "set_camera"
)

// ValidCommandKinds returns all recognized command kinds
func ValidCommandKinds() []CommandKind {
	return []CommandKind{CMD_RESET, CMD_STEP, CMD_EXECUTE, CMD_PLAY, CMD_PAUSE, CMD_SET_CAMERA}
}

// IsValid checks if a CommandKind is recognized
func (ck CommandKind) IsValid() bool {
	for _, valid := range ValidCommandKinds() {
		if ck == valid {
			return true
		}
	}
	return false
}

// String returns the string representation of CommandKind
func (ck CommandKind) String() string {
	return string(ck)
}

// CameraParams adjusts the render camera (PyBullet only)
type CameraParams struct {
	Distance float64    `json:"distance"`
	Yaw      float64    `json:"yaw"`
	Pitch    float64    `json:"pitch"`
	Target   [3]float64 `json:"target"`
}

// ExecuteParams carries a user-code execution request
type ExecuteParams struct {
	Code          string `json:"code"`
	Language      string `json:"language"`
	TimeoutMS     int    `json:"timeout_ms"`
	MemLimitBytes int64  `json:"mem_limit_bytes"`
}

// ControlCommand is the tagged union dispatched to a simulation agent.
// Exactly the fields for the tagged kind are set; the rest stay zero.
type ControlCommand struct {
	Kind           CommandKind    `json:"action" binding:"required"`
	IdempotencyKey string         `json:"idempotency_key"`
	Actions        []float64      `json:"actions,omitempty"` // CMD_STEP
	Execute        *ExecuteParams `json:"execute,omitempty"` // CMD_EXECUTE
	Camera         *CameraParams  `json:"camera,omitempty"`  // CMD_SET_CAMERA
}

// Validate checks the command shape for its kind
func (c ControlCommand) Validate() ValidationErrors {
	var errs ValidationErrors
	errs.AddIf(!c.Kind.IsValid(), "action", c.Kind, "unrecognized command kind")
	errs.AddIf(c.Kind == CMD_EXECUTE && c.Execute == nil, "execute", nil, "execute payload required")
	errs.AddIf(c.Kind == CMD_SET_CAMERA && c.Camera == nil, "camera", nil, "camera payload required")
	return errs
}
