package models

import (
	"fmt"
)

// EngineKind identifies the physics engine backing a session
type EngineKind string

const (
	MUJOCO   EngineKind = "mujoco"
	PYBULLET EngineKind = "pybullet"
)

// ValidEngineKinds returns all supported engine kinds
func ValidEngineKinds() []EngineKind {
	return []EngineKind{MUJOCO, PYBULLET}
}

// IsValid checks if an EngineKind is supported
func (ek EngineKind) IsValid() bool {
	for _, valid := range ValidEngineKinds() {
		if ek == valid {
			return true
		}
	}
	return false
}

// String returns the string representation of EngineKind
func (ek EngineKind) String() string {
	return string(ek)
}

// SessionState represents the orchestrator-side state of a session
type SessionState string

const (
	PENDING    SessionState = "pending"
	SCHEDULING SessionState = "scheduling"
	PULLING    SessionState = "pulling"
	BOOTING    SessionState = "booting"
	READY      SessionState = "ready"
	IDLE       SessionState = "idle"
	FAILED     SessionState = "failed"
	TERMINATED SessionState = "terminated"
)

// ValidSessionStates returns all valid session states
func ValidSessionStates() []SessionState {
	return []SessionState{PENDING, SCHEDULING, PULLING, BOOTING, READY, IDLE, FAILED, TERMINATED}
}

// IsValid checks if a SessionState is valid
func (ss SessionState) IsValid() bool {
	for _, valid := range ValidSessionStates() {
		if ss == valid {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state admits no further transitions
func (ss SessionState) IsTerminal() bool {
	return ss == TERMINATED
}

// CanTransitionTo checks if a session may move from the current state to target
func (ss SessionState) CanTransitionTo(target SessionState) bool {
	transitions := map[SessionState][]SessionState{
		PENDING:    {SCHEDULING, FAILED, TERMINATED},
		SCHEDULING: {PULLING, FAILED, TERMINATED},
		PULLING:    {BOOTING, FAILED, TERMINATED},
		BOOTING:    {READY, FAILED, TERMINATED},
		READY:      {IDLE, FAILED, TERMINATED},
		IDLE:       {READY, FAILED, TERMINATED},
		FAILED:     {SCHEDULING, TERMINATED}, // restart re-enters scheduling with generation+1
		TERMINATED: {},                       // Terminal state
	}

	allowed, exists := transitions[ss]
	if !exists {
		return false
	}

	for _, a := range allowed {
		if target == a {
			return true
		}
	}

	return false
}

// String returns the string representation of SessionState
func (ss SessionState) String() string {
	return string(ss)
}

// PodHealth represents the last observed health of a pod handle
type PodHealth string

const (
	HEALTH_UNKNOWN   PodHealth = "unknown"
	HEALTH_HEALTHY   PodHealth = "healthy"
	HEALTH_UNHEALTHY PodHealth = "unhealthy"
	HEALTH_GONE      PodHealth = "gone"
)

// String returns the string representation of PodHealth
func (ph PodHealth) String() string {
	return string(ph)
}

// StepMode represents how the producer loop advances physics
type StepMode string

const (
	STEP_MANUAL     StepMode = "manual"
	STEP_CONTINUOUS StepMode = "continuous"
)

// IsValid checks if a StepMode is recognized
func (sm StepMode) IsValid() bool {
	return sm == STEP_MANUAL || sm == STEP_CONTINUOUS
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s",
		ve.Field, ve.Value, ve.Message)
}

// ValidationErrors represents multiple validation errors
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "no validation errors"
	}
	if len(ve) == 1 {
		return ve[0].Error()
	}
	return fmt.Sprintf("%s (and %d more errors)", ve[0].Error(), len(ve)-1)
}

// HasErrors returns true if there are validation errors
func (ve ValidationErrors) HasErrors() bool {
	return len(ve) > 0
}

// Add adds a validation error
func (ve *ValidationErrors) Add(field string, value interface{}, message string) {
	*ve = append(*ve, ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	})
}

// AddIf adds a validation error if the condition is true
func (ve *ValidationErrors) AddIf(condition bool, field string, value interface{}, message string) {
	if condition {
		ve.Add(field, value, message)
	}
}
