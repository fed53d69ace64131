// Package engine provides a uniform adapter surface over the MuJoCo and
// PyBullet physics engines. The native engine libraries are treated as
// opaque; every failure surfaces as a typed category, never a raw engine
// exception.
package engine

import (
	"github.com/cosimhq/cosim/pkg/models"
)

// State is the introspectable engine state
type State struct {
	Positions    []float64 `json:"positions"`
	Velocities   []float64 `json:"velocities"`
	PhysicsTime  float64   `json:"physics_time"` // Monotonic seconds since last reset
	FrameCounter int64     `json:"frame_counter"`
	Nu           int       `json:"nu"` // Actuator count
}

// LoadSpec carries the fixed-at-construction parameters of an instance
type LoadSpec struct {
	ModelRef string // Opaque path into the read-only model store
	Width    int
	Height   int
	FPS      int
	Headless bool
	Seed     int64
}

// Adapter is the uniform surface over one loaded engine instance.
// Dimensions and kind are fixed at construction; Reset zeroes physics time
// and frame counter but not the model digest.
type Adapter interface {
	// Kind returns the engine kind backing this instance
	Kind() models.EngineKind

	// ModelDigest returns the sha256 digest of the loaded model file
	ModelDigest() string

	// Dims returns the configured framebuffer dimensions
	Dims() (width, height int)

	// FPS returns the configured target frame rate
	FPS() int

	// Reset reinitializes internal state to model defaults and zeroes
	// physics time and the frame counter
	Reset() State

	// Step advances physics by one engine timestep. The action vector must
	// match the actuator count or the call fails with ActionShapeError and
	// leaves state unchanged.
	Step(actions []float64) (State, error)

	// Render returns an encoded JPEG of the current scene at the configured
	// dimensions. Callable without stepping.
	Render() ([]byte, error)

	// State returns the current engine state without side effects
	State() State

	// SetCamera adjusts the render camera. MuJoCo returns NotSupported.
	SetCamera(params models.CameraParams) error

	// Reseed reseeds the engine's noise source; applied on the next Reset
	Reseed(seed int64)

	// Close releases engine resources
	Close() error
}

// Load opens a model from the store and constructs an adapter for the given
// engine kind.
func Load(kind models.EngineKind, storeDir string, spec LoadSpec) (Adapter, error) {
	switch kind {
	case models.MUJOCO:
		return loadMuJoCo(storeDir, spec)
	case models.PYBULLET:
		return loadPyBullet(storeDir, spec)
	default:
		return nil, models.NewError(models.ERR_NOT_SUPPORTED, "unknown engine kind %q", kind)
	}
}
