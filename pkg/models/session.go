package models

import (
	"time"
)

// Resources describes the compute requested for a session
type Resources struct {
	CPUCores    int    `json:"cpu"`                 // Requested CPU cores
	MemoryBytes int64  `json:"mem"`                 // Requested memory in bytes
	GPUCount    int    `json:"gpu"`                 // Requested GPU count (0 for CPU-only)
	GPUClass    string `json:"gpu_class,omitempty"` // GPU class, e.g. "a10", "t4"
}

// RequiresGPU reports whether the request needs a GPU pool
func (r Resources) RequiresGPU() bool {
	return r.GPUCount > 0
}

// Validate checks resource bounds
func (r Resources) Validate() ValidationErrors {
	var errs ValidationErrors
	errs.AddIf(r.CPUCores <= 0, "cpu", r.CPUCores, "must request at least one core")
	errs.AddIf(r.MemoryBytes <= 0, "mem", r.MemoryBytes, "must request memory")
	errs.AddIf(r.GPUCount < 0, "gpu", r.GPUCount, "gpu count cannot be negative")
	errs.AddIf(r.GPUCount > 0 && r.GPUClass == "", "gpu_class", r.GPUClass, "gpu class required for gpu requests")
	return errs
}

// Session is the primary unit of work: a workspace instance pairing an IDE
// surface with a simulation engine.
type Session struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspace_id"`
	OrgID       string     `json:"org_id"`
	Resources   Resources  `json:"resources"`
	Engine      EngineKind `json:"engine"`
	ModelRef    string     `json:"model_ref"` // Opaque path into the read-only model store

	State      SessionState `json:"state"`
	Generation int          `json:"generation"` // Incremented on each restart

	CreatedAt    time.Time  `json:"created_at"`
	LastActivity time.Time  `json:"last_activity"`
	TerminatedAt *time.Time `json:"terminated_at,omitempty"`

	IdleTimeoutSeconds int    `json:"idle_seconds"`
	SnapshotRef        string `json:"snapshot_ref,omitempty"` // Set on hibernate, consumed on resume
	Reason             string `json:"reason,omitempty"`       // Reason category for Failed/Terminated
}

// IsActive reports whether the session currently occupies a pod
func (s *Session) IsActive() bool {
	switch s.State {
	case SCHEDULING, PULLING, BOOTING, READY, IDLE:
		return true
	}
	return false
}

// PodHandle is an externally allocated execution unit bound to a session.
// Exactly one pod handle is active per session generation. Pods are keyed by
// session id and generation; they carry no back-reference to the session.
type PodHandle struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Generation int       `json:"generation"`
	NodePool   string    `json:"node_pool"`
	Address    string    `json:"address"` // Reachable by the orchestrator
	Health     PodHealth `json:"health"`
	AllocatedAt time.Time `json:"allocated_at"`
}

// CreateSessionRequest is the body of POST /sessions
type CreateSessionRequest struct {
	WorkspaceID string     `json:"workspace_id" binding:"required"`
	Engine      EngineKind `json:"engine" binding:"required"`
	ModelRef    string     `json:"model_ref" binding:"required"`
	Resources   Resources  `json:"resources"`
	IdleSeconds int        `json:"idle_seconds,omitempty"`
}

// Validate checks the request shape before admission
func (req CreateSessionRequest) Validate() ValidationErrors {
	errs := req.Resources.Validate()
	errs.AddIf(!req.Engine.IsValid(), "engine", req.Engine, "unsupported engine kind")
	errs.AddIf(req.ModelRef == "", "model_ref", req.ModelRef, "model reference required")
	errs.AddIf(req.IdleSeconds < 0, "idle_seconds", req.IdleSeconds, "idle timeout cannot be negative")
	return errs
}
