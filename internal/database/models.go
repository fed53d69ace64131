package database

import (
	"time"

	"github.com/cosimhq/cosim/pkg/models"
)

// SessionRecord is the persisted form of a session. Terminated records are
// retained for audit until the retention sweep removes them.
type SessionRecord struct {
	ID          string `json:"id" gorm:"primaryKey"`
	WorkspaceID string `json:"workspace_id" gorm:"index"`
	OrgID       string `json:"org_id" gorm:"index"`

	Engine   string `json:"engine"`
	ModelRef string `json:"model_ref"`

	CPUCores    int    `json:"cpu_cores"`
	MemoryBytes int64  `json:"memory_bytes"`
	GPUCount    int    `json:"gpu_count"`
	GPUClass    string `json:"gpu_class"`

	State      string `json:"state" gorm:"index"`
	Generation int    `json:"generation"`
	Reason     string `json:"reason"`

	IdleTimeoutSeconds int    `json:"idle_timeout_seconds"`
	SnapshotRef        string `json:"snapshot_ref"`

	CreatedAt    time.Time  `json:"created_at"`
	LastActivity time.Time  `json:"last_activity"`
	TerminatedAt *time.Time `json:"terminated_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ToSession converts the record to the domain type
func (r *SessionRecord) ToSession() *models.Session {
	return &models.Session{
		ID:          r.ID,
		WorkspaceID: r.WorkspaceID,
		OrgID:       r.OrgID,
		Resources: models.Resources{
			CPUCores:    r.CPUCores,
			MemoryBytes: r.MemoryBytes,
			GPUCount:    r.GPUCount,
			GPUClass:    r.GPUClass,
		},
		Engine:             models.EngineKind(r.Engine),
		ModelRef:           r.ModelRef,
		State:              models.SessionState(r.State),
		Generation:         r.Generation,
		CreatedAt:          r.CreatedAt,
		LastActivity:       r.LastActivity,
		TerminatedAt:       r.TerminatedAt,
		IdleTimeoutSeconds: r.IdleTimeoutSeconds,
		SnapshotRef:        r.SnapshotRef,
		Reason:             r.Reason,
	}
}

// FromSession builds a record from the domain type
func FromSession(s *models.Session) *SessionRecord {
	return &SessionRecord{
		ID:                 s.ID,
		WorkspaceID:        s.WorkspaceID,
		OrgID:              s.OrgID,
		Engine:             string(s.Engine),
		ModelRef:           s.ModelRef,
		CPUCores:           s.Resources.CPUCores,
		MemoryBytes:        s.Resources.MemoryBytes,
		GPUCount:           s.Resources.GPUCount,
		GPUClass:           s.Resources.GPUClass,
		State:              string(s.State),
		Generation:         s.Generation,
		Reason:             s.Reason,
		IdleTimeoutSeconds: s.IdleTimeoutSeconds,
		SnapshotRef:        s.SnapshotRef,
		CreatedAt:          s.CreatedAt,
		LastActivity:       s.LastActivity,
		TerminatedAt:       s.TerminatedAt,
	}
}

// PodHandleRecord is a persisted pod handle. Pods reference their session by
// id only; at most one record is active per (session, generation).
type PodHandleRecord struct {
	ID         string    `json:"id" gorm:"primaryKey"`
	SessionID  string    `json:"session_id" gorm:"index"`
	Generation int       `json:"generation"`
	NodePool   string    `json:"node_pool"`
	Address    string    `json:"address"`
	Health     string    `json:"health"`
	Active     bool      `json:"active" gorm:"index"`
	AllocatedAt time.Time `json:"allocated_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ToPodHandle converts the record to the domain type
func (r *PodHandleRecord) ToPodHandle() *models.PodHandle {
	return &models.PodHandle{
		ID:          r.ID,
		SessionID:   r.SessionID,
		Generation:  r.Generation,
		NodePool:    r.NodePool,
		Address:     r.Address,
		Health:      models.PodHealth(r.Health),
		AllocatedAt: r.AllocatedAt,
	}
}

// QuotaLedgerRecord holds the per-organization counters. Version backs the
// compare-and-update loop guarding concurrent ledger transactions.
type QuotaLedgerRecord struct {
	OrgID             string    `json:"org_id" gorm:"primaryKey"`
	ActiveSessions    int       `json:"active_sessions"`
	ActiveGPUSessions int       `json:"active_gpu_sessions"`
	CPUMinutesUsed    float64   `json:"cpu_minutes_used"`
	GPUMinutesUsed    float64   `json:"gpu_minutes_used"`
	Version           int64     `json:"version"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ToLedger converts the record to the domain type
func (r *QuotaLedgerRecord) ToLedger() models.QuotaLedger {
	return models.QuotaLedger{
		OrgID:             r.OrgID,
		ActiveSessions:    r.ActiveSessions,
		ActiveGPUSessions: r.ActiveGPUSessions,
		CPUMinutesUsed:    r.CPUMinutesUsed,
		GPUMinutesUsed:    r.GPUMinutesUsed,
	}
}

// EventRecord is a persisted lifecycle event
type EventRecord struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	Topic      string    `json:"topic" gorm:"index"`
	SessionID  string    `json:"session_id" gorm:"index"`
	Generation int       `json:"generation"`
	OrgID      string    `json:"org_id"`
	NewState   string    `json:"new_state"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp" gorm:"index"`
	CreatedAt  time.Time `json:"created_at"`
}
