package database

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/cosimhq/cosim/pkg/models"
)

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// CreateSession persists a new session record
func (r *Repository) CreateSession(s *models.Session) error {
	return r.db.Create(FromSession(s)).Error
}

// GetSession retrieves a session by ID
func (r *Repository) GetSession(id string) (*models.Session, error) {
	var rec SessionRecord
	err := r.db.First(&rec, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return rec.ToSession(), nil
}

// ListSessionsByOrg lists all sessions owned by an organization
func (r *Repository) ListSessionsByOrg(orgID string) ([]*models.Session, error) {
	var recs []SessionRecord
	err := r.db.Where("org_id = ?", orgID).Order("created_at DESC").Find(&recs).Error
	if err != nil {
		return nil, err
	}

	sessions := make([]*models.Session, len(recs))
	for i := range recs {
		sessions[i] = recs[i].ToSession()
	}
	return sessions, nil
}

// ListSessionsInStates lists sessions in any of the given states
func (r *Repository) ListSessionsInStates(states ...models.SessionState) ([]*models.Session, error) {
	raw := make([]string, len(states))
	for i, s := range states {
		raw[i] = string(s)
	}

	var recs []SessionRecord
	err := r.db.Where("state IN ?", raw).Find(&recs).Error
	if err != nil {
		return nil, err
	}

	sessions := make([]*models.Session, len(recs))
	for i := range recs {
		sessions[i] = recs[i].ToSession()
	}
	return sessions, nil
}

// UpdateSessionState records a state transition
func (r *Repository) UpdateSessionState(id string, state models.SessionState, generation int, reason string) error {
	updates := map[string]interface{}{
		"state":      string(state),
		"generation": generation,
		"reason":     reason,
	}
	if state == models.TERMINATED {
		now := time.Now()
		updates["terminated_at"] = &now
	}
	return r.db.Model(&SessionRecord{}).Where("id = ?", id).Updates(updates).Error
}

// TouchActivity updates the last-activity timestamp
func (r *Repository) TouchActivity(id string, at time.Time) error {
	return r.db.Model(&SessionRecord{}).Where("id = ?", id).
		Update("last_activity", at).Error
}

// SetSnapshotRef stores the snapshot reference taken on hibernate
func (r *Repository) SetSnapshotRef(id, ref string) error {
	return r.db.Model(&SessionRecord{}).Where("id = ?", id).
		Update("snapshot_ref", ref).Error
}

// DeleteTerminatedBefore removes terminated sessions whose termination
// precedes the cutoff, together with their pod handles and events.
func (r *Repository) DeleteTerminatedBefore(cutoff time.Time) (int64, error) {
	var ids []string
	err := r.db.Model(&SessionRecord{}).
		Where("state = ? AND terminated_at < ?", string(models.TERMINATED), cutoff).
		Pluck("id", &ids).Error
	if err != nil || len(ids) == 0 {
		return 0, err
	}

	err = r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id IN ?", ids).Delete(&PodHandleRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("session_id IN ?", ids).Delete(&EventRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&SessionRecord{}).Error
	})
	if err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}

// SavePodHandle persists a pod handle and deactivates any prior handle for
// the same session.
func (r *Repository) SavePodHandle(p *models.PodHandle) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&PodHandleRecord{}).
			Where("session_id = ? AND active = ?", p.SessionID, true).
			Update("active", false).Error
		if err != nil {
			return err
		}
		return tx.Create(&PodHandleRecord{
			ID:          p.ID,
			SessionID:   p.SessionID,
			Generation:  p.Generation,
			NodePool:    p.NodePool,
			Address:     p.Address,
			Health:      string(p.Health),
			Active:      true,
			AllocatedAt: p.AllocatedAt,
		}).Error
	})
}

// GetActivePodHandle retrieves the active pod handle for a session
func (r *Repository) GetActivePodHandle(sessionID string) (*models.PodHandle, error) {
	var rec PodHandleRecord
	err := r.db.Where("session_id = ? AND active = ?", sessionID, true).First(&rec).Error
	if err != nil {
		return nil, err
	}
	return rec.ToPodHandle(), nil
}

// UpdatePodHealth records the latest observed health of a pod
func (r *Repository) UpdatePodHealth(podID string, health models.PodHealth) error {
	return r.db.Model(&PodHandleRecord{}).Where("id = ?", podID).
		Update("health", string(health)).Error
}

// ReleasePodHandle deactivates the active handle for a session
func (r *Repository) ReleasePodHandle(sessionID string) error {
	return r.db.Model(&PodHandleRecord{}).
		Where("session_id = ? AND active = ?", sessionID, true).
		Update("active", false).Error
}

// GetLedger retrieves the quota ledger for an org, creating it on first use
func (r *Repository) GetLedger(orgID string) (models.QuotaLedger, error) {
	var rec QuotaLedgerRecord
	err := r.db.First(&rec, "org_id = ?", orgID).Error
	if err == gorm.ErrRecordNotFound {
		rec = QuotaLedgerRecord{OrgID: orgID}
		if cerr := r.db.Create(&rec).Error; cerr != nil {
			return models.QuotaLedger{}, cerr
		}
		return rec.ToLedger(), nil
	}
	if err != nil {
		return models.QuotaLedger{}, err
	}
	return rec.ToLedger(), nil
}

// UpdateLedger applies mutate under a compare-and-update transaction. The
// mutate callback may return a categorized error to abort (e.g. cap hit);
// the abort error is surfaced unchanged.
func (r *Repository) UpdateLedger(orgID string, mutate func(*models.QuotaLedger) error) error {
	const maxRetries = 5

	for attempt := 0; attempt < maxRetries; attempt++ {
		var rec QuotaLedgerRecord
		err := r.db.First(&rec, "org_id = ?", orgID).Error
		if err == gorm.ErrRecordNotFound {
			rec = QuotaLedgerRecord{OrgID: orgID}
			if cerr := r.db.Create(&rec).Error; cerr != nil {
				return cerr
			}
		} else if err != nil {
			return err
		}

		ledger := rec.ToLedger()
		if err := mutate(&ledger); err != nil {
			return err
		}

		result := r.db.Model(&QuotaLedgerRecord{}).
			Where("org_id = ? AND version = ?", orgID, rec.Version).
			Updates(map[string]interface{}{
				"active_sessions":     ledger.ActiveSessions,
				"active_gpu_sessions": ledger.ActiveGPUSessions,
				"cpu_minutes_used":    ledger.CPUMinutesUsed,
				"gpu_minutes_used":    ledger.GPUMinutesUsed,
				"version":             rec.Version + 1,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 1 {
			return nil
		}
		// Version moved under us; reload and retry
	}
	return fmt.Errorf("ledger update for org %s contended beyond retry budget", orgID)
}

// SaveEvent persists a lifecycle event
func (r *Repository) SaveEvent(e models.LifecycleEvent) error {
	return r.db.Create(&EventRecord{
		Topic:      string(e.Topic),
		SessionID:  e.SessionID,
		Generation: e.Generation,
		OrgID:      e.OrgID,
		NewState:   string(e.NewState),
		Reason:     e.Reason,
		Timestamp:  e.Timestamp,
	}).Error
}

// GetEvents retrieves events for a session in transition order
func (r *Repository) GetEvents(sessionID string) ([]EventRecord, error) {
	var events []EventRecord
	err := r.db.Where("session_id = ?", sessionID).
		Order("id ASC").
		Find(&events).Error
	return events, err
}
