package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosimhq/cosim/pkg/models"
)

func testRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRepository(db)
}

func sampleSession(id, org string) *models.Session {
	return &models.Session{
		ID:          id,
		WorkspaceID: "w1",
		OrgID:       org,
		Engine:      models.MUJOCO,
		ModelRef:    "cartpole.xml",
		Resources:   models.Resources{CPUCores: 2, MemoryBytes: 4 << 30},
		State:       models.PENDING,
		Generation:  1,
		CreatedAt:   time.Now(),
		LastActivity: time.Now(),
		IdleTimeoutSeconds: 300,
	}
}

func TestSessionRoundTrip(t *testing.T) {
	repo := testRepo(t)

	require.NoError(t, repo.CreateSession(sampleSession("s1", "org1")))

	got, err := repo.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, models.MUJOCO, got.Engine)
	assert.Equal(t, models.PENDING, got.State)
	assert.Equal(t, 1, got.Generation)
	assert.Equal(t, 2, got.Resources.CPUCores)
}

func TestUpdateSessionStateSetsTerminatedAt(t *testing.T) {
	repo := testRepo(t)
	require.NoError(t, repo.CreateSession(sampleSession("s1", "org1")))

	require.NoError(t, repo.UpdateSessionState("s1", models.TERMINATED, 1, "cap_hit"))

	got, err := repo.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, models.TERMINATED, got.State)
	assert.Equal(t, "cap_hit", got.Reason)
	require.NotNil(t, got.TerminatedAt)
}

func TestListSessionsInStates(t *testing.T) {
	repo := testRepo(t)
	require.NoError(t, repo.CreateSession(sampleSession("s1", "org1")))
	require.NoError(t, repo.CreateSession(sampleSession("s2", "org1")))
	require.NoError(t, repo.UpdateSessionState("s2", models.READY, 1, ""))

	ready, err := repo.ListSessionsInStates(models.READY, models.IDLE)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "s2", ready[0].ID)
}

func TestPodHandleSingleActivePerSession(t *testing.T) {
	repo := testRepo(t)

	require.NoError(t, repo.SavePodHandle(&models.PodHandle{
		ID: "p1", SessionID: "s1", Generation: 1, NodePool: "cpu-default",
		Address: "10.0.0.1:8082", Health: models.HEALTH_UNKNOWN, AllocatedAt: time.Now(),
	}))
	require.NoError(t, repo.SavePodHandle(&models.PodHandle{
		ID: "p2", SessionID: "s1", Generation: 2, NodePool: "cpu-default",
		Address: "10.0.0.2:8082", Health: models.HEALTH_UNKNOWN, AllocatedAt: time.Now(),
	}))

	active, err := repo.GetActivePodHandle("s1")
	require.NoError(t, err)
	assert.Equal(t, "p2", active.ID)
	assert.Equal(t, 2, active.Generation)
}

func TestLedgerCreateOnFirstUse(t *testing.T) {
	repo := testRepo(t)

	ledger, err := repo.GetLedger("org1")
	require.NoError(t, err)
	assert.Equal(t, 0, ledger.ActiveSessions)
}

func TestLedgerUpdateAndAbort(t *testing.T) {
	repo := testRepo(t)

	require.NoError(t, repo.UpdateLedger("org1", func(l *models.QuotaLedger) error {
		l.ActiveSessions++
		l.CPUMinutesUsed += 1.5
		return nil
	}))

	capErr := models.QuotaError(models.QUOTA_CPU_MINUTE_CAP, "cap would be crossed")
	err := repo.UpdateLedger("org1", func(l *models.QuotaLedger) error {
		return capErr
	})
	assert.True(t, models.IsKind(err, models.ERR_QUOTA_EXCEEDED))

	// Aborted transaction left counters untouched
	ledger, err := repo.GetLedger("org1")
	require.NoError(t, err)
	assert.Equal(t, 1, ledger.ActiveSessions)
	assert.InDelta(t, 1.5, ledger.CPUMinutesUsed, 1e-9)
}

func TestEventsOrderedPerSession(t *testing.T) {
	repo := testRepo(t)

	states := []models.SessionState{models.PENDING, models.READY, models.TERMINATED}
	for _, s := range states {
		require.NoError(t, repo.SaveEvent(models.LifecycleEvent{
			Topic: models.TopicForState("", s), SessionID: "s1", Generation: 1,
			OrgID: "org1", NewState: s, Timestamp: time.Now(),
		}))
	}

	events, err := repo.GetEvents("s1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, s := range states {
		assert.Equal(t, string(s), events[i].NewState)
	}
}

func TestRetentionSweep(t *testing.T) {
	repo := testRepo(t)
	require.NoError(t, repo.CreateSession(sampleSession("old", "org1")))
	require.NoError(t, repo.CreateSession(sampleSession("live", "org1")))
	require.NoError(t, repo.UpdateSessionState("old", models.TERMINATED, 1, "deleted"))

	// Terminated just now; cutoff in the future removes it
	removed, err := repo.DeleteTerminatedBefore(time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = repo.GetSession("old")
	assert.Error(t, err)
	_, err = repo.GetSession("live")
	assert.NoError(t, err)
}
