package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/cosimhq/cosim/pkg/models"
)

// NodePool describes one schedulable pool. A pool with an empty GPUClass
// serves CPU-only sessions.
type NodePool struct {
	Name     string `json:"name"`
	GPUClass string `json:"gpu_class,omitempty"`
	Capacity int    `json:"capacity"`
	Spot     bool   `json:"spot"`
}

// PoolStatus is a pool plus its current load
type PoolStatus struct {
	NodePool
	Allocated int `json:"allocated"`
}

// Load is the allocated fraction of capacity
func (p PoolStatus) Load() float64 {
	if p.Capacity == 0 {
		return 1
	}
	return float64(p.Allocated) / float64(p.Capacity)
}

// Allocator hands out pod handles from node pools
type Allocator interface {
	// Pools returns the current pool statuses for selection
	Pools() []PoolStatus

	// Allocate binds a pod in the named pool to the session generation.
	// A full pool fails with AllocatorUnavailable.
	Allocate(pool string, session *models.Session) (*models.PodHandle, error)

	// Release frees the pod's slot
	Release(handle *models.PodHandle) error
}

// selectPool picks the target pool for a session: GPU requests need a pool
// matching the requested class, everything else goes to a CPU pool. Among
// candidates the least-loaded wins; spot pools break ties when the policy
// permits them.
func selectPool(pools []PoolStatus, session *models.Session, policy models.Policy) (PoolStatus, error) {
	wantClass := ""
	if session.Resources.RequiresGPU() {
		wantClass = session.Resources.GPUClass
	}

	candidates := lo.Filter(pools, func(p PoolStatus, _ int) bool {
		return p.GPUClass == wantClass && p.Allocated < p.Capacity
	})
	if len(candidates) == 0 {
		return PoolStatus{}, models.NewError(models.ERR_ALLOCATOR_UNAVAILABLE,
			"no pool with free capacity for class %q", wantClass)
	}

	best := lo.MinBy(candidates, func(a, b PoolStatus) bool {
		if a.Load() != b.Load() {
			return a.Load() < b.Load()
		}
		if policy.SpotEligible && a.Spot != b.Spot {
			return a.Spot
		}
		return a.Name < b.Name
	})
	return best, nil
}

// StaticAllocator serves pods from a fixed pool table. Pod addresses follow
// the deployment's per-session service naming.
type StaticAllocator struct {
	mu        sync.Mutex
	pools     map[string]*PoolStatus
	agentPort string
}

// NewStaticAllocator creates an allocator over the given pools
func NewStaticAllocator(pools []NodePool, agentPort string) *StaticAllocator {
	table := make(map[string]*PoolStatus, len(pools))
	for _, p := range pools {
		table[p.Name] = &PoolStatus{NodePool: p}
	}
	return &StaticAllocator{pools: table, agentPort: agentPort}
}

// Pools returns a snapshot of pool statuses
func (a *StaticAllocator) Pools() []PoolStatus {
	a.mu.Lock()
	defer a.mu.Unlock()

	statuses := make([]PoolStatus, 0, len(a.pools))
	for _, p := range a.pools {
		statuses = append(statuses, *p)
	}
	return statuses
}

// Allocate binds one slot in the named pool
func (a *StaticAllocator) Allocate(pool string, session *models.Session) (*models.PodHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.pools[pool]
	if !ok {
		return nil, models.NewError(models.ERR_ALLOCATOR_UNAVAILABLE, "unknown pool %q", pool)
	}
	if p.Allocated >= p.Capacity {
		return nil, models.NewError(models.ERR_ALLOCATOR_UNAVAILABLE, "pool %q is full", pool)
	}
	p.Allocated++

	id := uuid.New().String()
	return &models.PodHandle{
		ID:          id,
		SessionID:   session.ID,
		Generation:  session.Generation,
		NodePool:    pool,
		Address:     fmt.Sprintf("http://sim-%s:%s", session.ID, a.agentPort),
		Health:      models.HEALTH_UNKNOWN,
		AllocatedAt: time.Now(),
	}, nil
}

// Release frees the pod's pool slot; releasing twice is harmless
func (a *StaticAllocator) Release(handle *models.PodHandle) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.pools[handle.NodePool]
	if !ok {
		return models.NewError(models.ERR_ALLOCATOR_UNAVAILABLE, "unknown pool %q", handle.NodePool)
	}
	if p.Allocated > 0 {
		p.Allocated--
	}
	return nil
}
