package models

// Policy is the per-tier configuration applied at admission and on every
// orchestrator tick.
type Policy struct {
	Tier                   string   `json:"tier"`
	MaxConcurrentSessions  int      `json:"max_concurrent_sessions"`
	MaxConcurrentGPU       int      `json:"max_concurrent_gpu"`
	AllowedGPUClasses      []string `json:"allowed_gpu_classes"`
	HardCPUMinuteCap       float64  `json:"hard_cpu_minute_cap"`
	HardGPUMinuteCap       float64  `json:"hard_gpu_minute_cap"`
	IdleHibernateSeconds   int      `json:"idle_hibernate_seconds"`
	MaxSessionWallSeconds  int      `json:"max_session_wall_seconds"`
	SpotEligible           bool     `json:"spot_eligible"`
	IdleRateFactor         float64  `json:"idle_rate_factor"` // Fraction of wall-clock rate accrued while hibernated
}

// AllowsGPUClass reports whether the tier may request the given class
func (p Policy) AllowsGPUClass(class string) bool {
	for _, c := range p.AllowedGPUClasses {
		if c == class {
			return true
		}
	}
	return false
}

// DefaultPolicies returns the built-in tier table. Deployments override this
// from configuration.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		"free": {
			Tier:                  "free",
			MaxConcurrentSessions: 1,
			MaxConcurrentGPU:      0,
			AllowedGPUClasses:     nil,
			HardCPUMinuteCap:      600,
			HardGPUMinuteCap:      0,
			IdleHibernateSeconds:  300,
			MaxSessionWallSeconds: 3600,
			SpotEligible:          true,
			IdleRateFactor:        0,
		},
		"pro": {
			Tier:                  "pro",
			MaxConcurrentSessions: 5,
			MaxConcurrentGPU:      2,
			AllowedGPUClasses:     []string{"t4", "a10"},
			HardCPUMinuteCap:      20000,
			HardGPUMinuteCap:      3000,
			IdleHibernateSeconds:  1800,
			MaxSessionWallSeconds: 86400,
			SpotEligible:          true,
			IdleRateFactor:        0,
		},
		"enterprise": {
			Tier:                  "enterprise",
			MaxConcurrentSessions: 50,
			MaxConcurrentGPU:      20,
			AllowedGPUClasses:     []string{"t4", "a10", "a100", "h100"},
			HardCPUMinuteCap:      1000000,
			HardGPUMinuteCap:      200000,
			IdleHibernateSeconds:  7200,
			MaxSessionWallSeconds: 604800,
			SpotEligible:          false,
			IdleRateFactor:        0.1,
		},
	}
}

// QuotaLedger tracks per-organization counters enforcing tier limits
type QuotaLedger struct {
	OrgID             string  `json:"org_id"`
	ActiveSessions    int     `json:"active_sessions"`
	ActiveGPUSessions int     `json:"active_gpu_sessions"`
	CPUMinutesUsed    float64 `json:"cpu_minutes_used"` // Current billing window
	GPUMinutesUsed    float64 `json:"gpu_minutes_used"`
}

// CostAction is an action issued by the cost guard evaluator
type CostAction string

const (
	COST_SCALE_DOWN       CostAction = "scale_down"
	COST_PAUSE_SESSION    CostAction = "pause_session"
	COST_DENY_NEW_GPU_JOB CostAction = "deny_new_gpu_job"
)
