package supervisor

// Phase is the lifecycle stage of a Supervisor.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseStarting Phase = "starting"
	PhaseRunning  Phase = "running"
	PhaseStopping Phase = "stopping"
	PhaseStopped  Phase = "stopped"
)

// HealthStatus summarises the backend for callers.
type HealthStatus string

const (
	HealthRunning  HealthStatus = "running"
	HealthDegraded HealthStatus = "degraded"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
	HealthStopped  HealthStatus = "stopped"
)

// Report is the detailed form of CheckHealth.
type Report struct {
	Status    HealthStatus `json:"status"`
	Phase     Phase        `json:"phase"`
	Processes int          `json:"processes"`
	Exited    []string     `json:"exited,omitempty"`
	Unhealthy []string     `json:"unhealthy,omitempty"`
	Failed    []string     `json:"failed,omitempty"` // processes that never spawned this run
}
