package schemas

import "time"

// -- Task Schemas --

// TaskStatus represents the lifecycle state of a scan task. The values are
// lowercase to align with database ENUMs.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether a task in this status can never transition again.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo reports whether the state machine permits moving from s to next.
// pending may only start running; running may only reach a terminal state.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning
	case StatusRunning:
		return next.Terminal()
	default:
		return false
	}
}

// ScanPhase labels the active stage of the scan pipeline.
type ScanPhase string

const (
	PhaseJSExtraction          ScanPhase = "js_extraction"
	PhaseAPIDiscovery          ScanPhase = "api_discovery"
	PhaseMicroserviceDetection ScanPhase = "microservice_detection"
	PhaseSecurityChecks        ScanPhase = "security_checks"
	PhaseAIVerification        ScanPhase = "ai_verification"
)

// ScanConfig is the sole externally supplied configuration surface for a task.
// Detection toggles default to enabled; AI assistance defaults to disabled.
type ScanConfig struct {
	EnableJSExtraction           bool `json:"enable_js_extraction"`
	EnableAPIDiscovery           bool `json:"enable_api_discovery"`
	EnableMicroserviceDetection  bool `json:"enable_microservice_detection"`
	EnableUnauthorizedCheck      bool `json:"enable_unauthorized_check"`
	EnableSensitiveInfoCheck     bool `json:"enable_sensitive_info_check"`
	UseAI                        bool `json:"use_ai"`

	// Timeout is the per-request deadline in seconds for every fetch and probe.
	Timeout int `json:"timeout"`
	// MaxJSFiles caps the number of JS assets fetched from the target page.
	MaxJSFiles int `json:"max_js_files"`
	// MaxAPIs caps the number of candidate endpoints that will be probed.
	MaxAPIs int `json:"max_apis"`
	// Concurrency bounds the worker pool used within a phase.
	Concurrency int `json:"concurrency"`
	// MaxCandidatesPerFile caps the extractor output for a single JS asset so a
	// pathological minified bundle cannot explode downstream probing cost.
	MaxCandidatesPerFile int `json:"max_candidates_per_file"`
}

// DefaultScanConfig returns the documented defaults: all detection toggles on,
// AI off, conservative numeric caps.
func DefaultScanConfig() ScanConfig {
	return ScanConfig{
		EnableJSExtraction:          true,
		EnableAPIDiscovery:          true,
		EnableMicroserviceDetection: true,
		EnableUnauthorizedCheck:     true,
		EnableSensitiveInfoCheck:    true,
		UseAI:                       false,
		Timeout:                     15,
		MaxJSFiles:                  50,
		MaxAPIs:                     200,
		Concurrency:                 10,
		MaxCandidatesPerFile:        100,
	}
}

// ScanTask is one end-to-end scanning run against one target. Counters and
// status are owned by the pipeline; external callers may only update metadata.
type ScanTask struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	TargetURL string `json:"target_url"`

	Status       TaskStatus `json:"status"`
	CurrentPhase ScanPhase  `json:"current_phase,omitempty"`
	// Progress is 0-100 and non-decreasing for the lifetime of a running period.
	Progress int `json:"progress"`

	TotalJSFiles   int              `json:"total_js_files"`
	TotalAPIs      int              `json:"total_apis"`
	TotalServices  int              `json:"total_services"`
	TotalIssues    int              `json:"total_issues"`
	SeverityCounts map[Severity]int `json:"severity_counts,omitempty"`

	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds float64    `json:"duration_seconds,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`

	Config ScanConfig `json:"config"`
}

// Clone returns a deep copy so callers cannot mutate pipeline-owned state
// through a shared pointer.
func (t *ScanTask) Clone() *ScanTask {
	cp := *t
	if t.SeverityCounts != nil {
		cp.SeverityCounts = make(map[Severity]int, len(t.SeverityCounts))
		for k, v := range t.SeverityCounts {
			cp.SeverityCounts[k] = v
		}
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	return &cp
}
