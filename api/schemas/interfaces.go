package schemas

import (
	"context"
	"net/http"
	"time"
)

// -- Fetcher --

// FetchResult is the outcome of a single bounded HTTP retrieval.
type FetchResult struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	// Truncated is set when the body was cut at the configured size cap.
	Truncated bool
	Elapsed   time.Duration
}

// Fetcher performs bounded HTTP retrieval of a URL with a per-request deadline
// and a body size cap. Failures are network-level only; any HTTP status is a
// successful fetch.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*FetchResult, error)
}

// -- AI Verification --

// Verifier is the capability interface behind the optional AI-assisted
// verification pass. Implementations corroborate an existing finding; they can
// never create or delete one.
type Verifier interface {
	// Corroborate returns true when the finding is independently supported.
	Corroborate(ctx context.Context, issue APISecurityIssue) (bool, error)
	// Close releases any resources held by the verifier.
	Close() error
}

// -- Store --

// ScanStats is the cross-task aggregate computed from the persisted record set.
type ScanStats struct {
	TotalTasks    int                `json:"total_tasks"`
	TasksByStatus map[TaskStatus]int `json:"tasks_by_status"`

	TotalJSFiles  int `json:"total_js_files"`
	TotalAPIs     int `json:"total_apis"`
	TotalServices int `json:"total_services"`

	TotalIssues      int               `json:"total_issues"`
	IssuesBySeverity map[Severity]int  `json:"issues_by_severity"`
	IssuesByType     map[IssueType]int `json:"issues_by_type"`
}

// Store is the persistence contract between the scan pipeline and the excluded
// API layer. Task counters and status are written only through UpdateTaskState
// by the pipeline; external callers are limited to metadata and review fields.
type Store interface {
	// Task lifecycle.
	CreateTask(ctx context.Context, task *ScanTask) error
	GetTask(ctx context.Context, id string) (*ScanTask, error)
	ListTasks(ctx context.Context) ([]*ScanTask, error)
	// UpdateTaskMeta changes externally-owned metadata only.
	UpdateTaskMeta(ctx context.Context, id, name string) error
	// UpdateTaskState persists pipeline-owned status, phase, progress and counters.
	UpdateTaskState(ctx context.Context, task *ScanTask) error
	// DeleteTask removes the task and every child record it owns.
	DeleteTask(ctx context.Context, id string) error

	// Child records, scoped to a task.
	SaveJSResource(ctx context.Context, res *JSResource) error
	ListJSResources(ctx context.Context, taskID string) ([]*JSResource, error)

	// UpsertEndpoint inserts or, when (full_url, http_method) already exists for
	// the task, updates the probe fields of the existing record.
	UpsertEndpoint(ctx context.Context, ep *APIEndpoint) error
	// ListEndpoints returns a task's endpoints, optionally filtered by service path.
	ListEndpoints(ctx context.Context, taskID, servicePath string) ([]*APIEndpoint, error)

	// ReplaceServices swaps the full service set for a task; clusters are
	// recomputed, not incrementally patched.
	ReplaceServices(ctx context.Context, taskID string, services []*MicroserviceInfo) error
	ListServices(ctx context.Context, taskID string) ([]*MicroserviceInfo, error)

	SaveIssue(ctx context.Context, issue *APISecurityIssue) error
	ListIssues(ctx context.Context, taskID string, filter IssueFilter) ([]*APISecurityIssue, error)
	// SetIssueAIVerified flips the ai_verified confidence flag on an existing issue.
	SetIssueAIVerified(ctx context.Context, issueID string) error
	// UpdateIssueReview is restricted to the analyst review fields.
	UpdateIssueReview(ctx context.Context, issueID string, review IssueReview) error

	// Stats is the Aggregator read path: global and per-severity/per-type counts
	// across all tasks. Read-only, no mutation of scan state.
	Stats(ctx context.Context) (*ScanStats, error)
}
