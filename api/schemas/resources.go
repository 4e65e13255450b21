package schemas

// -- Resource Schemas --

// ExtractionMethod records how a JS asset was located on the target.
type ExtractionMethod string

const (
	ExtractionHTMLParse    ExtractionMethod = "html_parse"
	ExtractionInlineScript ExtractionMethod = "inline_script"
)

// SensitiveMatch is one credential- or secret-shaped hit inside a JS asset.
// The snippet is bounded by the extractor and safe to persist as evidence.
type SensitiveMatch struct {
	Pattern        string `json:"pattern"`
	Snippet        string `json:"snippet"`
	HighConfidence bool   `json:"high_confidence"`
}

// JSResource is one fetched JS asset scoped to a task. It is created once per
// unique URL per task; the derived booleans are set exactly once at extraction
// time and the candidate sequences preserve extraction order.
type JSResource struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`

	URL              string           `json:"url"`
	ResolvedBaseURL  string           `json:"resolved_base_url,omitempty"`
	FileName         string           `json:"file_name"`
	FileSize         int              `json:"file_size"`
	ExtractionMethod ExtractionMethod `json:"extraction_method"`

	HasAPIs          bool `json:"has_apis"`
	HasBaseAPIPath   bool `json:"has_base_api_path"`
	HasSensitiveInfo bool `json:"has_sensitive_info"`

	APIPaths     []string         `json:"api_paths,omitempty"`
	BaseAPIPaths []string         `json:"base_api_paths,omitempty"`
	Sensitive    []SensitiveMatch `json:"sensitive,omitempty"`

	// DiscoveredBaseURLs are alternate origins referenced by absolute URL
	// literals inside the asset. They widen the probe surface.
	DiscoveredBaseURLs []string `json:"discovered_base_urls,omitempty"`

	// FetchError is set when the asset could not be retrieved. The record is
	// kept so a broken asset never silently vanishes from the scan.
	FetchError string `json:"fetch_error,omitempty"`
}

// -- Endpoint Schemas --

// APIEndpoint is one fully-qualified candidate endpoint belonging to a task.
// Uniqueness key is (task, full_url, http_method): re-discovery of the same
// pair updates probe fields rather than duplicating the record.
type APIEndpoint struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`

	BaseURL     string `json:"base_url"`
	BaseAPIPath string `json:"base_api_path,omitempty"`
	ServicePath string `json:"service_path,omitempty"`
	APIPath     string `json:"api_path"`
	FullURL     string `json:"full_url"`
	HTTPMethod  string `json:"http_method"`

	// StatusCode is nil when the probe failed outright: absence of a liveness
	// signal is itself informative (host unreachable, filtered).
	StatusCode     *int    `json:"status_code,omitempty"`
	ResponseTimeMS float64 `json:"response_time,omitempty"`

	DiscoveryMethod string `json:"discovery_method"`
	IsPublicAPI     bool   `json:"is_public_api"`
	RequiresAuth    bool   `json:"requires_auth"`
	Is404           bool   `json:"is_404"`
	// AuthInconsistent is set when repeated probes observed the endpoint toggle
	// between authenticated and unauthenticated behaviour.
	AuthInconsistent bool `json:"auth_inconsistent,omitempty"`

	// Probe artifacts kept for technology fingerprinting.
	ProbeHeaders map[string]string `json:"probe_headers,omitempty"`
	BodySample   string            `json:"body_sample,omitempty"`
}

// Key returns the endpoint uniqueness key within a task.
func (e *APIEndpoint) Key() string {
	return e.HTTPMethod + " " + e.FullURL
}

// -- Microservice Schemas --

// VulnerabilityDetail links a service-level vulnerability flag back to the
// issue that produced it.
type VulnerabilityDetail struct {
	IssueID  string   `json:"issue_id"`
	Title    string   `json:"title"`
	Severity Severity `json:"severity"`
}

// MicroserviceInfo is one detected service cluster within a task, built after
// all endpoints are known and recomputed whenever the endpoint set changes
// materially.
type MicroserviceInfo struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`

	BaseURL         string   `json:"base_url"`
	ServiceName     string   `json:"service_name"`
	ServiceFullPath string   `json:"service_full_path"`
	EndpointCount   int      `json:"endpoint_count"`
	Paths           []string `json:"paths"`
	Technologies    []string `json:"technologies,omitempty"`

	Vulnerable           bool                  `json:"vulnerable"`
	VulnerabilityDetails []VulnerabilityDetail `json:"vulnerability_details,omitempty"`
}
