package schemas

import (
	"encoding/json"
	"time"
)

// -- Issue Schemas --

// Severity represents the severity level of a security issue, ranging from
// critical to informational. The values are lowercase to align with database ENUMs.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// IssueType categorizes a security finding produced by the rule engine.
type IssueType string

const (
	IssueUnauthorizedAccess     IssueType = "unauthorized_access"
	IssueSensitiveDataLeak      IssueType = "sensitive_data_leak"
	IssueComponentVulnerability IssueType = "component_vulnerability"
	IssueWeakAuthentication     IssueType = "weak_authentication"
	IssueOther                  IssueType = "other"
)

// IssueReview carries the analyst-controlled review fields. These are the only
// fields mutable after an issue is created, and only through the external
// review workflow, never by the pipeline itself.
type IssueReview struct {
	IsVerified      bool   `json:"is_verified"`
	IsFalsePositive bool   `json:"is_false_positive"`
	IsResolved      bool   `json:"is_resolved"`
	Notes           string `json:"notes,omitempty"`
}

// APISecurityIssue is one severity-ranked, typed security finding tied to
// structured evidence sufficient to reproduce it.
type APISecurityIssue struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`

	Title       string    `json:"title"`
	Description string    `json:"description"`
	IssueType   IssueType `json:"issue_type"`
	Severity    Severity  `json:"severity"`

	TargetURL string `json:"target_url"`
	APIPath   string `json:"api_path,omitempty"`

	// Evidence is machine-readable proof of the finding (URL, matched pattern,
	// probe result), stored as JSONB in the database.
	Evidence json.RawMessage `json:"evidence,omitempty"`

	AIVerified  bool   `json:"ai_verified"`
	Remediation string `json:"remediation,omitempty"`

	Review IssueReview `json:"review"`

	CreatedAt time.Time `json:"created_at"`
}

// IssueFilter narrows issue listings at the store boundary.
type IssueFilter struct {
	Type         IssueType `json:"type,omitempty"`
	Severity     Severity  `json:"severity,omitempty"`
	OnlyVerified bool      `json:"only_verified,omitempty"`
}

// Matches reports whether the issue passes the filter.
func (f IssueFilter) Matches(issue *APISecurityIssue) bool {
	if f.Type != "" && issue.IssueType != f.Type {
		return false
	}
	if f.Severity != "" && issue.Severity != f.Severity {
		return false
	}
	if f.OnlyVerified && !issue.Review.IsVerified {
		return false
	}
	return true
}
