package issues

import (
	"context"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/halcyonsec/shadowmap/api/schemas"
	"github.com/halcyonsec/shadowmap/internal/services"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Engine runs the rule-based checks. Every check is an independent pass that
// only appends findings; none of them mutate endpoint, service or resource
// records.
type Engine struct {
	logger *zap.Logger
}

func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{logger: logger.Named("issues")}
}

// Input is the consistent snapshot the checks evaluate. It is assembled by the
// caller after the producing phases have joined.
type Input struct {
	Task      *schemas.ScanTask
	Resources []*schemas.JSResource
	Endpoints []*schemas.APIEndpoint
	Services  []*schemas.MicroserviceInfo
}

// Evaluate runs every check enabled in the task config and returns the
// findings in deterministic order. The same snapshot always yields the same
// issues (IDs and timestamps aside).
func (e *Engine) Evaluate(in Input) []*schemas.APISecurityIssue {
	cfg := in.Task.Config
	var out []*schemas.APISecurityIssue

	if cfg.EnableUnauthorizedCheck {
		out = append(out, e.checkUnauthorizedAccess(in)...)
		out = append(out, e.checkWeakAuthentication(in)...)
	}
	if cfg.EnableSensitiveInfoCheck {
		out = append(out, e.checkSensitiveDataLeaks(in)...)
	}
	if cfg.EnableMicroserviceDetection {
		out = append(out, e.checkComponentVulnerabilities(in)...)
	}

	e.logger.Info("Security checks finished",
		zap.String("task_id", in.Task.ID),
		zap.Int("issues", len(out)))
	return out
}

func (e *Engine) newIssue(taskID string, t schemas.IssueType, sev schemas.Severity, title, desc, targetURL, apiPath string, evidence any) *schemas.APISecurityIssue {
	raw, err := json.Marshal(evidence)
	if err != nil {
		e.logger.Warn("Failed to encode issue evidence", zap.Error(err))
		raw = nil
	}
	return &schemas.APISecurityIssue{
		ID:          uuid.NewString(),
		TaskID:      taskID,
		Title:       title,
		Description: desc,
		IssueType:   t,
		Severity:    sev,
		TargetURL:   targetURL,
		APIPath:     apiPath,
		Evidence:    raw,
		Remediation: remediations[t],
		CreatedAt:   time.Now().UTC(),
	}
}

// checkUnauthorizedAccess flags publicly reachable endpoints whose path looks
// administrative or internal.
func (e *Engine) checkUnauthorizedAccess(in Input) []*schemas.APISecurityIssue {
	var out []*schemas.APISecurityIssue
	for _, ep := range in.Endpoints {
		if !ep.IsPublicAPI || !adminPathRe.MatchString(ep.APIPath) {
			continue
		}
		evidence := map[string]any{
			"full_url":    ep.FullURL,
			"http_method": ep.HTTPMethod,
			"status_code": ep.StatusCode,
			"matched_by":  "admin_path_heuristic",
		}
		out = append(out, e.newIssue(in.Task.ID,
			schemas.IssueUnauthorizedAccess, schemas.SeverityHigh,
			"Administrative endpoint reachable without authentication",
			"The endpoint matches an administrative or internal path pattern and answered a probe with a successful status and no authentication challenge.",
			ep.FullURL, ep.APIPath, evidence))
	}
	return out
}

// checkWeakAuthentication flags endpoints with unstable auth decisions and
// endpoints challenging with deprecated HTTP auth schemes.
func (e *Engine) checkWeakAuthentication(in Input) []*schemas.APISecurityIssue {
	var out []*schemas.APISecurityIssue
	for _, ep := range in.Endpoints {
		if ep.AuthInconsistent {
			evidence := map[string]any{
				"full_url":   ep.FullURL,
				"matched_by": "auth_toggle",
			}
			out = append(out, e.newIssue(in.Task.ID,
				schemas.IssueWeakAuthentication, schemas.SeverityMedium,
				"Inconsistent authentication enforcement",
				"Repeated probes of the endpoint received different authentication decisions, indicating unreliable access control.",
				ep.FullURL, ep.APIPath, evidence))
		}
		if challenge, ok := ep.ProbeHeaders["WWW-Authenticate"]; ok && deprecatedAuthSchemeRe.MatchString(challenge) {
			evidence := map[string]any{
				"full_url":         ep.FullURL,
				"www_authenticate": challenge,
				"matched_by":       "deprecated_auth_scheme",
			}
			out = append(out, e.newIssue(in.Task.ID,
				schemas.IssueWeakAuthentication, schemas.SeverityMedium,
				"Deprecated HTTP authentication scheme",
				"The endpoint challenges clients with Basic or Digest authentication, which transmits credentials in a trivially recoverable form.",
				ep.FullURL, ep.APIPath, evidence))
		}
	}
	return out
}

// checkSensitiveDataLeaks converts extractor hits into findings. High
// confidence patterns (direct secret material) are critical; the rest medium.
func (e *Engine) checkSensitiveDataLeaks(in Input) []*schemas.APISecurityIssue {
	var out []*schemas.APISecurityIssue
	for _, res := range in.Resources {
		if !res.HasSensitiveInfo {
			continue
		}
		for _, m := range res.Sensitive {
			sev := schemas.SeverityMedium
			if m.HighConfidence {
				sev = schemas.SeverityCritical
			}
			evidence := map[string]any{
				"js_url":     res.URL,
				"pattern":    m.Pattern,
				"snippet":    m.Snippet,
				"matched_by": "sensitive_pattern",
			}
			out = append(out, e.newIssue(in.Task.ID,
				schemas.IssueSensitiveDataLeak, sev,
				"Sensitive material in client-delivered JavaScript",
				"A pattern associated with credentials or internal infrastructure was found in a JavaScript asset served to clients.",
				res.URL, "", evidence))
		}
	}
	return out
}

// checkComponentVulnerabilities matches fingerprinted server builds against
// the known-vulnerable version signatures.
func (e *Engine) checkComponentVulnerabilities(in Input) []*schemas.APISecurityIssue {
	var out []*schemas.APISecurityIssue
	for _, svc := range in.Services {
		product, version := serverVersion(in.Endpoints, svc)
		if product == "" {
			continue
		}
		for _, sig := range vulnSignatures {
			if sig.Product != product || !sig.VersionRe.MatchString(version) {
				continue
			}
			evidence := map[string]any{
				"service":    svc.ServiceFullPath,
				"product":    product,
				"version":    version,
				"advisory":   sig.Advisory,
				"matched_by": "component_signature",
			}
			out = append(out, e.newIssue(in.Task.ID,
				schemas.IssueComponentVulnerability, sig.Severity,
				sig.Title,
				sig.Advisory+".",
				svc.BaseURL, svc.ServiceFullPath, evidence))
		}
	}
	return out
}

// RunAIVerification asks the verifier to corroborate each finding and flips
// AIVerified on the ones it supports. The pass never adds or removes issues;
// a verifier error skips that issue and moves on. Returns the IDs of the
// issues that were verified, for persistence by the caller.
func (e *Engine) RunAIVerification(ctx context.Context, verifier schemas.Verifier, issues []*schemas.APISecurityIssue) []string {
	var verified []string
	for _, issue := range issues {
		if ctx.Err() != nil {
			break
		}
		ok, err := verifier.Corroborate(ctx, *issue)
		if err != nil {
			e.logger.Warn("AI corroboration failed for issue",
				zap.String("issue_id", issue.ID), zap.Error(err))
			continue
		}
		if ok {
			issue.AIVerified = true
			verified = append(verified, issue.ID)
		}
	}
	return verified
}

// serverVersion finds the first parsable Server header among the service's
// endpoints.
func serverVersion(endpoints []*schemas.APIEndpoint, svc *schemas.MicroserviceInfo) (string, string) {
	member := make(map[string]struct{}, len(svc.Paths))
	for _, p := range svc.Paths {
		member[p] = struct{}{}
	}
	for _, ep := range endpoints {
		if ep.BaseURL != svc.BaseURL {
			continue
		}
		if _, ok := member[ep.APIPath]; !ok {
			continue
		}
		if product, version := services.ServerVersion(ep.ProbeHeaders["Server"]); product != "" {
			return product, version
		}
	}
	return "", ""
}
