// Package issues evaluates the rule-based security checks over a task's
// endpoint, service and resource records, and optionally runs the AI
// corroboration pass over the findings afterwards.
package issues

import (
	"regexp"

	"github.com/halcyonsec/shadowmap/api/schemas"
)

// This file is the detection policy: the tunable pattern sets behind each
// check. Changing detection behaviour should start here, not in the engine.

// adminPathRe flags path segments that indicate administrative or internal
// surfaces which should never answer an unauthenticated probe.
var adminPathRe = regexp.MustCompile(`(?i)/(admin|internal|management|actuator|console|debug|config|private)(/|$)`)

// deprecatedAuthSchemeRe matches WWW-Authenticate challenges that rely on
// credentials transmitted in cleartext-equivalent form.
var deprecatedAuthSchemeRe = regexp.MustCompile(`(?i)^\s*(basic|digest)\b`)

// vulnSignature ties a fingerprinted product version to a known weakness.
type vulnSignature struct {
	Product   string
	VersionRe *regexp.Regexp
	Title     string
	Severity  schemas.Severity
	Advisory  string
}

// vulnSignatures is intentionally small: it covers server builds old enough
// that any sighting is actionable, not a CVE feed.
var vulnSignatures = []vulnSignature{
	{
		Product:   "nginx",
		VersionRe: regexp.MustCompile(`^1\.(1[0-7]|[0-9])\.`),
		Title:     "Outdated nginx release",
		Severity:  schemas.SeverityMedium,
		Advisory:  "nginx releases before 1.18 no longer receive security fixes",
	},
	{
		Product:   "apache",
		VersionRe: regexp.MustCompile(`^2\.2\.`),
		Title:     "End-of-life Apache httpd 2.2",
		Severity:  schemas.SeverityHigh,
		Advisory:  "Apache httpd 2.2 reached end of life in 2018",
	},
	{
		Product:   "microsoft-iis",
		VersionRe: regexp.MustCompile(`^[1-7]\.`),
		Title:     "End-of-life IIS version",
		Severity:  schemas.SeverityHigh,
		Advisory:  "IIS releases before 8.0 are out of support",
	},
	{
		Product:   "php",
		VersionRe: regexp.MustCompile(`^[1-7]\.`),
		Title:     "End-of-life PHP runtime exposed",
		Severity:  schemas.SeverityMedium,
		Advisory:  "PHP 7.x and earlier no longer receive security fixes",
	},
}

// Remediation texts keyed by issue type. Short and prescriptive; the evidence
// block carries the specifics.
var remediations = map[schemas.IssueType]string{
	schemas.IssueUnauthorizedAccess:     "Place the endpoint behind authentication and restrict it to trusted networks.",
	schemas.IssueSensitiveDataLeak:      "Remove the secret from client-delivered code, rotate it, and serve it from a server-side vault.",
	schemas.IssueComponentVulnerability: "Upgrade the component to a currently supported release.",
	schemas.IssueWeakAuthentication:     "Enforce a consistent authentication decision and replace deprecated HTTP auth schemes with token-based auth over TLS.",
}
