package extractor

import "regexp"

// Candidate path literals inside string quotes. A path must start with a
// slash and contain at least two segments to be worth probing; single-segment
// strings ("/login", "/home") are overwhelmingly page routes, not APIs.
var pathLiteralRe = regexp.MustCompile(`["'` + "`" + `](/[a-zA-Z0-9_\-]+(?:/[a-zA-Z0-9_\-{}.:]+)+/?)["'` + "`" + `]`)

// Absolute URL literals. The host part yields an additional probe base, the
// path part is treated like any other candidate.
var absoluteURLRe = regexp.MustCompile(`["'` + "`" + `](https?://[a-zA-Z0-9.\-]+(?::\d+)?)(/[a-zA-Z0-9_\-/{}.:]*)?["'` + "`" + `]`)

// Base API path markers. A path matching one of these is recorded as a base
// under which other relative paths may live.
var baseAPIPathRes = []*regexp.Regexp{
	regexp.MustCompile(`^/(api|rest|gateway|service|services)(/v\d+)?(/|$)`),
	regexp.MustCompile(`^/v\d+(/|$)`),
}

// Static asset extensions that disqualify a path from being an API candidate.
var assetExtRe = regexp.MustCompile(`\.(js|mjs|css|map|png|jpe?g|gif|svg|ico|woff2?|ttf|eot|html?|txt|xml|webp|mp4|pdf)$`)

// sensitivePattern couples a detection regex with the label stored in
// findings. High-confidence patterns match secret material directly;
// the rest flag assignments that need a human look.
type sensitivePattern struct {
	Name           string
	Re             *regexp.Regexp
	HighConfidence bool
}

var sensitivePatterns = []sensitivePattern{
	{
		Name:           "aws_access_key_id",
		Re:             regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
		HighConfidence: true,
	},
	{
		Name:           "private_key_block",
		Re:             regexp.MustCompile(`-----BEGIN (?:RSA |EC |OPENSSH |DSA )?PRIVATE KEY-----`),
		HighConfidence: true,
	},
	{
		Name: "api_key_assignment",
		Re:   regexp.MustCompile(`(?i)\b(?:api[_-]?key|apikey)\s*[:=]\s*["'][A-Za-z0-9_\-]{12,}["']`),
	},
	{
		Name: "secret_assignment",
		Re:   regexp.MustCompile(`(?i)\b(?:secret|client[_-]?secret|password|passwd)\s*[:=]\s*["'][^"']{8,}["']`),
	},
	{
		Name: "bearer_token",
		Re:   regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-_.~+/]{20,}=*`),
	},
	{
		Name: "internal_hostname",
		Re:   regexp.MustCompile(`(?i)\b[a-z0-9][a-z0-9\-.]*\.(?:internal|local|corp|intranet)\b`),
	},
}
