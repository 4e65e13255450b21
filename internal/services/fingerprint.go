package services

import (
	"regexp"
	"sort"
	"strings"

	"github.com/halcyonsec/shadowmap/api/schemas"
)

// signature maps a probe artifact pattern to a technology tag. Header
// signatures run against named probe headers, body signatures against the
// stored body sample.
type signature struct {
	Tag    string
	Header string
	Re     *regexp.Regexp
}

var headerSignatures = []signature{
	{Tag: "nginx", Header: "Server", Re: regexp.MustCompile(`(?i)^nginx`)},
	{Tag: "apache", Header: "Server", Re: regexp.MustCompile(`(?i)^apache`)},
	{Tag: "iis", Header: "Server", Re: regexp.MustCompile(`(?i)^microsoft-iis`)},
	{Tag: "envoy", Header: "Server", Re: regexp.MustCompile(`(?i)^envoy`)},
	{Tag: "kestrel", Header: "Server", Re: regexp.MustCompile(`(?i)^kestrel`)},
	{Tag: "express", Header: "X-Powered-By", Re: regexp.MustCompile(`(?i)express`)},
	{Tag: "php", Header: "X-Powered-By", Re: regexp.MustCompile(`(?i)php`)},
	{Tag: "aspnet", Header: "X-Powered-By", Re: regexp.MustCompile(`(?i)asp\.net`)},
	{Tag: "servlet", Header: "X-Powered-By", Re: regexp.MustCompile(`(?i)(servlet|jsp)`)},
}

var bodySignatures = []signature{
	{Tag: "spring", Re: regexp.MustCompile(`(?i)whitelabel error page|org\.springframework`)},
	{Tag: "django", Re: regexp.MustCompile(`(?i)csrfmiddlewaretoken|django`)},
	{Tag: "rails", Re: regexp.MustCompile(`(?i)ruby on rails|action_controller`)},
	{Tag: "laravel", Re: regexp.MustCompile(`(?i)laravel_session|illuminate\\`)},
	{Tag: "tomcat", Re: regexp.MustCompile(`(?i)apache tomcat`)},
	{Tag: "graphql", Re: regexp.MustCompile(`"errors".*"message".*query`)},
}

// fingerprint derives technology tags for a cluster from its endpoints' probe
// artifacts. Tags are deduplicated and sorted for stable output.
func fingerprint(endpoints []*schemas.APIEndpoint) []string {
	tags := make(map[string]struct{})
	for _, ep := range endpoints {
		for _, sig := range headerSignatures {
			if v, ok := ep.ProbeHeaders[sig.Header]; ok && sig.Re.MatchString(v) {
				tags[sig.Tag] = struct{}{}
			}
		}
		if ep.BodySample == "" {
			continue
		}
		for _, sig := range bodySignatures {
			if sig.Re.MatchString(ep.BodySample) {
				tags[sig.Tag] = struct{}{}
			}
		}
	}
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for tag := range tags {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

var serverVersionRe = regexp.MustCompile(`(?i)^([a-z\-]+)/([0-9][0-9.]*)`)

// ServerVersion parses a product/version pair out of a Server header value,
// for component vulnerability matching. Both values are empty when the header
// carries no version.
func ServerVersion(header string) (product, version string) {
	if m := serverVersionRe.FindStringSubmatch(header); m != nil {
		return strings.ToLower(m[1]), m[2]
	}
	return "", ""
}
