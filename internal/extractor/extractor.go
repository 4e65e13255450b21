// Package extractor performs static analysis of JavaScript source text to
// surface API path candidates, base API prefixes, alternate origin hosts, and
// sensitive material embedded in the code. Extraction is pure: the same input
// always yields the same result, and nothing here touches the network.
package extractor

import (
	"sort"
	"strings"

	"github.com/halcyonsec/shadowmap/api/schemas"
)

const snippetLimit = 120

// Analysis is the result of extracting one JS source.
type Analysis struct {
	// APIPaths are probe candidates in first-discovered order, capped by the
	// caller's limit.
	APIPaths []string
	// BaseAPIPaths are the prefixes (e.g. /api/v2) under which candidates live.
	BaseAPIPaths []string
	// BaseURLs are additional origins found in absolute URL literals.
	BaseURLs []string
	// Sensitive holds pattern matches worth reporting.
	Sensitive []schemas.SensitiveMatch
}

type candidate struct {
	path  string
	index int
}

// Extract scans source text for API surface indicators. maxCandidates bounds
// len(APIPaths); when more candidates exist than the cap allows, paths with
// unseen base prefixes win over siblings of already-kept paths, then shallower
// paths win, then first-discovered order breaks ties.
func Extract(text string, maxCandidates int) Analysis {
	var analysis Analysis
	if text == "" {
		return analysis
	}

	var candidates []candidate
	seen := make(map[string]struct{})

	addCandidate := func(path string) {
		path = normalizePath(path)
		if path == "" {
			return
		}
		if _, dup := seen[path]; dup {
			return
		}
		seen[path] = struct{}{}
		candidates = append(candidates, candidate{path: path, index: len(candidates)})
	}

	for _, m := range pathLiteralRe.FindAllStringSubmatch(text, -1) {
		addCandidate(m[1])
	}

	seenBase := make(map[string]struct{})
	for _, m := range absoluteURLRe.FindAllStringSubmatch(text, -1) {
		base := m[1]
		if _, dup := seenBase[base]; !dup {
			seenBase[base] = struct{}{}
			analysis.BaseURLs = append(analysis.BaseURLs, base)
		}
		if len(m) > 2 && m[2] != "" && m[2] != "/" {
			addCandidate(m[2])
		}
	}

	seenPrefix := make(map[string]struct{})
	for _, c := range candidates {
		prefix := basePrefix(c.path)
		if prefix == "" {
			continue
		}
		if _, dup := seenPrefix[prefix]; !dup {
			seenPrefix[prefix] = struct{}{}
			analysis.BaseAPIPaths = append(analysis.BaseAPIPaths, prefix)
		}
	}

	if maxCandidates > 0 && len(candidates) > maxCandidates {
		candidates = capCandidates(candidates, maxCandidates)
	}
	for _, c := range candidates {
		analysis.APIPaths = append(analysis.APIPaths, c.path)
	}

	for _, p := range sensitivePatterns {
		for _, loc := range p.Re.FindAllString(text, -1) {
			analysis.Sensitive = append(analysis.Sensitive, schemas.SensitiveMatch{
				Pattern:        p.Name,
				Snippet:        snippet(loc),
				HighConfidence: p.HighConfidence,
			})
		}
	}

	return analysis
}

// capCandidates keeps maxCandidates entries, favouring coverage of distinct
// base prefixes over siblings of a prefix already represented, then shallower
// paths, then discovery order. The kept set is returned in discovery order.
func capCandidates(candidates []candidate, maxCandidates int) []candidate {
	prefixKept := make(map[string]struct{})
	kept := make([]candidate, 0, maxCandidates)
	deferred := make([]candidate, 0, len(candidates))

	for _, c := range candidates {
		prefix := basePrefix(c.path)
		if prefix == "" {
			prefix = firstSegment(c.path)
		}
		if _, dup := prefixKept[prefix]; !dup && len(kept) < maxCandidates {
			prefixKept[prefix] = struct{}{}
			kept = append(kept, c)
			continue
		}
		deferred = append(deferred, c)
	}

	if remaining := maxCandidates - len(kept); remaining > 0 {
		sort.SliceStable(deferred, func(i, j int) bool {
			di, dj := depth(deferred[i].path), depth(deferred[j].path)
			if di != dj {
				return di < dj
			}
			return deferred[i].index < deferred[j].index
		})
		if remaining > len(deferred) {
			remaining = len(deferred)
		}
		kept = append(kept, deferred[:remaining]...)
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].index < kept[j].index })
	return kept
}

// normalizePath validates and canonicalizes a candidate. Returns "" when the
// path is not probeable.
func normalizePath(path string) string {
	if !strings.HasPrefix(path, "/") {
		return ""
	}
	trimmed := strings.TrimSuffix(path, "/")
	if trimmed == "" {
		return ""
	}
	if assetExtRe.MatchString(strings.ToLower(trimmed)) {
		return ""
	}
	if strings.Count(trimmed, "/") < 2 {
		return ""
	}
	return trimmed
}

// basePrefix returns the API base prefix of a path, or "" if the path does not
// start with a recognized marker.
func basePrefix(path string) string {
	for _, re := range baseAPIPathRes {
		loc := re.FindString(path)
		if loc == "" {
			continue
		}
		return strings.TrimSuffix(loc, "/")
	}
	return ""
}

func firstSegment(path string) string {
	rest := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return "/" + rest[:i]
	}
	return "/" + rest
}

func depth(path string) int {
	return strings.Count(strings.TrimSuffix(path, "/"), "/")
}

func snippet(s string) string {
	if len(s) > snippetLimit {
		return s[:snippetLimit]
	}
	return s
}
