package discovery

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/halcyonsec/shadowmap/api/schemas"
)

const bodySampleLimit = 256

// probeHeaderAllowlist names the response headers kept on an endpoint record
// for later technology fingerprinting.
var probeHeaderAllowlist = []string{"Server", "X-Powered-By", "Content-Type", "WWW-Authenticate"}

// Discoverer turns extracted path candidates into verified endpoint records by
// probing each candidate URL. Probing is bounded both in concurrency and in
// aggregate request rate.
type Discoverer struct {
	fetcher schemas.Fetcher
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewDiscoverer creates a Discoverer. ratePerSec bounds aggregate probes per
// second across all workers; zero or negative disables rate limiting.
func NewDiscoverer(fetcher schemas.Fetcher, ratePerSec float64, logger *zap.Logger) *Discoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if ratePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), int(ratePerSec))
	}
	return &Discoverer{fetcher: fetcher, limiter: limiter, logger: logger.Named("discoverer")}
}

// buildCandidates computes the deduplicated cross product of base URLs and
// extracted paths. Order is deterministic; each candidate remembers its
// discovery index for cap tie-breaking.
func buildCandidates(task *schemas.ScanTask, resources []*schemas.JSResource) []*schemas.APIEndpoint {
	baseURLs := []string{origin(task.TargetURL)}
	seenBase := map[string]struct{}{baseURLs[0]: {}}
	for _, res := range resources {
		for _, b := range res.DiscoveredBaseURLs {
			if _, dup := seenBase[b]; dup {
				continue
			}
			seenBase[b] = struct{}{}
			baseURLs = append(baseURLs, b)
		}
	}

	basePaths := collectBasePaths(resources)

	var endpoints []*schemas.APIEndpoint
	seen := make(map[string]struct{})
	for _, res := range resources {
		for _, path := range res.APIPaths {
			for _, base := range baseURLs {
				full := base + path
				key := http.MethodGet + " " + full
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				endpoints = append(endpoints, &schemas.APIEndpoint{
					ID:              uuid.NewString(),
					TaskID:          task.ID,
					BaseURL:         base,
					BaseAPIPath:     matchBasePath(path, basePaths),
					APIPath:         path,
					FullURL:         full,
					HTTPMethod:      http.MethodGet,
					DiscoveryMethod: "js_analysis",
				})
			}
		}
	}
	return endpoints
}

// collectBasePaths gathers unique base prefixes across all resources, longest
// first so the most specific prefix wins when matching.
func collectBasePaths(resources []*schemas.JSResource) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, res := range resources {
		for _, bp := range res.BaseAPIPaths {
			if _, dup := seen[bp]; dup {
				continue
			}
			seen[bp] = struct{}{}
			out = append(out, bp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

func matchBasePath(path string, basePaths []string) string {
	for _, bp := range basePaths {
		if path == bp || strings.HasPrefix(path, bp+"/") {
			return bp
		}
	}
	return ""
}

// capEndpoints bounds the candidate list at maxAPIs. Candidates whose path is
// not yet represented rank above duplicates across bases, then shallower base
// prefixes rank first, then discovery order. The returned slice preserves
// discovery order.
func capEndpoints(endpoints []*schemas.APIEndpoint, maxAPIs int) []*schemas.APIEndpoint {
	if maxAPIs <= 0 || len(endpoints) <= maxAPIs {
		return endpoints
	}

	index := make(map[*schemas.APIEndpoint]int, len(endpoints))
	for i, ep := range endpoints {
		index[ep] = i
	}

	// Rank every candidate by the tie-break key up front so depth decides
	// between unique paths too, not only between deferred duplicates.
	ranked := make([]*schemas.APIEndpoint, len(endpoints))
	copy(ranked, endpoints)
	sort.SliceStable(ranked, func(i, j int) bool {
		di := strings.Count(ranked[i].BaseAPIPath, "/")
		dj := strings.Count(ranked[j].BaseAPIPath, "/")
		if di != dj {
			return di < dj
		}
		return index[ranked[i]] < index[ranked[j]]
	})

	// Greedy pass over the ranked list: one endpoint per unique path first,
	// then duplicates fill what is left, both in rank order.
	kept := make([]*schemas.APIEndpoint, 0, maxAPIs)
	seenPath := make(map[string]struct{})
	var deferred []*schemas.APIEndpoint
	for _, ep := range ranked {
		if _, dup := seenPath[ep.APIPath]; !dup && len(kept) < maxAPIs {
			seenPath[ep.APIPath] = struct{}{}
			kept = append(kept, ep)
			continue
		}
		deferred = append(deferred, ep)
	}
	if remaining := maxAPIs - len(kept); remaining > 0 {
		if remaining > len(deferred) {
			remaining = len(deferred)
		}
		kept = append(kept, deferred[:remaining]...)
	}

	sort.SliceStable(kept, func(i, j int) bool { return index[kept[i]] < index[kept[j]] })
	return kept
}

// Discover probes every candidate derived from the harvested resources and
// returns the endpoint records, probed with at most parallelism concurrent
// requests. On context cancellation the endpoints probed so far are returned
// together with ctx.Err(); the caller persists the partial set.
func (d *Discoverer) Discover(ctx context.Context, task *schemas.ScanTask, resources []*schemas.JSResource, maxAPIs, parallelism int) ([]*schemas.APIEndpoint, error) {
	candidates := buildCandidates(task, resources)
	total := len(candidates)
	candidates = capEndpoints(candidates, maxAPIs)
	if len(candidates) < total {
		d.logger.Info("Capping endpoint candidates",
			zap.String("task_id", task.ID),
			zap.Int("found", total),
			zap.Int("max", maxAPIs))
	}

	var wg sync.WaitGroup
	sem := semaphore.NewWeighted(int64(parallelism))
	probed := make([]bool, len(candidates))

	for i, ep := range candidates {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int, ep *schemas.APIEndpoint) {
			defer wg.Done()
			defer sem.Release(1)
			if d.limiter != nil {
				if err := d.limiter.Wait(ctx); err != nil {
					return
				}
			}
			probed[i] = d.probe(ctx, ep)
		}(i, ep)
	}
	wg.Wait()

	out := candidates[:0]
	for i, ep := range candidates {
		if probed[i] {
			out = append(out, ep)
		}
	}
	if len(out) < len(probed) && ctx.Err() != nil {
		return out, ctx.Err()
	}
	return out, nil
}

// probe executes the single GET against the candidate and classifies the
// response in place. A network failure leaves StatusCode nil. The return value
// reports whether an outcome was observed: a response that arrived as
// cancellation landed still counts, a fetch aborted by cancellation does not.
func (d *Discoverer) probe(ctx context.Context, ep *schemas.APIEndpoint) bool {
	res, err := d.fetcher.Fetch(ctx, ep.FullURL)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		d.logger.Debug("Probe failed", zap.String("url", ep.FullURL), zap.Error(err))
		return true
	}
	classify(ep, res)

	// Endpoints that demand auth get exactly one corroborating probe; a
	// different answer the second time is a finding in itself.
	if ep.RequiresAuth {
		second, err := d.fetcher.Fetch(ctx, ep.FullURL)
		if err == nil && !authLike(second) {
			ep.AuthInconsistent = true
		}
	}
	return true
}

func classify(ep *schemas.APIEndpoint, res *schemas.FetchResult) {
	code := res.StatusCode
	ep.StatusCode = &code
	ep.ResponseTimeMS = float64(res.Elapsed.Milliseconds())
	ep.Is404 = code == http.StatusNotFound
	ep.RequiresAuth = authLike(res)
	// Redirects count as reachable: the endpoint answered without demanding
	// credentials, even though the client never follows the hop.
	ep.IsPublicAPI = code >= 200 && code < 400 && !ep.RequiresAuth

	headers := make(map[string]string)
	for _, h := range probeHeaderAllowlist {
		if v := res.Header.Get(h); v != "" {
			headers[h] = v
		}
	}
	if len(headers) > 0 {
		ep.ProbeHeaders = headers
	}
	if len(res.Body) > 0 {
		sample := res.Body
		if len(sample) > bodySampleLimit {
			sample = sample[:bodySampleLimit]
		}
		ep.BodySample = string(sample)
	}
}

func authLike(res *schemas.FetchResult) bool {
	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		return true
	}
	return res.Header.Get("WWW-Authenticate") != ""
}

// ServicePathOf derives the endpoint's service path segment: the first path
// segment after the base API prefix, or after the root when no prefix matched.
func ServicePathOf(ep *schemas.APIEndpoint) string {
	rest := ep.APIPath
	if ep.BaseAPIPath != "" {
		rest = strings.TrimPrefix(rest, ep.BaseAPIPath)
	}
	rest = strings.TrimPrefix(rest, "/")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}
