// Package discovery drives the network-facing half of a scan: harvesting the
// target's JavaScript sources and probing the API endpoint candidates that
// static analysis produced.
package discovery

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/halcyonsec/shadowmap/api/schemas"
	"github.com/halcyonsec/shadowmap/internal/extractor"
)

// Harvester fetches the target page, collects its script sources, and runs
// static extraction over each one with bounded parallelism.
type Harvester struct {
	fetcher schemas.Fetcher
	logger  *zap.Logger
}

// NewHarvester creates a Harvester. A nil logger is replaced with a no-op.
func NewHarvester(fetcher schemas.Fetcher, logger *zap.Logger) *Harvester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Harvester{fetcher: fetcher, logger: logger.Named("harvester")}
}

// scriptRef is one script discovered on the target page before fetching.
type scriptRef struct {
	url    string
	name   string
	method schemas.ExtractionMethod
	inline string
}

// Harvest fetches targetURL, parses its HTML for script tags, and returns one
// JSResource per script up to maxFiles. External script bodies are fetched
// with at most parallelism concurrent requests; a failed script fetch yields a
// resource with FetchError set rather than failing the harvest. Only a failure
// to retrieve the target page itself is an error.
func (h *Harvester) Harvest(ctx context.Context, task *schemas.ScanTask, maxFiles, parallelism, maxCandidates int) ([]*schemas.JSResource, error) {
	page, err := h.fetcher.Fetch(ctx, task.TargetURL)
	if err != nil {
		return nil, fmt.Errorf("fetching target page %s: %w", task.TargetURL, err)
	}
	if page.StatusCode >= 500 {
		return nil, fmt.Errorf("target page %s returned status %d", task.TargetURL, page.StatusCode)
	}

	refs, err := h.collectScripts(task.TargetURL, page)
	if err != nil {
		return nil, err
	}
	if maxFiles > 0 && len(refs) > maxFiles {
		h.logger.Info("Capping harvested scripts",
			zap.String("task_id", task.ID),
			zap.Int("found", len(refs)),
			zap.Int("max", maxFiles))
		refs = refs[:maxFiles]
	}

	resources := make([]*schemas.JSResource, len(refs))
	var wg sync.WaitGroup
	sem := semaphore.NewWeighted(int64(parallelism))

	for i, ref := range refs {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int, ref scriptRef) {
			defer wg.Done()
			defer sem.Release(1)
			resources[i] = h.analyzeScript(ctx, task, ref, maxCandidates)
		}(i, ref)
	}
	wg.Wait()

	// A cancelled acquire above leaves trailing nil slots.
	out := resources[:0]
	for _, r := range resources {
		if r != nil {
			out = append(out, r)
		}
	}
	if len(out) < len(refs) && ctx.Err() != nil {
		return out, ctx.Err()
	}
	return out, nil
}

// collectScripts parses the page HTML and returns script references in
// document order. Inline scripts are kept as text and never re-fetched.
func (h *Harvester) collectScripts(targetURL string, page *schemas.FetchResult) ([]scriptRef, error) {
	base, err := url.Parse(targetURL)
	if err != nil {
		return nil, fmt.Errorf("parsing target URL: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(page.Body)))
	if err != nil {
		return nil, fmt.Errorf("parsing target page HTML: %w", err)
	}

	var refs []scriptRef
	seen := make(map[string]struct{})
	inlineCount := 0

	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok && src != "" {
			resolved := resolveRef(base, src)
			if resolved == "" {
				return
			}
			if _, dup := seen[resolved]; dup {
				return
			}
			seen[resolved] = struct{}{}
			refs = append(refs, scriptRef{
				url:    resolved,
				name:   fileName(resolved),
				method: schemas.ExtractionHTMLParse,
			})
			return
		}
		text := strings.TrimSpace(s.Text())
		if text == "" {
			return
		}
		inlineCount++
		refs = append(refs, scriptRef{
			url:    fmt.Sprintf("%s#inline-%d", targetURL, inlineCount),
			name:   fmt.Sprintf("inline-%d", inlineCount),
			method: schemas.ExtractionInlineScript,
			inline: text,
		})
	})

	return refs, nil
}

// analyzeScript fetches (if external) and statically analyzes one script.
func (h *Harvester) analyzeScript(ctx context.Context, task *schemas.ScanTask, ref scriptRef, maxCandidates int) *schemas.JSResource {
	resolvedBase := origin(task.TargetURL)
	if ref.method == schemas.ExtractionHTMLParse {
		// External scripts may be served off a CDN or sibling host; the
		// asset's own origin is the one worth recording.
		resolvedBase = origin(ref.url)
	}
	res := &schemas.JSResource{
		ID:               uuid.NewString(),
		TaskID:           task.ID,
		URL:              ref.url,
		ResolvedBaseURL:  resolvedBase,
		FileName:         ref.name,
		ExtractionMethod: ref.method,
	}

	text := ref.inline
	if ref.method == schemas.ExtractionHTMLParse {
		fetched, err := h.fetcher.Fetch(ctx, ref.url)
		if err != nil {
			h.logger.Debug("Script fetch failed", zap.String("url", ref.url), zap.Error(err))
			res.FetchError = err.Error()
			return res
		}
		if fetched.StatusCode >= 400 {
			res.FetchError = fmt.Sprintf("status %d", fetched.StatusCode)
			return res
		}
		text = string(fetched.Body)
	}
	res.FileSize = len(text)

	analysis := extractor.Extract(text, maxCandidates)
	res.APIPaths = analysis.APIPaths
	res.BaseAPIPaths = analysis.BaseAPIPaths
	res.Sensitive = analysis.Sensitive
	res.HasAPIs = len(analysis.APIPaths) > 0
	res.HasBaseAPIPath = len(analysis.BaseAPIPaths) > 0
	res.HasSensitiveInfo = len(analysis.Sensitive) > 0

	if len(analysis.BaseURLs) > 0 {
		res.DiscoveredBaseURLs = analysis.BaseURLs
	}
	return res
}

// resolveRef resolves a script src against the page URL. Non-HTTP schemes
// (data:, blob:) are rejected.
func resolveRef(base *url.URL, src string) string {
	ref, err := url.Parse(src)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	abs.Fragment = ""
	return abs.String()
}

// origin reduces a URL to scheme://host[:port].
func origin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}
	return u.Scheme + "://" + u.Host
}

func fileName(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	segs := strings.Split(strings.TrimSuffix(u.Path, "/"), "/")
	name := segs[len(segs)-1]
	if name == "" {
		return u.Host
	}
	return name
}
