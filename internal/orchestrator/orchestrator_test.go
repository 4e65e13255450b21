package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/halcyonsec/shadowmap/api/schemas"
	"github.com/halcyonsec/shadowmap/internal/discovery"
	"github.com/halcyonsec/shadowmap/internal/issues"
	"github.com/halcyonsec/shadowmap/internal/services"
	"github.com/halcyonsec/shadowmap/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubFetcher routes URLs to canned responses; unknown URLs fail.
type stubFetcher struct {
	mu        sync.Mutex
	responses map[string]*schemas.FetchResult
	errs      map[string]error
	onFetch   func(url string)
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{
		responses: make(map[string]*schemas.FetchResult),
		errs:      make(map[string]error),
	}
}

func (s *stubFetcher) respond(url string, status int, body string, header http.Header) {
	if header == nil {
		header = http.Header{}
	}
	s.responses[url] = &schemas.FetchResult{
		URL: url, StatusCode: status, Header: header, Body: []byte(body),
		Elapsed: time.Millisecond,
	}
}

func (s *stubFetcher) Fetch(ctx context.Context, url string) (*schemas.FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	hook := s.onFetch
	s.mu.Unlock()
	if hook != nil {
		hook(url)
	}
	if err, ok := s.errs[url]; ok {
		return nil, err
	}
	if res, ok := s.responses[url]; ok {
		return res, nil
	}
	return nil, fmt.Errorf("no route to %s", url)
}

func newOrchestrator(fetcher schemas.Fetcher, st schemas.Store, verifier schemas.Verifier) *Orchestrator {
	return New(Options{
		Store:      st,
		Harvester:  discovery.NewHarvester(fetcher, nil),
		Discoverer: discovery.NewDiscoverer(fetcher, 0, nil),
		Classifier: services.NewClassifier(nil),
		Engine:     issues.NewEngine(nil),
		Verifier:   verifier,
	})
}

const scenarioHTML = `<html><head><script src="/app.js"></script></head><body></body></html>`

const scenarioJS = `
fetch("/api/v1/users");
fetch("/api/v1/users/1");
fetch("/internal/admin/config");
`

// scenarioFetcher wires the canonical three-endpoint target.
func scenarioFetcher() *stubFetcher {
	f := newStubFetcher()
	f.respond("https://example.test", 200, scenarioHTML, nil)
	f.respond("https://example.test/app.js", 200, scenarioJS, nil)
	f.respond("https://example.test/api/v1/users", 200, `[]`, nil)
	f.respond("https://example.test/api/v1/users/1", 200, `{}`, nil)
	f.respond("https://example.test/internal/admin/config", 200, `{"debug":true}`, nil)
	return f
}

func createAndRun(t *testing.T, o *Orchestrator, cfg schemas.ScanConfig) (*schemas.ScanTask, error) {
	t.Helper()
	ctx := context.Background()
	task, err := o.CreateTask(ctx, "scenario", "https://example.test", cfg)
	require.NoError(t, err)
	return task, o.Run(ctx, task.ID)
}

func TestRun_ScenarioEndToEnd(t *testing.T) {
	st := store.NewInMemory()
	o := newOrchestrator(scenarioFetcher(), st, nil)

	task, err := createAndRun(t, o, schemas.DefaultScanConfig())
	require.NoError(t, err)
	ctx := context.Background()

	final, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.CompletedAt)
	assert.Equal(t, 1, final.TotalJSFiles)
	assert.Equal(t, 3, final.TotalAPIs)
	assert.Equal(t, 2, final.TotalServices)
	assert.Equal(t, 1, final.TotalIssues)
	assert.Equal(t, 1, final.SeverityCounts[schemas.SeverityHigh])

	endpoints, err := st.ListEndpoints(ctx, task.ID, "")
	require.NoError(t, err)
	require.Len(t, endpoints, 3)
	for _, ep := range endpoints {
		require.NotNil(t, ep.StatusCode)
		assert.Equal(t, 200, *ep.StatusCode)
		assert.True(t, ep.IsPublicAPI)
	}

	clusters, err := st.ListServices(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, clusters, 2)
	byPath := map[string]*schemas.MicroserviceInfo{}
	for _, svc := range clusters {
		byPath[svc.ServiceFullPath] = svc
	}
	api := byPath["/api/v1"]
	require.NotNil(t, api)
	assert.Equal(t, 2, api.EndpointCount)
	misc := byPath["/unclassified"]
	require.NotNil(t, misc)
	assert.True(t, misc.Vulnerable, "the unclassified cluster holds the flagged endpoint")
	require.Len(t, misc.VulnerabilityDetails, 1)

	found, err := st.ListIssues(ctx, task.ID, schemas.IssueFilter{})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, schemas.IssueUnauthorizedAccess, found[0].IssueType)
	assert.Equal(t, schemas.SeverityHigh, found[0].Severity)
	assert.Equal(t, "/internal/admin/config", found[0].APIPath)
}

func TestRun_JSFetchFailureDoesNotAbortTask(t *testing.T) {
	f := scenarioFetcher()
	f.errs["https://example.test/app.js"] = errors.New("timeout awaiting response headers")

	st := store.NewInMemory()
	o := newOrchestrator(f, st, nil)

	task, err := createAndRun(t, o, schemas.DefaultScanConfig())
	require.NoError(t, err)

	final, err := st.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusCompleted, final.Status)

	resources, err := st.ListJSResources(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, resources, 1)
	assert.False(t, resources[0].HasAPIs)
	assert.NotEmpty(t, resources[0].FetchError)
}

func TestRun_TargetFetchFailureFailsTask(t *testing.T) {
	f := newStubFetcher()
	f.errs["https://example.test"] = errors.New("connection refused")

	st := store.NewInMemory()
	o := newOrchestrator(f, st, nil)

	task, err := createAndRun(t, o, schemas.DefaultScanConfig())
	require.Error(t, err)

	final, gerr := st.GetTask(context.Background(), task.ID)
	require.NoError(t, gerr)
	assert.Equal(t, schemas.StatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "connection refused")
}

func TestRun_AllChecksDisabledStillCompletes(t *testing.T) {
	cfg := schemas.DefaultScanConfig()
	cfg.EnableJSExtraction = false
	cfg.EnableAPIDiscovery = false
	cfg.EnableMicroserviceDetection = false
	cfg.EnableUnauthorizedCheck = false
	cfg.EnableSensitiveInfoCheck = false

	st := store.NewInMemory()
	o := newOrchestrator(newStubFetcher(), st, nil)

	task, err := createAndRun(t, o, cfg)
	require.NoError(t, err)

	final, err := st.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
}

func TestRun_RejectsNonPendingTask(t *testing.T) {
	st := store.NewInMemory()
	o := newOrchestrator(scenarioFetcher(), st, nil)

	task, err := createAndRun(t, o, schemas.DefaultScanConfig())
	require.NoError(t, err)

	err = o.Run(context.Background(), task.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTaskNotPending)
}

func TestCreateTask_RejectsBadURL(t *testing.T) {
	o := newOrchestrator(newStubFetcher(), store.NewInMemory(), nil)
	for _, target := range []string{"", "ftp://example.test", "not a url", "example.test"} {
		_, err := o.CreateTask(context.Background(), "x", target, schemas.DefaultScanConfig())
		assert.Error(t, err, target)
	}
}

func TestCancel_MidDiscoveryPersistsPartialResults(t *testing.T) {
	f := newStubFetcher()
	var js string
	for i := 0; i < 20; i++ {
		js += fmt.Sprintf("fetch(\"/api/v1/res%d/item\");\n", i)
		f.respond(fmt.Sprintf("https://example.test/api/v1/res%d/item", i), 200, "", nil)
	}
	f.respond("https://example.test", 200, scenarioHTML, nil)
	f.respond("https://example.test/app.js", 200, js, nil)

	st := store.NewInMemory()
	o := newOrchestrator(f, st, nil)

	cfg := schemas.DefaultScanConfig()
	cfg.Concurrency = 1

	ctx := context.Background()
	task, err := o.CreateTask(ctx, "cancel-me", "https://example.test", cfg)
	require.NoError(t, err)

	// Cancel after ten probes have been issued.
	probes := 0
	f.mu.Lock()
	f.onFetch = func(url string) {
		if strings.HasPrefix(url, "https://example.test/api/") {
			probes++
			if probes == 10 {
				go o.Cancel(task.ID)
				time.Sleep(20 * time.Millisecond)
			}
		}
	}
	f.mu.Unlock()

	err = o.Run(ctx, task.ID)
	require.ErrorIs(t, err, context.Canceled)

	final, gerr := st.GetTask(ctx, task.ID)
	require.NoError(t, gerr)
	assert.Equal(t, schemas.StatusCancelled, final.Status)
	assert.NotNil(t, final.CompletedAt)

	endpoints, lerr := st.ListEndpoints(ctx, task.ID, "")
	require.NoError(t, lerr)
	assert.NotEmpty(t, endpoints, "probed endpoints must be persisted")
	assert.Less(t, len(endpoints), 20, "unprobed candidates must not be persisted")

	seen := map[string]struct{}{}
	for _, ep := range endpoints {
		_, dup := seen[ep.Key()]
		assert.False(t, dup, "no endpoint may be persisted twice")
		seen[ep.Key()] = struct{}{}
	}
}

// flagVerifier corroborates everything.
type flagVerifier struct{ calls int }

func (f *flagVerifier) Corroborate(context.Context, schemas.APISecurityIssue) (bool, error) {
	f.calls++
	return true, nil
}
func (f *flagVerifier) Close() error { return nil }

func TestRun_AIVerificationOnlyFlipsFlags(t *testing.T) {
	cfg := schemas.DefaultScanConfig()
	cfg.UseAI = true

	st := store.NewInMemory()
	verifier := &flagVerifier{}
	o := newOrchestrator(scenarioFetcher(), st, verifier)

	task, err := createAndRun(t, o, cfg)
	require.NoError(t, err)

	found, err := st.ListIssues(context.Background(), task.ID, schemas.IssueFilter{})
	require.NoError(t, err)
	require.Len(t, found, 1, "the AI pass must not change the issue count")
	assert.True(t, found[0].AIVerified)
	assert.Equal(t, 1, verifier.calls)
}

func TestStartScan_RunsInBackground(t *testing.T) {
	st := store.NewInMemory()
	o := newOrchestrator(scenarioFetcher(), st, nil)

	ctx := context.Background()
	task, err := o.CreateTask(ctx, "bg", "https://example.test", schemas.DefaultScanConfig())
	require.NoError(t, err)

	require.NoError(t, o.StartScan(ctx, task.ID))
	o.Wait()

	final, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusCompleted, final.Status)
}

func TestRun_ProgressIsMonotonic(t *testing.T) {
	st := store.NewInMemory()
	recorder := &progressRecorder{Store: st}
	o := newOrchestrator(scenarioFetcher(), recorder, nil)

	_, err := createAndRun(t, o, schemas.DefaultScanConfig())
	require.NoError(t, err)

	require.NotEmpty(t, recorder.progress)
	last := -1
	for _, p := range recorder.progress {
		assert.GreaterOrEqual(t, p, last)
		last = p
	}
	assert.Equal(t, 100, last)
}

// progressRecorder wraps a Store and records every persisted progress value.
type progressRecorder struct {
	schemas.Store
	mu       sync.Mutex
	progress []int
}

func (r *progressRecorder) UpdateTaskState(ctx context.Context, task *schemas.ScanTask) error {
	r.mu.Lock()
	r.progress = append(r.progress, task.Progress)
	r.mu.Unlock()
	return r.Store.UpdateTaskState(ctx, task)
}
