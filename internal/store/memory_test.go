package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonsec/shadowmap/api/schemas"
)

func newTask(id string) *schemas.ScanTask {
	return &schemas.ScanTask{
		ID:        id,
		Name:      "scan " + id,
		TargetURL: "https://example.test",
		Status:    schemas.StatusPending,
		CreatedAt: time.Now().UTC(),
		Config:    schemas.DefaultScanConfig(),
	}
}

func TestInMemory_TaskLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewInMemory()

	task := newTask("t1")
	require.NoError(t, m.CreateTask(ctx, task))
	assert.Error(t, m.CreateTask(ctx, task), "duplicate id must be rejected")

	got, err := m.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "scan t1", got.Name)

	// Reads return copies, never the stored record.
	got.Name = "mutated"
	again, err := m.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "scan t1", again.Name)

	require.NoError(t, m.UpdateTaskMeta(ctx, "t1", "renamed"))
	renamed, err := m.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", renamed.Name)

	_, err = m.GetTask(ctx, "missing")
	assert.Error(t, err)
}

func TestInMemory_UpdateTaskStateEnforcesTransitions(t *testing.T) {
	ctx := context.Background()
	m := NewInMemory()
	require.NoError(t, m.CreateTask(ctx, newTask("t1")))

	running := newTask("t1")
	running.Status = schemas.StatusRunning
	require.NoError(t, m.UpdateTaskState(ctx, running))

	completed := newTask("t1")
	completed.Status = schemas.StatusCompleted
	completed.Progress = 100
	require.NoError(t, m.UpdateTaskState(ctx, completed))

	// Terminal states accept no further transitions.
	backToRunning := newTask("t1")
	backToRunning.Status = schemas.StatusRunning
	assert.Error(t, m.UpdateTaskState(ctx, backToRunning))
}

func TestInMemory_PendingCannotComplete(t *testing.T) {
	ctx := context.Background()
	m := NewInMemory()
	require.NoError(t, m.CreateTask(ctx, newTask("t1")))

	done := newTask("t1")
	done.Status = schemas.StatusCompleted
	assert.Error(t, m.UpdateTaskState(ctx, done))
}

func TestInMemory_EndpointUpsert(t *testing.T) {
	ctx := context.Background()
	m := NewInMemory()
	require.NoError(t, m.CreateTask(ctx, newTask("t1")))

	code := 200
	ep := &schemas.APIEndpoint{
		ID: "e1", TaskID: "t1",
		BaseURL: "https://example.test", APIPath: "/api/v1/users/list",
		FullURL: "https://example.test/api/v1/users/list", HTTPMethod: "GET",
		StatusCode: &code, DiscoveryMethod: "js_analysis",
	}
	require.NoError(t, m.UpsertEndpoint(ctx, ep))

	// Same (full_url, method) with fresh probe data must update, not duplicate.
	notFound := 404
	update := &schemas.APIEndpoint{
		ID: "e2", TaskID: "t1",
		BaseURL: "https://example.test", APIPath: "/api/v1/users/list",
		FullURL: "https://example.test/api/v1/users/list", HTTPMethod: "GET",
		StatusCode: &notFound, Is404: true, DiscoveryMethod: "re_probe",
	}
	require.NoError(t, m.UpsertEndpoint(ctx, update))

	listed, err := m.ListEndpoints(ctx, "t1", "")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "e1", listed[0].ID, "identity stays with the first record")
	assert.Equal(t, "js_analysis", listed[0].DiscoveryMethod)
	assert.Equal(t, 404, *listed[0].StatusCode)
	assert.True(t, listed[0].Is404)
}

func TestInMemory_ListEndpointsByServicePath(t *testing.T) {
	ctx := context.Background()
	m := NewInMemory()
	require.NoError(t, m.CreateTask(ctx, newTask("t1")))

	for _, ep := range []*schemas.APIEndpoint{
		{ID: "e1", TaskID: "t1", FullURL: "https://x/api/v1/users/list", HTTPMethod: "GET", ServicePath: "users"},
		{ID: "e2", TaskID: "t1", FullURL: "https://x/api/v1/orders/list", HTTPMethod: "GET", ServicePath: "orders"},
	} {
		require.NoError(t, m.UpsertEndpoint(ctx, ep))
	}

	users, err := m.ListEndpoints(ctx, "t1", "users")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "e1", users[0].ID)
}

func TestInMemory_ReplaceServices(t *testing.T) {
	ctx := context.Background()
	m := NewInMemory()
	require.NoError(t, m.CreateTask(ctx, newTask("t1")))

	require.NoError(t, m.ReplaceServices(ctx, "t1", []*schemas.MicroserviceInfo{
		{ID: "s1", TaskID: "t1", ServiceName: "api-v1"},
		{ID: "s2", TaskID: "t1", ServiceName: "unclassified"},
	}))
	require.NoError(t, m.ReplaceServices(ctx, "t1", []*schemas.MicroserviceInfo{
		{ID: "s3", TaskID: "t1", ServiceName: "api-v2"},
	}))

	listed, err := m.ListServices(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, listed, 1, "replace swaps the full set")
	assert.Equal(t, "api-v2", listed[0].ServiceName)
}

func TestInMemory_IssueFlow(t *testing.T) {
	ctx := context.Background()
	m := NewInMemory()
	require.NoError(t, m.CreateTask(ctx, newTask("t1")))

	issues := []*schemas.APISecurityIssue{
		{ID: "i1", TaskID: "t1", IssueType: schemas.IssueUnauthorizedAccess, Severity: schemas.SeverityHigh},
		{ID: "i2", TaskID: "t1", IssueType: schemas.IssueSensitiveDataLeak, Severity: schemas.SeverityCritical},
	}
	for _, issue := range issues {
		require.NoError(t, m.SaveIssue(ctx, issue))
	}

	all, err := m.ListIssues(ctx, "t1", schemas.IssueFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	critical, err := m.ListIssues(ctx, "t1", schemas.IssueFilter{Severity: schemas.SeverityCritical})
	require.NoError(t, err)
	require.Len(t, critical, 1)
	assert.Equal(t, "i2", critical[0].ID)

	require.NoError(t, m.SetIssueAIVerified(ctx, "i1"))
	require.NoError(t, m.UpdateIssueReview(ctx, "i2", schemas.IssueReview{IsVerified: true, Notes: "confirmed"}))

	verified, err := m.ListIssues(ctx, "t1", schemas.IssueFilter{OnlyVerified: true})
	require.NoError(t, err)
	require.Len(t, verified, 1)
	assert.Equal(t, "i2", verified[0].ID)
	assert.Equal(t, "confirmed", verified[0].Review.Notes)

	flagged, err := m.ListIssues(ctx, "t1", schemas.IssueFilter{})
	require.NoError(t, err)
	assert.True(t, flagged[0].AIVerified)
}

func TestInMemory_DeleteTaskCascades(t *testing.T) {
	ctx := context.Background()
	m := NewInMemory()
	require.NoError(t, m.CreateTask(ctx, newTask("t1")))
	require.NoError(t, m.SaveJSResource(ctx, &schemas.JSResource{ID: "r1", TaskID: "t1"}))
	require.NoError(t, m.UpsertEndpoint(ctx, &schemas.APIEndpoint{ID: "e1", TaskID: "t1", FullURL: "https://x/a/b", HTTPMethod: "GET"}))
	require.NoError(t, m.ReplaceServices(ctx, "t1", []*schemas.MicroserviceInfo{{ID: "s1", TaskID: "t1"}}))
	require.NoError(t, m.SaveIssue(ctx, &schemas.APISecurityIssue{ID: "i1", TaskID: "t1"}))

	require.NoError(t, m.DeleteTask(ctx, "t1"))

	resources, _ := m.ListJSResources(ctx, "t1")
	endpoints, _ := m.ListEndpoints(ctx, "t1", "")
	servicesList, _ := m.ListServices(ctx, "t1")
	issuesList, _ := m.ListIssues(ctx, "t1", schemas.IssueFilter{})
	assert.Empty(t, resources)
	assert.Empty(t, endpoints)
	assert.Empty(t, servicesList)
	assert.Empty(t, issuesList)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalTasks)
	assert.Zero(t, stats.TotalIssues)
}

func TestInMemory_Stats(t *testing.T) {
	ctx := context.Background()
	m := NewInMemory()

	t1 := newTask("t1")
	t1.Status = schemas.StatusCompleted
	require.NoError(t, m.CreateTask(ctx, t1))
	require.NoError(t, m.CreateTask(ctx, newTask("t2")))

	require.NoError(t, m.SaveJSResource(ctx, &schemas.JSResource{ID: "r1", TaskID: "t1"}))
	require.NoError(t, m.UpsertEndpoint(ctx, &schemas.APIEndpoint{ID: "e1", TaskID: "t1", FullURL: "https://x/a/b", HTTPMethod: "GET"}))
	require.NoError(t, m.SaveIssue(ctx, &schemas.APISecurityIssue{
		ID: "i1", TaskID: "t1", IssueType: schemas.IssueUnauthorizedAccess, Severity: schemas.SeverityHigh,
	}))

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalTasks)
	assert.Equal(t, 1, stats.TasksByStatus[schemas.StatusCompleted])
	assert.Equal(t, 1, stats.TasksByStatus[schemas.StatusPending])
	assert.Equal(t, 1, stats.TotalJSFiles)
	assert.Equal(t, 1, stats.TotalAPIs)
	assert.Equal(t, 1, stats.TotalIssues)
	assert.Equal(t, 1, stats.IssuesBySeverity[schemas.SeverityHigh])
	assert.Equal(t, 1, stats.IssuesByType[schemas.IssueUnauthorizedAccess])
}
