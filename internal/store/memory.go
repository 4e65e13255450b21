package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/halcyonsec/shadowmap/api/schemas"
)

// InMemory is a self-contained Store for single-run CLI scans and tests. All
// reads return copies so callers can never mutate persisted state through a
// shared pointer.
type InMemory struct {
	mu sync.RWMutex

	tasks     map[string]*schemas.ScanTask
	taskOrder []string

	resources map[string][]*schemas.JSResource

	// endpoints are keyed by task, then by (method, full_url); endpointOrder
	// preserves first-insert order per task so listings are deterministic.
	endpoints     map[string]map[string]*schemas.APIEndpoint
	endpointOrder map[string][]string

	services map[string][]*schemas.MicroserviceInfo

	issues     map[string]*schemas.APISecurityIssue
	issueOrder map[string][]string
}

var _ schemas.Store = (*InMemory)(nil)

// NewInMemory creates an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{
		tasks:         make(map[string]*schemas.ScanTask),
		resources:     make(map[string][]*schemas.JSResource),
		endpoints:     make(map[string]map[string]*schemas.APIEndpoint),
		endpointOrder: make(map[string][]string),
		services:      make(map[string][]*schemas.MicroserviceInfo),
		issues:        make(map[string]*schemas.APISecurityIssue),
		issueOrder:    make(map[string][]string),
	}
}

func (m *InMemory) CreateTask(_ context.Context, task *schemas.ScanTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[task.ID]; exists {
		return fmt.Errorf("task '%s' already exists", task.ID)
	}
	m.tasks[task.ID] = task.Clone()
	m.taskOrder = append(m.taskOrder, task.ID)
	return nil
}

func (m *InMemory) GetTask(_ context.Context, id string) (*schemas.ScanTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task '%s' not found", id)
	}
	return task.Clone(), nil
}

func (m *InMemory) ListTasks(_ context.Context) ([]*schemas.ScanTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*schemas.ScanTask, 0, len(m.taskOrder))
	for _, id := range m.taskOrder {
		out = append(out, m.tasks[id].Clone())
	}
	return out, nil
}

func (m *InMemory) UpdateTaskMeta(_ context.Context, id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task '%s' not found", id)
	}
	task.Name = name
	return nil
}

func (m *InMemory) UpdateTaskState(_ context.Context, task *schemas.ScanTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.tasks[task.ID]
	if !ok {
		return fmt.Errorf("task '%s' not found", task.ID)
	}
	if current.Status != task.Status && !current.Status.CanTransitionTo(task.Status) {
		return fmt.Errorf("illegal task transition %s -> %s", current.Status, task.Status)
	}
	m.tasks[task.ID] = task.Clone()
	return nil
}

func (m *InMemory) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return fmt.Errorf("task '%s' not found", id)
	}
	delete(m.tasks, id)
	for i, tid := range m.taskOrder {
		if tid == id {
			m.taskOrder = append(m.taskOrder[:i], m.taskOrder[i+1:]...)
			break
		}
	}
	// Child records go with the task.
	delete(m.resources, id)
	delete(m.endpoints, id)
	delete(m.endpointOrder, id)
	delete(m.services, id)
	for _, issueID := range m.issueOrder[id] {
		delete(m.issues, issueID)
	}
	delete(m.issueOrder, id)
	return nil
}

func (m *InMemory) SaveJSResource(_ context.Context, res *schemas.JSResource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[res.TaskID]; !ok {
		return fmt.Errorf("task '%s' not found", res.TaskID)
	}
	cp := *res
	m.resources[res.TaskID] = append(m.resources[res.TaskID], &cp)
	return nil
}

func (m *InMemory) ListJSResources(_ context.Context, taskID string) ([]*schemas.JSResource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*schemas.JSResource, 0, len(m.resources[taskID]))
	for _, res := range m.resources[taskID] {
		cp := *res
		out = append(out, &cp)
	}
	return out, nil
}

func (m *InMemory) UpsertEndpoint(_ context.Context, ep *schemas.APIEndpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[ep.TaskID]; !ok {
		return fmt.Errorf("task '%s' not found", ep.TaskID)
	}
	byKey, ok := m.endpoints[ep.TaskID]
	if !ok {
		byKey = make(map[string]*schemas.APIEndpoint)
		m.endpoints[ep.TaskID] = byKey
	}
	key := ep.Key()
	cp := *ep
	if existing, dup := byKey[key]; dup {
		// Identity and discovery provenance stay with the first record; probe
		// results are refreshed.
		cp.ID = existing.ID
		cp.DiscoveryMethod = existing.DiscoveryMethod
	} else {
		m.endpointOrder[ep.TaskID] = append(m.endpointOrder[ep.TaskID], key)
	}
	byKey[key] = &cp
	return nil
}

func (m *InMemory) ListEndpoints(_ context.Context, taskID, servicePath string) ([]*schemas.APIEndpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schemas.APIEndpoint
	for _, key := range m.endpointOrder[taskID] {
		ep := m.endpoints[taskID][key]
		if servicePath != "" && ep.ServicePath != servicePath {
			continue
		}
		cp := *ep
		out = append(out, &cp)
	}
	return out, nil
}

func (m *InMemory) ReplaceServices(_ context.Context, taskID string, services []*schemas.MicroserviceInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[taskID]; !ok {
		return fmt.Errorf("task '%s' not found", taskID)
	}
	replacement := make([]*schemas.MicroserviceInfo, 0, len(services))
	for _, svc := range services {
		cp := *svc
		replacement = append(replacement, &cp)
	}
	m.services[taskID] = replacement
	return nil
}

func (m *InMemory) ListServices(_ context.Context, taskID string) ([]*schemas.MicroserviceInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*schemas.MicroserviceInfo, 0, len(m.services[taskID]))
	for _, svc := range m.services[taskID] {
		cp := *svc
		out = append(out, &cp)
	}
	return out, nil
}

func (m *InMemory) SaveIssue(_ context.Context, issue *schemas.APISecurityIssue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[issue.TaskID]; !ok {
		return fmt.Errorf("task '%s' not found", issue.TaskID)
	}
	if _, dup := m.issues[issue.ID]; dup {
		return fmt.Errorf("issue '%s' already exists", issue.ID)
	}
	cp := *issue
	m.issues[issue.ID] = &cp
	m.issueOrder[issue.TaskID] = append(m.issueOrder[issue.TaskID], issue.ID)
	return nil
}

func (m *InMemory) ListIssues(_ context.Context, taskID string, filter schemas.IssueFilter) ([]*schemas.APISecurityIssue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schemas.APISecurityIssue
	for _, id := range m.issueOrder[taskID] {
		issue := m.issues[id]
		if !filter.Matches(issue) {
			continue
		}
		cp := *issue
		out = append(out, &cp)
	}
	return out, nil
}

func (m *InMemory) SetIssueAIVerified(_ context.Context, issueID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	issue, ok := m.issues[issueID]
	if !ok {
		return fmt.Errorf("issue '%s' not found", issueID)
	}
	issue.AIVerified = true
	return nil
}

func (m *InMemory) UpdateIssueReview(_ context.Context, issueID string, review schemas.IssueReview) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	issue, ok := m.issues[issueID]
	if !ok {
		return fmt.Errorf("issue '%s' not found", issueID)
	}
	issue.Review = review
	return nil
}

func (m *InMemory) Stats(_ context.Context) (*schemas.ScanStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := &schemas.ScanStats{
		TasksByStatus:    make(map[schemas.TaskStatus]int),
		IssuesBySeverity: make(map[schemas.Severity]int),
		IssuesByType:     make(map[schemas.IssueType]int),
	}
	for _, task := range m.tasks {
		stats.TotalTasks++
		stats.TasksByStatus[task.Status]++
	}
	for _, list := range m.resources {
		stats.TotalJSFiles += len(list)
	}
	for _, byKey := range m.endpoints {
		stats.TotalAPIs += len(byKey)
	}
	for _, list := range m.services {
		stats.TotalServices += len(list)
	}
	for _, issue := range m.issues {
		stats.TotalIssues++
		stats.IssuesBySeverity[issue.Severity]++
		stats.IssuesByType[issue.IssueType]++
	}
	return stats, nil
}
