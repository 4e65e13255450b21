// Package orchestrator owns the scan task state machine and drives the
// pipeline phases in order, persisting every unit of progress through the
// store so a task's record set is always consistent with what actually ran.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/halcyonsec/shadowmap/api/schemas"
	"github.com/halcyonsec/shadowmap/internal/discovery"
	"github.com/halcyonsec/shadowmap/internal/issues"
	"github.com/halcyonsec/shadowmap/internal/services"
)

// ErrTaskNotPending is returned when dispatch is attempted on a task that has
// already started or finished.
var ErrTaskNotPending = errors.New("orchestrator: task is not pending")

// Orchestrator coordinates the phases of a scan and enforces the task state
// machine. One Orchestrator serves many concurrent tasks; the only state
// shared between tasks is the store.
type Orchestrator struct {
	store      schemas.Store
	harvester  *discovery.Harvester
	discoverer *discovery.Discoverer
	classifier *services.Classifier
	engine     *issues.Engine
	// verifier is optional; a nil verifier disables the AI pass regardless of
	// the task config.
	verifier schemas.Verifier
	logger   *zap.Logger

	// cancels maps running task IDs to their cancel functions.
	cancels sync.Map
	wg      sync.WaitGroup
}

// Options carries the pipeline components for New.
type Options struct {
	Store      schemas.Store
	Harvester  *discovery.Harvester
	Discoverer *discovery.Discoverer
	Classifier *services.Classifier
	Engine     *issues.Engine
	Verifier   schemas.Verifier
	Logger     *zap.Logger
}

func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:      opts.Store,
		harvester:  opts.Harvester,
		discoverer: opts.Discoverer,
		classifier: opts.Classifier,
		engine:     opts.Engine,
		verifier:   opts.Verifier,
		logger:     logger.Named("orchestrator"),
	}
}

// CreateTask registers a new pending task for the target.
func (o *Orchestrator) CreateTask(ctx context.Context, name, targetURL string, cfg schemas.ScanConfig) (*schemas.ScanTask, error) {
	parsed, err := url.Parse(targetURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("invalid target URL %q", targetURL)
	}

	task := &schemas.ScanTask{
		ID:        uuid.NewString(),
		Name:      name,
		TargetURL: targetURL,
		Status:    schemas.StatusPending,
		CreatedAt: time.Now().UTC(),
		Config:    cfg,
	}
	if err := o.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	o.logger.Info("Task created",
		zap.String("task_id", task.ID),
		zap.String("target", targetURL))
	return task, nil
}

// Cancel requests cooperative cancellation of a running task. Returns false
// when the task is not currently running under this orchestrator.
func (o *Orchestrator) Cancel(taskID string) bool {
	v, ok := o.cancels.Load(taskID)
	if !ok {
		return false
	}
	v.(context.CancelFunc)()
	return true
}

// Wait blocks until every task dispatched in the background has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// StartScan dispatches a pending task in the background.
func (o *Orchestrator) StartScan(ctx context.Context, taskID string) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != schemas.StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrTaskNotPending, taskID, task.Status)
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.Run(ctx, taskID); err != nil {
			o.logger.Warn("Scan ended with error",
				zap.String("task_id", taskID), zap.Error(err))
		}
	}()
	return nil
}

// Run executes the full pipeline for a pending task and blocks until the task
// reaches a terminal state. The returned error mirrors the terminal outcome:
// nil for completed, context.Canceled for cancelled, the fatal error for
// failed.
func (o *Orchestrator) Run(ctx context.Context, taskID string) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != schemas.StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrTaskNotPending, taskID, task.Status)
	}

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.cancels.Store(taskID, cancel)
	defer o.cancels.Delete(taskID)

	started := time.Now().UTC()
	task.Status = schemas.StatusRunning
	task.StartedAt = &started
	if err := o.store.UpdateTaskState(ctx, task); err != nil {
		return err
	}

	tracker := newProgressTracker(enabledPhases(task.Config))
	runErr := o.runPhases(scanCtx, task, tracker)

	// Terminal write. The parent context may itself be the cancelled one, so
	// persistence uses a fresh context.
	finishCtx, finishCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer finishCancel()

	completed := time.Now().UTC()
	task.CompletedAt = &completed
	task.DurationSeconds = completed.Sub(started).Seconds()

	switch {
	case runErr == nil:
		task.Status = schemas.StatusCompleted
		task.Progress = tracker.Complete()
	case errors.Is(runErr, context.Canceled):
		task.Status = schemas.StatusCancelled
		task.Progress = tracker.Value()
	default:
		task.Status = schemas.StatusFailed
		task.Progress = tracker.Value()
		task.ErrorMessage = runErr.Error()
	}

	if err := o.store.UpdateTaskState(finishCtx, task); err != nil {
		o.logger.Error("Failed to persist terminal task state",
			zap.String("task_id", taskID), zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}

	o.logger.Info("Task finished",
		zap.String("task_id", taskID),
		zap.String("status", string(task.Status)),
		zap.Float64("duration_s", task.DurationSeconds),
		zap.Int("apis", task.TotalAPIs),
		zap.Int("issues", task.TotalIssues))
	return runErr
}

func enabledPhases(cfg schemas.ScanConfig) []schemas.ScanPhase {
	var out []schemas.ScanPhase
	if cfg.EnableJSExtraction {
		out = append(out, schemas.PhaseJSExtraction)
	}
	if cfg.EnableAPIDiscovery {
		out = append(out, schemas.PhaseAPIDiscovery)
	}
	if cfg.EnableMicroserviceDetection {
		out = append(out, schemas.PhaseMicroserviceDetection)
	}
	if cfg.EnableUnauthorizedCheck || cfg.EnableSensitiveInfoCheck {
		out = append(out, schemas.PhaseSecurityChecks)
	}
	if cfg.UseAI {
		out = append(out, schemas.PhaseAIVerification)
	}
	return out
}

// runPhases executes the enabled phases sequentially. Each phase consumes the
// previous phase's persisted output; cancellation is observed at phase
// boundaries and between units of work inside a phase.
func (o *Orchestrator) runPhases(ctx context.Context, task *schemas.ScanTask, tracker *progressTracker) error {
	cfg := task.Config

	if cfg.EnableJSExtraction {
		if err := o.phaseJSExtraction(ctx, task, tracker); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if cfg.EnableAPIDiscovery {
		if err := o.phaseAPIDiscovery(ctx, task, tracker); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if cfg.EnableMicroserviceDetection {
		if err := o.phaseMicroserviceDetection(ctx, task, tracker); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if cfg.EnableUnauthorizedCheck || cfg.EnableSensitiveInfoCheck {
		if err := o.phaseSecurityChecks(ctx, task, tracker); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if cfg.UseAI && o.verifier != nil {
		if err := o.phaseAIVerification(ctx, task, tracker); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// setPhase records the new active phase and persists the task state.
func (o *Orchestrator) setPhase(ctx context.Context, task *schemas.ScanTask, phase schemas.ScanPhase, tracker *progressTracker) error {
	task.CurrentPhase = phase
	task.Progress = tracker.Value()
	return o.store.UpdateTaskState(ctx, task)
}

func (o *Orchestrator) phaseJSExtraction(ctx context.Context, task *schemas.ScanTask, tracker *progressTracker) error {
	if err := o.setPhase(ctx, task, schemas.PhaseJSExtraction, tracker); err != nil {
		return err
	}
	cfg := task.Config

	resources, err := o.harvester.Harvest(ctx, task, cfg.MaxJSFiles, cfg.Concurrency, cfg.MaxCandidatesPerFile)
	if err != nil && !errors.Is(err, context.Canceled) {
		// Only the target page fetch is fatal; individual script failures come
		// back as records with FetchError set.
		return fmt.Errorf("js extraction: %w", err)
	}

	// Writes survive cancellation: the partial set observed so far is part of
	// the task's record even when the task ends as cancelled.
	persistCtx := context.WithoutCancel(ctx)
	for i, res := range resources {
		if saveErr := o.store.SaveJSResource(persistCtx, res); saveErr != nil {
			return fmt.Errorf("persisting js resource: %w", saveErr)
		}
		task.TotalJSFiles = i + 1
		task.Progress = tracker.Update(schemas.PhaseJSExtraction, i+1, len(resources))
	}
	if err != nil {
		// Cancellation after the partial set is persisted.
		return err
	}
	task.Progress = tracker.PhaseDone(schemas.PhaseJSExtraction)
	return o.store.UpdateTaskState(persistCtx, task)
}

func (o *Orchestrator) phaseAPIDiscovery(ctx context.Context, task *schemas.ScanTask, tracker *progressTracker) error {
	if err := o.setPhase(ctx, task, schemas.PhaseAPIDiscovery, tracker); err != nil {
		return err
	}
	cfg := task.Config

	resources, err := o.store.ListJSResources(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("loading js resources: %w", err)
	}

	endpoints, discErr := o.discoverer.Discover(ctx, task, resources, cfg.MaxAPIs, cfg.Concurrency)

	// Persist whatever was probed, cancelled or not: none lost, none
	// duplicated (the store upserts on the uniqueness key).
	persistCtx := context.WithoutCancel(ctx)
	for i, ep := range endpoints {
		ep.ServicePath = discovery.ServicePathOf(ep)
		if saveErr := o.store.UpsertEndpoint(persistCtx, ep); saveErr != nil {
			return fmt.Errorf("persisting endpoint: %w", saveErr)
		}
		task.TotalAPIs = i + 1
		task.Progress = tracker.Update(schemas.PhaseAPIDiscovery, i+1, len(endpoints))
	}
	if discErr != nil {
		return discErr
	}
	task.Progress = tracker.PhaseDone(schemas.PhaseAPIDiscovery)
	return o.store.UpdateTaskState(persistCtx, task)
}

func (o *Orchestrator) phaseMicroserviceDetection(ctx context.Context, task *schemas.ScanTask, tracker *progressTracker) error {
	if err := o.setPhase(ctx, task, schemas.PhaseMicroserviceDetection, tracker); err != nil {
		return err
	}

	endpoints, err := o.store.ListEndpoints(ctx, task.ID, "")
	if err != nil {
		return fmt.Errorf("loading endpoints: %w", err)
	}

	clusters := o.classifier.Classify(task, endpoints)
	if err := o.store.ReplaceServices(ctx, task.ID, clusters); err != nil {
		return fmt.Errorf("persisting services: %w", err)
	}
	task.TotalServices = len(clusters)
	task.Progress = tracker.PhaseDone(schemas.PhaseMicroserviceDetection)
	return o.store.UpdateTaskState(ctx, task)
}

func (o *Orchestrator) phaseSecurityChecks(ctx context.Context, task *schemas.ScanTask, tracker *progressTracker) error {
	if err := o.setPhase(ctx, task, schemas.PhaseSecurityChecks, tracker); err != nil {
		return err
	}

	resources, err := o.store.ListJSResources(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("loading js resources: %w", err)
	}
	endpoints, err := o.store.ListEndpoints(ctx, task.ID, "")
	if err != nil {
		return fmt.Errorf("loading endpoints: %w", err)
	}
	clusters, err := o.store.ListServices(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("loading services: %w", err)
	}

	found := o.engine.Evaluate(issues.Input{
		Task:      task,
		Resources: resources,
		Endpoints: endpoints,
		Services:  clusters,
	})

	task.SeverityCounts = make(map[schemas.Severity]int)
	for i, issue := range found {
		if saveErr := o.store.SaveIssue(ctx, issue); saveErr != nil {
			return fmt.Errorf("persisting issue: %w", saveErr)
		}
		task.TotalIssues = i + 1
		task.SeverityCounts[issue.Severity]++
		task.Progress = tracker.Update(schemas.PhaseSecurityChecks, i+1, len(found))
	}

	// Second pass: flag the services the new findings touch.
	if len(clusters) > 0 {
		services.AnnotateVulnerabilities(clusters, found)
		if err := o.store.ReplaceServices(ctx, task.ID, clusters); err != nil {
			return fmt.Errorf("annotating services: %w", err)
		}
	}

	task.Progress = tracker.PhaseDone(schemas.PhaseSecurityChecks)
	return o.store.UpdateTaskState(ctx, task)
}

func (o *Orchestrator) phaseAIVerification(ctx context.Context, task *schemas.ScanTask, tracker *progressTracker) error {
	if err := o.setPhase(ctx, task, schemas.PhaseAIVerification, tracker); err != nil {
		return err
	}

	found, err := o.store.ListIssues(ctx, task.ID, schemas.IssueFilter{})
	if err != nil {
		return fmt.Errorf("loading issues: %w", err)
	}

	verified := o.engine.RunAIVerification(ctx, o.verifier, found)
	for i, issueID := range verified {
		if err := o.store.SetIssueAIVerified(ctx, issueID); err != nil {
			return fmt.Errorf("persisting verification: %w", err)
		}
		task.Progress = tracker.Update(schemas.PhaseAIVerification, i+1, len(verified))
	}
	task.Progress = tracker.PhaseDone(schemas.PhaseAIVerification)
	return o.store.UpdateTaskState(ctx, task)
}
