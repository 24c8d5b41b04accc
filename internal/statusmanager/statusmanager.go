// Package statusmanager runs the periodic sweep that reconciles every
// non-terminal run and software_build against the workflow engine (spec.md
// §4.2): one engine status query per row, state-machine transitions applied
// through domain.FurthestAdvanced, and newly-terminal rows handed to the run
// submitter for the next phase.
package statusmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rat-data/rat/platform/internal/domain"
	"github.com/rat-data/rat/platform/internal/engine"
)

// RunLister returns every non-terminal run — satisfied by *postgres.RunStore.
type RunLister interface {
	ListActiveForSweep(ctx context.Context) ([]domain.Run, error)
}

// BuildLister returns every non-terminal software_build and records status
// transitions against it — satisfied by *postgres.SoftwareStore.
type BuildLister interface {
	ListActiveBuilds(ctx context.Context) ([]domain.SoftwareBuild, error)
	UpdateBuildStatus(ctx context.Context, id uuid.UUID, status domain.BuildStatus, cromwellJobID, imageURL *string) error
}

// TestLookup resolves a run's test to its owning template — satisfied by
// *postgres.TestStore.
type TestLookup interface {
	GetTest(ctx context.Context, id uuid.UUID) (*domain.Test, error)
}

// RetryTracker is the per-run transient-failure counter — satisfied by
// *postgres.RunStore.
type RetryTracker interface {
	IncrementRetries(ctx context.Context, runID uuid.UUID) (int, error)
	ResetRetries(ctx context.Context, runID uuid.UUID) error
}

// Transitioner applies a run state transition, optionally appending a
// run_error — satisfied by *postgres.RunTransitioner.
type Transitioner interface {
	Transition(ctx context.Context, runID uuid.UUID, prior, next domain.RunStatus, errMsg string) error
	AppendRunError(ctx context.Context, runID uuid.UUID, message string) error
}

// PhaseSubmitter advances a run across a test/eval success boundary —
// satisfied by *runsubmitter.Submitter.
type PhaseSubmitter interface {
	SubmitTest(ctx context.Context, run *domain.Run) error
	HandleTestSuccess(ctx context.Context, run *domain.Run, templateID uuid.UUID) error
	HandleEvalSuccess(ctx context.Context, run *domain.Run, templateID uuid.UUID) error
}

// StatusManager is the process-wide sweep worker described in spec.md §4.2.
// Sweeps are serialized: Start runs at most one tick at a time, the same way
// the teacher's reaper runs at most one tick per ticker fire.
type StatusManager struct {
	runs    RunLister
	builds  BuildLister
	tests   TestLookup
	retries RetryTracker
	trans   Transitioner
	submit  PhaseSubmitter
	engine  engine.Engine

	sweepInterval       time.Duration
	maxTransientRetries int

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a StatusManager. sweepInterval defaults to 300s and
// maxTransientRetries to 5 when given as zero (spec.md §4.2 defaults).
func New(
	runs RunLister,
	builds BuildLister,
	tests TestLookup,
	retries RetryTracker,
	trans Transitioner,
	submit PhaseSubmitter,
	eng engine.Engine,
	sweepInterval time.Duration,
	maxTransientRetries int,
) *StatusManager {
	if sweepInterval <= 0 {
		sweepInterval = 300 * time.Second
	}
	if maxTransientRetries <= 0 {
		maxTransientRetries = 5
	}
	return &StatusManager{
		runs: runs, builds: builds, tests: tests, retries: retries, trans: trans, submit: submit, engine: eng,
		sweepInterval: sweepInterval, maxTransientRetries: maxTransientRetries,
	}
}

// Start begins the background sweep goroutine.
func (m *StatusManager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(ctx)
			}
		}
	}()
}

// Stop cancels the background goroutine and waits for the in-flight sweep,
// if any, to reach its next safe point (spec.md §4.2: "a shutdown signal
// interrupts at the next safe point (between rows)").
func (m *StatusManager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.done != nil {
		<-m.done
	}
}

// Sweep runs one reconciliation pass over every non-terminal run and
// software_build. A single row's failure is recorded and does not abort the
// sweep (spec.md §4.2).
func (m *StatusManager) Sweep(ctx context.Context) {
	runs, err := m.runs.ListActiveForSweep(ctx)
	if err != nil {
		slog.Error("statusmanager: failed to list active runs", "error", err)
	} else {
		for _, run := range runs {
			if ctx.Err() != nil {
				return
			}
			m.safeRun("reconcileRun", func() { m.reconcileRun(ctx, run) })
		}
	}

	builds, err := m.builds.ListActiveBuilds(ctx)
	if err != nil {
		slog.Error("statusmanager: failed to list active builds", "error", err)
		return
	}
	for _, build := range builds {
		if ctx.Err() != nil {
			return
		}
		m.safeRun("reconcileBuild", func() { m.reconcileBuild(ctx, build) })
	}
}

// safeRun isolates one row's reconciliation — a panic here must not bring
// down the whole sweep.
func (m *StatusManager) safeRun(name string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("statusmanager: task panicked", "task", name, "panic", rec)
		}
	}()
	fn()
}

func (m *StatusManager) reconcileRun(ctx context.Context, run domain.Run) {
	switch {
	case run.Status == domain.RunStatusCreated || run.Status == domain.RunStatusBuilding:
		m.reconcileBuildPhase(ctx, run)
	case isTestPhase(run.Status):
		m.reconcilePhase(ctx, run, "test", run.TestCromwellJobID)
	case isEvalPhase(run.Status):
		m.reconcilePhase(ctx, run, "eval", run.EvalCromwellJobID)
	}
}

// reconcileBuildPhase retries SubmitTest for a run still waiting on its
// image_build: dependencies — it is a no-op once a test job id is already
// recorded, and ImageResolver reports ErrBuildNotReady for builds still in
// flight, so this is just "try again every sweep until it works or fails".
func (m *StatusManager) reconcileBuildPhase(ctx context.Context, run domain.Run) {
	err := m.submit.SubmitTest(ctx, &run)
	if err == nil {
		_ = m.retries.ResetRetries(ctx, run.ID)
		return
	}

	// created->build_failed isn't a direct edge in the state machine — a run
	// still waiting on a build is first promoted to building, same as it
	// would be had the build already been in flight when this run arrived.
	status := run.Status
	if status == domain.RunStatusCreated && (errors.Is(err, domain.ErrBuildFailed) || errors.Is(err, domain.ErrExternalTransient)) {
		if transErr := m.trans.Transition(ctx, run.ID, domain.RunStatusCreated, domain.RunStatusBuilding, ""); transErr != nil {
			slog.Error("statusmanager: failed to transition run to building", "run_id", run.ID, "error", transErr)
			return
		}
		status = domain.RunStatusBuilding
	}

	if errors.Is(err, domain.ErrBuildFailed) {
		// spec.md §4.3: "Terminal failure of any required build → run
		// transitions to build_failed", not the general carrot_failed escape.
		if transErr := m.trans.Transition(ctx, run.ID, status, domain.RunStatusBuildFailed, err.Error()); transErr != nil {
			slog.Error("statusmanager: failed to transition run to build_failed", "run_id", run.ID, "error", transErr)
		}
		return
	}
	if errors.Is(err, domain.ErrExternalTransient) {
		m.recordTransientFailure(ctx, run.ID, status, err)
		return
	}
	m.failRun(ctx, run.ID, run.Status, err)
}

// reconcilePhase polls the engine for one phase's job and applies the
// resulting transition. jobID is expected non-nil — a run in a post-submit
// phase state always has one recorded.
func (m *StatusManager) reconcilePhase(ctx context.Context, run domain.Run, phase string, jobID *string) {
	if jobID == nil {
		m.failRun(ctx, run.ID, run.Status, fmt.Errorf("%w: run in %s phase with no cromwell job id", domain.ErrCarrotInternal, phase))
		return
	}

	status, err := m.engine.Status(ctx, *jobID)
	if err != nil {
		if errors.Is(err, domain.ErrExternalTransient) {
			m.recordTransientFailure(ctx, run.ID, run.Status, err)
			return
		}
		m.failRun(ctx, run.ID, run.Status, err)
		return
	}

	if status == engine.CromwellSucceeded {
		m.handlePhaseSuccess(ctx, run, phase)
		return
	}

	candidates := engine.Candidates(phase, status)
	next := domain.FurthestAdvanced(run.Status, candidates)
	if next == run.Status {
		return
	}

	errMsg := ""
	if next.Terminal() {
		errMsg = fmt.Sprintf("%s phase ended in engine status %s", phase, status)
	}
	if err := m.trans.Transition(ctx, run.ID, run.Status, next, errMsg); err != nil {
		slog.Error("statusmanager: failed to apply run transition", "run_id", run.ID, "next", next, "error", err)
		return
	}
	_ = m.retries.ResetRetries(ctx, run.ID)
}

// handlePhaseSuccess resolves the run's test to its template and invokes the
// submitter, which performs both the domain transition and (for the test
// phase) the eval submission in one step.
func (m *StatusManager) handlePhaseSuccess(ctx context.Context, run domain.Run, phase string) {
	test, err := m.tests.GetTest(ctx, run.TestID)
	if err != nil || test == nil {
		m.failRun(ctx, run.ID, run.Status, fmt.Errorf("%w: look up test for run: %v", domain.ErrCarrotInternal, err))
		return
	}

	switch phase {
	case "test":
		err = m.submit.HandleTestSuccess(ctx, &run, test.TemplateID)
	case "eval":
		err = m.submit.HandleEvalSuccess(ctx, &run, test.TemplateID)
	}
	if err != nil {
		if errors.Is(err, domain.ErrExternalTransient) {
			m.recordTransientFailure(ctx, run.ID, run.Status, err)
			return
		}
		m.failRun(ctx, run.ID, run.Status, err)
		return
	}
	_ = m.retries.ResetRetries(ctx, run.ID)
}

// recordTransientFailure appends the error and, once the retry budget is
// exhausted, gives up and moves the run to carrot_failed (spec.md §4.2:
// "tolerate up to N consecutive sweeps ... before the run is moved to
// carrot_failed").
func (m *StatusManager) recordTransientFailure(ctx context.Context, runID uuid.UUID, prior domain.RunStatus, cause error) {
	count, err := m.retries.IncrementRetries(ctx, runID)
	if err != nil {
		slog.Error("statusmanager: failed to increment retry count", "run_id", runID, "error", err)
		return
	}
	if count < m.maxTransientRetries {
		if err := m.trans.AppendRunError(ctx, runID, cause.Error()); err != nil {
			slog.Error("statusmanager: failed to append run_error", "run_id", runID, "error", err)
		}
		return
	}
	m.failRun(ctx, runID, prior, fmt.Errorf("exhausted %d retries: %w", m.maxTransientRetries, cause))
}

// failRun moves a run to carrot_failed — the orchestrator's universal escape
// for any state it cannot otherwise proceed from.
func (m *StatusManager) failRun(ctx context.Context, runID uuid.UUID, prior domain.RunStatus, cause error) {
	if err := m.trans.Transition(ctx, runID, prior, domain.RunStatusCarrotFailed, cause.Error()); err != nil {
		slog.Error("statusmanager: failed to transition run to carrot_failed", "run_id", runID, "error", err)
	}
}

func (m *StatusManager) reconcileBuild(ctx context.Context, build domain.SoftwareBuild) {
	if build.CromwellJobID == nil {
		return
	}
	status, err := m.engine.Status(ctx, *build.CromwellJobID)
	if err != nil {
		slog.Warn("statusmanager: failed to poll build status", "build_id", build.ID, "error", err)
		return
	}

	switch status {
	case engine.CromwellSucceeded:
		outputs, err := m.engine.Outputs(ctx, *build.CromwellJobID)
		if err != nil {
			slog.Warn("statusmanager: failed to pull build outputs", "build_id", build.ID, "error", err)
			return
		}
		url, _ := outputs["build.image_url"].(string)
		if url == "" {
			slog.Error("statusmanager: build succeeded with no image_url output", "build_id", build.ID)
			failed := domain.BuildStatusFailed
			_ = m.builds.UpdateBuildStatus(ctx, build.ID, failed, nil, nil)
			return
		}
		succeeded := domain.BuildStatusSucceeded
		if err := m.builds.UpdateBuildStatus(ctx, build.ID, succeeded, nil, &url); err != nil {
			slog.Error("statusmanager: failed to record build success", "build_id", build.ID, "error", err)
		}
	case engine.CromwellFailed:
		failed := domain.BuildStatusFailed
		_ = m.builds.UpdateBuildStatus(ctx, build.ID, failed, nil, nil)
	case engine.CromwellAborted:
		aborted := domain.BuildStatusAborted
		_ = m.builds.UpdateBuildStatus(ctx, build.ID, aborted, nil, nil)
	case engine.CromwellRunning, engine.CromwellSubmitted:
		running := domain.BuildStatusRunning
		if build.Status != domain.BuildStatusRunning {
			_ = m.builds.UpdateBuildStatus(ctx, build.ID, running, nil, nil)
		}
	}
}

func isTestPhase(s domain.RunStatus) bool {
	switch s {
	case domain.RunStatusTestSubmitted, domain.RunStatusTestQueuedInCromwell, domain.RunStatusTestStarting,
		domain.RunStatusTestRunning, domain.RunStatusTestWaitingForQueueSpace, domain.RunStatusTestAborting:
		return true
	}
	return false
}

func isEvalPhase(s domain.RunStatus) bool {
	switch s {
	case domain.RunStatusEvalSubmitted, domain.RunStatusEvalQueuedInCromwell, domain.RunStatusEvalStarting,
		domain.RunStatusEvalRunning, domain.RunStatusEvalWaitingForQueueSpace, domain.RunStatusEvalAborting:
		return true
	}
	return false
}
