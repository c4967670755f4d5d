package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/gate"
	"stageline/internal/llm"
	"stageline/internal/registry"
	"stageline/internal/repo"
)

// Engine owns the execution lifecycle: it validates and enqueues requests,
// runs the worker pool, writes artifacts and advances project stages.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Bus      *events.Bus
	Registry *registry.Registry
	Client   llm.Client
	Config   *config.Config
	Log      *slog.Logger
	Now      func() time.Time

	wake chan struct{}
	wg   sync.WaitGroup
}

func New(db *sql.DB, reg *registry.Registry, client llm.Client, cfg *config.Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Bus:      events.NewBus(),
		Registry: reg,
		Client:   client,
		Config:   cfg,
		Log:      log,
		Now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// PreconditionError carries the specific unmet gate or dependency reasons for
// a rejected submission or stage advance.
type PreconditionError struct {
	Reasons []string
}

func (e *PreconditionError) Error() string {
	return "preconditions not met: " + strings.Join(e.Reasons, "; ")
}

// ErrArtifactArchived is returned when locking an archived artifact version.
var ErrArtifactArchived = errors.New("artifact is archived")

// ErrAlreadyTerminal is returned when cancelling a finished execution.
var ErrAlreadyTerminal = errors.New("execution already terminal")

func ensureExecutionTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.ExecQueued:
		if newStatus == domain.ExecRunning || newStatus == domain.ExecCancelled {
			return nil
		}
	case domain.ExecRunning:
		// Cancellation from running happens only on a retry boundary, never
		// while a model call is in flight.
		if newStatus == domain.ExecCompleted || newStatus == domain.ExecFailed || newStatus == domain.ExecCancelled {
			return nil
		}
	}
	return fmt.Errorf("invalid execution status transition %s -> %s", oldStatus, newStatus)
}

// SubmitOptions are parameters for submitting an execution.
type SubmitOptions struct {
	ProjectID       string
	AgentID         int
	Message         string
	ContextOverride []string
	Override        bool
}

// Submit validates the request synchronously, then durably enqueues it. The
// execution row and its queued event commit in one transaction before Submit
// returns, so accepted work can never be silently dropped.
func (e *Engine) Submit(ctx context.Context, opts SubmitOptions) (domain.Execution, error) {
	if opts.Message == "" {
		return domain.Execution{}, errors.New("message is required")
	}
	agent, err := e.Registry.LoadAgent(opts.AgentID)
	if err != nil {
		return domain.Execution{}, err
	}
	project, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.Execution{}, err
	}
	if !opts.Override {
		if reasons := e.preconditionReasons(ctx, agent, project); len(reasons) > 0 {
			return domain.Execution{}, &PreconditionError{Reasons: reasons}
		}
	}

	exec := domain.Execution{
		ID:              uuid.New().String(),
		ProjectID:       opts.ProjectID,
		AgentID:         opts.AgentID,
		Status:          domain.ExecQueued,
		Message:         opts.Message,
		ContextOverride: opts.ContextOverride,
		Override:        opts.Override,
		CreatedAt:       e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Execution{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertExecutionTx(ctx, tx, exec); err != nil {
		return domain.Execution{}, fmt.Errorf("insert execution: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.ExecutionQueued, exec.ProjectID, exec.ID, events.EventPayload{
		"agent_id": exec.AgentID,
		"override": exec.Override,
	}); err != nil {
		return domain.Execution{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Execution{}, err
	}
	e.publish(events.ExecutionQueued, exec.ProjectID, exec.ID, map[string]any{"agent_id": exec.AgentID})
	e.kick()
	return exec, nil
}

// preconditionReasons collects every unmet run precondition for the agent:
// the project stage must have reached the agent's stage, and each declared
// upstream dependency must have a review-or-later artifact.
func (e *Engine) preconditionReasons(ctx context.Context, agent domain.AgentDescriptor, project domain.Project) []string {
	var reasons []string
	if ok, reason := gate.AgentRunnable(agent, project.Stage); !ok {
		reasons = append(reasons, reason)
	}
	for _, depID := range agent.DependsOn {
		dep, err := e.Registry.LoadAgent(depID)
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("agent %d artifact required", depID))
			continue
		}
		art, err := e.Repo.CurrentArtifact(ctx, project.ID, dep.ArtifactType)
		if err != nil || art.Status == domain.ArtifactDraft {
			reasons = append(reasons, fmt.Sprintf("agent %d artifact required", depID))
		}
	}
	return reasons
}

// GetExecution returns the execution record.
func (e *Engine) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	return e.Repo.GetExecution(ctx, id)
}

// Cancel cancels a queued execution immediately. For a running execution the
// cancel is recorded and honored before the next retry attempt; the in-flight
// model call is left to finish or fail on its own.
func (e *Engine) Cancel(ctx context.Context, id string) (domain.Execution, error) {
	exec, err := e.Repo.GetExecution(ctx, id)
	if err != nil {
		return exec, err
	}
	if exec.Terminal() {
		return exec, ErrAlreadyTerminal
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return exec, err
	}
	defer tx.Rollback()

	if exec.Status == domain.ExecQueued {
		cancelled, err := e.Repo.CancelQueuedExecutionTx(ctx, tx, id, e.now().UTC().Format(time.RFC3339))
		if err != nil {
			return exec, err
		}
		if cancelled {
			if err := e.Events.Append(ctx, tx, events.ExecutionCancelled, exec.ProjectID, id, nil); err != nil {
				return exec, err
			}
			if err := tx.Commit(); err != nil {
				return exec, err
			}
			e.publish(events.ExecutionCancelled, exec.ProjectID, id, nil)
			return e.Repo.GetExecution(ctx, id)
		}
		// A worker claimed it between the read and the update; fall through
		// to the running path.
	}
	flagged, err := e.Repo.RequestCancelTx(ctx, tx, id)
	if err != nil {
		return exec, err
	}
	if !flagged {
		// Completed or failed between the status read and the update.
		cur, err := e.Repo.GetExecution(ctx, id)
		if err != nil {
			return exec, err
		}
		return cur, ErrAlreadyTerminal
	}
	if err := e.Events.Append(ctx, tx, "execution.cancel_requested", exec.ProjectID, id, nil); err != nil {
		return exec, err
	}
	if err := tx.Commit(); err != nil {
		return exec, err
	}
	return e.Repo.GetExecution(ctx, id)
}

// ReviewArtifact moves a draft artifact to review.
func (e *Engine) ReviewArtifact(ctx context.Context, artifactID string) (domain.Artifact, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Artifact{}, err
	}
	defer tx.Rollback()
	art, err := e.Repo.GetArtifactTx(ctx, tx, artifactID)
	if err != nil {
		return art, err
	}
	switch art.Status {
	case domain.ArtifactReview:
		return art, nil
	case domain.ArtifactDraft:
	default:
		return art, fmt.Errorf("cannot move %s artifact to review", art.Status)
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.SetArtifactStatusTx(ctx, tx, artifactID, domain.ArtifactReview, now); err != nil {
		return art, err
	}
	if err := tx.Commit(); err != nil {
		return art, err
	}
	art.Status = domain.ArtifactReview
	art.UpdatedAt = now
	return art, nil
}

// LockArtifact marks the artifact as the authoritative version for its
// (project, type) pair, archiving any previously locked version in the same
// transaction. Locking an already-locked artifact is a no-op.
func (e *Engine) LockArtifact(ctx context.Context, artifactID string) (domain.Artifact, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Artifact{}, err
	}
	defer tx.Rollback()
	art, err := e.Repo.GetArtifactTx(ctx, tx, artifactID)
	if err != nil {
		return art, err
	}
	switch art.Status {
	case domain.ArtifactLocked:
		return art, nil
	case domain.ArtifactArchived:
		return art, ErrArtifactArchived
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.ArchiveLockedTx(ctx, tx, art.ProjectID, art.Type, art.ID, now); err != nil {
		return art, err
	}
	if err := e.Repo.SetArtifactStatusTx(ctx, tx, art.ID, domain.ArtifactLocked, now); err != nil {
		return art, err
	}
	if err := e.Events.Append(ctx, tx, events.ArtifactLocked, art.ProjectID, art.ID, events.EventPayload{
		"type":    art.Type,
		"version": art.Version,
	}); err != nil {
		return art, err
	}
	if err := tx.Commit(); err != nil {
		return art, err
	}
	e.publish(events.ArtifactLocked, art.ProjectID, art.ID, map[string]any{"type": art.Type, "version": art.Version})
	art.Status = domain.ArtifactLocked
	art.UpdatedAt = now
	return art, nil
}

// GateStatus describes whether the project may advance to the next stage.
type GateStatus struct {
	From    string   `json:"from"`
	To      string   `json:"to,omitempty"`
	Allowed bool     `json:"allowed"`
	Reasons []string `json:"reasons,omitempty"`
}

// Gate evaluates the project's next stage transition without side effects.
func (e *Engine) Gate(ctx context.Context, projectID string) (GateStatus, error) {
	project, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return GateStatus{}, err
	}
	idx := domain.StageIndex(project.Stage)
	if idx < 0 || idx == len(domain.Stages)-1 {
		return GateStatus{From: project.Stage, Allowed: false, Reasons: []string{"no further stage"}}, nil
	}
	to := domain.Stages[idx+1]
	locked, err := e.Repo.LockedTypes(ctx, projectID)
	if err != nil {
		return GateStatus{}, err
	}
	ok, reasons := gate.CanAdvance(e.Registry.List(), locked, project.Stage, to)
	return GateStatus{From: project.Stage, To: to, Allowed: ok, Reasons: reasons}, nil
}

// AdvanceStage moves the project to the next pipeline stage when the gate
// allows it. force is the administrative override and skips the gate check.
func (e *Engine) AdvanceStage(ctx context.Context, projectID string, force bool) (domain.Project, error) {
	project, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return project, err
	}
	idx := domain.StageIndex(project.Stage)
	if idx < 0 || idx == len(domain.Stages)-1 {
		return project, &PreconditionError{Reasons: []string{"no further stage"}}
	}
	to := domain.Stages[idx+1]
	if !force {
		locked, err := e.Repo.LockedTypes(ctx, projectID)
		if err != nil {
			return project, err
		}
		if ok, reasons := gate.CanAdvance(e.Registry.List(), locked, project.Stage, to); !ok {
			return project, &PreconditionError{Reasons: reasons}
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return project, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProjectStageTx(ctx, tx, projectID, to); err != nil {
		return project, err
	}
	if err := e.Events.Append(ctx, tx, events.StageAdvanced, projectID, projectID, events.EventPayload{
		"from":   project.Stage,
		"to":     to,
		"forced": force,
	}); err != nil {
		return project, err
	}
	if err := tx.Commit(); err != nil {
		return project, err
	}
	e.publish(events.StageAdvanced, projectID, projectID, map[string]any{"from": project.Stage, "to": to})
	project.Stage = to
	return project, nil
}

// CreateProject inserts a project at the first pipeline stage.
func (e *Engine) CreateProject(ctx context.Context, id, name, description string) (domain.Project, error) {
	if name == "" {
		return domain.Project{}, errors.New("name is required")
	}
	if id == "" {
		id = uuid.New().String()
	}
	p := domain.Project{
		ID:          id,
		Name:        name,
		Stage:       domain.StageDiscover,
		Description: description,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return p, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "project.created", p.ID, p.ID, events.EventPayload{"name": p.Name}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return p, nil
}

func (e *Engine) publish(evtType, projectID, entityID string, payload map[string]any) {
	if e.Bus == nil {
		return
	}
	e.Bus.Publish(events.Notification{
		TS:        e.now().UTC().Format(time.RFC3339),
		Type:      evtType,
		ProjectID: projectID,
		EntityID:  entityID,
		Payload:   payload,
	})
}

// kick nudges an idle worker without blocking.
func (e *Engine) kick() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}
