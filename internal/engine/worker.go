package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/llm"
	"stageline/internal/repo"
	"stageline/internal/sections"
)

const idlePoll = 500 * time.Millisecond

// Start recovers executions interrupted by a previous process, then launches
// n workers that drain the queue until ctx is cancelled.
func (e *Engine) Start(ctx context.Context, n int) {
	if err := e.recoverInFlight(ctx); err != nil {
		e.Log.Error("recover in-flight executions", "error", err)
	}
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		e.wg.Add(1)
		go func(worker int) {
			defer e.wg.Done()
			e.workerLoop(ctx, worker)
		}(i)
	}
}

// Wait blocks until all workers have exited.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// recoverInFlight sweeps rows left running by a crashed process. Only one
// process owns the workspace database, so at startup every running row is an
// orphan: ones with a pending cancel request resolve to cancelled, the rest
// go back to the queue and run again.
func (e *Engine) recoverInFlight(ctx context.Context) error {
	orphans, err := e.Repo.ListExecutions(ctx, repo.ExecutionFilters{Status: domain.ExecRunning})
	if err != nil {
		return err
	}
	requeued := 0
	for _, exec := range orphans {
		if exec.CancelRequested {
			e.recordCancelled(ctx, exec)
			continue
		}
		if err := e.requeue(ctx, exec); err != nil {
			e.Log.Error("requeue execution", "execution", exec.ID, "error", err)
			continue
		}
		requeued++
	}
	if requeued > 0 {
		e.Log.Info("requeued interrupted executions", "count", requeued)
	}
	return nil
}

func (e *Engine) requeue(ctx context.Context, exec domain.Execution) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	moved, err := e.Repo.RequeueExecutionTx(ctx, tx, exec.ID)
	if err != nil {
		return err
	}
	if !moved {
		return nil
	}
	if err := e.Events.Append(ctx, tx, events.ExecutionRequeued, exec.ProjectID, exec.ID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (e *Engine) workerLoop(ctx context.Context, worker int) {
	ticker := time.NewTicker(idlePoll)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		exec, err := e.Repo.ClaimNextExecution(ctx, e.now().UTC().Format(time.RFC3339))
		if err == repo.ErrNotFound {
			select {
			case <-ctx.Done():
				return
			case <-e.wake:
			case <-ticker.C:
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.Log.Error("claim execution", "worker", worker, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}
		e.runExecution(ctx, exec)
	}
}

// retryPolicy derives the engine's retry policy from config.
func (e *Engine) retryPolicy() llm.RetryPolicy {
	p := llm.DefaultRetryPolicy
	if e.Config != nil {
		if e.Config.Engine.MaxAttempts > 0 {
			p.MaxAttempts = e.Config.Engine.MaxAttempts
		}
		if e.Config.Engine.InitialBackoff > 0 {
			p.InitialDelay = e.Config.Engine.InitialBackoff
		}
		if e.Config.Engine.MaxBackoff > 0 {
			p.MaxDelay = e.Config.Engine.MaxBackoff
		}
	}
	return p
}

func (e *Engine) callTimeout() time.Duration {
	if e.Config != nil && e.Config.Engine.CallTimeout > 0 {
		return e.Config.Engine.CallTimeout
	}
	return 120 * time.Second
}

func (e *Engine) contextCap() int {
	if e.Config != nil && e.Config.Engine.ContextCapBytes > 0 {
		return e.Config.Engine.ContextCapBytes
	}
	return 96 * 1024
}

func (e *Engine) maxTokens() int {
	if e.Config != nil {
		return e.Config.LLM.MaxTokens
	}
	return 0
}

// runExecution drives a claimed execution to a terminal state. Every path out
// of here writes exactly one terminal status.
func (e *Engine) runExecution(ctx context.Context, exec domain.Execution) {
	e.recordStarted(ctx, exec)

	agent, err := e.Registry.LoadAgent(exec.AgentID)
	if err != nil {
		e.fail(ctx, exec, domain.CauseConflict, fmt.Sprintf("agent %d no longer in catalog", exec.AgentID), "")
		return
	}

	// Dependencies are re-checked at claim time: an upstream artifact may have
	// been archived between submit and claim.
	if !exec.Override {
		project, err := e.Repo.GetProject(ctx, exec.ProjectID)
		if err != nil {
			e.fail(ctx, exec, domain.CausePersistence, "load project: "+err.Error(), "")
			return
		}
		if reasons := e.preconditionReasons(ctx, agent, project); len(reasons) > 0 {
			e.fail(ctx, exec, domain.CauseConflict, strings.Join(reasons, "; "), "")
			return
		}
	}

	modelCtx, err := e.assembleContext(ctx, exec, agent)
	if err != nil {
		e.fail(ctx, exec, domain.CausePersistence, "assemble context: "+err.Error(), "")
		return
	}

	result, cancelled, lerr := e.callWithRetry(ctx, exec, llm.Request{
		SystemPrompt: agent.SystemPrompt,
		UserMessage:  exec.Message,
		Context:      modelCtx,
		MaxTokens:    e.maxTokens(),
	})
	if cancelled {
		e.recordCancelled(ctx, exec)
		return
	}
	if lerr != nil {
		cause := domain.CauseModel
		if llm.IsKind(lerr, llm.KindRateLimited) {
			cause = domain.CauseRateLimited
		}
		e.fail(ctx, exec, cause, lerr.Error(), "")
		return
	}

	if missing := sections.Validate(result.Text, agent.RequiredSections); len(missing) > 0 {
		// Content failures keep the raw output around for inspection; a retry
		// would burn tokens on the same prompt.
		e.fail(ctx, exec, domain.CauseContent,
			"missing required sections: "+strings.Join(missing, ", "), result.Text)
		return
	}

	e.persistResult(ctx, exec, agent, result)
}

// callWithRetry runs the model call under the retry policy. Cancel requests
// are honored on retry boundaries only.
func (e *Engine) callWithRetry(ctx context.Context, exec domain.Execution, req llm.Request) (llm.Result, bool, error) {
	policy := e.retryPolicy()
	streamer, canStream := e.Client.(llm.Streamer)
	var lastErr error
	for {
		attempt, err := e.Repo.IncrementAttempts(ctx, exec.ID)
		if err != nil {
			return llm.Result{}, false, &llm.Error{Kind: llm.KindUpstream, Message: "record attempt", Err: err}
		}
		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout())
		var result llm.Result
		if canStream {
			result, err = streamer.Stream(callCtx, req, func(delta string) {
				e.publish(events.ExecutionProgress, exec.ProjectID, exec.ID, map[string]any{"delta": delta})
			})
		} else {
			result, err = e.Client.Complete(callCtx, req)
		}
		cancel()
		if err == nil {
			return result, false, nil
		}
		lastErr = llm.Classify(err)
		kind := llm.KindOf(lastErr)
		if kind == llm.KindInvalid || attempt >= policy.MaxAttempts {
			return llm.Result{}, false, lastErr
		}
		e.Log.Warn("model call failed, retrying",
			"execution", exec.ID, "attempt", attempt, "kind", kind.String(), "error", err)
		select {
		case <-ctx.Done():
			return llm.Result{}, false, lastErr
		case <-time.After(policy.Backoff(attempt, kind)):
		}
		if requested, err := e.Repo.CancelRequested(ctx, exec.ID); err == nil && requested {
			return llm.Result{}, true, nil
		}
	}
}

// assembleContext builds the upstream-artifact context for the model call.
// Explicit overrides replace the assembled dependency context wholesale.
// Under the byte cap, content from the most recently declared dependencies is
// kept in full and earlier dependencies are truncated first, since the output
// of the immediately prior stage matters most.
func (e *Engine) assembleContext(ctx context.Context, exec domain.Execution, agent domain.AgentDescriptor) (string, error) {
	limit := e.contextCap()
	if len(exec.ContextOverride) > 0 {
		joined := strings.Join(exec.ContextOverride, "\n\n---\n\n")
		if len(joined) > limit {
			joined = joined[len(joined)-limit:]
		}
		return joined, nil
	}
	type block struct {
		header  string
		content string
	}
	var blocks []block
	for _, depID := range agent.DependsOn {
		dep, err := e.Registry.LoadAgent(depID)
		if err != nil {
			continue
		}
		art, err := e.Repo.CurrentArtifact(ctx, exec.ProjectID, dep.ArtifactType)
		if err == repo.ErrNotFound {
			if exec.Override {
				continue
			}
			return "", fmt.Errorf("missing artifact %s", dep.ArtifactType)
		}
		if err != nil {
			return "", err
		}
		blocks = append(blocks, block{
			header:  fmt.Sprintf("<!-- %s v%d -->\n", art.Type, art.Version),
			content: art.Content,
		})
	}
	if len(blocks) == 0 {
		return "", nil
	}
	// Hand out the budget from the newest dependency backwards.
	budget := limit
	kept := make([]string, len(blocks))
	for i := len(blocks) - 1; i >= 0; i-- {
		b := blocks[i]
		need := len(b.header) + len(b.content)
		if need <= budget {
			kept[i] = b.header + b.content
			budget -= need
			continue
		}
		remain := budget - len(b.header)
		if remain > 0 {
			kept[i] = b.header + b.content[len(b.content)-remain:]
		}
		budget = 0
	}
	var parts []string
	for _, k := range kept {
		if k != "" {
			parts = append(parts, k)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// persistResult writes the artifact and the completed status in one
// transaction. A write failure after model success fails the execution with
// the persistence cause but keeps the model output on the execution row.
func (e *Engine) persistResult(ctx context.Context, exec domain.Execution, agent domain.AgentDescriptor, result llm.Result) {
	now := e.now().UTC().Format(time.RFC3339)
	art := domain.Artifact{
		ID:            uuid.New().String(),
		ProjectID:     exec.ProjectID,
		AgentID:       agent.ID,
		Type:          agent.ArtifactType,
		Status:        domain.ArtifactDraft,
		Content:       result.Text,
		ProducedBy:    exec.ID,
		UnderOverride: exec.Override,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		art, err = e.Repo.InsertArtifactTx(ctx, tx, art)
		if err != nil {
			return err
		}
		if err := e.Repo.CompleteExecutionTx(ctx, tx, exec.ID, result.Text,
			result.TokensIn, result.TokensOut, result.CostUSD, now); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, events.ExecutionCompleted, exec.ProjectID, exec.ID, events.EventPayload{
			"artifact_id":      art.ID,
			"artifact_type":    art.Type,
			"artifact_version": art.Version,
			"tokens_in":        result.TokensIn,
			"tokens_out":       result.TokensOut,
		}); err != nil {
			return err
		}
		return tx.Commit()
	}()
	if err != nil {
		e.fail(ctx, exec, domain.CausePersistence, "persist artifact: "+err.Error(), result.Text)
		return
	}
	e.publish(events.ExecutionCompleted, exec.ProjectID, exec.ID, map[string]any{
		"artifact_id":      art.ID,
		"artifact_type":    art.Type,
		"artifact_version": art.Version,
	})
}

func (e *Engine) recordStarted(ctx context.Context, exec domain.Execution) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		e.Log.Error("record started", "execution", exec.ID, "error", err)
		return
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, events.ExecutionStarted, exec.ProjectID, exec.ID, events.EventPayload{
		"agent_id": exec.AgentID,
	}); err == nil {
		_ = tx.Commit()
	}
	e.publish(events.ExecutionStarted, exec.ProjectID, exec.ID, map[string]any{"agent_id": exec.AgentID})
}

func (e *Engine) recordCancelled(ctx context.Context, exec domain.Execution) {
	if err := ensureExecutionTransition(domain.ExecRunning, domain.ExecCancelled); err != nil {
		e.Log.Error("cancel execution", "execution", exec.ID, "error", err)
		return
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		e.Log.Error("cancel execution", "execution", exec.ID, "error", err)
		return
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.CancelRunningExecutionTx(ctx, tx, exec.ID, now); err != nil {
		e.Log.Error("cancel execution", "execution", exec.ID, "error", err)
		return
	}
	if err := e.Events.Append(ctx, tx, events.ExecutionCancelled, exec.ProjectID, exec.ID, nil); err != nil {
		e.Log.Error("cancel execution", "execution", exec.ID, "error", err)
		return
	}
	if err := tx.Commit(); err != nil {
		e.Log.Error("cancel execution", "execution", exec.ID, "error", err)
		return
	}
	e.publish(events.ExecutionCancelled, exec.ProjectID, exec.ID, nil)
}

func (e *Engine) fail(ctx context.Context, exec domain.Execution, cause, detail, output string) {
	if err := ensureExecutionTransition(domain.ExecRunning, domain.ExecFailed); err != nil {
		e.Log.Error("fail execution", "execution", exec.ID, "error", err)
		return
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		e.Log.Error("fail execution", "execution", exec.ID, "error", err)
		return
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.FailExecutionTx(ctx, tx, exec.ID, cause, detail, output, now); err != nil {
		e.Log.Error("fail execution", "execution", exec.ID, "error", err)
		return
	}
	if err := e.Events.Append(ctx, tx, events.ExecutionFailed, exec.ProjectID, exec.ID, events.EventPayload{
		"cause":  cause,
		"detail": detail,
	}); err != nil {
		e.Log.Error("fail execution", "execution", exec.ID, "error", err)
		return
	}
	if err := tx.Commit(); err != nil {
		e.Log.Error("fail execution", "execution", exec.ID, "error", err)
		return
	}
	e.publish(events.ExecutionFailed, exec.ProjectID, exec.ID, map[string]any{"cause": cause})
}
