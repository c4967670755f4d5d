package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"stageline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func marshalStringSlice(in []string) (*string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

// --- projects ---

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,stage,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Name, p.Stage, nullable(p.Description), p.CreatedAt)
	return err
}

func scanProject(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	var desc sql.NullString
	err := row.Scan(&p.ID, &p.Name, &p.Stage, &desc, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT id,name,stage,description,created_at FROM projects WHERE id=?`, id))
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,stage,COALESCE(description,''),created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Stage, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateProjectStageTx(ctx context.Context, tx *sql.Tx, id, stage string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET stage=? WHERE id=?`, stage, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- executions ---

func (r Repo) InsertExecutionTx(ctx context.Context, tx *sql.Tx, e domain.Execution) error {
	ctxJSON, err := marshalStringSlice(e.ContextOverride)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO executions(id,project_id,agent_id,status,message,context_override,override,created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.ProjectID, e.AgentID, e.Status, e.Message, nullableStringPtr(ctxJSON), e.Override, e.CreatedAt)
	return err
}

const executionCols = `id,project_id,agent_id,status,message,context_override,override,cancel_requested,output,tokens_in,tokens_out,cost_usd,failure_cause,error_detail,attempts,created_at,started_at,completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (domain.Execution, error) {
	var e domain.Execution
	var ctxOverride, output, failureCause, errorDetail, startedAt, completedAt sql.NullString
	var tokensIn, tokensOut sql.NullInt64
	var costUSD sql.NullFloat64
	err := row.Scan(&e.ID, &e.ProjectID, &e.AgentID, &e.Status, &e.Message, &ctxOverride, &e.Override,
		&e.CancelRequested, &output, &tokensIn, &tokensOut, &costUSD, &failureCause, &errorDetail,
		&e.Attempts, &e.CreatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if ctxOverride.Valid {
		_ = json.Unmarshal([]byte(ctxOverride.String), &e.ContextOverride)
	}
	if output.Valid {
		e.Output = &output.String
	}
	if tokensIn.Valid {
		v := int(tokensIn.Int64)
		e.TokensIn = &v
	}
	if tokensOut.Valid {
		v := int(tokensOut.Int64)
		e.TokensOut = &v
	}
	if costUSD.Valid {
		e.CostUSD = &costUSD.Float64
	}
	if failureCause.Valid {
		e.FailureCause = &failureCause.String
	}
	if errorDetail.Valid {
		e.ErrorDetail = &errorDetail.String
	}
	if startedAt.Valid {
		e.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.String
	}
	return e, nil
}

func (r Repo) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	return scanExecution(r.DB.QueryRowContext(ctx, `SELECT `+executionCols+` FROM executions WHERE id=?`, id))
}

type ExecutionFilters struct {
	ProjectID       string
	Status          string
	AgentID         int
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListExecutions(ctx context.Context, f ExecutionFilters) ([]domain.Execution, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AgentID != 0 {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + executionCols + ` FROM executions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ClaimNextExecution atomically flips the oldest queued execution to running.
// Returns ErrNotFound when the queue is empty. The status check in the UPDATE
// makes the claim a compare-and-swap, so two workers can never own one row.
func (r Repo) ClaimNextExecution(ctx context.Context, startedAt string) (domain.Execution, error) {
	for {
		var id string
		err := r.DB.QueryRowContext(ctx,
			`SELECT id FROM executions WHERE status=? ORDER BY created_at, id LIMIT 1`, domain.ExecQueued).Scan(&id)
		if err == sql.ErrNoRows {
			return domain.Execution{}, ErrNotFound
		}
		if err != nil {
			return domain.Execution{}, err
		}
		res, err := r.DB.ExecContext(ctx,
			`UPDATE executions SET status=?, started_at=? WHERE id=? AND status=?`,
			domain.ExecRunning, startedAt, id, domain.ExecQueued)
		if err != nil {
			return domain.Execution{}, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return r.GetExecution(ctx, id)
		}
		// Lost the race for this row; try the next candidate.
	}
}

// CancelQueuedExecution cancels iff the execution is still queued.
// Returns false when a worker already claimed it.
func (r Repo) CancelQueuedExecutionTx(ctx context.Context, tx *sql.Tx, id, completedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE executions SET status=?, completed_at=? WHERE id=? AND status=?`,
		domain.ExecCancelled, completedAt, id, domain.ExecQueued)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RequestCancelTx flags a running execution for cancellation at the next
// retry boundary. The status check keeps the flag off rows that already
// reached a terminal state; returns false in that case.
func (r Repo) RequestCancelTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE executions SET cancel_requested=1 WHERE id=? AND status=?`, id, domain.ExecRunning)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RequeueExecutionTx returns an execution interrupted by a process crash to
// the queue. The status check makes it a compare-and-swap against workers.
func (r Repo) RequeueExecutionTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE executions SET status=?, started_at=NULL WHERE id=? AND status=?`,
		domain.ExecQueued, id, domain.ExecRunning)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r Repo) IncrementAttempts(ctx context.Context, id string) (int, error) {
	if _, err := r.DB.ExecContext(ctx, `UPDATE executions SET attempts=attempts+1 WHERE id=?`, id); err != nil {
		return 0, err
	}
	var attempts int
	err := r.DB.QueryRowContext(ctx, `SELECT attempts FROM executions WHERE id=?`, id).Scan(&attempts)
	return attempts, err
}

func (r Repo) CancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := r.DB.QueryRowContext(ctx, `SELECT cancel_requested FROM executions WHERE id=?`, id).Scan(&requested)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	return requested, err
}

// CompleteExecutionTx records a successful terminal write.
func (r Repo) CompleteExecutionTx(ctx context.Context, tx *sql.Tx, id, output string, tokensIn, tokensOut int, costUSD float64, completedAt string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE executions SET status=?, output=?, tokens_in=?, tokens_out=?, cost_usd=?, completed_at=? WHERE id=?`,
		domain.ExecCompleted, output, tokensIn, tokensOut, costUSD, completedAt, id)
	return err
}

// FailExecutionTx records a failed terminal write. Output may carry model text
// recovered from a persistence failure; empty output stores NULL.
func (r Repo) FailExecutionTx(ctx context.Context, tx *sql.Tx, id, cause, detail, output, completedAt string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE executions SET status=?, failure_cause=?, error_detail=?, output=?, completed_at=? WHERE id=?`,
		domain.ExecFailed, cause, detail, nullable(output), completedAt, id)
	return err
}

func (r Repo) CancelRunningExecutionTx(ctx context.Context, tx *sql.Tx, id, completedAt string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE executions SET status=?, completed_at=? WHERE id=?`,
		domain.ExecCancelled, completedAt, id)
	return err
}

// --- artifacts ---

const artifactCols = `id,project_id,agent_id,type,version,status,content,produced_by,under_override,created_at,updated_at`

func scanArtifact(row rowScanner) (domain.Artifact, error) {
	var a domain.Artifact
	err := row.Scan(&a.ID, &a.ProjectID, &a.AgentID, &a.Type, &a.Version, &a.Status, &a.Content,
		&a.ProducedBy, &a.UnderOverride, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// InsertArtifactTx assigns the next version for (project, type) and inserts.
// Versioning lives in the same transaction as the insert so concurrent puts
// get successive versions instead of colliding.
func (r Repo) InsertArtifactTx(ctx context.Context, tx *sql.Tx, a domain.Artifact) (domain.Artifact, error) {
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version),0)+1 FROM artifacts WHERE project_id=? AND type=?`,
		a.ProjectID, a.Type).Scan(&a.Version)
	if err != nil {
		return a, err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO artifacts(`+artifactCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.ProjectID, a.AgentID, a.Type, a.Version, a.Status, a.Content, a.ProducedBy,
		a.UnderOverride, a.CreatedAt, a.UpdatedAt)
	return a, err
}

func (r Repo) GetArtifact(ctx context.Context, id string) (domain.Artifact, error) {
	return scanArtifact(r.DB.QueryRowContext(ctx, `SELECT `+artifactCols+` FROM artifacts WHERE id=?`, id))
}

func (r Repo) GetArtifactTx(ctx context.Context, tx *sql.Tx, id string) (domain.Artifact, error) {
	return scanArtifact(tx.QueryRowContext(ctx, `SELECT `+artifactCols+` FROM artifacts WHERE id=?`, id))
}

func (r Repo) GetArtifactVersion(ctx context.Context, projectID, artifactType string, version int) (domain.Artifact, error) {
	return scanArtifact(r.DB.QueryRowContext(ctx,
		`SELECT `+artifactCols+` FROM artifacts WHERE project_id=? AND type=? AND version=?`,
		projectID, artifactType, version))
}

// CurrentArtifact returns the highest-versioned non-archived artifact for
// (project, type), preferring locked over review over draft on equal versions.
func (r Repo) CurrentArtifact(ctx context.Context, projectID, artifactType string) (domain.Artifact, error) {
	return scanArtifact(r.DB.QueryRowContext(ctx,
		`SELECT `+artifactCols+` FROM artifacts
WHERE project_id=? AND type=? AND status != ?
ORDER BY version DESC,
  CASE status WHEN ? THEN 0 WHEN ? THEN 1 ELSE 2 END
LIMIT 1`,
		projectID, artifactType, domain.ArtifactArchived,
		domain.ArtifactLocked, domain.ArtifactReview))
}

func (r Repo) ListArtifacts(ctx context.Context, projectID, artifactType string) ([]domain.Artifact, error) {
	clauses := []string{"project_id=?"}
	args := []any{projectID}
	if artifactType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, artifactType)
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+artifactCols+` FROM artifacts WHERE `+strings.Join(clauses, " AND ")+` ORDER BY type, version DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) SetArtifactStatusTx(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE artifacts SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ArchiveLockedTx archives whatever artifact of (project, type) is currently
// locked, excluding the given id. At most one row can match.
func (r Repo) ArchiveLockedTx(ctx context.Context, tx *sql.Tx, projectID, artifactType, excludeID, updatedAt string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE artifacts SET status=?, updated_at=? WHERE project_id=? AND type=? AND status=? AND id != ?`,
		domain.ArtifactArchived, updatedAt, projectID, artifactType, domain.ArtifactLocked, excludeID)
	return err
}

// LockedTypes returns the artifact types with a locked version for the project.
func (r Repo) LockedTypes(ctx context.Context, projectID string) (map[string]bool, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT DISTINCT type FROM artifacts WHERE project_id=? AND status=?`, projectID, domain.ArtifactLocked)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	locked := map[string]bool{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		locked[t] = true
	}
	return locked, rows.Err()
}

// CountArtifactsByExecution returns how many artifacts an execution produced.
func (r Repo) CountArtifactsByExecution(ctx context.Context, executionID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM artifacts WHERE produced_by=?`, executionID).Scan(&n)
	return n, err
}

// --- events ---

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, beforeID int64, projectID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if beforeID > 0 {
		clauses = append(clauses, "id < ?")
		args = append(args, beforeID)
	}
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	query := `SELECT id,ts,type,COALESCE(project_id,''),COALESCE(entity_id,''),payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
