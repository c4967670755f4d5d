package repo_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"

	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/migrate"
	"stageline/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	inTx(t, r, func(tx *sql.Tx) error {
		return r.InsertProjectTx(ctx, tx, domain.Project{
			ID: "proj-1", Name: "test", Stage: domain.StageDiscover, CreatedAt: ts(0),
		})
	})
	return r, ctx
}

func inTx(t *testing.T, r repo.Repo, fn func(*sql.Tx) error) {
	t.Helper()
	tx, err := r.DB.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func ts(offset int) string {
	return time.Date(2024, 1, 1, 0, 0, offset, 0, time.UTC).Format(time.RFC3339)
}

func insertExecution(t *testing.T, r repo.Repo, id string, createdAt string) {
	t.Helper()
	inTx(t, r, func(tx *sql.Tx) error {
		return r.InsertExecutionTx(context.Background(), tx, domain.Execution{
			ID: id, ProjectID: "proj-1", AgentID: 1, Status: domain.ExecQueued,
			Message: "m", CreatedAt: createdAt,
		})
	})
}

func TestClaimNextExecutionOrder(t *testing.T) {
	r, ctx := newTestRepo(t)
	insertExecution(t, r, "e2", ts(2))
	insertExecution(t, r, "e1", ts(1))

	claimed, err := r.ClaimNextExecution(ctx, ts(3))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.ID != "e1" {
		t.Fatalf("expected oldest first, got %s", claimed.ID)
	}
	if claimed.Status != domain.ExecRunning || claimed.StartedAt == nil {
		t.Fatalf("claim did not mark running: %+v", claimed)
	}

	claimed, err = r.ClaimNextExecution(ctx, ts(4))
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed.ID != "e2" {
		t.Fatalf("expected e2, got %s", claimed.ID)
	}

	if _, err := r.ClaimNextExecution(ctx, ts(5)); err != repo.ErrNotFound {
		t.Fatalf("expected empty queue, got %v", err)
	}
}

func TestCancelQueuedIsCompareAndSwap(t *testing.T) {
	r, ctx := newTestRepo(t)
	insertExecution(t, r, "e1", ts(1))

	if _, err := r.ClaimNextExecution(ctx, ts(2)); err != nil {
		t.Fatal(err)
	}
	// Already running: the queued-only cancel must not fire.
	var cancelled bool
	inTx(t, r, func(tx *sql.Tx) error {
		var err error
		cancelled, err = r.CancelQueuedExecutionTx(ctx, tx, "e1", ts(3))
		return err
	})
	if cancelled {
		t.Fatal("cancel must lose the race against a claim")
	}
}

func TestRequestCancelOnlyFlagsRunning(t *testing.T) {
	r, ctx := newTestRepo(t)
	insertExecution(t, r, "e1", ts(1))

	// Not running yet: the flag must not stick to a queued row.
	var flagged bool
	inTx(t, r, func(tx *sql.Tx) error {
		var err error
		flagged, err = r.RequestCancelTx(ctx, tx, "e1")
		return err
	})
	if flagged {
		t.Fatal("queued execution should not accept a cancel request")
	}

	if _, err := r.ClaimNextExecution(ctx, ts(2)); err != nil {
		t.Fatal(err)
	}
	inTx(t, r, func(tx *sql.Tx) error {
		var err error
		flagged, err = r.RequestCancelTx(ctx, tx, "e1")
		return err
	})
	if !flagged {
		t.Fatal("running execution should accept a cancel request")
	}

	inTx(t, r, func(tx *sql.Tx) error {
		return r.CompleteExecutionTx(ctx, tx, "e1", "out", 1, 1, 0, ts(3))
	})
	inTx(t, r, func(tx *sql.Tx) error {
		var err error
		flagged, err = r.RequestCancelTx(ctx, tx, "e1")
		return err
	})
	if flagged {
		t.Fatal("terminal execution should not accept a cancel request")
	}
}

func TestRequeueExecutionResetsClaim(t *testing.T) {
	r, ctx := newTestRepo(t)
	insertExecution(t, r, "e1", ts(1))
	if _, err := r.ClaimNextExecution(ctx, ts(2)); err != nil {
		t.Fatal(err)
	}

	var moved bool
	inTx(t, r, func(tx *sql.Tx) error {
		var err error
		moved, err = r.RequeueExecutionTx(ctx, tx, "e1")
		return err
	})
	if !moved {
		t.Fatal("running execution should requeue")
	}
	e, err := r.GetExecution(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != domain.ExecQueued || e.StartedAt != nil {
		t.Fatalf("requeue did not reset the claim: %+v", e)
	}

	// Second requeue is a no-op once the row left running.
	inTx(t, r, func(tx *sql.Tx) error {
		var err error
		moved, err = r.RequeueExecutionTx(ctx, tx, "e1")
		return err
	})
	if moved {
		t.Fatal("queued execution should not requeue again")
	}
}

func TestArtifactVersionAssignment(t *testing.T) {
	r, ctx := newTestRepo(t)
	insertExecution(t, r, "e1", ts(0))
	insertExecution(t, r, "e2", ts(0))
	for i := 1; i <= 3; i++ {
		inTx(t, r, func(tx *sql.Tx) error {
			a, err := r.InsertArtifactTx(ctx, tx, domain.Artifact{
				ID: uuid.New().String(), ProjectID: "proj-1", AgentID: 1, Type: "problem-brief",
				Status: domain.ArtifactDraft, Content: "c", ProducedBy: "e1",
				CreatedAt: ts(i), UpdatedAt: ts(i),
			})
			if err != nil {
				return err
			}
			if a.Version != i {
				t.Fatalf("expected version %d, got %d", i, a.Version)
			}
			return nil
		})
	}
	// Versions are per (project, type).
	inTx(t, r, func(tx *sql.Tx) error {
		a, err := r.InsertArtifactTx(ctx, tx, domain.Artifact{
			ID: uuid.New().String(), ProjectID: "proj-1", AgentID: 2, Type: "market-scan",
			Status: domain.ArtifactDraft, Content: "c", ProducedBy: "e2",
			CreatedAt: ts(9), UpdatedAt: ts(9),
		})
		if err != nil {
			return err
		}
		if a.Version != 1 {
			t.Fatalf("expected version 1 for new type, got %d", a.Version)
		}
		return nil
	})
}

func TestCurrentArtifactPrefersLocked(t *testing.T) {
	r, ctx := newTestRepo(t)
	insertExecution(t, r, "e1", ts(0))
	ids := make([]string, 0, 3)
	for i := 1; i <= 3; i++ {
		id := uuid.New().String()
		ids = append(ids, id)
		inTx(t, r, func(tx *sql.Tx) error {
			_, err := r.InsertArtifactTx(ctx, tx, domain.Artifact{
				ID: id, ProjectID: "proj-1", AgentID: 1, Type: "problem-brief",
				Status: domain.ArtifactDraft, Content: "c", ProducedBy: "e1",
				CreatedAt: ts(i), UpdatedAt: ts(i),
			})
			return err
		})
	}

	cur, err := r.CurrentArtifact(ctx, "proj-1", "problem-brief")
	if err != nil {
		t.Fatal(err)
	}
	if cur.Version != 3 {
		t.Fatalf("highest draft should win, got v%d", cur.Version)
	}

	inTx(t, r, func(tx *sql.Tx) error {
		return r.SetArtifactStatusTx(ctx, tx, ids[2], domain.ArtifactLocked, ts(10))
	})
	cur, err = r.CurrentArtifact(ctx, "proj-1", "problem-brief")
	if err != nil {
		t.Fatal(err)
	}
	if cur.ID != ids[2] || cur.Status != domain.ArtifactLocked {
		t.Fatalf("expected locked v3, got %+v", cur)
	}

	// Archived versions never resolve as current.
	inTx(t, r, func(tx *sql.Tx) error {
		return r.SetArtifactStatusTx(ctx, tx, ids[2], domain.ArtifactArchived, ts(11))
	})
	cur, err = r.CurrentArtifact(ctx, "proj-1", "problem-brief")
	if err != nil {
		t.Fatal(err)
	}
	if cur.Version != 2 {
		t.Fatalf("expected v2 after archiving v3, got v%d", cur.Version)
	}
}

func TestArchiveLockedExcludesNewLock(t *testing.T) {
	r, ctx := newTestRepo(t)
	insertExecution(t, r, "e1", ts(0))
	a1, a2 := uuid.New().String(), uuid.New().String()
	for i, id := range []string{a1, a2} {
		inTx(t, r, func(tx *sql.Tx) error {
			_, err := r.InsertArtifactTx(ctx, tx, domain.Artifact{
				ID: id, ProjectID: "proj-1", AgentID: 1, Type: "problem-brief",
				Status: domain.ArtifactDraft, Content: "c", ProducedBy: "e1",
				CreatedAt: ts(i + 1), UpdatedAt: ts(i + 1),
			})
			return err
		})
	}
	inTx(t, r, func(tx *sql.Tx) error {
		return r.SetArtifactStatusTx(ctx, tx, a1, domain.ArtifactLocked, ts(5))
	})
	inTx(t, r, func(tx *sql.Tx) error {
		if err := r.ArchiveLockedTx(ctx, tx, "proj-1", "problem-brief", a2, ts(6)); err != nil {
			return err
		}
		return r.SetArtifactStatusTx(ctx, tx, a2, domain.ArtifactLocked, ts(6))
	})

	old, err := r.GetArtifact(ctx, a1)
	if err != nil {
		t.Fatal(err)
	}
	if old.Status != domain.ArtifactArchived {
		t.Fatalf("previous lock should be archived, got %s", old.Status)
	}
	locked, err := r.LockedTypes(ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if !locked["problem-brief"] {
		t.Fatal("problem-brief should be locked")
	}
}

func TestListExecutionsCursor(t *testing.T) {
	r, ctx := newTestRepo(t)
	insertExecution(t, r, "e1", ts(1))
	insertExecution(t, r, "e2", ts(2))
	insertExecution(t, r, "e3", ts(3))

	page, err := r.ListExecutions(ctx, repo.ExecutionFilters{ProjectID: "proj-1", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != "e3" || page[1].ID != "e2" {
		t.Fatalf("unexpected first page %v", page)
	}
	next, err := r.ListExecutions(ctx, repo.ExecutionFilters{
		ProjectID: "proj-1", Limit: 2,
		CursorCreatedAt: page[1].CreatedAt, CursorID: page[1].ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(next) != 1 || next[0].ID != "e1" {
		t.Fatalf("unexpected second page %v", next)
	}
}

func TestGetExecutionNotFound(t *testing.T) {
	r, ctx := newTestRepo(t)
	if _, err := r.GetExecution(ctx, "missing"); err != repo.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
