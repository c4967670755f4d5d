package migrate_test

import (
	"testing"

	"stageline/internal/db"
	"stageline/internal/migrate"
)

func TestMigrateAppliesOnce(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	applied, err := migrate.Migrate(conn)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if applied == 0 {
		t.Fatal("expected migrations on a fresh database")
	}

	again, err := migrate.Migrate(conn)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if again != 0 {
		t.Fatalf("expected no-op on second run, applied %d", again)
	}

	if _, err := conn.Exec(
		`INSERT INTO projects(id,name,stage,created_at) VALUES ('p','n','discover','2024-01-01T00:00:00Z')`,
	); err != nil {
		t.Fatalf("schema incomplete: %v", err)
	}
}
