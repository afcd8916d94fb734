package migrate

import (
	"testing"

	"taskrelay/internal/db"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{StateDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	for i := 0; i < 2; i++ {
		if err := Migrate(conn); err != nil {
			t.Fatalf("migrate pass %d: %v", i, err)
		}
	}
	var version int
	if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != 1 {
		t.Fatalf("version %d", version)
	}
	if _, err := conn.Exec(`INSERT INTO runs(id,task,status,created_at) VALUES ('r1','t','running','2024-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("runs table missing: %v", err)
	}
}
