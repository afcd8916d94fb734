package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBName = "relay.db"

type Config struct {
	StateDir string
}

func dbPath(stateDir string) string {
	if stateDir == "" {
		stateDir = ".relay"
	}
	return filepath.Join(stateDir, defaultDBName)
}

// EnsureStateDir creates the state directory if missing. The directory
// carries its own .gitignore so the run log never lands in a commit when it
// lives inside the published working tree.
func EnsureStateDir(stateDir string) (string, error) {
	if stateDir == "" {
		stateDir = ".relay"
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return "", err
	}
	ignore := filepath.Join(stateDir, ".gitignore")
	if _, err := os.Stat(ignore); os.IsNotExist(err) {
		if err := os.WriteFile(ignore, []byte("*\n"), 0o644); err != nil {
			return "", err
		}
	}
	return stateDir, nil
}

// Open opens the SQLite database.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureStateDir(cfg.StateDir); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath(cfg.StateDir))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Path returns the db path for the state directory.
func Path(stateDir string) string {
	return dbPath(stateDir)
}
