package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"taskrelay/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const runColumns = `id,task,COALESCE(nonce,''),round,COALESCE(rule,''),status,commit_sha,error,created_at,finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var r domain.Run
	var sha, errMsg, finished sql.NullString
	if err := row.Scan(&r.ID, &r.Task, &r.Nonce, &r.Round, &r.Rule, &r.Status, &sha, &errMsg, &r.CreatedAt, &finished); err != nil {
		return r, err
	}
	if sha.Valid {
		r.CommitSHA = &sha.String
	}
	if errMsg.Valid {
		r.Error = &errMsg.String
	}
	if finished.Valid {
		r.FinishedAt = &finished.String
	}
	return r, nil
}

// InsertRun records a new run in the running state.
func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	if run.ID == "" {
		return errors.New("id required")
	}
	if run.Status == "" {
		run.Status = domain.RunStatusRunning
	}
	const q = `INSERT INTO runs(id,task,nonce,round,rule,status,created_at) VALUES (?,?,?,?,?,?,?)`
	args := []any{run.ID, run.Task, nullable(run.Nonce), run.Round, nullable(run.Rule), run.Status, run.CreatedAt}
	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, q, args...)
	} else {
		_, err = r.DB.ExecContext(ctx, q, args...)
	}
	return err
}

// SetRunRule stores the name of the rule chosen by the dispatcher.
func (r Repo) SetRunRule(ctx context.Context, id, rule string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE runs SET rule=? WHERE id=?`, rule, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// FinishRun moves a run to a terminal status.
func (r Repo) FinishRun(ctx context.Context, tx *sql.Tx, id, status, commitSHA, errMsg, finishedAt string) error {
	const q = `UPDATE runs SET status=?, commit_sha=?, error=?, finished_at=? WHERE id=?`
	args := []any{status, nullable(commitSHA), nullable(errMsg), finishedAt, id}
	var res sql.Result
	var err error
	if tx != nil {
		res, err = tx.ExecContext(ctx, q, args...)
	} else {
		res, err = r.DB.ExecContext(ctx, q, args...)
	}
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	run, err := scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Run{}, ErrNotFound
	}
	return run, err
}

// ListRuns returns runs newest first, optionally filtered by status and task.
func (r Repo) ListRuns(ctx context.Context, limit int, status, task string) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	if task != "" {
		clauses = append(clauses, "task=?")
		args = append(args, task)
	}
	query := fmt.Sprintf(`SELECT %s FROM runs WHERE %s ORDER BY created_at DESC, rowid DESC LIMIT ?`, runColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
