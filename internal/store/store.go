// Package store persists DescribedAnalysis records into a SQLite database
// kept in the work directory of the analysis.
//
// Layout:
//
//	gen_cfg    one row per distinct analysis header
//	exec_cfg   one row per distinct execution environment
//	<Task>     one row per execution of Task: flattened parameters, result
//	           columns, valid_flag and references into gen_cfg and exec_cfg
//
// Parameter columns are added on demand, so Tasks whose parameters change
// between runs share one table. Nested parameters use '.' joined names.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lcls-tools/lute/internal/ipc"
	"github.com/lcls-tools/lute/internal/model"
)

// DBName is the database file name inside the work directory.
const DBName = "lute.db"

var (
	ErrNotFound     = errors.New("not found")
	ErrNoParameters = errors.New("analysis has no parameters")
)

// Error is returned for every persistence failure.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "store: " + e.Op + ": " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// Recorder persists the record of one Task execution.
type Recorder interface {
	Record(ctx context.Context, d model.DescribedAnalysis) error
}

// SQLite records into <work_dir>/lute.db.
type SQLite struct{}

func (SQLite) Record(ctx context.Context, d model.DescribedAnalysis) error {
	return Record(ctx, d)
}

// InitDB opens the database of dir, creating it and the shared tables when
// missing.
func InitDB(ctx context.Context, dir string) (*sql.DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, DBName)+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS gen_cfg (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT,
			experiment TEXT,
			run TEXT,
			date TEXT,
			lute_version TEXT,
			task_timeout INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS exec_cfg (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			env TEXT,
			poll_interval REAL,
			communicator_desc TEXT
		)`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

// Record inserts d into the table of its Task.
func Record(ctx context.Context, d model.DescribedAnalysis) error {
	if d.Parameters == nil {
		return &Error{Op: "record", Err: ErrNoParameters}
	}
	if err := record(ctx, d); err != nil {
		return &Error{Op: "record " + d.Result.TaskName, Err: err}
	}
	return nil
}

func record(ctx context.Context, d model.DescribedAnalysis) error {
	db, err := InitDB(ctx, d.Parameters.Header.WorkDir)
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func(ctx context.Context, task string) {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("task", task))
		}
	}(ctx, d.Result.TaskName)

	genID, err := genCfgID(ctx, tx, d.Parameters.Header)
	if err != nil {
		return fmt.Errorf("gen_cfg: %w", err)
	}
	execID, err := execCfgID(ctx, tx, d)
	if err != nil {
		return fmt.Errorf("exec_cfg: %w", err)
	}

	payload, err := encode(d.Result.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	valid := 0
	if d.Result.Status == model.StatusCompleted {
		valid = 1
	}

	cols := []column{
		{"timestamp", "TEXT", time.Now().UTC().Format(time.RFC3339Nano)},
		{"gen_cfg_id", "INTEGER", genID},
		{"exec_cfg_id", "INTEGER", execID},
	}
	params := d.Parameters.Flatten()
	for _, name := range slices.Sorted(maps.Keys(params)) {
		c, err := paramColumn(name, params[name])
		if err != nil {
			return fmt.Errorf("parameter %s: %w", name, err)
		}
		cols = append(cols, c)
	}
	cols = append(cols,
		column{"result.task_status", "TEXT", d.Result.Status.String()},
		column{"result.summary", "TEXT", d.Result.Summary},
		column{"result.payload", "BLOB", payload},
		column{"result.impl_schemas", "TEXT", d.Result.ImplSchemas},
		column{"valid_flag", "INTEGER", valid},
	)

	if err := ensureTable(ctx, tx, d.Result.TaskName, cols); err != nil {
		return err
	}

	names := make([]string, len(cols))
	marks := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		names[i] = quote(c.name)
		marks[i] = "?"
		args[i] = c.value
	}
	_, err = tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
			quote(d.Result.TaskName), strings.Join(names, ", "), strings.Join(marks, ", ")),
		args...,
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

type column struct {
	name  string
	typ   string
	value any
}

func paramColumn(name string, v any) (column, error) {
	switch x := v.(type) {
	case nil:
		return column{name, "TEXT", nil}, nil
	case bool:
		return column{name, "INTEGER", x}, nil
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		return column{name, "INTEGER", x}, nil
	case uint64:
		return column{name, "INTEGER", int64(x)}, nil
	case float32, float64:
		return column{name, "REAL", x}, nil
	case string:
		return column{name, "TEXT", x}, nil
	default:
		b, err := encode(x)
		return column{name, "BLOB", b}, err
	}
}

func encode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return ipc.DefaultCodec().Marshal(v)
}

func genCfgID(ctx context.Context, tx *sql.Tx, h model.Header) (int64, error) {
	args := []any{h.Title, h.Experiment, string(h.Run), h.Date, string(h.Version), h.TaskTimeout}
	var id int64
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM gen_cfg
		 WHERE title IS ? AND experiment IS ? AND run IS ? AND date IS ? AND lute_version IS ? AND task_timeout IS ?
		 ORDER BY id LIMIT 1`, args...,
	).Scan(&id)
	switch {
	case err == nil:
		return id, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, fmt.Errorf("executing sql query failed: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO gen_cfg (title, experiment, run, date, lute_version, task_timeout) VALUES (?,?,?,?,?,?)`, args...,
	)
	if err != nil {
		return 0, fmt.Errorf("executing sql insert failed: %w", err)
	}
	return res.LastInsertId()
}

// execEnv keeps only the variables describing the installation and the
// batch allocation.
func execEnv(env map[string]string) string {
	var lines []string
	for _, k := range slices.Sorted(maps.Keys(env)) {
		if strings.HasPrefix(k, "LUTE_") || strings.HasPrefix(k, "SLURM_") {
			lines = append(lines, k+"="+env[k])
		}
	}
	return strings.Join(lines, "\n")
}

func execCfgID(ctx context.Context, tx *sql.Tx, d model.DescribedAnalysis) (int64, error) {
	args := []any{execEnv(d.Env), d.PollInterval.Seconds(), strings.Join(d.CommunicatorDesc, ", ")}
	var id int64
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM exec_cfg WHERE env IS ? AND poll_interval IS ? AND communicator_desc IS ? ORDER BY id LIMIT 1`,
		args...,
	).Scan(&id)
	switch {
	case err == nil:
		return id, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, fmt.Errorf("executing sql query failed: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO exec_cfg (env, poll_interval, communicator_desc) VALUES (?,?,?)`, args...,
	)
	if err != nil {
		return 0, fmt.Errorf("executing sql insert failed: %w", err)
	}
	return res.LastInsertId()
}

// ensureTable creates the Task table or adds the columns it is missing.
func ensureTable(ctx context.Context, tx *sql.Tx, task string, cols []column) error {
	defs := []string{"id INTEGER PRIMARY KEY AUTOINCREMENT"}
	for _, c := range cols {
		defs = append(defs, quote(c.name)+" "+c.typ)
	}
	_, err := tx.ExecContext(ctx,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)`, quote(task), strings.Join(defs, ", ")),
	)
	if err != nil {
		return fmt.Errorf("create table %s: %w", task, err)
	}

	existing, err := columns(ctx, tx, task)
	if err != nil {
		return err
	}
	for _, c := range cols {
		if _, ok := existing[c.name]; ok {
			continue
		}
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, quote(task), quote(c.name), c.typ),
		)
		if err != nil {
			return fmt.Errorf("add column %s: %w", c.name, err)
		}
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func columns(ctx context.Context, q querier, table string) (map[string]struct{}, error) {
	rows, err := q.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = struct{}{}
	}
	return out, rows.Err()
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// ReadLatest returns the most recent value of param recorded for task in the
// database of dir. With validOnly, only executions that completed count.
// ErrNotFound is returned when the database, the table, the column or a
// matching row is missing.
func ReadLatest(ctx context.Context, dir, task, param string, validOnly bool) (any, error) {
	path := filepath.Join(dir, DBName)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, &Error{Op: "read latest", Err: err}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, &Error{Op: "read latest", Err: err}
	}
	defer db.Close()

	cols, err := columns(ctx, db, task)
	if err != nil {
		return nil, &Error{Op: "read latest", Err: err}
	}
	if _, ok := cols[param]; !ok {
		return nil, ErrNotFound
	}

	where := ""
	if validOnly {
		where = "WHERE valid_flag = 1"
	}
	var v any
	err = db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s %s ORDER BY id DESC LIMIT 1`, quote(param), quote(task), where),
	).Scan(&v)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrNotFound
	case err != nil:
		return nil, &Error{Op: "read latest", Err: fmt.Errorf("executing sql query failed: %w", err)}
	}

	if b, ok := v.([]byte); ok {
		decoded, err := ipc.DefaultCodec().Unmarshal(b)
		if err != nil {
			return nil, &Error{Op: "read latest", Err: err}
		}
		return decoded, nil
	}
	return v, nil
}
