package store_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/lcls-tools/lute/internal/model"
	"github.com/lcls-tools/lute/internal/store"
	"github.com/stretchr/testify/require"
)

func analysis(dir string, status model.TaskStatus, outfile string) model.DescribedAnalysis {
	return model.DescribedAnalysis{
		Result: model.TaskResult{
			TaskName: "TestWriteOutput",
			Status:   status,
			Summary:  "done",
			Payload:  []any{"a", 1.5},
		},
		Parameters: &model.Parameters{
			Header: model.Header{Title: "t", Experiment: "EXP", Run: "1", TaskTimeout: 600, WorkDir: dir},
			Fields: []model.Field{
				{Name: "outfile_name", Value: outfile},
				{Name: "num_vals", Value: 100},
				{Name: "compound", Value: map[string]any{"int_var": 1, "dict_var": map[string]any{"a": "b"}}},
			},
		},
		Env:              map[string]string{"LUTE_PATH": "/opt/lute", "HOME": "/root", "SLURM_NPROCS": "4"},
		PollInterval:     50 * time.Millisecond,
		CommunicatorDesc: []string{"PipeCommunicator: structured", "SocketCommunicator: /tmp/x.sock"},
	}
}

func TestRecordAndReadLatest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	_, err := store.ReadLatest(ctx, dir, "TestWriteOutput", "outfile_name", true)
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, store.Record(ctx, analysis(dir, model.StatusCompleted, "first.txt")))
	require.NoError(t, store.Record(ctx, analysis(dir, model.StatusFailed, "second.txt")))

	v, err := store.ReadLatest(ctx, dir, "TestWriteOutput", "outfile_name", true)
	require.NoError(t, err)
	require.Equal(t, "first.txt", v)

	v, err = store.ReadLatest(ctx, dir, "TestWriteOutput", "outfile_name", false)
	require.NoError(t, err)
	require.Equal(t, "second.txt", v)

	v, err = store.ReadLatest(ctx, dir, "TestWriteOutput", "compound.dict_var.a", true)
	require.NoError(t, err)
	require.Equal(t, "b", v)

	v, err = store.ReadLatest(ctx, dir, "TestWriteOutput", "result.payload", true)
	require.NoError(t, err)
	require.Equal(t, []any{"a", 1.5}, v)

	_, err = store.ReadLatest(ctx, dir, "TestWriteOutput", "missing", true)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = store.ReadLatest(ctx, dir, "OtherTask", "outfile_name", true)
	require.ErrorIs(t, err, store.ErrNotFound)

	db, err := sql.Open("sqlite", filepath.Join(dir, store.DBName))
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM gen_cfg`).Scan(&n))
	require.Equal(t, 1, n)
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM exec_cfg`).Scan(&n))
	require.Equal(t, 1, n)

	var env string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT env FROM exec_cfg`).Scan(&env))
	require.Equal(t, "LUTE_PATH=/opt/lute\nSLURM_NPROCS=4", env)
}

func TestRecord_NewColumns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	require.NoError(t, store.Record(ctx, analysis(dir, model.StatusCompleted, "a.txt")))

	d := analysis(dir, model.StatusCompleted, "b.txt")
	d.Parameters.Fields = append(d.Parameters.Fields, model.Field{Name: "new_param", Value: true})
	require.NoError(t, store.Record(ctx, d))

	v, err := store.ReadLatest(ctx, dir, "TestWriteOutput", "new_param", true)
	require.NoError(t, err)
	require.EqualValues(t, 1, v)
}

func TestRecord_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var serr *store.Error
	err := store.Record(ctx, model.DescribedAnalysis{})
	require.ErrorAs(t, err, &serr)
	require.ErrorIs(t, err, store.ErrNoParameters)

	d := analysis("/proc/lute-cannot-create", model.StatusCompleted, "x")
	err = store.Record(ctx, d)
	require.ErrorAs(t, err, &serr)
}
