package task

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/lcls-tools/lute/internal/ipc"
	"github.com/lcls-tools/lute/internal/model"
	"github.com/lcls-tools/lute/internal/store"
)

// Builtin returns a Registry holding the test Tasks shipped with lute.
func Builtin() *Registry {
	r := NewRegistry()
	r.Register("Test", Entry{
		Schema: model.Schema{Fields: []model.FieldSpec{
			{Name: "float_var", Default: 0.01},
			{Name: "str_var", Default: "test"},
			{Name: "compound_var", Default: map[string]any{"int_var": 1, "dict_var": map[string]any{"a": "b"}}},
			{Name: "throw_error", Default: false},
			{Name: "message_interval", Default: 1.0, Description: "Seconds between progress messages."},
		}},
		New: func() Analysis { return testTask{} },
	})
	r.Register("TestSocket", Entry{
		Schema: model.Schema{Fields: []model.FieldSpec{
			{Name: "array_size", Default: 10000},
			{Name: "num_arrays", Default: 10},
		}},
		New: func() Analysis { return testSocketTask{} },
	})
	r.Register("TestWriteOutput", Entry{
		Schema: model.Schema{Fields: []model.FieldSpec{
			{Name: "outfile_name", Default: "test_output.txt", Description: "Outfile name without full path."},
			{Name: "num_vals", Default: 100, Description: `Number of values to "process".`},
		}},
		New: func() Analysis { return testWriteOutputTask{} },
	})
	r.Register("TestReadOutput", Entry{
		Schema: model.Schema{Fields: []model.FieldSpec{
			{Name: "in_file", Default: "", Description: "File to read in. (Full path)"},
		}},
		New: func() Analysis { return &testReadOutputTask{} },
	})
	r.Register("TestBinary", Entry{
		Schema: model.Schema{Fields: []model.FieldSpec{
			{Name: model.ExecutableField, Default: "test_threads"},
			{Name: "p_arg1", Default: 1, Flag: model.FlagPositional},
		}},
	})
	r.Register("TestBinaryErr", Entry{
		Schema: model.Schema{Fields: []model.FieldSpec{
			{Name: model.ExecutableField, Default: "test_threads_err"},
			{Name: "p_arg1", Default: 1, Flag: model.FlagPositional},
		}},
	})
	return r
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

type testTask struct{}

func (testTask) Run(ctx context.Context, t *Task) error {
	p := t.Parameters()
	interval, err := p.Float("message_interval")
	if err != nil {
		interval = 1
	}
	for i := range 10 {
		if err := sleep(ctx, time.Duration(interval*float64(time.Second))); err != nil {
			return err
		}
		if err := t.Report(ctx, ipc.Message{Contents: fmt.Sprintf("Test message %d", i)}); err != nil {
			return err
		}
	}
	if p.Bool("throw_error") {
		return errors.New("testing error")
	}
	return nil
}

func (testTask) PostRun(_ context.Context, t *Task) error {
	t.SetResult("Test Finished.", nil)
	return t.SetStatus(model.StatusCompleted)
}

type testSocketTask struct{}

func randomArray(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = rand.Float64()
	}
	return out
}

func (testSocketTask) Run(ctx context.Context, t *Task) error {
	p := t.Parameters()
	size, err := p.Int("array_size")
	if err != nil {
		return err
	}
	num, err := p.Int("num_arrays")
	if err != nil {
		return err
	}
	for i := range num {
		if err := t.Report(ctx, ipc.Message{Contents: fmt.Sprintf("Sending array %d", i)}); err != nil {
			return err
		}
		if err := sleep(ctx, 50*time.Millisecond); err != nil {
			return err
		}
		if err := t.Report(ctx, ipc.Message{Contents: randomArray(size)}); err != nil {
			return err
		}
	}
	return nil
}

func (testSocketTask) PostRun(_ context.Context, t *Task) error {
	p := t.Parameters()
	size, _ := p.Int("array_size")
	num, _ := p.Int("num_arrays")
	t.SetResult(fmt.Sprintf("Sent %d arrays", num), randomArray(size))
	return t.SetStatus(model.StatusCompleted)
}

type testWriteOutputTask struct{}

func (testWriteOutputTask) Run(ctx context.Context, t *Task) error {
	n, err := t.Parameters().Int("num_vals")
	if err != nil {
		return err
	}
	for i := range n {
		if err := sleep(ctx, 50*time.Millisecond); err != nil {
			return err
		}
		if i%10 == 0 {
			if err := t.Report(ctx, ipc.Message{Contents: fmt.Sprintf("Processed %d values!", i+1)}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (testWriteOutputTask) PostRun(_ context.Context, t *Task) error {
	p := t.Parameters()
	n, err := p.Int("num_vals")
	if err != nil {
		return err
	}
	dir := p.Header.WorkDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, p.String("outfile_name"))
	if err := writeValues(path, randomArray(n)); err != nil {
		return err
	}
	t.SetResult("Completed task successfully.", path)
	return t.SetStatus(model.StatusCompleted)
}

func writeValues(path string, vals []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	for _, v := range vals {
		if err := w.Write([]string{strconv.FormatFloat(v, 'e', -1, 64)}); err != nil {
			_ = f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

type testReadOutputTask struct {
	values []float64
}

// PreRun resolves the default input through the output recorded by the
// latest successful TestWriteOutput.
func (r *testReadOutputTask) PreRun(ctx context.Context, t *Task) error {
	p := t.Parameters()
	if p.String("in_file") != "" {
		return nil
	}
	name, err := store.ReadLatest(ctx, p.Header.WorkDir, "TestWriteOutput", "outfile_name", true)
	if err != nil {
		return fmt.Errorf("locate input: %w", err)
	}
	p.Set("in_file", filepath.Join(p.Header.WorkDir, fmt.Sprint(name)))
	return nil
}

func (r *testReadOutputTask) Run(ctx context.Context, t *Task) error {
	f, err := os.Open(t.Parameters().String("in_file"))
	if err != nil {
		return err
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return err
	}
	for _, rec := range records {
		v, err := strconv.ParseFloat(rec[0], 64)
		if err != nil {
			return err
		}
		r.values = append(r.values, v)
	}
	return t.Report(ctx, ipc.Message{Contents: "Successfully loaded data!"})
}

func (r *testReadOutputTask) PostRun(_ context.Context, t *Task) error {
	t.SetResult(fmt.Sprintf("Was able to load data. (%d values)", len(r.values)), "This Task produces no output.")
	return t.SetStatus(model.StatusCompleted)
}
