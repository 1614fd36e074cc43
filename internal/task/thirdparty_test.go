package task_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lcls-tools/lute/internal/ipc"
	"github.com/lcls-tools/lute/internal/model"
	"github.com/lcls-tools/lute/internal/task"
	"github.com/stretchr/testify/require"
)

func TestBuildArgs(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name   string
		fields []model.Field
		want   []string
	}{
		{
			name:   "guessed flags",
			fields: []model.Field{{Name: "n", Value: 4}, {Name: "events", Value: 10}, {Name: "p_arg1", Value: "in.xtc"}},
			want:   []string{"/bin/tool", "-n", "4", "--events", "10", "in.xtc"},
		},
		{
			name:   "rename",
			fields: []model.Field{{Name: "out_file", Value: "o.h5", Flag: model.FlagShort, Rename: "o"}},
			want:   []string{"/bin/tool", "-o", "o.h5"},
		},
		{
			name:   "bool",
			fields: []model.Field{{Name: "verbose", Value: true}, {Name: "quiet", Value: false}},
			want:   []string{"/bin/tool", "--verbose"},
		},
		{
			name:   "list",
			fields: []model.Field{{Name: "files", Value: []any{"a", "b"}}, {Name: "p_args", Value: []any{1, 2}}},
			want:   []string{"/bin/tool", "--files", "a", "b", "1", "2"},
		},
		{
			name: "use eq",
			fields: []model.Field{
				{Name: "threads", Value: 8, UseEq: true},
				{Name: "dets", Value: []any{"jungfrau", "epix"}, UseEq: true},
			},
			want: []string{"/bin/tool", "--threads=8", "--dets=jungfrau,epix"},
		},
		{
			name: "skipped",
			fields: []model.Field{
				{Name: "none", Value: nil},
				{Name: "blank", Value: ""},
				{Name: "empty_list", Value: []any{}},
				{Name: "geometry", Value: "x", Template: true},
			},
			want: []string{"/bin/tool"},
		},
		{
			name:   "explicit positional",
			fields: []model.Field{{Name: "input", Value: "run.xtc", Flag: model.FlagPositional}},
			want:   []string{"/bin/tool", "run.xtc"},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := &model.Parameters{Fields: append([]model.Field{{Name: model.ExecutableField, Value: "/bin/tool"}}, tc.fields...)}
			argv, err := task.BuildArgs(p)
			require.NoError(t, err)
			require.Equal(t, tc.want, argv)
		})
	}

	_, err := task.BuildArgs(&model.Parameters{})
	require.ErrorIs(t, err, task.ErrNoExecutable)
}

func TestFormatCommand(t *testing.T) {
	t.Parallel()
	require.Equal(t, "/bin/tool -n 4", task.FormatCommand([]string{"/bin/tool", "-n", "4"}))
	require.Equal(t, `/bin/tool 'a b' '' 'it'\''s'`, task.FormatCommand([]string{"/bin/tool", "a b", "", "it's"}))
}

func TestTemplateRenderer(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "geom.tmpl"), []byte("x={{.x}} y={{.y}}\n"), 0o600))
	out := filepath.Join(dir, "out", "geom.cfg")

	r := task.TemplateRenderer{Dir: dir}
	err := r.Render(context.Background(), model.TemplateConfig{Name: "geom.tmpl", Output: out}, map[string]any{"x": 1, "y": "two"})
	require.NoError(t, err)
	b, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "x=1 y=two\n", string(b))

	err = r.Render(context.Background(), model.TemplateConfig{Name: "geom.tmpl", Output: out}, map[string]any{"x": 1})
	require.Error(t, err)
	err = r.Render(context.Background(), model.TemplateConfig{Name: "geom.tmpl"}, map[string]any{"x": 1, "y": 2})
	require.Error(t, err)
}

type fakeRenderer struct {
	calls  int
	values map[string]any
}

func (f *fakeRenderer) Render(_ context.Context, _ model.TemplateConfig, values map[string]any) error {
	f.calls++
	f.values = values
	return nil
}

func TestThirdPartyTask(t *testing.T) {
	t.Parallel()
	w := newWire(t)
	sock := &recorder{}

	var (
		gotPath  string
		gotArgv  []string
		gotAlarm time.Duration
	)
	exec := func(argv0 string, argv []string, _ []string) error {
		gotPath = argv0
		gotArgv = argv
		return nil
	}
	lookPath := func(name string) (string, error) { return "/usr/bin/" + name, nil }
	renderer := &fakeRenderer{}

	impl := task.NewThirdPartyTask(
		task.WithExec(exec, lookPath),
		task.WithAlarm(func(d time.Duration) error { gotAlarm = d; return nil }),
		task.WithRenderer(renderer),
		task.WithVerbose(true),
	)
	p := &model.Parameters{
		Header: model.Header{TaskTimeout: 30},
		Fields: []model.Field{
			{Name: model.ExecutableField, Value: "tool"},
			{Name: "n", Value: 2},
			{Name: "geometry", Value: "det.geom", Template: true},
		},
		Template: &model.TemplateConfig{Name: "geom.tmpl", Output: "/tmp/geom.cfg"},
	}
	tk := task.New("Tool", p, impl,
		task.WithPipe(w.pipe),
		task.WithSocketFactory(func() ipc.Communicator { return sock }),
		task.WithFlushPause(0),
	)
	require.NoError(t, tk.Run(context.Background()))

	require.Equal(t, "/usr/bin/tool", gotPath)
	require.Equal(t, []string{"tool", "-n", "2"}, gotArgv)
	require.Greater(t, gotAlarm, 29*time.Second)
	require.Equal(t, 1, renderer.calls)
	require.Equal(t, map[string]any{"geometry": "det.geom"}, renderer.values)
	require.Equal(t, model.StatusCompleted, tk.Status())

	contents, signals := w.collect(t)
	require.Equal(t, []ipc.Signal{ipc.SignalNoPickleMode}, signals)
	require.Equal(t, []any{"tool -n 2"}, contents)
}

func TestThirdPartyTask_ExecError(t *testing.T) {
	t.Parallel()
	sock := &recorder{}
	impl := task.NewThirdPartyTask(
		task.WithExec(
			func(string, []string, []string) error { return errors.New("permission denied") },
			func(name string) (string, error) { return name, nil },
		),
		task.WithAlarm(func(time.Duration) error { return nil }),
	)
	p := &model.Parameters{Fields: []model.Field{{Name: model.ExecutableField, Value: "/bin/tool"}}}
	tk := task.New("Tool", p, impl,
		task.WithPipe(newWire(t).pipe),
		task.WithSocketFactory(func() ipc.Communicator { return sock }),
		task.WithFlushPause(0),
	)
	require.ErrorContains(t, tk.Run(context.Background()), "permission denied")
	require.Equal(t, model.StatusFailed, tk.Status())
}
