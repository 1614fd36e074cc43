package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lcls-tools/lute/internal/ipc"
	"github.com/lcls-tools/lute/internal/model"
)

var ErrNoExecutable = errors.New("no executable parameter")

const (
	noPickleDelay = 50 * time.Millisecond
	commandDelay  = 100 * time.Millisecond
)

// ExecFunc replaces the current process image. It only returns on failure.
type ExecFunc func(argv0 string, argv []string, envv []string) error

// ThirdPartyTask is the Analysis of Tasks whose work is done by an external
// binary. It builds the argument vector from the parameter fields, renders
// template parameters into a configuration file and then replaces the
// process image with the binary.
type ThirdPartyTask struct {
	renderer Renderer
	verbose  bool
	exec     ExecFunc
	lookPath func(string) (string, error)
	alarm    func(time.Duration) error
}

type ThirdPartyOption func(*ThirdPartyTask)

// WithRenderer sets the template renderer.
func WithRenderer(r Renderer) ThirdPartyOption {
	return func(b *ThirdPartyTask) { b.renderer = r }
}

// WithVerbose reports the formatted command line before the replacement.
func WithVerbose(v bool) ThirdPartyOption {
	return func(b *ThirdPartyTask) { b.verbose = v }
}

// WithExec replaces unix.Exec and exec.LookPath.
func WithExec(fn ExecFunc, lookPath func(string) (string, error)) ThirdPartyOption {
	return func(b *ThirdPartyTask) {
		b.exec = fn
		b.lookPath = lookPath
	}
}

// WithAlarm replaces the interval timer armed for the replaced process.
func WithAlarm(fn func(time.Duration) error) ThirdPartyOption {
	return func(b *ThirdPartyTask) { b.alarm = fn }
}

func NewThirdPartyTask(opts ...ThirdPartyOption) *ThirdPartyTask {
	b := &ThirdPartyTask{
		renderer: TemplateRenderer{},
		exec:     unix.Exec,
		lookPath: exec.LookPath,
		alarm:    setAlarm,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// PreRun tells the Executor the pipe switches to raw text, since the binary
// writes plain output to the same streams.
func (b *ThirdPartyTask) PreRun(ctx context.Context, t *Task) error {
	time.Sleep(noPickleDelay)
	if err := t.Report(ctx, ipc.Message{Signal: ipc.SignalNoPickleMode}); err != nil {
		return err
	}
	t.UseRawText()
	return nil
}

func (b *ThirdPartyTask) Run(ctx context.Context, t *Task) error {
	p := t.Parameters()
	argv, err := BuildArgs(p)
	if err != nil {
		return err
	}
	if err := b.render(ctx, t); err != nil {
		return err
	}
	path, err := b.lookPath(argv[0])
	if err != nil {
		return fmt.Errorf("resolve %s: %w", argv[0], err)
	}

	if b.verbose {
		time.Sleep(commandDelay)
		if err := t.Report(ctx, ipc.Message{Contents: FormatCommand(argv)}); err != nil {
			t.Logger().WarnContext(ctx, "cannot report command", "err", err)
		}
	}

	// the Go timer does not survive the exec; an interval timer does
	if remaining := time.Until(t.Deadline()); remaining > 0 {
		if err := b.alarm(remaining); err != nil {
			t.Logger().WarnContext(ctx, "cannot arm interval timer", "err", err)
		}
	}
	if err := b.exec(path, argv, os.Environ()); err != nil {
		return fmt.Errorf("exec %s: %w", path, err)
	}
	return nil
}

// PostRun is reached only when the exec function returns without replacing
// the process.
func (b *ThirdPartyTask) PostRun(_ context.Context, t *Task) error {
	t.SetResult(fmt.Sprintf("Ran %s", t.Parameters().Executable()), nil)
	return t.SetStatus(model.StatusCompleted)
}

func (b *ThirdPartyTask) render(ctx context.Context, t *Task) error {
	p := t.Parameters()
	values := make(map[string]any)
	for _, f := range p.Fields {
		if f.Template {
			values[f.Name] = f.Value
		}
	}
	if len(values) == 0 {
		return nil
	}
	if p.Template == nil {
		t.Logger().WarnContext(ctx, "template parameters without a template", "count", len(values))
		return nil
	}
	if err := b.renderer.Render(ctx, *p.Template, values); err != nil {
		return fmt.Errorf("render %s: %w", p.Template.Name, err)
	}
	return nil
}

func setAlarm(d time.Duration) error {
	_, err := unix.Setitimer(unix.ItimerReal, unix.Itimerval{
		Value: unix.NsecToTimeval(d.Nanoseconds()),
	})
	return err
}

// BuildArgs returns the argument vector of a third-party Task, starting with
// the executable. Template fields are skipped. Values that are nil or the
// empty string drop the whole parameter. Booleans on a flag contribute only
// the flag, and only when true. Slices contribute one token per element.
func BuildArgs(p *model.Parameters) ([]string, error) {
	exe := p.Executable()
	if exe == "" {
		return nil, ErrNoExecutable
	}
	argv := []string{exe}
	for _, f := range p.Fields {
		if f.Name == model.ExecutableField || f.Template || empty(f.Value) {
			continue
		}
		style := f.Flag
		if style == model.FlagUnset {
			style = guessFlag(f.Name)
		}

		if style == model.FlagPositional {
			argv = append(argv, values(f.Value)...)
			continue
		}

		token := f.Name
		if f.Rename != "" {
			token = f.Rename
		}
		flag := style.Prefix() + token

		if b, ok := f.Value.(bool); ok {
			if b {
				argv = append(argv, flag)
			}
			continue
		}
		vals := values(f.Value)
		if f.UseEq {
			argv = append(argv, flag+"="+strings.Join(vals, ","))
			continue
		}
		argv = append(argv, flag)
		argv = append(argv, vals...)
	}
	return argv, nil
}

// guessFlag applies the naming convention of parameters without an
// explicit flag style.
func guessFlag(name string) model.FlagType {
	switch {
	case len(name) == 1:
		return model.FlagShort
	case strings.Contains(name, "p_arg"):
		return model.FlagPositional
	default:
		return model.FlagLong
	}
}

func empty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []any:
		return len(x) == 0
	default:
		return false
	}
}

func values(v any) []string {
	if list, ok := v.([]any); ok {
		out := make([]string, 0, len(list))
		for _, e := range list {
			out = append(out, fmt.Sprint(e))
		}
		return out
	}
	return []string{fmt.Sprint(v)}
}

// FormatCommand returns argv as typed on a shell.
func FormatCommand(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		if a == "" || strings.ContainsAny(a, " \t\n'\"\\$") {
			a = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		}
		quoted[i] = a
	}
	return strings.Join(quoted, " ")
}
