package task

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lcls-tools/lute/internal/model"
)

// MainConfig configures Main.
type MainConfig struct {
	ConfigPath string
	TaskName   string
	Registry   *Registry
	Logger     *slog.Logger
	// Verbose makes third-party Tasks report their command line.
	Verbose     bool
	TaskOptions []Option
}

// Main loads the parameters of cfg.TaskName, runs the Task and returns the
// process exit code. It is the body of the hidden _task command.
func Main(ctx context.Context, cfg MainConfig) int {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if err := run(ctx, cfg, log); err != nil {
		log.ErrorContext(ctx, "task failed", "task", cfg.TaskName, "err", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, cfg MainConfig, log *slog.Logger) error {
	reg := cfg.Registry
	if reg == nil {
		reg = Builtin()
	}
	entry, lookupErr := reg.Lookup(cfg.TaskName)

	params, err := model.LoadConfigFile(cfg.ConfigPath, cfg.TaskName, entry.Schema)
	if err != nil {
		for _, d := range model.CueErrDetails(err) {
			log.ErrorContext(ctx, "invalid configuration", d.Attr("detail"))
		}
		return fmt.Errorf("load config: %w", err)
	}

	var impl Analysis
	switch {
	case params.Executable() != "":
		impl = NewThirdPartyTask(WithVerbose(cfg.Verbose))
	case lookupErr != nil:
		return lookupErr
	case entry.New == nil:
		return fmt.Errorf("%w: %s", ErrNoExecutable, cfg.TaskName)
	default:
		impl = entry.New()
	}

	opts := append([]Option{WithLogger(log)}, cfg.TaskOptions...)
	t := New(cfg.TaskName, params, impl, opts...)
	return t.Run(ctx)
}
