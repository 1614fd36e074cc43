package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/lcls-tools/lute/internal/executor"
	"github.com/lcls-tools/lute/internal/log"
	"github.com/lcls-tools/lute/internal/model"
	"github.com/lcls-tools/lute/internal/store"
	"github.com/lcls-tools/lute/internal/task"
)

var (
	settings = executor.NewViper()
	cfg      executor.Config
	closeLog = func() error { return nil }

	flagSettingsPath string // value of --settings flag
	flagConfigPath   string // value of -c/--config flag
	flagTaskName     string // value of -t/--task flag of _task
	flagLog          string // value of --log flag of _task
	flagDir          string // value of --dir flag of db latest
	flagParam        string // value of --param flag of db latest
	flagAny          bool   // value of --any flag of db latest
)

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagSettingsPath, "settings", "", "executor settings file (yaml), LUTE_* variables override it")
	rootCmd.PersistentFlags().Bool("verbose", false, "verbose logging")
	mustBind("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	runCmd.Flags().StringVarP(&flagConfigPath, "config", "c", "", "task configuration file")
	runCmd.Flags().Bool("mpi", false, "launch the task with mpirun")
	runCmd.Flags().Duration("poll-interval", 0, "how often the task output is polled")
	runCmd.Flags().String("log", model.LogStderr, "log target: stderr, stdout, discard or a file")
	_ = runCmd.MarkFlagRequired("config")
	mustBind("mpi", runCmd.Flags().Lookup("mpi"))
	mustBind("poll_interval", runCmd.Flags().Lookup("poll-interval"))
	mustBind("log", runCmd.Flags().Lookup("log"))

	taskCmd.Flags().StringVarP(&flagConfigPath, "config", "c", "", "task configuration file")
	taskCmd.Flags().StringVarP(&flagTaskName, "task", "t", "", "task name")
	taskCmd.Flags().StringVar(&flagLog, "log", model.LogStderr, "log target")
	_ = taskCmd.MarkFlagRequired("config")
	_ = taskCmd.MarkFlagRequired("task")

	latestCmd.Flags().StringVar(&flagDir, "dir", ".", "work directory holding lute.db")
	latestCmd.Flags().StringVar(&flagParam, "param", "", "parameter or result column, e.g. result.summary")
	latestCmd.Flags().BoolVar(&flagAny, "any", false, "include failed executions")
	_ = latestCmd.MarkFlagRequired("param")
	dbCmd.AddCommand(latestCmd)

	// never print messages
	rootCmd.SilenceErrors = true

	// parse settings, setup logging
	rootCmd.PersistentPreRunE = initLute
	rootCmd.PersistentPostRunE = func(*cobra.Command, []string) error { return closeLog() }

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("lute failed", "err", err)
		os.Exit(1)
	}
}

func mustBind(key string, f *pflag.Flag) {
	if err := settings.BindPFlag(key, f); err != nil {
		panic(err)
	}
}

var rootCmd = &cobra.Command{
	Use:          "lute",
	Short:        "Runs analysis tasks as managed subprocesses",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run <executor|task>",
	Short: "run executes a task and records the outcome in the work directory",
	Args:  cobra.ExactArgs(1),
	RunE:  doRun,
}

var taskCmd = &cobra.Command{
	Use:    "_task",
	Short:  "internal command",
	Args:   cobra.NoArgs,
	Run:    doTask,
	Hidden: true,
	// the task configures its own logging
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
}

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "db queries the execution database",
}

var latestCmd = &cobra.Command{
	Use:   "latest <task>",
	Short: "latest prints the most recent value of a parameter",
	Args:  cobra.ExactArgs(1),
	RunE:  doLatest,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a lute",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("lute: version info not available")
			return
		}

		fmt.Printf("lute:   %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("lute",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	e, err := cfg.Build(ctx, args[0], flagConfigPath)
	if err != nil {
		return err
	}
	if err := e.Execute(ctx); err != nil {
		return err
	}

	res := e.Analysis().Result
	slog.InfoContext(ctx, "task finished", "task", res.TaskName, "status", res.Status, "summary", res.Summary)
	if res.Status != model.StatusCompleted {
		return fmt.Errorf("task %s %s", res.TaskName, res.Status)
	}
	return nil
}

func doTask(cmd *cobra.Command, _ []string) {
	ctx := cmd.Context()
	verbose := settings.GetBool("verbose")
	level := "warn"
	if verbose {
		level = "debug"
	}
	logger, closeFn, err := log.New(log.Options{Level: level, Target: flagLog})
	if err != nil {
		slog.Error("lute failed", "err", err)
		os.Exit(1)
	}
	attrs := slog.Group("lute",
		slog.String("cmd", "_task"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	code := task.Main(ctx, task.MainConfig{
		ConfigPath: flagConfigPath,
		TaskName:   flagTaskName,
		Registry:   task.Builtin(),
		Logger:     logger,
		Verbose:    verbose,
	})
	_ = closeFn()
	os.Exit(code)
}

func doLatest(cmd *cobra.Command, args []string) error {
	v, err := store.ReadLatest(cmd.Context(), flagDir, args[0], flagParam, !flagAny)
	if err != nil {
		return err
	}
	if v == nil {
		return fmt.Errorf("no value of %s for task %s", flagParam, args[0])
	}
	fmt.Println(v)
	return nil
}

func initLute(cmd *cobra.Command, _ []string) error {
	var err error
	cfg, err = executor.ParseConfig(settings, flagSettingsPath)
	if err != nil {
		return err
	}

	logger, closeFn, err := log.New(log.Options{Verbose: cfg.Verbose, Target: cfg.Log})
	if err != nil {
		return err
	}
	closeLog = closeFn
	slog.SetDefault(logger)

	slog.Debug("lute run", "settingsPath", flagSettingsPath)
	slog.Debug("lute run", "config", cfg)
	return nil
}
