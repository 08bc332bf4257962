// Package main provides the artemis binary entry point.
// Artemis is an autonomous pipeline engine that drives a kanban card
// through analysis, implementation, and testing without human
// intervention.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	// Register LLM providers via init()
	_ "github.com/artemisengine/artemis/llm/providers"

	"github.com/spf13/cobra"

	"github.com/artemisengine/artemis/artifact"
	"github.com/artemisengine/artemis/card"
	"github.com/artemisengine/artemis/checkpoint"
	"github.com/artemisengine/artemis/config"
	"github.com/artemisengine/artemis/llm"
	"github.com/artemisengine/artemis/messaging"
	"github.com/artemisengine/artemis/orchestrator"
	"github.com/artemisengine/artemis/sandbox"
	"github.com/artemisengine/artemis/stage"
	"github.com/artemisengine/artemis/stages"
	"github.com/artemisengine/artemis/supervisor"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "artemis"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var setup *setupError
		if errors.As(err, &setup) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// setupError marks failures before any stage ran, which exit with code 2
// instead of the pipeline-failure code 1.
type setupError struct {
	err error
}

func (e *setupError) Error() string { return e.err.Error() }

func (e *setupError) Unwrap() error { return e.err }

type rootFlags struct {
	configPath string
	boardPath  string
	pinModel   string
	logLevel   string
}

func rootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "artemis",
		Short: "Autonomous development pipeline engine",
		Long: `Artemis drives a kanban card through a multi-stage pipeline:
analysis, architecture, dependency verification, competing developer
workers, review, sandboxed validation, arbitration, integration, and
final testing.

Runs are checkpointed and resumable; every stage result is stored in a
queryable artifact store so later runs learn from earlier ones.`,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.boardPath, "board", "", "Kanban board file (overrides config)")
	cmd.PersistentFlags().StringVar(&flags.pinModel, "model", "", "Pin every capability to one configured endpoint")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(runCmd(flags))
	cmd.AddCommand(planCmd(flags))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func runCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run <card-id>",
		Short: "Execute the full pipeline for one card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runPipeline(flags, args[0])
		},
	}
}

func planCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <card-id>",
		Short: "Print the workflow plan for one card without executing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			cfg, _, err := loadConfig(flags)
			if err != nil {
				return err
			}
			c, _, err := loadCard(cfg, args[0])
			if err != nil {
				return err
			}

			plan := cfg.Planner.Planner().Plan(c)
			return printJSON(plan)
		},
	}
}

func runPipeline(flags *rootFlags, cardID string) error {
	cfg, logger, err := loadConfig(flags)
	if err != nil {
		return &setupError{err}
	}

	c, board, err := loadCard(cfg, cardID)
	if err != nil {
		return &setupError{err}
	}

	engine, sup, err := buildEngine(cfg, board, flags.pinModel, logger)
	if err != nil {
		return &setupError{err}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Watch for hanging or zombie child processes for the whole run.
	sup.StartMonitor(ctx)

	report, err := engine.Run(ctx, c)
	if err != nil {
		return err
	}
	if err := printJSON(report); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, sup.PrintHealthReport())

	if !report.Completed() {
		return fmt.Errorf("pipeline failed at stage %s: %s", report.FailedStage, report.ErrorMessage)
	}
	return nil
}

func loadConfig(flags *rootFlags) (*config.Config, *slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(flags.logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var cfg *config.Config
	var err error
	if flags.configPath != "" {
		cfg, err = config.LoadFromFile(flags.configPath)
		if err == nil {
			err = cfg.Validate()
		}
	} else {
		cfg, err = config.NewLoader(logger).Load()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if flags.boardPath != "" {
		cfg.Paths.BoardFile = flags.boardPath
	}
	return cfg, logger, nil
}

func loadCard(cfg *config.Config, cardID string) (*card.Card, *card.Board, error) {
	board, err := card.LoadBoard(cfg.Paths.BoardFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load board: %w", err)
	}
	c, err := board.Get(cardID)
	if err != nil {
		return nil, nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid card %s: %w", cardID, err)
	}
	return c, board, nil
}

// buildEngine assembles every component of one pipeline run.
func buildEngine(cfg *config.Config, board *card.Board, pinModel string, logger *slog.Logger) (*orchestrator.Orchestrator, *supervisor.Supervisor, error) {
	registry := cfg.Models.Registry()
	if pinModel != "" {
		if err := registry.PinModel(pinModel); err != nil {
			return nil, nil, err
		}
	}
	tracker := cfg.Budget.Tracker()

	cache, err := llm.NewResponseCache(cfg.Paths.CacheDir())
	if err != nil {
		return nil, nil, fmt.Errorf("create response cache: %w", err)
	}

	// The supervisor consumes the gateway and the sandbox, and both report
	// back to the supervisor, so these callbacks bind late.
	var sup *supervisor.Supervisor
	client := llm.NewClient(registry,
		llm.WithLogger(logger),
		llm.WithCache(cache),
		llm.WithBudget(tracker),
		llm.WithCallLog(llm.NewCallLog(cfg.Paths.CallLogFile())),
		llm.WithUsageObserver(func(model, provider string, in, out int, stage, purpose string) {
			sup.TrackLLMCall(model, provider, in, out, stage, purpose)
		}),
	)

	store, err := artifact.NewStore(cfg.Paths.ArtifactFile())
	if err != nil {
		return nil, nil, fmt.Errorf("open artifact store: %w", err)
	}

	bus, err := messaging.NewBus(cfg.Paths.MailboxDir(), messaging.WithLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("open messaging bus: %w", err)
	}
	if err := bus.Register(cfg.Pipeline.AgentName, []string{"orchestration"}, "active"); err != nil {
		return nil, nil, fmt.Errorf("register on bus: %w", err)
	}

	exec, err := sandbox.NewExecutor(cfg.Paths.SandboxDir(),
		sandbox.WithLogger(logger),
		sandbox.WithProcessHooks(sandbox.ProcessHooks{
			Started: func(pid int) { sup.RegisterProcess(pid) },
			Exited:  func(pid int) { sup.UnregisterProcess(pid) },
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create sandbox executor: %w", err)
	}

	cpm, err := checkpoint.NewManager(cfg.Paths.CheckpointDir(), checkpoint.WithLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("open checkpoint manager: %w", err)
	}

	sup = supervisor.New(
		supervisor.WithLogger(logger),
		supervisor.WithBudget(tracker),
		supervisor.WithSandbox(exec),
		supervisor.WithArtifacts(store),
		supervisor.WithGateway(client),
	)

	deps := stage.Deps{
		Bus:       bus,
		Artifacts: store,
		LLM:       client,
		Sandbox:   exec,
		Logger:    logger,
		AgentName: cfg.Pipeline.AgentName,
	}
	stagesCfg := stages.DefaultConfig(cfg.Paths.WorkDir)
	stagesCfg.AutoApprove = cfg.Pipeline.AutoApprove
	if cfg.Pipeline.ApprovalTimeout > 0 {
		stagesCfg.ApprovalTimeout = cfg.Pipeline.ApprovalTimeout
	}
	stagesCfg.KnownDependencies = cfg.Pipeline.KnownDependencies
	stagesCfg.DeniedDependencies = cfg.Pipeline.DeniedDependencies
	if len(cfg.Pipeline.ProtectedPaths) > 0 {
		stagesCfg.ProtectedPaths = cfg.Pipeline.ProtectedPaths
	}
	stagesCfg.SandboxLimits = cfg.Sandbox.Limits
	stagesCfg.ScanSecurity = cfg.Sandbox.ScanSecurity

	engine := orchestrator.New(deps, stagesCfg, sup, cpm,
		orchestrator.WithBoard(board),
		orchestrator.WithPlanner(cfg.Planner.Planner()),
		orchestrator.WithLogger(logger),
	)
	return engine, sup, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
