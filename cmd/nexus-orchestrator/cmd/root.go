// Package cmd implements the nexus-orchestrator command-line surface:
// the operational entry point for the workflow orchestration kernel.
// One file per subcommand, with root.go wiring persistent flags.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Ghabs95/nexus-core/internal/agentdef"
	"github.com/Ghabs95/nexus-core/internal/config"
	"github.com/Ghabs95/nexus-core/internal/engine"
	"github.com/Ghabs95/nexus-core/internal/eventbus"
	"github.com/Ghabs95/nexus-core/internal/logging"
	"github.com/Ghabs95/nexus-core/internal/monitor"
	"github.com/Ghabs95/nexus-core/internal/observability"
	"github.com/Ghabs95/nexus-core/internal/reconciler"
	"github.com/Ghabs95/nexus-core/internal/storage"
	"github.com/Ghabs95/nexus-core/internal/storage/fsstore"
	"github.com/Ghabs95/nexus-core/internal/storage/sqlstore"
	"github.com/Ghabs95/nexus-core/internal/workflow"
)

var (
	// Version is set at build time via ldflags.
	Version = "dev"

	workDir    string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "nexus-orchestrator",
	Short: "Workflow orchestration kernel for agent-driven ticket delivery",
	Long: `nexus-orchestrator drives multi-step software-delivery tickets through
a declared workflow by launching specialized agents as monitored
subprocesses and advancing on their structured completion signals.

It is the operational surface over the workflow engine, storage
backend, process monitor, and reconciler described in the kernel's
design: create and start workflows, record agent completions,
approve or deny gates, and reconcile local state against the remote
ticket's comment history when the three sources of truth disagree.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workDir, "workdir", "C", "", "project directory (default: current directory)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit machine-readable JSON output")
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("nexus-orchestrator {{.Version}}\n")
}

// getWorkDir returns the effective project directory.
func getWorkDir() (string, error) {
	if workDir != "" {
		return workDir, nil
	}
	return os.Getwd()
}

// app bundles the wired-up kernel components a subcommand needs. Built
// fresh per invocation from the project's config — short-lived CLI
// processes don't need the hot-reload watcher a long-running host would.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	closer func() error

	store storage.Store
	bus   *eventbus.EventBus
	defs  engine.MapDefinitions

	engine      *engine.Engine
	reconciler  *reconciler.Reconciler
	registry    *monitor.Registry
	monitor     *monitor.AgentMonitor
}

// buildApp loads project configuration from dir, wires the storage
// driver it selects, loads workflow definitions, and constructs the
// engine, reconciler, and process monitor over them.
func buildApp(dir string) (*app, error) {
	cfg, err := config.LoadFromDir(dir)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger, fileCloser, err := logging.NewFromConfig(cfg, dir)
	if err != nil {
		return nil, err
	}
	closeLog := func() error {
		if fileCloser != nil {
			return fileCloser.Close()
		}
		return nil
	}

	var store storage.Store
	switch cfg.Storage.Driver {
	case config.StorageDriverSQL:
		dsn := cfg.Storage.DSN
		if !filepath.IsAbs(dsn) && dsn != "" {
			dsn = filepath.Join(dir, dsn)
		}
		store, err = sqlstore.New(dsn)
	default:
		store, err = fsstore.New(cfg.StateDir(dir))
	}
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	defs, err := workflow.LoadDir(cfg.WorkflowDefinitionDir(dir))
	if err != nil {
		store.Close()
		closeLog()
		return nil, fmt.Errorf("loading workflow definitions: %w", err)
	}

	catalog, err := agentdef.LoadDir(cfg.AgentCapabilityDir(dir))
	if err != nil {
		store.Close()
		closeLog()
		return nil, fmt.Errorf("loading agent capability catalog: %w", err)
	}
	for _, def := range defs {
		catalog.ApplyDefaults(def)
	}

	bus := eventbus.New(logger)
	observability.Subscribe(bus)

	eng := engine.New(store, bus, engine.MapDefinitions(defs), cfg.Engine, nil, logger)
	rec := reconciler.New(eng, store, bus, logger)

	registry, err := monitor.NewRegistry(cfg.StateDir(dir))
	if err != nil {
		store.Close()
		closeLog()
		return nil, fmt.Errorf("opening launch registry: %w", err)
	}
	mon := monitor.New(registry, cfg.Monitor, bus, nil, logger)

	return &app{
		cfg:        cfg,
		logger:     logger,
		closer:     closeLog,
		store:      store,
		bus:        bus,
		defs:       engine.MapDefinitions(defs),
		engine:     eng,
		reconciler: rec,
		registry:   registry,
		monitor:    mon,
	}, nil
}

func (a *app) Close() {
	a.store.Close()
	if a.closer != nil {
		a.closer()
	}
}

// currentApp wires an app over the effective --workdir for the running
// command. Subcommands call this instead of buildApp directly so the
// --workdir flag resolution stays in one place.
func currentApp() (*app, error) {
	dir, err := getWorkDir()
	if err != nil {
		return nil, err
	}
	return buildApp(dir)
}

// withApp wires an app for the duration of fn and closes it afterward,
// regardless of whether fn errors.
func withApp(fn func(a *app) error) error {
	a, err := currentApp()
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
