package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vm-profiler/internal/objgraph"
	"github.com/vm-profiler/internal/replay"
	"github.com/vm-profiler/internal/service"
	"github.com/vm-profiler/pkg/config"
	"github.com/vm-profiler/pkg/telemetry"
	"github.com/vm-profiler/pkg/utils"
)

// Version information (injected by build flags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Command line flags
var (
	configPath   string
	heapPath     string
	workloadPath string
	threadFrames bool
	verbose      bool
)

// binName returns the base name of the current executable
func binName() string {
	return filepath.Base(os.Args[0])
}

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "profilerd",
	Short: "A CPU and heap profiling service",
	Long: `profilerd profiles a program instance and serves the results over HTTP.

The program is described by a heap file (JSON or YAML objects and references)
and a collapsed stack file the CPU profiler samples in a loop. Profiles and heap
snapshots are taken through the web API and can be archived to local or COS
storage, with their metadata kept in sqlite, PostgreSQL or MySQL.`,
	RunE: runService,
}

// versionCmd shows version information
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s version %s\n", binName(), Version)
		fmt.Printf("  Git Commit: %s\n", GitCommit)
		fmt.Printf("  Build Time: %s\n", BuildTime)
		fmt.Printf("  Go Version: %s\n", runtime.Version())
		fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	bin := binName()
	rootCmd.Example = `  # Serve a described heap and a recorded workload
  ` + bin + ` -c ./config.yaml --heap ./heap.yaml --workload ./app.collapsed

  # Workload lines starting with a thread frame (name-pid/tid)
  ` + bin + ` --workload ./perf.collapsed --threads

  # Override the listen address through the environment
  VMPROF_SERVER_ADDR=:9090 ` + bin + ` -c ./config.yaml`

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	rootCmd.Flags().StringVar(&heapPath, "heap", "", "Heap description to snapshot (JSON or YAML)")
	rootCmd.Flags().StringVar(&workloadPath, "workload", "", "Collapsed stacks the CPU profiler samples")
	rootCmd.Flags().BoolVar(&threadFrames, "threads", false, "Workload lines start with a thread frame")

	rootCmd.AddCommand(versionCmd)
}

func runService(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, closer, err := service.NewLogger(&cfg.Log, verbose)
	if err != nil {
		return err
	}
	defer closer.Close()
	utils.SetGlobalLogger(logger)

	logger.Info("Starting profilerd...")
	logger.Info("Version: %s, Commit: %s, Built: %s", Version, GitCommit, BuildTime)
	logger.Info("Database: %s, storage: %s, snapshot compression: %s",
		cfg.Database.Type, cfg.Storage.Type, cfg.Snapshot.Compression)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tcfg := telemetry.LoadFromEnv()
	tcfg.Merge(telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "profilerd",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Protocol:       cfg.Telemetry.Protocol,
		Sampler:        cfg.Telemetry.Sampler,
	})
	shutdownTracing, err := telemetry.InitWithConfig(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("Failed to flush traces: %v", err)
		}
	}()

	workload, err := loadWorkload(ctx)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	svc, err := service.New(cfg, logger, workload)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	if err := svc.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize service: %w", err)
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}
	logger.Info("Serving on %s", cfg.Server.Addr)

	var serveErr error
	select {
	case sig := <-sigChan:
		logger.Info("Received signal %v, initiating graceful shutdown...", sig)
	case serveErr = <-svc.Done():
		logger.Error("Server stopped: %v", serveErr)
	}
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := svc.Stop(stopCtx); err != nil {
		logger.Error("Error during shutdown: %v", err)
	}
	return serveErr
}

func loadWorkload(ctx context.Context) (service.Workload, error) {
	var w service.Workload
	if heapPath != "" {
		heap, err := objgraph.LoadFile(heapPath)
		if err != nil {
			return w, err
		}
		w.Heap = heap
	}
	if workloadPath != "" {
		stacks, err := replay.ParseFile(ctx, workloadPath, replay.ParseOptions{ThreadFrame: threadFrames})
		if err != nil {
			return w, err
		}
		w.Stacks = stacks
	}
	return w, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
