package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/vm-profiler/pkg/config"
	"github.com/vm-profiler/pkg/utils"
)

var (
	// Global flags
	verbose    bool
	configPath string

	logger utils.Logger
	cfg    *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "vmprof",
	Short: "Offline CPU profile and heap snapshot tool",
	Long: `vmprof records CPU profiles from collapsed stacks and takes heap snapshots
of described heaps without a running daemon.

Profiles are written as pprof, flame graph JSON or folded stacks. Heap
snapshots are written in the snapshot wire format, optionally compressed, and
can be inspected or compared. Results can be archived to the artifact store
configured for profilerd.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logLevel := utils.LevelInfo
		if verbose {
			logLevel = utils.LevelDebug
		}
		logger = utils.NewDefaultLogger(logLevel, cmd.ErrOrStderr())

		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = c
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	binName := BinName()
	rootCmd.Example = `  # Replay a collapsed stack file and print the hottest functions
  ` + binName + ` cpu replay -i ./app.collapsed --top 20

  # Write pprof and an inverted flame graph
  ` + binName + ` cpu replay -i ./app.collapsed --pprof cpu.pb.gz --flamegraph fg.json.gz --inverted

  # Snapshot a heap, apply a change set and report the difference
  ` + binName + ` heap snapshot -i ./heap.yaml -o heap.heapsnapshot --changes ./leak.yaml

  # Show the largest retainers of a serialized snapshot
  ` + binName + ` heap inspect heap.heapsnapshot.zst

  # List archived artifacts
  ` + binName + ` archive list snapshots -c ./config.yaml`
}

// GetLogger returns the configured logger
func GetLogger() utils.Logger {
	return logger
}

// BinName returns the base name of the current executable
func BinName() string {
	return filepath.Base(os.Args[0])
}
