package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/vm-profiler/internal/cpuprofile"
	"github.com/vm-profiler/internal/flamegraph"
	"github.com/vm-profiler/internal/replay"
	"github.com/vm-profiler/internal/webui"
)

var (
	// cpu replay flags
	cpuInput      string
	cpuTitle      string
	cpuThreads    bool
	cpuInterval   time.Duration
	cpuTop        int
	cpuPprofOut   string
	cpuFlameOut   string
	cpuFoldedOut  string
	cpuInverted   bool
	cpuArchive    bool
	cpuMinPercent float64
)

var cpuCmd = &cobra.Command{
	Use:   "cpu",
	Short: "Record and export CPU profiles",
}

var cpuReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Record a CPU profile from collapsed stacks",
	Long: `Replay samples every collapsed stack of the input as many times as its
count, on a simulated clock, and prints the functions with the most samples.

Each line of the input is "frame;frame;... count", outermost frame first. A
frame is "name(resource)" or a bare name; "name(resource:line)" records the
line. With --threads the first frame names the sampled thread and idle
(swapper) stacks are skipped.`,
	RunE: runCpuReplay,
}

func init() {
	rootCmd.AddCommand(cpuCmd)
	cpuCmd.AddCommand(cpuReplayCmd)

	f := cpuReplayCmd.Flags()
	f.StringVarP(&cpuInput, "input", "i", "", "Collapsed stack file (required)")
	f.StringVar(&cpuTitle, "title", "", "Profile title (defaults to the input file name)")
	f.BoolVar(&cpuThreads, "threads", false, "Lines start with a thread frame")
	f.DurationVar(&cpuInterval, "interval", time.Millisecond, "Simulated sampling interval")
	f.IntVarP(&cpuTop, "top", "n", 20, "Number of top functions to print, 0 for none")
	f.StringVar(&cpuPprofOut, "pprof", "", "Write the profile in pprof format")
	f.StringVar(&cpuFlameOut, "flamegraph", "", "Write flame graph JSON, gzipped when the name ends in .gz")
	f.StringVar(&cpuFoldedOut, "folded", "", "Write the flame graph as folded stacks")
	f.BoolVar(&cpuInverted, "inverted", false, "Build flame graphs from the bottom-up tree")
	f.Float64Var(&cpuMinPercent, "min-percent", 0, "Drop flame graph nodes below this share of samples")
	f.BoolVar(&cpuArchive, "archive", false, "Archive the profile to the configured artifact store")
	cpuReplayCmd.MarkFlagRequired("input")
}

func runCpuReplay(cmd *cobra.Command, args []string) error {
	log := GetLogger()
	ctx := cmd.Context()

	stacks, err := replay.ParseFile(ctx, cpuInput, replay.ParseOptions{ThreadFrame: cpuThreads})
	if err != nil {
		return err
	}
	title := cpuTitle
	if title == "" {
		title = filepath.Base(cpuInput)
	}
	log.Debug("Replaying %d stacks from %s", len(stacks), cpuInput)

	p, err := replay.Replay(ctx, title, stacks, replay.Options{Interval: cpuInterval, Logger: log})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Profile %q: %s samples, %s nodes, %.1f ms\n", p.Title(),
		humanize.Comma(int64(p.SamplesCount())),
		humanize.Comma(int64(p.TopDown().NodesCount())),
		p.TopDown().Root().TotalMillis())
	if cpuTop > 0 {
		printTopFunctions(out, webui.TopFunctions(p, cpuTop))
	}

	if cpuPprofOut != "" {
		if err := writeFile(cpuPprofOut, func(w io.Writer) error { return cpuprofile.WritePprof(w, p) }); err != nil {
			return fmt.Errorf("failed to write pprof: %w", err)
		}
		log.Info("pprof written to %s", cpuPprofOut)
	}

	if cpuFlameOut != "" || cpuFoldedOut != "" {
		opts := flamegraph.DefaultGeneratorOptions()
		opts.Inverted = cpuInverted
		opts.MinPercent = cpuMinPercent
		fg, err := flamegraph.NewGenerator(opts).Generate(ctx, p)
		if err != nil {
			return err
		}
		for _, path := range []string{cpuFlameOut, cpuFoldedOut} {
			if path == "" {
				continue
			}
			fw := flamegraph.WriterFor(path)
			if path == cpuFoldedOut {
				fw = flamegraph.NewFoldedWriter()
			}
			if err := writeFile(path, func(w io.Writer) error { return fw.Write(fg, w) }); err != nil {
				return fmt.Errorf("failed to write %s: %w", path, err)
			}
			log.Info("Flame graph written to %s", path)
		}
	}

	if cpuArchive {
		a, closeArchive, err := openArchiver(ctx)
		if err != nil {
			return err
		}
		defer closeArchive()
		rec, err := a.ArchiveProfile(ctx, p)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Archived as %s (%s)\n", rec.Key, humanize.Bytes(uint64(rec.Size)))
	}
	return nil
}

func printTopFunctions(out io.Writer, stats []webui.FunctionStat) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Function", "Resource", "Samples", "Time", "Share"})
	table.SetAutoWrapText(false)
	for _, s := range stats {
		resource := s.Resource
		if s.Line > 0 {
			resource = fmt.Sprintf("%s:%d", resource, s.Line)
		}
		table.Append([]string{
			s.Name,
			resource,
			humanize.Comma(int64(s.Samples)),
			fmt.Sprintf("%.1f ms", s.SelfMs),
			fmt.Sprintf("%.2f%%", s.Percent),
		})
	}
	table.Render()
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
