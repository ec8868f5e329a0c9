package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/vm-profiler/internal/archive"
	"github.com/vm-profiler/internal/heapsnapshot"
	"github.com/vm-profiler/internal/objgraph"
	"github.com/vm-profiler/pkg/compression"
	apperrors "github.com/vm-profiler/pkg/errors"
)

var (
	// heap snapshot flags
	heapInput   string
	heapOutput  string
	heapTitle   string
	heapKind    string
	heapChanges []string
	heapArchive bool

	// heap inspect flags
	inspectTop int
)

var heapCmd = &cobra.Command{
	Use:   "heap",
	Short: "Take and inspect heap snapshots",
}

var heapSnapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Take a heap snapshot of a described heap",
	Long: `Snapshot loads a heap description (JSON or YAML) and takes a snapshot of it.

Every --changes file is a change set (moves, removals and additions) applied to
the heap in order. A new snapshot is taken after each one and compared with the
previous snapshot by object id. The last snapshot is written to --output,
compressed when the name ends in .gz or .zst.`,
	RunE: runHeapSnapshot,
}

var heapInspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Summarize a serialized heap snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runHeapInspect,
}

func init() {
	rootCmd.AddCommand(heapCmd)
	heapCmd.AddCommand(heapSnapshotCmd, heapInspectCmd)

	f := heapSnapshotCmd.Flags()
	f.StringVarP(&heapInput, "input", "i", "", "Heap description file (required)")
	f.StringVarP(&heapOutput, "output", "o", "", "Write the last snapshot to this file")
	f.StringVar(&heapTitle, "title", "", "Snapshot title (defaults to the input file name)")
	f.StringVar(&heapKind, "kind", "full", "Snapshot kind: full or aggregated")
	f.StringArrayVar(&heapChanges, "changes", nil, "Change set to apply before the next snapshot (repeatable)")
	f.BoolVar(&heapArchive, "archive", false, "Archive every snapshot to the configured artifact store")
	heapSnapshotCmd.MarkFlagRequired("input")

	heapInspectCmd.Flags().IntVarP(&inspectTop, "top", "n", 10, "Number of largest retainers to print")
}

func runHeapSnapshot(cmd *cobra.Command, args []string) error {
	log := GetLogger()
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	kind, err := heapsnapshot.ParseSnapshotKind(heapKind)
	if err != nil {
		return err
	}
	if kind != heapsnapshot.KindFull && len(heapChanges) > 0 {
		return fmt.Errorf("--changes needs full snapshots")
	}
	changes := make([]*objgraph.Changes, 0, len(heapChanges))
	for _, path := range heapChanges {
		ch, err := objgraph.LoadChangesFile(path)
		if err != nil {
			return err
		}
		changes = append(changes, ch)
	}

	heap, err := objgraph.LoadFile(heapInput)
	if err != nil {
		return err
	}
	hp := heapsnapshot.NewHeapProfiler(heap, heapsnapshot.Options{
		ProgressGranularity: cfg.Snapshot.ProgressGranularity,
		Timing:              cfg.Snapshot.Timing || verbose,
		Logger:              log,
	})
	heap.DefineClasses(hp)

	title := heapTitle
	if title == "" {
		title = filepath.Base(heapInput)
	}
	take := func(t string) (*heapsnapshot.HeapSnapshot, error) {
		snap := hp.TakeSnapshot(ctx, t, kind, nil)
		if snap == nil {
			return nil, apperrors.ErrSnapshotAborted
		}
		fmt.Fprintf(out, "Snapshot %d %q (%s): %s entries, %s edges\n", snap.UID(), snap.Title(), snap.Kind(),
			humanize.Comma(int64(snap.EntriesCount())), humanize.Comma(int64(snap.EdgesCount())))
		return snap, nil
	}

	snap, err := take(title)
	if err != nil {
		return err
	}
	for i, ch := range changes {
		if err := heap.Apply(ch, hp.ObjectMoveEvent); err != nil {
			return fmt.Errorf("failed to apply %s: %w", heapChanges[i], err)
		}
		next, err := take(fmt.Sprintf("%s #%d", title, i+1))
		if err != nil {
			return err
		}
		printDiff(out, heapsnapshot.CompareSnapshots(snap, next))
		snap = next
	}

	if heapOutput != "" {
		t := compressionFor(heapOutput)
		var written int64
		err := writeFile(heapOutput, func(w io.Writer) error {
			cw, err := compression.NewWriter(w, t, compression.LevelDefault)
			if err != nil {
				return err
			}
			stream := heapsnapshot.NewWriterStream(cw, cfg.Snapshot.ChunkSize)
			if err := snap.Serialize(stream, heapsnapshot.FormatJSON); err != nil {
				cw.Close()
				return err
			}
			if err := stream.Err(); err != nil {
				cw.Close()
				return err
			}
			written = stream.Written()
			return cw.Close()
		})
		if err != nil {
			return fmt.Errorf("failed to write snapshot: %w", err)
		}
		log.Info("Snapshot written to %s (%s serialized, %s)", heapOutput, humanize.Bytes(uint64(written)), t)
	}

	if heapArchive {
		a, closeArchive, err := openArchiver(ctx)
		if err != nil {
			return err
		}
		defer closeArchive()
		items := lo.Map(hp.Snapshots(), func(s *heapsnapshot.HeapSnapshot, _ int) archive.Item {
			return archive.Item{Snapshot: s}
		})
		if err := archiveAll(ctx, out, a, items); err != nil {
			return err
		}
	}
	return nil
}

func printDiff(out io.Writer, d heapsnapshot.SnapshotDiff) {
	fmt.Fprintf(out, "  +%d entries (%s), -%d entries (%s)\n",
		len(d.Added), humanize.Bytes(uint64(d.AddedSize())),
		len(d.Removed), humanize.Bytes(uint64(d.RemovedSize())))
	if len(d.Added)+len(d.Removed) == 0 {
		return
	}
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"", "ID", "Type", "Name", "Self size"})
	table.SetAutoWrapText(false)
	row := func(sign string, e *heapsnapshot.HeapEntry) {
		table.Append([]string{sign, strconv.FormatUint(e.ID(), 10), e.Type().String(), e.Name(),
			humanize.Bytes(uint64(e.SelfSize()))})
	}
	for _, e := range d.Added {
		row("+", e)
	}
	for _, e := range d.Removed {
		row("-", e)
	}
	table.Render()
}

func runHeapInspect(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	r, t, err := compression.NewAutoReader(f)
	if err != nil {
		return err
	}
	defer r.Close()

	parsed, err := heapsnapshot.Parse(r)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Snapshot %d %q (%s): %s nodes, %s edges, %s strings\n",
		parsed.UID, parsed.Title, t,
		humanize.Comma(int64(len(parsed.Nodes))),
		humanize.Comma(int64(parsed.EdgesCount())),
		humanize.Comma(int64(len(parsed.Strings))))

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"ID", "Type", "Name", "Self size", "Retained size", "Edges"})
	table.SetAutoWrapText(false)
	for _, i := range parsed.TopRetainers(inspectTop) {
		n := parsed.Nodes[i]
		table.Append([]string{
			strconv.FormatUint(n.ID, 10),
			n.Type.String(),
			n.Name,
			humanize.Bytes(uint64(n.SelfSize)),
			humanize.Bytes(uint64(n.RetainedSize)),
			strconv.Itoa(len(n.Edges)),
		})
	}
	table.Render()
	return nil
}

// compressionFor picks the output compression from the file name.
func compressionFor(path string) compression.Type {
	switch filepath.Ext(path) {
	case compression.TypeGzip.Extension():
		return compression.TypeGzip
	case compression.TypeZstd.Extension():
		return compression.TypeZstd
	default:
		return compression.TypeNone
	}
}
