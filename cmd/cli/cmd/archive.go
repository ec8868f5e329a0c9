package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/vm-profiler/internal/archive"
	"github.com/vm-profiler/internal/repository"
	"github.com/vm-profiler/internal/storage"
	"github.com/vm-profiler/pkg/compression"
)

var (
	archiveLimit  int
	archiveOutput string
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Manage archived profiles and snapshots",
	Long: `Archive reads the artifact store configured for profilerd: the database
holding the artifact records and the local or COS storage holding the blobs.`,
}

var archiveListCmd = &cobra.Command{
	Use:       "list <profiles|snapshots>",
	Short:     "List archived artifacts, newest first",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"profiles", "snapshots"},
	RunE:      runArchiveList,
}

var archiveGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Download an archived artifact",
	Long: `Get writes the artifact stored at key to --output, or to stdout. Snapshots
are decompressed to the wire format; profiles are written as stored (pprof).`,
	Args: cobra.ExactArgs(1),
	RunE: runArchiveGet,
}

var archiveDeleteCmd = &cobra.Command{
	Use:   "delete <key>...",
	Short: "Delete archived artifacts",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runArchiveDelete,
}

func init() {
	rootCmd.AddCommand(archiveCmd)
	archiveCmd.AddCommand(archiveListCmd, archiveGetCmd, archiveDeleteCmd)

	archiveListCmd.Flags().IntVarP(&archiveLimit, "limit", "n", 50, "Maximum number of records")
	archiveGetCmd.Flags().StringVarP(&archiveOutput, "output", "o", "", "Output file (defaults to stdout)")
}

// openArchiver connects to the configured artifact store. The returned
// function closes the database.
func openArchiver(ctx context.Context) (*archive.Archiver, func(), error) {
	t, err := compression.ParseType(cfg.Snapshot.Compression)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.EnsureStorageDir(); err != nil {
		return nil, nil, err
	}
	store, err := storage.NewStorage(&cfg.Storage)
	if err != nil {
		return nil, nil, err
	}
	db, err := repository.NewGormDB(&cfg.Database, false)
	if err != nil {
		return nil, nil, err
	}
	repos, err := repository.NewRepositories(ctx, db, repository.WithRawSQL(cfg.Database.RawSQL))
	if err != nil {
		return nil, nil, err
	}
	a := archive.New(store, repos.Artifacts, archive.Config{
		Compression: t,
		ChunkSize:   cfg.Snapshot.ChunkSize,
		Workers:     cfg.Snapshot.ArchiveWorkers,
		Logger:      GetLogger(),
	})
	return a, func() { repos.Close() }, nil
}

func archiveAll(ctx context.Context, out io.Writer, a *archive.Archiver, items []archive.Item) error {
	outcomes, err := a.ArchiveAll(ctx, items)
	for _, o := range outcomes {
		if o.Err != nil {
			fmt.Fprintf(out, "Archive failed: %v\n", o.Err)
			continue
		}
		fmt.Fprintf(out, "Archived as %s (%s)\n", o.Key, humanize.Bytes(uint64(o.Size)))
	}
	return err
}

func runArchiveList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, closeArchive, err := openArchiver(ctx)
	if err != nil {
		return err
	}
	defer closeArchive()

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetAutoWrapText(false)
	switch args[0] {
	case "profiles":
		recs, err := a.ListProfiles(ctx, archiveLimit)
		if err != nil {
			return err
		}
		table.SetHeader([]string{"Key", "UID", "Title", "Samples", "Nodes", "Size", "Created"})
		for _, r := range recs {
			table.Append([]string{r.Key, fmt.Sprint(r.UID), r.Title, humanize.Comma(int64(r.Samples)),
				humanize.Comma(int64(r.Nodes)), humanize.Bytes(uint64(r.Size)), humanize.Time(r.CreatedAt)})
		}
	case "snapshots":
		recs, err := a.ListSnapshots(ctx, archiveLimit)
		if err != nil {
			return err
		}
		table.SetHeader([]string{"Key", "UID", "Title", "Kind", "Nodes", "Edges", "Size", "Created"})
		for _, r := range recs {
			table.Append([]string{r.Key, fmt.Sprint(r.UID), r.Title, r.Kind, humanize.Comma(int64(r.Nodes)),
				humanize.Comma(int64(r.Edges)), humanize.Bytes(uint64(r.Size)), humanize.Time(r.CreatedAt)})
		}
	}
	table.Render()
	return nil
}

func runArchiveGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, closeArchive, err := openArchiver(ctx)
	if err != nil {
		return err
	}
	defer closeArchive()

	key := args[0]
	var rc io.ReadCloser
	if isSnapshotKey(key) {
		_, rc, err = a.OpenSnapshot(ctx, key)
	} else {
		_, rc, err = a.OpenProfile(ctx, key)
	}
	if err != nil {
		return err
	}
	defer rc.Close()

	if archiveOutput == "" {
		_, err = io.Copy(cmd.OutOrStdout(), rc)
		return err
	}
	if err := writeFile(archiveOutput, func(w io.Writer) error {
		_, err := io.Copy(w, rc)
		return err
	}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s written to %s\n", key, archiveOutput)
	return nil
}

func runArchiveDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, closeArchive, err := openArchiver(ctx)
	if err != nil {
		return err
	}
	defer closeArchive()

	for _, key := range args {
		if isSnapshotKey(key) {
			err = a.DeleteSnapshot(ctx, key)
		} else {
			err = a.DeleteProfile(ctx, key)
		}
		if err != nil {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", key)
	}
	return nil
}

func isSnapshotKey(key string) bool {
	return strings.HasPrefix(key, archive.SnapshotPrefix)
}
