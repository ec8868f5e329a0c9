// Package archive stores serialized heap snapshots and exported CPU
// profiles in blob storage and records their metadata.
package archive

import (
	"context"
	"errors"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vm-profiler/internal/cpuprofile"
	"github.com/vm-profiler/internal/heapsnapshot"
	"github.com/vm-profiler/internal/repository"
	"github.com/vm-profiler/internal/storage"
	"github.com/vm-profiler/pkg/compression"
	apperrors "github.com/vm-profiler/pkg/errors"
	"github.com/vm-profiler/pkg/parallel"
	"github.com/vm-profiler/pkg/telemetry"
	"github.com/vm-profiler/pkg/utils"
)

// Key prefixes of the stored artifacts.
const (
	SnapshotPrefix = "snapshots/"
	ProfilePrefix  = "profiles/"
)

const (
	snapshotSuffix = ".heapsnapshot"
	// pprof files are gzipped by the encoder itself.
	profileSuffix      = ".pb.gz"
	profileCompression = "gzip"
)

// Observer is told the stored size of every archived artifact.
type Observer interface {
	ArtifactStored(kind string, bytes int64)
}

// Config configures an Archiver.
type Config struct {
	Compression compression.Type
	Level       compression.Level
	// ChunkSize is the serializer chunk size, 0 for the default.
	ChunkSize int
	// Workers bounds ArchiveAll, 0 for the pool default.
	Workers  int
	Logger   utils.Logger
	Observer Observer
}

// Archiver writes artifacts to a Storage and their records to an
// ArtifactRepository.
type Archiver struct {
	store  storage.Storage
	repo   repository.ArtifactRepository
	cfg    Config
	logger utils.Logger
}

// New creates an Archiver.
func New(store storage.Storage, repo repository.ArtifactRepository, cfg Config) *Archiver {
	if cfg.Logger == nil {
		cfg.Logger = &utils.NullLogger{}
	}
	if cfg.Level == 0 {
		cfg.Level = compression.LevelDefault
	}
	return &Archiver{
		store:  store,
		repo:   repo,
		cfg:    cfg,
		logger: cfg.Logger.WithField("component", "archiver"),
	}
}

// ArchiveSnapshot serializes s into storage and saves its record.
func (a *Archiver) ArchiveSnapshot(ctx context.Context, s *heapsnapshot.HeapSnapshot) (rec *repository.SnapshotRecord, err error) {
	ctx, span := telemetry.StartSpan(ctx, "archive.snapshot",
		attribute.Int64("snapshot.uid", int64(s.UID())),
		attribute.Int("snapshot.entries", s.EntriesCount()),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	key := SnapshotPrefix + uuid.NewString() + snapshotSuffix + a.cfg.Compression.Extension()
	size, err := a.put(ctx, key, a.cfg.Compression, func(w io.Writer) error {
		stream := heapsnapshot.NewWriterStream(w, a.cfg.ChunkSize)
		if err := s.Serialize(stream, heapsnapshot.FormatJSON); err != nil {
			return err
		}
		if err := stream.Err(); err != nil {
			return err
		}
		if !stream.Ended() {
			return errors.New("serialization stopped before the end of the snapshot")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	rec = &repository.SnapshotRecord{
		Key:         key,
		UID:         s.UID(),
		Title:       s.Title(),
		Kind:        s.Kind().String(),
		Nodes:       s.EntriesCount(),
		Edges:       s.EdgesCount(),
		Size:        size,
		Compression: a.cfg.Compression.String(),
	}
	if err := a.repo.SaveSnapshot(ctx, rec); err != nil {
		a.discard(ctx, key)
		return nil, err
	}
	a.stored("snapshot", size)
	a.logger.Info("Archived snapshot %d %q as %s (%s)", s.UID(), s.Title(), key, humanize.Bytes(uint64(size)))
	return rec, nil
}

// ArchiveProfile stores the pprof export of p and saves its record.
func (a *Archiver) ArchiveProfile(ctx context.Context, p *cpuprofile.CpuProfile) (rec *repository.ProfileRecord, err error) {
	ctx, span := telemetry.StartSpan(ctx, "archive.profile",
		attribute.Int64("profile.uid", int64(p.UID())),
		attribute.Int64("profile.samples", int64(p.SamplesCount())),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	key := ProfilePrefix + uuid.NewString() + profileSuffix
	size, err := a.put(ctx, key, compression.TypeNone, func(w io.Writer) error {
		return cpuprofile.WritePprof(w, p)
	})
	if err != nil {
		return nil, err
	}

	rec = &repository.ProfileRecord{
		Key:         key,
		UID:         p.UID(),
		Title:       p.Title(),
		Samples:     p.SamplesCount(),
		Nodes:       p.TopDown().NodesCount(),
		Size:        size,
		Compression: profileCompression,
	}
	if err := a.repo.SaveProfile(ctx, rec); err != nil {
		a.discard(ctx, key)
		return nil, err
	}
	a.stored("profile", size)
	a.logger.Info("Archived profile %d %q as %s (%s)", p.UID(), p.Title(), key, humanize.Bytes(uint64(size)))
	return rec, nil
}

// Item is one artifact of a batch; exactly one field is set.
type Item struct {
	Snapshot *heapsnapshot.HeapSnapshot
	Profile  *cpuprofile.CpuProfile
}

// Outcome is the result of archiving one Item.
type Outcome struct {
	Item Item
	Key  string
	Size int64
	Err  error
}

// ArchiveAll archives items concurrently. Outcomes are in item order; the
// returned error is the first failure, if any.
func (a *Archiver) ArchiveAll(ctx context.Context, items []Item) ([]Outcome, error) {
	cfg := parallel.DefaultPoolConfig()
	if a.cfg.Workers > 0 {
		cfg = cfg.WithWorkers(a.cfg.Workers)
	}
	pool := parallel.NewWorkerPool[Item, Outcome](cfg)
	results := pool.ExecuteFunc(ctx, items, func(ctx context.Context, it Item) (Outcome, error) {
		switch {
		case it.Snapshot != nil:
			rec, err := a.ArchiveSnapshot(ctx, it.Snapshot)
			if err != nil {
				return Outcome{}, err
			}
			return Outcome{Key: rec.Key, Size: rec.Size}, nil
		case it.Profile != nil:
			rec, err := a.ArchiveProfile(ctx, it.Profile)
			if err != nil {
				return Outcome{}, err
			}
			return Outcome{Key: rec.Key, Size: rec.Size}, nil
		default:
			return Outcome{}, apperrors.New(apperrors.CodeInvalidInput, "empty archive item")
		}
	})

	m := pool.Metrics()
	a.logger.Debug("Archived %d items in %v: %d failed, %d skipped, slowest %v",
		m.Tasks, m.Elapsed, m.Failed, m.Skipped, m.Slowest)

	outcomes := lo.Map(results, func(r parallel.TaskResult[Item, Outcome], _ int) Outcome {
		out := r.Result
		out.Item = r.Input
		out.Err = r.Error
		return out
	})
	failed, found := lo.Find(outcomes, func(o Outcome) bool { return o.Err != nil })
	if found {
		return outcomes, failed.Err
	}
	return outcomes, nil
}

// OpenSnapshot returns the record of the snapshot stored at key and a
// reader of its decompressed wire format.
func (a *Archiver) OpenSnapshot(ctx context.Context, key string) (*repository.SnapshotRecord, io.ReadCloser, error) {
	rec, err := a.repo.GetSnapshot(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	t, err := compression.ParseType(rec.Compression)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.CodeStorageError, "bad snapshot record", err)
	}
	blob, err := a.store.Get(ctx, key)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.CodeStorageError, "failed to open snapshot", err)
	}
	rc, err := compression.NewReader(blob, t)
	if err != nil {
		blob.Close()
		return nil, nil, apperrors.Wrap(apperrors.CodeStorageError, "failed to open snapshot", err)
	}
	return rec, &stackedCloser{ReadCloser: rc, under: blob}, nil
}

// OpenProfile returns the record of the profile stored at key and a reader
// of the pprof file.
func (a *Archiver) OpenProfile(ctx context.Context, key string) (*repository.ProfileRecord, io.ReadCloser, error) {
	rec, err := a.repo.GetProfile(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	blob, err := a.store.Get(ctx, key)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.CodeStorageError, "failed to open profile", err)
	}
	return rec, blob, nil
}

// DeleteSnapshot removes the record and the blob of a snapshot.
func (a *Archiver) DeleteSnapshot(ctx context.Context, key string) error {
	if err := a.repo.DeleteSnapshot(ctx, key); err != nil {
		return err
	}
	return a.deleteBlob(ctx, key)
}

// DeleteProfile removes the record and the blob of a profile.
func (a *Archiver) DeleteProfile(ctx context.Context, key string) error {
	if err := a.repo.DeleteProfile(ctx, key); err != nil {
		return err
	}
	return a.deleteBlob(ctx, key)
}

// ListSnapshots returns the newest snapshot records first.
func (a *Archiver) ListSnapshots(ctx context.Context, limit int) ([]*repository.SnapshotRecord, error) {
	return a.repo.ListSnapshots(ctx, limit)
}

// ListProfiles returns the newest profile records first.
func (a *Archiver) ListProfiles(ctx context.Context, limit int) ([]*repository.ProfileRecord, error) {
	return a.repo.ListProfiles(ctx, limit)
}

// URL returns where the blob at key can be downloaded from.
func (a *Archiver) URL(key string) string { return a.store.URL(key) }

func (a *Archiver) deleteBlob(ctx context.Context, key string) error {
	if err := a.store.Delete(ctx, key); err != nil {
		return apperrors.Wrap(apperrors.CodeStorageError, "failed to delete "+key, err)
	}
	return nil
}

// put streams the output of write, compressed with t, into the blob at key
// and returns the stored size.
func (a *Archiver) put(ctx context.Context, key string, t compression.Type, write func(io.Writer) error) (int64, error) {
	pr, pw := io.Pipe()
	counter := &countingWriter{w: pw}
	done := make(chan error, 1)

	go func() {
		zw, err := compression.NewWriter(counter, t, a.cfg.Level)
		if err != nil {
			pw.CloseWithError(err)
			done <- err
			return
		}
		err = write(zw)
		if cerr := zw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
		done <- err
	}()

	putErr := a.store.Put(ctx, key, pr)
	// Unblocks the writer when Put gave up early.
	pr.Close()
	writeErr := <-done

	if writeErr != nil && !errors.Is(writeErr, io.ErrClosedPipe) {
		return 0, apperrors.Wrap(apperrors.CodeSerializeError, "failed to write "+key, writeErr)
	}
	if putErr != nil {
		return 0, apperrors.Wrap(apperrors.CodeStorageError, "failed to store "+key, putErr)
	}
	if writeErr != nil {
		return 0, apperrors.Wrap(apperrors.CodeStorageError, "failed to store "+key, writeErr)
	}
	return counter.n, nil
}

func (a *Archiver) discard(ctx context.Context, key string) {
	if err := a.store.Delete(ctx, key); err != nil {
		a.logger.Warn("Failed to remove unrecorded artifact %s: %v", key, err)
	}
}

func (a *Archiver) stored(kind string, size int64) {
	if a.cfg.Observer != nil {
		a.cfg.Observer.ArtifactStored(kind, size)
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// stackedCloser closes the decompressor and then the blob under it.
type stackedCloser struct {
	io.ReadCloser
	under io.Closer
}

func (s *stackedCloser) Close() error {
	err := s.ReadCloser.Close()
	if uerr := s.under.Close(); err == nil {
		err = uerr
	}
	return err
}
