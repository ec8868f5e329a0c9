// Package service wires the profilers, the artifact archive and the web
// API of a profiler daemon.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/vm-profiler/internal/archive"
	"github.com/vm-profiler/internal/cpuprofile"
	"github.com/vm-profiler/internal/heapsnapshot"
	"github.com/vm-profiler/internal/metrics"
	"github.com/vm-profiler/internal/objgraph"
	"github.com/vm-profiler/internal/replay"
	"github.com/vm-profiler/internal/repository"
	"github.com/vm-profiler/internal/storage"
	"github.com/vm-profiler/internal/webui"
	"github.com/vm-profiler/pkg/compression"
	"github.com/vm-profiler/pkg/config"
	"github.com/vm-profiler/pkg/telemetry"
	"github.com/vm-profiler/pkg/utils"
)

// Workload is the program the daemon profiles: a heap description and
// the recorded stacks its CPU profiler samples.
type Workload struct {
	Heap   *objgraph.Heap
	Stacks []replay.Stack
}

// Service is the main application service.
type Service struct {
	config   *config.Config
	logger   utils.Logger
	workload Workload

	db       *repository.Repositories
	storage  storage.Storage
	archiver *archive.Archiver
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	cpu      *cpuprofile.CpuProfiler
	heap     *heapsnapshot.HeapProfiler
	server   *webui.Server

	mu       sync.Mutex
	running  bool
	serveErr chan error
}

// New creates a new Service instance.
func New(cfg *config.Config, logger utils.Logger, workload Workload) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = utils.NewDefaultLogger(utils.LevelInfo, nil)
	}
	return &Service{
		config:   cfg,
		logger:   logger,
		workload: workload,
	}, nil
}

// Initialize initializes all service components.
func (s *Service) Initialize(ctx context.Context) error {
	s.logger.Info("Initializing service components...")

	if err := s.initDatabase(ctx); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := s.initStorage(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	s.initMetrics()
	if err := s.initArchiver(); err != nil {
		return fmt.Errorf("failed to initialize archiver: %w", err)
	}
	if err := s.initProfilers(); err != nil {
		return fmt.Errorf("failed to initialize profilers: %w", err)
	}
	if err := s.initServer(); err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	s.logger.Info("Service components initialized successfully")
	return nil
}

func (s *Service) initDatabase(ctx context.Context) error {
	s.logger.Info("Connecting to database (%s)...", s.config.Database.Type)
	gormDB, err := repository.NewGormDB(&s.config.Database, telemetry.Enabled())
	if err != nil {
		return err
	}
	repos, err := repository.NewRepositories(ctx, gormDB, repository.WithRawSQL(s.config.Database.RawSQL))
	if err != nil {
		return err
	}
	s.db = repos
	s.logger.Info("Database connection established")
	return nil
}

func (s *Service) initStorage() error {
	s.logger.Info("Initializing storage (%s)...", s.config.Storage.Type)
	if err := s.config.EnsureStorageDir(); err != nil {
		return err
	}
	store, err := storage.NewStorage(&s.config.Storage)
	if err != nil {
		return err
	}
	s.storage = store
	return nil
}

func (s *Service) initMetrics() {
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = metrics.New(s.registry)
}

func (s *Service) initArchiver() error {
	t, err := compression.ParseType(s.config.Snapshot.Compression)
	if err != nil {
		return err
	}
	s.archiver = archive.New(s.storage, s.db.Artifacts, archive.Config{
		Compression: t,
		ChunkSize:   s.config.Snapshot.ChunkSize,
		Workers:     s.config.Snapshot.ArchiveWorkers,
		Logger:      s.logger,
		Observer:    s.metrics,
	})
	return nil
}

func (s *Service) initProfilers() error {
	heap := s.workload.Heap
	if heap == nil {
		var err error
		if heap, err = objgraph.Build(&objgraph.Doc{}); err != nil {
			return err
		}
	}
	s.heap = heapsnapshot.NewHeapProfiler(heap, heapsnapshot.Options{
		ProgressGranularity: s.config.Snapshot.ProgressGranularity,
		Timing:              s.config.Snapshot.Timing,
		Logger:              s.logger,
		Observer:            s.metrics,
	})
	heap.DefineClasses(s.heap)

	source := replay.NewSource(s.workload.Stacks)
	s.cpu = cpuprofile.NewCpuProfiler(source, ProfilerOptions(&s.config.Profiler, s.logger))
	source.Install(s.cpu)
	s.metrics.WatchCpuProfiler(s.cpu)

	s.logger.Info("Profiling %d heap objects and %d recorded stacks", heap.Len(), len(s.workload.Stacks))
	return nil
}

func (s *Service) initServer() error {
	server, err := webui.NewServer(s.cpu, s.heap, webui.Options{
		Addr:      s.config.Server.Addr,
		CacheSize: s.config.Server.CacheSize,
		ChunkSize: s.config.Snapshot.ChunkSize,
		Logger:    s.logger,
		Registry:  s.registry,
		Archiver:  s.archiver,
	})
	if err != nil {
		return err
	}
	s.server = server
	return nil
}

// ProfilerOptions converts the profiler configuration.
func ProfilerOptions(cfg *config.ProfilerConfig, logger utils.Logger) cpuprofile.Options {
	opts := cpuprofile.DefaultOptions()
	opts.SamplingInterval = cfg.SamplingInterval
	if cfg.MaxSimultaneousProfile > 0 {
		opts.MaxSimultaneousProfiles = cfg.MaxSimultaneousProfile
	}
	opts.BrowserMode = cfg.BrowserMode
	opts.EventsBuffer = cfg.EventBuffer
	opts.Logger = logger
	return opts
}

// Start starts serving the web API in the background.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return errors.New("service is not initialized")
	}
	if s.running {
		return nil
	}
	s.logger.Info("Starting service...")

	s.serveErr = make(chan error, 1)
	go func() {
		s.serveErr <- s.server.Start()
	}()

	s.running = true
	s.logger.Info("Service started successfully")
	return nil
}

// Done returns a channel receiving the result of the web server once it
// stops, or nil before Start.
func (s *Service) Done() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serveErr
}

// Stop stops the service gracefully.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Info("Stopping service...")

	var errs []error
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop server: %w", err))
		}
	}
	if s.cpu != nil {
		for n := s.cpu.CurrentProfilesCount(); n > 0; n-- {
			if p := s.cpu.StopProfiling(""); p != nil {
				s.logger.Info("Stopped profile %q on shutdown", p.Title())
			}
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database connection: %w", err))
		}
	}

	s.running = false
	s.logger.Info("Service stopped")
	return errors.Join(errs...)
}

// IsRunning returns whether the service is running.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Server returns the web API, available after Initialize.
func (s *Service) Server() *webui.Server { return s.server }

// Archiver returns the artifact archiver, available after Initialize.
func (s *Service) Archiver() *archive.Archiver { return s.archiver }

// ServiceStats holds service statistics.
type ServiceStats struct {
	Running        bool                    `json:"running"`
	Sampler        cpuprofile.SamplerStats `json:"sampler"`
	ActiveProfiles int                     `json:"active_profiles"`
	Profiles       int                     `json:"profiles"`
	Snapshots      int                     `json:"snapshots"`
}

// Stats returns service statistics.
func (s *Service) Stats() ServiceStats {
	stats := ServiceStats{Running: s.IsRunning()}
	if s.cpu != nil {
		stats.Sampler = s.cpu.Stats()
		stats.ActiveProfiles = s.cpu.CurrentProfilesCount()
		stats.Profiles = s.cpu.GetProfilesCount()
	}
	if s.heap != nil {
		stats.Snapshots = s.heap.GetSnapshotsCount()
	}
	return stats
}

// HealthCheck performs a health check on the service.
func (s *Service) HealthCheck(ctx context.Context) error {
	if s.db != nil {
		if err := s.db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database health check failed: %w", err)
		}
	}
	return nil
}
