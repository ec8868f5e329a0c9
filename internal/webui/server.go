package webui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vm-profiler/internal/archive"
	"github.com/vm-profiler/internal/cpuprofile"
	"github.com/vm-profiler/internal/flamegraph"
	"github.com/vm-profiler/internal/heapsnapshot"
	apperrors "github.com/vm-profiler/pkg/errors"
	"github.com/vm-profiler/pkg/telemetry"
	"github.com/vm-profiler/pkg/utils"
)

// Options configures a Server.
type Options struct {
	Addr string
	// CacheSize bounds the flame graph cache.
	CacheSize int
	// ChunkSize is the serializer chunk size of streamed snapshots.
	ChunkSize int
	Logger    utils.Logger
	// Registry is exposed on /metrics when set.
	Registry *prometheus.Registry
	// Archiver enables the archive endpoints when set.
	Archiver *archive.Archiver
}

// Server exposes a CPU profiler and a heap profiler over HTTP.
type Server struct {
	opts      Options
	logger    utils.Logger
	profiles  *ProfileService
	snapshots *SnapshotService
	handler   http.Handler
	server    *http.Server
}

// NewServer creates a server over the given profilers.
func NewServer(cpu *cpuprofile.CpuProfiler, heap *heapsnapshot.HeapProfiler, opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = &utils.NullLogger{}
	}
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	profiles, err := NewProfileService(cpu, opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile service: %w", err)
	}
	s := &Server{
		opts:      opts,
		logger:    opts.Logger.WithField("component", "webui"),
		profiles:  profiles,
		snapshots: NewSnapshotService(heap),
	}
	s.handler = s.routes()
	s.server = &http.Server{
		Addr:        opts.Addr,
		Handler:     s.handler,
		ReadTimeout: 30 * time.Second,
		// Snapshot generation and streaming can take a while.
		WriteTimeout: 5 * time.Minute,
	}
	return s, nil
}

// Profiles returns the profile service.
func (s *Server) Profiles() *ProfileService { return s.profiles }

// Snapshots returns the snapshot service.
func (s *Server) Snapshots() *SnapshotService { return s.snapshots }

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.opts.Registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.Registry, promhttp.HandlerOpts{}))
	}

	s.handle(mux, "GET /api/profiles", s.handleListProfiles)
	s.handle(mux, "POST /api/profiles/start", s.handleStartProfile)
	s.handle(mux, "POST /api/profiles/stop", s.handleStopProfile)
	s.handle(mux, "GET /api/profiles/{uid}", s.handleGetProfile)
	s.handle(mux, "GET /api/profiles/{uid}/flamegraph", s.handleFlameGraph)
	s.handle(mux, "GET /api/profiles/{uid}/pprof", s.handlePprof)
	s.handle(mux, "DELETE /api/profiles/{uid}", s.handleDeleteProfile)

	s.handle(mux, "GET /api/snapshots", s.handleListSnapshots)
	s.handle(mux, "POST /api/snapshots", s.handleTakeSnapshot)
	s.handle(mux, "GET /api/snapshots/{uid}", s.handleStreamSnapshot)
	s.handle(mux, "GET /api/snapshots/{uid}/entries/{id}", s.handleEntry)
	s.handle(mux, "GET /api/snapshots/{uid}/diff/{base}", s.handleDiff)

	if s.opts.Archiver != nil {
		s.handle(mux, "POST /api/profiles/{uid}/archive", s.handleArchiveProfile)
		s.handle(mux, "POST /api/snapshots/{uid}/archive", s.handleArchiveSnapshot)
		s.handle(mux, "GET /api/artifacts/snapshots", s.handleListArchivedSnapshots)
		s.handle(mux, "GET /api/artifacts/profiles", s.handleListArchivedProfiles)
	}
	return mux
}

// handle registers h under pattern, traced with a span named after the
// pattern.
func (s *Server) handle(mux *http.ServeMux, pattern string, h func(http.ResponseWriter, *http.Request) error) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		ctx, span := telemetry.StartSpan(r.Context(), pattern,
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.RequestURI()),
		)
		err := h(w, r.WithContext(ctx))
		if err != nil {
			status := apperrors.HTTPStatus(err)
			span.SetAttributes(attribute.Int("http.status_code", status))
			if status >= http.StatusInternalServerError {
				s.logger.Error("%s: %v", pattern, err)
			} else {
				s.logger.Debug("%s: %v", pattern, err)
			}
			writeError(w, err)
		}
		telemetry.EndSpan(span, err)
	})
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("Starting profiler server at %s", s.opts.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) error {
	writeJSON(w, http.StatusOK, s.profiles.List(r.URL.Query().Get("token")))
	return nil
}

func (s *Server) handleStartProfile(w http.ResponseWriter, r *http.Request) error {
	title := r.URL.Query().Get("title")
	if err := s.profiles.Start(title); err != nil {
		return err
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"title": title})
	return nil
}

func (s *Server) handleStopProfile(w http.ResponseWriter, r *http.Request) error {
	summary, err := s.profiles.Stop(r.URL.Query().Get("title"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, summary)
	return nil
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) error {
	uid, err := pathUID(r, "uid")
	if err != nil {
		return err
	}
	top, err := queryInt(r, "top", 20)
	if err != nil {
		return err
	}
	detail, err := s.profiles.Detail(r.URL.Query().Get("token"), uid, top)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, detail)
	return nil
}

func (s *Server) handleFlameGraph(w http.ResponseWriter, r *http.Request) error {
	uid, err := pathUID(r, "uid")
	if err != nil {
		return err
	}
	q := r.URL.Query()
	inverted, _ := strconv.ParseBool(q.Get("inverted"))
	fg, err := s.profiles.FlameGraph(r.Context(), q.Get("token"), uid, inverted)
	if err != nil {
		return err
	}
	if q.Get("format") == "folded" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		return flamegraph.NewFoldedWriter().Write(fg, w)
	}
	writeJSON(w, http.StatusOK, fg)
	return nil
}

func (s *Server) handlePprof(w http.ResponseWriter, r *http.Request) error {
	uid, err := pathUID(r, "uid")
	if err != nil {
		return err
	}
	p, err := s.profiles.Get(r.URL.Query().Get("token"), uid)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=profile-%d.pb.gz", uid))
	return cpuprofile.WritePprof(w, p)
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) error {
	uid, err := pathUID(r, "uid")
	if err != nil {
		return err
	}
	if err := s.profiles.Delete(uid); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, http.StatusOK, s.snapshots.List())
	return nil
}

func (s *Server) handleTakeSnapshot(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	kind, err := heapsnapshot.ParseSnapshotKind(q.Get("kind"))
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidInput, "bad snapshot kind", err)
	}
	summary, err := s.snapshots.Take(r.Context(), q.Get("title"), kind)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, summary)
	return nil
}

func (s *Server) handleStreamSnapshot(w http.ResponseWriter, r *http.Request) error {
	uid, err := pathUID(r, "uid")
	if err != nil {
		return err
	}
	if _, err := s.snapshots.Get(uid); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=snapshot-%d.heapsnapshot", uid))
	if err := s.snapshots.Stream(uid, w, s.opts.ChunkSize); err != nil {
		// Headers are gone; all that is left is to log.
		s.logger.Warn("Streaming snapshot %d failed: %v", uid, err)
	}
	return nil
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) error {
	uid, err := pathUID(r, "uid")
	if err != nil {
		return err
	}
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidInput, "bad entry id", err)
	}
	detail, err := s.snapshots.Entry(uid, id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, detail)
	return nil
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) error {
	uid, err := pathUID(r, "uid")
	if err != nil {
		return err
	}
	base, err := pathUID(r, "base")
	if err != nil {
		return err
	}
	diff, err := s.snapshots.Diff(uid, base)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, diff)
	return nil
}

func (s *Server) handleArchiveProfile(w http.ResponseWriter, r *http.Request) error {
	uid, err := pathUID(r, "uid")
	if err != nil {
		return err
	}
	p, err := s.profiles.Get(r.URL.Query().Get("token"), uid)
	if err != nil {
		return err
	}
	rec, err := s.opts.Archiver.ArchiveProfile(r.Context(), p)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, rec)
	return nil
}

func (s *Server) handleArchiveSnapshot(w http.ResponseWriter, r *http.Request) error {
	uid, err := pathUID(r, "uid")
	if err != nil {
		return err
	}
	snap, err := s.snapshots.Get(uid)
	if err != nil {
		return err
	}
	rec, err := s.opts.Archiver.ArchiveSnapshot(r.Context(), snap)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, rec)
	return nil
}

func (s *Server) handleListArchivedSnapshots(w http.ResponseWriter, r *http.Request) error {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		return err
	}
	recs, err := s.opts.Archiver.ListSnapshots(r.Context(), limit)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, recs)
	return nil
}

func (s *Server) handleListArchivedProfiles(w http.ResponseWriter, r *http.Request) error {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		return err
	}
	recs, err := s.opts.Archiver.ListProfiles(r.Context(), limit)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, recs)
	return nil
}

func pathUID(r *http.Request, name string) (uint32, error) {
	v, err := strconv.ParseUint(r.PathValue(name), 10, 32)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeInvalidInput, "bad "+name, err)
	}
	return uint32(v), nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeInvalidInput, "bad "+name, err)
	}
	return n, nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperrors.HTTPStatus(err), errorBody{
		Code:    string(apperrors.GetErrorCode(err)),
		Message: err.Error(),
	})
}
