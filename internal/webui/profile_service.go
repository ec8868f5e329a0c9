package webui

import (
	"cmp"
	"context"
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/samber/lo"

	"github.com/vm-profiler/internal/cpuprofile"
	"github.com/vm-profiler/internal/flamegraph"
	"github.com/vm-profiler/internal/tokens"
	apperrors "github.com/vm-profiler/pkg/errors"
)

// ProfileSummary describes a finished CPU profile.
type ProfileSummary struct {
	UID     uint32  `json:"uid"`
	Title   string  `json:"title"`
	Samples uint64  `json:"samples"`
	Nodes   int     `json:"nodes"`
	TotalMs float64 `json:"total_ms"`
}

// FunctionStat is the time spent in a function itself.
type FunctionStat struct {
	Name     string  `json:"name"`
	Resource string  `json:"resource,omitempty"`
	Line     int     `json:"line,omitempty"`
	Samples  uint64  `json:"samples"`
	SelfMs   float64 `json:"self_ms"`
	Percent  float64 `json:"percent"`
}

// ProfileDetail is a profile summary with its hottest functions.
type ProfileDetail struct {
	ProfileSummary
	TopFunctions []FunctionStat `json:"top_functions"`
}

type flameKey struct {
	uid      uint32
	token    string
	inverted bool
}

// MaxTokenNames bounds the security token names a ProfileService remembers.
const MaxTokenNames = 256

// ProfileService serves the profiles of a CpuProfiler. Security tokens
// are named by the client. A name maps to one token until it falls out of
// the MaxTokenNames most recently used; the token is then released and a
// later request under that name gets a fresh one.
type ProfileService struct {
	profiler *cpuprofile.CpuProfiler
	flames   *lru.Cache[flameKey, *flamegraph.FlameGraph]

	mu     sync.Mutex
	tokens *lru.Cache[string, *tokens.Context]
}

// NewProfileService creates a service caching up to cacheSize flame graphs.
func NewProfileService(profiler *cpuprofile.CpuProfiler, cacheSize int) (*ProfileService, error) {
	if cacheSize <= 0 {
		cacheSize = 128
	}
	cache, err := lru.New[flameKey, *flamegraph.FlameGraph](cacheSize)
	if err != nil {
		return nil, err
	}
	names, err := lru.New[string, *tokens.Context](MaxTokenNames)
	if err != nil {
		return nil, err
	}
	return &ProfileService{
		profiler: profiler,
		flames:   cache,
		tokens:   names,
	}, nil
}

// Token returns the token named name. The empty name is the unfiltered
// view.
func (s *ProfileService) Token(name string) *tokens.Context {
	if name == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens.Get(name)
	if !ok {
		t = &tokens.Context{Name: name}
		s.tokens.Add(name, t)
	}
	return t
}

// TokenNames returns the number of remembered token names.
func (s *ProfileService) TokenNames() int { return s.tokens.Len() }

// Start starts recording a profile titled title.
func (s *ProfileService) Start(title string) error {
	if !s.profiler.StartProfiling(title) {
		return apperrors.Newf(apperrors.CodeInvalidInput, "profile %q is already running or too many profiles are running", title)
	}
	return nil
}

// Stop finishes the profile titled title, or the latest one when title is
// empty.
func (s *ProfileService) Stop(title string) (*ProfileSummary, error) {
	p := s.profiler.StopProfiling(title)
	if p == nil {
		return nil, apperrors.Newf(apperrors.CodeProfileNotFound, "no running profile %q", title)
	}
	summary := summarize(p)
	return &summary, nil
}

// List returns the finished profiles as seen by the named token.
func (s *ProfileService) List(token string) []ProfileSummary {
	return lo.Map(s.profiler.Profiles(s.Token(token)), func(p *cpuprofile.CpuProfile, _ int) ProfileSummary {
		return summarize(p)
	})
}

// Get returns the profile uid as seen by the named token.
func (s *ProfileService) Get(token string, uid uint32) (*cpuprofile.CpuProfile, error) {
	p := s.profiler.GetProfile(s.Token(token), uid)
	if p == nil {
		return nil, apperrors.Newf(apperrors.CodeProfileNotFound, "profile %d not found", uid)
	}
	return p, nil
}

// Detail returns the summary of a profile and its top functions by self
// time.
func (s *ProfileService) Detail(token string, uid uint32, top int) (*ProfileDetail, error) {
	p, err := s.Get(token, uid)
	if err != nil {
		return nil, err
	}
	return &ProfileDetail{ProfileSummary: summarize(p), TopFunctions: TopFunctions(p, top)}, nil
}

// FlameGraph returns the flame graph of a profile, cached per token.
func (s *ProfileService) FlameGraph(ctx context.Context, token string, uid uint32, inverted bool) (*flamegraph.FlameGraph, error) {
	key := flameKey{uid: uid, token: token, inverted: inverted}
	if fg, ok := s.flames.Get(key); ok {
		return fg, nil
	}
	p, err := s.Get(token, uid)
	if err != nil {
		return nil, err
	}
	opts := flamegraph.DefaultGeneratorOptions()
	opts.Inverted = inverted
	fg, err := flamegraph.NewGenerator(opts).Generate(ctx, p)
	if err != nil {
		return nil, err
	}
	s.flames.Add(key, fg)
	return fg, nil
}

// Delete removes a profile and every cached view of it.
func (s *ProfileService) Delete(uid uint32) error {
	p := s.profiler.FindProfile(uid)
	if p == nil {
		return apperrors.Newf(apperrors.CodeProfileNotFound, "profile %d not found", uid)
	}
	s.profiler.DeleteProfile(p)
	for _, key := range s.flames.Keys() {
		if key.uid == uid {
			s.flames.Remove(key)
		}
	}
	return nil
}

// CachedFlameGraphs returns the number of cached flame graphs.
func (s *ProfileService) CachedFlameGraphs() int { return s.flames.Len() }

func summarize(p *cpuprofile.CpuProfile) ProfileSummary {
	return ProfileSummary{
		UID:     p.UID(),
		Title:   p.Title(),
		Samples: p.SamplesCount(),
		Nodes:   p.TopDown().NodesCount(),
		TotalMs: p.TopDown().Root().TotalMillis(),
	}
}

// TopFunctions returns up to n functions of p with the most self samples.
// The first level of the bottom-up tree holds exactly those counts.
func TopFunctions(p *cpuprofile.CpuProfile, n int) []FunctionStat {
	total := p.SamplesCount()
	stats := lo.Map(p.BottomUp().Root().Children(), func(node *cpuprofile.ProfileNode, _ int) FunctionStat {
		e := node.Entry()
		stat := FunctionStat{
			Name:     e.FullName(),
			Resource: e.ResourceName(),
			Line:     e.LineNumber(),
			Samples:  node.TotalTicks(),
			SelfMs:   node.TotalMillis(),
		}
		if total > 0 {
			stat.Percent = float64(node.TotalTicks()) * 100 / float64(total)
		}
		return stat
	})
	slices.SortStableFunc(stats, func(a, b FunctionStat) int {
		return cmp.Compare(b.Samples, a.Samples)
	})
	if n > 0 && len(stats) > n {
		stats = stats[:n]
	}
	return stats
}
