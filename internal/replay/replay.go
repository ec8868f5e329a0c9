package replay

import (
	"context"
	"sync"
	"time"

	"github.com/vm-profiler/internal/cpuprofile"
	"github.com/vm-profiler/internal/interner"
	"github.com/vm-profiler/internal/tokens"
	"github.com/vm-profiler/pkg/utils"
)

// Options configures a replay.
type Options struct {
	// Interval is the simulated time between two samples.
	Interval time.Duration
	// MaxSamples caps the number of replayed samples, 0 for no cap.
	MaxSamples int64
	Logger     utils.Logger
}

// Replay records stacks into a new profile. Each stack is sampled Count
// times with a simulated clock, so the result does not depend on timing.
// The profile owns a fresh collection; its code entries are not shared.
func Replay(ctx context.Context, title string, stacks []Stack, opts Options) (*cpuprofile.CpuProfile, error) {
	if opts.Interval <= 0 {
		opts.Interval = cpuprofile.DefaultSamplingIntervalMs * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = &utils.NullLogger{}
	}

	clock := utils.NewMockClock(time.Unix(0, 0))
	col := cpuprofile.NewCpuProfilesCollection(interner.New())
	gen := cpuprofile.NewProfileGenerator(col, false, clock)

	prog := NewProgram(stacks)
	prog.Install(col, func(start cpuprofile.Address, size uint64, entry *cpuprofile.CodeEntry) {
		gen.CodeMap().AddCode(start, entry, size)
	})

	col.StartProfiling(title, 1)
	var replayed int64
loop:
	for _, s := range stacks {
		if err := ctx.Err(); err != nil {
			col.StopProfiling(tokens.NoSecurityToken, title, gen.ActualSamplingRate())
			return nil, err
		}
		sample := prog.Sample(s)
		for i := int64(0); i < s.Count; i++ {
			if opts.MaxSamples > 0 && replayed >= opts.MaxSamples {
				break loop
			}
			clock.Advance(opts.Interval)
			sample.Timestamp = clock.Now()
			gen.RecordTickSample(sample)
			gen.Tick()
			replayed++
		}
	}

	profile := col.StopProfiling(tokens.NoSecurityToken, title, gen.ActualSamplingRate())
	logger.Info("replayed %d samples over %d functions into %q", replayed, prog.Len(), title)
	return profile, nil
}

// Source is a StackSource cycling through the samples of a collapsed
// file, each stack repeated Count times. It lets a live CpuProfiler
// sample a recorded workload.
type Source struct {
	prog    *Program
	samples []cpuprofile.TickSample
	counts  []int64

	mu   sync.Mutex
	pos  int
	left int64
}

// NewSource creates a source over stacks. Stacks with a zero count are
// never sampled.
func NewSource(stacks []Stack) *Source {
	src := &Source{prog: NewProgram(stacks)}
	for _, s := range stacks {
		if s.Count <= 0 {
			continue
		}
		src.samples = append(src.samples, src.prog.Sample(s))
		src.counts = append(src.counts, s.Count)
	}
	if len(src.counts) > 0 {
		src.left = src.counts[0]
	}
	return src
}

// Install registers the code of the source with p. It must be called
// before profiling starts.
func (s *Source) Install(p *cpuprofile.CpuProfiler) {
	s.prog.Install(p.Collection(), p.CodeCreated)
}

// Sample implements cpuprofile.StackSource.
func (s *Source) Sample(ctx context.Context) (cpuprofile.TickSample, bool) {
	if ctx.Err() != nil {
		return cpuprofile.TickSample{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.samples) == 0 {
		return cpuprofile.TickSample{}, false
	}
	sample := s.samples[s.pos]
	s.left--
	if s.left <= 0 {
		s.pos = (s.pos + 1) % len(s.samples)
		s.left = s.counts[s.pos]
	}
	return sample, true
}
