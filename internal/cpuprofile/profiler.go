package cpuprofile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vm-profiler/internal/interner"
	"github.com/vm-profiler/internal/tokens"
	"github.com/vm-profiler/pkg/utils"
)

// Options configures a CpuProfiler.
type Options struct {
	SamplingInterval        time.Duration
	MaxSimultaneousProfiles int
	// BrowserMode attributes samples with no symbolized frame to the VM
	// state entries.
	BrowserMode bool
	// EventsBuffer is the capacity of the code event queue.
	EventsBuffer int
	Logger       utils.Logger
	Clock        utils.Clock
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		SamplingInterval:        DefaultSamplingIntervalMs * time.Millisecond,
		MaxSimultaneousProfiles: MaxSimultaneousProfiles,
	}
}

// CpuProfiler is the entry point for CPU profiling of one program instance.
// The sampler and processor goroutines run only while at least one profile
// is recording.
type CpuProfiler struct {
	opts   Options
	source StackSource
	logger utils.Logger

	profiles  *CpuProfilesCollection
	generator *ProfileGenerator
	tokens    *tokens.Enumerator[tokens.Context]

	mu             sync.Mutex
	nextProfileUID uint32
	sampler        *Sampler
	processor      *Processor
	cancel         context.CancelFunc
	group          *errgroup.Group
	stats          SamplerStats
}

// NewCpuProfiler creates a profiler sampling from source.
func NewCpuProfiler(source StackSource, opts Options) *CpuProfiler {
	if opts.Logger == nil {
		opts.Logger = &utils.NullLogger{}
	}
	if opts.Clock == nil {
		opts.Clock = utils.NewRealClock()
	}
	if opts.SamplingInterval <= 0 {
		opts.SamplingInterval = DefaultSamplingIntervalMs * time.Millisecond
	}
	profiles := NewCpuProfilesCollection(interner.New(), WithMaxSimultaneousProfiles(opts.MaxSimultaneousProfiles))
	return &CpuProfiler{
		opts:           opts,
		source:         source,
		logger:         opts.Logger.WithField("component", "cpu-profiler"),
		profiles:       profiles,
		generator:      NewProfileGenerator(profiles, opts.BrowserMode, opts.Clock),
		tokens:         tokens.NewEnumerator[tokens.Context](),
		nextProfileUID: 1,
	}
}

// Collection exposes the underlying collection, used by entry factories.
func (p *CpuProfiler) Collection() *CpuProfilesCollection {
	return p.profiles
}

// TokenID returns the id of a security context.
func (p *CpuProfiler) TokenID(ctx *tokens.Context) int {
	return p.tokens.GetTokenID(ctx)
}

// IsProfiling reports whether the sampling goroutines are running.
func (p *CpuProfiler) IsProfiling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processor != nil
}

// StartProfiling starts a profile. Starting a title that is already
// recording, or going over the cap, is silently ignored.
func (p *CpuProfiler) StartProfiling(title string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	uid := p.nextProfileUID
	if !p.profiles.StartProfiling(title, uid) {
		p.logger.Debug("profile %q not started", title)
		return false
	}
	p.nextProfileUID++
	p.startProcessorIfNotStarted()
	p.logger.Info("started profile %q (uid %d)", title, uid)
	return true
}

// StopProfiling stops the profile with the given title, or the latest one
// when title is empty, and returns its unabridged view.
func (p *CpuProfiler) StopProfiling(title string) *CpuProfile {
	return p.StopProfilingForToken(title, nil)
}

// StopProfilingForToken is StopProfiling returning the view for a context.
func (p *CpuProfiler) StopProfilingForToken(title string, token *tokens.Context) *CpuProfile {
	tokenID := p.tokens.GetTokenID(token)
	p.mu.Lock()
	rate := p.generator.ActualSamplingRate()
	if p.profiles.IsLastProfile(title) {
		p.stopProcessor()
	}
	p.mu.Unlock()

	profile := p.profiles.StopProfiling(tokenID, title, rate)
	if profile != nil {
		p.logger.Info("stopped profile %q: %d samples, %.3f ticks/ms",
			profile.Title(), profile.SamplesCount(), rate)
	}
	return profile
}

// GetProfilesCount returns the number of finalized profiles.
func (p *CpuProfiler) GetProfilesCount() int {
	return p.profiles.ProfilesCount()
}

// GetProfile returns the finalized profile with uid as seen by token.
func (p *CpuProfiler) GetProfile(token *tokens.Context, uid uint32) *CpuProfile {
	return p.profiles.GetProfile(p.tokens.GetTokenID(token), uid)
}

// GetProfileAt returns the index-th finalized profile as seen by token.
func (p *CpuProfiler) GetProfileAt(token *tokens.Context, index int) *CpuProfile {
	list := p.profiles.Profiles(p.tokens.GetTokenID(token))
	if index < 0 || index >= len(list) {
		return nil
	}
	return list[index]
}

// FindProfile returns the unabridged profile with uid, or nil.
func (p *CpuProfiler) FindProfile(uid uint32) *CpuProfile {
	return p.profiles.GetProfile(tokens.NoSecurityToken, uid)
}

// Profiles returns all finalized profiles as seen by token.
func (p *CpuProfiler) Profiles(token *tokens.Context) []*CpuProfile {
	return p.profiles.Profiles(p.tokens.GetTokenID(token))
}

// DeleteProfile removes one finalized profile.
func (p *CpuProfiler) DeleteProfile(profile *CpuProfile) {
	p.profiles.RemoveProfile(profile)
}

// DeleteAllProfiles stops sampling and discards every profile.
func (p *CpuProfiler) DeleteAllProfiles() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopProcessor()
	p.profiles.Clear()
}

// CodeEvent reports a change of the code space. While profiling, events go
// through the processor so they are ordered with the samples.
func (p *CpuProfiler) CodeEvent(ev CodeEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.processor != nil {
		p.processor.Enqueue(ev)
		return
	}
	applyCodeEvent(p.generator.codeMap, ev)
}

// CodeCreated registers code at [start, start+size).
func (p *CpuProfiler) CodeCreated(start Address, size uint64, entry *CodeEntry) {
	p.CodeEvent(CodeEvent{Type: CodeCreated, Start: start, Size: size, Entry: entry})
}

// FunctionCreated registers code of a function whose shared info lives at
// shared.
func (p *CpuProfiler) FunctionCreated(start Address, size uint64, entry *CodeEntry, shared Address) {
	p.CodeEvent(CodeEvent{Type: CodeCreated, Start: start, Size: size, Entry: entry, Shared: shared})
}

// CodeMoved relocates code.
func (p *CpuProfiler) CodeMoved(from, to Address) {
	p.CodeEvent(CodeEvent{Type: CodeMoved, From: from, To: to})
}

// CodeDeleted unregisters code starting at start.
func (p *CpuProfiler) CodeDeleted(start Address) {
	p.CodeEvent(CodeEvent{Type: CodeDeleted, Start: start})
}

// SharedFunctionMoved relocates a shared function record.
func (p *CpuProfiler) SharedFunctionMoved(from, to Address) {
	p.CodeEvent(CodeEvent{Type: SharedFunctionMoved, From: from, To: to})
}

// Stats returns the counters of the sampling pipeline, accumulated over all
// sessions.
func (p *CpuProfiler) Stats() SamplerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	if p.sampler != nil {
		s.Taken += p.sampler.taken.Load()
		s.Dropped += p.sampler.dropped.Load()
	}
	if p.processor != nil {
		s.Recorded += p.processor.recorded.Load()
	}
	return s
}

// CurrentProfilesCount returns how many profiles are recording.
func (p *CpuProfiler) CurrentProfilesCount() int {
	return p.profiles.CurrentProfilesCount()
}

func (p *CpuProfiler) startProcessorIfNotStarted() {
	if p.processor != nil {
		return
	}
	p.sampler = NewSampler(p.source, p.opts.SamplingInterval, p.opts.Clock)
	p.processor = NewProcessor(p.generator, p.sampler.Samples(), p.opts.EventsBuffer, p.logger)

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.processor.Run(gctx) })
	g.Go(func() error { return p.sampler.Run(gctx) })
	p.group = g
	p.logger.Debug("sampling every %s", p.opts.SamplingInterval)
}

// stopProcessor waits for the goroutines to exit. Requires p.mu.
func (p *CpuProfiler) stopProcessor() {
	if p.processor == nil {
		return
	}
	p.cancel()
	if err := p.group.Wait(); err != nil {
		p.logger.Error("sampling pipeline: %v", err)
	}
	// Samples still in the slot belong to the session being stopped.
	select {
	case sample := <-p.sampler.slot:
		p.generator.RecordTickSample(sample)
		p.generator.Tick()
		p.processor.recorded.Add(1)
	default:
	}
	p.stats.Taken += p.sampler.taken.Load()
	p.stats.Dropped += p.sampler.dropped.Load()
	p.stats.Recorded += p.processor.recorded.Load()
	p.sampler, p.processor, p.cancel, p.group = nil, nil, nil, nil
}

func (p *CpuProfiler) String() string {
	return fmt.Sprintf("CpuProfiler{profiles: %d, recording: %d}",
		p.profiles.ProfilesCount(), p.profiles.CurrentProfilesCount())
}
