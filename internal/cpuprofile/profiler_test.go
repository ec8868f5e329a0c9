package cpuprofile

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/pprof/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vm-profiler/internal/tokens"
)

// fixedSource reports the same stack on every tick.
type fixedSource struct {
	pc    Address
	stack []Address
	calls atomic.Int64
}

func (s *fixedSource) Sample(context.Context) (TickSample, bool) {
	s.calls.Add(1)
	return TickSample{State: StateJS, PC: s.pc, Stack: s.stack}, true
}

func newTestProfiler(src StackSource) *CpuProfiler {
	opts := DefaultOptions()
	opts.SamplingInterval = time.Millisecond
	return NewCpuProfiler(src, opts)
}

func TestCpuProfiler_StartStop(t *testing.T) {
	src := &fixedSource{pc: 0x2010, stack: []Address{0x1010}}
	p := newTestProfiler(src)
	main := p.Collection().NewCodeEntry(TagFunction, "main", "app.js", 1)
	work := p.Collection().NewCodeEntry(TagFunction, "work", "app.js", 7)
	p.CodeCreated(0x1000, 0x100, main)
	p.CodeCreated(0x2000, 0x100, work)

	require.True(t, p.StartProfiling("run"))
	assert.False(t, p.StartProfiling("run"))
	assert.True(t, p.IsProfiling())

	require.Eventually(t, func() bool {
		return p.Stats().Recorded >= 5
	}, 5*time.Second, time.Millisecond)

	prof := p.StopProfiling("run")
	require.NotNil(t, prof)
	assert.False(t, p.IsProfiling())
	assert.Equal(t, "run", prof.Title())
	assert.GreaterOrEqual(t, prof.SamplesCount(), uint64(5))

	node := walk(prof.TopDown(), main, work)
	require.NotNil(t, node)
	assert.Equal(t, prof.SamplesCount(), node.SelfTicks())

	stats := p.Stats()
	assert.Equal(t, stats.Recorded, prof.SamplesCount())
	assert.LessOrEqual(t, stats.Recorded+stats.Dropped, stats.Taken)

	assert.Same(t, prof, p.FindProfile(prof.UID()))
	assert.Equal(t, 1, p.GetProfilesCount())
	assert.Same(t, prof, p.GetProfileAt(nil, 0))
	assert.Nil(t, p.GetProfileAt(nil, 1))
}

func TestCpuProfiler_ProcessorRunsWhileAnyProfileRecords(t *testing.T) {
	p := newTestProfiler(&fixedSource{})
	require.True(t, p.StartProfiling("a"))
	require.True(t, p.StartProfiling("b"))

	require.NotNil(t, p.StopProfiling("a"))
	assert.True(t, p.IsProfiling())
	require.NotNil(t, p.StopProfiling(""))
	assert.False(t, p.IsProfiling())
	assert.Nil(t, p.StopProfiling("b"))
}

func TestCpuProfiler_CodeEventsWhileProfiling(t *testing.T) {
	src := &fixedSource{pc: 0x3010}
	p := newTestProfiler(src)
	require.True(t, p.StartProfiling("run"))

	late := p.Collection().NewCodeEntry(TagFunction, "late", "app.js", 3)
	p.CodeCreated(0x3000, 0x100, late)
	require.Eventually(t, func() bool {
		return p.Stats().Recorded >= 20
	}, 5*time.Second, time.Millisecond)
	prof := p.StopProfiling("run")
	require.NotNil(t, prof)

	// Samples taken after the code event resolve to it.
	node := walk(prof.TopDown(), late)
	require.NotNil(t, node)
	assert.Positive(t, node.SelfTicks())

	// After stopping, events are applied synchronously.
	p.CodeMoved(0x3000, 0x7000)
	assert.Same(t, late, p.generator.CodeMap().FindEntry(0x7010))
	p.CodeDeleted(0x7000)
	assert.Nil(t, p.generator.CodeMap().FindEntry(0x7010))
}

func TestCpuProfiler_FunctionCreatedSharesNode(t *testing.T) {
	p := newTestProfiler(&fixedSource{})
	baseline := p.Collection().NewCodeEntry(TagLazyCompile, "f", "app.js", 1)
	optimized := p.Collection().NewCodeEntry(TagFunction, "f", "app.js", 1)
	p.FunctionCreated(0x1000, 0x100, baseline, 0x9000)
	p.FunctionCreated(0x2000, 0x100, optimized, 0x9000)
	p.SharedFunctionMoved(0x9000, 0x9100)

	assert.Equal(t, baseline.SharedID(), optimized.SharedID())
	assert.NotZero(t, baseline.SharedID())
	assert.Equal(t, baseline.SharedID(), p.generator.CodeMap().GetSharedID(0x9100))
}

func TestCpuProfiler_TokenViews(t *testing.T) {
	p := newTestProfiler(&fixedSource{})
	require.True(t, p.StartProfiling("run"))
	ctx := &tokens.Context{Name: "frame"}
	view := p.StopProfilingForToken("run", ctx)
	require.NotNil(t, view)

	assert.Same(t, view, p.GetProfile(ctx, view.UID()))
	assert.NotSame(t, view, p.GetProfile(nil, view.UID()))
	assert.Len(t, p.Profiles(ctx), 1)
}

func TestCpuProfiler_DeleteAllProfiles(t *testing.T) {
	p := newTestProfiler(&fixedSource{})
	require.True(t, p.StartProfiling("done"))
	require.NotNil(t, p.StopProfiling("done"))
	require.True(t, p.StartProfiling("running"))

	p.DeleteAllProfiles()
	assert.False(t, p.IsProfiling())
	assert.Equal(t, 0, p.GetProfilesCount())
	assert.Equal(t, 0, p.CurrentProfilesCount())
	assert.True(t, p.StartProfiling("running"))
	p.DeleteAllProfiles()
}

func TestSampler_DropsWhenSlotIsFull(t *testing.T) {
	src := &fixedSource{pc: 1}
	s := NewSampler(src, time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return s.dropped.Load() > 0
	}, 5*time.Second, time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, s.taken.Load(), s.dropped.Load()+1)
	assert.Len(t, s.Samples(), 1)
}

func TestWritePprof(t *testing.T) {
	c := NewCpuProfilesCollection(nil)
	f := c.NewCodeEntry(TagFunction, "f", "a.js", 1)
	g := c.NewCodeEntry(TagFunction, "g", "a.js", 5)
	require.True(t, c.StartProfiling("pp", 1))
	c.AddPathToCurrentProfiles([]*CodeEntry{g, f})
	c.AddPathToCurrentProfiles([]*CodeEntry{g, f})
	c.AddPathToCurrentProfiles([]*CodeEntry{f})
	c.AddPathToCurrentProfiles([]*CodeEntry{nil})
	prof := c.StopProfiling(tokens.NoSecurityToken, "pp", 2)
	require.NotNil(t, prof)

	var buf bytes.Buffer
	require.NoError(t, WritePprof(&buf, prof))

	parsed, err := profile.Parse(&buf)
	require.NoError(t, err)
	require.Len(t, parsed.SampleType, 2)
	assert.Equal(t, int64(500000), parsed.Period)

	var total int64
	stacks := map[string]int64{}
	for _, s := range parsed.Sample {
		total += s.Value[0]
		key := ""
		for _, loc := range s.Location {
			key += loc.Line[0].Function.Name + ";"
		}
		stacks[key] += s.Value[0]
	}
	assert.Equal(t, int64(4), total)
	assert.Equal(t, int64(2), stacks["g;f;"])
	assert.Equal(t, int64(1), stacks["f;"])
	assert.Equal(t, int64(1), stacks["(root);"])
}
