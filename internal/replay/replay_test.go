package replay

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vm-profiler/internal/cpuprofile"
)

func parseSample(t *testing.T) []Stack {
	t.Helper()
	stacks, err := Parse(context.Background(), strings.NewReader(sampleFile), ParseOptions{ThreadFrame: true})
	require.NoError(t, err)
	return stacks
}

func child(t *testing.T, n *cpuprofile.ProfileNode, name string) *cpuprofile.ProfileNode {
	t.Helper()
	for _, c := range n.Children() {
		if c.Entry().Name() == name {
			return c
		}
	}
	t.Fatalf("no child %q under %s", name, n.Entry().Name())
	return nil
}

func TestProgram_Layout(t *testing.T) {
	prog := NewProgram(parseSample(t))
	assert.Equal(t, 5, prog.Len())

	start, ok := prog.Start(Frame{Function: "main"})
	require.True(t, ok)
	assert.Equal(t, CodeBase, start)
	start, ok = prog.Start(Frame{Function: "handle", Module: "server.js"})
	require.True(t, ok)
	assert.Equal(t, CodeBase+cpuprofile.Address(CodeSize), start)
	_, ok = prog.Start(Frame{Function: "handle"})
	assert.False(t, ok)

	s := prog.Sample(Stack{Frames: []Frame{{Function: "main"}, {Function: "handle", Module: "server.js"}, {Function: "parse", Module: "parser.js"}}})
	assert.Equal(t, CodeBase+2*cpuprofile.Address(CodeSize)+pcOffset, s.PC)
	assert.Equal(t, []cpuprofile.Address{
		CodeBase + cpuprofile.Address(CodeSize) + returnOffset,
		CodeBase + returnOffset,
	}, s.Stack)
}

func TestReplay_LineNumbers(t *testing.T) {
	stacks, err := Parse(context.Background(), strings.NewReader("main;render(view.js:42) 2\nmain;render(view.js) 1\n"), ParseOptions{})
	require.NoError(t, err)
	profile, err := Replay(context.Background(), "lines", stacks, Options{})
	require.NoError(t, err)

	lines := map[int]uint64{}
	for _, c := range child(t, profile.TopDown().Root(), "main").Children() {
		assert.Equal(t, "view.js", c.Entry().ResourceName())
		lines[c.Entry().LineNumber()] = c.SelfTicks()
	}
	assert.Equal(t, map[int]uint64{42: 2, cpuprofile.NoLineNumberInfo: 1}, lines)
}

func TestReplay(t *testing.T) {
	profile, err := Replay(context.Background(), "replayed", parseSample(t), Options{})
	require.NoError(t, err)
	require.NotNil(t, profile)

	assert.Equal(t, "replayed", profile.Title())
	assert.Equal(t, uint64(6), profile.SamplesCount())

	root := profile.TopDown().Root()
	main := child(t, root, "main")
	assert.Equal(t, uint64(6), main.TotalTicks())
	handle := child(t, main, "handle")
	assert.Equal(t, "server.js", handle.Entry().ResourceName())
	assert.Equal(t, uint64(5), handle.TotalTicks())
	assert.Equal(t, uint64(3), child(t, handle, "parse").SelfTicks())
	assert.Equal(t, uint64(2), child(t, handle, "render").SelfTicks())
	assert.Equal(t, uint64(1), child(t, main, "idle").SelfTicks())

	// Bottom-up starts from the sampled functions.
	bottom := profile.BottomUp().Root()
	assert.Len(t, bottom.Children(), 3)
	assert.Equal(t, uint64(3), child(t, bottom, "parse").TotalTicks())

	// One sample per simulated millisecond.
	assert.InDelta(t, 6.0, profile.TopDown().Root().TotalMillis(), 0.01)
}

func TestReplay_MaxSamples(t *testing.T) {
	profile, err := Replay(context.Background(), "capped", parseSample(t), Options{MaxSamples: 4, Interval: time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), profile.SamplesCount())
}

func TestReplay_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	profile, err := Replay(ctx, "x", parseSample(t), Options{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, profile)
}

func TestSource(t *testing.T) {
	stacks := []Stack{
		{Frames: []Frame{{Function: "a"}}, Count: 2},
		{Frames: []Frame{{Function: "zero"}}, Count: 0},
		{Frames: []Frame{{Function: "b"}}, Count: 1},
	}
	src := NewSource(stacks)
	ctx := context.Background()

	var pcs []cpuprofile.Address
	for i := 0; i < 6; i++ {
		s, ok := src.Sample(ctx)
		require.True(t, ok)
		pcs = append(pcs, s.PC)
	}
	a := CodeBase + pcOffset
	b := CodeBase + 2*cpuprofile.Address(CodeSize) + pcOffset
	assert.Equal(t, []cpuprofile.Address{a, a, b, a, a, b}, pcs)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, ok := src.Sample(canceled)
	assert.False(t, ok)

	_, ok = NewSource(nil).Sample(ctx)
	assert.False(t, ok)
}

func TestSource_Install(t *testing.T) {
	src := NewSource(parseSample(t))
	p := cpuprofile.NewCpuProfiler(src, cpuprofile.DefaultOptions())
	before := p.Collection().CodeEntriesCount()

	src.Install(p)
	assert.Equal(t, before+5, p.Collection().CodeEntriesCount())
}
