package replay

import (
	"github.com/vm-profiler/internal/cpuprofile"
)

const (
	// CodeBase is where the first frame's code range starts.
	CodeBase cpuprofile.Address = 0x100000
	// CodeSize is the size of every frame's code range.
	CodeSize uint64 = 0x100

	pcOffset     = 0x10
	returnOffset = 0x40
)

// Program lays out one code range per distinct frame, in order of first
// appearance, so samples can be expressed as addresses.
type Program struct {
	frames []Frame
	starts map[Frame]cpuprofile.Address
}

// NewProgram lays out the frames of stacks.
func NewProgram(stacks []Stack) *Program {
	p := &Program{starts: make(map[Frame]cpuprofile.Address)}
	for _, s := range stacks {
		for _, f := range s.Frames {
			p.add(f)
		}
	}
	return p
}

func (p *Program) add(f Frame) cpuprofile.Address {
	if start, ok := p.starts[f]; ok {
		return start
	}
	start := CodeBase + cpuprofile.Address(uint64(len(p.frames))*CodeSize)
	p.frames = append(p.frames, f)
	p.starts[f] = start
	return start
}

// Len returns the number of laid out frames.
func (p *Program) Len() int { return len(p.frames) }

// Start returns the start of the range of f.
func (p *Program) Start(f Frame) (cpuprofile.Address, bool) {
	start, ok := p.starts[f]
	return start, ok
}

// Install creates an entry per frame in col and reports its range to
// created, which is typically CpuProfiler.CodeCreated.
func (p *Program) Install(col *cpuprofile.CpuProfilesCollection, created func(start cpuprofile.Address, size uint64, entry *cpuprofile.CodeEntry)) {
	for _, f := range p.frames {
		line := f.Line
		if line <= 0 {
			line = cpuprofile.NoLineNumberInfo
		}
		entry := col.NewCodeEntry(cpuprofile.TagFunction, f.Function, f.Module, line)
		created(p.starts[f], CodeSize, entry)
	}
}

// Sample builds the tick sample of s: the pc is inside the sampled
// function and the stack holds return addresses into its callers.
func (p *Program) Sample(s Stack) cpuprofile.TickSample {
	n := len(s.Frames)
	sample := cpuprofile.TickSample{State: cpuprofile.StateJS}
	if n == 0 {
		return sample
	}
	sample.PC = p.add(s.Frames[n-1]) + pcOffset
	sample.Stack = make([]cpuprofile.Address, 0, n-1)
	for i := n - 2; i >= 0; i-- {
		sample.Stack = append(sample.Stack, p.add(s.Frames[i])+returnOffset)
	}
	return sample
}
