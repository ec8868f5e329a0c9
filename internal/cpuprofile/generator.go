package cpuprofile

import (
	"time"

	"github.com/vm-profiler/pkg/utils"
)

// VMState is what the profiled program was doing when a sample was taken.
type VMState int

const (
	StateJS VMState = iota
	StateGC
	StateCompiler
	StateOther
	StateExternal
)

func (s VMState) String() string {
	switch s {
	case StateJS:
		return "JS"
	case StateGC:
		return "GC"
	case StateCompiler:
		return "COMPILER"
	case StateOther:
		return "OTHER"
	case StateExternal:
		return "EXTERNAL"
	default:
		return "UNKNOWN"
	}
}

// TickSample is one raw sample as produced by a StackSource.
type TickSample struct {
	State VMState
	// PC is the sampled program counter; zero means it is unknown and the
	// stack is ignored.
	PC Address
	// TOS is the top of the stack, used to detect frameless calls.
	TOS                 Address
	ExternalCallback    Address
	HasExternalCallback bool
	// Stack holds return addresses, innermost first.
	Stack     []Address
	Timestamp time.Time
}

const (
	ProgramEntryName          = "(program)"
	GarbageCollectorEntryName = "(garbage collector)"
)

// ProfileGenerator resolves samples against a CodeMap and feeds the
// resulting paths to the collection.
type ProfileGenerator struct {
	profiles     *CpuProfilesCollection
	codeMap      *CodeMap
	programEntry *CodeEntry
	gcEntry      *CodeEntry
	rate         *SampleRateCalculator
	browserMode  bool
}

// NewProfileGenerator creates a generator with its own CodeMap. The clock
// drives the sample rate estimate; nil means the real clock.
func NewProfileGenerator(profiles *CpuProfilesCollection, browserMode bool, clock utils.Clock) *ProfileGenerator {
	return &ProfileGenerator{
		profiles:     profiles,
		codeMap:      NewCodeMap(),
		programEntry: profiles.NewStaticCodeEntry(TagFunction, ProgramEntryName),
		gcEntry:      profiles.NewStaticCodeEntry(TagBuiltin, GarbageCollectorEntryName),
		rate:         NewSampleRateCalculator(clock),
		browserMode:  browserMode,
	}
}

// Tick accounts one processed sample in the rate estimate.
func (g *ProfileGenerator) Tick() {
	g.rate.Tick()
}

// ActualSamplingRate returns the measured ticks per millisecond.
func (g *ProfileGenerator) ActualSamplingRate() float64 {
	return g.rate.TicksPerMs()
}

// CodeMap returns the map owned by the generator.
func (g *ProfileGenerator) CodeMap() *CodeMap {
	return g.codeMap
}

// RecordTickSample turns a sample into a path, callee first, and adds it
// to every recording profile. Unresolved frames stay as nil holes.
func (g *ProfileGenerator) RecordTickSample(sample TickSample) {
	// pc, external callback or tos, frames, VM state.
	entries := make([]*CodeEntry, len(sample.Stack)+3)
	pos := 0
	if sample.PC != 0 {
		entries[pos] = g.codeMap.FindEntry(sample.PC)
		pos++
		if sample.HasExternalCallback {
			// The pc may point inside the callback itself, which would show
			// up as the callback calling itself.
			entries[0] = nil
			entries[pos] = g.codeMap.FindEntry(sample.ExternalCallback)
			pos++
		} else if sample.TOS != 0 {
			if e := g.codeMap.FindEntry(sample.TOS); e != nil && e.IsJSFunction() {
				entries[pos] = e
			}
			pos++
		}
		for _, addr := range sample.Stack {
			entries[pos] = g.codeMap.FindEntry(addr)
			pos++
		}
	}

	if g.browserMode {
		symbolized := false
		for _, e := range entries[:pos] {
			if e != nil {
				symbolized = true
				break
			}
		}
		if !symbolized {
			entries[pos] = g.entryForVMState(sample.State)
		}
	}

	g.profiles.AddPathToCurrentProfiles(entries)
}

func (g *ProfileGenerator) entryForVMState(state VMState) *CodeEntry {
	if state == StateGC {
		return g.gcEntry
	}
	return g.programEntry
}
