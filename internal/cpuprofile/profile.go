package cpuprofile

import (
	"github.com/vm-profiler/internal/tokens"
)

// CpuProfile holds the two views of one profiling session. It must not be
// modified after the collection has finalized it.
type CpuProfile struct {
	title    string
	uid      uint32
	topDown  *ProfileTree
	bottomUp *ProfileTree
}

// NewCpuProfile creates an empty profile.
func NewCpuProfile(title string, uid uint32) *CpuProfile {
	return &CpuProfile{
		title:    title,
		uid:      uid,
		topDown:  NewProfileTree(),
		bottomUp: NewProfileTree(),
	}
}

func (p *CpuProfile) Title() string { return p.title }
func (p *CpuProfile) UID() uint32 { return p.uid }
func (p *CpuProfile) TopDown() *ProfileTree { return p.topDown }
func (p *CpuProfile) BottomUp() *ProfileTree { return p.bottomUp }

// AddPath records one sample. The path is ordered from the sampled pc
// towards the outermost caller.
func (p *CpuProfile) AddPath(path []*CodeEntry) {
	p.topDown.AddPathFromEnd(path)
	p.bottomUp.AddPathFromStart(path)
}

// CalculateTotalTicks aggregates both trees.
func (p *CpuProfile) CalculateTotalTicks() {
	p.topDown.CalculateTotalTicks()
	p.bottomUp.CalculateTotalTicks()
}

// SetActualSamplingRate sets the tick to milliseconds scale of both trees.
func (p *CpuProfile) SetActualSamplingRate(ticksPerMs float64) {
	p.topDown.SetTickRatePerMs(ticksPerMs)
	p.bottomUp.SetTickRatePerMs(ticksPerMs)
}

// FilteredClone returns a copy visible to the given security token.
func (p *CpuProfile) FilteredClone(securityTokenID int) *CpuProfile {
	if securityTokenID == tokens.NoSecurityToken {
		panic("cpuprofile: filtered clone requested for the unabridged view")
	}
	clone := NewCpuProfile(p.title, p.uid)
	clone.topDown.FilteredClone(p.topDown, securityTokenID)
	clone.bottomUp.FilteredClone(p.bottomUp, securityTokenID)
	return clone
}

// SamplesCount returns the number of samples recorded in the profile.
func (p *CpuProfile) SamplesCount() uint64 {
	return p.topDown.root.totalTicks
}
