package cpuprofile

import (
	"fmt"
	"io"
	"time"

	"github.com/google/pprof/profile"
)

// ToPprof converts the top-down tree of p into a pprof profile. Every node
// with self ticks becomes one sample whose stack is read from the node up to
// the root.
func ToPprof(p *CpuProfile) *profile.Profile {
	tree := p.TopDown()
	msPerTick := tree.TicksToMillis(1)
	nsPerTick := int64(msPerTick * float64(time.Millisecond))

	prof := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "samples", Unit: "count"},
			{Type: "cpu", Unit: "nanoseconds"},
		},
		PeriodType: &profile.ValueType{Type: "cpu", Unit: "nanoseconds"},
		Period:     nsPerTick,
		Comments:   []string{fmt.Sprintf("title=%s uid=%d", p.Title(), p.UID())},
	}

	functions := make(map[callKey]*profile.Function)
	locations := make(map[callKey]*profile.Location)
	locationFor := func(e *CodeEntry) *profile.Location {
		key := e.key()
		if loc, ok := locations[key]; ok {
			return loc
		}
		fn, ok := functions[key]
		if !ok {
			fn = &profile.Function{
				ID:         uint64(len(prof.Function) + 1),
				Name:       e.FullName(),
				SystemName: e.Tag().String(),
				Filename:   e.ResourceName(),
				StartLine:  int64(e.LineNumber()),
			}
			functions[key] = fn
			prof.Function = append(prof.Function, fn)
		}
		loc := &profile.Location{
			ID:   uint64(len(prof.Location) + 1),
			Line: []profile.Line{{Function: fn, Line: int64(e.LineNumber())}},
		}
		locations[key] = loc
		prof.Location = append(prof.Location, loc)
		return loc
	}

	cb := &pprofCallback{
		emit: func(stack []*ProfileNode, self uint64) {
			locs := make([]*profile.Location, 0, len(stack))
			for i := len(stack) - 1; i >= 0; i-- {
				locs = append(locs, locationFor(stack[i].entry))
			}
			prof.Sample = append(prof.Sample, &profile.Sample{
				Location: locs,
				Value:    []int64{int64(self), int64(self) * nsPerTick},
			})
		},
	}
	tree.TraverseDepthFirst(cb)
	return prof
}

// pprofCallback keeps the current path below the root.
type pprofCallback struct {
	stack []*ProfileNode
	emit  func(stack []*ProfileNode, self uint64)
}

func (c *pprofCallback) BeforeTraversingChild(_, child *ProfileNode) {
	c.stack = append(c.stack, child)
}

func (c *pprofCallback) AfterAllChildrenTraversed(node *ProfileNode) {
	if node.selfTicks == 0 {
		return
	}
	if len(c.stack) == 0 {
		// Samples with no resolved frame at all.
		c.emit([]*ProfileNode{node}, node.selfTicks)
		return
	}
	c.emit(c.stack, node.selfTicks)
}

func (c *pprofCallback) AfterChildTraversed(_, _ *ProfileNode) {
	c.stack = c.stack[:len(c.stack)-1]
}

// WritePprof writes p in the gzipped pprof wire format.
func WritePprof(w io.Writer, p *CpuProfile) error {
	prof := ToPprof(p)
	if err := prof.CheckValid(); err != nil {
		return fmt.Errorf("invalid pprof profile: %w", err)
	}
	return prof.Write(w)
}
