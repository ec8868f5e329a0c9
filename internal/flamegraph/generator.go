package flamegraph

import (
	"context"

	"github.com/vm-profiler/internal/cpuprofile"
)

// GeneratorOptions holds configuration options for the flame graph generator.
type GeneratorOptions struct {
	// MinPercent is the minimum percentage for a node to be included.
	MinPercent float64

	// IncludeModule includes module information in the output.
	IncludeModule bool

	// Inverted builds the graph from the bottom-up tree, so the roots are
	// the sampled functions.
	Inverted bool
}

// DefaultGeneratorOptions returns default generator options.
func DefaultGeneratorOptions() *GeneratorOptions {
	return &GeneratorOptions{
		MinPercent:    0.01, // 0.01% minimum
		IncludeModule: true,
	}
}

// Generator generates flame graph data from CPU profiles.
type Generator struct {
	opts *GeneratorOptions
}

// NewGenerator creates a new flame graph generator.
func NewGenerator(opts *GeneratorOptions) *Generator {
	if opts == nil {
		opts = DefaultGeneratorOptions()
	}
	return &Generator{opts: opts}
}

// FromProfile converts p with the default options.
func FromProfile(p *cpuprofile.CpuProfile) *FlameGraph {
	fg, _ := NewGenerator(nil).Generate(context.Background(), p)
	return fg
}

// Generate converts the call tree of p into a flame graph.
func (g *Generator) Generate(ctx context.Context, p *cpuprofile.CpuProfile) (*FlameGraph, error) {
	tree := p.TopDown()
	if g.opts.Inverted {
		tree = p.BottomUp()
	}

	fg := NewFlameGraph()
	fg.Title = p.Title()
	fg.MsPerSample = tree.TicksToMillis(1)

	for _, child := range tree.Root().Children() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		g.appendNode(fg.Root, child)
	}

	root := tree.Root()
	fg.Root.Value = int64(root.TotalTicks())
	fg.Root.Self = int64(root.SelfTicks())
	fg.TotalSamples = fg.Root.Value
	fg.Cleanup(g.opts.MinPercent)
	fg.CalculateMaxDepth()

	return fg, nil
}

// appendNode merges src and its subtree below parent. Nodes only differing
// by line number are merged.
func (g *Generator) appendNode(parent *Node, src *cpuprofile.ProfileNode) {
	entry := src.Entry()
	module := ""
	if g.opts.IncludeModule {
		module = entry.ResourceName()
	}

	child := parent.frame(entry.FullName(), module)
	if child.Line == 0 && entry.LineNumber() != cpuprofile.NoLineNumberInfo {
		child.Line = entry.LineNumber()
	}
	child.Value += int64(src.TotalTicks())
	child.Self += int64(src.SelfTicks())

	for _, c := range src.Children() {
		g.appendNode(child, c)
	}
}
