package replay

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleFile = `# recorded on host-1
app-1/10;main;handle(server.js);parse(parser.js) 3
app-1/10;main;handle(server.js);render 2
[Thread-7 tid=77];[Thread-7 tid=77];main;idle 1
swapper-0/0;cpu_idle 5
5_2175795_[002]_83367.826506:-?/10101010;x 9
`

func TestParseLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		opts    ParseOptions
		frames  []Frame
		count   int64
		thread  ThreadInfo
		wantErr bool
		skipped bool
	}{
		{
			name:   "PlainFrames",
			line:   "a;b;c 12",
			frames: []Frame{{Function: "a"}, {Function: "b"}, {Function: "c"}},
			count:  12,
			thread: ThreadInfo{TID: -1},
		},
		{
			name:   "ThreadFrameAndModules",
			line:   "java-1234/5678;run(app.jar);loop 4",
			opts:   ParseOptions{ThreadFrame: true},
			frames: []Frame{{Function: "run", Module: "app.jar"}, {Function: "loop"}},
			count:  4,
			thread: ThreadInfo{ThreadName: "java", TID: 5678},
		},
		{
			name:   "TabSeparatedCount",
			line:   "a;b\t7",
			frames: []Frame{{Function: "a"}, {Function: "b"}},
			count:  7,
			thread: ThreadInfo{TID: -1},
		},
		{name: "SwapperSkipped", line: "swapper-0/0;idle 3", opts: ParseOptions{ThreadFrame: true}, skipped: true},
		{name: "InvalidDataSkipped", line: "5_2175795_[002]_1:-?/1;x 3", opts: ParseOptions{ThreadFrame: true}, skipped: true},
		{name: "NoCount", line: "a;b", wantErr: true},
		{name: "BadCount", line: "a;b x", wantErr: true},
		{name: "NegativeCount", line: "a;b -1", wantErr: true},
		{name: "OnlyThread", line: "app-1/2 3", opts: ParseOptions{ThreadFrame: true}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := ParseLine(tt.line, tt.opts)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.skipped {
				assert.Nil(t, s)
				return
			}
			require.NotNil(t, s)
			assert.Equal(t, tt.frames, s.Frames)
			assert.Equal(t, tt.count, s.Count)
			assert.Equal(t, tt.thread, s.Thread)
		})
	}
}

func TestParse(t *testing.T) {
	stacks, err := Parse(context.Background(), strings.NewReader(sampleFile), ParseOptions{ThreadFrame: true})
	require.NoError(t, err)
	require.Len(t, stacks, 3)
	assert.Equal(t, "parse", stacks[0].Frames[2].Function)
	assert.Equal(t, ThreadInfo{ThreadName: "Thread-7", TID: 77}, stacks[2].Thread)
	assert.Equal(t, []Frame{{Function: "main"}, {Function: "idle"}}, stacks[2].Frames)

	withIdle, err := Parse(context.Background(), strings.NewReader(sampleFile), ParseOptions{ThreadFrame: true, IncludeSwapper: true})
	require.NoError(t, err)
	assert.Len(t, withIdle, 4)
}

func TestParse_StrictMode(t *testing.T) {
	input := "a;b 1\nbroken\nc 2\n"

	stacks, err := Parse(context.Background(), strings.NewReader(input), ParseOptions{})
	require.NoError(t, err)
	assert.Len(t, stacks, 2)

	_, err = Parse(context.Background(), strings.NewReader(input), ParseOptions{StrictMode: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestParse_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Parse(ctx, strings.NewReader("a 1\n"), ParseOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSplitFuncAndModule(t *testing.T) {
	tests := []struct {
		in, fn, mod string
	}{
		{"func(mod)", "func", "mod"},
		{"func", "func", ""},
		{"f(a)(b)", "f(a)", "b"},
		{"(anonymous)", "(anonymous)", ""},
		{"f(x", "f(x", ""},
	}
	for _, tt := range tests {
		fn, mod := SplitFuncAndModule(tt.in)
		assert.Equal(t, tt.fn, fn, tt.in)
		assert.Equal(t, tt.mod, mod, tt.in)
	}
}

func TestParseFrame(t *testing.T) {
	tests := []struct {
		in   string
		want Frame
	}{
		{"render(view.js:42)", Frame{Function: "render", Module: "view.js", Line: 42}},
		{"render(view.js)", Frame{Function: "render", Module: "view.js"}},
		{"render", Frame{Function: "render"}},
		{"f(lib.js:)", Frame{Function: "f", Module: "lib.js:"}},
		{"f(lib.js:0)", Frame{Function: "f", Module: "lib.js:0"}},
		{"f(lib.js:-3)", Frame{Function: "f", Module: "lib.js:-3"}},
		{"f(lib.js:+3)", Frame{Function: "f", Module: "lib.js:+3"}},
		{"f(node:fs)", Frame{Function: "f", Module: "node:fs"}},
		{"f(:12)", Frame{Function: "f", Module: ":12"}},
		{"f(a:b:7)", Frame{Function: "f", Module: "a:b", Line: 7}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseFrame(tt.in), tt.in)
	}
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stacks.collapsed")
	require.NoError(t, os.WriteFile(path, []byte(sampleFile), 0644))

	stacks, err := ParseFile(context.Background(), path, ParseOptions{ThreadFrame: true})
	require.NoError(t, err)
	assert.Len(t, stacks, 3)

	_, err = ParseFile(context.Background(), path+".missing", ParseOptions{})
	assert.ErrorIs(t, err, os.ErrNotExist)
}
