// Package replay turns collapsed stack files into CPU profiles.
// Collapsed format example: thread_name-pid/tid;func1;func2;func3 count
package replay

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Frame is a single frame of a call stack.
type Frame struct {
	Function string `json:"func"`
	Module   string `json:"module,omitempty"`
	Line     int    `json:"line,omitempty"`
}

// ThreadInfo is the thread a stack was sampled on.
type ThreadInfo struct {
	ThreadName string `json:"thread_name"`
	TID        int    `json:"tid"`
}

// Stack is one line of a collapsed file. Frames go from the outermost
// caller to the sampled function.
type Stack struct {
	Thread ThreadInfo
	Frames []Frame
	Count  int64
}

// ParseOptions holds configuration options for the collapsed parser.
type ParseOptions struct {
	// ThreadFrame treats the first frame of every line as thread info.
	ThreadFrame bool

	// IncludeSwapper keeps stacks of the swapper (idle) thread.
	IncludeSwapper bool

	// StrictMode fails on the first malformed line instead of skipping it.
	StrictMode bool
}

// ErrInvalidFormat is returned for lines that are not collapsed stacks.
var ErrInvalidFormat = fmt.Errorf("invalid collapsed format")

// APM format regex: [Thread-7 tid=1060369]
var apmFormatRegex = regexp.MustCompile(`^\[(.+)\s+tid=(\d+)\]$`)

// Invalid data pattern: 5_2175795_[002]_83367.826506:-?/10101010
var invalidDataRegex = regexp.MustCompile(`^\d+_\d+_`)

// Parse reads every stack of a collapsed file.
func Parse(ctx context.Context, reader io.Reader, opts ParseOptions) ([]Stack, error) {
	var stacks []Stack

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		stack, err := ParseLine(line, opts)
		if err != nil {
			if opts.StrictMode {
				return nil, fmt.Errorf("line %d: %w", lineNum, err)
			}
			continue
		}
		if stack == nil {
			continue
		}
		stacks = append(stacks, *stack)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return stacks, nil
}

// ParseFile parses a collapsed file.
func ParseFile(ctx context.Context, path string, opts ParseOptions) ([]Stack, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(ctx, f, opts)
}

// ParseLine parses a single line. It returns nil without error for lines
// that are skipped on purpose.
func ParseLine(line string, opts ParseOptions) (*Stack, error) {
	lastSpace := strings.LastIndexAny(line, " \t")
	if lastSpace == -1 {
		return nil, ErrInvalidFormat
	}

	stack := strings.TrimSpace(line[:lastSpace])
	count, err := strconv.ParseInt(strings.TrimSpace(line[lastSpace+1:]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid count value: %w", err)
	}
	if count < 0 {
		return nil, fmt.Errorf("negative count %d", count)
	}
	if stack == "" {
		return nil, ErrInvalidFormat
	}

	parts := strings.Split(stack, ";")
	out := &Stack{Thread: ThreadInfo{TID: -1}, Count: count}

	startIdx := 0
	if opts.ThreadFrame {
		if IsInvalidData(parts[0]) {
			return nil, nil
		}
		if !opts.IncludeSwapper && IsSwapperThread(parts[0]) {
			return nil, nil
		}
		out.Thread = ExtractThreadInfo(parts[0])
		startIdx = 1
		if startIdx < len(parts) && apmFormatRegex.MatchString(parts[startIdx]) {
			startIdx++
		}
	}

	for _, raw := range parts[startIdx:] {
		if raw == "" || raw == "[]" {
			continue
		}
		out.Frames = append(out.Frames, ParseFrame(raw))
	}
	if len(out.Frames) == 0 {
		return nil, ErrInvalidFormat
	}
	return out, nil
}

// SplitFuncAndModule splits a function name with module information.
// e.g., "funcName(module)" => ("funcName", "module")
// e.g., "funcName" => ("funcName", "")
func SplitFuncAndModule(funcModule string) (function, module string) {
	lastParen := strings.LastIndex(funcModule, "(")
	if lastParen <= 0 || !strings.HasSuffix(funcModule, ")") {
		return funcModule, ""
	}
	return funcModule[:lastParen], funcModule[lastParen+1 : len(funcModule)-1]
}

// SplitModuleLine splits a trailing ":<line>" off a module.
// e.g., "view.js:42" => ("view.js", 42)
// e.g., "app.js:main" => ("app.js:main", 0)
func SplitModuleLine(module string) (string, int) {
	i := strings.LastIndexByte(module, ':')
	if i <= 0 || i == len(module)-1 {
		return module, 0
	}
	line, err := strconv.Atoi(module[i+1:])
	if err != nil || line <= 0 || module[i+1] == '+' {
		return module, 0
	}
	return module[:i], line
}

// ParseFrame parses a raw frame string: "name", "name(resource)" or
// "name(resource:line)".
func ParseFrame(raw string) Frame {
	function, module := SplitFuncAndModule(raw)
	module, line := SplitModuleLine(module)
	return Frame{Function: function, Module: module, Line: line}
}

// ExtractThreadInfo extracts thread name and TID from the first frame.
// Supports two formats:
// 1. Standard perf format: "process_name-pid/tid" e.g., "sap1009-?/1088670"
// 2. APM format: "[Thread-7 tid=1060369]"
func ExtractThreadInfo(threadFrame string) ThreadInfo {
	info := ThreadInfo{ThreadName: threadFrame, TID: -1}

	if m := apmFormatRegex.FindStringSubmatch(threadFrame); len(m) == 3 {
		info.ThreadName = m[1]
		if tid, err := strconv.Atoi(m[2]); err == nil {
			info.TID = tid
		}
		return info
	}

	if lastDash := strings.LastIndex(threadFrame, "-"); lastDash > 0 {
		info.ThreadName = threadFrame[:lastDash]
	}
	if lastSlash := strings.LastIndex(threadFrame, "/"); lastSlash > 0 && lastSlash < len(threadFrame)-1 {
		if tid, err := strconv.Atoi(threadFrame[lastSlash+1:]); err == nil {
			info.TID = tid
		}
	}
	return info
}

// IsSwapperThread checks if the thread is the swapper (idle) thread.
func IsSwapperThread(threadFrame string) bool {
	return strings.HasPrefix(threadFrame, "swapper-") || threadFrame == "swapper"
}

// IsInvalidData checks if the line matches invalid data pattern.
func IsInvalidData(firstFrame string) bool {
	return invalidDataRegex.MatchString(firstFrame)
}
