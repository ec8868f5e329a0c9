package service

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/vm-profiler/pkg/config"
	"github.com/vm-profiler/pkg/utils"
)

// NewLogger builds the logger described by cfg. verbose forces the debug
// level. The returned closer releases the log file, if any.
func NewLogger(cfg *config.LogConfig, verbose bool) (utils.Logger, io.Closer, error) {
	level := utils.ParseLogLevel(cfg.Level)
	if verbose {
		level = utils.LevelDebug
	}
	if cfg.OutputPath == "" {
		return utils.NewLogger(level, utils.LogFormat(cfg.Format), os.Stdout), nopCloser{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.OutputPath), 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return utils.NewLogger(level, utils.LogFormat(cfg.Format), f), f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
