// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/erazemk/popis/internal/config"
)

// New builds a logger from cfg. Debug, info and warn entries go to stdout,
// error and above to stderr. When cfg.File is set every entry is also
// appended to that file. The returned cleanup syncs the logger and closes
// the file.
func New(cfg config.LogConfig) (*zap.Logger, func(), error) {
	var file *os.File
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		file = f
	}

	var fileW io.Writer
	if file != nil {
		fileW = file
	}

	logger, err := build(cfg, os.Stdout, os.Stderr, fileW)
	if err != nil {
		if file != nil {
			file.Close()
		}
		return nil, nil, err
	}

	cleanup := func() {
		_ = logger.Sync()
		if file != nil {
			file.Close()
		}
	}
	return logger, cleanup, nil
}

func build(cfg config.LogConfig, stdout, stderr, file io.Writer) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}

	low := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= level && l < zapcore.ErrorLevel
	})
	high := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= level && l >= zapcore.ErrorLevel
	})

	enc := newEncoder(cfg.Format)
	cores := []zapcore.Core{
		zapcore.NewCore(enc, zapcore.AddSync(stdout), low),
		zapcore.NewCore(enc.Clone(), zapcore.AddSync(stderr), high),
	}
	if file != nil {
		cores = append(cores, zapcore.NewCore(enc.Clone(), zapcore.AddSync(file), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if format == "json" {
		return zapcore.NewJSONEncoder(encoderCfg)
	}
	return zapcore.NewConsoleEncoder(encoderCfg)
}
