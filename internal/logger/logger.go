// Package logger builds the process-wide zap logger.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/crazyfrankie/zhttp/internal/config"
)

// Setup builds a logger from cfg, installs it as the zap global and routes
// the standard library logger into it. The returned func flushes it.
func Setup(cfg config.LogConfig) (*zap.Logger, func(), error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(normalizeLevel(cfg.Level))); err != nil {
		return nil, nil, fmt.Errorf("logger: level %q: %w", cfg.Level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
	}

	var enc zapcore.Encoder
	switch strings.ToLower(cfg.Format) {
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	case "", "console":
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, nil, fmt.Errorf("logger: unknown format %q", cfg.Format)
	}

	outputs := cfg.Outputs
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}
	var closers []func() error
	cores := make([]zapcore.Core, 0, len(outputs))
	for _, out := range outputs {
		ws, closeFn, err := writer(out, cfg.Rotation)
		if err != nil {
			for _, c := range closers {
				c()
			}
			return nil, nil, err
		}
		if closeFn != nil {
			closers = append(closers, closeFn)
		}
		cores = append(cores, zapcore.NewCore(enc, ws, level))
	}

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}
	lg := zap.New(zapcore.NewTee(cores...), opts...)

	undoGlobals := zap.ReplaceGlobals(lg)
	undoStd, err := zap.RedirectStdLogAt(lg, zapcore.InfoLevel)
	if err != nil {
		undoGlobals()
		return nil, nil, fmt.Errorf("logger: redirect std log: %w", err)
	}

	cleanup := func() {
		lg.Sync()
		undoStd()
		undoGlobals()
		for _, c := range closers {
			c()
		}
	}
	return lg, cleanup, nil
}

func normalizeLevel(l string) string {
	l = strings.ToLower(strings.TrimSpace(l))
	switch l {
	case "":
		return "info"
	case "warning":
		return "warn"
	}
	return l
}

// writer maps an output name to a sink. Anything other than stdout or
// stderr is a file path.
func writer(out string, rot config.RotationConfig) (zapcore.WriteSyncer, func() error, error) {
	switch out {
	case "stdout":
		return zapcore.Lock(os.Stdout), nil, nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	if rot.Enable {
		lj := &lumberjack.Logger{
			Filename:   out,
			MaxSize:    rot.MaxSizeMB,
			MaxBackups: rot.MaxBackups,
			MaxAge:     rot.MaxAgeDays,
			Compress:   rot.Compress,
		}
		return zapcore.AddSync(lj), lj.Close, nil
	}
	f, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	return zapcore.Lock(f), f.Close, nil
}
