// Package logging builds the process zap logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/andy6609/relaychat/internal/config"
)

const defaultMaxSizeMB = 100

// New logs to stdout and, when cfg.File is set, to a rotated file.
// The returned cleanup flushes and closes both.
func New(cfg config.LogConfig) (*zap.Logger, func(), error) {
	return NewWithWriter(cfg, os.Stdout)
}

func NewWithWriter(cfg config.LogConfig, stdout io.Writer) (*zap.Logger, func(), error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	encoder, err := newEncoder(cfg.Format)
	if err != nil {
		return nil, nil, err
	}

	outputs := []zapcore.WriteSyncer{zapcore.AddSync(stdout)}
	var rotated *lumberjack.Logger
	if cfg.File != "" {
		rotated, err = newFileLog(cfg)
		if err != nil {
			return nil, nil, err
		}
		outputs = append(outputs, zapcore.AddSync(rotated))
	}

	core := zapcore.NewCore(encoder, zap.CombineWriteSyncers(outputs...), level)
	lg := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel))

	cleanup := func() {
		_ = lg.Sync()
		if rotated != nil {
			_ = rotated.Close()
		}
	}
	return lg, cleanup, nil
}

func parseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zap.InfoLevel, nil
	}
	if strings.EqualFold(s, "trace") {
		s = "debug"
	}
	level, err := zapcore.ParseLevel(s)
	if err != nil {
		return zap.InfoLevel, errors.Wrapf(err, "parse log level %q", s)
	}
	return level, nil
}

func newEncoder(format string) (zapcore.Encoder, error) {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")

	switch format {
	case "", "console":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(encCfg), nil
	case "json":
		return zapcore.NewJSONEncoder(encCfg), nil
	default:
		return nil, errors.Newf("unknown log format %q", format)
	}
}

func newFileLog(cfg config.LogConfig) (*lumberjack.Logger, error) {
	if st, err := os.Stat(cfg.File); err == nil && st.IsDir() {
		return nil, errors.New("can't use directory as log file name")
	}
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = defaultMaxSizeMB
	}
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		LocalTime:  true,
	}, nil
}
