package jit

import (
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// parseLevel 解析日志级别，"off" 或空字符串返回高于 Fatal 的级别表示关闭
func parseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(s) {
	case "", "off", "none":
		return zapcore.FatalLevel + 1, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, errors.Wrapf(ErrInvalidConfig, "unknown log level %q", s)
	}
	return level, nil
}

// newLogger 按配置创建结构化日志
func newLogger(levelName string) (*zap.Logger, error) {
	level, err := parseLevel(levelName)
	if err != nil {
		return nil, err
	}
	if level > zapcore.FatalLevel {
		return zap.NewNop(), nil
	}
	cfg := zap.NewDevelopmentConfig()
	if level > zapcore.DebugLevel {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = true
	logger, err := cfg.Build()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build logger")
	}
	return logger.Named("jit"), nil
}

// keyField 片段键的日志字段
func keyField(k FragmentKey) zap.Field {
	return zap.String("key", k.String())
}
