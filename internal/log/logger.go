package log

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"swap-router/internal/config"
)

const serviceName = "swap-router"

// NewLogger 根据配置创建 zap.Logger。
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if err := level.Set(strings.ToLower(cfg.Level)); err != nil {
		return nil, fmt.Errorf("解析日志级别失败: %w", err)
	}

	if len(cfg.OutputPaths) == 0 {
		cfg.OutputPaths = []string{"stdout"}
	}
	if len(cfg.ErrorOutputPaths) == 0 {
		cfg.ErrorOutputPaths = []string{"stderr"}
	}

	zapCfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Development,
		Encoding:         cfg.Encoding,
		EncoderConfig:    encoderConfig(cfg.Encoding),
		OutputPaths:      cfg.OutputPaths,
		ErrorOutputPaths: cfg.ErrorOutputPaths,
		InitialFields:    map[string]interface{}{"service": serviceName},
	}

	logger, err := zapCfg.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("创建日志实例失败: %w", err)
	}

	return logger, nil
}

func encoderConfig(encoding string) zapcore.EncoderConfig {
	base := zap.NewProductionEncoderConfig()
	base.TimeKey = "ts"
	base.NameKey = "component"
	base.CallerKey = "caller"
	base.FunctionKey = zapcore.OmitKey
	base.EncodeTime = zapcore.ISO8601TimeEncoder
	base.EncodeDuration = zapcore.StringDurationEncoder
	base.EncodeCaller = zapcore.ShortCallerEncoder

	// json 输出给采集端，不能带颜色控制符。
	if encoding == "console" {
		base.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		base.EncodeLevel = zapcore.LowercaseLevelEncoder
	}
	return base
}
