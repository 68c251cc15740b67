// Package logging 按配置创建 zap logger
package logging

import (
	"os"
	"path/filepath"

	"github.com/blingmoon/simple-bpmn/internal/config"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger 级别解析失败时用 info, OutputPath 可以是 stdout, stderr 或者文件路径
// 返回的 cleanup 刷新缓冲并关闭打开的日志文件, 调用方退出前执行
func NewLogger(cfg config.LoggerConfig) (logger *zap.Logger, cleanup func(), err error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "json" {
		encoderConfig = zap.NewProductionEncoderConfig()
	} else {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	writeSyncer, closeOutput, err := openOutput(cfg.OutputPath)
	if err != nil {
		return nil, nil, err
	}

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)
	logger = zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	cleanup = func() {
		_ = logger.Sync()
		closeOutput()
	}
	return logger, cleanup, nil
}

// openOutput stdout 和 stderr 的关闭函数什么都不做
func openOutput(outputPath string) (zapcore.WriteSyncer, func(), error) {
	switch outputPath {
	case "":
		outputPath = "stderr"
	case "stderr", "stdout":
	default:
		if dir := filepath.Dir(outputPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, errors.Wrapf(err, "create log dir %s", dir)
			}
		}
	}
	writeSyncer, closeOutput, err := zap.Open(outputPath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open log output %s", outputPath)
	}
	return writeSyncer, closeOutput, nil
}
