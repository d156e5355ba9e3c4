package utils

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is silent until InitLogger or SetLogger is called.
var Logger = zap.NewNop()

// InitLogger configures Logger for a gin-style mode: "release" logs JSON at
// Info, "test" stays silent, anything else logs colored console output at
// Debug, which includes per-stage pipeline timings.
func InitLogger(mode string) error {
	var config zap.Config
	switch mode {
	case "test":
		Logger = zap.NewNop()
		return nil
	case "release":
		config = zap.NewProductionConfig()
	default:
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	logger, err := config.Build()
	if err != nil {
		return err
	}
	Logger = logger.Named("depthlayer")
	return nil
}

// SetLogger replaces Logger and returns a func restoring the previous one.
func SetLogger(l *zap.Logger) (restore func()) {
	prev := Logger
	Logger = l
	return func() { Logger = prev }
}

func Sync() {
	_ = Logger.Sync()
}
