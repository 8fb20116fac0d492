package util

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger       *zap.Logger
	fallback     *zap.Logger
	fallbackOnce sync.Once
)

// InitLogger builds the process logger: JSON in production, colored console elsewhere.
// level accepts zap level names ("debug", "info", ...); empty keeps the environment default.
func InitLogger(env, level string) error {
	var config zap.Config

	if env == "production" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return err
		}
		config.Level = zap.NewAtomicLevelAt(lvl)
	}

	built, err := config.Build(zap.Fields(zap.String("service", "fulfillment-service")))
	if err != nil {
		return err
	}

	logger = built
	zap.ReplaceGlobals(logger)
	return nil
}

// GetLogger returns the process logger
func GetLogger() *zap.Logger {
	if logger != nil {
		return logger
	}
	fallbackOnce.Do(func() {
		fallback, _ = zap.NewDevelopment()
	})
	return fallback
}

// OrderLogger returns the process logger scoped to one order
func OrderLogger(orderID int64) *zap.Logger {
	return GetLogger().With(zap.Int64("order_id", orderID))
}

// SyncLogger flushes any buffered log entries
func SyncLogger() {
	if logger != nil {
		_ = logger.Sync()
	}
}
