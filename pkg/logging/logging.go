// Package logging builds the ectologger used across the service on top of a
// zap core, so log output is structured JSON in production and human readable
// when PRETTY_LOGS is set.
package logging

import (
	"encoding/json"

	"github.com/Gobusters/ectologger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns an ectologger.Logger that writes every log message through a
// zap logger. The full ecto message (level, message, fields, error) is
// serialized as the zap payload.
func New(level string, pretty bool) (ectologger.Logger, func() error) {
	cfg := zap.NewProductionConfig()
	if pretty {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	zlog, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		zlog = zap.NewNop()
	}

	logger := ectologger.NewEctoLogger(func(m ectologger.EctoLogMessage) {
		payload, merr := json.Marshal(m)
		if merr != nil {
			zlog.Warn("unencodable log message")
			return
		}
		zlog.Info(string(payload))
	})

	return logger, zlog.Sync
}
