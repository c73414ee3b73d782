package logging

import (
	"fmt"
	"unicode/utf8"

	"github.com/RichardoC/searchchat/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap logger. The json format uses the production encoder and
// console the development one.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zcfg zap.Config
	switch cfg.Format {
	case "console":
		zcfg = zap.NewDevelopmentConfig()
	default:
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// MaxPayload caps payloads logged with Truncated.
const MaxPayload = 200

// Truncated logs at most MaxPayload bytes of value, cut on a rune boundary,
// with a marker of how much was dropped.
func Truncated(key, value string) zap.Field {
	if len(value) <= MaxPayload {
		return zap.String(key, value)
	}
	cut := MaxPayload
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return zap.String(key, fmt.Sprintf("%s...(%d more bytes)", value[:cut], len(value)-cut))
}
