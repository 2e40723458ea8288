package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Init builds the daemon logger from the configuration. Everything goes to
// stderr in console form, with colored levels when stderr is a terminal.
// The returned atomic level allows raising verbosity at runtime.
func Init(cfg *Config) (*zap.SugaredLogger, zap.AtomicLevel) {
	level := zap.NewAtomicLevelAt(cfg.Level)

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	if term.IsTerminal(int(os.Stderr.Fd())) {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.Lock(os.Stderr),
		level,
	)

	return zap.New(core).Sugar(), level
}
