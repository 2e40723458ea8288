package logging

import (
	"encoding/json"

	"go.uber.org/zap/zapcore"
)

// Config is the configuration for the logging subsystem.
type Config struct {
	// Level is the logging level.
	Level zapcore.Level `json:"level"`
}

// UnmarshalJSON decodes the level from its textual form ("debug", "info",
// ...), since zapcore.Level only knows how to unmarshal text.
func (m *Config) UnmarshalJSON(data []byte) error {
	var raw struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Level == "" {
		m.Level = zapcore.InfoLevel
		return nil
	}
	return m.Level.UnmarshalText([]byte(raw.Level))
}
