package app

import (
	"log/slog"
	"os"
)

// NewLogger returns a configured slog.Logger. Production and LOG_FORMAT=json
// get JSON output; development defaults to readable text.
func NewLogger(cfg *Config) *slog.Logger {
	if cfg != nil && (cfg.LogFormat == "json" || cfg.IsProduction()) {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{AddSource: true}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{}))
}
