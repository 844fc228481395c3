package main

import (
	"log/slog"
	"net"
	"os"
)

// Env holds the environment-driven settings. Everything else comes
// from the YAML config file.
type Env struct {
	Host       string
	Port       string
	ConfigFile string
	LogLevel   slog.Level
}

func loadEnv() *Env {
	return &Env{
		Host:       envOr("HOST", "0.0.0.0"),
		Port:       envOr("PORT", "8080"),
		ConfigFile: envOr("MCPGUARDIAN_CONFIG", "config.yml"),
		LogLevel:   parseLogLevel(envOr("MCPGUARDIAN_LOG_LEVEL", "info")),
	}
}

func (e *Env) Addr() string {
	return net.JoinHostPort(e.Host, e.Port)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
