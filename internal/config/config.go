package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	Port        int
	LogLevel    string
	DatabaseURL string
	DataDir     string
	NatsURL     string
	NatsToken   string
	APIToken    string

	GatewayURL   string
	GatewayKey   string
	Model        string
	RelayURL     string
	Workspace    string
	ReadOnly     bool
	AutoSave     time.Duration
	WatchChanges bool

	CloudinaryCloud  string
	CloudinaryKey    string
	CloudinarySecret string
	CloudinaryFolder string
}

func Load() Config {
	port := envInt("FABROM_PORT", 8760)
	return Config{
		Port:        port,
		LogLevel:    envStr("LOG_LEVEL", "info"),
		DatabaseURL: envStr("DATABASE_URL", ""),
		DataDir:     envStr("FABROM_DATA_DIR", defaultDataDir()),
		NatsURL:     envStr("NATS_URL", ""),
		NatsToken:   envStr("NATS_TOKEN", ""),
		APIToken:    envStr("FABROM_API_TOKEN", ""),

		GatewayURL:   envStr("LLM_GATEWAY_URL", "https://ai.gateway.lovable.dev/v1"),
		GatewayKey:   envStr("LLM_GATEWAY_KEY", ""),
		Model:        envStr("LLM_MODEL", "google/gemini-2.5-flash"),
		RelayURL:     envStr("FABROM_RELAY_URL", fmt.Sprintf("http://localhost:%d/api/v1/chat", port)),
		Workspace:    envStr("FABROM_WORKSPACE", ""),
		ReadOnly:     envBool("FABROM_READ_ONLY", false),
		AutoSave:     envDuration("FABROM_AUTOSAVE_DELAY", time.Second),
		WatchChanges: envBool("FABROM_WATCH", true),

		CloudinaryCloud:  envStr("CLOUDINARY_CLOUD_NAME", ""),
		CloudinaryKey:    envStr("CLOUDINARY_API_KEY", ""),
		CloudinarySecret: envStr("CLOUDINARY_API_SECRET", ""),
		CloudinaryFolder: envStr("CLOUDINARY_FOLDER", "fabrom-uploads"),
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fabrom"
	}
	return filepath.Join(home, ".fabrom")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
