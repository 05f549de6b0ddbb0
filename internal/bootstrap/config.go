package bootstrap

import (
	"os"
	"strconv"
	"strings"

	"github.com/eleven-am/stylestream/internal/capture"
	"github.com/eleven-am/stylestream/internal/codec"
	"github.com/eleven-am/stylestream/internal/runner"
	"github.com/eleven-am/stylestream/internal/session"
)

type Config struct {
	ControlAddr string
	LogLevel    string

	ServerURL              string
	APIKey                 string
	Prompt                 string
	EnhancePrompt          bool
	CaptureWidth           int
	CaptureHeight          int
	JPEGQuality            int
	TargetFPS              float64
	CaptureFromPrimaryView bool
	AutoStart              bool
	TickRate               int

	RateLimitRPS   float64
	RateLimitBurst int

	SettingsDSN string

	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	FrameTTLSeconds int
}

func LoadConfig() *Config {
	return &Config{
		ControlAddr: getEnv("CONTROL_ADDR", "127.0.0.1:8787"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		ServerURL:              getEnv("STYLESTREAM_SERVER_URL", ""),
		APIKey:                 getEnv("STYLESTREAM_API_KEY", ""),
		Prompt:                 getEnv("STYLESTREAM_PROMPT", session.DefaultPrompt),
		EnhancePrompt:          getEnvBool("STYLESTREAM_ENHANCE_PROMPT", true),
		CaptureWidth:           getEnvInt("STYLESTREAM_CAPTURE_WIDTH", capture.DefaultWidth),
		CaptureHeight:          getEnvInt("STYLESTREAM_CAPTURE_HEIGHT", capture.DefaultHeight),
		JPEGQuality:            getEnvInt("STYLESTREAM_JPEG_QUALITY", codec.DefaultQuality),
		TargetFPS:              getEnvFloat("STYLESTREAM_TARGET_FPS", capture.DefaultTargetFPS),
		CaptureFromPrimaryView: getEnvBool("STYLESTREAM_CAPTURE_FROM_PRIMARY_VIEW", true),
		AutoStart:              getEnvBool("STYLESTREAM_AUTO_START", false),
		TickRate:               getEnvInt("TICK_RATE", runner.DefaultTickRate),

		RateLimitRPS:   getEnvFloat("CONTROL_RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvInt("CONTROL_RATE_LIMIT_BURST", 40),

		SettingsDSN: getEnv("SETTINGS_DSN", "file:stylestream.db"),

		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		RedisDB:         getEnvInt("REDIS_DB", 0),
		FrameTTLSeconds: getEnvInt("FRAME_TTL_SECONDS", 60),
	}
}

// SessionConfig builds the controller configuration. Stored credentials
// fill in whatever the environment leaves unset.
func (c *Config) SessionConfig(storedKey, storedURL string) session.Config {
	cfg := session.DefaultConfig()
	cfg.Prompt = c.Prompt
	cfg.EnhancePrompt = c.EnhancePrompt
	cfg.CaptureWidth = c.CaptureWidth
	cfg.CaptureHeight = c.CaptureHeight
	cfg.JPEGQuality = c.JPEGQuality
	cfg.TargetFPS = c.TargetFPS
	cfg.CaptureFromPrimaryView = c.CaptureFromPrimaryView

	cfg.APIKey = firstNonEmpty(c.APIKey, storedKey)
	cfg.ServerURL = firstNonEmpty(c.ServerURL, storedURL, session.DefaultServerURL)
	return cfg
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultValue
	}
}
