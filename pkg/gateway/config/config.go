package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	DatabaseURL string

	// Remote assistant provider.
	OpenAIAPIKey   string
	AssistantModel string
	// Optional override for tests and proxies.
	AssistantBaseURL string

	// Speech synthesis.
	ElevenLabsAPIKey  string
	ElevenLabsVoiceID string

	// Speech recognition.
	GeminiAPIKey string
	GeminiModel  string

	// Audio artifact storage. Blank bucket disables uploads.
	S3Bucket    string
	S3Region    string
	S3AccessKey string
	S3SecretKey string
	S3KeyPrefix string

	// WebSocket mode.
	WSPingInterval       time.Duration
	WSWriteTimeout       time.Duration
	MaxTextMessageBytes  int64
	MaxAudioMessageBytes int64

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                 envOr("CHATENGINE_ADDR", ":8080"),
		DatabaseURL:          envOr("CHATENGINE_DATABASE_URL", ""),
		OpenAIAPIKey:         envOr("OPENAI_API_KEY", ""),
		AssistantModel:       envOr("CHATENGINE_ASSISTANT_MODEL", "gpt-4o"),
		AssistantBaseURL:     envOr("CHATENGINE_ASSISTANT_BASE_URL", ""),
		ElevenLabsAPIKey:     envOr("ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID:    envOr("CHATENGINE_TTS_VOICE_ID", ""),
		GeminiAPIKey:         envOr("GEMINI_API_KEY", ""),
		GeminiModel:          envOr("CHATENGINE_STT_MODEL", "gemini-2.0-flash"),
		S3Bucket:             envOr("CHATENGINE_S3_BUCKET", ""),
		S3Region:             envOr("CHATENGINE_S3_REGION", "us-east-1"),
		S3AccessKey:          envOr("CHATENGINE_S3_ACCESS_KEY", ""),
		S3SecretKey:          envOr("CHATENGINE_S3_SECRET_KEY", ""),
		S3KeyPrefix:          envOr("CHATENGINE_S3_KEY_PREFIX", "audio"),
		WSPingInterval:       envDurationOr("CHATENGINE_WS_PING_INTERVAL", 30*time.Second),
		WSWriteTimeout:       envDurationOr("CHATENGINE_WS_WRITE_TIMEOUT", 10*time.Second),
		MaxTextMessageBytes:  envInt64Or("CHATENGINE_MAX_TEXT_MESSAGE_BYTES", 64<<10),  // 64 KiB
		MaxAudioMessageBytes: envInt64Or("CHATENGINE_MAX_AUDIO_MESSAGE_BYTES", 16<<20), // 16 MiB
		ReadHeaderTimeout:    envDurationOr("CHATENGINE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:  envDurationOr("CHATENGINE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("CHATENGINE_DATABASE_URL must be set")
	}
	if cfg.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("OPENAI_API_KEY must be set")
	}
	if strings.TrimSpace(cfg.AssistantModel) == "" {
		return Config{}, fmt.Errorf("CHATENGINE_ASSISTANT_MODEL must not be empty")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("CHATENGINE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("CHATENGINE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.MaxTextMessageBytes <= 0 {
		return Config{}, fmt.Errorf("CHATENGINE_MAX_TEXT_MESSAGE_BYTES must be > 0")
	}
	if cfg.MaxAudioMessageBytes <= 0 {
		return Config{}, fmt.Errorf("CHATENGINE_MAX_AUDIO_MESSAGE_BYTES must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("CHATENGINE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("CHATENGINE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.S3Bucket != "" {
		if cfg.S3AccessKey == "" || cfg.S3SecretKey == "" {
			return Config{}, fmt.Errorf("CHATENGINE_S3_ACCESS_KEY and CHATENGINE_S3_SECRET_KEY must be set when CHATENGINE_S3_BUCKET is set")
		}
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
