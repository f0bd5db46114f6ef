package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Webhooks
	PublicBaseURL string // Externally reachable base URL registered with the provider
	WebhookSecret string // HMAC secret for callback signatures (empty = accept unsigned, dev mode)

	// Supabase (durable asset storage)
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	// OpenAI (preferred storyboard planner)
	OpenAIKey string

	// Gemini (fallback storyboard planner — used when OpenAI key is not set)
	GeminiKey string

	// Replicate (generation provider for all scene stages and tracks)
	ReplicateToken string
	ImageModel     string
	UpscaleModel   string
	VideoModel     string
	MusicModel     string
	VoiceModel     string

	// Assembler (final render service)
	AssemblerURL string
	AssemblerKey string

	// Worker
	MaxConcurrentJobs int
	MaxStageAttempts  int
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:            getEnv("API_PORT", "8080"),
		WorkerEnabled:      getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:      getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", ""),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379"),
		PublicBaseURL:      getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
		WebhookSecret:      getEnv("WEBHOOK_SECRET", ""),

		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "zapcut-campaigns"),

		OpenAIKey: getEnv("OPENAI_API_KEY", ""),
		GeminiKey: getEnv("GEMINI_API_KEY", ""),

		ReplicateToken: getEnv("REPLICATE_API_TOKEN", ""),
		ImageModel:     getEnv("IMAGE_MODEL", "black-forest-labs/flux-1.1-pro"),
		UpscaleModel:   getEnv("UPSCALE_MODEL", "philz1337x/clarity-upscaler"),
		VideoModel:     getEnv("VIDEO_MODEL", "kwaivgi/kling-v2.1"),
		MusicModel:     getEnv("MUSIC_MODEL", "meta/musicgen"),
		VoiceModel:     getEnv("VOICE_MODEL", "minimax/speech-02-hd"),

		AssemblerURL: getEnv("ASSEMBLER_URL", ""),
		AssemblerKey: getEnv("ASSEMBLER_API_KEY", ""),

		MaxConcurrentJobs: getEnvInt("MAX_CONCURRENT_JOBS", 5),
		MaxStageAttempts:  getEnvInt("MAX_STAGE_ATTEMPTS", 3),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.ReplicateToken == "" {
		return nil, fmt.Errorf("REPLICATE_API_TOKEN is required")
	}

	// At least one storyboard planner must be configured
	if cfg.OpenAIKey == "" && cfg.GeminiKey == "" {
		return nil, fmt.Errorf("either OPENAI_API_KEY or GEMINI_API_KEY is required for storyboard planning")
	}

	if cfg.SupabaseURL == "" || cfg.SupabaseServiceKey == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required")
	}

	if cfg.AssemblerURL == "" {
		return nil, fmt.Errorf("ASSEMBLER_URL is required")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}
