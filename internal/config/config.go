package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// defaultSystemInstruction is used when no instruction file is configured.
// The {Time} and {Location} placeholders are filled per connection from the
// client's query parameters.
const defaultSystemInstruction = "You are a helpful voice assistant. " +
	"The current time is {Time} and the user is located in {Location}. " +
	"Answer in the language the user speaks."

// Config holds all runtime configuration for the proxy.
type Config struct {
	Port    string
	GinMode string

	// Upstream Gemini Live API.
	UseVertex             bool
	ProjectID             string
	VertexLocation        string
	ServiceAccountKeyPath string
	GoogleAPIKey          string
	Model                 string
	DefaultVoice          string
	LanguageCode          string
	SystemInstruction     string

	// Warmup pool.
	PoolCapacity            int
	PoolWorkerParallelism   int
	PoolCreationConcurrency int
	PoolBatchSize           int
	PoolKeepAliveInterval   time.Duration
	PoolWarmupOnStartup     bool

	// Client WebSocket behavior.
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration
	MaxMessageSize   int64

	// Transcript message bus.
	NatsURL         string
	TranscriptTopic string
	TranscriptGroup string

	// Logging.
	LogLevel  string
	LogFormat string

	// Server.
	ServerShutdownTimeoutSeconds int
}

// Load reads configuration from the environment, falling back to an optional
// .env file. It returns an error only for combinations that can never work;
// per-connection credential problems surface later as connection failures.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		UseVertex:             getEnvOrDefault("VERTEX_API", "false") == "true",
		ProjectID:             getEnvOrDefault("PROJECT_ID", ""),
		VertexLocation:        getEnvOrDefault("VERTEX_LOCATION", "us-central1"),
		ServiceAccountKeyPath: getEnvOrDefault("SERVICE_ACCOUNT_KEY_PATH", "secrets/service-account.json"),
		GoogleAPIKey:          getEnvOrDefault("GOOGLE_API_KEY", ""),
		DefaultVoice:          getEnvOrDefault("VOICE", "Aoede"),
		LanguageCode:          getEnvOrDefault("LANGUAGE_CODE", "en-US"),

		PoolCapacity:            getEnvAsInt("POOL_CAPACITY", 10),
		PoolWorkerParallelism:   getEnvAsInt("POOL_WORKER_PARALLELISM", 4),
		PoolCreationConcurrency: getEnvAsInt("POOL_CREATION_CONCURRENCY", 3),
		PoolBatchSize:           getEnvAsInt("POOL_BATCH_SIZE", 3),
		PoolKeepAliveInterval:   getEnvAsDuration("POOL_KEEPALIVE_INTERVAL", 300*time.Second),
		PoolWarmupOnStartup:     getEnvOrDefault("POOL_WARMUP_ON_STARTUP", "true") == "true",

		HandshakeTimeout: getEnvAsDuration("HANDSHAKE_TIMEOUT", 5*time.Second),
		PingInterval:     getEnvAsDuration("PING_INTERVAL", 30*time.Second),
		PongTimeout:      getEnvAsDuration("PONG_TIMEOUT", 15*time.Second),
		MaxMessageSize:   int64(getEnvAsInt("MAX_MESSAGE_SIZE", 10*1024*1024)),

		NatsURL:         getEnvOrDefault("NATS_URL", ""),
		TranscriptTopic: getEnvOrDefault("TRANSCRIPT_TOPIC", "google_chatlog"),
		TranscriptGroup: getEnvOrDefault("TRANSCRIPT_GROUP", "google_chatlog_group"),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", ""),

		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),
	}

	// The live model differs between the Vertex and developer endpoints.
	if cfg.UseVertex {
		cfg.Model = getEnvOrDefault("MODEL_VERTEX_API", "gemini-2.0-flash-exp")
	} else {
		cfg.Model = getEnvOrDefault("MODEL_DEV_API", "models/gemini-2.0-flash-exp")
	}

	cfg.SystemInstruction = loadSystemInstruction()

	if cfg.UseVertex && cfg.ProjectID == "" {
		return nil, fmt.Errorf("PROJECT_ID is required for Vertex AI")
	}
	if !cfg.UseVertex && cfg.GoogleAPIKey == "" {
		log.Println("Warning: GOOGLE_API_KEY is not set; upstream session creation will fail")
	}
	if cfg.NatsURL == "" {
		log.Println("Warning: NATS_URL is not set; transcript publication is disabled")
	}

	return cfg, nil
}

// loadSystemInstruction reads the instruction template from the configured
// file, falling back to the built-in template.
func loadSystemInstruction() string {
	path := getEnvOrDefault("SYSTEM_INSTRUCTION_FILE", "config/system-instructions.txt")
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("Failed to load system instructions from %s, using built-in template: %v", path, err)
		return defaultSystemInstruction
	}
	return string(data)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as duration, using default %s: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}
