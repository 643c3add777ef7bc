package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/markdave123-py/docstream/internal/core/errs"
)

type Config struct {
	DatabaseURL string
	SslCertPath string
	Port        string
	JWTSecret   string
	LogLevel    string
	APIURL      string

	AllowedOrigins []string

	AwsAccessKey string
	AwsSecretKey string
	AwsRegion    string
	S3Endpoint   string

	AIAPIKey        string
	EmbedProvider   string
	EmbedModel      string
	EmbedBaseURL    string
	EmbedAPIKey     string
	EmbedDim        int
	EmbedRPS        float64
	OCRModel        string
	TranscribeModel string

	ScratchDir string
	StateDir   string
	StateTTL   time.Duration
	QueuePath  string

	LeaseDuration        time.Duration
	MaxAttempts          int
	RetryDelay           time.Duration
	MaxJobErrors         int
	WorkerConcurrency    int
	ExternalConcurrency  int
	ExternalQueueSize    int
	ExternalQueueTimeout time.Duration

	EmbedBatchSize    int
	UpsertBatchSize   int
	ChunkMaxTokens    int
	ChunkOverlapRatio float64
	PageWindow        int
	MaxFileBytes      int64
	UseReadability    bool
}

// LoadConfig loads the environment variables and return config
func LoadConfig() *Config {

	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL: getEnv("DATABASE_URL", ""),
		SslCertPath: getEnv("SSL_CERT_PATH", ""),
		Port:        getEnv("PORT", "8080"),
		JWTSecret:   getEnv("JWT_SECRET", ""),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"http://localhost:5173", "http://localhost:8888"}),

		AwsAccessKey: getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey: getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:    getEnv("AWS_REGION", "us-east-2"),
		S3Endpoint:   getEnv("S3_ENDPOINT", ""),

		AIAPIKey:        getEnv("GEMINI_API_KEY", ""),
		EmbedProvider:   strings.ToLower(getEnv("EMBED_PROVIDER", "gemini")),
		EmbedModel:      getEnv("EMBED_MODEL", "text-embedding-004"),
		EmbedBaseURL:    getEnv("EMBED_BASE_URL", ""),
		EmbedAPIKey:     getEnv("EMBED_API_KEY", ""),
		EmbedDim:        getEnvInt("EMBED_DIM", 768),
		EmbedRPS:        getEnvFloat("EMBED_RPS", 5),
		OCRModel:        getEnv("OCR_MODEL", "gemini-1.5-flash"),
		TranscribeModel: getEnv("TRANSCRIBE_MODEL", "gemini-1.5-flash"),

		ScratchDir: getEnv("SCRATCH_DIR", "./data/scratch"),
		StateDir:   getEnv("STATE_DIR", "./data/state"),
		StateTTL:   getEnvDuration("STATE_TTL", 7*24*time.Hour),
		QueuePath:  getEnv("QUEUE_PATH", "./data/queue.db"),

		LeaseDuration:        getEnvDuration("LEASE_DURATION", 30*time.Minute),
		MaxAttempts:          getEnvInt("MAX_ATTEMPTS", 3),
		RetryDelay:           getEnvDuration("RETRY_DELAY", 30*time.Second),
		MaxJobErrors:         getEnvInt("MAX_JOB_ERRORS", 3),
		WorkerConcurrency:    getEnvInt("WORKER_CONCURRENCY", 4),
		ExternalConcurrency:  getEnvInt("EXTERNAL_CONCURRENCY", 2),
		ExternalQueueSize:    getEnvInt("EXTERNAL_QUEUE_SIZE", 32),
		ExternalQueueTimeout: getEnvDuration("EXTERNAL_QUEUE_TIMEOUT", 2*time.Minute),

		EmbedBatchSize:    getEnvInt("EMBED_BATCH_SIZE", 64),
		UpsertBatchSize:   getEnvInt("UPSERT_BATCH_SIZE", 100),
		ChunkMaxTokens:    getEnvInt("CHUNK_MAX_TOKENS", 512),
		ChunkOverlapRatio: getEnvFloat("CHUNK_OVERLAP_RATIO", 0.1),
		PageWindow:        getEnvInt("PAGE_WINDOW", 10),
		MaxFileBytes:      int64(getEnvInt("MAX_FILE_BYTES", 500*1024*1024)),
		UseReadability:    getEnvBool("USE_READABILITY", false),
	}

	cfg.APIURL = strings.TrimRight(getEnv("API_URL", "http://localhost:"+cfg.Port), "/")

	return cfg
}

// Validate reports settings the ingestion worker cannot run without.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errs.New(errs.CodeMissingConfig, "DATABASE_URL not set")
	}
	switch c.EmbedProvider {
	case "gemini":
		if c.AIAPIKey == "" {
			return errs.New(errs.CodeMissingConfig, "GEMINI_API_KEY not set")
		}
	case "openai":
		if c.EmbedAPIKey == "" {
			return errs.New(errs.CodeMissingConfig, "EMBED_API_KEY not set")
		}
	default:
		return errs.New(errs.CodeMissingConfig, "EMBED_PROVIDER must be gemini or openai, got %q", c.EmbedProvider)
	}
	if c.EmbedDim <= 0 {
		return errs.New(errs.CodeMissingConfig, "EMBED_DIM must be positive")
	}
	if c.ChunkOverlapRatio < 0 || c.ChunkOverlapRatio >= 1 {
		return errs.New(errs.CodeMissingConfig, "CHUNK_OVERLAP_RATIO must be in [0,1)")
	}
	if c.MaxAttempts < 1 || c.MaxJobErrors < 1 {
		return errs.New(errs.CodeMissingConfig, "MAX_ATTEMPTS and MAX_JOB_ERRORS must be at least 1")
	}
	return nil
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("WARN: %s=%q not an int, using default %d", key, v, def)
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("WARN: %s=%q not a number, using default %v", key, v, def)
		return def
	}
	return f
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("WARN: %s=%q not a duration, using default %s", key, v, def)
		return def
	}
	return d
}

func getEnvBool(key string, def bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("WARN: %s=%q not a bool, using default %t", key, v, def)
		return def
	}
	return b
}

func getEnvList(key string, def []string) []string {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
