package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds shared runtime configuration for the API and worker services.
type Config struct {
	Env         string
	LogLevel    string
	HTTPPort    string
	MetricsAddr string
	DatabaseDSN string

	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	EventsChannel       string
	EventQueueSize      int
	EventMaxSubscribers int

	WorkerID           string
	LeaseDuration      time.Duration
	HeartbeatInterval  time.Duration
	LeaseGrace         time.Duration
	IdleSleep          time.Duration
	MaxRetries         int
	BackoffBase        time.Duration
	BackoffMultiplier  float64
	BackoffMax         time.Duration
	ReclaimInterval    time.Duration
	LegacyInterval     time.Duration
	LegacyBatchSize    int
	CacheSweepInterval time.Duration
	CacheTTL           time.Duration

	RateLimitCapacity  int
	RateLimitRefill    float64
	CORSAllowedOrigins []string
	TrustProxyHeaders  bool

	MediaDir         string
	CoverDir         string
	YTDLPBinary      string
	DownloadTimeout  time.Duration
	DownloadMaxBytes int64

	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool

	LRCLIBBaseURL       string
	GroqAPIKey          string
	GroqBaseURL         string
	GroqChatModel       string
	GroqTranscribeModel string
	StrictLRC           bool
}

// Load reads configuration from a local .env file (if any) and environment
// variables, with defaults suited to a single-machine install.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Env:         getEnv("APP_ENV", "dev"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		DatabaseDSN: getEnv("DATABASE_DSN", "data/lyricqueue.db"),

		RedisAddr:           getEnv("REDIS_ADDR", ""),
		RedisPassword:       getEnv("REDIS_PASSWORD", ""),
		RedisDB:             getEnvInt("REDIS_DB", 0),
		EventsChannel:       getEnv("EVENTS_CHANNEL", "lyricqueue:events"),
		EventQueueSize:      getEnvInt("EVENT_QUEUE_SIZE", 200),
		EventMaxSubscribers: getEnvInt("EVENT_MAX_SUBSCRIBERS", 4),

		WorkerID:           getEnv("WORKER_ID", ""),
		LeaseDuration:      getEnvDuration("LEASE_DURATION", 5*time.Minute),
		HeartbeatInterval:  getEnvDuration("HEARTBEAT_INTERVAL", 60*time.Second),
		LeaseGrace:         getEnvDuration("LEASE_GRACE", 90*time.Second),
		IdleSleep:          getEnvDuration("IDLE_SLEEP", 2*time.Second),
		MaxRetries:         getEnvInt("MAX_RETRIES", 3),
		BackoffBase:        getEnvDuration("BACKOFF_BASE", 30*time.Second),
		BackoffMultiplier:  getEnvFloat("BACKOFF_MULTIPLIER", 4),
		BackoffMax:         getEnvDuration("BACKOFF_MAX", 24*time.Hour),
		ReclaimInterval:    getEnvDuration("RECLAIM_INTERVAL", 15*time.Second),
		LegacyInterval:     getEnvDuration("LEGACY_INTERVAL", 60*time.Second),
		LegacyBatchSize:    getEnvInt("LEGACY_BATCH_SIZE", 25),
		CacheSweepInterval: getEnvDuration("CACHE_SWEEP_INTERVAL", 10*time.Minute),
		CacheTTL:           getEnvDuration("CACHE_TTL", time.Hour),

		RateLimitCapacity:  getEnvInt("RATE_LIMIT_CAPACITY", 20),
		RateLimitRefill:    getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 1),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", nil),
		TrustProxyHeaders:  getEnvBool("TRUST_PROXY_HEADERS", false),

		MediaDir:         getEnv("MEDIA_DIR", "data/downloads"),
		CoverDir:         getEnv("COVER_DIR", "data/covers"),
		YTDLPBinary:      getEnv("YTDLP_BINARY", "yt-dlp"),
		DownloadTimeout:  getEnvDuration("DOWNLOAD_TIMEOUT", 10*time.Minute),
		DownloadMaxBytes: int64(getEnvInt("DOWNLOAD_MAX_BYTES", 200*1024*1024)),

		S3Bucket:    getEnv("S3_BUCKET", ""),
		S3Region:    getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:  getEnv("S3_ENDPOINT", ""),
		S3PathStyle: getEnvBool("S3_PATH_STYLE", false),

		LRCLIBBaseURL:       getEnv("LRCLIB_BASE_URL", "https://lrclib.net"),
		GroqAPIKey:          getEnv("GROQ_API_KEY", ""),
		GroqBaseURL:         getEnv("GROQ_BASE_URL", "https://api.groq.com/openai/v1"),
		GroqChatModel:       getEnv("GROQ_CHAT_MODEL", "llama-3.3-70b-versatile"),
		GroqTranscribeModel: getEnv("GROQ_TRANSCRIBE_MODEL", "whisper-large-v3"),
		StrictLRC:           getEnvBool("LYRICS_STRICT_LRC", true),
	}
}

// IsPostgres reports whether the DSN selects the Postgres dialect.
func (c Config) IsPostgres() bool {
	return strings.HasPrefix(c.DatabaseDSN, "postgres://") || strings.HasPrefix(c.DatabaseDSN, "postgresql://")
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
