package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AxiomConfig holds Axiom logging configuration.
type AxiomConfig struct {
	Send          bool
	APIKey        string
	OrgID         string
	Dataset       string
	FlushInterval time.Duration
}

// ProviderModels names the primary and fallback model of one provider.
type ProviderModels struct {
	APIKey    string
	Primary   string
	Secondary string
	Timeout   time.Duration
}

// ProvidersConfig defines LLM engines and models per provider.
type ProvidersConfig struct {
	PrimaryEngine   string // "gemini"|"openai"|"anthropic"
	SecondaryEngine string
	Temperature     float64
	MaxTokens       int
	Gemini          ProviderModels
	OpenAI          ProviderModels
	Anthropic       ProviderModels
}

// TTSConfig configures narration synthesis.
type TTSConfig struct {
	Engine         string // "openai"|"none"
	APIKey         string
	Model          string
	Voice          string
	Format         string
	Speed          float64
	WordsPerMinute int
	Timeout        time.Duration
	MaxChars       int
}

// WorkerConfig defines worker behavior and limits.
type WorkerConfig struct {
	Concurrency         int
	ChapterConcurrency  int
	RequestTimeout      time.Duration
	BookTotalTimeout    time.Duration
	JobMaxAttempts      int
	CallMaxAttempts     int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	RetryJitter         time.Duration
	MaxInflightPerModel int
	RequestsPerSecond   float64
	BreakerBaseBackoff  time.Duration
	BreakerMaxBackoff   time.Duration
	CancelPollInterval  time.Duration
}

// QueueConfig defines queue connectivity and names.
type QueueConfig struct {
	RedisURL     string
	Stream       string
	Group        string
	PollInterval time.Duration
}

// StorageConfig selects where artifacts (audio, summaries, manifests) go.
type StorageConfig struct {
	Backend    string // "local"|"s3"
	Dir        string
	Bucket     string
	Prefix     string
	Region     string
	Endpoint   string
	AccessKey  string
	SecretKey  string
	TempDir    string
	TempMaxAge time.Duration
}

// PipelineConfig holds the thresholds used by chapter resolution and summarization.
type PipelineConfig struct {
	CoverageThreshold      float64
	OffsetWindow           int
	GiantChapterRatio      float64
	MaxMetadataPrefixPages int
	MaxMetadataPromptChars int
	ChunkCharLimit         int
	SinglePassCharLimit    int
	SummaryWordsMin        int
	SummaryWordsMax        int
	ExtractCover           bool
	CoverDPI               float64
}

// ServerConfig holds HTTP settings.
type ServerConfig struct {
	Port      string
	UploadDir string
	MaxUpload int64
}

// Config is the top-level configuration.
type Config struct {
	Logging   LoggingConfig
	Axiom     AxiomConfig
	Providers ProvidersConfig
	TTS       TTSConfig
	Worker    WorkerConfig
	Queue     QueueConfig
	Storage   StorageConfig
	Pipeline  PipelineConfig
	Server    ServerConfig
}

// FromEnv loads configuration from environment with sensible defaults.
func FromEnv() Config {
	cfg := Config{}

	cfg.Logging = LoggingConfig{
		Level:      getEnv("LOG_LEVEL", "info"),
		Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
		File:       getEnv("LOG_FILE", "logs/audiobooker.log"),
		MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
		MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
		MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "30"), 30),
		Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
	}

	baseDataset := getEnv("AXIOM_DATASET", "dev")
	cfg.Axiom = AxiomConfig{
		Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
		APIKey:        getEnv("AXIOM_API_KEY", ""),
		OrgID:         getEnv("AXIOM_ORG_ID", ""),
		Dataset:       baseDataset + "_audiobooker",
		FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
	}

	requestTimeout := parseDuration(getEnv("REQUEST_TIMEOUT", "90s"), 90*time.Second)
	cfg.Providers = ProvidersConfig{
		PrimaryEngine:   strings.ToLower(getEnv("PRIMARY_ENGINE", "gemini")),
		SecondaryEngine: strings.ToLower(getEnv("SECONDARY_ENGINE", "openai")),
		Temperature:     parseFloat(getEnv("LLM_TEMPERATURE", "0.3"), 0.3),
		MaxTokens:       parseInt(getEnv("LLM_MAX_TOKENS", "4096"), 4096),
		Gemini: ProviderModels{
			APIKey:    firstEnv("GEMINI_API_KEY", "GOOGLE_API_KEY"),
			Primary:   getEnv("GEMINI_PRIMARY_MODEL", "gemini-2.5-flash"),
			Secondary: getEnv("GEMINI_SECONDARY_MODEL", "gemini-2.0-flash"),
			Timeout:   parseDuration(getEnv("GEMINI_TIMEOUT", ""), requestTimeout),
		},
		OpenAI: ProviderModels{
			APIKey:    getEnv("OPENAI_API_KEY", ""),
			Primary:   getEnv("OPENAI_PRIMARY_MODEL", "gpt-4.1-mini"),
			Secondary: getEnv("OPENAI_SECONDARY_MODEL", "gpt-4o-mini"),
			Timeout:   parseDuration(getEnv("OPENAI_TIMEOUT", ""), requestTimeout),
		},
		Anthropic: ProviderModels{
			APIKey:    getEnv("ANTHROPIC_API_KEY", ""),
			Primary:   getEnv("ANTHROPIC_PRIMARY_MODEL", "claude-3-5-sonnet-latest"),
			Secondary: getEnv("ANTHROPIC_SECONDARY_MODEL", "claude-3-5-haiku-latest"),
			Timeout:   parseDuration(getEnv("ANTHROPIC_TIMEOUT", ""), requestTimeout),
		},
	}

	cfg.TTS = TTSConfig{
		Engine:         strings.ToLower(getEnv("TTS_ENGINE", "openai")),
		APIKey:         firstEnv("TTS_API_KEY", "OPENAI_API_KEY"),
		Model:          getEnv("TTS_MODEL", "tts-1"),
		Voice:          getEnv("TTS_VOICE", "nova"),
		Format:         getEnv("TTS_FORMAT", "mp3"),
		Speed:          parseFloat(getEnv("TTS_SPEED", "1.0"), 1.0),
		WordsPerMinute: parseInt(getEnv("TTS_WORDS_PER_MINUTE", "150"), 150),
		Timeout:        parseDuration(getEnv("TTS_TIMEOUT", "120s"), 120*time.Second),
		MaxChars:       parseInt(getEnv("TTS_MAX_CHARS", "4000"), 4000),
	}

	cfg.Worker = WorkerConfig{
		Concurrency:         parseInt(getEnv("WORKER_CONCURRENCY", "2"), 2),
		ChapterConcurrency:  parseInt(getEnv("CHAPTER_CONCURRENCY", "4"), 4),
		RequestTimeout:      requestTimeout,
		BookTotalTimeout:    parseDuration(getEnv("BOOK_TOTAL_TIMEOUT", "2h"), 2*time.Hour),
		JobMaxAttempts:      parseInt(getEnv("JOB_MAX_ATTEMPTS", "3"), 3),
		CallMaxAttempts:     parseInt(getEnv("CALL_MAX_ATTEMPTS", "3"), 3),
		RetryBaseDelay:      parseDuration(getEnv("RETRY_BASE_DELAY", "2s"), 2*time.Second),
		RetryMaxDelay:       parseDuration(getEnv("RETRY_MAX_DELAY", "30s"), 30*time.Second),
		RetryJitter:         parseDuration(getEnv("RETRY_JITTER", "200ms"), 200*time.Millisecond),
		MaxInflightPerModel: parseInt(getEnv("MAX_INFLIGHT_PER_MODEL", "4"), 4),
		RequestsPerSecond:   parseFloat(getEnv("REQUESTS_PER_SECOND", "2"), 2),
		BreakerBaseBackoff:  parseDuration(getEnv("BREAKER_BASE_BACKOFF", "30s"), 30*time.Second),
		BreakerMaxBackoff:   parseDuration(getEnv("BREAKER_MAX_BACKOFF", "5m"), 5*time.Minute),
		CancelPollInterval:  parseDuration(getEnv("CANCEL_POLL_INTERVAL", "2s"), 2*time.Second),
	}

	cfg.Queue = QueueConfig{
		RedisURL:     getEnv("REDIS_URL", "redis://localhost:6379"),
		Stream:       getEnv("QUEUE_STREAM", "jobs:books"),
		Group:        getEnv("QUEUE_GROUP", "workers:books"),
		PollInterval: parseDuration(getEnv("QUEUE_POLL_INTERVAL", "500ms"), 500*time.Millisecond),
	}

	cfg.Storage = StorageConfig{
		Backend:    strings.ToLower(getEnv("STORAGE_BACKEND", "local")),
		Dir:        getEnv("STORAGE_DIR", "data/artifacts"),
		Bucket:     getEnv("AWS_S3_BUCKET", ""),
		Prefix:     getEnv("S3_PREFIX", "audiobooks"),
		Region:     getEnv("AWS_REGION", ""),
		Endpoint:   getEnv("S3_ENDPOINT", ""),
		AccessKey:  getEnv("AWS_ACCESS_KEY_ID", ""),
		SecretKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		TempDir:    getEnv("TEMP_DIR", os.TempDir()),
		TempMaxAge: parseDuration(getEnv("TEMP_MAX_AGE", "24h"), 24*time.Hour),
	}

	cfg.Pipeline = PipelineConfig{
		CoverageThreshold:      parseFloat(getEnv("COVERAGE_THRESHOLD", "0.80"), 0.80),
		OffsetWindow:           parseInt(getEnv("OFFSET_WINDOW", "10"), 10),
		GiantChapterRatio:      parseFloat(getEnv("GIANT_CHAPTER_RATIO", "0.60"), 0.60),
		MaxMetadataPrefixPages: parseInt(getEnv("MAX_METADATA_PREFIX_PAGES", "25"), 25),
		MaxMetadataPromptChars: parseInt(getEnv("MAX_METADATA_PROMPT_CHARS", "60000"), 60000),
		ChunkCharLimit:         parseInt(getEnv("CHUNK_CHAR_LIMIT", "5000"), 5000),
		SinglePassCharLimit:    parseInt(getEnv("SINGLE_PASS_CHAR_LIMIT", "12000"), 12000),
		SummaryWordsMin:        parseInt(getEnv("SUMMARY_WORDS_MIN", "150"), 150),
		SummaryWordsMax:        parseInt(getEnv("SUMMARY_WORDS_MAX", "220"), 220),
		ExtractCover:           parseBool(getEnv("EXTRACT_COVER", "true")),
		CoverDPI:               parseFloat(getEnv("COVER_DPI", "110"), 110),
	}

	cfg.Server = ServerConfig{
		Port:      getEnv("PORT", "8080"),
		UploadDir: getEnv("UPLOAD_DIR", "data/uploads"),
		MaxUpload: int64(parseInt(getEnv("MAX_UPLOAD_MB", "200"), 200)) << 20,
	}

	return cfg
}

// Validate reports settings that would make the pipeline misbehave.
func (c Config) Validate() []string {
	var problems []string
	p := c.Pipeline
	if p.CoverageThreshold <= 0 || p.CoverageThreshold > 1 {
		problems = append(problems, "COVERAGE_THRESHOLD must be in (0,1]")
	}
	if p.SummaryWordsMin <= 0 || p.SummaryWordsMax < p.SummaryWordsMin {
		problems = append(problems, "SUMMARY_WORDS_MIN/MAX form an empty band")
	}
	if p.ChunkCharLimit <= 0 || p.SinglePassCharLimit < p.ChunkCharLimit {
		problems = append(problems, "CHUNK_CHAR_LIMIT must be positive and not above SINGLE_PASS_CHAR_LIMIT")
	}
	if c.Worker.ChapterConcurrency <= 0 {
		problems = append(problems, "CHAPTER_CONCURRENCY must be positive")
	}
	if c.Storage.Backend == "s3" && c.Storage.Bucket == "" {
		problems = append(problems, "AWS_S3_BUCKET is required for the s3 storage backend")
	}
	return problems
}

// Helpers
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func parseFloat(s string, def float64) float64 {
	if s == "" {
		return def
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return def
}

func parseBool(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

func devDefaultPretty() string {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env == "dev" || env == "development" || env == "local" {
		return "true"
	}
	return "false"
}
