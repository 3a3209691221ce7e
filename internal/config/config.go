package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/samber/lo"
)

type Config struct {
	Port      string
	PublicURL string
	OutputDir string

	// Model table: a JSON file, or an SSM parameter path when ModelPathsParam is set.
	ModelPaths      string
	ModelPathsParam string

	BatchSize     int
	FilterThres   float64
	TextSeqLen    int
	NumTextTokens int
	ImageFmapSize int
	ImageSize     int
	Temperature   float64
	Seed          int64

	TruncateText bool
	VocabPath    string

	MaxImages       int
	MaxPromptLength int
	DirNameLength   int
	JPEGQuality     int

	Bucket       string
	AllowOrigins []string
	OTLPEndpoint string

	LogLevel    string
	LogOmitTime bool
}

// Load loads configuration from environment variables
// Automatically loads .env file if present
func Load() *Config {
	_ = godotenv.Load()

	port := getEnv("PORT", "8080")
	return &Config{
		Port:            port,
		PublicURL:       getEnv("PUBLIC_URL", "http://localhost:"+port),
		OutputDir:       getEnv("OUTPUT_DIR", "testing"),
		ModelPaths:      getEnv("MODEL_PATHS", "model_paths.json"),
		ModelPathsParam: getEnv("MODEL_PATHS_PARAM", ""),
		BatchSize:       getEnvInt("BATCH_SIZE", 4),
		FilterThres:     getEnvFloat("FILTER_THRES", 0.9),
		TextSeqLen:      getEnvInt("TEXT_SEQ_LEN", 80),
		NumTextTokens:   getEnvInt("NUM_TEXT_TOKENS", 10000),
		ImageFmapSize:   getEnvInt("IMAGE_FMAP_SIZE", 16),
		ImageSize:       getEnvInt("IMAGE_SIZE", 256),
		Temperature:     getEnvFloat("TEMPERATURE", 1.0),
		Seed:            int64(getEnvInt("SEED", 0)),
		TruncateText:    getEnvBool("TRUNCATE_TEXT", false),
		VocabPath:       getEnv("VOCAB_PATH", ""),
		MaxImages:       getEnvInt("MAX_IMAGES", 64),
		MaxPromptLength: getEnvInt("MAX_PROMPT_LENGTH", 1000),
		DirNameLength:   getEnvInt("DIR_NAME_LENGTH", 100),
		JPEGQuality:     getEnvInt("JPEG_QUALITY", 75),
		Bucket:          getEnv("BUCKET", ""),
		AllowOrigins:    splitList(getEnv("ALLOW_ORIGINS", "*")),
		OTLPEndpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogOmitTime:     getEnvBool("LOG_OMIT_TIME", false),
	}
}

// Validate reports every setting that would make the server misbehave.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Port != "", "PORT must be set")
	check(c.OutputDir != "", "OUTPUT_DIR must be set")
	check(c.BatchSize > 0, "BATCH_SIZE must be positive, got %d", c.BatchSize)
	check(c.FilterThres >= 0 && c.FilterThres < 1, "FILTER_THRES must be in [0, 1), got %g", c.FilterThres)
	check(c.TextSeqLen > 0, "TEXT_SEQ_LEN must be positive, got %d", c.TextSeqLen)
	check(c.NumTextTokens > 1, "NUM_TEXT_TOKENS must be greater than 1, got %d", c.NumTextTokens)
	check(c.ImageFmapSize > 0, "IMAGE_FMAP_SIZE must be positive, got %d", c.ImageFmapSize)
	check(c.ImageFmapSize > 0 && c.ImageSize > 0 && c.ImageSize%c.ImageFmapSize == 0,
		"IMAGE_SIZE (%d) must be a positive multiple of IMAGE_FMAP_SIZE (%d)", c.ImageSize, c.ImageFmapSize)
	check(c.Temperature > 0 && c.Temperature <= 2, "TEMPERATURE must be in (0, 2], got %g", c.Temperature)
	check(c.MaxImages > 0, "MAX_IMAGES must be positive, got %d", c.MaxImages)
	check(c.MaxPromptLength > 0, "MAX_PROMPT_LENGTH must be positive, got %d", c.MaxPromptLength)
	check(c.DirNameLength > 0, "DIR_NAME_LENGTH must be positive, got %d", c.DirNameLength)
	check(c.JPEGQuality >= 1 && c.JPEGQuality <= 100, "JPEG_QUALITY must be in [1, 100], got %d", c.JPEGQuality)
	check(len(c.AllowOrigins) > 0, "ALLOW_ORIGINS must not be empty")
	check(c.ModelPaths != "" || c.ModelPathsParam != "", "one of MODEL_PATHS or MODEL_PATHS_PARAM must be set")

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return v
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return v
	}
	return defaultValue
}

func splitList(s string) []string {
	return lo.Compact(lo.Map(strings.Split(s, ","), func(item string, _ int) string {
		return strings.TrimSpace(item)
	}))
}
