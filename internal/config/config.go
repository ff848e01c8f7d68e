package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds every knob for one pipeline run. Values come from flags in
// cmd/pagemill; env vars (optionally via a .env file) supply defaults for
// anything not passed explicitly.
type Config struct {
	// Workspace is the object-storage location (gs://, s3:// or a local
	// directory) where the work index and result artifacts live.
	Workspace string

	// PDFs is an optional glob or list file of source documents to add to
	// the work queue before processing starts.
	PDFs string

	PagesPerGroup  int
	MaxPageRetries int
	Workers        int

	// ModelLocations are candidate storage locations for the model weights,
	// tried in parallel; the first to finish wins.
	ModelLocations    []string
	ModelChatTemplate string
	ModelMaxContext   int

	TargetLongestImageDim int
	TargetAnchorTextLen   int

	InferencePort int
}

// Defaults mirror the original pipeline's tuning.
const (
	DefaultPagesPerGroup         = 500
	DefaultMaxPageRetries        = 8
	DefaultWorkers               = 8
	DefaultModelMaxContext       = 8192
	DefaultTargetLongestImageDim = 1024
	DefaultTargetAnchorTextLen   = 6000
	DefaultInferencePort         = 30024
	DefaultChatTemplate          = "qwen2-vl"
)

// Load reads the optional .env file and returns a Config populated with
// environment defaults. Flag parsing in cmd overrides these afterwards.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		PagesPerGroup:         GetEnvInt("PAGEMILL_PAGES_PER_GROUP", DefaultPagesPerGroup),
		MaxPageRetries:        GetEnvInt("PAGEMILL_MAX_PAGE_RETRIES", DefaultMaxPageRetries),
		Workers:               GetEnvInt("PAGEMILL_WORKERS", DefaultWorkers),
		ModelChatTemplate:     GetEnv("PAGEMILL_CHAT_TEMPLATE", DefaultChatTemplate),
		ModelMaxContext:       GetEnvInt("PAGEMILL_MODEL_MAX_CONTEXT", DefaultModelMaxContext),
		TargetLongestImageDim: GetEnvInt("PAGEMILL_IMAGE_DIM", DefaultTargetLongestImageDim),
		TargetAnchorTextLen:   GetEnvInt("PAGEMILL_ANCHOR_LEN", DefaultTargetAnchorTextLen),
		InferencePort:         GetEnvInt("PAGEMILL_INFERENCE_PORT", DefaultInferencePort),
	}
}

// Validate checks the parts of the config that have no usable zero value.
func (c *Config) Validate() error {
	if c.Workspace == "" {
		return fmt.Errorf("workspace must be set")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.MaxPageRetries < 1 {
		return fmt.Errorf("max page retries must be at least 1, got %d", c.MaxPageRetries)
	}
	if c.TargetAnchorTextLen < 1 {
		return fmt.Errorf("target anchor text length must be at least 1, got %d", c.TargetAnchorTextLen)
	}
	return nil
}

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetEnvInt reads an integer environment variable with a default fallback.
func GetEnvInt(key string, def int) int {
	v := GetEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
