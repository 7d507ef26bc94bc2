// Package config reads runtime configuration from environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
)

func Load() (*Config, error) {
	controllerURL := os.Getenv("PARLEY_CONTROLLER_URL")
	if controllerURL == "" {
		controllerURL = "http://localhost:21001"
	}
	if _, err := url.Parse(controllerURL); err != nil {
		return nil, fmt.Errorf("invalid PARLEY_CONTROLLER_URL: %w", err)
	}

	listenAddr := os.Getenv("PARLEY_LISTEN_ADDR")
	if listenAddr == "" {
		listenAddr = ":7860"
	}

	logDir := os.Getenv("PARLEY_LOG_DIR")
	if logDir == "" {
		logDir = "logs"
	}

	refreshCron := os.Getenv("PARLEY_REFRESH_CRON")
	if refreshCron == "" {
		refreshCron = "@every 5m"
	}

	return &Config{
		ControllerURL: controllerURL,
		ListenAddr:    listenAddr,
		LogDir:        logDir,
		RefreshCron:   refreshCron,
		TemplatesPath: os.Getenv("PARLEY_TEMPLATES"),
		Sampling:      loadSamplingConfig(),
		Storage:       loadStorageConfig(),
		Moderation:    loadModerationConfig(),
		History:       loadHistoryConfig(),
	}, nil
}

func loadSamplingConfig() SamplingConfig {
	temperature := 0.2
	if v, err := strconv.ParseFloat(os.Getenv("PARLEY_TEMPERATURE"), 64); err == nil && v >= 0 {
		temperature = v
	}

	topP := 0.7
	if v, err := strconv.ParseFloat(os.Getenv("PARLEY_TOP_P"), 64); err == nil && v > 0 && v <= 1 {
		topP = v
	}

	maxNewTokens := 512
	if v, err := strconv.Atoi(os.Getenv("PARLEY_MAX_NEW_TOKENS")); err == nil && v > 0 {
		maxNewTokens = v
	}

	return SamplingConfig{
		Temperature:  temperature,
		TopP:         topP,
		MaxNewTokens: maxNewTokens,
	}
}

func loadStorageConfig() StorageConfig {
	endpoint := os.Getenv("MINIO_ENDPOINT")
	if endpoint == "" {
		endpoint = "minio:9000"
	}

	accessKey := os.Getenv("MINIO_ACCESS_KEY")
	secretKey := os.Getenv("MINIO_SECRET_KEY")

	bucket := os.Getenv("MINIO_BUCKET")
	if bucket == "" {
		bucket = "parley-images"
	}

	return StorageConfig{
		Enabled:   accessKey != "" && secretKey != "",
		Endpoint:  endpoint,
		AccessKey: accessKey,
		SecretKey: secretKey,
		Bucket:    bucket,
		UseSSL:    os.Getenv("MINIO_USE_SSL") == "true",
	}
}

func loadModerationConfig() ModerationConfig {
	apiKey := os.Getenv("OPENAI_API_KEY")

	return ModerationConfig{
		Enabled: apiKey != "" && os.Getenv("PARLEY_MODERATE") == "true",
		APIKey:  apiKey,
	}
}

func loadHistoryConfig() HistoryConfig {
	path := os.Getenv("PARLEY_HISTORY_DB")

	return HistoryConfig{
		Enabled: path != "",
		Path:    path,
	}
}
