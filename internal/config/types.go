package config

// Config is the full runtime configuration, assembled from environment
// variables by Load.
type Config struct {
	ControllerURL string
	ListenAddr    string
	LogDir        string
	RefreshCron   string
	TemplatesPath string

	Sampling   SamplingConfig
	Storage    StorageConfig
	Moderation ModerationConfig
	History    HistoryConfig
}

// SamplingConfig holds default generation parameters for turns that do
// not set their own.
type SamplingConfig struct {
	Temperature  float64
	TopP         float64
	MaxNewTokens int
}

// StorageConfig selects where image payloads go. When minio credentials
// are present the object store backend is used, otherwise images land on
// the local filesystem under LogDir.
type StorageConfig struct {
	Enabled   bool
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// ModerationConfig enables the content moderation gate when an API key
// is configured.
type ModerationConfig struct {
	Enabled bool
	APIKey  string
}

// HistoryConfig enables the per-session turn store.
type HistoryConfig struct {
	Enabled bool
	Path    string
}
