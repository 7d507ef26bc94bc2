package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ControllerURL != "http://localhost:21001" {
		t.Errorf("controller url = %q", cfg.ControllerURL)
	}
	if cfg.ListenAddr != ":7860" {
		t.Errorf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.LogDir != "logs" {
		t.Errorf("log dir = %q", cfg.LogDir)
	}
	if cfg.Sampling.Temperature != 0.2 || cfg.Sampling.TopP != 0.7 || cfg.Sampling.MaxNewTokens != 512 {
		t.Errorf("sampling defaults = %+v", cfg.Sampling)
	}
	if cfg.Moderation.Enabled {
		t.Error("moderation enabled without api key")
	}
	if cfg.History.Enabled {
		t.Error("history enabled without path")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PARLEY_CONTROLLER_URL", "http://controller:21001")
	t.Setenv("PARLEY_LISTEN_ADDR", ":9000")
	t.Setenv("PARLEY_TEMPERATURE", "0.7")
	t.Setenv("PARLEY_MAX_NEW_TOKENS", "1024")
	t.Setenv("PARLEY_HISTORY_DB", "parley.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ControllerURL != "http://controller:21001" {
		t.Errorf("controller url = %q", cfg.ControllerURL)
	}
	if cfg.ListenAddr != ":9000" {
		t.Errorf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.Sampling.Temperature != 0.7 {
		t.Errorf("temperature = %v", cfg.Sampling.Temperature)
	}
	if cfg.Sampling.MaxNewTokens != 1024 {
		t.Errorf("max new tokens = %d", cfg.Sampling.MaxNewTokens)
	}
	if !cfg.History.Enabled || cfg.History.Path != "parley.db" {
		t.Errorf("history = %+v", cfg.History)
	}
}

func TestStorageEnabledWithCredentials(t *testing.T) {
	t.Setenv("MINIO_ACCESS_KEY", "ak")
	t.Setenv("MINIO_SECRET_KEY", "sk")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if !cfg.Storage.Enabled {
		t.Error("storage not enabled with credentials")
	}
	if cfg.Storage.Endpoint != "minio:9000" {
		t.Errorf("endpoint = %q", cfg.Storage.Endpoint)
	}
}
