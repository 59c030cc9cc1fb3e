package config

import "time"

// TestConfig returns a config with short timeouts and permissive network
// checks so tests can talk to httptest servers.
func TestConfig() *Config {
	cfg := defaultConfig()
	cfg.Database.Path = ""
	cfg.Database.Timeout = 1 * time.Second
	cfg.Feed.HTTPTimeout = 5 * time.Second
	cfg.Feed.RefreshInterval = 1 * time.Minute
	cfg.Feed.Workers = 2
	cfg.Feed.MaxItemsPerFeed = 10
	cfg.Feed.MaxBodyBytes = 1 << 20
	cfg.Feed.UserAgent = "feedtriage-test/1.0"
	cfg.Webhook.Timeout = 2 * time.Second
	cfg.Webhook.BaseDelay = 1 * time.Millisecond
	cfg.Webhook.MaxDelay = 5 * time.Millisecond
	cfg.Webhook.SweepInterval = 10 * time.Millisecond
	cfg.Digest.OutputDir = ""
	cfg.Search.Enabled = false
	cfg.Search.IndexPath = ""
	cfg.Security.Permissive = true
	cfg.Log.Level = "off"
	return cfg
}
