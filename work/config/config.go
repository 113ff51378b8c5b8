package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Config holds all application configuration values for the TV wall server
// and its catalog pipeline. Durations arrive in the JSON file as strings
// (e.g. "5s") and are parsed into time.Duration values on load.
type Config struct {
	BaseURL           string        `json:"baseURL"`           // Base URL clients use to reach this server (embedded in rewritten manifests)
	ListenAddr        string        `json:"listenAddr"`        // Address the HTTP server binds to
	DataDir           string        `json:"dataDir"`           // Root directory of the durable list files
	DatabasePath      string        `json:"databasePath"`      // SQLite file for probe history
	Debug             bool          `json:"debug"`             // Enable debug logging
	ObfuscateUrls     bool          `json:"obfuscateUrls"`     // Obfuscate stream URLs in logs
	DevMode           bool          `json:"devMode"`           // Allow curation endpoints without a token
	AdminPasswordHash string        `json:"adminPasswordHash"` // bcrypt hash gating curation endpoints outside dev mode
	UserAgent         string        `json:"userAgent"`         // User-Agent for outbound requests
	AcceptHeader      string        `json:"acceptHeader"`      // Accept header for outbound requests
	AllowedSchemes    []string      `json:"allowedSchemes"`    // URL schemes the proxy will fetch
	ProxyTimeout      time.Duration `json:"proxyTimeout"`      // Per-request upstream timeout for the HLS proxy
	ProxyCacheControl string        `json:"proxyCacheControl"` // Cache-Control header on proxied responses
	ProbeTimeout      time.Duration `json:"probeTimeout"`      // Per-probe timeout in the availability checker
	CheckerWorkers    int           `json:"checkerWorkers"`    // Fixed worker pool size for probing
	MaxRedirects      int           `json:"maxRedirects"`      // Redirect hop bound for probes and proxy fetches
	HarvestSources    []string      `json:"harvestSources"`    // Candidate sources: playlist URLs, JSON lists, github repos
	HarvestTimeout    time.Duration `json:"harvestTimeout"`    // Per-source fetch timeout for the harvester
	HarvestDelay      time.Duration `json:"harvestDelay"`      // Pacing between source fetches
	ListCacheDuration time.Duration `json:"listCacheDuration"` // TTL for served catalog list payloads
	ProbeRetention    time.Duration `json:"probeRetention"`    // How long probe history rows are kept
}

// ConfigFile mirrors Config for JSON marshaling, with duration fields as
// strings (e.g. "8s", "30m").
type ConfigFile struct {
	BaseURL           string   `json:"baseURL"`
	ListenAddr        string   `json:"listenAddr"`
	DataDir           string   `json:"dataDir"`
	DatabasePath      string   `json:"databasePath"`
	Debug             bool     `json:"debug"`
	ObfuscateUrls     bool     `json:"obfuscateUrls"`
	DevMode           bool     `json:"devMode"`
	AdminPasswordHash string   `json:"adminPasswordHash"`
	UserAgent         string   `json:"userAgent"`
	AcceptHeader      string   `json:"acceptHeader"`
	AllowedSchemes    []string `json:"allowedSchemes"`
	ProxyTimeout      string   `json:"proxyTimeout"`
	ProxyCacheControl string   `json:"proxyCacheControl"`
	ProbeTimeout      string   `json:"probeTimeout"`
	CheckerWorkers    int      `json:"checkerWorkers"`
	MaxRedirects      int      `json:"maxRedirects"`
	HarvestSources    []string `json:"harvestSources"`
	HarvestTimeout    string   `json:"harvestTimeout"`
	HarvestDelay      string   `json:"harvestDelay"`
	ListCacheDuration string   `json:"listCacheDuration"`
	ProbeRetention    string   `json:"probeRetention"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// DefaultConfigPath is where LoadConfig looks when the TVWALL_CONFIG
// environment variable is unset.
const DefaultConfigPath = "/settings/config.json"

// configPath resolves the config file location.
func configPath() string {
	if p := os.Getenv("TVWALL_CONFIG"); p != "" {
		return p
	}
	return DefaultConfigPath
}

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Attempts to load from TVWALL_CONFIG or /settings/config.json.
//   - Falls back to default config if the file is missing or invalid.
//   - Runs validation to ensure safe defaults.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	path := configPath()
	config, err := loadFromFile(path)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", path, err)
		log.Printf("Falling back to default configuration...")
		config = getDefaultConfig()
	}

	validateAndSetDefaults(config)
	configCache = config

	if config.Debug {
		log.Printf("Configuration loaded:")
		log.Printf("  Harvest sources: %d configured", len(config.HarvestSources))
		log.Printf("  Checker workers: %d", config.CheckerWorkers)
		log.Printf("  Probe timeout: %s", config.ProbeTimeout)
		log.Printf("  Proxy timeout: %s", config.ProxyTimeout)
		log.Printf("  Data dir: %s", config.DataDir)
	}

	return config
}

// loadFromFile reads and parses the configuration from a JSON file.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return convertFromFile(&configFile)
}

// convertFromFile converts a ConfigFile to Config,
// parsing duration strings into time.Duration.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		BaseURL:           cf.BaseURL,
		ListenAddr:        cf.ListenAddr,
		DataDir:           cf.DataDir,
		DatabasePath:      cf.DatabasePath,
		Debug:             cf.Debug,
		ObfuscateUrls:     cf.ObfuscateUrls,
		DevMode:           cf.DevMode,
		AdminPasswordHash: cf.AdminPasswordHash,
		UserAgent:         cf.UserAgent,
		AcceptHeader:      cf.AcceptHeader,
		AllowedSchemes:    cf.AllowedSchemes,
		ProxyCacheControl: cf.ProxyCacheControl,
		CheckerWorkers:    cf.CheckerWorkers,
		MaxRedirects:      cf.MaxRedirects,
		HarvestSources:    cf.HarvestSources,
	}

	// Parse duration fields
	durations := []struct {
		name  string
		raw   string
		field *time.Duration
	}{
		{"proxyTimeout", cf.ProxyTimeout, &config.ProxyTimeout},
		{"probeTimeout", cf.ProbeTimeout, &config.ProbeTimeout},
		{"harvestTimeout", cf.HarvestTimeout, &config.HarvestTimeout},
		{"harvestDelay", cf.HarvestDelay, &config.HarvestDelay},
		{"listCacheDuration", cf.ListCacheDuration, &config.ListCacheDuration},
		{"probeRetention", cf.ProbeRetention, &config.ProbeRetention},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.field = parsed
	}

	return config, nil
}

// getDefaultConfig returns a baseline configuration
// with sensible defaults when no file is present.
func getDefaultConfig() *Config {
	return &Config{
		BaseURL:           "http://localhost:5013",
		ListenAddr:        ":5013",
		DataDir:           "/data",
		Debug:             false,
		ObfuscateUrls:     false,
		DevMode:           false,
		UserAgent:         "Mozilla/5.0",
		AcceptHeader:      "*/*",
		AllowedSchemes:    []string{"http", "https"},
		ProxyTimeout:      8 * time.Second,
		ProxyCacheControl: "no-store",
		ProbeTimeout:      5 * time.Second,
		CheckerWorkers:    30,
		MaxRedirects:      5,
		HarvestSources:    []string{},
		HarvestTimeout:    20 * time.Second,
		HarvestDelay:      3 * time.Second,
		ListCacheDuration: 30 * time.Second,
		ProbeRetention:    30 * 24 * time.Hour,
	}
}

// validateAndSetDefaults ensures all config values are valid,
// filling in defaults for missing/invalid ones.
func validateAndSetDefaults(config *Config) {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:5013"
	}
	if config.ListenAddr == "" {
		config.ListenAddr = ":5013"
	}
	if config.DataDir == "" {
		config.DataDir = "/data"
	}
	if config.DatabasePath == "" {
		config.DatabasePath = filepath.Join(config.DataDir, "CHECK", "probes.db")
	}
	if config.UserAgent == "" {
		config.UserAgent = "Mozilla/5.0"
	}
	if config.AcceptHeader == "" {
		config.AcceptHeader = "*/*"
	}
	if len(config.AllowedSchemes) == 0 {
		config.AllowedSchemes = []string{"http", "https"}
	}
	if config.ProxyTimeout <= 0 {
		config.ProxyTimeout = 8 * time.Second
	}
	if config.ProxyCacheControl == "" {
		config.ProxyCacheControl = "no-store"
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 5 * time.Second
	}
	if config.CheckerWorkers <= 0 {
		config.CheckerWorkers = 30
	}
	if config.MaxRedirects <= 0 {
		config.MaxRedirects = 5
	}
	if config.HarvestTimeout <= 0 {
		config.HarvestTimeout = 20 * time.Second
	}
	if config.HarvestDelay <= 0 {
		config.HarvestDelay = 3 * time.Second
	}
	if config.ListCacheDuration <= 0 {
		config.ListCacheDuration = 30 * time.Second
	}
	if config.ProbeRetention <= 0 {
		config.ProbeRetention = 30 * 24 * time.Hour
	}
}

// SchemeAllowed reports whether the proxy may fetch URLs with the given scheme.
func (c *Config) SchemeAllowed(scheme string) bool {
	for _, s := range c.AllowedSchemes {
		if s == scheme {
			return true
		}
	}
	return false
}

// CreateExampleConfig creates an example config file on disk.
func CreateExampleConfig(path string) error {
	example := ConfigFile{
		BaseURL:           "http://localhost:5013",
		ListenAddr:        ":5013",
		DataDir:           "/data",
		DatabasePath:      "/data/CHECK/probes.db",
		Debug:             false,
		ObfuscateUrls:     true,
		DevMode:           false,
		AdminPasswordHash: "",
		UserAgent:         "Mozilla/5.0",
		AcceptHeader:      "*/*",
		AllowedSchemes:    []string{"http", "https"},
		ProxyTimeout:      "8s",
		ProxyCacheControl: "no-store",
		ProbeTimeout:      "5s",
		CheckerWorkers:    30,
		MaxRedirects:      5,
		HarvestSources: []string{
			"https://github.com/Free-TV/IPTV.git",
			"https://iptv-org.github.io/iptv/index.m3u",
			"https://raw.githubusercontent.com/Free-TV/IPTV/master/playlist.m3u8",
		},
		HarvestTimeout:    "20s",
		HarvestDelay:      "3s",
		ListCacheDuration: "30s",
		ProbeRetention:    "720h",
	}

	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ClearConfigCache resets the configCache to nil.
// Forces a reload on the next LoadConfig() call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}
