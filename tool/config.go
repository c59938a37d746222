package tool

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/lebao3105/LocalTalk-sub002/types"
)

// ChunkPolicyConfig overrides one row of the adaptive chunking table.
// Sizes are in KB so config files stay readable.
type ChunkPolicyConfig struct {
	MaxLatencyMs int  `yaml:"maxLatencyMs"`
	ChunkSizeKB  int  `yaml:"chunkSizeKB"`
	Concurrency  int  `yaml:"concurrency"`
	Compress     bool `yaml:"compress"`
}

// AppConfig is the on-disk configuration. Zero values fall back to the
// defaults below, so a partial config file is fine.
type AppConfig struct {
	Alias       string `yaml:"alias"`
	Version     string `yaml:"version"`
	DeviceModel string `yaml:"deviceModel"`
	DeviceType  string `yaml:"deviceType"`
	Fingerprint string `yaml:"fingerprint"`
	Port        int    `yaml:"port"`
	Protocol    string `yaml:"protocol"`
	Download    bool   `yaml:"download"`

	Pin        string `yaml:"pin"`
	AutoAccept bool   `yaml:"autoAccept"`

	UploadFolder   string `yaml:"uploadFolder"`
	SessionFolders bool   `yaml:"sessionFolders"`

	MulticastAddress string `yaml:"multicastAddress"`
	MulticastPort    int    `yaml:"multicastPort"`
	EnableHTTPScan   bool   `yaml:"enableHTTPScan"`
	EnableMDNS       bool   `yaml:"enableMDNS"`
	ScanRatePPS      int    `yaml:"scanRatePPS"`

	AnnounceIntervalSec int `yaml:"announceIntervalSec"`
	SweepIntervalSec    int `yaml:"sweepIntervalSec"`
	LivenessTimeoutSec  int `yaml:"livenessTimeoutSec"`
	ProbeTimeoutSec     int `yaml:"probeTimeoutSec"`

	SessionTTLSec   int `yaml:"sessionTTLSec"`
	ChunkTimeoutSec int `yaml:"chunkTimeoutSec"`
	MaxChunkRetries int `yaml:"maxChunkRetries"`

	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	RequestBurst      int     `yaml:"requestBurst"`

	StoragePath string `yaml:"storagePath"`
	WebhookURL  string `yaml:"webhookURL"`
	LogDir      string `yaml:"logDir"`

	ChunkPolicies map[string]ChunkPolicyConfig `yaml:"chunkPolicies,omitempty"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() AppConfig {
	alias, err := os.Hostname()
	if err != nil || alias == "" {
		alias = "LocalTalk"
	}
	return AppConfig{
		Alias:               alias,
		Version:             "2.1",
		DeviceType:          "headless",
		Port:                53317,
		Protocol:            "http",
		Download:            false,
		UploadFolder:        "uploads",
		SessionFolders:      true,
		MulticastAddress:    "224.0.0.167",
		MulticastPort:       53317,
		ScanRatePPS:         64,
		AnnounceIntervalSec: 10,
		SweepIntervalSec:    30,
		LivenessTimeoutSec:  120,
		ProbeTimeoutSec:     5,
		SessionTTLSec:       3600,
		ChunkTimeoutSec:     30,
		MaxChunkRetries:     3,
		RequestsPerSecond:   10,
		RequestBurst:        20,
		StoragePath:         "localtalk.db",
	}
}

// Device builds the wire identity this node announces.
func (c AppConfig) Device() types.Device {
	return types.Device{
		Alias:       c.Alias,
		Version:     c.Version,
		DeviceModel: c.DeviceModel,
		DeviceType:  types.DeviceType(c.DeviceType),
		Fingerprint: c.Fingerprint,
		Port:        c.Port,
		Protocol:    c.Protocol,
		Download:    c.Download,
	}
}

// LoadConfig reads the yaml config at path over the defaults. A missing file
// is not an error; an unreadable or malformed one is. An empty path resolves
// to config.yaml next to the executable.
func LoadConfig(path string) (AppConfig, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = filepath.Join(GetRunPositionDir(), "config.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return normalizeConfig(cfg)
		}
		return cfg, fmt.Errorf("failed to read config %s: %v", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %v", path, err)
	}
	return normalizeConfig(cfg)
}

func normalizeConfig(cfg AppConfig) (AppConfig, error) {
	if cfg.Alias == "" {
		cfg.Alias = DefaultConfig().Alias
	}
	if cfg.Version == "" {
		cfg.Version = "2.1"
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return cfg, fmt.Errorf("config port %d out of range", cfg.Port)
	}
	switch cfg.Protocol {
	case "", "http":
		cfg.Protocol = "http"
	case "https":
	default:
		return cfg, fmt.Errorf("config protocol %q must be http or https", cfg.Protocol)
	}
	// HTTPS fingerprints are derived from the serving certificate at
	// startup; HTTP mode needs a stable random one.
	if cfg.Fingerprint == "" && cfg.Protocol == "http" {
		cfg.Fingerprint = GenerateRandomUUID()
	}
	return cfg, nil
}
