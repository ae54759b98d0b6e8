package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fatih/structs"
	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "lanshare"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "LANSHARE_DATA_DIR"
	// EnvPrefix is the prefix for environment overrides of config keys.
	EnvPrefix = "LANSHARE"

	// DefaultDiscoveryPort is the UDP port used for presence announcements.
	DefaultDiscoveryPort = 45454
	// DefaultTransferPort is the TCP port used for transfers.
	DefaultTransferPort = 45455
	// DefaultReceiveDir is where inbound files land.
	DefaultReceiveDir = "~/Downloads"

	DefaultAnnounceInterval = time.Second
	DefaultPeerTTL          = 3 * time.Second
	DefaultReapInterval     = time.Second
	DefaultConfirmTimeout   = 2 * time.Minute
	DefaultHeaderTimeout    = 30 * time.Second

	configFileName = "config.json"
)

// Config contains persistent local-device settings.
type Config struct {
	DeviceID          string        `json:"device_id" mapstructure:"device_id"`
	DeviceName        string        `json:"device_name" mapstructure:"device_name"`
	Platform          string        `json:"platform" mapstructure:"platform"`
	DiscoveryPort     int           `json:"discovery_port" mapstructure:"discovery_port"`
	TransferPort      int           `json:"transfer_port" mapstructure:"transfer_port"`
	ReceiveDir        string        `json:"receive_dir" mapstructure:"receive_dir"`
	AnnounceInterval  time.Duration `json:"announce_interval" mapstructure:"announce_interval"`
	PeerTTL           time.Duration `json:"peer_ttl" mapstructure:"peer_ttl"`
	ReapInterval      time.Duration `json:"reap_interval" mapstructure:"reap_interval"`
	ConfirmTimeout    time.Duration `json:"confirm_timeout" mapstructure:"confirm_timeout"`
	HeaderTimeout     time.Duration `json:"header_timeout" mapstructure:"header_timeout"`
	AutoAccept        bool          `json:"auto_accept" mapstructure:"auto_accept"`
	MDNS              bool          `json:"mdns" mapstructure:"mdns"`
	DirectedBroadcast bool          `json:"directed_broadcast" mapstructure:"directed_broadcast"`
	Verbose           bool          `json:"verbose" mapstructure:"verbose"`
}

// Default returns the built-in configuration. DeviceID is left empty.
func Default() Config {
	return Config{
		DeviceName:        defaultDeviceName(),
		Platform:          runtime.GOOS,
		DiscoveryPort:     DefaultDiscoveryPort,
		TransferPort:      DefaultTransferPort,
		ReceiveDir:        DefaultReceiveDir,
		AnnounceInterval:  DefaultAnnounceInterval,
		PeerTTL:           DefaultPeerTTL,
		ReapInterval:      DefaultReapInterval,
		ConfirmTimeout:    DefaultConfirmTimeout,
		HeaderTimeout:     DefaultHeaderTimeout,
		DirectedBroadcast: true,
	}
}

// Map returns the config keyed by its mapstructure tags. Durations are
// rendered as strings so the persisted file stays human editable.
func (c Config) Map() map[string]any {
	m := map[string]any{}
	for _, field := range structs.Fields(c) {
		key := field.Tag("mapstructure")
		value := field.Value()
		if d, ok := value.(time.Duration); ok {
			value = d.String()
		}
		m[key] = value
	}
	return m
}

// MarshalJSON writes durations as strings, matching Map.
func (c Config) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Map())
}

// ResolvedReceiveDir expands a leading ~ in ReceiveDir.
func (c Config) ResolvedReceiveDir() (string, error) {
	dir, err := homedir.Expand(c.ReceiveDir)
	if err != nil {
		return "", fmt.Errorf("expand receive dir: %w", err)
	}
	return filepath.Clean(dir), nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If LANSHARE_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads config.json through viper. Values resolve in the order
// flags, LANSHARE_* environment, file, defaults. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := newViper(flags)
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return decode(v)
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *Config) error {
	raw, err := json.MarshalIndent(cfg.Map(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data directory and config exist, then returns both.
func LoadOrCreate(flags *pflag.FlagSet) (*Config, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	if _, err := os.Stat(cfgPath); errors.Is(err, fs.ErrNotExist) {
		initial := defaultConfig()
		if err := Save(cfgPath, &initial); err != nil {
			return nil, "", err
		}
	} else if err != nil {
		return nil, "", fmt.Errorf("stat config: %w", err)
	}

	cfg, err := Load(cfgPath, nil)
	if err != nil {
		return nil, "", err
	}
	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	// Flag overrides apply to this run only.
	if flags != nil {
		if cfg, err = Load(cfgPath, flags); err != nil {
			return nil, "", err
		}
		normalizeDefaults(cfg)
	}

	return cfg, cfgPath, nil
}

// Reset overwrites the config at path with defaults, keeping the device ID.
func Reset(path string) error {
	cfg := defaultConfig()
	if existing, err := Load(path, nil); err == nil && existing.DeviceID != "" {
		cfg.DeviceID = existing.DeviceID
	}
	return Save(path, &cfg)
}

func newViper(flags *pflag.FlagSet) *viper.Viper {
	v := viper.New()
	defaults := Default().Map()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		flags.VisitAll(func(flag *pflag.Flag) {
			key := strings.ReplaceAll(flag.Name, "-", "_")
			if _, known := defaults[key]; !known {
				return
			}
			// Only flags the user actually set take precedence over the file.
			if flag.Changed {
				_ = v.BindPFlag(key, flag)
			}
		})
	}
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

func defaultConfig() Config {
	cfg := Default()
	cfg.DeviceID = uuid.NewString()
	return cfg
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "LAN Share Device"
}

func normalizeDefaults(cfg *Config) bool {
	updated := false
	defaults := Default()

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}
	if strings.TrimSpace(cfg.DeviceName) == "" {
		cfg.DeviceName = defaults.DeviceName
		updated = true
	}
	if cfg.Platform == "" {
		cfg.Platform = defaults.Platform
		updated = true
	}
	if cfg.DiscoveryPort <= 0 {
		cfg.DiscoveryPort = DefaultDiscoveryPort
		updated = true
	}
	if cfg.TransferPort <= 0 {
		cfg.TransferPort = DefaultTransferPort
		updated = true
	}
	if cfg.ReceiveDir == "" {
		cfg.ReceiveDir = DefaultReceiveDir
		updated = true
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = DefaultAnnounceInterval
		updated = true
	}
	if cfg.PeerTTL <= 0 {
		cfg.PeerTTL = 3 * cfg.AnnounceInterval
		updated = true
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
		updated = true
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
		updated = true
	}
	if cfg.HeaderTimeout <= 0 {
		cfg.HeaderTimeout = DefaultHeaderTimeout
		updated = true
	}

	return updated
}
