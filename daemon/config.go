package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/runrelay/runs"
)

const (
	projectConfigName = "runrelay.yaml"
	homeConfigName    = "config.yaml"
	homeConfigDir     = ".runrelay"
)

// Config is the declarative startup configuration of the relay.
type Config struct {
	Listen        string `yaml:"listen"`
	InternalToken string `yaml:"internal_token,omitempty"`
	CORSOrigin    string `yaml:"cors_origin,omitempty"`
	MaxBodyBytes  int64  `yaml:"max_body_bytes,omitempty"`

	Worker    WorkerConfig    `yaml:"worker"`
	Runs      RunsConfig      `yaml:"runs"`
	Storage   StorageConfig   `yaml:"storage"`
	Events    EventsConfig    `yaml:"events"`
	NATS      NATSConfig      `yaml:"nats"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// WorkerConfig locates the remote worker.
type WorkerConfig struct {
	URL         string        `yaml:"url"`
	Token       string        `yaml:"token,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
	MaxAttempts int           `yaml:"max_attempts,omitempty"`
}

// RunsConfig tunes the run registry.
type RunsConfig struct {
	// Template is a JSON run template merged into every submission.
	Template          string        `yaml:"template,omitempty"`
	ReplaySize        int           `yaml:"replay_size,omitempty"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay,omitempty"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay,omitempty"`
	FinalizeTimeout   time.Duration `yaml:"finalize_timeout,omitempty"`
	SweepSchedule     string        `yaml:"sweep_schedule,omitempty"`
}

// StorageConfig selects the artifact backends. Every configured backend
// receives every write.
type StorageConfig struct {
	SQLitePath  string             `yaml:"sqlite_path,omitempty"`
	RedisURL    string             `yaml:"redis_url,omitempty"`
	RedisPrefix string             `yaml:"redis_prefix,omitempty"`
	DatabaseURL string             `yaml:"database_url,omitempty"`
	ObjectStore *ObjectStoreConfig `yaml:"object_store,omitempty"`
}

// ObjectStoreConfig configures the S3-compatible artifact mirror.
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region,omitempty"`
	UseSSL    bool   `yaml:"use_ssl,omitempty"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix,omitempty"`
}

// EventsConfig controls the persisted event history.
type EventsConfig struct {
	// SQLitePath defaults to Storage.SQLitePath.
	SQLitePath     string        `yaml:"sqlite_path,omitempty"`
	RetentionAge   time.Duration `yaml:"retention_age,omitempty"`
	RetentionCount int           `yaml:"retention_count,omitempty"`
}

// NATSConfig enables event fan-out over NATS.
type NATSConfig struct {
	URL           string `yaml:"url,omitempty"`
	SubjectPrefix string `yaml:"subject_prefix,omitempty"`
}

// TelemetryConfig enables OTLP trace export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
	ServiceName  string `yaml:"service_name,omitempty"`
}

// DefaultConfig returns the configuration used when no file is found.
func DefaultConfig() Config {
	return Config{
		Listen:       ":8080",
		CORSOrigin:   "*",
		MaxBodyBytes: 1 << 20,
		Worker: WorkerConfig{
			URL:         "http://localhost:8000",
			Timeout:     30 * time.Second,
			MaxAttempts: 3,
		},
		Runs: RunsConfig{
			ReconnectDelay:    time.Second,
			MaxReconnectDelay: 30 * time.Second,
			FinalizeTimeout:   30 * time.Second,
			SweepSchedule:     runs.DefaultSweepSchedule,
		},
		Storage: StorageConfig{
			RedisPrefix: "runrelay",
		},
		Events: EventsConfig{
			RetentionAge: 7 * 24 * time.Hour,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "runrelay",
		},
	}
}

// DiscoverConfigPath resolves the config location with first-match semantics:
// the explicit path, ./runrelay.yaml, then ~/.runrelay/config.yaml.
func DiscoverConfigPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverConfigPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverConfigPathFrom is a testable variant of DiscoverConfigPath.
func DiscoverConfigPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, homeConfigDir, homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// If explicit path is set, not found is an error.
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// LoadConfig discovers and loads the configuration, then applies
// environment overrides. A missing file (without an explicit path) yields
// the defaults.
func LoadConfig(explicitPath string) (Config, string, error) {
	path, found, err := DiscoverConfigPath(explicitPath)
	if err != nil {
		return Config{}, "", err
	}
	cfg := DefaultConfig()
	if found {
		cfg, err = LoadConfigFile(path)
		if err != nil {
			return Config{}, "", err
		}
	}
	ApplyEnv(&cfg, os.LookupEnv)
	return cfg, path, nil
}

// LoadConfigFile reads a YAML config over the defaults. ${VAR} references
// are expanded from the environment. Relative template and sqlite paths are
// resolved against the file's directory.
func LoadConfigFile(path string) (Config, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %q: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandEnvValue(string(data))), &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %q: %w", path, err)
	}

	baseDir := filepath.Dir(path)
	cfg.Runs.Template = resolveConfigRelative(baseDir, cfg.Runs.Template)
	cfg.Storage.SQLitePath = resolveConfigRelative(baseDir, cfg.Storage.SQLitePath)
	cfg.Events.SQLitePath = resolveConfigRelative(baseDir, cfg.Events.SQLitePath)
	return cfg, nil
}

// ApplyEnv overlays environment variables onto cfg. The RUNRELAY_ names
// win over the legacy names.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	str := func(dst *string, names ...string) {
		for _, name := range names {
			if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
				*dst = strings.TrimSpace(v)
				return
			}
		}
	}

	str(&cfg.Listen, "RUNRELAY_LISTEN")
	str(&cfg.InternalToken, "RUNRELAY_INTERNAL_TOKEN")
	str(&cfg.Worker.URL, "RUNRELAY_WORKER_URL", "PYTHON_SERVICE_URL")
	str(&cfg.Worker.Token, "RUNRELAY_WORKER_TOKEN", "INTERNAL_API_TOKEN")
	str(&cfg.Storage.SQLitePath, "RUNRELAY_SQLITE_PATH")
	str(&cfg.Storage.RedisURL, "RUNRELAY_REDIS_URL")
	str(&cfg.Storage.DatabaseURL, "RUNRELAY_DATABASE_URL")
	str(&cfg.NATS.URL, "RUNRELAY_NATS_URL")
	str(&cfg.Telemetry.OTLPEndpoint, "RUNRELAY_OTLP_ENDPOINT")

	if v, ok := lookup("RUNRELAY_MAX_BODY_BYTES"); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.MaxBodyBytes = n
		}
	}
}

// EventStorePath returns the sqlite file of the event history, or "" for
// an in-memory history.
func (c Config) EventStorePath() string {
	if c.Events.SQLitePath != "" {
		return c.Events.SQLitePath
	}
	return c.Storage.SQLitePath
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return errors.New("config: listen address is required")
	}
	if strings.TrimSpace(c.Worker.URL) == "" {
		return errors.New("config: worker.url is required")
	}
	if c.MaxBodyBytes < 0 {
		return errors.New("config: max_body_bytes must be >= 0")
	}
	if c.Worker.Timeout < 0 || c.Worker.MaxAttempts < 0 {
		return errors.New("config: worker timeout and max_attempts must be >= 0")
	}
	if c.Runs.ReplaySize < 0 {
		return errors.New("config: runs.replay_size must be >= 0")
	}
	if c.Runs.ReconnectDelay < 0 || c.Runs.MaxReconnectDelay < 0 || c.Runs.FinalizeTimeout < 0 {
		return errors.New("config: runs delays must be >= 0")
	}
	if c.Runs.MaxReconnectDelay > 0 && c.Runs.ReconnectDelay > c.Runs.MaxReconnectDelay {
		return errors.New("config: runs.reconnect_delay must be <= runs.max_reconnect_delay")
	}
	if c.Runs.SweepSchedule != "" {
		if _, err := runs.ParseSchedule(c.Runs.SweepSchedule); err != nil {
			return fmt.Errorf("config: runs.sweep_schedule: %w", err)
		}
	}
	if c.Events.RetentionAge < 0 || c.Events.RetentionCount < 0 {
		return errors.New("config: events retention must be >= 0")
	}
	if obj := c.Storage.ObjectStore; obj != nil {
		if strings.TrimSpace(obj.Endpoint) == "" || strings.TrimSpace(obj.Bucket) == "" {
			return errors.New("config: storage.object_store requires endpoint and bucket")
		}
	}
	return nil
}

func expandEnvValue(value string) string {
	return os.ExpandEnv(value)
}

func resolveConfigRelative(baseDir, p string) string {
	if strings.TrimSpace(p) == "" || p == ":memory:" {
		return p
	}
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) {
		return clean
	}
	return filepath.Join(baseDir, clean)
}
