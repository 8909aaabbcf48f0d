// Package config provides environment and file based configuration for the allocator.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults carried over from the PBS allocator's historical behavior.
const (
	DefaultAllocatorName = "MPI_Allocator"
	DefaultAccountingID  = "no-default-set"
)

// Journal drivers.
const (
	JournalMemory   = "memory"
	JournalPostgres = "postgres"
	JournalSnapshot = "snapshot"
)

// Config holds all configuration for the allocator process.
type Config struct {
	// ConfigFile is the optional YAML file overlaid on the environment.
	ConfigFile string

	// Authentication
	JWTSecret string
	JWTExpiry time.Duration

	// Server configuration
	APIPort  int
	GRPCPort int
	APIHost  string

	// Logging
	LogLevel string
	LogJSON  bool

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration

	Allocator AllocatorConfig
	Provision ProvisionConfig
	Journal   JournalConfig

	// Age keys used to decrypt the SSH private key.
	Age AgeConfig
}

// AllocatorConfig describes the pool and its descriptive settings.
type AllocatorConfig struct {
	Name         string   `yaml:"name"`
	AccountingID string   `yaml:"accounting_id"`
	Machines     []string `yaml:"machines"`
	NodeFile     string   `yaml:"node_file"`
	// MPI forces MPI mode on or off. Nil means detect from the batch environment.
	MPI *bool `yaml:"mpi"`
}

// ProvisionConfig describes how servers are started.
type ProvisionConfig struct {
	Command        []string      `yaml:"command"`
	Launcher       string        `yaml:"launcher"`
	SSHUser        string        `yaml:"ssh_user"`
	SSHPort        int           `yaml:"ssh_port"`
	SSHKeyFile     string        `yaml:"ssh_key_file"`
	KnownHostsFile string        `yaml:"known_hosts_file"`
	LogDir         string        `yaml:"log_dir"`
	StopTimeout    time.Duration `yaml:"stop_timeout"`
}

// JournalConfig selects where allocations are recorded.
type JournalConfig struct {
	Driver       string `yaml:"driver"`
	DatabaseDSN  string `yaml:"database_url"`
	SnapshotPath string `yaml:"snapshot_path"`
}

// AgeConfig holds age X25519 keys.
type AgeConfig struct {
	// PublicKey is the age recipient (age1...).
	PublicKey string
	// PrivateKey is the age identity (AGE-SECRET-KEY-1...).
	PrivateKey string
}

// fileLayout is the YAML document shape. Sections point into a Config so
// unmarshalling only overwrites keys present in the file.
type fileLayout struct {
	Allocator *AllocatorConfig `yaml:"allocator"`
	Provision *ProvisionConfig `yaml:"provision"`
	Journal   *JournalConfig   `yaml:"journal"`
}

// Load reads configuration from environment variables, overlays the YAML
// file at path (or MPIALLOC_CONFIG when path is empty), and validates it.
func Load(path string) (*Config, error) {
	cfg := fromEnv("")
	if path == "" {
		path = cfg.ConfigFile
	}
	if path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadWithDefaults loads configuration with defaults for development.
// It does not validate required fields, useful for testing.
func LoadWithDefaults() *Config {
	return fromEnv("development-secret-key-min-32-chars")
}

func fromEnv(defaultSecret string) *Config {
	return &Config{
		ConfigFile:      getEnv("MPIALLOC_CONFIG", ""),
		JWTSecret:       getEnv("JWT_SECRET", defaultSecret),
		JWTExpiry:       getDurationEnv("JWT_EXPIRY", 24*time.Hour),
		APIPort:         getIntEnv("API_PORT", 8080),
		GRPCPort:        getIntEnv("GRPC_PORT", 9090),
		APIHost:         getEnv("API_HOST", "0.0.0.0"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogJSON:         getBoolEnv("LOG_JSON", true),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		Allocator: AllocatorConfig{
			Name:         getEnv("MPIALLOC_NAME", DefaultAllocatorName),
			AccountingID: getEnv("MPIALLOC_ACCOUNTING_ID", DefaultAccountingID),
			Machines:     getListEnv("MPIALLOC_MACHINES", ","),
			NodeFile:     getEnv("MPIALLOC_NODE_FILE", ""),
			MPI:          getBoolPtrEnv("MPIALLOC_MPI"),
		},
		Provision: ProvisionConfig{
			Command:        getListEnv("MPIALLOC_SERVER_COMMAND", " "),
			Launcher:       getEnv("MPIALLOC_LAUNCHER", "mpirun"),
			SSHUser:        getEnv("MPIALLOC_SSH_USER", os.Getenv("USER")),
			SSHPort:        getIntEnv("MPIALLOC_SSH_PORT", 22),
			SSHKeyFile:     getEnv("MPIALLOC_SSH_KEY_FILE", ""),
			KnownHostsFile: getEnv("MPIALLOC_KNOWN_HOSTS", ""),
			LogDir:         getEnv("MPIALLOC_LOG_DIR", "/tmp"),
			StopTimeout:    getDurationEnv("MPIALLOC_STOP_TIMEOUT", 5*time.Second),
		},
		Journal: JournalConfig{
			Driver:       getEnv("MPIALLOC_JOURNAL", JournalMemory),
			DatabaseDSN:  getEnv("DATABASE_URL", ""),
			SnapshotPath: getEnv("MPIALLOC_SNAPSHOT_PATH", ""),
		},
		Age: AgeConfig{
			PublicKey:  getEnv("AGE_PUBLIC_KEY", ""),
			PrivateKey: getEnv("AGE_PRIVATE_KEY", ""),
		},
	}
}

// overlayFile applies the YAML file at path on top of c.
func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	doc := fileLayout{
		Allocator: &c.Allocator,
		Provision: &c.Provision,
		Journal:   &c.Journal,
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	c.ConfigFile = path
	return nil
}

// ReadAllocatorSection parses only the allocator section of the YAML file at path.
func ReadAllocatorSection(path string) (AllocatorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return AllocatorConfig{}, fmt.Errorf("reading config file: %w", err)
	}
	var section AllocatorConfig
	if err := yaml.Unmarshal(data, &fileLayout{Allocator: &section}); err != nil {
		return AllocatorConfig{}, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return section, nil
}

// Validate checks that required configuration values are set.
func (c *Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	} else if len(c.JWTSecret) < 32 {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least 32 characters"))
	}
	if strings.TrimSpace(c.Allocator.Name) == "" {
		errs = append(errs, fmt.Errorf("allocator name is required"))
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("API_PORT %d out of range", c.APIPort))
	}
	if c.GRPCPort < 0 || c.GRPCPort > 65535 {
		errs = append(errs, fmt.Errorf("GRPC_PORT %d out of range", c.GRPCPort))
	}
	switch c.Journal.Driver {
	case JournalMemory:
	case JournalPostgres:
		if c.Journal.DatabaseDSN == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required for the postgres journal"))
		}
	case JournalSnapshot:
		if c.Journal.SnapshotPath == "" {
			errs = append(errs, fmt.Errorf("MPIALLOC_SNAPSHOT_PATH is required for the snapshot journal"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown journal driver %q", c.Journal.Driver))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if b := getBoolPtrEnv(key); b != nil {
		return *b
	}
	return defaultValue
}

func getBoolPtrEnv(key string) *bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return &b
		}
	}
	return nil
}

// getListEnv splits a variable on sep, dropping empty items. A space
// separator splits on any whitespace.
func getListEnv(key, sep string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var parts []string
	if sep == " " {
		parts = strings.Fields(value)
	} else {
		parts = strings.Split(value, sep)
	}
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
