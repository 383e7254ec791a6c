// Package config loads dispatchd's process configuration from an optional
// YAML file plus environment overrides, following the flat-struct,
// yaml.v3-tagged style used for resource manifests elsewhere in this
// codebase.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/dispatchd/pkg/secretstore"
)

// Config is dispatchd's full process configuration.
type Config struct {
	Listen string `yaml:"listen"`

	LogLevel string `yaml:"logLevel"`
	LogJSON  bool   `yaml:"logJson"`

	Capacity int `yaml:"capacity"`

	WorkerBinary  string   `yaml:"workerBinary"`
	WorkerArgs    []string `yaml:"workerArgs"`
	BaseRepoPath  string   `yaml:"baseRepoPath"`
	WorkspaceRoot string   `yaml:"workspaceRoot"`

	AdmissionSecret          string `yaml:"admissionSecret"`
	AdmissionSecretEncrypted string `yaml:"admissionSecretEncrypted"`

	ClockSkew time.Duration `yaml:"clockSkew"`
	NonceTTL  time.Duration `yaml:"nonceTtl"`

	IdentityEndpoint string        `yaml:"identityEndpoint"`
	IdentityStatic   string        `yaml:"identityStatic"`
	IdentityRefresh  time.Duration `yaml:"identityRefreshMargin"`

	DefaultTaskTimeout time.Duration `yaml:"defaultTaskTimeout"`
	TerminationGrace   time.Duration `yaml:"terminationGrace"`

	CallbackMaxAttempts  int           `yaml:"callbackMaxAttempts"`
	CallbackInitialDelay time.Duration `yaml:"callbackInitialDelay"`
	CallbackMaxDelay     time.Duration `yaml:"callbackMaxDelay"`

	AuditLogPath string `yaml:"auditLogPath"`

	ReconcileInterval time.Duration `yaml:"reconcileInterval"`
}

// Default returns a config with every non-secret field set to a workable
// value, so a caller only needs to override what matters for their
// deployment. The admission secret and the identity source have no
// default and must be supplied.
func Default() Config {
	return Config{
		Listen:               ":8443",
		LogLevel:             "info",
		LogJSON:              false,
		Capacity:             4,
		WorkerBinary:         "worker",
		BaseRepoPath:         "/var/lib/dispatchd/repo",
		WorkspaceRoot:        "/var/lib/dispatchd/workspaces",
		ClockSkew:            5 * time.Minute,
		NonceTTL:             10 * time.Minute,
		IdentityRefresh:      2 * time.Minute,
		DefaultTaskTimeout:   30 * time.Minute,
		TerminationGrace:     30 * time.Second,
		CallbackMaxAttempts:  5,
		CallbackInitialDelay: time.Second,
		CallbackMaxDelay:     30 * time.Second,
		AuditLogPath:         "/var/lib/dispatchd/audit.db",
		ReconcileInterval:    10 * time.Second,
	}
}

// Load reads path (if non-empty) over the defaults, then applies
// environment overrides, then validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.AdmissionSecret == "" && cfg.AdmissionSecretEncrypted != "" {
		decrypted, err := decryptAdmissionSecret(cfg.AdmissionSecretEncrypted)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		cfg.AdmissionSecret = decrypted
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decryptAdmissionSecret decrypts admissionSecretEncrypted using the
// master passphrase from DISPATCHD_MASTER_KEY, so the shared admission
// secret never needs to sit in the config file in plaintext.
func decryptAdmissionSecret(encrypted string) (string, error) {
	passphrase := os.Getenv("DISPATCHD_MASTER_KEY")
	if passphrase == "" {
		return "", fmt.Errorf("admissionSecretEncrypted is set but DISPATCHD_MASTER_KEY is not")
	}
	store, err := secretstore.NewFromPassphrase(passphrase)
	if err != nil {
		return "", err
	}
	return store.Decrypt(encrypted)
}

// applyEnvOverrides lets deployment tooling inject the admission secret and
// listen address without writing them to a file on disk.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DISPATCHD_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("DISPATCHD_ADMISSION_SECRET"); v != "" {
		cfg.AdmissionSecret = v
	}
	if v := os.Getenv("DISPATCHD_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Capacity = n
		}
	}
	if v := os.Getenv("DISPATCHD_IDENTITY_STATIC"); v != "" {
		cfg.IdentityStatic = v
	}
}

// Validate rejects configurations that would leave the service unable to
// start safely.
func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("config: capacity must be positive, got %d", c.Capacity)
	}
	if c.AdmissionSecret == "" {
		return fmt.Errorf("config: admissionSecret is required")
	}
	if c.WorkerBinary == "" {
		return fmt.Errorf("config: workerBinary is required")
	}
	if c.BaseRepoPath == "" {
		return fmt.Errorf("config: baseRepoPath is required")
	}
	if c.IdentityEndpoint == "" && c.IdentityStatic == "" {
		return fmt.Errorf("config: either identityEndpoint or identityStatic must be set")
	}
	return nil
}
