package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-secure-stdlib/parseutil"
	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/stephnangue/vmgate/ratelimit"
)

// Config is the configuration for the vmgate server.
type Config struct {
	LogLevel           string `hcl:"log_level,optional"`
	LogFormat          string `hcl:"log_format,optional"`
	LogFile            string `hcl:"log_file,optional"`
	LogRotateMegabytes int    `hcl:"log_rotate_megabytes,optional"`
	LogRotateMaxFiles  int    `hcl:"log_rotate_max_files,optional"`

	Listeners []ListenerBlock `hcl:"listener,block"`
	Storage   *StorageBlock   `hcl:"storage,block"`
	Counter   *CounterBlock   `hcl:"counter,block"`
	Vault     *VaultBlock     `hcl:"vault,block"`
	Session   *SessionBlock   `hcl:"session,block"`
	Artifact  *ArtifactBlock  `hcl:"artifact,block"`
	Audit     *AuditBlock     `hcl:"audit,block"`
	Limits    []LimitBlock    `hcl:"limit,block"`
}

type ListenerBlock struct {
	Name        string `hcl:"name,label"`
	Address     string `hcl:"address"`
	TLSCertFile string `hcl:"tls_cert_file,optional"`
	TLSKeyFile  string `hcl:"tls_key_file,optional"`
	TLSEnabled  bool   `hcl:"tls_enabled,optional"`
}

// StorageBlock configures the durable store for credentials and sessions
type StorageBlock struct {
	Type string `hcl:"type,label"` // "inmem" or "redis"

	Address  string `hcl:"address,optional"`
	Username string `hcl:"username,optional"`
	Password string `hcl:"password,optional"`
	DB       int    `hcl:"db,optional"`
}

// CounterBlock configures the shared rate counter store
type CounterBlock struct {
	Type string `hcl:"type,label"` // "inmem" or "redis"

	Address  string `hcl:"address,optional"`
	Username string `hcl:"username,optional"`
	Password string `hcl:"password,optional"`
	DB       int    `hcl:"db,optional"`
}

// VaultBlock tells the server where the master key comes from. The key
// itself never appears in the config file.
type VaultBlock struct {
	MasterKeyEnv  string `hcl:"master_key_env,optional"`
	MasterKeyFile string `hcl:"master_key_file,optional"`
}

type SessionBlock struct {
	MonitorInterval string `hcl:"monitor_interval,optional"`
	GracePeriod     string `hcl:"grace_period,optional"`
	ProbeTimeout    string `hcl:"probe_timeout,optional"`
}

type ArtifactBlock struct {
	Expiry        string `hcl:"expiry,optional"`
	DownloadBurst int    `hcl:"download_burst,optional"`
}

type AuditBlock struct {
	FilePath   string `hcl:"file_path,optional"`
	MaxSizeMB  int    `hcl:"max_size_mb,optional"`
	MaxBackups int    `hcl:"max_backups,optional"`
	HMACSalt   string `hcl:"hmac_salt,optional"`
}

// LimitBlock overrides one admission class
type LimitBlock struct {
	Class       string `hcl:"class,label"`
	Window      string `hcl:"window"`
	MaxRequests int64  `hcl:"max_requests"`
}

func LoadConfig(configFile string) (*Config, error) {
	var config Config

	err := hclsimple.DecodeFile(configFile, nil, &config)
	if err != nil {
		return nil, err
	}
	return &config, nil
}

// GetListenerByName returns a listener by its name (label)
func (c *Config) GetListenerByName(name string) (*ListenerBlock, error) {
	for _, listener := range c.Listeners {
		if listener.Name == name {
			return &listener, nil
		}
	}
	return nil, fmt.Errorf("listener '%s' not found", name)
}

// GetApiListener is a convenience method to get the api listener
func (c *Config) GetApiListener() (*ListenerBlock, error) {
	return c.GetListenerByName("api")
}

// MasterKey loads the vault master key from the configured source.
// Environment variables carry base64 text only; key files hold either
// the raw 32 key bytes or their base64 encoding.
func (c *Config) MasterKey() ([]byte, error) {
	if c.Vault == nil {
		return nil, fmt.Errorf("vault block is required")
	}

	switch {
	case c.Vault.MasterKeyEnv != "":
		value := os.Getenv(c.Vault.MasterKeyEnv)
		if value == "" {
			return nil, fmt.Errorf("environment variable %q is empty", c.Vault.MasterKeyEnv)
		}
		return decodeMasterKey(value)
	case c.Vault.MasterKeyFile != "":
		data, err := os.ReadFile(c.Vault.MasterKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read master key file: %w", err)
		}
		if len(data) == 32 {
			return data, nil
		}
		return decodeMasterKey(string(data))
	default:
		return nil, fmt.Errorf("vault block must set master_key_env or master_key_file")
	}
}

func decodeMasterKey(text string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(text))
	if err != nil {
		return nil, fmt.Errorf("master key is not valid base64: %w", err)
	}
	if len(decoded) != 32 {
		return nil, fmt.Errorf("master key must decode to 32 bytes, got %d", len(decoded))
	}
	return decoded, nil
}

// Policy builds the admission policy from the limit blocks
func (c *Config) Policy() (ratelimit.Policy, error) {
	policy := ratelimit.Policy{}
	for _, block := range c.Limits {
		window, err := parseutil.ParseDurationSecond(block.Window)
		if err != nil {
			return nil, fmt.Errorf("limit %q: invalid window: %w", block.Class, err)
		}
		policy[ratelimit.Class(block.Class)] = ratelimit.Limit{
			Window:      window,
			MaxRequests: block.MaxRequests,
		}
	}
	return policy, nil
}

// MonitorInterval returns the session monitor period
func (c *Config) MonitorInterval() (time.Duration, error) {
	if c.Session == nil || c.Session.MonitorInterval == "" {
		return 0, nil
	}
	return parseutil.ParseDurationSecond(c.Session.MonitorInterval)
}

// GracePeriod returns the unreachability grace period
func (c *Config) GracePeriod() (time.Duration, error) {
	if c.Session == nil || c.Session.GracePeriod == "" {
		return 0, nil
	}
	return parseutil.ParseDurationSecond(c.Session.GracePeriod)
}

// ProbeTimeout returns the reachability probe dial timeout
func (c *Config) ProbeTimeout() (time.Duration, error) {
	if c.Session == nil || c.Session.ProbeTimeout == "" {
		return 0, nil
	}
	return parseutil.ParseDurationSecond(c.Session.ProbeTimeout)
}

// ArtifactExpiry returns the artifact lifetime
func (c *Config) ArtifactExpiry() (time.Duration, error) {
	if c.Artifact == nil || c.Artifact.Expiry == "" {
		return 0, nil
	}
	return parseutil.ParseDurationSecond(c.Artifact.Expiry)
}
