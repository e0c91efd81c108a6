package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-secure-stdlib/parseutil"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/kelseyhightower/envconfig"

	"github.com/stephnangue/secretbroker/backend/vault"
	"github.com/stephnangue/secretbroker/logger"
)

const (
	DefaultKVMount    = "tenant"
	DefaultNamespace  = "admin"
	DefaultMaxRetries = 2
	DefaultAPIAddress = "127.0.0.1:8420"
)

// Config is the configuration for the secretbroker server.
type Config struct {
	LogLevel           string `hcl:"log_level,optional"`
	LogFormat          string `hcl:"log_format,optional"`
	LogFile            string `hcl:"log_file,optional"`
	LogRotateMegabytes int    `hcl:"log_rotate_megabytes,optional"`
	LogRotateMaxFiles  int    `hcl:"log_rotate_max_files,optional"`
	LogRotateMaxAge    int    `hcl:"log_rotate_max_age,optional"`

	Vault     *VaultBlock     `hcl:"vault,block"`
	Listeners []ListenerBlock `hcl:"listener,block"`
	Audit     *AuditBlock     `hcl:"audit,block"`
	Telemetry *TelemetryBlock `hcl:"telemetry,block"`
	Cache     *CacheBlock     `hcl:"cache,block"`
}

// VaultBlock describes the secret store and the AppRole used to reach it.
type VaultBlock struct {
	Address           string  `hcl:"address,optional"`
	Namespace         string  `hcl:"namespace,optional"`
	KVMount           string  `hcl:"kv_mount,optional"`
	AppRoleMount      string  `hcl:"approle_mount,optional"`
	RoleID            string  `hcl:"role_id,optional"`
	SecretID          string  `hcl:"secret_id,optional"`
	CACert            string  `hcl:"ca_cert,optional"`
	TLSSkipVerify     bool    `hcl:"tls_skip_verify,optional"`
	RequestTimeout    string  `hcl:"request_timeout,optional"`
	LoginTimeout      string  `hcl:"login_timeout,optional"`
	TokenSafetyMargin string  `hcl:"token_safety_margin,optional"`
	MaxRetries        *int    `hcl:"max_retries,optional"`
	Backoff           string  `hcl:"backoff,optional"`
	RateLimit         float64 `hcl:"rate_limit,optional"`
	RateBurst         int     `hcl:"rate_burst,optional"`
	MergeAttempts     int     `hcl:"merge_attempts,optional"`
	BackgroundRefresh bool    `hcl:"background_refresh,optional"`
}

type ListenerBlock struct {
	Name         string `hcl:"name,label"`
	Address      string `hcl:"address"`
	TLSCertFile  string `hcl:"tls_cert_file,optional"`
	TLSKeyFile   string `hcl:"tls_key_file,optional"`
	TLSEnabled   bool   `hcl:"tls_enabled,optional"`
	APIToken     string `hcl:"api_token,optional"`
	ReadTimeout  string `hcl:"read_timeout,optional"`
	WriteTimeout string `hcl:"write_timeout,optional"`
}

// AuditBlock enables the JSON lines audit trail.
type AuditBlock struct {
	Path       string `hcl:"path"`
	MaxSize    int    `hcl:"max_size,optional"`
	MaxBackups int    `hcl:"max_backups,optional"`
	MaxAge     int    `hcl:"max_age,optional"`
	Compress   bool   `hcl:"compress,optional"`
	// HMACKey salts API tokens into the audit client field. Empty disables it.
	HMACKey string `hcl:"hmac_key,optional"`
}

type TelemetryBlock struct {
	OTLPEndpoint string `hcl:"otlp_endpoint,optional"`
	Insecure     bool   `hcl:"insecure,optional"`
	ServiceName  string `hcl:"service_name,optional"`
}

type CacheBlock struct {
	ReadTTL    string `hcl:"read_ttl,optional"`
	MaxEntries int64  `hcl:"max_entries,optional"`
}

// Env holds the environment variables the deployment has always used. Set
// values override the file.
type Env struct {
	Address      string `envconfig:"HASHICORP_ADDRESS"`
	RoleID       string `envconfig:"HASHICORP_ROLE_ID"`
	SecretID     string `envconfig:"HASHICORP_ACCESS_KEY_ID"`
	KVMount      string `envconfig:"HASHICORP_KV_MOUNT"`
	Namespace    string `envconfig:"HASHICORP_NAMESPACE"`
	AppRoleMount string `envconfig:"HASHICORP_APPROLE_MOUNT"`
}

// LoadConfig decodes an HCL file without applying the environment.
func LoadConfig(configFile string) (*Config, error) {
	var config Config
	if err := hclsimple.DecodeFile(configFile, nil, &config); err != nil {
		return nil, configError("parsing %s: %w", configFile, err)
	}
	return &config, nil
}

// Load reads configFile when given, overlays the environment and fills in
// defaults. It does not validate.
func Load(configFile string) (*Config, error) {
	config := &Config{}
	if configFile != "" {
		var err error
		if config, err = LoadConfig(configFile); err != nil {
			return nil, err
		}
	}

	var env Env
	if err := envconfig.Process("", &env); err != nil {
		return nil, configError("reading environment: %w", err)
	}
	config.ApplyEnv(env)
	config.setDefaults()
	return config, nil
}

// ApplyEnv overlays the non-empty environment values.
func (c *Config) ApplyEnv(env Env) {
	if c.Vault == nil {
		c.Vault = &VaultBlock{}
	}
	overlay(&c.Vault.Address, env.Address)
	overlay(&c.Vault.RoleID, env.RoleID)
	overlay(&c.Vault.SecretID, env.SecretID)
	overlay(&c.Vault.KVMount, env.KVMount)
	overlay(&c.Vault.Namespace, env.Namespace)
	overlay(&c.Vault.AppRoleMount, env.AppRoleMount)
}

func overlay(dst *string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		*dst = v
	}
}

func (c *Config) setDefaults() {
	if c.Vault == nil {
		c.Vault = &VaultBlock{}
	}
	if c.Vault.KVMount == "" {
		c.Vault.KVMount = DefaultKVMount
	}
	if c.Vault.Namespace == "" {
		c.Vault.Namespace = DefaultNamespace
	}
	if c.Vault.AppRoleMount == "" {
		c.Vault.AppRoleMount = vault.DefaultAppRoleMount
	}
	if c.Vault.MaxRetries == nil {
		retries := DefaultMaxRetries
		c.Vault.MaxRetries = &retries
	}
	if c.Vault.MergeAttempts == 0 {
		c.Vault.MergeAttempts = vault.DefaultMergeAttempts
	}
}

// Validate fails fast on anything the server cannot start without.
func (c *Config) Validate() error {
	if c.Vault == nil {
		return configError("missing vault block")
	}
	var missing []string
	if c.Vault.Address == "" {
		missing = append(missing, "vault address (HASHICORP_ADDRESS)")
	}
	if c.Vault.RoleID == "" {
		missing = append(missing, "role id (HASHICORP_ROLE_ID)")
	}
	if c.Vault.SecretID == "" {
		missing = append(missing, "secret id (HASHICORP_ACCESS_KEY_ID)")
	}
	if len(missing) > 0 {
		return configError("missing %s", strings.Join(missing, ", "))
	}

	vcfg, err := c.VaultConfig()
	if err != nil {
		return err
	}
	if err := vcfg.Validate(); err != nil {
		return err
	}
	if _, err := c.ReadCacheTTL(); err != nil {
		return err
	}
	if c.Vault.MergeAttempts < 0 {
		return configError("merge_attempts must not be negative")
	}

	seen := make(map[string]bool)
	for _, l := range c.Listeners {
		if seen[l.Name] {
			return configError("duplicate listener %q", l.Name)
		}
		seen[l.Name] = true
		if l.TLSEnabled && (l.TLSCertFile == "" || l.TLSKeyFile == "") {
			return configError("listener %q enables TLS without a certificate and key", l.Name)
		}
		if _, _, err := l.Timeouts(); err != nil {
			return err
		}
	}
	return nil
}

// VaultConfig converts the vault block into client settings.
func (c *Config) VaultConfig() (vault.Config, error) {
	v := c.Vault
	if v == nil {
		return vault.Config{}, configError("missing vault block")
	}

	requestTimeout, err := parseDuration("request_timeout", v.RequestTimeout)
	if err != nil {
		return vault.Config{}, err
	}
	loginTimeout, err := parseDuration("login_timeout", v.LoginTimeout)
	if err != nil {
		return vault.Config{}, err
	}
	margin, err := parseDuration("token_safety_margin", v.TokenSafetyMargin)
	if err != nil {
		return vault.Config{}, err
	}

	retries := DefaultMaxRetries
	if v.MaxRetries != nil {
		retries = *v.MaxRetries
	}

	return vault.Config{
		Address:           v.Address,
		Namespace:         v.Namespace,
		KVMount:           v.KVMount,
		AppRoleMount:      v.AppRoleMount,
		RoleID:            v.RoleID,
		SecretID:          v.SecretID,
		CACert:            v.CACert,
		TLSSkipVerify:     v.TLSSkipVerify,
		RequestTimeout:    requestTimeout,
		LoginTimeout:      loginTimeout,
		SafetyMargin:      margin,
		MaxRetries:        retries,
		Backoff:           v.Backoff,
		RateLimit:         v.RateLimit,
		RateBurst:         v.RateBurst,
		BackgroundRefresh: v.BackgroundRefresh,
	}, nil
}

// ReadCacheTTL returns 0 when the read cache is disabled.
func (c *Config) ReadCacheTTL() (time.Duration, error) {
	if c.Cache == nil {
		return 0, nil
	}
	return parseDuration("read_ttl", c.Cache.ReadTTL)
}

// LoggerConfig builds the server logger settings from the log_* attributes.
func (c *Config) LoggerConfig() *logger.Config {
	cfg := logger.DefaultConfig()
	cfg.Level = logger.ParseLogLevel(c.LogLevel)
	cfg.Format = logger.ParseOutputFormat(c.LogFormat)
	if c.LogFile != "" {
		file := logger.DefaultFileConfig(c.LogFile)
		if c.LogRotateMegabytes > 0 {
			file.MaxSize = c.LogRotateMegabytes
		}
		if c.LogRotateMaxFiles > 0 {
			file.MaxBackups = c.LogRotateMaxFiles
		}
		if c.LogRotateMaxAge > 0 {
			file.MaxAge = c.LogRotateMaxAge
		}
		cfg.FileConfig = file
	}
	return cfg
}

// GetListenerByName returns a listener by its name (label)
func (c *Config) GetListenerByName(name string) (*ListenerBlock, error) {
	for i := range c.Listeners {
		if c.Listeners[i].Name == name {
			return &c.Listeners[i], nil
		}
	}
	return nil, fmt.Errorf("listener '%s' not found", name)
}

// GetApiListener returns the "api" listener, or a plain HTTP listener on
// DefaultAPIAddress when none is configured.
func (c *Config) GetApiListener() *ListenerBlock {
	if l, err := c.GetListenerByName("api"); err == nil {
		return l
	}
	return &ListenerBlock{Name: "api", Address: DefaultAPIAddress}
}

// Timeouts returns the listener read and write timeouts. Zero means the
// listener default.
func (l *ListenerBlock) Timeouts() (read, write time.Duration, err error) {
	if read, err = parseDuration("read_timeout", l.ReadTimeout); err != nil {
		return 0, 0, err
	}
	if write, err = parseDuration("write_timeout", l.WriteTimeout); err != nil {
		return 0, 0, err
	}
	return read, write, nil
}

func parseDuration(name, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := parseutil.ParseDurationSecond(raw)
	if err != nil {
		return 0, configError("invalid %s %q: %w", name, raw, err)
	}
	if d < 0 {
		return 0, configError("%s must not be negative", name)
	}
	return d, nil
}

func configError(format string, args ...any) error {
	return &vault.Error{Kind: vault.ErrConfiguration, Op: "config", Err: fmt.Errorf(format, args...)}
}
