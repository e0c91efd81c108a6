package vault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/hashicorp/go-secure-stdlib/parseutil"
	vaultapi "github.com/hashicorp/vault/api"
	"golang.org/x/time/rate"

	"github.com/stephnangue/secretbroker/logger"
)

const (
	DefaultKVMount        = "tenant"
	DefaultAppRoleMount   = "approle"
	DefaultRequestTimeout = 30 * time.Second
	DefaultLoginTimeout   = 30 * time.Second

	BackoffLinearJitter = "linear_jitter"
	BackoffExponential  = "exponential"

	casMismatch = "check-and-set parameter did not match"
)

// Config holds everything needed to reach the store and log in to it.
type Config struct {
	Address      string
	Namespace    string
	KVMount      string
	AppRoleMount string
	RoleID       string
	SecretID     string

	CACert        string
	TLSSkipVerify bool

	RequestTimeout time.Duration
	LoginTimeout   time.Duration
	SafetyMargin   time.Duration
	MaxRetries     int
	Backoff        string
	RateLimit      float64
	RateBurst      int

	// BackgroundRefresh re-authenticates ahead of expiry instead of waiting
	// for the next call to find the cache stale.
	BackgroundRefresh bool

	// Now overrides the clock used for token expiry.
	Now func() time.Time
}

// Validate checks the parameters that cannot be defaulted.
func (c *Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Address) == "" {
		missing = append(missing, "address")
	}
	if strings.TrimSpace(c.RoleID) == "" {
		missing = append(missing, "role_id")
	}
	if strings.TrimSpace(c.SecretID) == "" {
		missing = append(missing, "secret_id")
	}
	if len(missing) > 0 {
		return configError("missing required parameters: %s", strings.Join(missing, ", "))
	}
	switch c.Backoff {
	case "", BackoffLinearJitter, BackoffExponential:
	default:
		return configError("unknown backoff %q", c.Backoff)
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.KVMount == "" {
		c.KVMount = DefaultKVMount
	}
	if c.AppRoleMount == "" {
		c.AppRoleMount = DefaultAppRoleMount
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.LoginTimeout <= 0 {
		c.LoginTimeout = DefaultLoginTimeout
	}
	if c.SafetyMargin == 0 {
		c.SafetyMargin = DefaultSafetyMargin
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	c.KVMount = strings.Trim(c.KVMount, "/")
	c.AppRoleMount = strings.Trim(c.AppRoleMount, "/")
}

// SecretRecord is one version of the data stored at a path.
type SecretRecord struct {
	Path        string
	Data        map[string]any
	Version     int
	CreatedTime time.Time
}

// Keys returns the record's key names, never its values.
func (r *SecretRecord) Keys() []string {
	return keysOf(r.Data)
}

// Client talks to a KV v2 mount. Every call resolves a token through the
// Authenticator right before it goes out.
type Client struct {
	api       *vaultapi.Client
	auth      *Authenticator
	mount     string
	namespace string
	logger    logger.Logger
}

// NewClient validates cfg and builds the HTTP transport. No network call is
// made until the first operation or Start.
func NewClient(cfg Config, log logger.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	if log == nil {
		log = logger.NewNopLogger()
	}

	apiCfg := vaultapi.DefaultConfig()
	if apiCfg.Error != nil {
		return nil, configError("reading environment: %w", apiCfg.Error)
	}
	apiCfg.Address = cfg.Address
	apiCfg.HttpClient = cleanhttp.DefaultPooledClient()
	apiCfg.Timeout = cfg.RequestTimeout
	apiCfg.MaxRetries = cfg.MaxRetries
	apiCfg.Logger = logger.NewHCLogAdapter(log.WithSubsystem("http"))

	if cfg.Backoff == BackoffExponential {
		apiCfg.Backoff = retryablehttp.DefaultBackoff
	} else {
		apiCfg.Backoff = retryablehttp.LinearJitterBackoff
	}

	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		apiCfg.Limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	if cfg.CACert != "" || cfg.TLSSkipVerify {
		if err := apiCfg.ConfigureTLS(&vaultapi.TLSConfig{
			CACert:   cfg.CACert,
			Insecure: cfg.TLSSkipVerify,
		}); err != nil {
			return nil, configError("configuring TLS: %w", err)
		}
	}

	apiClient, err := vaultapi.NewClient(apiCfg)
	if err != nil {
		return nil, configError("creating client: %w", err)
	}
	// Tokens only ever come from the Authenticator.
	apiClient.ClearToken()
	apiClient.ClearNamespace()

	cache := NewTokenCache(cfg.SafetyMargin, cfg.Now)

	return &Client{
		api:       apiClient,
		auth:      newAuthenticator(apiClient, cache, cfg, log.WithSubsystem("auth")),
		mount:     cfg.KVMount,
		namespace: cfg.Namespace,
		logger:    log,
	}, nil
}

// Authenticator returns the client's token source.
func (c *Client) Authenticator() *Authenticator {
	return c.auth
}

// Start logs in eagerly so bad role credentials fail at startup.
func (c *Client) Start(ctx context.Context) error {
	return c.auth.Start(ctx)
}

// Stop ends background re-authentication.
func (c *Client) Stop() {
	c.auth.Stop()
}

func (c *Client) Address() string {
	return c.api.Address()
}

func (c *Client) Mount() string {
	return c.mount
}

// session returns a per-call copy of the api client carrying the namespace
// and a freshly resolved token.
func (c *Client) session(ctx context.Context) (*vaultapi.Client, error) {
	token, err := c.auth.EnsureToken(ctx)
	if err != nil {
		return nil, err
	}
	s := c.api.WithNamespace(c.namespace)
	s.SetToken(token)
	return s, nil
}

func (c *Client) dataPath(path string) string {
	return c.mount + "/data/" + strings.Trim(path, "/")
}

func (c *Client) metadataPath(path string) string {
	p := strings.Trim(path, "/")
	if p == "" {
		return c.mount + "/metadata"
	}
	return c.mount + "/metadata/" + p
}

// Read returns the latest version at path. A path that never held data, or
// whose latest version is deleted, yields ErrNotFound.
func (c *Client) Read(ctx context.Context, path string) (*SecretRecord, error) {
	s, err := c.session(ctx)
	if err != nil {
		return nil, err
	}

	secret, err := s.Logical().ReadWithContext(ctx, c.dataPath(path))
	if err != nil {
		return nil, classify("read", path, ErrStore, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, &Error{Kind: ErrNotFound, Op: "read", Path: path}
	}
	data, ok := secret.Data["data"].(map[string]any)
	if !ok || data == nil {
		return nil, &Error{Kind: ErrNotFound, Op: "read", Path: path}
	}

	record := &SecretRecord{Path: path, Data: data}
	if meta, ok := secret.Data["metadata"].(map[string]any); ok {
		if err := parseMetadata(record, meta); err != nil {
			return nil, &Error{Kind: ErrStore, Op: "read", Path: path, Err: err}
		}
	}

	c.logger.Debug("secret read",
		logger.String("path", path),
		logger.Int("version", record.Version),
		logger.Strings("keys", record.Keys()))
	return record, nil
}

// Create writes data only if path holds no versions yet. Existing data yields
// ErrConflict.
func (c *Client) Create(ctx context.Context, path string, data map[string]any) (int, error) {
	return c.write(ctx, "create", path, data, 0)
}

// Replace writes data only if the current version is still version.
// Every write is check-and-set; the store never sees a blind overwrite.
func (c *Client) Replace(ctx context.Context, path string, data map[string]any, version int) (int, error) {
	return c.write(ctx, "replace", path, data, version)
}

func (c *Client) write(ctx context.Context, op, path string, data map[string]any, cas int) (int, error) {
	s, err := c.session(ctx)
	if err != nil {
		return 0, err
	}

	body := map[string]any{
		"data":    data,
		"options": map[string]any{"cas": cas},
	}

	secret, err := s.Logical().WriteWithContext(ctx, c.dataPath(path), body)
	if err != nil {
		return 0, classify(op, path, ErrStore, err)
	}

	version := 0
	if secret != nil && secret.Data != nil {
		if raw, ok := secret.Data["version"]; ok {
			v, err := parseutil.ParseInt(raw)
			if err != nil {
				return 0, &Error{Kind: ErrStore, Op: op, Path: path, Err: fmt.Errorf("parsing version: %w", err)}
			}
			version = int(v)
		}
	}

	c.logger.Debug("secret written",
		logger.String("op", op),
		logger.String("path", path),
		logger.Int("version", version),
		logger.Strings("keys", keysOf(data)))
	return version, nil
}

// CurrentVersion returns the newest version number at path, deleted or not.
func (c *Client) CurrentVersion(ctx context.Context, path string) (int, error) {
	s, err := c.session(ctx)
	if err != nil {
		return 0, err
	}

	secret, err := s.Logical().ReadWithContext(ctx, c.metadataPath(path))
	if err != nil {
		return 0, classify("metadata", path, ErrStore, err)
	}
	if secret == nil || secret.Data == nil {
		return 0, &Error{Kind: ErrNotFound, Op: "metadata", Path: path}
	}
	v, err := parseutil.ParseInt(secret.Data["current_version"])
	if err != nil {
		return 0, &Error{Kind: ErrStore, Op: "metadata", Path: path, Err: fmt.Errorf("parsing current_version: %w", err)}
	}
	return int(v), nil
}

// Delete removes the latest version at path. A path with no data is not an
// error.
func (c *Client) Delete(ctx context.Context, path string) error {
	s, err := c.session(ctx)
	if err != nil {
		return err
	}

	if _, err := s.Logical().DeleteWithContext(ctx, c.dataPath(path)); err != nil {
		err = classify("delete", path, ErrStore, err)
		if IsNotFound(err) {
			c.logger.Debug("secret already absent", logger.String("path", path))
			return nil
		}
		return err
	}

	c.logger.Debug("secret deleted", logger.String("path", path))
	return nil
}

// List returns the child names under prefix in the order the store reports
// them. Folders keep their trailing "/".
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	s, err := c.session(ctx)
	if err != nil {
		return nil, err
	}

	secret, err := s.Logical().ListWithContext(ctx, c.metadataPath(prefix))
	if err != nil {
		err = classify("list", prefix, ErrStore, err)
		if IsNotFound(err) {
			return []string{}, nil
		}
		return nil, err
	}
	if secret == nil || secret.Data == nil {
		return []string{}, nil
	}

	raw, ok := secret.Data["keys"].([]any)
	if !ok {
		return []string{}, nil
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		if name, ok := k.(string); ok {
			keys = append(keys, name)
		}
	}
	return keys, nil
}

// Health reports the store's seal and version status.
func (c *Client) Health(ctx context.Context) (*vaultapi.HealthResponse, error) {
	health, err := c.api.WithNamespace("").Sys().HealthWithContext(ctx)
	if err != nil {
		return nil, classify("health", "", ErrStore, err)
	}
	return health, nil
}

func parseMetadata(record *SecretRecord, meta map[string]any) error {
	if raw, ok := meta["version"]; ok && raw != nil {
		v, err := parseutil.ParseInt(raw)
		if err != nil {
			return fmt.Errorf("parsing version: %w", err)
		}
		record.Version = int(v)
	}
	if raw, ok := meta["created_time"].(string); ok && raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return fmt.Errorf("parsing created_time: %w", err)
		}
		record.CreatedTime = t
	}
	return nil
}

// classify is the single place where store responses become error kinds.
// kind is used for anything that is neither missing data nor a lost
// check-and-set.
func classify(op, path string, kind, err error) error {
	e := &Error{Kind: kind, Op: op, Path: path, Err: err}

	var respErr *vaultapi.ResponseError
	if errors.As(err, &respErr) {
		e.StatusCode = respErr.StatusCode
		e.Body = strings.Join(respErr.Errors, "; ")

		switch {
		case kind == ErrAuthentication:
		case respErr.StatusCode == 404:
			e.Kind = ErrNotFound
		case respErr.StatusCode == 409:
			e.Kind = ErrConflict
		case respErr.StatusCode == 400 && strings.Contains(e.Body, casMismatch):
			e.Kind = ErrConflict
		}
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		e.Timeout = true
	}
	return e
}

func keysOf(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
