package app

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	oauth "github.com/giantswarm/sso-core"
	"github.com/giantswarm/sso-core/batch"
	"github.com/giantswarm/sso-core/keys"
	"github.com/giantswarm/sso-core/security"
	"github.com/giantswarm/sso-core/server"
	ssoredis "github.com/giantswarm/sso-core/storage/redis"
)

// envPrefix prefixes every environment override, e.g. SSO_TOKENS_ACCESS_TTL.
const envPrefix = "SSO"

const (
	storageMemory = "memory"
	storageSQLite = "sqlite"

	noncesStore = "store"
	noncesRedis = "redis"
)

// Config is the daemon configuration as read from file, environment and flags.
type Config struct {
	Address            string `mapstructure:"address"`
	Issuer             string `mapstructure:"issuer"`
	Catalog            string `mapstructure:"catalog"`
	EncryptionKey      string `mapstructure:"encryption_key"`
	ConfirmationSecret string `mapstructure:"confirmation_secret"`

	Log       LogConfig       `mapstructure:"log"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Nonces    NonceConfig     `mapstructure:"nonces"`
	Tokens    TokenConfig     `mapstructure:"tokens"`
	Emergency EmergencyConfig `mapstructure:"emergency"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	ProxyAuth ProxyAuthConfig `mapstructure:"proxy_auth"`
	Keys      KeysConfig      `mapstructure:"keys"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Audit     AuditConfig     `mapstructure:"audit"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type StorageConfig struct {
	Backend          string        `mapstructure:"backend"`
	SQLitePath       string        `mapstructure:"sqlite_path"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`
	RevokedRetention time.Duration `mapstructure:"revoked_retention"`
}

// NonceConfig selects where consumed nonces live. "store" keeps them in the
// main storage backend; "redis" shares them between replicas.
type NonceConfig struct {
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addrs      []string `mapstructure:"addrs"`
	MasterName string   `mapstructure:"master_name"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	DB         int      `mapstructure:"db"`
	KeyPrefix  string   `mapstructure:"key_prefix"`
}

type TokenConfig struct {
	CodeTTL           time.Duration `mapstructure:"code_ttl"`
	AccessTTL         time.Duration `mapstructure:"access_ttl"`
	RefreshTTL        time.Duration `mapstructure:"refresh_ttl"`
	RotationGrace     time.Duration `mapstructure:"rotation_grace"`
	RequirePKCE       bool          `mapstructure:"require_pkce"`
	AllowPKCEPlain    bool          `mapstructure:"allow_pkce_plain"`
	RapidSwitchWindow time.Duration `mapstructure:"rapid_switch_window"`
	ClockSkew         time.Duration `mapstructure:"clock_skew"`
}

type EmergencyConfig struct {
	ExcludeAdminSessions  bool `mapstructure:"exclude_admin_sessions"`
	PreserveServiceTokens bool `mapstructure:"preserve_service_tokens"`
}

type HTTPConfig struct {
	LoginURL           string        `mapstructure:"login_url"`
	ConsentURL         string        `mapstructure:"consent_url"`
	AdminScope         string        `mapstructure:"admin_scope"`
	InsecureCookies    bool          `mapstructure:"insecure_cookies"`
	TrustProxy         bool          `mapstructure:"trust_proxy"`
	TrustedProxyCount  int           `mapstructure:"trusted_proxy_count"`
	TokenRate          float64       `mapstructure:"token_rate"`
	TokenBurst         int           `mapstructure:"token_burst"`
	JobSubmissionLimit int           `mapstructure:"job_submission_limit"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
}

// ProxyAuthConfig names the headers an authenticating reverse proxy sets.
type ProxyAuthConfig struct {
	UserHeader     string `mapstructure:"user_header"`
	GroupsHeader   string `mapstructure:"groups_header"`
	AuthTimeHeader string `mapstructure:"auth_time_header"`
	AdminGroup     string `mapstructure:"admin_group"`
}

type KeysConfig struct {
	Bits             int           `mapstructure:"bits"`
	RotationInterval time.Duration `mapstructure:"rotation_interval"`
	Overlap          time.Duration `mapstructure:"overlap"`
	RefreshInterval  time.Duration `mapstructure:"refresh_interval"`
}

type RegistryConfig struct {
	ReloadInterval time.Duration `mapstructure:"reload_interval"`
}

type BatchConfig struct {
	Workers      int           `mapstructure:"workers"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type AuditConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func setDefaults(v *viper.Viper) {
	sc := server.DefaultConfig()
	hc := oauth.DefaultConfig()

	v.SetDefault("config", "")
	v.SetDefault("address", ":8080")
	v.SetDefault("issuer", "")
	v.SetDefault("catalog", "")
	v.SetDefault("encryption_key", "")
	v.SetDefault("confirmation_secret", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("storage.backend", storageMemory)
	v.SetDefault("storage.sqlite_path", "ssod.db")
	v.SetDefault("storage.cleanup_interval", 5*time.Minute)
	v.SetDefault("storage.revoked_retention", 90*24*time.Hour)

	v.SetDefault("nonces.backend", noncesStore)
	v.SetDefault("nonces.redis.addrs", []string{})
	v.SetDefault("nonces.redis.master_name", "")
	v.SetDefault("nonces.redis.username", "")
	v.SetDefault("nonces.redis.password", "")
	v.SetDefault("nonces.redis.db", 0)
	v.SetDefault("nonces.redis.key_prefix", ssoredis.DefaultKeyPrefix)

	v.SetDefault("tokens.code_ttl", seconds(sc.AuthorizationCodeTTL))
	v.SetDefault("tokens.access_ttl", seconds(sc.AccessTokenTTL))
	v.SetDefault("tokens.refresh_ttl", seconds(sc.RefreshTokenTTL))
	v.SetDefault("tokens.rotation_grace", seconds(sc.RotationGraceSeconds))
	v.SetDefault("tokens.require_pkce", sc.RequirePKCE)
	v.SetDefault("tokens.allow_pkce_plain", sc.AllowPKCEPlain)
	v.SetDefault("tokens.rapid_switch_window", seconds(sc.RapidSwitchWindow))
	v.SetDefault("tokens.clock_skew", seconds(sc.ClockSkewGracePeriod))

	v.SetDefault("emergency.exclude_admin_sessions", sc.ExcludeAdminSessions)
	v.SetDefault("emergency.preserve_service_tokens", sc.PreserveServiceTokens)

	v.SetDefault("http.login_url", "")
	v.SetDefault("http.consent_url", "")
	v.SetDefault("http.admin_scope", hc.AdminScope)
	v.SetDefault("http.insecure_cookies", false)
	v.SetDefault("http.trust_proxy", false)
	v.SetDefault("http.trusted_proxy_count", 0)
	v.SetDefault("http.token_rate", hc.RateLimit.Rate)
	v.SetDefault("http.token_burst", hc.RateLimit.Burst)
	v.SetDefault("http.job_submission_limit", hc.JobSubmissionLimit)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.shutdown_timeout", 30*time.Second)

	v.SetDefault("proxy_auth.user_header", oauth.DefaultUserHeader)
	v.SetDefault("proxy_auth.groups_header", oauth.DefaultGroupsHeader)
	v.SetDefault("proxy_auth.auth_time_header", oauth.DefaultAuthTimeHeader)
	v.SetDefault("proxy_auth.admin_group", "")

	v.SetDefault("keys.bits", keys.DefaultKeyBits)
	v.SetDefault("keys.rotation_interval", keys.DefaultRotationInterval)
	v.SetDefault("keys.overlap", keys.DefaultOverlap)
	v.SetDefault("keys.refresh_interval", keys.DefaultRefreshInterval)

	v.SetDefault("registry.reload_interval", time.Minute)

	v.SetDefault("batch.workers", batch.DefaultWorkers)
	v.SetDefault("batch.poll_interval", batch.DefaultPollInterval)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("audit.enabled", true)
}

// loadConfig merges defaults, the config file named by the "config" key,
// SSO_* environment variables and bound flags, in increasing precedence.
func loadConfig(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &c, nil
}

func (c *Config) validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log format must be text or json, got %q", c.Log.Format)
	}

	switch c.Storage.Backend {
	case storageMemory:
	case storageSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	switch c.Nonces.Backend {
	case noncesStore:
	case noncesRedis:
		if len(c.Nonces.Redis.Addrs) == 0 {
			return fmt.Errorf("nonces.redis.addrs is required for the redis nonce backend")
		}
	default:
		return fmt.Errorf("unknown nonce backend %q", c.Nonces.Backend)
	}

	if c.EncryptionKey != "" {
		if _, err := security.KeyFromBase64(c.EncryptionKey); err != nil {
			return fmt.Errorf("encryption_key: %w", err)
		}
	}
	if c.ConfirmationSecret != "" && len(c.ConfirmationSecret) < 32 {
		return fmt.Errorf("confirmation_secret must be at least 32 bytes")
	}
	return nil
}

func (c *Config) serverConfig() server.Config {
	return server.Config{
		Issuer:                c.Issuer,
		AuthorizationCodeTTL:  int64(c.Tokens.CodeTTL / time.Second),
		AccessTokenTTL:        int64(c.Tokens.AccessTTL / time.Second),
		RefreshTokenTTL:       int64(c.Tokens.RefreshTTL / time.Second),
		RotationGraceSeconds:  int64(c.Tokens.RotationGrace / time.Second),
		ExcludeAdminSessions:  c.Emergency.ExcludeAdminSessions,
		PreserveServiceTokens: c.Emergency.PreserveServiceTokens,
		RequirePKCE:           c.Tokens.RequirePKCE,
		AllowPKCEPlain:        c.Tokens.AllowPKCEPlain,
		RapidSwitchWindow:     int64(c.Tokens.RapidSwitchWindow / time.Second),
		ClockSkewGracePeriod:  int64(c.Tokens.ClockSkew / time.Second),
	}
}

func (c *Config) handlerConfig() oauth.Config {
	return oauth.Config{
		LoginURL:        c.HTTP.LoginURL,
		ConsentURL:      c.HTTP.ConsentURL,
		AdminScope:      c.HTTP.AdminScope,
		InsecureCookies: c.HTTP.InsecureCookies,
		RateLimit: oauth.RateLimitConfig{
			Rate:  c.HTTP.TokenRate,
			Burst: c.HTTP.TokenBurst,
		},
		JobSubmissionLimit: c.HTTP.JobSubmissionLimit,
		TrustProxy:         c.HTTP.TrustProxy,
		TrustedProxyCount:  c.HTTP.TrustedProxyCount,
	}
}

func (c *Config) keysConfig() keys.Config {
	return keys.Config{
		KeyBits:          c.Keys.Bits,
		RotationInterval: c.Keys.RotationInterval,
		Overlap:          c.Keys.Overlap,
		RefreshInterval:  c.Keys.RefreshInterval,
	}
}

func (c *Config) batchConfig() batch.Config {
	return batch.Config{
		Workers:               c.Batch.Workers,
		ExcludeAdminSessions:  c.Emergency.ExcludeAdminSessions,
		PreserveServiceTokens: c.Emergency.PreserveServiceTokens,
		PollInterval:          c.Batch.PollInterval,
	}
}

func (c *Config) redisConfig() ssoredis.Config {
	return ssoredis.Config{
		Addrs:      c.Nonces.Redis.Addrs,
		MasterName: c.Nonces.Redis.MasterName,
		Username:   c.Nonces.Redis.Username,
		Password:   c.Nonces.Redis.Password,
		DB:         c.Nonces.Redis.DB,
		KeyPrefix:  c.Nonces.Redis.KeyPrefix,
	}
}

func (c *Config) authenticator() oauth.HeaderAuthenticator {
	return oauth.HeaderAuthenticator{
		UserHeader:     c.ProxyAuth.UserHeader,
		GroupsHeader:   c.ProxyAuth.GroupsHeader,
		AuthTimeHeader: c.ProxyAuth.AuthTimeHeader,
		AdminGroup:     c.ProxyAuth.AdminGroup,
	}
}

func seconds(n int64) time.Duration {
	return time.Duration(n) * time.Second
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

func newLogger(c LogConfig, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// bindFlag binds a flag to a configuration key so that an explicitly set
// flag overrides the file and the environment.
func bindFlag(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %s: %v", flag.Name, err))
	}
}
