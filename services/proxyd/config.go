package proxyd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"stakeproxy/native/stakeproxy"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for proxyd.
type Config struct {
	ListenAddress string           `yaml:"listen"`
	LogLevel      string           `yaml:"log_level"`
	PauseOnStart  bool             `yaml:"pause"`
	Proxy         ProxyConfig      `yaml:"proxy"`
	Epoch         EpochConfig      `yaml:"epoch"`
	Pool          PoolConfig       `yaml:"pool"`
	Storage       StorageConfig    `yaml:"storage"`
	Journal       JournalConfig    `yaml:"journal"`
	Dispatcher    DispatcherConfig `yaml:"dispatcher"`
	Auth          AuthConfig       `yaml:"auth"`
	RateLimit     RateLimitConfig  `yaml:"rate_limit"`
	Wallet        WalletConfig     `yaml:"wallet"`
	Telemetry     TelemetryConfig  `yaml:"telemetry"`
	Admin         AdminConfig      `yaml:"admin"`
}

// ProxyConfig selects the engine variant and call budgets.
type ProxyConfig struct {
	Variant            string   `yaml:"variant"`
	GuardScope         string   `yaml:"guard_scope"`
	MinDepositAndStake string   `yaml:"min_deposit_and_stake"`
	StakeBudget        Duration `yaml:"stake_budget"`
	UnstakeBudget      Duration `yaml:"unstake_budget"`
	WithdrawBudget     Duration `yaml:"withdraw_budget"`
	QueryBudget        Duration `yaml:"query_budget"`
	PingInterval       Duration `yaml:"ping_interval"`
}

// EpochConfig anchors the time-based epoch clock.
type EpochConfig struct {
	Genesis string   `yaml:"genesis"`
	Length  Duration `yaml:"length"`

	genesis time.Time
}

// GenesisTime returns the parsed genesis timestamp.
func (e EpochConfig) GenesisTime() time.Time { return e.genesis }

// PoolConfig selects how the external pool is reached.
type PoolConfig struct {
	Mode            string   `yaml:"mode"`
	URL             string   `yaml:"url"`
	BearerToken     string   `yaml:"bearer_token"`
	BearerTokenFile string   `yaml:"bearer_token_file"`
	CAFile          string   `yaml:"ca_file"`
	AllowInsecure   bool     `yaml:"allow_insecure"`
	Timeout         Duration `yaml:"timeout"`
	UnlockEpochs    uint64   `yaml:"unlock_epochs"`
}

// StorageConfig selects the ledger backend.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// JournalConfig configures the operation journal database.
type JournalConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	DSNEnv string `yaml:"dsn_env"`
}

// DispatcherConfig sizes the pool call dispatcher.
type DispatcherConfig struct {
	Workers      int      `yaml:"workers"`
	Queue        int      `yaml:"queue"`
	DrainTimeout Duration `yaml:"drain_timeout"`
}

// AuthConfig captures JWT settings for user routes.
type AuthConfig struct {
	HMACSecret     string   `yaml:"hmac_secret"`
	HMACSecretEnv  string   `yaml:"hmac_secret_env"`
	HMACSecretFile string   `yaml:"hmac_secret_file"`
	Issuer         string   `yaml:"issuer"`
	Audience       string   `yaml:"audience"`
	ClockSkew      Duration `yaml:"clock_skew"`
}

// RateLimitConfig bounds per-caller request rates.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// WalletConfig configures the custody wallet. Only the in-memory wallet is
// built in; Fund seeds external balances for local runs.
type WalletConfig struct {
	Mode string            `yaml:"mode"`
	Fund map[string]string `yaml:"fund"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
	SampleRatio float64           `yaml:"sample_ratio"`
}

// AdminConfig captures security settings for the admin API.
type AdminConfig struct {
	BearerToken     string         `yaml:"bearer_token"`
	BearerTokenFile string         `yaml:"bearer_token_file"`
	MTLS            MTLSConfig     `yaml:"mtls"`
	TLS             AdminTLSConfig `yaml:"tls"`
}

// MTLSConfig controls mutual TLS verification.
type MTLSConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ClientCAPath string `yaml:"client_ca"`
}

// AdminTLSConfig configures TLS certificates for the listener.
type AdminTLSConfig struct {
	Disable  bool   `yaml:"disable"`
	CertPath string `yaml:"cert"`
	KeyPath  string `yaml:"key"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	return finalise(cfg)
}

func finalise(cfg Config) (Config, error) {
	applyDefaults(&cfg)
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("auth: %w", err)
	}
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := cfg.Pool.normalise(); err != nil {
		return cfg, fmt.Errorf("pool: %w", err)
	}
	if err := cfg.Journal.normalise(); err != nil {
		return cfg, fmt.Errorf("journal: %w", err)
	}
	if err := cfg.Epoch.normalise(); err != nil {
		return cfg, fmt.Errorf("epoch: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Proxy.Variant == "" {
		cfg.Proxy.Variant = stakeproxy.VariantDirect.String()
	}
	if cfg.Proxy.GuardScope == "" {
		cfg.Proxy.GuardScope = stakeproxy.GuardScopeAccount.String()
	}
	if cfg.Proxy.PingInterval.Duration == 0 {
		cfg.Proxy.PingInterval.Duration = time.Minute
	}
	defaults := stakeproxy.DefaultParams()
	if cfg.Proxy.MinDepositAndStake == "" {
		cfg.Proxy.MinDepositAndStake = defaults.MinDepositAndStake.Dec()
	}
	if cfg.Proxy.StakeBudget.Duration == 0 {
		cfg.Proxy.StakeBudget.Duration = defaults.StakeBudget
	}
	if cfg.Proxy.UnstakeBudget.Duration == 0 {
		cfg.Proxy.UnstakeBudget.Duration = defaults.UnstakeBudget
	}
	if cfg.Proxy.WithdrawBudget.Duration == 0 {
		cfg.Proxy.WithdrawBudget.Duration = defaults.WithdrawBudget
	}
	if cfg.Proxy.QueryBudget.Duration == 0 {
		cfg.Proxy.QueryBudget.Duration = defaults.QueryBudget
	}
	if cfg.Epoch.Length.Duration == 0 {
		cfg.Epoch.Length.Duration = 12 * time.Hour
	}
	if cfg.Pool.Mode == "" {
		cfg.Pool.Mode = "simulator"
	}
	if cfg.Pool.Timeout.Duration == 0 {
		cfg.Pool.Timeout.Duration = 15 * time.Second
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	if cfg.Journal.Driver == "" {
		cfg.Journal.Driver = "sqlite"
	}
	if cfg.Dispatcher.Workers <= 0 {
		cfg.Dispatcher.Workers = 4
	}
	if cfg.Dispatcher.Queue <= 0 {
		cfg.Dispatcher.Queue = 256
	}
	if cfg.Dispatcher.DrainTimeout.Duration == 0 {
		cfg.Dispatcher.DrainTimeout.Duration = 30 * time.Second
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Wallet.Mode == "" {
		cfg.Wallet.Mode = "memory"
	}
	if cfg.Wallet.Fund == nil {
		cfg.Wallet.Fund = map[string]string{}
	}
	if cfg.Telemetry.SampleRatio <= 0 {
		cfg.Telemetry.SampleRatio = 1
	}
}

func validateConfig(cfg Config) error {
	if _, err := cfg.Params(); err != nil {
		return err
	}
	switch cfg.Pool.Mode {
	case "simulator":
	case "rpc":
		if cfg.Pool.URL == "" {
			return fmt.Errorf("pool url must be configured in rpc mode")
		}
	default:
		return fmt.Errorf("unsupported pool mode %q", cfg.Pool.Mode)
	}
	switch cfg.Storage.Backend {
	case "memory":
	case "leveldb":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("storage path must be configured for leveldb")
		}
	default:
		return fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
	switch cfg.Journal.Driver {
	case "none":
	case "sqlite", "postgres":
		if cfg.Journal.DSN == "" {
			return fmt.Errorf("journal dsn must be configured for %s", cfg.Journal.Driver)
		}
	default:
		return fmt.Errorf("unsupported journal driver %q", cfg.Journal.Driver)
	}
	if cfg.Wallet.Mode != "memory" {
		return fmt.Errorf("unsupported wallet mode %q", cfg.Wallet.Mode)
	}
	for account, amount := range cfg.Wallet.Fund {
		if _, err := uint256.FromDecimal(strings.TrimSpace(amount)); err != nil {
			return fmt.Errorf("wallet fund %s: %w", account, err)
		}
	}
	if cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth hmac secret must be configured")
	}
	if cfg.Admin.BearerToken == "" && !cfg.Admin.MTLS.Enabled {
		return fmt.Errorf("configure either bearer_token or mTLS for admin authentication")
	}
	if cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry sample_ratio must be within (0,1]")
	}
	return nil
}

// Params converts the proxy section into engine parameters.
func (c Config) Params() (stakeproxy.Params, error) {
	params := stakeproxy.DefaultParams()
	variant, err := stakeproxy.ParseVariant(c.Proxy.Variant)
	if err != nil {
		return params, err
	}
	scope, err := stakeproxy.ParseGuardScope(c.Proxy.GuardScope)
	if err != nil {
		return params, err
	}
	minimum, err := uint256.FromDecimal(strings.TrimSpace(c.Proxy.MinDepositAndStake))
	if err != nil {
		return params, fmt.Errorf("min_deposit_and_stake: %w", err)
	}
	params.Variant = variant
	params.GuardScope = scope
	params.MinDepositAndStake = minimum
	params.StakeBudget = c.Proxy.StakeBudget.Duration
	params.UnstakeBudget = c.Proxy.UnstakeBudget.Duration
	params.WithdrawBudget = c.Proxy.WithdrawBudget.Duration
	params.QueryBudget = c.Proxy.QueryBudget.Duration
	return params, nil
}

// readSecret resolves a secret from its inline value, an environment variable
// or a file, in that order.
func readSecret(name, inline, env, path string) (string, error) {
	if value := strings.TrimSpace(inline); value != "" {
		return value, nil
	}
	if env = strings.TrimSpace(env); env != "" {
		value := strings.TrimSpace(os.Getenv(env))
		if value == "" {
			return "", fmt.Errorf("%s env %s is empty", name, env)
		}
		return value, nil
	}
	if path = strings.TrimSpace(path); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read %s file: %w", name, err)
		}
		return strings.TrimSpace(string(contents)), nil
	}
	return "", nil
}

func (a *AuthConfig) normalise() error {
	secret, err := readSecret("hmac_secret", a.HMACSecret, a.HMACSecretEnv, a.HMACSecretFile)
	if err != nil {
		return err
	}
	a.HMACSecret = secret
	a.Issuer = strings.TrimSpace(a.Issuer)
	a.Audience = strings.TrimSpace(a.Audience)
	return nil
}

func (p *PoolConfig) normalise() error {
	p.Mode = strings.ToLower(strings.TrimSpace(p.Mode))
	p.URL = strings.TrimSpace(p.URL)
	p.CAFile = strings.TrimSpace(p.CAFile)
	token, err := readSecret("pool bearer_token", p.BearerToken, "", p.BearerTokenFile)
	if err != nil {
		return err
	}
	p.BearerToken = token
	return nil
}

func (j *JournalConfig) normalise() error {
	j.Driver = strings.ToLower(strings.TrimSpace(j.Driver))
	dsn, err := readSecret("journal dsn", j.DSN, j.DSNEnv, "")
	if err != nil {
		return err
	}
	if dsn == "" && j.Driver == "sqlite" {
		dsn = "file:proxyd-journal?mode=memory&cache=shared"
	}
	j.DSN = dsn
	return nil
}

func (e *EpochConfig) normalise() error {
	raw := strings.TrimSpace(e.Genesis)
	if raw == "" {
		e.genesis = time.Unix(0, 0).UTC()
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return fmt.Errorf("parse genesis: %w", err)
	}
	e.genesis = parsed.UTC()
	return nil
}

func (a *AdminConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("admin configuration missing")
	}
	token, err := readSecret("bearer_token", a.BearerToken, "", a.BearerTokenFile)
	if err != nil {
		return err
	}
	a.BearerToken = token
	a.MTLS.ClientCAPath = strings.TrimSpace(a.MTLS.ClientCAPath)
	a.TLS.CertPath = strings.TrimSpace(a.TLS.CertPath)
	a.TLS.KeyPath = strings.TrimSpace(a.TLS.KeyPath)
	if a.TLS.CertPath == "" && a.TLS.KeyPath == "" {
		a.TLS.Disable = true
	}
	if !a.TLS.Disable {
		if a.TLS.CertPath == "" {
			return fmt.Errorf("tls.cert must be configured when TLS is enabled")
		}
		if a.TLS.KeyPath == "" {
			return fmt.Errorf("tls.key must be configured when TLS is enabled")
		}
	}
	if a.MTLS.Enabled && a.TLS.Disable {
		return fmt.Errorf("mTLS requires TLS to be enabled")
	}
	return nil
}
