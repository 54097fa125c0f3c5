package poolsim

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/holiman/uint256"

	"stakeproxy/native/stakeproxy/pool"
)

// Config captures the runtime configuration for the pool simulator.
type Config struct {
	ListenAddress  string `toml:"ListenAddress"`
	BearerToken    string `toml:"BearerToken"`
	AdminToken     string `toml:"AdminToken"`
	SharePrice     string `toml:"SharePrice"`
	FeeBasisPoints uint16 `toml:"FeeBasisPoints"`
	UnlockEpochs   uint64 `toml:"UnlockEpochs"`
	EpochGenesis   string `toml:"EpochGenesis"`
	EpochLength    string `toml:"EpochLength"`
	LogLevel       string `toml:"LogLevel"`
}

// Load loads the configuration from path, writing a default file when none
// exists yet.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0].String())
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		ListenAddress:  ":7091",
		SharePrice:     pool.PriceDenominator().Dec(),
		FeeBasisPoints: 400,
		UnlockEpochs:   4,
		EpochGenesis:   time.Unix(0, 0).UTC().Format(time.RFC3339),
		EpochLength:    "12h",
		LogLevel:       "info",
	}
}

func applyDefaults(cfg *Config) {
	def := defaultConfig()
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = def.ListenAddress
	}
	if strings.TrimSpace(cfg.SharePrice) == "" {
		cfg.SharePrice = def.SharePrice
	}
	if cfg.UnlockEpochs == 0 {
		cfg.UnlockEpochs = def.UnlockEpochs
	}
	if strings.TrimSpace(cfg.EpochGenesis) == "" {
		cfg.EpochGenesis = def.EpochGenesis
	}
	if strings.TrimSpace(cfg.EpochLength) == "" {
		cfg.EpochLength = def.EpochLength
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = def.LogLevel
	}
}

// Validate checks the parsed values.
func (c *Config) Validate() error {
	price, err := c.Price()
	if err != nil {
		return err
	}
	if price.IsZero() {
		return fmt.Errorf("SharePrice must be positive")
	}
	if c.FeeBasisPoints > 10_000 {
		return fmt.Errorf("FeeBasisPoints must not exceed 10000")
	}
	if _, err := c.Genesis(); err != nil {
		return err
	}
	length, err := c.Length()
	if err != nil {
		return err
	}
	if length <= 0 {
		return fmt.Errorf("EpochLength must be positive")
	}
	return nil
}

// Price returns the configured initial share price.
func (c *Config) Price() (*uint256.Int, error) {
	price, err := uint256.FromDecimal(strings.TrimSpace(c.SharePrice))
	if err != nil {
		return nil, fmt.Errorf("SharePrice: %w", err)
	}
	return price, nil
}

// Genesis returns the parsed epoch genesis time.
func (c *Config) Genesis() (time.Time, error) {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(c.EpochGenesis))
	if err != nil {
		return time.Time{}, fmt.Errorf("EpochGenesis: %w", err)
	}
	return t.UTC(), nil
}

// Length returns the parsed epoch length.
func (c *Config) Length() (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(c.EpochLength))
	if err != nil {
		return 0, fmt.Errorf("EpochLength: %w", err)
	}
	return d, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := defaultConfig()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
