// Package config loads game and server parameters from YAML with
// environment overrides, and draws per-game values from configured ranges.
package config

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/powermarket/internal/auction"
	"github.com/atmx/powermarket/internal/balancing"
	"github.com/atmx/powermarket/internal/ledger"
	"github.com/atmx/powermarket/internal/poslimit"
	"github.com/atmx/powermarket/internal/tariffmarket"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the on-disk configuration shape (YAML).
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Clock      ClockConfig      `yaml:"clock"`
	Brokers    []BrokerConfig   `yaml:"brokers"`
	Accounting AccountingConfig `yaml:"accounting"`
	Wholesale  WholesaleConfig  `yaml:"wholesale"`
	Tariffs    TariffConfig     `yaml:"tariffs"`
	Balancing  BalancingConfig  `yaml:"balancing"`
}

type ServerConfig struct {
	Port     string `yaml:"port"`
	RedisURL string `yaml:"redis_url"`
	NATSURL  string `yaml:"nats_url"`
	Seed     uint64 `yaml:"seed"`
}

// ClockConfig places timeslot 0 at Start. TimeslotLength is the
// wall-clock time per simulated hour.
type ClockConfig struct {
	Start          time.Time     `yaml:"start"`
	TimeslotsOpen  int           `yaml:"timeslots_open"`
	TimeslotLength time.Duration `yaml:"timeslot_length"`
}

type BrokerConfig struct {
	Name      string `yaml:"name"`
	Wholesale bool   `yaml:"wholesale"`
}

// Range is a parameter drawn uniformly once per game unless Override is
// set.
type Range struct {
	Min      float64  `yaml:"min"`
	Max      float64  `yaml:"max"`
	Override *float64 `yaml:"override"`
}

type AccountingConfig struct {
	BankInterest Range `yaml:"bank_interest"`
}

type WholesaleConfig struct {
	SellerSurplusRatio   float64 `yaml:"seller_surplus_ratio"`
	SellerMaxMargin      float64 `yaml:"seller_max_margin"`
	DefaultMargin        float64 `yaml:"default_margin"`
	DefaultClearingPrice float64 `yaml:"default_clearing_price"`
	MinOrderQuantity     float64 `yaml:"min_order_quantity"`
	PositionLimitInitial float64 `yaml:"position_limit_initial"`
	PositionLimitFinal   float64 `yaml:"position_limit_final"`
}

type TariffConfig struct {
	PublicationFee      Range `yaml:"publication_fee"`
	RevocationFee       Range `yaml:"revocation_fee"`
	PublicationInterval int   `yaml:"publication_interval"`
	PublicationOffset   int   `yaml:"publication_offset"`

	// Default tariffs are owned by the first retail broker. Zero skips
	// the power type.
	DefaultConsumptionRate float64 `yaml:"default_consumption_rate"`
	DefaultProductionRate  float64 `yaml:"default_production_rate"`
}

type BalancingConfig struct {
	DistributionFee  float64 `yaml:"distribution_fee"`
	BalancingCost    Range   `yaml:"balancing_cost"`
	DefaultSpotPrice float64 `yaml:"default_spot_price"`
}

// Default returns the standard game parameters.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Seed: 1},
		Clock: ClockConfig{
			Start:          time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
			TimeslotsOpen:  24,
			TimeslotLength: 5 * time.Second,
		},
		Brokers: []BrokerConfig{
			{Name: "default"},
			{Name: "genco", Wholesale: true},
		},
		Accounting: AccountingConfig{BankInterest: Range{Min: 0.04, Max: 0.12}},
		Wholesale: WholesaleConfig{
			SellerSurplusRatio:   0.5,
			DefaultMargin:        0.05,
			DefaultClearingPrice: 40,
			MinOrderQuantity:     0.01,
			PositionLimitInitial: 90,
			PositionLimitFinal:   143,
		},
		Tariffs: TariffConfig{
			PublicationFee:         Range{Min: -500, Max: -100},
			RevocationFee:          Range{Min: -500, Max: -100},
			PublicationInterval:    6,
			DefaultConsumptionRate: -0.5,
			DefaultProductionRate:  0.01,
		},
		Balancing: BalancingConfig{
			DistributionFee:  -0.01,
			BalancingCost:    Range{Min: 0.01, Max: 0.03},
			DefaultSpotPrice: 30,
		},
	}
}

// FromEnv loads the file named by CONFIG_FILE, if any.
func FromEnv() (*Config, error) {
	return Load(os.Getenv("CONFIG_FILE"))
}

// Load reads path over Default, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, c); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := c.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ApplyEnv overrides server settings from PORT, REDIS_URL, NATS_URL and
// SIM_SEED.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := getenv("REDIS_URL"); v != "" {
		c.Server.RedisURL = v
	}
	if v := getenv("NATS_URL"); v != "" {
		c.Server.NATSURL = v
	}
	if v := getenv("SIM_SEED"); v != "" {
		seed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: SIM_SEED %q: %v", ErrInvalid, v, err)
		}
		c.Server.Seed = seed
	}
	return nil
}

// Validate checks parameter consistency.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	t := c.Tariffs
	check(t.PublicationInterval > 0 && 24%t.PublicationInterval == 0,
		"tariffs.publication_interval %d must divide 24", t.PublicationInterval)
	check(t.PublicationOffset >= 0 && t.PublicationOffset < t.PublicationInterval,
		"tariffs.publication_offset %d must be in [0, interval)", t.PublicationOffset)

	w := c.Wholesale
	check(w.SellerSurplusRatio >= 0 && w.SellerSurplusRatio <= 1,
		"wholesale.seller_surplus_ratio %v must be in [0, 1]", w.SellerSurplusRatio)
	check(w.SellerMaxMargin >= 0, "wholesale.seller_max_margin must not be negative")
	check(w.MinOrderQuantity >= 0, "wholesale.min_order_quantity must not be negative")
	check(w.PositionLimitInitial >= 0 && w.PositionLimitFinal >= 0, "wholesale position limits must not be negative")

	for name, r := range map[string]Range{
		"accounting.bank_interest": c.Accounting.BankInterest,
		"tariffs.publication_fee":  t.PublicationFee,
		"tariffs.revocation_fee":   t.RevocationFee,
		"balancing.balancing_cost": c.Balancing.BalancingCost,
	} {
		check(r.Min <= r.Max, "%s: min %v exceeds max %v", name, r.Min, r.Max)
	}
	check(t.PublicationFee.Max <= 0 && overrideAtMost(t.PublicationFee, 0), "tariffs.publication_fee must not be positive")
	check(t.RevocationFee.Max <= 0 && overrideAtMost(t.RevocationFee, 0), "tariffs.revocation_fee must not be positive")
	check(t.DefaultConsumptionRate <= 0, "tariffs.default_consumption_rate must not be positive")
	check(t.DefaultProductionRate >= 0, "tariffs.default_production_rate must not be negative")
	check(c.Balancing.DistributionFee <= 0, "balancing.distribution_fee must not be positive")
	check(c.Balancing.BalancingCost.Min >= 0, "balancing.balancing_cost must not be negative")

	check(c.Clock.TimeslotsOpen > 0, "clock.timeslots_open must be positive")
	check(c.Clock.TimeslotLength > 0, "clock.timeslot_length must be positive")

	seen := make(map[string]bool)
	for _, b := range c.Brokers {
		check(b.Name != "" && !seen[b.Name], "brokers: empty or duplicate name %q", b.Name)
		seen[b.Name] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func overrideAtMost(r Range, limit float64) bool {
	return r.Override == nil || *r.Override <= limit
}

// Draw returns the override or a uniform value in [Min, Max].
func (r Range) Draw(rng *rand.Rand) float64 {
	if r.Override != nil {
		return *r.Override
	}
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + rng.Float64()*(r.Max-r.Min)
}

// Params are the values drawn for one game.
type Params struct {
	BankInterest   decimal.Decimal
	PublicationFee decimal.Decimal
	RevocationFee  decimal.Decimal
	BalancingCost  decimal.Decimal
}

// Resolve draws the per-game parameters.
func (c *Config) Resolve(rng *rand.Rand) Params {
	return Params{
		BankInterest:   decimal.NewFromFloat(c.Accounting.BankInterest.Draw(rng)).Round(4),
		PublicationFee: decimal.NewFromFloat(c.Tariffs.PublicationFee.Draw(rng)).Round(2),
		RevocationFee:  decimal.NewFromFloat(c.Tariffs.RevocationFee.Draw(rng)).Round(2),
		BalancingCost:  decimal.NewFromFloat(c.Balancing.BalancingCost.Draw(rng)).Round(4),
	}
}

// NewRand returns the game's random source for Server.Seed.
func (c *Config) NewRand() *rand.Rand {
	return rand.New(rand.NewPCG(c.Server.Seed, c.Server.Seed^0x9e3779b97f4a7c15))
}

func (c *Config) LedgerConfig(p Params) ledger.Config {
	return ledger.Config{BankInterest: p.BankInterest}
}

func (c *Config) AuctionConfig() auction.Config {
	w := c.Wholesale
	return auction.Config{
		SellerSurplusRatio:   decimal.NewFromFloat(w.SellerSurplusRatio),
		SellerMaxMargin:      decimal.NewFromFloat(w.SellerMaxMargin),
		DefaultMargin:        decimal.NewFromFloat(w.DefaultMargin),
		DefaultClearingPrice: decimal.NewFromFloat(w.DefaultClearingPrice),
		MinOrderQuantity:     decimal.NewFromFloat(w.MinOrderQuantity),
	}
}

func (c *Config) TariffMarketConfig(p Params) tariffmarket.Config {
	return tariffmarket.Config{
		PublicationFee:      p.PublicationFee,
		RevocationFee:       p.RevocationFee,
		PublicationInterval: c.Tariffs.PublicationInterval,
		PublicationOffset:   c.Tariffs.PublicationOffset,
	}
}

func (c *Config) BalancingConfig(p Params) balancing.Config {
	return balancing.Config{
		DistributionFee:  decimal.NewFromFloat(c.Balancing.DistributionFee),
		BalancingCost:    p.BalancingCost,
		DefaultSpotPrice: decimal.NewFromFloat(c.Balancing.DefaultSpotPrice),
	}
}

func (c *Config) PositionLimiter() *poslimit.PositionLimiter {
	return poslimit.NewPositionLimiter(
		decimal.NewFromFloat(c.Wholesale.PositionLimitInitial),
		decimal.NewFromFloat(c.Wholesale.PositionLimitFinal),
		c.Clock.TimeslotsOpen)
}
