// Package config loads the network and route topology from a YAML file and applies environment
// overrides. Secrets are referenced by name only.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/kelseyhightower/envconfig"
	yaml "gopkg.in/yaml.v2"

	"github.com/usdc-relay/cctp-orchestrator/internal/attestation"
	"github.com/usdc-relay/cctp-orchestrator/internal/orchestrator"
	"github.com/usdc-relay/cctp-orchestrator/internal/poll"
	"github.com/usdc-relay/cctp-orchestrator/internal/router"
)

// EnvPrefix prefixes every override, e.g. CCTP_ATTESTATION_URL.
const EnvPrefix = "CCTP"

var ErrInvalidConfig = errors.New("config: invalid config")

// Duration accepts Go duration strings in YAML and in the environment.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.Decode(s)
}

// Decode implements envconfig.Decoder.
func (d *Duration) Decode(s string) error {
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type PollConfig struct {
	Interval    Duration `yaml:"interval" envconfig:"INTERVAL"`
	Timeout     Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	Backoff     float64  `yaml:"backoff" envconfig:"BACKOFF"`
	MaxInterval Duration `yaml:"max_interval" envconfig:"MAX_INTERVAL"`
}

func (p PollConfig) Policy(def poll.Policy) poll.Policy {
	if p.Interval == 0 && p.Timeout == 0 {
		return def
	}
	return poll.Policy{
		Interval:    p.Interval.Std(),
		Timeout:     p.Timeout.Std(),
		Backoff:     p.Backoff,
		MaxInterval: p.MaxInterval.Std(),
	}
}

type Attestation struct {
	URL              string     `yaml:"url" envconfig:"URL"`
	RatePerSecond    float64    `yaml:"rate_per_second" envconfig:"RATE_PER_SECOND"`
	Burst            int        `yaml:"burst" envconfig:"BURST"`
	BreakerThreshold uint32     `yaml:"breaker_threshold" envconfig:"BREAKER_THRESHOLD"`
	CacheSize        int        `yaml:"cache_size" envconfig:"CACHE_SIZE"`
	Poll             PollConfig `yaml:"poll" envconfig:"POLL"`
}

type Confirmation struct {
	Depth uint64     `yaml:"depth" envconfig:"DEPTH"`
	Poll  PollConfig `yaml:"poll" envconfig:"POLL"`
}

type Router struct {
	URL           string  `yaml:"url" envconfig:"URL"`
	IntegratorID  string  `yaml:"integrator_id" envconfig:"INTEGRATOR_ID"`
	RatePerSecond float64 `yaml:"rate_per_second" envconfig:"RATE_PER_SECOND"`
}

type Network struct {
	Name         string `yaml:"name"`
	ChainID      int64  `yaml:"chain_id"`
	RPCURL       string `yaml:"rpc_url"`
	SignerSecret string `yaml:"signer_secret"`
	// GasLimitMultiplier scales estimates; 0 uses the invoker default.
	GasLimitMultiplier float64 `yaml:"gas_limit_multiplier"`
	MinTipWei          string  `yaml:"min_tip_wei"`
}

type BurnRoute struct {
	Source                 string `yaml:"source"`
	Destination            string `yaml:"destination"`
	DestinationDomain      uint32 `yaml:"destination_domain"`
	Token                  string `yaml:"token"`
	TokenMessenger         string `yaml:"token_messenger"`
	SourceTransmitter      string `yaml:"source_transmitter"`
	DestinationTransmitter string `yaml:"destination_transmitter"`
}

type DepositRoute struct {
	Source      string  `yaml:"source"`
	Destination string  `yaml:"destination"`
	FromToken   string  `yaml:"from_token"`
	ToToken     string  `yaml:"to_token"`
	LendingPool string  `yaml:"lending_pool"`
	Slippage    float64 `yaml:"slippage"`
	Description string  `yaml:"description"`
}

type Config struct {
	TokenDecimals int32        `yaml:"token_decimals" envconfig:"TOKEN_DECIMALS"`
	Attestation   Attestation  `yaml:"attestation" envconfig:"ATTESTATION"`
	Confirmation  Confirmation `yaml:"confirmation" envconfig:"CONFIRMATION"`
	Router        Router       `yaml:"router" envconfig:"ROUTER"`

	Networks      []Network      `yaml:"networks" ignored:"true"`
	BurnRoutes    []BurnRoute    `yaml:"burn_routes" ignored:"true"`
	DepositRoutes []DepositRoute `yaml:"deposit_routes" ignored:"true"`
}

// Load reads path, applies CCTP_* overrides and validates the result.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: yaml: %v", ErrInvalidConfig, err)
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: env: %v", ErrInvalidConfig, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.TokenDecimals == 0 {
		c.TokenDecimals = 6
	}
	if c.Attestation.URL == "" {
		c.Attestation.URL = attestation.SandboxURL
	}
	if c.Attestation.RatePerSecond == 0 {
		c.Attestation.RatePerSecond = 10
	}
	if c.Attestation.Burst == 0 {
		c.Attestation.Burst = 1
	}
	if c.Attestation.BreakerThreshold == 0 {
		c.Attestation.BreakerThreshold = 5
	}
	if c.Router.URL == "" {
		c.Router.URL = router.DefaultBaseURL
	}
	if c.Router.RatePerSecond == 0 {
		c.Router.RatePerSecond = 2
	}
}

func (c Config) Validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...)
	}
	if len(c.Networks) == 0 {
		return bad("no networks")
	}
	seen := make(map[string]bool, len(c.Networks))
	for i, n := range c.Networks {
		name := strings.ToLower(strings.TrimSpace(n.Name))
		switch {
		case name == "":
			return bad("networks[%d]: missing name", i)
		case seen[name]:
			return bad("networks[%d]: duplicate name %q", i, n.Name)
		case n.ChainID <= 0:
			return bad("network %q: chain_id must be > 0", n.Name)
		case strings.TrimSpace(n.RPCURL) == "":
			return bad("network %q: missing rpc_url", n.Name)
		case strings.TrimSpace(n.SignerSecret) == "":
			return bad("network %q: missing signer_secret", n.Name)
		case n.GasLimitMultiplier < 0:
			return bad("network %q: negative gas_limit_multiplier", n.Name)
		}
		if n.MinTipWei != "" {
			if v, ok := new(big.Int).SetString(n.MinTipWei, 10); !ok || v.Sign() < 0 {
				return bad("network %q: min_tip_wei must be a non-negative integer", n.Name)
			}
		}
		seen[name] = true
	}

	known := func(name string) bool { return seen[strings.ToLower(strings.TrimSpace(name))] }
	for i, r := range c.BurnRoutes {
		if !known(r.Source) || !known(r.Destination) {
			return bad("burn_routes[%d]: unknown network", i)
		}
		for field, v := range map[string]string{
			"token":                   r.Token,
			"token_messenger":         r.TokenMessenger,
			"destination_transmitter": r.DestinationTransmitter,
		} {
			if !common.IsHexAddress(v) {
				return bad("burn_routes[%d]: %s is not an address", i, field)
			}
		}
		if r.SourceTransmitter != "" && !common.IsHexAddress(r.SourceTransmitter) {
			return bad("burn_routes[%d]: source_transmitter is not an address", i)
		}
	}
	for i, r := range c.DepositRoutes {
		if !known(r.Source) || !known(r.Destination) {
			return bad("deposit_routes[%d]: unknown network", i)
		}
		for field, v := range map[string]string{
			"from_token":   r.FromToken,
			"to_token":     r.ToToken,
			"lending_pool": r.LendingPool,
		} {
			if !common.IsHexAddress(v) {
				return bad("deposit_routes[%d]: %s is not an address", i, field)
			}
		}
		if r.Slippage < 0 || r.Slippage > 100 {
			return bad("deposit_routes[%d]: slippage out of range", i)
		}
	}
	if len(c.DepositRoutes) > 0 && strings.TrimSpace(c.Router.IntegratorID) == "" {
		return bad("deposit routes need router.integrator_id")
	}
	if c.Attestation.RatePerSecond < 0 || c.Attestation.Burst < 0 || c.Router.RatePerSecond < 0 {
		return bad("rate limits must be > 0")
	}
	if c.TokenDecimals < 0 || c.TokenDecimals > 36 {
		return bad("token_decimals out of range")
	}
	return nil
}

// OrchestratorConfig converts the routes and policies. Networks are wired by the caller.
func (c Config) OrchestratorConfig() orchestrator.Config {
	out := orchestrator.Config{
		ConfirmationPolicy: c.Confirmation.Poll.Policy(poll.DefaultConfirmation),
		AttestationPolicy:  c.Attestation.Poll.Policy(poll.DefaultAttestation),
	}
	for _, r := range c.BurnRoutes {
		br := orchestrator.BurnRoute{
			Source:                 r.Source,
			Destination:            r.Destination,
			DestinationDomain:      r.DestinationDomain,
			Token:                  common.HexToAddress(r.Token),
			TokenMessenger:         common.HexToAddress(r.TokenMessenger),
			DestinationTransmitter: common.HexToAddress(r.DestinationTransmitter),
		}
		if r.SourceTransmitter != "" {
			br.SourceTransmitter = common.HexToAddress(r.SourceTransmitter)
		}
		out.BurnRoutes = append(out.BurnRoutes, br)
	}
	for _, r := range c.DepositRoutes {
		out.DepositRoutes = append(out.DepositRoutes, orchestrator.DepositRoute{
			Source:      r.Source,
			Destination: r.Destination,
			FromToken:   common.HexToAddress(r.FromToken),
			ToToken:     common.HexToAddress(r.ToToken),
			LendingPool: common.HexToAddress(r.LendingPool),
			Slippage:    r.Slippage,
			Description: r.Description,
		})
	}
	return out
}

// MinTip returns the network's tip floor, or nil when unset.
func (n Network) MinTip() *big.Int {
	if n.MinTipWei == "" {
		return nil
	}
	v, _ := new(big.Int).SetString(n.MinTipWei, 10)
	return v
}
