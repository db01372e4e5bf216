// Package config provides configuration loading for the deployer.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	deperrors "github.com/crownsmarket/deployer/internal/pkg/errors"
)

// DefaultNetwork is selected when no network is named.
const DefaultNetwork = "development"

// DefaultOptimizerRuns is solc's default when the optimizer is enabled without runs.
const DefaultOptimizerRuns = 200

// Config holds all configuration for a deployment run.
type Config struct {
	Networks  map[string]NetworkProfile `mapstructure:"networks" validate:"required,min=1,dive"`
	Compilers CompilersConfig           `mapstructure:"compilers"`
	Deployer  DeployerConfig            `mapstructure:"deployer"`
	Signer    SignerConfig              `mapstructure:"signer"`
	Store     StoreConfig               `mapstructure:"store"`
	Lock      LockConfig                `mapstructure:"lock"`
}

// NetworkProfile holds the connection parameters of a deployment target.
type NetworkProfile struct {
	Name      string    `mapstructure:"-"`
	Host      string    `mapstructure:"host" validate:"required,hostname|ip"`
	Port      int       `mapstructure:"port" validate:"required,min=1,max=65535"`
	NetworkID NetworkID `mapstructure:"network_id" validate:"required"`
	Gas       uint64    `mapstructure:"gas"`       // gas limit per transaction; estimated when zero
	GasPrice  uint64    `mapstructure:"gas_price"` // wei; legacy pricing when set, EIP-1559 otherwise
	From      string    `mapstructure:"from" validate:"omitempty,eth_addr"`
}

// RPCURL returns the HTTP JSON-RPC endpoint of the profile.
func (p NetworkProfile) RPCURL() string {
	return fmt.Sprintf("http://%s:%d", p.Host, p.Port)
}

// CompilersConfig holds compiler settings.
type CompilersConfig struct {
	Solc CompilerConfig `mapstructure:"solc"`
}

// CompilerConfig holds solc version and optimizer settings.
type CompilerConfig struct {
	Version   string          `mapstructure:"version" validate:"required"`
	Optimizer OptimizerConfig `mapstructure:"optimizer"`
}

// OptimizerConfig holds solc optimizer settings.
type OptimizerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Runs    int  `mapstructure:"runs" validate:"gte=0"` // 0 means absent
}

// Normalized returns a copy where settings that have no effect are cleared.
// Runs is inert when the optimizer is disabled.
func (c CompilerConfig) Normalized() CompilerConfig {
	out := c
	if !out.Optimizer.Enabled {
		out.Optimizer.Runs = 0
	} else if out.Optimizer.Runs == 0 {
		out.Optimizer.Runs = DefaultOptimizerRuns
	}
	return out
}

// Constraint parses Version as a semver constraint ("0.8.0", "^0.8.0").
func (c CompilerConfig) Constraint() (*semver.Constraints, error) {
	return semver.NewConstraint(c.Version)
}

// DeployerConfig holds executor settings.
type DeployerConfig struct {
	ArtifactsDir   string        `mapstructure:"artifacts_dir" validate:"required"`
	MigrationsDir  string        `mapstructure:"migrations_dir" validate:"required"`
	CallTimeout    time.Duration `mapstructure:"call_timeout" validate:"gt=0"`
	ReceiptTimeout time.Duration `mapstructure:"receipt_timeout" validate:"gt=0"`
}

// SignerConfig selects how deployment transactions are signed.
type SignerConfig struct {
	Mode       string `mapstructure:"mode" validate:"oneof=local rpc"`
	PrivateKey string `mapstructure:"private_key"`
	Endpoint   string `mapstructure:"endpoint" validate:"required_if=Mode rpc"`
	APIKey     string `mapstructure:"api_key"`
}

// StoreConfig selects where run history is recorded.
type StoreConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=none sqlite postgres"`
	Path   string `mapstructure:"path" validate:"required_if=Driver sqlite"`
	DSN    string `mapstructure:"dsn" validate:"required_if=Driver postgres"`
}

// LockConfig configures the optional cross-operator run lock.
type LockConfig struct {
	RedisAddr     string        `mapstructure:"redis_addr" validate:"omitempty,hostname_port"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db" validate:"gte=0"`
	// TTL bounds how long a crashed run keeps the lock. Live runs renew it.
	TTL           time.Duration `mapstructure:"ttl" validate:"gt=0"`
}

// Enabled reports whether a Redis lock is configured.
func (c LockConfig) Enabled() bool {
	return c.RedisAddr != ""
}

// LoadOptions controls where configuration is read from.
type LoadOptions struct {
	// ConfigFile is an explicit config file; when empty deployer.yaml is
	// searched for in the usual locations.
	ConfigFile string
}

// Load reads configuration from files and environment variables.
func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("deployer")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/deployer")
	}

	v.SetEnvPrefix("DEPLOYER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Secrets are never expected in the config file.
	_ = v.BindEnv("signer.private_key", "DEPLOYER_SIGNER_PRIVATE_KEY")
	_ = v.BindEnv("signer.api_key", "DEPLOYER_SIGNER_API_KEY")
	_ = v.BindEnv("store.dsn", "DEPLOYER_STORE_DSN")
	_ = v.BindEnv("lock.redis_password", "DEPLOYER_LOCK_REDIS_PASSWORD")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, deperrors.WrapConfiguration("read config file", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, deperrors.WrapConfiguration("unmarshal config", err)
	}
	for name, p := range cfg.Networks {
		p.Name = name
		cfg.Networks[name] = p
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	v.SetDefault("compilers.solc.version", "0.8.0")
	v.SetDefault("compilers.solc.optimizer.enabled", false)

	v.SetDefault("deployer.artifacts_dir", "build/contracts")
	v.SetDefault("deployer.migrations_dir", "migrations")
	v.SetDefault("deployer.call_timeout", "30s")
	v.SetDefault("deployer.receipt_timeout", "5m")

	v.SetDefault("signer.mode", "local")

	v.SetDefault("store.driver", "none")
	v.SetDefault("store.path", ".deployer/history.db")

	v.SetDefault("lock.ttl", "30m")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints and cross-field rules.
// Every failure is a configuration error.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return deperrors.NewConfigurationError("%s failed %q validation", fe.Namespace(), fe.Tag())
		}
		return deperrors.WrapConfiguration("validate config", err)
	}

	for name, p := range c.Networks {
		if _, err := p.NetworkID.Parse(); err != nil {
			return deperrors.WrapConfiguration(fmt.Sprintf("network %q", name), err)
		}
	}

	if _, err := c.Compilers.Solc.Constraint(); err != nil {
		return deperrors.WrapConfiguration("compilers.solc.version", err)
	}

	return nil
}

// Profile returns the network profile called name.
func (c *Config) Profile(name string) (NetworkProfile, error) {
	if name == "" {
		name = DefaultNetwork
	}
	p, ok := c.Networks[strings.ToLower(name)]
	if !ok {
		return NetworkProfile{}, deperrors.NewConfigurationError("network %q is not configured (have: %s)", name, strings.Join(c.NetworkNames(), ", "))
	}
	return p, nil
}

// NetworkNames returns the configured network names in sorted order.
func (c *Config) NetworkNames() []string {
	names := make([]string, 0, len(c.Networks))
	for name := range c.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Wildcard is the network id that matches any chain.
const Wildcard = "*"

// NetworkID is either a decimal network id or the wildcard "*".
type NetworkID string

// IsWildcard reports whether the id matches any network.
func (n NetworkID) IsWildcard() bool {
	return strings.TrimSpace(string(n)) == Wildcard
}

// Parse returns the numeric id. The wildcard parses to nil.
func (n NetworkID) Parse() (*big.Int, error) {
	if n.IsWildcard() {
		return nil, nil
	}
	s := strings.TrimSpace(string(n))
	if _, err := strconv.ParseUint(s, 10, 64); err != nil {
		return nil, fmt.Errorf("network_id %q must be a positive integer or %q", s, Wildcard)
	}
	id, _ := new(big.Int).SetString(s, 10)
	if id.Sign() == 0 {
		return nil, fmt.Errorf("network_id must not be zero")
	}
	return id, nil
}

// Matches reports whether a chain reporting id satisfies the profile.
func (n NetworkID) Matches(id *big.Int) bool {
	if n.IsWildcard() {
		return true
	}
	want, err := n.Parse()
	if err != nil || id == nil {
		return false
	}
	return want.Cmp(id) == 0
}
