package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	deperrors "github.com/crownsmarket/deployer/internal/pkg/errors"
)

const projectConfig = `
networks:
  development:
    host: localhost
    port: 7545
    network_id: "*"
  ropsten:
    host: 127.0.0.1
    port: 8545
    network_id: 3
    gas: 4700000
compilers:
  solc:
    version: "0.8.0"
    optimizer:
      enabled: true
      runs: 100
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deployer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(LoadOptions{ConfigFile: writeConfig(t, projectConfig)})
	require.NoError(t, err)

	require.Len(t, cfg.Networks, 2)

	dev, err := cfg.Profile("development")
	require.NoError(t, err)
	assert.Equal(t, "development", dev.Name)
	assert.Equal(t, "http://localhost:7545", dev.RPCURL())
	assert.True(t, dev.NetworkID.IsWildcard())
	assert.Zero(t, dev.Gas)

	ropsten, err := cfg.Profile("ropsten")
	require.NoError(t, err)
	assert.Equal(t, NetworkID("3"), ropsten.NetworkID)
	assert.Equal(t, uint64(4700000), ropsten.Gas)
	assert.Equal(t, "http://127.0.0.1:8545", ropsten.RPCURL())

	assert.Equal(t, "0.8.0", cfg.Compilers.Solc.Version)
	assert.True(t, cfg.Compilers.Solc.Optimizer.Enabled)
	assert.Equal(t, 100, cfg.Compilers.Solc.Optimizer.Runs)

	// defaults
	assert.Equal(t, "build/contracts", cfg.Deployer.ArtifactsDir)
	assert.Equal(t, "migrations", cfg.Deployer.MigrationsDir)
	assert.Equal(t, 30*time.Second, cfg.Deployer.CallTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Deployer.ReceiptTimeout)
	assert.Equal(t, "local", cfg.Signer.Mode)
	assert.Equal(t, "none", cfg.Store.Driver)
	assert.False(t, cfg.Lock.Enabled())
}

func TestLoad_EnvSecrets(t *testing.T) {
	t.Setenv("DEPLOYER_SIGNER_PRIVATE_KEY", "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")

	cfg, err := Load(LoadOptions{ConfigFile: writeConfig(t, projectConfig)})
	require.NoError(t, err)
	assert.Equal(t, "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80", cfg.Signer.PrivateKey)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		config string
	}{
		{
			name:   "no networks",
			config: "compilers:\n  solc:\n    version: \"0.8.0\"\n",
		},
		{
			name:   "bad port",
			config: "networks:\n  development:\n    host: localhost\n    port: 70000\n    network_id: \"*\"\n",
		},
		{
			name:   "bad network id",
			config: "networks:\n  development:\n    host: localhost\n    port: 7545\n    network_id: ropsten\n",
		},
		{
			name:   "bad compiler version",
			config: "networks:\n  development:\n    host: localhost\n    port: 7545\n    network_id: \"*\"\ncompilers:\n  solc:\n    version: latest-ish\n",
		},
		{
			name:   "negative runs",
			config: "networks:\n  development:\n    host: localhost\n    port: 7545\n    network_id: \"*\"\ncompilers:\n  solc:\n    version: \"0.8.0\"\n    optimizer:\n      enabled: false\n      runs: -1\n",
		},
		{
			name:   "rpc signer without endpoint",
			config: "networks:\n  development:\n    host: localhost\n    port: 7545\n    network_id: \"*\"\nsigner:\n  mode: rpc\n",
		},
		{
			name:   "unknown store driver",
			config: "networks:\n  development:\n    host: localhost\n    port: 7545\n    network_id: \"*\"\nstore:\n  driver: mongo\n",
		},
		{
			name:   "bad from address",
			config: "networks:\n  development:\n    host: localhost\n    port: 7545\n    network_id: \"*\"\n    from: alice\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(LoadOptions{ConfigFile: writeConfig(t, tt.config)})
			require.Error(t, err)
			assert.ErrorIs(t, err, deperrors.ErrConfiguration)
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(LoadOptions{ConfigFile: filepath.Join(t.TempDir(), "nope.yaml")})
	require.Error(t, err)
	assert.ErrorIs(t, err, deperrors.ErrConfiguration)
}

func TestConfig_Profile(t *testing.T) {
	cfg, err := Load(LoadOptions{ConfigFile: writeConfig(t, projectConfig)})
	require.NoError(t, err)

	t.Run("default network", func(t *testing.T) {
		p, err := cfg.Profile("")
		require.NoError(t, err)
		assert.Equal(t, DefaultNetwork, p.Name)
	})

	t.Run("unknown network", func(t *testing.T) {
		_, err := cfg.Profile("mainnet")
		require.Error(t, err)
		assert.ErrorIs(t, err, deperrors.ErrConfiguration)
		assert.Contains(t, err.Error(), "development, ropsten")
	})
}

func TestNetworkID(t *testing.T) {
	tests := []struct {
		name    string
		id      NetworkID
		chain   int64
		matches bool
	}{
		{name: "wildcard matches anything", id: "*", chain: 1337, matches: true},
		{name: "exact match", id: "3", chain: 3, matches: true},
		{name: "mismatch", id: "3", chain: 1, matches: false},
		{name: "garbage never matches", id: "ropsten", chain: 3, matches: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.matches, tt.id.Matches(big.NewInt(tt.chain)))
		})
	}

	_, err := NetworkID("0").Parse()
	assert.Error(t, err)

	id, err := NetworkID("*").Parse()
	require.NoError(t, err)
	assert.Nil(t, id)
}

func TestCompilerConfig_Normalized(t *testing.T) {
	disabledWithRuns := CompilerConfig{Version: "0.8.0", Optimizer: OptimizerConfig{Enabled: false, Runs: 100}}
	disabledNoRuns := CompilerConfig{Version: "0.8.0", Optimizer: OptimizerConfig{Enabled: false}}
	assert.Equal(t, disabledNoRuns.Normalized(), disabledWithRuns.Normalized(), "runs is inert when disabled")

	enabledNoRuns := CompilerConfig{Version: "0.8.0", Optimizer: OptimizerConfig{Enabled: true}}
	assert.Equal(t, DefaultOptimizerRuns, enabledNoRuns.Normalized().Optimizer.Runs)

	enabled := CompilerConfig{Version: "0.8.0", Optimizer: OptimizerConfig{Enabled: true, Runs: 100}}
	assert.Equal(t, 100, enabled.Normalized().Optimizer.Runs)
}

func TestCompilerConfig_Constraint(t *testing.T) {
	c, err := CompilerConfig{Version: "^0.8.0"}.Constraint()
	require.NoError(t, err)
	assert.NotNil(t, c)

	_, err = CompilerConfig{Version: "not a version"}.Constraint()
	assert.Error(t, err)
}
