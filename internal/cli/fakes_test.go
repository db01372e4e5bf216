package cli

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/crownsmarket/deployer/internal/chain"
)

const (
	testKey     = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testFrom    = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	placeholder = "__ConvertLib____________________________"
)

// memChain is an in-memory chain.Client.
type memChain struct {
	mu        sync.Mutex
	networkID *big.Int
	nonces    map[common.Address]uint64
	receipts  map[common.Hash]*types.Receipt
	code      map[common.Address][]byte
}

func newMemChain(networkID int64) *memChain {
	return &memChain{
		networkID: big.NewInt(networkID),
		nonces:    make(map[common.Address]uint64),
		receipts:  make(map[common.Hash]*types.Receipt),
		code:      make(map[common.Address][]byte),
	}
}

func (c *memChain) NetworkID(ctx context.Context) (*big.Int, error) { return c.networkID, nil }
func (c *memChain) ChainID(ctx context.Context) (*big.Int, error)   { return c.networkID, nil }

func (c *memChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[account], nil
}

func (c *memChain) SuggestGasPrice(ctx context.Context) (*big.Int, error)  { return big.NewInt(1), nil }
func (c *memChain) SuggestGasTipCap(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (c *memChain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 100000, nil
}

func (c *memChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	from, err := types.Sender(types.LatestSignerForChainID(c.networkID), tx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if tx.Nonce() != c.nonces[from] {
		return fmt.Errorf("nonce too low")
	}
	c.nonces[from]++
	addr := crypto.CreateAddress(from, tx.Nonce())
	c.code[addr] = tx.Data()
	c.receipts[tx.Hash()] = &types.Receipt{
		Status:          types.ReceiptStatusSuccessful,
		ContractAddress: addr,
		GasUsed:         50000,
		BlockNumber:     big.NewInt(int64(len(c.receipts) + 1)),
	}
	return nil
}

func (c *memChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (c *memChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(1)}, nil
}

func (c *memChain) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code[account], nil
}

func (c *memChain) Close() {}

// memFactory dials the same memChain and counts dials.
type memFactory struct {
	chain *memChain
	dials []string
}

func (f *memFactory) Dial(ctx context.Context, rpcURL string) (chain.Client, error) {
	f.dials = append(f.dials, rpcURL)
	return f.chain, nil
}

// project is a temporary deployment project.
type project struct {
	dir        string
	configPath string
	factory    *memFactory
}

const crownsMarketPlan = `steps:
  - deploy: ConvertLib
  - link: {library: ConvertLib, target: CrownsMarket}
  - deploy: CrownsMarket
`

func newProject(t *testing.T, store string) *project {
	t.Helper()
	dir := t.TempDir()

	artifacts := filepath.Join(dir, "build", "contracts")
	migrations := filepath.Join(dir, "migrations")
	require.NoError(t, os.MkdirAll(artifacts, 0o755))
	require.NoError(t, os.MkdirAll(migrations, 0o755))

	files := map[string]string{
		"ConvertLib.json":   `{"contractName": "ConvertLib", "abi": [], "bytecode": "0x60806040", "compiler": {"name": "solc", "version": "0.8.0+commit.c7dfd78e"}}`,
		"CrownsMarket.json": `{"contractName": "CrownsMarket", "abi": [], "bytecode": "0x6080` + placeholder + `6000", "compiler": {"name": "solc", "version": "0.8.0+commit.c7dfd78e"}}`,
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(artifacts, name), []byte(content), 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(migrations, "2_deploy_contracts.yaml"), []byte(crownsMarketPlan), 0o644))

	var storeCfg string
	if store == "sqlite" {
		storeCfg = fmt.Sprintf("store:\n  driver: sqlite\n  path: %s\n", filepath.Join(dir, "history.db"))
	}

	cfg := fmt.Sprintf(`networks:
  development:
    host: 127.0.0.1
    port: 7545
    network_id: "*"
    from: "%s"
  ropsten:
    host: 127.0.0.1
    port: 8545
    network_id: 3
    gas: 4700000
deployer:
  artifacts_dir: %s
  migrations_dir: %s
%s`, testFrom, artifacts, migrations, storeCfg)

	configPath := filepath.Join(dir, "deployer.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(cfg), 0o644))

	t.Setenv("DEPLOYER_SIGNER_PRIVATE_KEY", testKey)

	return &project{
		dir:        dir,
		configPath: configPath,
		factory:    &memFactory{chain: newMemChain(5777)},
	}
}

func (p *project) writePlan(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(p.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// run executes the command line against the project.
func (p *project) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd(&rootOptions{clients: p.factory})

	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", p.configPath, "--log-level", "error"}, args...))

	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func lines(s string) []string {
	return strings.Split(strings.TrimSpace(s), "\n")
}
