package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/crownsmarket/deployer/internal/artifact"
	"github.com/crownsmarket/deployer/internal/chain"
	"github.com/crownsmarket/deployer/internal/config"
	"github.com/crownsmarket/deployer/internal/plan"
	deperrors "github.com/crownsmarket/deployer/internal/pkg/errors"
)

const (
	testKey               = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	convertLibPlaceholder = "__ConvertLib____________________________"
)

var testFrom = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

// writeArtifacts lays out a Truffle build directory for the CrownsMarket project.
func writeArtifacts(t *testing.T) *artifact.Catalog {
	t.Helper()
	dir := t.TempDir()

	files := map[string]string{
		"ConvertLib.json": `{
			"contractName": "ConvertLib",
			"abi": [],
			"bytecode": "0x60806040",
			"compiler": {"name": "solc", "version": "0.8.0+commit.c7dfd78e.Emscripten.clang"},
			"metadata": "{\"settings\":{\"optimizer\":{\"enabled\":false,\"runs\":200}}}"
		}`,
		"CrownsMarket.json": `{
			"contractName": "CrownsMarket",
			"abi": [],
			"bytecode": "0x6080` + convertLibPlaceholder + `6000",
			"compiler": {"name": "solc", "version": "0.8.0+commit.c7dfd78e.Emscripten.clang"},
			"metadata": "{\"settings\":{\"optimizer\":{\"enabled\":false,\"runs\":200}}}"
		}`,
		"CrownToken.json": `{
			"contractName": "CrownToken",
			"abi": [{"type":"constructor","inputs":[{"name":"initialSupply","type":"uint256"}],"stateMutability":"nonpayable"}],
			"bytecode": "0x6001",
			"compiler": {"name": "solc", "version": "0.8.0"}
		}`,
		"OldToken.json": `{
			"contractName": "OldToken",
			"abi": [],
			"bytecode": "0x6001",
			"compiler": {"name": "solc", "version": "0.4.24+commit.e67f0147"}
		}`,
		"IMarket.json": `{"contractName": "IMarket", "abi": [], "bytecode": "0x"}`,
		// Hardhat keeps link references beside a string bytecode.
		"HardhatMarket.json": `{
			"_format": "hh-sol-artifact-1",
			"contractName": "HardhatMarket",
			"sourceName": "contracts/HardhatMarket.sol",
			"abi": [],
			"bytecode": "0x6080` + hashedPlaceholder("contracts/ConvertLib.sol:ConvertLib") + `6000",
			"linkReferences": {"contracts/ConvertLib.sol": {"ConvertLib": [{"start": 2, "length": 20}]}}
		}`,
		// A hashed placeholder with no link references cannot be resolved.
		"StrayMarket.json": `{
			"contractName": "StrayMarket",
			"abi": [],
			"bytecode": "0x6080` + hashedPlaceholder("contracts/ConvertLib.sol:ConvertLib") + `6000"
		}`,
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}

	c, err := artifact.Open(dir)
	require.NoError(t, err)
	return c
}

// fakeNetwork implements Network with deterministic CREATE addresses.
type fakeNetwork struct {
	mu       sync.Mutex
	nonce    uint64
	calls    int
	deployed map[common.Address][]byte
	sent     [][]byte

	// failOn makes Deploy fail for the named contract.
	failOn string
	// onDeploy runs inside Deploy, after the address is assigned.
	onDeploy func(description string)
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{deployed: make(map[common.Address][]byte)}
}

func (n *fakeNetwork) From() common.Address {
	return testFrom
}

func (n *fakeNetwork) Deploy(ctx context.Context, data []byte, description string) (*chain.Deployment, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++

	if description == n.failOn {
		return nil, deperrors.WrapNetwork("send transaction", errors.New("insufficient funds"))
	}
	if ctx.Err() != nil {
		return nil, deperrors.WrapNetwork("send transaction", ctx.Err())
	}

	addr := crypto.CreateAddress(testFrom, n.nonce)
	n.nonce++
	n.deployed[addr] = data
	n.sent = append(n.sent, data)

	if n.onDeploy != nil {
		n.onDeploy(description)
	}

	return &chain.Deployment{
		TxHash:      common.BytesToHash(crypto.Keccak256(addr.Bytes())),
		Address:     addr,
		GasUsed:     21000 + uint64(len(data)),
		BlockNumber: n.nonce,
	}, nil
}

func (n *fakeNetwork) HasCode(ctx context.Context, addr common.Address) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	_, ok := n.deployed[addr]
	return ok, nil
}

func (n *fakeNetwork) connect(networkID int64) ConnectFunc {
	return func(ctx context.Context) (Network, *big.Int, error) {
		return n, big.NewInt(networkID), nil
	}
}

// fakeClient implements chain.Client as an in-memory chain.
type fakeClient struct {
	mu        sync.Mutex
	networkID *big.Int
	chainID   *big.Int
	nonces    map[common.Address]uint64
	receipts  map[common.Hash]*types.Receipt
	code      map[common.Address][]byte
	calls     int
}

func newFakeClient(networkID int64) *fakeClient {
	return &fakeClient{
		networkID: big.NewInt(networkID),
		chainID:   big.NewInt(networkID),
		nonces:    make(map[common.Address]uint64),
		receipts:  make(map[common.Hash]*types.Receipt),
		code:      make(map[common.Address][]byte),
	}
}

func (c *fakeClient) call() {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
}

func (c *fakeClient) NetworkID(ctx context.Context) (*big.Int, error) {
	c.call()
	return c.networkID, nil
}

func (c *fakeClient) ChainID(ctx context.Context) (*big.Int, error) {
	c.call()
	return c.chainID, nil
}

func (c *fakeClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	c.call()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[account], nil
}

func (c *fakeClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	c.call()
	return big.NewInt(1), nil
}

func (c *fakeClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	c.call()
	return big.NewInt(1), nil
}

func (c *fakeClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	c.call()
	return 100000, nil
}

func (c *fakeClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	c.call()
	from, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if tx.Nonce() != c.nonces[from] {
		return fmt.Errorf("nonce too low: have %d, want %d", tx.Nonce(), c.nonces[from])
	}
	c.nonces[from]++

	addr := crypto.CreateAddress(from, tx.Nonce())
	c.code[addr] = tx.Data()
	c.receipts[tx.Hash()] = &types.Receipt{
		Status:          types.ReceiptStatusSuccessful,
		ContractAddress: addr,
		GasUsed:         tx.Gas() / 2,
		BlockNumber:     big.NewInt(int64(len(c.receipts) + 1)),
	}
	return nil
}

func (c *fakeClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.call()
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (c *fakeClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	c.call()
	return &types.Header{BaseFee: big.NewInt(1)}, nil
}

func (c *fakeClient) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	c.call()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code[account], nil
}

func (c *fakeClient) Close() {}

// chainConnect connects through the real chain adapter.
func chainConnect(client chain.Client, profile config.NetworkProfile) ConnectFunc {
	return func(ctx context.Context) (Network, *big.Int, error) {
		newSigner := func(chainID *big.Int) (chain.Signer, error) {
			return chain.NewLocalSigner(testKey, chainID)
		}
		d, id, err := chain.Connect(ctx, client, profile, newSigner, chain.DeployerConfig{
			CallTimeout:    time.Second,
			ReceiptTimeout: time.Second,
			PollInterval:   time.Millisecond,
		})
		if err != nil {
			return nil, nil, err
		}
		return d, id, nil
	}
}

// recorder captures history events.
type recorder struct {
	events []string
}

func (r *recorder) RunStarted(ctx context.Context, res *Result) error {
	r.events = append(r.events, "started:"+res.RunID)
	return nil
}

func (r *recorder) StepFinished(ctx context.Context, res *Result, s StepResult) error {
	r.events = append(r.events, fmt.Sprintf("step:%d", s.Position))
	return nil
}

func (r *recorder) RunFinished(ctx context.Context, res *Result, runErr error) error {
	r.events = append(r.events, "finished:"+string(res.Status))
	return errors.New("history store unavailable")
}

// metricsSpy counts observations.
type metricsSpy struct {
	steps    map[plan.StepKind]int
	failures int
	runs     int
}

func (m *metricsSpy) ObserveStep(kind plan.StepKind, d time.Duration, err error) {
	if m.steps == nil {
		m.steps = make(map[plan.StepKind]int)
	}
	m.steps[kind]++
	if err != nil {
		m.failures++
	}
}

func (m *metricsSpy) ObserveRun(network string, d time.Duration, err error) {
	m.runs++
}

// lockSpy records acquired keys.
type lockSpy struct {
	acquired []string
	released int
	err      error
}

func (l *lockSpy) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.acquired = append(l.acquired, key)
	return func(context.Context) error {
		l.released++
		return nil
	}, nil
}

// hashedPlaceholder is the solc >=0.5 library placeholder for a fully
// qualified library name.
func hashedPlaceholder(qualified string) string {
	return "__$" + common.Bytes2Hex(crypto.Keccak256([]byte(qualified)))[:34] + "$__"
}

func containsHex(data []byte, addr common.Address) bool {
	return strings.Contains(common.Bytes2Hex(data), strings.ToLower(addr.Hex()[2:]))
}
