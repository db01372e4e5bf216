package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/crownsmarket/deployer/internal/config"
	deperrors "github.com/crownsmarket/deployer/internal/pkg/errors"
)

// Default timing used when DeployerConfig leaves a field zero.
const (
	DefaultCallTimeout    = 30 * time.Second
	DefaultReceiptTimeout = 5 * time.Minute
	DefaultPollInterval   = 500 * time.Millisecond
	maxPollInterval       = 5 * time.Second
)

// VerifyNetwork checks that the connected chain reports the network id the
// profile expects. A wildcard profile accepts any network. The reported id
// is returned either way.
func VerifyNetwork(ctx context.Context, client Client, profile config.NetworkProfile, timeout time.Duration) (*big.Int, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	got, err := client.NetworkID(callCtx)
	if err != nil {
		return nil, deperrors.WrapNetwork(fmt.Sprintf("query network id of %s", profile.RPCURL()), err)
	}
	if !profile.NetworkID.Matches(got) {
		return got, deperrors.NewConfigurationError("network %q expects network_id %s but %s reports %s", profile.Name, profile.NetworkID, profile.RPCURL(), got)
	}
	return got, nil
}

// SignerFactory builds the signer once the chain id is known.
type SignerFactory func(chainID *big.Int) (Signer, error)

// Connect verifies the network, queries its chain id for transaction signing
// and returns a Deployer for it together with the reported network id.
func Connect(ctx context.Context, client Client, profile config.NetworkProfile, newSigner SignerFactory, cfg DeployerConfig) (*Deployer, *big.Int, error) {
	networkID, err := VerifyNetwork(ctx, client, profile, cfg.CallTimeout)
	if err != nil {
		return nil, nil, err
	}

	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	chainID, err := client.ChainID(callCtx)
	if err != nil {
		return nil, nil, deperrors.WrapNetwork("query chain id", err)
	}

	signer, err := newSigner(chainID)
	if err != nil {
		return nil, nil, err
	}

	return NewDeployer(client, signer, chainID, cfg), networkID, nil
}

// Deployment is the outcome of a contract creation transaction.
type Deployment struct {
	TxHash      common.Hash
	Address     common.Address
	GasUsed     uint64
	BlockNumber uint64
}

// DeployerConfig contains settings for a Deployer.
type DeployerConfig struct {
	// Gas is a fixed gas limit; zero means estimate with a 20% buffer.
	Gas uint64
	// GasPrice selects legacy pricing in wei; zero means EIP-1559 when the
	// chain supports it.
	GasPrice uint64

	CallTimeout    time.Duration
	ReceiptTimeout time.Duration
	PollInterval   time.Duration

	Logger *slog.Logger
}

// Deployer creates contracts and inspects deployed code on one network.
type Deployer struct {
	client  Client
	signer  Signer
	chainID *big.Int
	config  DeployerConfig
	logger  *slog.Logger
}

// NewDeployer creates a Deployer sending transactions signed by signer.
func NewDeployer(client Client, signer Signer, chainID *big.Int, cfg DeployerConfig) *Deployer {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = DefaultReceiptTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Deployer{
		client:  client,
		signer:  signer,
		chainID: chainID,
		config:  cfg,
		logger:  logger,
	}
}

// From returns the sender address.
func (d *Deployer) From() common.Address {
	return d.signer.Address()
}

// call runs fn with the per-call timeout.
func (d *Deployer) call(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, d.config.CallTimeout)
	defer cancel()
	return fn(callCtx)
}

// HasCode reports whether code is deployed at addr.
func (d *Deployer) HasCode(ctx context.Context, addr common.Address) (bool, error) {
	var code []byte
	err := d.call(ctx, func(ctx context.Context) error {
		var err error
		code, err = d.client.CodeAt(ctx, addr, nil)
		return err
	})
	if err != nil {
		return false, deperrors.WrapNetwork(fmt.Sprintf("get code at %s", addr.Hex()), err)
	}
	return len(code) > 0, nil
}

// Deploy sends a contract creation transaction carrying data and waits for
// its receipt.
func (d *Deployer) Deploy(ctx context.Context, data []byte, description string) (*Deployment, error) {
	from := d.signer.Address()

	var nonce uint64
	if err := d.call(ctx, func(ctx context.Context) error {
		var err error
		nonce, err = d.client.PendingNonceAt(ctx, from)
		return err
	}); err != nil {
		return nil, deperrors.WrapNetwork("get nonce", err)
	}

	gas, err := d.gasLimit(ctx, from, data)
	if err != nil {
		return nil, err
	}

	tx, err := d.buildTx(ctx, nonce, gas, data)
	if err != nil {
		return nil, err
	}

	d.logger.Info("deploying contract",
		slog.String("contract", description),
		slog.String("from", from.Hex()),
		slog.Uint64("nonce", nonce),
		slog.Uint64("gas", gas),
	)

	var signedTx *types.Transaction
	if err := d.call(ctx, func(ctx context.Context) error {
		var err error
		signedTx, err = d.signer.SignTransaction(ctx, tx)
		return err
	}); err != nil {
		// Signers classify their own failures.
		if _, ok := deperrors.KindOf(err); ok {
			return nil, err
		}
		return nil, deperrors.WrapNetwork("sign transaction", err)
	}

	if err := d.call(ctx, func(ctx context.Context) error {
		return d.client.SendTransaction(ctx, signedTx)
	}); err != nil {
		return nil, deperrors.WrapNetwork("send transaction", err)
	}

	txHash := signedTx.Hash()
	d.logger.Debug("transaction sent",
		slog.String("tx_hash", txHash.Hex()),
		slog.String("contract", description),
	)

	receipt, err := d.waitForReceipt(ctx, txHash)
	if err != nil {
		return nil, deperrors.WrapNetwork(fmt.Sprintf("wait for receipt of %s", txHash.Hex()), err)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, deperrors.WrapNetwork("deploy "+description, fmt.Errorf("transaction %s reverted", txHash.Hex()))
	}
	if receipt.ContractAddress == (common.Address{}) {
		return nil, deperrors.WrapNetwork("deploy "+description, fmt.Errorf("receipt of %s has no contract address", txHash.Hex()))
	}

	var block uint64
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}

	d.logger.Info("contract deployed",
		slog.String("contract", description),
		slog.String("address", receipt.ContractAddress.Hex()),
		slog.Uint64("gas_used", receipt.GasUsed),
		slog.String("tx_hash", txHash.Hex()),
	)

	return &Deployment{
		TxHash:      txHash,
		Address:     receipt.ContractAddress,
		GasUsed:     receipt.GasUsed,
		BlockNumber: block,
	}, nil
}

// gasLimit returns the configured limit or the estimate plus 20%.
func (d *Deployer) gasLimit(ctx context.Context, from common.Address, data []byte) (uint64, error) {
	if d.config.Gas > 0 {
		return d.config.Gas, nil
	}

	var estimated uint64
	if err := d.call(ctx, func(ctx context.Context) error {
		var err error
		estimated, err = d.client.EstimateGas(ctx, ethereum.CallMsg{
			From:  from,
			To:    nil, // contract creation
			Data:  data,
			Value: big.NewInt(0),
		})
		return err
	}); err != nil {
		return 0, deperrors.WrapNetwork("estimate gas", err)
	}

	return estimated + estimated/5, nil
}

// buildTx prices the creation transaction: legacy with a configured gas
// price, EIP-1559 when the chain reports a base fee, legacy otherwise.
func (d *Deployer) buildTx(ctx context.Context, nonce, gas uint64, data []byte) (*types.Transaction, error) {
	if d.config.GasPrice > 0 {
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: new(big.Int).SetUint64(d.config.GasPrice),
			Gas:      gas,
			To:       nil,
			Value:    big.NewInt(0),
			Data:     data,
		}), nil
	}

	var header *types.Header
	if err := d.call(ctx, func(ctx context.Context) error {
		var err error
		header, err = d.client.HeaderByNumber(ctx, nil)
		return err
	}); err != nil {
		return nil, deperrors.WrapNetwork("get block header", err)
	}

	if header.BaseFee == nil {
		var gasPrice *big.Int
		if err := d.call(ctx, func(ctx context.Context) error {
			var err error
			gasPrice, err = d.client.SuggestGasPrice(ctx)
			return err
		}); err != nil {
			return nil, deperrors.WrapNetwork("get gas price", err)
		}
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gas,
			To:       nil,
			Value:    big.NewInt(0),
			Data:     data,
		}), nil
	}

	var gasTipCap *big.Int
	if err := d.call(ctx, func(ctx context.Context) error {
		var err error
		gasTipCap, err = d.client.SuggestGasTipCap(ctx)
		return err
	}); err != nil {
		return nil, deperrors.WrapNetwork("get gas tip cap", err)
	}

	// base fee * 2 + tip
	gasFeeCap := new(big.Int).Mul(header.BaseFee, big.NewInt(2))
	gasFeeCap.Add(gasFeeCap, gasTipCap)

	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   d.chainID,
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gas,
		To:        nil,
		Value:     big.NewInt(0),
		Data:      data,
	}), nil
}

// waitForReceipt polls for a transaction receipt with exponential backoff
// until the receipt timeout elapses.
func (d *Deployer) waitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.ReceiptTimeout)
	defer cancel()

	backoff := d.config.PollInterval
	for {
		var receipt *types.Receipt
		err := d.call(ctx, func(ctx context.Context) error {
			var err error
			receipt, err = d.client.TransactionReceipt(ctx, txHash)
			return err
		})
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("timeout after %s: %w", d.config.ReceiptTimeout, ctx.Err())
			}
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout after %s: %w", d.config.ReceiptTimeout, ctx.Err())
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, maxPollInterval)
	}
}
