package chain

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/crownsmarket/deployer/internal/config"
	deperrors "github.com/crownsmarket/deployer/internal/pkg/errors"
)

// Signer signs deployment transactions for a single sender address.
type Signer interface {
	Address() common.Address
	SignTransaction(ctx context.Context, tx *types.Transaction) (*types.Transaction, error)
}

// NewSigner builds the signer selected by cfg for the given chain.
// from is the profile's sender address; it is required for remote signing
// and must match the key for local signing.
func NewSigner(cfg config.SignerConfig, from string, chainID *big.Int) (Signer, error) {
	switch cfg.Mode {
	case "", "local":
		if cfg.PrivateKey == "" {
			return nil, deperrors.NewConfigurationError("signer.private_key is required for local signing (set DEPLOYER_SIGNER_PRIVATE_KEY)")
		}
		s, err := NewLocalSigner(cfg.PrivateKey, chainID)
		if err != nil {
			return nil, deperrors.WrapConfiguration("signer.private_key", err)
		}
		if from != "" && common.HexToAddress(from) != s.Address() {
			return nil, deperrors.NewConfigurationError("network from address %s does not match signer key address %s", from, s.Address().Hex())
		}
		return s, nil

	case "rpc":
		if !common.IsHexAddress(from) {
			return nil, deperrors.NewConfigurationError("remote signing needs the network's from address")
		}
		return NewRPCSigner(RPCSignerConfig{
			Endpoint: cfg.Endpoint,
			APIKey:   cfg.APIKey,
			From:     common.HexToAddress(from),
			ChainID:  chainID,
		}), nil

	default:
		return nil, deperrors.NewConfigurationError("unknown signer mode %q", cfg.Mode)
	}
}

// LocalSigner signs with an in-process private key.
// Use this for development chains such as Ganache or Anvil.
type LocalSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
}

// NewLocalSigner creates a LocalSigner from a hex-encoded private key,
// with or without a "0x" prefix.
func NewLocalSigner(hexKey string, chainID *big.Int) (*LocalSigner, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	return &LocalSigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:    chainID,
	}, nil
}

// Address returns the signer's Ethereum address.
func (s *LocalSigner) Address() common.Address {
	return s.address
}

// SignTransaction signs a transaction using the local private key. No
// network is involved, so failures are configuration errors.
func (s *LocalSigner) SignTransaction(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	signer := types.LatestSignerForChainID(s.chainID)
	signedTx, err := types.SignTx(tx, signer, s.privateKey)
	if err != nil {
		return nil, deperrors.WrapConfiguration("sign transaction", err)
	}
	return signedTx, nil
}

// HTTPClient interface for HTTP operations (allows mocking in tests).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// RPCSignerConfig configures a remote eth_signTransaction signer.
type RPCSignerConfig struct {
	// Endpoint is the JSON-RPC URL of the signing service.
	Endpoint string
	// APIKey is sent as the X-API-Key header when set.
	APIKey  string
	From    common.Address
	ChainID *big.Int
	// HTTPClient is an optional custom HTTP client (for testing)
	HTTPClient HTTPClient
}

// RPCSigner signs transactions through a remote eth_signTransaction endpoint.
// Each signature is a single request; failures are not retried.
type RPCSigner struct {
	config RPCSignerConfig
	client HTTPClient
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
	ID      int             `json:"id"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// transactionArgs is the eth_signTransaction parameter object.
type transactionArgs struct {
	From                 string  `json:"from"`
	To                   *string `json:"to,omitempty"`
	Gas                  string  `json:"gas"`
	GasPrice             *string `json:"gasPrice,omitempty"`
	MaxFeePerGas         *string `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *string `json:"maxPriorityFeePerGas,omitempty"`
	Value                string  `json:"value"`
	Nonce                string  `json:"nonce"`
	Data                 string  `json:"data,omitempty"`
	ChainID              string  `json:"chainId"`
}

// NewRPCSigner creates a new RPCSigner.
func NewRPCSigner(cfg RPCSignerConfig) *RPCSigner {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &RPCSigner{config: cfg, client: client}
}

// Address returns the sender the remote service signs for.
func (s *RPCSigner) Address() common.Address {
	return s.config.From
}

// SignTransaction signs a transaction via the remote endpoint. Failures talking
// to the endpoint or decoding its answer are network errors.
func (s *RPCSigner) SignTransaction(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	rpcReq := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  "eth_signTransaction",
		Params:  []any{s.buildTransactionArgs(tx)},
		ID:      1,
	}

	signedTxHex, err := s.doJSONRPCCall(ctx, rpcReq)
	if err != nil {
		return nil, deperrors.WrapNetwork("sign transaction via "+s.config.Endpoint, err)
	}

	signedTx, err := decodeSignedTransaction(signedTxHex)
	if err != nil {
		return nil, deperrors.WrapNetwork("decode signed transaction", err)
	}
	return signedTx, nil
}

func (s *RPCSigner) buildTransactionArgs(tx *types.Transaction) transactionArgs {
	args := transactionArgs{
		From:    s.config.From.Hex(),
		Gas:     hexutil.EncodeUint64(tx.Gas()),
		Value:   hexutil.EncodeBig(tx.Value()),
		Nonce:   hexutil.EncodeUint64(tx.Nonce()),
		ChainID: hexutil.EncodeBig(s.config.ChainID),
	}

	// nil for contract creation
	if tx.To() != nil {
		to := tx.To().Hex()
		args.To = &to
	}

	if len(tx.Data()) > 0 {
		args.Data = hexutil.Encode(tx.Data())
	}

	switch tx.Type() {
	case types.DynamicFeeTxType:
		maxFee := hexutil.EncodeBig(tx.GasFeeCap())
		maxTip := hexutil.EncodeBig(tx.GasTipCap())
		args.MaxFeePerGas = &maxFee
		args.MaxPriorityFeePerGas = &maxTip
	default:
		gasPrice := hexutil.EncodeBig(tx.GasPrice())
		args.GasPrice = &gasPrice
	}

	return args
}

func (s *RPCSigner) doJSONRPCCall(ctx context.Context, rpcReq jsonRPCRequest) (string, error) {
	reqBody, err := json.Marshal(rpcReq)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.Endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.config.APIKey != "" {
		httpReq.Header.Set("X-API-Key", s.config.APIKey)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("signer returned %d: %s", resp.StatusCode, string(body))
	}

	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return "", fmt.Errorf("JSON-RPC error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}

	// Some signers return {"raw": "0x..", "tx": {...}} instead of the raw hex.
	var signedTxHex string
	if err := json.Unmarshal(rpcResp.Result, &signedTxHex); err != nil {
		var wrapped struct {
			Raw string `json:"raw"`
		}
		if err2 := json.Unmarshal(rpcResp.Result, &wrapped); err2 != nil || wrapped.Raw == "" {
			return "", fmt.Errorf("unmarshal result: %w", err)
		}
		signedTxHex = wrapped.Raw
	}
	return signedTxHex, nil
}

// decodeSignedTransaction decodes an RLP-encoded signed transaction.
func decodeSignedTransaction(hexEncodedTx string) (*types.Transaction, error) {
	txBytes, err := hexutil.Decode("0x" + strings.TrimPrefix(hexEncodedTx, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}

	var tx types.Transaction
	if err := tx.UnmarshalBinary(txBytes); err != nil {
		return nil, fmt.Errorf("unmarshal transaction: %w", err)
	}
	return &tx, nil
}

var (
	_ Signer = (*LocalSigner)(nil)
	_ Signer = (*RPCSigner)(nil)
)
