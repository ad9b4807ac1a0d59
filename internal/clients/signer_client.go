package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"echo-vault/internal/config"
	"echo-vault/internal/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// SignerClient remote signer backed by the enclave runtime key
type SignerClient struct {
	http *odynHTTP

	mu      sync.Mutex
	address *common.Address // fetched once
}

// signTxPayload structured transaction accepted by /v1/eth/sign-tx
type signTxPayload struct {
	Kind                 string `json:"kind"`
	ChainID              string `json:"chain_id"`
	Nonce                string `json:"nonce"`
	MaxPriorityFeePerGas string `json:"max_priority_fee_per_gas"`
	MaxFeePerGas         string `json:"max_fee_per_gas"`
	GasLimit             string `json:"gas_limit"`
	To                   string `json:"to"`
	Value                string `json:"value"`
	Data                 string `json:"data"`
}

// signTxResponse /v1/eth/sign-tx response
type signTxResponse struct {
	RawTransaction  string `json:"raw_transaction"`
	TransactionHash string `json:"transaction_hash,omitempty"`
	Signature       string `json:"signature,omitempty"`
}

// NewSignerClient Create remote signer client
func NewSignerClient(cfg config.SignerConfig) *SignerClient {
	return &SignerClient{
		http: newOdynHTTP(cfg.Endpoint, time.Duration(cfg.Timeout)*time.Second),
	}
}

// Name signing strategy name
func (c *SignerClient) Name() string {
	return "Remote"
}

// Address controlled address, fetched from the runtime once and cached
func (c *SignerClient) Address(ctx context.Context) (common.Address, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.address != nil {
		return *c.address, nil
	}

	response, err := c.http.makeRequest(ctx, "GET", "/v1/eth/address", nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("signer address request failed: %w", err)
	}
	var addrResp struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(response, &addrResp); err != nil {
		return common.Address{}, fmt.Errorf("failed to parse signer address response: %w", err)
	}
	if !common.IsHexAddress(addrResp.Address) {
		return common.Address{}, fmt.Errorf("signer returned invalid address %q", addrResp.Address)
	}
	addr := common.HexToAddress(addrResp.Address)
	c.address = &addr
	return addr, nil
}

// SignTransaction signs an EIP-1559 transfer and checks the result matches the request
func (c *SignerClient) SignTransaction(ctx context.Context, req *models.SignTxRequest) (*models.SignedTx, error) {
	data := req.Data
	if data == nil {
		data = []byte{}
	}
	payload := signTxPayload{
		Kind:                 "structured",
		ChainID:              hexutil.EncodeBig(req.ChainID),
		Nonce:                hexutil.EncodeUint64(req.Nonce),
		MaxPriorityFeePerGas: hexutil.EncodeBig(req.MaxPriorityFeePerGas),
		MaxFeePerGas:         hexutil.EncodeBig(req.MaxFeePerGas),
		GasLimit:             hexutil.EncodeUint64(req.GasLimit),
		To:                   req.To.Hex(),
		Value:                hexutil.EncodeBig(req.Value),
		Data:                 hexutil.Encode(data),
	}

	response, err := c.http.makeRequest(ctx, "POST", "/v1/eth/sign-tx", map[string]interface{}{"payload": payload})
	if err != nil {
		return nil, fmt.Errorf("signer sign-tx request failed: %w", err)
	}
	var signResp signTxResponse
	if err := json.Unmarshal(response, &signResp); err != nil {
		return nil, fmt.Errorf("failed to parse signer response: %w", err)
	}
	if signResp.RawTransaction == "" {
		return nil, fmt.Errorf("signer returned an empty raw transaction")
	}
	raw, err := hexutil.Decode(signResp.RawTransaction)
	if err != nil {
		return nil, fmt.Errorf("signer returned malformed raw transaction: %w", err)
	}
	return decodeSignedTx(raw, req)
}

// decodeSignedTx parses raw and verifies nonce, recipient and value against req
func decodeSignedTx(raw []byte, req *models.SignTxRequest) (*models.SignedTx, error) {
	var tx types.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("failed to decode signed transaction: %w", err)
	}
	if tx.Nonce() != req.Nonce {
		return nil, fmt.Errorf("signed transaction nonce %d, requested %d", tx.Nonce(), req.Nonce)
	}
	if tx.To() == nil || *tx.To() != req.To {
		return nil, fmt.Errorf("signed transaction recipient does not match %s", req.To.Hex())
	}
	if tx.Value().Cmp(req.Value) != 0 {
		return nil, fmt.Errorf("signed transaction value %s, requested %s", tx.Value(), req.Value)
	}
	return &models.SignedTx{RawTransaction: raw, TxHash: tx.Hash()}, nil
}
