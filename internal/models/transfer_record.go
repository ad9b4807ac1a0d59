package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// TransferStatus echo status of an incoming transfer
type TransferStatus string

const (
	TransferStatusReceived   TransferStatus = "received"   // detected, not yet resolved
	TransferStatusProcessing TransferStatus = "processing" // resolution in progress
	TransferStatusSuccess    TransferStatus = "success"    // echo broadcast accepted
	TransferStatusSkipped    TransferStatus = "skipped"    // value does not cover gas
	TransferStatusFailed     TransferStatus = "failed"     // last attempt failed, retried next cycle
)

// IsTerminal reports whether the record will never be attempted again.
func (s TransferStatus) IsTerminal() bool {
	return s == TransferStatusSuccess || s == TransferStatusSkipped
}

// Wei is an amount in the ledger's base unit.
// It is encoded as a decimal string and decodes from either a string or a JSON number.
type Wei struct {
	big.Int
}

// NewWei wraps v, nil becomes zero
func NewWei(v *big.Int) Wei {
	var w Wei
	if v != nil {
		w.Set(v)
	}
	return w
}

// WeiFromInt64 convenience constructor for small amounts
func WeiFromInt64(v int64) Wei {
	return NewWei(big.NewInt(v))
}

// BigInt returns a copy as *big.Int
func (w Wei) BigInt() *big.Int {
	return new(big.Int).Set(&w.Int)
}

func (w Wei) String() string {
	return w.Int.String()
}

func (w Wei) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.Int.String())
}

func (w *Wei) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		w.SetInt64(0)
		return nil
	}
	raw := strings.Trim(string(data), `"`)
	if raw == "" {
		w.SetInt64(0)
		return nil
	}
	base := 10
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		raw, base = raw[2:], 16
	}
	if _, ok := w.SetString(raw, base); !ok {
		return fmt.Errorf("invalid wei amount: %s", string(data))
	}
	return nil
}

// InflightEcho a signed echo whose broadcast outcome is unknown.
// It is rebroadcast byte-for-byte until the ledger accepts or rejects it.
type InflightEcho struct {
	Nonce     uint64    `json:"nonce"`
	RawTx     string    `json:"raw_tx"`  // 0x-prefixed signed transaction
	TxHash    string    `json:"tx_hash"` // hash of RawTx
	EchoValue Wei       `json:"echo_value"`
	GasFee    Wei       `json:"gas_fee"`
	SignedAt  time.Time `json:"signed_at"`
}

// TransferRecord one qualifying incoming transfer and its echo outcome
type TransferRecord struct {
	IncomingHash string         `json:"incoming_hash"`
	From         string         `json:"from"`
	Value        Wei            `json:"value"`
	BlockNumber  uint64         `json:"block_number"`
	Status       TransferStatus `json:"status"`
	EchoHash     string         `json:"echo_hash,omitempty"`
	EchoValue    string         `json:"echo_value,omitempty"` // detail string
	GasFee       *Wei           `json:"gas_fee,omitempty"`
	Attempts     int            `json:"attempts,omitempty"`
	Inflight     *InflightEcho  `json:"inflight,omitempty"`

	Timestamp int64     `json:"timestamp"` // detection time, unix seconds
	UpdatedAt time.Time `json:"updated_at"`
}

// NewTransferRecord creates a received record
func NewTransferRecord(hash, from string, value *big.Int, blockNumber uint64, now time.Time) *TransferRecord {
	return &TransferRecord{
		IncomingHash: strings.ToLower(hash),
		From:         from,
		Value:        NewWei(value),
		BlockNumber:  blockNumber,
		Status:       TransferStatusReceived,
		Timestamp:    now.Unix(),
		UpdatedAt:    now,
	}
}

// Clone deep copy, used for snapshots handed to readers
func (r *TransferRecord) Clone() *TransferRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Value = NewWei(&r.Value.Int)
	if r.GasFee != nil {
		fee := NewWei(&r.GasFee.Int)
		c.GasFee = &fee
	}
	if r.Inflight != nil {
		in := *r.Inflight
		in.EchoValue = NewWei(&r.Inflight.EchoValue.Int)
		in.GasFee = NewWei(&r.Inflight.GasFee.Int)
		c.Inflight = &in
	}
	return &c
}

// SetGasFee sets gas_fee once, later calls are ignored
func (r *TransferRecord) SetGasFee(fee *big.Int) {
	if r.GasFee != nil || fee == nil {
		return
	}
	w := NewWei(fee)
	r.GasFee = &w
}

// SetEchoHash sets echo_hash once, later calls are ignored
func (r *TransferRecord) SetEchoHash(hash string) {
	if r.EchoHash != "" {
		return
	}
	r.EchoHash = hash
}
