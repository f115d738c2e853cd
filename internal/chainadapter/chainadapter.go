// Package chainadapter abstracts the blockchain RPC surface the scheduler
// and wallet pool need: balance reads, nonce reads, signed-transaction
// broadcast and receipt polling. No component outside this package knows
// about go-ethereum types directly.
package chainadapter

import (
	"context"
	"errors"
	"math/big"
)

// Receipt is the minimal confirmation information the lifecycle manager
// needs to move a submitted job to confirmed or failed.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	Success     bool
}

// SignedTx is an opaque, chain-ready transaction produced by the wallet
// pool's signing strategy and handed to Adapter.Broadcast.
type SignedTx struct {
	Raw    []byte
	TxHash string
}

// UnsignedTx carries what a signer needs to produce a SignedTx.
type UnsignedTx struct {
	ChainID  int64
	From     string
	To       string
	Nonce    uint64
	Amount   *big.Int
	GasLimit uint64
	GasPrice *big.Int
	Data     []byte
}

// Adapter is the capability set the scheduler and wallet pool depend on.
// Production traffic runs against the go-ethereum backed implementation;
// tests run against the in-memory fake.
type Adapter interface {
	ChainID() int64
	BalanceAt(ctx context.Context, address string) (*big.Int, error)
	NonceAt(ctx context.Context, address string) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	Sign(ctx context.Context, signer Signer, tx UnsignedTx) (SignedTx, error)
	Broadcast(ctx context.Context, tx SignedTx) error
	ReceiptByHash(ctx context.Context, txHash string) (*Receipt, bool, error)
}

// Signer produces a raw, broadcastable signature for a transaction hash.
// Implemented by the wallet pool's signing strategies (local private key
// or an external key-management service), never by chainadapter itself.
type Signer interface {
	Name() string
	Sign(ctx context.Context, address string, txHash []byte) ([]byte, error)
}

// ErrorClass categorizes a Broadcast failure so callers can decide
// whether to retry as-is, resync a wallet's nonce and retry, disable a
// wallet and retry, or fail the job outright without retrying.
type ErrorClass int

const (
	ErrClassUnknown ErrorClass = iota
	ErrClassDuplicate
	ErrClassUnderpriced
	ErrClassNonceTooLow
	ErrClassNonceTooHigh
	ErrClassInsufficientFunds
	ErrClassReverted
	ErrClassNetwork
	ErrClassTimeout
)

func (c ErrorClass) String() string {
	switch c {
	case ErrClassDuplicate:
		return "duplicate"
	case ErrClassUnderpriced:
		return "underpriced"
	case ErrClassNonceTooLow:
		return "nonce_too_low"
	case ErrClassNonceTooHigh:
		return "nonce_too_high"
	case ErrClassInsufficientFunds:
		return "insufficient_funds"
	case ErrClassReverted:
		return "reverted"
	case ErrClassNetwork:
		return "network"
	case ErrClassTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// BroadcastError wraps a Broadcast failure with its classification. An
// Adapter implementation that can distinguish these classes returns one;
// an error that isn't a *BroadcastError is treated by callers as
// unclassified and defaults to the most conservative handling.
type BroadcastError struct {
	Class ErrorClass
	Err   error
}

func (e *BroadcastError) Error() string { return e.Err.Error() }
func (e *BroadcastError) Unwrap() error { return e.Err }

// AsClass extracts the classification from a Broadcast error, returning
// ok=false if the adapter didn't classify it.
func AsClass(err error) (ErrorClass, bool) {
	var be *BroadcastError
	if errors.As(err, &be) {
		return be.Class, true
	}
	return ErrClassUnknown, false
}
