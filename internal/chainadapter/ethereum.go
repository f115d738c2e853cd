package chainadapter

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// Ethereum is the go-ethereum backed Adapter. It dials each configured RPC
// endpoint in order at construction time and keeps the first one that
// answers a NetworkID check, falling through to the next endpoint on
// dial failure the same way the reference backend's client initializer
// does for its multi-network RPC pool.
type Ethereum struct {
	chainID int64
	client  *ethclient.Client
	logger  *logrus.Logger
	oracle  *GasOracle
}

// WithGasOracle attaches an explorer-backed gas oracle used as a floor on
// top of the node's own SuggestGasPrice. Passing nil disables the floor.
func (e *Ethereum) WithGasOracle(oracle *GasOracle) *Ethereum {
	e.oracle = oracle
	return e
}

// DialEthereum tries each endpoint in order and keeps the first live one.
func DialEthereum(ctx context.Context, chainID int64, endpoints []string, logger *logrus.Logger) (*Ethereum, error) {
	if logger == nil {
		logger = logrus.New()
	}
	var lastErr error
	for _, ep := range endpoints {
		client, err := ethclient.DialContext(ctx, ep)
		if err != nil {
			lastErr = err
			logger.WithFields(logrus.Fields{"endpoint": ep, "error": err}).Warn("chain adapter: dial failed, trying next endpoint")
			continue
		}
		netID, err := client.NetworkID(ctx)
		if err != nil {
			lastErr = err
			client.Close()
			logger.WithFields(logrus.Fields{"endpoint": ep, "error": err}).Warn("chain adapter: network id check failed, trying next endpoint")
			continue
		}
		if netID.Int64() != chainID {
			lastErr = fmt.Errorf("endpoint %s reports chain id %d, expected %d", ep, netID.Int64(), chainID)
			client.Close()
			continue
		}
		logger.WithFields(logrus.Fields{"endpoint": ep, "chain_id": chainID}).Info("chain adapter: connected")
		return &Ethereum{chainID: chainID, client: client, logger: logger}, nil
	}
	return nil, fmt.Errorf("no live RPC endpoint for chain %d: %w", chainID, lastErr)
}

func (e *Ethereum) ChainID() int64 { return e.chainID }

func (e *Ethereum) BalanceAt(ctx context.Context, address string) (*big.Int, error) {
	return e.client.BalanceAt(ctx, common.HexToAddress(address), nil)
}

func (e *Ethereum) NonceAt(ctx context.Context, address string) (uint64, error) {
	return e.client.PendingNonceAt(ctx, common.HexToAddress(address))
}

// SuggestGasPrice returns the node's own estimate, raised to the
// explorer-reported price when an oracle is configured and the node
// estimate undershoots it. A node's local estimate can lag a sudden fee
// spike; the oracle catches that without ever lowering the node's number.
func (e *Ethereum) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	nodePrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	if e.oracle == nil {
		return nodePrice, nil
	}
	oraclePrice, ok := e.oracle.SuggestGasPriceWei(ctx, e.chainID)
	if !ok {
		return nodePrice, nil
	}
	if oraclePrice.Cmp(nodePrice) > 0 {
		e.logger.WithFields(logrus.Fields{"chain_id": e.chainID, "node_price": nodePrice.String(), "oracle_price": oraclePrice.String()}).Info("chain adapter: gas oracle raised suggested price")
		return oraclePrice, nil
	}
	return nodePrice, nil
}

func (e *Ethereum) Sign(ctx context.Context, signer Signer, tx UnsignedTx) (SignedTx, error) {
	unsigned := types.NewTransaction(tx.Nonce, common.HexToAddress(tx.To), tx.Amount, tx.GasLimit, tx.GasPrice, tx.Data)
	chainSigner := types.NewEIP155Signer(big.NewInt(tx.ChainID))
	hash := chainSigner.Hash(unsigned)

	sig, err := signer.Sign(ctx, tx.From, hash[:])
	if err != nil {
		return SignedTx{}, fmt.Errorf("sign via %s: %w", signer.Name(), err)
	}
	signedTx, err := unsigned.WithSignature(chainSigner, sig)
	if err != nil {
		return SignedTx{}, fmt.Errorf("apply signature: %w", err)
	}
	raw, err := signedTx.MarshalBinary()
	if err != nil {
		return SignedTx{}, fmt.Errorf("marshal signed tx: %w", err)
	}
	return SignedTx{Raw: raw, TxHash: signedTx.Hash().Hex()}, nil
}

func (e *Ethereum) Broadcast(ctx context.Context, tx SignedTx) error {
	var decoded types.Transaction
	if err := decoded.UnmarshalBinary(tx.Raw); err != nil {
		return fmt.Errorf("decode signed tx: %w", err)
	}
	if err := e.client.SendTransaction(ctx, &decoded); err != nil {
		return &BroadcastError{Class: classifyNodeError(err), Err: err}
	}
	return nil
}

// classifyNodeError maps a go-ethereum node's error string onto the
// submission error taxonomy. The JSON-RPC error text is the only signal
// available here; go-ethereum doesn't expose typed sentinel errors for
// most of these conditions.
func classifyNodeError(err error) ErrorClass {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already known"):
		return ErrClassDuplicate
	case strings.Contains(msg, "underpriced"):
		return ErrClassUnderpriced
	case strings.Contains(msg, "nonce too low"):
		return ErrClassNonceTooLow
	case strings.Contains(msg, "nonce too high"):
		return ErrClassNonceTooHigh
	case strings.Contains(msg, "insufficient funds"):
		return ErrClassInsufficientFunds
	case strings.Contains(msg, "execution reverted"):
		return ErrClassReverted
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return ErrClassTimeout
	case strings.Contains(msg, "context canceled"), strings.Contains(msg, "connection refused"), strings.Contains(msg, "no route to host"), strings.Contains(msg, "eof"):
		return ErrClassNetwork
	default:
		return ErrClassUnknown
	}
}

func (e *Ethereum) ReceiptByHash(ctx context.Context, txHash string) (*Receipt, bool, error) {
	receipt, err := e.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if err.Error() == "not found" {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &Receipt{
		TxHash:      txHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		Success:     receipt.Status == types.ReceiptStatusSuccessful,
	}, true, nil
}
