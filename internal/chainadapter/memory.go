package chainadapter

import (
	"context"
	"fmt"
	"math/big"
	"sync"
)

// Memory is a deterministic in-process fake Adapter for tests. Broadcast
// records the tx; ReceiptByHash returns confirmed once ConfirmAfter calls
// to ReceiptByHash for that hash have been made (simulating block delay).
type Memory struct {
	mu           sync.Mutex
	chainID      int64
	balances     map[string]*big.Int
	nonces       map[string]uint64
	broadcast    map[string]SignedTx
	pollsSeen    map[string]int
	ConfirmAfter int
	FailHashes   map[string]bool

	// ForceBroadcastError, when set, is returned by the next call to
	// Broadcast instead of recording the transaction, then cleared. Tests
	// use it to simulate a single classified submission failure.
	ForceBroadcastError error
}

func NewMemory(chainID int64) *Memory {
	return &Memory{
		chainID:      chainID,
		balances:     make(map[string]*big.Int),
		nonces:       make(map[string]uint64),
		broadcast:    make(map[string]SignedTx),
		pollsSeen:    make(map[string]int),
		ConfirmAfter: 1,
		FailHashes:   make(map[string]bool),
	}
}

func (m *Memory) SetBalance(address string, balance *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[address] = balance
}

func (m *Memory) SetNonce(address string, nonce uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonces[address] = nonce
}

func (m *Memory) ChainID() int64 { return m.chainID }

func (m *Memory) BalanceAt(_ context.Context, address string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.balances[address]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (m *Memory) NonceAt(_ context.Context, address string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonces[address], nil
}

func (m *Memory) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (m *Memory) Sign(ctx context.Context, signer Signer, tx UnsignedTx) (SignedTx, error) {
	sig, err := signer.Sign(ctx, tx.From, []byte(fmt.Sprintf("%s:%d", tx.From, tx.Nonce)))
	if err != nil {
		return SignedTx{}, err
	}
	hash := fmt.Sprintf("0xfake%x%d", sig, tx.Nonce)
	return SignedTx{Raw: sig, TxHash: hash}, nil
}

func (m *Memory) Broadcast(_ context.Context, tx SignedTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ForceBroadcastError != nil {
		err := m.ForceBroadcastError
		m.ForceBroadcastError = nil
		return err
	}
	m.broadcast[tx.TxHash] = tx
	return nil
}

func (m *Memory) ReceiptByHash(_ context.Context, txHash string) (*Receipt, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.broadcast[txHash]; !ok {
		return nil, false, nil
	}
	m.pollsSeen[txHash]++
	if m.pollsSeen[txHash] < m.ConfirmAfter {
		return nil, false, nil
	}
	return &Receipt{
		TxHash:      txHash,
		BlockNumber: uint64(100 + m.pollsSeen[txHash]),
		Success:     !m.FailHashes[txHash],
	}, true, nil
}
