package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// SigningStrategy lets the pool sign with a local private key or defer to
// an external key-management service without the rest of the pool caring
// which. Mirrors the strategy split the reference backend uses between
// its local-key and KMS-backed signers.
type SigningStrategy interface {
	Name() string
	Sign(ctx context.Context, address string, txHash []byte) ([]byte, error)
}

// PrivateKeySigningStrategy signs locally with in-memory keys, keyed by
// address. Keys are expected to already be unsealed by the caller (see
// Seal/Open in keystore.go) before being handed to this strategy.
type PrivateKeySigningStrategy struct {
	keys map[string]*ecdsa.PrivateKey
}

func NewPrivateKeySigningStrategy(keys map[string]*ecdsa.PrivateKey) *PrivateKeySigningStrategy {
	return &PrivateKeySigningStrategy{keys: keys}
}

func (s *PrivateKeySigningStrategy) Name() string { return "private_key" }

func (s *PrivateKeySigningStrategy) Sign(_ context.Context, address string, txHash []byte) ([]byte, error) {
	key, ok := s.keys[address]
	if !ok {
		return nil, fmt.Errorf("no local key for address %s", address)
	}
	return crypto.Sign(txHash, key)
}

// KMSSigner is the narrow remote capability a KMS-backed strategy needs.
type KMSSigner interface {
	SignWithKMS(ctx context.Context, address string, hash []byte) ([]byte, error)
}

// KMSSigningStrategy delegates signing to an external key-management
// service instead of holding key material in process memory.
type KMSSigningStrategy struct {
	kms KMSSigner
}

func NewKMSSigningStrategy(kms KMSSigner) *KMSSigningStrategy {
	return &KMSSigningStrategy{kms: kms}
}

func (s *KMSSigningStrategy) Name() string { return "kms" }

func (s *KMSSigningStrategy) Sign(ctx context.Context, address string, txHash []byte) ([]byte, error) {
	return s.kms.SignWithKMS(ctx, address, txHash)
}
