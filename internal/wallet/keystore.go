package wallet

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltLen      = 16
)

// SealedKey is a wallet private key encrypted at rest with a passphrase,
// using the scrypt+secretbox pairing: scrypt derives a symmetric key from
// the passphrase, secretbox authenticates and encrypts the key material.
// Mirrors the layered encryption the reference backend describes for its
// KMS-held keys, implemented locally instead of against a remote service.
type SealedKey struct {
	Salt  [saltLen]byte
	Nonce [24]byte
	Box   []byte
}

// Seal encrypts a private key under a passphrase.
func Seal(key *ecdsa.PrivateKey, passphrase string) (SealedKey, error) {
	var sealed SealedKey
	if _, err := rand.Read(sealed.Salt[:]); err != nil {
		return SealedKey{}, fmt.Errorf("generate salt: %w", err)
	}
	if _, err := rand.Read(sealed.Nonce[:]); err != nil {
		return SealedKey{}, fmt.Errorf("generate nonce: %w", err)
	}
	derived, err := scrypt.Key([]byte(passphrase), sealed.Salt[:], scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return SealedKey{}, fmt.Errorf("derive key: %w", err)
	}
	var secretKey [32]byte
	copy(secretKey[:], derived)

	sealed.Box = secretbox.Seal(nil, crypto.FromECDSA(key), &sealed.Nonce, &secretKey)
	return sealed, nil
}

// Open decrypts a sealed key given the passphrase used to seal it.
func Open(sealed SealedKey, passphrase string) (*ecdsa.PrivateKey, error) {
	derived, err := scrypt.Key([]byte(passphrase), sealed.Salt[:], scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	var secretKey [32]byte
	copy(secretKey[:], derived)

	plain, ok := secretbox.Open(nil, sealed.Box, &sealed.Nonce, &secretKey)
	if !ok {
		return nil, fmt.Errorf("wrong passphrase or corrupt sealed key")
	}
	return crypto.ToECDSA(plain)
}
