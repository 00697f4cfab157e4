package seda

import (
	"errors"
	"fmt"

	"github.com/cosmos/cosmos-sdk/crypto/hd"
	cryptotypes "github.com/cosmos/cosmos-sdk/crypto/types"
	"github.com/cosmos/cosmos-sdk/types/bech32"
	bip39 "github.com/cosmos/go-bip39"
)

// Bech32Prefix is the account address prefix on SEDA chains.
const Bech32Prefix = "seda"

// derivationPath is BIP-44 with the Cosmos coin type, first account.
const derivationPath = "m/44'/118'/0'/0/0"

// ErrInvalidMnemonic is returned for malformed BIP-39 phrases.
var ErrInvalidMnemonic = errors.New("seda: invalid mnemonic")

// Signer holds the in-memory key material for Cosmos submissions. Keys
// never leave the process.
type Signer struct {
	privKey cryptotypes.PrivKey
	address string
}

// NewSigner derives the signing key from a BIP-39 mnemonic at the
// standard Cosmos path and renders the bech32 account address.
func NewSigner(mnemonic string) (*Signer, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}

	derived, err := hd.Secp256k1.Derive()(mnemonic, "", derivationPath)
	if err != nil {
		return nil, fmt.Errorf("seda: derive key: %w", err)
	}
	privKey := hd.Secp256k1.Generate()(derived)

	address, err := bech32.ConvertAndEncode(Bech32Prefix, privKey.PubKey().Address())
	if err != nil {
		return nil, fmt.Errorf("seda: encode address: %w", err)
	}

	return &Signer{privKey: privKey, address: address}, nil
}

// Address returns the bech32 account address.
func (s *Signer) Address() string {
	return s.address
}

// PubKey returns the account public key.
func (s *Signer) PubKey() cryptotypes.PubKey {
	return s.privKey.PubKey()
}

// Sign signs msg with the account key.
func (s *Signer) Sign(msg []byte) ([]byte, error) {
	return s.privKey.Sign(msg)
}
