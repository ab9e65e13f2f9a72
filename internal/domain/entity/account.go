package entity

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// CredentialState tags which form of the credential an account value holds.
type CredentialState uint8

const (
	// Locked means the credential field holds ciphertext only.
	Locked CredentialState = iota
	// Unlocked means the decrypted secret is held in memory.
	Unlocked
)

func (s CredentialState) String() string {
	switch s {
	case Locked:
		return "locked"
	case Unlocked:
		return "unlocked"
	default:
		return fmt.Sprintf("CredentialState(%d)", uint8(s))
	}
}

// RunStatus is the management-surface status of a trading account.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusPaused  RunStatus = "paused"
)

// AccountInfo holds the attributes shared by both credential states.
type AccountInfo struct {
	ID        string
	Address   common.Address
	Algorithm string // algorithm catalog id
	Status    RunStatus
	Venue     string
	Pair      Pair
	Interval  int // signal interval in minutes
}

// AddressHex returns the checksummed address.
func (a AccountInfo) AddressHex() string {
	return a.Address.Hex()
}

// LockedAccount is an account whose credential is still encrypted at rest.
// It has no accessor for key material; use a vault to obtain an UnlockedAccount.
type LockedAccount struct {
	AccountInfo
	EncryptedKey string
}

// NewLockedAccount creates a LockedAccount with validation.
func NewLockedAccount(info AccountInfo, encryptedKey string) (LockedAccount, error) {
	if info.Address == (common.Address{}) {
		return LockedAccount{}, fmt.Errorf("account address must not be zero")
	}
	if strings.TrimSpace(encryptedKey) == "" {
		return LockedAccount{}, fmt.Errorf("account %s has no encrypted key", info.AddressHex())
	}
	return LockedAccount{AccountInfo: info, EncryptedKey: encryptedKey}, nil
}

// State always reports Locked.
func (a LockedAccount) State() CredentialState { return Locked }

// UnlockedAccount holds a decrypted private key for the duration of one
// submission. Callers must Wipe it once the transaction is signed.
type UnlockedAccount struct {
	AccountInfo
	secret []byte
	// signers are the parsed keys handed out by Signer; Wipe zeroes them.
	signers []*ecdsa.PrivateKey
}

// NewUnlockedAccount takes ownership of secret; the caller must not retain it.
func NewUnlockedAccount(info AccountInfo, secret []byte) *UnlockedAccount {
	return &UnlockedAccount{AccountInfo: info, secret: secret}
}

// State always reports Unlocked.
func (a *UnlockedAccount) State() CredentialState { return Unlocked }

// WithSecret lends the plaintext secret, exactly as it was encrypted, to fn.
// The slice is the account's own buffer: fn must not retain or modify it.
func (a *UnlockedAccount) WithSecret(fn func(secret []byte) error) error {
	if a == nil || a.secret == nil {
		return ErrCredentialWiped
	}
	return fn(a.secret)
}

// Signer parses the secret into an ECDSA key. The account address must match
// the key, otherwise signing would produce transactions for another wallet.
// The returned key is zeroed by Wipe.
func (a *UnlockedAccount) Signer() (*ecdsa.PrivateKey, error) {
	if a == nil || a.secret == nil {
		return nil, ErrCredentialWiped
	}

	trimmed := bytes.TrimSpace(a.secret)
	if len(trimmed) >= 2 && trimmed[0] == '0' && (trimmed[1] == 'x' || trimmed[1] == 'X') {
		trimmed = trimmed[2:]
	}
	raw := make([]byte, hex.DecodedLen(len(trimmed)))
	defer clear(raw)
	if _, err := hex.Decode(raw, trimmed); err != nil {
		return nil, fmt.Errorf("%w: secret is not hex", ErrDecryptionFailure)
	}

	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: secret is not a valid private key", ErrDecryptionFailure)
	}
	if derived := crypto.PubkeyToAddress(key.PublicKey); derived != a.Address {
		zeroKey(key)
		return nil, fmt.Errorf("%w: key belongs to %s, not %s", ErrDecryptionFailure, derived.Hex(), a.AddressHex())
	}
	a.signers = append(a.signers, key)
	return key, nil
}

// Wipe zeroes the secret and every key parsed from it. Accessors fail
// afterwards.
func (a *UnlockedAccount) Wipe() {
	if a == nil {
		return
	}
	clear(a.secret)
	a.secret = nil
	for _, key := range a.signers {
		zeroKey(key)
	}
	a.signers = nil
}

func zeroKey(key *ecdsa.PrivateKey) {
	if key == nil || key.D == nil {
		return
	}
	clear(key.D.Bits())
	key.D.SetInt64(0)
}

// String never includes the secret.
func (a *UnlockedAccount) String() string {
	return fmt.Sprintf("UnlockedAccount{%s, key: [REDACTED]}", a.AddressHex())
}

// LogValue keeps the secret out of structured logs.
func (a *UnlockedAccount) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("address", a.AddressHex()),
		slog.String("state", a.State().String()),
		slog.String("key", "[REDACTED]"),
	)
}
