// Package vault turns locked trading accounts into unlocked ones and back.
//
// Credentials are stored as "hex(iv):hex(ciphertext)" where the ciphertext is
// the private key hex string encrypted with AES-CBC and PKCS#7 padding under
// the deployment key.
package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/archon-research/stl/stl-trade/internal/domain/entity"
	"github.com/archon-research/stl/stl-trade/internal/ports/outbound"
)

const separator = ":"

// Compile-time check that Vault implements outbound.CredentialVault.
var _ outbound.CredentialVault = (*Vault)(nil)

// Vault holds the deployment decryption key.
type Vault struct {
	key  []byte
	rand io.Reader
}

// New parses a hex-encoded AES key. Key-length problems are reported at
// Unlock time as decryption failures so a misconfigured deployment fails per
// account instead of refusing to start.
func New(keyHex string) *Vault {
	key, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(keyHex), "0x"))
	if err != nil {
		key = nil
	}
	return &Vault{key: key, rand: rand.Reader}
}

// Check reports whether the key is usable, for startup diagnostics.
func (v *Vault) Check() error {
	if _, err := v.block(); err != nil {
		return err
	}
	return nil
}

func (v *Vault) block() (cipher.Block, error) {
	if v == nil || len(v.key) == 0 {
		return nil, fmt.Errorf("%w: decryption key missing or not hex", entity.ErrDecryptionFailure)
	}
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", entity.ErrDecryptionFailure, err)
	}
	return block, nil
}

// Unlock decrypts the account credential. On any failure no plaintext is
// returned and the error wraps entity.ErrDecryptionFailure.
func (v *Vault) Unlock(account entity.LockedAccount) (*entity.UnlockedAccount, error) {
	plaintext, err := v.Decrypt(account.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("unlocking %s: %w", account.AddressHex(), err)
	}
	return entity.NewUnlockedAccount(account.AccountInfo, plaintext), nil
}

// Lock re-encrypts the secret with a fresh IV and wipes the unlocked account.
func (v *Vault) Lock(account *entity.UnlockedAccount) (entity.LockedAccount, error) {
	defer account.Wipe()

	var sealed string
	err := account.WithSecret(func(secret []byte) error {
		var err error
		sealed, err = v.Encrypt(secret)
		return err
	})
	if err != nil {
		return entity.LockedAccount{}, err
	}
	return entity.NewLockedAccount(account.AccountInfo, sealed)
}

// Decrypt parses and decrypts a stored credential.
func (v *Vault) Decrypt(stored string) ([]byte, error) {
	block, err := v.block()
	if err != nil {
		return nil, err
	}

	ivHex, ctHex, ok := strings.Cut(strings.TrimSpace(stored), separator)
	if !ok || strings.Contains(ctHex, separator) {
		return nil, fmt.Errorf("%w: expected iv:ciphertext", entity.ErrDecryptionFailure)
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return nil, fmt.Errorf("%w: iv is not hex", entity.ErrDecryptionFailure)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: iv must be %d bytes, got %d", entity.ErrDecryptionFailure, aes.BlockSize, len(iv))
	}
	ciphertext, err := hex.DecodeString(ctHex)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext is not hex", entity.ErrDecryptionFailure)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext is not a whole number of blocks", entity.ErrDecryptionFailure)
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plaintext, err := unpad(padded)
	if err != nil {
		clear(padded)
		return nil, err
	}
	return plaintext, nil
}

// Encrypt produces the at-rest form of plaintext using a random IV.
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	block, err := v.block()
	if err != nil {
		return "", err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(v.rand, iv); err != nil {
		return "", fmt.Errorf("generating iv: %w", err)
	}

	padded := pad(plaintext)
	defer clear(padded)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return hex.EncodeToString(iv) + separator + hex.EncodeToString(ciphertext), nil
}

func pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	out := make([]byte, len(data), len(data)+n)
	copy(out, data)
	return append(out, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, fmt.Errorf("%w: invalid padding", entity.ErrDecryptionFailure)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: invalid padding", entity.ErrDecryptionFailure)
		}
	}
	return data[:len(data)-n], nil
}
