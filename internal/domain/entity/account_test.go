package entity

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestNewLockedAccount(t *testing.T) {
	validAddr := common.HexToAddress("0x0102030405060708090a0b0c0d0e0f1011121314")

	tests := []struct {
		name        string
		info        AccountInfo
		encrypted   string
		wantErr     bool
		errContains string
	}{
		{
			name:      "valid account",
			info:      AccountInfo{Address: validAddr, Status: RunStatusRunning},
			encrypted: "00:11",
		},
		{
			name:        "zero address",
			info:        AccountInfo{},
			encrypted:   "00:11",
			wantErr:     true,
			errContains: "address must not be zero",
		},
		{
			name:        "empty credential",
			info:        AccountInfo{Address: validAddr},
			encrypted:   "   ",
			wantErr:     true,
			errContains: "no encrypted key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc, err := NewLockedAccount(tt.info, tt.encrypted)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("expected error containing %q, got %v", tt.errContains, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if acc.State() != Locked {
				t.Errorf("expected locked state, got %s", acc.State())
			}
		})
	}
}

func TestUnlockedAccount_SignerMatchesAddress(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	secret := "0x" + hex.EncodeToString(crypto.FromECDSA(key))
	addr := crypto.PubkeyToAddress(key.PublicKey)

	acc := NewUnlockedAccount(AccountInfo{Address: addr}, []byte(secret))
	if acc.State() != Unlocked {
		t.Fatalf("expected unlocked state, got %s", acc.State())
	}

	signer, err := acc.Signer()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if crypto.PubkeyToAddress(signer.PublicKey) != addr {
		t.Error("signer does not match account address")
	}

	other := NewUnlockedAccount(AccountInfo{Address: common.HexToAddress("0x01")}, []byte(secret))
	if _, err := other.Signer(); !errors.Is(err, ErrDecryptionFailure) {
		t.Errorf("expected ErrDecryptionFailure for mismatched address, got %v", err)
	}
}

func TestUnlockedAccount_Wipe(t *testing.T) {
	secret := []byte("deadbeef")
	acc := NewUnlockedAccount(AccountInfo{Address: common.HexToAddress("0x01")}, secret)

	err := acc.WithSecret(func(got []byte) error {
		if string(got) != "deadbeef" {
			t.Errorf("expected secret before wipe, got %q", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	acc.Wipe()

	if !bytes.Equal(secret, make([]byte, len(secret))) {
		t.Error("expected backing bytes to be zeroed")
	}
	if err := acc.WithSecret(func([]byte) error { return nil }); !errors.Is(err, ErrCredentialWiped) {
		t.Errorf("expected ErrCredentialWiped, got %v", err)
	}
	if _, err := acc.Signer(); !errors.Is(err, ErrCredentialWiped) {
		t.Errorf("expected ErrCredentialWiped from Signer, got %v", err)
	}
}

func TestUnlockedAccount_WipeZeroesSigner(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	secret := []byte(hex.EncodeToString(crypto.FromECDSA(key)))
	acc := NewUnlockedAccount(AccountInfo{Address: crypto.PubkeyToAddress(key.PublicKey)}, secret)

	signer, err := acc.Signer()
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	if signer.D.Cmp(key.D) != 0 {
		t.Fatal("expected signer to carry the account key")
	}
	words := signer.D.Bits()

	acc.Wipe()

	if signer.D.Sign() != 0 {
		t.Error("expected signer scalar to be zeroed")
	}
	for i, w := range words {
		if w != 0 {
			t.Errorf("expected scalar word %d to be cleared", i)
		}
	}
	if !bytes.Equal(secret, make([]byte, len(secret))) {
		t.Error("expected secret bytes to be zeroed")
	}
}

func TestUnlockedAccount_SignerRejectsMalformedSecret(t *testing.T) {
	tests := []struct {
		name   string
		secret string
	}{
		{name: "not hex", secret: "zz"},
		{name: "odd length", secret: "0xabc"},
		{name: "short key", secret: "0xdeadbeef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := NewUnlockedAccount(AccountInfo{Address: common.HexToAddress("0x01")}, []byte(tt.secret))
			if _, err := acc.Signer(); !errors.Is(err, ErrDecryptionFailure) {
				t.Errorf("expected ErrDecryptionFailure, got %v", err)
			}
		})
	}
}

func TestUnlockedAccount_NeverLogsSecret(t *testing.T) {
	secret := "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	acc := NewUnlockedAccount(AccountInfo{Address: common.HexToAddress("0x01")}, []byte(secret))

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info("processing", "account", acc)

	if strings.Contains(buf.String(), secret) {
		t.Errorf("secret leaked into log output: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "REDACTED") {
		t.Errorf("expected redaction marker in log output: %s", buf.String())
	}
	if strings.Contains(fmt.Sprintf("%v %s", acc, acc), secret) {
		t.Error("secret leaked through fmt")
	}
}

func TestCredentialState_String(t *testing.T) {
	if Locked.String() != "locked" || Unlocked.String() != "unlocked" {
		t.Errorf("unexpected state names: %s %s", Locked, Unlocked)
	}
}
