package outbound

import "github.com/archon-research/stl/stl-trade/internal/domain/entity"

// CredentialVault converts between locked and unlocked accounts.
type CredentialVault interface {
	// Unlock decrypts the credential. Failures wrap entity.ErrDecryptionFailure.
	Unlock(account entity.LockedAccount) (*entity.UnlockedAccount, error)

	// Lock re-encrypts the credential and wipes the unlocked account.
	Lock(account *entity.UnlockedAccount) (entity.LockedAccount, error)
}
