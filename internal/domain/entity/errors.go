package entity

import "errors"

// Error taxonomy for the trade pipeline. Adapters and services wrap these with
// fmt.Errorf("...: %w", err) so callers can classify failures with errors.Is.
var (
	// ErrConfigurationMissing is fatal and only returned during startup.
	ErrConfigurationMissing = errors.New("configuration missing")

	ErrStoreQueryFailure    = errors.New("store query failed")
	ErrSignalServiceFailure = errors.New("signal service failed")
	ErrAlgorithmLookupMiss  = errors.New("algorithm not found")
	ErrSignalMissing        = errors.New("no signal for algorithm")

	// ErrNoActionSignal is an expected rejection, not a fault.
	ErrNoActionSignal = errors.New("no action signal")

	ErrDecryptionFailure = errors.New("credential decryption failed")
	ErrCredentialWiped   = errors.New("credential has been wiped")
	ErrUnsupportedToken  = errors.New("unsupported token")
	ErrInvalidAmount     = errors.New("invalid trade amount")

	ErrAllowanceCheckFailure     = errors.New("allowance check failed")
	ErrApprovalSubmissionFailure = errors.New("approval submission failed")
	ErrSwapSubmissionFailure     = errors.New("swap submission failed")
	ErrSubmissionFailure         = errors.New("transaction not confirmed")

	ErrSidecarSpawnFailure     = errors.New("settlement sidecar failed to spawn")
	ErrSidecarReadinessTimeout = errors.New("settlement sidecar not ready before deadline")
	ErrSidecarStopped          = errors.New("settlement sidecar stopped")
	ErrChannelWriteFailure     = errors.New("settlement sidecar channel write failed")

	// ErrDirectiveDecodeFailure is logged and skipped by the sidecar reader.
	ErrDirectiveDecodeFailure = errors.New("settlement directive decode failed")

	// ErrDirectiveMismatch means sidecar calldata does not perform the
	// requested swap for the requesting account. It is never signed.
	ErrDirectiveMismatch = errors.New("settlement directive does not match transaction")

	// ErrBatchInProgress is returned when another pass already holds the venue.
	ErrBatchInProgress = errors.New("batch already running for venue")
)
