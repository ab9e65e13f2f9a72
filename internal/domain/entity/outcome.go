package entity

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// OutcomeStatus classifies how one account fared in a pass.
type OutcomeStatus string

const (
	OutcomeExecuted OutcomeStatus = "executed"
	OutcomeSkipped  OutcomeStatus = "skipped"
	OutcomeFailed   OutcomeStatus = "failed"
)

// TradeOutcome is the per-account result of a batch pass. It is published for
// observability only; it never carries key material.
type TradeOutcome struct {
	RunID   string         `json:"runId"`
	Venue   string         `json:"venue"`
	Account common.Address `json:"account"`
	Action  TradeSignal    `json:"action"`
	Status  OutcomeStatus  `json:"status"`
	Reason  string         `json:"reason,omitempty"`
	Error   string         `json:"error,omitempty"`
	TxHash  string         `json:"txHash,omitempty"`
	At      time.Time      `json:"at"`
}

// FailureReason maps an error onto a short, low-cardinality label suitable
// for metrics attributes and message filtering.
func FailureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoActionSignal):
		return "no_action"
	case errors.Is(err, ErrAlgorithmLookupMiss):
		return "algorithm_lookup_miss"
	case errors.Is(err, ErrSignalMissing):
		return "signal_missing"
	case errors.Is(err, ErrSignalServiceFailure):
		return "signal_service"
	case errors.Is(err, ErrDecryptionFailure), errors.Is(err, ErrCredentialWiped):
		return "decryption"
	case errors.Is(err, ErrUnsupportedToken):
		return "unsupported_token"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrAllowanceCheckFailure):
		return "allowance_check"
	case errors.Is(err, ErrApprovalSubmissionFailure):
		return "approval_submission"
	case errors.Is(err, ErrSwapSubmissionFailure), errors.Is(err, ErrSubmissionFailure):
		return "swap_submission"
	case errors.Is(err, ErrChannelWriteFailure), errors.Is(err, ErrSidecarStopped), errors.Is(err, ErrDirectiveMismatch):
		return "sidecar"
	case errors.Is(err, ErrStoreQueryFailure):
		return "store"
	default:
		return "other"
	}
}
