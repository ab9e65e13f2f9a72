package blockchain

import (
	"math/big"

	"github.com/holiman/uint256"
)

var (
	maxUint256 = new(uint256.Int).SetAllOne()

	// allowanceThreshold is MaxUint256 / 1e9. An approval of MaxUint256 stays
	// above it for any realistic trading volume.
	allowanceThreshold = new(uint256.Int).Div(maxUint256, uint256.NewInt(1_000_000_000))
)

// MaxApproval is the amount approved when an allowance is raised.
func MaxApproval() *big.Int {
	return maxUint256.ToBig()
}

// AllowanceThreshold returns MaxUint256 / 1e9.
func AllowanceThreshold() *big.Int {
	return allowanceThreshold.ToBig()
}

// NeedsRenewal reports whether allowance has fallen below the threshold.
// Values that do not fit in 256 bits are treated as unlimited.
func NeedsRenewal(allowance *big.Int) bool {
	if allowance == nil || allowance.Sign() <= 0 {
		return true
	}
	v, overflow := uint256.FromBig(allowance)
	if overflow {
		return false
	}
	return v.Lt(allowanceThreshold)
}
