// Package abis holds the contract ABIs the venue packs calls against.
package abis

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// ParseABI parses a JSON ABI definition.
func ParseABI(abiJSON string) (*abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

// lazyABI parses its JSON once on first use.
func lazyABI(name, abiJSON string) func() (*abi.ABI, error) {
	return sync.OnceValues(func() (*abi.ABI, error) {
		parsed, err := ParseABI(abiJSON)
		if err != nil {
			return nil, fmt.Errorf("parsing %s ABI: %w", name, err)
		}
		return parsed, nil
	})
}
