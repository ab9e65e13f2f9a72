package abis

import (
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestSelectors(t *testing.T) {
	erc20, err := GetERC20ABI()
	if err != nil {
		t.Fatalf("erc20: %v", err)
	}
	router, err := GetSwapRouterABI()
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	quoter, err := GetQuoterABI()
	if err != nil {
		t.Fatalf("quoter: %v", err)
	}

	tests := []struct {
		name string
		id   []byte
		want string
	}{
		{name: "allowance", id: erc20.Methods["allowance"].ID, want: "dd62ed3e"},
		{name: "approve", id: erc20.Methods["approve"].ID, want: "095ea7b3"},
		{name: "decimals", id: erc20.Methods["decimals"].ID, want: "313ce567"},
		{name: "exactInputSingle", id: router.Methods["exactInputSingle"].ID, want: "414bf389"},
		{name: "exactOutputSingle", id: router.Methods["exactOutputSingle"].ID, want: "db3e2198"},
		{name: "quoteExactInputSingle", id: quoter.Methods["quoteExactInputSingle"].ID, want: "f7729d43"},
		{name: "quoteExactOutputSingle", id: quoter.Methods["quoteExactOutputSingle"].ID, want: "30d07f21"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hex.EncodeToString(tt.id); got != tt.want {
				t.Errorf("expected selector %s, got %s", tt.want, got)
			}
		})
	}
}

func TestPackExactInputSingle(t *testing.T) {
	router, err := GetSwapRouterABI()
	if err != nil {
		t.Fatal(err)
	}
	params := ExactInputSingleParams{
		TokenIn:           common.HexToAddress("0x01"),
		TokenOut:          common.HexToAddress("0x02"),
		Fee:               big.NewInt(3000),
		Recipient:         common.HexToAddress("0x03"),
		Deadline:          big.NewInt(1700000000),
		AmountIn:          big.NewInt(10_000_000),
		AmountOutMinimum:  big.NewInt(1),
		SqrtPriceLimitX96: big.NewInt(0),
	}

	data, err := router.Pack("exactInputSingle", params)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if len(data) != 4+8*32 {
		t.Errorf("expected static tuple encoding of %d bytes, got %d", 4+8*32, len(data))
	}

	values, err := router.Methods["exactInputSingle"].Inputs.Unpack(data[4:])
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if len(values) != 1 {
		t.Fatalf("expected one tuple argument, got %d", len(values))
	}
}
