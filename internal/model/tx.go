package model

import "github.com/shopspring/decimal"

// ChainKind distinguishes the transaction encoding a chain expects.
type ChainKind string

const (
	ChainSubstrate ChainKind = "substrate"
	ChainEVM       ChainKind = "evm"
)

// UnsignedTransaction is a chain-specific transaction awaiting external
// signing. Substrate chains fill Module/Method/Args; EVM chains fill
// To/Data/GasLimit.
type UnsignedTransaction struct {
	Chain     string    `json:"chain"`
	ChainKind ChainKind `json:"chain_kind"`

	Module string   `json:"module,omitempty"`
	Method string   `json:"method,omitempty"`
	Args   []string `json:"args,omitempty"`

	To       string `json:"to,omitempty"`
	Data     string `json:"data,omitempty"`
	GasLimit uint64 `json:"gas_limit,omitempty"`
}

// StepResult is the outcome of executing one path step: the transaction to
// sign plus the native amount it moves, used by callers to warn about fee
// and existential-deposit interactions.
type StepResult struct {
	Tx                   *UnsignedTransaction `json:"tx"`
	TransferNativeAmount decimal.Decimal      `json:"transfer_native_amount"`
}
