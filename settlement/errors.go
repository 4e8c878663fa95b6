package settlement

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInsufficientFunds is returned when the custodial token balance
	// cannot cover the requested transfer. No transaction is issued.
	ErrInsufficientFunds = errors.New("settlement: insufficient token balance")

	// ErrInsufficientGasReserve is returned when the native balance cannot
	// cover gas. No transaction is issued.
	ErrInsufficientGasReserve = errors.New("settlement: insufficient native balance for gas")

	// ErrConfirmationTimeout indicates the transaction was not confirmed
	// within the configured window; the attempt is retried.
	ErrConfirmationTimeout = errors.New("settlement: confirmation timeout")

	// ErrTransactionReverted indicates the transaction confirmed with a
	// failed execution status. Terminal, never retried.
	ErrTransactionReverted = errors.New("settlement: transaction reverted")

	// ErrNoWallet is returned when a signing operation is attempted without
	// a configured wallet key.
	ErrNoWallet = errors.New("settlement: wallet not configured")
)

// ContractError marks a deterministic rejection by the receiving contract.
// Retrying would waste gas: ledger state will reject the call every time.
type ContractError struct {
	Reason string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("settlement: contract rejected call: %s", e.Reason)
}

// deterministic reports whether the error should never be retried.
func deterministic(err error) bool {
	var contractErr *ContractError
	if errors.As(err, &contractErr) {
		return true
	}
	if errors.Is(err, ErrTransactionReverted) {
		return true
	}
	// Node-side execution rejections surface as rpc errors carrying the
	// revert marker.
	return strings.Contains(err.Error(), "execution reverted")
}
