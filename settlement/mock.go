package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"
)

// MockClient stands in for the real client when no wallet key is configured.
// Transfers return deterministic fake hashes and no transaction is ever
// broadcast. It must only be wired in non-production environments.
type MockClient struct {
	log     *slog.Logger
	counter atomic.Uint64
}

// NewMockClient constructs the wallet-less stand-in.
func NewMockClient(log *slog.Logger) *MockClient {
	if log == nil {
		log = slog.Default()
	}
	return &MockClient{log: log.With("component", "settlement", "mode", "mock")}
}

// Transfer logs the would-be refund and fabricates a confirmed receipt.
func (m *MockClient) Transfer(ctx context.Context, to string, amount *big.Int) (Receipt, error) {
	n := m.counter.Add(1)
	m.log.Info("mock refund", "to", to, "amount", amount.String())
	return Receipt{
		TxHash: fmt.Sprintf("0x%064x", n),
		Status: StatusConfirmed,
	}, nil
}

// PublishProof fabricates a successful publication.
func (m *MockClient) PublishProof(ctx context.Context, record ProofRecord) PublishReceipt {
	m.log.Info("mock proof publication", "claim", record.ClaimID)
	return PublishReceipt{TxHash: fmt.Sprintf("0x%064x", m.counter.Add(1))}
}

// Reserves reports a zero balance; the reserve monitor surfaces this as the
// unknown status upstream.
func (m *MockClient) Reserves(ctx context.Context) (*big.Int, error) {
	return big.NewInt(0), nil
}
