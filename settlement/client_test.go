package settlement

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

const (
	testToken = "0x2222222222222222222222222222222222222222"
	testDest  = "0x3333333333333333333333333333333333333333"
)

// fakeBackend implements Backend with programmable behaviour.
type fakeBackend struct {
	mu            sync.Mutex
	tokenBalance  *big.Int
	nativeBalance *big.Int
	gasPrice      *big.Int
	nonce         uint64
	sendErrs      []error
	sent          []*types.Transaction
	receipts      map[common.Hash]*types.Receipt
	receiptStatus uint64
	noReceipts    bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		tokenBalance:  big.NewInt(1_000_000),
		nativeBalance: new(big.Int).Mul(big.NewInt(1), big.NewInt(1_000_000_000_000_000_000)),
		gasPrice:      big.NewInt(2_000_000_000),
		receipts:      map[common.Hash]*types.Receipt{},
		receiptStatus: types.ReceiptStatusSuccessful,
	}
}

func (b *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonce, nil
}

func (b *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.gasPrice), nil
}

func (b *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	if len(b.sendErrs) > 0 {
		err = b.sendErrs[0]
		b.sendErrs = b.sendErrs[1:]
	}
	if err != nil {
		return err
	}
	b.sent = append(b.sent, tx)
	b.nonce++
	if !b.noReceipts {
		b.receipts[tx.Hash()] = &types.Receipt{Status: b.receiptStatus, TxHash: tx.Hash()}
	}
	return nil
}

func (b *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	receipt, ok := b.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (b *fakeBackend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return new(big.Int).Set(b.nativeBalance), nil
}

func (b *fakeBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return common.LeftPadBytes(b.tokenBalance.Bytes(), 32), nil
}

func (b *fakeBackend) sendAttempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

func newTestClient(t *testing.T, backend Backend, opts ...Option) *Client {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	keyHex := hex.EncodeToString(crypto.FromECDSA(key))

	base := []Option{
		WithMaxRetries(3),
		WithConfirmationTimeout(200 * time.Millisecond),
		WithPollInterval(time.Millisecond),
		WithSleeper(func(ctx context.Context, d time.Duration) error { return nil }),
	}
	client, err := New(backend, keyHex, testToken, 84532, 100, append(base, opts...)...)
	require.NoError(t, err)
	return client
}

func TestTransferConfirmedFirstAttempt(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(t, backend)

	receipt, err := client.Transfer(context.Background(), testDest, big.NewInt(1000))
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, receipt.Status)
	require.NotEmpty(t, receipt.TxHash)
	require.Equal(t, 1, backend.sendAttempts())
}

func TestTransferRetriesTransientThenSucceeds(t *testing.T) {
	backend := newFakeBackend()
	backend.sendErrs = []error{
		errors.New("connection reset"),
		errors.New("connection reset"),
	}
	client := newTestClient(t, backend)

	receipt, err := client.Transfer(context.Background(), testDest, big.NewInt(1000))
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, receipt.Status)
	require.Equal(t, 1, backend.sendAttempts(), "third attempt lands")
}

func TestTransferExhaustsRetries(t *testing.T) {
	backend := newFakeBackend()
	backend.sendErrs = []error{
		errors.New("connection reset"),
		errors.New("connection reset"),
		errors.New("connection reset"),
	}
	client := newTestClient(t, backend)

	_, err := client.Transfer(context.Background(), testDest, big.NewInt(1000))
	require.Error(t, err)
	require.Contains(t, err.Error(), "after 3 attempts")
	require.Equal(t, 0, backend.sendAttempts(), "no broadcast ever succeeded")
}

func TestTransferGasPriceCapped(t *testing.T) {
	backend := newFakeBackend()
	// 200 gwei network price against a 100 gwei cap.
	backend.gasPrice = new(big.Int).Mul(big.NewInt(200), big.NewInt(1_000_000_000))
	client := newTestClient(t, backend)

	_, err := client.Transfer(context.Background(), testDest, big.NewInt(1000))
	require.NoError(t, err)

	cap := new(big.Int).Mul(big.NewInt(100), big.NewInt(1_000_000_000))
	require.Equal(t, 1, backend.sendAttempts())
	require.Zero(t, backend.sent[0].GasPrice().Cmp(cap),
		"constructed transaction must carry the capped price, never the network price")
}

func TestTransferGasPriceBelowCapUnchanged(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(t, backend)

	_, err := client.Transfer(context.Background(), testDest, big.NewInt(1000))
	require.NoError(t, err)
	require.Zero(t, backend.sent[0].GasPrice().Cmp(backend.gasPrice))
}

func TestTransferDeterministicRejectionNotRetried(t *testing.T) {
	backend := newFakeBackend()
	backend.sendErrs = []error{
		errors.New("execution reverted: transfer amount exceeds balance"),
		nil, nil,
	}
	client := newTestClient(t, backend)

	_, err := client.Transfer(context.Background(), testDest, big.NewInt(1000))
	require.Error(t, err)
	require.Equal(t, 0, backend.sendAttempts(), "deterministic rejection aborts immediately")
}

func TestTransferRevertedReceiptTerminal(t *testing.T) {
	backend := newFakeBackend()
	backend.receiptStatus = types.ReceiptStatusFailed
	client := newTestClient(t, backend)

	receipt, err := client.Transfer(context.Background(), testDest, big.NewInt(1000))
	require.ErrorIs(t, err, ErrTransactionReverted)
	require.Equal(t, StatusReverted, receipt.Status)
	require.Equal(t, 1, backend.sendAttempts(), "a revert is terminal, never retried")
}

func TestTransferInsufficientTokenBalance(t *testing.T) {
	backend := newFakeBackend()
	backend.tokenBalance = big.NewInt(10)
	client := newTestClient(t, backend)

	_, err := client.Transfer(context.Background(), testDest, big.NewInt(1000))
	require.ErrorIs(t, err, ErrInsufficientFunds)
	require.Equal(t, 0, backend.sendAttempts(), "pre-flight failure issues no transaction")
}

func TestTransferInsufficientGasReserve(t *testing.T) {
	backend := newFakeBackend()
	backend.nativeBalance = big.NewInt(1)
	client := newTestClient(t, backend)

	_, err := client.Transfer(context.Background(), testDest, big.NewInt(1000))
	require.ErrorIs(t, err, ErrInsufficientGasReserve)
	require.Equal(t, 0, backend.sendAttempts())
}

func TestTransferConfirmationTimeoutRetries(t *testing.T) {
	backend := newFakeBackend()
	backend.noReceipts = true
	client := newTestClient(t, backend, WithMaxRetries(2), WithConfirmationTimeout(10*time.Millisecond))

	_, err := client.Transfer(context.Background(), testDest, big.NewInt(1000))
	require.Error(t, err)
	require.ErrorIs(t, err, ErrConfirmationTimeout)
	require.Equal(t, 2, backend.sendAttempts(), "each timed-out attempt feeds back into a retry")
}

func TestPublishProofBestEffort(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(t, backend)

	record := ProofRecord{
		ClaimID:       "claim-1",
		ProofDigest:   "abcd",
		PublicSignals: []int64{1, 503, 0, 10_000},
		PayoutUnits:   10_000,
		Recipient:     testDest,
	}
	result := client.PublishProof(context.Background(), record)
	require.True(t, result.Published())
	require.NotEmpty(t, result.TxHash)

	// Zero-value self-send carrying the record as payload.
	tx := backend.sent[len(backend.sent)-1]
	require.Zero(t, tx.Value().Sign())
	require.Equal(t, client.Address(), *tx.To())
	require.Contains(t, string(tx.Data()), "claim-1")

	encoded, err := EncodeProofData(record)
	require.NoError(t, err)
	require.Equal(t, encoded, "0x"+hex.EncodeToString(tx.Data()))
}

func TestPublishProofFailureReturnedNotRaised(t *testing.T) {
	backend := newFakeBackend()
	backend.sendErrs = []error{
		errors.New("connection reset"),
	}
	client := newTestClient(t, backend)

	result := client.PublishProof(context.Background(), ProofRecord{ClaimID: "claim-2"})
	require.False(t, result.Published())
	require.Error(t, result.Err)
}

func TestNewRequiresWalletKey(t *testing.T) {
	_, err := New(newFakeBackend(), "", testToken, 84532, 100)
	require.ErrorIs(t, err, ErrNoWallet)

	_, err = New(newFakeBackend(), "0x", testToken, 84532, 100)
	require.ErrorIs(t, err, ErrNoWallet)
}

func TestMockClientTransfers(t *testing.T) {
	mock := NewMockClient(nil)
	receipt, err := mock.Transfer(context.Background(), testDest, big.NewInt(500))
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, receipt.Status)
	require.NotEmpty(t, receipt.TxHash)

	reserves, err := mock.Reserves(context.Background())
	require.NoError(t, err)
	require.Zero(t, reserves.Sign())
}
