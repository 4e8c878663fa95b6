// Package settlement moves funds out of the custodial wallet: ERC20 refund
// transfers with pre-flight balance checks, capped gas pricing, bounded
// retries, and a best-effort on-chain audit trail.
package settlement

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"x402insurance/observability"
)

const erc20ABIJSON = `[
	{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function"}
]`

var erc20ABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic(err)
	}
	return parsed
}()

const (
	transferGasLimit = 100_000
	publishGasLimit  = 50_000
)

// minGasReserveWei is the native balance floor required before any transfer
// is attempted (0.001 ether).
var minGasReserveWei = big.NewInt(1_000_000_000_000_000)

// Backend is the subset of the Ethereum RPC the client uses.
// *ethclient.Client satisfies it.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Dial connects to the configured RPC endpoint.
func Dial(rpcURL string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(rpcURL)
	if trimmed == "" {
		return nil, fmt.Errorf("settlement: rpc url required")
	}
	return ethclient.Dial(trimmed)
}

// Status is the terminal state of a settled transaction.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusReverted  Status = "reverted"
)

// Receipt reports a settlement that reached finality.
type Receipt struct {
	TxHash string
	Status Status
}

// ProofRecord is the compact audit record published on-chain after a payout.
type ProofRecord struct {
	ClaimID       string  `json:"claim_id"`
	ProofDigest   string  `json:"proof_hash"`
	PublicSignals []int64 `json:"public_inputs"`
	PayoutUnits   uint64  `json:"payout_amount"`
	Recipient     string  `json:"recipient"`
}

// PublishReceipt is the result of a best-effort proof publication. The
// failure variant carries Err; callers log it and move on, never propagate.
type PublishReceipt struct {
	TxHash string
	Err    error
}

// Published reports whether the audit record landed on-chain.
func (r PublishReceipt) Published() bool { return r.Err == nil }

// Settler is the contract the claim-payout flow consumes.
type Settler interface {
	Transfer(ctx context.Context, to string, amount *big.Int) (Receipt, error)
	PublishProof(ctx context.Context, record ProofRecord) PublishReceipt
	Reserves(ctx context.Context) (*big.Int, error)
}

// Client executes ERC20 settlements from the custodial wallet.
type Client struct {
	backend             Backend
	key                 *ecdsa.PrivateKey
	from                common.Address
	token               common.Address
	chainID             *big.Int
	maxGasPrice         *big.Int
	maxRetries          int
	confirmationTimeout time.Duration
	pollInterval        time.Duration
	metrics             *observability.InsuranceMetrics
	log                 *slog.Logger
	now                 func() time.Time
	sleep               func(ctx context.Context, d time.Duration) error

	// sendMu serialises nonce-fetch-then-submit; two concurrent transfers
	// from the same account must not race on the same sequence number.
	sendMu sync.Mutex
}

// Option customises the client.
type Option func(*Client)

// WithMaxRetries bounds transient-failure retries.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithConfirmationTimeout bounds the per-attempt confirmation wait.
func WithConfirmationTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.confirmationTimeout = d
		}
	}
}

// WithPollInterval configures the receipt polling cadence.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithSleeper overrides the backoff sleep, used by tests.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// New constructs a settlement client. privateKeyHex signs outbound
// transactions; maxGasPriceGwei is the operator's hard cost ceiling per
// transfer.
func New(backend Backend, privateKeyHex, tokenAddress string, chainID int64, maxGasPriceGwei int64, opts ...Option) (*Client, error) {
	if backend == nil {
		return nil, fmt.Errorf("settlement: backend required")
	}
	trimmed := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if trimmed == "" {
		return nil, ErrNoWallet
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("settlement: parse wallet key: %w", err)
	}
	if !common.IsHexAddress(tokenAddress) {
		return nil, fmt.Errorf("settlement: invalid token address %q", tokenAddress)
	}
	c := &Client{
		backend:             backend,
		key:                 key,
		from:                crypto.PubkeyToAddress(key.PublicKey),
		token:               common.HexToAddress(tokenAddress),
		chainID:             big.NewInt(chainID),
		maxGasPrice:         new(big.Int).Mul(big.NewInt(maxGasPriceGwei), big.NewInt(1_000_000_000)),
		maxRetries:          3,
		confirmationTimeout: 2 * time.Minute,
		pollInterval:        3 * time.Second,
		metrics:             observability.Insurance(),
		log:                 slog.Default().With("component", "settlement"),
		now:                 time.Now,
		sleep:               sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Address returns the custodial wallet address.
func (c *Client) Address() common.Address { return c.from }

// Balance returns the token balance of addr, or of the custodial wallet when
// addr is the zero address.
func (c *Client) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	if addr == (common.Address{}) {
		addr = c.from
	}
	data, err := erc20ABI.Pack("balanceOf", addr)
	if err != nil {
		return nil, fmt.Errorf("settlement: pack balanceOf: %w", err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("settlement: balanceOf call: %w", err)
	}
	results, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("settlement: unpack balanceOf: %w", err)
	}
	balance, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("settlement: unexpected balanceOf result")
	}
	return balance, nil
}

// Reserves reports the custodial wallet's token balance.
func (c *Client) Reserves(ctx context.Context) (*big.Int, error) {
	return c.Balance(ctx, common.Address{})
}

// NativeBalance returns the custodial wallet's native-currency balance.
func (c *Client) NativeBalance(ctx context.Context) (*big.Int, error) {
	balance, err := c.backend.BalanceAt(ctx, c.from, nil)
	if err != nil {
		return nil, fmt.Errorf("settlement: native balance: %w", err)
	}
	return balance, nil
}

// Transfer moves amount token units to the destination. It returns a receipt
// only once the transaction reached finality: confirmed, or reverted together
// with ErrTransactionReverted. Transient failures are retried with
// exponential backoff up to the configured attempt count, after which the
// last error is surfaced.
func (c *Client) Transfer(ctx context.Context, to string, amount *big.Int) (Receipt, error) {
	if !common.IsHexAddress(to) {
		return Receipt{}, fmt.Errorf("settlement: invalid destination address %q", to)
	}
	if amount == nil || amount.Sign() <= 0 {
		return Receipt{}, fmt.Errorf("settlement: amount must be positive")
	}
	destination := common.HexToAddress(to)

	if err := c.preflight(ctx, amount); err != nil {
		c.metrics.RecordSettlementError("preflight")
		return Receipt{}, err
	}

	started := c.now()
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			c.log.Info("retrying transfer", "attempt", attempt+1, "max", c.maxRetries)
			c.metrics.RecordSettlementRetry()
			if err := c.sleep(ctx, time.Duration(1<<attempt)*time.Second); err != nil {
				return Receipt{}, err
			}
		}

		receipt, err := c.sendTransfer(ctx, destination, amount)
		if err == nil {
			c.metrics.ObserveSettlement(string(StatusConfirmed), c.now().Sub(started))
			c.log.Info("refund settled", "tx", receipt.TxHash, "to", to, "amount", amount.String())
			return receipt, nil
		}
		if deterministic(err) {
			c.metrics.RecordSettlementError("deterministic")
			c.metrics.ObserveSettlement(string(StatusReverted), c.now().Sub(started))
			c.log.Error("transfer rejected", "error", err)
			return receipt, err
		}
		lastErr = err
		c.log.Warn("transfer attempt failed", "attempt", attempt+1, "error", err)
	}
	c.metrics.RecordSettlementError("retries_exhausted")
	return Receipt{}, fmt.Errorf("settlement: transfer failed after %d attempts: %w", c.maxRetries, lastErr)
}

// preflight aborts before any transaction is built when balances cannot
// support the transfer.
func (c *Client) preflight(ctx context.Context, amount *big.Int) error {
	balance, err := c.Balance(ctx, common.Address{})
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s units, need %s units",
			ErrInsufficientFunds, balance.String(), amount.String())
	}
	native, err := c.NativeBalance(ctx)
	if err != nil {
		return err
	}
	if native.Cmp(minGasReserveWei) < 0 {
		return fmt.Errorf("%w: have %s wei, need %s wei",
			ErrInsufficientGasReserve, native.String(), minGasReserveWei.String())
	}
	return nil
}

func (c *Client) sendTransfer(ctx context.Context, to common.Address, amount *big.Int) (Receipt, error) {
	data, err := erc20ABI.Pack("transfer", to, amount)
	if err != nil {
		return Receipt{}, fmt.Errorf("settlement: pack transfer: %w", err)
	}
	txHash, err := c.submit(ctx, c.token, big.NewInt(0), transferGasLimit, data)
	if err != nil {
		return Receipt{}, err
	}
	return c.awaitFinality(ctx, txHash)
}

// submit serialises sequence-number fetch and broadcast under the account
// lock, then returns the transaction hash.
func (c *Client) submit(ctx context.Context, to common.Address, value *big.Int, gasLimit uint64, data []byte) (common.Hash, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("settlement: fetch nonce: %w", err)
	}
	gasPrice, err := c.gasPrice(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("settlement: sign transaction: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("settlement: broadcast: %w", err)
	}
	c.log.Info("transaction sent",
		"tx", signed.Hash().Hex(), "nonce", nonce, "gas_price_wei", gasPrice.String())
	return signed.Hash(), nil
}

// gasPrice returns min(network price, configured cap). When the network
// price exceeds the cap the capped price is used and the event logged,
// trading slower inclusion for bounded cost.
func (c *Client) gasPrice(ctx context.Context) (*big.Int, error) {
	current, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("settlement: gas price: %w", err)
	}
	if current.Cmp(c.maxGasPrice) > 0 {
		c.log.Warn("gas price capped",
			"network_wei", current.String(), "cap_wei", c.maxGasPrice.String())
		return new(big.Int).Set(c.maxGasPrice), nil
	}
	return current, nil
}

// awaitFinality polls for the receipt until the confirmation timeout. A
// confirmed-but-failed execution status is terminal, not transient.
func (c *Client) awaitFinality(ctx context.Context, txHash common.Hash) (Receipt, error) {
	deadline := c.now().Add(c.confirmationTimeout)
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return Receipt{TxHash: txHash.Hex(), Status: StatusReverted},
					fmt.Errorf("%w: %s", ErrTransactionReverted, txHash.Hex())
			}
			return Receipt{TxHash: txHash.Hex(), Status: StatusConfirmed}, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			c.log.Warn("receipt lookup failed", "tx", txHash.Hex(), "error", err)
		}
		if c.now().After(deadline) {
			return Receipt{}, fmt.Errorf("%w: %s", ErrConfirmationTimeout, txHash.Hex())
		}
		if err := c.sleep(ctx, c.pollInterval); err != nil {
			return Receipt{}, err
		}
	}
}

// PublishProof commits a compact audit record as payload data on a
// zero-value transaction to the custodial wallet itself. Publication is best
// effort: its failure never rolls back or blocks the already-issued refund,
// so errors come back inside the result, never as a fault.
func (c *Client) PublishProof(ctx context.Context, record ProofRecord) PublishReceipt {
	payload, err := json.Marshal(record)
	if err != nil {
		return PublishReceipt{Err: fmt.Errorf("settlement: encode proof record: %w", err)}
	}

	txHash, err := c.submit(ctx, c.from, big.NewInt(0), publishGasLimit, payload)
	if err != nil {
		return PublishReceipt{Err: err}
	}
	receipt, err := c.awaitFinality(ctx, txHash)
	if err != nil {
		return PublishReceipt{TxHash: txHash.Hex(), Err: err}
	}
	c.log.Info("proof published", "claim", record.ClaimID, "tx", receipt.TxHash)
	return PublishReceipt{TxHash: receipt.TxHash}
}

// EncodeProofData returns the hex form of the record payload as it appears in
// the transaction input field.
func EncodeProofData(record ProofRecord) (string, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(payload), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
