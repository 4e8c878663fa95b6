package auth

import (
	"encoding/hex"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"x402insurance/observability"
)

// EIP-712 domain binding for x402 payment claims. Field order, domain name,
// and version are a compatibility contract with every issued client
// signature.
const (
	signingDomainName    = "x402 Payment"
	signingDomainVersion = "1"
)

// maxClockSkew is the allowance for claim timestamps ahead of local time.
const maxClockSkew = 60 * time.Second

// Rejection reasons used for logging and metrics.
const (
	rejectMalformed = "malformed"
	rejectAmount    = "amount_mismatch"
	rejectRecipient = "recipient_mismatch"
	rejectAsset     = "asset_mismatch"
	rejectFuture    = "timestamp_future"
	rejectStale     = "timestamp_stale"
	rejectReplay    = "nonce_replayed"
	rejectSignature = "signature_invalid"
)

// Verifier checks a payment claim string against an expected amount and
// returns the verdict as data; a false result is the normal unhappy path,
// never an error.
type Verifier interface {
	Verify(header, payerHint string, requiredAmount uint64, maxAge time.Duration) VerificationResult
}

// PaymentVerifier is the production verifier: full field validation, EIP-712
// signature recovery, and replay defence backed by the nonce ledger.
type PaymentVerifier struct {
	backendAddress common.Address
	tokenAddress   common.Address
	chainID        int64
	ledger         *NonceLedger
	metrics        *observability.InsuranceMetrics
	log            *slog.Logger
	now            func() time.Time
}

// VerifierOption customises a PaymentVerifier.
type VerifierOption func(*PaymentVerifier)

// WithVerifierClock sets the function used to derive the current time.
func WithVerifierClock(clock func() time.Time) VerifierOption {
	return func(v *PaymentVerifier) { v.now = clock }
}

// WithVerifierLogger overrides the default logger.
func WithVerifierLogger(log *slog.Logger) VerifierOption {
	return func(v *PaymentVerifier) { v.log = log }
}

// NewPaymentVerifier constructs the production verifier. The ledger owns all
// nonce state; the verifier only reaches it through Used and Reserve.
func NewPaymentVerifier(backendAddress, tokenAddress string, chainID int64, ledger *NonceLedger, opts ...VerifierOption) *PaymentVerifier {
	v := &PaymentVerifier{
		backendAddress: common.HexToAddress(backendAddress),
		tokenAddress:   common.HexToAddress(tokenAddress),
		chainID:        chainID,
		ledger:         ledger,
		metrics:        observability.Insurance(),
		log:            slog.Default().With("component", "payment_verifier"),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify runs the full check sequence in strict short-circuit order. Any
// failure returns an invalid result echoing whatever fields were parsed; the
// nonce is committed only after every other check, signature included, has
// passed.
func (v *PaymentVerifier) Verify(header, payerHint string, requiredAmount uint64, maxAge time.Duration) VerificationResult {
	claim, err := ParseClaim(header, payerHint)
	if err != nil {
		v.reject(rejectMalformed, "claim rejected", "error", err)
		return resultFor(claim, false)
	}

	if claim.Amount != requiredAmount {
		v.reject(rejectAmount, "payment amount mismatch",
			"provided", claim.Amount, "required", requiredAmount)
		return resultFor(claim, false)
	}

	payTo, ok := canonicalAddress(claim.PayTo)
	if !ok || payTo != v.backendAddress {
		v.reject(rejectRecipient, "payment recipient mismatch",
			"provided", claim.PayTo, "expected", v.backendAddress.Hex())
		return resultFor(claim, false)
	}
	asset, ok := canonicalAddress(claim.Asset)
	if !ok || asset != v.tokenAddress {
		v.reject(rejectAsset, "payment asset mismatch",
			"provided", claim.Asset, "expected", v.tokenAddress.Hex())
		return resultFor(claim, false)
	}

	now := v.now().Unix()
	if claim.Timestamp > now+int64(maxClockSkew.Seconds()) {
		v.reject(rejectFuture, "payment timestamp in future", "timestamp", claim.Timestamp)
		return resultFor(claim, false)
	}
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	if now-claim.Timestamp > int64(maxAge.Seconds()) {
		v.reject(rejectStale, "payment timestamp too old",
			"age_seconds", now-claim.Timestamp, "max_age_seconds", int64(maxAge.Seconds()))
		return resultFor(claim, false)
	}

	used, err := v.ledger.Used(claim.Payer, claim.Nonce)
	if err != nil {
		v.reject(rejectReplay, "nonce lookup failed", "error", err)
		return resultFor(claim, false)
	}
	if used {
		v.reject(rejectReplay, "nonce already used",
			"payer", claim.Payer, "nonce", claim.Nonce)
		return resultFor(claim, false)
	}

	if !v.signatureValid(claim) {
		v.reject(rejectSignature, "signature verification failed", "payer", claim.Payer)
		return resultFor(claim, false)
	}

	// Check-then-commit runs atomically inside the ledger; a concurrent
	// claim with the same pair loses here.
	won, err := v.ledger.Reserve(claim.Payer, claim.Nonce, claim.Timestamp)
	if err != nil {
		v.reject(rejectReplay, "nonce commit failed", "error", err)
		return resultFor(claim, false)
	}
	if !won {
		v.reject(rejectReplay, "nonce already used",
			"payer", claim.Payer, "nonce", claim.Nonce)
		return resultFor(claim, false)
	}

	v.log.Info("payment verified", "payer", claim.Payer, "amount", claim.Amount)
	return resultFor(claim, true)
}

func (v *PaymentVerifier) reject(reason, msg string, args ...any) {
	v.log.Warn(msg, args...)
	v.metrics.RecordVerifyReject(reason)
}

func (v *PaymentVerifier) signatureValid(claim PaymentClaim) bool {
	payer, ok := canonicalAddress(claim.Payer)
	if !ok {
		return false
	}
	digest, err := v.claimDigest(claim)
	if err != nil {
		return false
	}
	sig, err := decodeSignature(claim.Signature)
	if err != nil {
		return false
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return false
	}
	return crypto.PubkeyToAddress(*pub) == payer
}

// claimDigest recomputes the domain-separated EIP-712 digest the payer
// signed.
func (v *PaymentVerifier) claimDigest(claim PaymentClaim) ([]byte, error) {
	typed := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"Payment": []apitypes.Type{
				{Name: "payer", Type: "address"},
				{Name: "amount", Type: "uint256"},
				{Name: "asset", Type: "address"},
				{Name: "payTo", Type: "address"},
				{Name: "timestamp", Type: "uint256"},
				{Name: "nonce", Type: "string"},
			},
		},
		PrimaryType: "Payment",
		Domain: apitypes.TypedDataDomain{
			Name:    signingDomainName,
			Version: signingDomainVersion,
			ChainId: math.NewHexOrDecimal256(v.chainID),
		},
		Message: apitypes.TypedDataMessage{
			"payer":     common.HexToAddress(claim.Payer).Hex(),
			"amount":    strconv.FormatUint(claim.Amount, 10),
			"asset":     common.HexToAddress(claim.Asset).Hex(),
			"payTo":     common.HexToAddress(claim.PayTo).Hex(),
			"timestamp": strconv.FormatInt(claim.Timestamp, 10),
			"nonce":     claim.Nonce,
		},
	}
	digest, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return nil, err
	}
	return digest, nil
}

func canonicalAddress(raw string) (common.Address, bool) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func decodeSignature(raw string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	sig, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, err
	}
	if len(sig) != crypto.SignatureLength {
		return nil, ErrMalformedClaim
	}
	// Accept Ethereum-style recovery ids of 27/28.
	out := append([]byte(nil), sig...)
	if out[crypto.RecoveryIDOffset] >= 27 {
		out[crypto.RecoveryIDOffset] -= 27
	}
	return out, nil
}

// SimplePaymentVerifier is the trusted-test variant: it checks amount
// equality only and skips signature, recipient, and asset checks. It exists
// for environments without real keys and must never be selected where real
// funds move; config.Load enforces that.
type SimplePaymentVerifier struct {
	BackendAddress string
	TokenAddress   string

	now func() time.Time
}

// NewSimplePaymentVerifier constructs the trusted-test verifier.
func NewSimplePaymentVerifier(backendAddress, tokenAddress string) *SimplePaymentVerifier {
	return &SimplePaymentVerifier{
		BackendAddress: backendAddress,
		TokenAddress:   tokenAddress,
		now:            time.Now,
	}
}

// Verify accepts any claim whose amount matches the required amount.
func (v *SimplePaymentVerifier) Verify(header, payerHint string, requiredAmount uint64, maxAge time.Duration) VerificationResult {
	fields := map[string]string{}
	for _, item := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(item, "=")
		if !ok {
			continue
		}
		fields[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	amount, err := strconv.ParseUint(fields["amount"], 10, 64)
	if err != nil || amount != requiredAmount {
		return VerificationResult{
			Payer:     payerHint,
			Amount:    amount,
			Asset:     v.TokenAddress,
			PayTo:     v.BackendAddress,
			Timestamp: v.now().Unix(),
			Signature: fields["signature"],
			Valid:     false,
		}
	}
	payer := payerHint
	if payer == "" {
		payer = "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0"
	}
	return VerificationResult{
		Payer:     payer,
		Amount:    amount,
		Asset:     v.TokenAddress,
		PayTo:     v.BackendAddress,
		Timestamp: v.now().Unix(),
		Nonce:     fields["token"],
		Signature: fields["signature"],
		Valid:     true,
	}
}
