// Package auth verifies x402 payment claims presented on inbound requests:
// claim parsing, field validation, EIP-712 signature recovery, and replay
// defence through a durable nonce ledger.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedClaim is returned when a claim string cannot be parsed or is
// missing required fields.
var ErrMalformedClaim = errors.New("malformed payment claim")

// PaymentClaim holds the fields parsed from an x402 payment header. It is
// transient: it exists only for the duration of one verification call.
type PaymentClaim struct {
	Payer     string
	Amount    uint64
	Asset     string
	PayTo     string
	Timestamp int64
	Nonce     string
	Signature string
}

// ParseClaim parses the flat comma-separated key=value claim format.
//
// The wire format defines no escaping for commas or equals signs inside
// values; produced claims only carry addresses, integers, and hex strings,
// so the limitation is preserved for compatibility.
func ParseClaim(header, payerHint string) (PaymentClaim, error) {
	claim := PaymentClaim{}
	fields := map[string]string{}
	for _, item := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(item, "=")
		if !ok {
			continue
		}
		fields[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if len(fields) == 0 {
		return claim, ErrMalformedClaim
	}

	claim.Payer = fields["payer"]
	if claim.Payer == "" {
		claim.Payer = strings.TrimSpace(payerHint)
	}
	claim.Asset = fields["asset"]
	claim.PayTo = fields["payTo"]
	claim.Nonce = fields["nonce"]
	claim.Signature = fields["signature"]

	if raw := fields["amount"]; raw != "" {
		amount, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return claim, fmt.Errorf("%w: bad amount %q", ErrMalformedClaim, raw)
		}
		claim.Amount = amount
	}
	if raw := fields["timestamp"]; raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return claim, fmt.Errorf("%w: bad timestamp %q", ErrMalformedClaim, raw)
		}
		claim.Timestamp = ts
	}

	if claim.Payer == "" || claim.Amount == 0 || claim.Asset == "" ||
		claim.PayTo == "" || claim.Timestamp == 0 || claim.Nonce == "" ||
		claim.Signature == "" {
		return claim, fmt.Errorf("%w: missing required fields", ErrMalformedClaim)
	}
	return claim, nil
}

// VerificationResult echoes the parsed claim fields together with the
// verification verdict. When Valid is false no individual field may be
// assumed to have passed its check.
type VerificationResult struct {
	Payer     string
	Amount    uint64
	Asset     string
	PayTo     string
	Timestamp int64
	Nonce     string
	Signature string
	Valid     bool
}

func resultFor(claim PaymentClaim, valid bool) VerificationResult {
	return VerificationResult{
		Payer:     claim.Payer,
		Amount:    claim.Amount,
		Asset:     claim.Asset,
		PayTo:     claim.PayTo,
		Timestamp: claim.Timestamp,
		Nonce:     claim.Nonce,
		Signature: claim.Signature,
		Valid:     valid,
	}
}
