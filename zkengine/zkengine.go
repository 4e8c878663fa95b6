// Package zkengine wraps the external zero-knowledge proving binary. The
// proof system itself is a black box: the engine takes an HTTP outcome and
// returns a proof plus four public signals
// [isFraud, httpStatus, bodyLength, payout].
package zkengine

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

// Signal indices within the public signal vector.
const (
	SignalIsFraud = iota
	SignalHTTPStatus
	SignalBodyLength
	SignalPayout
	signalCount
)

// Proof is the output of a successful proving run.
type Proof struct {
	Hex           string
	PublicSignals []int64
	GenMillis     int64
}

// FraudDetected reports whether the proved outcome is a covered failure.
func (p Proof) FraudDetected() bool {
	return len(p.PublicSignals) > SignalIsFraud && p.PublicSignals[SignalIsFraud] == 1
}

// Engine produces and verifies proofs over HTTP outcomes.
type Engine interface {
	Prove(ctx context.Context, httpStatus int, body string) (Proof, error)
	Verify(ctx context.Context, proofHex string, signals []int64) (bool, error)
}

// runner executes the proving binary; swapped out in tests.
type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// BinaryEngine shells out to the proving binary.
type BinaryEngine struct {
	path    string
	timeout time.Duration
	run     runner
}

// NewBinaryEngine constructs an engine around the binary at path.
func NewBinaryEngine(path string, timeout time.Duration) *BinaryEngine {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &BinaryEngine{path: path, timeout: timeout, run: execRunner}
}

type proveOutput struct {
	Proof         string  `json:"proof"`
	PublicSignals []int64 `json:"public_inputs"`
	GenMillis     int64   `json:"generation_time_ms"`
}

type verifyOutput struct {
	Valid bool `json:"valid"`
}

// Prove generates a proof over the supplied HTTP outcome.
func (e *BinaryEngine) Prove(ctx context.Context, httpStatus int, body string) (Proof, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	out, err := e.run(ctx, e.path,
		"prove",
		"--status", strconv.Itoa(httpStatus),
		"--body-length", strconv.Itoa(len(body)),
	)
	if err != nil {
		return Proof{}, fmt.Errorf("zkengine: prove: %w", err)
	}
	var parsed proveOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return Proof{}, fmt.Errorf("zkengine: decode prove output: %w", err)
	}
	if parsed.Proof == "" || len(parsed.PublicSignals) != signalCount {
		return Proof{}, fmt.Errorf("zkengine: malformed prove output")
	}
	return Proof{
		Hex:           parsed.Proof,
		PublicSignals: parsed.PublicSignals,
		GenMillis:     parsed.GenMillis,
	}, nil
}

// Verify checks a previously generated proof against its public signals.
func (e *BinaryEngine) Verify(ctx context.Context, proofHex string, signals []int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	encoded, err := json.Marshal(signals)
	if err != nil {
		return false, fmt.Errorf("zkengine: encode signals: %w", err)
	}
	out, err := e.run(ctx, e.path,
		"verify",
		"--proof", proofHex,
		"--public-inputs", string(encoded),
	)
	if err != nil {
		return false, fmt.Errorf("zkengine: verify: %w", err)
	}
	var parsed verifyOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return false, fmt.Errorf("zkengine: decode verify output: %w", err)
	}
	return parsed.Valid, nil
}
