package types

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrTransport         = errors.New("transport error")
	ErrDecode            = errors.New("decode error")
	ErrNotFound          = errors.New("not found")
	ErrUnsigned          = errors.New("wallet cannot sign: read-only")
	ErrAlreadyFinalized  = errors.New("transaction draft already finalized")
	ErrSimulation        = errors.New("simulation failed")
	ErrSubmission        = errors.New("submission failed")
	ErrWalletInUse       = errors.New("wallet already in use")
	ErrStreamClosed      = errors.New("stream closed")
	ErrUnsupportedOracle = errors.New("unsupported oracle source")
	ErrInvalidOrder      = errors.New("invalid order")
)

type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

func NewTransportError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Err: err}
}

// DecodeError reports malformed bytes together with the account or message they came from.
type DecodeError struct {
	Address solana.PublicKey
	Kind    string
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Address.IsZero() {
		return fmt.Sprintf("decode %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("decode %s %s: %v", e.Kind, e.Address, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

func NewDecodeError(address solana.PublicKey, kind string, err error) error {
	return &DecodeError{Address: address, Kind: kind, Err: err}
}

// SimulationError carries the index of the failing instruction within the draft.
// Index is -1 when the failure is not attributable to a single instruction.
type SimulationError struct {
	Index  int
	Reason string
	Logs   []string
}

func (e *SimulationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("simulation failed: %s", e.Reason)
	}
	return fmt.Sprintf("simulation failed at instruction %d: %s", e.Index, e.Reason)
}

func (e *SimulationError) Is(target error) bool { return target == ErrSimulation }

type SubmissionError struct {
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit transaction: %v", e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

func (e *SubmissionError) Is(target error) bool { return target == ErrSubmission }

// IsRetryable reports whether err is a transport-level failure worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrDecode),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrUnsigned),
		errors.Is(err, ErrAlreadyFinalized),
		errors.Is(err, ErrSimulation),
		errors.Is(err, ErrSubmission),
		errors.Is(err, ErrInvalidOrder):
		return false
	}
	return true
}

// IsNotFoundMessage matches the various "account not found" phrasings RPC nodes return.
func IsNotFoundMessage(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "not found")
}
