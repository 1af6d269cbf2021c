package tx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/coldbell/dex/drift-sdk/pkg/metrics"
	"github.com/coldbell/dex/drift-sdk/pkg/types"
	"github.com/coldbell/dex/drift-sdk/pkg/wallet"
)

const defaultConfirmInterval = 700 * time.Millisecond

// RPCClient is the subset of *rpc.Client used to submit transactions.
type RPCClient interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SimulateTransactionWithOpts(ctx context.Context, transaction *solana.Transaction, opts *rpc.SimulateTransactionOpts) (*rpc.SimulateTransactionResponse, error)
	SendTransactionWithOpts(ctx context.Context, transaction *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

type SubmitterConfig struct {
	Commitment                    rpc.CommitmentType
	ComputeUnitLimit              uint32
	ComputeUnitPriceMicroLamports uint64
	SkipPreflight                 bool
	MaxRetries                    *uint
	ConfirmInterval               time.Duration
	Logger                        *slog.Logger
	Metrics                       *metrics.Metrics
}

// Submitter signs and broadcasts drafts. It never resubmits on its own: a
// failed send is returned to the caller, who decides whether to rebuild.
type Submitter struct {
	rpc     RPCClient
	cfg     SubmitterConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewSubmitter(client RPCClient, cfg SubmitterConfig) *Submitter {
	if cfg.Commitment == "" {
		cfg.Commitment = rpc.CommitmentConfirmed
	}
	if cfg.ConfirmInterval <= 0 {
		cfg.ConfirmInterval = defaultConfirmInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Submitter{
		rpc:     client,
		cfg:     cfg,
		logger:  logger.With("component", "tx_submitter"),
		metrics: metrics.OrNoop(cfg.Metrics),
	}
}

func (s *Submitter) SignAndSend(ctx context.Context, w *wallet.Wallet, draft *Draft) (solana.Signature, error) {
	if w.IsReadOnly() {
		return solana.Signature{}, types.ErrUnsigned
	}
	if draft == nil || draft.Len() == 0 {
		return solana.Signature{}, errors.New("sign and send: empty draft")
	}
	if !draft.Signer.Equals(w.Signer()) {
		return solana.Signature{}, fmt.Errorf("sign and send: draft signer %s does not match wallet %s", draft.Signer, w.Signer())
	}

	prefix, err := s.computeBudget()
	if err != nil {
		return solana.Signature{}, err
	}
	instructions := append(prefix, draft.Instructions()...)

	recent, err := s.rpc.GetLatestBlockhash(ctx, s.cfg.Commitment)
	if err != nil {
		return solana.Signature{}, types.NewTransportError("get latest blockhash", err)
	}
	tx, err := solana.NewTransaction(
		instructions,
		recent.Value.Blockhash,
		solana.TransactionPayer(w.Signer()),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build transaction: %w", err)
	}
	if err := w.SignTransaction(tx); err != nil {
		return solana.Signature{}, err
	}

	if draft.Simulate {
		if err := s.simulate(ctx, tx, len(prefix)); err != nil {
			s.metrics.TxSimulationFailed.Inc()
			return solana.Signature{}, err
		}
	}

	opts := rpc.TransactionOpts{
		SkipPreflight:       s.cfg.SkipPreflight,
		PreflightCommitment: s.cfg.Commitment,
	}
	if s.cfg.MaxRetries != nil {
		retries := *s.cfg.MaxRetries
		opts.MaxRetries = &retries
	}
	sig, err := s.rpc.SendTransactionWithOpts(ctx, tx, opts)
	if err != nil {
		s.metrics.TxFailed.Inc()
		return solana.Signature{}, &types.SubmissionError{Err: err}
	}
	s.metrics.TxSent.Inc()
	s.logger.Info("transaction sent",
		"signature", sig.String(),
		"sub_account", draft.SubAccount.String(),
		"instructions", draft.Len(),
	)
	return sig, nil
}

// SignAndSendAndConfirm waits until the transaction is confirmed or finalized.
func (s *Submitter) SignAndSendAndConfirm(ctx context.Context, w *wallet.Wallet, draft *Draft) (solana.Signature, error) {
	sig, err := s.SignAndSend(ctx, w, draft)
	if err != nil {
		return sig, err
	}
	return sig, s.WaitForConfirmation(ctx, sig)
}

func (s *Submitter) WaitForConfirmation(ctx context.Context, sig solana.Signature) error {
	ticker := time.NewTicker(s.cfg.ConfirmInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result, err := s.rpc.GetSignatureStatuses(ctx, true, sig)
			if err != nil {
				continue
			}
			if len(result.Value) == 0 || result.Value[0] == nil {
				continue
			}
			status := result.Value[0]
			if status.Err != nil {
				return &types.SubmissionError{Err: fmt.Errorf("transaction %s failed: %v", sig, status.Err)}
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}
	}
}

func (s *Submitter) computeBudget() ([]solana.Instruction, error) {
	instructions := make([]solana.Instruction, 0, 2)
	if s.cfg.ComputeUnitLimit > 0 {
		ix, err := computebudget.NewSetComputeUnitLimitInstruction(s.cfg.ComputeUnitLimit).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("build compute unit limit instruction: %w", err)
		}
		instructions = append(instructions, ix)
	}
	if s.cfg.ComputeUnitPriceMicroLamports > 0 {
		ix, err := computebudget.NewSetComputeUnitPriceInstruction(s.cfg.ComputeUnitPriceMicroLamports).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("build compute unit price instruction: %w", err)
		}
		instructions = append(instructions, ix)
	}
	return instructions, nil
}

func (s *Submitter) simulate(ctx context.Context, tx *solana.Transaction, prefixLen int) error {
	result, err := s.rpc.SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
		Commitment: s.cfg.Commitment,
	})
	if err != nil {
		return types.NewTransportError("simulate transaction", err)
	}
	if result == nil || result.Value == nil || result.Value.Err == nil {
		return nil
	}
	index, reason := instructionError(result.Value.Err)
	if index >= 0 {
		index -= prefixLen
		if index < 0 {
			index = -1
		}
	}
	return &types.SimulationError{Index: index, Reason: reason, Logs: result.Value.Logs}
}

// instructionError unpacks {"InstructionError":[index, detail]}. Failures
// outside any instruction report index -1.
func instructionError(raw any) (int, string) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return -1, fmt.Sprint(raw)
	}
	pair, ok := obj["InstructionError"].([]any)
	if !ok || len(pair) != 2 {
		return -1, compact(raw)
	}
	index, ok := toIndex(pair[0])
	if !ok {
		return -1, compact(raw)
	}
	switch detail := pair[1].(type) {
	case string:
		return index, detail
	case map[string]any:
		if code, ok := toIndex(detail["Custom"]); ok {
			return index, fmt.Sprintf("custom program error: 0x%x", code)
		}
		return index, compact(detail)
	default:
		return index, fmt.Sprint(detail)
	}
}

func toIndex(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	default:
		return 0, false
	}
}

func compact(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}
