package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/sync/errgroup"

	"github.com/coldbell/dex/drift-sdk/internal/config"
	"github.com/coldbell/dex/drift-sdk/internal/opsserver"
	"github.com/coldbell/dex/drift-sdk/internal/store"
	"github.com/coldbell/dex/drift-sdk/pkg/events"
	"github.com/coldbell/dex/drift-sdk/pkg/metrics"
	"github.com/coldbell/dex/drift-sdk/pkg/stream"
	"github.com/coldbell/dex/drift-sdk/pkg/types"
	"github.com/coldbell/dex/drift-sdk/pkg/wallet"
)

type eventStore interface {
	RecordEvent(ctx context.Context, row store.EventRow) error
	LastSlot(ctx context.Context, subAccount solana.PublicKey) (uint64, bool, error)
	Close() error
}

type subscribeFunc func(ctx context.Context, subAccount solana.PublicKey) *stream.Stream[events.Event]

// Service records the program events of the wallet's sub-accounts.
type Service struct {
	cfg       config.RecorderConfig
	wallet    *wallet.Wallet
	store     eventStore
	prom      *metrics.Prometheus
	logger    *slog.Logger
	subscribe subscribeFunc
}

func New(cfg config.RecorderConfig, logger *slog.Logger) (*Service, error) {
	w, err := BuildWallet(cfg.Wallet, cfg.Network.ProgramID)
	if err != nil {
		return nil, err
	}

	policy, err := cfg.Retry.Policy()
	if err != nil {
		return nil, fmt.Errorf("retry policy: %w", err)
	}

	st, err := store.New(context.Background(), cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	prom := metrics.NewPrometheus()
	svc := &Service{
		cfg:    cfg,
		wallet: w,
		store:  st,
		prom:   prom,
		logger: logger,
	}
	svc.subscribe = func(ctx context.Context, subAccount solana.PublicKey) *stream.Stream[events.Event] {
		return events.Subscribe(ctx, cfg.Network.WSURL, subAccount, cfg.Network.ProgramID, policy,
			events.WithCommitment(cfg.Network.Commitment),
			events.WithDedupeWindow(cfg.DedupeWindow),
			events.WithLogger(logger),
			events.WithMetrics(prom.Metrics),
		)
	}
	return svc, nil
}

// BuildWallet loads the keypair, or falls back to a read-only wallet for the
// configured authority, and applies delegation before first use.
func BuildWallet(cfg config.WalletConfig, programID solana.PublicKey) (*wallet.Wallet, error) {
	var w *wallet.Wallet
	switch {
	case cfg.KeypairPath != "":
		loaded, err := wallet.FromKeygenFile(cfg.KeypairPath)
		if err != nil {
			return nil, err
		}
		w = loaded
	case !cfg.Authority.IsZero():
		w = wallet.ReadOnly(cfg.Authority)
	default:
		return nil, errors.New("wallet requires a keypair path or an authority")
	}
	if !programID.IsZero() {
		w.WithProgramID(programID)
	}
	if cfg.DelegateOwner != nil {
		if err := w.ToDelegated(*cfg.DelegateOwner); err != nil {
			return nil, fmt.Errorf("delegate wallet: %w", err)
		}
	}
	return w, nil
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "err", err)
		}
	}()

	s.wallet.Freeze()
	s.logger.Info("event recorder started",
		"ws", s.cfg.Network.WSURL,
		"authority", s.wallet.Authority().String(),
		"delegated", s.wallet.IsDelegated(),
		"sub_accounts", len(s.cfg.Wallet.SubAccountIDs),
	)

	streams := make([]*stream.Stream[events.Event], 0, len(s.cfg.Wallet.SubAccountIDs))
	defer func() {
		for _, st := range streams {
			st.Close()
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range s.cfg.Wallet.SubAccountIDs {
		subAccount := s.wallet.SubAccount(id)
		if slot, ok, err := s.store.LastSlot(ctx, subAccount); err != nil {
			s.logger.Warn("failed to read recorder state", "sub_account", subAccount.String(), "err", err)
		} else if ok {
			s.logger.Info("resuming sub-account", "sub_account_id", id, "sub_account", subAccount.String(), "last_slot", slot)
		}

		st := s.subscribe(gctx, subAccount)
		streams = append(streams, st)
		g.Go(func() error {
			return s.consume(gctx, subAccount, st)
		})
	}

	server := opsserver.New(s.cfg.MetricsAddr, s.prom.Handler(), func() map[string]string {
		states := make(map[string]string, len(streams))
		for _, st := range streams {
			states[st.Name()] = st.State().String()
		}
		return states
	}, s.logger)
	g.Go(func() error {
		return server.Run(gctx)
	})

	err := g.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}
	s.logger.Info("event recorder stopped")
	return nil
}

// consume writes every event of one sub-account. Inline errors are logged and
// skipped; a terminated stream ends the recorder.
func (s *Service) consume(ctx context.Context, subAccount solana.PublicKey, st *stream.Stream[events.Event]) error {
	logger := s.logger.With("sub_account", subAccount.String())
	for item := range st.C() {
		if item.Err != nil {
			if errors.Is(item.Err, types.ErrDecode) {
				logger.Warn("skipping undecodable event", "err", item.Err)
			}
			continue
		}

		event := item.Value
		row, err := store.RowFromEvent(subAccount, event)
		if err != nil {
			logger.Warn("skipping event", "signature", event.Signature.String(), "err", err)
			continue
		}
		if err := s.store.RecordEvent(ctx, row); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("failed to record event", "signature", row.Signature, "index", row.Index, "err", err)
			continue
		}
		logger.Debug("event recorded", "kind", row.Kind, "action", row.Action, "slot", row.Slot, "signature", row.Signature)
	}

	if err := st.Err(); err != nil {
		return fmt.Errorf("event stream %s: %w", st.Name(), err)
	}
	return nil
}
