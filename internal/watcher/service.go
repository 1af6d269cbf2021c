package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/sync/errgroup"

	"github.com/coldbell/dex/drift-sdk/internal/config"
	"github.com/coldbell/dex/drift-sdk/internal/opsserver"
	"github.com/coldbell/dex/drift-sdk/pkg/accounts"
	"github.com/coldbell/dex/drift-sdk/pkg/client"
	"github.com/coldbell/dex/drift-sdk/pkg/dlob"
	"github.com/coldbell/dex/drift-sdk/pkg/metrics"
	"github.com/coldbell/dex/drift-sdk/pkg/programdata"
	"github.com/coldbell/dex/drift-sdk/pkg/retry"
	"github.com/coldbell/dex/drift-sdk/pkg/stream"
	"github.com/coldbell/dex/drift-sdk/pkg/types"
	"github.com/coldbell/dex/drift-sdk/pkg/wallet"
)

type oracleReader interface {
	OraclePrice(ctx context.Context, market types.MarketId) (accounts.Snapshot[int64], error)
}

// Service streams L2 books for the configured markets and logs a top-of-book
// summary next to each market's oracle price.
type Service struct {
	cfg    config.WatcherConfig
	rpc    *rpc.Client
	policy retry.Policy
	prom   *metrics.Prometheus
	logger *slog.Logger

	mu    sync.Mutex
	books map[types.MarketId]dlob.L2Book
}

func New(cfg config.WatcherConfig, logger *slog.Logger) (*Service, error) {
	policy, err := cfg.Retry.Policy()
	if err != nil {
		return nil, fmt.Errorf("retry policy: %w", err)
	}
	return &Service{
		cfg:    cfg,
		rpc:    rpc.New(cfg.Network.RPCURL),
		policy: policy,
		prom:   metrics.NewPrometheus(),
		logger: logger,
		books:  make(map[types.MarketId]dlob.L2Book),
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	data, err := programdata.Load(ctx, s.rpc, s.cfg.Network.ProgramID, s.cfg.Network.Commitment)
	if err != nil {
		return fmt.Errorf("load markets: %w", err)
	}
	markets, err := ResolveMarkets(data, s.cfg.Markets)
	if err != nil {
		return err
	}

	cl, err := client.New(ctx, s.cfg.Network.Context, s.newProvider(),
		wallet.ReadOnly(solana.PublicKey{}).WithProgramID(s.cfg.Network.ProgramID),
		client.WithRPCClient(s.rpc),
		client.WithProgramData(data),
		client.WithCommitment(s.cfg.Network.Commitment),
		client.WithSubAccounts(),
		client.WithPerpMarkets(indexes(markets, types.MarketTypePerp)...),
		client.WithSpotMarkets(indexes(markets, types.MarketTypeSpot)...),
		client.WithLogger(s.logger),
		client.WithMetrics(s.prom.Metrics),
	)
	if err != nil {
		return fmt.Errorf("init client: %w", err)
	}
	defer func() {
		if err := cl.Close(); err != nil {
			s.logger.Error("failed to close client", "err", err)
		}
	}()
	if err := cl.Subscribe(ctx); err != nil {
		return fmt.Errorf("subscribe markets: %w", err)
	}

	books := dlob.New(dlob.Config{
		BaseURL:          s.cfg.DLOBURL,
		HeartbeatTimeout: s.cfg.HeartbeatTimeout,
		MarketName: func(market types.MarketId) string {
			if mc, ok := data.Market(market); ok {
				return mc.Name
			}
			return market.String()
		},
		Logger:  s.logger,
		Metrics: s.prom.Metrics,
	})

	s.logger.Info("book watcher started",
		"dlob", s.cfg.DLOBURL,
		"mode", s.cfg.Mode,
		"markets", len(markets),
		"provider", s.cfg.Provider.Kind,
	)

	g, gctx := errgroup.WithContext(ctx)
	streams := make([]*stream.Stream[dlob.L2Book], 0, len(markets))
	defer func() {
		for _, st := range streams {
			st.Close()
		}
	}()
	for _, market := range markets {
		var st *stream.Stream[dlob.L2Book]
		if s.cfg.Mode == "poll" {
			st = books.PollL2(gctx, market, s.cfg.Depth, s.cfg.PollInterval, s.policy)
		} else {
			st = books.SubscribeL2(gctx, market, s.policy)
		}
		streams = append(streams, st)
		g.Go(func() error {
			return s.consume(st)
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
	g.Go(func() error {
		s.reportLoop(gctx, cl, data)
		return nil
	})

	err = g.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}
	s.logger.Info("book watcher stopped")
	return nil
}

func (s *Service) newProvider() accounts.Provider {
	if s.cfg.Provider.Kind == "ws" {
		return accounts.NewWSProviderWithClient(s.rpc, accounts.WSProviderConfig{
			Endpoint:   s.cfg.Network.RPCURL,
			WSEndpoint: s.cfg.Network.WSURL,
			Commitment: s.cfg.Network.Commitment,
			MaxRetries: s.cfg.Provider.MaxRetries,
			Logger:     s.logger,
		})
	}
	return accounts.NewRPCProviderWithClient(s.rpc, accounts.RPCProviderConfig{
		Endpoint:     s.cfg.Network.RPCURL,
		Commitment:   s.cfg.Network.Commitment,
		PollInterval: s.cfg.Provider.PollInterval,
		MaxRetries:   s.cfg.Provider.MaxRetries,
		Logger:       s.logger,
	})
}

func (s *Service) consume(st *stream.Stream[dlob.L2Book]) error {
	for item := range st.C() {
		if item.Err != nil {
			s.logger.Warn("order book frame dropped", "stream", st.Name(), "err", item.Err)
			continue
		}
		s.mu.Lock()
		s.books[item.Value.Market] = item.Value
		s.mu.Unlock()
	}
	if err := st.Err(); err != nil {
		return fmt.Errorf("order book stream %s: %w", st.Name(), err)
	}
	return nil
}

func (s *Service) reportLoop(ctx context.Context, oracles oracleReader, data *programdata.ProgramData) {
	interval := s.cfg.LogInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.report(ctx, oracles, data)
		}
	}
}

func (s *Service) report(ctx context.Context, oracles oracleReader, data *programdata.ProgramData) {
	for _, summary := range s.summaries(ctx, oracles, data) {
		s.logger.Info("top of book",
			"market", summary.Name,
			"slot", summary.Slot,
			"best_bid", summary.BestBid,
			"best_ask", summary.BestAsk,
			"spread", summary.Spread,
			"oracle", summary.Oracle,
			"oracle_stale", summary.OracleStale,
		)
	}
}

// Summary is the logged view of one market's latest book.
type Summary struct {
	Name    string
	Slot    uint64
	BestBid string
	BestAsk string
	Spread  string
	Oracle  string

	// OracleStale is set when the oracle subscription ended and Oracle is
	// the last price seen.
	OracleStale bool
}

func (s *Service) summaries(ctx context.Context, oracles oracleReader, data *programdata.ProgramData) []Summary {
	s.mu.Lock()
	latest := make([]dlob.L2Book, 0, len(s.books))
	for _, book := range s.books {
		latest = append(latest, book)
	}
	s.mu.Unlock()
	sort.Slice(latest, func(i, j int) bool {
		if latest[i].Market.Kind != latest[j].Market.Kind {
			return latest[i].Market.Kind < latest[j].Market.Kind
		}
		return latest[i].Market.Index < latest[j].Market.Index
	})

	out := make([]Summary, 0, len(latest))
	for _, book := range latest {
		summary := Summary{Name: book.Market.String(), Slot: book.Slot, BestBid: "-", BestAsk: "-", Oracle: "-"}
		if mc, ok := data.Market(book.Market); ok && mc.Name != "" {
			summary.Name = mc.Name
		}
		if bid, ok := book.BestBid(); ok {
			summary.BestBid = bid.PriceDecimal().String()
		}
		if ask, ok := book.BestAsk(); ok {
			summary.BestAsk = ask.PriceDecimal().String()
		}
		summary.Spread = types.PriceToDecimal(book.Spread()).String()
		if price, err := oracles.OraclePrice(ctx, book.Market); err == nil {
			summary.Oracle = types.PriceToDecimal(price.Value).String()
			summary.OracleStale = price.Stale
		} else {
			s.logger.Debug("oracle price unavailable", "market", summary.Name, "err", err)
		}
		out = append(out, summary)
	}
	return out
}

// ResolveMarkets accepts market names such as "SOL-PERP" or ids such as
// "perp-0". Duplicates are dropped.
func ResolveMarkets(data *programdata.ProgramData, names []string) ([]types.MarketId, error) {
	seen := make(map[types.MarketId]struct{}, len(names))
	out := make([]types.MarketId, 0, len(names))
	for _, name := range names {
		market, err := types.ParseMarketId(name)
		if err != nil {
			var ok bool
			market, ok = data.Lookup(name)
			if !ok {
				return nil, fmt.Errorf("market %q: %w", name, types.ErrNotFound)
			}
		}
		if _, ok := data.Market(market); !ok {
			return nil, fmt.Errorf("market %s: %w", market, types.ErrNotFound)
		}
		if _, dup := seen[market]; dup {
			continue
		}
		seen[market] = struct{}{}
		out = append(out, market)
	}
	return out, nil
}

func indexes(markets []types.MarketId, kind types.MarketType) []uint16 {
	var out []uint16
	for _, market := range markets {
		if market.Kind == kind {
			out = append(out, market.Index)
		}
	}
	return out
}
