package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/sync/errgroup"

	"github.com/coldbell/dex/drift-sdk/pkg/accounts"
	"github.com/coldbell/dex/drift-sdk/pkg/metrics"
	"github.com/coldbell/dex/drift-sdk/pkg/oracle"
	"github.com/coldbell/dex/drift-sdk/pkg/program"
	"github.com/coldbell/dex/drift-sdk/pkg/programdata"
	"github.com/coldbell/dex/drift-sdk/pkg/tx"
	"github.com/coldbell/dex/drift-sdk/pkg/types"
	"github.com/coldbell/dex/drift-sdk/pkg/wallet"
)

// RPCClient is the subset of *rpc.Client the client uses for market discovery
// and transaction submission.
type RPCClient interface {
	programdata.RPCClient
	tx.RPCClient
}

// Client ties the account cache, the wallet and the transaction submitter to
// one program deployment. The cache is owned by the client and torn down by
// Close.
type Client struct {
	network   types.Context
	programID solana.PublicKey
	provider  accounts.Provider
	cache     *accounts.Cache
	wallet    *wallet.Wallet
	data      *programdata.ProgramData
	submitter *tx.Submitter
	cfg       options
	logger    *slog.Logger

	mu      sync.Mutex
	tracked map[solana.PublicKey]struct{}
	users   map[uint16]solana.PublicKey
}

// New loads the program's market configuration once and prepares the cache.
// No account subscription is opened until AddUser or Subscribe.
func New(ctx context.Context, network types.Context, provider accounts.Provider, w *wallet.Wallet, opts ...Option) (*Client, error) {
	if provider == nil {
		return nil, errors.New("account provider is required")
	}
	if w == nil {
		return nil, errors.New("wallet is required")
	}
	cfg := defaultOptions()
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m := metrics.OrNoop(cfg.metrics)

	client := cfg.rpcClient
	if client == nil {
		endpoint := cfg.rpcURL
		if endpoint == "" {
			endpoint = network.RPCURL()
		}
		client = rpc.New(endpoint)
	}

	programID := w.ProgramID()
	data := cfg.programData
	if data == nil {
		loaded, err := programdata.Load(ctx, client, programID, cfg.commitment)
		if err != nil {
			return nil, fmt.Errorf("load program data: %w", err)
		}
		data = loaded
	}

	c := &Client{
		network:   network,
		programID: programID,
		provider:  provider,
		cache:     accounts.NewCache(provider, logger, m),
		wallet:    w,
		data:      data,
		cfg:       cfg,
		logger:    logger.With("component", "client"),
		tracked:   make(map[solana.PublicKey]struct{}),
		users:     make(map[uint16]solana.PublicKey),
	}
	c.submitter = tx.NewSubmitter(client, tx.SubmitterConfig{
		Commitment:                    cfg.commitment,
		ComputeUnitLimit:              cfg.computeUnitLimit,
		ComputeUnitPriceMicroLamports: cfg.computeUnitPrice,
		SkipPreflight:                 cfg.skipPreflight,
		Logger:                        logger,
		Metrics:                       m,
	})
	c.logger.Info("client ready",
		"network", network.String(),
		"wallet", w.String(),
		"perp_markets", len(data.PerpMarkets()),
		"spot_markets", len(data.SpotMarkets()),
	)
	return c, nil
}

func (c *Client) Network() types.Context { return c.network }

func (c *Client) Wallet() *wallet.Wallet { return c.wallet }

func (c *Client) ProgramData() *programdata.ProgramData { return c.data }

// Cache exposes the client's account cache for read access.
func (c *Client) Cache() *accounts.Cache { return c.cache }

// MarketLookup resolves a market by name, such as "sol-perp" or "sol".
func (c *Client) MarketLookup(name string) (types.MarketId, bool) {
	return c.data.Lookup(name)
}

// AddUser subscribes the wallet's sub-account id. The wallet's delegation is
// pinned from here on.
func (c *Client) AddUser(ctx context.Context, id uint16) error {
	c.wallet.Freeze()
	address := c.wallet.SubAccount(id)
	if err := c.track(ctx, address, accounts.DecoderFor(program.ParseAccount_User)); err != nil {
		return fmt.Errorf("subscribe sub-account %d: %w", id, err)
	}
	c.mu.Lock()
	c.users[id] = address
	c.mu.Unlock()
	return nil
}

// Subscribe opens cache subscriptions for the configured sub-accounts, their
// stats account, the tracked markets and the markets' oracles.
func (c *Client) Subscribe(ctx context.Context) error {
	configs := make([]programdata.MarketConfig, 0, len(c.cfg.perpMarkets)+len(c.cfg.spotMarkets))
	for _, market := range c.trackedMarkets() {
		config, ok := c.data.Market(market)
		if !ok {
			return fmt.Errorf("market %s: %w", market, types.ErrNotFound)
		}
		configs = append(configs, config)
	}

	c.wallet.Freeze()
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range c.cfg.subAccountIDs {
		id := id
		g.Go(func() error {
			return c.AddUser(gctx, id)
		})
	}
	g.Go(func() error {
		if err := c.track(gctx, c.wallet.Stats(), accounts.DecoderFor(program.ParseAccount_UserStats)); err != nil && !errors.Is(err, types.ErrNotFound) {
			return fmt.Errorf("subscribe user stats: %w", err)
		}
		return nil
	})

	oracles := make(map[solana.PublicKey]struct{})
	for _, config := range configs {
		config := config
		market := config.ID
		decode := accounts.DecoderFor(program.ParseAccount_SpotMarket)
		if market.IsPerp() {
			decode = accounts.DecoderFor(program.ParseAccount_PerpMarket)
		}
		g.Go(func() error {
			if err := c.track(gctx, config.Address, decode); err != nil {
				return fmt.Errorf("subscribe market %s: %w", market, err)
			}
			return nil
		})
		if config.Oracle.IsZero() {
			continue
		}
		if _, seen := oracles[config.Oracle]; seen {
			continue
		}
		oracles[config.Oracle] = struct{}{}
		g.Go(func() error {
			if err := c.track(gctx, config.Oracle, accounts.RawDecoder); err != nil {
				return fmt.Errorf("subscribe oracle %s: %w", config.Oracle, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	c.logger.Info("subscribed", "accounts", c.cache.Len())
	return nil
}

// Unsubscribe drops every subscription opened by AddUser or Subscribe.
func (c *Client) Unsubscribe() {
	c.mu.Lock()
	tracked := c.tracked
	c.tracked = make(map[solana.PublicKey]struct{})
	c.users = make(map[uint16]solana.PublicKey)
	c.mu.Unlock()
	for address := range tracked {
		c.cache.Unsubscribe(address)
	}
}

// GetUser returns the cached sub-account id, if it has been added.
func (c *Client) GetUser(id uint16) (accounts.Snapshot[program.User], bool) {
	c.mu.Lock()
	address, ok := c.users[id]
	c.mu.Unlock()
	if !ok {
		return accounts.Snapshot[program.User]{}, false
	}
	return accounts.Lookup[program.User](c.cache, address)
}

// GetUserAccount reads any sub-account, from the cache when it is tracked.
func (c *Client) GetUserAccount(ctx context.Context, address solana.PublicKey) (accounts.Snapshot[program.User], error) {
	if snapshot, ok := accounts.Lookup[program.User](c.cache, address); ok {
		return snapshot, nil
	}
	return accounts.FetchDecoded(ctx, c.provider, address, program.ParseAccount_User)
}

func (c *Client) GetUserStats(ctx context.Context, authority solana.PublicKey) (accounts.Snapshot[program.UserStats], error) {
	address := program.MustDeriveUserStatsPDA(c.programID, authority)
	if snapshot, ok := accounts.Lookup[program.UserStats](c.cache, address); ok {
		return snapshot, nil
	}
	return accounts.FetchDecoded(ctx, c.provider, address, program.ParseAccount_UserStats)
}

// OraclePrice returns the market's oracle price in PRICE_PRECISION, from the
// cache when the oracle is tracked. Stale is set when the cached oracle's
// subscription has ended and the price is the last one seen.
func (c *Client) OraclePrice(ctx context.Context, market types.MarketId) (accounts.Snapshot[int64], error) {
	config, ok := c.data.Market(market)
	if !ok {
		return accounts.Snapshot[int64]{}, fmt.Errorf("market %s: %w", market, types.ErrNotFound)
	}
	if config.OracleSource == program.OracleSource_QuoteAsset {
		return accounts.Snapshot[int64]{Address: config.Oracle, Value: types.PricePrecision}, nil
	}

	out := accounts.Snapshot[int64]{Address: config.Oracle}
	var (
		owner solana.PublicKey
		data  []byte
	)
	if entry, ok := c.cache.Get(config.Oracle); ok {
		raw, isRaw := entry.Value.(accounts.RawAccount)
		if !isRaw {
			return out, types.NewDecodeError(config.Oracle, "oracle", fmt.Errorf("unexpected cached value %T", entry.Value))
		}
		owner, data = entry.Owner, raw.Data
		out.Slot, out.Stale = entry.Slot, entry.Stale
	} else {
		account, err := c.provider.Fetch(ctx, config.Oracle)
		if err != nil {
			return out, fmt.Errorf("fetch oracle %s: %w", config.Oracle, err)
		}
		owner, data = account.Owner, account.Data
		out.Slot = account.Slot
	}

	price, err := oracle.Price(config.OracleSource, owner, data)
	if err != nil {
		var decodeErr *types.DecodeError
		if errors.As(err, &decodeErr) && decodeErr.Address.IsZero() {
			decodeErr.Address = config.Oracle
		}
		return out, err
	}
	out.Value = price
	return out, nil
}

// InitTx starts a transaction draft for the wallet's sub-account id.
func (c *Client) InitTx(id uint16, simulate bool) *tx.Builder {
	c.wallet.Freeze()
	return c.InitTxFor(c.wallet.SubAccount(id), simulate)
}

// InitTxFor starts a transaction draft for any sub-account address, such as
// one owned by another authority that delegated to this wallet. The cached
// account, when present, selects the oracle and market accounts the program
// needs.
func (c *Client) InitTxFor(subAccount solana.PublicKey, simulate bool) *tx.Builder {
	c.wallet.Freeze()
	var user *program.User
	if snapshot, ok := accounts.Lookup[program.User](c.cache, subAccount); ok {
		user = &snapshot.Value
	}
	return tx.NewBuilder(c.data, c.wallet, subAccount, user, simulate)
}

// InitActiveTx starts a draft for the configured active sub-account.
func (c *Client) InitActiveTx(simulate bool) *tx.Builder {
	return c.InitTx(c.cfg.activeSubAccount, simulate)
}

func (c *Client) SignAndSend(ctx context.Context, draft *tx.Draft) (solana.Signature, error) {
	c.wallet.Freeze()
	return c.submitter.SignAndSend(ctx, c.wallet, draft)
}

func (c *Client) SignAndSendAndConfirm(ctx context.Context, draft *tx.Draft) (solana.Signature, error) {
	c.wallet.Freeze()
	return c.submitter.SignAndSendAndConfirm(ctx, c.wallet, draft)
}

// Close drops all subscriptions and closes the provider.
func (c *Client) Close() error {
	c.cache.Close()
	c.mu.Lock()
	c.tracked = make(map[solana.PublicKey]struct{})
	c.users = make(map[uint16]solana.PublicKey)
	c.mu.Unlock()
	return c.provider.Close()
}

func (c *Client) track(ctx context.Context, address solana.PublicKey, decode accounts.Decoder) error {
	if err := c.cache.Subscribe(ctx, address, decode); err != nil {
		return err
	}
	c.mu.Lock()
	c.tracked[address] = struct{}{}
	c.mu.Unlock()
	return nil
}

func (c *Client) trackedMarkets() []types.MarketId {
	markets := make([]types.MarketId, 0, len(c.cfg.perpMarkets)+len(c.cfg.spotMarkets))
	for _, index := range c.cfg.perpMarkets {
		markets = append(markets, types.Perp(index))
	}
	for _, index := range c.cfg.spotMarkets {
		markets = append(markets, types.Spot(index))
	}
	return markets
}
