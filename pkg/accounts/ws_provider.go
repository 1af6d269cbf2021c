package accounts

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"

	"github.com/coldbell/dex/drift-sdk/pkg/retry"
	"github.com/coldbell/dex/drift-sdk/pkg/types"
)

// WSConn is one websocket connection able to multiplex account subscriptions.
type WSConn interface {
	AccountSubscribe(address solana.PublicKey, commitment rpc.CommitmentType) (AccountStream, error)
	Close()
}

type AccountStream interface {
	Recv(ctx context.Context) (RawAccount, error)
	Unsubscribe()
}

type WSDialer func(ctx context.Context, endpoint string) (WSConn, error)

// DialSolanaWS connects with the solana-go websocket client.
func DialSolanaWS(ctx context.Context, endpoint string) (WSConn, error) {
	client, err := ws.Connect(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return &solanaWSConn{client: client}, nil
}

type solanaWSConn struct {
	client *ws.Client
}

func (c *solanaWSConn) AccountSubscribe(address solana.PublicKey, commitment rpc.CommitmentType) (AccountStream, error) {
	sub, err := c.client.AccountSubscribeWithOpts(address, commitment, solana.EncodingBase64)
	if err != nil {
		return nil, err
	}
	return &solanaAccountStream{address: address, sub: sub}, nil
}

func (c *solanaWSConn) Close() {
	c.client.Close()
}

type solanaAccountStream struct {
	address solana.PublicKey
	sub     *ws.AccountSubscription
}

func (s *solanaAccountStream) Recv(ctx context.Context) (RawAccount, error) {
	result, err := s.sub.Recv(ctx)
	if err != nil {
		return RawAccount{}, err
	}
	account := RawAccount{Address: s.address, Slot: result.Context.Slot, Owner: result.Value.Owner}
	if result.Value.Data != nil {
		account.Data = result.Value.Data.GetBinary()
	}
	return account, nil
}

func (s *solanaAccountStream) Unsubscribe() {
	s.sub.Unsubscribe()
}

type WSProviderConfig struct {
	// Endpoint is the http RPC endpoint used for Fetch.
	Endpoint string
	// WSEndpoint defaults to Endpoint with a ws/wss scheme.
	WSEndpoint string
	Commitment rpc.CommitmentType
	// MaxRetries consecutive reconnect failures end the address's subscriptions.
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Dialer      WSDialer
	Logger      *slog.Logger
}

// WSProvider shares one websocket connection across all account
// subscriptions, fanning each address's updates out to its subscribers.
type WSProvider struct {
	cfg    WSProviderConfig
	client RPCClient
	logger *slog.Logger
	policy retry.Policy

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connMu sync.Mutex
	conn   WSConn
	gen    uint64

	mu    sync.Mutex
	feeds map[solana.PublicKey]*feed
}

type feed struct {
	address solana.PublicKey
	subs    []*subscriber
	cancel  context.CancelFunc
}

func NewWSProvider(cfg WSProviderConfig) *WSProvider {
	return NewWSProviderWithClient(rpc.New(cfg.Endpoint), cfg)
}

func NewWSProviderWithClient(client RPCClient, cfg WSProviderConfig) *WSProvider {
	if cfg.WSEndpoint == "" {
		cfg.WSEndpoint = types.WSURL(cfg.Endpoint)
	}
	if cfg.Commitment == "" {
		cfg.Commitment = rpc.CommitmentConfirmed
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = DialSolanaWS
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WSProvider{
		cfg:    cfg,
		client: client,
		logger: logger.With("provider", "ws"),
		policy: retry.ExponentialBackoff(cfg.BaseBackoff, cfg.MaxBackoff, cfg.MaxRetries),
		ctx:    ctx,
		cancel: cancel,
		feeds:  make(map[solana.PublicKey]*feed),
	}
}

func (p *WSProvider) Endpoint() string { return p.cfg.WSEndpoint }

func (p *WSProvider) Fetch(ctx context.Context, address solana.PublicKey) (RawAccount, error) {
	return fetchAccount(ctx, p.client, p.cfg.Commitment, address)
}

func (p *WSProvider) Subscribe(_ context.Context, address solana.PublicKey) (Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx.Err() != nil {
		return nil, types.ErrStreamClosed
	}
	sub := newSubscriber(address, p.detach)
	f, ok := p.feeds[address]
	if !ok {
		ctx, cancel := context.WithCancel(p.ctx)
		f = &feed{address: address, cancel: cancel}
		p.feeds[address] = f
		p.wg.Add(1)
		go p.runFeed(ctx, f)
	}
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (p *WSProvider) detach(sub *subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.feeds[sub.address]
	if !ok {
		return
	}
	for i, candidate := range f.subs {
		if candidate == sub {
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			break
		}
	}
	if len(f.subs) == 0 {
		f.cancel()
		delete(p.feeds, sub.address)
	}
}

func (p *WSProvider) Close() error {
	p.cancel()
	p.wg.Wait()

	p.connMu.Lock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	p.connMu.Unlock()

	p.mu.Lock()
	feeds := p.feeds
	p.feeds = make(map[solana.PublicKey]*feed)
	p.mu.Unlock()
	for _, f := range feeds {
		for _, sub := range f.subs {
			sub.finish(types.ErrStreamClosed)
		}
	}
	return nil
}

// connection returns the shared connection, dialing it on first use. The
// connection outlives any single feed, so it is bound to the provider context.
func (p *WSProvider) connection() (WSConn, uint64, error) {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.conn != nil {
		return p.conn, p.gen, nil
	}
	conn, err := p.cfg.Dialer(p.ctx, p.cfg.WSEndpoint)
	if err != nil {
		return nil, p.gen, types.NewTransportError("websocket connect", err)
	}
	p.conn = conn
	p.gen++
	p.logger.Info("websocket connected", "endpoint", p.cfg.WSEndpoint, "generation", p.gen)
	return conn, p.gen, nil
}

// dropConnection discards the connection of generation gen so the next caller
// redials. Feeds failing on an already replaced connection leave the new one alone.
func (p *WSProvider) dropConnection(gen uint64) {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.conn != nil && p.gen == gen {
		p.conn.Close()
		p.conn = nil
	}
}

func (p *WSProvider) runFeed(ctx context.Context, f *feed) {
	defer p.wg.Done()

	logger := p.logger.With("address", f.address.String())
	failures := 0
	for {
		conn, gen, err := p.connection()
		if err == nil {
			var stream AccountStream
			stream, err = conn.AccountSubscribe(f.address, p.cfg.Commitment)
			if err == nil {
				err = p.pump(ctx, f, stream, &failures)
				stream.Unsubscribe()
			}
			if ctx.Err() == nil {
				p.dropConnection(gen)
			}
		}
		if ctx.Err() != nil {
			return
		}

		failures++
		err = types.NewTransportError("accountSubscribe", err)
		decision := p.policy.Decide(failures, err)
		if !decision.Retry {
			logger.Error("account subscription failed permanently", "failures", failures, "err", err)
			p.terminateFeed(f, err)
			return
		}
		logger.Warn("account subscription dropped, resubscribing", "failures", failures, "backoff", decision.Backoff, "err", err)
		if !retry.Sleep(ctx.Done(), decision.Backoff) {
			return
		}
	}
}

func (p *WSProvider) pump(ctx context.Context, f *feed, stream AccountStream, failures *int) error {
	for {
		account, err := stream.Recv(ctx)
		if err != nil {
			return err
		}
		*failures = 0
		account.Address = f.address
		p.mu.Lock()
		for _, sub := range f.subs {
			sub.offer(Update{Account: account})
		}
		p.mu.Unlock()
	}
}

func (p *WSProvider) terminateFeed(f *feed, err error) {
	p.mu.Lock()
	subs := f.subs
	f.subs = nil
	if p.feeds[f.address] == f {
		delete(p.feeds, f.address)
	}
	p.mu.Unlock()
	for _, sub := range subs {
		sub.finish(err)
	}
}
