package accounts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/coldbell/dex/drift-sdk/pkg/retry"
	"github.com/coldbell/dex/drift-sdk/pkg/types"
)

const maxAccountsPerRequest = 100

// RPCClient is the subset of *rpc.Client the polling provider needs.
type RPCClient interface {
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	GetMultipleAccountsWithOpts(ctx context.Context, accounts []solana.PublicKey, opts *rpc.GetMultipleAccountsOpts) (*rpc.GetMultipleAccountsResult, error)
}

type RPCProviderConfig struct {
	Endpoint     string
	Commitment   rpc.CommitmentType
	PollInterval time.Duration
	// MaxRetries consecutive poll failures end every subscription with the last error.
	MaxRetries int
	MaxBackoff time.Duration
	Logger     *slog.Logger
}

// RPCProvider polls getMultipleAccounts for every subscribed address.
type RPCProvider struct {
	client   RPCClient
	endpoint string
	cfg      RPCProviderConfig
	logger   *slog.Logger

	mu          sync.Mutex
	subscribers map[solana.PublicKey][]*subscriber
	lastSlot    map[solana.PublicKey]uint64
	polling     bool
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func NewRPCProvider(cfg RPCProviderConfig) *RPCProvider {
	return NewRPCProviderWithClient(rpc.New(cfg.Endpoint), cfg)
}

func NewRPCProviderWithClient(client RPCClient, cfg RPCProviderConfig) *RPCProvider {
	if cfg.Commitment == "" {
		cfg.Commitment = rpc.CommitmentConfirmed
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RPCProvider{
		client:      client,
		endpoint:    cfg.Endpoint,
		cfg:         cfg,
		logger:      logger.With("provider", "rpc"),
		subscribers: make(map[solana.PublicKey][]*subscriber),
		lastSlot:    make(map[solana.PublicKey]uint64),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (p *RPCProvider) Endpoint() string { return p.endpoint }

func (p *RPCProvider) Fetch(ctx context.Context, address solana.PublicKey) (RawAccount, error) {
	return fetchAccount(ctx, p.client, p.cfg.Commitment, address)
}

func fetchAccount(ctx context.Context, client RPCClient, commitment rpc.CommitmentType, address solana.PublicKey) (RawAccount, error) {
	result, err := client.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: commitment,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return RawAccount{}, fmt.Errorf("account %s: %w", address, types.ErrNotFound)
		}
		return RawAccount{}, types.NewTransportError("getAccountInfo", err)
	}
	if result == nil || result.Value == nil {
		return RawAccount{}, fmt.Errorf("account %s: %w", address, types.ErrNotFound)
	}
	return RawAccount{
		Address: address,
		Owner:   result.Value.Owner,
		Data:    result.Value.Data.GetBinary(),
		Slot:    result.Context.Slot,
	}, nil
}

func (p *RPCProvider) Subscribe(_ context.Context, address solana.PublicKey) (Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx.Err() != nil {
		return nil, types.ErrStreamClosed
	}
	sub := newSubscriber(address, p.detach)
	p.subscribers[address] = append(p.subscribers[address], sub)
	if !p.polling {
		p.polling = true
		p.wg.Add(1)
		go p.pollLoop()
	}
	return sub, nil
}

func (p *RPCProvider) detach(sub *subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.subscribers[sub.address]
	for i, candidate := range list {
		if candidate == sub {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(p.subscribers, sub.address)
		delete(p.lastSlot, sub.address)
		return
	}
	p.subscribers[sub.address] = list
}

func (p *RPCProvider) Close() error {
	p.cancel()
	p.wg.Wait()
	p.terminateAll(types.ErrStreamClosed)
	return nil
}

func (p *RPCProvider) pollLoop() {
	defer p.wg.Done()

	backoff := retry.ExponentialBackoff(p.cfg.PollInterval, p.cfg.MaxBackoff, p.cfg.MaxRetries)
	failures := 0
	delay := time.Duration(0)
	for {
		if !retry.Sleep(p.ctx.Done(), delay) {
			return
		}
		addresses := p.addresses()
		if len(addresses) == 0 {
			p.mu.Lock()
			if len(p.subscribers) == 0 {
				p.polling = false
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
			continue
		}

		err := p.poll(addresses)
		if err == nil {
			failures = 0
			delay = p.cfg.PollInterval
			continue
		}
		if p.ctx.Err() != nil {
			return
		}
		failures++
		decision := backoff.Decide(failures, err)
		if !decision.Retry {
			p.logger.Error("polling failed, ending subscriptions", "failures", failures, "err", err)
			p.mu.Lock()
			p.polling = false
			p.mu.Unlock()
			p.terminateAll(err)
			return
		}
		p.logger.Warn("poll failed, backing off", "failures", failures, "backoff", decision.Backoff, "err", err)
		delay = decision.Backoff
	}
}

func (p *RPCProvider) addresses() []solana.PublicKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]solana.PublicKey, 0, len(p.subscribers))
	for address := range p.subscribers {
		out = append(out, address)
	}
	return out
}

func (p *RPCProvider) poll(addresses []solana.PublicKey) error {
	for start := 0; start < len(addresses); start += maxAccountsPerRequest {
		end := min(start+maxAccountsPerRequest, len(addresses))
		batch := addresses[start:end]
		result, err := p.client.GetMultipleAccountsWithOpts(p.ctx, batch, &rpc.GetMultipleAccountsOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: p.cfg.Commitment,
		})
		if err != nil {
			return types.NewTransportError("getMultipleAccounts", err)
		}
		if result == nil || len(result.Value) != len(batch) {
			return types.NewTransportError("getMultipleAccounts", errors.New("unexpected result length"))
		}
		slot := result.Context.Slot
		for i, account := range result.Value {
			if account == nil {
				continue
			}
			p.emit(RawAccount{
				Address: batch[i],
				Owner:   account.Owner,
				Data:    account.Data.GetBinary(),
				Slot:    slot,
			})
		}
	}
	return nil
}

// emit forwards only when the slot advanced past the last delivery.
func (p *RPCProvider) emit(account RawAccount) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if last, ok := p.lastSlot[account.Address]; ok && account.Slot <= last {
		return
	}
	subs := p.subscribers[account.Address]
	if len(subs) == 0 {
		return
	}
	p.lastSlot[account.Address] = account.Slot
	for _, sub := range subs {
		sub.offer(Update{Account: account})
	}
}

func (p *RPCProvider) terminateAll(err error) {
	p.mu.Lock()
	subs := p.subscribers
	p.subscribers = make(map[solana.PublicKey][]*subscriber)
	p.lastSlot = make(map[solana.PublicKey]uint64)
	p.mu.Unlock()
	for _, list := range subs {
		for _, sub := range list {
			sub.finish(err)
		}
	}
}
