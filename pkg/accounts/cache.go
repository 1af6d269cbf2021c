package accounts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/dex/drift-sdk/pkg/metrics"
	"github.com/coldbell/dex/drift-sdk/pkg/types"
)

// Decoder turns raw account data into a typed value.
type Decoder func(data []byte) (any, error)

// DecoderFor adapts a typed parse function such as program.ParseAccount_User.
func DecoderFor[T any](parse func([]byte) (*T, error)) Decoder {
	return func(data []byte) (any, error) {
		return parse(data)
	}
}

// RawDecoder keeps the bytes as-is, for accounts decoded on read.
func RawDecoder(data []byte) (any, error) {
	return RawAccount{Data: data}, nil
}

// Entry is the cached state of one address. Stale entries keep the last good
// value after their subscription ended for good.
type Entry struct {
	Address solana.PublicKey
	Owner   solana.PublicKey
	Value   any
	Slot    uint64
	Stale   bool
}

type Snapshot[T any] struct {
	Address solana.PublicKey
	Value   T
	Slot    uint64
	Stale   bool
}

type snapshot struct {
	owner solana.PublicKey
	value any
	slot  uint64
	stale bool
}

type cacheEntry struct {
	address solana.PublicKey
	decode  Decoder
	current atomic.Pointer[snapshot]
	ready   chan struct{}
	initErr error
	sub     Subscription
	done    chan struct{}
	removed atomic.Bool
}

// Cache holds the latest decoded state per subscribed address. Each address
// has a single writer, its subscription goroutine; readers never block it.
// Slots never move backwards for an address.
type Cache struct {
	provider Provider
	logger   *slog.Logger
	metrics  *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	entries map[solana.PublicKey]*cacheEntry
}

func NewCache(provider Provider, logger *slog.Logger, m *metrics.Metrics) *Cache {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		provider: provider,
		logger:   logger.With("component", "account_cache"),
		metrics:  metrics.OrNoop(m),
		ctx:      ctx,
		cancel:   cancel,
		entries:  make(map[solana.PublicKey]*cacheEntry),
	}
}

// Subscribe starts tracking address. The value is fetched before it returns,
// so Get is populated right away. Subscribing a live address again is a no-op
// that opens no second provider subscription. Subscribing a stale address
// opens a new provider subscription; the last value is kept, still stale,
// until a higher slot arrives.
func (c *Cache) Subscribe(ctx context.Context, address solana.PublicKey, decode Decoder) error {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return types.ErrStreamClosed
	}
	existing, ok := c.entries[address]
	if ok && !existing.ended() {
		c.mu.Unlock()
		select {
		case <-existing.ready:
			return existing.initErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	entry := &cacheEntry{
		address: address,
		decode:  decode,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	if ok {
		if cur := existing.current.Load(); cur != nil {
			last := *cur
			last.stale = true
			entry.current.Store(&last)
		}
		if existing.sub != nil {
			_ = existing.sub.Close()
		}
		c.logger.Info("resubscribing stale account", "address", address.String())
	}
	c.entries[address] = entry
	c.mu.Unlock()

	err := c.start(ctx, entry)
	entry.initErr = err
	close(entry.ready)
	if err != nil {
		// a stale entry keeps serving its last value and is retried on the
		// next Subscribe
		if entry.current.Load() == nil {
			c.mu.Lock()
			if c.entries[address] == entry {
				delete(c.entries, address)
			}
			c.mu.Unlock()
		}
		close(entry.done)
	}
	return err
}

// ended reports whether the entry's subscription stopped without Unsubscribe.
func (e *cacheEntry) ended() bool {
	select {
	case <-e.ready:
	default:
		return false
	}
	select {
	case <-e.done:
		return !e.removed.Load()
	default:
		return false
	}
}

func (c *Cache) start(ctx context.Context, entry *cacheEntry) error {
	account, err := c.provider.Fetch(ctx, entry.address)
	if err != nil {
		return err
	}
	value, err := entry.decode(account.Data)
	if err != nil {
		return types.NewDecodeError(entry.address, "account", err)
	}
	if cur := entry.current.Load(); cur == nil || account.Slot > cur.slot {
		entry.current.Store(&snapshot{owner: account.Owner, value: value, slot: account.Slot})
		c.metrics.CacheUpdatesApplied.Inc()
	}

	sub, err := c.provider.Subscribe(c.ctx, entry.address)
	if err != nil {
		return err
	}
	entry.sub = sub
	go c.consume(entry)
	return nil
}

func (c *Cache) consume(entry *cacheEntry) {
	logger := c.logger.With("address", entry.address.String())
	var terminal error
	for update := range entry.sub.Updates() {
		if update.Err != nil {
			terminal = update.Err
			continue
		}
		c.apply(entry, update.Account, logger)
	}
	if entry.removed.Load() {
		close(entry.done)
		return
	}
	if terminal == nil {
		terminal = types.ErrStreamClosed
	}
	// done closes first so a reader that sees the stale flag can resubscribe
	cur := entry.current.Load()
	close(entry.done)
	if cur != nil {
		stale := *cur
		stale.stale = true
		entry.current.Store(&stale)
	}
	c.metrics.CacheStale.Inc()
	logger.Warn("account subscription ended, entry is stale", "err", terminal)
}

func (c *Cache) apply(entry *cacheEntry, account RawAccount, logger *slog.Logger) {
	cur := entry.current.Load()
	if cur != nil && account.Slot <= cur.slot {
		c.metrics.CacheUpdatesDiscarded.Inc()
		return
	}
	value, err := entry.decode(account.Data)
	if err != nil {
		c.metrics.CacheDecodeFailures.Inc()
		logger.Warn("discarding undecodable account update", "slot", account.Slot, "err", types.NewDecodeError(entry.address, "account", err))
		return
	}
	entry.current.Store(&snapshot{owner: account.Owner, value: value, slot: account.Slot})
	c.metrics.CacheUpdatesApplied.Inc()
}

// Unsubscribe stops tracking address and drops its entry.
func (c *Cache) Unsubscribe(address solana.PublicKey) {
	c.mu.Lock()
	entry, ok := c.entries[address]
	if ok {
		delete(c.entries, address)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.release(entry)
}

func (c *Cache) release(entry *cacheEntry) {
	<-entry.ready
	entry.removed.Store(true)
	if entry.sub != nil {
		_ = entry.sub.Close()
	}
	<-entry.done
}

// Get never blocks on the provider.
func (c *Cache) Get(address solana.PublicKey) (Entry, bool) {
	c.mu.RLock()
	entry, ok := c.entries[address]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	cur := entry.current.Load()
	if cur == nil {
		return Entry{}, false
	}
	return Entry{Address: address, Owner: cur.owner, Value: cur.value, Slot: cur.slot, Stale: cur.stale}, true
}

func (c *Cache) Subscribed(address solana.PublicKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[address]
	return ok
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close drops every subscription. The provider is left open.
func (c *Cache) Close() {
	c.mu.Lock()
	c.cancel()
	entries := c.entries
	c.entries = make(map[solana.PublicKey]*cacheEntry)
	c.mu.Unlock()
	for _, entry := range entries {
		c.release(entry)
	}
}

var errTypeMismatch = errors.New("cached value has a different type")

// Lookup returns a copy of the cached value as T.
func Lookup[T any](c *Cache, address solana.PublicKey) (Snapshot[T], bool) {
	entry, ok := c.Get(address)
	if !ok {
		return Snapshot[T]{}, false
	}
	value, err := as[T](entry.Value)
	if err != nil {
		return Snapshot[T]{}, false
	}
	return Snapshot[T]{Address: address, Value: value, Slot: entry.Slot, Stale: entry.Stale}, true
}

// FetchDecoded reads one account directly from the provider, bypassing the cache.
func FetchDecoded[T any](ctx context.Context, provider Provider, address solana.PublicKey, parse func([]byte) (*T, error)) (Snapshot[T], error) {
	account, err := provider.Fetch(ctx, address)
	if err != nil {
		return Snapshot[T]{}, err
	}
	value, err := parse(account.Data)
	if err != nil {
		return Snapshot[T]{}, types.NewDecodeError(address, "account", err)
	}
	return Snapshot[T]{Address: address, Value: *value, Slot: account.Slot}, nil
}

func as[T any](value any) (T, error) {
	switch v := value.(type) {
	case T:
		return v, nil
	case *T:
		if v != nil {
			return *v, nil
		}
	}
	var zero T
	return zero, errTypeMismatch
}
