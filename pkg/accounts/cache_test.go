package accounts

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/dex/drift-sdk/pkg/metrics"
	"github.com/coldbell/dex/drift-sdk/pkg/types"
)

type fakeProvider struct {
	mu         sync.Mutex
	accounts   map[solana.PublicKey]RawAccount
	subs       map[solana.PublicKey][]*subscriber
	subscribes int
	fetches    int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		accounts: make(map[solana.PublicKey]RawAccount),
		subs:     make(map[solana.PublicKey][]*subscriber),
	}
}

func (p *fakeProvider) Endpoint() string { return "fake" }

func (p *fakeProvider) Fetch(_ context.Context, address solana.PublicKey) (RawAccount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetches++
	account, ok := p.accounts[address]
	if !ok {
		return RawAccount{}, types.ErrNotFound
	}
	return account, nil
}

func (p *fakeProvider) Subscribe(_ context.Context, address solana.PublicKey) (Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribes++
	sub := newSubscriber(address, func(s *subscriber) {
		p.mu.Lock()
		defer p.mu.Unlock()
		list := p.subs[s.address]
		for i, candidate := range list {
			if candidate == s {
				p.subs[s.address] = append(list[:i], list[i+1:]...)
				break
			}
		}
	})
	p.subs[address] = append(p.subs[address], sub)
	return sub, nil
}

func (p *fakeProvider) Close() error { return nil }

func (p *fakeProvider) push(account RawAccount) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sub := range p.subs[account.Address] {
		sub.offer(Update{Account: account})
	}
}

func (p *fakeProvider) fail(address solana.PublicKey, err error) {
	p.mu.Lock()
	subs := p.subs[address]
	delete(p.subs, address)
	p.mu.Unlock()
	for _, sub := range subs {
		sub.finish(err)
	}
}

func u64(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}

func decodeU64(data []byte) (any, error) {
	if len(data) != 8 {
		return nil, errors.New("want 8 bytes")
	}
	v := binary.LittleEndian.Uint64(data)
	return &v, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestCacheSubscribeIsPopulatedImmediately(t *testing.T) {
	provider := newFakeProvider()
	address := solana.NewWallet().PublicKey()
	provider.accounts[address] = RawAccount{Address: address, Data: u64(7), Slot: 10}

	cache := NewCache(provider, nil, nil)
	defer cache.Close()

	require.NoError(t, cache.Subscribe(context.Background(), address, decodeU64))
	snap, ok := Lookup[uint64](cache, address)
	require.True(t, ok)
	assert.Equal(t, uint64(7), snap.Value)
	assert.Equal(t, uint64(10), snap.Slot)
	assert.False(t, snap.Stale)
}

func TestCacheMonotonicMerge(t *testing.T) {
	provider := newFakeProvider()
	address := solana.NewWallet().PublicKey()
	provider.accounts[address] = RawAccount{Address: address, Data: u64(1), Slot: 100}

	prom := metrics.NewPrometheus()
	cache := NewCache(provider, nil, prom.Metrics)
	defer cache.Close()
	require.NoError(t, cache.Subscribe(context.Background(), address, decodeU64))

	provider.push(RawAccount{Address: address, Data: u64(2), Slot: 105})
	waitFor(t, func() bool {
		entry, _ := cache.Get(address)
		return entry.Slot == 105
	})

	// late and duplicate slots are discarded
	provider.push(RawAccount{Address: address, Data: u64(3), Slot: 103})
	provider.push(RawAccount{Address: address, Data: u64(4), Slot: 105})
	provider.push(RawAccount{Address: address, Data: u64(5), Slot: 106})
	waitFor(t, func() bool {
		entry, _ := cache.Get(address)
		return entry.Slot == 106
	})

	snap, ok := Lookup[uint64](cache, address)
	require.True(t, ok)
	assert.Equal(t, uint64(5), snap.Value)
}

func TestCacheDoubleSubscribeOpensOneSubscription(t *testing.T) {
	provider := newFakeProvider()
	oracle := solana.NewWallet().PublicKey()
	provider.accounts[oracle] = RawAccount{Address: oracle, Data: u64(1), Slot: 1}

	cache := NewCache(provider, nil, nil)
	defer cache.Close()

	// a perp market and its quote spot market can share an oracle
	require.NoError(t, cache.Subscribe(context.Background(), oracle, decodeU64))
	require.NoError(t, cache.Subscribe(context.Background(), oracle, decodeU64))

	provider.mu.Lock()
	defer provider.mu.Unlock()
	assert.Equal(t, 1, provider.subscribes)
	assert.Equal(t, 1, provider.fetches)
	assert.Equal(t, 1, cache.Len())
}

func TestCacheDecodeFailureKeepsPreviousValue(t *testing.T) {
	provider := newFakeProvider()
	address := solana.NewWallet().PublicKey()
	provider.accounts[address] = RawAccount{Address: address, Data: u64(1), Slot: 1}

	cache := NewCache(provider, nil, nil)
	defer cache.Close()
	require.NoError(t, cache.Subscribe(context.Background(), address, decodeU64))

	provider.push(RawAccount{Address: address, Data: []byte{1, 2}, Slot: 2})
	provider.push(RawAccount{Address: address, Data: u64(9), Slot: 3})
	waitFor(t, func() bool {
		entry, _ := cache.Get(address)
		return entry.Slot == 3
	})
	snap, _ := Lookup[uint64](cache, address)
	assert.Equal(t, uint64(9), snap.Value)
}

func TestCacheMarksStaleOnTerminalError(t *testing.T) {
	provider := newFakeProvider()
	address := solana.NewWallet().PublicKey()
	provider.accounts[address] = RawAccount{Address: address, Data: u64(1), Slot: 1}

	cache := NewCache(provider, nil, nil)
	defer cache.Close()
	require.NoError(t, cache.Subscribe(context.Background(), address, decodeU64))

	provider.fail(address, types.NewTransportError("poll", assert.AnError))
	waitFor(t, func() bool {
		entry, _ := cache.Get(address)
		return entry.Stale
	})
	entry, ok := cache.Get(address)
	require.True(t, ok)
	assert.Equal(t, uint64(1), entry.Slot)
}

func TestCacheResubscribesStaleEntry(t *testing.T) {
	provider := newFakeProvider()
	address := solana.NewWallet().PublicKey()
	provider.accounts[address] = RawAccount{Address: address, Data: u64(1), Slot: 5}

	cache := NewCache(provider, nil, nil)
	defer cache.Close()
	require.NoError(t, cache.Subscribe(context.Background(), address, decodeU64))

	provider.fail(address, types.NewTransportError("poll", assert.AnError))
	waitFor(t, func() bool {
		entry, _ := cache.Get(address)
		return entry.Stale
	})

	// a lagging node must not move the slot backwards
	provider.mu.Lock()
	provider.accounts[address] = RawAccount{Address: address, Data: u64(9), Slot: 3}
	provider.mu.Unlock()
	require.NoError(t, cache.Subscribe(context.Background(), address, decodeU64))
	provider.mu.Lock()
	assert.Equal(t, 2, provider.subscribes)
	assert.Len(t, provider.subs[address], 1)
	provider.mu.Unlock()

	snap, ok := Lookup[uint64](cache, address)
	require.True(t, ok)
	assert.Equal(t, uint64(1), snap.Value)
	assert.Equal(t, uint64(5), snap.Slot)
	assert.True(t, snap.Stale)

	provider.push(RawAccount{Address: address, Data: u64(2), Slot: 6})
	waitFor(t, func() bool {
		snap, _ := Lookup[uint64](cache, address)
		return !snap.Stale
	})
	snap, _ = Lookup[uint64](cache, address)
	assert.Equal(t, uint64(2), snap.Value)
	assert.Equal(t, uint64(6), snap.Slot)

	// a live entry is not resubscribed
	require.NoError(t, cache.Subscribe(context.Background(), address, decodeU64))
	provider.mu.Lock()
	assert.Equal(t, 2, provider.subscribes)
	provider.mu.Unlock()
}

func TestCacheStaleEntrySurvivesFailedResubscribe(t *testing.T) {
	provider := newFakeProvider()
	address := solana.NewWallet().PublicKey()
	provider.accounts[address] = RawAccount{Address: address, Data: u64(1), Slot: 5}

	cache := NewCache(provider, nil, nil)
	defer cache.Close()
	require.NoError(t, cache.Subscribe(context.Background(), address, decodeU64))
	provider.fail(address, types.NewTransportError("poll", assert.AnError))
	waitFor(t, func() bool {
		entry, _ := cache.Get(address)
		return entry.Stale
	})

	provider.mu.Lock()
	delete(provider.accounts, address)
	provider.mu.Unlock()
	require.ErrorIs(t, cache.Subscribe(context.Background(), address, decodeU64), types.ErrNotFound)

	entry, ok := cache.Get(address)
	require.True(t, ok)
	assert.True(t, entry.Stale)
	assert.Equal(t, uint64(5), entry.Slot)

	provider.mu.Lock()
	provider.accounts[address] = RawAccount{Address: address, Data: u64(3), Slot: 8}
	provider.mu.Unlock()
	require.NoError(t, cache.Subscribe(context.Background(), address, decodeU64))
	snap, ok := Lookup[uint64](cache, address)
	require.True(t, ok)
	assert.Equal(t, uint64(3), snap.Value)
	assert.False(t, snap.Stale)
}

func TestCacheSubscribeMissingAccount(t *testing.T) {
	cache := NewCache(newFakeProvider(), nil, nil)
	defer cache.Close()

	address := solana.NewWallet().PublicKey()
	err := cache.Subscribe(context.Background(), address, decodeU64)
	require.ErrorIs(t, err, types.ErrNotFound)
	assert.False(t, cache.Subscribed(address))
	_, ok := cache.Get(address)
	assert.False(t, ok)
}

func TestCacheUnsubscribe(t *testing.T) {
	provider := newFakeProvider()
	address := solana.NewWallet().PublicKey()
	provider.accounts[address] = RawAccount{Address: address, Data: u64(1), Slot: 1}

	cache := NewCache(provider, nil, nil)
	defer cache.Close()
	require.NoError(t, cache.Subscribe(context.Background(), address, decodeU64))

	cache.Unsubscribe(address)
	_, ok := cache.Get(address)
	assert.False(t, ok)
	provider.mu.Lock()
	assert.Empty(t, provider.subs[address])
	provider.mu.Unlock()

	// subscribing again reopens the provider subscription
	require.NoError(t, cache.Subscribe(context.Background(), address, decodeU64))
	provider.mu.Lock()
	assert.Equal(t, 2, provider.subscribes)
	provider.mu.Unlock()
}

func TestFetchDecoded(t *testing.T) {
	provider := newFakeProvider()
	address := solana.NewWallet().PublicKey()
	provider.accounts[address] = RawAccount{Address: address, Data: []byte{1}, Slot: 4}

	_, err := FetchDecoded(context.Background(), provider, address, func(data []byte) (*uint64, error) {
		return nil, errors.New("short")
	})
	var decodeErr *types.DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, address, decodeErr.Address)
}
