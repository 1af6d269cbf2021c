package client

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/dex/drift-sdk/pkg/accounts"
	"github.com/coldbell/dex/drift-sdk/pkg/oracle"
	"github.com/coldbell/dex/drift-sdk/pkg/program"
	"github.com/coldbell/dex/drift-sdk/pkg/programdata"
	"github.com/coldbell/dex/drift-sdk/pkg/types"
	"github.com/coldbell/dex/drift-sdk/pkg/wallet"
)

var (
	solPerp   = solana.NewWallet().PublicKey()
	solOracle = solana.NewWallet().PublicKey()
	usdcSpot  = solana.NewWallet().PublicKey()
)

type fakeSubscription struct {
	updates chan accounts.Update
	once    sync.Once
}

func (s *fakeSubscription) Updates() <-chan accounts.Update { return s.updates }

func (s *fakeSubscription) Close() error {
	s.once.Do(func() { close(s.updates) })
	return nil
}

type fakeProvider struct {
	mu         sync.Mutex
	accounts   map[solana.PublicKey]accounts.RawAccount
	subscribes map[solana.PublicKey]int
	latest     map[solana.PublicKey]*fakeSubscription
	closed     bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		accounts:   make(map[solana.PublicKey]accounts.RawAccount),
		subscribes: make(map[solana.PublicKey]int),
		latest:     make(map[solana.PublicKey]*fakeSubscription),
	}
}

func (p *fakeProvider) Endpoint() string { return "fake" }

func (p *fakeProvider) Fetch(_ context.Context, address solana.PublicKey) (accounts.RawAccount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	account, ok := p.accounts[address]
	if !ok {
		return accounts.RawAccount{}, types.ErrNotFound
	}
	return account, nil
}

func (p *fakeProvider) Subscribe(_ context.Context, address solana.PublicKey) (accounts.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribes[address]++
	sub := &fakeSubscription{updates: make(chan accounts.Update, 1)}
	p.latest[address] = sub
	return sub, nil
}

func (p *fakeProvider) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakeProvider) put(t *testing.T, address, owner solana.PublicKey, discriminator [8]byte, value any) {
	t.Helper()
	data, err := program.EncodeAccount(discriminator, value)
	require.NoError(t, err)
	p.putRaw(address, owner, data)
}

func (p *fakeProvider) putRaw(address, owner solana.PublicKey, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accounts[address] = accounts.RawAccount{Address: address, Owner: owner, Data: data, Slot: 10}
}

func (p *fakeProvider) subscriptions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, n := range p.subscribes {
		total += n
	}
	return total
}

func testProgramData() *programdata.ProgramData {
	return programdata.New(
		[]programdata.MarketConfig{
			{ID: types.Perp(0), Name: "SOL-PERP", Address: solPerp, Oracle: solOracle, OracleSource: program.OracleSource_PythPull},
		},
		[]programdata.MarketConfig{
			{ID: types.Spot(0), Name: "USDC", Address: usdcSpot, OracleSource: program.OracleSource_QuoteAsset},
		},
	)
}

func seededProvider(t *testing.T, w *wallet.Wallet) *fakeProvider {
	provider := newFakeProvider()
	provider.put(t, w.SubAccount(0), types.ProgramID, program.Account_User, &program.User{Authority: w.Authority(), SubAccountID: 0})
	provider.put(t, solPerp, types.ProgramID, program.Account_PerpMarket, &program.PerpMarket{
		Pubkey: solPerp, Name: program.EncodeName("SOL-PERP"),
		Amm: program.AMM{Oracle: solOracle, OracleSource: program.OracleSource_PythPull},
	})
	provider.putRaw(solOracle, oracle.PythPushOracleProgramID, oracle.EncodePriceUpdateV2([32]byte{}, 2_500, 0, -8, 1, 1))
	return provider
}

func newTestClient(t *testing.T, provider accounts.Provider, w *wallet.Wallet, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithProgramData(testProgramData())}, opts...)
	c, err := New(context.Background(), types.DevNet, provider, w, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSubscribeTracksEachAccountOnce(t *testing.T) {
	w := wallet.New(solana.NewWallet().PrivateKey)
	provider := seededProvider(t, w)
	c := newTestClient(t, provider, w, WithPerpMarkets(0))

	require.NoError(t, c.Subscribe(context.Background()))
	// user, market and oracle; the missing stats account is skipped
	assert.Equal(t, 3, c.Cache().Len())
	assert.Equal(t, 3, provider.subscriptions())

	require.NoError(t, c.Subscribe(context.Background()))
	assert.Equal(t, 3, provider.subscriptions())

	user, ok := c.GetUser(0)
	require.True(t, ok)
	assert.Equal(t, w.Authority(), user.Value.Authority)
	assert.Equal(t, uint64(10), user.Slot)

	price, err := c.OraclePrice(context.Background(), types.Perp(0))
	require.NoError(t, err)
	assert.Equal(t, int64(25), price.Value)
	assert.Equal(t, solOracle, price.Address)
	assert.Equal(t, uint64(10), price.Slot)
	assert.False(t, price.Stale)

	require.ErrorIs(t, w.ToDelegated(solana.NewWallet().PublicKey()), types.ErrWalletInUse)
}

func TestSubscribeRejectsUnknownMarket(t *testing.T) {
	w := wallet.New(solana.NewWallet().PrivateKey)
	provider := seededProvider(t, w)
	c := newTestClient(t, provider, w, WithPerpMarkets(7))

	require.ErrorIs(t, c.Subscribe(context.Background()), types.ErrNotFound)
	assert.Equal(t, 0, provider.subscriptions())
}

func TestUnsubscribeDropsTrackedAccounts(t *testing.T) {
	w := wallet.New(solana.NewWallet().PrivateKey)
	c := newTestClient(t, seededProvider(t, w), w)

	require.NoError(t, c.AddUser(context.Background(), 0))
	assert.Equal(t, 1, c.Cache().Len())

	c.Unsubscribe()
	assert.Equal(t, 0, c.Cache().Len())
	_, ok := c.GetUser(0)
	assert.False(t, ok)
}

func TestReadsFallBackToProvider(t *testing.T) {
	w := wallet.New(solana.NewWallet().PrivateKey)
	provider := seededProvider(t, w)
	c := newTestClient(t, provider, w)

	user, err := c.GetUserAccount(context.Background(), w.SubAccount(0))
	require.NoError(t, err)
	assert.Equal(t, w.Authority(), user.Value.Authority)

	_, err = c.GetUserAccount(context.Background(), w.SubAccount(3))
	require.ErrorIs(t, err, types.ErrNotFound)

	_, err = c.GetUserStats(context.Background(), w.Authority())
	require.ErrorIs(t, err, types.ErrNotFound)

	price, err := c.OraclePrice(context.Background(), types.Perp(0))
	require.NoError(t, err)
	assert.Equal(t, int64(25), price.Value)
	assert.False(t, price.Stale)

	price, err = c.OraclePrice(context.Background(), types.QuoteSpot)
	require.NoError(t, err)
	assert.Equal(t, int64(types.PricePrecision), price.Value)

	assert.Equal(t, 0, c.Cache().Len())
	assert.False(t, w.IsFrozen())
}

func TestOraclePriceReportsStaleCache(t *testing.T) {
	w := wallet.New(solana.NewWallet().PrivateKey)
	provider := seededProvider(t, w)
	c := newTestClient(t, provider, w, WithPerpMarkets(0))
	require.NoError(t, c.Subscribe(context.Background()))

	provider.mu.Lock()
	sub := provider.latest[solOracle]
	provider.mu.Unlock()
	require.NotNil(t, sub)
	require.NoError(t, sub.Close())

	require.Eventually(t, func() bool {
		price, err := c.OraclePrice(context.Background(), types.Perp(0))
		return err == nil && price.Stale
	}, 2*time.Second, 5*time.Millisecond)
	price, err := c.OraclePrice(context.Background(), types.Perp(0))
	require.NoError(t, err)
	assert.Equal(t, int64(25), price.Value)

	// subscribing again revives the oracle entry
	require.NoError(t, c.Subscribe(context.Background()))
	provider.mu.Lock()
	assert.Equal(t, 2, provider.subscribes[solOracle])
	assert.Equal(t, 1, provider.subscribes[solPerp])
	provider.mu.Unlock()
}

func TestOraclePriceReportsOracleAddress(t *testing.T) {
	w := wallet.New(solana.NewWallet().PrivateKey)
	provider := newFakeProvider()
	provider.putRaw(solOracle, solana.SystemProgramID, []byte{1, 2, 3})
	c := newTestClient(t, provider, w)

	_, err := c.OraclePrice(context.Background(), types.Perp(0))
	require.ErrorIs(t, err, types.ErrDecode)
	var decodeErr *types.DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, solOracle, decodeErr.Address)
}

func TestInitTxBuildsForSubAccount(t *testing.T) {
	w := wallet.New(solana.NewWallet().PrivateKey)
	c := newTestClient(t, seededProvider(t, w), w, WithActiveSubAccount(0))

	draft, err := c.InitActiveTx(false).
		CancelAllOrders().
		PlaceOrders([]types.NewOrder{types.Limit(types.Perp(0)).Amount(1).Price(40).Build()}).
		Build()
	require.NoError(t, err)
	assert.Equal(t, w.SubAccount(0), draft.SubAccount)
	assert.Equal(t, 2, draft.Len())
	assert.True(t, w.IsFrozen())
}

func TestInitTxForUsesGivenAddress(t *testing.T) {
	w := wallet.New(solana.NewWallet().PrivateKey)
	provider := seededProvider(t, w)
	c := newTestClient(t, provider, w)

	delegated := program.MustDeriveUserPDA(types.ProgramID, solana.NewWallet().PublicKey(), 0)
	draft, err := c.InitTxFor(delegated, true).CancelAllOrders().Build()
	require.NoError(t, err)
	assert.Equal(t, delegated, draft.SubAccount)
	assert.True(t, draft.Simulate)
	assert.True(t, w.IsFrozen())

	// InitTx is InitTxFor on the wallet's own sub-account
	draft, err = c.InitTx(2, false).CancelAllOrders().Build()
	require.NoError(t, err)
	assert.Equal(t, w.SubAccount(2), draft.SubAccount)
}

func TestInitTxReadOnlyWalletCannotSign(t *testing.T) {
	w := wallet.ReadOnly(solana.NewWallet().PublicKey())
	c := newTestClient(t, newFakeProvider(), w)

	draft, err := c.InitTx(0, false).CancelAllOrders().Build()
	require.NoError(t, err)
	_, err = c.SignAndSend(context.Background(), draft)
	require.ErrorIs(t, err, types.ErrUnsigned)
}

type fakeRPC struct {
	markets []*rpc.KeyedAccount
}

func (f *fakeRPC) GetProgramAccountsWithOpts(_ context.Context, _ solana.PublicKey, opts *rpc.GetProgramAccountsOpts) (rpc.GetProgramAccountsResult, error) {
	filter := []byte(opts.Filters[0].Memcmp.Bytes)
	var out rpc.GetProgramAccountsResult
	for _, item := range f.markets {
		if bytes.HasPrefix(item.Account.Data.GetBinary(), filter) {
			out = append(out, item)
		}
	}
	return out, nil
}

func (f *fakeRPC) GetLatestBlockhash(context.Context, rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return nil, context.Canceled
}

func (f *fakeRPC) SimulateTransactionWithOpts(context.Context, *solana.Transaction, *rpc.SimulateTransactionOpts) (*rpc.SimulateTransactionResponse, error) {
	return nil, context.Canceled
}

func (f *fakeRPC) SendTransactionWithOpts(context.Context, *solana.Transaction, rpc.TransactionOpts) (solana.Signature, error) {
	return solana.Signature{}, context.Canceled
}

func (f *fakeRPC) GetSignatureStatuses(context.Context, bool, ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	return nil, context.Canceled
}

func TestNewLoadsProgramData(t *testing.T) {
	data, err := program.EncodeAccount(program.Account_PerpMarket, &program.PerpMarket{
		Pubkey: solPerp, Name: program.EncodeName("SOL-PERP"),
		Amm: program.AMM{Oracle: solOracle, OracleSource: program.OracleSource_PythPull},
	})
	require.NoError(t, err)
	client := &fakeRPC{markets: []*rpc.KeyedAccount{{
		Pubkey:  solPerp,
		Account: &rpc.Account{Data: rpc.DataBytesOrJSONFromBytes(data)},
	}}}

	c, err := New(context.Background(), types.DevNet, newFakeProvider(), wallet.New(solana.NewWallet().PrivateKey), WithRPCClient(client))
	require.NoError(t, err)
	defer c.Close()

	market, ok := c.MarketLookup("SOL-PERP")
	require.True(t, ok)
	assert.Equal(t, types.Perp(0), market)
	assert.Len(t, c.ProgramData().SpotMarkets(), 0)
}
