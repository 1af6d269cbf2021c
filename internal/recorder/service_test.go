package recorder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/dex/drift-sdk/internal/config"
	"github.com/coldbell/dex/drift-sdk/internal/store"
	"github.com/coldbell/dex/drift-sdk/pkg/events"
	"github.com/coldbell/dex/drift-sdk/pkg/metrics"
	"github.com/coldbell/dex/drift-sdk/pkg/program"
	"github.com/coldbell/dex/drift-sdk/pkg/retry"
	"github.com/coldbell/dex/drift-sdk/pkg/stream"
	"github.com/coldbell/dex/drift-sdk/pkg/types"
	"github.com/coldbell/dex/drift-sdk/pkg/wallet"
)

type memoryStore struct {
	mu     sync.Mutex
	rows   []store.EventRow
	closed bool
}

func (m *memoryStore) RecordEvent(_ context.Context, row store.EventRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, row)
	return nil
}

func (m *memoryStore) LastSlot(context.Context, solana.PublicKey) (uint64, bool, error) {
	return 0, false, nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memoryStore) snapshot() []store.EventRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.EventRow(nil), m.rows...)
}

func testService(t *testing.T, st eventStore, subscribe subscribeFunc) (*Service, *wallet.Wallet) {
	t.Helper()
	w := wallet.ReadOnly(solana.NewWallet().PublicKey())
	return &Service{
		cfg: config.RecorderConfig{
			Wallet: config.WalletConfig{SubAccountIDs: []uint16{0}},
		},
		wallet:    w,
		store:     st,
		prom:      metrics.NewPrometheus(),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		subscribe: subscribe,
	}, w
}

func TestRunRecordsEventsAndSkipsInlineErrors(t *testing.T) {
	st := &memoryStore{}
	var subscribed []solana.PublicKey
	svc, w := testService(t, st, func(ctx context.Context, subAccount solana.PublicKey) *stream.Stream[events.Event] {
		subscribed = append(subscribed, subAccount)
		return stream.Start(ctx, "events_test", retry.Never(), func(ctx context.Context, sink *stream.Sink[events.Event]) error {
			sink.Ready()
			sink.Send(events.Event{Signature: solana.Signature{1}, Slot: 5, Value: &program.OrderRecord{
				User:  subAccount,
				Order: program.Order{OrderID: 7, MarketType: uint8(types.MarketTypePerp)},
			}})
			sink.SendErr(types.NewDecodeError(solana.PublicKey{}, "event", errors.New("short")))
			sink.Send(events.Event{Signature: solana.Signature{2}, Slot: 6, Value: &program.FundingPaymentRecord{User: subAccount}})
			<-ctx.Done()
			return ctx.Err()
		}, nil, nil)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool { return len(st.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}

	rows := st.snapshot()
	assert.Equal(t, "place", rows[0].Action)
	assert.Equal(t, uint64(5), rows[0].Slot)
	assert.Equal(t, "funding", rows[1].Action)
	assert.Equal(t, []solana.PublicKey{w.SubAccount(0)}, subscribed)
	assert.True(t, w.IsFrozen())
	assert.True(t, st.closed)
}

func TestRunFailsWhenStreamTerminates(t *testing.T) {
	st := &memoryStore{}
	svc, _ := testService(t, st, func(ctx context.Context, _ solana.PublicKey) *stream.Stream[events.Event] {
		return stream.Start(ctx, "events_test", retry.Never(), func(context.Context, *stream.Sink[events.Event]) error {
			return types.NewTransportError("dial logs websocket", errors.New("refused"))
		}, nil, nil)
	})

	err := svc.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrTransport)
	assert.True(t, st.closed)
}

func TestBuildWallet(t *testing.T) {
	authority := solana.NewWallet().PublicKey()
	owner := solana.NewWallet().PublicKey()
	programID := solana.NewWallet().PublicKey()

	w, err := BuildWallet(config.WalletConfig{Authority: authority, DelegateOwner: &owner}, programID)
	require.NoError(t, err)
	assert.True(t, w.IsReadOnly())
	assert.True(t, w.IsDelegated())
	assert.Equal(t, owner, w.Authority())
	assert.Equal(t, program.MustDeriveUserPDA(programID, owner, 1), w.SubAccount(1))

	_, err = BuildWallet(config.WalletConfig{}, programID)
	require.Error(t, err)

	_, err = BuildWallet(config.WalletConfig{KeypairPath: filepath.Join(t.TempDir(), "missing.json")}, programID)
	require.Error(t, err)
}
