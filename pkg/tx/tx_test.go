package tx

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/dex/drift-sdk/pkg/program"
	"github.com/coldbell/dex/drift-sdk/pkg/programdata"
	"github.com/coldbell/dex/drift-sdk/pkg/types"
	"github.com/coldbell/dex/drift-sdk/pkg/wallet"
)

var (
	solOracle  = solana.NewWallet().PublicKey()
	usdcMarket = solana.NewWallet().PublicKey()
	solSpot    = solana.NewWallet().PublicKey()
	solPerp    = solana.NewWallet().PublicKey()
)

func testProgramData() *programdata.ProgramData {
	return programdata.New(
		[]programdata.MarketConfig{
			{ID: types.Perp(0), Name: "SOL-PERP", Address: solPerp, Oracle: solOracle, OracleSource: program.OracleSource_PythPull},
		},
		[]programdata.MarketConfig{
			{ID: types.Spot(0), Name: "USDC", Address: usdcMarket, OracleSource: program.OracleSource_QuoteAsset},
			{ID: types.Spot(1), Name: "SOL", Address: solSpot, Oracle: solOracle, OracleSource: program.OracleSource_PythPull},
		},
	)
}

func limitOrder() types.NewOrder {
	return types.Limit(types.Perp(0)).Amount(1).Price(40).Build()
}

func newTestBuilder(w *wallet.Wallet, user *program.User) *Builder {
	return NewBuilder(testProgramData(), w, w.SubAccount(1), user, false)
}

func TestBuilderTwoInstructionDraft(t *testing.T) {
	w := wallet.New(solana.NewWallet().PrivateKey)
	draft, err := newTestBuilder(w, nil).
		CancelAllOrders().
		PlaceOrders([]types.NewOrder{limitOrder()}).
		Build()
	require.NoError(t, err)

	assert.Equal(t, w.SubAccount(1), draft.SubAccount)
	assert.Equal(t, []EntryKind{EntryCancelAll, EntryPlaceOrders}, draft.Kinds())
	for _, ix := range draft.Instructions() {
		accounts := ix.Accounts()
		assert.Equal(t, w.SubAccount(1), accounts[1].PublicKey)
		assert.True(t, accounts[2].IsSigner)
	}
}

func TestBuilderPreservesAppendOrder(t *testing.T) {
	w := wallet.New(solana.NewWallet().PrivateKey)
	draft, err := newTestBuilder(w, nil).
		CancelAllOrders().
		PlaceOrders([]types.NewOrder{limitOrder()}).
		CancelAllOrders().
		Build()
	require.NoError(t, err)
	assert.Equal(t, []EntryKind{EntryCancelAll, EntryPlaceOrders, EntryCancelAll}, draft.Kinds())

	data, err := draft.Instructions()[1].Data()
	require.NoError(t, err)
	params, err := program.DecodePlaceOrders(data)
	require.NoError(t, err)
	require.Len(t, params, 1)
	assert.Equal(t, uint64(1), params[0].BaseAssetAmount)
	assert.Equal(t, uint64(40), params[0].Price)
}

func TestBuilderAlreadyFinalized(t *testing.T) {
	w := wallet.New(solana.NewWallet().PrivateKey)
	builder := newTestBuilder(w, nil).CancelAllOrders()
	draft, err := builder.Build()
	require.NoError(t, err)

	builder.PlaceOrders([]types.NewOrder{limitOrder()})
	require.ErrorIs(t, builder.Err(), types.ErrAlreadyFinalized)
	assert.Equal(t, 1, draft.Len())

	_, err = builder.Build()
	require.ErrorIs(t, err, types.ErrAlreadyFinalized)
}

func TestBuilderRecordsInvalidOrder(t *testing.T) {
	w := wallet.New(solana.NewWallet().PrivateKey)
	builder := newTestBuilder(w, nil).PlaceOrders([]types.NewOrder{types.Limit(types.Perp(0)).Price(40).Build()})
	require.ErrorIs(t, builder.Err(), types.ErrInvalidOrder)
	_, err := builder.Build()
	require.ErrorIs(t, err, types.ErrInvalidOrder)

	unknown := newTestBuilder(w, nil).PlaceOrders([]types.NewOrder{types.Limit(types.Perp(9)).Amount(1).Price(1).Build()})
	require.ErrorIs(t, unknown.Err(), types.ErrNotFound)
}

func TestBuilderRemainingAccounts(t *testing.T) {
	w := wallet.New(solana.NewWallet().PrivateKey)
	user := &program.User{}
	user.SpotPositions[0] = program.SpotPosition{MarketIndex: 1, ScaledBalance: 10, OpenBids: 5}

	draft, err := newTestBuilder(w, user).PlaceOrders([]types.NewOrder{limitOrder()}).Build()
	require.NoError(t, err)
	metas := draft.Instructions()[0].Accounts()[3:]
	keys := make([]solana.PublicKey, len(metas))
	for i, meta := range metas {
		keys[i] = meta.PublicKey
	}
	// one shared oracle, then spot markets by index, then perp markets
	assert.Equal(t, []solana.PublicKey{solOracle, usdcMarket, solSpot, solPerp}, keys)
}

func TestBuilderPlaceAndTakeWithMaker(t *testing.T) {
	w := wallet.New(solana.NewWallet().PrivateKey)
	maker := &MakerInfo{User: solana.NewWallet().PublicKey(), UserStats: solana.NewWallet().PublicKey()}
	draft, err := newTestBuilder(w, nil).PlaceAndTake(limitOrder(), maker, nil, nil).Build()
	require.NoError(t, err)

	accounts := draft.Instructions()[0].Accounts()
	assert.Equal(t, w.Stats(), accounts[2].PublicKey)
	last := accounts[len(accounts)-2:]
	assert.Equal(t, maker.User, last[0].PublicKey)
	assert.True(t, last[0].IsWritable)
	assert.Equal(t, maker.UserStats, last[1].PublicKey)
	for _, meta := range accounts {
		if meta.PublicKey.Equals(solPerp) {
			assert.True(t, meta.IsWritable)
		}
	}
}

type fakeRPC struct {
	calls     int
	simulated *rpc.SimulateTransactionResult
	sendErr   error
	sent      *solana.Transaction
	status    *rpc.SignatureStatusesResult
}

func (f *fakeRPC) GetLatestBlockhash(context.Context, rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	f.calls++
	return &rpc.GetLatestBlockhashResult{Value: &rpc.LatestBlockhashResult{Blockhash: solana.Hash{1}}}, nil
}

func (f *fakeRPC) SimulateTransactionWithOpts(context.Context, *solana.Transaction, *rpc.SimulateTransactionOpts) (*rpc.SimulateTransactionResponse, error) {
	f.calls++
	return &rpc.SimulateTransactionResponse{Value: f.simulated}, nil
}

func (f *fakeRPC) SendTransactionWithOpts(_ context.Context, tx *solana.Transaction, _ rpc.TransactionOpts) (solana.Signature, error) {
	f.calls++
	if f.sendErr != nil {
		return solana.Signature{}, f.sendErr
	}
	f.sent = tx
	return tx.Signatures[0], nil
}

func (f *fakeRPC) GetSignatureStatuses(context.Context, bool, ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	f.calls++
	return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{f.status}}, nil
}

func TestSignAndSendReadOnlyWalletDoesNoIO(t *testing.T) {
	signer := wallet.New(solana.NewWallet().PrivateKey)
	draft, err := newTestBuilder(signer, nil).CancelAllOrders().Build()
	require.NoError(t, err)

	client := &fakeRPC{}
	_, err = NewSubmitter(client, SubmitterConfig{}).SignAndSend(context.Background(), wallet.ReadOnly(signer.Signer()), draft)
	require.ErrorIs(t, err, types.ErrUnsigned)
	assert.Zero(t, client.calls)
}

func TestSignAndSendPrefixesComputeBudget(t *testing.T) {
	w := wallet.New(solana.NewWallet().PrivateKey)
	draft, err := newTestBuilder(w, nil).CancelAllOrders().PlaceOrders([]types.NewOrder{limitOrder()}).Build()
	require.NoError(t, err)

	client := &fakeRPC{}
	submitter := NewSubmitter(client, SubmitterConfig{ComputeUnitLimit: 400_000, ComputeUnitPriceMicroLamports: 1_000})
	sig, err := submitter.SignAndSend(context.Background(), w, draft)
	require.NoError(t, err)
	require.NotNil(t, client.sent)
	assert.Equal(t, client.sent.Signatures[0], sig)

	message := client.sent.Message
	require.Len(t, message.Instructions, 4)
	program0, err := message.ResolveProgramIDIndex(message.Instructions[0].ProgramIDIndex)
	require.NoError(t, err)
	assert.Equal(t, solana.ComputeBudget, program0)
	last, err := message.ResolveProgramIDIndex(message.Instructions[3].ProgramIDIndex)
	require.NoError(t, err)
	assert.Equal(t, w.ProgramID(), last)
}

func TestSignAndSendMapsSimulationIndex(t *testing.T) {
	w := wallet.New(solana.NewWallet().PrivateKey)
	draft, err := NewBuilder(testProgramData(), w, w.SubAccount(0), nil, true).
		CancelAllOrders().
		PlaceOrders([]types.NewOrder{limitOrder()}).
		Build()
	require.NoError(t, err)

	client := &fakeRPC{simulated: &rpc.SimulateTransactionResult{
		Err: map[string]any{"InstructionError": []any{float64(2), map[string]any{"Custom": float64(6010)}}},
		Logs: []string{"Program log: insufficient collateral"},
	}}
	_, err = NewSubmitter(client, SubmitterConfig{ComputeUnitLimit: 200_000}).SignAndSend(context.Background(), w, draft)

	var simErr *types.SimulationError
	require.ErrorAs(t, err, &simErr)
	assert.Equal(t, 1, simErr.Index)
	assert.Contains(t, simErr.Reason, "0x177a")
	assert.Len(t, simErr.Logs, 1)
	assert.Nil(t, client.sent)
}

func TestSignAndSendWrapsBroadcastFailure(t *testing.T) {
	w := wallet.New(solana.NewWallet().PrivateKey)
	draft, err := newTestBuilder(w, nil).CancelAllOrders().Build()
	require.NoError(t, err)

	client := &fakeRPC{sendErr: errors.New("blockhash not found")}
	_, err = NewSubmitter(client, SubmitterConfig{}).SignAndSend(context.Background(), w, draft)
	require.ErrorIs(t, err, types.ErrSubmission)
	// at most once: a single send attempt
	assert.Equal(t, 2, client.calls)
}

func TestSignAndSendAndConfirm(t *testing.T) {
	w := wallet.New(solana.NewWallet().PrivateKey)
	draft, err := newTestBuilder(w, nil).CancelAllOrders().Build()
	require.NoError(t, err)

	client := &fakeRPC{status: &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusConfirmed}}
	submitter := NewSubmitter(client, SubmitterConfig{ConfirmInterval: 1})
	_, err = submitter.SignAndSendAndConfirm(context.Background(), w, draft)
	require.NoError(t, err)
}

func TestInstructionErrorOutsideInstruction(t *testing.T) {
	index, reason := instructionError("AccountNotFound")
	assert.Equal(t, -1, index)
	assert.Equal(t, "AccountNotFound", reason)
}
