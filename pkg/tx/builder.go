package tx

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/dex/drift-sdk/pkg/program"
	"github.com/coldbell/dex/drift-sdk/pkg/programdata"
	"github.com/coldbell/dex/drift-sdk/pkg/types"
	"github.com/coldbell/dex/drift-sdk/pkg/wallet"
)

var errNoOrders = fmt.Errorf("%w: no orders to place", types.ErrInvalidOrder)

// MakerInfo names the resting order a place-and-take should fill against.
type MakerInfo struct {
	User      solana.PublicKey
	UserStats solana.PublicKey
}

type ReferrerInfo struct {
	User      solana.PublicKey
	UserStats solana.PublicKey
}

type builderState uint8

const (
	stateAccumulating builderState = iota
	stateFinalized
)

// Builder accumulates instructions for one sub-account in call order. It is
// owned by its creator and must not be used from several goroutines.
type Builder struct {
	data       *programdata.ProgramData
	programID  solana.PublicKey
	accounts   program.TradeAccounts
	user       *program.User
	simulate   bool
	authority  solana.PublicKey
	subAccount solana.PublicKey

	state   builderState
	entries []Entry
	err     error
}

// NewBuilder starts a draft for subAccount. user is the cached account state,
// used only to pick the oracle and market accounts; it may be nil.
func NewBuilder(data *programdata.ProgramData, w *wallet.Wallet, subAccount solana.PublicKey, user *program.User, simulate bool) *Builder {
	programID := w.ProgramID()
	return &Builder{
		data:      data,
		programID: programID,
		accounts: program.TradeAccounts{
			State:     program.MustDeriveStatePDA(programID),
			User:      subAccount,
			UserStats: w.Stats(),
			Authority: w.Signer(),
		},
		user:       user,
		simulate:   simulate,
		authority:  w.Authority(),
		subAccount: subAccount,
	}
}

// Err reports the error recorded by an append or Build. Misuse after Build
// reports ErrAlreadyFinalized.
func (b *Builder) Err() error { return b.err }

func (b *Builder) CancelAllOrders() *Builder {
	if !b.accepting() {
		return b
	}
	remaining := newRemainingAccounts(b.data)
	if err := remaining.addUser(b.user); err != nil {
		return b.fail(err)
	}
	ix, err := program.NewCancelOrdersInstruction(b.programID, b.accounts, program.CancelOrdersArgs{}, remaining.metas())
	if err != nil {
		return b.fail(err)
	}
	return b.append(EntryCancelAll, ix)
}

func (b *Builder) PlaceOrders(orders []types.NewOrder) *Builder {
	if !b.accepting() {
		return b
	}
	if len(orders) == 0 {
		return b.fail(errNoOrders)
	}
	remaining := newRemainingAccounts(b.data)
	if err := remaining.addUser(b.user); err != nil {
		return b.fail(err)
	}
	params := make([]program.OrderParams, 0, len(orders))
	for i, order := range orders {
		if err := order.Validate(); err != nil {
			return b.fail(fmt.Errorf("order %d: %w", i, err))
		}
		if err := remaining.addMarket(order.Market, false); err != nil {
			return b.fail(err)
		}
		params = append(params, program.OrderParamsFrom(order))
	}
	ix, err := program.NewPlaceOrdersInstruction(b.programID, b.accounts, params, remaining.metas())
	if err != nil {
		return b.fail(err)
	}
	return b.append(EntryPlaceOrders, ix)
}

// PlaceAndTake places order and fills it immediately. maker and referrer are
// optional; fulfillment applies to spot markets only.
func (b *Builder) PlaceAndTake(order types.NewOrder, maker *MakerInfo, referrer *ReferrerInfo, fulfillment *program.SpotFulfillmentType) *Builder {
	if !b.accepting() {
		return b
	}
	if err := order.Validate(); err != nil {
		return b.fail(err)
	}
	remaining := newRemainingAccounts(b.data)
	if err := remaining.addUser(b.user); err != nil {
		return b.fail(err)
	}
	if err := remaining.addMarket(order.Market, true); err != nil {
		return b.fail(err)
	}
	metas := remaining.metas()
	if maker != nil {
		metas = append(metas,
			solana.NewAccountMeta(maker.User, true, false),
			solana.NewAccountMeta(maker.UserStats, true, false),
		)
	}
	if referrer != nil {
		metas = append(metas,
			solana.NewAccountMeta(referrer.User, true, false),
			solana.NewAccountMeta(referrer.UserStats, true, false),
		)
	}
	if order.Market.IsPerp() {
		fulfillment = nil
	}
	ix, err := program.NewPlaceAndTakeInstruction(b.programID, b.accounts, program.OrderParamsFrom(order), fulfillment, metas)
	if err != nil {
		return b.fail(err)
	}
	return b.append(EntryPlaceAndTake, ix)
}

// Build freezes the instruction order. Appending afterwards, or building
// again, fails with ErrAlreadyFinalized and leaves the draft untouched.
func (b *Builder) Build() (*Draft, error) {
	if b.state == stateFinalized {
		b.recordFinalized()
		return nil, types.ErrAlreadyFinalized
	}
	b.state = stateFinalized
	if b.err != nil {
		return nil, b.err
	}
	if len(b.entries) == 0 {
		b.err = errors.New("build transaction: no instructions")
		return nil, b.err
	}
	return &Draft{
		SubAccount: b.subAccount,
		Authority:  b.authority,
		Signer:     b.accounts.Authority,
		Simulate:   b.simulate,
		entries:    append([]Entry(nil), b.entries...),
	}, nil
}

func (b *Builder) accepting() bool {
	if b.state == stateFinalized {
		b.recordFinalized()
		return false
	}
	return b.err == nil
}

func (b *Builder) recordFinalized() {
	b.err = types.ErrAlreadyFinalized
}

func (b *Builder) fail(err error) *Builder {
	if b.err == nil {
		b.err = err
	}
	return b
}

func (b *Builder) append(kind EntryKind, ix solana.Instruction) *Builder {
	b.entries = append(b.entries, Entry{Kind: kind, Instruction: ix})
	return b
}
