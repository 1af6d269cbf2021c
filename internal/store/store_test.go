package store

import (
	"database/sql"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/dex/drift-sdk/pkg/events"
	"github.com/coldbell/dex/drift-sdk/pkg/program"
	"github.com/coldbell/dex/drift-sdk/pkg/types"
)

func TestRebindPostgresPlaceholders(t *testing.T) {
	got := rebindPostgresPlaceholders(`SELECT '?', 'it''s ?' FROM t WHERE a = ? AND b = ?`)
	assert.Equal(t, `SELECT '?', 'it''s ?' FROM t WHERE a = $1 AND b = $2`, got)
}

func TestRowFromFillUsesOwnSide(t *testing.T) {
	subAccount := solana.NewWallet().PublicKey()
	taker := solana.NewWallet().PublicKey()
	makerOrder, takerOrder := uint32(11), uint32(22)
	event := events.Event{
		Signature: solana.Signature{9},
		Slot:      77,
		Index:     3,
		Value: &program.OrderActionRecord{
			Ts:           1_700_000_000,
			Action:       program.OrderAction_Fill,
			MarketIndex:  1,
			MarketType:   types.MarketTypePerp,
			Taker:        &taker,
			TakerOrderID: &takerOrder,
			Maker:        &subAccount,
			MakerOrderID: &makerOrder,
		},
	}

	row, err := RowFromEvent(subAccount, event)
	require.NoError(t, err)
	assert.Equal(t, "order_action", row.Kind)
	assert.Equal(t, "fill", row.Action)
	assert.Equal(t, "perp", row.MarketType)
	assert.Equal(t, uint16(1), row.MarketIndex)
	assert.Equal(t, sql.NullInt64{Int64: 11, Valid: true}, row.OrderID)
	assert.Equal(t, uint64(77), row.Slot)
	assert.Equal(t, 3, row.Index)
	assert.Equal(t, subAccount.String(), row.SubAccount)
	assert.Contains(t, row.RawJSON, subAccount.String())
}

func TestRowFromOrderAndFunding(t *testing.T) {
	subAccount := solana.NewWallet().PublicKey()

	row, err := RowFromEvent(subAccount, events.Event{Value: &program.OrderRecord{
		Ts:    5,
		User:  subAccount,
		Order: program.Order{OrderID: 4, MarketIndex: 2, MarketType: uint8(types.MarketTypeSpot)},
	}})
	require.NoError(t, err)
	assert.Equal(t, "place", row.Action)
	assert.Equal(t, "spot", row.MarketType)
	assert.Equal(t, int64(4), row.OrderID.Int64)

	row, err = RowFromEvent(subAccount, events.Event{Value: &program.FundingPaymentRecord{User: subAccount, MarketIndex: 0}})
	require.NoError(t, err)
	assert.Equal(t, "funding", row.Action)
	assert.False(t, row.OrderID.Valid)

	_, err = RowFromEvent(subAccount, events.Event{Value: "nope"})
	require.Error(t, err)
}
