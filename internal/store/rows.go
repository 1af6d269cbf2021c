package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/dex/drift-sdk/pkg/events"
	"github.com/coldbell/dex/drift-sdk/pkg/program"
	"github.com/coldbell/dex/drift-sdk/pkg/types"
)

type EventRow struct {
	Signature   string
	Index       int
	SubAccount  string
	Kind        string
	Action      string
	MarketType  string
	MarketIndex uint16
	OrderID     sql.NullInt64
	Slot        uint64
	Timestamp   int64
	RawJSON     string
}

// RowFromEvent flattens a decoded event into its table row. For fills the
// order id is the one on subAccount's side.
func RowFromEvent(subAccount solana.PublicKey, event events.Event) (EventRow, error) {
	raw, err := json.Marshal(event.Value)
	if err != nil {
		return EventRow{}, fmt.Errorf("marshal %s event: %w", event.Kind(), err)
	}
	row := EventRow{
		Signature:  event.Signature.String(),
		Index:      event.Index,
		SubAccount: subAccount.String(),
		Kind:       event.Kind(),
		Slot:       event.Slot,
		RawJSON:    string(raw),
	}

	switch e := event.Value.(type) {
	case *program.OrderRecord:
		row.Action = program.OrderAction_Place.String()
		row.MarketType = types.MarketType(e.Order.MarketType).String()
		row.MarketIndex = e.Order.MarketIndex
		row.OrderID = sql.NullInt64{Int64: int64(e.Order.OrderID), Valid: true}
		row.Timestamp = e.Ts
	case *program.OrderActionRecord:
		row.Action = e.Action.String()
		row.MarketType = e.MarketType.String()
		row.MarketIndex = e.MarketIndex
		row.Timestamp = e.Ts
		switch {
		case e.Taker != nil && e.Taker.Equals(subAccount) && e.TakerOrderID != nil:
			row.OrderID = sql.NullInt64{Int64: int64(*e.TakerOrderID), Valid: true}
		case e.Maker != nil && e.Maker.Equals(subAccount) && e.MakerOrderID != nil:
			row.OrderID = sql.NullInt64{Int64: int64(*e.MakerOrderID), Valid: true}
		}
	case *program.FundingPaymentRecord:
		row.Action = "funding"
		row.MarketType = types.MarketTypePerp.String()
		row.MarketIndex = e.MarketIndex
		row.Timestamp = e.Ts
	default:
		return EventRow{}, fmt.Errorf("unsupported event %T", event.Value)
	}
	return row, nil
}
