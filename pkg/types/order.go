package types

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type Direction uint8

const (
	Long Direction = iota
	Short
)

func (d Direction) String() string {
	if d == Short {
		return "short"
	}
	return "long"
}

type OrderType uint8

const (
	OrderTypeMarket OrderType = iota
	OrderTypeLimit
	OrderTypeTriggerMarket
	OrderTypeTriggerLimit
	OrderTypeOracle
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeMarket:
		return "market"
	case OrderTypeLimit:
		return "limit"
	case OrderTypeTriggerMarket:
		return "trigger_market"
	case OrderTypeTriggerLimit:
		return "trigger_limit"
	case OrderTypeOracle:
		return "oracle"
	default:
		return fmt.Sprintf("order_type(%d)", uint8(t))
	}
}

type PostOnlyParam uint8

const (
	PostOnlyNone PostOnlyParam = iota
	PostOnlyMust
	PostOnlyTry
	PostOnlySlide
)

type TriggerCondition uint8

const (
	TriggerAbove TriggerCondition = iota
	TriggerBelow
)

// NewOrder is a finalized client-side order intent. Build one with Limit, Market or Oracle.
type NewOrder struct {
	Market            MarketId
	OrderType         OrderType
	Direction         Direction
	BaseAssetAmount   uint64
	Price             uint64
	PostOnly          PostOnlyParam
	ReduceOnly        bool
	ImmediateOrCancel bool
	UserOrderID       uint8
	MaxTs             *int64
	TriggerPrice      *uint64
	TriggerCondition  TriggerCondition
	OraclePriceOffset *int32
	AuctionDuration   *uint8
	AuctionStartPrice *int64
	AuctionEndPrice   *int64
}

func (o NewOrder) Validate() error {
	if o.BaseAssetAmount == 0 {
		return fmt.Errorf("%w: amount must be non-zero", ErrInvalidOrder)
	}
	switch o.OrderType {
	case OrderTypeLimit, OrderTypeTriggerLimit:
		if o.Price == 0 && o.OraclePriceOffset == nil {
			return fmt.Errorf("%w: %s order requires a price", ErrInvalidOrder, o.OrderType)
		}
	case OrderTypeOracle:
		if o.OraclePriceOffset == nil {
			return fmt.Errorf("%w: oracle order requires an oracle price offset", ErrInvalidOrder)
		}
	}
	if (o.OrderType == OrderTypeTriggerMarket || o.OrderType == OrderTypeTriggerLimit) && o.TriggerPrice == nil {
		return fmt.Errorf("%w: %s order requires a trigger price", ErrInvalidOrder, o.OrderType)
	}
	if o.PostOnly != PostOnlyNone && o.OrderType == OrderTypeMarket {
		return fmt.Errorf("%w: market orders cannot be post-only", ErrInvalidOrder)
	}
	return nil
}

// OrderBuilder collects order fields in any order. Setters never fail; Build finalizes.
type OrderBuilder struct {
	order  NewOrder
	amount int64
}

func Limit(market MarketId) *OrderBuilder {
	return &OrderBuilder{order: NewOrder{Market: market, OrderType: OrderTypeLimit}}
}

func Market(market MarketId) *OrderBuilder {
	return &OrderBuilder{order: NewOrder{Market: market, OrderType: OrderTypeMarket}}
}

func Oracle(market MarketId, offset int32) *OrderBuilder {
	b := &OrderBuilder{order: NewOrder{Market: market, OrderType: OrderTypeOracle}}
	b.order.OraclePriceOffset = &offset
	return b
}

func Trigger(market MarketId, triggerPrice uint64, condition TriggerCondition, limitPrice uint64) *OrderBuilder {
	orderType := OrderTypeTriggerMarket
	if limitPrice > 0 {
		orderType = OrderTypeTriggerLimit
	}
	b := &OrderBuilder{order: NewOrder{Market: market, OrderType: orderType, Price: limitPrice}}
	b.order.TriggerPrice = &triggerPrice
	b.order.TriggerCondition = condition
	return b
}

// Amount sets the signed base amount in BASE_PRECISION units; negative amounts are shorts.
func (b *OrderBuilder) Amount(amount int64) *OrderBuilder {
	b.amount = amount
	return b
}

func (b *OrderBuilder) AmountDecimal(amount decimal.Decimal) *OrderBuilder {
	b.amount = amount.Mul(decimal.NewFromInt(BasePrecision)).Truncate(0).IntPart()
	return b
}

func (b *OrderBuilder) Price(price uint64) *OrderBuilder {
	b.order.Price = price
	return b
}

func (b *OrderBuilder) PriceDecimal(price decimal.Decimal) *OrderBuilder {
	if price.IsNegative() {
		price = decimal.Zero
	}
	b.order.Price = uint64(price.Mul(decimal.NewFromInt(PricePrecision)).Truncate(0).IntPart())
	return b
}

func (b *OrderBuilder) PostOnly(param PostOnlyParam) *OrderBuilder {
	b.order.PostOnly = param
	return b
}

func (b *OrderBuilder) ReduceOnly(flag bool) *OrderBuilder {
	b.order.ReduceOnly = flag
	return b
}

func (b *OrderBuilder) ImmediateOrCancel(flag bool) *OrderBuilder {
	b.order.ImmediateOrCancel = flag
	return b
}

func (b *OrderBuilder) UserOrderID(id uint8) *OrderBuilder {
	b.order.UserOrderID = id
	return b
}

func (b *OrderBuilder) MaxTs(ts int64) *OrderBuilder {
	b.order.MaxTs = &ts
	return b
}

func (b *OrderBuilder) Auction(duration uint8, startPrice, endPrice int64) *OrderBuilder {
	b.order.AuctionDuration = &duration
	b.order.AuctionStartPrice = &startPrice
	b.order.AuctionEndPrice = &endPrice
	return b
}

func (b *OrderBuilder) Build() NewOrder {
	out := b.order
	if b.amount < 0 {
		out.Direction = Short
		out.BaseAssetAmount = uint64(-b.amount)
	} else {
		out.Direction = Long
		out.BaseAssetAmount = uint64(b.amount)
	}
	out.MaxTs = cloneInt64(out.MaxTs)
	out.TriggerPrice = cloneUint64(out.TriggerPrice)
	out.OraclePriceOffset = cloneInt32(out.OraclePriceOffset)
	out.AuctionDuration = cloneUint8(out.AuctionDuration)
	out.AuctionStartPrice = cloneInt64(out.AuctionStartPrice)
	out.AuctionEndPrice = cloneInt64(out.AuctionEndPrice)
	return out
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func cloneUint64(v *uint64) *uint64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func cloneInt32(v *int32) *int32 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func cloneUint8(v *uint8) *uint8 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
