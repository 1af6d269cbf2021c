package program

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/dex/drift-sdk/pkg/types"
)

var (
	Instruction_CancelOrders          = anchorInstructionDiscriminator("cancel_orders")
	Instruction_PlaceOrders           = anchorInstructionDiscriminator("place_orders")
	Instruction_PlaceAndTakePerpOrder = anchorInstructionDiscriminator("place_and_take_perp_order")
	Instruction_PlaceAndTakeSpotOrder = anchorInstructionDiscriminator("place_and_take_spot_order")
)

type SpotFulfillmentType uint8

const (
	SpotFulfillmentType_SerumV3 SpotFulfillmentType = iota
	SpotFulfillmentType_Match
	SpotFulfillmentType_PhoenixV1
)

// OrderParams is the on-chain argument layout of a single order.
type OrderParams struct {
	OrderType         types.OrderType
	MarketType        types.MarketType
	Direction         types.Direction
	UserOrderID       uint8
	BaseAssetAmount   uint64
	Price             uint64
	MarketIndex       uint16
	ReduceOnly        bool
	PostOnly          types.PostOnlyParam
	ImmediateOrCancel bool
	MaxTs             *int64
	TriggerPrice      *uint64
	TriggerCondition  types.TriggerCondition
	OraclePriceOffset *int32
	AuctionDuration   *uint8
	AuctionStartPrice *int64
	AuctionEndPrice   *int64
}

func OrderParamsFrom(order types.NewOrder) OrderParams {
	return OrderParams{
		OrderType:         order.OrderType,
		MarketType:        order.Market.Kind,
		Direction:         order.Direction,
		UserOrderID:       order.UserOrderID,
		BaseAssetAmount:   order.BaseAssetAmount,
		Price:             order.Price,
		MarketIndex:       order.Market.Index,
		ReduceOnly:        order.ReduceOnly,
		PostOnly:          order.PostOnly,
		ImmediateOrCancel: order.ImmediateOrCancel,
		MaxTs:             order.MaxTs,
		TriggerPrice:      order.TriggerPrice,
		TriggerCondition:  order.TriggerCondition,
		OraclePriceOffset: order.OraclePriceOffset,
		AuctionDuration:   order.AuctionDuration,
		AuctionStartPrice: order.AuctionStartPrice,
		AuctionEndPrice:   order.AuctionEndPrice,
	}
}

func (p OrderParams) MarshalWithEncoder(encoder *bin.Encoder) error {
	for _, b := range []uint8{uint8(p.OrderType), uint8(p.MarketType), uint8(p.Direction), p.UserOrderID} {
		if err := encoder.WriteUint8(b); err != nil {
			return err
		}
	}
	if err := encoder.WriteUint64(p.BaseAssetAmount, binary.LittleEndian); err != nil {
		return err
	}
	if err := encoder.WriteUint64(p.Price, binary.LittleEndian); err != nil {
		return err
	}
	if err := encoder.WriteUint16(p.MarketIndex, binary.LittleEndian); err != nil {
		return err
	}
	if err := encoder.WriteBool(p.ReduceOnly); err != nil {
		return err
	}
	if err := encoder.WriteUint8(uint8(p.PostOnly)); err != nil {
		return err
	}
	if err := encoder.WriteBool(p.ImmediateOrCancel); err != nil {
		return err
	}
	if err := writeOption(encoder, p.MaxTs); err != nil {
		return err
	}
	if err := writeOption(encoder, p.TriggerPrice); err != nil {
		return err
	}
	if err := encoder.WriteUint8(uint8(p.TriggerCondition)); err != nil {
		return err
	}
	if err := writeOption(encoder, p.OraclePriceOffset); err != nil {
		return err
	}
	if err := writeOption(encoder, p.AuctionDuration); err != nil {
		return err
	}
	if err := writeOption(encoder, p.AuctionStartPrice); err != nil {
		return err
	}
	return writeOption(encoder, p.AuctionEndPrice)
}

func (p *OrderParams) UnmarshalWithDecoder(decoder *bin.Decoder) (err error) {
	var header [4]uint8
	for i := range header {
		if header[i], err = decoder.ReadUint8(); err != nil {
			return err
		}
	}
	p.OrderType = types.OrderType(header[0])
	p.MarketType = types.MarketType(header[1])
	p.Direction = types.Direction(header[2])
	p.UserOrderID = header[3]
	if p.BaseAssetAmount, err = decoder.ReadUint64(binary.LittleEndian); err != nil {
		return err
	}
	if p.Price, err = decoder.ReadUint64(binary.LittleEndian); err != nil {
		return err
	}
	if p.MarketIndex, err = decoder.ReadUint16(binary.LittleEndian); err != nil {
		return err
	}
	if p.ReduceOnly, err = decoder.ReadBool(); err != nil {
		return err
	}
	postOnly, err := decoder.ReadUint8()
	if err != nil {
		return err
	}
	p.PostOnly = types.PostOnlyParam(postOnly)
	if p.ImmediateOrCancel, err = decoder.ReadBool(); err != nil {
		return err
	}
	if p.MaxTs, err = readOption[int64](decoder); err != nil {
		return err
	}
	if p.TriggerPrice, err = readOption[uint64](decoder); err != nil {
		return err
	}
	condition, err := decoder.ReadUint8()
	if err != nil {
		return err
	}
	p.TriggerCondition = types.TriggerCondition(condition)
	if p.OraclePriceOffset, err = readOption[int32](decoder); err != nil {
		return err
	}
	if p.AuctionDuration, err = readOption[uint8](decoder); err != nil {
		return err
	}
	if p.AuctionStartPrice, err = readOption[int64](decoder); err != nil {
		return err
	}
	p.AuctionEndPrice, err = readOption[int64](decoder)
	return err
}

// CancelOrdersArgs filters which open orders are cancelled. All nil cancels everything.
type CancelOrdersArgs struct {
	MarketType  *types.MarketType
	MarketIndex *uint16
	Direction   *types.Direction
}

// TradeAccounts are the fixed accounts shared by the order instructions.
type TradeAccounts struct {
	State     solana.PublicKey
	User      solana.PublicKey
	UserStats solana.PublicKey
	Authority solana.PublicKey
}

func NewCancelOrdersInstruction(
	programID solana.PublicKey,
	accounts TradeAccounts,
	args CancelOrdersArgs,
	remaining solana.AccountMetaSlice,
) (solana.Instruction, error) {
	data, err := encodeInstruction(Instruction_CancelOrders, func(encoder *bin.Encoder) error {
		if err := writeOption(encoder, args.MarketType); err != nil {
			return err
		}
		if err := writeOption(encoder, args.MarketIndex); err != nil {
			return err
		}
		return writeOption(encoder, args.Direction)
	})
	if err != nil {
		return nil, fmt.Errorf("encode cancel_orders: %w", err)
	}
	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.State, false, false),
		solana.NewAccountMeta(accounts.User, true, false),
		solana.NewAccountMeta(accounts.Authority, false, true),
	}
	return solana.NewInstruction(programID, append(metas, remaining...), data), nil
}

func NewPlaceOrdersInstruction(
	programID solana.PublicKey,
	accounts TradeAccounts,
	params []OrderParams,
	remaining solana.AccountMetaSlice,
) (solana.Instruction, error) {
	data, err := encodeInstruction(Instruction_PlaceOrders, func(encoder *bin.Encoder) error {
		if err := encoder.WriteUint32(uint32(len(params)), binary.LittleEndian); err != nil {
			return err
		}
		for _, p := range params {
			if err := p.MarshalWithEncoder(encoder); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("encode place_orders: %w", err)
	}
	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.State, false, false),
		solana.NewAccountMeta(accounts.User, true, false),
		solana.NewAccountMeta(accounts.Authority, false, true),
	}
	return solana.NewInstruction(programID, append(metas, remaining...), data), nil
}

// NewPlaceAndTakeInstruction picks the perp or spot variant from the order's market.
func NewPlaceAndTakeInstruction(
	programID solana.PublicKey,
	accounts TradeAccounts,
	params OrderParams,
	fulfillment *SpotFulfillmentType,
	remaining solana.AccountMetaSlice,
) (solana.Instruction, error) {
	discriminator := Instruction_PlaceAndTakePerpOrder
	if params.MarketType == types.MarketTypeSpot {
		discriminator = Instruction_PlaceAndTakeSpotOrder
	}
	data, err := encodeInstruction(discriminator, func(encoder *bin.Encoder) error {
		if err := params.MarshalWithEncoder(encoder); err != nil {
			return err
		}
		if params.MarketType == types.MarketTypeSpot {
			if err := writeOption(encoder, fulfillment); err != nil {
				return err
			}
			// maker_order_id
			return writeOption[uint32](encoder, nil)
		}
		// success_condition
		return writeOption[uint32](encoder, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("encode place_and_take: %w", err)
	}
	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.State, false, false),
		solana.NewAccountMeta(accounts.User, true, false),
		solana.NewAccountMeta(accounts.UserStats, true, false),
		solana.NewAccountMeta(accounts.Authority, false, true),
	}
	return solana.NewInstruction(programID, append(metas, remaining...), data), nil
}

// DecodePlaceOrders reverses NewPlaceOrdersInstruction's data encoding.
func DecodePlaceOrders(data []byte) ([]OrderParams, error) {
	if len(data) < 8 || !bytes.Equal(data[:8], Instruction_PlaceOrders[:]) {
		return nil, errDiscriminatorMismatch
	}
	decoder := bin.NewBorshDecoder(data[8:])
	count, err := decoder.ReadUint32(binary.LittleEndian)
	if err != nil {
		return nil, err
	}
	out := make([]OrderParams, count)
	for i := range out {
		if err := out[i].UnmarshalWithDecoder(decoder); err != nil {
			return nil, fmt.Errorf("order %d: %w", i, err)
		}
	}
	return out, nil
}

func encodeInstruction(discriminator [8]byte, args func(*bin.Encoder) error) ([]byte, error) {
	buf := new(bytes.Buffer)
	encoder := bin.NewBorshEncoder(buf)
	if err := encoder.WriteBytes(discriminator[:], false); err != nil {
		return nil, err
	}
	if err := args(encoder); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeOption[T any](encoder *bin.Encoder, value *T) error {
	if value == nil {
		return encoder.WriteBool(false)
	}
	if err := encoder.WriteBool(true); err != nil {
		return err
	}
	return encoder.Encode(*value)
}

func readOption[T any](decoder *bin.Decoder) (*T, error) {
	present, err := decoder.ReadBool()
	if err != nil || !present {
		return nil, err
	}
	value := new(T)
	if err := decoder.Decode(value); err != nil {
		return nil, err
	}
	return value, nil
}

func anchorInstructionDiscriminator(ixName string) [8]byte {
	hash := sha256.Sum256([]byte("global:" + ixName))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}
