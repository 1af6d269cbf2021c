package program

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math/big"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/dex/drift-sdk/pkg/types"
)

var (
	Event_OrderRecord          = anchorEventDiscriminator("OrderRecord")
	Event_OrderActionRecord    = anchorEventDiscriminator("OrderActionRecord")
	Event_FundingPaymentRecord = anchorEventDiscriminator("FundingPaymentRecord")

	// ErrUnknownEvent is returned for program events this package does not model.
	ErrUnknownEvent = errors.New("unknown event discriminator")
)

type OrderAction uint8

const (
	OrderAction_Place OrderAction = iota
	OrderAction_Cancel
	OrderAction_Fill
	OrderAction_Trigger
	OrderAction_Expire
)

func (a OrderAction) String() string {
	switch a {
	case OrderAction_Place:
		return "place"
	case OrderAction_Cancel:
		return "cancel"
	case OrderAction_Fill:
		return "fill"
	case OrderAction_Trigger:
		return "trigger"
	case OrderAction_Expire:
		return "expire"
	default:
		return "unknown"
	}
}

// I128 holds a little-endian two's complement 128-bit integer.
type I128 [16]uint8

func (v I128) BigInt() *big.Int {
	be := make([]byte, 16)
	for i := range v {
		be[15-i] = v[i]
	}
	out := new(big.Int).SetBytes(be)
	if v[15]&0x80 != 0 {
		out.Sub(out, new(big.Int).Lsh(big.NewInt(1), 128))
	}
	return out
}

func I128FromInt64(value int64) I128 {
	var out I128
	binary.LittleEndian.PutUint64(out[:8], uint64(value))
	if value < 0 {
		binary.LittleEndian.PutUint64(out[8:], ^uint64(0))
	}
	return out
}

type OrderRecord struct {
	Ts    int64
	User  solana.PublicKey
	Order Order
}

type FundingPaymentRecord struct {
	Ts                        int64
	UserAuthority             solana.PublicKey
	User                      solana.PublicKey
	MarketIndex               uint16
	FundingPayment            int64
	BaseAssetAmount           int64
	UserLastCumulativeFunding int64
	AmmCumulativeFundingLong  I128
	AmmCumulativeFundingShort I128
}

type OrderActionRecord struct {
	Ts                                         int64
	Action                                     OrderAction
	ActionExplanation                          uint8
	MarketIndex                                uint16
	MarketType                                 types.MarketType
	Filler                                     *solana.PublicKey
	FillerReward                               *uint64
	FillRecordID                               *uint64
	BaseAssetAmountFilled                      *uint64
	QuoteAssetAmountFilled                     *uint64
	TakerFee                                   *uint64
	MakerFee                                   *int64
	ReferrerReward                             *uint32
	QuoteAssetAmountSurplus                    *int64
	SpotFulfillmentMethodFee                   *uint64
	Taker                                      *solana.PublicKey
	TakerOrderID                               *uint32
	TakerOrderDirection                        *types.Direction
	TakerOrderBaseAssetAmount                  *uint64
	TakerOrderCumulativeBaseAssetAmountFilled  *uint64
	TakerOrderCumulativeQuoteAssetAmountFilled *uint64
	Maker                                      *solana.PublicKey
	MakerOrderID                               *uint32
	MakerOrderDirection                        *types.Direction
	MakerOrderBaseAssetAmount                  *uint64
	MakerOrderCumulativeBaseAssetAmountFilled  *uint64
	MakerOrderCumulativeQuoteAssetAmountFilled *uint64
	OraclePrice                                int64

	// Appended by later program versions; absent from older log payloads.
	BitFlags                      uint8
	TakerExistingQuoteEntryAmount *uint64
	TakerExistingBaseAssetAmount  *uint64
	MakerExistingQuoteEntryAmount *uint64
	MakerExistingBaseAssetAmount  *uint64
	TriggerPrice                  *uint64
}

// Involves reports whether the sub-account took either side of the action.
func (r *OrderActionRecord) Involves(user solana.PublicKey) bool {
	return (r.Taker != nil && r.Taker.Equals(user)) || (r.Maker != nil && r.Maker.Equals(user))
}

func (r OrderActionRecord) MarshalWithEncoder(encoder *bin.Encoder) error {
	if err := encoder.WriteInt64(r.Ts, binary.LittleEndian); err != nil {
		return err
	}
	if err := encoder.WriteUint8(uint8(r.Action)); err != nil {
		return err
	}
	if err := encoder.WriteUint8(r.ActionExplanation); err != nil {
		return err
	}
	if err := encoder.WriteUint16(r.MarketIndex, binary.LittleEndian); err != nil {
		return err
	}
	if err := encoder.WriteUint8(uint8(r.MarketType)); err != nil {
		return err
	}
	for _, write := range []func() error{
		func() error { return writeOption(encoder, r.Filler) },
		func() error { return writeOption(encoder, r.FillerReward) },
		func() error { return writeOption(encoder, r.FillRecordID) },
		func() error { return writeOption(encoder, r.BaseAssetAmountFilled) },
		func() error { return writeOption(encoder, r.QuoteAssetAmountFilled) },
		func() error { return writeOption(encoder, r.TakerFee) },
		func() error { return writeOption(encoder, r.MakerFee) },
		func() error { return writeOption(encoder, r.ReferrerReward) },
		func() error { return writeOption(encoder, r.QuoteAssetAmountSurplus) },
		func() error { return writeOption(encoder, r.SpotFulfillmentMethodFee) },
		func() error { return writeOption(encoder, r.Taker) },
		func() error { return writeOption(encoder, r.TakerOrderID) },
		func() error { return writeOption(encoder, r.TakerOrderDirection) },
		func() error { return writeOption(encoder, r.TakerOrderBaseAssetAmount) },
		func() error { return writeOption(encoder, r.TakerOrderCumulativeBaseAssetAmountFilled) },
		func() error { return writeOption(encoder, r.TakerOrderCumulativeQuoteAssetAmountFilled) },
		func() error { return writeOption(encoder, r.Maker) },
		func() error { return writeOption(encoder, r.MakerOrderID) },
		func() error { return writeOption(encoder, r.MakerOrderDirection) },
		func() error { return writeOption(encoder, r.MakerOrderBaseAssetAmount) },
		func() error { return writeOption(encoder, r.MakerOrderCumulativeBaseAssetAmountFilled) },
		func() error { return writeOption(encoder, r.MakerOrderCumulativeQuoteAssetAmountFilled) },
	} {
		if err := write(); err != nil {
			return err
		}
	}
	if err := encoder.WriteInt64(r.OraclePrice, binary.LittleEndian); err != nil {
		return err
	}
	if err := encoder.WriteUint8(r.BitFlags); err != nil {
		return err
	}
	for _, value := range []*uint64{
		r.TakerExistingQuoteEntryAmount,
		r.TakerExistingBaseAssetAmount,
		r.MakerExistingQuoteEntryAmount,
		r.MakerExistingBaseAssetAmount,
		r.TriggerPrice,
	} {
		if err := writeOption(encoder, value); err != nil {
			return err
		}
	}
	return nil
}

func (r *OrderActionRecord) UnmarshalWithDecoder(decoder *bin.Decoder) (err error) {
	if r.Ts, err = decoder.ReadInt64(binary.LittleEndian); err != nil {
		return err
	}
	action, err := decoder.ReadUint8()
	if err != nil {
		return err
	}
	r.Action = OrderAction(action)
	if r.ActionExplanation, err = decoder.ReadUint8(); err != nil {
		return err
	}
	if r.MarketIndex, err = decoder.ReadUint16(binary.LittleEndian); err != nil {
		return err
	}
	marketType, err := decoder.ReadUint8()
	if err != nil {
		return err
	}
	r.MarketType = types.MarketType(marketType)
	for _, read := range []func() error{
		func() (err error) { r.Filler, err = readOption[solana.PublicKey](decoder); return },
		func() (err error) { r.FillerReward, err = readOption[uint64](decoder); return },
		func() (err error) { r.FillRecordID, err = readOption[uint64](decoder); return },
		func() (err error) { r.BaseAssetAmountFilled, err = readOption[uint64](decoder); return },
		func() (err error) { r.QuoteAssetAmountFilled, err = readOption[uint64](decoder); return },
		func() (err error) { r.TakerFee, err = readOption[uint64](decoder); return },
		func() (err error) { r.MakerFee, err = readOption[int64](decoder); return },
		func() (err error) { r.ReferrerReward, err = readOption[uint32](decoder); return },
		func() (err error) { r.QuoteAssetAmountSurplus, err = readOption[int64](decoder); return },
		func() (err error) { r.SpotFulfillmentMethodFee, err = readOption[uint64](decoder); return },
		func() (err error) { r.Taker, err = readOption[solana.PublicKey](decoder); return },
		func() (err error) { r.TakerOrderID, err = readOption[uint32](decoder); return },
		func() (err error) { r.TakerOrderDirection, err = readOption[types.Direction](decoder); return },
		func() (err error) { r.TakerOrderBaseAssetAmount, err = readOption[uint64](decoder); return },
		func() (err error) {
			r.TakerOrderCumulativeBaseAssetAmountFilled, err = readOption[uint64](decoder)
			return
		},
		func() (err error) {
			r.TakerOrderCumulativeQuoteAssetAmountFilled, err = readOption[uint64](decoder)
			return
		},
		func() (err error) { r.Maker, err = readOption[solana.PublicKey](decoder); return },
		func() (err error) { r.MakerOrderID, err = readOption[uint32](decoder); return },
		func() (err error) { r.MakerOrderDirection, err = readOption[types.Direction](decoder); return },
		func() (err error) { r.MakerOrderBaseAssetAmount, err = readOption[uint64](decoder); return },
		func() (err error) {
			r.MakerOrderCumulativeBaseAssetAmountFilled, err = readOption[uint64](decoder)
			return
		},
		func() (err error) {
			r.MakerOrderCumulativeQuoteAssetAmountFilled, err = readOption[uint64](decoder)
			return
		},
	} {
		if err := read(); err != nil {
			return err
		}
	}
	if r.OraclePrice, err = decoder.ReadInt64(binary.LittleEndian); err != nil {
		return err
	}
	if decoder.Remaining() == 0 {
		return nil
	}
	if r.BitFlags, err = decoder.ReadUint8(); err != nil {
		return err
	}
	for _, field := range []**uint64{
		&r.TakerExistingQuoteEntryAmount,
		&r.TakerExistingBaseAssetAmount,
		&r.MakerExistingQuoteEntryAmount,
		&r.MakerExistingBaseAssetAmount,
		&r.TriggerPrice,
	} {
		if *field, err = readOption[uint64](decoder); err != nil {
			return err
		}
	}
	return nil
}

// DecodeEvent decodes one "Program data:" payload into *OrderRecord,
// *OrderActionRecord or *FundingPaymentRecord.
func DecodeEvent(data []byte) (any, error) {
	if len(data) < 8 {
		return nil, errPayloadTooShort
	}
	var discriminator [8]byte
	copy(discriminator[:], data[:8])
	decoder := bin.NewBorshDecoder(data[8:])
	var out any
	switch discriminator {
	case Event_OrderRecord:
		out = new(OrderRecord)
	case Event_OrderActionRecord:
		out = new(OrderActionRecord)
	case Event_FundingPaymentRecord:
		out = new(FundingPaymentRecord)
	default:
		return nil, ErrUnknownEvent
	}
	if err := decoder.Decode(out); err != nil {
		return nil, err
	}
	return out, nil
}

// EncodeEvent serializes an event behind its discriminator.
func EncodeEvent(event any) ([]byte, error) {
	var (
		discriminator [8]byte
		payload       any
	)
	switch e := event.(type) {
	case *OrderRecord:
		discriminator, payload = Event_OrderRecord, *e
	case *OrderActionRecord:
		discriminator, payload = Event_OrderActionRecord, *e
	case *FundingPaymentRecord:
		discriminator, payload = Event_FundingPaymentRecord, *e
	default:
		return nil, ErrUnknownEvent
	}
	var buf bytes.Buffer
	buf.Write(discriminator[:])
	if err := bin.NewBorshEncoder(&buf).Encode(payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func anchorEventDiscriminator(name string) [8]byte {
	hash := sha256.Sum256([]byte("event:" + name))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}
