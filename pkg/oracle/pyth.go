package oracle

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/dex/drift-sdk/pkg/program"
	"github.com/coldbell/dex/drift-sdk/pkg/types"
)

var (
	PythPushOracleProgramID = solana.MustPublicKeyFromBase58("pythWSnswVUd12oZpeFP8e9CVaEqJg25g1Vtc2biRsT")
	PythReceiverProgramID   = solana.MustPublicKeyFromBase58("rec5EKMGg6MxZYaMdyBfgwp4d5rB9T1VQH5pJv5LtFJ")

	priceUpdateV2Discriminator = [8]byte{34, 241, 35, 99, 157, 126, 244, 205}

	errInvalidOracle = errors.New("invalid oracle account")
)

// PriceUpdate is a decoded PriceUpdateV2 account, with Price and Conf already
// scaled to PRICE_PRECISION.
type PriceUpdate struct {
	FeedID      [32]byte
	Price       uint64
	Conf        uint64
	Exponent    int32
	PublishTime int64
	PostedSlot  uint64
}

// DecodePriceUpdateV2 checks owner, discriminator and verification level before
// reading the price message.
func DecodePriceUpdateV2(owner solana.PublicKey, data []byte) (*PriceUpdate, error) {
	if !owner.Equals(PythPushOracleProgramID) && !owner.Equals(PythReceiverProgramID) {
		return nil, fmt.Errorf("%w: owner mismatch (%s)", errInvalidOracle, owner)
	}
	if len(data) < len(priceUpdateV2Discriminator) {
		return nil, fmt.Errorf("%w: payload too short", errInvalidOracle)
	}
	if !bytes.Equal(data[:8], priceUpdateV2Discriminator[:]) {
		return nil, fmt.Errorf("%w: discriminator mismatch", errInvalidOracle)
	}

	offset := 8
	if len(data) < offset+32 {
		return nil, fmt.Errorf("%w: missing write authority", errInvalidOracle)
	}
	offset += 32 // write_authority

	if len(data) < offset+1 {
		return nil, fmt.Errorf("%w: missing verification level", errInvalidOracle)
	}
	verificationVariant := data[offset]
	offset++
	switch verificationVariant {
	case 1: // Full
	case 0: // Partial { num_signatures: u8 }
		return nil, fmt.Errorf("%w: verification level is partial", errInvalidOracle)
	default:
		return nil, fmt.Errorf("%w: unknown verification level %d", errInvalidOracle, verificationVariant)
	}

	feedID, offset, err := readFixed32(data, offset)
	if err != nil {
		return nil, err
	}
	price, offset, err := readI64(data, offset)
	if err != nil {
		return nil, err
	}
	conf, offset, err := readU64(data, offset)
	if err != nil {
		return nil, err
	}
	exponent, offset, err := readI32(data, offset)
	if err != nil {
		return nil, err
	}
	publishTime, offset, err := readI64(data, offset)
	if err != nil {
		return nil, err
	}
	// prev_publish_time, ema_price, ema_conf
	for i := 0; i < 3; i++ {
		if _, offset, err = readU64(data, offset); err != nil {
			return nil, err
		}
	}
	postedSlot, offset, err := readU64(data, offset)
	if err != nil {
		return nil, err
	}
	if offset != len(data) {
		return nil, fmt.Errorf("%w: trailing bytes in payload", errInvalidOracle)
	}

	scaledPrice, err := scaleSignedPrice(price, exponent)
	if err != nil {
		return nil, err
	}
	scaledConf, err := scaleConfidence(conf, exponent)
	if err != nil {
		return nil, err
	}
	return &PriceUpdate{
		FeedID:      feedID,
		Price:       scaledPrice,
		Conf:        scaledConf,
		Exponent:    exponent,
		PublishTime: publishTime,
		PostedSlot:  postedSlot,
	}, nil
}

// Price returns the market's oracle price in PRICE_PRECISION for the given source.
func Price(source program.OracleSource, owner solana.PublicKey, data []byte) (int64, error) {
	var multiple uint64
	switch source {
	case program.OracleSource_QuoteAsset:
		return types.PricePrecision, nil
	case program.OracleSource_PythPull, program.OracleSource_PythStableCoinPull:
		multiple = 1
	case program.OracleSource_Pyth1KPull:
		multiple = 1_000
	case program.OracleSource_Pyth1MPull:
		multiple = 1_000_000
	default:
		return 0, fmt.Errorf("%w: %s", types.ErrUnsupportedOracle, source)
	}
	update, err := DecodePriceUpdateV2(owner, data)
	if err != nil {
		return 0, types.NewDecodeError(solana.PublicKey{}, "PriceUpdateV2", err)
	}
	scaled := new(big.Int).Mul(new(big.Int).SetUint64(update.Price), new(big.Int).SetUint64(multiple))
	if !scaled.IsInt64() {
		return 0, types.NewDecodeError(solana.PublicKey{}, "PriceUpdateV2", fmt.Errorf("%w: price overflow", errInvalidOracle))
	}
	return scaled.Int64(), nil
}

// EncodePriceUpdateV2 builds a fully verified account payload.
func EncodePriceUpdateV2(feedID [32]byte, price int64, conf uint64, exponent int32, publishTime int64, postedSlot uint64) []byte {
	buf := make([]byte, 0, 134)
	buf = append(buf, priceUpdateV2Discriminator[:]...)
	buf = append(buf, make([]byte, 32)...)
	buf = append(buf, 1)
	buf = append(buf, feedID[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(price))
	buf = binary.LittleEndian.AppendUint64(buf, conf)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(exponent))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(publishTime))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(publishTime))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(price))
	buf = binary.LittleEndian.AppendUint64(buf, conf)
	buf = binary.LittleEndian.AppendUint64(buf, postedSlot)
	return buf
}

func readFixed32(data []byte, offset int) ([32]byte, int, error) {
	if len(data) < offset+32 {
		return [32]byte{}, offset, fmt.Errorf("%w: truncated feed id", errInvalidOracle)
	}
	var out [32]byte
	copy(out[:], data[offset:offset+32])
	return out, offset + 32, nil
}

func readU64(data []byte, offset int) (uint64, int, error) {
	if len(data) < offset+8 {
		return 0, offset, fmt.Errorf("%w: truncated u64 field", errInvalidOracle)
	}
	value := binary.LittleEndian.Uint64(data[offset : offset+8])
	return value, offset + 8, nil
}

func readI64(data []byte, offset int) (int64, int, error) {
	u, next, err := readU64(data, offset)
	if err != nil {
		return 0, offset, err
	}
	return int64(u), next, nil
}

func readI32(data []byte, offset int) (int32, int, error) {
	if len(data) < offset+4 {
		return 0, offset, fmt.Errorf("%w: truncated i32 field", errInvalidOracle)
	}
	value := binary.LittleEndian.Uint32(data[offset : offset+4])
	return int32(value), offset + 4, nil
}

func scaleSignedPrice(price int64, exponent int32) (uint64, error) {
	if price <= 0 {
		return 0, fmt.Errorf("%w: non-positive oracle price", errInvalidOracle)
	}
	scaled, err := scaleToPricePrecision(new(big.Int).SetInt64(price), exponent, false)
	if err != nil {
		return 0, err
	}
	if scaled.Sign() <= 0 || !scaled.IsUint64() {
		return 0, fmt.Errorf("%w: scaled oracle price overflow", errInvalidOracle)
	}
	return scaled.Uint64(), nil
}

func scaleConfidence(conf uint64, exponent int32) (uint64, error) {
	scaled, err := scaleToPricePrecision(new(big.Int).SetUint64(conf), exponent, true)
	if err != nil {
		return 0, err
	}
	if scaled.Sign() < 0 || !scaled.IsUint64() {
		return 0, fmt.Errorf("%w: scaled oracle confidence overflow", errInvalidOracle)
	}
	return scaled.Uint64(), nil
}

func scaleToPricePrecision(value *big.Int, exponent int32, ceil bool) (*big.Int, error) {
	// Same bound as the on-chain checked_pow on u128.
	if exponent > 38 || exponent < -38 {
		return nil, fmt.Errorf("%w: unsupported oracle exponent %d", errInvalidOracle, exponent)
	}
	abs := exponent
	if abs < 0 {
		abs = -abs
	}
	tenPow := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(abs)), nil)
	precision := big.NewInt(types.PricePrecision)

	if exponent >= 0 {
		out := new(big.Int).Mul(value, tenPow)
		return out.Mul(out, precision), nil
	}

	numerator := new(big.Int).Mul(value, precision)
	if ceil {
		numerator.Add(numerator, new(big.Int).Sub(tenPow, big.NewInt(1)))
	}
	return new(big.Int).Div(numerator, tenPow), nil
}
