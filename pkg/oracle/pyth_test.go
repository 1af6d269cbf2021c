package oracle

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/dex/drift-sdk/pkg/program"
	"github.com/coldbell/dex/drift-sdk/pkg/types"
)

func TestDecodePriceUpdateV2(t *testing.T) {
	data := EncodePriceUpdateV2([32]byte{1}, 14_512_345_678, 1_234_567, -8, 1_700_000_000, 99)

	update, err := DecodePriceUpdateV2(PythPushOracleProgramID, data)
	require.NoError(t, err)
	assert.Equal(t, uint64(145_123_456), update.Price)
	// confidence rounds up
	assert.Equal(t, uint64(12_346), update.Conf)
	assert.Equal(t, int64(1_700_000_000), update.PublishTime)
	assert.Equal(t, uint64(99), update.PostedSlot)
}

func TestDecodePriceUpdateV2Rejects(t *testing.T) {
	valid := EncodePriceUpdateV2([32]byte{}, 100, 1, -2, 1, 1)

	_, err := DecodePriceUpdateV2(solana.SystemProgramID, valid)
	require.ErrorIs(t, err, errInvalidOracle)

	_, err = DecodePriceUpdateV2(PythPushOracleProgramID, append(append([]byte{}, valid...), 0))
	require.ErrorIs(t, err, errInvalidOracle)

	partial := append([]byte{}, valid...)
	partial[40] = 0
	_, err = DecodePriceUpdateV2(PythPushOracleProgramID, partial)
	require.ErrorIs(t, err, errInvalidOracle)

	negative := EncodePriceUpdateV2([32]byte{}, -1, 1, -2, 1, 1)
	_, err = DecodePriceUpdateV2(PythPushOracleProgramID, negative)
	require.ErrorIs(t, err, errInvalidOracle)
}

func TestPriceBySource(t *testing.T) {
	data := EncodePriceUpdateV2([32]byte{}, 2_500, 0, -8, 1, 1)

	price, err := Price(program.OracleSource_PythPull, PythPushOracleProgramID, data)
	require.NoError(t, err)
	assert.Equal(t, int64(25), price)

	price, err = Price(program.OracleSource_Pyth1KPull, PythPushOracleProgramID, data)
	require.NoError(t, err)
	assert.Equal(t, int64(25_000), price)

	price, err = Price(program.OracleSource_QuoteAsset, solana.PublicKey{}, nil)
	require.NoError(t, err)
	assert.Equal(t, types.PricePrecision, price)

	_, err = Price(program.OracleSource_Switchboard, PythPushOracleProgramID, data)
	require.ErrorIs(t, err, types.ErrUnsupportedOracle)

	_, err = Price(program.OracleSource_PythPull, PythPushOracleProgramID, data[:30])
	require.ErrorIs(t, err, types.ErrDecode)
}
