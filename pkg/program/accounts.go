package program

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/dex/drift-sdk/pkg/types"
)

var (
	Account_User       = anchorAccountDiscriminator("User")
	Account_UserStats  = anchorAccountDiscriminator("UserStats")
	Account_PerpMarket = anchorAccountDiscriminator("PerpMarket")
	Account_SpotMarket = anchorAccountDiscriminator("SpotMarket")

	errDiscriminatorMismatch = errors.New("discriminator mismatch")
	errPayloadTooShort       = errors.New("payload too short")
	errSizeMismatch          = errors.New("account size mismatch")
)

// Account sizes including the discriminator. Anything else is an account of an
// incompatible program version.
const (
	UserSize       = 4376
	UserStatsSize  = 240
	PerpMarketSize = 1216
	SpotMarketSize = 776
)

type OracleSource uint8

const (
	OracleSource_Pyth OracleSource = iota
	OracleSource_Switchboard
	OracleSource_QuoteAsset
	OracleSource_Pyth1K
	OracleSource_Pyth1M
	OracleSource_PythStableCoin
	OracleSource_Prelaunch
	OracleSource_PythPull
	OracleSource_Pyth1KPull
	OracleSource_Pyth1MPull
	OracleSource_PythStableCoinPull
	OracleSource_SwitchboardOnDemand
	OracleSource_PythLazer
	OracleSource_PythLazer1K
	OracleSource_PythLazer1M
	OracleSource_PythLazerStableCoin
)

func (s OracleSource) String() string {
	switch s {
	case OracleSource_Pyth:
		return "pyth"
	case OracleSource_Switchboard:
		return "switchboard"
	case OracleSource_QuoteAsset:
		return "quote_asset"
	case OracleSource_Pyth1K:
		return "pyth_1k"
	case OracleSource_Pyth1M:
		return "pyth_1m"
	case OracleSource_PythStableCoin:
		return "pyth_stable_coin"
	case OracleSource_Prelaunch:
		return "prelaunch"
	case OracleSource_PythPull:
		return "pyth_pull"
	case OracleSource_Pyth1KPull:
		return "pyth_1k_pull"
	case OracleSource_Pyth1MPull:
		return "pyth_1m_pull"
	case OracleSource_PythStableCoinPull:
		return "pyth_stable_coin_pull"
	case OracleSource_SwitchboardOnDemand:
		return "switchboard_on_demand"
	case OracleSource_PythLazer:
		return "pyth_lazer"
	case OracleSource_PythLazer1K:
		return "pyth_lazer_1k"
	case OracleSource_PythLazer1M:
		return "pyth_lazer_1m"
	case OracleSource_PythLazerStableCoin:
		return "pyth_lazer_stable_coin"
	default:
		return fmt.Sprintf("oracle_source(%d)", uint8(s))
	}
}

type MarketStatus uint8

const (
	MarketStatus_Initialized MarketStatus = iota
	MarketStatus_Active
	MarketStatus_FundingPaused
	MarketStatus_AmmPaused
	MarketStatus_FillPaused
	MarketStatus_WithdrawPaused
	MarketStatus_ReduceOnly
	MarketStatus_Settlement
	MarketStatus_Delisted
)

type OrderStatus uint8

const (
	OrderStatus_Init OrderStatus = iota
	OrderStatus_Open
	OrderStatus_Filled
	OrderStatus_Canceled
)

type SpotBalanceType uint8

const (
	SpotBalanceType_Deposit SpotBalanceType = iota
	SpotBalanceType_Borrow
)

type SpotPosition struct {
	ScaledBalance      uint64
	OpenBids           int64
	OpenAsks           int64
	CumulativeDeposits int64
	MarketIndex        uint16
	BalanceType        SpotBalanceType
	OpenOrders         uint8
	Padding            [4]uint8
}

func (p SpotPosition) IsAvailable() bool {
	return p.ScaledBalance == 0 && p.OpenOrders == 0
}

type PerpPosition struct {
	LastCumulativeFundingRate int64
	BaseAssetAmount           int64
	QuoteAssetAmount          int64
	QuoteBreakEvenAmount      int64
	QuoteEntryAmount          int64
	OpenBids                  int64
	OpenAsks                  int64
	SettledPnl                int64
	LpShares                  uint64
	LastBaseAssetAmountPerLp  int64
	LastQuoteAssetAmountPerLp int64
	RemainderBaseAssetAmount  int32
	MarketIndex               uint16
	OpenOrders                uint8
	PerLpBase                 int8
}

func (p PerpPosition) IsAvailable() bool {
	return p.BaseAssetAmount == 0 && p.QuoteAssetAmount == 0 && p.OpenOrders == 0 && p.LpShares == 0
}

type Order struct {
	Slot                      uint64
	Price                     uint64
	BaseAssetAmount           uint64
	BaseAssetAmountFilled     uint64
	QuoteAssetAmountFilled    uint64
	TriggerPrice              uint64
	AuctionStartPrice         int64
	AuctionEndPrice           int64
	MaxTs                     int64
	OraclePriceOffset         int32
	OrderID                   uint32
	MarketIndex               uint16
	Status                    OrderStatus
	OrderType                 uint8
	MarketType                uint8
	UserOrderID               uint8
	ExistingPositionDirection uint8
	Direction                 uint8
	ReduceOnly                bool
	PostOnly                  bool
	ImmediateOrCancel         bool
	TriggerCondition          uint8
	AuctionDuration           uint8
	PostedSlotTail            uint8
	BitFlags                  uint8
	Padding                   [1]uint8
}

func (o Order) IsOpen() bool { return o.Status == OrderStatus_Open }

type User struct {
	Authority              solana.PublicKey
	Delegate               solana.PublicKey
	Name                   [32]uint8
	SpotPositions          [8]SpotPosition
	PerpPositions          [8]PerpPosition
	Orders                 [32]Order
	LastAddPerpLpSharesTs  int64
	TotalDeposits          uint64
	TotalWithdraws         uint64
	TotalSocialLoss        uint64
	SettledPerpPnl         int64
	CumulativeSpotFees     int64
	CumulativePerpFunding  int64
	LiquidationMarginFreed uint64
	LastActiveSlot         uint64
	NextOrderID            uint32
	MaxMarginRatio         uint32
	NextLiquidationID      uint16
	SubAccountID           uint16
	Status                 uint8
	IsMarginTradingEnabled bool
	IdleBool               bool
	OpenOrders             uint8
	HasOpenOrder           bool
	OpenAuctions           uint8
	HasOpenAuction         bool
	MarginMode             uint8
	PoolID                 uint8
	Padding1               [3]uint8
	LastFuelBonusUpdateTs  uint32
	Padding                [12]uint8
}

func (u *User) OpenOrderList() []Order {
	out := make([]Order, 0, u.OpenOrders)
	for _, order := range u.Orders {
		if order.IsOpen() {
			out = append(out, order)
		}
	}
	return out
}

// ActiveMarkets lists markets the user has positions or open orders in.
func (u *User) ActiveMarkets() []types.MarketId {
	out := make([]types.MarketId, 0, 4)
	for _, position := range u.SpotPositions {
		if !position.IsAvailable() {
			out = append(out, types.Spot(position.MarketIndex))
		}
	}
	for _, position := range u.PerpPositions {
		if !position.IsAvailable() {
			out = append(out, types.Perp(position.MarketIndex))
		}
	}
	return out
}

type UserFees struct {
	TotalFeePaid               uint64
	TotalFeeRebate             uint64
	TotalTokenDiscount         uint64
	TotalRefereeDiscount       uint64
	TotalReferrerReward        uint64
	CurrentEpochReferrerReward uint64
}

type UserStats struct {
	Authority                   solana.PublicKey
	Referrer                    solana.PublicKey
	Fees                        UserFees
	NextEpochTs                 int64
	MakerVolume30d              uint64
	TakerVolume30d              uint64
	FillerVolume30d             uint64
	LastMakerVolume30dTs        int64
	LastTakerVolume30dTs        int64
	LastFillerVolume30dTs       int64
	IfStakedQuoteAssetAmount    uint64
	NumberOfSubAccounts         uint16
	NumberOfSubAccountsCreated  uint16
	ReferrerStatus              uint8
	DisableUpdatePerpBidAskTwap bool
	Padding1                    [1]uint8
	FuelOverflowStatus          uint8
	FuelInsurance               uint32
	FuelDeposits                uint32
	FuelBorrows                 uint32
	FuelPositions               uint32
	FuelTaker                   uint32
	FuelMaker                   uint32
	IfStakedGovTokenAmount      uint64
	LastFuelIfBonusUpdateTs     uint32
	Padding                     [12]uint8
}

type HistoricalOracleData struct {
	LastOraclePrice         int64
	LastOracleConf          uint64
	LastOracleDelay         int64
	LastOraclePriceTwap     int64
	LastOraclePriceTwap5min int64
	LastOraclePriceTwapTs   int64
}

type HistoricalIndexData struct {
	LastIndexBidPrice      uint64
	LastIndexAskPrice      uint64
	LastIndexPriceTwap     uint64
	LastIndexPriceTwap5min uint64
	LastIndexPriceTwapTs   int64
}

type PoolBalance struct {
	ScaledBalance bin.Uint128
	MarketIndex   uint16
	Padding       [6]uint8
}

type InsuranceClaim struct {
	RevenueWithdrawSinceLastSettle int64
	MaxRevenueWithdrawPerPeriod    uint64
	QuoteMaxInsurance              uint64
	QuoteSettledInsurance          uint64
	LastRevenueWithdrawTs          int64
}

type InsuranceFund struct {
	Vault               solana.PublicKey
	TotalShares         bin.Uint128
	UserShares          bin.Uint128
	SharesBase          bin.Uint128
	UnstakingPeriod     int64
	LastRevenueSettleTs int64
	RevenueSettlePeriod int64
	TotalFactor         uint32
	UserFactor          uint32
}

// AMM is the perp market's virtual pool. Oracle and order sizing for a perp
// market live here rather than on the market itself.
type AMM struct {
	Oracle                          solana.PublicKey
	HistoricalOracleData            HistoricalOracleData
	BaseAssetAmountPerLp            bin.Int128
	QuoteAssetAmountPerLp           bin.Int128
	FeePool                         PoolBalance
	BaseAssetReserve                bin.Uint128
	QuoteAssetReserve               bin.Uint128
	ConcentrationCoef               bin.Uint128
	MinBaseAssetReserve             bin.Uint128
	MaxBaseAssetReserve             bin.Uint128
	SqrtK                           bin.Uint128
	PegMultiplier                   bin.Uint128
	TerminalQuoteAssetReserve       bin.Uint128
	BaseAssetAmountLong             bin.Int128
	BaseAssetAmountShort            bin.Int128
	BaseAssetAmountWithAmm          bin.Int128
	BaseAssetAmountWithUnsettledLp  bin.Int128
	MaxOpenInterest                 bin.Uint128
	QuoteAssetAmount                bin.Int128
	QuoteEntryAmountLong            bin.Int128
	QuoteEntryAmountShort           bin.Int128
	QuoteBreakEvenAmountLong        bin.Int128
	QuoteBreakEvenAmountShort       bin.Int128
	UserLpShares                    bin.Uint128
	LastFundingRate                 int64
	LastFundingRateLong             int64
	LastFundingRateShort            int64
	Last24hAvgFundingRate           int64
	TotalFee                        bin.Int128
	TotalMmFee                      bin.Int128
	TotalExchangeFee                bin.Uint128
	TotalFeeMinusDistributions      bin.Int128
	TotalFeeWithdrawn               bin.Uint128
	TotalLiquidationFee             bin.Uint128
	CumulativeFundingRateLong       bin.Int128
	CumulativeFundingRateShort      bin.Int128
	TotalSocialLoss                 bin.Uint128
	AskBaseAssetReserve             bin.Uint128
	AskQuoteAssetReserve            bin.Uint128
	BidBaseAssetReserve             bin.Uint128
	BidQuoteAssetReserve            bin.Uint128
	LastOracleNormalisedPrice       int64
	LastOracleReservePriceSpreadPct int64
	LastBidPriceTwap                uint64
	LastAskPriceTwap                uint64
	LastMarkPriceTwap               uint64
	LastMarkPriceTwap5min           uint64
	LastUpdateSlot                  uint64
	LastOracleConfPct               uint64
	NetRevenueSinceLastFunding      int64
	LastFundingRateTs               int64
	FundingPeriod                   int64
	OrderStepSize                   uint64
	OrderTickSize                   uint64
	MinOrderSize                    uint64
	MaxPositionSize                 uint64
	Volume24h                       uint64
	LongIntensityVolume             uint64
	ShortIntensityVolume            uint64
	LastTradeTs                     int64
	MarkStd                         uint64
	OracleStd                       uint64
	LastMarkPriceTwapTs             int64
	BaseSpread                      uint32
	MaxSpread                       uint32
	LongSpread                      uint32
	ShortSpread                     uint32
	LongIntensityCount              uint32
	ShortIntensityCount             uint32
	MaxFillReserveFraction          uint16
	MaxSlippageRatio                uint16
	CurveUpdateIntensity            uint8
	AmmJitIntensity                 uint8
	OracleSource                    OracleSource
	LastOracleValid                 bool
	TargetBaseAssetAmountPerLp      int32
	PerLpBase                       int8
	Padding1                        uint8
	Padding2                        uint16
	TotalFeeEarnedPerLp             uint64
	NetUnsettledFundingPnl          int64
	QuoteAssetAmountWithUnsettledLp int64
	ReferencePriceOffset            int32
	Padding                         [12]uint8
}

type PerpMarket struct {
	Pubkey                              solana.PublicKey
	Amm                                 AMM
	PnlPool                             PoolBalance
	Name                                [32]uint8
	InsuranceClaim                      InsuranceClaim
	UnrealizedPnlMaxImbalance           uint64
	ExpiryTs                            int64
	ExpiryPrice                         int64
	NextFillRecordID                    uint64
	NextFundingRateRecordID             uint64
	NextCurveRecordID                   uint64
	ImfFactor                           uint32
	UnrealizedPnlImfFactor              uint32
	LiquidatorFee                       uint32
	IfLiquidationFee                    uint32
	MarginRatioInitial                  uint32
	MarginRatioMaintenance              uint32
	UnrealizedPnlInitialAssetWeight     uint32
	UnrealizedPnlMaintenanceAssetWeight uint32
	NumberOfUsersWithBase               uint32
	NumberOfUsers                       uint32
	MarketIndex                         uint16
	Status                              MarketStatus
	ContractType                        uint8
	ContractTier                        uint8
	PausedOperations                    uint8
	QuoteSpotMarketIndex                uint16
	FeeAdjustment                       int16
	FuelBoostPosition                   uint8
	FuelBoostTaker                      uint8
	FuelBoostMaker                      uint8
	PoolID                              uint8
	HighLeverageMarginRatioInitial      uint16
	HighLeverageMarginRatioMaintenance  uint16
	ProtectedMakerLimitPriceDivisor     uint8
	ProtectedMakerDynamicDivisor        uint8
	Padding1                            uint32
	LastFillPrice                       uint64
	Padding                             [24]uint8
}

type SpotMarket struct {
	Pubkey                       solana.PublicKey
	Oracle                       solana.PublicKey
	Mint                         solana.PublicKey
	Vault                        solana.PublicKey
	Name                         [32]uint8
	HistoricalOracleData         HistoricalOracleData
	HistoricalIndexData          HistoricalIndexData
	RevenuePool                  PoolBalance
	SpotFeePool                  PoolBalance
	InsuranceFund                InsuranceFund
	TotalSpotFee                 bin.Uint128
	DepositBalance               bin.Uint128
	BorrowBalance                bin.Uint128
	CumulativeDepositInterest    bin.Uint128
	CumulativeBorrowInterest     bin.Uint128
	TotalSocialLoss              bin.Uint128
	TotalQuoteSocialLoss         bin.Uint128
	WithdrawGuardThreshold       uint64
	MaxTokenDeposits             uint64
	DepositTokenTwap             uint64
	BorrowTokenTwap              uint64
	UtilizationTwap              uint64
	LastInterestTs               uint64
	LastTwapTs                   uint64
	ExpiryTs                     int64
	OrderStepSize                uint64
	OrderTickSize                uint64
	MinOrderSize                 uint64
	MaxPositionSize              uint64
	NextFillRecordID             uint64
	NextDepositRecordID          uint64
	InitialAssetWeight           uint32
	MaintenanceAssetWeight       uint32
	InitialLiabilityWeight       uint32
	MaintenanceLiabilityWeight   uint32
	ImfFactor                    uint32
	LiquidatorFee                uint32
	IfLiquidationFee             uint32
	OptimalUtilization           uint32
	OptimalBorrowRate            uint32
	MaxBorrowRate                uint32
	Decimals                     uint32
	MarketIndex                  uint16
	OrdersEnabled                bool
	OracleSource                 OracleSource
	Status                       MarketStatus
	AssetTier                    uint8
	PausedOperations             uint8
	IfPausedOperations           uint8
	FeeAdjustment                int16
	MaxTokenBorrowsFraction      uint16
	FlashLoanAmount              uint64
	FlashLoanInitialTokenAmount  uint64
	TotalSwapFee                 uint64
	ScaleInitialAssetWeightStart uint64
	MinBorrowRate                uint8
	FuelBoostDeposits            uint8
	FuelBoostBorrows             uint8
	FuelBoostTaker               uint8
	FuelBoostMaker               uint8
	FuelBoostInsurance           uint8
	TokenProgram                 uint8
	PoolID                       uint8
	Padding                      [40]uint8
}

func ParseAccount_User(data []byte) (*User, error) {
	return parseAccount[User](Account_User, UserSize, data)
}

func ParseAccount_UserStats(data []byte) (*UserStats, error) {
	return parseAccount[UserStats](Account_UserStats, UserStatsSize, data)
}

func ParseAccount_PerpMarket(data []byte) (*PerpMarket, error) {
	return parseAccount[PerpMarket](Account_PerpMarket, PerpMarketSize, data)
}

func ParseAccount_SpotMarket(data []byte) (*SpotMarket, error) {
	return parseAccount[SpotMarket](Account_SpotMarket, SpotMarketSize, data)
}

// EncodeAccount serializes an account body behind its discriminator.
func EncodeAccount(discriminator [8]byte, account any) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(discriminator[:])
	if err := bin.NewBorshEncoder(&buf).Encode(account); err != nil {
		return nil, fmt.Errorf("encode account: %w", err)
	}
	return buf.Bytes(), nil
}

func parseAccount[T any](discriminator [8]byte, size int, data []byte) (*T, error) {
	if len(data) < len(discriminator) {
		return nil, errPayloadTooShort
	}
	if !bytes.Equal(data[:8], discriminator[:]) {
		return nil, errDiscriminatorMismatch
	}
	if len(data) != size {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", errSizeMismatch, len(data), size)
	}
	out := new(T)
	if err := bin.NewBorshDecoder(data[8:]).Decode(out); err != nil {
		return nil, err
	}
	return out, nil
}

func anchorAccountDiscriminator(name string) [8]byte {
	hash := sha256.Sum256([]byte("account:" + name))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}
