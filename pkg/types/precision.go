package types

import "github.com/shopspring/decimal"

const (
	PricePrecision     int64 = 1_000_000
	BasePrecision      int64 = 1_000_000_000
	QuotePrecision     int64 = 1_000_000
	LamportsPerSol     int64 = 1_000_000_000
	PricePrecisionExp  int32 = 6
	BasePrecisionExp   int32 = 9
	QuotePrecisionExp  int32 = 6
	FundingRatePrecExp int32 = 9
)

func PriceToDecimal(price int64) decimal.Decimal {
	return decimal.New(price, -PricePrecisionExp)
}

func BaseToDecimal(amount int64) decimal.Decimal {
	return decimal.New(amount, -BasePrecisionExp)
}

func QuoteToDecimal(amount int64) decimal.Decimal {
	return decimal.New(amount, -QuotePrecisionExp)
}

// TokenToDecimal scales a raw token amount by the mint's decimals.
func TokenToDecimal(amount int64, decimals uint32) decimal.Decimal {
	return decimal.New(amount, -int32(decimals))
}
