package programdata

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/coldbell/dex/drift-sdk/pkg/program"
	"github.com/coldbell/dex/drift-sdk/pkg/types"
)

// RPCClient is the subset of *rpc.Client needed to scan market accounts.
type RPCClient interface {
	GetProgramAccountsWithOpts(ctx context.Context, publicKey solana.PublicKey, opts *rpc.GetProgramAccountsOpts) (rpc.GetProgramAccountsResult, error)
}

type MarketConfig struct {
	ID            types.MarketId
	Name          string
	Address       solana.PublicKey
	Oracle        solana.PublicKey
	OracleSource  program.OracleSource
	BaseDecimals  uint32
	QuoteDecimals uint32
	StepSize      uint64
	TickSize      uint64
	MinOrderSize  uint64
	Status        program.MarketStatus
}

// ProgramData is the market configuration of one deployment. It is never
// mutated after construction and is safe to share.
type ProgramData struct {
	perp   []MarketConfig
	spot   []MarketConfig
	byID   map[types.MarketId]MarketConfig
	byName map[string]types.MarketId
}

func New(perp, spot []MarketConfig) *ProgramData {
	data := &ProgramData{
		perp:   append([]MarketConfig(nil), perp...),
		spot:   append([]MarketConfig(nil), spot...),
		byID:   make(map[types.MarketId]MarketConfig, len(perp)+len(spot)),
		byName: make(map[string]types.MarketId, len(perp)+len(spot)),
	}
	sort.Slice(data.perp, func(i, j int) bool { return data.perp[i].ID.Index < data.perp[j].ID.Index })
	sort.Slice(data.spot, func(i, j int) bool { return data.spot[i].ID.Index < data.spot[j].ID.Index })
	for _, list := range [][]MarketConfig{data.perp, data.spot} {
		for _, market := range list {
			data.byID[market.ID] = market
			key := normalizeName(market.Name)
			if _, taken := data.byName[key]; key != "" && !taken {
				data.byName[key] = market.ID
			}
		}
	}
	return data
}

// Load scans the program for every perp and spot market account.
func Load(ctx context.Context, client RPCClient, programID solana.PublicKey, commitment rpc.CommitmentType) (*ProgramData, error) {
	spot, perp, err := FetchMarketAccounts(ctx, client, programID, commitment)
	if err != nil {
		return nil, err
	}
	perpConfigs := make([]MarketConfig, 0, len(perp))
	for _, market := range perp {
		perpConfigs = append(perpConfigs, PerpConfig(market))
	}
	spotConfigs := make([]MarketConfig, 0, len(spot))
	for _, market := range spot {
		spotConfigs = append(spotConfigs, SpotConfig(market))
	}
	return New(perpConfigs, spotConfigs), nil
}

// FetchMarketAccounts returns the decoded spot and perp market accounts.
func FetchMarketAccounts(ctx context.Context, client RPCClient, programID solana.PublicKey, commitment rpc.CommitmentType) ([]*program.SpotMarket, []*program.PerpMarket, error) {
	var spot []*program.SpotMarket
	err := scan(ctx, client, programID, commitment, "SpotMarket", program.Account_SpotMarket, program.SpotMarketSize, func(item *rpc.KeyedAccount) error {
		market, err := program.ParseAccount_SpotMarket(item.Account.Data.GetBinary())
		if err != nil {
			return types.NewDecodeError(item.Pubkey, "SpotMarket", err)
		}
		spot = append(spot, market)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	var perp []*program.PerpMarket
	err = scan(ctx, client, programID, commitment, "PerpMarket", program.Account_PerpMarket, program.PerpMarketSize, func(item *rpc.KeyedAccount) error {
		market, err := program.ParseAccount_PerpMarket(item.Account.Data.GetBinary())
		if err != nil {
			return types.NewDecodeError(item.Pubkey, "PerpMarket", err)
		}
		perp = append(perp, market)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return spot, perp, nil
}

func scan(
	ctx context.Context,
	client RPCClient,
	programID solana.PublicKey,
	commitment rpc.CommitmentType,
	accountType string,
	discriminator [8]byte,
	size uint64,
	handler func(item *rpc.KeyedAccount) error,
) error {
	accounts, err := client.GetProgramAccountsWithOpts(ctx, programID, &rpc.GetProgramAccountsOpts{
		Commitment: commitment,
		Encoding:   solana.EncodingBase64,
		Filters: []rpc.RPCFilter{
			{Memcmp: &rpc.RPCFilterMemcmp{Offset: 0, Bytes: solana.Base58(discriminator[:])}},
			{DataSize: size},
		},
	})
	if err != nil {
		return types.NewTransportError(fmt.Sprintf("scan %s accounts for program %s", accountType, programID), err)
	}
	for _, item := range accounts {
		if item == nil || item.Account == nil {
			continue
		}
		if err := handler(item); err != nil {
			return err
		}
	}
	return nil
}

func PerpConfig(market *program.PerpMarket) MarketConfig {
	return MarketConfig{
		ID:            types.Perp(market.MarketIndex),
		Name:          program.NameString(market.Name),
		Address:       market.Pubkey,
		Oracle:        market.Amm.Oracle,
		OracleSource:  market.Amm.OracleSource,
		BaseDecimals:  uint32(types.BasePrecisionExp),
		QuoteDecimals: uint32(types.QuotePrecisionExp),
		StepSize:      market.Amm.OrderStepSize,
		TickSize:      market.Amm.OrderTickSize,
		MinOrderSize:  market.Amm.MinOrderSize,
		Status:        market.Status,
	}
}

func SpotConfig(market *program.SpotMarket) MarketConfig {
	return MarketConfig{
		ID:            types.Spot(market.MarketIndex),
		Name:          program.NameString(market.Name),
		Address:       market.Pubkey,
		Oracle:        market.Oracle,
		OracleSource:  market.OracleSource,
		BaseDecimals:  market.Decimals,
		QuoteDecimals: uint32(types.QuotePrecisionExp),
		StepSize:      market.OrderStepSize,
		TickSize:      market.OrderTickSize,
		MinOrderSize:  market.MinOrderSize,
		Status:        market.Status,
	}
}

func (d *ProgramData) Market(id types.MarketId) (MarketConfig, bool) {
	market, ok := d.byID[id]
	return market, ok
}

// Lookup resolves a market name such as "sol-perp" or "sol", ignoring case.
func (d *ProgramData) Lookup(name string) (types.MarketId, bool) {
	id, ok := d.byName[normalizeName(name)]
	return id, ok
}

func (d *ProgramData) PerpMarkets() []MarketConfig {
	return append([]MarketConfig(nil), d.perp...)
}

func (d *ProgramData) SpotMarkets() []MarketConfig {
	return append([]MarketConfig(nil), d.spot...)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
