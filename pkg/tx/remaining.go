package tx

import (
	"fmt"
	"sort"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/dex/drift-sdk/pkg/program"
	"github.com/coldbell/dex/drift-sdk/pkg/programdata"
	"github.com/coldbell/dex/drift-sdk/pkg/types"
)

// remainingAccounts collects the oracle and market accounts the program reads
// for margin checks. Oracles come first, then spot markets, then perp markets.
type remainingAccounts struct {
	data        *programdata.ProgramData
	oracleOrder []solana.PublicKey
	oracles     map[solana.PublicKey]*solana.AccountMeta
	spot        map[uint16]*solana.AccountMeta
	perp        map[uint16]*solana.AccountMeta
}

func newRemainingAccounts(data *programdata.ProgramData) *remainingAccounts {
	return &remainingAccounts{
		data:    data,
		oracles: make(map[solana.PublicKey]*solana.AccountMeta),
		spot:    make(map[uint16]*solana.AccountMeta),
		perp:    make(map[uint16]*solana.AccountMeta),
	}
}

func (r *remainingAccounts) addUser(user *program.User) error {
	if user == nil {
		return nil
	}
	for _, position := range user.SpotPositions {
		if position.IsAvailable() {
			continue
		}
		if err := r.addSpot(position.MarketIndex, false); err != nil {
			return err
		}
		if position.OpenBids != 0 || position.OpenAsks != 0 {
			if err := r.addSpot(types.QuoteSpot.Index, false); err != nil {
				return err
			}
		}
	}
	for _, position := range user.PerpPositions {
		if position.IsAvailable() {
			continue
		}
		if err := r.addPerp(position.MarketIndex, false); err != nil {
			return err
		}
	}
	return nil
}

func (r *remainingAccounts) addMarket(id types.MarketId, writable bool) error {
	if id.IsPerp() {
		return r.addPerp(id.Index, writable)
	}
	if err := r.addSpot(id.Index, writable); err != nil {
		return err
	}
	return r.addSpot(types.QuoteSpot.Index, writable)
}

func (r *remainingAccounts) addPerp(index uint16, writable bool) error {
	market, ok := r.data.Market(types.Perp(index))
	if !ok {
		return fmt.Errorf("remaining accounts: %s: %w", types.Perp(index), types.ErrNotFound)
	}
	upsert(r.perp, index, market.Address, writable)
	r.addOracle(market.Oracle, writable && market.OracleSource == program.OracleSource_Prelaunch)
	return r.addSpot(types.QuoteSpot.Index, false)
}

func (r *remainingAccounts) addSpot(index uint16, writable bool) error {
	market, ok := r.data.Market(types.Spot(index))
	if !ok {
		return fmt.Errorf("remaining accounts: %s: %w", types.Spot(index), types.ErrNotFound)
	}
	upsert(r.spot, index, market.Address, writable)
	if !market.Oracle.IsZero() {
		r.addOracle(market.Oracle, false)
	}
	return nil
}

func (r *remainingAccounts) addOracle(oracle solana.PublicKey, writable bool) {
	if meta, ok := r.oracles[oracle]; ok {
		meta.IsWritable = meta.IsWritable || writable
		return
	}
	r.oracles[oracle] = solana.NewAccountMeta(oracle, writable, false)
	r.oracleOrder = append(r.oracleOrder, oracle)
}

func upsert(set map[uint16]*solana.AccountMeta, index uint16, address solana.PublicKey, writable bool) {
	if meta, ok := set[index]; ok {
		meta.IsWritable = meta.IsWritable || writable
		return
	}
	set[index] = solana.NewAccountMeta(address, writable, false)
}

func (r *remainingAccounts) metas() solana.AccountMetaSlice {
	out := make(solana.AccountMetaSlice, 0, len(r.oracles)+len(r.spot)+len(r.perp))
	for _, oracle := range r.oracleOrder {
		out = append(out, r.oracles[oracle])
	}
	out = append(out, sortedMetas(r.spot)...)
	return append(out, sortedMetas(r.perp)...)
}

func sortedMetas(set map[uint16]*solana.AccountMeta) solana.AccountMetaSlice {
	indexes := make([]uint16, 0, len(set))
	for index := range set {
		indexes = append(indexes, index)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	out := make(solana.AccountMetaSlice, 0, len(indexes))
	for _, index := range indexes {
		out = append(out, set[index])
	}
	return out
}
