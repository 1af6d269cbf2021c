package types

import (
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
)

type MarketType uint8

const (
	MarketTypeSpot MarketType = iota
	MarketTypePerp
)

func (t MarketType) String() string {
	switch t {
	case MarketTypeSpot:
		return "spot"
	case MarketTypePerp:
		return "perp"
	default:
		return fmt.Sprintf("market_type(%d)", uint8(t))
	}
}

func ParseMarketType(raw string) (MarketType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "spot":
		return MarketTypeSpot, nil
	case "perp":
		return MarketTypePerp, nil
	default:
		return 0, fmt.Errorf("invalid market type %q (expected spot|perp)", raw)
	}
}

// MarketId identifies a market by kind and index. It is comparable and used as a map key.
type MarketId struct {
	Index uint16
	Kind  MarketType
}

func Perp(index uint16) MarketId {
	return MarketId{Index: index, Kind: MarketTypePerp}
}

func Spot(index uint16) MarketId {
	return MarketId{Index: index, Kind: MarketTypeSpot}
}

// QuoteSpot is the collateral market every perp settles against.
var QuoteSpot = Spot(0)

func (m MarketId) IsPerp() bool { return m.Kind == MarketTypePerp }

func (m MarketId) IsSpot() bool { return m.Kind == MarketTypeSpot }

func (m MarketId) String() string {
	return fmt.Sprintf("%s-%d", m.Kind, m.Index)
}

// ParseMarketId accepts "perp-0" / "spot:1" style identifiers.
func ParseMarketId(raw string) (MarketId, error) {
	trimmed := strings.TrimSpace(raw)
	sep := strings.IndexAny(trimmed, "-:")
	if sep <= 0 || sep == len(trimmed)-1 {
		return MarketId{}, fmt.Errorf("invalid market id %q, expected <spot|perp>-<index>", raw)
	}
	kind, err := ParseMarketType(trimmed[:sep])
	if err != nil {
		return MarketId{}, err
	}
	var index uint16
	if _, err := fmt.Sscanf(trimmed[sep+1:], "%d", &index); err != nil {
		return MarketId{}, fmt.Errorf("invalid market index in %q: %w", raw, err)
	}
	return MarketId{Index: index, Kind: kind}, nil
}

// Context selects the deployment the client talks to.
type Context uint8

const (
	DevNet Context = iota
	MainNet
)

var ProgramID = solana.MustPublicKeyFromBase58("dRiftyHA39MWEi3m9aunc5MzRF1JYuBsbn6VPcn33UH")

func (c Context) String() string {
	if c == MainNet {
		return "mainnet"
	}
	return "devnet"
}

func (c Context) RPCURL() string {
	if c == MainNet {
		return "https://api.mainnet-beta.solana.com"
	}
	return "https://api.devnet.solana.com"
}

func (c Context) DLOBURL() string {
	if c == MainNet {
		return "https://dlob.drift.trade"
	}
	return "https://master.dlob.drift.trade"
}

func (c Context) ProgramID() solana.PublicKey {
	return ProgramID
}

func ParseContext(raw string) (Context, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "devnet", "dev":
		return DevNet, nil
	case "mainnet", "mainnet-beta", "main":
		return MainNet, nil
	default:
		return DevNet, fmt.Errorf("invalid context %q (expected devnet|mainnet)", raw)
	}
}

// WSURL derives the websocket endpoint paired with an http RPC endpoint.
func WSURL(rpcURL string) string {
	switch {
	case strings.HasPrefix(rpcURL, "https://"):
		return "wss://" + strings.TrimPrefix(rpcURL, "https://")
	case strings.HasPrefix(rpcURL, "http://"):
		return "ws://" + strings.TrimPrefix(rpcURL, "http://")
	default:
		return rpcURL
	}
}
