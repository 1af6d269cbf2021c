package dlob

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/coldbell/dex/drift-sdk/pkg/types"
)

const heartbeatChannel = "heartbeat"

var errEmptyFrame = errors.New("empty frame")

// Level is one aggregated price level. Price uses the program's price
// precision and Size its base precision.
type Level struct {
	Price int64
	Size  int64
}

func (l Level) PriceDecimal() decimal.Decimal { return types.PriceToDecimal(l.Price) }

func (l Level) SizeDecimal() decimal.Decimal { return types.BaseToDecimal(l.Size) }

// L2Book is an aggregated depth snapshot for one market. Bids are sorted best
// first, as are asks.
type L2Book struct {
	Market     types.MarketId
	Slot       uint64
	Bids       []Level
	Asks       []Level
	ReceivedAt time.Time
}

func (b L2Book) BestBid() (Level, bool) {
	if len(b.Bids) == 0 {
		return Level{}, false
	}
	return b.Bids[0], true
}

func (b L2Book) BestAsk() (Level, bool) {
	if len(b.Asks) == 0 {
		return Level{}, false
	}
	return b.Asks[0], true
}

// Spread is zero when either side is empty.
func (b L2Book) Spread() int64 {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return 0
	}
	return ask.Price - bid.Price
}

// number accepts both quoted and bare numerics, as the server sends either.
type number string

func (n *number) UnmarshalJSON(raw []byte) error {
	raw = bytes.Trim(raw, `"`)
	*n = number(raw)
	return nil
}

func (n *number) DecodeMsgpack(dec *msgpack.Decoder) error {
	value, err := dec.DecodeInterface()
	if err != nil {
		return err
	}
	switch v := value.(type) {
	case string:
		*n = number(v)
	case int64:
		*n = number(strconv.FormatInt(v, 10))
	case uint64:
		*n = number(strconv.FormatUint(v, 10))
	case int8, int16, int32, uint8, uint16, uint32:
		*n = number(fmt.Sprint(v))
	case float64:
		*n = number(strconv.FormatFloat(v, 'f', -1, 64))
	case nil:
		*n = ""
	default:
		return fmt.Errorf("unexpected numeric type %T", value)
	}
	return nil
}

func (n number) int64() (int64, error) {
	if n == "" {
		return 0, nil
	}
	value, err := decimal.NewFromString(string(n))
	if err != nil {
		return 0, err
	}
	return value.IntPart(), nil
}

type wireLevel struct {
	Price number `json:"price" msgpack:"price"`
	Size  number `json:"size" msgpack:"size"`
}

type wireBook struct {
	MarketName  string      `json:"marketName" msgpack:"marketName"`
	MarketType  string      `json:"marketType" msgpack:"marketType"`
	MarketIndex uint16      `json:"marketIndex" msgpack:"marketIndex"`
	Slot        uint64      `json:"slot" msgpack:"slot"`
	Bids        []wireLevel `json:"bids" msgpack:"bids"`
	Asks        []wireLevel `json:"asks" msgpack:"asks"`
}

func (w wireBook) toBook(fallback types.MarketId) (L2Book, error) {
	market := fallback
	if w.MarketType != "" {
		kind, err := types.ParseMarketType(w.MarketType)
		if err != nil {
			return L2Book{}, err
		}
		market = types.MarketId{Index: w.MarketIndex, Kind: kind}
	}
	bids, err := convertLevels(w.Bids)
	if err != nil {
		return L2Book{}, fmt.Errorf("bids: %w", err)
	}
	asks, err := convertLevels(w.Asks)
	if err != nil {
		return L2Book{}, fmt.Errorf("asks: %w", err)
	}
	return L2Book{Market: market, Slot: w.Slot, Bids: bids, Asks: asks}, nil
}

func convertLevels(levels []wireLevel) ([]Level, error) {
	out := make([]Level, 0, len(levels))
	for i, level := range levels {
		price, err := level.Price.int64()
		if err != nil {
			return nil, fmt.Errorf("level %d price: %w", i, err)
		}
		size, err := level.Size.int64()
		if err != nil {
			return nil, fmt.Errorf("level %d size: %w", i, err)
		}
		out = append(out, Level{Price: price, Size: size})
	}
	return out, nil
}

type jsonEnvelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type msgpackEnvelope struct {
	Channel string             `msgpack:"channel"`
	Data    msgpack.RawMessage `msgpack:"data"`
	Error   string             `msgpack:"error"`
}

// frame is a decoded websocket message. book is nil for control frames.
type frame struct {
	channel string
	book    *wireBook
}

func decodeJSONFrame(payload []byte) (frame, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return frame{}, errEmptyFrame
	}
	var envelope jsonEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if envelope.Error != "" {
		return frame{}, fmt.Errorf("server error: %s", envelope.Error)
	}
	if envelope.Channel == heartbeatChannel || len(envelope.Data) == 0 {
		return frame{channel: envelope.Channel}, nil
	}
	data := []byte(envelope.Data)
	// the server may wrap the book as a JSON-encoded string
	if data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return frame{}, fmt.Errorf("decode frame data: %w", err)
		}
		data = []byte(inner)
	}
	var book wireBook
	if err := json.Unmarshal(data, &book); err != nil {
		return frame{}, fmt.Errorf("decode book: %w", err)
	}
	return frame{channel: envelope.Channel, book: &book}, nil
}

func decodeMsgpackFrame(payload []byte) (frame, error) {
	if len(payload) == 0 {
		return frame{}, errEmptyFrame
	}
	var envelope msgpackEnvelope
	if err := msgpack.Unmarshal(payload, &envelope); err != nil {
		return frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if envelope.Error != "" {
		return frame{}, fmt.Errorf("server error: %s", envelope.Error)
	}
	if envelope.Channel == heartbeatChannel || len(envelope.Data) == 0 {
		return frame{channel: envelope.Channel}, nil
	}
	var book wireBook
	if err := msgpack.Unmarshal(envelope.Data, &book); err != nil {
		return frame{}, fmt.Errorf("decode book: %w", err)
	}
	return frame{channel: envelope.Channel, book: &book}, nil
}

// channelName is the server's orderbook channel for market.
func channelName(market types.MarketId) string {
	return fmt.Sprintf("orderbook_%s_%d", market.Kind, market.Index)
}
