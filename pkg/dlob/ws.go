package dlob

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coldbell/dex/drift-sdk/pkg/retry"
	"github.com/coldbell/dex/drift-sdk/pkg/stream"
	"github.com/coldbell/dex/drift-sdk/pkg/types"
)

const (
	websocketReadLimitBytes = 16 << 20
	websocketWriteTimeout   = 5 * time.Second
)

type subscribeMessage struct {
	Type        string `json:"type"`
	Channel     string `json:"channel"`
	MarketType  string `json:"marketType"`
	MarketIndex uint16 `json:"marketIndex"`
	Market      string `json:"market,omitempty"`
}

// SubscribeL2 streams order-book snapshots for market over the websocket.
// Books published while reconnecting are not replayed.
func (c *Client) SubscribeL2(ctx context.Context, market types.MarketId, policy retry.Policy) *stream.Stream[L2Book] {
	name := "dlob_" + market.String()
	return stream.Start(ctx, name, policy, func(ctx context.Context, sink *stream.Sink[L2Book]) error {
		return c.runL2Session(ctx, market, sink)
	}, c.logger, c.metrics)
}

func (c *Client) runL2Session(ctx context.Context, market types.MarketId, sink *stream.Sink[L2Book]) error {
	conn, _, err := dialWebsocket(ctx, c.cfg.WSURL)
	if err != nil {
		return types.NewTransportError("dial order book", err)
	}
	defer conn.Close()
	stopClose := closeConnOnContextDone(ctx, conn)
	defer stopClose()

	request := subscribeMessage{
		Type:        "subscribe",
		Channel:     "orderbook",
		MarketType:  market.Kind.String(),
		MarketIndex: market.Index,
	}
	if c.cfg.MarketName != nil {
		request.Market = c.cfg.MarketName(market)
	}
	if err := writeWebsocketJSON(conn, request); err != nil {
		return types.NewTransportError("subscribe order book", err)
	}

	want := channelName(market)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout)); err != nil {
			return types.NewTransportError("set read deadline", err)
		}
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return types.NewTransportError("read order book", err)
		}

		var decoded frame
		switch messageType {
		case websocket.BinaryMessage:
			decoded, err = decodeMsgpackFrame(payload)
		default:
			decoded, err = decodeJSONFrame(payload)
		}
		if err != nil {
			if !sink.SendErr(&types.DecodeError{Kind: "order book frame", Err: err}) {
				return nil
			}
			continue
		}
		// the subscribe write can succeed against a server that then drops us
		sink.Ready()
		if decoded.book == nil || (decoded.channel != "" && decoded.channel != want) {
			continue
		}
		book, err := decoded.book.toBook(market)
		if err != nil {
			if !sink.SendErr(&types.DecodeError{Kind: "order book", Err: err}) {
				return nil
			}
			continue
		}
		if book.Market != market {
			continue
		}
		book.ReceivedAt = time.Now()
		if !sink.Send(book) {
			return nil
		}
	}
}

func dialWebsocket(ctx context.Context, endpoint string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		HandshakeTimeout:  10 * time.Second,
		EnableCompression: true,
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, resp, err
	}
	conn.SetReadLimit(websocketReadLimitBytes)
	return conn, resp, nil
}

func writeWebsocketJSON(conn *websocket.Conn, value any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(websocketWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(value)
}

func closeConnOnContextDone(ctx context.Context, conn *websocket.Conn) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	return func() {
		close(done)
	}
}
