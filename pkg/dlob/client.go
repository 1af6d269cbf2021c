package dlob

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/coldbell/dex/drift-sdk/pkg/metrics"
	"github.com/coldbell/dex/drift-sdk/pkg/retry"
	"github.com/coldbell/dex/drift-sdk/pkg/stream"
	"github.com/coldbell/dex/drift-sdk/pkg/types"
)

const (
	defaultHeartbeatTimeout = 15 * time.Second
	defaultDepth            = 20
)

type Config struct {
	// BaseURL is the order-book server's http endpoint, e.g. Context.DLOBURL().
	BaseURL string
	// WSURL defaults to BaseURL with a ws/wss scheme and a /ws path.
	WSURL string
	// HeartbeatTimeout is how long the websocket may stay silent before the
	// session is treated as dead.
	HeartbeatTimeout time.Duration
	// MarketName resolves the name used in subscribe messages, such as "SOL-PERP".
	MarketName  func(types.MarketId) string
	HTTPTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Client reads aggregated order books from the off-chain order-book server.
type Client struct {
	cfg     Config
	http    *resty.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(cfg Config) *Client {
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.WSURL == "" {
		cfg.WSURL = types.WSURL(cfg.BaseURL) + "/ws"
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.HTTPTimeout).
		SetHeader("Accept", "application/json")
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		logger:  logger.With("component", "dlob"),
		metrics: metrics.OrNoop(cfg.Metrics),
	}
}

// GetL2 fetches one depth snapshot over REST.
func (c *Client) GetL2(ctx context.Context, market types.MarketId, depth int) (L2Book, error) {
	if depth <= 0 {
		depth = defaultDepth
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"marketIndex": fmt.Sprint(market.Index),
			"marketType":  market.Kind.String(),
			"depth":       fmt.Sprint(depth),
		}).
		Get("/l2")
	if err != nil {
		return L2Book{}, types.NewTransportError("get l2", err)
	}
	if resp.IsError() {
		err := fmt.Errorf("http %d: %s", resp.StatusCode(), strings.TrimSpace(string(resp.Body())))
		if resp.StatusCode() == 404 {
			return L2Book{}, fmt.Errorf("l2 %s: %w", market, types.ErrNotFound)
		}
		return L2Book{}, types.NewTransportError("get l2", err)
	}
	var wire wireBook
	if err := json.Unmarshal(resp.Body(), &wire); err != nil {
		return L2Book{}, &types.DecodeError{Kind: "l2 " + market.String(), Err: err}
	}
	book, err := wire.toBook(market)
	if err != nil {
		return L2Book{}, &types.DecodeError{Kind: "l2 " + market.String(), Err: err}
	}
	book.ReceivedAt = time.Now()
	return book, nil
}

// PollL2 streams REST snapshots every interval. A failed request ends the
// session and the policy decides whether polling resumes.
func (c *Client) PollL2(ctx context.Context, market types.MarketId, depth int, interval time.Duration, policy retry.Policy) *stream.Stream[L2Book] {
	if interval <= 0 {
		interval = time.Second
	}
	name := "dlob_poll_" + market.String()
	return stream.Start(ctx, name, policy, func(ctx context.Context, sink *stream.Sink[L2Book]) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var lastSlot uint64
		for {
			book, err := c.GetL2(ctx, market, depth)
			switch {
			case err == nil:
				sink.Ready()
				if book.Slot == 0 || book.Slot != lastSlot {
					lastSlot = book.Slot
					if !sink.Send(book) {
						return nil
					}
				}
			case !types.IsRetryable(err):
				if !sink.SendErr(err) {
					return nil
				}
			default:
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}, c.logger, c.metrics)
}
