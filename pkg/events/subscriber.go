package events

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"

	"github.com/coldbell/dex/drift-sdk/pkg/metrics"
	"github.com/coldbell/dex/drift-sdk/pkg/program"
	"github.com/coldbell/dex/drift-sdk/pkg/retry"
	"github.com/coldbell/dex/drift-sdk/pkg/stream"
	"github.com/coldbell/dex/drift-sdk/pkg/types"
)

const defaultDedupeWindow = 1024

// Event is one decoded program event concerning the subscribed sub-account.
// Value is *program.OrderRecord, *program.OrderActionRecord or
// *program.FundingPaymentRecord.
type Event struct {
	Signature solana.Signature
	Slot      uint64
	Index     int
	Value     any
}

func (e Event) Kind() string {
	switch e.Value.(type) {
	case *program.OrderRecord:
		return "order"
	case *program.OrderActionRecord:
		return "order_action"
	case *program.FundingPaymentRecord:
		return "funding_payment"
	default:
		return "unknown"
	}
}

// Notification is one transaction's logs as delivered by logsSubscribe.
type Notification struct {
	Signature solana.Signature
	Slot      uint64
	Err       any
	Logs      []string
}

type LogStream interface {
	Recv(ctx context.Context) (Notification, error)
	Unsubscribe()
}

// LogConn is a websocket connection able to open log subscriptions.
type LogConn interface {
	LogsSubscribeMentions(address solana.PublicKey, commitment rpc.CommitmentType) (LogStream, error)
	Close()
}

type Dialer func(ctx context.Context, endpoint string) (LogConn, error)

// DialSolanaWS connects with the solana-go websocket client.
func DialSolanaWS(ctx context.Context, endpoint string) (LogConn, error) {
	client, err := ws.Connect(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return &solanaLogConn{client: client}, nil
}

type solanaLogConn struct {
	client *ws.Client
}

func (c *solanaLogConn) LogsSubscribeMentions(address solana.PublicKey, commitment rpc.CommitmentType) (LogStream, error) {
	sub, err := c.client.LogsSubscribeMentions(address, commitment)
	if err != nil {
		return nil, err
	}
	return &solanaLogStream{sub: sub}, nil
}

func (c *solanaLogConn) Close() {
	c.client.Close()
}

type solanaLogStream struct {
	sub *ws.LogSubscription
}

func (s *solanaLogStream) Recv(ctx context.Context) (Notification, error) {
	result, err := s.sub.Recv(ctx)
	if err != nil {
		return Notification{}, err
	}
	if result == nil {
		return Notification{}, errors.New("log subscription closed")
	}
	return Notification{
		Signature: result.Value.Signature,
		Slot:      result.Context.Slot,
		Err:       result.Value.Err,
		Logs:      result.Value.Logs,
	}, nil
}

func (s *solanaLogStream) Unsubscribe() {
	s.sub.Unsubscribe()
}

type options struct {
	programID    solana.PublicKey
	commitment   rpc.CommitmentType
	dialer       Dialer
	dedupeWindow int
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

type Option func(*options)

func WithCommitment(commitment rpc.CommitmentType) Option {
	return func(o *options) { o.commitment = commitment }
}

func WithDialer(dialer Dialer) Option {
	return func(o *options) { o.dialer = dialer }
}

// WithDedupeWindow sets how many recent signatures are remembered to drop
// transactions redelivered after a reconnect.
func WithDedupeWindow(size int) Option {
	return func(o *options) { o.dedupeWindow = size }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// Subscribe streams the program events that concern subAccount. Failed
// transactions are skipped. Transactions landing while reconnecting are not
// replayed, so gaps across reconnects are possible.
func Subscribe(ctx context.Context, wsURL string, subAccount, programID solana.PublicKey, policy retry.Policy, opts ...Option) *stream.Stream[Event] {
	o := options{
		programID:    programID,
		commitment:   rpc.CommitmentConfirmed,
		dialer:       DialSolanaWS,
		dedupeWindow: defaultDedupeWindow,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	o.metrics = metrics.OrNoop(o.metrics)

	sub := &subscriber{
		endpoint:   wsURL,
		subAccount: subAccount,
		opts:       o,
		seen:       newSignatureRing(o.dedupeWindow),
		logger:     o.logger.With("component", "events", "sub_account", subAccount.String()),
	}
	return stream.Start(ctx, "events_"+subAccount.String(), policy, sub.session, o.logger, o.metrics)
}

type subscriber struct {
	endpoint   string
	subAccount solana.PublicKey
	opts       options
	seen       *signatureRing
	logger     *slog.Logger
}

func (s *subscriber) session(ctx context.Context, sink *stream.Sink[Event]) error {
	conn, err := s.opts.dialer(ctx, s.endpoint)
	if err != nil {
		return types.NewTransportError("dial logs websocket", err)
	}
	defer conn.Close()

	logs, err := conn.LogsSubscribeMentions(s.subAccount, s.opts.commitment)
	if err != nil {
		return types.NewTransportError("logsSubscribe", err)
	}
	defer logs.Unsubscribe()
	sink.Ready()

	for {
		notification, err := logs.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return types.NewTransportError("receive logs", err)
		}
		if notification.Err != nil {
			continue
		}
		if !s.seen.add(notification.Signature) {
			continue
		}
		if !s.deliver(notification, sink) {
			return nil
		}
	}
}

func (s *subscriber) deliver(notification Notification, sink *stream.Sink[Event]) bool {
	payloads, errs := ParseLogs(s.opts.programID, notification.Logs)
	for _, err := range errs {
		if !sink.SendErr(&types.DecodeError{Kind: "event in " + notification.Signature.String(), Err: err}) {
			return false
		}
	}
	for _, payload := range payloads {
		value, err := program.DecodeEvent(payload.Data)
		if errors.Is(err, program.ErrUnknownEvent) {
			continue
		}
		if err != nil {
			s.logger.Warn("undecodable event", "signature", notification.Signature.String(), "index", payload.Index, "err", err)
			if !sink.SendErr(&types.DecodeError{Kind: "event in " + notification.Signature.String(), Err: err}) {
				return false
			}
			continue
		}
		if !Concerns(value, s.subAccount) {
			continue
		}
		event := Event{
			Signature: notification.Signature,
			Slot:      notification.Slot,
			Index:     payload.Index,
			Value:     value,
		}
		if !sink.Send(event) {
			return false
		}
		s.opts.metrics.EventsRecorded.Inc()
	}
	return true
}

// Concerns reports whether a decoded event belongs to subAccount.
func Concerns(event any, subAccount solana.PublicKey) bool {
	switch e := event.(type) {
	case *program.OrderRecord:
		return e.User.Equals(subAccount)
	case *program.OrderActionRecord:
		return e.Involves(subAccount)
	case *program.FundingPaymentRecord:
		return e.User.Equals(subAccount)
	default:
		return false
	}
}

// signatureRing remembers the last n signatures. It is only used from the
// stream worker, so it needs no locking.
type signatureRing struct {
	set  map[solana.Signature]struct{}
	ring []solana.Signature
	next int
}

func newSignatureRing(size int) *signatureRing {
	if size <= 0 {
		size = defaultDedupeWindow
	}
	return &signatureRing{
		set:  make(map[solana.Signature]struct{}, size),
		ring: make([]solana.Signature, 0, size),
	}
}

// add returns false when sig was already seen.
func (r *signatureRing) add(sig solana.Signature) bool {
	if _, ok := r.set[sig]; ok {
		return false
	}
	if len(r.ring) < cap(r.ring) {
		r.ring = append(r.ring, sig)
	} else {
		delete(r.set, r.ring[r.next])
		r.ring[r.next] = sig
		r.next = (r.next + 1) % len(r.ring)
	}
	r.set[sig] = struct{}{}
	return true
}
