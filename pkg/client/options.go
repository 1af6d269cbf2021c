package client

import (
	"log/slog"

	"github.com/gagliardetto/solana-go/rpc"

	"github.com/coldbell/dex/drift-sdk/pkg/metrics"
	"github.com/coldbell/dex/drift-sdk/pkg/programdata"
)

type options struct {
	rpcClient        RPCClient
	rpcURL           string
	programData      *programdata.ProgramData
	commitment       rpc.CommitmentType
	activeSubAccount uint16
	subAccountIDs    []uint16
	perpMarkets      []uint16
	spotMarkets      []uint16
	computeUnitLimit uint32
	computeUnitPrice uint64
	skipPreflight    bool
	logger           *slog.Logger
	metrics          *metrics.Metrics
}

func defaultOptions() options {
	return options{
		commitment:    rpc.CommitmentConfirmed,
		subAccountIDs: []uint16{0},
	}
}

type Option func(*options)

// WithRPCClient replaces the JSON-RPC client built from the network's endpoint.
func WithRPCClient(client RPCClient) Option {
	return func(o *options) { o.rpcClient = client }
}

func WithRPCURL(url string) Option {
	return func(o *options) { o.rpcURL = url }
}

// WithProgramData skips the market scan, for callers that already hold the
// configuration.
func WithProgramData(data *programdata.ProgramData) Option {
	return func(o *options) { o.programData = data }
}

func WithCommitment(commitment rpc.CommitmentType) Option {
	return func(o *options) { o.commitment = commitment }
}

func WithActiveSubAccount(id uint16) Option {
	return func(o *options) { o.activeSubAccount = id }
}

// WithSubAccounts sets the sub-account ids Subscribe tracks. Defaults to [0].
func WithSubAccounts(ids ...uint16) Option {
	return func(o *options) { o.subAccountIDs = append([]uint16(nil), ids...) }
}

func WithPerpMarkets(indexes ...uint16) Option {
	return func(o *options) { o.perpMarkets = append([]uint16(nil), indexes...) }
}

func WithSpotMarkets(indexes ...uint16) Option {
	return func(o *options) { o.spotMarkets = append([]uint16(nil), indexes...) }
}

func WithComputeUnits(limit uint32, priceMicroLamports uint64) Option {
	return func(o *options) {
		o.computeUnitLimit = limit
		o.computeUnitPrice = priceMicroLamports
	}
}

func WithSkipPreflight(skip bool) Option {
	return func(o *options) { o.skipPreflight = skip }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}
