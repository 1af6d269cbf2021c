package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "drift_sdk"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promCounterVec struct {
	vec *prometheus.CounterVec
}

func (p promCounterVec) With(label string) Counter {
	return promCounter{p.vec.WithLabelValues(label)}
}

type Prometheus struct {
	Metrics *Metrics

	registry       *prometheus.Registry
	cacheApplied   prometheus.Counter
	cacheDiscarded prometheus.Counter
	cacheDecode    prometheus.Counter
	cacheStale     prometheus.Counter
	streamMessages *prometheus.CounterVec
	streamRetries  *prometheus.CounterVec
	streamEnded    *prometheus.CounterVec
	eventsRecorded prometheus.Counter
	txSent         prometheus.Counter
	txFailed       prometheus.Counter
	txSimFailed    prometheus.Counter
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: promNamespace, Name: name, Help: help})
	}
	byStream := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: promNamespace, Name: name, Help: help}, []string{"stream"})
	}

	p := &Prometheus{
		registry:       registry,
		cacheApplied:   counter("cache_updates_applied_total", "Account updates merged into the cache."),
		cacheDiscarded: counter("cache_updates_discarded_total", "Account updates dropped because their slot was not newer."),
		cacheDecode:    counter("cache_decode_failures_total", "Account updates that failed to decode."),
		cacheStale:     counter("cache_stale_total", "Cache entries marked stale after their subscription ended."),
		streamMessages: byStream("stream_messages_total", "Items delivered by a stream."),
		streamRetries:  byStream("stream_reconnects_total", "Stream reconnect attempts."),
		streamEnded:    byStream("stream_terminations_total", "Streams that gave up after their retry policy."),
		eventsRecorded: counter("events_recorded_total", "Program events written to storage."),
		txSent:         counter("tx_sent_total", "Transactions accepted by the RPC node."),
		txFailed:       counter("tx_failed_total", "Transactions rejected at submission."),
		txSimFailed:    counter("tx_simulation_failed_total", "Transactions rejected by simulation."),
	}
	registry.MustRegister(
		p.cacheApplied, p.cacheDiscarded, p.cacheDecode, p.cacheStale,
		p.streamMessages, p.streamRetries, p.streamEnded,
		p.eventsRecorded, p.txSent, p.txFailed, p.txSimFailed,
	)

	p.Metrics = &Metrics{
		CacheUpdatesApplied:   promCounter{p.cacheApplied},
		CacheUpdatesDiscarded: promCounter{p.cacheDiscarded},
		CacheDecodeFailures:   promCounter{p.cacheDecode},
		CacheStale:            promCounter{p.cacheStale},
		StreamMessages:        promCounterVec{p.streamMessages},
		StreamReconnects:      promCounterVec{p.streamRetries},
		StreamTerminations:    promCounterVec{p.streamEnded},
		EventsRecorded:        promCounter{p.eventsRecorded},
		TxSent:                promCounter{p.txSent},
		TxFailed:              promCounter{p.txFailed},
		TxSimulationFailed:    promCounter{p.txSimFailed},
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
