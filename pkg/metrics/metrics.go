package metrics

type Counter interface {
	Inc()
}

// CounterVec is a counter partitioned by one label, such as a stream name.
type CounterVec interface {
	With(label string) Counter
}

type Metrics struct {
	CacheUpdatesApplied   Counter
	CacheUpdatesDiscarded Counter
	CacheDecodeFailures   Counter
	CacheStale            Counter
	StreamMessages        CounterVec
	StreamReconnects      CounterVec
	StreamTerminations    CounterVec
	EventsRecorded        Counter
	TxSent                Counter
	TxFailed              Counter
	TxSimulationFailed    Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func (noopCounter) With(string) Counter { return noopCounter{} }

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		CacheUpdatesApplied:   n,
		CacheUpdatesDiscarded: n,
		CacheDecodeFailures:   n,
		CacheStale:            n,
		StreamMessages:        n,
		StreamReconnects:      n,
		StreamTerminations:    n,
		EventsRecorded:        n,
		TxSent:                n,
		TxFailed:              n,
		TxSimulationFailed:    n,
	}
}

// OrNoop lets components accept a nil *Metrics.
func OrNoop(m *Metrics) *Metrics {
	if m == nil {
		return NewNoop()
	}
	return m
}
