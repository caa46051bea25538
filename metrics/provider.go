// Package metrics is the instrumentation surface Pool records
// against: a small Provider interface the pool asks for its
// processes/ready/busy/queue_depth gauges, its recycle/crash counters,
// and a call-duration histogram, without committing callers to any
// particular metrics backend.
package metrics

// Provider constructs the instruments a Pool records transitions
// against. Implementations must be safe for concurrent use.
//
// Keep this interface minimal and stable. If a future instrument kind
// is needed, add a separate optional interface rather than expanding
// this surface.
type Provider interface {
	Counter(name string, opts ...InstrumentOption) Counter
	UpDownCounter(name string, opts ...InstrumentOption) UpDownCounter
	Histogram(name string, opts ...InstrumentOption) Histogram
}

// Counter records monotonic counts, such as amppool.recycles and
// amppool.crashes.
// Methods must be safe for concurrent use.
type Counter interface {
	Add(n int64)
}

// UpDownCounter records values that move up or down, such as
// amppool.processes, amppool.ready, amppool.busy, and
// amppool.queue_depth.
// Methods must be safe for concurrent use.
type UpDownCounter interface {
	Add(n int64)
}

// Histogram records a distribution of float64 measurements, such as
// amppool.call_duration_seconds (the wall time from a child's call
// dispatch to its response or failure).
// Methods must be safe for concurrent use.
type Histogram interface {
	Record(v float64)
}

// InstrumentConfig carries optional instrument metadata. It's advisory only.
type InstrumentConfig struct {
	Description string
	Unit        string
	// Attributes are static key-value pairs associated with the instrument itself.
	// Keep cardinality bounded. Implementations may ignore attributes.
	Attributes map[string]string
	// Buckets are explicit upper bounds (in the instrument's own unit)
	// a Histogram implementation that tracks bucket counts should use.
	// A nil slice leaves the choice to the implementation; Pool always
	// supplies DefaultLatencyBuckets for amppool.call_duration_seconds.
	Buckets []float64
}

// InstrumentOption mutates InstrumentConfig.
type InstrumentOption func(*InstrumentConfig)

// WithDescription sets an advisory description for the instrument.
func WithDescription(desc string) InstrumentOption {
	return func(c *InstrumentConfig) { c.Description = desc }
}

// WithUnit sets an advisory unit for the instrument (e.g., "1", "seconds").
func WithUnit(unit string) InstrumentOption {
	return func(c *InstrumentConfig) { c.Unit = unit }
}

// WithAttributes attaches static attributes to the instrument (bounded cardinality only).
func WithAttributes(attrs map[string]string) InstrumentOption {
	return func(c *InstrumentConfig) {
		if len(attrs) == 0 {
			return
		}
		// copy to avoid external mutation
		if c.Attributes == nil {
			c.Attributes = make(map[string]string, len(attrs))
		}
		for k, v := range attrs {
			c.Attributes[k] = v
		}
	}
}

// WithBuckets sets the upper bounds a Histogram implementation should
// track per-bucket counts against. bounds must be sorted ascending;
// implementations that ignore bucketing may disregard this option.
func WithBuckets(bounds []float64) InstrumentOption {
	return func(c *InstrumentConfig) {
		c.Buckets = append([]float64(nil), bounds...)
	}
}

// DefaultLatencyBuckets are the bucket upper bounds (in seconds) Pool
// supplies for amppool.call_duration_seconds: wide enough to separate
// a liveness-probe Echo from a child that parked on real work for
// tens of seconds.
var DefaultLatencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30,
}
