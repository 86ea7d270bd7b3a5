package model

// MetricType is the instrument family of a MetricPoint.
type MetricType string

const (
	MetricCounter   MetricType = "counter"
	MetricHistogram MetricType = "histogram"
	MetricGauge     MetricType = "gauge"
)

// HistogramData is an explicit-bucket histogram aggregate.
// len(BucketCounts) == len(Bounds)+1.
type HistogramData struct {
	Count        uint64    `json:"count"`
	Sum          float64   `json:"sum"`
	Bounds       []float64 `json:"bounds"`
	BucketCounts []uint64  `json:"bucket_counts"`
	Min          *float64  `json:"min,omitempty"`
	Max          *float64  `json:"max,omitempty"`
}

// MetricPoint is one aggregated measurement. It has no parent/child relation
// to spans.
type MetricPoint struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Type        MetricType     `json:"type"`
	Unit        string         `json:"unit,omitempty"`
	StartTime   int64          `json:"start_timestamp,omitempty"`
	Time        int64          `json:"timestamp"`
	Value       float64        `json:"value"`
	IsMonotonic bool           `json:"is_monotonic,omitempty"`
	Histogram   *HistogramData `json:"histogram,omitempty"`
	Attributes  Attributes     `json:"attributes,omitempty"`
}

// Batch is the unit handed to sinks. Intra-batch order is creation order for
// the pending stream and close order for the final stream.
type Batch struct {
	Spans   []SpanRecord  `json:"spans,omitempty"`
	Metrics []MetricPoint `json:"metrics,omitempty"`
	// Pending marks a best-effort batch of in-flight placeholders.
	Pending bool `json:"pending,omitempty"`
}

// Len returns the number of records in the batch.
func (b Batch) Len() int { return len(b.Spans) + len(b.Metrics) }

// Split halves the batch, keeping order. The second half is empty when the
// batch holds a single record.
func (b Batch) Split() (Batch, Batch) {
	n := b.Len()
	half := n / 2
	if half == 0 {
		return b, Batch{Pending: b.Pending}
	}
	first := Batch{Pending: b.Pending}
	second := Batch{Pending: b.Pending}
	if half <= len(b.Spans) {
		first.Spans = b.Spans[:half]
		second.Spans = b.Spans[half:]
		second.Metrics = b.Metrics
		return first, second
	}
	first.Spans = b.Spans
	m := half - len(b.Spans)
	first.Metrics = b.Metrics[:m]
	second.Metrics = b.Metrics[m:]
	return first, second
}
