package logger

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type MetricKind int

const (
	Counter MetricKind = iota
	Gauge
	Latency
)

func (k MetricKind) String() string {
	switch k {
	case Gauge:
		return "gauge"
	case Latency:
		return "latency"
	default:
		return "counter"
	}
}

func (k MetricKind) unit() cwtypes.StandardUnit {
	switch k {
	case Latency:
		return cwtypes.StandardUnitMilliseconds
	case Gauge:
		return cwtypes.StandardUnitNone
	default:
		return cwtypes.StandardUnitCount
	}
}

// Metric is one observation. String values in Dims become CloudWatch
// dimensions; the rest are only logged.
type Metric struct {
	Component string
	Name      string
	Kind      MetricKind
	Value     float64
	Dims      Fields
}

func (m Metric) datum() cwtypes.MetricDatum {
	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(m.Component)}}
	for k, v := range m.Dims {
		if s, ok := v.(string); ok {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}
	return cwtypes.MetricDatum{
		MetricName: aws.String(m.Name),
		Dimensions: dims,
		Unit:       m.Kind.unit(),
		Value:      aws.Float64(m.Value),
	}
}

// Emit logs m at debug level and publishes it.
func (e *Entry) Emit(m Metric) {
	fields := Fields{"metric": m.Name, "value": m.Value, "metric_type": m.Kind.String()}
	for k, v := range m.Dims {
		fields[k] = v
	}
	e.WithComponent(m.Component).WithFields(fields).Debug("metric")
	publishMetrics(context.Background(), []cwtypes.MetricDatum{m.datum()})
}

func (l *Log) Emit(m Metric) {
	l.WithComponent(m.Component).Emit(m)
}

// ObserveLatency emits how long an operation took, in milliseconds.
func ObserveLatency(e *Entry, component, operation string, d time.Duration, dims Fields) {
	if dims == nil {
		dims = Fields{}
	}
	dims["operation"] = operation
	e.Emit(Metric{
		Component: component,
		Name:      "latency_ms",
		Kind:      Latency,
		Value:     float64(d) / float64(time.Millisecond),
		Dims:      dims,
	})
}
