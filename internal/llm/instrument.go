package llm

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/linnemanlabs/mailwarden/internal/llm"

// Metrics holds Prometheus metrics for model calls.
type Metrics struct {
	CallsTotal   *prometheus.CounterVec
	CallDuration *prometheus.HistogramVec
	TokensTotal  *prometheus.CounterVec
}

// NewMetrics registers and returns llm metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailwarden_llm_calls_total",
			Help: "Model calls by provider and status.",
		}, []string{"provider", "status"}),
		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailwarden_llm_call_duration_seconds",
			Help:    "Duration of model calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 0.25s .. ~128s
		}, []string{"provider"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailwarden_llm_tokens_total",
			Help: "Tokens consumed by provider and direction.",
		}, []string{"provider", "direction"}),
	}
	reg.MustRegister(m.CallsTotal, m.CallDuration, m.TokensTotal)
	return m
}

type instrumented struct {
	name    string
	next    Provider
	metrics *Metrics
}

// Instrument wraps p so every call gets an llm.call span and, when metrics
// is non-nil, call and token counters.
func Instrument(name string, p Provider, metrics *Metrics) Provider {
	return &instrumented{name: name, next: p, metrics: metrics}
}

func (i *instrumented) Send(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "llm.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("gen_ai.system", i.name)),
	)
	defer span.End()

	start := time.Now()
	resp, err := i.next.Send(ctx, req)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if i.metrics != nil {
			i.metrics.CallsTotal.WithLabelValues(i.name, "error").Inc()
			i.metrics.CallDuration.WithLabelValues(i.name).Observe(elapsed)
		}
		return nil, err
	}

	span.SetAttributes(
		attribute.String("gen_ai.response.model", resp.Model),
		attribute.String("gen_ai.response.finish_reason", string(resp.StopReason)),
		attribute.Int("gen_ai.usage.input_tokens", resp.Usage.InputTokens),
		attribute.Int("gen_ai.usage.output_tokens", resp.Usage.OutputTokens),
	)
	if i.metrics != nil {
		i.metrics.CallsTotal.WithLabelValues(i.name, "success").Inc()
		i.metrics.CallDuration.WithLabelValues(i.name).Observe(elapsed)
		i.metrics.TokensTotal.WithLabelValues(i.name, "input").Add(float64(resp.Usage.InputTokens))
		i.metrics.TokensTotal.WithLabelValues(i.name, "output").Add(float64(resp.Usage.OutputTokens))
	}
	return resp, nil
}
