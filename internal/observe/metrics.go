// Package observe provides application-wide observability primitives for
// VoxPersona: OpenTelemetry metrics and the Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all VoxPersona metrics.
const meterName = "github.com/voxpersona/voxpersona"

// Metrics holds all OpenTelemetry metric instruments for the analysis core.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// LLMDuration tracks single LLM call latency including gateway retries.
	// Attributes: credential, status.
	LLMDuration metric.Float64Histogram

	// ASRDuration tracks per-window transcription latency.
	ASRDuration metric.Float64Histogram

	// ChainDuration tracks whole prompt-chain latency. Attributes: stages.
	ChainDuration metric.Float64Histogram

	// RAGQueryDuration tracks similarity query latency. Attributes: scope.
	RAGQueryDuration metric.Float64Histogram

	// PoolWaitDuration tracks how long Acquire blocked before a credential
	// became feasible. Attributes: credential.
	PoolWaitDuration metric.Float64Histogram

	// --- Counters ---

	// LLMRequests counts gateway calls. Attributes: credential, status.
	LLMRequests metric.Int64Counter

	// LLMRetries counts transient-error retries inside the gateway.
	LLMRetries metric.Int64Counter

	// ReportsProduced counts successfully persisted audits. Attributes:
	// scenario, report_type.
	ReportsProduced metric.Int64Counter

	// DialogAnswers counts answered dialog queries. Attributes: scope, mode.
	DialogAnswers metric.Int64Counter

	// SnapshotFailures counts RAG snapshot saves that were logged and skipped.
	SnapshotFailures metric.Int64Counter

	// --- Gauges ---

	// FanoutInFlight tracks in-flight deep-search per-chunk calls.
	FanoutInFlight metric.Int64UpDownCounter

	// LoadedIndices tracks the number of RAG scopes currently serving.
	LoadedIndices metric.Int64UpDownCounter
}

// NewMetrics creates all instruments on the supplied provider. A nil provider
// uses the global OTel meter provider.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	m := &Metrics{}
	var err error

	if m.LLMDuration, err = meter.Float64Histogram("voxpersona.llm.duration",
		metric.WithDescription("LLM call latency including retries"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.ASRDuration, err = meter.Float64Histogram("voxpersona.asr.duration",
		metric.WithDescription("Per-window ASR latency"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.ChainDuration, err = meter.Float64Histogram("voxpersona.chain.duration",
		metric.WithDescription("Whole prompt-chain latency"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.RAGQueryDuration, err = meter.Float64Histogram("voxpersona.rag.query.duration",
		metric.WithDescription("RAG similarity query latency"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.PoolWaitDuration, err = meter.Float64Histogram("voxpersona.pool.wait.duration",
		metric.WithDescription("Time spent waiting for a credential permit"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.LLMRequests, err = meter.Int64Counter("voxpersona.llm.requests",
		metric.WithDescription("LLM gateway calls")); err != nil {
		return nil, err
	}
	if m.LLMRetries, err = meter.Int64Counter("voxpersona.llm.retries",
		metric.WithDescription("Transient-error retries inside the gateway")); err != nil {
		return nil, err
	}
	if m.ReportsProduced, err = meter.Int64Counter("voxpersona.reports.produced",
		metric.WithDescription("Successfully persisted audit reports")); err != nil {
		return nil, err
	}
	if m.DialogAnswers, err = meter.Int64Counter("voxpersona.dialog.answers",
		metric.WithDescription("Answered dialog queries")); err != nil {
		return nil, err
	}
	if m.SnapshotFailures, err = meter.Int64Counter("voxpersona.rag.snapshot.failures",
		metric.WithDescription("RAG snapshot saves that failed and were skipped")); err != nil {
		return nil, err
	}
	if m.FanoutInFlight, err = meter.Int64UpDownCounter("voxpersona.dialog.fanout.inflight",
		metric.WithDescription("In-flight deep-search per-chunk calls")); err != nil {
		return nil, err
	}
	if m.LoadedIndices, err = meter.Int64UpDownCounter("voxpersona.rag.indices.loaded",
		metric.WithDescription("RAG scopes currently serving")); err != nil {
		return nil, err
	}

	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the shared Metrics instance built on the global
// meter provider. Instrument creation errors are impossible with valid names,
// so they panic here rather than being threaded through every caller.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(nil)
		if err != nil {
			panic("observe: default metrics: " + err.Error())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}
