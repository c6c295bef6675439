package observability

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.uber.org/zap"
)

type Metrics struct {
	ActiveSubscribers prometheus.Gauge
	GamesInProgress   prometheus.Gauge
	PhaseTransitions  *prometheus.CounterVec
	LLMStreamLatency  *prometheus.HistogramVec
	LLMStreamErrors   *prometheus.CounterVec
	PromptTimeouts    *prometheus.CounterVec
	AITakeovers       *prometheus.CounterVec
	SubmitRejects     *prometheus.CounterVec
	AuditAppends      prometheus.Counter
	BusDroppedSubs    prometheus.Counter
	ResyncEntries     prometheus.Counter
}

func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer.(*prometheus.Registry)
	}
	return &Metrics{
		ActiveSubscribers: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "ws_active_subscribers",
			Help: "Number of active websocket subscribers",
		}),
		GamesInProgress: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "games_in_progress",
			Help: "Number of games currently being run",
		}),
		PhaseTransitions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "phase_transitions_total",
			Help: "Phase transitions by target phase",
		}, []string{"phase"}),
		LLMStreamLatency: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llm_stream_latency_ms",
			Help:    "Latency from stream start to completion",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"purpose"}),
		LLMStreamErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "llm_stream_errors_total",
			Help: "LLM stream failures by kind",
		}, []string{"kind"}),
		PromptTimeouts: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "prompt_timeouts_total",
			Help: "Human prompts that expired by action kind",
		}, []string{"action"}),
		AITakeovers: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "ai_takeovers_total",
			Help: "AI substitutions after a missed deadline by action kind",
		}, []string{"action"}),
		SubmitRejects: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "submit_reject_total",
			Help: "Rejected client submissions",
		}, []string{"reason"}),
		AuditAppends: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "audit_appends_total",
			Help: "Entries appended to the audit log",
		}),
		BusDroppedSubs: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "bus_dropped_subscribers_total",
			Help: "Subscribers dropped for falling behind",
		}),
		ResyncEntries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "resync_entries_total",
			Help: "Audit entries replayed to reconnecting clients",
		}),
	}
}

func SetupTracerProvider(ctx context.Context, serviceName string, stdout bool, logger *zap.Logger) (*sdktrace.TracerProvider, error) {
	var exporter *stdouttrace.Exporter
	var err error
	if stdout {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
	}

	rs := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(rs),
	)
	if exporter != nil {
		tp.RegisterSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter))
	}
	otel.SetTracerProvider(tp)
	logger.Info("tracer initialized")
	return tp, nil
}

func SetupLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	return cfg.Build()
}

// ZapToSlog wraps a zap.Logger as slog.Logger.
func ZapToSlog(logger *zap.Logger) *slog.Logger {
	return slog.New(slogHandler{logger.Sugar()})
}

type slogHandler struct {
	sugar *zap.SugaredLogger
}

func (h slogHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h slogHandler) Handle(ctx context.Context, r slog.Record) error {
	args := make([]interface{}, 0, r.NumAttrs()*2)
	r.Attrs(func(a slog.Attr) bool {
		args = append(args, a.Key, a.Value.Any())
		return true
	})
	switch r.Level {
	case slog.LevelDebug:
		h.sugar.Debugw(r.Message, args...)
	case slog.LevelInfo:
		h.sugar.Infow(r.Message, args...)
	case slog.LevelWarn:
		h.sugar.Warnw(r.Message, args...)
	case slog.LevelError:
		h.sugar.Errorw(r.Message, args...)
	}
	return nil
}

func (h slogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	args := make([]interface{}, 0, len(attrs)*2)
	for _, a := range attrs {
		args = append(args, a.Key, a.Value.Any())
	}
	return slogHandler{h.sugar.With(args...)}
}

func (h slogHandler) WithGroup(name string) slog.Handler {
	return h
}
