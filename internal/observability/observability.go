// Package observability wires Prometheus metrics and OpenTelemetry
// tracing for the HTTP surface and the command/ingest pipelines.
package observability

import (
	"context"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridnest_requests_total",
			Help: "Total HTTP requests by endpoint and method.",
		},
		[]string{"endpoint", "method"},
	)
	CommandsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridnest_commands_submitted_total",
			Help: "Commands submitted by plane.",
		},
		[]string{"plane"},
	)
	CommandsResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridnest_commands_resolved_total",
			Help: "Command terminal transitions by status.",
		},
		[]string{"status"},
	)
	MessagesIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridnest_mqtt_messages_total",
			Help: "Inbound MQTT messages by channel.",
		},
		[]string{"channel"},
	)
	RealtimeClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridnest_realtime_clients",
			Help: "Connected WebSocket/SSE clients.",
		},
	)
)

func init() {
	prometheus.MustRegister(RequestCounter, CommandsSubmitted, CommandsResolved, MessagesIngested, RealtimeClients)
}

func Setup() (shutdown func(), promHandler http.Handler, tracer oteltrace.Tracer) {
	promExporter, err := otelprom.New()
	if err != nil {
		log.Fatalf("failed to create prometheus exporter: %v", err)
	}
	meterProvider := otelmetric.NewMeterProvider(otelmetric.WithReader(promExporter))
	otel.SetMeterProvider(meterProvider)

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName("gridnest"),
		),
	)
	if err != nil {
		log.Fatalf("failed to create otel resource: %v", err)
	}

	tp := trace.NewTracerProvider(trace.WithResource(res))
	otel.SetTracerProvider(tp)

	shutdown = func() {
		_ = tp.Shutdown(context.Background())
	}
	promHandler = promhttp.Handler()
	tracer = otel.Tracer("gridnest")
	return shutdown, promHandler, tracer
}

// Middleware counts requests per endpoint and opens a span per request.
func Middleware(tracer oteltrace.Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			endpoint := r.URL.Path
			method := r.Method
			RequestCounter.WithLabelValues(endpoint, method).Inc()

			rw := &statusRecorder{ResponseWriter: w, status: 200}
			ctx, span := tracer.Start(r.Context(), method+" "+endpoint)
			span.SetAttributes(
				semconv.HTTPMethod(method),
				semconv.HTTPTarget(endpoint),
			)
			next.ServeHTTP(rw, r.WithContext(ctx))
			span.SetAttributes(semconv.HTTPStatusCode(rw.status))
			span.End()
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
