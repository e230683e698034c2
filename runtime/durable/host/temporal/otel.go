package temporal

import (
	"fmt"

	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
)

// OTELOptions configures the OpenTelemetry interceptors of the client and
// the workers. Tracing and metrics are both on unless disabled.
type OTELOptions struct {
	NoTracing bool
	NoMetrics bool
	Tracer    temporalotel.TracerOptions
	Metrics   temporalotel.MetricsHandlerOptions
}

// otelHooks holds the interceptors derived from OTELOptions. A nil tracer or
// metrics handler means the corresponding signal is disabled.
type otelHooks struct {
	tracer  interceptor.Interceptor
	metrics client.MetricsHandler
}

func newOTELHooks(opts OTELOptions) (otelHooks, error) {
	var h otelHooks
	if !opts.NoTracing {
		t, err := temporalotel.NewTracingInterceptor(opts.Tracer)
		if err != nil {
			return otelHooks{}, fmt.Errorf("temporal engine: tracing interceptor: %w", err)
		}
		h.tracer = t
	}
	if !opts.NoMetrics {
		h.metrics = temporalotel.NewMetricsHandler(opts.Metrics)
	}
	return h, nil
}

// client returns a copy of opts with the interceptors installed. An explicit
// metrics handler in opts wins.
func (h otelHooks) client(opts client.Options) client.Options {
	if h.tracer != nil {
		opts.Interceptors = append(append([]interceptor.ClientInterceptor(nil), opts.Interceptors...), h.tracer)
	}
	if opts.MetricsHandler == nil && h.metrics != nil {
		opts.MetricsHandler = h.metrics
	}
	return opts
}

// worker returns a copy of opts with the tracing interceptor installed.
func (h otelHooks) worker(opts worker.Options) worker.Options {
	if h.tracer != nil {
		opts.Interceptors = append(append([]interceptor.WorkerInterceptor(nil), opts.Interceptors...), h.tracer)
	}
	return opts
}
