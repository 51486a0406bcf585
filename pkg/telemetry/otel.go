// Package telemetry installs the OTel trace, metric and log providers and
// holds the ledger's instruments
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Options selects the pipelines Setup installs
type Options struct {
	ServiceName string
	// DisableMetrics skips the Prometheus reader; instruments still record
	// into an unread provider
	DisableMetrics bool
	TraceStdout    bool
	LogStdout      bool
}

// Telemetry owns the installed providers
type Telemetry struct {
	shutdowns []func(context.Context) error
}

// Setup installs global providers and initialises the instruments of
// GetGlobalMetrics
func Setup(opts Options) (*Telemetry, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = "position_ledger"
	}
	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceNameKey.String(opts.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	t := &Telemetry{}

	tp, err := newTracerProvider(res, opts.TraceStdout)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	t.shutdowns = append(t.shutdowns, tp.Shutdown)

	mp, err := newMeterProvider(res, !opts.DisableMetrics)
	if err != nil {
		return nil, t.abort(err)
	}
	otel.SetMeterProvider(mp)
	t.shutdowns = append(t.shutdowns, mp.Shutdown)

	if err := GetGlobalMetrics().InitMetrics(mp.Meter(opts.ServiceName)); err != nil {
		return nil, t.abort(fmt.Errorf("failed to init metrics: %w", err))
	}

	lp, err := newLoggerProvider(res, opts.LogStdout)
	if err != nil {
		return nil, t.abort(err)
	}
	global.SetLoggerProvider(lp)
	t.shutdowns = append(t.shutdowns, lp.Shutdown)

	return t, nil
}

func newTracerProvider(res *resource.Resource, stdout bool) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if stdout {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

func newMeterProvider(res *resource.Resource, prom bool) (*sdkmetric.MeterProvider, error) {
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if prom {
		exp, err := prometheus.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(exp))
	}
	return sdkmetric.NewMeterProvider(opts...), nil
}

func newLoggerProvider(res *resource.Resource, stdout bool) (*sdklog.LoggerProvider, error) {
	opts := []sdklog.LoggerProviderOption{sdklog.WithResource(res)}
	if stdout {
		exp, err := stdoutlog.New(stdoutlog.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create log exporter: %w", err)
		}
		opts = append(opts, sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)))
	}
	return sdklog.NewLoggerProvider(opts...), nil
}

func (t *Telemetry) abort(err error) error {
	_ = t.Shutdown(context.Background())
	return err
}

// Shutdown flushes and stops the providers in reverse order of installation
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(t.shutdowns) - 1; i >= 0; i-- {
		if err := t.shutdowns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	t.shutdowns = nil
	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown: %w", errors.Join(errs...))
	}
	return nil
}

// GetMeter returns a meter from the global provider
func GetMeter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// GetTracer returns a tracer from the global provider
func GetTracer(name string) trace.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}
