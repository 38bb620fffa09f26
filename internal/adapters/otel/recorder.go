package otel

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/emiliopalmerini/mbandit/internal/domain"
)

const (
	serviceName    = "mbandit"
	serviceVersion = "1.0.0"
)

// Recorder records engine metrics through an OTel meter provider backed by
// either a Prometheus reader or an OTLP exporter.
type Recorder struct {
	provider *sdkmetric.MeterProvider
	registry *prometheus.Registry

	draws         metric.Int64Counter
	updates       metric.Int64Counter
	updateLatency metric.Float64Histogram
	conflicts     metric.Int64Counter
	autoFailed    metric.Int64Counter
	notifications metric.Int64Counter
}

// NewRecorder builds a recorder for cfg.Exporter ("prometheus" or "otlp").
func NewRecorder(ctx context.Context, cfg Config) (*Recorder, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	r := &Recorder{}
	var reader sdkmetric.Reader
	switch cfg.Exporter {
	case ExporterPrometheus, "":
		r.registry = prometheus.NewRegistry()
		exp, err := otelprom.New(otelprom.WithRegisterer(r.registry))
		if err != nil {
			return nil, fmt.Errorf("creating prometheus exporter: %w", err)
		}
		reader = exp
	case ExporterOTLP:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("OTLP exporter requires an endpoint")
		}
		opts := []otlpmetricgrpc.Option{
			otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		exp, err := otlpmetricgrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("creating OTLP exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exp)
	default:
		return nil, fmt.Errorf("unknown metrics exporter %q", cfg.Exporter)
	}

	r.provider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(r.provider)

	if err := r.instruments(r.provider.Meter(serviceName)); err != nil {
		_ = r.provider.Shutdown(ctx)
		return nil, err
	}
	return r, nil
}

func (r *Recorder) instruments(meter metric.Meter) error {
	var err error
	if r.draws, err = meter.Int64Counter(
		"mbandit_draws_total",
		metric.WithDescription("Arms drawn"),
		metric.WithUnit("{draw}"),
	); err != nil {
		return fmt.Errorf("creating draws counter: %w", err)
	}
	if r.updates, err = meter.Int64Counter(
		"mbandit_updates_total",
		metric.WithDescription("Posterior updates applied"),
		metric.WithUnit("{update}"),
	); err != nil {
		return fmt.Errorf("creating updates counter: %w", err)
	}
	if r.updateLatency, err = meter.Float64Histogram(
		"mbandit_update_duration_seconds",
		metric.WithDescription("Time spent computing and storing a posterior update"),
		metric.WithUnit("s"),
	); err != nil {
		return fmt.Errorf("creating update histogram: %w", err)
	}
	if r.conflicts, err = meter.Int64Counter(
		"mbandit_update_conflicts_total",
		metric.WithDescription("Arm version conflicts hit while updating"),
		metric.WithUnit("{conflict}"),
	); err != nil {
		return fmt.Errorf("creating conflicts counter: %w", err)
	}
	if r.autoFailed, err = meter.Int64Counter(
		"mbandit_autofail_draws_total",
		metric.WithDescription("Pending draws failed by the auto-fail sweep"),
		metric.WithUnit("{draw}"),
	); err != nil {
		return fmt.Errorf("creating auto-fail counter: %w", err)
	}
	if r.notifications, err = meter.Int64Counter(
		"mbandit_notifications_total",
		metric.WithDescription("Notification rules that fired"),
		metric.WithUnit("{notification}"),
	); err != nil {
		return fmt.Errorf("creating notifications counter: %w", err)
	}
	return nil
}

func (r *Recorder) RecordDraw(ctx context.Context, experimentID string, model domain.Model, sticky bool) {
	r.draws.Add(ctx, 1, metric.WithAttributes(
		attribute.String("experiment_id", experimentID),
		attribute.String("model", model.String()),
		attribute.Bool("sticky", sticky),
	))
}

func (r *Recorder) RecordUpdate(ctx context.Context, experimentID string, model domain.Model, converged bool, elapsed time.Duration) {
	opt := metric.WithAttributes(
		attribute.String("experiment_id", experimentID),
		attribute.String("model", model.String()),
		attribute.Bool("converged", converged),
	)
	r.updates.Add(ctx, 1, opt)
	r.updateLatency.Record(ctx, elapsed.Seconds(), opt)
}

func (r *Recorder) RecordConflict(ctx context.Context, experimentID string) {
	r.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("experiment_id", experimentID)))
}

func (r *Recorder) RecordAutoFail(ctx context.Context, experimentID string, failed int) {
	if failed <= 0 {
		return
	}
	r.autoFailed.Add(ctx, int64(failed), metric.WithAttributes(attribute.String("experiment_id", experimentID)))
}

func (r *Recorder) RecordNotification(ctx context.Context, experimentID string, ruleType domain.NotificationType) {
	r.notifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("experiment_id", experimentID),
		attribute.String("rule_type", string(ruleType)),
	))
}

// Handler serves the Prometheus exposition. With the OTLP exporter there is
// nothing to scrape and it answers 404.
func (r *Recorder) Handler() http.Handler {
	if r.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Close flushes pending metrics and shuts the provider down.
func (r *Recorder) Close(ctx context.Context) error {
	return r.provider.Shutdown(ctx)
}
