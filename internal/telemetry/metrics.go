// Package telemetry holds the OpenTelemetry instruments of the exchange client.
package telemetry

import (
	"context"

	"github.com/openkcm/common-sdk/pkg/otlp"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/p2pdesk/exchange-client/internal/config"
)

type Meters struct {
	Requests         metric.Int64Counter
	RequestDuration  metric.Int64Histogram
	TokenRefreshes   metric.Int64Counter
	ForcedLogouts    metric.Int64Counter
	RealtimeConnects metric.Int64Counter
	RealtimeMessages metric.Int64Counter
}

// Meter returns the application meter from the global provider.
func Meter(cfg *config.Config) metric.Meter {
	return otel.Meter(
		"exchange-client/"+cfg.Application.Name,
		metric.WithInstrumentationVersion(otel.Version()),
		metric.WithInstrumentationAttributes(otlp.CreateAttributesFrom(cfg.Application)...),
	)
}

// Noop returns instruments that record nothing.
func Noop() *Meters {
	m, _ := NewMeters(context.Background(), noop.NewMeterProvider().Meter("noop"))
	return m
}

func NewMeters(ctx context.Context, meter metric.Meter) (*Meters, error) {
	var (
		m   Meters
		err error
	)

	m.Requests, err = meter.Int64Counter(
		"gateway.request_count",
		metric.WithDescription("Outgoing API request count"),
		metric.WithUnit("request"),
	)
	if err != nil {
		return nil, oops.In("Telemetry").WithContext(ctx).Wrapf(err, "creating request_count meter")
	}

	m.RequestDuration, err = meter.Int64Histogram(
		"gateway.duration",
		metric.WithDescription("Outgoing request end to end duration"),
		metric.WithUnit("milliseconds"),
	)
	if err != nil {
		return nil, oops.In("Telemetry").WithContext(ctx).Wrapf(err, "creating duration meter")
	}

	m.TokenRefreshes, err = meter.Int64Counter(
		"gateway.token_refresh_count",
		metric.WithDescription("Refresh token exchanges sent to the API"),
		metric.WithUnit("refresh"),
	)
	if err != nil {
		return nil, oops.In("Telemetry").WithContext(ctx).Wrapf(err, "creating token_refresh_count meter")
	}

	m.ForcedLogouts, err = meter.Int64Counter(
		"gateway.forced_logout_count",
		metric.WithDescription("Sessions ended because the refresh failed"),
		metric.WithUnit("logout"),
	)
	if err != nil {
		return nil, oops.In("Telemetry").WithContext(ctx).Wrapf(err, "creating forced_logout_count meter")
	}

	m.RealtimeConnects, err = meter.Int64Counter(
		"realtime.connect_count",
		metric.WithDescription("Push channel dial attempts"),
		metric.WithUnit("connection"),
	)
	if err != nil {
		return nil, oops.In("Telemetry").WithContext(ctx).Wrapf(err, "creating connect_count meter")
	}

	m.RealtimeMessages, err = meter.Int64Counter(
		"realtime.message_count",
		metric.WithDescription("Push events received"),
		metric.WithUnit("message"),
	)
	if err != nil {
		return nil, oops.In("Telemetry").WithContext(ctx).Wrapf(err, "creating message_count meter")
	}

	return &m, nil
}
