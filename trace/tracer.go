// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package trace

import (
	"context"
	"time"

	"github.com/ava-labs/avalanchego/trace"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const (
	exportTimeout = 10 * time.Second
	// Longer than [exportTimeout] so a pending export can finish.
	shutdownTimeout = 15 * time.Second

	DefaultEndpoint = "http://localhost:9411/api/v2/spans"
	DefaultAppName  = "rollupcounter"
)

type Config struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// SampleRate is the fraction of submissions traced. >= 1 traces all of
	// them, <= 0 none.
	SampleRate float64 `yaml:"sampleRate" json:"sampleRate"`

	// Endpoint is the zipkin collector spans are exported to.
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	AppName  string `yaml:"appName" json:"appName"`
	Version  string `yaml:"version" json:"version"`
}

func DefaultConfig() Config {
	return Config{
		SampleRate: 1,
		Endpoint:   DefaultEndpoint,
		AppName:    DefaultAppName,
	}
}

type tracer struct {
	oteltrace.Tracer

	tp *sdktrace.TracerProvider
}

func (t *tracer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return t.tp.Shutdown(ctx)
}

// New returns a zipkin-backed tracer, or a no-op one when tracing is
// disabled.
func New(config Config) (trace.Tracer, error) {
	if !config.Enabled {
		return Noop(config.AppName), nil
	}
	endpoint := config.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	exporter, err := zipkin.New(endpoint)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithExportTimeout(exportTimeout)),
		sdktrace.WithResource(
			resource.NewWithAttributes(
				semconv.SchemaURL,
				attribute.String("version", config.Version),
				semconv.ServiceNameKey.String(config.AppName),
			),
		),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SampleRate)),
	)
	return &tracer{
		Tracer: tp.Tracer(config.AppName),
		tp:     tp,
	}, nil
}
