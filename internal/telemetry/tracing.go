package telemetry

import (
	"github.com/pitabwire/frame/telemetry"
)

// Service tracers for different components.
//
//nolint:gochecknoglobals // OpenTelemetry tracers must be global for instrumentation
var (
	PipelineTracer = telemetry.NewTracer("messaging.pipeline")
	DeliveryTracer = telemetry.NewTracer("messaging.delivery")
	FanoutTracer   = telemetry.NewTracer("messaging.fanout")
)
