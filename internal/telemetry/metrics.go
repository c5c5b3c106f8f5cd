// Package telemetry provides OpenTelemetry metrics and tracing for the
// messaging core.
package telemetry

import "github.com/pitabwire/frame/telemetry"

// Message metrics track pipeline send operations.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	MessagesSentCounter = telemetry.DimensionlessMeasure(
		"",
		"messaging.messages.sent",
		"Total messages accepted by the pipeline",
	)

	MessagesDeliveredCounter = telemetry.DimensionlessMeasure(
		"",
		"messaging.messages.delivered",
		"Total messages delivered to live recipients",
	)

	MessagesFailedCounter = telemetry.DimensionlessMeasure(
		"",
		"messaging.messages.failed",
		"Total per-recipient delivery failures",
	)

	MessagesRateLimitedCounter = telemetry.DimensionlessMeasure(
		"",
		"messaging.messages.rate_limited",
		"Total sends rejected by the rate limiter",
	)
)

// Gateway metrics track live session churn.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	ConnectionsTotalCounter = telemetry.DimensionlessMeasure(
		"",
		"messaging.connections.total",
		"Total connection attempts",
	)

	ConnectionsActiveGauge = telemetry.DimensionlessMeasure(
		"",
		"messaging.connections.active",
		"Current number of active sessions",
	)

	ConnectionsFailedCounter = telemetry.DimensionlessMeasure(
		"",
		"messaging.connections.failed",
		"Failed connection attempts",
	)
)

// Offline queue metrics track queued in-app delivery.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	OfflineQueuedCounter = telemetry.DimensionlessMeasure(
		"",
		"messaging.offline.queued",
		"Total items enqueued for offline recipients",
	)

	OfflineReplayedCounter = telemetry.DimensionlessMeasure(
		"",
		"messaging.offline.replayed",
		"Total queued items replayed on reconnect",
	)

	OfflineDroppedCounter = telemetry.DimensionlessMeasure(
		"",
		"messaging.offline.dropped",
		"Total queued items evicted on queue overflow",
	)
)

// Notification metrics track push fan-out to the external provider.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	NotificationsSentCounter = telemetry.DimensionlessMeasure(
		"",
		"messaging.notifications.delivered",
		"Total push notifications delivered",
	)

	NotificationsFailedCounter = telemetry.DimensionlessMeasure(
		"",
		"messaging.notifications.failed",
		"Total push notification failures",
	)

	NotificationsDeadLetteredCounter = telemetry.DimensionlessMeasure(
		"",
		"messaging.notifications.dead_lettered",
		"Total notification batches sent to the dead letter queue",
	)
)
