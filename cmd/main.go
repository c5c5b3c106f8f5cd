package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/config"
	"github.com/pitabwire/frame/datastore"
	"github.com/pitabwire/frame/datastore/pool"
	"github.com/pitabwire/util"

	mconfig "github.com/coachstream/service-messaging/config"
	"github.com/coachstream/service-messaging/internal/health"
	"github.com/coachstream/service-messaging/service/business"
	"github.com/coachstream/service-messaging/service/events"
	"github.com/coachstream/service-messaging/service/gateway"
	"github.com/coachstream/service-messaging/service/queues"
	"github.com/coachstream/service-messaging/service/repository"
)

// runService initializes and starts the messaging service with all
// dependencies.
func runService(ctx context.Context) error {
	cfg, err := config.LoadWithOIDC[mconfig.MessagingConfig](ctx)
	if err != nil {
		util.Log(ctx).With("err", err).Error("could not process configs")
		return err
	}

	if cfg.Name() == "" {
		cfg.ServiceName = "service_messaging"
	}

	if err = cfg.Validate(); err != nil {
		util.Log(ctx).WithError(err).Error("invalid configuration")
		return err
	}

	ctx, svc := frame.NewServiceWithContext(
		ctx,
		frame.WithConfig(&cfg),
		frame.WithDatastore(),
	)
	defer svc.Stop(ctx)
	log := svc.Log(ctx)

	workMan := svc.WorkManager()
	eventsMan := svc.EventsManager()
	queueMan := svc.QueueManager()

	dbManager := svc.DatastoreManager()
	dbPool := dbManager.GetPool(ctx, datastore.DefaultPoolName)

	if cfg.DoDatabaseMigrate() {
		if err = repository.Migrate(ctx, svc, cfg.GetDatabaseMigrationPath()); err != nil {
			log.WithError(err).Fatal("main -- could not migrate successfully")
		}
		return nil
	}

	// Persistence and the delivery ledger.
	threadRepo := repository.NewThreadRepository(ctx, dbPool, workMan)
	messageRepo := repository.NewMessageRepository(ctx, dbPool, workMan)
	receiptRepo := repository.NewReceiptRepository(ctx, dbPool, workMan)

	store := business.NewMessageStore(threadRepo, messageRepo)
	tracker := business.NewDeliveryTracker(receiptRepo)

	// Presence, rate limiting and the session gateway.
	presence := business.NewPresenceTracker(ctx, cfg.PresenceTTL(), cfg.PresenceSweepInterval())
	limiter := business.NewRateLimiter(
		cfg.RateLimitWindow(), cfg.RateLimitMaxCount, cfg.RateLimitBurstFactor)

	gw := gateway.NewGateway(ctx, gateway.Settings{
		HeartbeatInterval:  cfg.HeartbeatInterval(),
		MaxSessionsPerUser: cfg.MaxSessionsPerUser,
		SessionPoolSize:    cfg.SessionPoolSize,
	}, gateway.ClaimsAuthenticator{}, presence)

	offlineQueue := business.NewOfflineQueue(business.QueueSettings{
		Capacity:       cfg.OfflineQueueCapacity,
		MaxRetries:     cfg.MaxDeliveryRetries,
		BaseDelay:      cfg.RetryBaseDelay(),
		MaxDelay:       cfg.RetryMaxDelay(),
		DeliveredOnAck: cfg.DeliveredOnAck,
	}, gw, tracker)

	// The pipeline triggers fan-out through an emitted event so sends never
	// wait on queue publishing.
	pipeline := business.NewMessagePipeline(business.PipelineSettings{
		ContentMaxLength: cfg.ContentMaxLength,
		TypingDebounce:   cfg.TypingDebounce(),
		DeliveredOnAck:   cfg.DeliveredOnAck,
	}, store, tracker, presence, limiter, offlineQueue, events.NewEmittingFanout(eventsMan), gw)
	gw.AttachPipeline(pipeline)

	defer func() {
		pipeline.Stop()
		offlineQueue.Stop()
		gw.Stop(ctx)
		presence.Stop()
	}()

	// Push notification fan-out and its dead-letter path.
	provider := setupPushProvider(ctx, cfg)
	dlp := queues.NewDeadLetterPublisher(&cfg, queueMan)
	dispatchFanout := queues.NewNotificationFanout(&cfg, queueMan)

	healthHandler := setupHealthChecks(dbPool, gw, cfg.SessionPoolSize)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	mux.Handle("/ws", gateway.NewHandler(gw))

	serviceOptions := []frame.Option{
		frame.WithHTTPHandler(mux),

		frame.WithRegisterPublisher(
			cfg.QueueNotificationDispatchName,
			cfg.QueueNotificationDispatchURI,
		),
		frame.WithRegisterSubscriber(
			cfg.QueueNotificationDispatchName,
			cfg.QueueNotificationDispatchURI,
			queues.NewNotificationDispatchHandler(&cfg, queueMan, provider, dlp),
		),
		frame.WithRegisterPublisher(
			cfg.QueueDeadLetterName,
			cfg.QueueDeadLetterURI,
		),

		frame.WithRegisterEvents(
			events.NewOfflineFanoutEventHandler(store, dispatchFanout),
		),
	}

	svc.Init(ctx, serviceOptions...)

	return svc.Run(ctx, "")
}

func main() {
	ctx := context.Background()
	if err := runService(ctx); err != nil {
		util.Log(ctx).WithError(err).Fatal("could not run service")
	}
}

// setupPushProvider selects the webhook provider when configured, falling
// back to the logging provider for development.
func setupPushProvider(ctx context.Context, cfg mconfig.MessagingConfig) business.PushProvider {
	if cfg.PushProviderURI == "" {
		util.Log(ctx).Warn("no push provider configured, using logging provider")
		return queues.NewLoggingPushProvider()
	}
	return queues.NewWebhookPushProvider(cfg.PushProviderURI, cfg.PushProviderTimeout())
}

// setupHealthChecks creates the health check handler with database and
// session pool checkers.
func setupHealthChecks(dbPool pool.Pool, gw *gateway.Gateway, maxSessions int) *health.Handler {
	handler := health.NewHandler()

	handler.AddChecker(health.NewDatabaseChecker(dbPool, 5*time.Second))
	handler.AddChecker(health.NewPingChecker("session_pool", func(_ context.Context) error {
		if gw.SessionCount() >= maxSessions {
			return errors.New("session pool at capacity")
		}
		return nil
	}, time.Second))

	return handler
}
