package main

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-campus-notify/internal/cache"
	"github.com/tinywideclouds/go-campus-notify/internal/delivery"
	"github.com/tinywideclouds/go-campus-notify/internal/dispatch"
	"github.com/tinywideclouds/go-campus-notify/internal/health"
	"github.com/tinywideclouds/go-campus-notify/internal/platform/auth"
	"github.com/tinywideclouds/go-campus-notify/internal/platform/persistence"
	brokerqueue "github.com/tinywideclouds/go-campus-notify/internal/platform/queue"
	"github.com/tinywideclouds/go-campus-notify/internal/platform/sink"
	"github.com/tinywideclouds/go-campus-notify/internal/realtime"
	"github.com/tinywideclouds/go-campus-notify/notifyservice"
	"github.com/tinywideclouds/go-campus-notify/notifyservice/config"
	"github.com/tinywideclouds/go-campus-notify/pkg/notify"
)

// closers releases client connections after the services stop.
type closers []func()

func (c closers) Close() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

// newRedisClient connects to Redis, or returns nil when no address is configured.
func newRedisClient(cfg *config.AppConfig, logger zerolog.Logger) *redis.Client {
	if cfg.Redis.Addr == "" {
		logger.Warn().Msg("No redis address configured, running without a distributed cache or broker.")
		return nil
	}
	logger.Debug().Str("addr", cfg.Redis.Addr).Msg("Creating redis client")
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

// newCacheStore wraps Redis with the in-process fallback. An unreachable Redis
// starts the store degraded so the health monitor can promote it later.
func newCacheStore(ctx context.Context, cfg *config.AppConfig, rdb *redis.Client, logger zerolog.Logger) (*cache.Store, error) {
	memory := cache.NewMemoryStrategy()
	if rdb == nil {
		return cache.NewStore(nil, memory, logger)
	}
	primary, err := cache.NewRedisStrategy(rdb, cfg.Redis.KeyPrefix)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.CollaboratorTimeout)
	defer cancel()
	if err := primary.Ping(pingCtx); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unreachable at startup, cache starts on memory.")
		return cache.NewStoreDegraded(primary, memory, logger), nil
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis cache.")
	return cache.NewStore(primary, memory, logger)
}

// storeCloser is implemented by stores holding a connection.
type storeCloser interface {
	notify.NotificationStore
	Close() error
}

// newNotificationStore opens the configured persistence backend.
func newNotificationStore(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (storeCloser, error) {
	logger.Info().Str("type", cfg.Store.Type).Msg("Initializing notification store...")
	switch cfg.Store.Type {
	case "sqlite":
		return persistence.OpenSQL(ctx, persistence.DriverSQLite, cfg.Store.DSN, logger)
	case "postgres":
		return persistence.OpenSQL(ctx, persistence.DriverPostgres, cfg.Store.DSN, logger)
	case "firestore":
		logger.Debug().Str("project_id", cfg.ProjectID).Msg("Connecting to Firestore")
		client, err := firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to firestore: %w", err)
		}
		store, err := persistence.NewFirestoreStore(client, logger)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &firestoreStore{FirestoreStore: store, client: client}, nil
	default:
		return nil, fmt.Errorf("invalid store type: %s", cfg.Store.Type)
	}
}

type firestoreStore struct {
	*persistence.FirestoreStore
	client *firestore.Client
}

func (f *firestoreStore) Close() error { return f.client.Close() }

func newAuthenticator(ctx context.Context, cfg *config.AppConfig) (auth.Authenticator, error) {
	switch cfg.Auth.Type {
	case "jwks":
		return auth.NewJWKSAuthenticator(ctx, cfg.Auth.JWKSURL, cfg.Auth.RoleClaim, cfg.Auth.Refresh)
	default:
		return auth.NewHMACAuthenticator(cfg.Auth.HMACSecret, cfg.Auth.Issuer)
	}
}

// sinks holds the outbound transports selected by config.
type sinks struct {
	email   notify.EmailSender
	sms     notify.SMSSender
	reports notify.ReportRunner
}

func newSinks(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (*sinks, closers, error) {
	var done closers
	logSink := sink.NewLogSink(logger)
	out := &sinks{email: logSink, sms: logSink, reports: logSink}

	var psClient *pubsub.Client
	publisher := func(topicID string) (*sink.Producer, error) {
		if psClient == nil {
			logger.Debug().Str("project_id", cfg.ProjectID).Msg("Connecting to PubSub")
			c, err := pubsub.NewClient(ctx, cfg.ProjectID)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to pubsub: %w", err)
			}
			psClient = c
			done = append(done, func() { _ = c.Close() })
		}
		name := convertPubsub(cfg.ProjectID, topicID)
		if err := ensureTopic(ctx, psClient, name, logger); err != nil {
			return nil, err
		}
		p := psClient.Publisher(name)
		done = append(done, p.Stop)
		return sink.NewProducer(p)
	}

	switch cfg.Sinks.Email.Type {
	case "smtp":
		smtpCfg := cfg.Sinks.Email.SMTP
		mailer, err := sink.NewSMTPMailer(sink.SMTPConfig{
			Host:     smtpCfg.Host,
			Port:     smtpCfg.Port,
			Username: smtpCfg.Username,
			Password: smtpCfg.Password,
			From:     smtpCfg.From,
		}, logger)
		if err != nil {
			return nil, done, err
		}
		out.email = mailer
	case "pubsub":
		producer, err := publisher(cfg.Sinks.Email.TopicID)
		if err != nil {
			return nil, done, err
		}
		mailer, err := sink.NewPubSubMailer(producer, logger)
		if err != nil {
			return nil, done, err
		}
		out.email = mailer
	}

	if cfg.Sinks.SMS.Type == "twilio" {
		sms, err := sink.NewTwilioSMS(cfg.Sinks.SMS.AccountSID, cfg.Sinks.SMS.AuthToken, cfg.Sinks.SMS.From, logger)
		if err != nil {
			return nil, done, err
		}
		out.sms = sms
	}

	if cfg.Sinks.Reports.Type == "pubsub" {
		producer, err := publisher(cfg.Sinks.Reports.TopicID)
		if err != nil {
			return nil, done, err
		}
		reports, err := sink.NewPubSubReports(producer, logger)
		if err != nil {
			return nil, done, err
		}
		out.reports = reports
	}
	return out, done, nil
}

// ensureTopic creates a Pub/Sub topic if it doesn't already exist.
func ensureTopic(ctx context.Context, psClient *pubsub.Client, name string, logger zerolog.Logger) error {
	logger.Debug().Str("topic", name).Msg("Ensuring topic exists")
	_, err := psClient.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: name})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug().Str("topic", name).Msg("Topic already exists, skipping creation")
			return nil
		}
		logger.Error().Err(err).Str("topic", name).Msg("Failed to create topic")
		return fmt.Errorf("could not create topic %s: %w", name, err)
	}
	return nil
}

// convertPubsub formats a short topic ID into a full GCP resource name.
func convertPubsub(project, id string) string {
	return fmt.Sprintf("projects/%s/topics/%s", project, id)
}

// newServiceDependencies builds every component in dependency order.
func newServiceDependencies(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (*notifyservice.ServiceDependencies, closers, error) {
	var done closers
	fail := func(err error) (*notifyservice.ServiceDependencies, closers, error) {
		done.Close()
		return nil, nil, err
	}

	rdb := newRedisClient(cfg, logger)
	if rdb != nil {
		done = append(done, func() { _ = rdb.Close() })
	}

	cacheStore, err := newCacheStore(ctx, cfg, rdb, logger)
	if err != nil {
		return fail(fmt.Errorf("failed to create cache store: %w", err))
	}

	store, err := newNotificationStore(ctx, cfg, logger)
	if err != nil {
		return fail(fmt.Errorf("failed to create notification store: %w", err))
	}
	done = append(done, func() { _ = store.Close() })

	authn, err := newAuthenticator(ctx, cfg)
	if err != nil {
		return fail(fmt.Errorf("failed to create authenticator: %w", err))
	}

	presenceTTL := 2 * cfg.Gateway.StaleAfter
	if presenceTTL <= 0 {
		presenceTTL = 10 * time.Minute
	}
	gateway, err := realtime.NewConnectionManager(realtime.Config{
		Port:                cfg.WebSocketPort,
		StaleAfter:          cfg.Gateway.StaleAfter,
		SweepInterval:       cfg.Gateway.SweepInterval,
		SendBuffer:          cfg.Gateway.SendBuffer,
		CollaboratorTimeout: cfg.CollaboratorTimeout,
		RecentLimit:         cfg.Gateway.RecentLimit,
		ResyncLimit:         cfg.Gateway.ResyncLimit,
	}, authn, cache.NewPresenceCache(cacheStore, presenceTTL), store, logger)
	if err != nil {
		return fail(fmt.Errorf("failed to create connection manager: %w", err))
	}

	tracker, err := delivery.NewTracker(delivery.Config{
		AckTTL:              cfg.Delivery.AckTTL,
		SweepInterval:       cfg.Delivery.SweepInterval,
		CollaboratorTimeout: cfg.CollaboratorTimeout,
	}, gateway, store, logger)
	if err != nil {
		return fail(fmt.Errorf("failed to create delivery tracker: %w", err))
	}
	gateway.SetAckHandler(tracker)

	outbound, sinkClosers, err := newSinks(ctx, cfg, logger)
	done = append(done, sinkClosers...)
	if err != nil {
		return fail(fmt.Errorf("failed to create outbound sinks: %w", err))
	}

	dispatchDeps := dispatch.Dependencies{
		Store:   store,
		Pusher:  gateway,
		Tracker: tracker,
		Email:   outbound.email,
		SMS:     outbound.sms,
		Reports: outbound.reports,
	}
	if rdb != nil {
		broker, err := brokerqueue.NewRedisBroker(rdb, cfg.Redis.KeyPrefix, logger)
		if err != nil {
			return fail(fmt.Errorf("failed to create redis broker: %w", err))
		}
		dispatchDeps.Broker = broker.WithLease(cfg.Dispatcher.ClaimLease)
	}
	dispatcher, err := dispatch.New(ctx, dispatch.Config{
		NumWorkers:          cfg.Dispatcher.NumWorkers,
		PollInterval:        cfg.Dispatcher.PollInterval,
		PromoteInterval:     cfg.Dispatcher.PromoteInterval,
		CollaboratorTimeout: cfg.CollaboratorTimeout,
		Policies:            cfg.Dispatcher.Policies,
	}, dispatchDeps, logger)
	if err != nil {
		return fail(fmt.Errorf("failed to create dispatcher: %w", err))
	}

	monitor, err := health.NewMonitor(health.Config{
		Interval:            cfg.Health.Interval,
		AutoPromote:         cfg.Health.AutoPromote,
		AlertRole:           cfg.Health.AlertRole,
		CollaboratorTimeout: cfg.CollaboratorTimeout,
	}, store, cacheStore, dispatcher, logger)
	if err != nil {
		return fail(fmt.Errorf("failed to create health monitor: %w", err))
	}

	logger.Debug().Msg("All dependencies initialized")
	return &notifyservice.ServiceDependencies{
		Authenticator: authn,
		Cache:         cacheStore,
		Gateway:       gateway,
		Dispatcher:    dispatcher,
		Tracker:       tracker,
		Monitor:       monitor,
	}, done, nil
}
