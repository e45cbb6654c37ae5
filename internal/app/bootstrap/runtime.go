package bootstrap

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/Parth354/HealBridge-sub002/internal/booking"
	"github.com/Parth354/HealBridge-sub002/internal/compliance"
	appconfig "github.com/Parth354/HealBridge-sub002/internal/config"
	"github.com/Parth354/HealBridge-sub002/internal/events"
	"github.com/Parth354/HealBridge-sub002/internal/slotlock"
	"github.com/Parth354/HealBridge-sub002/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// ErrRedisLocksUnavailable is returned when redis locks were requested but no
// redis client could be built.
var ErrRedisLocksUnavailable = errors.New("bootstrap: redis lock backend requested but redis is unavailable")

// BuildLocker picks the per-slot lock backend. Process-local locks only
// serialize one replica, so a redis request without a client is an error.
func BuildLocker(cfg *appconfig.Config, client *redis.Client, logger *logging.Logger) (slotlock.Locker, error) {
	if cfg == nil || cfg.LockBackend != "redis" {
		return slotlock.NewMemoryLocker(), nil
	}
	if !cfg.UseRedisLocks() || client == nil {
		return nil, ErrRedisLocksUnavailable
	}
	logger.Info("slot locks backed by redis", "addr", cfg.RedisAddr, "lease", cfg.LockLease)
	return slotlock.NewRedisLocker(client,
		slotlock.WithLease(cfg.LockLease),
		slotlock.WithLogger(logger),
	), nil
}

// ConnectPostgres opens a pool for databaseURL. An empty URL returns nil.
func ConnectPostgres(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, nil
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap: ping postgres: %w", err)
	}
	return pool, nil
}

// BuildStore returns the Postgres store, or the in-memory store without a pool.
func BuildStore(pool *pgxpool.Pool, logger *logging.Logger) booking.Store {
	if pool == nil {
		logger.Warn("DATABASE_URL not set; bookings are kept in memory")
		return booking.NewMemoryStore()
	}
	return booking.NewPostgresStore(pool)
}

// BuildAudit wires the compliance audit trail over the pool. The returned
// *sql.DB must be closed by the caller.
func BuildAudit(pool *pgxpool.Pool) (booking.AuditSink, *sql.DB) {
	if pool == nil {
		return nil, nil
	}
	db := stdlib.OpenDBFromPool(pool)
	return compliance.NewAuditService(db), db
}

// BuildNotifier returns an outbox-backed notifier when Postgres is available
// and a log-only notifier otherwise.
func BuildNotifier(pool *pgxpool.Pool, logger *logging.Logger) (booking.Notifier, *events.OutboxStore) {
	if pool == nil {
		return events.NewLogNotifier(logger), nil
	}
	outbox := events.NewOutboxStore(pool)
	return events.NewOutboxNotifier(outbox, logger), outbox
}

// BuildDeliveryHandler forwards outbox entries to SQS when a queue is
// configured and logs them otherwise.
func BuildDeliveryHandler(cfg *appconfig.Config, client *sqs.Client, logger *logging.Logger) events.DeliveryHandler {
	if cfg == nil || strings.TrimSpace(cfg.NotificationQueueURL) == "" || client == nil {
		return logDelivery{logger: logger}
	}
	return events.NewSQSPublisher(client, cfg.NotificationQueueURL)
}

// BuildDeliverer returns nil when there is no outbox to drain.
func BuildDeliverer(cfg *appconfig.Config, outbox *events.OutboxStore, handler events.DeliveryHandler, logger *logging.Logger) *events.Deliverer {
	if outbox == nil {
		return nil
	}
	d := events.NewDeliverer(outbox, handler, logger)
	if cfg != nil {
		d = d.WithBatchSize(int32(cfg.OutboxBatchSize)).WithInterval(cfg.OutboxInterval)
	}
	return d
}

type logDelivery struct {
	logger *logging.Logger
}

func (l logDelivery) Handle(_ context.Context, entry events.OutboxEntry) error {
	l.logger.Info("notification event", "event_id", entry.ID, "type", entry.Type, "aggregate", entry.Aggregate)
	return nil
}
