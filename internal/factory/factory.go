// Package factory wires configuration into a running engine: secret
// resolution, backend selection for the record store and rate governor,
// notifier construction, and the optional audit sinks.
package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MetaDevZone/secure-2fa/internal/config"
	"github.com/MetaDevZone/secure-2fa/internal/crypto"
	"github.com/MetaDevZone/secure-2fa/internal/engine"
	"github.com/MetaDevZone/secure-2fa/internal/event"
	"github.com/MetaDevZone/secure-2fa/internal/model"
	"github.com/MetaDevZone/secure-2fa/internal/notify"
	"github.com/MetaDevZone/secure-2fa/internal/ratelimit"
	"github.com/MetaDevZone/secure-2fa/internal/secret"
	"github.com/MetaDevZone/secure-2fa/internal/store/memory"
	"github.com/MetaDevZone/secure-2fa/internal/store/redisstore"
	"github.com/MetaDevZone/secure-2fa/internal/store/scyllastore"
	"github.com/MetaDevZone/secure-2fa/internal/util"
)

// DefaultHooks logs lifecycle events at debug level. Hosts embedding
// the engine usually replace these with their own observers.
func DefaultHooks() event.Hooks {
	log := func(ev event.Event) {
		util.Debug("Lifecycle event",
			util.String("type", string(ev.Type)),
			util.String("context", ev.Context),
			util.String("session_id", ev.SessionID),
			util.String("error_code", ev.ErrorCode))
	}
	return event.Hooks{OnRequest: log, OnSend: log, OnVerify: log, OnFail: log}
}

// Factory owns the lifecycle of all application dependencies.
type Factory struct {
	config *config.Config
	engine *engine.Engine

	redisClient    *redis.Client
	scyllaStore    *scyllastore.Store
	memoryGovernor *ratelimit.MemoryGovernor
	kafkaSink      *event.KafkaSink
	clickhouseSink *event.ClickHouseSink

	closeOnce sync.Once
}

// New loads configuration and assembles every dependency. Hooks are
// the host's optional lifecycle observers.
func New(hooks event.Hooks) (*Factory, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	f := &Factory{config: cfg}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	serverSecret, err := f.resolveSecret(ctx)
	if err != nil {
		return nil, err
	}

	gen, err := crypto.NewGenerator(serverSecret)
	if err != nil {
		return nil, err
	}

	store, err := f.buildStore(ctx)
	if err != nil {
		return nil, err
	}

	governor, err := f.buildGovernor(ctx)
	if err != nil {
		return nil, err
	}

	notifier, err := f.buildNotifier()
	if err != nil {
		return nil, err
	}

	dispatcher := f.buildDispatcher(hooks)

	eng, err := engine.New(store, notifier, governor, gen, dispatcher, engine.Options{
		CodeLength:    cfg.OTP.CodeLength,
		Expiry:        cfg.OTP.Expiry,
		MaxAttempts:   cfg.OTP.MaxAttempts,
		StrictBinding: cfg.OTP.StrictBinding,
		RateMax:       cfg.RateLimit.MaxPerWindow,
		RateWindow:    cfg.RateLimit.Window,
		From:          cfg.OTP.From,
	}, util.Get())
	if err != nil {
		return nil, fmt.Errorf("failed to assemble engine: %w", err)
	}
	f.engine = eng

	util.Info("Factory initialized",
		util.String("environment", cfg.Environment),
		util.String("store_backend", cfg.Store.Backend),
		util.Bool("strict_binding", cfg.OTP.StrictBinding),
		util.Bool("kafka_enabled", cfg.Kafka.Enabled),
		util.Bool("clickhouse_enabled", cfg.ClickHouse.Enabled))

	return f, nil
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) Engine() *engine.Engine {
	return f.engine
}

func (f *Factory) resolveSecret(ctx context.Context) (string, error) {
	var provider secret.Provider
	if f.config.KMS.Enabled {
		p, err := secret.NewKMSProvider(ctx, f.config.KMS)
		if err != nil {
			return "", fmt.Errorf("failed to initialize KMS provider: %w", err)
		}
		provider = p
	} else {
		provider = secret.NewEnvProvider(f.config.OTP.Secret)
	}

	s, err := provider.ServerSecret(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to resolve server secret: %w", err)
	}
	return s, nil
}

func (f *Factory) buildStore(ctx context.Context) (model.RecordStore, error) {
	switch f.config.Store.Backend {
	case "redis":
		client, err := f.redis(ctx)
		if err != nil {
			return nil, err
		}
		return redisstore.NewStore(client), nil
	case "scylla":
		store, err := scyllastore.NewStore(f.config.Scylla)
		if err != nil {
			return nil, err
		}
		f.scyllaStore = store
		return store, nil
	default:
		util.Warn("Using in-memory record store; records do not survive restarts")
		return memory.NewStore(), nil
	}
}

func (f *Factory) buildGovernor(ctx context.Context) (model.RateGovernor, error) {
	// The governor shares the Redis connection whenever the store
	// already uses one, so quotas hold across replicas.
	if f.config.Store.Backend == "redis" {
		client, err := f.redis(ctx)
		if err != nil {
			return nil, err
		}
		return ratelimit.NewRedisGovernor(client), nil
	}

	f.memoryGovernor = ratelimit.NewMemoryGovernor(f.config.RateLimit.SweepInterval)
	return f.memoryGovernor, nil
}

func (f *Factory) buildNotifier() (model.Notifier, error) {
	if f.config.SMTP.Host == "" {
		if f.config.IsProduction() {
			return nil, fmt.Errorf("SMTP_HOST is required in production")
		}
		util.Warn("SMTP not configured; codes will be written to the log")
		return notify.NewLogNotifier(util.Get()), nil
	}

	notifier, err := notify.NewSMTPNotifier(f.config.SMTP)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize notifier: %w", err)
	}
	return notifier, nil
}

func (f *Factory) buildDispatcher(hooks event.Hooks) *event.Dispatcher {
	var sinks []event.Sink

	if f.config.Kafka.Enabled {
		f.kafkaSink = event.NewKafkaSink(f.config.Kafka)
		sinks = append(sinks, f.kafkaSink)
	}

	if f.config.ClickHouse.Enabled {
		sink, err := event.NewClickHouseSink(f.config.ClickHouse)
		if err != nil {
			// Audit is best-effort; a missing sink never blocks startup.
			util.Warn("ClickHouse sink initialization failed, continuing without audit",
				util.ErrorField(err))
		} else {
			f.clickhouseSink = sink
			sinks = append(sinks, sink)
		}
	}

	return event.NewDispatcher(hooks, sinks...)
}

func (f *Factory) redis(ctx context.Context) (*redis.Client, error) {
	if f.redisClient != nil {
		return f.redisClient, nil
	}

	opts, err := redis.ParseURL(f.config.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if opts.Password == "" && f.config.Redis.Password != "" {
		opts.Password = f.config.Redis.Password
	}
	opts.DB = f.config.Redis.DB
	opts.PoolSize = f.config.Redis.PoolSize
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	util.Info("Redis client initialized",
		util.Int("db", opts.DB),
		util.Int("pool_size", opts.PoolSize))

	f.redisClient = client
	return client, nil
}

// Close releases every owned resource exactly once.
func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory")

		if f.memoryGovernor != nil {
			f.memoryGovernor.Stop()
		}

		if f.kafkaSink != nil {
			if err := f.kafkaSink.Close(); err != nil {
				util.Error("Failed to close Kafka sink", util.ErrorField(err))
			}
		}

		if f.clickhouseSink != nil {
			if err := f.clickhouseSink.Close(); err != nil {
				util.Error("Failed to close ClickHouse sink", util.ErrorField(err))
			}
		}

		if f.scyllaStore != nil {
			f.scyllaStore.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		util.Sync()
	})
	return nil
}
