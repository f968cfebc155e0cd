package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acme/masked-call/internal/config"
	"github.com/acme/masked-call/internal/domain"
	"github.com/acme/masked-call/internal/health"
	"github.com/acme/masked-call/internal/infra/db"
	"github.com/acme/masked-call/internal/infra/redis"
	"github.com/acme/masked-call/internal/queue"
	"github.com/acme/masked-call/internal/repository"
	"github.com/acme/masked-call/internal/repository/memory"
	pgrepo "github.com/acme/masked-call/internal/repository/postgres"
	scyllarepo "github.com/acme/masked-call/internal/repository/scylla"
	"github.com/acme/masked-call/internal/service/cancellation"
	"github.com/acme/masked-call/internal/service/orchestrator"
	"github.com/acme/masked-call/internal/service/policy"
	"github.com/acme/masked-call/internal/service/throttle"
	"github.com/acme/masked-call/internal/service/webhook"
	"github.com/acme/masked-call/internal/telephony"
	"github.com/acme/masked-call/internal/telephony/exotel"
	"github.com/acme/masked-call/internal/telephony/twilio"
	"github.com/acme/masked-call/pkg/logger"
)

const obsoleteMarkerTTL = time.Hour

// Container wires together shared infrastructure dependencies. Every backing
// store is optional; unconfigured ones fall back to in-process versions.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	components struct {
		once       sync.Once
		err        error
		publishers *publishers
		guards     *guards
		services   *services
	}
}

type repositories struct {
	CallLog repository.CallLogRepository
	Audit   repository.WebhookAuditStore
}

type publishers struct {
	Lifecycle   orchestrator.EventPublisher
	DeadLetters webhook.DeadLetterPublisher

	closers []func() error
}

type guards struct {
	Throttle     orchestrator.Throttle
	Cancellation cancellation.Registry
}

type services struct {
	Adapters     *telephony.Registry
	Policy       *policy.Policy
	Orchestrator *orchestrator.Orchestrator
	Webhooks     *webhook.Processor
	Monitor      *health.Monitor
}

// Build loads configuration, connects configured infrastructure and wires
// the service graph.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(logger.Options{
		Env:     cfg.App.Env,
		Level:   cfg.App.LogLevel,
		Service: cfg.App.Name,
		Version: cfg.App.Version,
	})
	if err != nil {
		return nil, err
	}

	c := &Container{Config: cfg, Logger: lg}
	if err := c.connect(ctx); err != nil {
		_ = c.Close(context.Background())
		return nil, err
	}
	if err := c.Init(ctx); err != nil {
		_ = c.Close(context.Background())
		return nil, err
	}
	return c, nil
}

func (c *Container) connect(ctx context.Context) error {
	cfg := c.Config

	if cfg.Postgres.Host != "" {
		pg, err := db.NewPostgres(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("bootstrap postgres: %w", err)
		}
		c.Postgres = pg
	} else {
		c.Logger.Warn("postgres not configured, call log kept in memory")
	}

	if len(cfg.Scylla.Hosts) > 0 {
		scylla, err := db.NewScylla(ctx, cfg.Scylla)
		if err != nil {
			return fmt.Errorf("bootstrap scylla: %w", err)
		}
		c.Scylla = scylla
	}

	if cfg.Redis.Address != "" {
		client, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("bootstrap redis: %w", err)
		}
		c.Redis = client
	}

	if len(cfg.Kafka.Brokers) > 0 {
		k, err := queue.NewKafka(cfg.Kafka)
		if err != nil {
			return fmt.Errorf("bootstrap kafka: %w", err)
		}
		c.Kafka = k
	}
	return nil
}

// Init builds the component graph once. Schema creation runs here unless
// disabled per store.
func (c *Container) Init(ctx context.Context) error {
	c.components.once.Do(func() {
		c.components.err = c.initComponents(ctx)
	})
	return c.components.err
}

func (c *Container) initComponents(ctx context.Context) error {
	cfg := c.Config
	zl := c.Logger.Logger

	repos, err := c.buildRepositories(ctx)
	if err != nil {
		return err
	}
	pubs := c.buildPublishers()
	grd := c.buildGuards()

	adapters, err := c.buildAdapters()
	if err != nil {
		return err
	}

	order := make([]domain.Provider, 0, len(cfg.Providers.Order))
	for _, name := range cfg.Providers.Order {
		p, err := domain.ParseProvider(name)
		if err != nil {
			return fmt.Errorf("providers.order: %q: %w", name, err)
		}
		order = append(order, p)
	}
	pol, err := policy.New(policy.Config{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		BaseDelay:       cfg.Retry.BaseDelay,
		MaxDelay:        cfg.Retry.MaxDelay,
		Providers:       order,
		FallbackEnabled: cfg.Providers.FallbackEnabled,
	})
	if err != nil {
		return err
	}

	publishTimeout := cfg.Kafka.PublishTimeout
	if c.Kafka != nil {
		publishTimeout = c.Kafka.PublishTimeout()
	}

	orch, err := orchestrator.New(orchestrator.Dependencies{
		Repository:   repos.CallLog,
		Adapters:     adapters,
		Policy:       pol,
		Events:       pubs.Lifecycle,
		Cancellation: grd.Cancellation,
		Throttle:     grd.Throttle,
		Logger:       zl.Named("orchestrator"),
	}, orchestrator.Settings{
		RequestTimeout: cfg.Providers.RequestTimeout,
		ProbeTimeout:   cfg.Providers.ProbeTimeout,
		PublishTimeout: publishTimeout,
	})
	if err != nil {
		return err
	}

	proc, err := webhook.NewProcessor(webhook.Dependencies{
		Repository:  repos.CallLog,
		Adapters:    adapters,
		Audit:       repos.Audit,
		Events:      pubs.Lifecycle,
		DeadLetters: pubs.DeadLetters,
		Logger:      zl.Named("webhook"),
	}, webhook.Settings{
		LookupAttempts: cfg.Webhook.LookupAttempts,
		LookupDelay:    cfg.Webhook.LookupDelay,
		PublishTimeout: publishTimeout,
	})
	if err != nil {
		return err
	}

	var monitor *health.Monitor
	if cfg.Health.Schedule != "" {
		monitor, err = health.NewMonitor(orch, cfg.Health.Schedule, 2*cfg.Providers.ProbeTimeout, zl.Named("health"))
		if err != nil {
			return err
		}
	}

	c.components.publishers = pubs
	c.components.guards = grd
	c.components.services = &services{
		Adapters:     adapters,
		Policy:       pol,
		Orchestrator: orch,
		Webhooks:     proc,
		Monitor:      monitor,
	}
	return nil
}

func (c *Container) buildRepositories(ctx context.Context) (*repositories, error) {
	repos := &repositories{}

	if c.Postgres != nil {
		pg := pgrepo.NewCallLogRepository(c.Postgres.DB())
		if !c.Config.Postgres.DisableInitSchema {
			if err := pg.EnsureSchema(ctx); err != nil {
				return nil, err
			}
		}
		repos.CallLog = pg
	} else {
		repos.CallLog = memory.NewCallLogRepository()
	}

	if c.Scylla != nil {
		audit := scyllarepo.NewWebhookAuditStore(c.Scylla.Session())
		if !c.Config.Scylla.DisableInitSchema {
			if err := audit.EnsureSchema(ctx); err != nil {
				return nil, err
			}
		}
		repos.Audit = audit
	} else {
		repos.Audit = memory.NewWebhookAuditStore()
	}
	return repos, nil
}

func (c *Container) buildPublishers() *publishers {
	pubs := &publishers{Lifecycle: queue.Discard{}, DeadLetters: queue.Discard{}}
	if c.Kafka == nil {
		return pubs
	}
	if topic := c.Config.Kafka.StatusTopic; topic != "" {
		lp := queue.NewLifecyclePublisher(c.Kafka, topic)
		pubs.Lifecycle = lp
		pubs.closers = append(pubs.closers, lp.Close)
	}
	if topic := c.Config.Kafka.DeadLetterTopic; topic != "" {
		dp := queue.NewDeadLetterPublisher(c.Kafka, topic)
		pubs.DeadLetters = dp
		pubs.closers = append(pubs.closers, dp.Close)
	}
	return pubs
}

func (c *Container) buildGuards() *guards {
	cfg := c.Config.Throttle
	g := &guards{}

	if c.Redis != nil {
		g.Cancellation = cancellation.NewRedisRegistry(c.Redis.Inner(), c.Redis.Prefix(), obsoleteMarkerTTL)
		if cfg.OwnerLimit > 0 {
			g.Throttle = throttle.NewOwnerThrottle(c.Redis.Inner(), c.Redis.Prefix(), cfg.OwnerLimit, cfg.OwnerWindow)
		}
		return g
	}

	g.Cancellation = cancellation.NewLocalRegistry()
	if cfg.OwnerLimit > 0 {
		g.Throttle = throttle.NewLocal(cfg.OwnerLimit, cfg.OwnerWindow)
	}
	return g
}

// buildAdapters registers every provider that has an account configured.
func (c *Container) buildAdapters() (*telephony.Registry, error) {
	cfg := c.Config.Providers
	client := telephony.DefaultHTTPClient(cfg.RequestTimeout)

	var adapters []telephony.Adapter
	if cfg.Exotel.AccountSID != "" {
		a, err := exotel.New(cfg.Exotel, client)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}
	if cfg.Twilio.AccountSID != "" {
		a, err := twilio.New(cfg.Twilio, client)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}
	return telephony.NewRegistry(adapters...)
}

func (c *Container) Services() *services {
	return c.components.services
}

// Pingers lists the connectivity checks of the configured stores.
func (c *Container) Pingers() map[string]func(context.Context) error {
	out := make(map[string]func(context.Context) error)
	if c.Postgres != nil {
		out["postgres"] = c.Postgres.Ping
	}
	if c.Redis != nil {
		out["redis"] = c.Redis.Ping
	}
	if c.Scylla != nil {
		out["scylla"] = c.Scylla.Ping
	}
	return out
}

// EnsureTopics creates the lifecycle and dead letter topics.
func (c *Container) EnsureTopics(ctx context.Context) error {
	if c.Kafka == nil {
		return nil
	}
	topics := []string{c.Config.Kafka.StatusTopic, c.Config.Kafka.DeadLetterTopic}
	return c.Kafka.EnsureTopics(ctx, topics, 12, 1)
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if pubs := c.components.publishers; pubs != nil {
		for _, closeFn := range pubs.closers {
			if err := closeFn(); err != nil {
				errs = append(errs, fmt.Errorf("publisher close: %w", err))
			}
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	if len(errs) > 0 {
		c.Logger.Warn("container close", zap.Errors("errors", errs))
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
