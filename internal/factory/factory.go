package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"authgate/internal/client"
	"authgate/internal/config"
	"authgate/internal/events"
	"authgate/internal/model"
	"authgate/internal/ratelimit"
	memoryrepo "authgate/internal/repository/memory"
	redisrepo "authgate/internal/repository/redis"
	scyllarepo "authgate/internal/repository/scylla"
	"authgate/internal/token"
	"authgate/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config *config.Config

	// Clients (nil unless the configured token store needs them)
	redisClient  *client.RedisClient
	scyllaClient *scyllarepo.ScyllaClient

	emitter      *events.Emitter
	tokenStore   model.TokenStore
	accountStore model.AccountStore
	tokenService *token.Service
	admission    *ratelimit.Controller

	closeOnce sync.Once
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.Load()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	f := &Factory{config: cfg}

	if err := f.initializeTokenStore(); err != nil {
		return nil, fmt.Errorf("failed to initialize token store: %w", err)
	}

	f.emitter = events.NewEmitter(cfg.Kafka, util.Get())
	f.accountStore = memoryrepo.NewAccountStore(util.SystemClock())

	f.tokenService = token.NewService(f.tokenStore, f.emitter, token.ServiceConfig{
		VerificationTTL: cfg.Token.VerificationTTL,
		ResetTTL:        cfg.Token.ResetTTL,
		PurgeInterval:   cfg.Token.PurgeInterval,
	}, util.SystemClock(), util.Get())

	admission, err := ratelimit.NewController(ratelimit.ControllerConfig{
		Policies:      policyTable(cfg.RateLimit),
		Shards:        cfg.RateLimit.Shards,
		IdleThreshold: cfg.RateLimit.IdleThreshold,
		SweepInterval: cfg.RateLimit.SweepInterval,
	}, util.Get())
	if err != nil {
		// Broken policy numbers are a deployment error; refuse to start.
		return nil, fmt.Errorf("failed to build admission controller: %w", err)
	}
	f.admission = admission

	if err := f.healthCheck(); err != nil {
		return nil, err
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("token_store", cfg.Token.Store),
		util.Bool("kafka_enabled", len(cfg.Kafka.Brokers) > 0),
	)

	return f, nil
}

func (f *Factory) initializeTokenStore() error {
	switch f.config.Token.Store {
	case "memory", "":
		f.tokenStore = memoryrepo.NewTokenStore()
		util.Info("Using in-memory token store")
	case "redis":
		redisClient, err := client.NewRedisClient(f.config, util.Get())
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		f.redisClient = redisClient
		f.tokenStore = redisrepo.NewTokenStore(redisClient)
	case "scylla":
		scyllaClient, err := scyllarepo.NewScyllaClient(f.config, util.Get())
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		f.scyllaClient = scyllaClient
		f.tokenStore = scyllarepo.NewTokenRepository(scyllaClient)
	default:
		return fmt.Errorf("unknown token store backend %q", f.config.Token.Store)
	}
	return nil
}

func (f *Factory) healthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	if f.redisClient != nil {
		g.Go(func() error {
			if err := f.redisClient.HealthCheck(ctx); err != nil {
				return fmt.Errorf("redis health check: %w", err)
			}
			util.Info("Redis client healthy")
			return nil
		})
	}
	if f.scyllaClient != nil {
		g.Go(func() error {
			if err := f.scyllaClient.HealthCheck(); err != nil {
				return fmt.Errorf("scylla health check: %w", err)
			}
			util.Info("ScyllaDB client healthy")
			return nil
		})
	}

	return g.Wait()
}

func policyTable(cfg config.RateLimitConfig) map[ratelimit.EndpointClass]ratelimit.Policy {
	toPolicy := func(p config.PolicyConfig) ratelimit.Policy {
		return ratelimit.Policy{
			Capacity:       p.Capacity,
			RefillTokens:   p.RefillTokens,
			RefillInterval: p.RefillInterval,
		}
	}
	return map[ratelimit.EndpointClass]ratelimit.Policy{
		ratelimit.ClassLogin:                toPolicy(cfg.Login),
		ratelimit.ClassRegister:             toPolicy(cfg.Register),
		ratelimit.ClassVerifyEmail:          toPolicy(cfg.VerifyEmail),
		ratelimit.ClassPasswordResetRequest: toPolicy(cfg.ResetRequest),
		ratelimit.ClassPasswordResetConfirm: toPolicy(cfg.ResetConfirm),
	}
}

// Start launches the background sweeps: idle-bucket eviction and expired-
// token purge.
func (f *Factory) Start() {
	f.admission.Start()
	f.tokenService.Start()
}

// Close stops the background sweeps first, then the clients they write to.
func (f *Factory) Close() {
	f.closeOnce.Do(func() {
		f.admission.Stop()
		f.tokenService.Stop()

		if f.emitter != nil {
			_ = f.emitter.Close()
		}
		if f.redisClient != nil {
			_ = f.redisClient.Close()
		}
		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		util.Info("Factory closed")
		util.Sync()
	})
}

func (f *Factory) Config() *config.Config            { return f.config }
func (f *Factory) TokenService() *token.Service      { return f.tokenService }
func (f *Factory) AccountStore() model.AccountStore  { return f.accountStore }
func (f *Factory) Admission() *ratelimit.Controller  { return f.admission }
func (f *Factory) Emitter() *events.Emitter          { return f.emitter }
