package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/bionicotaku/lingo-utils-oauthx"
	"github.com/bionicotaku/lingo-utils-oauthx/businessclaims"
	"github.com/bionicotaku/lingo-utils-oauthx/internal/appconfig"
	"github.com/bionicotaku/lingo-utils-oauthx/rediscache"
)

const issuerName = "default"

const purgeInterval = time.Minute

// app holds the authorizer and everything that must be released with it.
type app struct {
	authorizer *oauthx.Authorizer
	closers    []func() error
	checks     []func(ctx context.Context) error
}

func (a *app) ready(ctx context.Context) error {
	for _, check := range a.checks {
		if err := check(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

// buildApp wires validator, user-info client, claims provider and cache
// according to cfg. Background work stops when ctx is done.
func buildApp(ctx context.Context, cfg *appconfig.Config, logger *zap.Logger, reg prometheus.Registerer) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		a.close()
		return nil, err
	}

	validator, err := oauthx.NewValidator(oauthx.ValidatorConfig{
		Issuers: []oauthx.IssuerConfig{cfg.IssuerConfig()},
	})
	if err != nil {
		return fail(fmt.Errorf("create validator: %w", err))
	}
	if err := validator.Warmup(ctx, issuerName); err != nil {
		logger.Warn("signing key warmup failed", zap.Error(err))
	}

	metrics, err := oauthx.NewMetrics(reg)
	if err != nil {
		return fail(fmt.Errorf("register metrics: %w", err))
	}

	strategy, err := oauthx.ParseStrategy(cfg.Strategy)
	if err != nil {
		return fail(err)
	}
	authCfg := oauthx.AuthorizerConfig{
		Strategy:        strategy,
		Validator:       validator,
		IssuerName:      issuerName,
		CacheTTLCeiling: cfg.CacheTTLCeiling,
		Logger:          logger,
		Metrics:         metrics,
	}

	if strategy == oauthx.StrategyClaimsCaching {
		endpoint := cfg.UserInfoURL
		if endpoint == "" {
			if endpoint, err = validator.UserInfoEndpoint(ctx, issuerName); err != nil {
				logger.Warn("user info endpoint discovery failed", zap.Error(err))
			}
		}
		if endpoint != "" {
			client, err := oauthx.NewUserInfoClient(oauthx.UserInfoConfig{Endpoint: endpoint})
			if err != nil {
				return fail(err)
			}
			authCfg.UserInfo = client
			logger.Info("user info lookups enabled", zap.String("endpoint", endpoint))
		}

		cache, err := buildCache(ctx, cfg, a)
		if err != nil {
			return fail(err)
		}
		authCfg.Cache = cache
	}

	if cfg.DatabaseDSN != "" {
		store, err := businessclaims.Open(ctx, businessclaims.StoreConfig{DSN: cfg.DatabaseDSN, Logger: logger})
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, store.Close)
		if err := store.EnsureSchema(ctx); err != nil {
			return fail(err)
		}
		authCfg.Provider = businessclaims.NewProvider(store)
	}

	authorizer, err := oauthx.NewAuthorizer(authCfg)
	if err != nil {
		return fail(err)
	}
	a.authorizer = authorizer
	logger.Info("authorizer ready",
		zap.String("strategy", string(strategy)),
		zap.String("issuer", cfg.Issuer),
		zap.String("cache", cfg.Cache.Backend))
	return a, nil
}

func buildCache(ctx context.Context, cfg *appconfig.Config, a *app) (oauthx.ClaimsCache, error) {
	switch cfg.Cache.Backend {
	case "redis":
		client := rediscache.NewClient(cfg.Cache.RedisAddr, cfg.Cache.RedisPassword)
		a.closers = append(a.closers, client.Close)
		a.checks = append(a.checks, func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		return rediscache.New(rediscache.Config{Client: client})
	default:
		cache := oauthx.NewMemoryCache(oauthx.MemoryCacheConfig{MaxEntries: cfg.Cache.MaxEntries})
		go func() {
			ticker := time.NewTicker(purgeInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					cache.PurgeExpired()
				}
			}
		}()
		return cache, nil
	}
}
