package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/config"
	"github.com/ehr/fhirstore/internal/domain/resource"
	"github.com/ehr/fhirstore/internal/domain/searchparameter"
	"github.com/ehr/fhirstore/internal/platform/auth"
	"github.com/ehr/fhirstore/internal/platform/db"
	"github.com/ehr/fhirstore/internal/platform/docstore"
	"github.com/ehr/fhirstore/internal/platform/docstore/dynamo"
	"github.com/ehr/fhirstore/internal/platform/metrics"
	"github.com/ehr/fhirstore/internal/platform/middleware"
	"github.com/ehr/fhirstore/internal/platform/retry"
)

// app holds the wired components shared by every command.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	pool      *pgxpool.Pool
	container docstore.Container
	checks    map[string]db.Check

	statuses  *searchparameter.StatusManager
	store     *resource.Store
	reindexer *resource.Reindexer
}

// newDynamoContainer connects to DynamoDB, or to DYNAMODB_ENDPOINT when set
// (DynamoDB Local).
func newDynamoContainer(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger zerolog.Logger) (*dynamo.Container, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.DynamoDBEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoDBEndpoint)
		}
	})
	return dynamo.NewContainer(client, dynamo.Options{
		TableName:         cfg.DynamoDBTable,
		RequestsPerSecond: cfg.DynamoDBRequestsPerSecond,
	}, m, logger), nil
}

// setup builds every component. The caller closes the returned app.
func setup(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	container, err := newDynamoContainer(ctx, cfg, m, logger)
	if err != nil {
		return nil, err
	}

	var pool *pgxpool.Pool
	if cfg.StatusStore == config.StatusStorePostgres {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
			MaxConns:        cfg.DBMaxConns,
			MinConns:        cfg.DBMinConns,
			ApplicationName: "fhirstore",
		})
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to status database")
	}

	a, err := newApp(cfg, container, pool, reg, m, logger)
	if err != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, err
	}
	a.checks["dynamodb"] = container.Ping
	return a, nil
}

// newApp wires the domain over an existing container and optional pool.
func newApp(cfg *config.Config, container docstore.Container, pool *pgxpool.Pool, reg *prometheus.Registry, m *metrics.Metrics, logger zerolog.Logger) (*app, error) {
	catalog, err := searchparameter.LoadCatalogFile(cfg.SearchParametersFile)
	if err != nil {
		return nil, fmt.Errorf("load search parameters: %w", err)
	}

	var statusStore searchparameter.StatusStore = searchparameter.NewFileStatusStore(
		catalog, cfg.UnsupportedSearchParametersFile, cfg.SortSearchParameters)
	if pool != nil {
		statusStore = searchparameter.NewPGStatusStore(pool, statusStore, logger)
	}

	statuses := searchparameter.NewStatusManager(
		statusStore,
		catalog,
		searchparameter.NewTypeResolver(cfg.SupportedSearchParameterTypes),
		searchparameter.NewBroker(),
		m,
		logger,
	)

	retries := retry.NewFactory(
		retry.Options{
			MaxNumberOfRetries: cfg.RetryMaxRetries,
			MaxWaitTime:        time.Duration(cfg.RetryMaxWaitSeconds) * time.Second,
		},
		retry.Options{
			MaxNumberOfRetries: cfg.BatchRetryMaxRetries,
			MaxWaitTime:        time.Duration(cfg.BatchRetryMaxWaitSeconds) * time.Second,
		},
		m, logger,
	)
	queries := resource.NewQueryExecutor(container, retries.Policy(), cfg.SearchEnumerationTimeout(), m, logger)
	store := resource.NewStore(container, retries, resource.NewSortIndexManager(statuses), queries, logger)

	statuses.Broker().Subscribe(func(ctx context.Context, event searchparameter.SearchParametersUpdated) {
		if len(event.Parameters) > 0 {
			logger.Info().Strs("uris", event.URIs()).Msg("search parameters changed, resources need reindexing")
		}
	})

	return &app{
		cfg:       cfg,
		logger:    logger,
		registry:  reg,
		metrics:   m,
		pool:      pool,
		container: container,
		checks:    map[string]db.Check{},
		statuses:  statuses,
		store:     store,
		reindexer: resource.NewReindexer(store, statuses, logger),
	}, nil
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// router builds the HTTP surface.
func (a *app) router() *echo.Echo {
	cfg := a.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", "X-Request-ID", "If-Match", "If-None-Match"},
		ExposeHeaders: []string{"ETag", "Last-Modified", "Location", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/health", db.HealthHandler(a.pool, a.checks))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))

	rateLimit := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimit.RequestsPerSecond <= 0 {
		rateLimit = middleware.DefaultRateLimitConfig()
	}

	fhirGroup := e.Group("/fhir", middleware.RateLimit(rateLimit))
	resource.NewHandler(a.store, a.reindexer, resource.HandlerOptions{
		AllowUpdateCreate: cfg.AllowUpdateCreate,
		KeepHistory:       cfg.KeepHistory,
	}).RegisterRoutes(fhirGroup)

	admin := e.Group("/admin")
	searchparameter.NewHandler(a.statuses).RegisterRoutes(admin)

	return e
}

// reconcileLoop re-runs EnsureInitialized every interval until ctx ends, so
// status changes written by other instances are picked up.
func (a *app) reconcileLoop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := a.statuses.EnsureInitialized(ctx); err != nil && ctx.Err() == nil {
				a.logger.Error().Err(err).Msg("periodic search parameter reconciliation failed")
			}
		}
	}
}
