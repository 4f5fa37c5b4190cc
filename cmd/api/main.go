package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/granule-access/api/internal/handlers"
	"github.com/granule-access/api/internal/platform/auth"
	"github.com/granule-access/api/internal/platform/config"
	pfirestore "github.com/granule-access/api/internal/platform/firestore"
	"github.com/granule-access/api/internal/platform/jobs"
	"github.com/granule-access/api/internal/platform/observability"
	"github.com/granule-access/api/internal/platform/secrets"
	platformstorage "github.com/granule-access/api/internal/platform/storage"
	"github.com/granule-access/api/internal/providers"
	"github.com/granule-access/api/internal/repositories"
	firestoreRepo "github.com/granule-access/api/internal/repositories/firestore"
	"github.com/granule-access/api/internal/repositories/objectstore"
	"github.com/granule-access/api/internal/services"
)

const pubsubEmulatorEnv = "PUBSUB_EMULATOR_HOST"

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets("Retrievals.ObfuscationKey"),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore, pfirestore.WithClientOptions(googleClientOptions(cfg)...))
	if _, err := firestoreProvider.Client(ctx); err != nil {
		logger.Fatal("failed to initialise firestore", zap.Error(err))
	}
	defer func() {
		if err := firestoreProvider.Close(); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	configReader, err := platformstorage.NewReader(ctx, cfg.Storage.ConfigBucket, googleClientOptions(cfg))
	if err != nil {
		logger.Fatal("failed to initialise storage reader", zap.Error(err))
	}
	defer func() {
		if err := configReader.Close(); err != nil {
			logger.Warn("storage close error", zap.Error(err))
		}
	}()

	pubsubClient, err := newPubSubClient(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise pubsub", zap.Error(err))
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}()
	retrievalTopic := pubsubClient.Topic(cfg.PubSub.RetrievalTopic)
	defer retrievalTopic.Stop()

	publisher, err := jobs.NewPubSubRetrievalPublisher(retrievalTopic)
	if err != nil {
		logger.Fatal("failed to initialise retrieval publisher", zap.Error(err))
	}

	retrievalRepo, err := firestoreRepo.NewRetrievalRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise retrieval repository", zap.Error(err))
	}
	counterRepo, err := firestoreRepo.NewCounterRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise counter repository", zap.Error(err))
	}
	accessConfigRepo, err := firestoreRepo.NewAccessConfigRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise access configuration repository", zap.Error(err))
	}
	downloadConfigRepo, err := objectstore.NewDownloadConfigRepository(configReader, cfg.Storage.DownloadConfigPrefix)
	if err != nil {
		logger.Fatal("failed to initialise download configuration repository", zap.Error(err))
	}

	limiter := providers.NewLimiter(cfg.Providers.RequestsPerSecond, cfg.Providers.Burst)
	providerOptions := func(baseURL string) providers.Options {
		return providers.Options{
			BaseURL:  baseURL,
			ClientID: cfg.Providers.ClientID,
			Timeout:  cfg.Providers.Timeout,
			Limiter:  limiter,
		}
	}
	catalogClient, err := providers.NewCatalogClient(providerOptions(cfg.Providers.CatalogURL))
	if err != nil {
		logger.Fatal("failed to initialise catalog client", zap.Error(err))
	}
	orderClient, err := providers.NewOrderClient(providerOptions(cfg.Providers.OrdersURL), cfg.Providers.OptionCacheTTL)
	if err != nil {
		logger.Fatal("failed to initialise order client", zap.Error(err))
	}
	serviceClient, err := providers.NewServiceClient(providerOptions(cfg.Providers.ServicesURL), cfg.Providers.ContextHeader)
	if err != nil {
		logger.Fatal("failed to initialise service client", zap.Error(err))
	}

	ids, err := services.NewIDObfuscator(cfg.Retrievals.ObfuscationKey)
	if err != nil {
		logger.Fatal("failed to initialise id obfuscator", zap.Error(err))
	}

	dataAccessService, err := services.NewDataAccessService(services.DataAccessServiceDeps{
		Catalog:         catalogClient,
		Orders:          orderClient,
		Services:        orderClient,
		DownloadConfigs: downloadConfigRepo,
		Defaults:        accessConfigRepo,
		Logger:          observability.EventLogger(logger.Named("data_access")),
	})
	if err != nil {
		logger.Fatal("failed to initialise data access service", zap.Error(err))
	}

	tracker, err := services.NewOrderStatusTracker(services.OrderStatusTrackerDeps{
		Orders:   orderClient,
		Services: serviceClient,
		Logger:   observability.EventLogger(logger.Named("status")),
	})
	if err != nil {
		logger.Fatal("failed to initialise order status tracker", zap.Error(err))
	}

	retrievalService, err := services.NewRetrievalService(services.RetrievalServiceDeps{
		Retrievals:    retrievalRepo,
		Counters:      counterRepo,
		AccessConfigs: accessConfigRepo,
		Tracker:       tracker,
		Orders:        orderClient,
		Publisher:     publisher,
		IDs:           ids,
		PageSize:      cfg.Retrievals.PageSize,
		Logger:        observability.EventLogger(logger.Named("retrievals")),
	})
	if err != nil {
		logger.Fatal("failed to initialise retrieval service", zap.Error(err))
	}

	processor, err := services.NewRetrievalProcessor(services.RetrievalProcessorDeps{
		Retrievals:  retrievalRepo,
		Orders:      orderClient,
		Services:    serviceClient,
		IDs:         ids,
		Environment: cfg.Security.Environment,
		Logger:      observability.EventLogger(logger.Named("worker")),
	})
	if err != nil {
		logger.Fatal("failed to initialise retrieval processor", zap.Error(err))
	}

	systemService, err := newSystemService(firestoreProvider, fetcher, configReader, retrievalTopic, buildInfo)
	if err != nil {
		logger.Fatal("failed to initialise system service", zap.Error(err))
	}

	verifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(verifier)
	oidcMiddleware := buildOIDCMiddleware(logger, cfg)

	dataAccessHandlers := handlers.NewDataAccessHandlers(authenticator, dataAccessService,
		handlers.WithDataAccessRateLimit(cfg.RateLimits.OptionsPerMinute, cfg.RateLimits.Burst),
		handlers.WithDataAccessEnvironment(cfg.Security.Environment),
	)
	retrievalOpts := []handlers.RetrievalOption{
		handlers.WithRetrievalStatusRateLimit(cfg.RateLimits.StatusPerMinute, cfg.RateLimits.Burst),
		handlers.WithRetrievalEnvironment(cfg.Security.Environment),
		handlers.WithRetrievalPageSize(cfg.Retrievals.PageSize),
	}
	if base := strings.TrimSpace(envValues["API_PUBLIC_BASE_URL"]); base != "" {
		retrievalOpts = append(retrievalOpts, handlers.WithRetrievalCallbackBase(base))
	}
	retrievalHandlers := handlers.NewRetrievalHandlers(authenticator, retrievalService, retrievalOpts...)
	orderHandlers := handlers.NewOrderHandlers(authenticator, retrievalService)
	internalHandlers := handlers.NewInternalJobHandlers(processor)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(systemService),
	)

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithDataAccessRoutes(dataAccessHandlers.Routes),
		handlers.WithRetrievalRoutes(retrievalHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
	}
	if oidcMiddleware != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(oidcMiddleware))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("granule access api listening", zap.String("environment", buildInfo.Environment))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func googleClientOptions(cfg config.Config) []option.ClientOption {
	if file := strings.TrimSpace(cfg.Firebase.CredentialsFile); file != "" {
		return []option.ClientOption{option.WithCredentialsFile(file)}
	}
	return nil
}

func newPubSubClient(ctx context.Context, cfg config.Config) (*pubsub.Client, error) {
	if host := strings.TrimSpace(cfg.PubSub.EmulatorHost); host != "" && os.Getenv(pubsubEmulatorEnv) == "" {
		// the client library switches to the emulator when this variable is set
		_ = os.Setenv(pubsubEmulatorEnv, host)
	}
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID, googleClientOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("pubsub: create client: %w", err)
	}
	return client, nil
}

func newSystemService(store *pfirestore.Provider, fetcher *secrets.Fetcher, reader *platformstorage.Reader, topic *pubsub.Topic, build services.BuildInfo) (services.SystemService, error) {
	checks := make([]repositories.DependencyCheck, 0, 4)
	if store != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check:   store.Ping,
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://system/healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil {
					return nil
				}
				if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	if reader != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:  "storage",
			Check: reader.Ping,
		})
	}
	if topic != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name: "pubsub",
			Check: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %s does not exist", topic.ID())
				}
				return nil
			},
		})
	}
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	repo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: repo,
		Clock:            time.Now,
		Build:            build,
	})
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL)
	validator := auth.NewOIDCValidator(cache, logger.Named("oidc"))

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	issuers := cfg.Security.OIDC.Issuers
	if len(issuers) == 0 {
		logger.Warn("auth: OIDC issuers not configured; internal routes will reject requests")
	}

	return validator.RequireOIDC(audience, issuers)
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}
