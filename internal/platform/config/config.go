package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 60 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultProviderTimeout     = 20 * time.Second
	defaultProviderRPS         = 20
	defaultProviderBurst       = 40
	defaultOptionCacheTTL      = 10 * time.Minute
	defaultContextHeader       = "X-Request-Context"
	defaultClientID            = "granule-access"
	defaultDownloadPrefix      = "download-configs"
	defaultRetrievalTopic      = "retrieval-jobs"
	defaultRetrievalPageSize   = 20
	defaultOptionsPerMinute    = 60
	defaultStatusPerMinute     = 240
	defaultRateLimitBurst      = 20
	defaultSecurityEnvironment = "local"
	defaultOIDCJWKSURL         = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer      = "https://accounts.google.com"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server     ServerConfig
	Firebase   FirebaseConfig
	Firestore  FirestoreConfig
	Storage    StorageConfig
	PubSub     PubSubConfig
	Providers  ProvidersConfig
	Retrievals RetrievalConfig
	RateLimits RateLimitConfig
	Security   SecurityConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StorageConfig locates the per-collection download configuration objects.
type StorageConfig struct {
	ConfigBucket         string
	DownloadConfigPrefix string
}

// PubSubConfig names the topic retrieval jobs are published to.
type PubSubConfig struct {
	ProjectID      string
	RetrievalTopic string
	EmulatorHost   string
}

// ProvidersConfig configures the outbound catalog, order and service clients.
type ProvidersConfig struct {
	CatalogURL        string
	OrdersURL         string
	ServicesURL       string
	ClientID          string
	ContextHeader     string
	Timeout           time.Duration
	RequestsPerSecond int
	Burst             int
	OptionCacheTTL    time.Duration
}

// RetrievalConfig controls retrieval id obfuscation and listing.
type RetrievalConfig struct {
	ObfuscationKey string
	PageSize       int
}

// RateLimitConfig controls per-user inbound throttling.
type RateLimitConfig struct {
	OptionsPerMinute int
	StatusPerMinute  int
	Burst            int
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
}

// OIDCConfig controls verification of Google-signed push tokens.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)

	env, err := newSource(options)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         env.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:  env.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: env.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  env.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       env.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: env.str("API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    env.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: env.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Storage: StorageConfig{
			ConfigBucket:         env.str("API_STORAGE_CONFIG_BUCKET", ""),
			DownloadConfigPrefix: strings.Trim(env.str("API_STORAGE_DOWNLOAD_CONFIG_PREFIX", defaultDownloadPrefix), "/"),
		},
		PubSub: PubSubConfig{
			ProjectID:      env.str("API_PUBSUB_PROJECT_ID", ""),
			RetrievalTopic: env.str("API_PUBSUB_RETRIEVAL_TOPIC", defaultRetrievalTopic),
			EmulatorHost:   env.str("API_PUBSUB_EMULATOR_HOST", ""),
		},
		Providers: ProvidersConfig{
			CatalogURL:        env.str("API_PROVIDERS_CATALOG_URL", ""),
			OrdersURL:         env.str("API_PROVIDERS_ORDERS_URL", ""),
			ServicesURL:       env.str("API_PROVIDERS_SERVICES_URL", ""),
			ClientID:          env.str("API_PROVIDERS_CLIENT_ID", defaultClientID),
			ContextHeader:     env.str("API_PROVIDERS_CONTEXT_HEADER", defaultContextHeader),
			Timeout:           env.duration("API_PROVIDERS_TIMEOUT", defaultProviderTimeout),
			RequestsPerSecond: env.integer("API_PROVIDERS_RPS", defaultProviderRPS),
			Burst:             env.integer("API_PROVIDERS_BURST", defaultProviderBurst),
			OptionCacheTTL:    env.duration("API_PROVIDERS_OPTION_CACHE_TTL", defaultOptionCacheTTL),
		},
		Retrievals: RetrievalConfig{
			ObfuscationKey: env.str("API_RETRIEVALS_OBFUSCATION_KEY", ""),
			PageSize:       env.integer("API_RETRIEVALS_PAGE_SIZE", defaultRetrievalPageSize),
		},
		RateLimits: RateLimitConfig{
			OptionsPerMinute: env.integer("API_RATELIMIT_OPTIONS_PER_MIN", defaultOptionsPerMinute),
			StatusPerMinute:  env.integer("API_RATELIMIT_STATUS_PER_MIN", defaultStatusPerMinute),
			Burst:            env.integer("API_RATELIMIT_BURST", defaultRateLimitBurst),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(env.str("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:   env.str("API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:  env.str("API_SECURITY_OIDC_AUDIENCE", ""),
				Audiences: env.keyValues("API_SECURITY_OIDC_AUDIENCES"),
				Issuers:   env.list("API_SECURITY_OIDC_ISSUERS"),
			},
		},
	}

	// Firestore and Pub/Sub fall back to the Firebase project.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firebase.ProjectID
	}

	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer}
	}
	if cfg.Security.OIDC.Audience == "" {
		if audience, ok := cfg.Security.OIDC.Audiences[cfg.Security.Environment]; ok {
			cfg.Security.OIDC.Audience = audience
		}
	}

	secrets := newSecretSet(options.secret)
	if err := secrets.resolve(ctx, "Retrievals.ObfuscationKey", &cfg.Retrievals.ObfuscationKey); err != nil {
		return Config{}, err
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := secrets.missing(options.requiredSecrets); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	var invalid []string

	if cfg.Server.Port == "" {
		invalid = append(invalid, "Server.Port")
	}
	if cfg.Firebase.ProjectID == "" {
		invalid = append(invalid, "Firebase.ProjectID")
	}
	if cfg.Firestore.ProjectID == "" {
		invalid = append(invalid, "Firestore.ProjectID")
	}
	if cfg.Storage.ConfigBucket == "" {
		invalid = append(invalid, "Storage.ConfigBucket")
	}
	if strings.TrimSpace(cfg.PubSub.RetrievalTopic) == "" {
		invalid = append(invalid, "PubSub.RetrievalTopic")
	}
	for name, raw := range map[string]string{
		"Providers.CatalogURL":  cfg.Providers.CatalogURL,
		"Providers.OrdersURL":   cfg.Providers.OrdersURL,
		"Providers.ServicesURL": cfg.Providers.ServicesURL,
	} {
		if !validBaseURL(raw) {
			invalid = append(invalid, name)
		}
	}
	if cfg.Providers.Timeout <= 0 {
		invalid = append(invalid, "Providers.Timeout")
	}
	if cfg.Providers.RequestsPerSecond <= 0 {
		invalid = append(invalid, "Providers.RequestsPerSecond")
	}
	if cfg.Retrievals.PageSize <= 0 {
		invalid = append(invalid, "Retrievals.PageSize")
	}

	if len(invalid) > 0 {
		return &ValidationError{fields: sortedCopy(invalid)}
	}
	return nil
}

func validBaseURL(raw string) bool {
	if strings.TrimSpace(raw) == "" {
		return false
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}
