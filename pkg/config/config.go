package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	Auth         AuthConfig
	RateLimit    RateLimitConfig
	FeatureFlags FeatureFlagsConfig
	Eventing     EventingConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Stripe       StripeConfig
	Storage      StorageConfig
	OCR          OCRConfig
	Outbox       OutboxConfig
	Cron         CronConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string   `envconfig:"PDF2MD_APP_ENV" required:"true"`
	Port         string   `envconfig:"PDF2MD_APP_PORT" required:"true"`
	LogLevel     string   `envconfig:"PDF2MD_LOG_LEVEL" default:"info"`
	LogWarnStack bool     `envconfig:"PDF2MD_LOG_WARN_STACK" default:"false"`
	BaseURL      string   `envconfig:"PDF2MD_PUBLIC_BASE_URL"`
	CORSOrigins  []string `envconfig:"PDF2MD_CORS_ORIGINS"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"PDF2MD_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"PDF2MD_DB_DSN"`
	Driver string `envconfig:"PDF2MD_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"PDF2MD_DB_HOST"`
	LegacyPort     int    `envconfig:"PDF2MD_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"PDF2MD_DB_USER"`
	LegacyPassword string `envconfig:"PDF2MD_DB_PASSWORD"`
	LegacyName     string `envconfig:"PDF2MD_DB_NAME"`
	LegacySSLMode  string `envconfig:"PDF2MD_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"PDF2MD_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"PDF2MD_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"PDF2MD_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"PDF2MD_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"PDF2MD_REDIS_URL" required:"true"`
	Address      string        `envconfig:"PDF2MD_REDIS_ADDR"`
	Password     string        `envconfig:"PDF2MD_REDIS_PASSWORD"`
	DB           int           `envconfig:"PDF2MD_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"PDF2MD_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"PDF2MD_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"PDF2MD_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"PDF2MD_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"PDF2MD_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// AuthConfig selects how bearer tokens are verified. Firebase ID tokens are
// the production path; HS256 tokens exist for local development and tests.
type AuthConfig struct {
	Provider                string `envconfig:"PDF2MD_AUTH_PROVIDER" default:"firebase"`
	FirebaseProjectID       string `envconfig:"PDF2MD_FIREBASE_PROJECT_ID"`
	FirebaseCredentialsJSON string `envconfig:"PDF2MD_FIREBASE_CREDENTIALS_JSON"`
	FirebaseCredentialsFile string `envconfig:"PDF2MD_FIREBASE_CREDENTIALS_FILE"`
	JWTSecret               string `envconfig:"PDF2MD_JWT_SECRET"`
	JWTIssuer               string `envconfig:"PDF2MD_JWT_ISSUER" default:"pdf2md"`
}

func (a AuthConfig) normalizedProvider() string {
	return strings.ToLower(strings.TrimSpace(a.Provider))
}

func (a AuthConfig) UsesFirebase() bool {
	return a.normalizedProvider() == AuthProviderFirebase
}

type RateLimitConfig struct {
	CheckoutWindow time.Duration `envconfig:"PDF2MD_RATE_LIMIT_CHECKOUT_WINDOW" default:"1m"`
	CheckoutLimit  int           `envconfig:"PDF2MD_RATE_LIMIT_CHECKOUT_LIMIT" default:"10"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"PDF2MD_AUTO_MIGRATE" default:"false"`
}

type EventingConfig struct {
	WebhookIdempotencyTTL time.Duration `envconfig:"PDF2MD_WEBHOOK_IDEMPOTENCY_TTL" default:"72h"`
	HTTPIdempotencyTTL    time.Duration `envconfig:"PDF2MD_HTTP_IDEMPOTENCY_TTL" default:"24h"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"PDF2MD_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"PDF2MD_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"PDF2MD_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	BillingTopic string `envconfig:"PDF2MD_PUBSUB_BILLING_TOPIC" default:"pdf2md-billing-events"`
	// PaymentAlertsTopic receives payment_failed events when set; otherwise
	// they go to BillingTopic.
	PaymentAlertsTopic string `envconfig:"PDF2MD_PUBSUB_PAYMENT_ALERTS_TOPIC"`
}

// Topics lists every configured topic, billing first.
func (p PubSubConfig) Topics() []string {
	topics := []string{p.BillingTopic}
	if alerts := strings.TrimSpace(p.PaymentAlertsTopic); alerts != "" && alerts != p.BillingTopic {
		topics = append(topics, alerts)
	}
	return topics
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"PDF2MD_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"PDF2MD_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"PDF2MD_OUTBOX_MAX_ATTEMPTS" default:"10"`
	RetentionDays  int `envconfig:"PDF2MD_OUTBOX_RETENTION_DAYS" default:"30"`
}

type CronConfig struct {
	ReconcileEvery time.Duration `envconfig:"PDF2MD_CRON_RECONCILE_EVERY" default:"1h"`
	RetentionEvery time.Duration `envconfig:"PDF2MD_CRON_RETENTION_EVERY" default:"24h"`
}

type StripeConfig struct {
	APIKey        string `envconfig:"PDF2MD_STRIPE_API_KEY"`
	WebhookSecret string `envconfig:"PDF2MD_STRIPE_WEBHOOK_SECRET"`
	Env           string `envconfig:"PDF2MD_STRIPE_ENV" default:"test"`

	PriceBasicCredits      string `envconfig:"PDF2MD_STRIPE_PRICE_BASIC_CREDITS"`
	PriceProCredits        string `envconfig:"PDF2MD_STRIPE_PRICE_PRO_CREDITS"`
	PriceEnterpriseCredits string `envconfig:"PDF2MD_STRIPE_PRICE_ENTERPRISE_CREDITS"`
	PriceStandardTier      string `envconfig:"PDF2MD_STRIPE_PRICE_STANDARD_TIER"`
	PricePremiumTier       string `envconfig:"PDF2MD_STRIPE_PRICE_PREMIUM_TIER"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

type StorageConfig struct {
	Endpoint        string        `envconfig:"PDF2MD_S3_ENDPOINT"`
	Region          string        `envconfig:"PDF2MD_S3_REGION" default:"auto"`
	Bucket          string        `envconfig:"PDF2MD_S3_BUCKET" default:"pdf2md"`
	AccessKeyID     string        `envconfig:"PDF2MD_S3_ACCESS_KEY_ID"`
	SecretAccessKey string        `envconfig:"PDF2MD_S3_SECRET_ACCESS_KEY"`
	UploadPrefix    string        `envconfig:"PDF2MD_S3_UPLOAD_PREFIX" default:"pdf-uploads"`
	PresignExpiry   time.Duration `envconfig:"PDF2MD_S3_PRESIGN_EXPIRY" default:"15m"`
	MaxUploadMB     int           `envconfig:"PDF2MD_MAX_UPLOAD_MB" default:"20"`
}

type OCRConfig struct {
	APIKey     string        `envconfig:"PDF2MD_MISTRAL_API_KEY"`
	BaseURL    string        `envconfig:"PDF2MD_MISTRAL_BASE_URL" default:"https://api.mistral.ai/v1"`
	Model      string        `envconfig:"PDF2MD_MISTRAL_OCR_MODEL" default:"mistral-ocr-latest"`
	Timeout    time.Duration `envconfig:"PDF2MD_MISTRAL_TIMEOUT" default:"120s"`
	MaxRetries uint64        `envconfig:"PDF2MD_MISTRAL_MAX_RETRIES" default:"2"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
