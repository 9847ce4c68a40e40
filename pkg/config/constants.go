package config

const EnvPrefix = "PDF2MD"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	AuthProviderFirebase = "firebase"
	AuthProviderJWT      = "jwt"
)

const (
	EnvAppEnv        = "PDF2MD_APP_ENV"
	EnvPort          = "PDF2MD_APP_PORT"
	EnvLogLevel      = "PDF2MD_LOG_LEVEL"
	EnvPublicBaseURL = "PDF2MD_PUBLIC_BASE_URL"
	EnvCORSOrigins   = "PDF2MD_CORS_ORIGINS"

	EnvDBDSN  = "PDF2MD_DB_DSN"
	EnvDBHost = "PDF2MD_DB_HOST"
	EnvDBPort = "PDF2MD_DB_PORT"
	EnvDBUser = "PDF2MD_DB_USER"
	EnvDBPass = "PDF2MD_DB_PASSWORD"
	EnvDBName = "PDF2MD_DB_NAME"

	EnvRedisURL = "PDF2MD_REDIS_URL"

	EnvAuthProvider            = "PDF2MD_AUTH_PROVIDER"
	EnvFirebaseProjectID       = "PDF2MD_FIREBASE_PROJECT_ID"
	EnvFirebaseCredentialsJSON = "PDF2MD_FIREBASE_CREDENTIALS_JSON"
	EnvFirebaseCredentialsFile = "PDF2MD_FIREBASE_CREDENTIALS_FILE"
	EnvJWTSecret               = "PDF2MD_JWT_SECRET"

	EnvGCPProjectID          = "PDF2MD_GCP_PROJECT_ID"
	EnvPubSubBillingTopic    = "PDF2MD_PUBSUB_BILLING_TOPIC"
	EnvStripeAPIKey          = "PDF2MD_STRIPE_API_KEY"
	EnvStripeWebhookSecret   = "PDF2MD_STRIPE_WEBHOOK_SECRET"
	EnvStripeEnv             = "PDF2MD_STRIPE_ENV"
	EnvStripePriceBasic      = "PDF2MD_STRIPE_PRICE_BASIC_CREDITS"
	EnvStripePriceStandard   = "PDF2MD_STRIPE_PRICE_STANDARD_TIER"
	EnvS3Bucket              = "PDF2MD_S3_BUCKET"
	EnvMistralAPIKey         = "PDF2MD_MISTRAL_API_KEY"
	EnvWebhookIdempotencyTTL = "PDF2MD_WEBHOOK_IDEMPOTENCY_TTL"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
