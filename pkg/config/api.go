package config

import "time"

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment             string
	Addr                    string
	LogLevel                string
	DatabaseURL             string
	MigrationsDir           string
	JWTSecret               string
	TokenTTL                time.Duration
	StoreTimeout            time.Duration
	RelaySurfaceSendFailure bool
	EmailConfirmation       bool
	SMTPAddr                string
	SMTPFrom                string
	SMTPUser                string
	SMTPPassword            string
	RateLimitRedisAddr      string
	RateLimitRedisPass      string
	RateLimitRedisDB        int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:             GetString("APP_ENV", "development"),
		Addr:                    GetString("API_ADDR", ":3000"),
		LogLevel:                GetString("LOG_LEVEL", "info"),
		DatabaseURL:             GetString("DATABASE_URL", "postgres://smokefield:smokefield@db:5432/smokefield?sslmode=disable"),
		MigrationsDir:           GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		JWTSecret:               GetString("JWT_SECRET", "supersecuresecret"),
		TokenTTL:                time.Duration(GetInt("TOKEN_TTL_MIN", 60)) * time.Minute,
		StoreTimeout:            time.Duration(GetInt("STORE_TIMEOUT_SECONDS", 5)) * time.Second,
		RelaySurfaceSendFailure: GetBool("RELAY_SURFACE_SEND_FAILURE", false),
		EmailConfirmation:       GetBool("EMAIL_CONFIRMATION", false),
		SMTPAddr:                GetString("SMTP_ADDR", ""),
		SMTPFrom:                GetString("SMTP_FROM", "no-reply@smokefield.local"),
		SMTPUser:                GetString("SMTP_USER", ""),
		SMTPPassword:            GetString("SMTP_PASSWORD", ""),
		RateLimitRedisAddr:      GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:      GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:        GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
