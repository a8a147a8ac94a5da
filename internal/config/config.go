package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StatusStoreFile     = "file"
	StatusStorePostgres = "postgres"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	StatusStore                     string   `mapstructure:"STATUS_STORE"`
	SearchParametersFile            string   `mapstructure:"SEARCH_PARAMETERS_FILE"`
	UnsupportedSearchParametersFile string   `mapstructure:"UNSUPPORTED_SEARCH_PARAMETERS_FILE"`
	SortSearchParameters            []string `mapstructure:"SORT_SEARCH_PARAMETERS"`
	SupportedSearchParameterTypes   []string `mapstructure:"SUPPORTED_SEARCH_PARAMETER_TYPES"`

	DynamoDBTable             string  `mapstructure:"DYNAMODB_TABLE"`
	DynamoDBEndpoint          string  `mapstructure:"DYNAMODB_ENDPOINT"`
	AWSRegion                 string  `mapstructure:"AWS_REGION"`
	DynamoDBRequestsPerSecond float64 `mapstructure:"DYNAMODB_REQUESTS_PER_SECOND"`

	SearchEnumerationTimeoutSeconds int `mapstructure:"SEARCH_ENUMERATION_TIMEOUT_SECONDS"`
	RetryMaxRetries                 int `mapstructure:"RETRY_MAX_RETRIES"`
	RetryMaxWaitSeconds             int `mapstructure:"RETRY_MAX_WAIT_SECONDS"`
	BatchRetryMaxRetries            int `mapstructure:"BATCH_RETRY_MAX_RETRIES"`
	BatchRetryMaxWaitSeconds        int `mapstructure:"BATCH_RETRY_MAX_WAIT_SECONDS"`

	ReconcileInterval time.Duration `mapstructure:"RECONCILE_INTERVAL"`

	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`

	AllowUpdateCreate bool `mapstructure:"ALLOW_UPDATE_CREATE"`
	KeepHistory       bool `mapstructure:"KEEP_HISTORY"`

	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

var listKeys = []string{
	"SORT_SEARCH_PARAMETERS",
	"SUPPORTED_SEARCH_PARAMETER_TYPES",
	"CORS_ORIGINS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("STATUS_STORE", StatusStoreFile)
	v.SetDefault("SORT_SEARCH_PARAMETERS", "")
	v.SetDefault("SUPPORTED_SEARCH_PARAMETER_TYPES", "string,token,date,number,reference,quantity,uri,composite")
	v.SetDefault("DYNAMODB_TABLE", "fhir-resources")
	v.SetDefault("AWS_REGION", "us-east-1")
	v.SetDefault("DYNAMODB_REQUESTS_PER_SECOND", 0)
	v.SetDefault("SEARCH_ENUMERATION_TIMEOUT_SECONDS", 30)
	v.SetDefault("RETRY_MAX_RETRIES", 3)
	v.SetDefault("RETRY_MAX_WAIT_SECONDS", 5)
	v.SetDefault("BATCH_RETRY_MAX_RETRIES", 18)
	v.SetDefault("BATCH_RETRY_MAX_WAIT_SECONDS", 90)
	v.SetDefault("RECONCILE_INTERVAL", "1m")
	v.SetDefault("ALLOW_UPDATE_CREATE", true)
	v.SetDefault("KEEP_HISTORY", true)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("BODY_LIMIT", "4M")
	v.SetDefault("REQUEST_TIMEOUT", "60s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "LOG_LEVEL",
		"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"STATUS_STORE", "SEARCH_PARAMETERS_FILE", "UNSUPPORTED_SEARCH_PARAMETERS_FILE",
		"SORT_SEARCH_PARAMETERS", "SUPPORTED_SEARCH_PARAMETER_TYPES",
		"DYNAMODB_TABLE", "DYNAMODB_ENDPOINT", "AWS_REGION", "DYNAMODB_REQUESTS_PER_SECOND",
		"SEARCH_ENUMERATION_TIMEOUT_SECONDS",
		"RETRY_MAX_RETRIES", "RETRY_MAX_WAIT_SECONDS",
		"BATCH_RETRY_MAX_RETRIES", "BATCH_RETRY_MAX_WAIT_SECONDS",
		"RECONCILE_INTERVAL",
		"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
		"ALLOW_UPDATE_CREATE", "KEEP_HISTORY",
		"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT", "REQUEST_TIMEOUT",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma separated lists arrive from the environment as a single string.
	for _, key := range listKeys {
		list := splitList(v.GetString(key))
		switch key {
		case "SORT_SEARCH_PARAMETERS":
			cfg.SortSearchParameters = list
		case "SUPPORTED_SEARCH_PARAMETER_TYPES":
			cfg.SupportedSearchParameterTypes = list
		case "CORS_ORIGINS":
			cfg.CORSOrigins = list
		}
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// SearchEnumerationTimeout bounds how long one logical query page may keep
// fetching provider pages.
func (c *Config) SearchEnumerationTimeout() time.Duration {
	return time.Duration(c.SearchEnumerationTimeoutSeconds) * time.Second
}

// Validate checks that the configuration is safe to run. Outside development
// a signing key is required so real JWT authentication is enforced.
func (c *Config) Validate() error {
	if c.StatusStore != StatusStoreFile && c.StatusStore != StatusStorePostgres {
		return fmt.Errorf("STATUS_STORE must be %q or %q, got %q", StatusStoreFile, StatusStorePostgres, c.StatusStore)
	}
	if c.StatusStore == StatusStorePostgres && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when STATUS_STORE is %q", StatusStorePostgres)
	}
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY must be set when ENV is %q", c.Env)
	}
	if c.DynamoDBTable == "" {
		return fmt.Errorf("DYNAMODB_TABLE is required")
	}
	if c.SearchEnumerationTimeoutSeconds <= 0 {
		return fmt.Errorf("SEARCH_ENUMERATION_TIMEOUT_SECONDS must be positive, got %d", c.SearchEnumerationTimeoutSeconds)
	}
	if c.RetryMaxRetries < 0 || c.BatchRetryMaxRetries < 0 {
		return fmt.Errorf("retry counts must not be negative")
	}
	if c.ReconcileInterval < 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must not be negative")
	}
	return nil
}
