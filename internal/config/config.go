package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/punchamoorthee/ledgerguard/internal/domain"
)

// Config holds every setting of the service. Values come from the environment
// and an optional .env file.
type Config struct {
	DBSource    string `mapstructure:"DB_SOURCE"`
	Port        string `mapstructure:"SERVER_PORT"`
	Env         string `mapstructure:"ENVIRONMENT"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	LogFormat   string `mapstructure:"LOG_FORMAT"`
	LogCaller   bool   `mapstructure:"LOG_INCLUDE_CALLER"`
	RedisURL    string `mapstructure:"REDIS_URL"`
	RabbitMQURL string `mapstructure:"RABBITMQ_URL"`

	JWTSecret      string   `mapstructure:"JWT_SECRET"`
	InternalAPIKey string   `mapstructure:"INTERNAL_API_KEY"`
	AllowedOrigins []string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	DBLockTimeout    time.Duration `mapstructure:"DB_LOCK_TIMEOUT"`
	DBMaxConns       int32         `mapstructure:"DB_MAX_CONNS"`
	PostCommitWorker int           `mapstructure:"POST_COMMIT_WORKERS"`
	PostCommitBuffer int           `mapstructure:"POST_COMMIT_BUFFER"`

	USDPerJOD            string `mapstructure:"USD_PER_JOD"`
	EURPerJOD            string `mapstructure:"EUR_PER_JOD"`
	TransferFeeFlat      string `mapstructure:"TRANSFER_FEE_FLAT"`
	TransferFeePercent   string `mapstructure:"TRANSFER_FEE_PERCENT"`
	TransferLimitDefault string `mapstructure:"TRANSFER_LIMIT_DEFAULT"`
	TransferLimits       string `mapstructure:"TRANSFER_LIMITS"`

	ConfirmationThreshold string        `mapstructure:"CONFIRMATION_THRESHOLD"`
	OTPTTL                time.Duration `mapstructure:"OTP_TTL"`
	OTPMaxAttempts        int           `mapstructure:"OTP_MAX_ATTEMPTS"`
	AwaitingTransferTTL   time.Duration `mapstructure:"AWAITING_TRANSFER_TTL"`
	ReaperSchedule        string        `mapstructure:"REAPER_SCHEDULE"`

	RiskTimezone            string        `mapstructure:"RISK_TIMEZONE"`
	RiskLargeTxnThreshold   string        `mapstructure:"RISK_LARGE_TXN_THRESHOLD"`
	RiskVelocityCount       int           `mapstructure:"RISK_VELOCITY_COUNT"`
	RiskVelocityAmount      string        `mapstructure:"RISK_VELOCITY_AMOUNT"`
	RiskRapidCount          int           `mapstructure:"RISK_RAPID_COUNT"`
	RiskOutlierMultiplier   string        `mapstructure:"RISK_OUTLIER_MULTIPLIER"`
	RiskBlacklistedIPs      []string      `mapstructure:"RISK_BLACKLISTED_IPS"`
	RiskFailedTransferBurst int           `mapstructure:"RISK_FAILED_TRANSFER_BURST"`
	AdvisoryURL             string        `mapstructure:"ADVISORY_URL"`
	AdvisoryAPIKey          string        `mapstructure:"ADVISORY_API_KEY"`
	AdvisoryMinSeverity     string        `mapstructure:"ADVISORY_MIN_SEVERITY"`
	GeoIPURL                string        `mapstructure:"GEOIP_URL"`
	GeoIPToken              string        `mapstructure:"GEOIP_TOKEN"`
	GeoCacheTTL             time.Duration `mapstructure:"GEO_CACHE_TTL"`

	RateLimitPrefix    string `mapstructure:"RATE_LIMIT_PREFIX"`
	TransferRatePerMin int    `mapstructure:"TRANSFER_RATE_LIMIT_PER_MINUTE"`
	VerifyRatePerMin   int    `mapstructure:"VERIFY_RATE_LIMIT_PER_MINUTE"`
}

var keys = []string{
	"DB_SOURCE", "SERVER_PORT", "ENVIRONMENT", "LOG_LEVEL", "LOG_FORMAT", "LOG_INCLUDE_CALLER",
	"REDIS_URL", "RABBITMQ_URL", "JWT_SECRET", "INTERNAL_API_KEY", "CORS_ALLOWED_ORIGINS",
	"DB_LOCK_TIMEOUT", "DB_MAX_CONNS", "POST_COMMIT_WORKERS", "POST_COMMIT_BUFFER",
	"USD_PER_JOD", "EUR_PER_JOD", "TRANSFER_FEE_FLAT", "TRANSFER_FEE_PERCENT",
	"TRANSFER_LIMIT_DEFAULT", "TRANSFER_LIMITS", "CONFIRMATION_THRESHOLD", "OTP_TTL",
	"OTP_MAX_ATTEMPTS", "AWAITING_TRANSFER_TTL", "REAPER_SCHEDULE", "RISK_TIMEZONE",
	"RISK_LARGE_TXN_THRESHOLD", "RISK_VELOCITY_COUNT", "RISK_VELOCITY_AMOUNT", "RISK_RAPID_COUNT",
	"RISK_OUTLIER_MULTIPLIER", "RISK_BLACKLISTED_IPS", "RISK_FAILED_TRANSFER_BURST",
	"ADVISORY_URL", "ADVISORY_API_KEY", "ADVISORY_MIN_SEVERITY", "GEOIP_URL", "GEOIP_TOKEN",
	"GEO_CACHE_TTL", "RATE_LIMIT_PREFIX", "TRANSFER_RATE_LIMIT_PER_MINUTE",
	"VERIFY_RATE_LIMIT_PER_MINUTE",
}

// Load reads the configuration, looking for an optional .env file in path.
func Load(path string) (*Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AutomaticEnv()

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("ENVIRONMENT", "development")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "text")
	viper.SetDefault("DB_LOCK_TIMEOUT", "3s")
	viper.SetDefault("DB_MAX_CONNS", 20)
	viper.SetDefault("POST_COMMIT_WORKERS", 4)
	viper.SetDefault("POST_COMMIT_BUFFER", 1024)
	viper.SetDefault("USD_PER_JOD", "1.41")
	viper.SetDefault("EUR_PER_JOD", "1.31")
	viper.SetDefault("TRANSFER_FEE_FLAT", "0")
	viper.SetDefault("TRANSFER_FEE_PERCENT", "0")
	viper.SetDefault("TRANSFER_LIMIT_DEFAULT", "10000.00")
	viper.SetDefault("CONFIRMATION_THRESHOLD", "500.00")
	viper.SetDefault("OTP_TTL", "5m")
	viper.SetDefault("OTP_MAX_ATTEMPTS", 3)
	viper.SetDefault("AWAITING_TRANSFER_TTL", "15m")
	viper.SetDefault("REAPER_SCHEDULE", "@every 1m")
	viper.SetDefault("RISK_TIMEZONE", "UTC")
	viper.SetDefault("RISK_LARGE_TXN_THRESHOLD", "10000.00")
	viper.SetDefault("RISK_VELOCITY_COUNT", 10)
	viper.SetDefault("RISK_VELOCITY_AMOUNT", "50000.00")
	viper.SetDefault("RISK_RAPID_COUNT", 5)
	viper.SetDefault("RISK_OUTLIER_MULTIPLIER", "5")
	viper.SetDefault("RISK_FAILED_TRANSFER_BURST", 3)
	viper.SetDefault("ADVISORY_MIN_SEVERITY", "high")
	viper.SetDefault("GEOIP_URL", "https://ipinfo.io")
	viper.SetDefault("GEO_CACHE_TTL", "24h")
	viper.SetDefault("RATE_LIMIT_PREFIX", "ledgerguard:rate_limit")
	viper.SetDefault("TRANSFER_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("VERIFY_RATE_LIMIT_PER_MINUTE", 10)

	for _, key := range keys {
		_ = viper.BindEnv(key)
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// comma separated lists arrive as a single element from the environment
	cfg.AllowedOrigins = splitList(cfg.AllowedOrigins)
	cfg.RiskBlacklistedIPs = splitList(cfg.RiskBlacklistedIPs)

	if strings.TrimSpace(cfg.DBSource) == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	for name, raw := range map[string]string{
		"USD_PER_JOD":              c.USDPerJOD,
		"EUR_PER_JOD":              c.EURPerJOD,
		"TRANSFER_FEE_FLAT":        c.TransferFeeFlat,
		"TRANSFER_FEE_PERCENT":     c.TransferFeePercent,
		"TRANSFER_LIMIT_DEFAULT":   c.TransferLimitDefault,
		"CONFIRMATION_THRESHOLD":   c.ConfirmationThreshold,
		"RISK_LARGE_TXN_THRESHOLD": c.RiskLargeTxnThreshold,
		"RISK_VELOCITY_AMOUNT":     c.RiskVelocityAmount,
		"RISK_OUTLIER_MULTIPLIER":  c.RiskOutlierMultiplier,
	} {
		d, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, raw, err)
		}
		if d.IsNegative() {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if _, err := c.Limits(); err != nil {
		return err
	}
	if _, err := time.LoadLocation(c.RiskTimezone); err != nil {
		return fmt.Errorf("invalid RISK_TIMEZONE %q: %w", c.RiskTimezone, err)
	}
	if _, ok := domain.ParseSeverity(c.AdvisoryMinSeverity); !ok {
		return fmt.Errorf("invalid ADVISORY_MIN_SEVERITY %q", c.AdvisoryMinSeverity)
	}
	if c.OTPMaxAttempts <= 0 {
		return fmt.Errorf("OTP_MAX_ATTEMPTS must be positive")
	}
	return nil
}

// Dec parses a decimal setting that validate has already checked.
func Dec(raw string) decimal.Decimal {
	return decimal.RequireFromString(strings.TrimSpace(raw))
}

// Limits resolves the per account type single transfer limits. TRANSFER_LIMITS
// overrides individual types, e.g. "Basic=1000,USD=5000".
func (c *Config) Limits() (map[domain.AccountType]decimal.Decimal, error) {
	def, err := decimal.NewFromString(strings.TrimSpace(c.TransferLimitDefault))
	if err != nil {
		return nil, fmt.Errorf("invalid TRANSFER_LIMIT_DEFAULT: %w", err)
	}
	limits := map[domain.AccountType]decimal.Decimal{
		domain.AccountSavings: def,
		domain.AccountSalary:  def,
		domain.AccountBasic:   def,
		domain.AccountUSD:     def,
		domain.AccountEUR:     def,
	}
	for _, pair := range strings.Split(c.TransferLimits, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid TRANSFER_LIMITS entry %q", pair)
		}
		typ := domain.AccountType(strings.TrimSpace(name))
		if !typ.Valid() {
			return nil, fmt.Errorf("unknown account type %q in TRANSFER_LIMITS", name)
		}
		limit, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("invalid limit for %s: %w", typ, err)
		}
		limits[typ] = limit
	}
	return limits, nil
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
