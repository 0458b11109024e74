package config

import (
	"os"
	"strconv"
)

// Config holds daemon configuration.
type Config struct {
	Port               string
	LogLevel           string
	DatabaseURL        string
	RedisAddr          string
	SQLitePath         string
	WalletURL          string
	WalletToken        string
	IssuerKeyID        string
	IssuerSeedHex      string
	OTLPEndpoint       string
	ProfilesDir        string
	ProfileCode        string
	DefaultBudgetMsats int64
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8090"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	walletURL := os.Getenv("SATLINE_WALLET_URL")
	if walletURL == "" {
		walletURL = "http://localhost:9737"
	}

	profilesDir := os.Getenv("SATLINE_PROFILES_DIR")
	if profilesDir == "" {
		profilesDir = "profiles"
	}

	issuerKeyID := os.Getenv("SATLINE_ISSUER_KEY_ID")
	if issuerKeyID == "" {
		issuerKeyID = "satline-issuer"
	}

	budget := int64(100_000_000)
	if raw := os.Getenv("SATLINE_DEFAULT_BUDGET_MSATS"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v > 0 {
			budget = v
		}
	}

	return &Config{
		Port:               port,
		LogLevel:           logLevel,
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisAddr:          os.Getenv("SATLINE_REDIS_ADDR"),
		SQLitePath:         os.Getenv("SATLINE_SQLITE_PATH"),
		WalletURL:          walletURL,
		WalletToken:        os.Getenv("SATLINE_WALLET_TOKEN"),
		IssuerKeyID:        issuerKeyID,
		IssuerSeedHex:      os.Getenv("SATLINE_ISSUER_SEED"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ProfilesDir:        profilesDir,
		ProfileCode:        os.Getenv("SATLINE_PROFILE"),
		DefaultBudgetMsats: budget,
	}
}
