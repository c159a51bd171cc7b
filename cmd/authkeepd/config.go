package main

import (
	"time"

	"github.com/spf13/viper"
)

type daemonConfig struct {
	Addr        string
	Debug       bool
	LogPath     string
	DatabaseURL string
	RedisAddr   string
	RedisDB     int

	TokenSecret     string
	TokenIssuer     string
	AccessTTL       time.Duration
	RefreshTTL      time.Duration
	MaxConcurrent   int
	LockoutAttempts int
	LockoutDuration time.Duration
	TwoFactorIssuer string
	CleanupInterval time.Duration
}

func loadConfig() (*daemonConfig, error) {
	viper.SetConfigFile(".env")
	viper.SetConfigType("env")

	viper.SetDefault("ADDR", ":8080")
	viper.SetDefault("DEBUG", false)
	viper.SetDefault("LOG_PATH", "logs/")
	viper.SetDefault("REDIS_ADDR", "localhost:6379")
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("TOKEN_ISSUER", "authkeep")
	viper.SetDefault("ACCESS_TTL", "15m")
	viper.SetDefault("REFRESH_TTL", "720h")
	viper.SetDefault("MAX_CONCURRENT_SESSIONS", 5)
	viper.SetDefault("LOCKOUT_ATTEMPTS", 5)
	viper.SetDefault("LOCKOUT_DURATION", "15m")
	viper.SetDefault("TWO_FACTOR_ISSUER", "authkeep")
	viper.SetDefault("CLEANUP_INTERVAL", "1h")

	// A missing .env is fine; the environment alone can carry the
	// configuration.
	_ = viper.ReadInConfig()
	viper.AutomaticEnv()

	return &daemonConfig{
		Addr:            viper.GetString("ADDR"),
		Debug:           viper.GetBool("DEBUG"),
		LogPath:         viper.GetString("LOG_PATH"),
		DatabaseURL:     viper.GetString("DATABASE_URL"),
		RedisAddr:       viper.GetString("REDIS_ADDR"),
		RedisDB:         viper.GetInt("REDIS_DB"),
		TokenSecret:     viper.GetString("TOKEN_SECRET"),
		TokenIssuer:     viper.GetString("TOKEN_ISSUER"),
		AccessTTL:       viper.GetDuration("ACCESS_TTL"),
		RefreshTTL:      viper.GetDuration("REFRESH_TTL"),
		MaxConcurrent:   viper.GetInt("MAX_CONCURRENT_SESSIONS"),
		LockoutAttempts: viper.GetInt("LOCKOUT_ATTEMPTS"),
		LockoutDuration: viper.GetDuration("LOCKOUT_DURATION"),
		TwoFactorIssuer: viper.GetString("TWO_FACTOR_ISSUER"),
		CleanupInterval: viper.GetDuration("CLEANUP_INTERVAL"),
	}, nil
}
