package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	MigrateOnStart        bool
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AuthSecret            string
	AccessTokenTTLMinutes int
	LogLevel              string
	LogPretty             bool

	FulfillMaxAttempts int
	FulfillRetryBackoff time.Duration
	OrderLockTTL       time.Duration
	ValuationCacheTTL  time.Duration
	ExpiringLotsDays   int
}

// Load reads the process environment. A .env file in the working directory
// is applied first when present; variables already set take precedence.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		MigrateOnStart:        getBool("MIGRATE_ON_START", false),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getPositiveInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogPretty:             getBool("LOG_PRETTY", false),

		FulfillMaxAttempts:  getPositiveInt("FULFILL_MAX_ATTEMPTS", 3),
		FulfillRetryBackoff: time.Duration(getPositiveInt("FULFILL_RETRY_BACKOFF_MS", 25)) * time.Millisecond,
		OrderLockTTL:        time.Duration(getPositiveInt("ORDER_LOCK_TTL_SECONDS", 15)) * time.Second,
		ValuationCacheTTL:   time.Duration(getPositiveInt("VALUATION_CACHE_TTL_SECONDS", 30)) * time.Second,
		ExpiringLotsDays:    getPositiveInt("EXPIRING_LOTS_DAYS", 30),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getPositiveInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	b, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(fallback)))
	if err != nil {
		return fallback
	}
	return b
}
