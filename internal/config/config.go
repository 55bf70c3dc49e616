package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries the environment-driven settings for the API process.
type Config struct {
	HTTPAddr     string
	GRPCAddr     string
	PostgresDSN  string
	RedisURL     string
	JWTSecret    string
	JWTIssuer    string
	RateBurst    int
	RatePerSec   int
	MaxBodyBytes int64

	ShutdownTimeout time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is merged in first when present; real environment variables win.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		HTTPAddr:        getEnv("KADRA_HTTP_ADDR", ":8080"),
		GRPCAddr:        getEnv("KADRA_GRPC_ADDR", ":9090"),
		PostgresDSN:     getEnv("KADRA_PG_DSN", ""),
		RedisURL:        getEnv("KADRA_REDIS_URL", ""),
		JWTSecret:       getEnv("KADRA_JWT_SECRET", ""),
		JWTIssuer:       getEnv("KADRA_JWT_ISSUER", "kadra-auth"),
		RateBurst:       getEnvInt("KADRA_RATE_BURST", 50),
		RatePerSec:      getEnvInt("KADRA_RATE_PER_SEC", 25),
		MaxBodyBytes:    int64(getEnvInt("KADRA_MAX_BODY_BYTES", 1<<20)),
		ShutdownTimeout: time.Duration(getEnvInt("KADRA_SHUTDOWN_TIMEOUT_SEC", 10)) * time.Second,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
