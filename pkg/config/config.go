package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings shared by the manager and traders.
type Config struct {
	Port string

	// Filesystem layout
	SocketDir string
	DataDir   string

	// Catalogs
	AccountsFile   string
	StrategiesFile string

	// Trader subprocess supervision
	TraderBin   string // path to the run_trader binary; empty means look it up on PATH
	AutoSpawn   bool
	TraderDebug bool

	// IPC timing
	RequestTimeoutSecs   int
	HeartbeatSecs        int
	HeartbeatTimeoutSecs int

	// Risk defaults
	MaxDailyOrders  int
	MaxDailyCancels int
	MaxOrderVolume  int
	OrdersPerSecond float64
	OrderBurst      int

	// Auth
	JWTSecret     string
	AdminUser     string
	AdminPassword string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:                 getEnv("PORT", "8080"),
		SocketDir:            getEnv("SOCKET_DIR", "./data/socks"),
		DataDir:              getEnv("DATA_DIR", "./data"),
		AccountsFile:         getEnv("ACCOUNTS_FILE", "./accounts.yaml"),
		StrategiesFile:       getEnv("STRATEGIES_FILE", "./strategies.yaml"),
		TraderBin:            getEnv("TRADER_BIN", ""),
		AutoSpawn:            getEnv("AUTO_SPAWN", "true") == "true",
		TraderDebug:          getEnv("TRADER_DEBUG", "false") == "true",
		RequestTimeoutSecs:   getEnvInt("REQUEST_TIMEOUT_SECS", 10),
		HeartbeatSecs:        getEnvInt("HEARTBEAT_SECS", 10),
		HeartbeatTimeoutSecs: getEnvInt("HEARTBEAT_TIMEOUT_SECS", 30),
		MaxDailyOrders:       getEnvInt("MAX_DAILY_ORDERS", 500),
		MaxDailyCancels:      getEnvInt("MAX_DAILY_CANCELS", 500),
		MaxOrderVolume:       getEnvInt("MAX_ORDER_VOLUME", 100),
		OrdersPerSecond:      getEnvFloat("ORDERS_PER_SECOND", 5),
		OrderBurst:           getEnvInt("ORDER_BURST", 10),
		JWTSecret:            getEnv("JWT_SECRET", "dev-secret"),
		AdminUser:            getEnv("ADMIN_USER", "admin"),
		AdminPassword:        getEnv("ADMIN_PASSWORD", "admin"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
