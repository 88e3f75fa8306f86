package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kcnex/core/internal/domain"
)

// Config holds all runtime configuration for the exchange core.
type Config struct {
	Port     int
	LogLevel string
	DataDir  string

	Symbol          domain.Symbol
	PublishInterval time.Duration
	Depth           int
	BindAddr        string

	MakerFeeBps int64
	TakerFeeBps int64

	LockSlippagePct decimal.Decimal
	CommandTimeout  time.Duration
	MaxRetries      int

	KafkaBrokers []string
	EventTopic   string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables, applies defaults,
// and validates values. It returns an error for any invalid value.
func Load() (*Config, error) {
	port, err := getInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}

	logLevel := getStr("LOG_LEVEL", "info")
	if !isValidLogLevel(logLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", logLevel)
	}

	dataDir := getStr("DATA_DIR", "data")

	symbol, err := domain.ParseSymbol(getStr("ENGINE_SYMBOL", "KCN/EUR"))
	if err != nil {
		return nil, fmt.Errorf("invalid ENGINE_SYMBOL: %w", err)
	}

	publishInterval, err := getDuration("ENGINE_PUBLISH_INTERVAL", 100*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("invalid ENGINE_PUBLISH_INTERVAL: %w", err)
	}

	depth, err := getInt("ENGINE_DEPTH", 10)
	if err != nil {
		return nil, fmt.Errorf("invalid ENGINE_DEPTH: %w", err)
	}
	if depth < 1 {
		return nil, fmt.Errorf("invalid ENGINE_DEPTH: must be at least 1")
	}

	bindAddr := getStr("ENGINE_BIND_ADDR", "")

	makerFee, err := getInt64("MAKER_FEE_BPS", 10)
	if err != nil {
		return nil, fmt.Errorf("invalid MAKER_FEE_BPS: %w", err)
	}
	takerFee, err := getInt64("TAKER_FEE_BPS", 20)
	if err != nil {
		return nil, fmt.Errorf("invalid TAKER_FEE_BPS: %w", err)
	}
	if makerFee < 0 || takerFee < 0 {
		return nil, fmt.Errorf("fee rates must not be negative")
	}

	lockSlippage, err := getDecimal("COORDINATOR_LOCK_SLIPPAGE_PCT", decimal.NewFromFloat(0.05))
	if err != nil {
		return nil, fmt.Errorf("invalid COORDINATOR_LOCK_SLIPPAGE_PCT: %w", err)
	}
	if lockSlippage.IsNegative() {
		return nil, fmt.Errorf("invalid COORDINATOR_LOCK_SLIPPAGE_PCT: must not be negative")
	}

	commandTimeout, err := getDuration("COORDINATOR_COMMAND_TIMEOUT", 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid COORDINATOR_COMMAND_TIMEOUT: %w", err)
	}

	maxRetries, err := getInt("COORDINATOR_MAX_RETRIES", 3)
	if err != nil {
		return nil, fmt.Errorf("invalid COORDINATOR_MAX_RETRIES: %w", err)
	}
	if maxRetries < 1 {
		return nil, fmt.Errorf("invalid COORDINATOR_MAX_RETRIES: must be at least 1")
	}

	var brokers []string
	if raw := getStr("KAFKA_BROKERS", ""); raw != "" {
		for _, b := range strings.Split(raw, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
	}
	eventTopic := getStr("ENGINE_EVENT_TOPIC", "")
	if eventTopic != "" && len(brokers) == 0 {
		return nil, fmt.Errorf("ENGINE_EVENT_TOPIC is set but KAFKA_BROKERS is empty")
	}

	readTimeout, err := getDuration("READ_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid READ_TIMEOUT: %w", err)
	}

	writeTimeout, err := getDuration("WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid WRITE_TIMEOUT: %w", err)
	}

	idleTimeout, err := getDuration("IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid IDLE_TIMEOUT: %w", err)
	}

	shutdownTimeout, err := getDuration("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	return &Config{
		Port:            port,
		LogLevel:        logLevel,
		DataDir:         dataDir,
		Symbol:          symbol,
		PublishInterval: publishInterval,
		Depth:           depth,
		BindAddr:        bindAddr,
		MakerFeeBps:     makerFee,
		TakerFeeBps:     takerFee,
		LockSlippagePct: lockSlippage,
		CommandTimeout:  commandTimeout,
		MaxRetries:      maxRetries,
		KafkaBrokers:    brokers,
		EventTopic:      eventTopic,
		ReadTimeout:     readTimeout,
		WriteTimeout:    writeTimeout,
		IdleTimeout:     idleTimeout,
		ShutdownTimeout: shutdownTimeout,
	}, nil
}

func getStr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getInt64(key string, defaultVal int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

func getDecimal(key string, defaultVal decimal.Decimal) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return decimal.NewFromString(v)
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
