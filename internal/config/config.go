package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/plenty-of-plants/contest/internal/domain/contest"
)

// Store backends selectable through STORE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendBolt     = "bolt"
)

// Config holds service configuration.
type Config struct {
	ServerAddr    string
	LogLevel      string
	StoreBackend  string
	DatabaseURL   string
	MigrationsDir string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	BoltPath      string
	// AMQPURL enables result publishing when set.
	AMQPURL      string
	AMQPExchange string

	Policy        contest.Policy
	TxMaxAttempts int
	SweepInterval time.Duration
	Retention     time.Duration
}

// Load reads configuration from environment.
func Load() (*Config, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		user := getenv("POSTGRES_USER", "contest")
		pass := getenv("POSTGRES_PASSWORD", "contest_pass")
		db := getenv("POSTGRES_DB", "contest")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}

	backend := strings.ToLower(getenv("STORE_BACKEND", BackendMemory))
	switch backend {
	case BackendMemory, BackendPostgres, BackendRedis, BackendBolt:
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", backend)
	}

	policy := contest.Policy{
		LobbyTTL:          parseDuration(getenv("CONTEST_LOBBY_TTL", ""), contest.DefaultLobbyTTL),
		VotingRoundTTL:    parseDuration(getenv("CONTEST_VOTING_ROUND_TTL", ""), contest.DefaultVotingRoundTTL),
		InactivityWindow:  parseDuration(getenv("CONTEST_INACTIVITY_WINDOW", ""), contest.DefaultInactivityWindow),
		Capacity:          parseInt(getenv("CONTEST_CAPACITY", ""), contest.DefaultCapacity),
		MaxRounds:         parseInt(getenv("CONTEST_MAX_ROUNDS", ""), 0),
		AutoStartWhenFull: parseBool(getenv("CONTEST_AUTO_START_WHEN_FULL", ""), true),
	}
	if policy.Capacity < contest.MinContestants {
		return nil, fmt.Errorf("CONTEST_CAPACITY must be at least %d", contest.MinContestants)
	}

	return &Config{
		ServerAddr:    getenv("SERVER_ADDR", "0.0.0.0:8080"),
		LogLevel:      getenv("LOG_LEVEL", "info"),
		StoreBackend:  backend,
		DatabaseURL:   dsn,
		MigrationsDir: getenv("MIGRATIONS_DIR", "internal/migrations"),
		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       parseInt(getenv("REDIS_DB", ""), 0),
		BoltPath:      getenv("BOLT_PATH", "contest.db"),
		AMQPURL:       os.Getenv("AMQP_URL"),
		AMQPExchange:  getenv("AMQP_EXCHANGE", "contest.results"),
		Policy:        policy,
		TxMaxAttempts: parseInt(getenv("CONTEST_TX_MAX_ATTEMPTS", ""), 5),
		SweepInterval: parseDuration(getenv("CONTEST_SWEEP_INTERVAL", ""), 5*time.Second),
		Retention:     parseDuration(getenv("CONTEST_RETENTION", ""), 24*time.Hour),
	}, nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}
