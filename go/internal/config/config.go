package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"
)

// Config holds every runtime setting of the race gateway.
type Config struct {
	Port     string
	LogLevel string

	SnapshotPeriod   time.Duration
	PlayerTTL        time.Duration
	StartDelay       time.Duration
	Heartbeat        time.Duration
	PresenceInterval time.Duration
	SessionIdle      time.Duration
	ReapInterval     time.Duration

	PlayerRadius    float64
	FinishTolerance float64

	TracksFile string

	Results  ResultsConfig
	Database Database
	NATS     NATSConfig
}

// ResultsConfig selects where finished runs are archived.
type ResultsConfig struct {
	Store     string // none | badger | postgres
	BadgerDir string
	Workers   int
	QueueSize int
}

// NATSConfig configures the race event publisher. An empty URL disables it.
type NATSConfig struct {
	URL           string
	StreamName    string
	SubjectPrefix string
}

// Database holds Postgres connection settings.
type Database struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

const (
	DefaultSnapshotHz      = 30
	MinSnapshotPeriod      = 10 * time.Millisecond
	DefaultPlayerTTL       = 60 * time.Second
	MinPlayerTTL           = time.Second
	DefaultStartDelay      = 3500 * time.Millisecond
	MinStartDelay          = 500 * time.Millisecond
	DefaultHeartbeat       = 25 * time.Second
	MinHeartbeat           = time.Second
	DefaultPresence        = time.Second
	MinPresence            = 100 * time.Millisecond
	DefaultSessionIdle     = 5 * time.Minute
	MinSessionIdle         = 10 * time.Second
	DefaultReapInterval    = 10 * time.Second
	MinReapInterval        = time.Second
	DefaultPlayerRadius    = 12.0
	DefaultFinishTolerance = 6.0
)

// FromEnv reads the configuration from the environment, applying defaults
// and lower bounds. Call godotenv.Load before it to pick up a .env file.
func FromEnv() Config {
	return Config{
		Port:     getEnv("GATEWAY_PORT", "3000"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		SnapshotPeriod:   SnapshotPeriod(getEnvAsFloat("SNAPSHOT_HZ", DefaultSnapshotHz)),
		PlayerTTL:        getEnvAsMillis("PLAYER_TTL_MS", DefaultPlayerTTL, MinPlayerTTL),
		StartDelay:       getEnvAsMillis("START_DELAY_MS", DefaultStartDelay, MinStartDelay),
		Heartbeat:        getEnvAsMillis("HEARTBEAT_MS", DefaultHeartbeat, MinHeartbeat),
		PresenceInterval: getEnvAsMillis("PRESENCE_MS", DefaultPresence, MinPresence),
		SessionIdle:      getEnvAsMillis("SESSION_IDLE_MS", DefaultSessionIdle, MinSessionIdle),
		ReapInterval:     getEnvAsMillis("REAP_INTERVAL_MS", DefaultReapInterval, MinReapInterval),

		PlayerRadius:    math.Max(0, getEnvAsFloat("PLAYER_RADIUS", DefaultPlayerRadius)),
		FinishTolerance: math.Max(0, getEnvAsFloat("FINISH_TOLERANCE", DefaultFinishTolerance)),

		TracksFile: os.Getenv("TRACKS_FILE"),

		Results: ResultsConfig{
			Store:     getEnv("RESULTS_STORE", "none"),
			BadgerDir: getEnv("BADGER_DIR", "./data/results"),
			Workers:   max(1, getEnvAsInt("RESULTS_WORKERS", 2)),
			QueueSize: max(1, getEnvAsInt("RESULTS_QUEUE", 256)),
		},
		Database: DatabaseFromEnv(),
		NATS: NATSConfig{
			URL:           os.Getenv("NATS_URL"),
			StreamName:    getEnv("NATS_STREAM", "RACE_EVENTS"),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "race.events"),
		},
	}
}

// SnapshotPeriod converts a broadcast rate into a tick period, clamped to
// MinSnapshotPeriod. Rates below 1 Hz are treated as 1 Hz.
func SnapshotPeriod(hz float64) time.Duration {
	if math.IsNaN(hz) || hz < 1 {
		hz = 1
	}
	ms := math.Round(1000 / hz)
	period := time.Duration(ms) * time.Millisecond
	if period < MinSnapshotPeriod {
		return MinSnapshotPeriod
	}
	return period
}

// DatabaseFromEnv reads DB_* environment variables (with defaults).
func DatabaseFromEnv() Database {
	return Database{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnvAsInt("DB_PORT", 5432),
		User:     getEnv("DB_USER", "postgres"),
		Password: getEnv("DB_PASSWORD", "postgres"),
		Database: getEnv("DB_NAME", "runner"),
		SSLMode:  getEnv("DB_SSLMODE", "disable"),
	}
}

// DSN returns the Postgres connection URL.
func (d Database) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return f
		}
	}
	return defaultValue
}

// getEnvAsMillis reads an integer millisecond value and clamps it to floor.
func getEnvAsMillis(key string, defaultValue, floor time.Duration) time.Duration {
	d := time.Duration(getEnvAsInt(key, int(defaultValue/time.Millisecond))) * time.Millisecond
	if d < floor {
		return floor
	}
	return d
}
