package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	GatewayStripe  = "stripe"
	GatewaySandbox = "sandbox"

	IngressDirect = "direct"
	IngressQueue  = "queue"

	// MaxTicketsCeiling is the largest quantity the HTTP binding accepts.
	MaxTicketsCeiling = 100
)

type Config struct {
	Server        ServerConfig
	Postgres      PostgresConfig
	Redis         RedisConfig
	RabbitMQ      RabbitMQConfig
	Gateway       GatewayConfig
	Auth          AuthConfig
	Reservation   ReservationConfig
	Notifications NotificationsConfig
	Log           LogConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type PostgresConfig struct {
	User           string
	Password       string
	Name           string
	Host           string
	Port           int
	SSLMode        string
	MaxConns       int32
	MigrateOnStart bool
}

// RabbitMQConfig points at the broker. An empty URL disables publishing and
// the queued notification ingress.
type RabbitMQConfig struct {
	URL string
}

type GatewayConfig struct {
	Provider      string
	SecretKey     string
	WebhookSecret string
	Currency      string
}

type AuthConfig struct {
	JWTSecret string
}

type ReservationConfig struct {
	// PendingTTL of zero disables the expiry sweep.
	PendingTTL    time.Duration
	SweepInterval time.Duration
	RateLimit     int
	RateWindow    time.Duration
	// MaxTickets caps the quantity of a single reservation.
	MaxTickets    int
}

type NotificationsConfig struct {
	Ingress string
}

type LogConfig struct {
	Level  string
	Format string
}

func New() (*Config, error) {
	const op = "config.New"

	_ = godotenv.Load()

	serverHost := os.Getenv("SERVER_HOST")
	if serverHost == "" {
		serverHost = "localhost"
	}

	serverPort, err := envInt("SERVER_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	serverCfg := ServerConfig{
		Host: serverHost,
		Port: serverPort,
	}

	postgresHost := os.Getenv("POSTGRES_HOST")
	if postgresHost == "" {
		postgresHost = "localhost"
	}

	postgresPort, err := envInt("POSTGRES_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	postgresUser := os.Getenv("POSTGRES_USER")
	if postgresUser == "" {
		return nil, fmt.Errorf("%s: missing POSTGRES_USER", op)
	}

	postgresPassword := os.Getenv("POSTGRES_PASSWORD")
	if postgresPassword == "" {
		return nil, fmt.Errorf("%s: missing POSTGRES_PASSWORD", op)
	}

	postgresDB := os.Getenv("POSTGRES_DB")
	if postgresDB == "" {
		return nil, fmt.Errorf("%s: missing POSTGRES_DB", op)
	}

	postgresSSLMode := os.Getenv("POSTGRES_SSLMODE")
	if postgresSSLMode == "" {
		postgresSSLMode = "disable"
	}

	maxConns, err := envInt("POSTGRES_MAX_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	migrate, err := envBool("MIGRATE_ON_START", true)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	postgresCfg := PostgresConfig{
		User:           postgresUser,
		Password:       postgresPassword,
		Name:           postgresDB,
		Host:           postgresHost,
		Port:           postgresPort,
		SSLMode:        postgresSSLMode,
		MaxConns:       int32(maxConns),
		MigrateOnStart: migrate,
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6380"
	}

	redisDB, err := envInt("REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	redisCfg := RedisConfig{
		Addr:     redisAddr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       redisDB,
	}

	gatewayCfg := GatewayConfig{
		Provider:      strings.ToLower(os.Getenv("GATEWAY_PROVIDER")),
		SecretKey:     os.Getenv("GATEWAY_SECRET_KEY"),
		WebhookSecret: os.Getenv("GATEWAY_WEBHOOK_SECRET"),
		Currency:      strings.ToLower(os.Getenv("GATEWAY_CURRENCY")),
	}
	if gatewayCfg.Provider == "" {
		gatewayCfg.Provider = GatewaySandbox
	}
	if gatewayCfg.Currency == "" {
		gatewayCfg.Currency = "usd"
	}

	switch gatewayCfg.Provider {
	case GatewaySandbox:
	case GatewayStripe:
		if gatewayCfg.SecretKey == "" {
			return nil, fmt.Errorf("%s: missing GATEWAY_SECRET_KEY", op)
		}
	default:
		return nil, fmt.Errorf("%s: unknown GATEWAY_PROVIDER %q", op, gatewayCfg.Provider)
	}

	if gatewayCfg.WebhookSecret == "" {
		return nil, fmt.Errorf("%s: missing GATEWAY_WEBHOOK_SECRET", op)
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("%s: missing JWT_SECRET", op)
	}

	pendingTTL, err := envDuration("RESERVATION_PENDING_TTL", 0)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	sweepInterval, err := envDuration("RESERVATION_SWEEP_INTERVAL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	rateLimit, err := envInt("RESERVATION_RATE_LIMIT", 10)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	rateWindow, err := envDuration("RESERVATION_RATE_WINDOW", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	maxTickets, err := envInt("RESERVATION_MAX_TICKETS", 10)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if maxTickets <= 0 || maxTickets > MaxTicketsCeiling {
		return nil, fmt.Errorf("%s: RESERVATION_MAX_TICKETS must be in 1..%d", op, MaxTicketsCeiling)
	}

	rabbitCfg := RabbitMQConfig{URL: os.Getenv("RABBITMQ_URL")}

	ingress := strings.ToLower(os.Getenv("NOTIFICATION_INGRESS"))
	if ingress == "" {
		ingress = IngressDirect
	}

	switch ingress {
	case IngressDirect:
	case IngressQueue:
		if rabbitCfg.URL == "" {
			return nil, fmt.Errorf("%s: NOTIFICATION_INGRESS=queue requires RABBITMQ_URL", op)
		}
	default:
		return nil, fmt.Errorf("%s: unknown NOTIFICATION_INGRESS %q", op, ingress)
	}

	logCfg := LogConfig{
		Level:  strings.ToLower(os.Getenv("LOG_LEVEL")),
		Format: strings.ToLower(os.Getenv("LOG_FORMAT")),
	}
	if logCfg.Level == "" {
		logCfg.Level = "info"
	}
	if logCfg.Format == "" {
		logCfg.Format = "text"
	}

	return &Config{
		Server:   serverCfg,
		Postgres: postgresCfg,
		Redis:    redisCfg,
		RabbitMQ: rabbitCfg,
		Gateway:  gatewayCfg,
		Auth:     AuthConfig{JWTSecret: jwtSecret},
		Reservation: ReservationConfig{
			PendingTTL:    pendingTTL,
			SweepInterval: sweepInterval,
			RateLimit:     rateLimit,
			RateWindow:    rateWindow,
			MaxTickets:    maxTickets,
		},
		Notifications: NotificationsConfig{Ingress: ingress},
		Log:           logCfg,
	}, nil
}

func envInt(key string, def int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}

	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}

	return v, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}

	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("invalid %s: negative duration", key)
	}

	return v, nil
}

func envBool(key string, def bool) (bool, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}

	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}

	return v, nil
}
