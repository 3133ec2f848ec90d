package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	RPCEndpoints       []string
	ChainID            uint64
	ContractAddress    string
	PrivateKey         string
	HTTPAddr           string
	SQLitePath         string
	RedisAddr          string
	MySQLDSN           string
	OtelEndpoint       string
	KafkaBrokers       []string
	KafkaTopic         string
	LogLevel           string
	LogFile            string
	LogMaxSizeMB       int
	LogMaxBackups      int
	StartWaitTimeout   time.Duration
	EndWaitTimeout     time.Duration
	ReconcileInterval  time.Duration
	ResyncInterval     time.Duration
	RetentionWindow    time.Duration
	LeaderboardRefresh time.Duration
	LeaderboardTTL     time.Duration
	LeaderboardSize    int
	GameFetchWorkers   int
}

type EnvSource interface {
	Lookup(key string) (string, bool)
}

type EnvMap map[string]string

func (e EnvMap) Lookup(key string) (string, bool) {
	value, ok := e[key]
	return value, ok
}

func FromEnviron() EnvSource {
	env := make(EnvMap)
	for _, entry := range os.Environ() {
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		env[parts[0]] = parts[1]
	}
	return env
}

func Load(source EnvSource) (Config, error) {
	if source == nil {
		return Config{}, errors.New("env source is required")
	}

	rpcEndpoints, err := parseList(source, "RPC_ENDPOINTS", "")
	if err != nil {
		return Config{}, err
	}

	chainID, err := parseUintEnv(source, "CHAIN_ID", 50312)
	if err != nil {
		return Config{}, err
	}

	contractAddress, ok := source.Lookup("CONTRACT_ADDRESS")
	if !ok || strings.TrimSpace(contractAddress) == "" {
		return Config{}, errors.New("CONTRACT_ADDRESS is required")
	}

	privateKey, ok := source.Lookup("PRIVATE_KEY")
	if !ok || strings.TrimSpace(privateKey) == "" {
		return Config{}, errors.New("PRIVATE_KEY is required")
	}

	httpAddr := ":8080"
	if raw, ok := source.Lookup("HTTP_ADDR"); ok && raw != "" {
		httpAddr = raw
	}

	sqlitePath := "flappysomnia.db"
	if raw, ok := source.Lookup("SQLITE_PATH"); ok && strings.TrimSpace(raw) != "" {
		sqlitePath = strings.TrimSpace(raw)
	}

	redisAddr, _ := source.Lookup("REDIS_ADDR")
	redisAddr = strings.TrimSpace(redisAddr)

	mysqlDSN, _ := source.Lookup("MYSQL_DSN")
	mysqlDSN = strings.TrimSpace(mysqlDSN)

	otelEndpoint, _ := source.Lookup("OTEL_EXPORTER_OTLP_ENDPOINT")
	otelEndpoint = strings.TrimSpace(otelEndpoint)

	// Brokers are optional: with none configured the event stream is off.
	kafkaBrokers, err := parseOptionalList(source, "KAFKA_BROKERS")
	if err != nil {
		return Config{}, err
	}
	kafkaTopic, ok := source.Lookup("KAFKA_TOPIC")
	if !ok || kafkaTopic == "" {
		kafkaTopic = "flappysomnia-events"
	}

	logLevel, _ := source.Lookup("LOG_LEVEL")
	logFile, _ := source.Lookup("LOG_FILE")
	logMaxSize, err := parseUintEnv(source, "LOG_MAX_SIZE_MB", 100)
	if err != nil {
		return Config{}, err
	}
	logMaxBackups, err := parseUintEnv(source, "LOG_MAX_BACKUPS", 5)
	if err != nil {
		return Config{}, err
	}

	startWait, err := parseDurationEnv(source, "START_WAIT_TIMEOUT", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	endWait, err := parseDurationEnv(source, "END_WAIT_TIMEOUT", 60*time.Second)
	if err != nil {
		return Config{}, err
	}
	reconcile, err := parseDurationEnv(source, "RECONCILE_INTERVAL", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	resync, err := parseDurationEnv(source, "RESYNC_INTERVAL", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	retention, err := parseDurationEnv(source, "RETENTION_WINDOW", time.Hour)
	if err != nil {
		return Config{}, err
	}
	refresh, err := parseDurationEnv(source, "LEADERBOARD_REFRESH", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	cacheTTL, err := parseDurationEnv(source, "LEADERBOARD_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}
	leaderboardSize, err := parseUintEnv(source, "LEADERBOARD_SIZE", 10)
	if err != nil {
		return Config{}, err
	}
	fetchWorkers, err := parseUintEnv(source, "GAME_FETCH_WORKERS", 8)
	if err != nil {
		return Config{}, err
	}

	return Config{
		RPCEndpoints:       rpcEndpoints,
		ChainID:            chainID,
		ContractAddress:    contractAddress,
		PrivateKey:         privateKey,
		HTTPAddr:           httpAddr,
		SQLitePath:         sqlitePath,
		RedisAddr:          redisAddr,
		MySQLDSN:           mysqlDSN,
		OtelEndpoint:       otelEndpoint,
		KafkaBrokers:       kafkaBrokers,
		KafkaTopic:         kafkaTopic,
		LogLevel:           logLevel,
		LogFile:            logFile,
		LogMaxSizeMB:       int(logMaxSize),
		LogMaxBackups:      int(logMaxBackups),
		StartWaitTimeout:   startWait,
		EndWaitTimeout:     endWait,
		ReconcileInterval:  reconcile,
		ResyncInterval:     resync,
		RetentionWindow:    retention,
		LeaderboardRefresh: refresh,
		LeaderboardTTL:     cacheTTL,
		LeaderboardSize:    int(leaderboardSize),
		GameFetchWorkers:   int(fetchWorkers),
	}, nil
}

func parseUintEnv(source EnvSource, key string, defaultValue uint64) (uint64, error) {
	raw, ok := source.Lookup(key)
	if !ok || raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func parseDurationEnv(source EnvSource, key string, defaultValue time.Duration) (time.Duration, error) {
	raw, ok := source.Lookup(key)
	if !ok || raw == "" {
		return defaultValue, nil
	}
	duration, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return duration, nil
}

func parseList(source EnvSource, key string, defaultValue string) ([]string, error) {
	raw, ok := source.Lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		raw = defaultValue
	}
	items := strings.Split(raw, ",")
	var values []string
	for _, item := range items {
		value := strings.TrimSpace(item)
		if value == "" {
			continue
		}
		values = append(values, value)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s is required", key)
	}
	return values, nil
}

func parseOptionalList(source EnvSource, key string) ([]string, error) {
	raw, ok := source.Lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	items := strings.Split(raw, ",")
	var values []string
	for _, item := range items {
		value := strings.TrimSpace(item)
		if value == "" {
			continue
		}
		values = append(values, value)
	}
	return values, nil
}
