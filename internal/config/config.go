package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ServerConfig captures all tunable parameters for the dispatch process.
// Values come from an optional YAML file and are then overridden by
// environment variables, so the binary can run locally without setup.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisGeoKey   string `yaml:"redis_geo_key" validate:"required"`

	KafkaBrokers    []string `yaml:"kafka_brokers"`
	KafkaTopic      string   `yaml:"kafka_topic" validate:"required"`
	KafkaGroup      string   `yaml:"kafka_group" validate:"required"`
	TripEventsTopic string   `yaml:"trip_events_topic"`

	AMQPURL      string `yaml:"amqp_url" validate:"omitempty,url"`
	AMQPExchange string `yaml:"amqp_exchange"`

	PGDSN string `yaml:"pg_dsn"`

	Matcher MatcherConfig `yaml:"matcher"`

	LocationTTL       time.Duration `yaml:"location_ttl" validate:"gt=0"`
	GeofencePrecision uint          `yaml:"geofence_precision" validate:"min=1,max=12"`

	WSSendBuffer   int           `yaml:"ws_send_buffer" validate:"gt=0"`
	WSPingInterval time.Duration `yaml:"ws_ping_interval" validate:"gt=0"`
	WSWriteTimeout time.Duration `yaml:"ws_write_timeout" validate:"gt=0"`

	PushEndpoint string `yaml:"push_endpoint" validate:"omitempty,url"`
	OSRMEndpoint string `yaml:"osrm_endpoint" validate:"omitempty,url"`

	LogLevel      string `yaml:"log_level" validate:"oneof=debug info warn warning error"`
	RunMigrations bool   `yaml:"run_migrations"`
}

// MatcherConfig holds the candidate search and scoring knobs.
type MatcherConfig struct {
	RadiusKm          float64 `yaml:"radius_km" validate:"gt=0"`
	Limit             int     `yaml:"limit" validate:"gt=0"`
	PrefetchFactor    int     `yaml:"prefetch_factor" validate:"min=2"`
	WeightDistance    float64 `yaml:"weight_distance" validate:"gte=0"`
	WeightRating      float64 `yaml:"weight_rating" validate:"gte=0"`
	WeightReliability float64 `yaml:"weight_reliability" validate:"gte=0"`
	DefaultSpeedKmh   float64 `yaml:"default_speed_kmh" validate:"gt=0"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "drivers_geo",
		KafkaTopic:      "driver-locations",
		KafkaGroup:      "ride-dispatch-consumer",
		AMQPExchange:    "trips",
		Matcher: MatcherConfig{
			RadiusKm:          5,
			Limit:             5,
			PrefetchFactor:    2,
			WeightDistance:    0.5,
			WeightRating:      0.3,
			WeightReliability: 0.2,
			DefaultSpeedKmh:   30,
		},
		LocationTTL:       300 * time.Second,
		GeofencePrecision: 6,
		WSSendBuffer:      64,
		WSPingInterval:    30 * time.Second,
		WSWriteTimeout:    5 * time.Second,
		LogLevel:          "info",
	}
}

// LoadServerConfig reads the optional YAML file at path (empty skips it),
// applies environment overrides and validates the result. All problems are
// reported together.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return cfg, err
		}
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
		cfg.RedisPassword = v
	}
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.TripEventsTopic, "KAFKA_TRIP_EVENTS_TOPIC")

	setStringFromEnv(&cfg.AMQPURL, "AMQP_URL")
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")

	setStringFromEnv(&cfg.PGDSN, "PG_DSN")

	setFloatFromEnv(&cfg.Matcher.RadiusKm, "MATCHER_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.Matcher.Limit, "MATCHER_LIMIT", &errs)
	setIntFromEnv(&cfg.Matcher.PrefetchFactor, "MATCHER_PREFETCH_FACTOR", &errs)
	setFloatFromEnv(&cfg.Matcher.WeightDistance, "MATCHER_WEIGHT_DISTANCE", &errs)
	setFloatFromEnv(&cfg.Matcher.WeightRating, "MATCHER_WEIGHT_RATING", &errs)
	setFloatFromEnv(&cfg.Matcher.WeightReliability, "MATCHER_WEIGHT_RELIABILITY", &errs)
	setFloatFromEnv(&cfg.Matcher.DefaultSpeedKmh, "MATCHER_DEFAULT_SPEED_KMH", &errs)

	setDurationFromEnv(&cfg.LocationTTL, "LOCATION_TTL", &errs)
	if v := os.Getenv("GEOFENCE_PRECISION"); v != "" {
		p, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid GEOFENCE_PRECISION: %w", err))
		} else {
			cfg.GeofencePrecision = uint(p)
		}
	}

	setIntFromEnv(&cfg.WSSendBuffer, "WS_SEND_BUFFER", &errs)
	setDurationFromEnv(&cfg.WSPingInterval, "WS_PING_INTERVAL", &errs)
	setDurationFromEnv(&cfg.WSWriteTimeout, "WS_WRITE_TIMEOUT", &errs)

	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if v := os.Getenv("MIGRATE"); v != "" {
		cfg.RunMigrations = strings.EqualFold(v, "true")
	}

	if err := validator.New().Struct(cfg); err != nil {
		errs = append(errs, fmt.Errorf("invalid configuration: %w", err))
	}

	return cfg, errors.Join(errs...)
}

func loadYAML(path string, cfg *ServerConfig) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
