package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	geoUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_geo_updates_total",
		Help: "Total successful geo index updates",
	})
	geoErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_geo_errors_total",
		Help: "Total geo index update failures",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, geoUpdates, geoErrors)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath  string
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:          "consumer",
		Short:        "Consume driver location reports from Kafka into the geo index",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configPath == "" {
				configPath = os.Getenv("DISPATCH_CONFIG")
			}
			cfg, err := config.LoadServerConfig(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, metricsAddr, logging.NewLogger(cfg.LogLevel).With("component", "consumer"))
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	return cmd
}

func run(ctx context.Context, cfg config.ServerConfig, metricsAddr string, logger *slog.Logger) error {
	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	redisAddr := cfg.RedisAddr
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rc := redis.NewClient(&redis.Options{Addr: redisAddr, Password: cfg.RedisPassword})
	idx := geo.NewRedisIndex(rc, cfg.RedisGeoKey)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := idx.Ping(r.Context()); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready"))
	})
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", brokers, "group", cfg.KafkaGroup, "ttl", cfg.LocationTTL)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return nil
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		report, err := ingest.Decode(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "error", err)
			continue
		}
		if err := upsertWithRetry(ctx, idx, report, cfg.LocationTTL, 3, 200*time.Millisecond); err != nil {
			geoErrors.Inc()
			logger.Error("geo update failed", "driver_id", report.DriverID, "error", err)
			continue
		}
		geoUpdates.Inc()
	}
}

// upsertWithRetry writes the report into the geo index, doubling delay
// between attempts.
func upsertWithRetry(ctx context.Context, idx geo.Index, r models.LocationReport, ttl time.Duration, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = idx.Upsert(ctx, r.DriverID, r.Loc.Lat, r.Loc.Lon, ttl); err == nil {
			return nil
		}
		if i == attempts-1 || !sleepCtx(ctx, delay) {
			break
		}
		delay *= 2
	}
	return fmt.Errorf("upsert %s after retries: %w", r.DriverID, err)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
