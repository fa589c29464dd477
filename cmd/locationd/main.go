// locationd drains the driver-locations topic and applies each sample to
// the Redis geo index and the Postgres driver directory. Location data is
// advisory, so failed updates are retried a few times and then dropped.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "locationd_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "locationd_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	applyOK = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "locationd_applies_total",
		Help: "Total location samples applied to index and directory",
	})
	applyErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "locationd_apply_errors_total",
		Help: "Total samples dropped after exhausting retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, applyOK, applyErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	index := geo.NewRedisIndexWithClient(rc, cfg.RedisGeoKey)

	var dir directory.Directory
	if cfg.PGDSN != "" {
		pd, err := directory.NewPostgresDirectory(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		dir = pd
	} else {
		dir = directory.NewMemoryDirectory()
	}
	app := &applier{index: index, dir: dir}

	// metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("locationd consuming", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.Inc()

		var p models.LocationPush
		if err := json.Unmarshal(m.Value, &p); err != nil || p.DriverID == "" {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "error", err)
			continue
		}

		if err := applyWithRetry(ctx, app, p, cfg.RetryAttempts, cfg.RetryDelay); err != nil {
			applyErrors.Inc()
			logger.Warn("apply failed", "driver_id", p.DriverID, "error", err)
			continue
		}
		applyOK.Inc()
	}
}

// LocationApplier is the small surface applyWithRetry needs; tests swap
// in fakes.
type LocationApplier interface {
	UpsertIndex(ctx context.Context, driverID string, loc models.Coord) error
	UpsertDirectory(ctx context.Context, driverID string, loc models.Coord) error
}

type applier struct {
	index geo.Index
	dir   directory.Directory
}

func (a *applier) UpsertIndex(ctx context.Context, driverID string, loc models.Coord) error {
	return a.index.Upsert(ctx, driverID, loc)
}

func (a *applier) UpsertDirectory(ctx context.Context, driverID string, loc models.Coord) error {
	return a.dir.UpsertLocation(ctx, driverID, loc)
}

// applyWithRetry writes the sample to the geo index and the directory,
// retrying each step with doubling delay.
func applyWithRetry(ctx context.Context, a LocationApplier, p models.LocationPush, attempts int, delay time.Duration) error {
	loc := models.Coord{Lng: p.Lng, Lat: p.Lat}
	for i := 0; i < attempts; i++ {
		if err := a.UpsertIndex(ctx, p.DriverID, loc); err != nil {
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		if err := a.UpsertDirectory(ctx, p.DriverID, loc); err != nil {
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		return nil
	}
	return nil
}
