// Package app builds the shared components every command starts from.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tfgems/crumbz/internal/audit"
	"github.com/tfgems/crumbz/internal/config"
	"github.com/tfgems/crumbz/internal/credit"
	"github.com/tfgems/crumbz/internal/ledger"
	"github.com/tfgems/crumbz/internal/logger"
)

// Deps are the long-lived components shared by the commands.
type Deps struct {
	Config *config.AppConfig
	Log    *logger.Logger
	Ledger *ledger.EVM
	Store  *credit.Store
	Audit  *audit.Recorder

	closers []func() error
}

func NewLogger(cfg *config.AppConfig) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Environment,
		ServiceName: cfg.ServiceName,
	})
}

// Open dials the ledger and opens the credit store and audit trail.
func Open(ctx context.Context, cfg *config.AppConfig, log *logger.Logger) (*Deps, error) {
	d := &Deps{Config: cfg, Log: log}

	store, closeStore, err := OpenStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	d.Store = store
	d.closers = append(d.closers, closeStore)

	d.Audit = OpenAudit(cfg, log)
	d.closers = append(d.closers, d.Audit.Close)

	l, err := ledger.Dial(ctx, cfg.Ledger, log)
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	d.Ledger = l
	d.closers = append(d.closers, func() error { l.Close(); return nil })

	log.Info("components ready",
		zap.String("custodial", l.CustodialAddress().Hex()),
		zap.String("token", l.TokenAddress().Hex()),
		zap.String("store", cfg.Store.Backend),
		zap.Bool("subscriptions", cfg.Ledger.SubscriptionsSupported()),
	)
	return d, nil
}

// Close releases everything in reverse order of opening.
func (d *Deps) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// OpenStore builds the credit store on the configured backend.
func OpenStore(ctx context.Context, cfg *config.AppConfig, log *logger.Logger) (*credit.Store, func() error, error) {
	switch cfg.Store.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		log.Info("credit store on redis", zap.String("addr", cfg.Redis.Addr), zap.String("prefix", cfg.Redis.KeyPrefix))
		return credit.NewStore(credit.NewRedisBackend(client, cfg.Redis.KeyPrefix), log), client.Close, nil
	case "file", "":
		log.Info("credit store on disk", zap.String("dir", cfg.Store.RecordsDir))
		return credit.NewStore(credit.NewFileBackend(cfg.Store.RecordsDir), log), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// OpenAudit fans audit events out to the JSONL file and, when brokers are
// configured, Kafka.
func OpenAudit(cfg *config.AppConfig, log *logger.Logger) *audit.Recorder {
	var sinks audit.Multi
	if s := audit.NewJSONLSink(cfg.Audit.Path); s != nil {
		sinks = append(sinks, s)
	}
	if len(cfg.Audit.KafkaBrokers) > 0 {
		sinks = append(sinks, audit.NewKafkaSink(audit.KafkaConfig{
			Brokers: cfg.Audit.KafkaBrokers,
			Topic:   cfg.Audit.KafkaTopic,
		}))
		log.Info("audit events published to kafka",
			zap.Strings("brokers", cfg.Audit.KafkaBrokers),
			zap.String("topic", cfg.Audit.KafkaTopic),
		)
	}
	if len(sinks) == 0 {
		return audit.NewRecorder(audit.Nop{}, log)
	}
	return audit.NewRecorder(sinks, log)
}
